package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ravi-parthasarathy/inferflow/pkg/config"
	"github.com/ravi-parthasarathy/inferflow/pkg/flows"
	"github.com/ravi-parthasarathy/inferflow/pkg/pipeline"

	// Register all LLM providers via their init() functions.
	_ "github.com/ravi-parthasarathy/inferflow/pkg/llm/providers"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// globalOpts holds the persistent flags and the configuration they resolve to.
type globalOpts struct {
	configPath string
	logLevel   string
	logFormat  string
	model      string
	flowsDir   string

	cfg     *config.Config
	catalog *flows.Catalog
}

func rootCmd() *cobra.Command {
	opts := &globalOpts{}
	root := &cobra.Command{
		Use:   "inferflow",
		Short: "inferflow: branching inference pipeline runner",
		Long: `inferflow runs small acyclic pipelines of model calls described as DOT graphs.

Each node is a typed step (prompt, classify, embed, search, ...). Edges carry
conditions on the run's context; switch nodes branch on a classified label.
Every run ends at a terminal that assembles a user-facing answer.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "inferflow.yaml", "path to the YAML configuration file")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error (overrides config)")
	pf.StringVar(&opts.logFormat, "log-format", "", "log format: text or json (overrides config)")
	pf.StringVar(&opts.model, "model", "", "default model as provider:model-name (overrides config)")
	pf.StringVar(&opts.flowsDir, "flows-dir", "", "directory of extra <flow>.dot files (overrides config)")

	root.AddCommand(runCmd(opts))
	root.AddCommand(lintCmd(opts))
	root.AddCommand(graphCmd(opts))
	root.AddCommand(flowsCmd(opts))
	root.AddCommand(serveCmd(opts))
	root.AddCommand(indexCmd(opts))
	return root
}

// load resolves configuration with flag overrides and sets up logging.
func (o *globalOpts) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("model") {
		cfg.Models.Default = o.model
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = strings.ToLower(o.logLevel)
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format = strings.ToLower(o.logFormat)
	}
	if flags.Changed("flows-dir") {
		cfg.Flows.Dir = o.flowsDir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	var w io.Writer = os.Stderr
	if cfg.Logging.File != "" {
		w = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.Logging.File,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		})
	}
	if err := initLoggerTo(w, cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return err
	}

	o.cfg = cfg
	o.catalog = flows.NewCatalog(cfg.Flows.Dir)
	return nil
}

// ─── helpers ─────────────────────────────────────────────────────────────────

// initLogger installs the default slog logger writing to stderr.
func initLogger(level, format string) error {
	return initLoggerTo(os.Stderr, level, format)
}

func initLoggerTo(w io.Writer, level, format string) error {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info", "":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return fmt.Errorf("unknown log level %q: use debug, info, warn or error", level)
	}

	hopts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	switch strings.ToLower(format) {
	case "text", "":
		h = slog.NewTextHandler(w, hopts)
	case "json":
		h = slog.NewJSONHandler(w, hopts)
	default:
		return fmt.Errorf("unknown log format %q: use text or json", format)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

// writeOutputContext dumps the final context of a run as JSON. An empty
// path is a no-op. Raw byte values are summarised rather than encoded.
func writeOutputContext(path string, pctx *pipeline.PipelineContext) error {
	if path == "" {
		return nil
	}
	snap := pctx.Snapshot()
	for k, v := range snap {
		if b, ok := v.([]byte); ok {
			snap[k] = fmt.Sprintf("<%d bytes>", len(b))
		}
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write context: %w", err)
	}
	return nil
}

// signalContext returns a context that is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
