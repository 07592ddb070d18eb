package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/ravi-parthasarathy/inferflow/pkg/pipeline"
)

// ─── run ──────────────────────────────────────────────────────────────────────

func runCmd(opts *globalOpts) *cobra.Command {
	var (
		inputs    []string
		imagePath string
		output    string
		showTrace bool
	)

	cmd := &cobra.Command{
		Use:   "run <flow|pipeline.dot>",
		Short: "Run a flow once and print its answer",
		Example: `  inferflow run vegan --image label.jpg
  inferflow run risk --input claim="A chair comprising..." --input product="A stool..."
  inferflow run ./my_flow.dot --input question="Where does gelatin come from?" --output ctx.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := parseInputs(inputs)
			if err != nil {
				return err
			}
			if imagePath != "" {
				input["image_path"] = imagePath
			}

			p, err := opts.catalog.Resolve(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			shutdown, err := setupTracing(ctx, opts.cfg.Tracing)
			if err != nil {
				return err
			}
			defer shutdown(cmd.Context())

			collab, err := newCollaborators(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer collab.Close()

			eng, err := collab.newEngine(p)
			if err != nil {
				return err
			}

			pctx := eng.Invoke(ctx, input)
			printRun(cmd, pctx, showTrace)
			if err := writeOutputContext(output, pctx); err != nil {
				return err
			}
			if pctx.Status() == pipeline.StatusError {
				return fmt.Errorf("%w at %q: %s", errRunFailed, pctx.GetString(pipeline.KeyErrorNode), pctx.Err())
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "input field as key=value (repeatable)")
	cmd.Flags().StringVar(&imagePath, "image", "", "image file, stored as image_path")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the final context as JSON to this path")
	cmd.Flags().BoolVar(&showTrace, "trace", false, "print the steps the run visited")
	return cmd
}

// parseInputs turns key=value pairs into a run input map.
func parseInputs(pairs []string) (map[string]any, error) {
	input := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --input %q: want key=value", pair)
		}
		if _, dup := input[k]; dup {
			return nil, fmt.Errorf("duplicate --input key %q", k)
		}
		input[k] = v
	}
	return input, nil
}

func statusColor(status string) *color.Color {
	switch status {
	case pipeline.StatusSuccess:
		return color.New(color.FgGreen, color.Bold)
	case pipeline.StatusPartial, pipeline.StatusUnknown:
		return color.New(color.FgYellow, color.Bold)
	default:
		return color.New(color.FgRed, color.Bold)
	}
}

func printRun(cmd *cobra.Command, pctx *pipeline.PipelineContext, showTrace bool) {
	out := cmd.OutOrStdout()
	statusColor(pctx.Status()).Fprintf(out, "[%s]", pctx.Status())
	fmt.Fprintf(out, " %s (run %s)\n\n", pctx.GetString(pipeline.KeyLastNode), pctx.GetString(pipeline.KeyRunID))
	fmt.Fprintln(out, pctx.Result())
	if showTrace {
		color.New(color.Faint).Fprintf(out, "\ntrace: %s\n", strings.Join(pctx.Trace(), " → "))
		if started := pctx.GetString(pipeline.KeyStartTime); started != "" {
			color.New(color.Faint).Fprintf(out, "started %s, ended %s\n", started, pctx.GetString(pipeline.KeyExitTime))
		}
	}
}

// ─── lint ─────────────────────────────────────────────────────────────────────

func lintCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "lint <flow|pipeline.dot>...",
		Short: "Validate flows without running them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			failed := 0
			for _, ref := range args {
				p, err := opts.catalog.Resolve(ref)
				if err != nil {
					color.New(color.FgRed).Fprintf(out, "FAIL %s: %v\n", ref, err)
					failed++
					continue
				}
				problems := lintPipeline(p)
				if len(problems) == 0 {
					color.New(color.FgGreen).Fprintf(out, "OK: pipeline %q is valid (%d nodes, %d edges)\n",
						p.Name, len(p.Nodes), len(p.Edges))
					continue
				}
				failed++
				color.New(color.FgRed).Fprintf(out, "FAIL %s:\n", ref)
				for _, pr := range problems {
					fmt.Fprintf(out, "  - %s\n", pr)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d pipelines failed lint", failed, len(args))
			}
			return nil
		},
	}
}

// ─── flows ────────────────────────────────────────────────────────────────────

func flowsCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "flows",
		Short: "List available flows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			names, err := opts.catalog.Names()
			if err != nil {
				return err
			}
			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Flow", "Nodes", "Terminals", "Status"})
			for _, name := range names {
				p, err := opts.catalog.Load(name)
				if err != nil {
					t.AppendRow(table.Row{name, "-", "-", err.Error()})
					continue
				}
				status := "ok"
				if problems := lintPipeline(p); len(problems) > 0 {
					status = fmt.Sprintf("%d problems", len(problems))
				}
				t.AppendRow(table.Row{name, len(p.Nodes), strings.Join(p.Exits(), ", "), status})
			}
			t.Render()
			return nil
		},
	}
}
