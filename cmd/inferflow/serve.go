package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/cobra"

	"github.com/ravi-parthasarathy/inferflow/pkg/pipeline"
)

func serveCmd(opts *globalOpts) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve every flow over HTTP",
		Long: `serve builds an engine for every available flow once at startup and
exposes them over HTTP:

  GET  /healthz
  GET  /v1/flows
  POST /v1/flows/:name/invoke   JSON {"input": {...}, "image": "<base64>"}
                                or multipart/form-data with an "image" file`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("addr") {
				opts.cfg.Server.Addr = addr
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			shutdown, err := setupTracing(ctx, opts.cfg.Tracing)
			if err != nil {
				return err
			}
			defer shutdown(context.WithoutCancel(ctx))

			collab, err := newCollaborators(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer collab.Close()

			engines, err := buildEngines(opts, collab)
			if err != nil {
				return err
			}
			srv := newServer(engines, opts.cfg.GetInvokeTimeout(), opts.cfg.Server.BodyLimitMB)

			errc := make(chan error, 1)
			go func() { errc <- srv.Listen(opts.cfg.Server.Addr) }()
			slog.Info("server listening", "addr", opts.cfg.Server.Addr, "flows", len(engines))

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}
			slog.Info("shutting down")
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			return srv.ShutdownWithContext(sctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

// buildEngines compiles every catalog flow once. A flow that fails to
// compile aborts startup.
func buildEngines(opts *globalOpts, collab *collaborators) (map[string]*pipeline.Engine, error) {
	names, err := opts.catalog.Names()
	if err != nil {
		return nil, err
	}
	engines := make(map[string]*pipeline.Engine, len(names))
	for _, name := range names {
		p, err := opts.catalog.Load(name)
		if err != nil {
			return nil, err
		}
		eng, err := collab.newEngine(p)
		if err != nil {
			return nil, fmt.Errorf("flow %q: %w", name, err)
		}
		engines[name] = eng
	}
	return engines, nil
}

type invokeRequest struct {
	Input map[string]any `json:"input"`
	Image string         `json:"image,omitempty"` // base64, stored as image_path
}

type invokeResponse struct {
	RunID     string   `json:"run_id"`
	Flow      string   `json:"flow"`
	Status    string   `json:"status"`
	Result    string   `json:"result"`
	Terminal  string   `json:"terminal"`
	Error     string   `json:"error,omitempty"`
	ErrorKind string   `json:"error_kind,omitempty"`
	Trace     []string `json:"trace"`
	StartedAt string   `json:"started_at,omitempty"`
	EndedAt   string   `json:"ended_at,omitempty"`
}

type flowInfo struct {
	Name      string   `json:"name"`
	Nodes     int      `json:"nodes"`
	Terminals []string `json:"terminals"`
}

type server struct {
	engines map[string]*pipeline.Engine
	timeout time.Duration
}

// newServer returns the fiber app serving engines.
func newServer(engines map[string]*pipeline.Engine, timeout time.Duration, bodyLimitMB int) *fiber.App {
	if bodyLimitMB <= 0 {
		bodyLimitMB = 16
	}
	s := &server{engines: engines, timeout: timeout}
	app := fiber.New(fiber.Config{
		AppName:               "inferflow",
		BodyLimit:             bodyLimitMB << 20,
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})
	app.Use(recover.New())
	app.Use(otelfiber.Middleware())

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	v1 := app.Group("/v1")
	v1.Get("/flows", s.listFlows)
	v1.Post("/flows/:name/invoke", s.invoke)
	return app
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	if code >= fiber.StatusInternalServerError {
		slog.Error("request failed", "path", c.Path(), "err", err)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func (s *server) listFlows(c *fiber.Ctx) error {
	out := make([]flowInfo, 0, len(s.engines))
	for name, eng := range s.engines {
		p := eng.Pipeline()
		out = append(out, flowInfo{Name: name, Nodes: len(p.Nodes), Terminals: p.Exits()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return c.JSON(out)
}

func (s *server) invoke(c *fiber.Ctx) error {
	name := c.Params("name")
	eng, ok := s.engines[name]
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, fmt.Sprintf("unknown flow %q", name))
	}

	input, err := readInput(c)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	ctx := c.UserContext()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	pctx := eng.Invoke(ctx, input)

	return c.JSON(invokeResponse{
		RunID:     pctx.GetString(pipeline.KeyRunID),
		Flow:      name,
		Status:    pctx.Status(),
		Result:    pctx.Result(),
		Terminal:  pctx.GetString(pipeline.KeyLastNode),
		Error:     pctx.Err(),
		ErrorKind: pctx.GetString(pipeline.KeyErrorKind),
		Trace:     pctx.Trace(),
		StartedAt: pctx.GetString(pipeline.KeyStartTime),
		EndedAt:   pctx.GetString(pipeline.KeyExitTime),
	})
}

// imageKey is where uploaded image bytes go. load_image also reads file
// paths from it, so clients may not set it themselves.
const imageKey = "image_path"

var errImagePath = fmt.Errorf("%s cannot be set by the client; upload the image or send it as base64 \"image\"", imageKey)

// readInput builds the run input from a JSON or multipart request. Image
// bytes are stored under image_path, which load_image accepts directly.
func readInput(c *fiber.Ctx) (map[string]any, error) {
	input := map[string]any{}
	if strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEMultipartForm) {
		form, err := c.MultipartForm()
		if err != nil {
			return nil, fmt.Errorf("invalid multipart body: %w", err)
		}
		for k, vs := range form.Value {
			if k == imageKey {
				return nil, errImagePath
			}
			if len(vs) > 0 {
				input[k] = vs[0]
			}
		}
		if files := form.File["image"]; len(files) > 0 {
			f, err := files[0].Open()
			if err != nil {
				return nil, fmt.Errorf("open image: %w", err)
			}
			defer f.Close()
			data, err := io.ReadAll(f)
			if err != nil {
				return nil, fmt.Errorf("read image: %w", err)
			}
			input[imageKey] = data
		}
		return input, nil
	}

	if len(c.Body()) == 0 {
		return input, nil
	}
	var req invokeRequest
	if err := c.BodyParser(&req); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	for k, v := range req.Input {
		if k == imageKey {
			return nil, errImagePath
		}
		input[k] = v
	}
	if req.Image != "" {
		data, err := base64.StdEncoding.DecodeString(req.Image)
		if err != nil {
			return nil, fmt.Errorf("image is not valid base64: %w", err)
		}
		input[imageKey] = data
	}
	return input, nil
}
