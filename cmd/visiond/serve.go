package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/visiond/internal/approval"
	"github.com/fyrsmithlabs/visiond/internal/config"
	"github.com/fyrsmithlabs/visiond/internal/contentfilter"
	"github.com/fyrsmithlabs/visiond/internal/events"
	httpserver "github.com/fyrsmithlabs/visiond/internal/http"
	"github.com/fyrsmithlabs/visiond/internal/logging"
	"github.com/fyrsmithlabs/visiond/internal/monitor"
	"github.com/fyrsmithlabs/visiond/internal/pipeline"
	"github.com/fyrsmithlabs/visiond/internal/prompt"
	"github.com/fyrsmithlabs/visiond/internal/registry"
	"github.com/fyrsmithlabs/visiond/internal/scoring"
	"github.com/fyrsmithlabs/visiond/internal/steps"
	"github.com/fyrsmithlabs/visiond/internal/synthesis"
	"github.com/fyrsmithlabs/visiond/internal/telemetry"
	"github.com/fyrsmithlabs/visiond/internal/workflow"
)

// app holds the wired components of a running server.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	tel      *telemetry.Telemetry
	registry *registry.Registry
	pipeline *pipeline.Pipeline
	server   *httpserver.Server
	nc       *nats.Conn
	events   *events.Publisher
}

// run loads configuration, serves until ctx is done and shuts down.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version))
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}

	a, err := assemble(ctx, cfg, tel)
	if err != nil {
		return err
	}
	logger := a.logger
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info(ctx, "starting visiond",
		zap.String("version", version),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("human_in_loop", cfg.Workflow.HumanInLoop),
		zap.String("enhancer", cfg.Enhancer.Provider),
		zap.Bool("events", a.events != nil),
		zap.Bool("telemetry", tel.IsEnabled()),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.Start()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Error(context.Background(), "http server stopped", zap.Error(serveErr))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	return errors.Join(serveErr, a.shutdown(shutdownCtx))
}

// assemble creates the logger and wires the app around tel. When it fails,
// tel is shut down before returning.
func assemble(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry) (a *app, err error) {
	defer func() {
		if err != nil {
			_ = tel.Shutdown(context.WithoutCancel(ctx))
		}
	}()

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	a, err = build(cfg, logger, tel)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return a, nil
}

func newLogger(s config.LoggingConfig) (*logging.Logger, error) {
	cfg := logging.NewDefaultConfig()
	if s.Level != "" {
		level, err := logging.LevelFromString(s.Level)
		if err != nil {
			return nil, err
		}
		cfg.Level = level
	}
	if s.Format != "" {
		cfg.Format = s.Format
	}
	return logging.NewLogger(cfg, nil)
}

// build wires every component from cfg. Nothing is started.
func build(cfg *config.Config, logger *logging.Logger, tel *telemetry.Telemetry) (*app, error) {
	a := &app{cfg: cfg, logger: logger, tel: tel}

	sink, err := newSink(cfg.Monitoring, logger, tel)
	if err != nil {
		return nil, err
	}

	a.registry = registry.New(logger)
	publishers := workflow.Publishers{a.registry}

	if cfg.Events.Enabled {
		nc, err := events.Connect(cfg.Events.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("connecting to nats: %w", err)
		}
		pub, err := events.NewPublisher(nc, cfg.Events.SubjectPrefix, logger)
		if err != nil {
			nc.Close()
			return nil, err
		}
		a.nc, a.events = nc, pub
		publishers = append(publishers, pub)
	}

	enhancer, err := newEnhancer(cfg.Enhancer)
	if err != nil {
		a.closeEvents()
		return nil, err
	}

	synth, err := synthesis.NewClient(synthesis.Config{
		BaseURL:   cfg.Synthesis.BaseURL,
		Model:     cfg.Synthesis.Model,
		APIKey:    cfg.Synthesis.APIKey.Value(),
		RateLimit: cfg.Synthesis.RateLimit,
		Burst:     cfg.Synthesis.Burst,
	}, logger)
	if err != nil {
		a.closeEvents()
		return nil, fmt.Errorf("creating synthesis client: %w", err)
	}

	gate, approver := newGate(cfg.Workflow, logger)

	orch := workflow.NewOrchestrator(
		workflow.Config{ApprovalRequired: cfg.Workflow.HumanInLoop},
		publishers, sink, logger,
	)
	orch.RegisterStep(steps.NewPlanner(enhancer))
	orch.RegisterStep(steps.NewApproval(gate))
	orch.RegisterStep(steps.NewGenerator(
		newFilter(cfg.Filter, logger),
		synth,
		steps.WithParams(generationParams(cfg.Generation)),
		steps.WithTimeout(cfg.Synthesis.Timeout.Duration()),
	))
	orch.RegisterStep(steps.NewCritic(scoring.NewHeuristic(), cfg.Workflow.QualityThreshold))

	opts := []pipeline.Option{pipeline.WithSink(sink), pipeline.WithLogger(logger)}
	if approver != nil {
		opts = append(opts, pipeline.WithApprover(approver))
	}
	a.pipeline = pipeline.New(pipeline.Config{
		DefaultMaxIterations: cfg.Workflow.DefaultMaxIterations,
		MaxIterationsLimit:   cfg.Workflow.MaxIterationsLimit,
	}, orch, a.registry, opts...)

	a.server, err = httpserver.NewServer(a.pipeline, logger,
		&httpserver.Config{Host: cfg.Server.Host, Port: cfg.Server.Port},
		httpserver.WithMeterProvider(tel.MeterProvider()),
		httpserver.WithHealth(tel),
		httpserver.WithVersion(version),
	)
	if err != nil {
		a.closeEvents()
		return nil, fmt.Errorf("creating http server: %w", err)
	}
	return a, nil
}

// newSink selects the monitor backend. Disabled monitoring yields Nop.
func newSink(cfg config.MonitoringConfig, logger *logging.Logger, tel *telemetry.Telemetry) (monitor.Sink, error) {
	if !cfg.Enabled {
		return monitor.Nop{}, nil
	}

	var sinks monitor.Multi
	if cfg.Backend == "log" || cfg.Backend == "both" {
		sinks = append(sinks, monitor.NewLogSink(logger))
	}
	if cfg.Backend == "otel" || cfg.Backend == "both" {
		s, err := monitor.NewOTelSink(tel)
		if err != nil {
			return nil, fmt.Errorf("creating otel monitor: %w", err)
		}
		sinks = append(sinks, s)
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sinks, nil
}

func newEnhancer(cfg config.EnhancerConfig) (steps.Enhancer, error) {
	if cfg.Provider != config.EnhancerLLM {
		return prompt.NewRuleEnhancer(), nil
	}
	e, err := prompt.NewLLMEnhancer(prompt.LLMConfig{
		BaseURL:   cfg.BaseURL,
		Model:     cfg.Model,
		APIKey:    cfg.APIKey.Value(),
		RateLimit: cfg.RateLimit,
		Timeout:   cfg.Timeout.Duration(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating llm enhancer: %w", err)
	}
	return e, nil
}

func newFilter(cfg config.FilterConfig, logger *logging.Logger) steps.ContentFilter {
	chain := contentfilter.Chain{contentfilter.NewKeywordFilter(cfg.BlockedWords, cfg.MinLength)}
	if cfg.DetectSecrets {
		chain = append(chain, contentfilter.NewSecretFilter(logger))
	}
	return chain
}

// newGate returns the approval gate and, when decisions arrive over the API,
// the approver that delivers them.
func newGate(cfg config.WorkflowConfig, logger *logging.Logger) (steps.Gate, pipeline.Approver) {
	if !cfg.HumanInLoop || cfg.ApprovalMode == config.ApprovalModeAuto {
		return approval.Auto{}, nil
	}
	g := approval.NewSignal(cfg.ApprovalTimeout.Duration(), logger)
	return g, g
}

func generationParams(cfg config.GenerationConfig) workflow.GenerationParams {
	p := workflow.DefaultGenerationParams()
	if cfg.Width > 0 {
		p.Width = cfg.Width
	}
	if cfg.Height > 0 {
		p.Height = cfg.Height
	}
	if cfg.Steps > 0 {
		p.Steps = cfg.Steps
	}
	if cfg.Guidance > 0 {
		p.Guidance = cfg.Guidance
	}
	p.NegativePrompt = cfg.NegativePrompt
	return p
}

// shutdown stops intake first, then drains runs, then flushes outputs.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.pipeline.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("pipeline shutdown: %w", err))
	}
	if a.events != nil {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		if err := a.events.Flush(fctx); err != nil {
			errs = append(errs, fmt.Errorf("flushing events: %w", err))
		}
		cancel()
	}
	a.closeEvents()
	if err := a.tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}
	a.logger.Info(context.Background(), "shutdown complete")
	return errors.Join(errs...)
}

func (a *app) closeEvents() {
	if a.nc != nil {
		a.nc.Close()
		a.nc = nil
	}
}
