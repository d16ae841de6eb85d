// Package config provides configuration loading for visiond.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// VISIOND_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Config holds the complete visiond configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Workflow   WorkflowConfig   `koanf:"workflow"`
	Generation GenerationConfig `koanf:"generation"`
	Synthesis  SynthesisConfig  `koanf:"synthesis"`
	Enhancer   EnhancerConfig   `koanf:"enhancer"`
	Filter     FilterConfig     `koanf:"filter"`
	Events     EventsConfig     `koanf:"events"`
	Monitoring MonitoringConfig `koanf:"monitoring"`
	Logging    LoggingConfig    `koanf:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Approval modes.
const (
	ApprovalModeSignal = "signal"
	ApprovalModeAuto   = "auto"
)

// WorkflowConfig controls the regeneration loop and the approval gate.
type WorkflowConfig struct {
	DefaultMaxIterations int      `koanf:"default_max_iterations"`
	MaxIterationsLimit   int      `koanf:"max_iterations_limit"`
	QualityThreshold     float64  `koanf:"quality_threshold"`
	HumanInLoop          bool     `koanf:"human_in_loop"`
	ApprovalMode         string   `koanf:"approval_mode"`
	ApprovalTimeout      Duration `koanf:"approval_timeout"`
}

// GenerationConfig holds the default synthesis parameters.
type GenerationConfig struct {
	Width          int     `koanf:"width"`
	Height         int     `koanf:"height"`
	Steps          int     `koanf:"steps"`
	Guidance       float64 `koanf:"guidance"`
	NegativePrompt string  `koanf:"negative_prompt"`
}

// SynthesisConfig configures the image generation API client.
type SynthesisConfig struct {
	BaseURL   string   `koanf:"base_url"`
	Model     string   `koanf:"model"`
	APIKey    Secret   `koanf:"api_key"`
	Timeout   Duration `koanf:"timeout"`
	RateLimit float64  `koanf:"rate_limit"` // requests per second, 0 disables
	Burst     int      `koanf:"burst"`
}

// Enhancer providers.
const (
	EnhancerRules = "rules"
	EnhancerLLM   = "llm"
)

// EnhancerConfig selects and configures the prompt enhancer.
type EnhancerConfig struct {
	Provider  string   `koanf:"provider"`
	BaseURL   string   `koanf:"base_url"`
	Model     string   `koanf:"model"`
	APIKey    Secret   `koanf:"api_key"`
	RateLimit float64  `koanf:"rate_limit"`
	Timeout   Duration `koanf:"timeout"`
}

// FilterConfig configures content filtering ahead of synthesis.
type FilterConfig struct {
	BlockedWords  []string `koanf:"blocked_words"`
	MinLength     int      `koanf:"min_length"`
	DetectSecrets bool     `koanf:"detect_secrets"`
}

// EventsConfig configures snapshot events over NATS.
type EventsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// MonitoringConfig configures the observability sink.
type MonitoringConfig struct {
	Enabled bool   `koanf:"enabled"`
	Backend string `koanf:"backend"` // log, otel or both
}

// LoggingConfig is the subset of logging settings exposed to operators.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig is the subset of OpenTelemetry settings exposed to operators.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	Insecure    bool    `koanf:"insecure"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8000,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Workflow: WorkflowConfig{
			DefaultMaxIterations: 3,
			MaxIterationsLimit:   5,
			QualityThreshold:     0.7,
			ApprovalMode:         ApprovalModeSignal,
			ApprovalTimeout:      Duration(10 * time.Minute),
		},
		Generation: GenerationConfig{
			Width:          1024,
			Height:         1024,
			Steps:          30,
			Guidance:       7.5,
			NegativePrompt: "blurry, low quality, distorted",
		},
		Synthesis: SynthesisConfig{
			BaseURL:   "https://api.siliconflow.cn/v1",
			Model:     "black-forest-labs/FLUX.1-schnell",
			Timeout:   Duration(120 * time.Second),
			RateLimit: 2,
			Burst:     2,
		},
		Enhancer: EnhancerConfig{
			Provider:  EnhancerRules,
			BaseURL:   "https://api.siliconflow.cn/v1",
			Model:     "Qwen/Qwen2.5-7B-Instruct",
			RateLimit: 5,
			Timeout:   Duration(30 * time.Second),
		},
		Filter: FilterConfig{
			BlockedWords:  []string{"nsfw", "explicit", "violent"},
			MinLength:     3,
			DetectSecrets: true,
		},
		Events: EventsConfig{
			NATSURL:       "nats://127.0.0.1:4222",
			SubjectPrefix: "visiond.tasks",
		},
		Monitoring: MonitoringConfig{
			Enabled: true,
			Backend: "log",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			Insecure:    true,
			ServiceName: "visiond",
			SampleRate:  1.0,
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be > 0"))
	}

	w := c.Workflow
	if w.MaxIterationsLimit < 1 {
		errs = append(errs, fmt.Errorf("workflow.max_iterations_limit must be >= 1, got %d", w.MaxIterationsLimit))
	}
	if w.DefaultMaxIterations < 1 || w.DefaultMaxIterations > w.MaxIterationsLimit {
		errs = append(errs, fmt.Errorf("workflow.default_max_iterations must be between 1 and %d, got %d",
			w.MaxIterationsLimit, w.DefaultMaxIterations))
	}
	if w.QualityThreshold <= 0 || w.QualityThreshold > 1 {
		errs = append(errs, fmt.Errorf("workflow.quality_threshold must be in (0, 1], got %v", w.QualityThreshold))
	}
	if w.ApprovalMode != ApprovalModeSignal && w.ApprovalMode != ApprovalModeAuto {
		errs = append(errs, fmt.Errorf("workflow.approval_mode must be %q or %q, got %q",
			ApprovalModeSignal, ApprovalModeAuto, w.ApprovalMode))
	}
	if w.HumanInLoop && w.ApprovalMode == ApprovalModeSignal && w.ApprovalTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("workflow.approval_timeout must be > 0 for signal approvals"))
	}

	g := c.Generation
	if g.Width <= 0 || g.Height <= 0 || g.Steps <= 0 {
		errs = append(errs, errors.New("generation width, height and steps must be > 0"))
	}

	if err := validateURL("synthesis.base_url", c.Synthesis.BaseURL); err != nil {
		errs = append(errs, err)
	}
	if c.Synthesis.Timeout.Duration() <= 0 {
		errs = append(errs, errors.New("synthesis.timeout must be > 0"))
	}
	if c.Synthesis.RateLimit < 0 {
		errs = append(errs, errors.New("synthesis.rate_limit must be >= 0"))
	}

	switch c.Enhancer.Provider {
	case EnhancerRules:
	case EnhancerLLM:
		if err := validateURL("enhancer.base_url", c.Enhancer.BaseURL); err != nil {
			errs = append(errs, err)
		}
		if c.Enhancer.Model == "" {
			errs = append(errs, errors.New("enhancer.model is required for the llm provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("enhancer.provider must be %q or %q, got %q",
			EnhancerRules, EnhancerLLM, c.Enhancer.Provider))
	}

	if c.Filter.MinLength < 0 {
		errs = append(errs, errors.New("filter.min_length must be >= 0"))
	}

	if c.Events.Enabled && c.Events.NATSURL == "" {
		errs = append(errs, errors.New("events.nats_url is required when events are enabled"))
	}

	switch c.Monitoring.Backend {
	case "log", "otel", "both":
	default:
		errs = append(errs, fmt.Errorf("monitoring.backend must be log, otel or both, got %q", c.Monitoring.Backend))
	}

	return errors.Join(errs...)
}

func validateURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https, got %q", field, raw)
	}
	return nil
}
