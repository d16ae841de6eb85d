package prompt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/visiond/internal/workflow"
)

const (
	defaultLLMRateLimit = 5
	defaultLLMTimeout   = 30 * time.Second
	maxEnhancedLength   = 1000
)

// ErrInvalidConfig indicates an unusable enhancer configuration.
var ErrInvalidConfig = errors.New("invalid enhancer configuration")

const rewriteTemplate = `Rewrite the following image generation prompt so a diffusion model produces a better picture.
Keep the subject and intent. Add concrete details about lighting, composition and style.
Reply with the rewritten prompt only, on a single line, without quotes.

Prompt: %s`

// LLMConfig configures an LLMEnhancer backed by an OpenAI-compatible API.
type LLMConfig struct {
	BaseURL   string
	Model     string
	APIKey    string
	RateLimit float64
	Timeout   time.Duration
}

// Validate checks required fields.
func (c LLMConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.Model == "" {
		return fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	return nil
}

// LLMEnhancer rewrites prompts with a chat model.
type LLMEnhancer struct {
	model   llms.Model
	limiter *rate.Limiter
	timeout time.Duration
}

// NewLLMEnhancer creates an enhancer talking to an OpenAI-compatible endpoint.
func NewLLMEnhancer(cfg LLMConfig) (*LLMEnhancer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		// langchaingo requires a token even for unauthenticated local servers
		apiKey = "placeholder"
	}

	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}

	return NewLLMEnhancerWithModel(llm, cfg.RateLimit, cfg.Timeout), nil
}

// NewLLMEnhancerWithModel wraps an existing model. A non-positive rate
// limit or timeout selects the default.
func NewLLMEnhancerWithModel(model llms.Model, rateLimit float64, timeout time.Duration) *LLMEnhancer {
	if rateLimit <= 0 {
		rateLimit = defaultLLMRateLimit
	}
	if timeout <= 0 {
		timeout = defaultLLMTimeout
	}
	return &LLMEnhancer{
		model:   model,
		limiter: rate.NewLimiter(rate.Limit(rateLimit), 1),
		timeout: timeout,
	}
}

// Enhance asks the model for a rewrite. Model errors are returned as is; the
// planner turns them into an enhancement failure.
func (e *LLMEnhancer) Enhance(ctx context.Context, prompt string) (string, workflow.PromptAnalysis, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return "", workflow.PromptAnalysis{}, fmt.Errorf("rate limiter error: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	out, err := llms.GenerateFromSinglePrompt(callCtx, e.model,
		fmt.Sprintf(rewriteTemplate, strings.TrimSpace(prompt)),
		llms.WithTemperature(0.4),
		llms.WithMaxTokens(256),
	)
	if err != nil {
		return "", workflow.PromptAnalysis{}, fmt.Errorf("generating enhanced prompt: %w", err)
	}

	optimized := cleanCompletion(out)
	if optimized == "" {
		return "", workflow.PromptAnalysis{}, errors.New("model returned an empty prompt")
	}
	return optimized, Analyze(prompt, optimized), nil
}

// cleanCompletion keeps the first non-empty line, without surrounding quotes
// or a "Prompt:" label, truncated to maxEnhancedLength runes.
func cleanCompletion(s string) string {
	var line string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			line = l
			break
		}
	}
	line = strings.TrimPrefix(line, "Prompt:")
	line = strings.Trim(strings.TrimSpace(line), `"'`)
	if r := []rune(line); len(r) > maxEnhancedLength {
		line = string(r[:maxEnhancedLength])
	}
	return strings.TrimSpace(line)
}
