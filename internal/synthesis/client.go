// Package synthesis implements image synthesis against an OpenAI-style
// /images/generations endpoint.
package synthesis

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/visiond/internal/logging"
	"github.com/fyrsmithlabs/visiond/internal/workflow"
)

const (
	DefaultBaseURL = "https://api.siliconflow.cn/v1"
	DefaultModel   = "black-forest-labs/FLUX.1-schnell"

	maxErrorBody  = 512
	maxImageBytes = 32 << 20
)

var (
	// ErrInvalidConfig indicates an unusable client configuration.
	ErrInvalidConfig = errors.New("invalid synthesis configuration")

	// ErrNoImage indicates a successful response without image data.
	ErrNoImage = errors.New("no image data in API response")
)

// Config configures the synthesis client.
type Config struct {
	BaseURL string
	Model   string
	APIKey  string

	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64
	Burst     int

	HTTPClient *http.Client
}

// Validate checks required fields.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.Model == "" {
		return fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("%w: rate limit must be non-negative", ErrInvalidConfig)
	}
	return nil
}

// Client calls the synthesis API. It is safe for concurrent use.
type Client struct {
	endpoint   string
	model      string
	httpClient *http.Client
	downloader *http.Client
	limiter    *rate.Limiter
	logger     *logging.Logger
}

// NewClient creates a synthesis client. The API key is sent as a bearer
// token through an oauth2 static token source.
func NewClient(cfg Config, logger *logging.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{}
	}
	httpClient := base
	if cfg.APIKey != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		httpClient = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.APIKey}))
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Client{
		endpoint:   strings.TrimRight(cfg.BaseURL, "/") + "/images/generations",
		model:      cfg.Model,
		httpClient: httpClient,
		downloader: base,
		limiter:    limiter,
		logger:     logger.Named("synthesis"),
	}, nil
}

type generationRequest struct {
	Model             string  `json:"model"`
	Prompt            string  `json:"prompt"`
	NegativePrompt    string  `json:"negative_prompt,omitempty"`
	Width             int     `json:"width"`
	Height            int     `json:"height"`
	NumInferenceSteps int     `json:"num_inference_steps"`
	GuidanceScale     float64 `json:"guidance_scale"`
	Seed              *int64  `json:"seed,omitempty"`
}

type generationResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
		URL     string `json:"url"`
	} `json:"data"`
}

// Synthesize generates one image and returns its encoded bytes. It sends
// exactly one request; failed calls are not retried.
func (c *Client) Synthesize(ctx context.Context, prompt string, params workflow.GenerationParams) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter error: %w", err)
	}

	body, err := json.Marshal(generationRequest{
		Model:             c.model,
		Prompt:            prompt,
		NegativePrompt:    params.NegativePrompt,
		Width:             params.Width,
		Height:            params.Height,
		NumInferenceSteps: params.Steps,
		GuidanceScale:     params.Guidance,
		Seed:              params.Seed,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	start := time.Now()
	image, err := c.doRequest(ctx, body)
	if err != nil {
		c.logger.Debug(ctx, "synthesis request failed",
			zap.Duration("elapsed", time.Since(start)),
			zap.Bool("transient", IsTransient(err)),
			zap.Error(err),
		)
		return nil, err
	}
	return image, nil
}

func (c *Client) doRequest(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(resp)
	}

	var parsed generationResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, ErrNoImage
	}

	switch item := parsed.Data[0]; {
	case item.B64JSON != "":
		image, err := base64.StdEncoding.DecodeString(item.B64JSON)
		if err != nil {
			return nil, fmt.Errorf("failed to decode b64_json: %w", err)
		}
		return image, nil
	case item.URL != "":
		return c.download(ctx, item.URL)
	default:
		return nil, ErrNoImage
	}
}

func (c *Client) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}
	// Image URLs are pre-signed; the bearer token stays with the API host.
	resp, err := c.downloader.Do(req)
	if err != nil {
		return nil, fmt.Errorf("image download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(resp)
	}
	image, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if len(image) == 0 {
		return nil, ErrNoImage
	}
	return image, nil
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("synthesis API error: %d - %s", e.Code, e.Body)
}

// Transient reports whether the backend may accept the same request later
// (rate limited or a server-side failure).
func (e *StatusError) Transient() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

func statusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}

// IsTransient reports whether err is a StatusError the backend may clear on
// its own. The client never acts on it; a later generation pass may.
func IsTransient(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Transient()
}
