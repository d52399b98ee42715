package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/handit-ai/handit-core/internal/config"
	"github.com/handit-ai/handit-core/internal/logging"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 60 * time.Second
	retryBaseDelay = 500 * time.Millisecond
)

// providerBaseURLs lists OpenAI-compatible endpoints by provider name.
var providerBaseURLs = map[string]string{
	"openai":   "https://api.openai.com/v1",
	"deepseek": "https://api.deepseek.com/v1",
	"together": "https://api.together.xyz/v1",
	"groq":     "https://api.groq.com/openai/v1",
	"ollama":   "http://localhost:11434/v1",
}

type chatAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Client calls one OpenAI-compatible backend.
type Client struct {
	api        chatAPI
	model      string
	timeout    time.Duration
	maxRetries int
	limiter    *rate.Limiter
	log        *zap.Logger
}

// Options tune every client built by a Factory.
type Options struct {
	Timeout    time.Duration
	MaxRetries int
	Limiter    *rate.Limiter
}

// NewClient builds a client for spec.
func NewClient(spec Spec, opts Options, log *zap.Logger) *Client {
	cfg := openai.DefaultConfig(spec.APIKey)
	if base := resolveBaseURL(spec); base != "" {
		cfg.BaseURL = base
	}
	return newClientWithAPI(openai.NewClientWithConfig(cfg), spec.Model, opts, log)
}

func newClientWithAPI(api chatAPI, model string, opts Options, log *zap.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Client{
		api:        api,
		model:      model,
		timeout:    opts.Timeout,
		maxRetries: opts.MaxRetries,
		limiter:    opts.Limiter,
		log:        logging.OrNop(log),
	}
}

func resolveBaseURL(spec Spec) string {
	if spec.BaseURL != "" {
		return strings.TrimRight(spec.BaseURL, "/")
	}
	return providerBaseURLs[strings.ToLower(strings.TrimSpace(spec.Provider))]
}

// GenerateAIResponse implements Completer.
func (c *Client) GenerateAIResponse(ctx context.Context, messages []Message, format *ResponseFormat) (*Response, error) {
	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: make([]openai.ChatCompletionMessage, len(messages)),
	}
	for i, m := range messages {
		req.Messages[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	if format != nil {
		schema, err := json.Marshal(format.Schema)
		if err != nil {
			return nil, fmt.Errorf("marshal response schema: %w", err)
		}
		name := format.Name
		if name == "" {
			name = "response"
		}
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   name,
				Schema: json.RawMessage(schema),
			},
		}
	}

	var (
		resp openai.ChatCompletionResponse
		err  error
	)
	for attempt := 0; ; attempt++ {
		resp, err = c.do(ctx, req)
		if err == nil || attempt >= c.maxRetries || !retryable(err) {
			break
		}
		delay := retryBaseDelay * time.Duration(1<<attempt)
		c.log.Warn("llm call failed, retrying",
			zap.String("model", c.model), zap.Int("attempt", attempt+1), zap.Duration("delay", delay), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("chat completion (%s): %w", c.model, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion (%s): empty response", c.model)
	}

	out := &Response{Text: resp.Choices[0].Message.Content}
	for _, ch := range resp.Choices {
		out.Choices = append(out.Choices, ch.Message.Content)
	}
	if format != nil {
		if err := ValidateSchema(format.Schema, out.Text); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return openai.ChatCompletionResponse{}, err
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.api.CreateChatCompletion(callCtx, req)
}

func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Factory builds and caches clients per Spec, sharing one rate limiter.
type Factory struct {
	defaults Spec
	opts     Options
	log      *zap.Logger

	mu      sync.Mutex
	clients map[Spec]Completer
}

// NewFactory builds a Factory from configuration.
func NewFactory(cfg config.LLMConfig, log *zap.Logger) *Factory {
	opts := Options{Timeout: cfg.Timeout, MaxRetries: cfg.MaxRetries}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		opts.Limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &Factory{
		defaults: Spec{Provider: cfg.Provider, Model: cfg.Model, APIKey: cfg.APIKey, BaseURL: cfg.BaseURL},
		opts:     opts,
		log:      logging.OrNop(log),
		clients:  make(map[Spec]Completer),
	}
}

// Default implements Provider.
func (f *Factory) Default() Completer {
	return f.For(Spec{})
}

// For implements Provider.
func (f *Factory) For(spec Spec) Completer {
	if spec.Provider == "" {
		spec.Provider = f.defaults.Provider
	}
	if spec.Model == "" {
		spec.Model = f.defaults.Model
	}
	if spec.APIKey == "" {
		spec.APIKey = f.defaults.APIKey
	}
	if spec.BaseURL == "" && strings.EqualFold(spec.Provider, f.defaults.Provider) {
		spec.BaseURL = f.defaults.BaseURL
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[spec]; ok {
		return c
	}
	c := NewClient(spec, f.opts, f.log.With(zap.String("llm_model", spec.Model)))
	f.clients[spec] = c
	return c
}
