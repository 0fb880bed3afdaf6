package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kevint-cerebras/cerebras-deep-research/internal/config"
	"github.com/kevint-cerebras/cerebras-deep-research/internal/logging"
	"github.com/kevint-cerebras/cerebras-deep-research/internal/metrics"
)

const (
	maxErrorBodyBytes  = 8 * 1024
	defaultMaxAttempts = 10
	defaultMaxTokens   = 4096
	defaultTokenBudget = 7000
	minCallSpacing     = 250 * time.Millisecond
	callCycle          = time.Second
)

var (
	ErrMissingAPIKey   = errors.New("inference api key is not configured")
	ErrRateLimited     = errors.New("model rate limited")
	ErrUnauthorized    = errors.New("inference api key rejected")
	ErrModelsExhausted = errors.New("all inference models exhausted")
)

var reasoningBlockPattern = regexp.MustCompile(`(?is)<(?:think|thinking|reasoning)>.*?</(?:think|thinking|reasoning)>`)
var strayReasoningTagPattern = regexp.MustCompile(`(?i)</?(?:think|thinking|reasoning)>`)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one logical completion. Model pins the first attempt when that
// model is eligible; failover still applies.
type Request struct {
	Prompt      string
	System      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// StatusError is a non-success response from the completion API.
type StatusError struct {
	Model      string
	StatusCode int
	Body       string
}

func (e StatusError) Error() string {
	return fmt.Sprintf("inference model %s returned %d: %s", e.Model, e.StatusCode, e.Body)
}

func (e StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	}
	return nil
}

type chatAPIRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	TopP        float64   `json:"top_p"`
}

type chatAPIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type Client struct {
	apiKey      string
	baseURL     string
	httpClient  *http.Client
	registry    *Registry
	fallbacks   map[string][]string
	logger      *zap.Logger
	maxAttempts int
	maxTokens   int
	temperature float64
	topP        float64
	tokenBudget int
	minSpacing  time.Duration
	cycle       time.Duration

	paceMu sync.Mutex
	pacer  *rate.Limiter
}

func NewClient(cfg config.Config, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	maxTokens := cfg.InferenceMaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	registry := NewRegistry(cfg.InferenceModels, RegistryConfig{Cooldown: cfg.ModelCooldown})
	return &Client{
		apiKey:      strings.TrimSpace(cfg.InferenceAPIKey),
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.InferenceBaseURL), "/"),
		httpClient:  httpClient,
		registry:    registry,
		fallbacks:   DefaultFallbacks(registry.Models()),
		logger:      logging.OrNop(logger).Named("inference"),
		maxAttempts: defaultMaxAttempts,
		maxTokens:   maxTokens,
		temperature: cfg.InferenceTemperature,
		topP:        cfg.InferenceTopP,
		tokenBudget: defaultTokenBudget,
		minSpacing:  minCallSpacing,
		cycle:       callCycle,
		pacer:       rate.NewLimiter(rate.Every(minCallSpacing), 1),
	}
}

// DefaultFallbacks maps each model to the other models in configured order,
// starting with the one after it.
func DefaultFallbacks(models []string) map[string][]string {
	out := make(map[string][]string, len(models))
	for i, name := range models {
		alts := make([]string, 0, len(models)-1)
		for j := 1; j < len(models); j++ {
			alts = append(alts, models[(i+j)%len(models)])
		}
		out[name] = alts
	}
	return out
}

// SetFallbacks replaces the per-model ordered alternative lists.
func (c *Client) SetFallbacks(fallbacks map[string][]string) {
	c.fallbacks = fallbacks
}

func (c *Client) Registry() *Registry {
	return c.registry
}

func (c *Client) Models() []string {
	return c.registry.Models()
}

func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	if c.apiKey == "" {
		return "", ErrMissingAPIKey
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return "", errors.New("prompt is required")
	}

	system, prompt := fitToBudget(req.System, req.Prompt, c.tokenBudget)
	model := c.registry.Prefer(req.Model)
	if model == "" {
		return "", fmt.Errorf("%w: no models configured", ErrModelsExhausted)
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.pace(ctx); err != nil {
			return "", err
		}

		c.registry.RecordRequest(model)
		text, err := c.call(ctx, model, system, prompt, req)
		if err == nil {
			c.registry.RecordSuccess(model)
			metrics.InferenceAttempts.WithLabelValues(model, "ok").Inc()
			return text, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		// A rejected key fails the same way on every model.
		if errors.Is(err, ErrUnauthorized) {
			metrics.InferenceAttempts.WithLabelValues(model, "unauthorized").Inc()
			return "", err
		}

		lastErr = err
		outcome := "error"
		if errors.Is(err, ErrRateLimited) {
			outcome = "rate_limited"
		}
		metrics.InferenceAttempts.WithLabelValues(model, outcome).Inc()

		if c.registry.RecordFailure(model) {
			metrics.ModelCooldowns.WithLabelValues(model).Inc()
			c.logger.Warn("model moved to cooldown", zap.String("model", model))
		}

		next := c.registry.NextAfter(model, c.fallbacks[model])
		c.logger.Warn("completion attempt failed",
			zap.String("model", model),
			zap.String("next_model", next),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		model = next
	}

	return "", fmt.Errorf("%w after %d attempts: %v", ErrModelsExhausted, c.maxAttempts, lastErr)
}

// pace spreads calls across the eligible models inside one cycle, never closer
// together than minSpacing.
func (c *Client) pace(ctx context.Context) error {
	spacing := c.minSpacing
	if eligible := len(c.registry.Eligible()); eligible > 0 {
		if perModel := c.cycle / time.Duration(eligible); perModel > spacing {
			spacing = perModel
		}
	}

	c.paceMu.Lock()
	if c.pacer.Limit() != rate.Every(spacing) {
		c.pacer.SetLimit(rate.Every(spacing))
	}
	c.paceMu.Unlock()

	return c.pacer.Wait(ctx)
}

func (c *Client) call(ctx context.Context, model, system, prompt string, req Request) (string, error) {
	messages := make([]Message, 0, 2)
	if strings.TrimSpace(system) != "" {
		messages = append(messages, Message{Role: "system", Content: system})
	}
	messages = append(messages, Message{Role: "user", Content: prompt})

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	temperature := req.Temperature
	if temperature <= 0 {
		temperature = c.temperature
	}

	payload, err := json.Marshal(chatAPIRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        c.topP,
	})
	if err != nil {
		return "", fmt.Errorf("marshal inference request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build inference request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("request inference model %s: %w", model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return "", StatusError{Model: model, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var parsed chatAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode inference response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("inference model %s returned no choices", model)
	}

	text := StripReasoning(parsed.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("inference model %s returned empty content", model)
	}
	return text, nil
}

// StripReasoning removes reasoning markup some models emit ahead of the
// answer.
func StripReasoning(raw string) string {
	cleaned := reasoningBlockPattern.ReplaceAllString(raw, "")
	cleaned = strayReasoningTagPattern.ReplaceAllString(cleaned, "")
	return strings.TrimSpace(cleaned)
}
