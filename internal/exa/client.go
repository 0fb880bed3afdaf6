package exa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kevint-cerebras/cerebras-deep-research/internal/config"
	"github.com/kevint-cerebras/cerebras-deep-research/internal/logging"
	"github.com/kevint-cerebras/cerebras-deep-research/internal/metrics"
)

const (
	maxErrorBodyBytes   = 8 * 1024
	defaultResultCount  = 10
	defaultMaxRetries   = 2
	defaultRetryDelay   = 500 * time.Millisecond
	searchEndpoint      = "search"
	contentsEndpoint    = "contents"
	defaultRequestsPerS = 5
)

var (
	ErrMissingAPIKey  = errors.New("exa api key is not configured")
	ErrRateLimited    = errors.New("search API rate limited")
	ErrQuotaExhausted = errors.New("search API credits exhausted")
	ErrUnauthorized   = errors.New("search API authentication failed")
)

// DefaultExcludeDomains keeps low-signal social and aggregator pages out of
// search results.
var DefaultExcludeDomains = []string{
	"pinterest.com",
	"facebook.com",
	"instagram.com",
	"tiktok.com",
	"quora.com",
}

// APIError is a classified non-success response from the search API.
type APIError struct {
	StatusCode int
	Body       string
	kind       error
}

func (e APIError) Error() string {
	if e.kind != nil {
		return fmt.Sprintf("%v (exa returned %d: %s)", e.kind, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("exa returned %d: %s", e.StatusCode, e.Body)
}

func (e APIError) Unwrap() error {
	return e.kind
}

// IsFatal reports whether err means no further searching is possible.
func IsFatal(err error) bool {
	return errors.Is(err, ErrQuotaExhausted) || errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrMissingAPIKey)
}

type Result struct {
	URL     string
	Title   string
	Text    string
	Snippet string
	Score   float64
}

type Client struct {
	apiKey         string
	baseURL        string
	httpClient     *http.Client
	limiter        *windowLimiter
	logger         *zap.Logger
	excludeDomains []string
	maxRetries     int
	retryDelay     time.Duration
}

type contentsOptions struct {
	Text bool `json:"text"`
}

type searchAPIRequest struct {
	Query          string          `json:"query"`
	NumResults     int             `json:"numResults"`
	Type           string          `json:"type"`
	Contents       contentsOptions `json:"contents"`
	ExcludeDomains []string        `json:"excludeDomains,omitempty"`
}

type contentsAPIRequest struct {
	IDs      []string        `json:"ids"`
	Contents contentsOptions `json:"contents"`
}

type apiResponse struct {
	Results []apiResult `json:"results"`
}

type apiResult struct {
	ID      string  `json:"id"`
	URL     string  `json:"url"`
	Title   string  `json:"title"`
	Text    string  `json:"text"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

func NewClient(cfg config.Config, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	perSecond := cfg.SearchRequestsPerSecond
	if perSecond <= 0 {
		perSecond = defaultRequestsPerS
	}
	return &Client{
		apiKey:         strings.TrimSpace(cfg.ExaAPIKey),
		baseURL:        strings.TrimRight(strings.TrimSpace(cfg.ExaBaseURL), "/"),
		httpClient:     httpClient,
		limiter:        newWindowLimiter(perSecond, time.Second),
		logger:         logging.OrNop(logger).Named("exa"),
		excludeDomains: DefaultExcludeDomains,
		maxRetries:     defaultMaxRetries,
		retryDelay:     defaultRetryDelay,
	}
}

func (c *Client) Search(ctx context.Context, query string, count int) ([]Result, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return nil, ErrMissingAPIKey
	}

	trimmedQuery := strings.TrimSpace(query)
	if trimmedQuery == "" {
		return nil, nil
	}
	if count <= 0 {
		count = defaultResultCount
	}

	results, err := c.post(ctx, searchEndpoint, searchAPIRequest{
		Query:          trimmedQuery,
		NumResults:     count,
		Type:           "neural",
		Contents:       contentsOptions{Text: true},
		ExcludeDomains: c.excludeDomains,
	})
	if err != nil {
		return nil, err
	}
	if len(results) > count {
		results = results[:count]
	}
	return results, nil
}

func (c *Client) FetchContent(ctx context.Context, urls []string) ([]Result, error) {
	ids := make([]string, 0, len(urls))
	for _, rawURL := range urls {
		if trimmed := strings.TrimSpace(rawURL); trimmed != "" {
			ids = append(ids, trimmed)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if strings.TrimSpace(c.apiKey) == "" {
		return nil, ErrMissingAPIKey
	}

	return c.post(ctx, contentsEndpoint, contentsAPIRequest{
		IDs:      ids,
		Contents: contentsOptions{Text: true},
	})
}

func (c *Client) post(ctx context.Context, endpoint string, body any) ([]Result, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal exa %s request: %w", endpoint, err)
	}

	for attempt := 0; ; attempt++ {
		waited, err := c.limiter.wait(ctx)
		if err != nil {
			return nil, err
		}
		if waited {
			metrics.SearchThrottleWaits.Inc()
		}

		results, retry, err := c.do(ctx, endpoint, payload)
		if !retry || attempt >= c.maxRetries {
			if retry && err == nil {
				return nil, nil
			}
			return results, err
		}

		c.logger.Debug("retrying search request",
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		if waitErr := waitWithContext(ctx, c.retryDelay*time.Duration(attempt+1)); waitErr != nil {
			return nil, waitErr
		}
	}
}

// do issues one request. retry is true for transient failures (transport
// errors and 5xx responses).
func (c *Client) do(ctx context.Context, endpoint string, payload []byte) ([]Result, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, false, fmt.Errorf("build exa request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, false, ctxErr
		}
		metrics.SearchRequests.WithLabelValues(endpoint, "transport_error").Inc()
		return nil, true, fmt.Errorf("request exa %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		var parsed apiResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			metrics.SearchRequests.WithLabelValues(endpoint, "decode_error").Inc()
			return nil, false, fmt.Errorf("decode exa %s response: %w", endpoint, err)
		}
		metrics.SearchRequests.WithLabelValues(endpoint, "ok").Inc()
		return normalizeResults(parsed.Results), false, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	apiErr := APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		metrics.SearchRequests.WithLabelValues(endpoint, "rate_limited").Inc()
		apiErr.kind = ErrRateLimited
		return nil, false, apiErr
	case resp.StatusCode == http.StatusPaymentRequired:
		metrics.SearchRequests.WithLabelValues(endpoint, "quota_exhausted").Inc()
		apiErr.kind = ErrQuotaExhausted
		return nil, false, apiErr
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		metrics.SearchRequests.WithLabelValues(endpoint, "unauthorized").Inc()
		apiErr.kind = ErrUnauthorized
		return nil, false, apiErr
	case resp.StatusCode >= http.StatusInternalServerError:
		metrics.SearchRequests.WithLabelValues(endpoint, "server_error").Inc()
		c.logger.Warn("search API server error",
			zap.String("endpoint", endpoint),
			zap.Int("status", resp.StatusCode),
			zap.String("body", apiErr.Body),
		)
		return nil, true, nil
	default:
		metrics.SearchRequests.WithLabelValues(endpoint, "error").Inc()
		c.logger.Warn("search API returned non-success status; continuing without results",
			zap.String("endpoint", endpoint),
			zap.Int("status", resp.StatusCode),
			zap.String("body", apiErr.Body),
		)
		return nil, false, nil
	}
}

func normalizeResults(raw []apiResult) []Result {
	results := make([]Result, 0, len(raw))
	seenURLs := make(map[string]struct{}, len(raw))
	for _, item := range raw {
		rawURL := strings.TrimSpace(item.URL)
		if rawURL == "" {
			rawURL = strings.TrimSpace(item.ID)
		}
		if rawURL == "" {
			continue
		}
		if _, exists := seenURLs[rawURL]; exists {
			continue
		}
		seenURLs[rawURL] = struct{}{}

		title := strings.TrimSpace(item.Title)
		if title == "" {
			title = rawURL
		}

		results = append(results, Result{
			URL:     rawURL,
			Title:   title,
			Text:    strings.TrimSpace(item.Text),
			Snippet: strings.TrimSpace(item.Snippet),
			Score:   item.Score,
		})
	}
	return results
}
