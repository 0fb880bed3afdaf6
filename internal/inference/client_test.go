package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kevint-cerebras/cerebras-deep-research/internal/config"
)

type completionServer struct {
	mu       sync.Mutex
	models   []string
	requests []chatAPIRequest
	auth     string
	respond  func(model string, call int) (int, string)
}

func (s *completionServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		var req chatAPIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		s.mu.Lock()
		s.auth = r.Header.Get("Authorization")
		s.models = append(s.models, req.Model)
		s.requests = append(s.requests, req)
		call := len(s.models)
		s.mu.Unlock()

		status, content := s.respond(req.Model, call)
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(content))
			return
		}
		payload, _ := json.Marshal(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}}},
		})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(payload)
	}
}

func (s *completionServer) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.models...)
}

func newTestInferenceClient(t *testing.T, server *httptest.Server, models ...string) *Client {
	t.Helper()
	client := NewClient(config.Config{
		InferenceAPIKey:      "inference-key",
		InferenceBaseURL:     server.URL,
		InferenceModels:      models,
		InferenceTemperature: 0.7,
		InferenceTopP:        0.9,
	}, server.Client(), zaptest.NewLogger(t))
	client.minSpacing = time.Millisecond
	client.cycle = time.Millisecond
	return client
}

func TestCompleteSendsChatRequest(t *testing.T) {
	stub := &completionServer{respond: func(string, int) (int, string) {
		return http.StatusOK, "<think>scratch work</think>\nFinal answer."
	}}
	server := httptest.NewServer(stub.handler(t))
	defer server.Close()

	client := newTestInferenceClient(t, server, "model-a", "model-b")
	text, err := client.Complete(context.Background(), Request{System: "Be precise.", Prompt: "Explain qubits."})
	require.NoError(t, err)

	assert.Equal(t, "Final answer.", text)
	assert.Equal(t, "Bearer inference-key", stub.auth)
	require.Len(t, stub.requests, 1)

	req := stub.requests[0]
	assert.Equal(t, "model-a", req.Model)
	assert.Equal(t, defaultMaxTokens, req.MaxTokens)
	assert.InDelta(t, 0.7, req.Temperature, 0.0001)
	assert.InDelta(t, 0.9, req.TopP, 0.0001)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, "user", req.Messages[1].Role)
	assert.Equal(t, "Explain qubits.", req.Messages[1].Content)
}

func TestCompletePinsRequestedModel(t *testing.T) {
	stub := &completionServer{respond: func(string, int) (int, string) { return http.StatusOK, "ok" }}
	server := httptest.NewServer(stub.handler(t))
	defer server.Close()

	client := newTestInferenceClient(t, server, "model-a", "model-b")
	_, err := client.Complete(context.Background(), Request{Prompt: "hi", Model: "model-b", MaxTokens: 128})
	require.NoError(t, err)

	assert.Equal(t, []string{"model-b"}, stub.calls())
	assert.Equal(t, 128, stub.requests[0].MaxTokens)
}

func TestCompleteFailsOverToAlternative(t *testing.T) {
	stub := &completionServer{respond: func(model string, _ int) (int, string) {
		if model == "model-a" {
			return http.StatusInternalServerError, "boom"
		}
		return http.StatusOK, "from " + model
	}}
	server := httptest.NewServer(stub.handler(t))
	defer server.Close()

	client := newTestInferenceClient(t, server, "model-a", "model-b", "model-c")
	client.SetFallbacks(map[string][]string{"model-a": {"model-c", "model-b"}})

	text, err := client.Complete(context.Background(), Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "from model-c", text)
	assert.Equal(t, []string{"model-a", "model-c"}, stub.calls())

	state, ok := client.Registry().State("model-a")
	require.True(t, ok)
	assert.Equal(t, 1, state.ConsecutiveFailures)
	assert.True(t, state.Healthy)
}

func TestCompleteTreatsEmptyContentAsFailure(t *testing.T) {
	stub := &completionServer{respond: func(_ string, call int) (int, string) {
		if call == 1 {
			return http.StatusOK, "<reasoning>only thoughts</reasoning>"
		}
		return http.StatusOK, "real answer"
	}}
	server := httptest.NewServer(stub.handler(t))
	defer server.Close()

	client := newTestInferenceClient(t, server, "model-a", "model-b")
	text, err := client.Complete(context.Background(), Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "real answer", text)
	assert.Len(t, stub.calls(), 2)
}

func TestCompleteExhaustsAfterTenRateLimitedAttempts(t *testing.T) {
	stub := &completionServer{respond: func(string, int) (int, string) {
		return http.StatusTooManyRequests, `{"error":"rate limited"}`
	}}
	server := httptest.NewServer(stub.handler(t))
	defer server.Close()

	client := newTestInferenceClient(t, server, "model-a", "model-b")
	_, err := client.Complete(context.Background(), Request{Prompt: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModelsExhausted)
	assert.Len(t, stub.calls(), defaultMaxAttempts)

	assert.Empty(t, client.Registry().Eligible(), "every model should be cooling down")
	for _, name := range []string{"model-a", "model-b"} {
		state, ok := client.Registry().State(name)
		require.True(t, ok)
		assert.False(t, state.Healthy)
	}
}

func TestCompleteStopsOnRejectedKey(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		stub := &completionServer{respond: func(string, int) (int, string) {
			return status, "bad key"
		}}
		server := httptest.NewServer(stub.handler(t))

		client := newTestInferenceClient(t, server, "model-a", "model-b")
		_, err := client.Complete(context.Background(), Request{Prompt: "hi"})
		server.Close()

		require.ErrorIs(t, err, ErrUnauthorized, "status %d", status)
		assert.NotErrorIs(t, err, ErrModelsExhausted)
		assert.Len(t, stub.calls(), 1)

		state, ok := client.Registry().State("model-a")
		require.True(t, ok)
		assert.True(t, state.Healthy)
		assert.Zero(t, state.ConsecutiveFailures)
	}
}

func TestCompleteAlternatesModelsUnderFailure(t *testing.T) {
	stub := &completionServer{respond: func(string, int) (int, string) {
		return http.StatusBadGateway, "bad gateway"
	}}
	server := httptest.NewServer(stub.handler(t))
	defer server.Close()

	client := newTestInferenceClient(t, server, "model-a", "model-b")
	_, err := client.Complete(context.Background(), Request{Prompt: "hi"})
	require.ErrorIs(t, err, ErrModelsExhausted)

	calls := stub.calls()
	require.GreaterOrEqual(t, len(calls), 2)
	for i := 1; i < 6; i++ {
		assert.NotEqual(t, calls[i-1], calls[i], "healthy models should alternate after a failure")
	}
}

func TestCompleteRequiresAPIKey(t *testing.T) {
	client := NewClient(config.Config{InferenceModels: []string{"model-a"}}, nil, nil)
	_, err := client.Complete(context.Background(), Request{Prompt: "hi"})
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestCompleteRejectsEmptyPrompt(t *testing.T) {
	client := NewClient(config.Config{InferenceAPIKey: "k", InferenceModels: []string{"model-a"}}, nil, nil)
	_, err := client.Complete(context.Background(), Request{Prompt: "   "})
	assert.Error(t, err)
}

func TestCompleteHonorsContextCancel(t *testing.T) {
	stub := &completionServer{respond: func(string, int) (int, string) { return http.StatusOK, "ok" }}
	server := httptest.NewServer(stub.handler(t))
	defer server.Close()

	client := newTestInferenceClient(t, server, "model-a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Complete(ctx, Request{Prompt: "hi"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, stub.calls())
}

func TestStripReasoning(t *testing.T) {
	cases := map[string]string{
		"<think>hidden</think>visible":                "visible",
		"<THINKING>\nmulti\nline\n</THINKING>\nanswer": "answer",
		"<reasoning>x</reasoning> a <think>y</think> b": "a  b",
		"dangling </think> tag":                         "dangling  tag",
		"plain text":                                    "plain text",
	}
	for input, want := range cases {
		assert.Equal(t, want, StripReasoning(input), input)
	}
}

func TestFitToBudgetLeavesSmallPromptsAlone(t *testing.T) {
	system, prompt := fitToBudget("sys", "short prompt", defaultTokenBudget)
	assert.Equal(t, "sys", system)
	assert.Equal(t, "short prompt", prompt)
}

func TestFitToBudgetKeepsRecentContent(t *testing.T) {
	longPrompt := strings.Repeat("old ", 10000) + "NEWEST DETAIL"
	longSystem := strings.Repeat("rule ", 5000) + "FINAL RULE"

	system, prompt := fitToBudget(longSystem, longPrompt, defaultTokenBudget)

	assert.True(t, strings.HasPrefix(prompt, truncationMarker))
	assert.True(t, strings.HasSuffix(prompt, "NEWEST DETAIL"))
	assert.True(t, strings.HasPrefix(system, truncationMarker))
	assert.True(t, strings.HasSuffix(system, "FINAL RULE"))
	assert.LessOrEqual(t, EstimateTokens(system)+EstimateTokens(prompt), defaultTokenBudget+1)
	assert.Greater(t, len(prompt), len(system)*3)
}

func TestFitToBudgetGivesUnusedSystemShareToPrompt(t *testing.T) {
	longPrompt := strings.Repeat("x", 40000)

	system, prompt := fitToBudget("short system", longPrompt, defaultTokenBudget)
	assert.Equal(t, "short system", system)

	totalChars := int(float64(defaultTokenBudget) * charsPerToken)
	assert.Equal(t, totalChars-len("short system"), len(prompt))
}

func TestFitToBudgetReservesSystemMinimumWithinBudget(t *testing.T) {
	const budget = 20
	longSystem := strings.Repeat("s", 500)
	longPrompt := strings.Repeat("p", 500)

	system, prompt := fitToBudget(longSystem, longPrompt, budget)

	totalChars := int(float64(budget) * charsPerToken)
	assert.Equal(t, minimumSystemChars, len(system))
	assert.True(t, strings.HasPrefix(system, truncationMarker))
	assert.LessOrEqual(t, len(system)+len(prompt), totalChars)
	assert.Equal(t, strings.Repeat("p", totalChars-minimumSystemChars), prompt)
}

func TestKeepTailDropsMarkerWhenItDoesNotFit(t *testing.T) {
	assert.Equal(t, "789", keepTail("0123456789", 3))
	assert.Equal(t, "", keepTail("0123456789", 0))
	assert.Equal(t, "short", keepTail("short", 10))
}
