package httpapi

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	_ "modernc.org/sqlite"

	"github.com/kevint-cerebras/cerebras-deep-research/internal/auth"
	"github.com/kevint-cerebras/cerebras-deep-research/internal/config"
	"github.com/kevint-cerebras/cerebras-deep-research/internal/reports"
	"github.com/kevint-cerebras/cerebras-deep-research/internal/research"
)

type stubRunner struct {
	mu      sync.Mutex
	queries []string
	updates []research.Update
	report  research.ReportResult
	err     error
}

func (s *stubRunner) Run(_ context.Context, query string, updates chan<- research.Update) (research.ReportResult, error) {
	s.mu.Lock()
	s.queries = append(s.queries, query)
	s.mu.Unlock()
	for _, update := range s.updates {
		updates <- update
	}
	if s.err != nil {
		return research.ReportResult{OriginalQuery: query, Status: research.ReportStatusFailed}, s.err
	}
	report := s.report
	report.OriginalQuery = query
	return report, nil
}

type stubVerifier map[string]auth.GoogleIdentity

func (v stubVerifier) Verify(_ context.Context, token string) (auth.GoogleIdentity, error) {
	if token == "blocked" {
		return auth.GoogleIdentity{}, auth.ErrEmailNotAllowed
	}
	identity, ok := v[token]
	if !ok {
		return auth.GoogleIdentity{}, auth.ErrUnverifiedEmail
	}
	return identity, nil
}

type stubExporter struct {
	mu       sync.Mutex
	exported []string
}

func (e *stubExporter) Export(_ context.Context, report research.ReportResult) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exported = append(e.exported, report.ID)
	return "gs://bucket/" + reports.ObjectPath(report), nil
}

type testAPI struct {
	handler http.Handler
	runner  *stubRunner
	store   reports.Store
}

func newTestAPI(t *testing.T, cfg config.Config, runner *stubRunner, exporter reports.Exporter) testAPI {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store := reports.NewStore(db)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost:5173"}
	}
	deps := Dependencies{
		Runner:   runner,
		Reports:  store,
		Verifier: stubVerifier{"good-token": {GoogleSubject: "sub-1", Email: "analyst@example.com"}},
	}
	if exporter != nil {
		deps.Exporter = exporter
	}
	return testAPI{handler: NewRouter(cfg, deps, zaptest.NewLogger(t)), runner: runner, store: store}
}

func completedRunner() *stubRunner {
	report := research.ReportResult{
		ID:             "report-1",
		FinalSynthesis: "# Research Report: quantum computing\n\n## Overview\n\nText.",
		Sections:       []string{"Overview"},
		AllSources:     []research.Source{{URL: "https://nature.com/a", Title: "A", Domain: "nature.com", TaskID: "1"}},
		TotalSources:   1,
		Timestamp:      time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC),
		Status:         research.ReportStatusCompleted,
		SynthesisMode:  research.SynthesisPlanned,
	}
	return &stubRunner{
		updates: []research.Update{
			{State: research.StatePreflight, Stage: "Checking search API connectivity"},
			{State: research.StateAgentsRunning, Stage: "Found source: A", SourcesFound: 1, TotalSources: 48, ProgressPercent: 20,
				StreamingSources: []research.SourceSummary{{URL: "https://nature.com/a", Title: "A"}}},
			{State: research.StateComplete, Stage: "Research complete", ProgressPercent: 100, Completed: true, FinalResult: &report},
		},
		report: report,
	}
}

type sseEvent struct {
	Name string
	Data map[string]any
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	var current sseEvent
	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.Name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &current.Data); err != nil {
				t.Fatalf("decode sse data %q: %v", line, err)
			}
		case line == "":
			if current.Name != "" {
				events = append(events, current)
			}
			current = sseEvent{}
		}
	}
	require.NoError(t, scanner.Err())
	return events
}

func eventNames(events []sseEvent) []string {
	names := make([]string, 0, len(events))
	for _, event := range events {
		names = append(names, event.Name)
	}
	return names
}

func postResearch(api testAPI, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/research", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	api.handler.ServeHTTP(resp, req)
	return resp
}

func getPath(api testAPI, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	api.handler.ServeHTTP(resp, req)
	return resp
}

func decodeBody(t *testing.T, resp *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body %q: %v", resp.Body.String(), err)
	}
	return payload
}
