package httpapi

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kevint-cerebras/cerebras-deep-research/internal/exa"
	"github.com/kevint-cerebras/cerebras-deep-research/internal/inference"
	"github.com/kevint-cerebras/cerebras-deep-research/internal/research"
)

const (
	maxQueryRunes      = 2000
	updateBufferSize   = 16
	persistTimeout     = 30 * time.Second
	defaultRunDeadline = 10 * time.Minute
)

type startResearchRequest struct {
	Query string `json:"query"`
}

type runOutcome struct {
	report research.ReportResult
	err    error
}

// StartResearch runs one research query and streams its progress as
// server-sent events: progress events while it runs, then a result or error
// event, then done.
func (h Handler) StartResearch(w http.ResponseWriter, r *http.Request) {
	var req startResearchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "query is required")
		return
	}
	if len([]rune(query)) > maxQueryRunes {
		writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("query must be at most %d characters", maxQueryRunes))
		return
	}
	if h.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "research_unavailable", "research is not configured")
		return
	}

	owner := ownerFromContext(r.Context())
	if wait, ok := h.limiter.allow(owner); !ok {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "another research run was started recently")
		return
	}

	if _, ok := w.(http.Flusher); !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "server does not support streaming")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	deadline := h.cfg.ResearchTimeout
	if deadline <= 0 {
		deadline = defaultRunDeadline
	}
	ctx, cancel := context.WithTimeout(r.Context(), deadline)
	defer cancel()

	logger := h.logger.With(zap.String("owner", owner))
	logger.Info("research run started", zap.Int("query_chars", len([]rune(query))))

	updates := make(chan research.Update, updateBufferSize)
	done := make(chan runOutcome, 1)
	go func() {
		report, err := h.runner.Run(ctx, query, updates)
		close(updates)
		done <- runOutcome{report: report, err: err}
	}()

	// Keep draining after a write fails so the orchestrator is never blocked.
	streaming := true
	for update := range updates {
		if !streaming {
			continue
		}
		if err := writeSSEEvent(w, "progress", progressEventData(update)); err != nil {
			logger.Info("client stopped reading progress", zap.Error(err))
			streaming = false
		}
	}
	outcome := <-done

	if outcome.err != nil {
		code, message := researchErrorCode(outcome.err)
		logger.Warn("research run failed", zap.String("code", code), zap.Error(outcome.err))
		_ = writeSSEEvent(w, "error", map[string]any{
			"type":    "error",
			"code":    code,
			"message": message,
			"fatal":   research.IsFatal(outcome.err),
		})
		_ = writeSSEEvent(w, "done", map[string]any{"type": "done"})
		return
	}

	report := outcome.report
	// Persist even when the client has gone away.
	persistCtx, cancelPersist := context.WithTimeout(context.WithoutCancel(r.Context()), persistTimeout)
	defer cancelPersist()
	exportPath := h.persistReport(persistCtx, logger, owner, report)

	result := map[string]any{"type": "result", "report": report}
	if exportPath != "" {
		result["exportPath"] = exportPath
	}
	_ = writeSSEEvent(w, "result", result)
	_ = writeSSEEvent(w, "done", map[string]any{"type": "done"})
}

// persistReport saves the report and exports it when an exporter is
// configured. Failures are logged; the caller already has the report.
func (h Handler) persistReport(ctx context.Context, logger *zap.Logger, owner string, report research.ReportResult) string {
	if h.reports == nil {
		return ""
	}
	if err := h.reports.Save(ctx, owner, report); err != nil {
		logger.Error("save report failed", zap.String("report_id", report.ID), zap.Error(err))
		return ""
	}
	if h.exporter == nil {
		return ""
	}

	exportPath, err := h.exporter.Export(ctx, report)
	if err != nil {
		logger.Error("export report failed", zap.String("report_id", report.ID), zap.Error(err))
		return ""
	}
	if err := h.reports.SetExportPath(ctx, report.ID, exportPath); err != nil {
		logger.Warn("record export path failed", zap.String("report_id", report.ID), zap.Error(err))
	}
	return exportPath
}

func researchErrorCode(err error) (code, message string) {
	switch {
	case errors.Is(err, exa.ErrQuotaExhausted):
		return "search_quota_exhausted", "Search API credits exhausted. Add credits or try again later."
	case errors.Is(err, exa.ErrUnauthorized), errors.Is(err, exa.ErrMissingAPIKey):
		return "search_unauthorized", "The search API key is missing or was rejected."
	case errors.Is(err, inference.ErrModelsExhausted):
		return "inference_unavailable", "Every inference model is rate limited or failing. Try again in a minute."
	case errors.Is(err, inference.ErrMissingAPIKey), errors.Is(err, inference.ErrUnauthorized):
		return "inference_unauthorized", "The inference API key is missing or was rejected."
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout", "Research timed out."
	case errors.Is(err, context.Canceled):
		return "canceled", "Research request canceled."
	case errors.Is(err, research.ErrEmptyQuery):
		return "invalid_request", err.Error()
	default:
		return "research_failed", err.Error()
	}
}
