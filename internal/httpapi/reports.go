package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kevint-cerebras/cerebras-deep-research/internal/reports"
)

func (h Handler) ListReports(w http.ResponseWriter, r *http.Request) {
	if h.reports == nil {
		writeError(w, http.StatusServiceUnavailable, "reports_unavailable", "report storage is not configured")
		return
	}

	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	summaries, err := h.reports.List(r.Context(), ownerFromContext(r.Context()), limit)
	if err != nil {
		h.logger.Error("list reports failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "db_error", "failed to list reports")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": summaries})
}

// GetReport returns the stored report as JSON, or as markdown when
// ?format=markdown is given.
func (h Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	if h.reports == nil {
		writeError(w, http.StatusServiceUnavailable, "reports_unavailable", "report storage is not configured")
		return
	}

	id := strings.TrimSpace(chi.URLParam(r, "id"))
	report, err := h.reports.Get(r.Context(), ownerFromContext(r.Context()), id)
	if errors.Is(err, reports.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "report not found")
		return
	}
	if err != nil {
		h.logger.Error("get report failed", zap.String("report_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "db_error", "failed to read report")
		return
	}

	if strings.EqualFold(r.URL.Query().Get("format"), "markdown") {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(reports.RenderMarkdown(report)))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report})
}
