package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/kevint-cerebras/cerebras-deep-research/internal/auth"
	"github.com/kevint-cerebras/cerebras-deep-research/internal/config"
	"github.com/kevint-cerebras/cerebras-deep-research/internal/logging"
	"github.com/kevint-cerebras/cerebras-deep-research/internal/reports"
	"github.com/kevint-cerebras/cerebras-deep-research/internal/research"
)

type researchRunner interface {
	Run(ctx context.Context, query string, updates chan<- research.Update) (research.ReportResult, error)
}

type reportStore interface {
	Save(ctx context.Context, owner string, report research.ReportResult) error
	SetExportPath(ctx context.Context, id, exportPath string) error
	Get(ctx context.Context, owner, id string) (research.ReportResult, error)
	List(ctx context.Context, owner string, limit int) ([]reports.Summary, error)
}

type tokenVerifier interface {
	Verify(ctx context.Context, idToken string) (auth.GoogleIdentity, error)
}

// Dependencies are the collaborators the API serves. Exporter may be nil.
type Dependencies struct {
	Runner   researchRunner
	Reports  reportStore
	Exporter reports.Exporter
	Verifier tokenVerifier
}

type Handler struct {
	cfg      config.Config
	runner   researchRunner
	reports  reportStore
	exporter reports.Exporter
	verifier tokenVerifier
	limiter  *runLimiter
	logger   *zap.Logger
}

func NewHandler(cfg config.Config, deps Dependencies, logger *zap.Logger) Handler {
	return Handler{
		cfg:      cfg,
		runner:   deps.Runner,
		reports:  deps.Reports,
		exporter: deps.Exporter,
		verifier: deps.Verifier,
		limiter:  newRunLimiter(cfg.RunSpacing),
		logger:   logging.OrNop(logger).Named("httpapi"),
	}
}

type contextKey string

const identityContextKey contextKey = "identity"

const anonymousOwner = "anonymous"

func (h Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// RequireIdentity resolves the caller from a Google ID token bearer header.
// When auth is disabled every caller is the anonymous owner.
func (h Handler) RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.cfg.AuthRequired {
			identity := auth.GoogleIdentity{GoogleSubject: anonymousOwner, Email: anonymousOwner}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityContextKey, identity)))
			return
		}
		if h.verifier == nil {
			writeError(w, http.StatusServiceUnavailable, "auth_unavailable", "authentication is not configured")
			return
		}

		token := auth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}

		identity, err := h.verifier.Verify(r.Context(), token)
		switch {
		case errors.Is(err, auth.ErrEmailNotAllowed):
			writeError(w, http.StatusForbidden, "email_not_allowlisted", "email is not allowed")
			return
		case err != nil:
			h.logger.Info("rejected id token", zap.Error(err))
			writeError(w, http.StatusUnauthorized, "invalid_google_token", "invalid id token")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityContextKey, identity)))
	})
}

func identityFromContext(ctx context.Context) (auth.GoogleIdentity, bool) {
	identity, ok := ctx.Value(identityContextKey).(auth.GoogleIdentity)
	return identity, ok
}

// ownerFromContext is the key reports are stored under.
func ownerFromContext(ctx context.Context) string {
	identity, ok := identityFromContext(ctx)
	if !ok || strings.TrimSpace(identity.Email) == "" {
		return anonymousOwner
	}
	return identity.Email
}
