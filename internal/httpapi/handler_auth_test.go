package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kevint-cerebras/cerebras-deep-research/internal/config"
)

func TestRequireIdentityRejectsMissingBearerToken(t *testing.T) {
	api := newTestAPI(t, config.Config{AuthRequired: true}, completedRunner(), nil)

	resp := getPath(api, "/v1/reports", "")
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusUnauthorized, resp.Code, resp.Body.String())
	}
}

func TestRequireIdentityRejectsInvalidToken(t *testing.T) {
	api := newTestAPI(t, config.Config{AuthRequired: true}, completedRunner(), nil)

	resp := getPath(api, "/v1/reports", "forged")
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusUnauthorized, resp.Code, resp.Body.String())
	}
}

func TestRequireIdentityRejectsEmailOutsideAllowlist(t *testing.T) {
	api := newTestAPI(t, config.Config{AuthRequired: true}, completedRunner(), nil)

	resp := getPath(api, "/v1/reports", "blocked")
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusForbidden, resp.Code, resp.Body.String())
	}
}

func TestRequireIdentityScopesReportsToOwner(t *testing.T) {
	api := newTestAPI(t, config.Config{AuthRequired: true}, completedRunner(), nil)

	resp := postResearch(api, `{"query":"quantum computing"}`, "good-token")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusOK, resp.Code, resp.Body.String())
	}

	owned := getPath(api, "/v1/reports/report-1", "good-token")
	if owned.Code != http.StatusOK {
		t.Fatalf("expected owner to read report, got %d (%s)", owned.Code, owned.Body.String())
	}

	if _, err := api.store.Get(t.Context(), anonymousOwner, "report-1"); err == nil {
		t.Fatal("expected report to be stored under the caller's email")
	}
}

func TestRequireIdentityUnavailableWithoutVerifier(t *testing.T) {
	h := NewHandler(config.Config{AuthRequired: true}, Dependencies{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/reports", nil)
	resp := httptest.NewRecorder()
	h.RequireIdentity(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(resp, req)

	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d (%s)", http.StatusServiceUnavailable, resp.Code, resp.Body.String())
	}
}
