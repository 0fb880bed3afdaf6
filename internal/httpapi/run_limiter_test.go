package httpapi

import (
	"testing"
	"time"
)

func TestRunLimiterSpacesRunsPerClient(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := newRunLimiter(10 * time.Second)
	limiter.now = func() time.Time { return now }

	if _, ok := limiter.allow("a@example.com"); !ok {
		t.Fatal("expected first run to be allowed")
	}
	wait, ok := limiter.allow("a@example.com")
	if ok {
		t.Fatal("expected second run to be rejected")
	}
	if wait != 10*time.Second {
		t.Fatalf("expected 10s wait, got %v", wait)
	}
	if _, ok := limiter.allow("b@example.com"); !ok {
		t.Fatal("expected other client to be allowed")
	}

	now = now.Add(10 * time.Second)
	if _, ok := limiter.allow("a@example.com"); !ok {
		t.Fatal("expected run to be allowed after the interval")
	}
}

func TestRunLimiterDisabled(t *testing.T) {
	limiter := newRunLimiter(0)
	for i := 0; i < 3; i++ {
		if _, ok := limiter.allow("a"); !ok {
			t.Fatal("expected disabled limiter to allow every run")
		}
	}
}
