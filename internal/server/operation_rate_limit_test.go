package server_test

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scribeforge/creditd/internal/ratelimit"
	"github.com/scribeforge/creditd/internal/server"
)

type fakeGuard struct {
	allow      bool
	retryAfter time.Duration
	lockOK     bool

	locks    atomic.Int64
	releases atomic.Int64
}

func (g *fakeGuard) Enabled() bool { return true }

func (g *fakeGuard) AllowUser(ctx context.Context, userID string) (*ratelimit.Result, error) {
	return &ratelimit.Result{Allowed: g.allow, RetryAfter: g.retryAfter}, nil
}

func (g *fakeGuard) TryLockOperation(ctx context.Context, operationID string, ttl time.Duration) (string, bool, error) {
	g.locks.Add(1)
	return "tok", g.lockOK, nil
}

func (g *fakeGuard) ReleaseOperation(ctx context.Context, operationID, token string) error {
	g.releases.Add(1)
	return nil
}

func withGuard(guard server.OperationGuard) func(*server.ServerParams) {
	return func(p *server.ServerParams) { p.OpLimiter = guard }
}

func TestRunOperationInFlightDuplicateIs409(t *testing.T) {
	guard := &fakeGuard{allow: true, lockOK: false}
	f := setup(t, withGuard(guard))
	f.seedBalance(t, "user-1", 5)

	body := []byte(`{"user_id":"user-1","operation_id":"op_1"}`)
	rec := f.request(t, http.MethodPost, "/v1/operations", body, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("X-Rate-Limited-Reason"); got != "operation-in-flight" {
		t.Fatalf("expected in-flight reason header, got %q", got)
	}
	if guard.releases.Load() != 0 {
		t.Fatal("a lock that was never acquired must not be released")
	}
}

func TestRunOperationLockReleasedAfterRun(t *testing.T) {
	guard := &fakeGuard{allow: true, lockOK: true}
	f := setup(t, withGuard(guard))
	f.seedBalance(t, "user-1", 5)

	body := []byte(`{"user_id":"user-1","operation_id":"op_1"}`)
	rec := f.request(t, http.MethodPost, "/v1/operations", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if guard.locks.Load() != 1 {
		t.Fatalf("expected one lock acquisition, got %d", guard.locks.Load())
	}
	if guard.releases.Load() != 1 {
		t.Fatalf("expected the lock to be released once, got %d", guard.releases.Load())
	}
}

func TestRunOperationUserRateLimitedIs429(t *testing.T) {
	guard := &fakeGuard{allow: false, retryAfter: 2 * time.Second}
	f := setup(t, withGuard(guard))

	body := []byte(`{"user_id":"user-1","operation_id":"op_1"}`)
	rec := f.request(t, http.MethodPost, "/v1/operations", body, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header on 429")
	}
	if got := rec.Header().Get("X-Rate-Limited-Reason"); got != "user-rate" {
		t.Fatalf("expected user-rate reason header, got %q", got)
	}
	if guard.locks.Load() != 0 {
		t.Fatal("rate-limited request must not reach the operation lock")
	}
}
