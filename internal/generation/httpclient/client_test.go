package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/scribeforge/creditd/internal/generation/domain"
	"go.uber.org/zap"
)

func TestPerformSendsOperationHeader(t *testing.T) {
	var gotOperationID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOperationID = r.Header.Get("X-Operation-Id")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := New(srv.URL, time.Second, zap.NewNop())
	if err := client.Perform(context.Background(), "op_1", []byte(`{}`)); err != nil {
		t.Fatalf("perform: %v", err)
	}
	if gotOperationID != "op_1" {
		t.Fatalf("expected X-Operation-Id op_1, got %q", gotOperationID)
	}
}

func TestPerformNon2xxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := New(srv.URL, time.Second, zap.NewNop())
	err := client.Perform(context.Background(), "op_1", nil)
	if !errors.Is(err, domain.ErrGenerationFailed) {
		t.Fatalf("expected ErrGenerationFailed, got %v", err)
	}
}

func TestPerformCanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := New(srv.URL, time.Second, zap.NewNop())
	err := client.Perform(ctx, "op_1", nil)
	if !errors.Is(err, domain.ErrGenerationFailed) {
		t.Fatalf("expected ErrGenerationFailed, got %v", err)
	}
}
