package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	accountdomain "github.com/scribeforge/creditd/internal/account/domain"
	accountrepo "github.com/scribeforge/creditd/internal/account/repository"
	accountservice "github.com/scribeforge/creditd/internal/account/service"
	"github.com/scribeforge/creditd/internal/config"
	generationdomain "github.com/scribeforge/creditd/internal/generation/domain"
	ledgerdomain "github.com/scribeforge/creditd/internal/ledger/domain"
	ledgerrepo "github.com/scribeforge/creditd/internal/ledger/repository"
	ledgerservice "github.com/scribeforge/creditd/internal/ledger/service"
	meteringservice "github.com/scribeforge/creditd/internal/metering/service"
	"github.com/scribeforge/creditd/internal/observability"
	paymentdomain "github.com/scribeforge/creditd/internal/payment/domain"
	paymentrepo "github.com/scribeforge/creditd/internal/payment/repository"
	paymentservice "github.com/scribeforge/creditd/internal/payment/service"
	"github.com/scribeforge/creditd/internal/payment/webhook"
	"github.com/scribeforge/creditd/internal/retry"
	"github.com/scribeforge/creditd/internal/server"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSecret = "whsec_test"

var testDBSeq atomic.Int64

type stubGenerator struct {
	err error
}

func (g *stubGenerator) Perform(ctx context.Context, operationID string, payload []byte) error {
	return g.err
}

type fixture struct {
	engine     *gin.Engine
	accountSvc accountdomain.Service
	paymentSvc paymentdomain.Service
	verifier   *webhook.Verifier
	generator  *stubGenerator
}

func setup(t *testing.T, opts ...func(*server.ServerParams)) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", testDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&accountdomain.Account{},
		&ledgerdomain.UsageRecord{},
		&paymentdomain.PaymentRecord{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(5)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	limits := config.NewStaticLimitsHolder(config.DefaultLimits())
	accountSvc := accountservice.NewService(accountservice.Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Repo:       accountrepo.Provide(),
		LedgerRepo: ledgerrepo.Provide(),
		Limits:     limits,
	})
	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:   db,
		Log:  zap.NewNop(),
		Repo: ledgerrepo.Provide(),
	})

	generator := &stubGenerator{}
	meteringSvc := meteringservice.NewService(meteringservice.Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		AccountSvc: accountSvc,
		LedgerRepo: ledgerrepo.Provide(),
		Generator:  generator,
		Retry:      retry.NewStaticPolicy(3, time.Millisecond, 5*time.Millisecond),
	})

	verifier := webhook.NewVerifier(testSecret)
	paymentSvc := paymentservice.NewService(paymentservice.Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Repo:       paymentrepo.Provide(),
		AccountSvc: accountSvc,
		Verifier:   verifier,
	})

	engine := server.NewEngine(observability.Config{ServiceName: "creditd", Environment: "test"})
	params := server.ServerParams{
		Gin:         engine,
		Cfg:         config.Config{},
		DB:          db,
		GenID:       node,
		AccountSvc:  accountSvc,
		LedgerSvc:   ledgerSvc,
		MeteringSvc: meteringSvc,
		PaymentSvc:  paymentSvc,
	}
	for _, opt := range opts {
		opt(&params)
	}
	server.NewServer(params)

	return &fixture{
		engine:     engine,
		accountSvc: accountSvc,
		paymentSvc: paymentSvc,
		verifier:   verifier,
		generator:  generator,
	}
}

func (f *fixture) request(t *testing.T, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) seedBalance(t *testing.T, userID string, amount int64) {
	t.Helper()
	if _, err := f.accountSvc.Credit(context.Background(), userID, amount, "seed-"+userID, ledgerdomain.ReasonPayment); err != nil {
		t.Fatalf("seed credit: %v", err)
	}
}

func TestHealthz(t *testing.T) {
	f := setup(t)
	rec := f.request(t, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestGetBalance(t *testing.T) {
	f := setup(t)
	f.seedBalance(t, "user-1", 42)

	rec := f.request(t, http.MethodGet, "/v1/accounts/user-1/balance", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		UserID  string `json:"user_id"`
		Balance int64  `json:"balance"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Balance != 42 {
		t.Fatalf("expected balance 42, got %d", resp.Balance)
	}
}

func TestRunOperationCommitted(t *testing.T) {
	f := setup(t)
	f.seedBalance(t, "user-1", 5)

	body := []byte(`{"user_id":"user-1","operation_id":"op_1","payload":{"prompt":"hi"}}`)
	rec := f.request(t, http.MethodPost, "/v1/operations", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		OperationID string `json:"operation_id"`
		Outcome     string `json:"outcome"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Outcome != "committed" {
		t.Fatalf("expected committed, got %s", resp.Outcome)
	}
	if resp.OperationID != "op_1" {
		t.Fatalf("expected op_1, got %s", resp.OperationID)
	}
}

func TestRunOperationInsufficientBalanceIs402(t *testing.T) {
	f := setup(t)

	body := []byte(`{"user_id":"broke","operation_id":"op_1"}`)
	rec := f.request(t, http.MethodPost, "/v1/operations", body, nil)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRunOperationRefundedOutcome(t *testing.T) {
	f := setup(t)
	f.seedBalance(t, "user-1", 5)
	f.generator.err = generationdomain.ErrGenerationFailed

	body := []byte(`{"user_id":"user-1","operation_id":"op_1"}`)
	rec := f.request(t, http.MethodPost, "/v1/operations", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Outcome string `json:"outcome"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Outcome != "refunded" {
		t.Fatalf("expected refunded, got %s", resp.Outcome)
	}
}

func TestRunOperationMissingUserIs400(t *testing.T) {
	f := setup(t)

	rec := f.request(t, http.MethodPost, "/v1/operations", []byte(`{"operation_id":"op_1"}`), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestListUsage(t *testing.T) {
	f := setup(t)
	f.seedBalance(t, "user-1", 5)

	rec := f.request(t, http.MethodGet, "/v1/accounts/user-1/usage?reason=payment", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Records []ledgerdomain.UsageRecord `json:"records"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(resp.Records))
	}

	rec = f.request(t, http.MethodGet, "/v1/accounts/user-1/usage?reason=bogus", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad reason, got %d", rec.Code)
	}
}

func TestCreateCheckoutSession(t *testing.T) {
	f := setup(t)

	body := []byte(`{"session_id":"sess_1","user_id":"user-1","tokens_purchased":100,"amount":200,"currency":"usd"}`)
	rec := f.request(t, http.MethodPost, "/v1/checkout/sessions", body, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.request(t, http.MethodPost, "/v1/checkout/sessions", body, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWebhookStatusMapping(t *testing.T) {
	f := setup(t)

	create := []byte(`{"session_id":"sess_1","user_id":"user-1","tokens_purchased":100,"amount":200,"currency":"usd"}`)
	if rec := f.request(t, http.MethodPost, "/v1/checkout/sessions", create, nil); rec.Code != http.StatusCreated {
		t.Fatalf("create session: %d", rec.Code)
	}

	payload := []byte(`{"event_type":"payment.completed","session_id":"sess_1","user_id":"user-1","tokens_purchased":100,"amount":200,"currency":"USD"}`)
	header := f.verifier.Sign(payload, time.Now().Unix())

	// Bad signature is 401 and never touches state.
	rec := f.request(t, http.MethodPost, "/webhooks/payments", payload, map[string]string{
		webhook.SignatureHeader: "t=1,v1=deadbeef",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}

	// First valid delivery credits and returns 200.
	rec = f.request(t, http.MethodPost, "/webhooks/payments", payload, map[string]string{
		webhook.SignatureHeader: header,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// Redelivery is acknowledged with 200.
	rec = f.request(t, http.MethodPost, "/webhooks/payments", payload, map[string]string{
		webhook.SignatureHeader: header,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for redelivery, got %d: %s", rec.Code, rec.Body.String())
	}

	balance, err := f.accountSvc.GetBalance(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance != 100 {
		t.Fatalf("expected balance 100, got %d", balance)
	}

	// Unknown session asks the provider to retry later.
	unknown := []byte(`{"event_type":"payment.completed","session_id":"sess_nope","user_id":"user-1","tokens_purchased":100}`)
	rec = f.request(t, http.MethodPost, "/webhooks/payments", unknown, map[string]string{
		webhook.SignatureHeader: f.verifier.Sign(unknown, time.Now().Unix()),
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header on 503")
	}
}
