package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	accountdomain "github.com/scribeforge/creditd/internal/account/domain"
	ledgerdomain "github.com/scribeforge/creditd/internal/ledger/domain"
)

// reserveEventually retries lock-timeout rejections so sqlite's single
// writer does not decide the outcome; the business result does.
func reserveEventually(ctx context.Context, svc accountdomain.Service, userID, operationID string) error {
	var err error
	for attempt := 0; attempt < 100; attempt++ {
		_, err = svc.Reserve(ctx, userID, 1, operationID)
		if !errors.Is(err, accountdomain.ErrLockTimeout) {
			return err
		}
		time.Sleep(2 * time.Millisecond)
	}
	return err
}

func TestReserveConcurrentLastCredit(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, setupTestDB(t))

	if _, err := svc.Credit(ctx, "user-1", 1, "seed", ledgerdomain.ReasonPayment); err != nil {
		t.Fatalf("seed credit: %v", err)
	}

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for _, op := range []string{"op_a", "op_b"} {
		wg.Add(1)
		go func(operationID string) {
			defer wg.Done()
			results <- reserveEventually(ctx, svc, "user-1", operationID)
		}(op)
	}
	wg.Wait()
	close(results)

	var succeeded, rejected int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, accountdomain.ErrInsufficientBalance):
			rejected++
		default:
			t.Fatalf("unexpected reserve error: %v", err)
		}
	}
	if succeeded != 1 || rejected != 1 {
		t.Fatalf("expected one success and one rejection, got %d successes, %d rejections", succeeded, rejected)
	}

	balance, err := svc.GetBalance(ctx, "user-1")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance != 0 {
		t.Fatalf("expected balance 0, got %d", balance)
	}
}

func TestReserveConcurrentDebitsSerialize(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, setupTestDB(t))

	if _, err := svc.Credit(ctx, "user-1", 5, "seed", ledgerdomain.ReasonPayment); err != nil {
		t.Fatalf("seed credit: %v", err)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	for _, op := range []string{"op_a", "op_b"} {
		wg.Add(1)
		go func(operationID string) {
			defer wg.Done()
			errCh <- reserveEventually(ctx, svc, "user-1", operationID)
		}(op)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			t.Fatalf("reserve: %v", err)
		}
	}

	balance, err := svc.GetBalance(ctx, "user-1")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance != 3 {
		t.Fatalf("expected balance 3, got %d", balance)
	}
}
