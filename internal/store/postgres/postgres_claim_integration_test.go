package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"fiscalbridge/backend/internal/domain"
	"fiscalbridge/backend/internal/store"
)

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()

	databaseURL := os.Getenv("FISCALBRIDGE_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set FISCALBRIDGE_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func integrationJob(stamp int64, n int) domain.FiscalJob {
	saleID := fmt.Sprintf("sale-claim-it-%d-%d", stamp, n)
	return domain.FiscalJob{
		ID:       fmt.Sprintf("fjob-claim-it-%d-%d", stamp, n),
		SaleID:   saleID,
		Kind:     domain.JobKindReceipt,
		ConfigID: "claim-it-device",
		Provider: "epson",
		Sale: &domain.SaleSnapshot{
			SaleID:     saleID,
			TotalCents: 1000,
			Items:      []domain.SaleLine{{Name: "Coffee", Qty: 1, UnitPriceCents: 1000}},
		},
		CreatedAt: time.Now().UTC().Add(time.Duration(n) * time.Millisecond),
	}
}

// TestClaimNextIsExclusive verifies that SKIP LOCKED hands each pending job
// to exactly one of many concurrent claimants.
func TestClaimNextIsExclusive(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	stamp := time.Now().UnixNano()

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM fiscal_jobs WHERE config_id = 'claim-it-device'`)
	})

	const jobs = 5
	for i := 0; i < jobs; i++ {
		if _, err := s.CreateFiscalJob(ctx, integrationJob(stamp, i)); err != nil {
			t.Fatalf("create job %d: %v", i, err)
		}
	}

	const claimants = 25
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[string]int)

	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			claimed, err := s.ClaimNextFiscalJob(ctx, fmt.Sprintf("token-it-%d", n), time.Now().UTC())
			if err != nil {
				if !errors.Is(err, store.ErrNotFound) {
					t.Errorf("claim: %v", err)
				}
				return
			}
			mu.Lock()
			seen[claimed.ID]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if len(seen) != jobs {
		t.Fatalf("expected %d distinct claimed jobs, got %d", jobs, len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("job %s claimed %d times", id, count)
		}
	}
}

// TestDuplicateActiveSaleRejected exercises the partial unique index backing
// the one-active-receipt-per-sale invariant.
func TestDuplicateActiveSaleRejected(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	stamp := time.Now().UnixNano()

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM fiscal_jobs WHERE config_id = 'claim-it-device'`)
	})

	first := integrationJob(stamp, 0)
	if _, err := s.CreateFiscalJob(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}

	second := integrationJob(stamp, 1)
	second.SaleID = first.SaleID
	second.Sale.SaleID = first.SaleID
	if _, err := s.CreateFiscalJob(ctx, second); !errors.Is(err, store.ErrDuplicateActiveJob) {
		t.Fatalf("expected ErrDuplicateActiveJob, got %v", err)
	}

	// Terminal failure releases the sale for a fresh enqueue.
	now := time.Now().UTC()
	if _, err := s.ClaimNextFiscalJob(ctx, "token-it-dup", now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := s.FailFiscalJob(ctx, first.ID, "device offline", false, 3, now); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if _, err := s.CreateFiscalJob(ctx, second); err != nil {
		t.Fatalf("re-enqueue after terminal failure: %v", err)
	}
}

func TestCompleteIdempotencyAgainstPostgres(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	stamp := time.Now().UnixNano()

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM fiscal_jobs WHERE config_id = 'claim-it-device'`)
	})

	job := integrationJob(stamp, 0)
	if _, err := s.CreateFiscalJob(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}

	now := time.Now().UTC()
	if _, err := s.ClaimNextFiscalJob(ctx, "token-it-cmp", now); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := s.CompleteFiscalJob(ctx, job.ID, "FN-IT-1", now); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := s.CompleteFiscalJob(ctx, job.ID, "FN-IT-1", now); err != nil {
		t.Fatalf("duplicate complete should be a no-op: %v", err)
	}
	if _, err := s.CompleteFiscalJob(ctx, job.ID, "FN-IT-2", now); !errors.Is(err, store.ErrConsistency) {
		t.Fatalf("expected ErrConsistency, got %v", err)
	}
}
