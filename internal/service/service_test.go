package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"fiscalbridge/backend/internal/cache"
	"fiscalbridge/backend/internal/config"
	"fiscalbridge/backend/internal/domain"
	"fiscalbridge/backend/internal/store"
	"fiscalbridge/backend/internal/store/memory"
)

func testConfig() config.Config {
	return config.Config{
		DefaultConfigID:          "main-device",
		BridgeTokenSalt:          "test-salt-test-salt",
		RetryMaxAttempts:         3,
		ProcessingTimeoutSeconds: 300,
		OnlineWindowSeconds:      60,
		PendingWindowSeconds:     300,
		StatusCacheTTLSeconds:    2,
	}
}

func newTestService() (*Service, *memory.Store) {
	repo := memory.NewSeeded()
	svc := New(repo, cache.NoopJobStatusCache{}, testConfig())
	return svc, repo
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func managerCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "manager", Role: "manager"})
}

func testSale(saleID string) domain.SaleSnapshot {
	return domain.SaleSnapshot{
		SaleID:     saleID,
		TotalCents: 12500,
		TaxCents:   2291,
		Items: []domain.SaleLine{
			{Name: "Espresso", Qty: 2, UnitPriceCents: 4500, TaxRatePercent: 22},
			{Name: "Croissant", Qty: 1, UnitPriceCents: 3500, TaxRatePercent: 10},
		},
	}
}

func openTestShift(t *testing.T, svc *Service) {
	t.Helper()
	if _, err := svc.OpenShift(managerCtx(), domain.ShiftOpenRequest{Provider: "epson"}); err != nil {
		t.Fatalf("open shift: %v", err)
	}
}

func enqueueTestJob(t *testing.T, svc *Service, saleID string) domain.FiscalJob {
	t.Helper()
	resp, err := svc.EnqueueFiscalJob(adminCtx(), domain.EnqueueRequest{Sale: testSale(saleID)})
	if err != nil {
		t.Fatalf("enqueue sale %s: %v", saleID, err)
	}
	return resp.Job
}

func issueTestToken(t *testing.T, svc *Service) (*domain.BridgeToken, string) {
	t.Helper()
	issued, err := svc.IssueBridgeToken(adminCtx(), domain.TokenIssueRequest{Name: "counter-1"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	token, err := svc.AuthenticateBridge(context.Background(), issued.Secret, false)
	if err != nil {
		t.Fatalf("authenticate issued token: %v", err)
	}
	return token, issued.Secret
}

func TestEnqueueRequiresOpenShift(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.EnqueueFiscalJob(adminCtx(), domain.EnqueueRequest{Sale: testSale("sale-1")})
	if !errors.Is(err, store.ErrShiftNotOpen) {
		t.Fatalf("expected ErrShiftNotOpen, got %v", err)
	}
}

func TestEnqueueBlockedOnExpiredShift(t *testing.T) {
	svc, repo := newTestService()

	openedAt := time.Now().UTC().Add(-25 * time.Hour)
	if _, err := repo.OpenShift(context.Background(), "main-device", "epson", "manager", openedAt); err != nil {
		t.Fatalf("open shift: %v", err)
	}

	_, err := svc.EnqueueFiscalJob(adminCtx(), domain.EnqueueRequest{Sale: testSale("sale-1")})
	if !errors.Is(err, store.ErrShiftExpired) {
		t.Fatalf("expected ErrShiftExpired, got %v", err)
	}
}

func TestEnqueueRejectsDuplicateActiveSale(t *testing.T) {
	svc, _ := newTestService()
	openTestShift(t, svc)

	enqueueTestJob(t, svc, "sale-dup")

	_, err := svc.EnqueueFiscalJob(adminCtx(), domain.EnqueueRequest{Sale: testSale("sale-dup")})
	if !errors.Is(err, store.ErrDuplicateActiveJob) {
		t.Fatalf("expected ErrDuplicateActiveJob, got %v", err)
	}
}

func TestEnqueueAllowedAgainAfterTerminalFailure(t *testing.T) {
	svc, _ := newTestService()
	openTestShift(t, svc)
	token, _ := issueTestToken(t, svc)

	enqueueTestJob(t, svc, "sale-re")
	poll, err := svc.PollForWork(context.Background(), token)
	if err != nil || poll.Job == nil {
		t.Fatalf("poll: %v job=%v", err, poll.Job)
	}
	_, err = svc.SubmitResult(context.Background(), token, domain.SubmitResultRequest{
		JobID:   poll.Job.JobID,
		Outcome: domain.JobOutcome{Result: domain.OutcomeFailure, Message: "paper jam", Retriable: false},
	})
	if err != nil {
		t.Fatalf("submit failure: %v", err)
	}

	// The first job is terminal, so the sale may be enqueued again.
	enqueueTestJob(t, svc, "sale-re")
}

func TestPollClaimExclusivity(t *testing.T) {
	svc, _ := newTestService()
	openTestShift(t, svc)
	token, _ := issueTestToken(t, svc)

	enqueueTestJob(t, svc, "sale-claim")

	const claimants = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := make([]string, 0, claimants)

	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := svc.PollForWork(context.Background(), token)
			if err != nil {
				t.Errorf("poll: %v", err)
				return
			}
			if resp.Job != nil {
				mu.Lock()
				claimed = append(claimed, resp.Job.JobID)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != 1 {
		t.Fatalf("expected exactly one claimant to win, got %d", len(claimed))
	}
}

func TestPollReturnsOldestPendingFirst(t *testing.T) {
	svc, _ := newTestService()
	openTestShift(t, svc)
	token, _ := issueTestToken(t, svc)

	first := enqueueTestJob(t, svc, "sale-a")
	enqueueTestJob(t, svc, "sale-b")

	resp, err := svc.PollForWork(context.Background(), token)
	if err != nil || resp.Job == nil {
		t.Fatalf("poll: %v", err)
	}
	if resp.Job.JobID != first.ID {
		t.Fatalf("expected oldest job %s first, got %s", first.ID, resp.Job.JobID)
	}
	if resp.Job.Sale == nil || resp.Job.Sale.SaleID != "sale-a" {
		t.Fatalf("claimed job missing sale snapshot")
	}
}

func TestSubmitSuccessIsIdempotent(t *testing.T) {
	svc, repo := newTestService()
	openTestShift(t, svc)
	token, _ := issueTestToken(t, svc)

	job := enqueueTestJob(t, svc, "sale-ok")
	if _, err := svc.PollForWork(context.Background(), token); err != nil {
		t.Fatalf("poll: %v", err)
	}

	success := domain.SubmitResultRequest{
		JobID:   job.ID,
		Outcome: domain.JobOutcome{Result: domain.OutcomeSuccess, FiscalNumber: "FN-0001"},
	}
	if _, err := svc.SubmitResult(context.Background(), token, success); err != nil {
		t.Fatalf("first success: %v", err)
	}

	// Same number again: network retry from the agent, must be a no-op.
	resp, err := svc.SubmitResult(context.Background(), token, success)
	if err != nil {
		t.Fatalf("duplicate success: %v", err)
	}
	if resp.Job.Status != domain.JobStatusCompleted || resp.Job.FiscalNumber != "FN-0001" {
		t.Fatalf("unexpected job after duplicate success: %+v", resp.Job)
	}

	// Different number: data corruption signal, must never overwrite.
	conflict := success
	conflict.Outcome.FiscalNumber = "FN-0002"
	if _, err := svc.SubmitResult(context.Background(), token, conflict); !errors.Is(err, store.ErrConsistency) {
		t.Fatalf("expected ErrConsistency, got %v", err)
	}

	stored, err := repo.GetFiscalJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if stored.FiscalNumber != "FN-0001" {
		t.Fatalf("fiscal number overwritten: %s", stored.FiscalNumber)
	}
}

func TestRetryCapAfterThreeAttempts(t *testing.T) {
	svc, _ := newTestService()
	openTestShift(t, svc)
	token, _ := issueTestToken(t, svc)

	job := enqueueTestJob(t, svc, "sale-retry")

	fail := func(attempt int) domain.FiscalJob {
		t.Helper()
		poll, err := svc.PollForWork(context.Background(), token)
		if err != nil || poll.Job == nil {
			t.Fatalf("attempt %d poll: %v", attempt, err)
		}
		resp, err := svc.SubmitResult(context.Background(), token, domain.SubmitResultRequest{
			JobID:   poll.Job.JobID,
			Outcome: domain.JobOutcome{Result: domain.OutcomeFailure, Message: fmt.Sprintf("timeout %d", attempt), Retriable: true},
		})
		if err != nil {
			t.Fatalf("attempt %d fail: %v", attempt, err)
		}
		return resp.Job
	}

	failed := fail(1)
	if !failed.IsRetriable {
		t.Fatalf("first failure should be retriable")
	}

	retried, err := svc.RetryJob(managerCtx(), job.ID)
	if err != nil {
		t.Fatalf("first retry: %v", err)
	}
	if retried.RetryCount != 1 || retried.Status != domain.JobStatusPending {
		t.Fatalf("unexpected job after retry: %+v", retried)
	}

	failed = fail(2)
	if !failed.IsRetriable {
		t.Fatalf("second failure should still be retriable")
	}
	if _, err := svc.RetryJob(managerCtx(), job.ID); err != nil {
		t.Fatalf("second retry: %v", err)
	}

	// Third failed attempt exhausts the budget even with a retriable hint.
	failed = fail(3)
	if failed.IsRetriable {
		t.Fatalf("third failure must be terminal")
	}
	if _, err := svc.RetryJob(managerCtx(), job.ID); !errors.Is(err, store.ErrNotRetriable) {
		t.Fatalf("expected ErrNotRetriable, got %v", err)
	}
}

func TestRetryRequiresRetriableFailure(t *testing.T) {
	svc, _ := newTestService()
	openTestShift(t, svc)
	token, _ := issueTestToken(t, svc)

	job := enqueueTestJob(t, svc, "sale-hard")
	if _, err := svc.PollForWork(context.Background(), token); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if _, err := svc.SubmitResult(context.Background(), token, domain.SubmitResultRequest{
		JobID:   job.ID,
		Outcome: domain.JobOutcome{Result: domain.OutcomeFailure, Message: "device rejected receipt", Retriable: false},
	}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	if _, err := svc.RetryJob(managerCtx(), job.ID); !errors.Is(err, store.ErrNotRetriable) {
		t.Fatalf("expected ErrNotRetriable, got %v", err)
	}
}

func TestRevokedTokenCannotPollButMaySubmit(t *testing.T) {
	svc, _ := newTestService()
	openTestShift(t, svc)
	token, secret := issueTestToken(t, svc)

	job := enqueueTestJob(t, svc, "sale-revoke")
	if _, err := svc.PollForWork(context.Background(), token); err != nil {
		t.Fatalf("poll: %v", err)
	}

	if _, err := svc.RevokeBridgeToken(adminCtx(), token.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	if _, err := svc.AuthenticateBridge(context.Background(), secret, false); !errors.Is(err, store.ErrInvalidOrRevoked) {
		t.Fatalf("expected ErrInvalidOrRevoked on poll auth, got %v", err)
	}

	// Result submission for the job claimed before revocation still lands.
	revokedToken, err := svc.AuthenticateBridge(context.Background(), secret, true)
	if err != nil {
		t.Fatalf("authenticate with allowRevoked: %v", err)
	}
	resp, err := svc.SubmitResult(context.Background(), revokedToken, domain.SubmitResultRequest{
		JobID:   job.ID,
		Outcome: domain.JobOutcome{Result: domain.OutcomeSuccess, FiscalNumber: "FN-REV-1"},
	})
	if err != nil {
		t.Fatalf("submit after revoke: %v", err)
	}
	if resp.Job.Status != domain.JobStatusCompleted {
		t.Fatalf("expected completed, got %s", resp.Job.Status)
	}
}

func TestSubmitResultRejectsOtherTokensJob(t *testing.T) {
	svc, _ := newTestService()
	openTestShift(t, svc)
	tokenA, _ := issueTestToken(t, svc)

	issuedB, err := svc.IssueBridgeToken(adminCtx(), domain.TokenIssueRequest{Name: "counter-2"})
	if err != nil {
		t.Fatalf("issue second token: %v", err)
	}
	tokenB, err := svc.AuthenticateBridge(context.Background(), issuedB.Secret, false)
	if err != nil {
		t.Fatalf("authenticate second token: %v", err)
	}

	job := enqueueTestJob(t, svc, "sale-owner")
	if _, err := svc.PollForWork(context.Background(), tokenA); err != nil {
		t.Fatalf("poll: %v", err)
	}

	_, err = svc.SubmitResult(context.Background(), tokenB, domain.SubmitResultRequest{
		JobID:   job.ID,
		Outcome: domain.JobOutcome{Result: domain.OutcomeSuccess, FiscalNumber: "FN-X"},
	})
	if !errors.Is(err, store.ErrTokenMismatch) {
		t.Fatalf("expected ErrTokenMismatch, got %v", err)
	}
}

func TestIssueTokenSecretShownOnce(t *testing.T) {
	svc, _ := newTestService()

	issued, err := svc.IssueBridgeToken(adminCtx(), domain.TokenIssueRequest{Name: "counter-1"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if issued.Secret == "" || issued.SecretPreview == issued.Secret {
		t.Fatalf("expected truncated preview distinct from full secret")
	}

	list, err := svc.ListBridgeTokens(adminCtx())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list.Tokens) != 1 {
		t.Fatalf("expected 1 token, got %d", len(list.Tokens))
	}
	view := list.Tokens[0]
	if view.SecretPreview != issued.SecretPreview {
		t.Fatalf("preview mismatch")
	}
	if view.Connectivity != domain.ConnectivityOffline {
		t.Fatalf("token with no heartbeat should read offline, got %s", view.Connectivity)
	}
}

func TestHeartbeatDrivesConnectivity(t *testing.T) {
	svc, _ := newTestService()
	token, _ := issueTestToken(t, svc)

	if _, err := svc.Heartbeat(context.Background(), token, domain.HeartbeatRequest{
		AgentVersion:  "1.4.2",
		AgentPlatform: "windows",
	}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	list, err := svc.ListBridgeTokens(adminCtx())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	view := list.Tokens[0]
	if view.Connectivity != domain.ConnectivityOnline {
		t.Fatalf("expected online after heartbeat, got %s", view.Connectivity)
	}
	if view.AgentVersion != "1.4.2" || view.AgentPlatform != "windows" {
		t.Fatalf("agent metadata not stored: %+v", view)
	}
}

func TestCloseShiftEnqueuesZReport(t *testing.T) {
	svc, _ := newTestService()
	openTestShift(t, svc)

	resp, err := svc.CloseShift(managerCtx(), domain.ShiftCloseRequest{})
	if err != nil {
		t.Fatalf("close shift: %v", err)
	}
	if resp.Shift.ShiftOpen {
		t.Fatalf("shift should be closed")
	}
	if resp.ZReportJob.Kind != domain.JobKindZReport || resp.ZReportJob.Status != domain.JobStatusPending {
		t.Fatalf("unexpected z report job: %+v", resp.ZReportJob)
	}

	if _, err := svc.CloseShift(managerCtx(), domain.ShiftCloseRequest{}); !errors.Is(err, store.ErrShiftNotOpen) {
		t.Fatalf("expected ErrShiftNotOpen on double close, got %v", err)
	}
}

func TestXReportRequiresOpenShift(t *testing.T) {
	svc, _ := newTestService()

	if _, err := svc.RequestXReport(managerCtx(), domain.XReportRequest{}); !errors.Is(err, store.ErrShiftNotOpen) {
		t.Fatalf("expected ErrShiftNotOpen, got %v", err)
	}

	openTestShift(t, svc)
	resp, err := svc.RequestXReport(managerCtx(), domain.XReportRequest{})
	if err != nil {
		t.Fatalf("x report: %v", err)
	}
	if resp.Job.Kind != domain.JobKindXReport {
		t.Fatalf("expected x_report kind, got %s", resp.Job.Kind)
	}
}

func TestShiftStatusReportsExpiryWindows(t *testing.T) {
	svc, repo := newTestService()

	openedAt := time.Now().UTC().Add(-23*time.Hour - 10*time.Minute)
	if _, err := repo.OpenShift(context.Background(), "main-device", "epson", "manager", openedAt); err != nil {
		t.Fatalf("open shift: %v", err)
	}

	status, err := svc.ShiftStatus(managerCtx(), "")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Expired || !status.NearExpiry {
		t.Fatalf("expected near-expiry at 23h, got expired=%t near=%t", status.Expired, status.NearExpiry)
	}
}

func TestSweepFailsStuckProcessingJobs(t *testing.T) {
	cfg := testConfig()
	cfg.ProcessingTimeoutSeconds = 0
	repo := memory.NewSeeded()
	svc := New(repo, cache.NoopJobStatusCache{}, cfg)

	openTestShift(t, svc)
	token, _ := issueTestToken(t, svc)
	job := enqueueTestJob(t, svc, "sale-stuck")
	if _, err := svc.PollForWork(context.Background(), token); err != nil {
		t.Fatalf("poll: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	resp, err := svc.SweepTimeouts(adminCtx())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(resp.TimedOut) != 1 || resp.TimedOut[0].ID != job.ID {
		t.Fatalf("expected the stuck job to be swept, got %+v", resp.TimedOut)
	}
	if resp.TimedOut[0].Status != domain.JobStatusFailed || !resp.TimedOut[0].IsRetriable {
		t.Fatalf("swept job should be failed and retriable: %+v", resp.TimedOut[0])
	}
}

func TestDeleteJobRefusesProcessing(t *testing.T) {
	svc, _ := newTestService()
	openTestShift(t, svc)
	token, _ := issueTestToken(t, svc)

	job := enqueueTestJob(t, svc, "sale-del")
	if _, err := svc.PollForWork(context.Background(), token); err != nil {
		t.Fatalf("poll: %v", err)
	}

	if err := svc.DeleteJob(adminCtx(), job.ID); !errors.Is(err, store.ErrCannotDeleteActive) {
		t.Fatalf("expected ErrCannotDeleteActive, got %v", err)
	}
}

func TestBulkDeleteSkipsProcessingJobs(t *testing.T) {
	svc, _ := newTestService()
	openTestShift(t, svc)
	token, _ := issueTestToken(t, svc)

	active := enqueueTestJob(t, svc, "sale-bd1")
	idle := enqueueTestJob(t, svc, "sale-bd2")
	if _, err := svc.PollForWork(context.Background(), token); err != nil {
		t.Fatalf("poll: %v", err)
	}

	resp, err := svc.BulkDeleteJobs(adminCtx(), domain.BulkDeleteRequest{JobIDs: []string{active.ID, idle.ID, "missing"}})
	if err != nil {
		t.Fatalf("bulk delete: %v", err)
	}
	if len(resp.Deleted) != 1 || resp.Deleted[0] != idle.ID {
		t.Fatalf("expected only the pending job deleted, got %+v", resp.Deleted)
	}
	if len(resp.Skipped) != 2 {
		t.Fatalf("expected processing and missing jobs skipped, got %+v", resp.Skipped)
	}
}

func TestJobStatusUsesCacheAfterFirstRead(t *testing.T) {
	repo := memory.NewSeeded()
	recording := &recordingCache{entries: make(map[string]*domain.JobStatusResponse)}
	svc := New(repo, recording, testConfig())

	openTestShift(t, svc)
	job := enqueueTestJob(t, svc, "sale-cache")

	status, err := svc.JobStatus(context.Background(), "sale-cache")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.JobID != job.ID || status.Status != domain.JobStatusPending {
		t.Fatalf("unexpected status: %+v", status)
	}
	if recording.sets != 1 {
		t.Fatalf("expected one cache fill, got %d", recording.sets)
	}

	if _, err := svc.JobStatus(context.Background(), "sale-cache"); err != nil {
		t.Fatalf("second status: %v", err)
	}
	if recording.hits != 1 {
		t.Fatalf("expected second read served from cache, got %d hits", recording.hits)
	}
}

func TestIssueTokenRequiresAdmin(t *testing.T) {
	svc, _ := newTestService()

	if _, err := svc.IssueBridgeToken(managerCtx(), domain.TokenIssueRequest{Name: "x"}); err == nil {
		t.Fatalf("expected role error for manager")
	}
	if _, err := svc.IssueBridgeToken(context.Background(), domain.TokenIssueRequest{Name: "x"}); err == nil {
		t.Fatalf("expected role error without actor")
	}
}

func TestAuditLogWrittenOnEnqueue(t *testing.T) {
	svc, _ := newTestService()
	openTestShift(t, svc)
	enqueueTestJob(t, svc, "sale-audit")

	logs, err := svc.ListAuditLogs(adminCtx(), "", 100)
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}

	found := false
	for _, entry := range logs {
		if entry.Action == "fiscal_job_enqueue" && entry.ActorUsername == "admin" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected fiscal_job_enqueue audit entry, got %+v", logs)
	}
}

// recordingCache counts hits and fills so tests can assert cache behaviour
// without redis.
type recordingCache struct {
	mu      sync.Mutex
	entries map[string]*domain.JobStatusResponse
	hits    int
	sets    int
}

func (c *recordingCache) Get(_ context.Context, saleID string) (*domain.JobStatusResponse, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if value, ok := c.entries[saleID]; ok {
		c.hits++
		return value, true, nil
	}
	return nil, false, nil
}

func (c *recordingCache) Set(_ context.Context, saleID string, value *domain.JobStatusResponse, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[saleID] = value
	c.sets++
	return nil
}

func (c *recordingCache) Invalidate(_ context.Context, saleID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, saleID)
	return nil
}
