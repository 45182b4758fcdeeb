package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"fiscalbridge/backend/internal/cache"
	"fiscalbridge/backend/internal/config"
	"fiscalbridge/backend/internal/domain"
	"fiscalbridge/backend/internal/store"
	"fiscalbridge/backend/internal/xid"
)

// shiftMaxAge is the fiscal-law ceiling on a single shift. Past it the only
// permitted operation is closing the shift.
const (
	shiftMaxAge     = 24 * time.Hour
	shiftNearExpiry = 23 * time.Hour
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo              store.Repository
	statusCache       cache.JobStatusCache
	tokenSalt         []byte
	defaultConfigID   string
	maxAttempts       int
	processingTimeout time.Duration
	onlineWindow      time.Duration
	pendingWindow     time.Duration
	statusCacheTTL    time.Duration
}

func New(repo store.Repository, statusCache cache.JobStatusCache, cfg config.Config) *Service {
	defaultConfigID := cfg.DefaultConfigID
	if defaultConfigID == "" {
		defaultConfigID = "main-device"
	}
	if statusCache == nil {
		statusCache = cache.NoopJobStatusCache{}
	}

	return &Service{
		repo:              repo,
		statusCache:       statusCache,
		tokenSalt:         []byte(cfg.BridgeTokenSalt),
		defaultConfigID:   defaultConfigID,
		maxAttempts:       cfg.RetryMaxAttempts,
		processingTimeout: time.Duration(cfg.ProcessingTimeoutSeconds) * time.Second,
		onlineWindow:      time.Duration(cfg.OnlineWindowSeconds) * time.Second,
		pendingWindow:     time.Duration(cfg.PendingWindowSeconds) * time.Second,
		statusCacheTTL:    time.Duration(cfg.StatusCacheTTLSeconds) * time.Second,
	}
}

// hashSecret is a salted deterministic hash, so authentication can look the
// token up by hash instead of scanning every row for a bcrypt compare.
func (s *Service) hashSecret(secret string) string {
	mac := hmac.New(sha256.New, s.tokenSalt)
	mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil))
}

func secretPreview(secret string) string {
	if len(secret) <= 12 {
		return secret
	}
	return secret[:12] + "..."
}

func (s *Service) IssueBridgeToken(ctx context.Context, req domain.TokenIssueRequest) (*domain.TokenIssueResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return nil, fmt.Errorf("admin role required")
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return nil, store.ErrInvalidInput
	}

	secret, err := xid.NewSecret("brdg")
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	created, err := s.repo.CreateBridgeToken(ctx, domain.BridgeToken{
		ID:            xid.New("btok"),
		Name:          req.Name,
		SecretHash:    s.hashSecret(secret),
		SecretPreview: secretPreview(secret),
		CreatedAt:     now,
	})
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "bridge_token_issue", "bridge_token", created.ID, fmt.Sprintf("name=%s", created.Name))

	// The plaintext secret leaves the server exactly once, in this response.
	return &domain.TokenIssueResponse{
		TokenID:       created.ID,
		Name:          created.Name,
		Secret:        secret,
		SecretPreview: created.SecretPreview,
		CreatedAt:     created.CreatedAt.Format(time.RFC3339),
	}, nil
}

func (s *Service) ListBridgeTokens(ctx context.Context) (*domain.TokenListResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return nil, fmt.Errorf("admin role required")
	}

	tokens, err := s.repo.ListBridgeTokens(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	views := make([]domain.BridgeTokenView, 0, len(tokens))
	for _, token := range tokens {
		views = append(views, domain.BridgeTokenView{
			BridgeToken:  token,
			Connectivity: s.connectivity(token, now),
		})
	}
	return &domain.TokenListResponse{Tokens: views}, nil
}

func (s *Service) RevokeBridgeToken(ctx context.Context, tokenID string) (*domain.BridgeTokenView, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return nil, fmt.Errorf("admin role required")
	}
	if strings.TrimSpace(tokenID) == "" {
		return nil, store.ErrInvalidInput
	}

	now := time.Now().UTC()
	revoked, err := s.repo.RevokeBridgeToken(ctx, tokenID, now)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "bridge_token_revoke", "bridge_token", revoked.ID, fmt.Sprintf("name=%s", revoked.Name))

	return &domain.BridgeTokenView{
		BridgeToken:  *revoked,
		Connectivity: s.connectivity(*revoked, now),
	}, nil
}

// connectivity derives the agent liveness shown to admins. Revoked tokens
// always read offline regardless of recency.
func (s *Service) connectivity(token domain.BridgeToken, now time.Time) string {
	if token.Status == domain.TokenStatusRevoked || token.LastSeenAt == nil {
		return domain.ConnectivityOffline
	}
	age := now.Sub(*token.LastSeenAt)
	switch {
	case age < s.onlineWindow:
		return domain.ConnectivityOnline
	case age < s.pendingWindow:
		return domain.ConnectivityPending
	default:
		return domain.ConnectivityOffline
	}
}

// AuthenticateBridge resolves a plaintext agent secret to its token record.
// allowRevoked lets result submission through for jobs an agent claimed
// before its token was revoked; polling and heartbeats pass false.
func (s *Service) AuthenticateBridge(ctx context.Context, secret string, allowRevoked bool) (*domain.BridgeToken, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, store.ErrInvalidOrRevoked
	}

	token, err := s.repo.GetBridgeTokenByHash(ctx, s.hashSecret(secret))
	if err != nil {
		// Missing and revoked are indistinguishable to the caller.
		return nil, store.ErrInvalidOrRevoked
	}
	if token.Status != domain.TokenStatusActive && !allowRevoked {
		return nil, store.ErrInvalidOrRevoked
	}
	return token, nil
}

func (s *Service) Heartbeat(ctx context.Context, token *domain.BridgeToken, req domain.HeartbeatRequest) (*domain.HeartbeatResponse, error) {
	now := time.Now().UTC()
	if err := s.repo.TouchBridgeToken(ctx, token.ID, now, strings.TrimSpace(req.AgentVersion), strings.TrimSpace(req.AgentPlatform)); err != nil {
		return nil, err
	}
	return &domain.HeartbeatResponse{
		TokenID:    token.ID,
		ReceivedAt: now.Format(time.RFC3339),
	}, nil
}

func (s *Service) PollForWork(ctx context.Context, token *domain.BridgeToken) (*domain.PollResponse, error) {
	now := time.Now().UTC()

	// Polling counts as agent activity even when the queue is empty.
	if err := s.repo.TouchBridgeToken(ctx, token.ID, now, "", ""); err != nil {
		log.Printf("[service] WARN: failed to touch bridge token %s: %v", token.ID, err)
	}

	job, err := s.repo.ClaimNextFiscalJob(ctx, token.ID, now)
	if err != nil {
		if err == store.ErrNotFound {
			return &domain.PollResponse{}, nil
		}
		return nil, err
	}

	s.invalidateStatus(ctx, job.SaleID)

	return &domain.PollResponse{Job: &domain.BridgeJob{
		JobID:    job.ID,
		Kind:     job.Kind,
		ConfigID: job.ConfigID,
		Provider: job.Provider,
		Sale:     job.Sale,
	}}, nil
}

func (s *Service) SubmitResult(ctx context.Context, token *domain.BridgeToken, req domain.SubmitResultRequest) (*domain.SubmitResultResponse, error) {
	req.JobID = strings.TrimSpace(req.JobID)
	if req.JobID == "" {
		return nil, store.ErrInvalidInput
	}

	job, err := s.repo.GetFiscalJob(ctx, req.JobID)
	if err != nil {
		return nil, err
	}
	if job.ClaimedBy != token.ID {
		return nil, store.ErrTokenMismatch
	}

	now := time.Now().UTC()
	var updated *domain.FiscalJob
	switch req.Outcome.Result {
	case domain.OutcomeSuccess:
		updated, err = s.repo.CompleteFiscalJob(ctx, req.JobID, strings.TrimSpace(req.Outcome.FiscalNumber), now)
		if err == nil {
			s.logAudit(ctx, "fiscal_job_complete", "fiscal_job", updated.ID, fmt.Sprintf("fiscal_number=%s", updated.FiscalNumber))
		}
	case domain.OutcomeFailure:
		message := strings.TrimSpace(req.Outcome.Message)
		if message == "" {
			message = "bridge agent reported failure"
		}
		updated, err = s.repo.FailFiscalJob(ctx, req.JobID, message, req.Outcome.Retriable, s.maxAttempts, now)
		if err == nil {
			s.logAudit(ctx, "fiscal_job_fail", "fiscal_job", updated.ID, fmt.Sprintf("retriable=%t,message=%s", updated.IsRetriable, message))
		}
	default:
		return nil, store.ErrInvalidInput
	}
	if err != nil {
		return nil, err
	}

	s.invalidateStatus(ctx, updated.SaleID)

	return &domain.SubmitResultResponse{Job: *updated}, nil
}

func (s *Service) EnqueueFiscalJob(ctx context.Context, req domain.EnqueueRequest) (*domain.EnqueueResponse, error) {
	if _, ok := ActorFromContext(ctx); !ok {
		return nil, fmt.Errorf("authentication required")
	}

	if req.ConfigID == "" {
		req.ConfigID = s.defaultConfigID
	}
	req.Sale.SaleID = strings.TrimSpace(req.Sale.SaleID)
	if req.Sale.SaleID == "" || len(req.Sale.Items) == 0 || req.Sale.TotalCents < 0 {
		return nil, store.ErrInvalidInput
	}
	for _, line := range req.Sale.Items {
		if line.Name == "" || line.Qty < 1 || line.UnitPriceCents < 0 {
			return nil, store.ErrInvalidInput
		}
	}

	now := time.Now().UTC()
	if err := s.requireOpenShift(ctx, req.ConfigID, now); err != nil {
		return nil, err
	}

	sale := req.Sale
	created, err := s.repo.CreateFiscalJob(ctx, domain.FiscalJob{
		ID:        xid.New("fjob"),
		SaleID:    sale.SaleID,
		Kind:      domain.JobKindReceipt,
		ConfigID:  req.ConfigID,
		Provider:  strings.TrimSpace(req.Provider),
		Sale:      &sale,
		CreatedAt: now,
	})
	if err != nil {
		return nil, err
	}

	s.invalidateStatus(ctx, created.SaleID)
	s.logAudit(ctx, "fiscal_job_enqueue", "fiscal_job", created.ID, fmt.Sprintf("sale=%s,total=%d", created.SaleID, sale.TotalCents))

	return &domain.EnqueueResponse{Job: *created}, nil
}

// requireOpenShift is the enqueue gate: receipts need an open shift younger
// than the 24h ceiling.
func (s *Service) requireOpenShift(ctx context.Context, configID string, now time.Time) error {
	shift, err := s.repo.GetShiftState(ctx, configID)
	if err != nil {
		if err == store.ErrNotFound {
			return store.ErrShiftNotOpen
		}
		return err
	}
	if !shift.ShiftOpen || shift.ShiftOpenedAt == nil {
		return store.ErrShiftNotOpen
	}
	if !now.Before(shift.ShiftOpenedAt.Add(shiftMaxAge)) {
		return store.ErrShiftExpired
	}
	return nil
}

func (s *Service) JobStatus(ctx context.Context, saleID string) (*domain.JobStatusResponse, error) {
	saleID = strings.TrimSpace(saleID)
	if saleID == "" {
		return nil, store.ErrInvalidInput
	}

	if cached, ok, err := s.statusCache.Get(ctx, saleID); err != nil {
		log.Printf("[service] WARN: status cache read failed sale=%s: %v", saleID, err)
	} else if ok {
		return cached, nil
	}

	job, err := s.repo.GetFiscalJobBySale(ctx, saleID)
	if err != nil {
		return nil, err
	}

	status := &domain.JobStatusResponse{
		SaleID:       saleID,
		JobID:        job.ID,
		Status:       job.Status,
		FiscalNumber: job.FiscalNumber,
		ErrorMessage: job.ErrorMessage,
		IsRetriable:  job.IsRetriable,
		RetryCount:   job.RetryCount,
	}

	ttl := s.statusCacheTTL
	if domain.IsTerminal(job.Status) {
		// Terminal statuses never change except through retry, which
		// invalidates; cache them longer than the poll interval.
		ttl = 10 * s.statusCacheTTL
	}
	if err := s.statusCache.Set(ctx, saleID, status, ttl); err != nil {
		log.Printf("[service] WARN: status cache write failed sale=%s: %v", saleID, err)
	}

	return status, nil
}

func (s *Service) GetJob(ctx context.Context, jobID string) (*domain.FiscalJob, error) {
	if _, ok := ActorFromContext(ctx); !ok {
		return nil, fmt.Errorf("authentication required")
	}
	return s.repo.GetFiscalJob(ctx, jobID)
}

func (s *Service) ListJobs(ctx context.Context, status string, limit int) (*domain.JobListResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || (actor.Role != "admin" && actor.Role != "manager") {
		return nil, fmt.Errorf("admin or manager role required")
	}

	switch status {
	case "", domain.JobStatusPending, domain.JobStatusProcessing, domain.JobStatusCompleted, domain.JobStatusFailed:
	default:
		return nil, store.ErrInvalidInput
	}

	jobs, err := s.repo.ListFiscalJobs(ctx, status, limit)
	if err != nil {
		return nil, err
	}
	return &domain.JobListResponse{Jobs: jobs}, nil
}

func (s *Service) RetryJob(ctx context.Context, jobID string) (*domain.FiscalJob, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || (actor.Role != "admin" && actor.Role != "manager") {
		return nil, fmt.Errorf("admin or manager role required")
	}

	job, err := s.repo.RetryFiscalJob(ctx, jobID, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	s.invalidateStatus(ctx, job.SaleID)
	s.logAudit(ctx, "fiscal_job_retry", "fiscal_job", job.ID, fmt.Sprintf("retry_count=%d", job.RetryCount))

	return job, nil
}

func (s *Service) DeleteJob(ctx context.Context, jobID string) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return fmt.Errorf("admin role required")
	}

	job, err := s.repo.GetFiscalJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteFiscalJob(ctx, jobID); err != nil {
		return err
	}

	s.invalidateStatus(ctx, job.SaleID)
	s.logAudit(ctx, "fiscal_job_delete", "fiscal_job", jobID, fmt.Sprintf("status=%s", job.Status))
	return nil
}

func (s *Service) BulkDeleteJobs(ctx context.Context, req domain.BulkDeleteRequest) (*domain.BulkDeleteResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return nil, fmt.Errorf("admin role required")
	}
	if len(req.JobIDs) == 0 {
		return nil, store.ErrInvalidInput
	}

	resp := &domain.BulkDeleteResponse{
		Deleted: make([]string, 0, len(req.JobIDs)),
		Skipped: make([]string, 0),
	}
	for _, jobID := range req.JobIDs {
		job, err := s.repo.GetFiscalJob(ctx, jobID)
		if err != nil {
			resp.Skipped = append(resp.Skipped, jobID)
			continue
		}
		if err := s.repo.DeleteFiscalJob(ctx, jobID); err != nil {
			resp.Skipped = append(resp.Skipped, jobID)
			continue
		}
		s.invalidateStatus(ctx, job.SaleID)
		resp.Deleted = append(resp.Deleted, jobID)
	}

	s.logAudit(ctx, "fiscal_job_bulk_delete", "fiscal_job", "", fmt.Sprintf("deleted=%d,skipped=%d", len(resp.Deleted), len(resp.Skipped)))
	return resp, nil
}

// SweepTimeouts fails processing jobs whose agent has gone quiet past the
// processing ceiling. Called from the admin endpoint and the background
// ticker in cmd/server.
func (s *Service) SweepTimeouts(ctx context.Context) (*domain.SweepResponse, error) {
	cutoff := time.Now().UTC().Add(-s.processingTimeout)
	timedOut, err := s.repo.SweepProcessingFiscalJobs(ctx, cutoff, s.maxAttempts)
	if err != nil {
		return nil, err
	}

	for _, job := range timedOut {
		s.invalidateStatus(ctx, job.SaleID)
		log.Printf("[service] swept stuck job %s (claimed_by=%s, retriable=%t)", job.ID, job.ClaimedBy, job.IsRetriable)
	}
	if len(timedOut) > 0 {
		s.logAudit(ctx, "fiscal_job_sweep", "fiscal_job", "", fmt.Sprintf("timed_out=%d", len(timedOut)))
	}

	return &domain.SweepResponse{TimedOut: timedOut}, nil
}

func (s *Service) OpenShift(ctx context.Context, req domain.ShiftOpenRequest) (*domain.ShiftStatusResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || (actor.Role != "admin" && actor.Role != "manager") {
		return nil, fmt.Errorf("admin or manager role required")
	}

	if req.ConfigID == "" {
		req.ConfigID = s.defaultConfigID
	}

	now := time.Now().UTC()
	shift, err := s.repo.OpenShift(ctx, req.ConfigID, strings.TrimSpace(req.Provider), actor.Username, now)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "shift_open", "fiscal_shift", shift.ConfigID, fmt.Sprintf("provider=%s", shift.Provider))
	return s.shiftStatus(*shift, now), nil
}

func (s *Service) CloseShift(ctx context.Context, req domain.ShiftCloseRequest) (*domain.ShiftCloseResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || (actor.Role != "admin" && actor.Role != "manager") {
		return nil, fmt.Errorf("admin or manager role required")
	}

	if req.ConfigID == "" {
		req.ConfigID = s.defaultConfigID
	}

	current, err := s.repo.GetShiftState(ctx, req.ConfigID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, store.ErrShiftNotOpen
		}
		return nil, err
	}

	now := time.Now().UTC()
	// The Z report rides the same queue as receipts; the store commits the
	// close and the job insert together, so a close never loses its report.
	zReportJob := domain.FiscalJob{
		ID:        xid.New("fjob"),
		Kind:      domain.JobKindZReport,
		ConfigID:  req.ConfigID,
		Provider:  current.Provider,
		CreatedAt: now,
	}

	shift, job, err := s.repo.CloseShift(ctx, req.ConfigID, zReportJob, now)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "shift_close", "fiscal_shift", shift.ConfigID, fmt.Sprintf("z_report_job=%s", job.ID))
	return &domain.ShiftCloseResponse{Shift: *shift, ZReportJob: *job}, nil
}

// RequestXReport enqueues an intermediate report job. Allowed any time the
// shift is open, including past the expiry ceiling, since it does not record
// new sales.
func (s *Service) RequestXReport(ctx context.Context, req domain.XReportRequest) (*domain.ReportJobResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || (actor.Role != "admin" && actor.Role != "manager") {
		return nil, fmt.Errorf("admin or manager role required")
	}

	if req.ConfigID == "" {
		req.ConfigID = s.defaultConfigID
	}

	shift, err := s.repo.GetShiftState(ctx, req.ConfigID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, store.ErrShiftNotOpen
		}
		return nil, err
	}
	if !shift.ShiftOpen {
		return nil, store.ErrShiftNotOpen
	}

	now := time.Now().UTC()
	job, err := s.repo.CreateFiscalJob(ctx, domain.FiscalJob{
		ID:        xid.New("fjob"),
		Kind:      domain.JobKindXReport,
		ConfigID:  req.ConfigID,
		Provider:  shift.Provider,
		CreatedAt: now,
	})
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "x_report_request", "fiscal_job", job.ID, fmt.Sprintf("config=%s", job.ConfigID))
	return &domain.ReportJobResponse{Job: *job}, nil
}

func (s *Service) ShiftStatus(ctx context.Context, configID string) (*domain.ShiftStatusResponse, error) {
	if _, ok := ActorFromContext(ctx); !ok {
		return nil, fmt.Errorf("authentication required")
	}

	if configID == "" {
		configID = s.defaultConfigID
	}

	now := time.Now().UTC()
	shift, err := s.repo.GetShiftState(ctx, configID)
	if err != nil {
		if err == store.ErrNotFound {
			return s.shiftStatus(domain.ShiftState{ConfigID: configID}, now), nil
		}
		return nil, err
	}
	return s.shiftStatus(*shift, now), nil
}

func (s *Service) shiftStatus(shift domain.ShiftState, now time.Time) *domain.ShiftStatusResponse {
	resp := &domain.ShiftStatusResponse{Shift: shift}
	if !shift.ShiftOpen || shift.ShiftOpenedAt == nil {
		return resp
	}

	expiresAt := shift.ShiftOpenedAt.Add(shiftMaxAge)
	resp.ExpiresAt = expiresAt.Format(time.RFC3339)
	resp.Expired = !now.Before(expiresAt)
	resp.NearExpiry = !resp.Expired && !now.Before(shift.ShiftOpenedAt.Add(shiftNearExpiry))
	return resp
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return nil, fmt.Errorf("admin role required")
	}

	day := time.Now().UTC()
	if date != "" {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, store.ErrInvalidInput
		}
		day = parsed
	}
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)

	if limit < 1 || limit > 500 {
		limit = 200
	}
	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

func (s *Service) invalidateStatus(ctx context.Context, saleID string) {
	if saleID == "" {
		return
	}
	if err := s.statusCache.Invalidate(ctx, saleID); err != nil {
		log.Printf("[service] WARN: status cache invalidate failed sale=%s: %v", saleID, err)
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Printf("[service] WARN: failed to write audit log action=%s: %v", action, err)
	}
}
