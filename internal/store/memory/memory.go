package memory

import (
	"context"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"fiscalbridge/backend/internal/domain"
	"fiscalbridge/backend/internal/store"
)

type Store struct {
	mu              sync.RWMutex
	tokensByID      map[string]domain.BridgeToken
	tokenIDByHash   map[string]string
	jobsByID        map[string]domain.FiscalJob
	jobOrder        []string
	activeJobBySale map[string]string
	shiftsByConfig  map[string]domain.ShiftState
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory operator accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_MANAGER_PASSWORD
// environment variables. If unset, hardcoded dev defaults are used with a
// warning printed to stdout. These credentials are never used in production
// (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	managerPwd := envOr("SEED_MANAGER_PASSWORD", "manager123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_MANAGER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_MANAGER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"manager", managerPwd, "manager"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	return &Store{
		tokensByID:      make(map[string]domain.BridgeToken),
		tokenIDByHash:   make(map[string]string),
		jobsByID:        make(map[string]domain.FiscalJob),
		jobOrder:        make([]string, 0, 64),
		activeJobBySale: make(map[string]string),
		shiftsByConfig:  make(map[string]domain.ShiftState),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: seedUsers(),
	}
}

func (s *Store) CreateBridgeToken(_ context.Context, token domain.BridgeToken) (*domain.BridgeToken, error) {
	if token.ID == "" || token.Name == "" || token.SecretHash == "" {
		return nil, store.ErrInvalidInput
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	token.Status = domain.TokenStatusActive

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokenIDByHash[token.SecretHash]; exists {
		return nil, store.ErrInvalidInput
	}
	s.tokensByID[token.ID] = token
	s.tokenIDByHash[token.SecretHash] = token.ID

	created := token
	return &created, nil
}

func (s *Store) GetBridgeTokenByHash(_ context.Context, secretHash string) (*domain.BridgeToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.tokenIDByHash[secretHash]
	if !ok {
		return nil, store.ErrNotFound
	}
	token := s.tokensByID[id]
	return &token, nil
}

func (s *Store) GetBridgeTokenByID(_ context.Context, tokenID string) (*domain.BridgeToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.tokensByID[tokenID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &token, nil
}

func (s *Store) ListBridgeTokens(_ context.Context) ([]domain.BridgeToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tokens := make([]domain.BridgeToken, 0, len(s.tokensByID))
	for _, token := range s.tokensByID {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool {
		return tokens[i].CreatedAt.Before(tokens[j].CreatedAt)
	})
	return tokens, nil
}

func (s *Store) RevokeBridgeToken(_ context.Context, tokenID string, at time.Time) (*domain.BridgeToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokensByID[tokenID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if token.Status != domain.TokenStatusRevoked {
		token.Status = domain.TokenStatusRevoked
		revokedAt := at.UTC()
		token.RevokedAt = &revokedAt
		s.tokensByID[tokenID] = token
	}
	revoked := token
	return &revoked, nil
}

func (s *Store) TouchBridgeToken(_ context.Context, tokenID string, seenAt time.Time, agentVersion string, agentPlatform string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokensByID[tokenID]
	if !ok {
		return store.ErrNotFound
	}
	seen := seenAt.UTC()
	token.LastSeenAt = &seen
	if agentVersion != "" {
		token.AgentVersion = agentVersion
	}
	if agentPlatform != "" {
		token.AgentPlatform = agentPlatform
	}
	s.tokensByID[tokenID] = token
	return nil
}

func (s *Store) CreateFiscalJob(_ context.Context, job domain.FiscalJob) (*domain.FiscalJob, error) {
	if job.ID == "" || job.ConfigID == "" || job.Kind == "" {
		return nil, store.ErrInvalidInput
	}
	if job.Kind == domain.JobKindReceipt && (job.SaleID == "" || job.Sale == nil) {
		return nil, store.ErrInvalidInput
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.Status = domain.JobStatusPending
	job.RetryCount = 0

	s.mu.Lock()
	defer s.mu.Unlock()

	created, err := s.insertJobLocked(job)
	if err != nil {
		return nil, err
	}
	return created, nil
}

// insertJobLocked enforces the at-most-one-active-job-per-sale invariant.
// Caller must hold s.mu.
func (s *Store) insertJobLocked(job domain.FiscalJob) (*domain.FiscalJob, error) {
	if job.Kind == domain.JobKindReceipt {
		if _, active := s.activeJobBySale[job.SaleID]; active {
			return nil, store.ErrDuplicateActiveJob
		}
		s.activeJobBySale[job.SaleID] = job.ID
	}
	s.jobsByID[job.ID] = job
	s.jobOrder = append(s.jobOrder, job.ID)

	created := job
	return &created, nil
}

func (s *Store) GetFiscalJob(_ context.Context, jobID string) (*domain.FiscalJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobsByID[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &job, nil
}

func (s *Store) GetFiscalJobBySale(_ context.Context, saleID string) (*domain.FiscalJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Newest job wins: a sale may accumulate deleted-then-requeued history.
	for i := len(s.jobOrder) - 1; i >= 0; i-- {
		job, ok := s.jobsByID[s.jobOrder[i]]
		if !ok {
			continue
		}
		if job.Kind == domain.JobKindReceipt && job.SaleID == saleID {
			found := job
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListFiscalJobs(_ context.Context, status string, limit int) ([]domain.FiscalJob, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]domain.FiscalJob, 0, limit)
	for i := len(s.jobOrder) - 1; i >= 0 && len(jobs) < limit; i-- {
		job, ok := s.jobsByID[s.jobOrder[i]]
		if !ok {
			continue
		}
		if status != "" && job.Status != status {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *Store) ClaimNextFiscalJob(_ context.Context, tokenID string, at time.Time) (*domain.FiscalJob, error) {
	if strings.TrimSpace(tokenID) == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Oldest pending first. The whole select-and-flip runs under one lock,
	// so concurrent claimants can never both see the same pending job.
	for _, id := range s.jobOrder {
		job, ok := s.jobsByID[id]
		if !ok || job.Status != domain.JobStatusPending {
			continue
		}
		pickedUp := at.UTC()
		job.Status = domain.JobStatusProcessing
		job.ClaimedBy = tokenID
		job.PickedUpAt = &pickedUp
		s.jobsByID[id] = job

		claimed := job
		return &claimed, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) CompleteFiscalJob(_ context.Context, jobID string, fiscalNumber string, at time.Time) (*domain.FiscalJob, error) {
	if fiscalNumber == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobsByID[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}

	if job.Status == domain.JobStatusCompleted {
		if job.FiscalNumber == fiscalNumber {
			// Duplicate delivery of the same result is a no-op.
			done := job
			return &done, nil
		}
		return nil, store.ErrConsistency
	}
	if job.Status != domain.JobStatusProcessing {
		return nil, store.ErrInvalidTransition
	}

	completedAt := at.UTC()
	job.Status = domain.JobStatusCompleted
	job.FiscalNumber = fiscalNumber
	job.ErrorMessage = ""
	job.IsRetriable = false
	job.CompletedAt = &completedAt
	s.jobsByID[jobID] = job
	s.releaseSaleLocked(job)

	completed := job
	return &completed, nil
}

func (s *Store) FailFiscalJob(_ context.Context, jobID string, message string, retriableHint bool, maxAttempts int, at time.Time) (*domain.FiscalJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobsByID[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if job.Status != domain.JobStatusProcessing {
		return nil, store.ErrInvalidTransition
	}

	job.Status = domain.JobStatusFailed
	job.ErrorMessage = message
	job.IsRetriable = retriableHint && job.RetryCount+1 < maxAttempts
	s.jobsByID[jobID] = job
	s.releaseSaleLocked(job)

	failed := job
	return &failed, nil
}

func (s *Store) RetryFiscalJob(_ context.Context, jobID string, at time.Time) (*domain.FiscalJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobsByID[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if job.Status != domain.JobStatusFailed || !job.IsRetriable {
		return nil, store.ErrNotRetriable
	}
	if job.Kind == domain.JobKindReceipt {
		if _, active := s.activeJobBySale[job.SaleID]; active {
			return nil, store.ErrDuplicateActiveJob
		}
		s.activeJobBySale[job.SaleID] = job.ID
	}

	retryAt := at.UTC()
	job.Status = domain.JobStatusPending
	job.RetryCount++
	job.ErrorMessage = ""
	job.NextRetryAt = &retryAt
	job.ClaimedBy = ""
	job.PickedUpAt = nil
	s.jobsByID[jobID] = job

	retried := job
	return &retried, nil
}

func (s *Store) DeleteFiscalJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobsByID[jobID]
	if !ok {
		return store.ErrNotFound
	}
	if job.Status == domain.JobStatusProcessing {
		return store.ErrCannotDeleteActive
	}

	delete(s.jobsByID, jobID)
	if job.Kind == domain.JobKindReceipt && s.activeJobBySale[job.SaleID] == jobID {
		delete(s.activeJobBySale, job.SaleID)
	}
	return nil
}

func (s *Store) SweepProcessingFiscalJobs(_ context.Context, stuckBefore time.Time, maxAttempts int) ([]domain.FiscalJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timedOut := make([]domain.FiscalJob, 0, 4)
	for _, id := range s.jobOrder {
		job, ok := s.jobsByID[id]
		if !ok || job.Status != domain.JobStatusProcessing {
			continue
		}
		if job.PickedUpAt == nil || !job.PickedUpAt.Before(stuckBefore) {
			continue
		}

		// Agent crashes and dropped connections are the common cause, so a
		// timed-out job defaults to retriable within the attempt cap.
		job.Status = domain.JobStatusFailed
		job.ErrorMessage = "processing timeout: no result from bridge agent"
		job.IsRetriable = job.RetryCount+1 < maxAttempts
		s.jobsByID[id] = job
		s.releaseSaleLocked(job)
		timedOut = append(timedOut, job)
	}
	return timedOut, nil
}

// releaseSaleLocked drops the active-job reservation once a receipt job has
// reached a terminal status. Caller must hold s.mu.
func (s *Store) releaseSaleLocked(job domain.FiscalJob) {
	if job.Kind == domain.JobKindReceipt && s.activeJobBySale[job.SaleID] == job.ID {
		delete(s.activeJobBySale, job.SaleID)
	}
}

func (s *Store) GetShiftState(_ context.Context, configID string) (*domain.ShiftState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shift, ok := s.shiftsByConfig[configID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &shift, nil
}

func (s *Store) OpenShift(_ context.Context, configID string, provider string, openedBy string, at time.Time) (*domain.ShiftState, error) {
	if strings.TrimSpace(configID) == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	shift, exists := s.shiftsByConfig[configID]
	if exists && shift.ShiftOpen {
		return nil, store.ErrShiftAlreadyOpen
	}

	openedAt := at.UTC()
	shift.ConfigID = configID
	if provider != "" {
		shift.Provider = provider
	}
	shift.ShiftOpen = true
	shift.ShiftOpenedAt = &openedAt
	shift.OpenedBy = openedBy
	s.shiftsByConfig[configID] = shift

	opened := shift
	return &opened, nil
}

func (s *Store) CloseShift(_ context.Context, configID string, zReportJob domain.FiscalJob, at time.Time) (*domain.ShiftState, *domain.FiscalJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	shift, exists := s.shiftsByConfig[configID]
	if !exists || !shift.ShiftOpen {
		return nil, nil, store.ErrShiftNotOpen
	}

	// The Z-report job and the close are one atomic step: if the report
	// cannot be queued the shift stays open and the fiscal trail is intact.
	zReportJob.Status = domain.JobStatusPending
	if zReportJob.CreatedAt.IsZero() {
		zReportJob.CreatedAt = at.UTC()
	}
	job, err := s.insertJobLocked(zReportJob)
	if err != nil {
		return nil, nil, err
	}

	closedAt := at.UTC()
	shift.ShiftOpen = false
	shift.ShiftOpenedAt = nil
	shift.OpenedBy = ""
	shift.LastZReportAt = &closedAt
	s.shiftsByConfig[configID] = shift

	closed := shift
	return &closed, job, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0 && len(logs) < limit; i-- {
		entry := s.auditLogs[i]
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		logs = append(logs, entry)
	}
	return logs, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || user.Password == "" {
		return store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidInput
	}
	user.Username = username
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].Username < users[j].Username
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))

	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}
