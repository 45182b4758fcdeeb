package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"fiscalbridge/backend/internal/domain"
	"fiscalbridge/backend/internal/store"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateBridgeToken(ctx context.Context, token domain.BridgeToken) (*domain.BridgeToken, error) {
	if token.ID == "" || token.Name == "" || token.SecretHash == "" {
		return nil, store.ErrInvalidInput
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	token.Status = domain.TokenStatusActive

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bridge_tokens (id, name, secret_hash, secret_preview, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, token.ID, token.Name, token.SecretHash, token.SecretPreview, token.Status, token.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}

	created := token
	return &created, nil
}

const bridgeTokenColumns = `
	id, name, secret_hash, secret_preview, status,
	COALESCE(agent_version, ''), COALESCE(agent_platform, ''),
	last_seen_at, created_at, revoked_at
`

func scanBridgeToken(row interface{ Scan(...any) error }) (*domain.BridgeToken, error) {
	var token domain.BridgeToken
	var lastSeen, revokedAt sql.NullTime
	err := row.Scan(
		&token.ID,
		&token.Name,
		&token.SecretHash,
		&token.SecretPreview,
		&token.Status,
		&token.AgentVersion,
		&token.AgentPlatform,
		&lastSeen,
		&token.CreatedAt,
		&revokedAt,
	)
	if err != nil {
		return nil, err
	}
	token.CreatedAt = token.CreatedAt.UTC()
	if lastSeen.Valid {
		at := lastSeen.Time.UTC()
		token.LastSeenAt = &at
	}
	if revokedAt.Valid {
		at := revokedAt.Time.UTC()
		token.RevokedAt = &at
	}
	return &token, nil
}

func (s *Store) GetBridgeTokenByHash(ctx context.Context, secretHash string) (*domain.BridgeToken, error) {
	token, err := scanBridgeToken(s.db.QueryRowContext(ctx, `
		SELECT `+bridgeTokenColumns+`
		FROM bridge_tokens
		WHERE secret_hash = $1
	`, secretHash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return token, nil
}

func (s *Store) GetBridgeTokenByID(ctx context.Context, tokenID string) (*domain.BridgeToken, error) {
	token, err := scanBridgeToken(s.db.QueryRowContext(ctx, `
		SELECT `+bridgeTokenColumns+`
		FROM bridge_tokens
		WHERE id = $1
	`, tokenID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return token, nil
}

func (s *Store) ListBridgeTokens(ctx context.Context) ([]domain.BridgeToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+bridgeTokenColumns+`
		FROM bridge_tokens
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tokens := make([]domain.BridgeToken, 0, 16)
	for rows.Next() {
		token, err := scanBridgeToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, *token)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tokens, nil
}

func (s *Store) RevokeBridgeToken(ctx context.Context, tokenID string, at time.Time) (*domain.BridgeToken, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	// Idempotent: re-revoking keeps the original revoked_at.
	token, err := scanBridgeToken(s.db.QueryRowContext(ctx, `
		UPDATE bridge_tokens
		SET status = 'revoked', revoked_at = COALESCE(revoked_at, $2)
		WHERE id = $1
		RETURNING `+bridgeTokenColumns+`
	`, tokenID, at))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return token, nil
}

func (s *Store) TouchBridgeToken(ctx context.Context, tokenID string, seenAt time.Time, agentVersion string, agentPlatform string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bridge_tokens
		SET last_seen_at = $2,
			agent_version = COALESCE(NULLIF($3, ''), agent_version),
			agent_platform = COALESCE(NULLIF($4, ''), agent_platform)
		WHERE id = $1
	`, tokenID, seenAt.UTC(), agentVersion, agentPlatform)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

const fiscalJobColumns = `
	id, COALESCE(sale_id, ''), kind, config_id, provider, status,
	COALESCE(fiscal_number, ''), COALESCE(error_message, ''),
	retry_count, is_retriable, next_retry_at, COALESCE(claimed_by, ''),
	sale_snapshot, created_at, picked_up_at, completed_at
`

func scanFiscalJob(row interface{ Scan(...any) error }) (*domain.FiscalJob, error) {
	var job domain.FiscalJob
	var nextRetry, pickedUp, completed sql.NullTime
	var snapshot []byte
	err := row.Scan(
		&job.ID,
		&job.SaleID,
		&job.Kind,
		&job.ConfigID,
		&job.Provider,
		&job.Status,
		&job.FiscalNumber,
		&job.ErrorMessage,
		&job.RetryCount,
		&job.IsRetriable,
		&nextRetry,
		&job.ClaimedBy,
		&snapshot,
		&job.CreatedAt,
		&pickedUp,
		&completed,
	)
	if err != nil {
		return nil, err
	}
	job.CreatedAt = job.CreatedAt.UTC()
	if nextRetry.Valid {
		at := nextRetry.Time.UTC()
		job.NextRetryAt = &at
	}
	if pickedUp.Valid {
		at := pickedUp.Time.UTC()
		job.PickedUpAt = &at
	}
	if completed.Valid {
		at := completed.Time.UTC()
		job.CompletedAt = &at
	}
	if len(snapshot) > 0 {
		var sale domain.SaleSnapshot
		if err := json.Unmarshal(snapshot, &sale); err != nil {
			return nil, err
		}
		job.Sale = &sale
	}
	return &job, nil
}

func (s *Store) CreateFiscalJob(ctx context.Context, job domain.FiscalJob) (*domain.FiscalJob, error) {
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

	snapshot, err := marshalSnapshot(job.Sale)
	if err != nil {
		return nil, err
	}

	// A partial unique index on (sale_id) for non-terminal receipt jobs
	// backs the at-most-one-active invariant.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fiscal_jobs (
			id, sale_id, kind, config_id, provider, status,
			retry_count, is_retriable, sale_snapshot, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, job.ID, nullIfEmpty(job.SaleID), job.Kind, job.ConfigID, job.Provider, job.Status,
		job.RetryCount, job.IsRetriable, snapshot, job.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateActiveJob
		}
		return nil, err
	}

	created := job
	return &created, nil
}

func (s *Store) GetFiscalJob(ctx context.Context, jobID string) (*domain.FiscalJob, error) {
	job, err := scanFiscalJob(s.db.QueryRowContext(ctx, `
		SELECT `+fiscalJobColumns+`
		FROM fiscal_jobs
		WHERE id = $1
	`, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

func (s *Store) GetFiscalJobBySale(ctx context.Context, saleID string) (*domain.FiscalJob, error) {
	job, err := scanFiscalJob(s.db.QueryRowContext(ctx, `
		SELECT `+fiscalJobColumns+`
		FROM fiscal_jobs
		WHERE kind = 'receipt' AND sale_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, saleID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

func (s *Store) ListFiscalJobs(ctx context.Context, status string, limit int) ([]domain.FiscalJob, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fiscalJobColumns+`
		FROM fiscal_jobs
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]domain.FiscalJob, 0, limit)
	for rows.Next() {
		job, err := scanFiscalJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *Store) ClaimNextFiscalJob(ctx context.Context, tokenID string, at time.Time) (*domain.FiscalJob, error) {
	if strings.TrimSpace(tokenID) == "" {
		return nil, store.ErrInvalidInput
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	// SKIP LOCKED makes concurrent polls race-free: a job row locked by one
	// claimant is invisible to the others, so exactly one agent wins it.
	job, err := scanFiscalJob(s.db.QueryRowContext(ctx, `
		UPDATE fiscal_jobs
		SET status = 'processing', claimed_by = $1, picked_up_at = $2
		WHERE id = (
			SELECT id
			FROM fiscal_jobs
			WHERE status = 'pending'
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+fiscalJobColumns+`
	`, tokenID, at))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

func (s *Store) CompleteFiscalJob(ctx context.Context, jobID string, fiscalNumber string, at time.Time) (*domain.FiscalJob, error) {
	if fiscalNumber == "" {
		return nil, store.ErrInvalidInput
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := scanFiscalJob(tx.QueryRowContext(ctx, `
		SELECT `+fiscalJobColumns+`
		FROM fiscal_jobs
		WHERE id = $1
		FOR UPDATE
	`, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	if current.Status == domain.JobStatusCompleted {
		if current.FiscalNumber == fiscalNumber {
			return current, nil
		}
		return nil, store.ErrConsistency
	}
	if current.Status != domain.JobStatusProcessing {
		return nil, store.ErrInvalidTransition
	}

	job, err := scanFiscalJob(tx.QueryRowContext(ctx, `
		UPDATE fiscal_jobs
		SET status = 'completed', fiscal_number = $2, error_message = NULL,
			is_retriable = false, completed_at = $3
		WHERE id = $1
		RETURNING `+fiscalJobColumns+`
	`, jobID, fiscalNumber, at))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Store) FailFiscalJob(ctx context.Context, jobID string, message string, retriableHint bool, maxAttempts int, at time.Time) (*domain.FiscalJob, error) {
	job, err := scanFiscalJob(s.db.QueryRowContext(ctx, `
		UPDATE fiscal_jobs
		SET status = 'failed', error_message = $2,
			is_retriable = ($3 AND retry_count + 1 < $4)
		WHERE id = $1 AND status = 'processing'
		RETURNING `+fiscalJobColumns+`
	`, jobID, message, retriableHint, maxAttempts))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return nil, s.jobTransitionError(ctx, jobID)
}

func (s *Store) RetryFiscalJob(ctx context.Context, jobID string, at time.Time) (*domain.FiscalJob, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	job, err := scanFiscalJob(s.db.QueryRowContext(ctx, `
		UPDATE fiscal_jobs
		SET status = 'pending', retry_count = retry_count + 1, error_message = NULL,
			next_retry_at = $2, claimed_by = NULL, picked_up_at = NULL
		WHERE id = $1 AND status = 'failed' AND is_retriable = true
		RETURNING `+fiscalJobColumns+`
	`, jobID, at))
	if err == nil {
		return job, nil
	}
	if isUniqueViolation(err) {
		return nil, store.ErrDuplicateActiveJob
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	var status string
	if lookupErr := s.db.QueryRowContext(ctx, `
		SELECT status FROM fiscal_jobs WHERE id = $1
	`, jobID).Scan(&status); lookupErr != nil {
		if errors.Is(lookupErr, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, lookupErr
	}
	return nil, store.ErrNotRetriable
}

func (s *Store) DeleteFiscalJob(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM fiscal_jobs
		WHERE id = $1 AND status <> 'processing'
	`, jobID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var status string
	if lookupErr := s.db.QueryRowContext(ctx, `
		SELECT status FROM fiscal_jobs WHERE id = $1
	`, jobID).Scan(&status); lookupErr != nil {
		if errors.Is(lookupErr, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return lookupErr
	}
	return store.ErrCannotDeleteActive
}

func (s *Store) SweepProcessingFiscalJobs(ctx context.Context, stuckBefore time.Time, maxAttempts int) ([]domain.FiscalJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE fiscal_jobs
		SET status = 'failed',
			error_message = 'processing timeout: no result from bridge agent',
			is_retriable = (retry_count + 1 < $2)
		WHERE status = 'processing' AND picked_up_at < $1
		RETURNING `+fiscalJobColumns+`
	`, stuckBefore, maxAttempts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	timedOut := make([]domain.FiscalJob, 0, 4)
	for rows.Next() {
		job, err := scanFiscalJob(rows)
		if err != nil {
			return nil, err
		}
		timedOut = append(timedOut, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return timedOut, nil
}

// jobTransitionError distinguishes a missing job from one in the wrong state
// after a zero-row conditional update.
func (s *Store) jobTransitionError(ctx context.Context, jobID string) error {
	var status string
	if err := s.db.QueryRowContext(ctx, `
		SELECT status FROM fiscal_jobs WHERE id = $1
	`, jobID).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	return store.ErrInvalidTransition
}

const shiftColumns = `
	config_id, COALESCE(provider, ''), shift_open, shift_opened_at,
	COALESCE(opened_by, ''), last_z_report_at
`

func scanShift(row interface{ Scan(...any) error }) (*domain.ShiftState, error) {
	var shift domain.ShiftState
	var openedAt, lastZ sql.NullTime
	err := row.Scan(
		&shift.ConfigID,
		&shift.Provider,
		&shift.ShiftOpen,
		&openedAt,
		&shift.OpenedBy,
		&lastZ,
	)
	if err != nil {
		return nil, err
	}
	if openedAt.Valid {
		at := openedAt.Time.UTC()
		shift.ShiftOpenedAt = &at
	}
	if lastZ.Valid {
		at := lastZ.Time.UTC()
		shift.LastZReportAt = &at
	}
	return &shift, nil
}

func (s *Store) GetShiftState(ctx context.Context, configID string) (*domain.ShiftState, error) {
	shift, err := scanShift(s.db.QueryRowContext(ctx, `
		SELECT `+shiftColumns+`
		FROM fiscal_shifts
		WHERE config_id = $1
	`, configID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return shift, nil
}

func (s *Store) OpenShift(ctx context.Context, configID string, provider string, openedBy string, at time.Time) (*domain.ShiftState, error) {
	if strings.TrimSpace(configID) == "" {
		return nil, store.ErrInvalidInput
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	shift, err := scanShift(s.db.QueryRowContext(ctx, `
		INSERT INTO fiscal_shifts (config_id, provider, shift_open, shift_opened_at, opened_by, updated_at)
		VALUES ($1, NULLIF($2, ''), true, $3, $4, now())
		ON CONFLICT (config_id)
		DO UPDATE SET
			shift_open = true,
			provider = COALESCE(NULLIF($2, ''), fiscal_shifts.provider),
			shift_opened_at = $3,
			opened_by = $4,
			updated_at = now()
		WHERE fiscal_shifts.shift_open = false
		RETURNING `+shiftColumns+`
	`, configID, provider, at, openedBy))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrShiftAlreadyOpen
		}
		return nil, err
	}
	return shift, nil
}

func (s *Store) CloseShift(ctx context.Context, configID string, zReportJob domain.FiscalJob, at time.Time) (*domain.ShiftState, *domain.FiscalJob, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	zReportJob.Status = domain.JobStatusPending
	if zReportJob.CreatedAt.IsZero() {
		zReportJob.CreatedAt = at
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// Close and Z-report enqueue commit together: a shift never closes
	// without its closing report in the queue.
	shift, err := scanShift(tx.QueryRowContext(ctx, `
		UPDATE fiscal_shifts
		SET shift_open = false, shift_opened_at = NULL, opened_by = NULL,
			last_z_report_at = $2, updated_at = now()
		WHERE config_id = $1 AND shift_open = true
		RETURNING `+shiftColumns+`
	`, configID, at))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, store.ErrShiftNotOpen
		}
		return nil, nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO fiscal_jobs (
			id, sale_id, kind, config_id, provider, status,
			retry_count, is_retriable, sale_snapshot, created_at
		)
		VALUES ($1, NULL, $2, $3, $4, $5, 0, false, NULL, $6)
	`, zReportJob.ID, zReportJob.Kind, zReportJob.ConfigID, zReportJob.Provider, zReportJob.Status, zReportJob.CreatedAt)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}

	job := zReportJob
	return shift, &job, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || user.Password == "" {
		return store.ErrInvalidInput
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidInput
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password = $2 WHERE username = $1
	`, strings.ToLower(strings.TrimSpace(username)), password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func marshalSnapshot(sale *domain.SaleSnapshot) (any, error) {
	if sale == nil {
		return nil, nil
	}
	payload, err := json.Marshal(sale)
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
