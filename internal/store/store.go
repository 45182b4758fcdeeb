package store

import (
	"context"
	"errors"
	"time"

	"fiscalbridge/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidOrRevoked   = errors.New("token invalid or revoked")
	ErrTokenMismatch      = errors.New("job claimed by different token")
	ErrDuplicateActiveJob = errors.New("active fiscal job already exists for sale")
	ErrInvalidTransition  = errors.New("invalid job status transition")
	ErrNotRetriable       = errors.New("job is not retriable")
	ErrCannotDeleteActive = errors.New("cannot delete job while processing")
	ErrConsistency        = errors.New("conflicting fiscal result")
	ErrShiftNotOpen       = errors.New("fiscal shift is not open")
	ErrShiftExpired       = errors.New("fiscal shift has expired")
	ErrShiftAlreadyOpen   = errors.New("fiscal shift already open")
)

type Repository interface {
	CreateBridgeToken(ctx context.Context, token domain.BridgeToken) (*domain.BridgeToken, error)
	GetBridgeTokenByHash(ctx context.Context, secretHash string) (*domain.BridgeToken, error)
	GetBridgeTokenByID(ctx context.Context, tokenID string) (*domain.BridgeToken, error)
	ListBridgeTokens(ctx context.Context) ([]domain.BridgeToken, error)
	RevokeBridgeToken(ctx context.Context, tokenID string, at time.Time) (*domain.BridgeToken, error)
	TouchBridgeToken(ctx context.Context, tokenID string, seenAt time.Time, agentVersion string, agentPlatform string) error

	CreateFiscalJob(ctx context.Context, job domain.FiscalJob) (*domain.FiscalJob, error)
	GetFiscalJob(ctx context.Context, jobID string) (*domain.FiscalJob, error)
	GetFiscalJobBySale(ctx context.Context, saleID string) (*domain.FiscalJob, error)
	ListFiscalJobs(ctx context.Context, status string, limit int) ([]domain.FiscalJob, error)
	ClaimNextFiscalJob(ctx context.Context, tokenID string, at time.Time) (*domain.FiscalJob, error)
	CompleteFiscalJob(ctx context.Context, jobID string, fiscalNumber string, at time.Time) (*domain.FiscalJob, error)
	FailFiscalJob(ctx context.Context, jobID string, message string, retriableHint bool, maxAttempts int, at time.Time) (*domain.FiscalJob, error)
	RetryFiscalJob(ctx context.Context, jobID string, at time.Time) (*domain.FiscalJob, error)
	DeleteFiscalJob(ctx context.Context, jobID string) error
	SweepProcessingFiscalJobs(ctx context.Context, stuckBefore time.Time, maxAttempts int) ([]domain.FiscalJob, error)

	GetShiftState(ctx context.Context, configID string) (*domain.ShiftState, error)
	OpenShift(ctx context.Context, configID string, provider string, openedBy string, at time.Time) (*domain.ShiftState, error)
	CloseShift(ctx context.Context, configID string, zReportJob domain.FiscalJob, at time.Time) (*domain.ShiftState, *domain.FiscalJob, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
