package domain

import "time"

type BridgeToken struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	SecretHash    string     `json:"-"`
	SecretPreview string     `json:"secret_preview"`
	Status        string     `json:"status"`
	AgentVersion  string     `json:"agent_version,omitempty"`
	AgentPlatform string     `json:"agent_platform,omitempty"`
	LastSeenAt    *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
}

// BridgeTokenView is the admin-facing projection of a token, with the
// liveness state derived from last_seen_at at read time.
type BridgeTokenView struct {
	BridgeToken
	Connectivity string `json:"connectivity"`
}

type TokenIssueRequest struct {
	Name string `json:"name"`
}

// TokenIssueResponse carries the plaintext secret exactly once. It is never
// persisted and cannot be retrieved again.
type TokenIssueResponse struct {
	TokenID       string `json:"token_id"`
	Name          string `json:"name"`
	Secret        string `json:"secret"`
	SecretPreview string `json:"secret_preview"`
	CreatedAt     string `json:"created_at"`
}

type TokenListResponse struct {
	Tokens []BridgeTokenView `json:"tokens"`
}

type SaleLine struct {
	Name           string  `json:"name"`
	Qty            int     `json:"qty"`
	UnitPriceCents int64   `json:"unit_price_cents"`
	TaxRatePercent float64 `json:"tax_rate_percent"`
}

// SaleSnapshot is the immutable copy of the sale data a receipt job carries
// to the bridge agent. The sale record itself lives in the POS module; the
// snapshot is everything the fiscal printer needs.
type SaleSnapshot struct {
	SaleID     string     `json:"sale_id"`
	TotalCents int64      `json:"total_cents"`
	TaxCents   int64      `json:"tax_cents"`
	Items      []SaleLine `json:"items"`
}

type FiscalJob struct {
	ID           string        `json:"id"`
	SaleID       string        `json:"sale_id,omitempty"`
	Kind         string        `json:"kind"`
	ConfigID     string        `json:"config_id"`
	Provider     string        `json:"provider"`
	Status       string        `json:"status"`
	FiscalNumber string        `json:"fiscal_number,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	RetryCount   int           `json:"retry_count"`
	IsRetriable  bool          `json:"is_retriable"`
	NextRetryAt  *time.Time    `json:"next_retry_at,omitempty"`
	ClaimedBy    string        `json:"claimed_by,omitempty"`
	Sale         *SaleSnapshot `json:"sale,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	PickedUpAt   *time.Time    `json:"picked_up_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}

type EnqueueRequest struct {
	ConfigID string       `json:"config_id"`
	Provider string       `json:"provider"`
	Sale     SaleSnapshot `json:"sale"`
}

type EnqueueResponse struct {
	Job FiscalJob `json:"job"`
}

type JobListResponse struct {
	Jobs []FiscalJob `json:"jobs"`
}

type JobStatusResponse struct {
	SaleID       string `json:"sale_id"`
	JobID        string `json:"job_id"`
	Status       string `json:"status"`
	FiscalNumber string `json:"fiscal_number,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	IsRetriable  bool   `json:"is_retriable"`
	RetryCount   int    `json:"retry_count"`
}

// BridgeJob is the agent-facing projection of a claimed job. Agents never
// see claim bookkeeping, only what they need to drive the printer.
type BridgeJob struct {
	JobID    string        `json:"job_id"`
	Kind     string        `json:"kind"`
	ConfigID string        `json:"config_id"`
	Provider string        `json:"provider"`
	Sale     *SaleSnapshot `json:"sale,omitempty"`
}

type PollResponse struct {
	Job *BridgeJob `json:"job,omitempty"`
}

// JobOutcome is the closed result variant an agent submits for a claimed
// job: success carries the device-issued fiscal number, failure carries a
// message plus the agent's judgement on whether the cause is transient.
type JobOutcome struct {
	Result       string `json:"result"`
	FiscalNumber string `json:"fiscal_number,omitempty"`
	Message      string `json:"message,omitempty"`
	Retriable    bool   `json:"retriable,omitempty"`
}

type SubmitResultRequest struct {
	JobID   string     `json:"job_id"`
	Outcome JobOutcome `json:"outcome"`
}

type SubmitResultResponse struct {
	Job FiscalJob `json:"job"`
}

type HeartbeatRequest struct {
	AgentVersion  string `json:"agent_version"`
	AgentPlatform string `json:"agent_platform"`
}

type HeartbeatResponse struct {
	TokenID    string `json:"token_id"`
	ReceivedAt string `json:"received_at"`
}

type BulkDeleteRequest struct {
	JobIDs []string `json:"job_ids"`
}

type BulkDeleteResponse struct {
	Deleted []string `json:"deleted"`
	Skipped []string `json:"skipped"`
}

type SweepResponse struct {
	TimedOut []FiscalJob `json:"timed_out"`
}

type ShiftState struct {
	ConfigID      string     `json:"config_id"`
	Provider      string     `json:"provider"`
	ShiftOpen     bool       `json:"shift_open"`
	ShiftOpenedAt *time.Time `json:"shift_opened_at,omitempty"`
	OpenedBy      string     `json:"opened_by,omitempty"`
	LastZReportAt *time.Time `json:"last_z_report_at,omitempty"`
}

type ShiftOpenRequest struct {
	ConfigID string `json:"config_id"`
	Provider string `json:"provider"`
}

type ShiftCloseRequest struct {
	ConfigID string `json:"config_id"`
}

type XReportRequest struct {
	ConfigID string `json:"config_id"`
}

type ShiftStatusResponse struct {
	Shift      ShiftState `json:"shift"`
	Expired    bool       `json:"expired"`
	NearExpiry bool       `json:"near_expiry"`
	ExpiresAt  string     `json:"expires_at,omitempty"`
}

type ShiftCloseResponse struct {
	Shift      ShiftState `json:"shift"`
	ZReportJob FiscalJob  `json:"z_report_job"`
}

type ReportJobResponse struct {
	Job FiscalJob `json:"job"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type OperatorCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type OperatorUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	TokenStatusActive  = "active"
	TokenStatusRevoked = "revoked"
)

const (
	ConnectivityOnline  = "online"
	ConnectivityPending = "pending"
	ConnectivityOffline = "offline"
)

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

const (
	JobKindReceipt = "receipt"
	JobKindXReport = "x_report"
	JobKindZReport = "z_report"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// IsTerminal reports whether a job in the given status accepts no further
// transitions via the agent protocol. A failed job may still be re-queued
// through the explicit retry operation.
func IsTerminal(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed
}
