package will

import (
	"database/sql"
	"time"
)

// Emergency delay bounds and fee limits.
const (
	MinEmergencyDelay = 30 * 24 * time.Hour
	MaxEmergencyDelay = 365 * 24 * time.Hour

	MaxFeeBps      = 500
	BpsDenominator = 10000
)

// Record is the registry's authoritative entry for one will.
type Record struct {
	ID              uint64        `json:"id"`
	DocumentPointer string        `json:"document_pointer"`
	Owner           Address       `json:"owner"`
	Executor        Address       `json:"executor"`
	CreatedAt       time.Time     `json:"created_at"`
	LastUpdateAt    time.Time     `json:"last_update_at"`
	EmergencyDelay  time.Duration `json:"emergency_delay"`
	Executed        bool          `json:"executed"`

	// AuthorizedViewers is populated by Registry.Read only.
	AuthorizedViewers []Address `json:"authorized_viewers,omitempty"`
}

// EmergencyAt is the first instant at which emergency execution is allowed.
func (r *Record) EmergencyAt() time.Time {
	return r.LastUpdateAt.Add(r.EmergencyDelay)
}

// ExecutionStatus is the engine's per-will bookkeeping, created on the
// first execution attempt.
type ExecutionStatus struct {
	WillID             uint64     `json:"will_id"`
	Initiated          bool       `json:"initiated"`
	Executed           bool       `json:"executed"`
	Executor           Address    `json:"executor"`
	ExecutionTimestamp *time.Time `json:"execution_timestamp,omitempty"`
	FailureReason      string     `json:"failure_reason,omitempty"`
}

// Attempt outcomes.
const (
	AttemptPending   = "pending"
	AttemptSucceeded = "succeeded"
	AttemptFailed    = "failed"
)

// Attempt is one row of execution history for a will.
type Attempt struct {
	ID              string       `json:"id"`
	WillID          uint64       `json:"will_id"`
	Caller          Address      `json:"caller"`
	Emergency       bool         `json:"emergency"`
	InstructionHash string       `json:"instruction_hash,omitempty"`
	StartedAt       time.Time    `json:"started_at"`
	FinishedAt      sql.NullTime `json:"-"`
	Outcome         string       `json:"outcome"`
	FailureReason   string       `json:"failure_reason,omitempty"`
}

// Settings holds the engine's administrative state.
type Settings struct {
	Owner        Address `json:"owner"`
	FeeBps       uint16  `json:"fee_bps"`
	FeeRecipient Address `json:"fee_recipient"`
}

// Operation records one mutating CLI invocation.
type Operation struct {
	ID         int64
	StartedAt  time.Time
	FinishedAt sql.NullTime
	Operation  string
	Parameters string
	Status     string
}
