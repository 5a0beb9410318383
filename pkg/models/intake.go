package models

import "time"

// InboundEvent is the adapter intake contract: every adapter delivers
// inbound traffic in this shape.
type InboundEvent struct {
	AdapterID  string    `json:"adapter_id"`
	ChannelID  string    `json:"channel_id"`
	ExternalID string    `json:"external_id,omitempty"`
	SubjectID  string    `json:"subject_id"`
	Payload    string    `json:"payload"`
	IsDirect   bool      `json:"is_direct,omitempty"`
	ArrivedAt  time.Time `json:"arrived_at"`
	// Role of the authenticated caller, when known. Bypass roles skip the
	// credit debit.
	Role Role `json:"role,omitempty"`
}

// RejectionReason classifies why the gate refused an inbound event.
type RejectionReason string

const (
	RejectionCreditDenied   RejectionReason = "credit_denied"
	RejectionConsentBlocked RejectionReason = "consent_blocked"
	RejectionProhibited     RejectionReason = "prohibited"
	RejectionShutdown       RejectionReason = "shutdown"
)

// AcceptResult is the gate's answer to an inbound event: either an
// accepted task id or a typed rejection.
type AcceptResult struct {
	Accepted  bool            `json:"accepted"`
	TaskID    string          `json:"task_id,omitempty"`
	Rejection RejectionReason `json:"rejection,omitempty"`
	Detail    string          `json:"detail,omitempty"`
}

// DSARType enumerates data-subject access request types.
type DSARType string

const (
	DSARAccess  DSARType = "access"
	DSARDelete  DSARType = "delete"
	DSARExport  DSARType = "export"
	DSARCorrect DSARType = "correct"
)

// IsValid returns true if the DSAR type is known
func (t DSARType) IsValid() bool {
	switch t {
	case DSARAccess, DSARDelete, DSARExport, DSARCorrect:
		return true
	}
	return false
}

// DSARStatus is the lifecycle state of a DSAR request.
type DSARStatus string

const (
	DSARPending    DSARStatus = "pending"
	DSARProcessing DSARStatus = "processing"
	DSARCompleted  DSARStatus = "completed"
	DSARFailed     DSARStatus = "failed"
)

// DSARRequest is one data-subject request orchestrated across the consent
// store, graph memory, correlations, and audit log.
type DSARRequest struct {
	ID          string     `json:"id"`
	SubjectID   string     `json:"subject_id"`
	Type        DSARType   `json:"type"`
	Status      DSARStatus `json:"status"`
	Detail      string     `json:"detail,omitempty"`
	Result      string     `json:"result,omitempty"` // JSON bundle for access/export
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// User is a locally-authenticated API user.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}
