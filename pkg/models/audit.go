package models

import (
	"encoding/json"
	"time"
)

// AuditKind classifies audit entries.
type AuditKind string

const (
	AuditAction        AuditKind = "action"
	AuditGateRejection AuditKind = "gate_rejection"
	AuditConsent       AuditKind = "consent"
	AuditControl       AuditKind = "control"
	AuditSystem        AuditKind = "system"
)

// IsValid returns true if the kind is known
func (k AuditKind) IsValid() bool {
	switch k {
	case AuditAction, AuditGateRejection, AuditConsent, AuditControl, AuditSystem:
		return true
	}
	return false
}

// AuditEntry is one append-only, hash-chained, signed audit record.
// entry_hash = SHA-256(prev_hash ‖ payload); the signature is Ed25519 over
// the entry hash. Entries are never mutated.
type AuditEntry struct {
	Seq          int64           `json:"seq"`
	OccurrenceID string          `json:"occurrence_id"`
	Kind         AuditKind       `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	PrevHash     string          `json:"prev_hash"`
	EntryHash    string          `json:"entry_hash"`
	Signature    string          `json:"signature"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ActionAuditPayload is the payload for kind=action entries.
type ActionAuditPayload struct {
	TaskID    string     `json:"task_id"`
	ThoughtID string     `json:"thought_id"`
	Round     int        `json:"round"`
	Action    ActionType `json:"action"`
	Status    string     `json:"status"`
	Reason    string     `json:"reason,omitempty"`
}

// GateAuditPayload is the payload for kind=gate_rejection entries.
type GateAuditPayload struct {
	AdapterID string `json:"adapter_id"`
	ChannelID string `json:"channel_id"`
	SubjectID string `json:"subject_id"`
	Rejection string `json:"rejection"`
	Detail    string `json:"detail,omitempty"`
}

// ConsentAuditPayload is the payload for kind=consent entries.
type ConsentAuditPayload struct {
	SubjectID  string `json:"subject_id"`
	FromStream string `json:"from_stream,omitempty"`
	ToStream   string `json:"to_stream"`
	TaskID     string `json:"task_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// ControlAuditPayload is the payload for kind=control entries (pause,
// resume, single-step, shutdown, emergency shutdown).
type ControlAuditPayload struct {
	Operation string `json:"operation"`
	Actor     string `json:"actor,omitempty"`
	Detail    string `json:"detail,omitempty"`
}
