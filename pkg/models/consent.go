package models

import "time"

// ConsentStream is the consent relationship a subject holds with the agent.
type ConsentStream string

const (
	// StreamTemporary is the default for unknown subjects: 14-day TTL,
	// ESSENTIAL data category only.
	StreamTemporary ConsentStream = "temporary"
	// StreamPartnered requires bilateral agreement via a partnership task.
	StreamPartnered ConsentStream = "partnered"
	// StreamAnonymous severs subject→data linkage immediately.
	StreamAnonymous ConsentStream = "anonymous"
)

// IsValid returns true if the stream is known
func (s ConsentStream) IsValid() bool {
	switch s {
	case StreamTemporary, StreamPartnered, StreamAnonymous:
		return true
	}
	return false
}

// TemporaryConsentTTL is the lifetime of a temporary consent record.
const TemporaryConsentTTL = 14 * 24 * time.Hour

// RevocationDecayPeriod is the window over which revoked data decays to
// anonymous statistical patterns.
const RevocationDecayPeriod = 90 * 24 * time.Hour

// DataCategory classifies what a consent stream permits.
type DataCategory string

const (
	CategoryEssential   DataCategory = "essential"
	CategoryBehavioral  DataCategory = "behavioral"
	CategoryPreference  DataCategory = "preference"
	CategoryStatistical DataCategory = "statistical"
)

// IsValid returns true if the category is known
func (c DataCategory) IsValid() bool {
	switch c {
	case CategoryEssential, CategoryBehavioral, CategoryPreference, CategoryStatistical:
		return true
	}
	return false
}

// ConsentRecord tracks one subject's consent state. The subject owns the
// lifecycle; the system enforces it.
type ConsentRecord struct {
	SubjectID  string         `json:"subject_id"`
	Stream     ConsentStream  `json:"stream"`
	Categories []DataCategory `json:"categories"`
	GrantedAt  time.Time      `json:"granted_at"`
	// ExpiresAt is granted_at + 14d for temporary records, nil otherwise.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	// DecayCompletesAt is revoked_at + 90d once revocation starts.
	DecayCompletesAt *time.Time `json:"decay_completes_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Expired reports whether a temporary record has outlived its TTL at now.
func (r *ConsentRecord) Expired(now time.Time) bool {
	return r.Stream == StreamTemporary && r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}

// Permits reports whether the record allows reads of the given category at
// now. Expired temporary records and revoked records permit nothing beyond
// ESSENTIAL/statistical respectively.
func (r *ConsentRecord) Permits(category DataCategory, now time.Time) bool {
	if r.RevokedAt != nil {
		return category == CategoryStatistical
	}
	if r.Expired(now) {
		return false
	}
	if r.Stream == StreamTemporary {
		return category == CategoryEssential
	}
	for _, c := range r.Categories {
		if c == category {
			return true
		}
	}
	return false
}

// ConsentAuditEntry records a consent state transition for the subject's
// own audit trail (distinct from the signed system audit log).
type ConsentAuditEntry struct {
	ID         string        `json:"id"`
	SubjectID  string        `json:"subject_id"`
	FromStream ConsentStream `json:"from_stream,omitempty"`
	ToStream   ConsentStream `json:"to_stream"`
	Reason     string        `json:"reason,omitempty"`
	TaskID     string        `json:"task_id,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// PartnershipStatus is the resolution state of a partnership request.
type PartnershipStatus string

const (
	PartnershipPending  PartnershipStatus = "pending"
	PartnershipAccepted PartnershipStatus = "accepted"
	PartnershipRefused  PartnershipStatus = "refused"
	PartnershipDeferred PartnershipStatus = "deferred"
)

// Role is an authenticated caller's role. Roles in the bypass set skip
// credit debits.
type Role string

const (
	RoleObserver       Role = "observer"
	RoleUser           Role = "user"
	RoleAdmin          Role = "admin"
	RoleAuthority      Role = "authority"
	RoleSystemAdmin    Role = "system_admin"
	RoleServiceAccount Role = "service_account"
)

// BypassesCredit reports whether the role skips the per-interaction debit.
func (r Role) BypassesCredit() bool {
	switch r {
	case RoleAdmin, RoleAuthority, RoleSystemAdmin, RoleServiceAccount:
		return true
	}
	return false
}

// CreditAccount holds a subject's spendable balance.
type CreditAccount struct {
	SubjectID string    `json:"subject_id"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreditEntry is one row of the append-only credit ledger.
type CreditEntry struct {
	ID        string    `json:"id"`
	SubjectID string    `json:"subject_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Delta     int64     `json:"delta"` // negative for debits
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}
