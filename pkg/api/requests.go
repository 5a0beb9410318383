package api

// CreateAdminRequest is the body for POST /api/v1/setup/admin.
type CreateAdminRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginRequest is the body for POST /api/v1/auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RefreshRequest is the body for POST /api/v1/auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// InteractRequest is the body for POST /api/v1/agent/interact.
type InteractRequest struct {
	Message string `json:"message"`
	// ChannelID defaults to api/{username} when empty.
	ChannelID string `json:"channel_id,omitempty"`
}

// MemoryStoreRequest is the body for POST /api/v1/memory/store.
type MemoryStoreRequest struct {
	Scope      string            `json:"scope"`
	Type       string            `json:"type"`
	ID         string            `json:"id"`
	Attributes map[string]string `json:"attributes"`
}

// MemoryQueryRequest is the body for POST /api/v1/memory/query.
type MemoryQueryRequest struct {
	Scope     string `json:"scope,omitempty"`
	Type      string `json:"type,omitempty"`
	AttrKey   string `json:"attr_key,omitempty"`
	AttrValue string `json:"attr_value,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// ConsentGrantRequest is the body for POST /api/v1/consent/grant.
type ConsentGrantRequest struct {
	SubjectID string `json:"subject_id"`
	Stream    string `json:"stream"`
	Reason    string `json:"reason,omitempty"`
	// Note travels into the partnership task when stream is partnered.
	Note string `json:"note,omitempty"`
}

// ConsentRevokeRequest is the body for POST /api/v1/consent/revoke.
type ConsentRevokeRequest struct {
	SubjectID string `json:"subject_id"`
	Reason    string `json:"reason,omitempty"`
}

// DSARCreateRequest is the body for POST /api/v1/dsar.
type DSARCreateRequest struct {
	SubjectID string `json:"subject_id"`
	Type      string `json:"type"`
	Detail    string `json:"detail,omitempty"`
}

// ShutdownRequest is the body for POST /api/v1/system/runtime/shutdown.
type ShutdownRequest struct {
	Reason string `json:"reason"`
}

// EmergencyShutdownRequest is the body for POST /api/v1/emergency/shutdown.
// The signature is a detached Ed25519 signature over the canonical JSON of
// the command fields, verified against the out-of-band root key.
type EmergencyShutdownRequest struct {
	OccurrenceID string `json:"occurrence_id"`
	Nonce        string `json:"nonce"`
	IssuedAt     string `json:"issued_at"`
	Reason       string `json:"reason"`
	Signature    string `json:"signature"`
}
