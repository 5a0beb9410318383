package api

import (
	"time"

	"github.com/cirisai/ciris-engine/pkg/database"
	"github.com/cirisai/ciris-engine/pkg/models"
	"github.com/cirisai/ciris-engine/pkg/registry"
	"github.com/cirisai/ciris-engine/pkg/services"
	"github.com/cirisai/ciris-engine/pkg/version"
)

// SetupStatusResponse is returned by GET /api/v1/setup/status.
type SetupStatusResponse struct {
	SetupComplete bool `json:"setup_complete"`
}

// UserResponse is the public shape of a user record.
type UserResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// TokenResponse is returned by the auth endpoints.
type TokenResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Role         string    `json:"role"`
}

// InteractResponse is returned by POST /api/v1/agent/interact.
type InteractResponse struct {
	TaskID    string `json:"task_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	// Response carries the agent's first SPEAK when it arrived within the
	// interact window; otherwise the client follows the task over /ws.
	Response  string                 `json:"response,omitempty"`
	Accepted  bool                   `json:"accepted"`
	Rejection models.RejectionReason `json:"rejection,omitempty"`
	Detail    string                 `json:"detail,omitempty"`
}

// TaskStatusResponse is returned by GET /api/v1/agent/status/:task_id.
type TaskStatusResponse struct {
	Task     *models.Task      `json:"task"`
	Thoughts []*models.Thought `json:"thoughts,omitempty"`
}

// IdentityResponse is returned by GET /api/v1/agent/identity.
type IdentityResponse struct {
	models.IdentitySnapshot
	CognitiveState string `json:"cognitive_state"`
}

// HealthResponse is returned by GET /health. Version is the compact
// "app/commit" form; Build carries the full stamp for dashboards.
type HealthResponse struct {
	Status   string                    `json:"status"`
	Version  string                    `json:"version"`
	Build    version.Info              `json:"build"`
	Database *database.HealthStatus    `json:"database,omitempty"`
	Warnings []*services.SystemWarning `json:"warnings,omitempty"`
}

// SystemHealthResponse is returned by GET /api/v1/system/health.
type SystemHealthResponse struct {
	Status         string                 `json:"status"`
	CognitiveState string                 `json:"cognitive_state"`
	Paused         bool                   `json:"paused"`
	IntakeOpen     bool                   `json:"intake_open"`
	Database       *database.HealthStatus `json:"database,omitempty"`
}

// ServicesHealthResponse is returned by GET /api/v1/system/services/health.
type ServicesHealthResponse struct {
	Providers []registry.ProviderHealth `json:"providers"`
	Warnings  []*services.SystemWarning `json:"warnings,omitempty"`
}

// PartnershipStatusResponse is returned by GET /api/v1/consent/partnership/:task_id.
type PartnershipStatusResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// ControlResponse acknowledges a runtime control operation.
type ControlResponse struct {
	Status string `json:"status"`
}
