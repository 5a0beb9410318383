package services

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Warning category constants for categorizing system warnings.
const (
	WarningCategoryToolHealth     = "tool_health"     // tool server became unhealthy at runtime
	WarningCategoryProviderHealth = "provider_health" // provider circuit opened
	WarningCategoryRetention      = "retention"       // retention sweep failed
)

// SystemWarning represents a non-fatal system issue.
type SystemWarning struct {
	ID        string    `json:"id"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	SourceID  string    `json:"source_id,omitempty"` // server or provider the warning is about
	CreatedAt time.Time `json:"created_at"`
}

// SystemWarningsService manages in-memory system warnings.
// Thread-safe. Not persisted; warnings are transient and reset on restart.
type SystemWarningsService struct {
	mu       sync.RWMutex
	warnings map[string]*SystemWarning // warningID → warning
}

// NewSystemWarningsService creates a new SystemWarningsService.
func NewSystemWarningsService() *SystemWarningsService {
	return &SystemWarningsService{
		warnings: make(map[string]*SystemWarning),
	}
}

// AddWarning adds a warning and returns its ID.
// If a warning with the same category+sourceID already exists, it is replaced.
func (s *SystemWarningsService) AddWarning(category, message, details, sourceID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Replace existing warning with same category+sourceID to avoid duplicates
	for id, w := range s.warnings {
		if w.Category == category && w.SourceID == sourceID {
			delete(s.warnings, id)
			break
		}
	}

	id := uuid.New().String()
	s.warnings[id] = &SystemWarning{
		ID:        id,
		Category:  category,
		Message:   message,
		Details:   details,
		SourceID:  sourceID,
		CreatedAt: time.Now(),
	}
	return id
}

// GetWarnings returns all active warnings as value copies.
// Callers may safely read or compare the returned structs without holding locks.
func (s *SystemWarningsService) GetWarnings() []*SystemWarning {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*SystemWarning, 0, len(s.warnings))
	for _, w := range s.warnings {
		cp := *w
		result = append(result, &cp)
	}
	return result
}

// ClearBySourceID removes a warning matching category + sourceID.
// Used by health monitors to clear warnings when a source recovers.
// Returns true if a warning was removed.
func (s *SystemWarningsService) ClearBySourceID(category, sourceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, w := range s.warnings {
		if w.Category == category && w.SourceID == sourceID {
			delete(s.warnings, id)
			return true
		}
	}
	return false
}
