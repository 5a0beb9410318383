package api

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	echo "github.com/labstack/echo/v5"
)

// emergencyFreshness is how old a signed shutdown command may be. Stale
// commands are refused even with a valid signature.
const emergencyFreshness = 5 * time.Minute

// emergencySigningPayload is the canonical byte form the signature covers:
// JSON with exactly these fields in this order and no extra whitespace.
type emergencySigningPayload struct {
	OccurrenceID string `json:"occurrence_id"`
	Nonce        string `json:"nonce"`
	IssuedAt     string `json:"issued_at"`
	Reason       string `json:"reason"`
}

// emergencyShutdownHandler handles POST /api/v1/emergency/shutdown. The
// route skips normal authentication on purpose: the kill switch must work
// when the auth store is the thing that is broken. Authority comes from a
// detached Ed25519 signature under the root key distributed out of band.
func (s *Server) emergencyShutdownHandler(c *echo.Context) error {
	if s.cfg.EmergencyPublicKey == "" {
		return echo.NewHTTPError(http.StatusNotImplemented, "no emergency key configured")
	}
	pub, err := hex.DecodeString(s.cfg.EmergencyPublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		s.logger.Error("Emergency public key is malformed")
		return echo.NewHTTPError(http.StatusInternalServerError, "emergency key misconfigured")
	}

	var req EmergencyShutdownRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.OccurrenceID == "" || req.Nonce == "" || req.IssuedAt == "" || req.Reason == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "occurrence_id, nonce, issued_at, reason, and signature are required")
	}

	issuedAt, err := time.Parse(time.RFC3339, req.IssuedAt)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "issued_at must be RFC3339")
	}
	now := time.Now().UTC()
	if issuedAt.Before(now.Add(-emergencyFreshness)) || issuedAt.After(now.Add(time.Minute)) {
		return echo.NewHTTPError(http.StatusForbidden, "command is stale")
	}

	payload, err := json.Marshal(emergencySigningPayload{
		OccurrenceID: req.OccurrenceID,
		Nonce:        req.Nonce,
		IssuedAt:     req.IssuedAt,
		Reason:       req.Reason,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
	sig, err := hex.DecodeString(req.Signature)
	if err != nil || !ed25519.Verify(ed25519.PublicKey(pub), payload, sig) {
		s.logger.Warn("Emergency shutdown with invalid signature", "nonce", req.Nonce)
		return echo.NewHTTPError(http.StatusForbidden, "invalid signature")
	}

	// Valid signatures are single-use within the freshness window.
	if !s.emergencyOnce.claim(req.Nonce, now) {
		return echo.NewHTTPError(http.StatusForbidden, "nonce already used")
	}

	s.logger.Warn("Emergency shutdown accepted", "reason", req.Reason, "nonce", req.Nonce)
	if err := s.buses.Control.Shutdown(c.Request().Context(), "emergency: "+req.Reason); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, ControlResponse{Status: "shutting_down"})
}

// nonceCache remembers recently used emergency nonces. Entries older than
// twice the freshness window are dropped on insert; anything older cannot
// pass the staleness check anyway.
type nonceCache struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func newNonceCache() *nonceCache {
	return &nonceCache{seen: map[string]time.Time{}}
}

// claim records a nonce, returning false if it was already used.
func (n *nonceCache) claim(nonce string, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, used := n.seen[nonce]; used {
		return false
	}
	cutoff := now.Add(-2 * emergencyFreshness)
	for k, t := range n.seen {
		if t.Before(cutoff) {
			delete(n.seen, k)
		}
	}
	n.seen[nonce] = now
	return true
}
