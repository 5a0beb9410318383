package api

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cirisai/ciris-engine/pkg/config"
)

func signedShutdown(t *testing.T, priv ed25519.PrivateKey, nonce string, issuedAt time.Time) EmergencyShutdownRequest {
	t.Helper()
	req := EmergencyShutdownRequest{
		OccurrenceID: testOccurrence,
		Nonce:        nonce,
		IssuedAt:     issuedAt.UTC().Format(time.RFC3339),
		Reason:       "compromised deployment",
	}
	payload, err := json.Marshal(emergencySigningPayload{
		OccurrenceID: req.OccurrenceID,
		Nonce:        req.Nonce,
		IssuedAt:     req.IssuedAt,
		Reason:       req.Reason,
	})
	require.NoError(t, err)
	req.Signature = hex.EncodeToString(ed25519.Sign(priv, payload))
	return req
}

func TestEmergencyShutdown(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	f := newAPIFixture(t, func(cfg *config.APIConfig) {
		cfg.EmergencyPublicKey = hex.EncodeToString(pub)
	})

	t.Run("valid signature shuts down without credentials", func(t *testing.T) {
		req := signedShutdown(t, priv, "nonce-1", time.Now())
		rec := f.do(t, http.MethodPost, "/api/v1/emergency/shutdown", "", req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "emergency: compromised deployment", f.control.shutdownReason())
	})

	t.Run("nonce is single use", func(t *testing.T) {
		req := signedShutdown(t, priv, "nonce-2", time.Now())
		rec := f.do(t, http.MethodPost, "/api/v1/emergency/shutdown", "", req)
		require.Equal(t, http.StatusOK, rec.Code)
		rec = f.do(t, http.MethodPost, "/api/v1/emergency/shutdown", "", req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("stale command refused", func(t *testing.T) {
		req := signedShutdown(t, priv, "nonce-3", time.Now().Add(-10*time.Minute))
		rec := f.do(t, http.MethodPost, "/api/v1/emergency/shutdown", "", req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("wrong key refused", func(t *testing.T) {
		_, wrongPriv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		req := signedShutdown(t, wrongPriv, "nonce-4", time.Now())
		rec := f.do(t, http.MethodPost, "/api/v1/emergency/shutdown", "", req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("tampered reason refused", func(t *testing.T) {
		req := signedShutdown(t, priv, "nonce-5", time.Now())
		req.Reason = "innocuous restart"
		rec := f.do(t, http.MethodPost, "/api/v1/emergency/shutdown", "", req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestEmergencyShutdown_NotConfigured(t *testing.T) {
	f := newAPIFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/api/v1/emergency/shutdown", "",
		EmergencyShutdownRequest{OccurrenceID: testOccurrence, Nonce: "n", IssuedAt: "now", Reason: "r"})
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}
