// Package audit maintains the append-only, hash-chained, Ed25519-signed
// audit ledger. Every consequential action the runtime takes lands here;
// entries are never mutated, and the chain verifies top to bottom.
package audit

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

// Signer holds the Ed25519 keypair used to sign audit entry hashes.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSigner wraps an existing private key.
func NewSigner(priv ed25519.PrivateKey) *Signer {
	if len(priv) != ed25519.PrivateKeySize {
		panic("NewSigner: invalid ed25519 private key size")
	}
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}
}

// GenerateSigner creates a fresh keypair. Used by tests and first-run setup.
func GenerateSigner() (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return NewSigner(priv), nil
}

// LoadOrCreateSigner reads the Ed25519 seed from path, generating and
// persisting one (mode 0600) when the file does not exist yet. The seed file
// is the long-lived identity of this deployment's audit chain.
func LoadOrCreateSigner(path string) (*Signer, error) {
	seed, err := os.ReadFile(path)
	if err == nil {
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("signing key %s has %d bytes, want %d", path, len(seed), ed25519.SeedSize)
		}
		return NewSigner(ed25519.NewKeyFromSeed(seed)), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}

	signer, err := GenerateSigner()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, signer.priv.Seed(), 0o600); err != nil {
		return nil, fmt.Errorf("failed to persist signing key: %w", err)
	}
	return signer, nil
}

// Sign returns the hex-encoded Ed25519 signature over the digest.
func (s *Signer) Sign(digest []byte) string {
	return hex.EncodeToString(ed25519.Sign(s.priv, digest))
}

// Verify checks a hex-encoded signature over the digest.
func (s *Signer) Verify(digest []byte, signatureHex string) bool {
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	return ed25519.Verify(s.pub, digest, sig)
}

// PublicKey exposes the verifying key, e.g. for external auditors.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.pub
}
