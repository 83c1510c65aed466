package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ringforge/ringforge/pkg/protocol"
	"github.com/ringforge/ringforge/pkg/storage"
	"github.com/ringforge/ringforge/pkg/types"
	"golang.org/x/crypto/bcrypt"
)

// Key format: rf_<type>_<48 hex chars>. Only the SHA-256 hash is stored.
const (
	keyRandomBytes = 24
	prefixLive     = "rf_live_"
	prefixTest     = "rf_test_"
	prefixAdmin    = "rf_admin_"
)

// ChallengeSize is the reconnect challenge length in bytes.
const ChallengeSize = 32

// Authenticator mints and verifies API keys against the metadata store.
type Authenticator struct {
	store storage.Store
}

// New creates an authenticator.
func New(store storage.Store) *Authenticator {
	return &Authenticator{store: store}
}

func typePrefix(t types.KeyType) string {
	switch t {
	case types.KeyTypeTest:
		return prefixTest
	case types.KeyTypeAdmin:
		return prefixAdmin
	default:
		return prefixLive
	}
}

// MintKey creates a key and returns the plaintext exactly once. FleetID
// is empty for admin keys.
func (a *Authenticator) MintKey(tenantID, fleetID string, keyType types.KeyType, expiresAt *time.Time) (string, *types.APIKey, error) {
	raw := make([]byte, keyRandomBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, err
	}
	plaintext := typePrefix(keyType) + hex.EncodeToString(raw)
	hash := sha256.Sum256([]byte(plaintext))

	key := &types.APIKey{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		FleetID:   fleetID,
		Type:      keyType,
		Hash:      hash[:],
		Prefix:    plaintext[:len(typePrefix(keyType))+4],
		CreatedAt: time.Now().UTC(),
		ExpiresAt: expiresAt,
	}
	if err := a.store.CreateKey(key); err != nil {
		return "", nil, err
	}
	return plaintext, key, nil
}

// VerifyKey resolves a plaintext key to its record, rejecting malformed,
// unknown, revoked, and expired keys.
func (a *Authenticator) VerifyKey(plaintext string) (*types.APIKey, error) {
	if !wellFormed(plaintext) {
		return nil, protocol.NewError(protocol.CodeInvalidAPIKey, "malformed api key")
	}
	hash := sha256.Sum256([]byte(plaintext))
	key, err := a.store.GetKeyByHash(hash[:])
	if err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidAPIKey, "unknown api key")
	}
	if subtle.ConstantTimeCompare(key.Hash, hash[:]) != 1 {
		return nil, protocol.NewError(protocol.CodeInvalidAPIKey, "unknown api key")
	}
	if key.RevokedAt != nil {
		return nil, protocol.NewError(protocol.CodeInvalidAPIKey, "revoked api key")
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		return nil, protocol.NewError(protocol.CodeExpiredAPIKey, "expired api key")
	}
	return key, nil
}

// RevokeKey marks the key revoked. Idempotent.
func (a *Authenticator) RevokeKey(tenantID, keyID string) (*types.APIKey, error) {
	key, err := a.store.GetKey(tenantID, keyID)
	if err != nil {
		return nil, err
	}
	if key.RevokedAt == nil {
		now := time.Now().UTC()
		key.RevokedAt = &now
		if err := a.store.UpdateKey(key); err != nil {
			return nil, err
		}
	}
	return key, nil
}

// RotateKey revokes the old key and mints a replacement with the same
// scope and type.
func (a *Authenticator) RotateKey(tenantID, keyID string) (string, *types.APIKey, error) {
	old, err := a.RevokeKey(tenantID, keyID)
	if err != nil {
		return "", nil, err
	}
	return a.MintKey(old.TenantID, old.FleetID, old.Type, old.ExpiresAt)
}

func wellFormed(plaintext string) bool {
	for _, p := range []string{prefixLive, prefixTest, prefixAdmin} {
		if rest, ok := strings.CutPrefix(plaintext, p); ok {
			if len(rest) != keyRandomBytes*2 {
				return false
			}
			_, err := hex.DecodeString(rest)
			return err == nil
		}
	}
	return false
}

// NewChallenge returns a random reconnect challenge.
func NewChallenge() ([]byte, error) {
	c := make([]byte, ChallengeSize)
	if _, err := rand.Read(c); err != nil {
		return nil, err
	}
	return c, nil
}

// VerifySignature checks a hex ed25519 signature over the challenge.
func VerifySignature(publicKey, challenge []byte, signatureHex string) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), challenge, sig)
}

// HashPassword hashes an operator password for storage.
func HashPassword(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}

// CheckPassword verifies an operator password against its hash.
func CheckPassword(hash []byte, password string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}
