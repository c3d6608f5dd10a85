// Package crypto implements the gateway's cryptographic subsystem:
// AES-256-GCM encryption of upstream credentials under versioned master
// keys, SHA-256 hashing of client credentials, and random credential
// generation.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	credentialPrefix = "aic_"
	credentialBytes  = 32
	gcmIVLength      = 12
	gcmTagLength     = 16
)

// DecryptError distinguishes why decryption failed so the caller can tell
// operator misconfiguration (key not loaded) from a tampered record.
type DecryptError struct {
	Kind string // "key_not_loaded" | "tamper"
	Err  error
}

func (e *DecryptError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *DecryptError) Unwrap() error { return e.Err }

// EncryptedRecord holds the four components produced by Encrypt and
// required by Decrypt.
type EncryptedRecord struct {
	IV         []byte
	Ciphertext []byte
	Tag        []byte
	AAD        string
	KeyVersion int
}

// Service holds the master key registry and the current key version used
// for new encryptions. Master keys are never removed once loaded.
type Service struct {
	mu          sync.RWMutex
	masterKeys  map[int][]byte
	currentVer  int
}

// NewService constructs a Service with no master keys loaded. Call
// LoadMasterKey to populate the registry before Encrypt/Decrypt are used.
func NewService(currentVersion int) *Service {
	return &Service{
		masterKeys: make(map[int][]byte),
		currentVer: currentVersion,
	}
}

// LoadMasterKey reads a 32-byte AES-256 key from path (trying the exact
// path first, then "<path>.v<version>"), accepting either raw bytes or a
// base64-encoded string, and registers it under version.
func (s *Service) LoadMasterKey(path string, version int) error {
	data, err := os.ReadFile(path)
	if err != nil {
		versioned := path + ".v" + strconv.Itoa(version)
		data, err = os.ReadFile(versioned)
		if err != nil {
			return fmt.Errorf("master key file not found: %s (or %s)", path, versioned)
		}
	}

	key := data
	if len(key) != 32 {
		trimmed := strings.TrimSpace(string(data))
		if decoded, decErr := base64.StdEncoding.DecodeString(trimmed); decErr == nil {
			key = decoded
		}
	}
	if len(key) != 32 {
		return fmt.Errorf("master key must be 32 bytes, got %d", len(key))
	}

	s.mu.Lock()
	s.masterKeys[version] = key
	s.mu.Unlock()

	log.Info().Str("component", "crypto").Int("key_version", version).Msg("loaded master key")
	return nil
}

// IsEnabled reports whether at least one master key is loaded.
func (s *Service) IsEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.masterKeys) > 0
}

// CurrentKeyVersion returns the version used for new encryptions.
func (s *Service) CurrentKeyVersion() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentVer
}

func (s *Service) keyFor(version int) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.masterKeys[version]
	return k, ok
}

// Encrypt encrypts plaintext with AES-256-GCM under the current master
// key, using a fresh random 12-byte IV and optional additional
// authenticated data.
func (s *Service) Encrypt(plaintext string, aad string) (EncryptedRecord, error) {
	version := s.CurrentKeyVersion()
	key, ok := s.keyFor(version)
	if !ok {
		return EncryptedRecord{}, &DecryptError{Kind: "key_not_loaded", Err: fmt.Errorf("master key v%d not loaded", version)}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return EncryptedRecord{}, err
	}
	gcm, err := cipher.NewGCMWithTagSize(block, gcmTagLength)
	if err != nil {
		return EncryptedRecord{}, err
	}

	iv := make([]byte, gcmIVLength)
	if _, err := rand.Read(iv); err != nil {
		return EncryptedRecord{}, err
	}

	var aadBytes []byte
	if aad != "" {
		aadBytes = []byte(aad)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), aadBytes)
	ciphertext := sealed[:len(sealed)-gcmTagLength]
	tag := sealed[len(sealed)-gcmTagLength:]

	return EncryptedRecord{
		IV:         iv,
		Ciphertext: ciphertext,
		Tag:        tag,
		AAD:        aad,
		KeyVersion: version,
	}, nil
}

// Decrypt reverses Encrypt using the key version recorded on rec. Tag
// verification failure or AAD mismatch is reported as a tamper error,
// distinct from a missing master key.
func (s *Service) Decrypt(rec EncryptedRecord) (string, error) {
	key, ok := s.keyFor(rec.KeyVersion)
	if !ok {
		return "", &DecryptError{Kind: "key_not_loaded", Err: fmt.Errorf("master key v%d not loaded for decryption", rec.KeyVersion)}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCMWithTagSize(block, gcmTagLength)
	if err != nil {
		return "", err
	}

	var aadBytes []byte
	if rec.AAD != "" {
		aadBytes = []byte(rec.AAD)
	}

	sealed := append(append([]byte{}, rec.Ciphertext...), rec.Tag...)
	plaintext, err := gcm.Open(nil, rec.IV, sealed, aadBytes)
	if err != nil {
		return "", &DecryptError{Kind: "tamper", Err: err}
	}
	return string(plaintext), nil
}

// Hash returns the lowercase hex SHA-256 digest of input's UTF-8 bytes.
func Hash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// GeneratedCredential is the result of GenerateClientCredential: the
// plaintext (shown once), its display prefix, and its stored hash.
type GeneratedCredential struct {
	Plaintext string
	Prefix    string
	Hash      string
}

// GenerateClientCredential draws 32 random bytes from a CSPRNG,
// base64url-encodes them without padding, and prepends the "aic_" prefix.
func GenerateClientCredential() (GeneratedCredential, error) {
	raw := make([]byte, credentialBytes)
	if _, err := rand.Read(raw); err != nil {
		return GeneratedCredential{}, err
	}
	plaintext := credentialPrefix + base64.RawURLEncoding.EncodeToString(raw)
	prefix := plaintext
	if len(prefix) > 12 {
		prefix = prefix[:12]
	}
	return GeneratedCredential{
		Plaintext: plaintext,
		Prefix:    prefix,
		Hash:      Hash(plaintext),
	}, nil
}

// MaskHash returns a short, safe-to-log fragment of a hash or key, never
// the full value.
func MaskHash(s string) string {
	if len(s) < 12 {
		return "****"
	}
	return s[:8] + "..." + s[len(s)-4:]
}
