// Package security binds model containers to the host they were produced on.
//
// A model payload is encrypted with AES-256-GCM under a key derived from the
// host's hardware identity, and carries the hash of that identity and of the
// plaintext so a foreign or tampered container is rejected before use.
package security

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/pbkdf2"

	apperrors "trade-connector/internal/errors"
)

const (
	// EncryptionKeySize is the size of the AES-256 key in bytes.
	EncryptionKeySize = 32
	// NonceSize is the size of the GCM nonce.
	NonceSize = 12
	// PBKDF2Iterations is the number of iterations for key derivation.
	PBKDF2Iterations = 100000
	// ContainerExt is the file extension of saved containers.
	ContainerExt = ".nexmodel"
)

// keySalt is fixed so the same host always derives the same key.
var keySalt = []byte("NexusTrade_ML_Model_Salt_v1")

// Service encrypts, persists and verifies model containers for one host.
// The hardware id and derived key are computed once and cached.
type Service struct {
	dir    string
	fp     Fingerprinter
	audit  *AuditLogger
	logger zerolog.Logger

	hwidOnce sync.Once
	hwid     string

	keyOnce sync.Once
	key     []byte
}

// Option configures a Service.
type Option func(*Service)

// WithFingerprinter replaces the system hardware probe.
func WithFingerprinter(fp Fingerprinter) Option {
	return func(s *Service) { s.fp = fp }
}

// WithAuditLogger records container operations to al.
func WithAuditLogger(al *AuditLogger) Option {
	return func(s *Service) { s.audit = al }
}

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a Service storing containers under dir.
func NewService(dir string, opts ...Option) (*Service, error) {
	s := &Service{
		dir:    dir,
		fp:     SystemFingerprinter{},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating models directory: %w", err)
	}
	return s, nil
}

// Dir returns the container directory.
func (s *Service) Dir() string {
	return s.dir
}

// HardwareID returns the hex SHA-256 of the host fingerprint.
func (s *Service) HardwareID() string {
	s.hwidOnce.Do(func() {
		s.hwid = HardwareID(s.fp)
		s.logger.Debug().Str("hwid_prefix", s.hwid[:16]).Msg("hardware id computed")
	})
	return s.hwid
}

// hwidHash is the value stored in containers: a hash of the hardware id.
func (s *Service) hwidHash() string {
	return hashHex([]byte(s.HardwareID()))
}

func (s *Service) derivedKey() []byte {
	s.keyOnce.Do(func() {
		s.key = deriveKey(s.HardwareID())
	})
	return s.key
}

// Encrypt seals payload for this host.
func (s *Service) Encrypt(payload []byte, modelID string, metadata Metadata) (*SecuredModel, error) {
	if err := ValidateModelID(modelID); err != nil {
		return nil, err
	}
	if metadata == nil {
		metadata = Metadata{}
	}

	ciphertext, err := encrypt(payload, s.derivedKey())
	if err != nil {
		return nil, apperrors.NewModelError(modelID, "encrypt", err)
	}

	secured := &SecuredModel{
		ModelID:    modelID,
		Ciphertext: ciphertext,
		HWIDHash:   s.hwidHash(),
		ModelHash:  hashHex(payload),
		Metadata:   metadata,
	}

	s.logger.Info().Str("model_id", modelID).Int("bytes", len(payload)).Msg("model encrypted")
	s.audit.LogModel(context.Background(), AuditModelEncrypted, modelID, true, "")
	return secured, nil
}

// Decrypt opens a container sealed on this host. A container from another
// host fails with ErrHardwareMismatch before any key derivation; a modified
// ciphertext or plaintext fails with ErrIntegrityFailure.
func (s *Service) Decrypt(secured *SecuredModel) ([]byte, error) {
	if subtle.ConstantTimeCompare([]byte(secured.HWIDHash), []byte(s.hwidHash())) != 1 {
		s.reject(secured.ModelID, "hardware mismatch")
		return nil, apperrors.NewModelError(secured.ModelID, "decrypt", apperrors.ErrHardwareMismatch)
	}

	payload, err := decrypt(secured.Ciphertext, s.derivedKey())
	if err != nil {
		s.reject(secured.ModelID, err.Error())
		return nil, apperrors.NewModelError(secured.ModelID, "decrypt",
			fmt.Errorf("%w: %v", apperrors.ErrIntegrityFailure, err))
	}

	if subtle.ConstantTimeCompare([]byte(hashHex(payload)), []byte(secured.ModelHash)) != 1 {
		s.reject(secured.ModelID, "model hash mismatch")
		return nil, apperrors.NewModelError(secured.ModelID, "decrypt", apperrors.ErrIntegrityFailure)
	}

	s.logger.Info().Str("model_id", secured.ModelID).Msg("model decrypted")
	s.audit.LogModel(context.Background(), AuditModelDecrypted, secured.ModelID, true, "")
	return payload, nil
}

func (s *Service) reject(modelID, reason string) {
	s.logger.Error().Str("model_id", modelID).Str("reason", reason).Msg("model rejected")
	s.audit.LogModel(context.Background(), AuditModelRejected, modelID, false, reason)
}

// Verify reports whether the saved container modelID was sealed on this host.
// Only the hardware binding is checked.
func (s *Service) Verify(modelID string) (bool, error) {
	secured, err := s.Load(modelID)
	if err != nil {
		return false, err
	}
	return secured.HWIDHash == s.hwidHash(), nil
}

func (s *Service) containerPath(modelID string) string {
	return filepath.Join(s.dir, modelID+ContainerExt)
}

// deriveKey derives the container key from a hardware id using PBKDF2.
func deriveKey(hwid string) []byte {
	return pbkdf2.Key([]byte(hwid), keySalt, PBKDF2Iterations, EncryptionKeySize, sha256.New)
}

// encrypt seals plaintext with AES-256-GCM and prepends the nonce.
func encrypt(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+gcm.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decrypt opens a nonce-prefixed AES-256-GCM ciphertext.
func decrypt(data, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	if len(data) < NonceSize+gcm.Overhead() {
		return nil, fmt.Errorf("ciphertext too short")
	}

	plaintext, err := gcm.Open(nil, data[:NonceSize], data[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return plaintext, nil
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
