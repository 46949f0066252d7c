// Package crypto handles encryption of OAuth credentials at rest.
// AES-256-GCM with versioned keys: the master key is stored in the data
// directory and per-version encryption keys are derived from it with HKDF,
// so a key rotation only bumps the active version while old versions keep
// decrypting existing rows.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/hkdf"
)

const keySize = 32 // AES-256

// Envelope is a single encrypted payload plus everything needed to decrypt it.
type Envelope struct {
	Ciphertext []byte
	IV         []byte
	Tag        []byte
	KeyVersion int
}

// Manager encrypts and decrypts credential payloads.
type Manager struct {
	mu            sync.RWMutex
	masterKey     []byte
	activeVersion int
	derived       map[int][]byte // version -> derived key cache
}

// NewManager loads (or creates) the master key under dataDir.
func NewManager(dataDir string) (*Manager, error) {
	key, err := getOrCreateMasterKey(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get master key: %w", err)
	}
	return NewManagerWithKey(key, 1), nil
}

// NewManagerWithKey builds a manager around an explicit master key.
// Used by tests and by deployments that inject key material externally.
func NewManagerWithKey(masterKey []byte, activeVersion int) *Manager {
	return &Manager{
		masterKey:     masterKey,
		activeVersion: activeVersion,
		derived:       make(map[int][]byte),
	}
}

// ActiveVersion returns the key version new envelopes are sealed with.
func (m *Manager) ActiveVersion() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeVersion
}

// RotateKey bumps the active key version. Existing envelopes stay decryptable.
func (m *Manager) RotateKey() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeVersion++
	log.Info().Int("keyVersion", m.activeVersion).Msg("Encryption key rotated")
	return m.activeVersion
}

// Encrypt seals plaintext with the active key version.
func (m *Manager) Encrypt(plaintext []byte) (*Envelope, error) {
	m.mu.RLock()
	version := m.activeVersion
	m.mu.RUnlock()

	gcm, err := m.gcmForVersion(version)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	// GCM appends the 16-byte tag to the ciphertext; store them separately
	// so the row layout matches what the credential table expects.
	tagStart := len(sealed) - 16
	return &Envelope{
		Ciphertext: sealed[:tagStart],
		IV:         iv,
		Tag:        sealed[tagStart:],
		KeyVersion: version,
	}, nil
}

// Decrypt opens an envelope using the key version it was sealed with.
func (m *Manager) Decrypt(env *Envelope) ([]byte, error) {
	gcm, err := m.gcmForVersion(env.KeyVersion)
	if err != nil {
		return nil, err
	}
	if len(env.IV) != gcm.NonceSize() {
		return nil, fmt.Errorf("invalid IV length %d", len(env.IV))
	}

	sealed := make([]byte, 0, len(env.Ciphertext)+len(env.Tag))
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.Tag...)

	plaintext, err := gcm.Open(nil, env.IV, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}

func (m *Manager) gcmForVersion(version int) (cipher.AEAD, error) {
	key, err := m.keyForVersion(version)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (m *Manager) keyForVersion(version int) ([]byte, error) {
	if version < 1 {
		return nil, fmt.Errorf("invalid key version %d", version)
	}

	m.mu.RLock()
	key, ok := m.derived[version]
	m.mu.RUnlock()
	if ok {
		return key, nil
	}

	info := []byte(fmt.Sprintf("singura-credentials-v%d", version))
	r := hkdf.New(sha256.New, m.masterKey, nil, info)
	key = make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}

	m.mu.Lock()
	m.derived[version] = key
	m.mu.Unlock()
	return key, nil
}

// getOrCreateMasterKey reads the master key from disk or generates one.
func getOrCreateMasterKey(dataDir string) ([]byte, error) {
	keyPath := filepath.Join(dataDir, ".master.key")

	if data, err := os.ReadFile(keyPath); err == nil {
		key := make([]byte, keySize)
		n, err := base64.StdEncoding.Decode(key, data)
		if err == nil && n == keySize {
			return key, nil
		}
		return nil, fmt.Errorf("master key at %s is corrupt", keyPath)
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(keyPath, []byte(encoded), 0600); err != nil {
		return nil, fmt.Errorf("failed to save key: %w", err)
	}

	log.Info().Msg("Generated new master encryption key")
	return key, nil
}
