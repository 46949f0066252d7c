// Package credentials keeps OAuth credentials at rest only in encrypted
// form. It is the single component allowed to touch ciphertext; everything
// else works with the plaintext models.OAuthCredentials it returns.
package credentials

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/singura/singura/internal/crypto"
	apperrors "github.com/singura/singura/internal/errors"
	"github.com/singura/singura/internal/models"
)

// Store encrypts credentials with the crypto manager and persists the
// resulting envelopes through the storage layer.
type Store struct {
	crypto *crypto.Manager
	db     Rows
}

// Rows is the slice of the storage layer the credential store needs.
type Rows interface {
	SaveCredentialRow(connectionID string, ciphertext, iv, tag []byte, keyVersion int) error
	GetCredentialRow(connectionID string) (ciphertext, iv, tag []byte, keyVersion int, err error)
	DeleteCredentialRow(connectionID string) error
}

// NewStore builds a credential store.
func NewStore(cryptoMgr *crypto.Manager, db Rows) *Store {
	return &Store{crypto: cryptoMgr, db: db}
}

// Store encrypts and persists credentials for a connection. Before the row
// is committed the envelope is decrypted again and byte-compared against the
// original plaintext; a mismatch aborts the write with ErrCryptoValidation.
func (s *Store) Store(connectionID string, creds *models.OAuthCredentials) error {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to serialize credentials: %w", err)
	}

	env, err := s.crypto.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt credentials: %w", err)
	}

	// Round-trip verification before anything is persisted.
	decrypted, err := s.crypto.Decrypt(env)
	if err != nil || !bytes.Equal(decrypted, plaintext) {
		return apperrors.New(apperrors.KindCrypto, "store_credentials", connectionID,
			fmt.Errorf("%w: round-trip verification failed", apperrors.ErrCryptoValidation))
	}

	if err := s.db.SaveCredentialRow(connectionID, env.Ciphertext, env.IV, env.Tag, env.KeyVersion); err != nil {
		return err
	}

	log.Info().
		Str("connectionID", connectionID).
		Int("keyVersion", env.KeyVersion).
		Msg("Credentials stored")
	return nil
}

// Get decrypts and returns the credentials for a connection, or nil when no
// row exists.
func (s *Store) Get(connectionID string) (*models.OAuthCredentials, error) {
	ciphertext, iv, tag, keyVersion, err := s.db.GetCredentialRow(connectionID)
	if errors.Is(err, apperrors.ErrCredentialsMissing) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	plaintext, err := s.crypto.Decrypt(&crypto.Envelope{
		Ciphertext: ciphertext,
		IV:         iv,
		Tag:        tag,
		KeyVersion: keyVersion,
	})
	if err != nil {
		return nil, apperrors.New(apperrors.KindCrypto, "get_credentials", connectionID,
			fmt.Errorf("%w: %v", apperrors.ErrCryptoValidation, err))
	}

	var creds models.OAuthCredentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, fmt.Errorf("corrupt credential payload for connection %s: %w", connectionID, err)
	}
	return &creds, nil
}

// Remove erases the credential row for a connection.
func (s *Store) Remove(connectionID string) error {
	if err := s.db.DeleteCredentialRow(connectionID); err != nil {
		return err
	}
	log.Info().Str("connectionID", connectionID).Msg("Credentials removed")
	return nil
}
