// Package secrets seals data at rest with age X25519 keys.
package secrets

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"
)

var (
	// ErrNoRecipient is returned when sealing without a configured recipient.
	ErrNoRecipient = errors.New("no recipient configured for encryption")
	// ErrNoIdentity is returned when opening without a configured identity.
	ErrNoIdentity = errors.New("no identity configured for decryption")
	// ErrDecryptionFailed is returned when decryption fails.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrEncryptionFailed is returned when encryption fails.
	ErrEncryptionFailed = errors.New("encryption failed")
	// ErrInvalidKey is returned when a key is invalid.
	ErrInvalidKey = errors.New("invalid key format")
)

// Sealer encrypts to one age recipient and decrypts with one identity.
// Either half may be absent.
type Sealer struct {
	recipient *age.X25519Recipient
	identity  *age.X25519Identity
}

// NewSealer parses the given keys. An empty key leaves that half unset.
//
//	recipient: age1... (Bech32 encoded)
//	identity:  AGE-SECRET-KEY-1... (Bech32 encoded)
func NewSealer(recipient, identity string) (*Sealer, error) {
	s := &Sealer{}
	if recipient != "" {
		r, err := age.ParseX25519Recipient(recipient)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid recipient: %v", ErrInvalidKey, err)
		}
		s.recipient = r
	}
	if identity != "" {
		id, err := age.ParseX25519Identity(identity)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid identity: %v", ErrInvalidKey, err)
		}
		s.identity = id
	}
	return s, nil
}

// Seal encrypts plaintext to the recipient.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	if s.recipient == nil {
		return nil, ErrNoRecipient
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return buf.Bytes(), nil
}

// Open decrypts ciphertext produced by Seal.
func (s *Sealer) Open(ciphertext []byte) ([]byte, error) {
	if s.identity == nil {
		return nil, ErrNoIdentity
	}

	r, err := age.Decrypt(bytes.NewReader(ciphertext), s.identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// CanSeal reports whether a recipient is configured.
func (s *Sealer) CanSeal() bool {
	return s.recipient != nil
}

// CanOpen reports whether an identity is configured.
func (s *Sealer) CanOpen() bool {
	return s.identity != nil
}

// GenerateKeyPair returns a new recipient and identity in their string forms.
func GenerateKeyPair() (recipient, identity string, err error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("generating age key pair: %w", err)
	}
	return id.Recipient().String(), id.String(), nil
}
