// Package record encodes credentials for the persistent TokenStore backends.
package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/custodia-labs/sercha-connect/internal/core/domain"
)

// Codec converts credentials to and from stored bytes. With an encryptor
// records are sealed; without one they are plain JSON. Decode accepts both
// so a store can be switched to encryption without a migration.
type Codec struct {
	enc *SecretEncryptor
}

// NewCodec creates a codec. enc may be nil.
func NewCodec(enc *SecretEncryptor) *Codec {
	return &Codec{enc: enc}
}

// Encrypted reports whether records are sealed.
func (c *Codec) Encrypted() bool {
	return c != nil && c.enc != nil
}

// Encode serializes cred.
func (c *Codec) Encode(cred *domain.Credential) ([]byte, error) {
	if err := cred.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(cred)
	if err != nil {
		return nil, fmt.Errorf("marshal credential: %w", err)
	}
	if !c.Encrypted() {
		return data, nil
	}
	blob, err := c.enc.Seal(data)
	if err != nil {
		return nil, fmt.Errorf("encrypt credential: %w", err)
	}
	return blob, nil
}

// Decode parses a stored record. Bytes that can never be read wrap
// domain.ErrCorruptedRecord. A sealed record this codec has no key for, or
// the wrong key for, wraps domain.ErrRecordKeyMismatch and must be kept.
func (c *Codec) Decode(data []byte) (*domain.Credential, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty record", domain.ErrCorruptedRecord)
	}

	plaintext := trimmed
	if trimmed[0] != '{' {
		if !looksSealed(data) {
			return nil, fmt.Errorf("%w: neither json nor a sealed blob", domain.ErrCorruptedRecord)
		}
		if !c.Encrypted() {
			return nil, fmt.Errorf("%w: sealed record and no key configured", domain.ErrRecordKeyMismatch)
		}
		opened, err := c.enc.Open(data)
		if errors.Is(err, ErrDecryptionFailed) {
			return nil, fmt.Errorf("%w: %v", domain.ErrRecordKeyMismatch, err)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrCorruptedRecord, err)
		}
		plaintext = opened
	}

	var cred domain.Credential
	if err := json.Unmarshal(plaintext, &cred); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCorruptedRecord, err)
	}
	if cred.AccessToken == "" {
		return nil, fmt.Errorf("%w: access token missing", domain.ErrCorruptedRecord)
	}
	return &cred, nil
}

// Discardable reports whether a Decode error means the stored bytes are
// unreadable under any key, so a store may delete them.
func Discardable(err error) bool {
	return errors.Is(err, domain.ErrCorruptedRecord)
}
