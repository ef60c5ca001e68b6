// Package crypto provides authenticated symmetric encryption for secret
// values under a single process-wide master key. It wraps filippo.io/age,
// adapted from the multi-recipient x25519 sealing the library is usually
// used for (see the pack's credential-bundle sealing package) down to a
// single-passphrase scrypt recipient/identity pair, since every secret in
// this system is encrypted and decrypted by the same controller process
// with the same key.
//
// Ciphertext is the full age message — self-describing, carrying the
// scrypt salt, work factor, and AEAD tag — base64-encoded for storage as
// text in the secrets table. Plaintext is never logged or returned from
// any API response; it only ever leaves this package into a child
// process's environment block.
package crypto

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"

	"github.com/opsline-dev/branchctl/internal/errs"
)

// Encryptor encrypts and decrypts secret values under a single master key.
type Encryptor struct {
	passphrase string
}

// New returns an Encryptor for the given master key. The key must be
// non-empty; an empty master key is a configuration error, not a crypto
// failure, so it is reported as a plain error rather than errs.Decrypt.
func New(masterKey string) (*Encryptor, error) {
	if masterKey == "" {
		return nil, errors.New("crypto: master key must not be empty")
	}
	return &Encryptor{passphrase: masterKey}, nil
}

// Encrypt produces a self-describing base64 ciphertext for plaintext.
func (e *Encryptor) Encrypt(plaintext []byte) (string, error) {
	recipient, err := age.NewScryptRecipient(e.passphrase)
	if err != nil {
		return "", fmt.Errorf("crypto: building scrypt recipient: %w", err)
	}

	var buf bytes.Buffer
	writer, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return "", fmt.Errorf("crypto: opening age writer: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return "", fmt.Errorf("crypto: writing plaintext: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("crypto: finalizing ciphertext: %w", err)
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decrypt recovers the plaintext for ciphertext produced by Encrypt under
// the same master key. Tampering, a wrong master key, or malformed input
// all surface as an *errs.Error of KindDecrypt — the caller must not
// distinguish between "wrong key" and "corrupted data" any further than
// that, to avoid turning this into an oracle.
func (e *Encryptor) Decrypt(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, errs.Decrypt("crypto.decrypt", fmt.Errorf("malformed base64: %w", err))
	}

	identity, err := age.NewScryptIdentity(e.passphrase)
	if err != nil {
		return nil, errs.Decrypt("crypto.decrypt", fmt.Errorf("building scrypt identity: %w", err))
	}

	reader, err := age.Decrypt(bytes.NewReader(raw), identity)
	if err != nil {
		return nil, errs.Decrypt("crypto.decrypt", err)
	}

	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, errs.Decrypt("crypto.decrypt", fmt.Errorf("reading plaintext: %w", err))
	}

	return plaintext, nil
}

// EncryptString is a convenience wrapper for string-valued secrets.
func (e *Encryptor) EncryptString(plaintext string) (string, error) {
	return e.Encrypt([]byte(plaintext))
}

// DecryptString is a convenience wrapper for string-valued secrets.
func (e *Encryptor) DecryptString(ciphertext string) (string, error) {
	plaintext, err := e.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
