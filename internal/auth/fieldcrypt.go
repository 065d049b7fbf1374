package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// FieldCipher provides reversible symmetric encryption for at-rest PHI
// fields. It is independent of masking: encryption is storage-time, masking
// is display-time, and reads compose as decrypt-then-mask. The key comes
// from configuration so that rows stay readable across restarts.
type FieldCipher struct {
	key []byte
}

// FieldKeySize is the required key length in bytes.
const FieldKeySize = chacha20poly1305.KeySize

// NewFieldCipher builds a cipher around a 32-byte key.
func NewFieldCipher(key []byte) (*FieldCipher, error) {
	if len(key) != FieldKeySize {
		return nil, fmt.Errorf("auth: field key must be %d bytes, got %d", FieldKeySize, len(key))
	}
	k := make([]byte, FieldKeySize)
	copy(k, key)
	return &FieldCipher{key: k}, nil
}

// EncryptField seals a field value. Empty input stays empty.
func (c *FieldCipher) EncryptField(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, []byte(value), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// DecryptField opens a value produced by EncryptField.
func (c *FieldCipher) DecryptField(encrypted string) (string, error) {
	if encrypted == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(encrypted)
	if err != nil {
		return "", errors.New("auth: malformed ciphertext")
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize() {
		return "", errors.New("auth: malformed ciphertext")
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", errors.New("auth: decryption failed")
	}
	return string(plain), nil
}

// EncryptFields encrypts the named string fields of a payload in a copy.
func (c *FieldCipher) EncryptFields(data map[string]any, fields []string) (map[string]any, error) {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	for _, f := range fields {
		v, ok := out[f].(string)
		if !ok || v == "" {
			continue
		}
		enc, err := c.EncryptField(v)
		if err != nil {
			return nil, err
		}
		out[f] = enc
	}
	return out, nil
}

// DecryptFields decrypts the named fields of a payload in a copy. Values
// that do not decrypt are left as-is; stores may hold pre-encryption rows.
func (c *FieldCipher) DecryptFields(data map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	for _, f := range fields {
		v, ok := out[f].(string)
		if !ok || v == "" {
			continue
		}
		plain, err := c.DecryptField(v)
		if err != nil {
			continue
		}
		out[f] = plain
	}
	return out
}
