package ai

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const encryptedPrefix = "enc:"

// CredentialSource resolves the API key for a provider.
type CredentialSource interface {
	Resolve(provider string) (string, error)
}

// Credentials resolves provider keys from configuration. Values with the
// "enc:" prefix are AES-GCM sealed under the master key.
type Credentials struct {
	keys   map[string]string
	master []byte
}

// NewCredentials decodes the base64 master key when present. The key
// must be 16, 24 or 32 bytes.
func NewCredentials(keys map[string]string, masterKey string) (*Credentials, error) {
	c := &Credentials{keys: make(map[string]string, len(keys))}
	for k, v := range keys {
		c.keys[strings.ToLower(k)] = strings.TrimSpace(v)
	}
	if masterKey = strings.TrimSpace(masterKey); masterKey != "" {
		raw, err := base64.StdEncoding.DecodeString(masterKey)
		if err != nil {
			return nil, fmt.Errorf("master key: %w", err)
		}
		switch len(raw) {
		case 16, 24, 32:
		default:
			return nil, fmt.Errorf("master key: invalid length %d", len(raw))
		}
		c.master = raw
	}
	return c, nil
}

func (c *Credentials) Resolve(provider string) (string, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	raw, known := c.keys[provider]
	if !known {
		return "", &CredentialServiceError{
			Provider: provider,
			Status:   http.StatusBadRequest,
			Message:  fmt.Sprintf("unknown AI provider %q", provider),
		}
	}
	if raw == "" {
		return "", &CredentialServiceError{
			Provider: provider,
			Status:   http.StatusServiceUnavailable,
			Message:  fmt.Sprintf("AI provider %s is not configured", provider),
		}
	}
	if !strings.HasPrefix(raw, encryptedPrefix) {
		return raw, nil
	}
	if c.master == nil {
		return "", &CredentialCryptoError{Provider: provider, Err: errors.New("master key not configured")}
	}
	plain, err := open(c.master, strings.TrimPrefix(raw, encryptedPrefix))
	if err != nil {
		return "", &CredentialCryptoError{Provider: provider, Err: err}
	}
	return plain, nil
}

// EncryptCredential seals plain under the base64 master key and returns
// the "enc:" form accepted by Credentials.
func EncryptCredential(masterKey, plain string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(masterKey))
	if err != nil {
		return "", fmt.Errorf("master key: %w", err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plain), nil)
	return encryptedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func open(key []byte, encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
