package services

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// CurrentEncryptionVersion tags ciphertext so key rotation can tell old and
// new material apart.
const CurrentEncryptionVersion = 1

// CryptoService encrypts PII columns and derives the deterministic digests
// used for lookups without decryption.
type CryptoService struct {
	aead    cipher.AEAD
	hashKey []byte
}

func NewCryptoService(encryptionKey, hashKey string) (*CryptoService, error) {
	if encryptionKey == "" || hashKey == "" {
		return nil, fmt.Errorf("crypto service requires non-empty keys")
	}
	derived := sha256.Sum256([]byte(encryptionKey))
	aead, err := chacha20poly1305.NewX(derived[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return &CryptoService{aead: aead, hashKey: []byte(hashKey)}, nil
}

// Encrypt seals plaintext with a random nonce and returns base64 ciphertext
// plus the key version it was sealed under.
func (c *CryptoService) Encrypt(plaintext string) (string, int, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", 0, fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), CurrentEncryptionVersion, nil
}

func (c *CryptoService) Decrypt(encoded string, version int) (string, error) {
	if version != CurrentEncryptionVersion {
		return "", fmt.Errorf("unsupported encryption version %d", version)
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, body := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	plaintext, err := c.aead.Open(nil, nonce, body, nil)
	if err != nil {
		return "", fmt.Errorf("open ciphertext: %w", err)
	}
	return string(plaintext), nil
}

// Hash returns a deterministic keyed digest of the normalized plaintext.
// Equal inputs always produce equal digests, so the column stays queryable.
func (c *CryptoService) Hash(plaintext string) string {
	normalized := strings.ToLower(strings.TrimSpace(plaintext))
	mac := hmac.New(sha256.New, c.hashKey)
	mac.Write([]byte(normalized))
	return hex.EncodeToString(mac.Sum(nil))
}
