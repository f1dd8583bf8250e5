package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

const (
	aesKeyLen = 32
	nonceLen  = 12 // AES-256-GCM standard nonce length

	// CustodyKeyEnv holds the hex-encoded 32-byte master key. When unset,
	// custodial signing is disabled and messages are stored unsigned.
	CustodyKeyEnv = "AWEB_CUSTODY_KEY"
)

// EncryptSigningKey encrypts an Ed25519 seed with AES-256-GCM.
// The stored blob is nonce || ciphertext+tag.
func EncryptSigningKey(seed, masterKey []byte) ([]byte, error) {
	if len(masterKey) != aesKeyLen {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", aesKeyLen, len(masterKey))
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, seed, nil), nil
}

// DecryptSigningKey reverses EncryptSigningKey. Tampered or truncated blobs
// fail authentication and surface as an error.
func DecryptSigningKey(encrypted, masterKey []byte) ([]byte, error) {
	if len(masterKey) != aesKeyLen {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", aesKeyLen, len(masterKey))
	}
	if len(encrypted) < nonceLen {
		return nil, fmt.Errorf("encrypted blob too short: %d bytes", len(encrypted))
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	seed, err := gcm.Open(nil, encrypted[:nonceLen], encrypted[nonceLen:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt signing key: %w", err)
	}
	return seed, nil
}

// CustodyKeyFromEnv reads the custody master key from the environment.
// Returns nil with no error when the variable is unset or empty.
func CustodyKeyFromEnv() ([]byte, error) {
	keyHex := os.Getenv(CustodyKeyEnv)
	if keyHex == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("%s must be hex-encoded", CustodyKeyEnv)
	}
	if len(key) != aesKeyLen {
		return nil, fmt.Errorf("%s must be 32 bytes (64 hex chars), got %d bytes", CustodyKeyEnv, len(key))
	}
	return key, nil
}
