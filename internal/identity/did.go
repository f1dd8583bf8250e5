// Package identity implements Ed25519 keypairs, the did:key codec,
// canonical message payloads, and encrypted custody of signing keys.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// Ed25519 multicodec prefix (varint-encoded 0xed).
var multicodecEd25519 = []byte{0xed, 0x01}

const (
	ed25519KeyLen = 32
	didKeyPrefix  = "did:key:z"
)

// GenerateKeypair creates a fresh Ed25519 keypair.
// Returns (seed, publicKey), each 32 raw bytes.
func GenerateKeypair() ([]byte, []byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return priv.Seed(), []byte(pub), nil
}

// DIDFromPublicKey constructs a did:key from a raw 32-byte Ed25519 public key.
func DIDFromPublicKey(publicKey []byte) (string, error) {
	if len(publicKey) != ed25519KeyLen {
		return "", fmt.Errorf("ed25519 public key must be %d bytes, got %d", ed25519KeyLen, len(publicKey))
	}
	multicodecKey := append(append([]byte{}, multicodecEd25519...), publicKey...)
	return didKeyPrefix + base58.Encode(multicodecKey), nil
}

// PublicKeyFromDID extracts the raw 32-byte Ed25519 public key from a did:key string.
func PublicKeyFromDID(did string) ([]byte, error) {
	if !strings.HasPrefix(did, didKeyPrefix) {
		return nil, fmt.Errorf("DID must start with %q", didKeyPrefix)
	}
	decoded, err := base58.Decode(did[len(didKeyPrefix):])
	if err != nil {
		return nil, fmt.Errorf("invalid base58btc encoding: %w", err)
	}
	if len(decoded) != len(multicodecEd25519)+ed25519KeyLen {
		return nil, fmt.Errorf("decoded key must be %d bytes, got %d", len(multicodecEd25519)+ed25519KeyLen, len(decoded))
	}
	if decoded[0] != multicodecEd25519[0] || decoded[1] != multicodecEd25519[1] {
		return nil, fmt.Errorf("invalid multicodec prefix: expected 0xed01, got 0x%x", decoded[:2])
	}
	return decoded[len(multicodecEd25519):], nil
}

// ValidateDID reports whether a string is a well-formed Ed25519 did:key.
func ValidateDID(did string) bool {
	_, err := PublicKeyFromDID(did)
	return err == nil
}

// EncodePublicKey renders a raw public key in the base64url (no padding)
// wire form used by API payloads and the agents table.
func EncodePublicKey(publicKey []byte) string {
	return base64.RawURLEncoding.EncodeToString(publicKey)
}

// DecodePublicKey parses the base64url wire form back to raw bytes,
// tolerating padded input.
func DecodePublicKey(encoded string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return nil, fmt.Errorf("invalid base64url public key: %w", err)
	}
	if len(raw) != ed25519KeyLen {
		return nil, fmt.Errorf("ed25519 public key must be %d bytes, got %d", ed25519KeyLen, len(raw))
	}
	return raw, nil
}
