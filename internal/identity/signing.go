package identity

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"sort"
)

// signedFields is the whitelist of fields included in the canonical payload.
// Transport fields (message ids, flags) are excluded. Interoperability with
// other implementations depends on this exact set and serialization.
var signedFields = map[string]bool{
	"body":      true,
	"from":      true,
	"from_did":  true,
	"subject":   true,
	"timestamp": true,
	"to":        true,
	"to_did":    true,
	"type":      true,
}

// VerifyResult classifies the outcome of signature verification.
type VerifyResult string

const (
	Verified          VerifyResult = "verified"
	VerifiedCustodial VerifyResult = "verified_custodial"
	Unverified        VerifyResult = "unverified"
	Failed            VerifyResult = "failed"
)

// CanonicalPayload builds the exact byte sequence that is signed and verified:
// whitelisted fields only, lexicographically sorted keys, compact separators,
// non-ASCII as literal UTF-8 (never \uXXXX).
func CanonicalPayload(fields map[string]string) []byte {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if signedFields[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeJSONString(&buf, k)
		buf.WriteByte(':')
		writeJSONString(&buf, fields[k])
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

// CanonicalDocument serializes arbitrary fields the same way as
// CanonicalPayload but without the message-field whitelist. Used for
// lifecycle proofs (rotation, retirement) whose field sets differ.
func CanonicalDocument(fields map[string]string) []byte {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeJSONString(&buf, k)
		buf.WriteByte(':')
		writeJSONString(&buf, fields[k])
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

// writeJSONString emits a JSON string without HTML escaping and without
// \uXXXX escapes for printable non-ASCII. encoding/json cannot produce this
// form (it escapes <, >, &, U+2028/U+2029), so it is written by hand.
func writeJSONString(buf *bytes.Buffer, s string) {
	const hexdigits = "0123456789abcdef"
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			if r < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexdigits[r>>4])
				buf.WriteByte(hexdigits[r&0xf])
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

// SignMessage signs a payload with an Ed25519 seed and returns the signature
// as unpadded base64url.
func SignMessage(seed, payload []byte) (string, error) {
	if len(seed) != ed25519.SeedSize {
		return "", fmt.Errorf("ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	sig := ed25519.Sign(priv, payload)
	return base64.RawURLEncoding.EncodeToString(sig), nil
}

// VerifySignature checks an Ed25519 signature against a did:key.
//
// Missing or undecodable DID, or a missing signature, yields Unverified.
// Malformed signature bytes or a mismatch yields Failed.
func VerifySignature(did string, payload []byte, signatureB64 string) VerifyResult {
	if did == "" || signatureB64 == "" {
		return Unverified
	}
	publicKey, err := PublicKeyFromDID(did)
	if err != nil {
		return Unverified
	}
	sig, err := base64.RawURLEncoding.DecodeString(signatureB64)
	if err != nil {
		// Tolerate padded input the way urlsafe decoders do.
		sig, err = base64.URLEncoding.DecodeString(signatureB64)
		if err != nil {
			return Failed
		}
	}
	if ed25519.Verify(ed25519.PublicKey(publicKey), payload, sig) {
		return Verified
	}
	return Failed
}
