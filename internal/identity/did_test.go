package identity_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/beadhub/aweb/internal/identity"
)

func TestKeypairDIDRoundtrip(t *testing.T) {
	seed, pub, err := identity.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	if len(seed) != 32 || len(pub) != 32 {
		t.Fatalf("expected 32-byte seed and public key, got %d/%d", len(seed), len(pub))
	}

	did, err := identity.DIDFromPublicKey(pub)
	if err != nil {
		t.Fatalf("DIDFromPublicKey: %v", err)
	}
	if !strings.HasPrefix(did, "did:key:z") {
		t.Fatalf("DID missing did:key:z prefix: %s", did)
	}

	decoded, err := identity.PublicKeyFromDID(did)
	if err != nil {
		t.Fatalf("PublicKeyFromDID: %v", err)
	}
	if !bytes.Equal(decoded, pub) {
		t.Fatal("decoded public key does not match original")
	}
}

func TestDIDFromPublicKeyRejectsWrongLength(t *testing.T) {
	if _, err := identity.DIDFromPublicKey(make([]byte, 16)); err == nil {
		t.Fatal("expected error for 16-byte key")
	}
}

func TestPublicKeyFromDIDErrors(t *testing.T) {
	cases := []struct {
		name string
		did  string
	}{
		{"wrong prefix", "did:web:example.com"},
		{"empty", ""},
		{"bad base58", "did:key:z0OIl"}, // 0, O, I, l are not in the base58 alphabet
		{"wrong length", "did:key:z3"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := identity.PublicKeyFromDID(tc.did); err == nil {
				t.Fatalf("expected error for %q", tc.did)
			}
		})
	}
}

func TestValidateDID(t *testing.T) {
	_, pub, err := identity.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	did, _ := identity.DIDFromPublicKey(pub)

	if !identity.ValidateDID(did) {
		t.Fatalf("expected %s to validate", did)
	}
	if identity.ValidateDID("did:key:zinvalid") {
		t.Fatal("expected invalid DID to fail validation")
	}
}
