package identity_test

import (
	"testing"

	"github.com/beadhub/aweb/internal/identity"
)

func TestCanonicalPayloadSortedAndFiltered(t *testing.T) {
	payload := identity.CanonicalPayload(map[string]string{
		"to":         "org/bob",
		"from":       "org/alice",
		"body":       "hello",
		"message_id": "not-signed",
		"type":       "mail",
	})
	want := `{"body":"hello","from":"org/alice","to":"org/bob","type":"mail"}`
	if string(payload) != want {
		t.Fatalf("canonical payload mismatch:\n got %s\nwant %s", payload, want)
	}
}

func TestCanonicalPayloadLiteralUTF8(t *testing.T) {
	payload := identity.CanonicalPayload(map[string]string{
		"body":    "héllo → wörld",
		"subject": "<&> \"quoted\"\nnewline",
	})
	want := "{\"body\":\"héllo → wörld\",\"subject\":\"<&> \\\"quoted\\\"\\nnewline\"}"
	if string(payload) != want {
		t.Fatalf("canonical payload mismatch:\n got %s\nwant %s", payload, want)
	}
}

func TestSignAndVerify(t *testing.T) {
	seed, pub, err := identity.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	did, _ := identity.DIDFromPublicKey(pub)

	payload := identity.CanonicalPayload(map[string]string{
		"body": "hello", "from": "org/alice", "to": "org/bob",
	})
	sig, err := identity.SignMessage(seed, payload)
	if err != nil {
		t.Fatalf("SignMessage: %v", err)
	}

	if got := identity.VerifySignature(did, payload, sig); got != identity.Verified {
		t.Fatalf("expected Verified, got %s", got)
	}
}

func TestVerifyMissingInputsIsUnverified(t *testing.T) {
	payload := []byte(`{"body":"x"}`)
	if got := identity.VerifySignature("", payload, "sig"); got != identity.Unverified {
		t.Fatalf("missing DID: expected Unverified, got %s", got)
	}
	_, pub, _ := identity.GenerateKeypair()
	did, _ := identity.DIDFromPublicKey(pub)
	if got := identity.VerifySignature(did, payload, ""); got != identity.Unverified {
		t.Fatalf("missing signature: expected Unverified, got %s", got)
	}
	if got := identity.VerifySignature("did:key:zbogus", payload, "sig"); got != identity.Unverified {
		t.Fatalf("undecodable DID: expected Unverified, got %s", got)
	}
}

func TestVerifyMismatchIsFailed(t *testing.T) {
	seedA, _, _ := identity.GenerateKeypair()
	_, pubB, _ := identity.GenerateKeypair()
	didB, _ := identity.DIDFromPublicKey(pubB)

	payload := identity.CanonicalPayload(map[string]string{"body": "hello"})
	sig, err := identity.SignMessage(seedA, payload)
	if err != nil {
		t.Fatalf("SignMessage: %v", err)
	}

	// Signature by key A verified against key B's DID.
	if got := identity.VerifySignature(didB, payload, sig); got != identity.Failed {
		t.Fatalf("expected Failed, got %s", got)
	}
	// Garbage signature bytes.
	if got := identity.VerifySignature(didB, payload, "!!not-base64!!"); got != identity.Failed {
		t.Fatalf("expected Failed for malformed signature, got %s", got)
	}
}

func TestVerifyTamperedPayloadIsFailed(t *testing.T) {
	seed, pub, _ := identity.GenerateKeypair()
	did, _ := identity.DIDFromPublicKey(pub)

	sig, err := identity.SignMessage(seed, identity.CanonicalPayload(map[string]string{"body": "original"}))
	if err != nil {
		t.Fatalf("SignMessage: %v", err)
	}
	tampered := identity.CanonicalPayload(map[string]string{"body": "tampered"})
	if got := identity.VerifySignature(did, tampered, sig); got != identity.Failed {
		t.Fatalf("expected Failed, got %s", got)
	}
}
