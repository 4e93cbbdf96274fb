package auth

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestHasherRoundTrip(t *testing.T) {
	h := NewHasher(bcrypt.MinCost)
	digest, err := h.Hash("correct horse")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if strings.Contains(digest, "correct horse") {
		t.Fatal("digest contains plaintext")
	}
	if !h.Verify("correct horse", digest) {
		t.Fatal("expected password to verify")
	}
	if h.Verify("correct horsE", digest) {
		t.Fatal("different password verified")
	}

	again, err := h.Hash("correct horse")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if again == digest {
		t.Fatal("expected distinct salts")
	}
}

func TestHasherMalformedDigest(t *testing.T) {
	h := NewHasher(bcrypt.MinCost)
	for _, digest := range []string{"", "plain", "$2a$04$short"} {
		if h.Verify("pw", digest) {
			t.Fatalf("Verify accepted malformed digest %q", digest)
		}
	}
}

func TestHasherEmptyPassword(t *testing.T) {
	if _, err := NewHasher(0).Hash(""); !errors.Is(err, ErrEmptyPassword) {
		t.Fatalf("expected ErrEmptyPassword, got %v", err)
	}
}
