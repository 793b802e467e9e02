package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := DeriveKey([]byte("shared secret"), 42)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}

	payload := []byte("chunk payload")
	box, err := Seal(key, 42, 7, payload)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if len(box) != len(payload)+Overhead {
		t.Fatalf("ciphertext length %d, want %d", len(box), len(payload)+Overhead)
	}

	got, err := Open(key, 42, 7, box)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestOpenRejectsWrongSequence(t *testing.T) {
	key, _ := DeriveKey([]byte("shared secret"), 1)
	box, err := Seal(key, 1, 3, []byte("data"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	if _, err := Open(key, 1, 4, box); !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("expected ErrDecryptFailed, got %v", err)
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	key, _ := DeriveKey([]byte("shared secret"), 1)
	box, err := Seal(key, 1, 0, []byte("data"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	box[0] ^= 0xFF

	if _, err := Open(key, 1, 0, box); !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("expected ErrDecryptFailed, got %v", err)
	}
}

func TestDeriveKeyIsSessionScoped(t *testing.T) {
	a, err := DeriveKey([]byte("shared secret"), 1)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	b, err := DeriveKey([]byte("shared secret"), 2)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatalf("different sessions derived identical keys")
	}
}

func TestSealRejectsBadKeyLength(t *testing.T) {
	if _, err := Seal(make([]byte, 16), 1, 0, []byte("x")); !errors.Is(err, ErrInvalidKeyLength) {
		t.Fatalf("expected ErrInvalidKeyLength, got %v", err)
	}
}
