package keystore

import (
	"bytes"
	"errors"
	"testing"
)

func TestShredZeroes(t *testing.T) {
	buf := []byte("super secret key material")
	Shred(buf)
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d = 0x%02x after Shred, want 0", i, b)
		}
	}
	// Zero-length and nil inputs must be safe.
	Shred(nil)
	Shred([]byte{})
}

func TestNewKeyHandleShredsCallerCopy(t *testing.T) {
	original := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	want := make([]byte, len(original))
	copy(want, original)

	kh, err := NewKeyHandle(original)
	if err != nil {
		t.Fatalf("NewKeyHandle() failed: %v", err)
	}
	defer kh.Release()

	for i, b := range original {
		if b != 0 {
			t.Fatalf("caller byte %d = 0x%02x after NewKeyHandle, want 0", i, b)
		}
	}

	got, err := kh.Bytes()
	if err != nil {
		t.Fatalf("Bytes() failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Bytes() = %x, want %x", got, want)
	}
	if kh.Len() != len(want) {
		t.Errorf("Len() = %d, want %d", kh.Len(), len(want))
	}
}

func TestNewKeyHandleRejectsEmpty(t *testing.T) {
	if _, err := NewKeyHandle(nil); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("NewKeyHandle(nil) = %v, want ErrEmptyKey", err)
	}
}

func TestNewRandomKeyHandle(t *testing.T) {
	kh, err := NewRandomKeyHandle(32)
	if err != nil {
		t.Fatalf("NewRandomKeyHandle() failed: %v", err)
	}
	defer kh.Release()

	if kh.Len() != 32 {
		t.Fatalf("Len() = %d, want 32", kh.Len())
	}
	key, err := kh.Bytes()
	if err != nil {
		t.Fatalf("Bytes() failed: %v", err)
	}
	if bytes.Equal(key, make([]byte, 32)) {
		t.Error("random key is all zeroes")
	}

	if _, err := NewRandomKeyHandle(0); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("NewRandomKeyHandle(0) = %v, want ErrEmptyKey", err)
	}
}

func TestReleaseWipesAndInvalidates(t *testing.T) {
	kh, err := NewRandomKeyHandle(32)
	if err != nil {
		t.Fatalf("NewRandomKeyHandle() failed: %v", err)
	}

	// Hold an alias so the wipe is observable after Release.
	alias, err := kh.Bytes()
	if err != nil {
		t.Fatalf("Bytes() failed: %v", err)
	}

	kh.Release()
	kh.Release() // idempotent

	if !bytes.Equal(alias, make([]byte, 32)) {
		t.Error("key bytes survived Release")
	}
	if _, err := kh.Bytes(); !errors.Is(err, ErrReleased) {
		t.Errorf("Bytes() after Release = %v, want ErrReleased", err)
	}
	if kh.Len() != 0 {
		t.Errorf("Len() after Release = %d, want 0", kh.Len())
	}
	if kh.Locked() {
		t.Error("Locked() = true after Release")
	}
}
