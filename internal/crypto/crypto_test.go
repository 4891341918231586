package crypto

import (
	"bytes"
	"errors"
	"testing"

	"pgregory.net/rapid"
)

// TestCrypto_SealOpen_Roundtrip tests that opening a sealed blob returns the
// original plaintext.
func TestCrypto_SealOpen_Roundtrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		key := rapid.SliceOfN(rapid.Byte(), KeySize, KeySize).Draw(t, "key")
		plaintext := rapid.SliceOfN(rapid.Byte(), 0, 512).Draw(t, "plaintext")

		sealed, err := Seal(key, plaintext)
		if err != nil {
			t.Fatalf("Seal failed: %v", err)
		}
		if len(sealed) != NonceSize+len(plaintext)+tagSize {
			t.Fatalf("sealed length: got %d want %d", len(sealed), NonceSize+len(plaintext)+tagSize)
		}

		opened, err := Open(key, sealed)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		if !bytes.Equal(plaintext, opened) {
			t.Fatalf("roundtrip failed: got %x, want %x", opened, plaintext)
		}
	})
}

// TestCrypto_Open_WrongKey tests that a different key never opens the blob.
func TestCrypto_Open_WrongKey(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		key1 := rapid.SliceOfN(rapid.Byte(), KeySize, KeySize).Draw(t, "key1")
		key2 := rapid.SliceOfN(rapid.Byte(), KeySize, KeySize).Filter(func(k []byte) bool {
			return !bytes.Equal(k, key1)
		}).Draw(t, "key2")

		sealed, err := Seal(key1, []byte(`{"refresh_token":"r"}`))
		if err != nil {
			t.Fatalf("Seal failed: %v", err)
		}
		if _, err := Open(key2, sealed); !errors.Is(err, ErrDecrypt) {
			t.Fatalf("expected ErrDecrypt, got %v", err)
		}
	})
}

// TestCrypto_Open_Tampered tests that flipping any byte is detected.
func TestCrypto_Open_Tampered(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		key := rapid.SliceOfN(rapid.Byte(), KeySize, KeySize).Draw(t, "key")
		sealed, err := Seal(key, []byte("access-token-value"))
		if err != nil {
			t.Fatalf("Seal failed: %v", err)
		}
		i := rapid.IntRange(0, len(sealed)-1).Draw(t, "index")
		sealed[i] ^= 0x01

		if _, err := Open(key, sealed); err == nil {
			t.Fatalf("tampered byte %d was not detected", i)
		}
	})
}

func TestCrypto_DeriveKey(t *testing.T) {
	t.Parallel()

	k1, err := DeriveKey([]byte("correct horse battery staple"), "gmail-token:v1")
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	k2, err := DeriveKey([]byte("correct horse battery staple"), "gmail-token:v1")
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if !bytes.Equal(k1, k2) || len(k1) != KeySize {
		t.Fatalf("derivation not deterministic: %x != %x", k1, k2)
	}

	k3, err := DeriveKey([]byte("correct horse battery staple"), "gmail-token:v2")
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if bytes.Equal(k1, k3) {
		t.Fatal("different purposes produced the same key")
	}

	if _, err := DeriveKey([]byte("short"), "gmail-token:v1"); err == nil {
		t.Fatal("expected short master key to be rejected")
	}
}

func TestCrypto_InvalidSizes(t *testing.T) {
	t.Parallel()

	if _, err := Seal(make([]byte, 16), []byte("x")); err == nil {
		t.Fatal("expected error for 16-byte key")
	}
	if _, err := Open(make([]byte, KeySize), make([]byte, NonceSize+tagSize-1)); err == nil {
		t.Fatal("expected error for short sealed data")
	}
}
