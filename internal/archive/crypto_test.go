package archive

import (
	"bytes"
	"testing"
)

func TestGenerateSalt(t *testing.T) {
	salt1, err := GenerateSalt()
	if err != nil {
		t.Fatalf("generate salt: %v", err)
	}
	if len(salt1) != saltSize {
		t.Errorf("salt length = %d, want %d", len(salt1), saltSize)
	}

	salt2, err := GenerateSalt()
	if err != nil {
		t.Fatalf("generate salt 2: %v", err)
	}
	if bytes.Equal(salt1, salt2) {
		t.Error("two salts should not be equal")
	}
}

func TestDeriveKeyDeterminism(t *testing.T) {
	salt := []byte("1234567890abcdef")

	key1 := DeriveKey("mypassphrase", salt)
	key2 := DeriveKey("mypassphrase", salt)

	if !bytes.Equal(key1, key2) {
		t.Error("same passphrase+salt should produce same key")
	}
	if len(key1) != keySize {
		t.Errorf("key length = %d, want %d", len(key1), keySize)
	}

	if bytes.Equal(key1, DeriveKey("otherpassphrase", salt)) {
		t.Error("different passphrases should produce different keys")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	salt, err := GenerateSalt()
	if err != nil {
		t.Fatalf("generate salt: %v", err)
	}

	original := []byte("This is test database content with some data in it.")
	sealed, err := Encrypt(original, "mypassphrase", salt)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(sealed, original) {
		t.Fatal("ciphertext contains plaintext")
	}

	plaintext, err := Decrypt(sealed, "mypassphrase")
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(plaintext, original) {
		t.Error("round trip did not preserve content")
	}
}

func TestDecryptWrongPassphrase(t *testing.T) {
	salt, _ := GenerateSalt()
	sealed, err := Encrypt([]byte("secret content"), "right", salt)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if _, err := Decrypt(sealed, "wrong"); err == nil {
		t.Fatal("expected decrypt failure")
	}
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	salt, _ := GenerateSalt()
	sealed, err := Encrypt([]byte("secret content"), "passphrase", salt)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	sealed[len(sealed)-1] ^= 0xff
	if _, err := Decrypt(sealed, "passphrase"); err == nil {
		t.Fatal("expected decrypt failure on tampered data")
	}
}

func TestDecryptTruncated(t *testing.T) {
	if _, err := Decrypt([]byte("tiny"), "passphrase"); err == nil {
		t.Fatal("expected error for truncated archive")
	}
}
