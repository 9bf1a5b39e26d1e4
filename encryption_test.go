package booksync

import (
	"bytes"
	"testing"
)

func TestEncryptorDisabledReturnsNil(t *testing.T) {
	enc, err := NewEncryptor(EncryptionConfig{Enabled: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if enc != nil {
		t.Errorf("expected nil encryptor when disabled")
	}
}

func TestEncryptorRoundTripWithKey(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, EncryptionKeySize)
	enc, err := NewEncryptor(EncryptionConfig{Enabled: true, Key: key})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	plaintext := []byte(`{"account":"4010","total":129.50}`)
	ciphertext, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if bytes.Contains(ciphertext, plaintext) {
		t.Errorf("ciphertext contains plaintext")
	}

	got, err := enc.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round trip mismatch: got %q", got)
	}
}

func TestEncryptorPasswordDerivation(t *testing.T) {
	salt := bytes.Repeat([]byte{0x01}, EncryptionSaltSize)

	enc1, err := NewEncryptor(EncryptionConfig{Enabled: true, KeyPassword: "hunter2", Salt: salt})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	enc2, err := NewEncryptor(EncryptionConfig{Enabled: true, KeyPassword: "hunter2", Salt: salt})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Same password and salt must derive the same key across restarts.
	ciphertext, err := enc1.Encrypt([]byte("payroll row"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	got, err := enc2.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("decrypt with re-derived key failed: %v", err)
	}
	if string(got) != "payroll row" {
		t.Errorf("round trip mismatch: got %q", got)
	}
}

func TestEncryptorGeneratesSaltWhenAbsent(t *testing.T) {
	enc, err := NewEncryptor(EncryptionConfig{Enabled: true, KeyPassword: "hunter2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(enc.Salt()) != EncryptionSaltSize {
		t.Errorf("expected generated %d-byte salt, got %d", EncryptionSaltSize, len(enc.Salt()))
	}
}

func TestEncryptorRejectsBadKeySize(t *testing.T) {
	if _, err := NewEncryptor(EncryptionConfig{Enabled: true, Key: []byte("short")}); err == nil {
		t.Errorf("expected error for short key")
	}
	if _, err := NewEncryptor(EncryptionConfig{Enabled: true}); err == nil {
		t.Errorf("expected error when enabled without key material")
	}
}

func TestEncryptorRejectsTamperedCiphertext(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, EncryptionKeySize)
	enc, err := NewEncryptor(EncryptionConfig{Enabled: true, Key: key})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ciphertext, err := enc.Encrypt([]byte("ledger line"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	ciphertext[len(ciphertext)-1] ^= 0xFF

	if _, err := enc.Decrypt(ciphertext); err == nil {
		t.Errorf("expected authentication failure for tampered ciphertext")
	}

	if _, err := enc.Decrypt([]byte("tiny")); err == nil {
		t.Errorf("expected error for truncated ciphertext")
	}
}
