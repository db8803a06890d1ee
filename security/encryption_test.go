package security

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestEncryptorRoundtrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("create encryptor: %v", err)
	}
	if !enc.IsEnabled() {
		t.Fatal("encryptor should be enabled with a key")
	}

	plaintext := "ya29.a0AfH6SMBx-access-token"
	ciphertext, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if ciphertext == plaintext {
		t.Fatal("ciphertext equals plaintext")
	}
	if strings.Contains(ciphertext, plaintext) {
		t.Fatal("ciphertext leaks plaintext")
	}

	got, err := enc.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != plaintext {
		t.Errorf("got %q, want %q", got, plaintext)
	}
}

func TestEncryptorDisabled(t *testing.T) {
	enc, err := NewEncryptor(nil)
	if err != nil {
		t.Fatalf("create encryptor: %v", err)
	}
	if enc.IsEnabled() {
		t.Fatal("encryptor should be disabled without a key")
	}

	out, err := enc.Encrypt("plaintext")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if out != "plaintext" {
		t.Errorf("disabled encryptor modified value: %q", out)
	}

	out, err = enc.Decrypt("plaintext")
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if out != "plaintext" {
		t.Errorf("disabled encryptor modified value: %q", out)
	}
}

func TestEncryptorRejectsBadKeySize(t *testing.T) {
	if _, err := NewEncryptor([]byte("too-short")); err == nil {
		t.Error("expected error for 9-byte key")
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("create encryptor: %v", err)
	}

	ciphertext, err := enc.Encrypt("secret value")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	tests := []struct {
		name  string
		value string
	}{
		{"not base64", "!!!not-base64!!!"},
		{"too short", "QUJD"},
		{"flipped byte", "A" + ciphertext[1:]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := enc.Decrypt(tt.value); err == nil {
				t.Errorf("decrypt accepted %q", tt.value)
			}
		})
	}
}

func TestDecryptWithWrongKey(t *testing.T) {
	keyA, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keyB, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	encA, err := NewEncryptor(keyA)
	if err != nil {
		t.Fatalf("create encryptor: %v", err)
	}
	encB, err := NewEncryptor(keyB)
	if err != nil {
		t.Fatalf("create encryptor: %v", err)
	}

	ciphertext, err := encA.Encrypt("secret value")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if _, err := encB.Decrypt(ciphertext); err == nil {
		t.Error("decrypt succeeded with the wrong key")
	}
}

func TestKeyFromBase64(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	encoded := base64.StdEncoding.EncodeToString(key)
	decoded, err := KeyFromBase64(encoded)
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	if string(decoded) != string(key) {
		t.Error("decoded key differs from original")
	}

	if _, err := KeyFromBase64("not base64"); err == nil {
		t.Error("expected error for invalid base64")
	}
	if _, err := KeyFromBase64("QUJD"); err == nil {
		t.Error("expected error for short key")
	}
}
