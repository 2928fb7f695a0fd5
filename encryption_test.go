package gridsync

import (
	"bytes"
	"testing"
)

func TestEncryptor_RoundTrip(t *testing.T) {
	enc, err := NewEncryptor(EncryptionConfig{Enabled: true, KeyPassword: "password"})
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}

	plaintext := []byte(`{"ranges":[{"address":"A1:B2","data":[["1","2"]]}]}`)
	ciphertext, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt error: %v", err)
	}
	if bytes.Contains(ciphertext, []byte("A1:B2")) {
		t.Error("ciphertext leaks plaintext")
	}

	decrypted, err := enc.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("decrypt error: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Error("round trip mismatch")
	}
}

func TestEncryptor_SaltReproducesKey(t *testing.T) {
	enc1, err := NewEncryptor(EncryptionConfig{Enabled: true, KeyPassword: "password"})
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}
	ciphertext, err := enc1.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("encrypt error: %v", err)
	}

	// Same password and salt derive the same key.
	enc2, err := NewEncryptorWithSalt("password", enc1.Salt())
	if err != nil {
		t.Fatalf("encryptor with salt: %v", err)
	}
	plaintext, err := enc2.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("decrypt error: %v", err)
	}
	if string(plaintext) != "payload" {
		t.Errorf("plaintext = %q, want payload", plaintext)
	}
}

func TestEncryptor_WrongPasswordFails(t *testing.T) {
	enc1, _ := NewEncryptor(EncryptionConfig{Enabled: true, KeyPassword: "password"})
	ciphertext, _ := enc1.Encrypt([]byte("payload"))

	enc2, err := NewEncryptorWithSalt("wrong", enc1.Salt())
	if err != nil {
		t.Fatalf("encryptor with salt: %v", err)
	}
	if _, err := enc2.Decrypt(ciphertext); err == nil {
		t.Error("expected authentication failure with wrong password")
	}
}

func TestEncryptor_TamperedCiphertextFails(t *testing.T) {
	enc, _ := NewEncryptor(EncryptionConfig{Enabled: true, KeyPassword: "password"})
	ciphertext, _ := enc.Encrypt([]byte("payload"))

	ciphertext[len(ciphertext)-1] ^= 0xff
	if _, err := enc.Decrypt(ciphertext); err == nil {
		t.Error("expected authentication failure for tampered data")
	}
}

func TestEncryptor_ExplicitKey(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	enc, err := NewEncryptor(EncryptionConfig{Enabled: true, Key: key})
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}
	ciphertext, err := enc.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("encrypt error: %v", err)
	}
	plaintext, err := enc.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("decrypt error: %v", err)
	}
	if string(plaintext) != "payload" {
		t.Error("round trip mismatch")
	}
}
