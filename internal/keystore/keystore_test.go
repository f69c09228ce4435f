package keystore

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestSaveLoadKeyEncrypted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "psk.json")
	key := []byte("correct horse battery staple")

	if err := SaveKey(key, path, "hunter2"); err != nil {
		t.Fatalf("SaveKey: %v", err)
	}

	got, err := LoadKey(path, "hunter2")
	if err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
	if !bytes.Equal(got, key) {
		t.Fatalf("round trip mismatch: got %q want %q", got, key)
	}
}

func TestLoadKeyWrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "psk.json")
	if err := SaveKey([]byte("secret-key"), path, "right"); err != nil {
		t.Fatalf("SaveKey: %v", err)
	}

	_, err := LoadKey(path, "wrong")
	if err == nil {
		t.Fatal("expected error decrypting with wrong passphrase")
	}
}

func TestSaveLoadKeyInsecure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "psk")
	key := []byte("plaintext-key")

	if err := SaveKey(key, path, ""); err != nil {
		t.Fatalf("SaveKey: %v", err)
	}

	got, err := LoadKey(path+".insecure", "")
	if err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
	if !bytes.Equal(got, key) {
		t.Fatalf("round trip mismatch: got %q want %q", got, key)
	}
}
