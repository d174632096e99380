package util

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGetNameAndVersion(t *testing.T) {
	got := GetNameAndVersion()
	if !strings.HasPrefix(got, "tusk / ") {
		t.Errorf("Expected 'tusk / <version>', got '%s'", got)
	}
	if GetVersion() == "" {
		t.Error("Expected embedded version to be set")
	}
	if !strings.HasPrefix(UserAgent(), "tusk/") {
		t.Errorf("Expected user agent to start with 'tusk/', got '%s'", UserAgent())
	}
}

func TestGeneratePemKeypair(t *testing.T) {
	pair, err := GeneratePemKeypair(1024)
	if err != nil {
		t.Fatalf("GeneratePemKeypair failed: %v", err)
	}

	priv, _ := pem.Decode([]byte(pair.Private))
	if priv == nil || priv.Type != "RSA PRIVATE KEY" {
		t.Fatalf("Expected RSA PRIVATE KEY block, got %v", priv)
	}
	if _, err := x509.ParsePKCS1PrivateKey(priv.Bytes); err != nil {
		t.Errorf("Private key does not parse as PKCS#1: %v", err)
	}

	pub, _ := pem.Decode([]byte(pair.Public))
	if pub == nil || pub.Type != "PUBLIC KEY" {
		t.Fatalf("Expected PUBLIC KEY block, got %v", pub)
	}
	if _, err := x509.ParsePKIXPublicKey(pub.Bytes); err != nil {
		t.Errorf("Public key does not parse as PKIX: %v", err)
	}
}

func TestLoadOrCreatePrivateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "1.pem")

	first, err := LoadOrCreatePrivateKey(path)
	if err != nil {
		t.Fatalf("LoadOrCreatePrivateKey failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Expected key file to be written: %v", err)
	}

	second, err := LoadOrCreatePrivateKey(path)
	if err != nil {
		t.Fatalf("LoadOrCreatePrivateKey failed on reload: %v", err)
	}
	if first != second {
		t.Error("Expected the stored key to be reused")
	}
}

func TestResolvePath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	work := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(work); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	want := filepath.Join(home, StateDir, "keys")
	if got := ResolvePath("keys"); got != want {
		t.Errorf("Expected missing entry under state dir %q, got %q", want, got)
	}

	if err := os.Mkdir("keys", 0700); err != nil {
		t.Fatal(err)
	}
	if got := ResolvePath("keys"); got != "keys" {
		t.Errorf("Expected local entry to win, got %q", got)
	}

	abs := filepath.Join(work, "tusk.db")
	if got := ResolvePath(abs); got != abs {
		t.Errorf("Expected absolute path unchanged, got %q", got)
	}
}
