package util

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	_ "embed"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
)

//go:embed version.txt
var embeddedVersion string

type RsaKeyPair struct {
	Private string
	Public  string
}

func GetVersion() string {
	return strings.TrimSpace(embeddedVersion)
}

func GetNameAndVersion() string {
	return fmt.Sprintf("%s / %s", Name, GetVersion())
}

// UserAgent is sent on every outbound federation request.
func UserAgent() string {
	return fmt.Sprintf("%s/%s ActivityPub", Name, GetVersion())
}

// GeneratePemKeypair creates an RSA signing key: the private half as PKCS#1,
// the public half as PKIX, the format remote servers expect in publicKeyPem.
func GeneratePemKeypair(bitSize int) (*RsaKeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, bitSize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to encode public key: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	pubPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubDER,
	})

	return &RsaKeyPair{Private: string(keyPEM), Public: string(pubPEM)}, nil
}

// LoadOrCreatePrivateKey reads a PEM private key from path, generating and
// writing a fresh one when the file does not exist yet.
func LoadOrCreatePrivateKey(path string) (string, error) {
	buf, err := os.ReadFile(path)
	if err == nil {
		return string(buf), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read key %s: %w", path, err)
	}

	pair, err := GeneratePemKeypair(2048)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(pair.Private), 0600); err != nil {
		return "", fmt.Errorf("failed to write key %s: %w", path, err)
	}
	return pair.Private, nil
}
