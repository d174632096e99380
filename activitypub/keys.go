package activitypub

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/deemkeen/tusk/domain"
)

// NormalizePublicKey accepts PKCS#1 RSA, PKIX (RSA, ECDSA, Ed25519) and
// certificate-wrapped keys and re-encodes them as a PKIX "PUBLIC KEY" PEM.
// Anything else is a *domain.KeyFormatError.
func NormalizePublicKey(pemString string) (string, error) {
	key, err := decodePublicKey(pemString)
	if err != nil {
		return "", &domain.KeyFormatError{Err: err}
	}
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", &domain.KeyFormatError{Err: err}
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ParsePublicKey parses a PEM public key in any format NormalizePublicKey accepts.
func ParsePublicKey(pemString string) (crypto.PublicKey, error) {
	key, err := decodePublicKey(pemString)
	if err != nil {
		return nil, &domain.KeyFormatError{Err: err}
	}
	return key, nil
}

func decodePublicKey(pemString string) (crypto.PublicKey, error) {
	// some servers serialise the PEM with literal "\n" sequences
	pemString = strings.ReplaceAll(strings.TrimSpace(pemString), `\n`, "\n")

	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, errors.New("failed to parse PEM block")
	}

	var (
		key any
		err error
	)
	switch block.Type {
	case "RSA PUBLIC KEY":
		key, err = x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			// mislabelled PKIX payloads are common
			key, err = x509.ParsePKIXPublicKey(block.Bytes)
		}
	case "PUBLIC KEY", "EC PUBLIC KEY":
		key, err = x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil && block.Type == "PUBLIC KEY" {
			key, err = x509.ParsePKCS1PublicKey(block.Bytes)
		}
	case "CERTIFICATE":
		var cert *x509.Certificate
		cert, err = x509.ParseCertificate(block.Bytes)
		if err == nil {
			key = cert.PublicKey
		}
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	switch k := key.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey:
		return k, nil
	default:
		return nil, fmt.Errorf("unsupported key type %T", key)
	}
}

// ParsePrivateKey converts a PKCS#1 or PKCS#8 PEM string to an RSA key.
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return privateKey, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	privateKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return privateKey, nil
}

// PublicKeyPEM encodes the public half of key as a PKIX "PUBLIC KEY" PEM.
func PublicKeyPEM(key *rsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to encode public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}
