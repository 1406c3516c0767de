// Package keys manages the coordinator's RSA signing keypair: generated on
// first boot, loaded on every subsequent one. Workers verify tickets with
// the distributed public half without ever contacting the coordinator.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

const keySize = 2048

// Manager owns the coordinator's private key and exposes its public half.
type Manager struct {
	private *rsa.PrivateKey
}

// Load reads the keypair from dir, generating and persisting a new one if
// absent. The private key file is written with owner-only permissions.
func Load(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("keys: create dir: %w", err)
	}

	privPath := filepath.Join(dir, "coordinator_private_key.pem")
	pubPath := filepath.Join(dir, "coordinator_public_key.pem")

	if privPEM, err := os.ReadFile(privPath); err == nil {
		priv, err := ParseRSAPrivateKeyFromPEM(privPEM)
		if err != nil {
			return nil, fmt.Errorf("keys: parse existing private key: %w", err)
		}
		return &Manager{private: priv}, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("keys: read private key: %w", err)
	}

	priv, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return nil, fmt.Errorf("keys: generate: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("keys: marshal private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("keys: marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	if err := os.WriteFile(privPath, privPEM, 0o400); err != nil {
		return nil, fmt.Errorf("keys: write private key: %w", err)
	}
	if err := os.WriteFile(pubPath, pubPEM, 0o444); err != nil {
		return nil, fmt.Errorf("keys: write public key: %w", err)
	}

	return &Manager{private: priv}, nil
}

// PrivateKey returns the RSA private key used to sign tickets.
func (m *Manager) PrivateKey() *rsa.PrivateKey {
	return m.private
}

// PublicKeyPEM returns the PEM-encoded SubjectPublicKeyInfo bytes for
// distribution to workers.
func (m *Manager) PublicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&m.private.PublicKey)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParseRSAPrivateKeyFromPEM supports both PKCS8 ("PRIVATE KEY") and PKCS1
// ("RSA PRIVATE KEY") PEM encodings.
func ParseRSAPrivateKeyFromPEM(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("keys: invalid PEM block")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("keys: not an RSA private key")
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("keys: unsupported PEM block type %q", block.Type)
	}
}

// ParseRSAPublicKeyFromPEM supports PKIX ("PUBLIC KEY"), PKCS1
// ("RSA PUBLIC KEY") and certificate PEM encodings.
func ParseRSAPublicKeyFromPEM(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("keys: invalid PEM block")
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("keys: not an RSA public key")
		}
		return rsaKey, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("keys: certificate does not hold an RSA public key")
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("keys: unsupported PEM block type %q", block.Type)
	}
}
