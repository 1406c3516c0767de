package keys

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadGeneratesThenReusesKeypair(t *testing.T) {
	dir := t.TempDir()

	first, err := Load(dir)
	if err != nil {
		t.Fatalf("load (generate): %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "coordinator_private_key.pem"))
	if err != nil {
		t.Fatalf("stat private key: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o400 {
		t.Fatalf("expected private key mode 0400, got %o", perm)
	}

	second, err := Load(dir)
	if err != nil {
		t.Fatalf("load (reuse): %v", err)
	}
	if first.PrivateKey().D.Cmp(second.PrivateKey().D) != 0 {
		t.Fatalf("expected the same private key to be reloaded")
	}
}

func TestPublicKeyPEMRoundTrips(t *testing.T) {
	dir := t.TempDir()
	mgr, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	pubPEM, err := mgr.PublicKeyPEM()
	if err != nil {
		t.Fatalf("public key pem: %v", err)
	}

	pub, err := ParseRSAPublicKeyFromPEM(pubPEM)
	if err != nil {
		t.Fatalf("parse public key: %v", err)
	}
	if pub.E != mgr.PrivateKey().PublicKey.E {
		t.Fatalf("unexpected public exponent")
	}
}
