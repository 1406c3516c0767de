package ticket

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testService(t *testing.T) *Service {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return New(priv, &priv.PublicKey)
}

func signRaw(t *testing.T, priv *rsa.PrivateKey, claims *Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestMintVerifyRoundTrip(t *testing.T) {
	svc := testService(t)

	token, err := svc.Mint("client-pk", "node-1", "free-tier")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	claims, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "client-pk" || claims.TargetNode != "node-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyRejectsWrongAudience(t *testing.T) {
	svc := testService(t)
	now := time.Now()
	claims := &Claims{TargetNode: "node-1"}
	claims.Subject = "client-pk"
	claims.Audience = jwt.ClaimStrings{"not-troop-worker"}
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(Lifetime))

	token := signRaw(t, svc.private, claims)
	if _, err := svc.Verify(token); err == nil {
		t.Fatalf("expected audience mismatch to fail verification")
	}
}

func TestVerifyRejectsExpiredTicket(t *testing.T) {
	svc := testService(t)
	now := time.Now().Add(-10 * time.Minute)
	claims := &Claims{TargetNode: "node-1"}
	claims.Subject = "client-pk"
	claims.Audience = jwt.ClaimStrings{Audience}
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(Lifetime))

	token := signRaw(t, svc.private, claims)
	if _, err := svc.Verify(token); err == nil {
		t.Fatalf("expected expired ticket to fail verification")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	svc := testService(t)
	otherPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate other key: %v", err)
	}
	otherSvc := New(otherPriv, &otherPriv.PublicKey)

	token, err := otherSvc.Mint("client-pk", "node-1", "free-tier")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := svc.Verify(token); err == nil {
		t.Fatalf("expected verification with mismatched key to fail")
	}
}
