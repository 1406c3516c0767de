// Package ticket mints and verifies the short-lived, self-contained
// authorizations a client presents to a worker. Tickets are never recorded
// by the coordinator and can be verified by any holder of the public key,
// without a round trip back here.
package ticket

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Audience is the fixed "aud" claim every ticket carries; workers reject
// anything else.
const Audience = "troop-worker"

// Lifetime is how long a minted ticket remains valid.
const Lifetime = 5 * time.Minute

// Claims is the JWT payload minted for a ticket.
type Claims struct {
	TargetNode string `json:"target_node"`
	Project    string `json:"project"`
	jwt.RegisteredClaims
}

// Service mints tickets with a private key and verifies them with the
// corresponding public key.
type Service struct {
	private *rsa.PrivateKey
	public  *rsa.PublicKey
}

// New returns a Service able to both mint and verify tickets.
func New(private *rsa.PrivateKey, public *rsa.PublicKey) *Service {
	return &Service{private: private, public: public}
}

// Mint issues a ticket authorizing requesterPK to reach nodeID until
// Lifetime elapses.
func (s *Service) Mint(requesterPK, nodeID, project string) (string, error) {
	now := time.Now()
	claims := &Claims{
		TargetNode: nodeID,
		Project:    project,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   requesterPK,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(Lifetime)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(s.private)
}

// Verify decodes token, enforcing signature, audience and expiry. Any
// failure yields a nil Claims and a non-nil error; callers must treat a
// verification failure as "reject", never as a partial result.
func (s *Service) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.public, nil
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithAudience(Audience))
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("ticket: invalid token")
	}
	return claims, nil
}
