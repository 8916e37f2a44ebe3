package push

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// VAPIDSigner holds the process-wide VAPID keypair (read-only,
// initialized once at startup per spec §5) and mints the short-lived
// JWTs required by every push-service POST.
type VAPIDSigner struct {
	privateKey *ecdsa.PrivateKey
	publicRaw  string // base64url, sent back via /api/config
	subject    string // mailto: contact required by most push services
}

// NewVAPIDSigner parses the base64url-encoded VAPID keys (as produced
// by the standard web-push key generation tools: a P-256 private
// scalar and its uncompressed public point).
func NewVAPIDSigner(publicKeyB64, privateKeyB64, subject string) (*VAPIDSigner, error) {
	pub, err := decodeB64URL(publicKeyB64)
	if err != nil {
		return nil, fmt.Errorf("push: decoding VAPID public key: %w", err)
	}
	priv, err := decodeB64URL(privateKeyB64)
	if err != nil {
		return nil, fmt.Errorf("push: decoding VAPID private key: %w", err)
	}

	curve := elliptic.P256()
	x, y := elliptic.Unmarshal(curve, pub)
	if x == nil {
		return nil, fmt.Errorf("push: invalid VAPID public key point")
	}

	key := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve, X: x, Y: y},
		D:         new(big.Int).SetBytes(priv),
	}

	return &VAPIDSigner{
		privateKey: key,
		publicRaw:  publicKeyB64,
		subject:    subject,
	}, nil
}

// PublicKey returns the base64url VAPID public key for /api/config.
func (s *VAPIDSigner) PublicKey() string { return s.publicRaw }

// Authorization returns the "vapid t=..., k=..." header value for a
// push POST to endpoint, with a JWT valid for 12 hours (well under the
// 24h ceiling push services enforce).
func (s *VAPIDSigner) Authorization(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("push: invalid endpoint: %w", err)
	}
	audience := fmt.Sprintf("%s://%s", u.Scheme, u.Host)

	claims := jwt.MapClaims{
		"aud": audience,
		"exp": time.Now().Add(12 * time.Hour).Unix(),
		"sub": s.subject,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	signed, err := token.SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("push: signing VAPID JWT: %w", err)
	}

	return fmt.Sprintf("vapid t=%s, k=%s", signed, s.publicRaw), nil
}

func decodeB64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}
