package push

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func generateTestVAPIDKeys(t *testing.T) (pubB64, privB64 string, pub *ecdsa.PublicKey) {
	t.Helper()
	curve := elliptic.P256()
	key, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		t.Fatalf("generating VAPID key: %v", err)
	}

	pubBytes := elliptic.Marshal(curve, key.X, key.Y)
	privBytes := key.D.FillBytes(make([]byte, 32))

	return base64.RawURLEncoding.EncodeToString(pubBytes),
		base64.RawURLEncoding.EncodeToString(privBytes),
		&key.PublicKey
}

func TestVAPIDSignerAuthorizationIsValidJWT(t *testing.T) {
	pubB64, privB64, pub := generateTestVAPIDKeys(t)

	signer, err := NewVAPIDSigner(pubB64, privB64, "mailto:ops@example.com")
	if err != nil {
		t.Fatalf("NewVAPIDSigner: %v", err)
	}
	if signer.PublicKey() != pubB64 {
		t.Fatalf("PublicKey() = %q, want %q", signer.PublicKey(), pubB64)
	}

	header, err := signer.Authorization("https://push.example.com/wp/abc123")
	if err != nil {
		t.Fatalf("Authorization: %v", err)
	}

	token, keyParam, ok := parseVapidHeader(header)
	if !ok {
		t.Fatalf("could not parse vapid header: %q", header)
	}
	if keyParam != pubB64 {
		t.Fatalf("k= param = %q, want %q", keyParam, pubB64)
	}

	parsed, err := jwt.Parse(token, func(tok *jwt.Token) (interface{}, error) {
		return pub, nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	if err != nil {
		t.Fatalf("parsing signed JWT: %v", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		t.Fatal("expected MapClaims")
	}
	if claims["aud"] != "https://push.example.com" {
		t.Fatalf("aud = %v, want https://push.example.com", claims["aud"])
	}
	if claims["sub"] != "mailto:ops@example.com" {
		t.Fatalf("sub = %v, want mailto:ops@example.com", claims["sub"])
	}

	exp, ok := claims["exp"].(float64)
	if !ok {
		t.Fatal("expected exp claim to be numeric")
	}
	until := time.Until(time.Unix(int64(exp), 0))
	if until <= 0 || until > 13*time.Hour {
		t.Fatalf("exp claim %v outside expected ~12h window", until)
	}
}

func TestVAPIDSignerRejectsMalformedKeys(t *testing.T) {
	if _, err := NewVAPIDSigner("not-base64!!", "also-bad!!", "mailto:a@b.com"); err == nil {
		t.Fatal("expected error for malformed public key")
	}
}

// parseVapidHeader extracts the t= and k= fields from a
// `vapid t=<jwt>, k=<key>` Authorization header value.
func parseVapidHeader(header string) (token, key string, ok bool) {
	const prefix = "vapid t="
	if !strings.HasPrefix(header, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(header, prefix)
	token, key, found := strings.Cut(rest, ", k=")
	return token, key, found
}
