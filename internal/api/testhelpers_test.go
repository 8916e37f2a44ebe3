package api

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"testing"
)

func testVAPIDKeypair(t *testing.T) (pubB64, privB64 string) {
	t.Helper()
	curve := elliptic.P256()
	key, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		t.Fatalf("generating VAPID key: %v", err)
	}
	pubBytes := elliptic.Marshal(curve, key.X, key.Y)
	privBytes := key.D.FillBytes(make([]byte, 32))
	return base64.RawURLEncoding.EncodeToString(pubBytes), base64.RawURLEncoding.EncodeToString(privBytes)
}
