// Package push implements the Web Push encryption and delivery
// primitive treated as a black box by the wider spec: ECDH P-256 key
// agreement, HKDF key derivation, and a single-record AES-128-GCM
// payload per RFC 8291/8188, sent to the subscriber's push service
// with a VAPID JWT. The AEAD/ECDH pieces stay on the standard library
// (see DESIGN.md); only the derivation wiring is ours.
package push

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Subscriber is the minimal view of a subscription the encryption
// step needs (decoupled from internal/store's richer record).
type Subscriber struct {
	P256DH []byte // 65-byte uncompressed EC point
	Auth   []byte // 16-byte shared secret
}

// Encrypt produces the aes128gcm content-coding body for plaintext,
// per RFC 8291. It generates a fresh ephemeral keypair and salt for
// every call, as required (reusing either would break forward secrecy
// and allow nonce reuse across messages).
func Encrypt(sub Subscriber, plaintext []byte) ([]byte, error) {
	if len(sub.P256DH) != 65 {
		return nil, fmt.Errorf("push: p256dh must be 65 bytes, got %d", len(sub.P256DH))
	}
	if len(sub.Auth) != 16 {
		return nil, fmt.Errorf("push: auth must be 16 bytes, got %d", len(sub.Auth))
	}

	curve := ecdh.P256()
	subscriberPub, err := curve.NewPublicKey(sub.P256DH)
	if err != nil {
		return nil, fmt.Errorf("push: invalid subscriber public key: %w", err)
	}

	serverPriv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("push: generating ephemeral key: %w", err)
	}
	serverPub := serverPriv.PublicKey().Bytes()

	sharedSecret, err := serverPriv.ECDH(subscriberPub)
	if err != nil {
		return nil, fmt.Errorf("push: ECDH agreement failed: %w", err)
	}

	salt := getSaltBuf()
	defer putSaltBuf(salt)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("push: generating salt: %w", err)
	}

	cek, nonce, err := deriveKeys(sharedSecret, sub.Auth, sub.P256DH, serverPub, salt)
	if err != nil {
		return nil, err
	}
	defer putNonceBuf(nonce)

	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, fmt.Errorf("push: constructing AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("push: constructing GCM: %w", err)
	}

	// RFC 8188 single-record body: plaintext || 0x02 delimiter, sealed.
	padded := append(append([]byte(nil), plaintext...), 0x02)
	ciphertext := aead.Seal(nil, nonce, padded, nil)

	return buildRecord(salt, serverPub, ciphertext), nil
}

// deriveKeys implements the RFC 8291 HKDF ladder: a pseudo-random key
// from the ECDH shared secret and auth secret, then the content
// encryption key and nonce from that PRK plus the aes128gcm context.
func deriveKeys(sharedSecret, authSecret, clientPub, serverPub, salt []byte) (cek, nonce []byte, err error) {
	authInfo := append([]byte("WebPush: info\x00"), clientPub...)
	authInfo = append(authInfo, serverPub...)

	prkReader := hkdf.New(sha256.New, sharedSecret, authSecret, authInfo)
	prk := make([]byte, 32)
	if _, err := io.ReadFull(prkReader, prk); err != nil {
		return nil, nil, fmt.Errorf("push: deriving PRK: %w", err)
	}

	cekReader := hkdf.New(sha256.New, prk, salt, []byte("Content-Encoding: aes128gcm\x00"))
	cek = make([]byte, 16)
	if _, err := io.ReadFull(cekReader, cek); err != nil {
		return nil, nil, fmt.Errorf("push: deriving CEK: %w", err)
	}

	nonceReader := hkdf.New(sha256.New, prk, salt, []byte("Content-Encoding: nonce\x00"))
	nonce = getNonceBuf()
	if _, err := io.ReadFull(nonceReader, nonce); err != nil {
		return nil, nil, fmt.Errorf("push: deriving nonce: %w", err)
	}

	return cek, nonce, nil
}

// buildRecord assembles the RFC 8188 aes128gcm header (salt, record
// size, key-id length/value) followed by the ciphertext.
func buildRecord(salt, keyID, ciphertext []byte) []byte {
	recordSize := uint32(4096)
	headerLen := 16 + 4 + 1 + len(keyID)
	out := getChunkBuf(headerLen + len(ciphertext))
	defer putChunkBuf(out)

	header := out[:headerLen]
	copy(header[0:16], salt)
	binary.BigEndian.PutUint32(header[16:20], recordSize)
	header[20] = byte(len(keyID))
	copy(header[21:], keyID)

	result := make([]byte, 0, headerLen+len(ciphertext))
	result = append(result, header...)
	result = append(result, ciphertext...)
	return result
}
