package checkin

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const (
	keyMaterialLen = 32
	signingKeyLen  = 32
	nonceLen       = 16

	signatureDomain = "checkin.session.v1"
)

// GenerateKeyMaterial returns a fresh random seed for a signing secret.
func GenerateKeyMaterial() ([]byte, error) {
	b := make([]byte, keyMaterialLen)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// DeriveSigningKey derives the HMAC key for a secret version from its seed
// using HKDF-SHA256.
func DeriveSigningKey(material []byte, version int64) ([]byte, error) {
	info := []byte("checkin-session-signing/v" + strconv.FormatInt(version, 10))
	r := hkdf.New(sha256.New, material, nil, info)
	key := make([]byte, signingKeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive signing key: %w", err)
	}
	return key, nil
}

// GenerateNonce returns a 128-bit random nonce, base64url encoded.
func GenerateNonce() (string, error) {
	b := make([]byte, nonceLen)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Sign computes the session signature over the canonical tuple
// {sessionId, eventId, nonce, expiresAt}.
func Sign(key []byte, sessionID, eventID uuid.UUID, nonce string, expiresAt time.Time) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(canonicalTuple(sessionID, eventID, nonce, expiresAt))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature recomputes the signature with key and compares it in
// constant time.
func VerifySignature(key []byte, presented string, sessionID, eventID uuid.UUID, nonce string, expiresAt time.Time) bool {
	got, err := hex.DecodeString(presented)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(canonicalTuple(sessionID, eventID, nonce, expiresAt))
	return hmac.Equal(got, mac.Sum(nil))
}

// canonicalTuple length-prefixes every field so no two tuples share an encoding.
// expiresAt is encoded in microseconds, the precision storage keeps.
func canonicalTuple(sessionID, eventID uuid.UUID, nonce string, expiresAt time.Time) []byte {
	fields := [][]byte{
		[]byte(signatureDomain),
		sessionID[:],
		eventID[:],
		[]byte(nonce),
		[]byte(strconv.FormatInt(expiresAt.UnixMicro(), 10)),
	}
	var buf []byte
	for _, f := range fields {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(f)))
		buf = append(buf, f...)
	}
	return buf
}
