package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
)

// TokenID is the random identifier half of an opaque token. It is the only
// part of a refresh or reset token the server ever stores in the clear.
type TokenID [16]byte

const (
	secretSize       = 32
	opaqueTokenBytes = len(TokenID{}) + secretSize
)

func NewTokenID() (TokenID, error) {
	var id TokenID
	_, err := rand.Read(id[:])
	return id, err
}

func (t TokenID) String() string {
	return base64.RawURLEncoding.EncodeToString(t[:])
}

func ParseTokenID(s string) (TokenID, error) {
	var id TokenID

	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(raw) != len(id) {
		return id, errors.New("invalid token id size")
	}

	copy(id[:], raw)
	return id, nil
}

// NewSecret draws the unguessable half of an opaque token from the
// system CSPRNG. Never derived from user data.
func NewSecret() ([secretSize]byte, error) {
	var secret [secretSize]byte
	_, err := rand.Read(secret[:])
	return secret, err
}

// HashSecret is what the ledgers persist; the plaintext secret exists only
// inside the encoded token handed to the client.
func HashSecret(secret [secretSize]byte) [32]byte {
	return sha256.Sum256(secret[:])
}

// EncodeOpaqueToken packs id||secret into a compact base64url string.
// The result is deliberately not self-describing: the ledger, not the
// client, is the source of truth for its validity.
func EncodeOpaqueToken(id TokenID, secret [secretSize]byte) string {
	var raw [opaqueTokenBytes]byte
	copy(raw[:len(id)], id[:])
	copy(raw[len(id):], secret[:])

	return base64.RawURLEncoding.EncodeToString(raw[:])
}

func DecodeOpaqueToken(token string) (TokenID, [secretSize]byte, error) {
	var (
		id     TokenID
		secret [secretSize]byte
	)

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return id, secret, err
	}
	if len(raw) != opaqueTokenBytes {
		return id, secret, errors.New("invalid opaque token size")
	}

	copy(id[:], raw[:len(id)])
	copy(secret[:], raw[len(id):])

	return id, secret, nil
}
