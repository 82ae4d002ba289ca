package access

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/google/uuid"
)

const tokenByteLength = 32

// IDProvider issues identifiers for stored records.
type IDProvider interface {
	NewID() (string, error)
}

// TokenProvider issues opaque unguessable invite tokens.
type TokenProvider interface {
	NewToken() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

type randomTokenProvider struct{}

// NewRandomTokenProvider constructs a TokenProvider backed by the OS CSPRNG.
// Tokens function as bearer credentials, so unlike record ids they must not
// embed timestamps or any other guessable structure.
func NewRandomTokenProvider() TokenProvider {
	return &randomTokenProvider{}
}

func (p *randomTokenProvider) NewToken() (string, error) {
	raw := make([]byte, tokenByteLength)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
