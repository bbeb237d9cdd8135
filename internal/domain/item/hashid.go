package item

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// HashSize is the digest length of a HashID.
const HashSize = 64

// HashID is the content-addressed identity of an item.
type HashID [HashSize]byte

var ErrInvalidHashID = errors.New("invalid hash id")

// HashOf digests data into a HashID.
func HashOf(data []byte) HashID {
	return HashID(sha3.Sum512(data))
}

// RandomHashID returns an id that matches no real content.
func RandomHashID() HashID {
	var id HashID
	_, _ = rand.Read(id[:])
	return id
}

// HashIDFromBytes copies a stored digest.
func HashIDFromBytes(b []byte) (HashID, error) {
	var id HashID
	if len(b) != HashSize {
		return id, fmt.Errorf("%w: digest length %d", ErrInvalidHashID, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// ParseHashID decodes the base64url text form.
func ParseHashID(raw string) (HashID, error) {
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return HashID{}, fmt.Errorf("%w: %v", ErrInvalidHashID, err)
	}
	return HashIDFromBytes(b)
}

func (h HashID) Bytes() []byte {
	out := make([]byte, HashSize)
	copy(out, h[:])
	return out
}

func (h HashID) IsZero() bool {
	return h == HashID{}
}

func (h HashID) String() string {
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// Short is a log-friendly prefix of the id.
func (h HashID) Short() string {
	return h.String()[:12]
}

func (h HashID) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *HashID) UnmarshalText(text []byte) error {
	id, err := ParseHashID(string(text))
	if err != nil {
		return err
	}
	*h = id
	return nil
}
