package credentials

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

var ErrUnsealable = errors.New("sealed value is invalid")

// Sealer encrypts small credential payloads for client-side storage.
type Sealer struct {
	key [32]byte
}

// NewSealer derives a secretbox key for purpose from the server secret.
func NewSealer(secret []byte, purpose string) (*Sealer, error) {
	if len(secret) == 0 {
		return nil, errors.New("sealer secret is required")
	}
	s := &Sealer{}
	kdf := hkdf.New(sha256.New, secret, nil, []byte("tasksift/"+purpose))
	if _, err := io.ReadFull(kdf, s.key[:]); err != nil {
		return nil, errors.Wrap(err, "derive sealing key")
	}
	return s, nil
}

// Seal returns a URL-safe token holding plaintext.
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", errors.Wrap(err, "read nonce")
	}
	box := secretbox.Seal(nonce[:], plaintext, &nonce, &s.key)
	return base64.RawURLEncoding.EncodeToString(box), nil
}

// Open reverses Seal. Tampered or foreign tokens report ErrUnsealable.
func (s *Sealer) Open(token string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return nil, ErrUnsealable
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	out, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, ErrUnsealable
	}
	return out, nil
}
