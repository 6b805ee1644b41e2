// Package keys handles peer identities: Curve25519 keypairs in their
// 40-character Z85 text form.
//
// The text form is the only form that crosses package boundaries; raw
// 32-byte keys stay inside the transport layer.
package keys

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/Rudd-O/curvetls"
	"github.com/tilinna/z85"
	"golang.org/x/crypto/curve25519"
)

// Z85Len is the length of an encoded key: 32 raw bytes map to 40
// printable symbols.
const Z85Len = 40

const binLen = 32

var ErrBadKey = errors.New("keys: malformed Z85 key")

// Normalize cuts or right-pads a user-supplied key string to exactly
// Z85Len characters. Identities are compared in normalized form.
func Normalize(s string) string {
	if len(s) > Z85Len {
		return s[:Z85Len]
	}
	return s + strings.Repeat(" ", Z85Len-len(s))
}

func decode(s string) ([binLen]byte, error) {
	var out [binLen]byte
	s = Normalize(s)
	if _, err := z85.Decode(out[:], []byte(s)); err != nil {
		return out, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	return out, nil
}

func encode(raw [binLen]byte) string {
	out := make([]byte, z85.EncodedLen(binLen))
	if _, err := z85.Encode(out, raw[:]); err != nil {
		// 32 bytes always encode; a failure here is a bug.
		panic(err)
	}
	return string(out)
}

// PubkeyFromZ85 parses a normalized public key string.
func PubkeyFromZ85(s string) (curvetls.Pubkey, error) {
	raw, err := decode(s)
	if err != nil {
		return curvetls.Pubkey{}, err
	}
	return curvetls.Pubkey(raw), nil
}

// PrivkeyFromZ85 parses a normalized secret key string.
func PrivkeyFromZ85(s string) (curvetls.Privkey, error) {
	raw, err := decode(s)
	if err != nil {
		return curvetls.Privkey{}, err
	}
	return curvetls.Privkey(raw), nil
}

// Z85OfPub returns the 40-character text form of a public key.
func Z85OfPub(k curvetls.Pubkey) string {
	return encode([binLen]byte(k))
}

// Z85OfPriv returns the 40-character text form of a secret key.
func Z85OfPriv(k curvetls.Privkey) string {
	return encode([binLen]byte(k))
}

// DerivePublic computes the public key matching a secret key.
func DerivePublic(priv curvetls.Privkey) (curvetls.Pubkey, error) {
	raw, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return curvetls.Pubkey{}, fmt.Errorf("keys: derive public: %w", err)
	}
	var pub curvetls.Pubkey
	copy(pub[:], raw)
	return pub, nil
}

// Generate creates a fresh keypair from the system entropy source.
func Generate() (curvetls.Privkey, curvetls.Pubkey, error) {
	var priv curvetls.Privkey
	if _, err := rand.Read(priv[:]); err != nil {
		return curvetls.Privkey{}, curvetls.Pubkey{}, fmt.Errorf("keys: generate: %w", err)
	}
	pub, err := DerivePublic(priv)
	if err != nil {
		return curvetls.Privkey{}, curvetls.Pubkey{}, err
	}
	return priv, pub, nil
}
