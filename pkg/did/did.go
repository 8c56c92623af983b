// Package did implements the decentralized account identifiers used to
// authenticate clients, and the bearer tokens derived from them.
package did

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const prefix = "did:key:"

var (
	ErrMalformedDid   = errors.New("malformed did")
	ErrMalformedToken = errors.New("malformed bearer token")
	ErrBadSignature   = errors.New("failed to verify signature")
)

// Did is an account identifier of the form did:key:<base64url public key>.
type Did string

func FromPublicKey(pub ed25519.PublicKey) Did {
	return Did(prefix + base64.RawURLEncoding.EncodeToString(pub))
}

func Parse(s string) (Did, error) {
	d := Did(s)
	if _, err := d.PublicKey(); err != nil {
		return "", err
	}
	return d, nil
}

func (d Did) PublicKey() (ed25519.PublicKey, error) {
	enc, ok := strings.CutPrefix(string(d), prefix)
	if !ok {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrMalformedDid, prefix)
	}
	b, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedDid, err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key has length %d", ErrMalformedDid, len(b))
	}
	return ed25519.PublicKey(b), nil
}

func (d Did) String() string {
	return string(d)
}

// PrivateKey is the private half of a Did.
type PrivateKey struct {
	key ed25519.PrivateKey
}

func GenerateKey() (PrivateKey, Did, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return PrivateKey{}, "", fmt.Errorf("failed to generate key: %w", err)
	}
	return PrivateKey{key: priv}, FromPublicKey(pub), nil
}

func (k PrivateKey) Did() Did {
	return FromPublicKey(k.key.Public().(ed25519.PublicKey))
}

// Attestation is evidence that a client owns the Did it claims. A value
// obtained from New or Verify always carries a valid signature.
type Attestation struct {
	did Did
	sig []byte
}

// New signs did with key. It panics if key does not belong to did.
func New(did Did, key PrivateKey) *Attestation {
	if key.Did() != did {
		panic("verification of generated signature failed, does the private key match the did?")
	}
	return &Attestation{did: did, sig: ed25519.Sign(key.key, []byte(did))}
}

// Verify parses and checks a token produced by Token.
func Verify(token string) (*Attestation, error) {
	i := strings.LastIndexByte(token, '.')
	if i < 0 {
		return nil, ErrMalformedToken
	}
	did := Did(token[:i])
	sig, err := base64.RawURLEncoding.DecodeString(token[i+1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}
	pub, err := did.PublicKey()
	if err != nil {
		return nil, err
	}
	if !ed25519.Verify(pub, []byte(did), sig) {
		return nil, ErrBadSignature
	}
	return &Attestation{did: did, sig: sig}, nil
}

func (a *Attestation) Did() Did {
	return a.did
}

// Token encodes the attestation as <did>.<base64url signature>.
//
// The signature covers only the DID, so the token never changes for a key
// and anyone who observes it can replay it. It proves control of the key
// once, not freshness; only send it over the pinned TLS connection.
func (a *Attestation) Token() string {
	return string(a.did) + "." + base64.RawURLEncoding.EncodeToString(a.sig)
}

func (a *Attestation) String() string {
	return string(a.did)
}
