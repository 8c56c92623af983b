package certs

import (
	"bytes"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
)

var ErrCertificateMismatch = errors.New("certificate hash does not match the pinned hash")

type HashLenError struct {
	Len int
}

func (e *HashLenError) Error() string {
	return fmt.Sprintf("certificate hash has length %d, expected %d", e.Len, sha256.Size)
}

func EncodeHash(h [sha256.Size]byte) string {
	return base64.RawURLEncoding.EncodeToString(h[:])
}

// DecodeHash parses a url-safe base64 (no padding) SHA-256 hash.
func DecodeHash(s string) ([sha256.Size]byte, error) {
	var h [sha256.Size]byte
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid certificate hash: %w", err)
	}
	if len(b) != sha256.Size {
		return h, &HashLenError{Len: len(b)}
	}
	copy(h[:], b)
	return h, nil
}

// PinnedTLSConfig returns a client config that only trusts a leaf
// certificate with the given hash.
func PinnedTLSConfig(hash [sha256.Size]byte) *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return ErrCertificateMismatch
			}
			got := sha256.Sum256(rawCerts[0])
			if !bytes.Equal(got[:], hash[:]) {
				return ErrCertificateMismatch
			}
			return nil
		},
	}
}
