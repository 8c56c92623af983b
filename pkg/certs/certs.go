// Package certs manages the self-signed TLS identity of a server and the
// certificate hash pinning used by clients to trust it.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"
)

// Validity is how long a generated certificate is valid for. WebTransport
// hash pinning rejects certificates valid for 14 days or more.
const Validity = 13 * 24 * time.Hour

var ErrNoSubjectAltNames = errors.New("at least one subject alt name is required")

// Identity is a certificate chain with its private key and the hash of its
// leaf certificate.
type Identity struct {
	Certificate tls.Certificate
	Hash        [sha256.Size]byte
	NotAfter    time.Time
}

// HashString returns the leaf hash encoded as url-safe base64 without padding.
func (id *Identity) HashString() string {
	return EncodeHash(id.Hash)
}

func (id *Identity) String() string {
	return fmt.Sprintf("Identity(%s, expires %s)", id.HashString(), id.NotAfter.Format(time.RFC3339))
}

// SelfSigned creates a new ECDSA P-256 identity for the given subject alt
// names. Names that parse as IP addresses become IP SANs.
func SelfSigned(sans ...string) (*Identity, error) {
	return selfSigned(time.Now(), sans)
}

func selfSigned(now time.Time, sans []string) (*Identity, error) {
	if len(sans) == 0 {
		return nil, ErrNoSubjectAltNames
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: sans[0]},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(Validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, san := range sans {
		if ip := net.ParseIP(san); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, san)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return &Identity{
		Certificate: tls.Certificate{
			Certificate: [][]byte{der},
			PrivateKey:  key,
			Leaf:        leaf,
		},
		Hash:     sha256.Sum256(der),
		NotAfter: template.NotAfter,
	}, nil
}

// Store holds the current identity of a server. It is safe for concurrent use.
type Store struct {
	mu  sync.RWMutex
	cur *Identity
}

func NewStore(id *Identity) *Store {
	return &Store{cur: id}
}

func (s *Store) Current() *Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

func (s *Store) Set(id *Identity) {
	s.mu.Lock()
	s.cur = id
	s.mu.Unlock()
}

// GetCertificate can be used as tls.Config.GetCertificate.
func (s *Store) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	id := s.Current()
	if id == nil {
		return nil, errors.New("no certificate available")
	}
	return &id.Certificate, nil
}

// TLSConfig returns a server config that always presents the current identity.
func (s *Store) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS13,
		GetCertificate: s.GetCertificate,
	}
}
