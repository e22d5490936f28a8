package certs

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"time"

	"hop.computer/forward/pkg/thunks"
)

const (
	week = time.Hour * 7 * 24

	// DefaultValidity is used when an Identity does not set a lifetime.
	DefaultValidity = 52 * week
)

// Identity describes the subject of a certificate to be issued.
type Identity struct {
	CommonName string
	DNSNames   []string
	PublicKey  crypto.PublicKey

	// Validity is the lifetime of the certificate starting now. Zero means
	// DefaultValidity.
	Validity time.Duration
}

func (id *Identity) template() (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, err
	}
	validity := id.Validity
	if validity == 0 {
		validity = DefaultValidity
	}
	now := thunks.TimeNow()
	return &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: id.CommonName},
		DNSNames:     id.DNSNames,
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(validity),
	}, nil
}

// SelfSignCA issues a self-signed certificate authority for the public half of
// signer.
func SelfSignCA(id *Identity, signer crypto.Signer) (*x509.Certificate, error) {
	if signer == nil {
		return nil, errors.New("SelfSignCA requires a signer")
	}
	tmpl, err := id.template()
	if err != nil {
		return nil, err
	}
	tmpl.IsCA = true
	tmpl.BasicConstraintsValid = true
	tmpl.MaxPathLenZero = true
	tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, signer.Public(), signer)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

// IssueLeaf issues a certificate for id signed by parent, which must be a
// certificate authority whose private key is parentKey. The leaf public key
// must be an RSA key since it is used to encrypt session keys.
func IssueLeaf(parent *x509.Certificate, parentKey crypto.Signer, id *Identity) (*x509.Certificate, error) {
	if parent == nil || !parent.IsCA {
		return nil, errors.New("IssueLeaf requires the parent to be a certificate authority")
	}
	if parentKey == nil {
		return nil, errors.New("IssueLeaf requires a private key")
	}
	if id.PublicKey == nil {
		return nil, errors.New("IssueLeaf requires a public key")
	}
	tmpl, err := id.template()
	if err != nil {
		return nil, err
	}
	tmpl.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
	tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, id.PublicKey, parentKey)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}
