package config

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"

	"github.com/pkg/errors"

	"hop.computer/forward/certs"
	"hop.computer/forward/keys"
)

// Credentials are the certificate, private key and trusted authority named by
// a configuration.
type Credentials struct {
	Certificate *x509.Certificate
	Key         *rsa.PrivateKey
	Authority   *x509.Certificate
}

// LoadCredentials reads the certificate, key and CA certificate at the given
// paths.
func LoadCredentials(certPath, keyPath, caPath string) (*Credentials, error) {
	cert, err := loadCertificate(certPath)
	if err != nil {
		return nil, err
	}
	ca, err := loadCertificate(caPath)
	if err != nil {
		return nil, err
	}
	b, err := readFile(keyPath)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read key %s", keyPath)
	}
	p, _ := pem.Decode(b)
	if p == nil {
		return nil, errors.Errorf("key %s is not PEM encoded", keyPath)
	}
	key, err := keys.RSAKeyFromPEM(p)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to parse key %s", keyPath)
	}
	if !keys.PublicKeyMatches(key, cert.PublicKey) {
		return nil, errors.Errorf("key %s does not match certificate %s", keyPath, certPath)
	}
	return &Credentials{Certificate: cert, Key: key, Authority: ca}, nil
}

func loadCertificate(path string) (*x509.Certificate, error) {
	b, err := readFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read certificate %s", path)
	}
	c, err := certs.ReadCertificatePEM(b)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to parse certificate %s", path)
	}
	return c, nil
}

// Credentials loads the files named by c.
func (c *ServerConfig) Credentials() (*Credentials, error) {
	return LoadCredentials(c.Certificate, c.Key, c.CACertificate)
}

// Credentials loads the files named by c.
func (c *ClientConfig) Credentials() (*Credentials, error) {
	return LoadCredentials(c.Certificate, c.Key, c.CACertificate)
}
