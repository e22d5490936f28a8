// Package certs handles the X.509 certificates exchanged during a forward
// handshake: wire and PEM encoding, issuing, and verification against a
// configured certificate authority.
package certs

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
)

// PEMTypeCertificate is the PEM block type of an encoded certificate.
const PEMTypeCertificate = "CERTIFICATE"

// ErrNotPEM is returned when a file does not contain a certificate PEM block.
var ErrNotPEM = errors.New("no certificate PEM block found")

var errInvalidStructure = errors.New("structurally invalid certificate")

// EncodeCertificate returns the wire representation of a certificate: the
// base64 encoding of its DER bytes.
func EncodeCertificate(c *x509.Certificate) string {
	return base64.StdEncoding.EncodeToString(c.Raw)
}

// DecodeCertificate parses a certificate produced by EncodeCertificate.
func DecodeCertificate(encoded string) (*x509.Certificate, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("certificate is not valid base64: %w", err)
	}
	return x509.ParseCertificate(der)
}

// EncodeCertificateToPEM returns the PEM-encoded bytes of the certificate.
func EncodeCertificateToPEM(c *x509.Certificate) []byte {
	p := pem.Block{
		Type:  PEMTypeCertificate,
		Bytes: c.Raw,
	}
	return pem.EncodeToMemory(&p)
}

// ReadCertificatePEM reads the first certificate PEM block in b.
func ReadCertificatePEM(b []byte) (*x509.Certificate, error) {
	for {
		var p *pem.Block
		p, b = pem.Decode(b)
		if p == nil {
			return nil, ErrNotPEM
		}
		if p.Type == PEMTypeCertificate {
			return x509.ParseCertificate(p.Bytes)
		}
	}
}

// ReadCertificatePEMFile reads the first PEM-encoded certificate at the
// provided path.
func ReadCertificatePEMFile(path string) (*x509.Certificate, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	c, err := ReadCertificatePEM(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}
