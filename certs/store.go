package certs

import (
	"crypto/x509"
	"fmt"
	"time"
)

// VerificationFailureReason is an enum used with VerifyError that indicates why
// a certificate was unable to be verified.
type VerificationFailureReason int

// Known values of VerificationFailureReason
const (
	ReasonNilCertificate VerificationFailureReason = iota
	ReasonInvalidSignature
	ReasonNotYetValid
	ReasonExpired
	ReasonNoAuthority
)

func (r VerificationFailureReason) String() string {
	switch r {
	case ReasonNilCertificate:
		return "missing certificate"
	case ReasonInvalidSignature:
		return "invalid signature"
	case ReasonNotYetValid:
		return "not yet valid"
	case ReasonExpired:
		return "expired"
	case ReasonNoAuthority:
		return "no certificate authority"
	default:
		return "unknown"
	}
}

// VerifyError implements error and is returned by VerifyCertificate.
type VerifyError interface {
	error
	Reason() VerificationFailureReason
}

type verifyError struct {
	reason VerificationFailureReason
	error
}

func (e *verifyError) Reason() VerificationFailureReason { return e.reason }

func (e *verifyError) Unwrap() error { return e.error }

func nilCertificateError(role string) VerifyError {
	return &verifyError{
		reason: ReasonNilCertificate,
		error:  fmt.Errorf("%s: %s certificate is nil", ReasonNilCertificate, role),
	}
}

func invalidSignatureError(c *x509.Certificate, err error) VerifyError {
	return &verifyError{
		reason: ReasonInvalidSignature,
		error:  fmt.Errorf("%s: cert %q was not issued by the trusted authority: %w", ReasonInvalidSignature, c.Subject, err),
	}
}

func validityError(reason VerificationFailureReason, c *x509.Certificate, now time.Time) VerifyError {
	return &verifyError{
		reason: reason,
		error: fmt.Errorf("%s: cert %q is valid from %s to %s, now is %s", reason, c.Subject,
			c.NotBefore.Format(time.RFC3339), c.NotAfter.Format(time.RFC3339), now.Format(time.RFC3339)),
	}
}

// Store holds the certificate authority a server or client trusts. Only
// certificates directly signed by the authority are accepted.
type Store struct {
	authority *x509.Certificate
}

// NewStore returns a Store trusting ca.
func NewStore(ca *x509.Certificate) *Store {
	return &Store{authority: ca}
}

// Authority returns the trusted certificate authority.
func (s *Store) Authority() *x509.Certificate {
	if s == nil {
		return nil
	}
	return s.authority
}

// Verify reports whether c was issued by the store's authority and is
// currently valid.
func (s *Store) Verify(c *x509.Certificate) error {
	if s == nil || s.authority == nil {
		return &verifyError{
			reason: ReasonNoAuthority,
			error:  fmt.Errorf("%s: store has no trusted certificate", ReasonNoAuthority),
		}
	}
	return VerifyCertificate(c, s.authority)
}
