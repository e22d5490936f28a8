package certs

import (
	"crypto/x509"

	"github.com/sirupsen/logrus"

	"hop.computer/forward/pkg/thunks"
)

// Verify returns true if candidate was signed by trustedCA and the current
// time is inside candidate's validity window. It never panics; nil and
// structurally invalid certificates are rejected.
func Verify(candidate, trustedCA *x509.Certificate) bool {
	err := VerifyCertificate(candidate, trustedCA)
	if err != nil {
		logrus.Debugf("certs: verification failed: %s", err)
		return false
	}
	return true
}

// VerifyCertificate returns nil if trustedCA issued candidate and candidate is
// within its validity window. Otherwise the returned error implements
// VerifyError.
func VerifyCertificate(candidate, trustedCA *x509.Certificate) (err error) {
	if candidate == nil {
		return nilCertificateError("candidate")
	}
	if trustedCA == nil {
		return nilCertificateError("authority")
	}
	defer func() {
		// Hand-constructed certificates with missing fields can make the
		// signature check panic inside crypto/x509.
		if r := recover(); r != nil {
			logrus.Debugf("certs: recovered from panic during verification: %v", r)
			err = &verifyError{reason: ReasonInvalidSignature, error: errInvalidStructure}
		}
	}()
	if err := candidate.CheckSignatureFrom(trustedCA); err != nil {
		return invalidSignatureError(candidate, err)
	}
	now := thunks.TimeNow()
	if now.Before(candidate.NotBefore) {
		return validityError(ReasonNotYetValid, candidate, now)
	}
	if now.After(candidate.NotAfter) {
		return validityError(ReasonExpired, candidate, now)
	}
	return nil
}
