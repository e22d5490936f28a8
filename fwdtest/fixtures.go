// Package fwdtest provides certificate authorities and identities for tests.
package fwdtest

import (
	"crypto/rsa"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/assert"

	"hop.computer/forward/certs"
	"hop.computer/forward/keys"
)

// TestKeyBits is smaller than production keys to keep tests fast. It is still
// large enough for OAEP-SHA256 to carry a 256-bit session key.
const TestKeyBits = 1024

// Party is a certificate and its private key.
type Party struct {
	Certificate *x509.Certificate
	Key         *rsa.PrivateKey
}

// Authority issues Parties.
type Authority struct {
	Party
	Store *certs.Store
}

// NewKey returns a fresh RSA key.
func NewKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	k, err := keys.GenerateRSAKey(TestKeyBits)
	assert.NilError(t, err)
	return k
}

// NewAuthority returns a self-signed certificate authority.
func NewAuthority(t testing.TB, name string) *Authority {
	t.Helper()
	key := NewKey(t)
	ca, err := certs.SelfSignCA(&certs.Identity{CommonName: name}, key)
	assert.NilError(t, err)
	return &Authority{
		Party: Party{Certificate: ca, Key: key},
		Store: certs.NewStore(ca),
	}
}

// Issue returns a leaf certificate for name signed by a.
func (a *Authority) Issue(t testing.TB, name string) *Party {
	t.Helper()
	return a.IssueWithValidity(t, name, 0)
}

// IssueWithValidity is Issue with an explicit lifetime.
func (a *Authority) IssueWithValidity(t testing.TB, name string, validity time.Duration) *Party {
	t.Helper()
	key := NewKey(t)
	leaf, err := certs.IssueLeaf(a.Certificate, a.Key, &certs.Identity{
		CommonName: name,
		DNSNames:   []string{name},
		PublicKey:  &key.PublicKey,
		Validity:   validity,
	})
	assert.NilError(t, err)
	return &Party{Certificate: leaf, Key: key}
}

// Files writes the certificate and key of p to dir and returns their paths.
func (p *Party) Files(t testing.TB, dir, name string) (certPath, keyPath string) {
	t.Helper()
	certPath = filepath.Join(dir, name+".pem")
	keyPath = filepath.Join(dir, name+"-key.pem")
	assert.NilError(t, os.WriteFile(certPath, certs.EncodeCertificateToPEM(p.Certificate), 0o600))
	f, err := os.OpenFile(keyPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	assert.NilError(t, err)
	defer f.Close()
	assert.NilError(t, keys.EncodeRSAKeyToPEM(f, p.Key))
	return certPath, keyPath
}

// Deployment is a CA with a server and a client identity, written to a
// temporary directory.
type Deployment struct {
	CA     *Authority
	Server *Party
	Client *Party

	CAPath                string
	ServerCert, ServerKey string
	ClientCert, ClientKey string
}

// NewDeployment issues a server and a client certificate from a fresh CA and
// writes everything to t.TempDir().
func NewDeployment(t testing.TB) *Deployment {
	t.Helper()
	dir := t.TempDir()
	d := &Deployment{CA: NewAuthority(t, "forward test ca")}
	d.Server = d.CA.Issue(t, "server.forward.test")
	d.Client = d.CA.Issue(t, "client.forward.test")
	d.CAPath, _ = d.CA.Files(t, dir, "ca")
	d.ServerCert, d.ServerKey = d.Server.Files(t, dir, "server")
	d.ClientCert, d.ClientKey = d.Client.Files(t, dir, "client")
	return d
}
