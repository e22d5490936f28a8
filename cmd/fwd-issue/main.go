package main

import (
	"crypto/rsa"
	"encoding/pem"
	"flag"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"hop.computer/forward/certs"
	"hop.computer/forward/keys"
)

var certType string
var commonName string
var dnsName string
var caCertPath string
var caKeyPath string
var keyFilePath string
var outPath string
var validity time.Duration
var bits int

var output io.WriteCloser = os.Stdout

func main() {
	logrus.SetLevel(logrus.InfoLevel)

	flag.StringVar(&certType, "type", "leaf", "type of certificate to issue (ca|leaf)")
	flag.StringVar(&commonName, "cn", "", "common name for the cert")
	flag.StringVar(&dnsName, "dns-name", "", "dns name for the cert")
	flag.StringVar(&caCertPath, "ca-cert", "ca.pem", "issuing CA certificate (leaf only)")
	flag.StringVar(&caKeyPath, "ca-key", "ca-key.pem", "issuing CA private key (leaf only)")
	flag.StringVar(&keyFilePath, "key-file", "key.pem", "private key file, generated if missing")
	flag.StringVar(&outPath, "out", "", "certificate output file (default stdout)")
	flag.DurationVar(&validity, "validity", certs.DefaultValidity, "certificate lifetime")
	flag.IntVar(&bits, "bits", keys.DefaultKeyBits, "RSA modulus size for generated keys")
	flag.Parse()

	if commonName == "" {
		commonName = dnsName
	}
	if commonName == "" {
		logrus.Fatalf("one of -cn or -dns-name is required")
	}

	key := loadOrGenerateKey(keyFilePath)
	id := certs.Identity{
		CommonName: commonName,
		PublicKey:  &key.PublicKey,
		Validity:   validity,
	}
	if dnsName != "" {
		id.DNSNames = []string{dnsName}
	}

	var err error
	var issued []byte
	switch certType {
	case "ca":
		ca, err := certs.SelfSignCA(&id, key)
		if err != nil {
			logrus.Fatalf("unable to self-sign CA: %s", err)
		}
		issued = certs.EncodeCertificateToPEM(ca)
	case "leaf":
		parent, err := certs.ReadCertificatePEMFile(caCertPath)
		if err != nil {
			logrus.Fatalf("unable to read CA certificate: %s", err)
		}
		parentKey, err := keys.ReadRSAKeyFromPEMFile(caKeyPath)
		if err != nil {
			logrus.Fatalf("unable to read CA key: %s", err)
		}
		leaf, err := certs.IssueLeaf(parent, parentKey, &id)
		if err != nil {
			logrus.Fatalf("unable to issue certificate: %s", err)
		}
		issued = certs.EncodeCertificateToPEM(leaf)
	default:
		logrus.Fatalf("unknown certificate type %q", certType)
	}

	if outPath != "" {
		output, err = os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			logrus.Fatalf("unable to open output: %s", err)
		}
	}
	if _, err := output.Write(issued); err != nil {
		logrus.Fatalf("unable to write certificate: %s", err)
	}
	output.Close()
}

func loadOrGenerateKey(path string) *rsa.PrivateKey {
	data, err := os.ReadFile(path)
	if err == nil {
		p, _ := pem.Decode(data)
		if p == nil {
			logrus.Fatalf("key file %s is not PEM encoded", path)
		}
		key, err := keys.RSAKeyFromPEM(p)
		if err != nil {
			logrus.Fatalf("unable to parse private key: %s", err)
		}
		return key
	}
	if !os.IsNotExist(err) {
		logrus.Fatalf("unable to open key file: %s", err)
	}

	key, err := keys.GenerateRSAKey(bits)
	if err != nil {
		logrus.Fatalf("unable to generate key: %s", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		logrus.Fatalf("unable to create key file: %s", err)
	}
	defer f.Close()
	if err := keys.EncodeRSAKeyToPEM(f, key); err != nil {
		logrus.Fatalf("unable to write key: %s", err)
	}
	logrus.Infof("wrote new %d-bit key to %s", bits, path)
	return key
}
