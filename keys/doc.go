// Package keys contains the RSA key exchange used by the forward handshake. It
// can read and write private keys from PEM files, and encrypt short secrets to
// a certificate's public key.
//
// Encryption is RSA-OAEP with SHA-256. Session keys and IVs are the only
// secrets ever encrypted, so the OAEP plaintext limit is never a constraint in
// practice; exceeding it is an error rather than a truncation.
package keys
