package auth

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// ParsePrivateKey reads a PKCS#1, PKCS#8, SEC1 or OpenSSH private key.
func ParsePrivateKey(pemBytes []byte) (crypto.Signer, error) {
	raw, err := ssh.ParseRawPrivateKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	switch k := raw.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	case ed25519.PrivateKey:
		return k, nil
	case *ed25519.PrivateKey:
		return *k, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, raw)
	}
}

// Sign produces a signature that Verifier.Verify accepts for the signer's
// public key.
func Sign(signer crypto.Signer, message []byte) ([]byte, error) {
	switch k := signer.(type) {
	case ed25519.PrivateKey:
		return ed25519.Sign(k, message), nil
	case *rsa.PrivateKey:
		sum := sha256.Sum256(message)
		return rsa.SignPKCS1v15(rand.Reader, k, crypto.SHA256, sum[:])
	case *ecdsa.PrivateKey:
		return ecdsa.SignASN1(rand.Reader, k, ecdsaDigest(k.Curve, message))
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, signer)
	}
}
