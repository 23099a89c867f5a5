// Package auth parses transport keys and verifies transport signatures.
package auth

import (
	"bytes"
	"crypto"
	"crypto/dsa" //nolint:staticcheck // DSA transport keys
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"

	"golang.org/x/crypto/sha3"
	"golang.org/x/crypto/ssh"
)

var (
	ErrNoKey          = errors.New("no public key")
	ErrUnsupportedKey = errors.New("unsupported public key type")
)

// ParsePublicKey accepts a PEM "PUBLIC KEY" (PKIX) or "RSA PUBLIC KEY"
// (PKCS#1) block, or a single OpenSSH authorized_keys line.
func ParsePublicKey(data []byte) (crypto.PublicKey, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrNoKey
	}
	var pub crypto.PublicKey
	if block, _ := pem.Decode(data); block != nil {
		var err error
		switch block.Type {
		case "PUBLIC KEY":
			pub, err = x509.ParsePKIXPublicKey(block.Bytes)
		case "RSA PUBLIC KEY":
			pub, err = x509.ParsePKCS1PublicKey(block.Bytes)
		default:
			return nil, fmt.Errorf("unexpected PEM block %q", block.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("parse PEM public key: %w", err)
		}
	} else {
		sshPub, _, _, _, err := ssh.ParseAuthorizedKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		cp, ok := sshPub.(ssh.CryptoPublicKey)
		if !ok {
			return nil, ErrUnsupportedKey
		}
		pub = cp.CryptoPublicKey()
	}
	if err := checkSupported(pub); err != nil {
		return nil, err
	}
	return pub, nil
}

// checkSupported admits every signing key x509 and ssh can parse. Key size
// and curve are not policed: any well-formed key may be registered.
func checkSupported(pub crypto.PublicKey) error {
	switch k := pub.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey, *dsa.PublicKey:
		return nil
	case ed25519.PublicKey:
		if len(k) != ed25519.PublicKeySize {
			return fmt.Errorf("%w: bad ed25519 key length", ErrUnsupportedKey)
		}
		return nil
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
	}
}

// NormalizePublicKeyPEM parses any accepted key encoding and returns it as a
// PKIX "PUBLIC KEY" PEM block.
func NormalizePublicKeyPEM(data []byte) (string, error) {
	keyPEM, _, err := NormalizePublicKey(data)
	return keyPEM, err
}

// NormalizePublicKey is NormalizePublicKeyPEM that also returns the parsed
// key. A PKIX block is kept as given, which covers DSA keys that cannot be
// re-marshalled.
func NormalizePublicKey(data []byte) (string, crypto.PublicKey, error) {
	pub, err := ParsePublicKey(data)
	if err != nil {
		return "", nil, err
	}
	if block, _ := pem.Decode(bytes.TrimSpace(data)); block != nil && block.Type == "PUBLIC KEY" {
		return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: block.Bytes})), pub, nil
	}
	keyPEM, err := EncodePublicKeyPEM(pub)
	if err != nil {
		return "", nil, err
	}
	return keyPEM, pub, nil
}

func EncodePublicKeyPEM(pub crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// Fingerprint is the base64 SHA3-512 digest of the key in SSH wire format.
// Keys SSH cannot represent (ECDSA P-224) are hashed in PKIX DER form.
func Fingerprint(pub crypto.PublicKey) (string, error) {
	var wire []byte
	if sshPub, err := ssh.NewPublicKey(pub); err == nil {
		wire = sshPub.Marshal()
	} else {
		der, derr := x509.MarshalPKIXPublicKey(pub)
		if derr != nil {
			return "", fmt.Errorf("fingerprint: %w", err)
		}
		wire = der
	}
	sum := sha3.Sum512(wire)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}
