package auth

import (
	"crypto"
	"crypto/dsa" //nolint:staticcheck // DSA transport keys
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"math/big"
	"sync"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// Verifier checks transport signatures. Parsed keys are cached by their PEM
// text; the cache is bounded by the number of registered transports.
//
// RSA, ECDSA and DSA signatures are accepted over the key's preferred digest
// or over SHA-1, the digest transports signing with OpenSSL defaults produce.
type Verifier struct {
	mu   sync.RWMutex
	keys map[string]crypto.PublicKey
}

func NewVerifier() *Verifier {
	return &Verifier{keys: map[string]crypto.PublicKey{}}
}

// Verify reports whether signature is a valid signature of message under
// publicKeyPEM. Malformed keys or signatures verify as false.
func (v *Verifier) Verify(message, signature []byte, publicKeyPEM string) (ok bool) {
	if publicKeyPEM == "" || len(signature) == 0 {
		return false
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	pub, err := v.key(publicKeyPEM)
	if err != nil {
		return false
	}
	return verifyWith(pub, message, signature)
}

func (v *Verifier) key(publicKeyPEM string) (crypto.PublicKey, error) {
	v.mu.RLock()
	pub, ok := v.keys[publicKeyPEM]
	v.mu.RUnlock()
	if ok {
		return pub, nil
	}
	pub, err := ParsePublicKey([]byte(publicKeyPEM))
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	v.keys[publicKeyPEM] = pub
	v.mu.Unlock()
	return pub, nil
}

func verifyWith(pub crypto.PublicKey, message, signature []byte) bool {
	switch k := pub.(type) {
	case ed25519.PublicKey:
		return len(signature) == ed25519.SignatureSize && ed25519.Verify(k, message, signature)
	case *rsa.PublicKey:
		sum := sha256.Sum256(message)
		if rsa.VerifyPKCS1v15(k, crypto.SHA256, sum[:], signature) == nil {
			return true
		}
		legacy := sha1.Sum(message)
		return rsa.VerifyPKCS1v15(k, crypto.SHA1, legacy[:], signature) == nil
	case *ecdsa.PublicKey:
		if ecdsa.VerifyASN1(k, ecdsaDigest(k.Curve, message), signature) {
			return true
		}
		legacy := sha1.Sum(message)
		return ecdsa.VerifyASN1(k, legacy[:], signature)
	case *dsa.PublicKey:
		r, s, ok := parseDSASignature(signature)
		if !ok {
			return false
		}
		legacy := sha1.Sum(message)
		if dsa.Verify(k, legacy[:], r, s) {
			return true
		}
		sum := sha256.Sum256(message)
		return dsa.Verify(k, sum[:], r, s)
	default:
		return false
	}
}

func ecdsaDigest(curve elliptic.Curve, message []byte) []byte {
	switch curve {
	case elliptic.P384():
		sum := sha512.Sum384(message)
		return sum[:]
	case elliptic.P521():
		sum := sha512.Sum512(message)
		return sum[:]
	}
	sum := sha256.Sum256(message)
	return sum[:]
}

// parseDSASignature reads the DER SEQUENCE { r INTEGER, s INTEGER }.
func parseDSASignature(sig []byte) (r, s *big.Int, ok bool) {
	var inner cryptobyte.String
	input := cryptobyte.String(sig)
	r, s = new(big.Int), new(big.Int)
	if !input.ReadASN1(&inner, asn1.SEQUENCE) || !input.Empty() ||
		!inner.ReadASN1Integer(r) || !inner.ReadASN1Integer(s) || !inner.Empty() {
		return nil, nil, false
	}
	return r, s, true
}
