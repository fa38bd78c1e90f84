package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// RSAKeySize is the modulus size of account key pairs.
const RSAKeySize = 2048

// KeyPair holds DER-encoded RSA key material: PKIX public key, PKCS#8 private key.
type KeyPair struct {
	PublicKey  []byte
	PrivateKey []byte
}

// GenerateKeyPair creates a fresh RSA-2048 key pair.
func GenerateKeyPair() (KeyPair, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, RSAKeySize)
	if err != nil {
		return KeyPair{}, fmt.Errorf("%w: generate RSA key: %v", ErrKeyGeneration, err)
	}

	privateDER, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return KeyPair{}, fmt.Errorf("%w: marshal private key: %v", ErrKeyGeneration, err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		return KeyPair{}, fmt.Errorf("%w: marshal public key: %v", ErrKeyGeneration, err)
	}

	return KeyPair{PublicKey: publicDER, PrivateKey: privateDER}, nil
}

// ParsePublicKey parses a PKIX DER RSA public key.
func ParsePublicKey(der []byte) (*rsa.PublicKey, error) {
	if len(der) == 0 {
		return nil, fmt.Errorf("%w: empty public key", ErrInvalidKey)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parse public key: %v", ErrInvalidKey, err)
	}
	publicKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: public key is %T, not RSA", ErrInvalidKey, parsed)
	}
	return publicKey, nil
}

// ParsePrivateKey parses a PKCS#8 DER RSA private key.
func ParsePrivateKey(der []byte) (*rsa.PrivateKey, error) {
	if len(der) == 0 {
		return nil, fmt.Errorf("%w: empty private key", ErrInvalidKey)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parse private key: %v", ErrInvalidKey, err)
	}
	privateKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: private key is %T, not RSA", ErrInvalidKey, parsed)
	}
	return privateKey, nil
}

// IsValidPublicKey reports whether der parses as an RSA public key.
func IsValidPublicKey(der []byte) bool {
	_, err := ParsePublicKey(der)
	return err == nil
}

// IsValidPrivateKey reports whether der parses as an RSA private key.
func IsValidPrivateKey(der []byte) bool {
	_, err := ParsePrivateKey(der)
	return err == nil
}

// EncodeKey returns unwrapped standard base64 for transport and storage.
func EncodeKey(der []byte) string {
	return base64.StdEncoding.EncodeToString(der)
}

// DecodeKey reverses EncodeKey.
func DecodeKey(encoded string) ([]byte, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: decode base64: %v", ErrInvalidKey, err)
	}
	return der, nil
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(clean[i:min(i+4, len(clean))])
	}

	return b.String()
}
