package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// Envelope is the encrypted form of one message body. All fields are
// unwrapped standard base64.
type Envelope struct {
	Ciphertext string
	WrappedKey string
	IV         string
	TimeSlot   int64
}

// Encrypt seals plaintext under the time-slot key of timestampMillis and wraps
// that key for the recipient. It never returns partial output.
func Encrypt(plaintext string, timestampMillis int64, recipientPublicKey []byte) (Envelope, error) {
	publicKey, err := ParsePublicKey(recipientPublicKey)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	slot := TimeSlot(timestampMillis)
	key := DeriveSymmetricKey(slot)

	ciphertext, iv, err := SealAESGCM(key, []byte(plaintext))
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, publicKey, key, nil)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: wrap symmetric key: %v", ErrEncryption, err)
	}

	return Envelope{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		WrappedKey: base64.StdEncoding.EncodeToString(wrapped),
		IV:         base64.StdEncoding.EncodeToString(iv),
		TimeSlot:   slot,
	}, nil
}

// Decrypt opens a ciphertext using the key rederived from timeSlot.
// No private key is involved.
func Decrypt(ciphertext, iv string, timeSlot int64) (string, error) {
	return DecryptWithKey(ciphertext, iv, DeriveSymmetricKey(timeSlot))
}

// DecryptWithKey opens a ciphertext with an explicit AES-256 key.
func DecryptWithKey(ciphertext, iv string, key []byte) (string, error) {
	rawIV, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return "", fmt.Errorf("%w: decode iv: %v", ErrDecryption, err)
	}
	rawCiphertext, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: decode ciphertext: %v", ErrDecryption, err)
	}

	plaintext, err := OpenAESGCM(key, rawIV, rawCiphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return string(plaintext), nil
}

// UnwrapKey recovers the AES key from its RSA-wrapped copy.
func UnwrapKey(wrappedKey string, privateKeyDER []byte) ([]byte, error) {
	privateKey, err := ParsePrivateKey(privateKeyDER)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	wrapped, err := base64.StdEncoding.DecodeString(wrappedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: decode wrapped key: %v", ErrDecryption, err)
	}

	key, err := rsa.DecryptOAEP(sha256.New(), nil, privateKey, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap symmetric key: %v", ErrDecryption, err)
	}
	if len(key) != SymmetricKeySize {
		return nil, fmt.Errorf("%w: unwrapped key is %d bytes", ErrDecryption, len(key))
	}
	return key, nil
}

// DecryptWithWrappedKey opens a ciphertext using the RSA-wrapped key copy.
func DecryptWithWrappedKey(ciphertext, iv, wrappedKey string, privateKeyDER []byte) (string, error) {
	key, err := UnwrapKey(wrappedKey, privateKeyDER)
	if err != nil {
		return "", err
	}
	return DecryptWithKey(ciphertext, iv, key)
}
