package crypto

import "errors"

var (
	// ErrKeyGeneration indicates the RSA key pair could not be created.
	ErrKeyGeneration = errors.New("crypto: key generation failed")
	// ErrEncryption indicates an outgoing payload could not be encrypted.
	ErrEncryption = errors.New("crypto: encryption failed")
	// ErrDecryption indicates an inbound payload could not be decrypted.
	ErrDecryption = errors.New("crypto: decryption failed")
	// ErrInvalidKey indicates key material failed to parse.
	ErrInvalidKey = errors.New("crypto: invalid key")
)
