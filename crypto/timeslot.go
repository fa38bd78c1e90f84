package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/crypto/hkdf"
)

const (
	// TimeSlotDuration is the width of one key window in milliseconds.
	// Changing it breaks decryption of messages already in flight; it needs a
	// ProtocolVersion bump.
	TimeSlotDuration int64 = 3_600_000
	// ProtocolVersion identifies the message encryption scheme.
	ProtocolVersion = 1

	slotKeyInfo = "cipherchat/timeslot-key/v1"
)

// TimeSlot returns the one-hour window index for a millisecond timestamp.
func TimeSlot(timestampMillis int64) int64 {
	return timestampMillis / TimeSlotDuration
}

// DeriveSymmetricKey returns the AES-256 key shared by every client for timeSlot.
//
// The key is a pure function of the slot: HKDF-SHA256 seeded with the decimal
// string of timeSlot. Every message sent in the same window uses the same key,
// so the RSA-wrapped copy is not needed to decrypt.
func DeriveSymmetricKey(timeSlot int64) []byte {
	seed := []byte(strconv.FormatInt(timeSlot, 10))
	reader := hkdf.New(sha256.New, seed, nil, []byte(slotKeyInfo))

	key := make([]byte, SymmetricKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		// HKDF-SHA256 can expand up to 8160 bytes; 32 never fails.
		panic(fmt.Sprintf("derive time slot key: %v", err))
	}
	return key
}
