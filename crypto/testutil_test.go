package crypto

import (
	"sync"
	"testing"
)

var (
	sharedPairOnce sync.Once
	sharedPair     KeyPair
	sharedPairErr  error
)

// testKeyPair returns one RSA pair per test binary; 2048-bit generation is slow.
func testKeyPair(t *testing.T) KeyPair {
	t.Helper()

	sharedPairOnce.Do(func() {
		sharedPair, sharedPairErr = GenerateKeyPair()
	})
	if sharedPairErr != nil {
		t.Fatalf("generate key pair: %v", sharedPairErr)
	}
	return sharedPair
}
