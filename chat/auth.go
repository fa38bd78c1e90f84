package chat

import (
	"strings"
	"sync"
)

// AuthProvider reports the signed-in identity.
type AuthProvider interface {
	CurrentIdentity() (string, bool)
}

// StaticAuth is an AuthProvider for a fixed identity, cleared by SignOut.
type StaticAuth struct {
	mu       sync.RWMutex
	identity string
}

// NewStaticAuth signs in identity.
func NewStaticAuth(identity string) *StaticAuth {
	return &StaticAuth{identity: strings.TrimSpace(identity)}
}

// CurrentIdentity returns the signed-in identity.
func (a *StaticAuth) CurrentIdentity() (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.identity, a.identity != ""
}

// SignOut clears the identity.
func (a *StaticAuth) SignOut() {
	a.mu.Lock()
	a.identity = ""
	a.mu.Unlock()
}
