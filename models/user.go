package models

// Presence values of User.Status.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// User is a directory record published to the realtime store.
// PublicKey is the base64 PKIX RSA public key; empty when the user never set up encryption.
type User struct {
	UID             string `json:"uid"`
	Username        string `json:"username"`
	Email           string `json:"email,omitempty"`
	Status          string `json:"status,omitempty"`
	ProfileImageURL string `json:"profileImageUrl,omitempty"`
	PublicKey       string `json:"publicKey,omitempty"`
}

// HasPublicKey reports whether the user published a public key.
func (u User) HasPublicKey() bool {
	return u.PublicKey != ""
}
