package chat

import "errors"

var (
	// ErrHashMismatch flags a decrypted message whose integrity hash differs.
	// It is advisory: the content is still delivered.
	ErrHashMismatch = errors.New("chat: integrity hash mismatch")
	// ErrSendFailure wraps the store error of a failed submission.
	ErrSendFailure = errors.New("chat: send failed")
	// ErrNoRecipientKey marks a recipient without a usable public key. It
	// triggers the plaintext fallback and is never returned from Submit.
	ErrNoRecipientKey = errors.New("chat: recipient has no public key")
	// ErrDuplicatePending is returned when an identical submission is in flight.
	ErrDuplicatePending = errors.New("chat: identical message already pending")
	// ErrNotSignedIn indicates no current identity.
	ErrNotSignedIn = errors.New("chat: not signed in")
	// ErrSessionClosed indicates use of a session after logout.
	ErrSessionClosed = errors.New("chat: session closed")
	// ErrNoBlobStore indicates an image submission without an upload target.
	ErrNoBlobStore = errors.New("chat: no blob store configured")
)
