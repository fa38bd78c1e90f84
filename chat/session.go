package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cipherchat/keystore"
	"cipherchat/models"
	"cipherchat/observability"
)

// SessionOptions wires a Session.
type SessionOptions struct {
	Auth       AuthProvider
	Keys       *keystore.KeyStore
	Repository *Repository
	Log        *MessageLog
	Logger     *observability.Logger

	// StalePendingAfter marks journal rows older than this as failed on start.
	StalePendingAfter time.Duration
	// SendLogRetention removes resolved journal rows older than this on start.
	SendLogRetention time.Duration
	// Journal is swept on start. Optional.
	Journal SendJournalMaintainer
	// Presence publishes online on start and offline on logout. Optional.
	Presence PresencePublisher
}

// SendJournalMaintainer sweeps the local send journal. *storage.Store
// implements it.
type SendJournalMaintainer interface {
	FailStalePending(cutoffTimestamp int64) (int64, error)
	PruneSendLog(cutoffTimestamp int64) (int64, error)
}

// PresencePublisher publishes a user's status. *directory.Directory
// implements it.
type PresencePublisher interface {
	SetStatus(ctx context.Context, uid, status string) error
}

const presenceTimeout = 5 * time.Second

// Session owns the subscriptions of one signed-in identity. Logout cancels
// them, clears local keys and closes every cached conversation, so callbacks
// that arrive afterwards are discarded instead of being processed against
// cleared keys.
type Session struct {
	identity string
	options  SessionOptions
	logger   *observability.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	conversations map[string]*Conversation
	closed        bool
}

// NewSession starts a session for the current identity of options.Auth.
func NewSession(parent context.Context, options SessionOptions) (*Session, error) {
	if options.Auth == nil {
		return nil, errors.New("auth provider is required")
	}
	if options.Keys == nil {
		return nil, errors.New("key store is required")
	}
	if options.Repository == nil {
		return nil, errors.New("repository is required")
	}
	identity, ok := options.Auth.CurrentIdentity()
	if !ok {
		return nil, ErrNotSignedIn
	}
	if options.Logger == nil {
		options.Logger = observability.NopLogger()
	}
	if options.Log == nil {
		options.Log = NewMessageLog(options.Logger, nil, nil)
	}

	logger := options.Logger.WithIdentity(identity).WithComponent("session")
	if options.Journal != nil {
		sweepJournal(options, logger)
	}

	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		identity:      identity,
		options:       options,
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
		conversations: make(map[string]*Conversation),
	}
	s.publishStatus(models.StatusOnline)
	return s, nil
}

func sweepJournal(options SessionOptions, logger *observability.Logger) {
	now := time.Now()
	if options.StalePendingAfter > 0 {
		cutoff := now.Add(-options.StalePendingAfter).UnixMilli()
		if n, err := options.Journal.FailStalePending(cutoff); err != nil {
			logger.Error(err, "sweep stale pending sends")
		} else if n > 0 {
			logger.Warn(fmt.Sprintf("marked %d stale pending sends as failed", n))
		}
	}
	if options.SendLogRetention > 0 {
		cutoff := now.Add(-options.SendLogRetention).UnixMilli()
		if n, err := options.Journal.PruneSendLog(cutoff); err != nil {
			logger.Error(err, "prune send log")
		} else if n > 0 {
			logger.Debug(fmt.Sprintf("pruned %d resolved sends", n))
		}
	}
}

// publishStatus is best-effort; presence never blocks sign-in or logout.
func (s *Session) publishStatus(status string) {
	if s.options.Presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), presenceTimeout)
	defer cancel()
	if err := s.options.Presence.SetStatus(ctx, s.identity, status); err != nil {
		s.logger.Error(err, "publish "+status+" status")
	}
}

// Identity returns the signed-in identity.
func (s *Session) Identity() string {
	return s.identity
}

// PrivateKey loads the identity's private key; nil when none is stored.
func (s *Session) PrivateKey() ([]byte, error) {
	key, ok, err := s.options.Keys.LoadPrivateKey(s.identity)
	if err != nil || !ok {
		return nil, err
	}
	return key, nil
}

// OpenConversation subscribes to the conversation with peer and returns its
// cache. Calling it again for the same peer returns the same cache.
func (s *Session) OpenConversation(peer string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}

	cid := models.ConversationID(s.identity, peer)
	if conv, ok := s.conversations[cid]; ok {
		return conv, nil
	}

	updates, err := s.options.Repository.Store().Subscribe(s.ctx, MessagesPath(cid))
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", cid, err)
	}

	conv := NewConversation(s.identity, peer, s.options.Log)
	s.conversations[cid] = conv

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for snapshot := range updates {
			if s.ctx.Err() != nil {
				continue
			}
			conv.Apply(snapshot)
		}
	}()
	return conv, nil
}

// CloseConversation stops applying updates to the conversation with peer.
func (s *Session) CloseConversation(peer string) {
	cid := models.ConversationID(s.identity, peer)
	s.mu.Lock()
	conv, ok := s.conversations[cid]
	delete(s.conversations, cid)
	s.mu.Unlock()
	if ok {
		conv.Close()
	}
}

// Messages returns the decrypted log of the conversation with peer, from the
// open cache when there is one and from a single store read otherwise.
func (s *Session) Messages(ctx context.Context, peer string) ([]models.Message, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	privateKey, err := s.PrivateKey()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	conv, ok := s.conversations[models.ConversationID(s.identity, peer)]
	s.mu.Unlock()
	if ok {
		return conv.Messages(privateKey), nil
	}

	raw, err := s.options.Repository.Messages(ctx, s.identity, peer)
	if err != nil {
		return nil, err
	}
	return s.options.Log.DecryptInbound(raw, privateKey), nil
}

// Chats returns the identity's conversation list.
func (s *Session) Chats(ctx context.Context) ([]models.ChatSummary, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	return s.options.Repository.Chats(ctx, s.identity)
}

// MarkAsRead marks messages from peer as read.
func (s *Session) MarkAsRead(ctx context.Context, peer string) (int, error) {
	if s.isClosed() {
		return 0, ErrSessionClosed
	}
	return s.options.Repository.MarkAsRead(ctx, s.identity, peer)
}

// Close cancels every subscription and closes cached conversations without
// touching local keys. It is safe to call more than once.
func (s *Session) Close() {
	s.shutdown()
}

// Logout publishes the identity as offline, closes the session, erases the
// identity's local keys and signs out.
func (s *Session) Logout() error {
	if s.isClosed() {
		return nil
	}
	s.publishStatus(models.StatusOffline)
	if !s.shutdown() {
		return nil
	}

	if err := s.options.Keys.Clear(s.identity); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	if signOut, ok := s.options.Auth.(interface{ SignOut() }); ok {
		signOut.SignOut()
	}
	s.logger.Info("logged out")
	return nil
}

// shutdown reports whether this call did the closing.
func (s *Session) shutdown() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	conversations := s.conversations
	s.conversations = make(map[string]*Conversation)
	s.mu.Unlock()

	for _, conv := range conversations {
		conv.Close()
	}
	s.cancel()
	s.wg.Wait()
	return true
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
