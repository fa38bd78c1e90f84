package chat

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/zeebo/blake3"

	"cipherchat/blob"
	"cipherchat/crypto"
	"cipherchat/models"
	"cipherchat/observability"
	"cipherchat/storage"
)

// ImageContent is the visible content of an image message.
const ImageContent = "Image"

// SendState is the lifecycle state of one submission.
type SendState string

const (
	SendPending SendState = storage.SendStatePending
	SendSent    SendState = storage.SendStateSent
	SendFailed  SendState = storage.SendStateFailed
)

// SendRequest tracks one submission from pending to sent or failed.
type SendRequest struct {
	Fingerprint string
	Message     models.Message
	State       SendState
	Path        string
	Err         error
}

// PublicKeyDirectory resolves recipient public keys. ok=false means the
// recipient has no usable key.
type PublicKeyDirectory interface {
	GetPublicKey(ctx context.Context, uid string) ([]byte, bool, error)
}

// EncryptionSetting reports the local encryption toggle.
type EncryptionSetting interface {
	EncryptionEnabled() (bool, error)
}

// MessageWriter persists an outgoing message. *Repository implements it.
type MessageWriter interface {
	SaveMessage(ctx context.Context, msg models.Message) (string, error)
}

// SendJournal records submission state locally. *storage.Store implements it.
type SendJournal interface {
	RecordSend(record storage.SendRecord) error
}

// SendCoordinatorOptions wires a SendCoordinator.
type SendCoordinatorOptions struct {
	Directory  PublicKeyDirectory
	Writer     MessageWriter
	Encryption EncryptionSetting
	Journal    SendJournal
	Security   SecurityRecorder
	Blobs      blob.Store
	Logger     *observability.Logger
	Metrics    *observability.Metrics

	// OnStateChange is called outside any lock for every state transition.
	OnStateChange func(SendRequest)
}

// SendCoordinator encrypts and persists outgoing messages, suppressing
// duplicate submissions while an identical one is in flight. It never adds
// the message to a local conversation; the store echo does that.
type SendCoordinator struct {
	options SendCoordinatorOptions
	logger  *observability.Logger

	mu      sync.Mutex
	pending map[string]SendRequest
}

// NewSendCoordinator validates options.
func NewSendCoordinator(options SendCoordinatorOptions) (*SendCoordinator, error) {
	if options.Directory == nil {
		return nil, errors.New("directory is required")
	}
	if options.Writer == nil {
		return nil, errors.New("writer is required")
	}
	if options.Logger == nil {
		options.Logger = observability.NopLogger()
	}

	return &SendCoordinator{
		options: options,
		logger:  options.Logger.WithComponent("send"),
		pending: make(map[string]SendRequest),
	}, nil
}

// Fingerprint identifies a submission: sender|receiver|timestamp|blake3(content).
func Fingerprint(msg models.Message) string {
	sum := blake3.Sum256([]byte(msg.Content))
	return strings.Join([]string{
		msg.SenderID,
		msg.ReceiverID,
		strconv.FormatInt(msg.Timestamp, 10),
		hex.EncodeToString(sum[:]),
	}, "|")
}

// Pending returns the number of submissions in flight.
func (c *SendCoordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Submit sends msg, whose Content is plaintext. When an identical submission
// is already pending it returns that request with ErrDuplicatePending and
// does nothing else. A missing recipient key downgrades to a plaintext send.
func (c *SendCoordinator) Submit(ctx context.Context, msg models.Message) (SendRequest, error) {
	if err := models.Validate(msg); err != nil {
		return SendRequest{Message: msg, State: SendFailed, Err: err}, err
	}

	fingerprint := Fingerprint(msg)
	request, err := c.reserve(fingerprint, msg)
	if err != nil {
		return request, err
	}
	c.emit(request)
	c.journal(request)

	outgoing, err := c.prepare(ctx, msg)
	if err != nil {
		return c.finish(request, "", err), err
	}
	request.Message = outgoing

	path, err := c.options.Writer.SaveMessage(ctx, outgoing)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrSendFailure, err)
		return c.finish(request, "", err), err
	}
	return c.finish(request, path, nil), nil
}

// SubmitImage uploads data and sends an image message pointing at it.
func (c *SendCoordinator) SubmitImage(ctx context.Context, sender, receiver string, timestamp int64, data []byte) (SendRequest, error) {
	if c.options.Blobs == nil {
		return SendRequest{State: SendFailed, Err: ErrNoBlobStore}, ErrNoBlobStore
	}

	url, err := c.options.Blobs.Upload(ctx, data)
	if err != nil {
		err = fmt.Errorf("%w: upload image: %w", ErrSendFailure, err)
		c.logger.SendFailed("", receiver, err)
		return SendRequest{State: SendFailed, Err: err}, err
	}

	return c.Submit(ctx, models.Message{
		SenderID:   sender,
		ReceiverID: receiver,
		Timestamp:  timestamp,
		Type:       models.MessageTypeImage,
		Content:    ImageContent,
		ImageURL:   url,
	})
}

func (c *SendCoordinator) reserve(fingerprint string, msg models.Message) (SendRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.pending[fingerprint]; ok {
		c.options.Metrics.Duplicate()
		c.logger.DuplicateSuppressed(fingerprint)
		return existing, ErrDuplicatePending
	}

	request := SendRequest{Fingerprint: fingerprint, Message: msg, State: SendPending}
	c.pending[fingerprint] = request
	c.options.Metrics.SetPending(len(c.pending))
	return request, nil
}

// prepare returns the message as it will be stored: encrypted when the
// recipient has a key and encryption is enabled, plaintext otherwise.
func (c *SendCoordinator) prepare(ctx context.Context, msg models.Message) (models.Message, error) {
	msg.TimeSlot = crypto.TimeSlot(msg.Timestamp)
	msg.IsEncrypted = false
	msg.EncryptedSymmetricKey = ""
	msg.IV = ""
	msg.IntegrityHash = ""

	enabled := true
	if c.options.Encryption != nil {
		var err error
		if enabled, err = c.options.Encryption.EncryptionEnabled(); err != nil {
			return msg, fmt.Errorf("read encryption setting: %w", err)
		}
	}
	if !enabled {
		c.fallback(msg, "encryption disabled")
		return msg, nil
	}

	publicKey, ok, err := c.options.Directory.GetPublicKey(ctx, msg.ReceiverID)
	if err != nil {
		return msg, fmt.Errorf("%w: look up recipient key: %w", ErrSendFailure, err)
	}
	if !ok {
		c.fallback(msg, ErrNoRecipientKey.Error())
		return msg, nil
	}

	envelope, err := crypto.Encrypt(msg.Content, msg.Timestamp, publicKey)
	c.options.Metrics.CryptoOp("encrypt", err)
	if err != nil {
		return msg, err
	}

	msg.IntegrityHash = crypto.Hash(msg.Content)
	msg.Content = envelope.Ciphertext
	msg.EncryptedSymmetricKey = envelope.WrappedKey
	msg.IV = envelope.IV
	msg.TimeSlot = envelope.TimeSlot
	msg.IsEncrypted = true
	return msg, nil
}

func (c *SendCoordinator) fallback(msg models.Message, reason string) {
	c.logger.PlaintextFallback(msg.ReceiverID, reason)
	if c.options.Security == nil {
		return
	}
	details, err := json.Marshal(map[string]string{
		"receiver_id": msg.ReceiverID,
		"reason":      reason,
	})
	if err != nil {
		return
	}
	sender, cid := msg.SenderID, msg.ConversationID()
	if err := c.options.Security.LogSecurityEvent(storage.SecurityEvent{
		EventType:      storage.SecurityEventPlaintextFallback,
		Identity:       &sender,
		ConversationID: &cid,
		Details:        string(details),
		Severity:       storage.SecuritySeverityWarning,
	}); err != nil {
		c.logger.Error(err, "record plaintext fallback event")
	}
}

// finish releases the fingerprint and moves the request to its terminal state.
func (c *SendCoordinator) finish(request SendRequest, path string, err error) SendRequest {
	c.mu.Lock()
	delete(c.pending, request.Fingerprint)
	c.options.Metrics.SetPending(len(c.pending))
	c.mu.Unlock()

	request.Path = path
	request.Err = err
	encrypted := request.Message.IsEncrypted
	if err != nil {
		request.State = SendFailed
		c.logger.SendFailed(request.Fingerprint, request.Message.ReceiverID, err)
		c.options.Metrics.Sent(string(SendFailed), encrypted)
	} else {
		request.State = SendSent
		c.logger.MessageSent(request.Fingerprint, request.Message.ReceiverID, encrypted)
		c.options.Metrics.Sent(string(SendSent), encrypted)
	}

	c.journal(request)
	c.emit(request)
	return request
}

func (c *SendCoordinator) journal(request SendRequest) {
	if c.options.Journal == nil {
		return
	}
	errText := ""
	if request.Err != nil {
		errText = request.Err.Error()
	}
	if err := c.options.Journal.RecordSend(sendRecord(request, errText)); err != nil {
		c.logger.Error(err, "send journal not updated")
	}
}

func sendRecord(request SendRequest, errText string) storage.SendRecord {
	return storage.SendRecord{
		Fingerprint:    request.Fingerprint,
		ConversationID: request.Message.ConversationID(),
		SenderID:       request.Message.SenderID,
		ReceiverID:     request.Message.ReceiverID,
		TimestampSent:  request.Message.Timestamp,
		Encrypted:      request.Message.IsEncrypted,
		State:          string(request.State),
		Error:          errText,
	}
}

func (c *SendCoordinator) emit(request SendRequest) {
	if c.options.OnStateChange != nil {
		c.options.OnStateChange(request)
	}
}
