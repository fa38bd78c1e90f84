package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a structured logger writing JSON lines to output.
func NewLogger(service, version, level string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stderr
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Logger()

	return &Logger{logger: logger}
}

// NopLogger discards everything; used by tests and optional wiring.
func NopLogger() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// WithIdentity adds the signed-in identity to every entry.
func (l *Logger) WithIdentity(identity string) *Logger {
	return &Logger{logger: l.logger.With().Str("identity", identity).Logger()}
}

// WithConversation adds conversation_id context.
func (l *Logger) WithConversation(conversationID string) *Logger {
	return &Logger{logger: l.logger.With().Str("conversation_id", conversationID).Logger()}
}

// WithComponent adds a component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{logger: l.logger.With().Str("component", component).Logger()}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// MessageSent logs a completed submission.
func (l *Logger) MessageSent(fingerprint, receiverID string, encrypted bool) {
	l.logger.Info().
		Str("fingerprint", fingerprint).
		Str("receiver_id", receiverID).
		Bool("encrypted", encrypted).
		Msg("message sent")
}

// SendFailed logs a failed submission.
func (l *Logger) SendFailed(fingerprint, receiverID string, err error) {
	l.logger.Error().
		Str("fingerprint", fingerprint).
		Str("receiver_id", receiverID).
		Err(err).
		Msg("message send failed")
}

// DuplicateSuppressed logs a submission dropped because an identical one is pending.
func (l *Logger) DuplicateSuppressed(fingerprint string) {
	l.logger.Debug().
		Str("fingerprint", fingerprint).
		Msg("duplicate submission suppressed")
}

// PlaintextFallback logs a send that goes out unencrypted.
func (l *Logger) PlaintextFallback(receiverID, reason string) {
	l.logger.Warn().
		Str("receiver_id", receiverID).
		Str("reason", reason).
		Msg("sending message unencrypted")
}

// DecryptFailed logs an inbound message that could not be decrypted.
func (l *Logger) DecryptFailed(senderID string, timestamp, timeSlot int64, err error) {
	l.logger.Error().
		Str("sender_id", senderID).
		Int64("timestamp", timestamp).
		Int64("time_slot", timeSlot).
		Err(err).
		Msg("message decryption failed")
}

// HashMismatch logs a decrypted message whose integrity hash does not match.
func (l *Logger) HashMismatch(senderID string, timestamp int64) {
	l.logger.Warn().
		Str("sender_id", senderID).
		Int64("timestamp", timestamp).
		Msg("message hash verification failed")
}

// SnapshotRejected logs a store child that failed schema validation.
func (l *Logger) SnapshotRejected(path string, err error) {
	l.logger.Warn().
		Str("path", path).
		Err(err).
		Msg("dropping malformed record")
}

func parseLevel(level string) zerolog.Level {
	if strings.TrimSpace(level) == "" {
		return zerolog.InfoLevel
	}
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.InfoLevel
	}
	return parsed
}
