package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"cipherchat/chat"
	"cipherchat/models"
	"cipherchat/observability"
)

func runCommand(t *testing.T, a *app, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	if err := run(context.Background(), a, args[0], args[1:], &out); err != nil {
		t.Fatalf("%v: %v", args, err)
	}
	return out.String()
}

// syncBuffer is an io.Writer safe to read while a command writes to it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitForOutput(t *testing.T, out *syncBuffer, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !strings.Contains(out.String(), want) {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %q, have:\n%s", want, out.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func submitText(t *testing.T, a *app, sender, receiver string, at int64, text string) chat.SendRequest {
	t.Helper()
	coordinator, err := a.coordinator()
	if err != nil {
		t.Fatalf("coordinator() error = %v", err)
	}
	request, err := coordinator.Submit(context.Background(), models.Message{
		SenderID:   sender,
		ReceiverID: receiver,
		Timestamp:  at,
		Type:       models.MessageTypeText,
		Content:    text,
	})
	if err != nil {
		t.Fatalf("Submit(%q) error = %v", text, err)
	}
	return request
}

func TestCommandsEndToEnd(t *testing.T) {
	a, err := openApp(t.TempDir())
	if err != nil {
		t.Fatalf("openApp() error = %v", err)
	}
	defer a.Close()

	if out := runCommand(t, a, "init", "-identity", "bob"); !strings.Contains(out, "generated") {
		t.Fatalf("expected generated key pair, got %q", out)
	}
	runCommand(t, a, "init", "-identity", "alice", "-username", "Alice")

	out := runCommand(t, a, "send", "-to", "bob", "-text", "hello", "-at", "1700000000000")
	for _, want := range []string{"sent", "Encrypted:       true", "Time Slot:       472222"} {
		if !strings.Contains(out, want) {
			t.Fatalf("send output missing %q:\n%s", want, out)
		}
	}

	if out := runCommand(t, a, "init", "-identity", "bob"); !strings.Contains(out, "loaded") {
		t.Fatalf("expected existing key pair to load, got %q", out)
	}
	if out := runCommand(t, a, "log", "-with", "alice"); !strings.Contains(out, "alice -> bob: hello") {
		t.Fatalf("expected decrypted message in log, got %q", out)
	}
	if out := runCommand(t, a, "chats"); !strings.Contains(out, "unread=1") || !strings.Contains(out, "hello") {
		t.Fatalf("unexpected chats output %q", out)
	}
	if out := runCommand(t, a, "read", "-with", "alice"); !strings.Contains(out, "Marked Read:     1") {
		t.Fatalf("unexpected read output %q", out)
	}
	if out := runCommand(t, a, "chats"); !strings.Contains(out, "unread=0") {
		t.Fatalf("expected unread cleared, got %q", out)
	}

	runCommand(t, a, "logout")
	if a.keys.HasKeys("bob") {
		t.Fatalf("logout must clear bob's keys")
	}
	var buf bytes.Buffer
	if err := run(context.Background(), a, "chats", nil, &buf); !errors.Is(err, chat.ErrNotSignedIn) {
		t.Fatalf("expected ErrNotSignedIn after logout, got %v", err)
	}
}

func TestEncryptionToggleCommand(t *testing.T) {
	a, err := openApp(t.TempDir())
	if err != nil {
		t.Fatalf("openApp() error = %v", err)
	}
	defer a.Close()

	if out := runCommand(t, a, "encryption"); out != "Encryption:      on\n" {
		t.Fatalf("expected encryption on by default, got %q", out)
	}
	if out := runCommand(t, a, "encryption", "off"); out != "Encryption:      off\n" {
		t.Fatalf("expected encryption off, got %q", out)
	}

	runCommand(t, a, "init", "-identity", "bob")
	runCommand(t, a, "init", "-identity", "alice")
	if out := runCommand(t, a, "send", "-to", "bob", "-text", "plain"); !strings.Contains(out, "Encrypted:       false") {
		t.Fatalf("expected plaintext send with encryption off, got %q", out)
	}
}

func TestUnknownCommand(t *testing.T) {
	a, err := openApp(t.TempDir())
	if err != nil {
		t.Fatalf("openApp() error = %v", err)
	}
	defer a.Close()

	var out bytes.Buffer
	if err := run(context.Background(), a, "bogus", nil, &out); err == nil {
		t.Fatalf("expected error for unknown command")
	}
}

func TestLogFollowPrintsLateMessagesOnce(t *testing.T) {
	a, err := openApp(t.TempDir())
	if err != nil {
		t.Fatalf("openApp() error = %v", err)
	}
	defer a.Close()

	runCommand(t, a, "init", "-identity", "alice")
	runCommand(t, a, "init", "-identity", "bob")

	const base = int64(1_700_000_000_000)
	submitText(t, a, "alice", "bob", base+2000, "first")
	submitText(t, a, "alice", "bob", base+3000, "second")

	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, a, "log", []string{"-with", "alice", "-follow"}, out)
	}()

	waitForOutput(t, out, "-> bob: second\n")
	// Sorts before everything already printed.
	submitText(t, a, "alice", "bob", base+1000, "early")
	waitForOutput(t, out, "-> bob: early\n")
	submitText(t, a, "alice", "bob", base+4000, "third")
	waitForOutput(t, out, "-> bob: third\n")

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("log -follow error = %v", err)
	}
	for _, text := range []string{"first", "second", "early", "third"} {
		if n := strings.Count(out.String(), "-> bob: "+text+"\n"); n != 1 {
			t.Fatalf("expected %q printed once, got %d:\n%s", text, n, out.String())
		}
	}
}

func TestContactsAndPresence(t *testing.T) {
	a, err := openApp(t.TempDir())
	if err != nil {
		t.Fatalf("openApp() error = %v", err)
	}
	defer a.Close()
	ctx := context.Background()

	runCommand(t, a, "init", "-identity", "carol")
	runCommand(t, a, "init", "-identity", "alice", "-username", "Alice")
	runCommand(t, a, "init", "-identity", "bob")

	out := runCommand(t, a, "contacts")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two contacts, got:\n%s", out)
	}
	if fields := strings.Fields(lines[0]); fields[0] != "alice" || fields[1] != "Alice" || fields[2] != models.StatusOnline {
		t.Fatalf("unexpected alice row %q", lines[0])
	}
	if fields := strings.Fields(lines[1]); fields[0] != "carol" {
		t.Fatalf("unexpected carol row %q", lines[1])
	}

	runCommand(t, a, "logout")
	bob, ok, err := a.directory.GetUser(ctx, "bob")
	if err != nil || !ok {
		t.Fatalf("GetUser(bob) = ok %v err %v", ok, err)
	}
	if bob.Status != models.StatusOffline {
		t.Fatalf("expected bob offline after logout, got %q", bob.Status)
	}
	if !bob.HasPublicKey() {
		t.Fatalf("logout must keep the published public key")
	}
}

func TestSendsAndEventsCommands(t *testing.T) {
	a, err := openApp(t.TempDir())
	if err != nil {
		t.Fatalf("openApp() error = %v", err)
	}
	defer a.Close()

	runCommand(t, a, "init", "-identity", "bob")
	// dave never published a key, so the send falls back to plaintext.
	request := submitText(t, a, "bob", "dave", 1_700_000_000_000, "hi dave")

	out := runCommand(t, a, "sends", "-with", "dave")
	if !strings.Contains(out, "sent") || !strings.Contains(out, "encrypted=false") || !strings.Contains(out, request.Fingerprint) {
		t.Fatalf("unexpected sends output %q", out)
	}
	if one := runCommand(t, a, "sends", "-fingerprint", request.Fingerprint); one != out {
		t.Fatalf("expected single row to match listing, got %q want %q", one, out)
	}

	out = runCommand(t, a, "events", "-with", "dave")
	if !strings.Contains(out, "plaintext_fallback") || !strings.Contains(out, "Plaintext Sends: 1\n") {
		t.Fatalf("unexpected events output %q", out)
	}
	if out := runCommand(t, a, "events", "-with", "alice"); !strings.Contains(out, "Plaintext Sends: 0\n") {
		t.Fatalf("expected no events for another conversation, got %q", out)
	}
	if out := runCommand(t, a, "events", "-type", "keys_generated"); !strings.Contains(out, "keys_generated") {
		t.Fatalf("expected keys_generated event, got %q", out)
	}
}

func TestFailLogsStructuredError(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLogger("cipherchat", version, "info", &buf)

	if code := fail(logger.WithComponent("send"), "command failed", errors.New("store unavailable")); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("parse log line %q: %v", buf.String(), err)
	}
	if entry["level"] != "error" || entry["error"] != "store unavailable" || entry["component"] != "send" || entry["message"] != "command failed" {
		t.Fatalf("unexpected log entry %v", entry)
	}
}
