package chat

import (
	"context"
	"reflect"
	"sync"
	"testing"

	"cipherchat/models"
	"cipherchat/realtime"
)

func TestConversationConcurrentApplyConverges(t *testing.T) {
	all := make([]models.Message, 0, 40)
	for i := int64(1); i <= 40; i++ {
		all = append(all, textMessage("alice", "bob", i, "m"))
	}

	conv := NewConversation("bob", "alice", nil)
	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		worker := worker
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Overlapping windows in a different order per worker.
			for i := len(all) - 1 - worker; i >= 0; i -= 3 {
				conv.ApplyMessages(all[max(0, i-5) : i+1])
			}
			conv.ApplyMessages(all)
		}()
	}
	wg.Wait()

	got := conv.Raw()
	if !reflect.DeepEqual(got, Merge(nil, all)) {
		t.Fatalf("concurrent applies did not converge: %d messages", len(got))
	}
	if conv.UnreadCount() != 40 {
		t.Fatalf("expected 40 unread, got %d", conv.UnreadCount())
	}
}

func TestConversationApplySnapshotSkipsMalformedChildren(t *testing.T) {
	valid, err := models.EncodeMessage(textMessage("alice", "bob", 1, "hi"))
	if err != nil {
		t.Fatalf("EncodeMessage() error = %v", err)
	}
	snapshot := realtime.Snapshot{
		Path: "messages/alice_bob",
		Children: map[string][]byte{
			"1": valid,
			"2": []byte(`{"senderId":"alice","content":"no receiver"}`),
			"3": []byte(`not json`),
		},
	}

	conv := NewConversation("alice", "bob", nil)
	if !conv.Apply(snapshot) {
		t.Fatalf("expected snapshot applied")
	}
	if got := conv.Raw(); len(got) != 1 || got[0].Content != "hi" {
		t.Fatalf("expected only the valid message, got %+v", got)
	}
	select {
	case <-conv.Updates():
	default:
		t.Fatalf("expected update signal")
	}
}

func TestConversationDiscardsAfterClose(t *testing.T) {
	conv := NewConversation("alice", "bob", nil)
	conv.ApplyMessages([]models.Message{textMessage("alice", "bob", 1, "hi")})
	conv.Close()

	if conv.ApplyMessages([]models.Message{textMessage("alice", "bob", 2, "late")}) {
		t.Fatalf("expected late snapshot rejected")
	}
	if !conv.Closed() || len(conv.Raw()) != 0 {
		t.Fatalf("expected closed, empty conversation")
	}
}

func TestConversationMessagesDecrypts(t *testing.T) {
	conv := NewConversation("bob", "alice", nil)
	conv.ApplyMessages([]models.Message{encryptedMessage(t, "alice", "bob", scenarioTimestamp, "hello")})

	if got := conv.Messages(nil); got[0].Content != "hello" {
		t.Fatalf("expected decrypted content, got %q", got[0].Content)
	}
	if raw := conv.Raw(); !raw[0].IsEncrypted {
		t.Fatalf("cache must keep the stored form")
	}
}

func TestConversationFollowsStore(t *testing.T) {
	store := newTestRealtime(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conv := NewConversation("alice", "bob", nil)
	updates, err := store.Subscribe(ctx, MessagesPath(conv.ID()))
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	repo := NewRepository(store, nil)
	if _, err := repo.SaveMessage(ctx, textMessage("alice", "bob", 1, "hi")); err != nil {
		t.Fatalf("SaveMessage() error = %v", err)
	}

	for len(conv.Raw()) == 0 {
		snapshot, ok := <-updates
		if !ok {
			t.Fatalf("subscription closed")
		}
		conv.Apply(snapshot)
	}
	if conv.Raw()[0].Content != "hi" {
		t.Fatalf("unexpected content %q", conv.Raw()[0].Content)
	}
}

func TestCursorYieldsLateMessagesOnce(t *testing.T) {
	first := textMessage("alice", "bob", 2000, "first")
	second := textMessage("alice", "bob", 3000, "second")
	early := textMessage("alice", "bob", 1000, "early")

	cursor := NewCursor()
	got := cursor.Unseen(Merge(nil, []models.Message{first, second}))
	if len(got) != 2 || got[0].Content != "first" || got[1].Content != "second" {
		t.Fatalf("unexpected initial batch %+v", got)
	}

	// early sorts to the front of the merged log.
	log := Merge([]models.Message{first, second}, []models.Message{early})
	got = cursor.Unseen(log)
	if len(got) != 1 || got[0].Content != "early" {
		t.Fatalf("expected only the late message, got %+v", got)
	}

	read := second
	read.IsRead = true
	if got := cursor.Unseen(Merge(log, []models.Message{read})); len(got) != 0 {
		t.Fatalf("read state change must not repeat a message, got %+v", got)
	}
}
