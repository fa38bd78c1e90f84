package storage

import (
	"testing"
	"time"
)

func TestLogAndQuerySecurityEvents(t *testing.T) {
	store := newTestStore(t)
	now := nowUnixMilli()
	bob := "bob"
	aliceBob := "alice_bob"
	bobCarol := "bob_carol"

	events := []SecurityEvent{
		{
			EventType:      SecurityEventPlaintextFallback,
			Identity:       &bob,
			ConversationID: &aliceBob,
			Details:        `{"reason":"no public key"}`,
			Severity:       SecuritySeverityWarning,
			Timestamp:      now - 2_000,
		},
		{
			EventType:      SecurityEventDecryptFailed,
			Identity:       &bob,
			ConversationID: &aliceBob,
			Details:        `{"time_slot":472222}`,
			Severity:       SecuritySeverityWarning,
			Timestamp:      now - 1_000,
		},
		{
			EventType:      SecurityEventDecryptFailed,
			Identity:       &bob,
			ConversationID: &bobCarol,
			Severity:       SecuritySeverityWarning,
			Timestamp:      now,
		},
		{
			EventType: SecurityEventKeysGenerated,
			Identity:  &bob,
			Timestamp: now,
		},
	}
	for _, event := range events {
		if err := store.LogSecurityEvent(event); err != nil {
			t.Fatalf("LogSecurityEvent %s failed: %v", event.EventType, err)
		}
	}

	all, err := store.SecurityEvents(SecurityEventFilter{Identity: bob, Limit: 10})
	if err != nil {
		t.Fatalf("SecurityEvents all failed: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 security events, got %d", len(all))
	}
	if all[3].EventType != SecurityEventPlaintextFallback {
		t.Fatalf("expected oldest event last, got %q", all[3].EventType)
	}
	if all[3].Severity != SecuritySeverityWarning || all[3].Details != `{"reason":"no public key"}` {
		t.Fatalf("unexpected stored event %+v", all[3])
	}

	scoped, err := store.SecurityEvents(SecurityEventFilter{ConversationID: aliceBob})
	if err != nil {
		t.Fatalf("SecurityEvents by conversation failed: %v", err)
	}
	if len(scoped) != 2 {
		t.Fatalf("expected 2 alice_bob events, got %d", len(scoped))
	}
	if scoped[0].EventType != SecurityEventDecryptFailed || *scoped[0].ConversationID != aliceBob {
		t.Fatalf("unexpected newest alice_bob event %+v", scoped[0])
	}

	failures, err := store.SecurityEvents(SecurityEventFilter{
		EventTypes: []string{SecurityEventDecryptFailed, SecurityEventHashMismatch},
		Since:      now - 1_500,
	})
	if err != nil {
		t.Fatalf("SecurityEvents by type failed: %v", err)
	}
	if len(failures) != 2 {
		t.Fatalf("expected 2 decrypt failures, got %d", len(failures))
	}
	if failures[0].Details != "{}" {
		t.Fatalf("expected empty details to default to {}, got %q", failures[0].Details)
	}

	counts, err := store.CountSecurityEvents(SecurityEventFilter{Identity: bob})
	if err != nil {
		t.Fatalf("CountSecurityEvents failed: %v", err)
	}
	if counts[SecurityEventDecryptFailed] != 2 || counts[SecurityEventPlaintextFallback] != 1 || counts[SecurityEventKeysGenerated] != 1 {
		t.Fatalf("unexpected counts %v", counts)
	}
	if all[0].EventType != SecurityEventKeysGenerated || all[0].ConversationID != nil {
		t.Fatalf("expected newest keys_generated event without conversation, got %+v", all[0])
	}
}

func TestLogSecurityEventValidation(t *testing.T) {
	store := newTestStore(t)

	if err := store.LogSecurityEvent(SecurityEvent{}); err == nil {
		t.Fatalf("expected missing event type to fail")
	}
	if err := store.LogSecurityEvent(SecurityEvent{EventType: "x", Severity: "loud"}); err == nil {
		t.Fatalf("expected invalid severity to fail")
	}
	if err := store.LogSecurityEvent(SecurityEvent{EventType: "x", Details: "not json"}); err == nil {
		t.Fatalf("expected invalid details to fail")
	}
}

func TestSecurityEventRetentionPrunesOldRows(t *testing.T) {
	store := newTestStore(t)
	store.SetSecurityEventRetention(1 * time.Second)

	now := nowUnixMilli()

	if err := store.LogSecurityEvent(SecurityEvent{
		EventType: "old_event",
		Details:   `{"state":"old"}`,
		Severity:  SecuritySeverityInfo,
		Timestamp: now - 10_000,
	}); err != nil {
		t.Fatalf("LogSecurityEvent old_event failed: %v", err)
	}
	if err := store.LogSecurityEvent(SecurityEvent{
		EventType: "new_event",
		Details:   `{"state":"new"}`,
		Severity:  SecuritySeverityInfo,
		Timestamp: now,
	}); err != nil {
		t.Fatalf("LogSecurityEvent new_event failed: %v", err)
	}

	events, err := store.SecurityEvents(SecurityEventFilter{Limit: 10})
	if err != nil {
		t.Fatalf("SecurityEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event after retention prune, got %d", len(events))
	}
	if events[0].EventType != "new_event" {
		t.Fatalf("expected retained event type new_event, got %q", events[0].EventType)
	}
}
