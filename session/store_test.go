// Copyright 2026 The Telegram Copilot Bridge Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/duncanhovsky/telegram-copilot-bridge-skill/lib/clock"
)

var storeTestEpoch = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

const testHistoryCap = 5

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// openStoreAt opens a store at an explicit path without registering
// a cleanup, for tests that reopen the same database.
func openStoreAt(t *testing.T, path string, fakeClock *clock.Fake) *Store {
	t.Helper()

	store, err := OpenStore(StoreConfig{
		Path:         path,
		HistoryCap:   testHistoryCap,
		Retention:    30 * 24 * time.Hour,
		DefaultTopic: "general",
		DefaultAgent: "copilot",
		Clock:        fakeClock,
		Logger:       testLogger(),
	})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	return store
}

func openTestStore(t *testing.T) (*Store, *clock.Fake) {
	t.Helper()

	fakeClock := clock.NewFake(storeTestEpoch)
	store := openStoreAt(t, filepath.Join(t.TempDir(), "sessions.db"), fakeClock)
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("store.Close: %v", err)
		}
	})
	return store, fakeClock
}

// appendText appends a user message, advancing the fake clock one
// second first so every message gets a distinct timestamp.
func appendText(t *testing.T, store *Store, fakeClock *clock.Fake, chatID int64, topic, content string) Message {
	t.Helper()

	fakeClock.Advance(time.Second)
	stored, err := store.Append(context.Background(), Message{
		ChatID:  chatID,
		Topic:   topic,
		Role:    RoleUser,
		Content: content,
	})
	if err != nil {
		t.Fatalf("Append %q: %v", content, err)
	}
	return stored
}

func TestAppendAndHistory(t *testing.T) {
	store, fakeClock := openTestStore(t)
	ctx := context.Background()

	appendText(t, store, fakeClock, 1, "dev", "first")
	stored := appendText(t, store, fakeClock, 1, "dev", "second")

	if stored.ID == 0 {
		t.Error("Append did not assign an id")
	}
	if stored.CreatedAt == 0 {
		t.Error("Append did not assign a timestamp")
	}
	if stored.Agent != "copilot" {
		t.Errorf("Agent = %q, want default agent", stored.Agent)
	}

	messages, err := store.History(ctx, 1, "dev", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("History returned %d messages, want 2", len(messages))
	}
	last := messages[len(messages)-1]
	if last.Role != RoleUser || last.Content != "second" {
		t.Errorf("last message = %q role %q, want the just-appended message", last.Content, last.Role)
	}
	if messages[0].CreatedAt > messages[1].CreatedAt {
		t.Error("History is not in ascending chronological order")
	}
}

func TestAppendRejectsInvalidRole(t *testing.T) {
	store, _ := openTestStore(t)

	_, err := store.Append(context.Background(), Message{
		ChatID:  1,
		Role:    "moderator",
		Content: "nope",
	})
	if err == nil {
		t.Fatal("Append accepted an invalid role")
	}
}

func TestAppendDefaultsTopic(t *testing.T) {
	store, fakeClock := openTestStore(t)
	ctx := context.Background()

	stored := appendText(t, store, fakeClock, 1, "", "hello")
	if stored.Topic != "general" {
		t.Errorf("Topic = %q, want the default topic", stored.Topic)
	}

	// An empty topic on read resolves the same way.
	messages, err := store.History(ctx, 1, "", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("History via default topic returned %d messages, want 1", len(messages))
	}
}

func TestCapEvictsOldest(t *testing.T) {
	store, fakeClock := openTestStore(t)
	ctx := context.Background()

	for i := 0; i <= testHistoryCap; i++ {
		appendText(t, store, fakeClock, 1, "dev", "message-"+string(rune('a'+i)))
	}

	messages, err := store.History(ctx, 1, "dev", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(messages) != testHistoryCap {
		t.Fatalf("thread holds %d messages after cap+1 appends, want %d", len(messages), testHistoryCap)
	}
	if messages[0].Content == "message-a" {
		t.Error("oldest message survived the cap sweep")
	}
	if messages[len(messages)-1].Content != "message-"+string(rune('a'+testHistoryCap)) {
		t.Errorf("newest message = %q, want the last appended", messages[len(messages)-1].Content)
	}
}

func TestCapIsPerThread(t *testing.T) {
	store, fakeClock := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < testHistoryCap; i++ {
		appendText(t, store, fakeClock, 1, "dev", "dev message")
		appendText(t, store, fakeClock, 1, "ops", "ops message")
	}
	appendText(t, store, fakeClock, 1, "dev", "overflow")

	ops, err := store.History(ctx, 1, "ops", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(ops) != testHistoryCap {
		t.Errorf("ops thread holds %d messages, want %d untouched by the dev sweep", len(ops), testHistoryCap)
	}
}

func TestRetentionHorizon(t *testing.T) {
	store, fakeClock := openTestStore(t)
	ctx := context.Background()

	appendText(t, store, fakeClock, 1, "dev", "ancient")

	fakeClock.Advance(31 * 24 * time.Hour)
	appendText(t, store, fakeClock, 2, "other", "fresh")

	messages, err := store.History(ctx, 1, "dev", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("expired message survived the horizon sweep: %v", messages)
	}
}

func TestSearchScopedToChat(t *testing.T) {
	store, fakeClock := openTestStore(t)
	ctx := context.Background()

	appendText(t, store, fakeClock, 1, "dev", "the needle is here")
	appendText(t, store, fakeClock, 1, "ops", "another needle elsewhere")
	appendText(t, store, fakeClock, 2, "dev", "a needle in a different chat")
	appendText(t, store, fakeClock, 1, "dev", "nothing of note")

	matches, err := store.Search(ctx, 1, "needle", 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("Search returned %d matches, want 2", len(matches))
	}
	for _, match := range matches {
		if match.ChatID != 1 {
			t.Errorf("Search leaked a message from chat %d", match.ChatID)
		}
		if !strings.Contains(match.Content, "needle") {
			t.Errorf("Search returned non-matching content %q", match.Content)
		}
	}
	if matches[0].CreatedAt < matches[1].CreatedAt {
		t.Error("Search is not most-recent-first")
	}
}

func TestListThreads(t *testing.T) {
	store, fakeClock := openTestStore(t)
	ctx := context.Background()

	appendText(t, store, fakeClock, 1, "dev", "one")
	appendText(t, store, fakeClock, 1, "dev", "two")
	appendText(t, store, fakeClock, 2, "general", "elsewhere")
	appendText(t, store, fakeClock, 1, "ops", "latest")

	threads, err := store.ListThreads(ctx, 1)
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(threads) != 2 {
		t.Fatalf("ListThreads(1) returned %d threads, want 2", len(threads))
	}
	if threads[0].Topic != "ops" {
		t.Errorf("most recent thread = %q, want ops", threads[0].Topic)
	}
	if threads[1].Topic != "dev" || threads[1].MessageCount != 2 {
		t.Errorf("dev thread = %+v, want 2 messages", threads[1])
	}

	all, err := store.ListThreads(ctx, 0)
	if err != nil {
		t.Fatalf("ListThreads(0): %v", err)
	}
	if len(all) != 3 {
		t.Errorf("ListThreads(0) returned %d threads, want all 3", len(all))
	}
}

func TestContinueContextEmptyThread(t *testing.T) {
	store, _ := openTestStore(t)

	continuation, err := store.ContinueContext(context.Background(), 9, "dev", 10)
	if err != nil {
		t.Fatalf("ContinueContext: %v", err)
	}
	if len(continuation.Messages) != 0 {
		t.Errorf("empty thread returned %d messages", len(continuation.Messages))
	}
	if continuation.Agent != "copilot" {
		t.Errorf("Agent = %q, want the default agent", continuation.Agent)
	}
	if continuation.Summary == "" {
		t.Error("empty thread must still produce a placeholder summary")
	}
}

func TestContinueContextSummary(t *testing.T) {
	store, fakeClock := openTestStore(t)
	ctx := context.Background()

	fakeClock.Advance(time.Second)
	if _, err := store.Append(ctx, Message{
		ChatID: 1, Topic: "dev", Role: RoleUser, Content: "how do I frame this?",
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	fakeClock.Advance(time.Second)
	if _, err := store.Append(ctx, Message{
		ChatID: 1, Topic: "dev", Role: RoleAssistant, Content: "use a length header", Agent: "rust-helper",
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	continuation, err := store.ContinueContext(ctx, 1, "dev", 10)
	if err != nil {
		t.Fatalf("ContinueContext: %v", err)
	}
	if continuation.Agent != "rust-helper" {
		t.Errorf("Agent = %q, want the most recent message's agent", continuation.Agent)
	}
	if !strings.Contains(continuation.Summary, "user: how do I frame this?") {
		t.Errorf("Summary %q is missing the user turn", continuation.Summary)
	}
	if !strings.Contains(continuation.Summary, "assistant: use a length header") {
		t.Errorf("Summary %q is missing the assistant turn", continuation.Summary)
	}
}

func TestCurrentProfile(t *testing.T) {
	store, fakeClock := openTestStore(t)
	ctx := context.Background()

	profile, err := store.CurrentProfile(ctx, 1, "")
	if err != nil {
		t.Fatalf("CurrentProfile: %v", err)
	}
	if profile.Topic != "general" || profile.Agent != "copilot" {
		t.Errorf("empty-thread profile = %+v, want defaults", profile)
	}

	fakeClock.Advance(time.Second)
	if _, err := store.Append(ctx, Message{
		ChatID: 1, Topic: "dev", Role: RoleAssistant, Content: "done", Agent: "rust-helper",
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	profile, err = store.CurrentProfile(ctx, 1, "dev")
	if err != nil {
		t.Fatalf("CurrentProfile: %v", err)
	}
	if profile.Agent != "rust-helper" {
		t.Errorf("Agent = %q, want the most recent message's agent", profile.Agent)
	}
}

func TestOffsetPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	fakeClock := clock.NewFake(storeTestEpoch)
	ctx := context.Background()

	store := openStoreAt(t, path, fakeClock)

	offset, err := store.Offset(ctx)
	if err != nil {
		t.Fatalf("Offset: %v", err)
	}
	if offset != 0 {
		t.Errorf("fresh store Offset = %d, want 0", offset)
	}

	if err := store.SetOffset(ctx, 99); err != nil {
		t.Fatalf("SetOffset: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := openStoreAt(t, path, fakeClock)
	defer reopened.Close()

	offset, err = reopened.Offset(ctx)
	if err != nil {
		t.Fatalf("Offset after reopen: %v", err)
	}
	if offset != 99 {
		t.Errorf("Offset after reopen = %d, want 99", offset)
	}
}

func TestTopicState(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, found, err := store.TopicState(ctx, 1, "dev", "attachment"); err != nil {
		t.Fatalf("TopicState: %v", err)
	} else if found {
		t.Error("unset slot reported found")
	}

	if err := store.SetTopicState(ctx, 1, "dev", "attachment", "file-123"); err != nil {
		t.Fatalf("SetTopicState: %v", err)
	}

	value, found, err := store.TopicState(ctx, 1, "dev", "attachment")
	if err != nil {
		t.Fatalf("TopicState: %v", err)
	}
	if !found || value != "file-123" {
		t.Errorf("TopicState = (%q, %v), want (file-123, true)", value, found)
	}

	// Slots are per thread: the same key in another topic is unset.
	if _, found, err := store.TopicState(ctx, 1, "ops", "attachment"); err != nil {
		t.Fatalf("TopicState: %v", err)
	} else if found {
		t.Error("slot leaked across topics")
	}

	// Last write wins.
	if err := store.SetTopicState(ctx, 1, "dev", "attachment", "file-456"); err != nil {
		t.Fatalf("SetTopicState: %v", err)
	}
	value, _, err = store.TopicState(ctx, 1, "dev", "attachment")
	if err != nil {
		t.Fatalf("TopicState: %v", err)
	}
	if value != "file-456" {
		t.Errorf("TopicState after overwrite = %q, want file-456", value)
	}
}

type attachmentRecord struct {
	FileName  string `cbor:"fileName"`
	PageCount int    `cbor:"pageCount"`
}

func TestAttachmentRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	body := strings.Repeat("compressible attachment text. ", 200)
	record := attachmentRecord{FileName: "notes.pdf", PageCount: 3}
	if err := store.PutAttachment(ctx, "file-123", record, body); err != nil {
		t.Fatalf("PutAttachment: %v", err)
	}

	var loaded attachmentRecord
	gotBody, found, err := store.GetAttachment(ctx, "file-123", &loaded)
	if err != nil {
		t.Fatalf("GetAttachment: %v", err)
	}
	if !found {
		t.Fatal("stored attachment not found")
	}
	if loaded != record {
		t.Errorf("record = %+v, want %+v", loaded, record)
	}
	if gotBody != body {
		t.Error("attachment body did not survive the round trip")
	}

	// Unknown file id reports not found, not an error.
	if _, found, err := store.GetAttachment(ctx, "missing", &loaded); err != nil {
		t.Fatalf("GetAttachment(missing): %v", err)
	} else if found {
		t.Error("missing attachment reported found")
	}
}
