// Copyright 2026 The Telegram Copilot Bridge Authors
// SPDX-License-Identifier: Apache-2.0

package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/duncanhovsky/telegram-copilot-bridge-skill/catalog"
	"github.com/duncanhovsky/telegram-copilot-bridge-skill/intent"
	"github.com/duncanhovsky/telegram-copilot-bridge-skill/lib/clock"
	"github.com/duncanhovsky/telegram-copilot-bridge-skill/pdf"
	"github.com/duncanhovsky/telegram-copilot-bridge-skill/session"
	"github.com/duncanhovsky/telegram-copilot-bridge-skill/telegram"
)

var bridgeTestEpoch = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeMessenger is an in-memory Messenger.
type fakeMessenger struct {
	updates      []telegram.Update
	lastOffset   int64
	sentChatID   int64
	sentText     string
	nextMessage  int64
	sendFailures int
}

func (f *fakeMessenger) GetUpdates(ctx context.Context, offset int64, timeoutSeconds int) ([]telegram.Update, error) {
	f.lastOffset = offset
	return f.updates, nil
}

func (f *fakeMessenger) SendMessage(ctx context.Context, chatID int64, text string) (int64, error) {
	if f.sendFailures > 0 {
		f.sendFailures--
		return 0, fmt.Errorf("simulated send failure")
	}
	f.sentChatID = chatID
	f.sentText = text
	f.nextMessage++
	return f.nextMessage, nil
}

// fakeIngester returns canned records and answers.
type fakeIngester struct {
	ingested []string
	answer   string
}

func (f *fakeIngester) Ingest(ctx context.Context, fileID, fileName string) (*pdf.Record, error) {
	f.ingested = append(f.ingested, fileID)
	return &pdf.Record{
		FileID:    fileID,
		FileName:  fileName,
		Kind:      pdf.KindDocument,
		PageCount: 2,
		CharCount: 11,
		Text:      "sample text",
	}, nil
}

func (f *fakeIngester) AnswerQuestion(ctx context.Context, modelID, topic, agent string, record *pdf.Record, question string) (string, error) {
	return f.answer, nil
}

func newTestBridge(t *testing.T, messenger Messenger, ingester Ingester) (*Registry, *session.Store) {
	t.Helper()

	store, err := session.OpenStore(session.StoreConfig{
		Path:         filepath.Join(t.TempDir(), "sessions.db"),
		HistoryCap:   10,
		Retention:    30 * 24 * time.Hour,
		DefaultTopic: "general",
		DefaultAgent: "copilot",
		Clock:        clock.NewFake(bridgeTestEpoch),
		Logger:       testLogger(),
	})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	registry := NewRegistry()
	if _, err := NewBridge(BridgeConfig{
		Store:     store,
		Messenger: messenger,
		Ingester:  ingester,
		Logger:    testLogger(),
	}, registry); err != nil {
		t.Fatalf("NewBridge: %v", err)
	}
	return registry, store
}

func call(t *testing.T, registry *Registry, name, args string) any {
	t.Helper()
	result, err := registry.Call(context.Background(), name, json.RawMessage(args))
	if err != nil {
		t.Fatalf("Call(%s): %v", name, err)
	}
	return result
}

func TestEveryToolAnswersToBothNames(t *testing.T) {
	registry, _ := newTestBridge(t, &fakeMessenger{}, &fakeIngester{})

	for _, tool := range registry.List() {
		if len(tool.Aliases) != 1 {
			t.Errorf("%s has %d aliases, want exactly one dotted alias", tool.Name, len(tool.Aliases))
			continue
		}
		dotted := tool.Aliases[0]
		if strings.ReplaceAll(dotted, ".", "_") != tool.Name {
			t.Errorf("alias %q does not mirror canonical name %q", dotted, tool.Name)
		}
	}
}

func TestFetchMessagesAppendsAndAdvancesOffset(t *testing.T) {
	messenger := &fakeMessenger{
		updates: []telegram.Update{
			{
				UpdateID: 5,
				Message: &telegram.IncomingMessage{
					MessageID: 100,
					Chat:      telegram.Chat{ID: 42},
					Text:      "hello bridge",
				},
			},
			{
				UpdateID: 6,
				Message: &telegram.IncomingMessage{
					MessageID: 101,
					Chat:      telegram.Chat{ID: 42},
					Document: &telegram.Document{
						FileID:   "file-9",
						FileName: "notes.pdf",
						MimeType: "application/pdf",
					},
				},
			},
		},
	}
	ingester := &fakeIngester{}
	registry, store := newTestBridge(t, messenger, ingester)
	ctx := context.Background()

	result := call(t, registry, "telegram_fetch_messages", `{}`).(map[string]any)

	if offset := result["offset"].(int64); offset != 7 {
		t.Errorf("offset = %d, want 7", offset)
	}
	stored, err := store.Offset(ctx)
	if err != nil {
		t.Fatalf("Offset: %v", err)
	}
	if stored != 7 {
		t.Errorf("persisted offset = %d, want 7", stored)
	}

	messages := result["messages"].([]fetchedMessage)
	if len(messages) != 2 {
		t.Fatalf("got %d fetched messages, want 2", len(messages))
	}
	if messages[0].Text != "hello bridge" || messages[1].Document != "notes.pdf" {
		t.Errorf("fetched = %+v", messages)
	}

	history, err := store.History(ctx, 42, "", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 || history[0].Role != session.RoleUser || history[0].Content != "hello bridge" {
		t.Errorf("history = %+v, want the inbound text as role=user", history)
	}

	if len(ingester.ingested) != 1 || ingester.ingested[0] != "file-9" {
		t.Errorf("ingested = %v, want [file-9]", ingester.ingested)
	}
	pointer, found, err := store.TopicState(ctx, 42, "", "attachment")
	if err != nil {
		t.Fatalf("TopicState: %v", err)
	}
	if !found || pointer != "file-9" {
		t.Errorf("attachment pointer = (%q, %v), want (file-9, true)", pointer, found)
	}
}

func TestFetchMessagesWithoutMessengerFails(t *testing.T) {
	registry, _ := newTestBridge(t, nil, nil)
	_, err := registry.Call(context.Background(), "telegram_fetch_messages", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("fetch_messages succeeded without a configured messenger")
	}
}

func TestSendMessageAppendsAssistantTurn(t *testing.T) {
	messenger := &fakeMessenger{}
	registry, store := newTestBridge(t, messenger, nil)

	result := call(t, registry, "telegram_send_message",
		`{"chatId":42,"text":"done!","topic":"dev"}`).(map[string]any)

	if result["messageId"].(int64) != 1 {
		t.Errorf("messageId = %v, want 1", result["messageId"])
	}
	if messenger.sentChatID != 42 || messenger.sentText != "done!" {
		t.Errorf("sent (%d, %q), want (42, done!)", messenger.sentChatID, messenger.sentText)
	}

	history, err := store.History(context.Background(), 42, "dev", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 || history[0].Role != session.RoleAssistant {
		t.Errorf("history = %+v, want one assistant message", history)
	}
}

func TestSendMessageFailureDoesNotAppend(t *testing.T) {
	messenger := &fakeMessenger{sendFailures: 1}
	registry, store := newTestBridge(t, messenger, nil)

	_, err := registry.Call(context.Background(), "telegram_send_message",
		json.RawMessage(`{"chatId":42,"text":"lost"}`))
	if err == nil {
		t.Fatal("send_message swallowed the transport failure")
	}

	history, err := store.History(context.Background(), 42, "", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("failed send still appended: %+v", history)
	}
}

func TestSessionToolsRoundTrip(t *testing.T) {
	registry, _ := newTestBridge(t, nil, nil)

	appended := call(t, registry, "session_append_message",
		`{"chatId":1,"topic":"dev","role":"user","content":"find me later"}`).(session.Message)
	if appended.ID == 0 {
		t.Error("append_message did not assign an id")
	}

	history := call(t, registry, "session_get_history",
		`{"chatId":1,"topic":"dev"}`).(map[string]any)["messages"].([]session.Message)
	if len(history) != 1 || history[0].Content != "find me later" {
		t.Errorf("history = %+v", history)
	}

	matches := call(t, registry, "session_search",
		`{"chatId":1,"keyword":"later"}`).(map[string]any)["messages"].([]session.Message)
	if len(matches) != 1 {
		t.Errorf("search returned %d matches, want 1", len(matches))
	}

	threads := call(t, registry, "session_list_threads",
		`{"chatId":1}`).(map[string]any)["threads"].([]session.ThreadSummary)
	if len(threads) != 1 || threads[0].Topic != "dev" {
		t.Errorf("threads = %+v", threads)
	}

	continuation := call(t, registry, "session_continue",
		`{"chatId":1,"topic":"dev"}`).(session.Continuation)
	if len(continuation.Messages) != 1 || continuation.Summary == "" {
		t.Errorf("continuation = %+v", continuation)
	}
}

func TestAppendMessageRejectsBadRole(t *testing.T) {
	registry, _ := newTestBridge(t, nil, nil)
	_, err := registry.Call(context.Background(), "session_append_message",
		json.RawMessage(`{"chatId":1,"role":"overlord","content":"no"}`))
	if err == nil {
		t.Fatal("append_message accepted an invalid role")
	}
}

func TestPrepareMessageClassifiesCommands(t *testing.T) {
	registry, _ := newTestBridge(t, nil, nil)

	classified := call(t, registry, "bridge_prepare_message",
		`{"chatId":1,"text":"/topic billing"}`).(intent.Intent)
	if classified.Kind != intent.KindSwitchTopic || classified.Value != "billing" {
		t.Errorf("classified = %+v, want switch_topic billing", classified)
	}
	if classified.Profile.Topic != "general" || classified.Profile.Agent != "copilot" {
		t.Errorf("profile = %+v, want the defaults", classified.Profile)
	}
	if classified.Profile.Model != catalog.DefaultID() {
		t.Errorf("profile model = %q, want the catalog default", classified.Profile.Model)
	}

	plain := call(t, registry, "bridge_prepare_message",
		`{"chatId":1,"text":"just a question","mode":"pair-programmer"}`).(intent.Intent)
	if plain.Kind != intent.KindText || plain.Profile.Agent != "pair-programmer" {
		t.Errorf("plain = %+v, want text with the mode override", plain)
	}
}

func TestOffsetTools(t *testing.T) {
	registry, _ := newTestBridge(t, nil, nil)

	initial := call(t, registry, "bridge_get_offset", `{}`).(map[string]any)
	if initial["offset"].(int64) != 0 {
		t.Errorf("fresh offset = %v, want 0", initial["offset"])
	}

	call(t, registry, "bridge_set_offset", `{"offset":99}`)
	after := call(t, registry, "bridge.get_offset", `{}`).(map[string]any)
	if after["offset"].(int64) != 99 {
		t.Errorf("offset = %v, want 99", after["offset"])
	}

	if _, err := registry.Call(context.Background(), "bridge_set_offset",
		json.RawMessage(`{"offset":-1}`)); err == nil {
		t.Error("set_offset accepted a negative offset")
	}
}

func TestModelTools(t *testing.T) {
	registry, _ := newTestBridge(t, nil, nil)

	models := call(t, registry, "model_list", `{}`).(map[string]any)["models"].([]catalog.Model)
	if len(models) == 0 {
		t.Fatal("model_list returned no models")
	}

	selected := call(t, registry, "model_get_selected", `{"chatId":1}`).(catalog.Model)
	if selected.ID != catalog.DefaultID() {
		t.Errorf("unselected thread model = %q, want the default", selected.ID)
	}

	chosen := call(t, registry, "model_select",
		`{"chatId":1,"topic":"dev","modelId":"o3-mini"}`).(catalog.Model)
	if chosen.ID != "o3-mini" {
		t.Errorf("model_select returned %q, want o3-mini", chosen.ID)
	}

	selected = call(t, registry, "model_get_selected", `{"chatId":1,"topic":"dev"}`).(catalog.Model)
	if selected.ID != "o3-mini" {
		t.Errorf("selected model = %q, want o3-mini", selected.ID)
	}

	// The selection is per thread.
	other := call(t, registry, "model_get_selected", `{"chatId":1,"topic":"ops"}`).(catalog.Model)
	if other.ID != catalog.DefaultID() {
		t.Errorf("other thread model = %q, want the default", other.ID)
	}

	if _, err := registry.Call(context.Background(), "model_select",
		json.RawMessage(`{"chatId":1,"modelId":"gpt-99"}`)); err == nil {
		t.Error("model_select accepted an unknown model id")
	}
}

func TestStartMessageListsCommandsAndModels(t *testing.T) {
	registry, _ := newTestBridge(t, nil, nil)

	text := call(t, registry, "bridge_get_start_message", `{}`).(map[string]any)["text"].(string)
	for _, want := range []string{"/topic", "/model", "/ask", catalog.DefaultID()} {
		if !strings.Contains(text, want) {
			t.Errorf("start message is missing %q", want)
		}
	}
}

func TestDocumentTools(t *testing.T) {
	messenger := &fakeMessenger{
		updates: []telegram.Update{
			{
				UpdateID: 1,
				Message: &telegram.IncomingMessage{
					MessageID: 1,
					Chat:      telegram.Chat{ID: 7},
					Document: &telegram.Document{
						FileID:   "file-1",
						FileName: "paper.pdf",
						MimeType: "application/pdf",
					},
				},
			},
		},
	}
	ingester := &fakeIngester{answer: "section 3 covers framing"}
	registry, _ := newTestBridge(t, messenger, ingester)

	call(t, registry, "telegram_fetch_messages", `{}`)

	record := call(t, registry, "pdf_active_document", `{"chatId":7}`).(*pdf.Record)
	if record.FileName != "paper.pdf" || record.PageCount != 2 {
		t.Errorf("active document = %+v", record)
	}
	if record.Text != "sample text" {
		t.Errorf("active document body = %q, want the stored text", record.Text)
	}

	answer := call(t, registry, "pdf_ask_document",
		`{"chatId":7,"question":"what does section 3 say?"}`).(map[string]any)
	if answer["answer"] != "section 3 covers framing" {
		t.Errorf("answer = %v", answer["answer"])
	}
	if answer["fileName"] != "paper.pdf" {
		t.Errorf("fileName = %v, want paper.pdf", answer["fileName"])
	}
}

func TestAskDocumentWithoutAttachment(t *testing.T) {
	registry, _ := newTestBridge(t, nil, &fakeIngester{})
	_, err := registry.Call(context.Background(), "pdf_ask_document",
		json.RawMessage(`{"chatId":7,"question":"anything?"}`))
	if err == nil {
		t.Fatal("ask_document succeeded with no active attachment")
	}
}
