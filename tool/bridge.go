// Copyright 2026 The Telegram Copilot Bridge Authors
// SPDX-License-Identifier: Apache-2.0

package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/duncanhovsky/telegram-copilot-bridge-skill/catalog"
	"github.com/duncanhovsky/telegram-copilot-bridge-skill/intent"
	"github.com/duncanhovsky/telegram-copilot-bridge-skill/pdf"
	"github.com/duncanhovsky/telegram-copilot-bridge-skill/session"
	"github.com/duncanhovsky/telegram-copilot-bridge-skill/telegram"
)

// Per-thread bridge_state slots. The store namespaces them per
// (chatId, topic).
const (
	stateKeyModel      = "model"
	stateKeyAttachment = "attachment"
)

// Messenger is the Telegram surface the handlers need.
type Messenger interface {
	GetUpdates(ctx context.Context, offset int64, timeoutSeconds int) ([]telegram.Update, error)
	SendMessage(ctx context.Context, chatID int64, text string) (int64, error)
}

// Ingester is the document surface the handlers need.
type Ingester interface {
	Ingest(ctx context.Context, fileID, fileName string) (*pdf.Record, error)
	AnswerQuestion(ctx context.Context, modelID, topic, agent string, record *pdf.Record, question string) (string, error)
}

// BridgeConfig holds the collaborators behind the tool surface.
type BridgeConfig struct {
	Store *session.Store

	// Messenger may be nil when no bot token is configured; the
	// telegram tools then fail descriptively at call time.
	Messenger Messenger

	// Ingester may be nil when no inference backend is configured;
	// document ingestion is skipped and document Q&A fails at call
	// time.
	Ingester Ingester

	// PollTimeout is the getUpdates long-poll timeout in seconds.
	PollTimeout int

	// DefaultModel is the model id used when a thread has made no
	// selection. Empty or unknown falls back to the catalog default.
	DefaultModel string

	// Logger receives handler logs. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Bridge implements the tool handlers over the collaborators.
type Bridge struct {
	store        *session.Store
	messenger    Messenger
	ingester     Ingester
	pollTimeout  int
	defaultModel string
	logger       *slog.Logger
}

// NewBridge creates a Bridge and registers its tools into registry.
func NewBridge(config BridgeConfig, registry *Registry) (*Bridge, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("tool: Store is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		store:        config.Store,
		messenger:    config.Messenger,
		ingester:     config.Ingester,
		pollTimeout:  config.PollTimeout,
		defaultModel: config.DefaultModel,
		logger:       logger,
	}
	if err := b.register(registry); err != nil {
		return nil, err
	}
	return b, nil
}

// register installs the full tool surface. Every tool answers to its
// legacy dotted name as well as the canonical underscore name.
func (b *Bridge) register(r *Registry) error {
	chatID := Property{Type: "integer", Description: "Telegram chat id"}
	topic := Property{Type: "string", Description: "thread topic; empty means the default topic"}
	limit := Property{Type: "integer", Description: "maximum number of messages"}

	tools := []Tool{
		{
			Name:        "telegram_fetch_messages",
			Aliases:     []string{"telegram.fetch_messages"},
			Description: "Fetch new Telegram updates, append inbound text to the session log, ingest PDF attachments, and advance the update offset.",
			Schema: objectSchema(map[string]Property{
				"timeoutSeconds": {Type: "integer", Description: "long-poll timeout override"},
			}),
			Handler: b.fetchMessages,
		},
		{
			Name:        "telegram_send_message",
			Aliases:     []string{"telegram.send_message"},
			Description: "Send a text message to a Telegram chat and append it to the session log as the assistant.",
			Schema: objectSchema(map[string]Property{
				"chatId": chatID,
				"text":   {Type: "string", Description: "message text"},
				"topic":  topic,
			}, "chatId", "text"),
			Handler: b.sendMessage,
		},
		{
			Name:        "session_append_message",
			Aliases:     []string{"session.append_message"},
			Description: "Append a message to a conversation thread.",
			Schema: objectSchema(map[string]Property{
				"chatId":  chatID,
				"topic":   topic,
				"role":    {Type: "string", Description: "user, assistant, or system"},
				"content": {Type: "string", Description: "message text"},
				"agent":   {Type: "string", Description: "agent label; empty means the default agent"},
			}, "chatId", "role", "content"),
			Handler: b.appendMessage,
		},
		{
			Name:        "session_get_history",
			Aliases:     []string{"session.get_history"},
			Description: "Return the trailing messages of a thread in chronological order.",
			Schema: objectSchema(map[string]Property{
				"chatId": chatID, "topic": topic, "limit": limit,
			}, "chatId"),
			Handler: b.getHistory,
		},
		{
			Name:        "session_search",
			Aliases:     []string{"session.search"},
			Description: "Search a chat's messages across all topics by substring.",
			Schema: objectSchema(map[string]Property{
				"chatId":  chatID,
				"keyword": {Type: "string", Description: "substring to match"},
				"limit":   limit,
			}, "chatId", "keyword"),
			Handler: b.search,
		},
		{
			Name:        "session_list_threads",
			Aliases:     []string{"session.list_threads"},
			Description: "List conversation threads with message counts and last activity. chatId 0 lists all chats.",
			Schema: objectSchema(map[string]Property{
				"chatId": chatID,
			}),
			Handler: b.listThreads,
		},
		{
			Name:        "session_continue",
			Aliases:     []string{"session.continue"},
			Description: "Return the trailing window of a thread plus the agent and a compact summary for resuming the conversation.",
			Schema: objectSchema(map[string]Property{
				"chatId": chatID, "topic": topic, "limit": limit,
			}, "chatId"),
			Handler: b.continueThread,
		},
		{
			Name:        "bridge_prepare_message",
			Aliases:     []string{"bridge.prepare_message"},
			Description: "Classify an inbound message against the thread's remembered profile and return the resulting intent.",
			Schema: objectSchema(map[string]Property{
				"chatId": chatID,
				"text":   {Type: "string", Description: "raw message text"},
				"topic":  {Type: "string", Description: "explicit topic override for classification"},
				"mode":   {Type: "string", Description: "explicit mode override for classification"},
			}, "chatId", "text"),
			Handler: b.prepareMessage,
		},
		{
			Name:        "bridge_get_offset",
			Aliases:     []string{"bridge.get_offset"},
			Description: "Return the durable Telegram update offset.",
			Schema:      objectSchema(nil),
			Handler:     b.getOffset,
		},
		{
			Name:        "bridge_set_offset",
			Aliases:     []string{"bridge.set_offset"},
			Description: "Set the durable Telegram update offset.",
			Schema: objectSchema(map[string]Property{
				"offset": {Type: "integer", Description: "next update id to fetch"},
			}, "offset"),
			Handler: b.setOffset,
		},
		{
			Name:        "bridge_get_start_message",
			Aliases:     []string{"bridge.get_start_message"},
			Description: "Return the greeting text listing the available commands and models.",
			Schema:      objectSchema(nil),
			Handler:     b.getStartMessage,
		},
		{
			Name:        "model_list",
			Aliases:     []string{"model.list"},
			Description: "List the available inference models.",
			Schema:      objectSchema(nil),
			Handler:     b.modelList,
		},
		{
			Name:        "model_select",
			Aliases:     []string{"model.select"},
			Description: "Select the inference model for a thread.",
			Schema: objectSchema(map[string]Property{
				"chatId": chatID, "topic": topic,
				"modelId": {Type: "string", Description: "model id from model_list"},
			}, "chatId", "modelId"),
			Handler: b.modelSelect,
		},
		{
			Name:        "model_get_selected",
			Aliases:     []string{"model.get_selected"},
			Description: "Return the model selected for a thread, falling back to the default.",
			Schema: objectSchema(map[string]Property{
				"chatId": chatID, "topic": topic,
			}, "chatId"),
			Handler: b.modelGetSelected,
		},
		{
			Name:        "pdf_active_document",
			Aliases:     []string{"pdf.active_document"},
			Description: "Return the metadata of the thread's active PDF attachment.",
			Schema: objectSchema(map[string]Property{
				"chatId": chatID, "topic": topic,
			}, "chatId"),
			Handler: b.activeDocument,
		},
		{
			Name:        "pdf_ask_document",
			Aliases:     []string{"pdf.ask_document"},
			Description: "Answer a question about the thread's active PDF attachment using the selected model.",
			Schema: objectSchema(map[string]Property{
				"chatId": chatID, "topic": topic,
				"question": {Type: "string", Description: "question about the document"},
			}, "chatId", "question"),
			Handler: b.askDocument,
		},
	}

	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// decodeArgs unmarshals a tool's arguments, mapping malformed input
// to ErrBadArgs so the dispatcher can report invalid params rather
// than an execution failure.
func decodeArgs(name string, raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("tool: %s: %w: %v", name, ErrBadArgs, err)
	}
	return nil
}

// fetchedMessage is one inbound item returned by fetch_messages.
type fetchedMessage struct {
	ChatID    int64  `json:"chatId"`
	MessageID int64  `json:"messageId"`
	Topic     string `json:"topic"`
	Text      string `json:"text,omitempty"`
	Document  string `json:"document,omitempty"`
}

func (b *Bridge) fetchMessages(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		TimeoutSeconds int `json:"timeoutSeconds"`
	}
	if err := decodeArgs("fetch_messages", raw, &args); err != nil {
		return nil, err
	}
	if b.messenger == nil {
		return nil, fmt.Errorf("tool: fetch_messages: no Telegram bot token configured")
	}
	timeout := b.pollTimeout
	if args.TimeoutSeconds > 0 {
		timeout = args.TimeoutSeconds
	}

	offset, err := b.store.Offset(ctx)
	if err != nil {
		return nil, err
	}
	updates, err := b.messenger.GetUpdates(ctx, offset, timeout)
	if err != nil {
		return nil, fmt.Errorf("tool: fetch_messages: %w", err)
	}

	next := offset
	fetched := []fetchedMessage{}
	for _, update := range updates {
		if update.UpdateID >= next {
			next = update.UpdateID + 1
		}
		m := update.Message
		if m == nil {
			continue
		}
		profile, err := b.store.CurrentProfile(ctx, m.Chat.ID, "")
		if err != nil {
			return nil, err
		}

		text := m.Text
		if text == "" {
			text = m.Caption
		}
		if text != "" {
			_, err := b.store.Append(ctx, session.Message{
				ChatID:  m.Chat.ID,
				Topic:   profile.Topic,
				Role:    session.RoleUser,
				Content: text,
				Agent:   profile.Agent,
			})
			if err != nil {
				return nil, err
			}
			fetched = append(fetched, fetchedMessage{
				ChatID:    m.Chat.ID,
				MessageID: m.MessageID,
				Topic:     profile.Topic,
				Text:      text,
			})
		}

		if d := m.Document; d != nil && isPDF(d) {
			name, err := b.ingestDocument(ctx, m.Chat.ID, profile.Topic, d)
			if err != nil {
				// A bad attachment must not poison the rest of the
				// batch; the offset still advances past it.
				b.logger.Warn("attachment ingest failed",
					"chat_id", m.Chat.ID, "file", d.FileName, "error", err)
				continue
			}
			fetched = append(fetched, fetchedMessage{
				ChatID:    m.Chat.ID,
				MessageID: m.MessageID,
				Topic:     profile.Topic,
				Document:  name,
			})
		}
	}

	if next != offset {
		if err := b.store.SetOffset(ctx, next); err != nil {
			return nil, err
		}
	}
	return map[string]any{"messages": fetched, "offset": next}, nil
}

// isPDF reports whether the attached document looks like a PDF.
func isPDF(d *telegram.Document) bool {
	return d.MimeType == "application/pdf" ||
		strings.HasSuffix(strings.ToLower(d.FileName), ".pdf")
}

// ingestDocument runs the PDF collaborator on an attachment, stores
// the result, and marks it as the thread's active attachment.
func (b *Bridge) ingestDocument(ctx context.Context, chatID int64, topic string, d *telegram.Document) (string, error) {
	if b.ingester == nil {
		return "", fmt.Errorf("tool: no document processor configured")
	}
	record, err := b.ingester.Ingest(ctx, d.FileID, d.FileName)
	if err != nil {
		return "", err
	}
	if err := b.store.PutAttachment(ctx, d.FileID, record, record.Text); err != nil {
		return "", err
	}
	if err := b.store.SetTopicState(ctx, chatID, topic, stateKeyAttachment, d.FileID); err != nil {
		return "", err
	}
	return record.FileName, nil
}

func (b *Bridge) sendMessage(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		ChatID int64  `json:"chatId"`
		Text   string `json:"text"`
		Topic  string `json:"topic"`
	}
	if err := decodeArgs("send_message", raw, &args); err != nil {
		return nil, err
	}
	if b.messenger == nil {
		return nil, fmt.Errorf("tool: send_message: no Telegram bot token configured")
	}

	messageID, err := b.messenger.SendMessage(ctx, args.ChatID, args.Text)
	if err != nil {
		return nil, fmt.Errorf("tool: send_message: %w", err)
	}
	if _, err := b.store.Append(ctx, session.Message{
		ChatID:  args.ChatID,
		Topic:   args.Topic,
		Role:    session.RoleAssistant,
		Content: args.Text,
	}); err != nil {
		return nil, err
	}
	return map[string]any{"messageId": messageID}, nil
}

func (b *Bridge) appendMessage(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		ChatID  int64  `json:"chatId"`
		Topic   string `json:"topic"`
		Role    string `json:"role"`
		Content string `json:"content"`
		Agent   string `json:"agent"`
	}
	if err := decodeArgs("append_message", raw, &args); err != nil {
		return nil, err
	}
	return b.store.Append(ctx, session.Message{
		ChatID:  args.ChatID,
		Topic:   args.Topic,
		Role:    session.Role(args.Role),
		Content: args.Content,
		Agent:   args.Agent,
	})
}

func (b *Bridge) getHistory(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		ChatID int64  `json:"chatId"`
		Topic  string `json:"topic"`
		Limit  int    `json:"limit"`
	}
	if err := decodeArgs("get_history", raw, &args); err != nil {
		return nil, err
	}
	messages, err := b.store.History(ctx, args.ChatID, args.Topic, args.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"messages": messages}, nil
}

func (b *Bridge) search(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		ChatID  int64  `json:"chatId"`
		Keyword string `json:"keyword"`
		Limit   int    `json:"limit"`
	}
	if err := decodeArgs("search", raw, &args); err != nil {
		return nil, err
	}
	messages, err := b.store.Search(ctx, args.ChatID, args.Keyword, args.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"messages": messages}, nil
}

func (b *Bridge) listThreads(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		ChatID int64 `json:"chatId"`
	}
	if err := decodeArgs("list_threads", raw, &args); err != nil {
		return nil, err
	}
	threads, err := b.store.ListThreads(ctx, args.ChatID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"threads": threads}, nil
}

func (b *Bridge) continueThread(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		ChatID int64  `json:"chatId"`
		Topic  string `json:"topic"`
		Limit  int    `json:"limit"`
	}
	if err := decodeArgs("continue", raw, &args); err != nil {
		return nil, err
	}
	return b.store.ContinueContext(ctx, args.ChatID, args.Topic, args.Limit)
}

func (b *Bridge) prepareMessage(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		ChatID int64  `json:"chatId"`
		Text   string `json:"text"`
		Topic  string `json:"topic"`
		Mode   string `json:"mode"`
	}
	if err := decodeArgs("prepare_message", raw, &args); err != nil {
		return nil, err
	}

	profile, err := b.store.CurrentProfile(ctx, args.ChatID, args.Topic)
	if err != nil {
		return nil, err
	}
	active := intent.Profile{Topic: profile.Topic, Agent: profile.Agent}
	if args.Mode != "" {
		active.Agent = args.Mode
	}
	model, err := b.selectedModel(ctx, args.ChatID, profile.Topic)
	if err != nil {
		return nil, err
	}
	active.Model = model.ID

	return intent.Parse(args.Text, active), nil
}

func (b *Bridge) getOffset(ctx context.Context, raw json.RawMessage) (any, error) {
	offset, err := b.store.Offset(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"offset": offset}, nil
}

func (b *Bridge) setOffset(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		Offset int64 `json:"offset"`
	}
	if err := decodeArgs("set_offset", raw, &args); err != nil {
		return nil, err
	}
	if args.Offset < 0 {
		return nil, fmt.Errorf("tool: set_offset: %w: offset must not be negative", ErrBadArgs)
	}
	if err := b.store.SetOffset(ctx, args.Offset); err != nil {
		return nil, err
	}
	return map[string]any{"offset": args.Offset}, nil
}

func (b *Bridge) getStartMessage(ctx context.Context, raw json.RawMessage) (any, error) {
	var sb strings.Builder
	sb.WriteString("Hi! I bridge this chat to a coding assistant.\n\n")
	sb.WriteString("Commands:\n")
	sb.WriteString("  /topic <name>    switch the conversation topic\n")
	sb.WriteString("  /agent <name>    switch the agent persona\n")
	sb.WriteString("  /mode <name>     switch the reply mode\n")
	sb.WriteString("  /model <id>      switch the inference model\n")
	sb.WriteString("  /history [word]  show or search thread history\n")
	sb.WriteString("  /active          show the active document\n")
	sb.WriteString("  /ask <question>  ask about the active document\n\n")
	sb.WriteString("Models:\n")
	for _, model := range catalog.List() {
		fmt.Fprintf(&sb, "  %s - %s\n", model.ID, model.Name)
	}
	return map[string]any{"text": sb.String()}, nil
}

func (b *Bridge) modelList(ctx context.Context, raw json.RawMessage) (any, error) {
	return map[string]any{"models": catalog.List()}, nil
}

func (b *Bridge) modelSelect(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		ChatID  int64  `json:"chatId"`
		Topic   string `json:"topic"`
		ModelID string `json:"modelId"`
	}
	if err := decodeArgs("model_select", raw, &args); err != nil {
		return nil, err
	}
	model, err := catalog.FindByID(args.ModelID)
	if err != nil {
		return nil, fmt.Errorf("tool: model_select: %w", err)
	}
	if err := b.store.SetTopicState(ctx, args.ChatID, args.Topic, stateKeyModel, model.ID); err != nil {
		return nil, err
	}
	return model, nil
}

func (b *Bridge) modelGetSelected(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		ChatID int64  `json:"chatId"`
		Topic  string `json:"topic"`
	}
	if err := decodeArgs("model_get_selected", raw, &args); err != nil {
		return nil, err
	}
	return b.selectedModel(ctx, args.ChatID, args.Topic)
}

// selectedModel resolves the thread's model selection, falling back
// to the catalog default. A stored id that has since left the
// catalog also falls back rather than failing.
func (b *Bridge) selectedModel(ctx context.Context, chatID int64, topic string) (catalog.Model, error) {
	id, ok, err := b.store.TopicState(ctx, chatID, topic, stateKeyModel)
	if err != nil {
		return catalog.Model{}, err
	}
	if ok {
		if model, err := catalog.FindByID(id); err == nil {
			return model, nil
		}
		b.logger.Warn("stored model no longer in catalog, using default",
			"chat_id", chatID, "topic", topic, "model", id)
	}
	if b.defaultModel != "" {
		if model, err := catalog.FindByID(b.defaultModel); err == nil {
			return model, nil
		}
	}
	return catalog.FindByID(catalog.DefaultID())
}

// activeAttachment loads the thread's active attachment record.
func (b *Bridge) activeAttachment(ctx context.Context, chatID int64, topic string) (*pdf.Record, error) {
	fileID, ok, err := b.store.TopicState(ctx, chatID, topic, stateKeyAttachment)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("tool: no active document for this thread; attach a PDF first")
	}
	var record pdf.Record
	body, found, err := b.store.GetAttachment(ctx, fileID, &record)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("tool: active document %s is no longer stored", fileID)
	}
	record.Text = body
	return &record, nil
}

func (b *Bridge) activeDocument(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		ChatID int64  `json:"chatId"`
		Topic  string `json:"topic"`
	}
	if err := decodeArgs("active_document", raw, &args); err != nil {
		return nil, err
	}
	record, err := b.activeAttachment(ctx, args.ChatID, args.Topic)
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (b *Bridge) askDocument(ctx context.Context, raw json.RawMessage) (any, error) {
	var args struct {
		ChatID   int64  `json:"chatId"`
		Topic    string `json:"topic"`
		Question string `json:"question"`
	}
	if err := decodeArgs("ask_document", raw, &args); err != nil {
		return nil, err
	}
	if b.ingester == nil {
		return nil, fmt.Errorf("tool: ask_document: no inference backend configured; set INFERENCE_API_KEY")
	}

	record, err := b.activeAttachment(ctx, args.ChatID, args.Topic)
	if err != nil {
		return nil, err
	}
	profile, err := b.store.CurrentProfile(ctx, args.ChatID, args.Topic)
	if err != nil {
		return nil, err
	}
	model, err := b.selectedModel(ctx, args.ChatID, profile.Topic)
	if err != nil {
		return nil, err
	}

	answer, err := b.ingester.AnswerQuestion(ctx, model.ID, profile.Topic, profile.Agent, record, args.Question)
	if err != nil {
		return nil, fmt.Errorf("tool: ask_document: %w", err)
	}
	return map[string]any{
		"answer":   answer,
		"fileName": record.FileName,
		"model":    model.ID,
	}, nil
}
