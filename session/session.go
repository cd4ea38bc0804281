// Copyright 2026 The Telegram Copilot Bridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package session implements the durable per-thread conversation log.
//
// A thread is the (chatId, topic) pair; it has no row of its own and
// exists implicitly as soon as a message targets it. Messages are
// append-only: they are never mutated, and are deleted only by the
// retention sweep that runs synchronously on every append. A small
// key-value area (bridge_state) holds the upstream update cursor and
// per-thread auxiliary slots such as the active-attachment pointer.
package session

// Role identifies who produced a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// valid reports whether the role is one of the three known values.
func (r Role) valid() bool {
	return r == RoleUser || r == RoleAssistant || r == RoleSystem
}

// Message is one entry in a thread's conversation log. ID is assigned
// by the store, monotonically increasing and unique across threads.
// CreatedAt is Unix milliseconds. Within a thread, messages are
// totally ordered by (CreatedAt, ID) and that order is the only order
// any read operation returns.
type Message struct {
	ID        int64  `json:"id"`
	ChatID    int64  `json:"chatId"`
	Topic     string `json:"topic"`
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Agent     string `json:"agent"`
	CreatedAt int64  `json:"createdAt"`
}

// ThreadSummary describes one distinct (chatId, topic) thread for the
// thread listing: how many messages it holds and when it was last
// active (Unix milliseconds).
type ThreadSummary struct {
	ChatID        int64  `json:"chatId"`
	Topic         string `json:"topic"`
	MessageCount  int64  `json:"messageCount"`
	LastMessageAt int64  `json:"lastMessageAt"`
}

// Continuation is the result of ContinueContext: the trailing window
// of a thread plus the material needed to resume a conversation, the
// agent label of the most recent message, and a compact summary
// string for inference context.
type Continuation struct {
	Messages []Message `json:"messages"`
	Agent    string    `json:"agent"`
	Summary  string    `json:"summary"`
}

// Profile is the remembered (topic, agent) pair for a thread, taken
// from its most recent message, or the configured defaults when the
// thread is empty.
type Profile struct {
	Topic string `json:"topic"`
	Agent string `json:"agent"`
}
