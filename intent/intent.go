// Copyright 2026 The Telegram Copilot Bridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package intent classifies raw chat input into a closed set of
// command variants. Parse is a pure function: no side effects, and
// the same input plus the same active profile always produces the
// same classification. Handling code switches exhaustively on Kind
// rather than probing optional fields.
package intent

import "strings"

// Kind tags the classification of one input line.
type Kind string

const (
	// KindSwitchTopic switches the active thread key (/topic).
	KindSwitchTopic Kind = "switch_topic"

	// KindSwitchAgent switches the active agent label (/agent).
	KindSwitchAgent Kind = "switch_agent"

	// KindSwitchMode switches the reply mode (/mode).
	KindSwitchMode Kind = "switch_mode"

	// KindSwitchModel switches the inference model (/model).
	KindSwitchModel Kind = "switch_model"

	// KindHistory requests thread history, optionally filtered by a
	// keyword (/history [keyword]).
	KindHistory Kind = "history"

	// KindStart requests the greeting message (/start).
	KindStart Kind = "start"

	// KindShowActive requests the active attachment (/active).
	KindShowActive Kind = "show_active"

	// KindAsk asks a question against the active attachment (/ask).
	KindAsk Kind = "ask"

	// KindText is a plain payload carried forward unchanged together
	// with the currently active topic, agent, and model.
	KindText Kind = "text"
)

// Profile is the active (topic, agent, model) triple that plain text
// is classified against.
type Profile struct {
	Topic string `json:"topic"`
	Agent string `json:"agent"`
	Model string `json:"model"`
}

// Intent is one classified input. Kind selects the variant; Value
// carries the command argument (new topic, agent name, keyword,
// question, or the plain text itself) and Profile the active triple
// the input was classified against.
type Intent struct {
	Kind    Kind    `json:"kind"`
	Value   string  `json:"value,omitempty"`
	Profile Profile `json:"profile"`
}

// Parse classifies one input line against the active profile.
//
// Recognized commands: /topic <v>, /agent <v>, /mode <v>, /model <v>,
// /history [keyword], /start, /active, /ask <question>. A slash
// command missing its required argument, an unrecognized slash
// command, and any non-slash input all classify as plain text.
func Parse(text string, active Profile) Intent {
	trimmed := strings.TrimSpace(text)

	if strings.HasPrefix(trimmed, "/") {
		command, argument := splitCommand(trimmed)
		switch command {
		case "/topic":
			if argument != "" {
				return Intent{Kind: KindSwitchTopic, Value: argument, Profile: active}
			}
		case "/agent":
			if argument != "" {
				return Intent{Kind: KindSwitchAgent, Value: argument, Profile: active}
			}
		case "/mode":
			if argument != "" {
				return Intent{Kind: KindSwitchMode, Value: argument, Profile: active}
			}
		case "/model":
			if argument != "" {
				return Intent{Kind: KindSwitchModel, Value: argument, Profile: active}
			}
		case "/history":
			return Intent{Kind: KindHistory, Value: argument, Profile: active}
		case "/start":
			return Intent{Kind: KindStart, Profile: active}
		case "/active":
			return Intent{Kind: KindShowActive, Profile: active}
		case "/ask":
			if argument != "" {
				return Intent{Kind: KindAsk, Value: argument, Profile: active}
			}
		}
	}

	return Intent{Kind: KindText, Value: text, Profile: active}
}

// splitCommand separates "/cmd rest of line" into the lowercased
// command word and its trimmed argument.
func splitCommand(text string) (command, argument string) {
	command, argument, _ = strings.Cut(text, " ")
	return strings.ToLower(command), strings.TrimSpace(argument)
}
