// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Content limits, in characters (runes).
const (
	// MaxMessageContent bounds any stored message.
	MaxMessageContent = 10000

	// MaxUserMessage bounds a message a user can send.
	MaxUserMessage = 4000
)

// MessageMetadata carries optional per-message annotations.
type MessageMetadata struct {
	Model    string     `json:"model,omitempty"`
	Edited   bool       `json:"edited,omitempty"`
	EditedAt *time.Time `json:"editedAt,omitempty"`
}

// Message is one entry of a thread.
//
// Messages are immutable once appended, apart from Thread.EditLastMessage.
type Message struct {
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	Timestamp time.Time       `json:"timestamp"`
	Metadata  MessageMetadata `json:"metadata"`
}

// NewMessage returns a message stamped with now.
func NewMessage(role, content string, now time.Time) Message {
	return Message{Role: role, Content: content, Timestamp: now.UTC()}
}

// Validate checks role and content against the storage limits.
func (m Message) Validate() error {
	switch m.Role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return Invalid("role", "must be one of user, assistant, system")
	}
	return validateContent("content", m.Content, MaxMessageContent)
}

// ValidateUserMessage checks text a user is about to send: it must be valid
// UTF-8, non-blank, free of NUL bytes and at most MaxUserMessage characters.
// Returns the trimmed text.
func ValidateUserMessage(text string) (string, error) {
	if !utf8.ValidString(text) {
		return "", Invalid("message", "must be valid UTF-8 text")
	}
	trimmed := strings.TrimSpace(text)
	if err := validateContent("message", trimmed, MaxUserMessage); err != nil {
		return "", err
	}
	return trimmed, nil
}

// ClampContent cuts s to MaxMessageContent characters so a model reply
// always fits in a stored message.
func ClampContent(s string) string {
	return firstRunes(s, MaxMessageContent)
}

func validateContent(field, content string, max int) error {
	if strings.TrimSpace(content) == "" {
		return Invalid(field, "must not be empty")
	}
	if strings.ContainsRune(content, 0) {
		return Invalid(field, "must not contain NUL bytes")
	}
	if n := utf8.RuneCountInString(content); n > max {
		return Invalid(field, "must be at most %d characters (got %d)", max, n)
	}
	return nil
}

// firstRunes returns at most n runes of s.
func firstRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
