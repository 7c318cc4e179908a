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
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// Thread limits and defaults.
const (
	DefaultTitle       = "New Chat"
	MaxTitleLength     = 200
	AutoTitleLength    = 50
	MaxThreadMessages  = 1000
	MaxTags            = 20
	MaxTagLength       = 50
	DefaultTemperature = 0.7
	PreviewLength      = 100
)

// ThreadSettings are per-thread model preferences.
type ThreadSettings struct {
	// Model is a model mode key ("fast", "creative", ...). Empty means the
	// owner's preference applies.
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
}

// Thread is an owned, persisted conversation.
//
// # Description
//
// All mutation goes through the methods below so the invariants hold for
// every storage backend:
//
//   - len(Messages) <= MaxThreadMessages; overflow is rejected, never trimmed
//   - UpdatedAt changes on every mutation, CreatedAt never does
//   - the title is derived from the first user message when the thread
//     first holds exactly two messages, unless the caller set a title
//
// # Thread Safety
//
// A Thread value is not safe for concurrent mutation. The store serializes
// writers per thread and hands out clones.
type Thread struct {
	ThreadID    string         `json:"threadId"`
	Title       string         `json:"title"`
	CustomTitle bool           `json:"customTitle"`
	Messages    []Message      `json:"messages"`
	Settings    ThreadSettings `json:"settings"`
	OwnerID     string         `json:"ownerId"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	Pinned      bool           `json:"pinned"`
	Archived    bool           `json:"archived"`
	Tags        []string       `json:"tags"`
}

// NewThreadOptions are the caller-supplied fields of a new thread.
type NewThreadOptions struct {
	Title       string
	ModelMode   string
	Temperature *float64
	Tags        []string
}

// NewThread validates opts and builds an empty thread.
func NewThread(threadID, ownerID string, opts NewThreadOptions, now time.Time) (*Thread, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, Invalid("threadId", "must not be empty")
	}
	if strings.TrimSpace(ownerID) == "" {
		return nil, Invalid("ownerId", "must not be empty")
	}

	now = now.UTC()
	t := &Thread{
		ThreadID:  threadID,
		Title:     DefaultTitle,
		Messages:  []Message{},
		Settings:  ThreadSettings{Model: opts.ModelMode, Temperature: DefaultTemperature},
		OwnerID:   ownerID,
		CreatedAt: now,
		UpdatedAt: now,
		Tags:      []string{},
	}

	if strings.TrimSpace(opts.Title) != "" {
		title, err := validateTitle(opts.Title)
		if err != nil {
			return nil, err
		}
		t.Title = title
		t.CustomTitle = true
	}
	if opts.Temperature != nil {
		if err := validateTemperature(*opts.Temperature); err != nil {
			return nil, err
		}
		t.Settings.Temperature = *opts.Temperature
	}
	if opts.Tags != nil {
		tags, err := NormalizeTags(opts.Tags)
		if err != nil {
			return nil, err
		}
		t.Tags = tags
	}
	return t, nil
}

// Append adds msgs atomically: either every message is appended or the
// thread is left untouched.
func (t *Thread) Append(now time.Time, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if len(t.Messages)+len(msgs) > MaxThreadMessages {
		return &CapacityError{Resource: ResourceThreadMessages, Limit: MaxThreadMessages}
	}
	now = now.UTC()
	for i := range msgs {
		if err := msgs[i].Validate(); err != nil {
			return err
		}
		if msgs[i].Timestamp.IsZero() {
			msgs[i].Timestamp = now
		}
	}

	before := len(t.Messages)
	t.Messages = append(t.Messages, msgs...)
	if before < 2 && len(t.Messages) >= 2 {
		t.autoTitle()
	}
	t.UpdatedAt = now
	return nil
}

// autoTitle sets the title to the first AutoTitleLength characters of the
// first user message, kept exactly as written. A blank prefix leaves the
// default title.
func (t *Thread) autoTitle() {
	if t.CustomTitle || t.Title != DefaultTitle {
		return
	}
	for _, m := range t.Messages {
		if m.Role == RoleUser {
			if prefix := firstRunes(m.Content, AutoTitleLength); strings.TrimSpace(prefix) != "" {
				t.Title = prefix
			}
			return
		}
	}
}

// ThreadUpdate is a partial update; nil fields are left alone.
type ThreadUpdate struct {
	Title       *string
	ModelMode   *string
	Temperature *float64
	Pinned      *bool
	Archived    *bool
	Tags        *[]string
}

// Empty reports whether the update changes nothing.
func (u ThreadUpdate) Empty() bool {
	return u.Title == nil && u.ModelMode == nil && u.Temperature == nil &&
		u.Pinned == nil && u.Archived == nil && u.Tags == nil
}

// ApplyUpdate validates every field first and then applies them together.
// An explicit title disables auto-titling for the thread.
func (t *Thread) ApplyUpdate(u ThreadUpdate, now time.Time) error {
	var title string
	var tags []string
	var err error

	if u.Title != nil {
		if title, err = validateTitle(*u.Title); err != nil {
			return err
		}
	}
	if u.Temperature != nil {
		if err = validateTemperature(*u.Temperature); err != nil {
			return err
		}
	}
	if u.Tags != nil {
		if tags, err = NormalizeTags(*u.Tags); err != nil {
			return err
		}
	}

	if u.Title != nil {
		t.Title = title
		t.CustomTitle = true
	}
	if u.ModelMode != nil {
		t.Settings.Model = strings.ToLower(strings.TrimSpace(*u.ModelMode))
	}
	if u.Temperature != nil {
		t.Settings.Temperature = *u.Temperature
	}
	if u.Pinned != nil {
		t.Pinned = *u.Pinned
	}
	if u.Archived != nil {
		t.Archived = *u.Archived
	}
	if u.Tags != nil {
		t.Tags = tags
	}
	t.UpdatedAt = now.UTC()
	return nil
}

// ClearMessages removes every message. The title is kept.
func (t *Thread) ClearMessages(now time.Time) {
	t.Messages = []Message{}
	t.UpdatedAt = now.UTC()
}

// EditLastMessage replaces the content of the most recent message and
// marks it edited.
func (t *Thread) EditLastMessage(content string, now time.Time) error {
	if len(t.Messages) == 0 {
		return Invalid("messages", "thread has no messages to edit")
	}
	content = strings.TrimSpace(content)
	if err := validateContent("content", content, MaxMessageContent); err != nil {
		return err
	}
	now = now.UTC()
	last := &t.Messages[len(t.Messages)-1]
	last.Content = content
	last.Metadata.Edited = true
	last.Metadata.EditedAt = &now
	t.UpdatedAt = now
	return nil
}

// Clone returns a deep copy.
func (t *Thread) Clone() *Thread {
	c := *t
	c.Messages = make([]Message, len(t.Messages))
	for i, m := range t.Messages {
		c.Messages[i] = m
		if m.Metadata.EditedAt != nil {
			at := *m.Metadata.EditedAt
			c.Messages[i].Metadata.EditedAt = &at
		}
	}
	c.Tags = append([]string{}, t.Tags...)
	return &c
}

// Matches reports whether query occurs in the title or any message
// (case-insensitive), or equals a tag.
func (t *Thread) Matches(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return false
	}
	if strings.Contains(strings.ToLower(t.Title), q) {
		return true
	}
	for _, tag := range t.Tags {
		if tag == q {
			return true
		}
	}
	for _, m := range t.Messages {
		if strings.Contains(strings.ToLower(m.Content), q) {
			return true
		}
	}
	return false
}

// ThreadSummary is the list view of a thread.
type ThreadSummary struct {
	ThreadID           string         `json:"threadId"`
	Title              string         `json:"title"`
	MessageCount       int            `json:"messageCount"`
	LastMessagePreview string         `json:"lastMessagePreview"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
	Pinned             bool           `json:"pinned"`
	Archived           bool           `json:"archived"`
	Tags               []string       `json:"tags"`
	Settings           ThreadSettings `json:"settings"`
}

// Summary builds the list view.
func (t *Thread) Summary() ThreadSummary {
	s := ThreadSummary{
		ThreadID:     t.ThreadID,
		Title:        t.Title,
		MessageCount: len(t.Messages),
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
		Pinned:       t.Pinned,
		Archived:     t.Archived,
		Tags:         append([]string{}, t.Tags...),
		Settings:     t.Settings,
	}
	if n := len(t.Messages); n > 0 {
		s.LastMessagePreview = firstRunes(t.Messages[n-1].Content, PreviewLength)
	}
	return s
}

// SortForListing orders threads pinned first, then most recently updated.
// Ties fall back to thread ID so pagination is stable.
func SortForListing(threads []*Thread) {
	sort.SliceStable(threads, func(i, j int) bool {
		a, b := threads[i], threads[j]
		if a.Pinned != b.Pinned {
			return a.Pinned
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ThreadID < b.ThreadID
	})
}

// NormalizeTags lowercases, trims and de-duplicates tags, keeping first
// occurrence order.
func NormalizeTags(tags []string) ([]string, error) {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if utf8.RuneCountInString(tag) > MaxTagLength {
			return nil, Invalid("tags", "each tag must be at most %d characters", MaxTagLength)
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	if len(out) > MaxTags {
		return nil, Invalid("tags", "at most %d tags allowed", MaxTags)
	}
	return out, nil
}

func validateTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", Invalid("title", "must not be empty")
	}
	if n := utf8.RuneCountInString(title); n > MaxTitleLength {
		return "", Invalid("title", "must be at most %d characters (got %d)", MaxTitleLength, n)
	}
	return title, nil
}

func validateTemperature(v float64) error {
	if v < 0 || v > 2 {
		return Invalid("temperature", "must be between 0 and 2")
	}
	return nil
}
