// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the domain model and wire types of the chat
// orchestrator: messages, threads, request and response bodies, and the
// domain errors handlers map to status codes.
package datatypes

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// validate is the validator instance for request bodies.
var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	// modekey accepts an empty value or a short alphanumeric mode identifier.
	_ = validate.RegisterValidation("modekey", validateModeKey)
	_ = validate.RegisterValidation("lowercase", validateLowercase)
}

func validateModeKey(fl validator.FieldLevel) bool {
	v := strings.TrimSpace(fl.Field().String())
	if v == "" {
		return true
	}
	if len(v) > 32 {
		return false
	}
	for _, r := range v {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return false
		}
	}
	return true
}

func validateLowercase(fl validator.FieldLevel) bool {
	v := fl.Field().String()
	return v == strings.ToLower(v)
}

// Struct validates s and converts the first validator failure into a
// *ValidationError.
func Struct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ValidationError{Field: fe.Field(), Reason: describeTag(fe)}
	}
	return Invalid("", "%v", err)
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "gte", "lte":
		return fmt.Sprintf("is out of range (%s %s)", fe.Tag(), fe.Param())
	case "uuid4":
		return "must be a UUID"
	case "modekey":
		return "must be a model mode key"
	case "lowercase":
		return "must be lowercase"
	case "oneof":
		return fmt.Sprintf("must be one of %s", fe.Param())
	}
	return fmt.Sprintf("failed %s validation", fe.Tag())
}

// =============================================================================
// Chat
// =============================================================================

// ChatRequest is the body of POST /api/chat and /api/chat/stream.
//
// Message limits beyond "required" are checked by ValidateUserMessage so
// whitespace and encoding are handled identically on every path.
type ChatRequest struct {
	ThreadID  string `json:"threadId" validate:"omitempty,uuid4"`
	Message   string `json:"message" validate:"required"`
	ModelMode string `json:"modelMode" validate:"omitempty,modekey"`
	IsGuest   bool   `json:"isGuest"`
}

// Validate runs tag validation.
func (r *ChatRequest) Validate() error {
	if err := Struct(r); err != nil {
		return err
	}
	_, err := ValidateUserMessage(r.Message)
	return err
}

// ChatReply is the assistant message in a chat response.
type ChatReply struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the body returned by POST /api/chat.
type ChatResponse struct {
	Success                bool      `json:"success"`
	Message                ChatReply `json:"message"`
	ThreadID               string    `json:"threadId,omitempty"`
	ModelUsed              string    `json:"modelUsed"`
	GuestMessagesRemaining *int      `json:"guestMessagesRemaining,omitempty"`
}

// =============================================================================
// Threads
// =============================================================================

// CreateThreadRequest is the body of POST /api/thread.
type CreateThreadRequest struct {
	Title     string   `json:"title" validate:"max=800"`
	ModelMode string   `json:"modelMode" validate:"omitempty,modekey"`
	Tags      []string `json:"tags" validate:"max=20"`
}

// Validate runs tag validation. Rune-level title limits are enforced by
// the thread model.
func (r *CreateThreadRequest) Validate() error {
	return Struct(r)
}

// UpdateThreadRequest is the body of PATCH /api/thread/:threadId.
// Absent fields are left unchanged.
type UpdateThreadRequest struct {
	Title       *string   `json:"title"`
	ModelMode   *string   `json:"modelMode" validate:"omitempty,modekey"`
	Temperature *float64  `json:"temperature" validate:"omitempty,gte=0,lte=2"`
	Pinned      *bool     `json:"pinned"`
	Archived    *bool     `json:"archived"`
	Tags        *[]string `json:"tags" validate:"omitempty,max=20"`
}

// Validate runs tag validation and rejects an empty body.
func (r *UpdateThreadRequest) Validate() error {
	if err := Struct(r); err != nil {
		return err
	}
	if r.ToUpdate().Empty() {
		return Invalid("", "no updatable fields supplied")
	}
	return nil
}

// ToUpdate converts the request into a ThreadUpdate.
func (r *UpdateThreadRequest) ToUpdate() ThreadUpdate {
	return ThreadUpdate{
		Title:       r.Title,
		ModelMode:   r.ModelMode,
		Temperature: r.Temperature,
		Pinned:      r.Pinned,
		Archived:    r.Archived,
		Tags:        r.Tags,
	}
}

// EditMessageRequest is the body of PATCH /api/thread/:threadId/messages/last.
type EditMessageRequest struct {
	Content string `json:"content" validate:"required"`
}

// Validate runs tag validation.
func (r *EditMessageRequest) Validate() error {
	return Struct(r)
}

// ModelPreferenceRequest is the body of PUT /api/preferences/model.
type ModelPreferenceRequest struct {
	ModelMode string `json:"modelMode" validate:"required,modekey,lowercase"`
}

// Validate runs tag validation.
func (r *ModelPreferenceRequest) Validate() error {
	return Struct(r)
}

// Pagination describes one page of a listing.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// NewPagination computes TotalPages for total items.
func NewPagination(page, limit, total int) Pagination {
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	return Pagination{Page: page, Limit: limit, Total: total, TotalPages: pages}
}

// ThreadListResponse is the body of GET /api/threads.
type ThreadListResponse struct {
	Threads    []ThreadSummary `json:"threads"`
	Pagination Pagination      `json:"pagination"`
}

// ThreadResponse wraps a single thread.
type ThreadResponse struct {
	Thread *Thread `json:"thread"`
}

// =============================================================================
// Models
// =============================================================================

// ModelInfo is one entry of GET /api/models.
type ModelInfo struct {
	Mode     string `json:"mode"`
	Label    string `json:"label"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// ModelsResponse is the body of GET /api/models.
type ModelsResponse struct {
	Models  []ModelInfo `json:"models"`
	Default string      `json:"default"`
}

// =============================================================================
// Files
// =============================================================================

// FileMetadata describes an analyzed upload.
type FileMetadata struct {
	Filename      string    `json:"filename"`
	Size          int64     `json:"size"`
	SizeFormatted string    `json:"sizeFormatted"`
	Type          string    `json:"type"`
	ContentLength int       `json:"contentLength"`
	UploadedAt    time.Time `json:"uploadedAt"`
}

// FileAnalysisResponse is the body of POST /api/files/analyze.
type FileAnalysisResponse struct {
	Success          bool         `json:"success"`
	Analysis         string       `json:"analysis"`
	Metadata         FileMetadata `json:"metadata"`
	ExtractionMethod string       `json:"extractionMethod"`
	ContentPreview   string       `json:"contentPreview"`
}

// =============================================================================
// Streaming
// =============================================================================

// StreamChunk is the data of a "chunk" SSE event.
type StreamChunk struct {
	Chunk string `json:"chunk"`
}

// StreamDone is the data of the final "done" SSE event.
type StreamDone struct {
	Done                   bool   `json:"done"`
	ThreadID               string `json:"threadId,omitempty"`
	ModelUsed              string `json:"modelUsed"`
	GuestMessagesRemaining *int   `json:"guestMessagesRemaining,omitempty"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
