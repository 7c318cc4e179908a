// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/extract"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/guest"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/services"
	badgerstore "github.com/AleutianAI/AleutianChat/services/orchestrator/storage/badger"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/threads"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeReplier answers every call with a fixed reply.
type fakeReplier struct {
	reply string
	calls int
}

func (f *fakeReplier) GetReply(context.Context, []llm.ChatMessage, string, string) string {
	f.calls++
	return f.reply
}

func (f *fakeReplier) ResolveMode(mode string) string {
	switch mode = strings.ToLower(strings.TrimSpace(mode)); mode {
	case "fast", "balanced":
		return mode
	}
	return "fast"
}

func (f *fakeReplier) Available() []llm.ModelConfig {
	return []llm.ModelConfig{
		{Mode: "fast", Label: "Fast", Provider: "groq", Model: "llama-3.1-8b-instant"},
		{Mode: "balanced", Label: "Balanced", Provider: "gemini", Model: "gemini-2.0-flash"},
	}
}

type textExtractor struct{}

func (textExtractor) Method() string { return "Text Reader" }
func (textExtractor) Extract(_ context.Context, data []byte) (string, error) {
	return string(data), nil
}

type testServer struct {
	router  *gin.Engine
	replier *fakeReplier
	chat    *services.ChatService
}

// newTestServer wires real services over an in-memory store behind the
// same middleware the production router uses.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	backend, err := threads.OpenBadgerBackend(badgerstore.InMemoryConfig())
	require.NoError(t, err)
	store := threads.NewStore(backend)
	t.Cleanup(func() { _ = store.Close() })

	replier := &fakeReplier{reply: "Hi there friend"}
	chat := services.NewChatService(replier, store, guest.NewTracker(2, guest.DefaultTTL))
	files := services.NewFileService(replier, services.FileConfig{MaxFileSize: 64},
		services.WithExtractors(extract.Set{extract.KindText: textExtractor{}}))

	auth, err := extensions.NewStaticTokenAuthProvider(map[string]string{"alice-token": "alice", "bob-token": "bob"})
	require.NoError(t, err)

	r := gin.New()
	r.NoRoute(HandleNotFound())
	r.GET("/health", HandleHealth())
	api := r.Group("/api")
	optional := api.Group("", middleware.OptionalAuth(auth))
	optional.POST("/chat", HandleChat(chat))
	optional.POST("/chat/stream", HandleChatStream(chat, StreamConfig{ChunkDelay: -1}, nil))
	optional.GET("/models", HandleListModels(replier))
	optional.POST("/files/analyze", HandleAnalyzeFile(files))

	required := api.Group("", middleware.RequireAuth(auth, nil))
	required.GET("/threads", HandleListThreads(chat))
	required.GET("/threads/search", HandleSearchThreads(chat))
	required.POST("/thread", HandleCreateThread(chat))
	required.GET("/thread/:threadId", HandleGetThread(chat))
	required.PATCH("/thread/:threadId", HandleUpdateThread(chat))
	required.DELETE("/thread/:threadId", HandleDeleteThread(chat))
	required.DELETE("/thread/:threadId/messages", HandleClearThread(chat))
	required.PATCH("/thread/:threadId/messages/last", HandleEditLastMessage(chat))
	required.PUT("/preferences/model", HandleSetModelPreference(chat))

	return &testServer{router: r, replier: replier, chat: chat}
}

func performRequest(r http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// =============================================================================
// Chat
// =============================================================================

func TestHandleChat_Authenticated(t *testing.T) {
	s := newTestServer(t)

	w := performRequest(s.router, http.MethodPost, "/api/chat", "alice-token", `{"message":"Hello"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[datatypes.ChatResponse](t, w)
	assert.True(t, resp.Success)
	assert.Equal(t, datatypes.ChatReply{Role: "assistant", Content: "Hi there friend"}, resp.Message)
	assert.NotEmpty(t, resp.ThreadID)
	assert.Equal(t, "fast", resp.ModelUsed)
	assert.Nil(t, resp.GuestMessagesRemaining)
	assert.NotContains(t, w.Body.String(), "guestMessagesRemaining")

	w = performRequest(s.router, http.MethodGet, "/api/thread/"+resp.ThreadID, "alice-token", "")
	require.Equal(t, http.StatusOK, w.Code)
	th := decode[datatypes.ThreadResponse](t, w)
	assert.Equal(t, "Hello", th.Thread.Title)
	assert.Len(t, th.Thread.Messages, 2)
}

func TestHandleChat_Guest(t *testing.T) {
	s := newTestServer(t)

	w := performRequest(s.router, http.MethodPost, "/api/chat", "", `{"message":"Hello"}`)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[datatypes.ChatResponse](t, w)
	assert.Empty(t, resp.ThreadID)
	require.NotNil(t, resp.GuestMessagesRemaining)
	assert.Equal(t, 1, *resp.GuestMessagesRemaining)

	w = performRequest(s.router, http.MethodPost, "/api/chat", "", `{"message":"Again"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = performRequest(s.router, http.MethodPost, "/api/chat", "", `{"message":"Third"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode[datatypes.ErrorResponse](t, w).Error, "guest limit")
	assert.Equal(t, 2, s.replier.calls)
}

func TestHandleChat_Errors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		token  string
		body   string
		status int
	}{
		{"malformed json", "alice-token", `{"message":`, http.StatusBadRequest},
		{"missing message", "alice-token", `{}`, http.StatusBadRequest},
		{"blank message", "alice-token", `{"message":"   "}`, http.StatusBadRequest},
		{"too long", "alice-token", fmt.Sprintf(`{"message":%q}`, strings.Repeat("x", 4001)), http.StatusBadRequest},
		{"bad thread id", "alice-token", `{"message":"hi","threadId":"nope"}`, http.StatusBadRequest},
		{"unknown thread", "alice-token", `{"message":"hi","threadId":"4f9e2c1a-7b3d-4e8f-9a6b-2c1d0e9f8a7b"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := performRequest(s.router, http.MethodPost, "/api/chat", tt.token, tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.NotEmpty(t, decode[datatypes.ErrorResponse](t, w).Error)
		})
	}
	assert.Zero(t, s.replier.calls)
}

// =============================================================================
// Streaming
// =============================================================================

type sseEvent struct {
	name string
	data string
}

func parseSSE(body string) []sseEvent {
	var events []sseEvent
	for _, block := range strings.Split(body, "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = strings.TrimPrefix(line, "data: ")
			}
		}
		if ev.name != "" {
			events = append(events, ev)
		}
	}
	return events
}

func TestHandleChatStream_EventSequence(t *testing.T) {
	s := newTestServer(t)

	w := performRequest(s.router, http.MethodPost, "/api/chat/stream", "alice-token", `{"message":"Hello"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	events := parseSSE(w.Body.String())
	require.Len(t, events, 4)

	var text strings.Builder
	for _, ev := range events[:3] {
		assert.Equal(t, EventChunk, ev.name)
		var chunk datatypes.StreamChunk
		require.NoError(t, json.Unmarshal([]byte(ev.data), &chunk))
		text.WriteString(chunk.Chunk)
	}
	assert.Equal(t, "Hi there friend", text.String())

	assert.Equal(t, EventDone, events[3].name)
	var done datatypes.StreamDone
	require.NoError(t, json.Unmarshal([]byte(events[3].data), &done))
	assert.True(t, done.Done)
	assert.NotEmpty(t, done.ThreadID)
	assert.Equal(t, "fast", done.ModelUsed)
}

// lateFailSender passes preflight and then fails the turn, as when a
// thread is deleted while the reply is computed.
type lateFailSender struct{ err error }

var _ ChatSender = lateFailSender{}

func (l lateFailSender) Preflight(context.Context, services.SendRequest) error { return nil }
func (l lateFailSender) Send(context.Context, services.SendRequest) (*services.SendResult, error) {
	return nil, l.err
}

func TestHandleChatStream_ErrorEventAfterOpen(t *testing.T) {
	r := gin.New()
	r.POST("/stream", HandleChatStream(lateFailSender{err: datatypes.ErrNotFound}, StreamConfig{ChunkDelay: -1}, nil))

	w := performRequest(r, http.MethodPost, "/stream", "", `{"message":"hi"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	events := parseSSE(w.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].name)
	assert.JSONEq(t, `{"error":"thread not found"}`, events[0].data)
}

func TestHandleChatStream_GuestLimitBeforeStream(t *testing.T) {
	s := newTestServer(t)

	for _, msg := range []string{"One", "Two"} {
		w := performRequest(s.router, http.MethodPost, "/api/chat", "", fmt.Sprintf(`{"message":%q}`, msg))
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := performRequest(s.router, http.MethodPost, "/api/chat/stream", "", `{"message":"Third"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Contains(t, decode[datatypes.ErrorResponse](t, w).Error, "guest limit")

	// A new session header from the same address does not reset the allowance.
	req := httptest.NewRequest(http.MethodPost, "/api/chat/stream", strings.NewReader(`{"message":"Fourth"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.GuestSessionHeader, "fresh-tab")
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode[datatypes.ErrorResponse](t, w).Error, "guest limit")

	assert.Equal(t, 2, s.replier.calls)
}

func TestHandleChatStream_RejectedBeforeStream(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		token  string
		body   string
		status int
	}{
		{"empty message", "", `{"message":""}`, http.StatusBadRequest},
		{"unknown thread", "alice-token", `{"message":"hi","threadId":"4f9e2c1a-7b3d-4e8f-9a6b-2c1d0e9f8a7b"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := performRequest(s.router, http.MethodPost, "/api/chat/stream", tt.token, tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
			assert.NotEmpty(t, decode[datatypes.ErrorResponse](t, w).Error)
		})
	}

	// Another owner's thread is not found either.
	w := performRequest(s.router, http.MethodPost, "/api/chat", "alice-token", `{"message":"Hello"}`)
	require.Equal(t, http.StatusOK, w.Code)
	threadID := decode[datatypes.ChatResponse](t, w).ThreadID

	w = performRequest(s.router, http.MethodPost, "/api/chat/stream", "bob-token",
		fmt.Sprintf(`{"message":"hi","threadId":%q}`, threadID))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"thread not found"}`, w.Body.String())
	assert.Equal(t, 1, s.replier.calls)
}

// recordingSSE captures events written by emitChunks and awaitReply.
type recordingSSE struct {
	chunks []string
	pinged chan struct{}
}

func (r *recordingSSE) WriteChunk(chunk string) error        { r.chunks = append(r.chunks, chunk); return nil }
func (r *recordingSSE) WriteDone(datatypes.StreamDone) error { return nil }
func (r *recordingSSE) WriteError(string) error              { return nil }
func (r *recordingSSE) WriteKeepAlive() error {
	if r.pinged != nil {
		select {
		case r.pinged <- struct{}{}:
		default:
		}
	}
	return nil
}

func TestEmitChunks(t *testing.T) {
	sse := &recordingSSE{}
	ok := emitChunks(context.Background(), sse, "one two  three", 0, nopStreamObserver{})
	assert.True(t, ok)
	assert.Equal(t, "one two  three", strings.Join(sse.chunks, ""))
	assert.Equal(t, []string{"one ", "two ", " ", "three"}, sse.chunks)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sse = &recordingSSE{}
	ok = emitChunks(ctx, sse, "a b c", DefaultChunkDelay, nopStreamObserver{})
	assert.False(t, ok)
	assert.Equal(t, []string{"a "}, sse.chunks)
}

func TestAwaitReply_KeepAlive(t *testing.T) {
	sse := &recordingSSE{pinged: make(chan struct{}, 1)}
	done := make(chan sendOutcome, 1)
	result := &services.SendResult{Reply: "x"}
	go func() {
		<-sse.pinged
		done <- sendOutcome{result: result}
	}()

	outcome, ok := awaitReply(context.Background(), sse, time.Millisecond, done, nopStreamObserver{})
	require.True(t, ok)
	assert.Equal(t, result, outcome.result)
}

func TestAwaitReply_ClientGone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := awaitReply(ctx, &recordingSSE{}, DefaultKeepAliveInterval, make(chan sendOutcome), nopStreamObserver{})
	assert.False(t, ok)
}

// =============================================================================
// Threads
// =============================================================================

func TestThreadEndpoints(t *testing.T) {
	s := newTestServer(t)
	r := s.router

	w := performRequest(r, http.MethodPost, "/api/thread", "alice-token", `{"title":"Trip","modelMode":"balanced"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[datatypes.ThreadResponse](t, w).Thread
	assert.Equal(t, "Trip", created.Title)
	assert.Equal(t, "balanced", created.Settings.Model)
	path := "/api/thread/" + created.ThreadID

	w = performRequest(r, http.MethodPost, "/api/thread", "alice-token", "")
	assert.Equal(t, http.StatusCreated, w.Code)

	w = performRequest(r, http.MethodPost, "/api/chat", "alice-token",
		fmt.Sprintf(`{"message":"Kyoto plans","threadId":%q}`, created.ThreadID))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "balanced", decode[datatypes.ChatResponse](t, w).ModelUsed)

	w = performRequest(r, http.MethodPatch, path, "alice-token", `{"pinned":true,"tags":["Travel"]}`)
	require.Equal(t, http.StatusOK, w.Code)
	updated := decode[datatypes.ThreadResponse](t, w).Thread
	assert.True(t, updated.Pinned)
	assert.Equal(t, []string{"travel"}, updated.Tags)

	w = performRequest(r, http.MethodPatch, path, "alice-token", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = performRequest(r, http.MethodPatch, path+"/messages/last", "alice-token", `{"content":"edited"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "edited", decode[datatypes.ThreadResponse](t, w).Thread.Messages[1].Content)

	w = performRequest(r, http.MethodGet, "/api/threads?page=1&limit=1", "alice-token", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[datatypes.ThreadListResponse](t, w)
	require.Len(t, list.Threads, 1)
	assert.Equal(t, created.ThreadID, list.Threads[0].ThreadID)
	assert.Equal(t, datatypes.Pagination{Page: 1, Limit: 1, Total: 2, TotalPages: 2}, list.Pagination)

	w = performRequest(r, http.MethodGet, "/api/threads?limit=abc", "alice-token", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = performRequest(r, http.MethodGet, "/api/threads?archived=maybe", "alice-token", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = performRequest(r, http.MethodGet, "/api/threads/search?q=kyoto", "alice-token", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[map[string][]datatypes.ThreadSummary](t, w)["threads"], 1)

	// Another owner sees nothing.
	w = performRequest(r, http.MethodGet, path, "bob-token", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = performRequest(r, http.MethodDelete, path, "bob-token", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = performRequest(r, http.MethodDelete, path+"/messages", "alice-token", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[datatypes.ThreadResponse](t, w).Thread.Messages)

	w = performRequest(r, http.MethodDelete, path, "alice-token", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true}`, w.Body.String())

	w = performRequest(r, http.MethodGet, path, "alice-token", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestThreadEndpoints_RequireAuth(t *testing.T) {
	s := newTestServer(t)

	w := performRequest(s.router, http.MethodGet, "/api/threads", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = performRequest(s.router, http.MethodGet, "/api/threads", "forged", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestSetModelPreference(t *testing.T) {
	s := newTestServer(t)

	w := performRequest(s.router, http.MethodPut, "/api/preferences/model", "alice-token", `{"modelMode":"balanced"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"modelMode":"balanced"}`, w.Body.String())

	w = performRequest(s.router, http.MethodPut, "/api/preferences/model", "alice-token", `{"modelMode":"turbo"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = performRequest(s.router, http.MethodPost, "/api/chat", "alice-token", `{"message":"hi"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "balanced", decode[datatypes.ChatResponse](t, w).ModelUsed)
}

// =============================================================================
// Models, Files, Health
// =============================================================================

func TestHandleListModels(t *testing.T) {
	s := newTestServer(t)

	w := performRequest(s.router, http.MethodGet, "/api/models", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[datatypes.ModelsResponse](t, w)
	assert.Equal(t, "fast", resp.Default)
	require.Len(t, resp.Models, 2)
	assert.Equal(t, datatypes.ModelInfo{Mode: "fast", Label: "Fast", Provider: "groq", Model: "llama-3.1-8b-instant"}, resp.Models[0])
}

func uploadRequest(t *testing.T, filename string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("modelMode", "balanced"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/files/analyze", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestHandleAnalyzeFile(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, uploadRequest(t, "notes.txt", []byte("hello file")))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[datatypes.FileAnalysisResponse](t, w)
	assert.True(t, resp.Success)
	assert.Equal(t, "Hi there friend", resp.Analysis)
	assert.Equal(t, "notes.txt", resp.Metadata.Filename)
	assert.Equal(t, "10 B", resp.Metadata.SizeFormatted)
	assert.Equal(t, "Text Reader", resp.ExtractionMethod)
	assert.Equal(t, "hello file", resp.ContentPreview)

	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, uploadRequest(t, "big.txt", bytes.Repeat([]byte("a"), 65)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, uploadRequest(t, "x.zip", []byte("PK\x03\x04\x14\x00\x00\x00\x08\x00")))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode[datatypes.ErrorResponse](t, w).Error, "unsupported file type")

	w = performRequest(s.router, http.MethodPost, "/api/files/analyze", "", `{"not":"multipart"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthAndNotFound(t *testing.T) {
	s := newTestServer(t)

	w := performRequest(s.router, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, w.Body.String())

	w = performRequest(s.router, http.MethodGet, "/api/nope", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"route not found"}`, w.Body.String())
}

// =============================================================================
// Error Mapping
// =============================================================================

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{datatypes.Invalid("message", "must not be empty"), http.StatusBadRequest},
		{&datatypes.CapacityError{Resource: datatypes.ResourceThreadMessages, Limit: 1000}, http.StatusBadRequest},
		{&datatypes.CapacityError{Resource: datatypes.ResourceGuestMessages, Limit: 5}, http.StatusBadRequest},
		{fmt.Errorf("x: %w", datatypes.ErrUnsupportedFileType), http.StatusBadRequest},
		{extensions.ErrUnauthorized, http.StatusUnauthorized},
		{extensions.ErrForbidden, http.StatusForbidden},
		{fmt.Errorf("load thread: %w", datatypes.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: big", datatypes.ErrPayloadTooLarge), http.StatusRequestEntityTooLarge},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		status, msg := statusFor(tt.err)
		assert.Equal(t, tt.status, status, "%v", tt.err)
		assert.NotEmpty(t, msg)
	}

	_, msg := statusFor(errors.New("secret internal detail"))
	assert.Equal(t, msgInternal, msg)
}
