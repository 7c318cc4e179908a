// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package services

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/extract"
)

var fileTracer = otel.Tracer("aleutian.orchestrator.services.files")

// DefaultMaxFileSize is the upload ceiling in bytes.
const DefaultMaxFileSize = 10 << 20

// FileAnalysisSystemPrompt frames the model for file analysis.
const FileAnalysisSystemPrompt = `You are Aleutian Chat, an assistant specialized in file analysis and content understanding.
Provide comprehensive, structured analysis with key insights, summaries, and actionable information.`

const analysisPromptFormat = `Analyze this %s file named %q. Provide:
1. Brief summary (2-3 sentences)
2. Key points or main topics
3. Important details or insights
4. Any issues, errors, or suggestions (if applicable)

File content:
%s`

// FileRequest is one uploaded file.
type FileRequest struct {
	Filename  string
	Data      []byte
	ModelMode string
}

// FileConfig tunes FileService. Zero values take defaults.
type FileConfig struct {
	MaxFileSize int64
	MaxContent  int
}

// FileService extracts text from uploads and asks the Replier to analyze
// it.
//
// # Thread Safety
//
// Safe for concurrent use.
type FileService struct {
	replier    Replier
	extractors extract.Set
	config     FileConfig
	observer   ChatObserver
	logger     *slog.Logger
	now        func() time.Time
}

// FileOption configures a FileService.
type FileOption func(*FileService)

// WithFileLogger sets the service logger.
func WithFileLogger(logger *slog.Logger) FileOption {
	return func(s *FileService) { s.logger = logger }
}

// WithFileObserver records per-request outcomes.
func WithFileObserver(o ChatObserver) FileOption {
	return func(s *FileService) { s.observer = o }
}

// WithExtractors replaces extract.DefaultSet.
func WithExtractors(set extract.Set) FileOption {
	return func(s *FileService) { s.extractors = set }
}

// NewFileService creates a FileService.
func NewFileService(replier Replier, config FileConfig, opts ...FileOption) *FileService {
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = DefaultMaxFileSize
	}
	if config.MaxContent <= 0 {
		config.MaxContent = extract.DefaultMaxContent
	}
	s := &FileService{
		replier:    replier,
		extractors: extract.DefaultSet(),
		config:     config,
		observer:   NopChatObserver{},
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxFileSize returns the configured upload ceiling.
func (s *FileService) MaxFileSize() int64 { return s.config.MaxFileSize }

// AnalyzeFile checks, extracts and analyzes one upload.
//
// # Description
//
// The size limit and MIME allow-list are checked before any extractor
// runs. Extracted text is bounded to MaxContent characters and sent as a
// single user message with FileAnalysisSystemPrompt.
//
// # Outputs
//
//   - error: ErrPayloadTooLarge, ErrUnsupportedFileType, a ValidationError
//     for empty extraction output, or an extractor failure.
func (s *FileService) AnalyzeFile(ctx context.Context, req FileRequest) (*datatypes.FileAnalysisResponse, error) {
	ctx, span := fileTracer.Start(ctx, "FileService.AnalyzeFile",
		trace.WithAttributes(
			attribute.String("file.name", filepath.Base(req.Filename)),
			attribute.Int("file.size", len(req.Data)),
		),
	)
	defer span.End()

	resp, err := s.analyze(ctx, req)
	s.observer.ObserveChat(FlowFile, statusOf(err))
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("file.type", resp.Metadata.Type))
	return resp, nil
}

func (s *FileService) analyze(ctx context.Context, req FileRequest) (*datatypes.FileAnalysisResponse, error) {
	size := int64(len(req.Data))
	if size > s.config.MaxFileSize {
		return nil, fmt.Errorf("%w: %s exceeds the %s limit",
			datatypes.ErrPayloadTooLarge, humanize.IBytes(uint64(size)), humanize.IBytes(uint64(s.config.MaxFileSize)))
	}
	if size == 0 {
		return nil, datatypes.Invalid("file", "no file uploaded")
	}

	filename := filepath.Base(strings.TrimSpace(req.Filename))
	detected, err := extract.Detect(req.Data, filename)
	if err != nil {
		return nil, err
	}

	extractor, ok := s.extractors[detected.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: no extractor for %s", datatypes.ErrUnsupportedFileType, detected.MIME)
	}
	content, err := extractor.Extract(ctx, req.Data)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", filename, err)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, datatypes.Invalid("file", "no readable content could be extracted from %s", filename)
	}

	bounded := extract.Bound(content, s.config.MaxContent)
	prompt := fmt.Sprintf(analysisPromptFormat, extractor.Method(), filename, bounded)
	history := []llm.ChatMessage{{Role: llm.RoleUser, Content: prompt}}
	analysis := s.replier.GetReply(ctx, history, s.replier.ResolveMode(req.ModelMode), FileAnalysisSystemPrompt)

	s.logger.Info("file analyzed",
		"filename", filename,
		"type", detected.MIME,
		"method", extractor.Method(),
		"content_length", utf8.RuneCountInString(content),
	)
	return &datatypes.FileAnalysisResponse{
		Success:  true,
		Analysis: analysis,
		Metadata: datatypes.FileMetadata{
			Filename:      filename,
			Size:          size,
			SizeFormatted: humanize.IBytes(uint64(size)),
			Type:          detected.MIME,
			ContentLength: utf8.RuneCountInString(content),
			UploadedAt:    s.now().UTC(),
		},
		ExtractionMethod: extractor.Method(),
		ContentPreview:   extract.Preview(content),
	}, nil
}
