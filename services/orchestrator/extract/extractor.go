// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrToolMissing means the external program an extractor needs is not
// installed.
var ErrToolMissing = errors.New("extraction tool not installed")

// DefaultCommandTimeout bounds one pdftotext or tesseract run.
const DefaultCommandTimeout = 60 * time.Second

// maxCommandOutput caps captured stdout; extracted content is bounded
// further downstream.
const maxCommandOutput = 4 << 20

// Extractor produces plain text from file bytes.
type Extractor interface {
	// Method is the human-readable extraction method reported to clients.
	Method() string
	Extract(ctx context.Context, data []byte) (string, error)
}

// TextExtractor decodes text files, replacing invalid UTF-8.
type TextExtractor struct{}

func (TextExtractor) Method() string { return "Text Reader" }

func (TextExtractor) Extract(_ context.Context, data []byte) (string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if utf8.Valid(data) {
		return string(data), nil
	}
	return strings.ToValidUTF8(string(data), "�"), nil
}

// CommandExtractor pipes the file into an external program on stdin and
// reads text from its stdout.
type CommandExtractor struct {
	Name    string
	Path    string
	Args    []string
	Timeout time.Duration
}

// NewPDFExtractor runs `pdftotext -layout - -`.
func NewPDFExtractor() *CommandExtractor {
	return &CommandExtractor{Name: "PDF Parser", Path: "pdftotext", Args: []string{"-layout", "-q", "-", "-"}}
}

// NewOCRExtractor runs `tesseract stdin stdout -l eng`.
func NewOCRExtractor() *CommandExtractor {
	return &CommandExtractor{Name: "OCR (Tesseract)", Path: "tesseract", Args: []string{"stdin", "stdout", "-l", "eng"}}
}

func (e *CommandExtractor) Method() string { return e.Name }

// Extract runs the command with a bounded timeout and output size.
func (e *CommandExtractor) Extract(ctx context.Context, data []byte) (string, error) {
	path, err := exec.LookPath(e.Path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrToolMissing, e.Path)
	}

	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, e.Args...)
	cmd.Stdin = bytes.NewReader(data)
	cmd.Stdout = &limitedWriter{w: &stdout, limit: maxCommandOutput}
	cmd.Stderr = &limitedWriter{w: &stderr, limit: 4096}

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("%s: %w", e.Path, ctxErr)
		}
		return "", fmt.Errorf("%s failed: %w: %s", e.Path, err, strings.TrimSpace(stderr.String()))
	}
	return strings.ToValidUTF8(stdout.String(), "�"), nil
}

// limitedWriter discards everything past limit bytes.
type limitedWriter struct {
	w     io.Writer
	limit int
	n     int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	room := l.limit - l.n
	if room <= 0 {
		return len(p), nil
	}
	chunk := p
	if len(chunk) > room {
		chunk = chunk[:room]
	}
	n, err := l.w.Write(chunk)
	l.n += n
	if err != nil {
		return n, err
	}
	return len(p), nil
}

// Set maps each Kind to its extractor.
type Set map[Kind]Extractor

// DefaultSet returns the text, pdftotext and tesseract extractors.
func DefaultSet() Set {
	return Set{
		KindText:  TextExtractor{},
		KindPDF:   NewPDFExtractor(),
		KindImage: NewOCRExtractor(),
	}
}
