// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extract turns uploaded files into plain text for analysis.
//
// # Description
//
// Detect sniffs the content type from the bytes themselves and rejects
// anything outside the allow-list before an extractor runs. Text formats
// are decoded directly; PDFs and images are handed to the pdftotext and
// tesseract command-line tools.
package extract

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
)

// Kind selects an extractor.
type Kind string

const (
	KindText  Kind = "text"
	KindPDF   Kind = "pdf"
	KindImage Kind = "image"
)

// Detection is the sniffed type of an upload.
type Detection struct {
	// MIME is the detected media type without parameters.
	MIME string
	Kind Kind
}

var textTypes = map[string]bool{
	"application/json":       true,
	"application/javascript": true,
	"application/x-python":   true,
	"text/x-python":          true,
	"text/markdown":          true,
	"text/csv":               true,
}

var imageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
	"image/bmp":  true,
	"image/tiff": true,
}

// Detect sniffs data and classifies it. Types outside the allow-list fail
// with datatypes.ErrUnsupportedFileType.
func Detect(data []byte, filename string) (Detection, error) {
	detected := mimetype.Detect(data)

	for m := detected; m != nil; m = m.Parent() {
		base := baseType(m.String())
		switch {
		case base == "application/pdf":
			return Detection{MIME: base, Kind: KindPDF}, nil
		case imageTypes[base]:
			return Detection{MIME: base, Kind: KindImage}, nil
		case strings.HasPrefix(base, "text/") || textTypes[base]:
			return Detection{MIME: baseType(detected.String()), Kind: KindText}, nil
		}
	}

	// The extension is only reported; binary content named .txt is still
	// rejected.
	return Detection{}, fmt.Errorf("%w: %s is %s; upload %s",
		datatypes.ErrUnsupportedFileType, filepath.Base(filename), baseType(detected.String()), SupportedTypes)
}

func baseType(m string) string {
	base, _, _ := strings.Cut(m, ";")
	return strings.TrimSpace(base)
}

// SupportedTypes describes the allow-list for error messages.
const SupportedTypes = "PDF, TXT, JS, JSON, PY, MD, CSV, or image files"
