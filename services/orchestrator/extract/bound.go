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
	"unicode/utf8"

	"github.com/tmc/langchaingo/textsplitter"
)

// Content limits in characters.
const (
	DefaultMaxContent = 8000
	PreviewLength     = 500
)

var boundSeparators = []string{"\n\n", "\n", ". ", " ", ""}

// Bound returns at most max characters of content, cut at the best
// paragraph, line or word boundary the recursive splitter finds.
func Bound(content string, max int) string {
	if max <= 0 || utf8.RuneCountInString(content) <= max {
		return content
	}

	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(max),
		textsplitter.WithChunkOverlap(0),
		textsplitter.WithSeparators(boundSeparators),
	)
	chunks, err := splitter.SplitText(content)
	if err != nil || len(chunks) == 0 {
		return firstRunes(content, max)
	}
	return firstRunes(chunks[0], max)
}

// Preview returns the first PreviewLength characters of content.
func Preview(content string) string {
	return firstRunes(content, PreviewLength)
}

func firstRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
