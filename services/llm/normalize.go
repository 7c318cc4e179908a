// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"encoding/json"
	"sort"
	"strings"
)

// DefaultMaxDepth bounds Normalizer recursion.
const DefaultMaxDepth = 10

// DefaultFields is the priority-ordered list of keys that conventionally
// carry reply text across providers.
var DefaultFields = []string{"text", "content", "message", "parts", "body"}

// Normalizer extracts plain text from an arbitrarily nested provider
// payload.
//
// # Description
//
// Normalize walks the payload depth-first:
//
//  1. A string is returned unchanged.
//  2. A sequence is normalized element by element and concatenated.
//  3. A keyed structure is searched for Fields in priority order. The first
//     present field that yields text wins. When known fields are present but
//     all of them are empty the result is "". When no known field is present,
//     every value is normalized in sorted key order and the non-empty results
//     are concatenated.
//  4. Numbers, booleans, null and anything past MaxDepth yield "".
//
// Other Go values (structs, typed slices and maps) are re-decoded through
// encoding/json first, so a provider SDK type can be passed in directly.
//
// # Limitations
//
//   - Normalize never fabricates content. An empty result means "no text
//     found" and it is the caller's job to substitute a fallback.
//   - Sorted key order makes output deterministic but not necessarily the
//     order the provider intended for objects without known fields.
//
// # Thread Safety
//
// A Normalizer is immutable; share one across goroutines.
type Normalizer struct {
	// MaxDepth is the deepest nesting level inspected. The root is depth 0.
	MaxDepth int

	// Fields are the conventional text-carrying keys, highest priority first.
	Fields []string
}

// NewNormalizer returns a Normalizer with DefaultMaxDepth and DefaultFields.
func NewNormalizer() *Normalizer {
	fields := make([]string, len(DefaultFields))
	copy(fields, DefaultFields)
	return &Normalizer{MaxDepth: DefaultMaxDepth, Fields: fields}
}

// Normalize converts payload to plain text. It never panics.
func (n *Normalizer) Normalize(payload any) (out string) {
	defer func() {
		if recover() != nil {
			out = ""
		}
	}()
	return n.walk(payload, 0)
}

func (n *Normalizer) walk(v any, depth int) string {
	if depth > n.maxDepth() {
		return ""
	}

	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return n.walkJSON(t, depth)
	case json.RawMessage:
		return n.walkJSON(t, depth)
	case []any:
		var sb strings.Builder
		for _, el := range t {
			sb.WriteString(n.walk(el, depth+1))
		}
		return sb.String()
	case []string:
		return strings.Join(t, "")
	case map[string]any:
		return n.walkMap(t, depth)
	case bool, float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		return ""
	default:
		generic, err := toPayload(t)
		if err != nil {
			return ""
		}
		switch generic.(type) {
		case map[string]any, []any, string:
			return n.walk(generic, depth)
		default:
			return ""
		}
	}
}

func (n *Normalizer) walkMap(m map[string]any, depth int) string {
	knownPresent := false
	for _, field := range n.Fields {
		val, ok := m[field]
		if !ok || val == nil {
			continue
		}
		knownPresent = true
		if s := n.walk(val, depth+1); s != "" {
			return s
		}
	}
	if knownPresent {
		return ""
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(n.walk(m[k], depth+1))
	}
	return sb.String()
}

// walkJSON treats raw bytes as JSON when they parse, otherwise as text.
func (n *Normalizer) walkJSON(raw []byte, depth int) string {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return string(raw)
	}
	return n.walk(decoded, depth)
}

func (n *Normalizer) maxDepth() int {
	if n.MaxDepth <= 0 {
		return DefaultMaxDepth
	}
	return n.MaxDepth
}
