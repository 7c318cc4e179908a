// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package threads

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 256

// keyLock serializes work per key with a fixed set of mutexes. Two keys
// may share a stripe; that only costs parallelism, never correctness.
type keyLock struct {
	stripes [lockStripes]sync.Mutex
}

func (l *keyLock) stripe(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &l.stripes[h.Sum32()%lockStripes]
}

// Lock locks key and returns its unlock func.
func (l *keyLock) Lock(key string) func() {
	m := l.stripe(key)
	m.Lock()
	return m.Unlock
}
