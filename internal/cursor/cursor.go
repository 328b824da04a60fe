// Package cursor provides concurrency-safe per-channel timestamp watermarks.
// The poll watermark bounds the next fetch window; the dedup watermark marks
// the newest fully processed post. The dedup map is written by the reply
// worker and read by the poller, which is why access is lock-guarded.
package cursor

import "sync"

// Map tracks a millisecond watermark per channel ID.
type Map struct {
	mu    sync.RWMutex
	marks map[string]int64
}

func NewMap() *Map {
	return &Map{marks: make(map[string]int64)}
}

// Get returns the watermark for channelID, or fallback when none is set.
func (m *Map) Get(channelID string, fallback int64) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ts, ok := m.marks[channelID]; ok {
		return ts
	}
	return fallback
}

// Put sets the watermark unconditionally.
func (m *Map) Put(channelID string, ts int64) {
	m.mu.Lock()
	m.marks[channelID] = ts
	m.mu.Unlock()
}

// Advance raises the watermark to ts; a lower ts leaves it untouched.
func (m *Map) Advance(channelID string, ts int64) {
	m.mu.Lock()
	if ts > m.marks[channelID] {
		m.marks[channelID] = ts
	}
	m.mu.Unlock()
}
