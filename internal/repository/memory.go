package repository

import (
	"context"
	"sync"
	"time"
)

// MemoryFingerprintStore is the in-process fallback used when Redis is not
// configured or unavailable. Entries expire lazily on read.
type MemoryFingerprintStore struct {
	entries sync.Map
	ttl     time.Duration
}

type fingerprintEntry struct {
	value     string
	expiresAt time.Time
}

func NewMemoryFingerprintStore(ttl time.Duration) *MemoryFingerprintStore {
	return &MemoryFingerprintStore{ttl: ttl}
}

func (m *MemoryFingerprintStore) Get(ctx context.Context, notesID string) (string, error) {
	val, ok := m.entries.Load(notesID)
	if !ok {
		return "", nil
	}
	entry := val.(fingerprintEntry)
	if time.Now().After(entry.expiresAt) {
		m.entries.Delete(notesID)
		return "", nil
	}
	return entry.value, nil
}

func (m *MemoryFingerprintStore) Set(ctx context.Context, notesID, fingerprint string) error {
	m.entries.Store(notesID, fingerprintEntry{
		value:     fingerprint,
		expiresAt: time.Now().Add(m.ttl),
	})
	return nil
}

func (m *MemoryFingerprintStore) Invalidate(ctx context.Context, notesID string) error {
	m.entries.Delete(notesID)
	return nil
}
