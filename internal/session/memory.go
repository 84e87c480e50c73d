package session

import (
	"context"
	"sync"
	"time"
)

const janitorInterval = time.Minute

// MemoryStore is the default in-process session store. Suitable for a single
// instance; use the redis or firestore store when running more than one.
type MemoryStore struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]*memoryEntry

	stop     chan struct{}
	stopOnce sync.Once
}

type memoryEntry struct {
	ticket    *Ticket
	subject   string
	expiresAt time.Time
}

// NewMemoryStore creates a memory store whose entries expire ttl after their
// last write. A janitor goroutine reclaims expired entries until Close.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	s := &MemoryStore{
		ttl:     ttl,
		entries: make(map[string]*memoryEntry),
		stop:    make(chan struct{}),
	}
	go s.janitor()
	return s
}

// Close stops the janitor goroutine
func (s *MemoryStore) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for id, entry := range s.entries {
				if now.After(entry.expiresAt) {
					delete(s.entries, id)
				}
			}
			s.mu.Unlock()
		case <-s.stop:
			return
		}
	}
}

// upsert returns the live entry for sessionID, creating one if needed, and
// refreshes its expiry. Callers hold s.mu.
func (s *MemoryStore) upsert(sessionID string) *memoryEntry {
	entry, ok := s.entries[sessionID]
	if !ok || time.Now().After(entry.expiresAt) {
		entry = &memoryEntry{}
		s.entries[sessionID] = entry
	}
	entry.expiresAt = time.Now().Add(s.ttl)
	return entry
}

// live returns the entry for sessionID if it exists and has not expired.
// Callers hold s.mu (read or write).
func (s *MemoryStore) live(sessionID string) (*memoryEntry, bool) {
	entry, ok := s.entries[sessionID]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry, true
}

func (s *MemoryStore) Bind(_ context.Context, sessionID string, ticket Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.upsert(sessionID)
	entry.ticket = &ticket
	return nil
}

func (s *MemoryStore) Ticket(_ context.Context, sessionID string) (Ticket, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.live(sessionID)
	if !ok || entry.ticket == nil {
		return Ticket{}, false, nil
	}
	return *entry.ticket, true, nil
}

func (s *MemoryStore) ClearTicket(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.live(sessionID); ok {
		entry.ticket = nil
	}
	return nil
}

func (s *MemoryStore) SetSubject(_ context.Context, sessionID, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.upsert(sessionID)
	entry.subject = subject
	return nil
}

func (s *MemoryStore) Subject(_ context.Context, sessionID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.live(sessionID)
	if !ok || entry.subject == "" {
		return "", false, nil
	}
	return entry.subject, true, nil
}

var _ Store = (*MemoryStore)(nil)
