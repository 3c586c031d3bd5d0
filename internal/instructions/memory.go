package instructions

import (
	"context"
	"sync"
	"time"
)

// MemStore is an in-memory Store with per-entry expiry. The dashboard (or
// any upstream provisioner) Puts an instruction keyed by the expected call
// identifier shortly before the call arrives; a janitor goroutine sweeps
// entries that were never claimed.
//
// Safe for concurrent use.
type MemStore struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]memEntry

	stopOnce sync.Once
	stop     chan struct{}
}

type memEntry struct {
	inst      Instruction
	expiresAt time.Time
}

const defaultTTL = 15 * time.Minute

// NewMemStore creates a MemStore whose entries live for ttl (a zero or
// negative ttl falls back to 15 minutes) and starts its janitor.
func NewMemStore(ttl time.Duration) *MemStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	s := &MemStore{
		ttl:     ttl,
		entries: make(map[string]memEntry),
		stop:    make(chan struct{}),
	}
	go s.janitor()
	return s
}

// Put provisions the instruction for an upcoming call. A second Put for the
// same call replaces the earlier entry and resets its expiry.
func (s *MemStore) Put(callID string, inst Instruction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[callID] = memEntry{inst: inst, expiresAt: time.Now().Add(s.ttl)}
}

// Get implements Store. Expired entries count as misses.
func (s *MemStore) Get(_ context.Context, callID string) (Instruction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[callID]
	if !ok {
		return Instruction{}, ErrNotFound
	}
	if time.Now().After(e.expiresAt) {
		delete(s.entries, callID)
		return Instruction{}, ErrNotFound
	}
	return e.inst, nil
}

// Close stops the janitor. Idempotent.
func (s *MemStore) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// janitor periodically drops expired entries so abandoned provisioning
// does not accumulate.
func (s *MemStore) janitor() {
	interval := s.ttl
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			for id, e := range s.entries {
				if now.After(e.expiresAt) {
					delete(s.entries, id)
				}
			}
			s.mu.Unlock()
		}
	}
}
