package ratelimiter

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Entry is one fixed counting window.
type Entry struct {
	Count        int       `json:"count"`
	FirstRequest time.Time `json:"first_request"`
	ResetTime    time.Time `json:"reset_time"`

	// Fresh is set when this hit opened the window.
	Fresh bool `json:"-"`
}

// Store persists counting windows. Hit must apply the window transition and
// the increment atomically.
type Store interface {
	// Hit records one request against key. A missing entry, or one whose
	// window has elapsed at now, restarts with Count=1.
	Hit(ctx context.Context, key string, window time.Duration, now time.Time) (Entry, error)
	// Reset drops key and every key prefixed with key+":". It returns the number removed.
	Reset(ctx context.Context, key string) (int, error)
	// All returns the live entries at now.
	All(ctx context.Context, now time.Time) (map[string]Entry, error)
	// DeleteExpired purges entries whose reset time is not after now.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	Close() error
}

type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

func (s *MemoryStore) Hit(_ context.Context, key string, window time.Duration, now time.Time) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || now.Sub(e.FirstRequest) >= window {
		e = &Entry{Count: 1, FirstRequest: now, ResetTime: now.Add(window)}
		s.entries[key] = e
		out := *e
		out.Fresh = true
		return out, nil
	}

	e.Count++
	return *e, nil
}

func (s *MemoryStore) Reset(_ context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k := range s.entries {
		if k == key || strings.HasPrefix(k, key+":") {
			delete(s.entries, k)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) All(_ context.Context, now time.Time) (map[string]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Entry, len(s.entries))
	for k, e := range s.entries {
		if e.ResetTime.After(now) {
			out[k] = *e
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, e := range s.entries {
		if !e.ResetTime.After(now) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed, nil
}

// Size returns the number of tracked entries, expired or not.
func (s *MemoryStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*Entry)
	return nil
}
