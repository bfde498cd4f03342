package limiter

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process sliding-window limiter. Counters are lost on restart.
type Memory struct {
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*memEntry
}

type memEntry struct {
	fails        []time.Time
	blockedUntil time.Time
}

// NewMemory constructs an in-memory limiter with the same policy as PG.
func NewMemory(window time.Duration, maxFails int, blockFor time.Duration) *Memory {
	return &Memory{
		window:   window,
		maxFails: maxFails,
		blockFor: blockFor,
		now:      time.Now,
		entries:  map[string]*memEntry{},
	}
}

func memKey(email string, ipHash []byte) string { return email + "\x00" + string(ipHash) }

func (m *Memory) Allow(_ context.Context, email string, ipHash []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[memKey(email, ipHash)]
	if !ok {
		return true, 0, nil
	}
	if wait := e.blockedUntil.Sub(m.now()); wait > 0 {
		return false, wait, nil
	}
	return true, 0, nil
}

func (m *Memory) Success(_ context.Context, email string, ipHash []byte) error {
	m.mu.Lock()
	delete(m.entries, memKey(email, ipHash))
	m.mu.Unlock()
	return nil
}

func (m *Memory) Failure(_ context.Context, email string, ipHash []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	k := memKey(email, ipHash)
	e, ok := m.entries[k]
	if !ok {
		e = &memEntry{}
		m.entries[k] = e
	}
	cutoff := now.Add(-m.window)
	kept := e.fails[:0]
	for _, t := range e.fails {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.fails = append(kept, now)
	if len(e.fails) < m.maxFails {
		return false, 0, nil
	}
	e.fails = nil
	e.blockedUntil = now.Add(m.blockFor)
	return true, m.blockFor, nil
}
