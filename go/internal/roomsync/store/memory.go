package store

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
)

// Memory is an in-process Store. One instance shared by every session of a
// device acts as that device's local snapshot cache; it is also the store the
// replication tests run against.
type Memory struct {
	clock clockwork.Clock

	mu       sync.RWMutex
	rooms    map[string]Snapshot
	watchers *watchers
}

// NewMemory returns an empty store. A nil clock means wall time.
func NewMemory(clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{
		clock:    clock,
		rooms:    make(map[string]Snapshot),
		watchers: newWatchers(),
	}
}

func (m *Memory) Get(_ context.Context, code string) (Snapshot, error) {
	m.mu.RLock()
	snap, ok := m.rooms[code]
	m.mu.RUnlock()
	if !ok || !m.clock.Now().Before(snap.ExpiresAt) {
		return Snapshot{}, ErrNotFound
	}
	snap.State = snap.State.Clone()
	return snap, nil
}

func (m *Memory) Save(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	if cur, ok := m.rooms[snap.Code]; ok && cur.LastUpdatedAt.After(snap.LastUpdatedAt) {
		m.mu.Unlock()
		return nil
	}
	m.purgeExpired()
	snap.State = snap.State.Clone()
	m.rooms[snap.Code] = snap
	m.mu.Unlock()

	m.watchers.notify(snap.Code)
	return nil
}

func (m *Memory) Exists(ctx context.Context, code string) (bool, error) {
	_, err := m.Get(ctx, code)
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

// Watch implements ChangeFeed.
func (m *Memory) Watch(code string, fn func()) func() {
	return m.watchers.add(code, fn)
}

// purgeExpired drops every snapshot past its expiry. Callers hold mu.
func (m *Memory) purgeExpired() {
	now := m.clock.Now()
	for code, snap := range m.rooms {
		if !now.Before(snap.ExpiresAt) {
			delete(m.rooms, code)
		}
	}
}

// watchers maps a room code to the callbacks interested in its writes.
type watchers struct {
	mu   sync.Mutex
	next int
	fns  map[string]map[int]func()
}

func newWatchers() *watchers {
	return &watchers{fns: make(map[string]map[int]func())}
}

func (w *watchers) add(code string, fn func()) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.next
	w.next++
	if w.fns[code] == nil {
		w.fns[code] = make(map[int]func())
	}
	w.fns[code][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			delete(w.fns[code], id)
			if len(w.fns[code]) == 0 {
				delete(w.fns, code)
			}
		})
	}
}

func (w *watchers) notify(code string) {
	w.mu.Lock()
	fns := make([]func(), 0, len(w.fns[code]))
	for _, fn := range w.fns[code] {
		fns = append(fns, fn)
	}
	w.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
