package incident

import (
	"sync"
	"time"

	"safesight/internal/model"
)

// Log is the append-only incident history. Records are appended on open and
// mutated in place as they transition; nothing is ever removed, so the full
// incident sequence stays replayable.
type Log struct {
	mu    sync.RWMutex
	items []model.Incident
	index map[uint64]int
}

func NewLog() *Log {
	return &Log{index: make(map[uint64]int)}
}

func (l *Log) Append(inc model.Incident) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.index[inc.ID] = len(l.items)
	l.items = append(l.items, inc)
}

func (l *Log) Get(id uint64) (model.Incident, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.index[id]
	if !ok {
		return model.Incident{}, false
	}
	return l.items[i], true
}

// Mutate applies fn to the stored record. Returns false for an unknown id.
func (l *Log) Mutate(id uint64, fn func(*model.Incident)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[id]
	if !ok {
		return false
	}
	fn(&l.items[i])
	return true
}

// List returns incidents newest-first. limit <= 0 means all.
func (l *Log) List(limit int) []model.Incident {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := len(l.items)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]model.Incident, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, l.items[i])
	}
	return out
}

// Since returns incidents created at or after ts, newest-first.
func (l *Log) Since(ts time.Time) []model.Incident {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.Incident, 0)
	for i := len(l.items) - 1; i >= 0; i-- {
		if l.items[i].CreatedAt.Before(ts) {
			continue
		}
		out = append(out, l.items[i])
	}
	return out
}

func (l *Log) CountActive() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for i := range l.items {
		if l.items[i].Status == model.IncidentActive {
			n++
		}
	}
	return n
}

func (l *Log) Total() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}
