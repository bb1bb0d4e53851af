package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/ajitpratap0/quasar/pkg/models"
)

type memoryRecord struct {
	entry   Entry
	claimed bool
	acked   bool
}

type memoryLog struct {
	records []*memoryRecord
	// changed is closed and replaced whenever an entry becomes claimable
	changed chan struct{}
}

func (l *memoryLog) notify() {
	close(l.changed)
	l.changed = make(chan struct{})
}

// Memory is an in-process Log with the same delivery contract as Kafka.
// Requeue stands in for a consumer failure.
type Memory struct {
	mu     sync.Mutex
	logs   map[models.PipelineKey]*memoryLog
	closed chan struct{}
	once   sync.Once
}

// NewMemory creates an empty broker
func NewMemory() *Memory {
	return &Memory{
		logs:   make(map[models.PipelineKey]*memoryLog),
		closed: make(chan struct{}),
	}
}

func (m *Memory) log(key models.PipelineKey) *memoryLog {
	l, ok := m.logs[key]
	if !ok {
		l = &memoryLog{changed: make(chan struct{})}
		m.logs[key] = l
	}
	return l
}

// Ensure implements Log
func (m *Memory) Ensure(_ context.Context, key models.PipelineKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isClosed() {
		return ErrClosed
	}
	m.log(key)
	return nil
}

// Append implements Log
func (m *Memory) Append(_ context.Context, key models.PipelineKey, transaction string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isClosed() {
		return Entry{}, ErrClosed
	}

	l := m.log(key)
	entry := Entry{ID: strconv.Itoa(len(l.records)), Transaction: transaction}
	l.records = append(l.records, &memoryRecord{entry: entry})
	l.notify()
	return entry, nil
}

// Claim implements Log
func (m *Memory) Claim(ctx context.Context, key models.PipelineKey) (Entry, error) {
	for {
		m.mu.Lock()
		if m.isClosed() {
			m.mu.Unlock()
			return Entry{}, ErrClosed
		}
		l := m.log(key)
		for _, r := range l.records {
			if !r.acked && !r.claimed {
				r.claimed = true
				m.mu.Unlock()
				return r.entry, nil
			}
		}
		changed := l.changed
		m.mu.Unlock()

		select {
		case <-changed:
		case <-m.closed:
			return Entry{}, ErrClosed
		case <-ctx.Done():
			return Entry{}, ctx.Err()
		}
	}
}

// Ack implements Log
func (m *Memory) Ack(_ context.Context, key models.PipelineKey, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.logs[key]
	if !ok {
		return fmt.Errorf("no log for pipeline %s", key)
	}
	for _, r := range l.records {
		if r.entry.ID == entry.ID {
			r.acked = true
			return nil
		}
	}
	return fmt.Errorf("entry %s not found in %s", entry.ID, key)
}

// Requeue makes every claimed but unacknowledged entry of key deliverable
// again
func (m *Memory) Requeue(key models.PipelineKey) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.log(key)
	for _, r := range l.records {
		if !r.acked {
			r.claimed = false
		}
	}
	l.notify()
}

// Pending returns the entries of key not yet acknowledged
func (m *Memory) Pending(key models.PipelineKey) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []Entry
	if l, ok := m.logs[key]; ok {
		for _, r := range l.records {
			if !r.acked {
				entries = append(entries, r.entry)
			}
		}
	}
	return entries
}

// Close implements Log
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

func (m *Memory) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}
