package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coreply/cooperate/api/schemas"
)

// MemoryStore keeps the journal in process memory. It is the default when
// no database is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	tasks    map[string]*schemas.TaskRecord
	messages map[string][]schemas.JournalEntry
	now      func() time.Time
}

var _ Journal = (*MemoryStore)(nil)

// NewMemoryStore creates an empty journal.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:    make(map[string]*schemas.TaskRecord),
		messages: make(map[string][]schemas.JournalEntry),
		now:      time.Now,
	}
}

func (m *MemoryStore) TaskStarted(_ context.Context, task schemas.TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return fmt.Errorf("task %s already recorded", task.ID)
	}
	rec := task
	m.tasks[task.ID] = &rec
	return nil
}

func (m *MemoryStore) MessageAppended(_ context.Context, entry schemas.JournalEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[entry.TaskID]; !ok {
		return fmt.Errorf("append message to task %s: %w", entry.TaskID, ErrNotFound)
	}
	for _, existing := range m.messages[entry.TaskID] {
		if existing.Seq == entry.Seq {
			return nil
		}
	}
	entry.Message = entry.Message.Clone()
	entry.Message.Image = nil
	m.messages[entry.TaskID] = append(m.messages[entry.TaskID], entry)
	return nil
}

func (m *MemoryStore) TaskFinished(_ context.Context, taskID string, outcome schemas.TaskOutcome, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tasks[taskID]
	if !ok {
		return fmt.Errorf("finish task %s: %w", taskID, ErrNotFound)
	}
	finished := m.now()
	rec.Outcome = outcome
	rec.Error = errText
	rec.FinishedAt = &finished
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, taskID string) (*schemas.TaskRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *rec
	return &out, nil
}

func (m *MemoryStore) ListMessages(_ context.Context, taskID string) ([]schemas.JournalEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.tasks[taskID]; !ok {
		return nil, ErrNotFound
	}
	entries := make([]schemas.JournalEntry, len(m.messages[taskID]))
	for i, e := range m.messages[taskID] {
		e.Message = e.Message.Clone()
		entries[i] = e
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return entries, nil
}
