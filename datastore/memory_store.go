package datastore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is a thread-safe in-memory Store, suitable for tests and for
// single-process runs that do not need durability.
type MemoryStore struct {
	mu      sync.RWMutex
	txMu    sync.Mutex
	records []ExecutionRecord
	errors  []ErrorRecord
	index   map[string]int
}

var _ TxStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{index: make(map[string]int)}
}

// Create persists a new record.
func (s *MemoryStore) Create(_ context.Context, rec ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[rec.ID]; ok {
		return fmt.Errorf("record %s already exists", rec.ID)
	}
	s.index[rec.ID] = len(s.records)
	s.records = append(s.records, rec)

	return nil
}

// Transition moves a record to a new state.
func (s *MemoryStore) Transition(_ context.Context, id string, to State) error {
	return s.transition(id, to, "")
}

// Skip moves a record to Skipped with a reason.
func (s *MemoryStore) Skip(_ context.Context, id, reason string) error {
	return s.transition(id, StateSkipped, reason)
}

func (s *MemoryStore) transition(id string, to State, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return fmt.Errorf("record %s: %w", id, ErrRecordNotFound)
	}
	rec := s.records[i]
	if !rec.State.CanTransition(to) {
		return &InvalidTransitionError{RecordID: id, From: rec.State, To: to}
	}
	rec.stamp(to, time.Now().UTC())
	rec.SkipReason = reason
	s.records[i] = rec

	return nil
}

// Find returns the record with the given ID.
func (s *MemoryStore) Find(_ context.Context, id string) (ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[id]
	if !ok {
		return ExecutionRecord{}, fmt.Errorf("record %s: %w", id, ErrRecordNotFound)
	}

	return s.records[i], nil
}

// FindByIdentity returns the most recent record for an identity.
func (s *MemoryStore) FindByIdentity(_ context.Context, identity string) (ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].Identity == identity {
			return s.records[i], nil
		}
	}

	return ExecutionRecord{}, fmt.Errorf("identity %s: %w", identity, ErrRecordNotFound)
}

// List returns all records in creation order.
func (s *MemoryStore) List(_ context.Context) ([]ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ExecutionRecord, len(s.records))
	copy(out, s.records)

	return out, nil
}

// AddError attaches an error record.
func (s *MemoryStore) AddError(_ context.Context, er ErrorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[er.RecordID]; !ok {
		return fmt.Errorf("record %s: %w", er.RecordID, ErrRecordNotFound)
	}
	s.errors = append(s.errors, er)

	return nil
}

// ListErrors returns the error records attached to recordID.
func (s *MemoryStore) ListErrors(_ context.Context, recordID string) ([]ErrorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ErrorRecord
	for _, er := range s.errors {
		if er.RecordID == recordID {
			out = append(out, er)
		}
	}

	return out, nil
}

// CompletedIdentities returns identities with at least one Completed record.
func (s *MemoryStore) CompletedIdentities(_ context.Context) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	done := make(map[string]bool)
	for _, rec := range s.records {
		if rec.State == StateCompleted {
			done[rec.Identity] = true
		}
	}

	return done, nil
}

// WithinTx runs fn atomically: concurrent transactions are serialized and
// all mutations made through the store are restored from a snapshot when fn
// returns an error.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snapRecords := make([]ExecutionRecord, len(s.records))
	copy(snapRecords, s.records)
	snapErrors := make([]ErrorRecord, len(s.errors))
	copy(snapErrors, s.errors)
	snapIndex := make(map[string]int, len(s.index))
	for k, v := range s.index {
		snapIndex[k] = v
	}
	s.mu.RUnlock()

	if err := fn(ctx); err != nil {
		s.mu.Lock()
		s.records = snapRecords
		s.errors = snapErrors
		s.index = snapIndex
		s.mu.Unlock()

		return err
	}

	return nil
}
