package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"stationsync/internal/eventing"
)

// Status values of an outbox record.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
)

// Record is a stored outbox row.
type Record struct {
	ID        string
	Envelope  eventing.Envelope
	Status    string
	Attempts  int
	LastError string
	CreatedAt time.Time
	SentAt    time.Time
	seq       int
}

// OutboxStore is an in-memory outbox for tests and local runs.
type OutboxStore struct {
	mu      sync.Mutex
	records map[string]*Record
	byEvent map[string]string
	seq     int
}

// NewOutboxStore constructs an empty store.
func NewOutboxStore() *OutboxStore {
	return &OutboxStore{records: make(map[string]*Record), byEvent: make(map[string]string)}
}

// Insert stores env once per event id.
func (s *OutboxStore) Insert(ctx context.Context, env eventing.Envelope) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byEvent[env.EventID]; ok {
		return id, nil
	}
	s.seq++
	id := uuid.NewString()
	s.records[id] = &Record{ID: id, Envelope: env, Status: StatusPending, CreatedAt: time.Now().UTC(), seq: s.seq}
	s.byEvent[env.EventID] = id
	return id, nil
}

// ListPending returns the oldest undelivered records below maxAttempts.
func (s *OutboxStore) ListPending(ctx context.Context, limit, maxAttempts int) ([]eventing.OutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := make([]*Record, 0)
	for _, r := range s.records {
		if r.Status == StatusPending && r.Attempts < maxAttempts {
			pending = append(pending, r)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	result := make([]eventing.OutboxRecord, 0, len(pending))
	for _, r := range pending {
		result = append(result, eventing.OutboxRecord{ID: r.ID, Envelope: r.Envelope, Attempts: r.Attempts})
	}
	return result, nil
}

// MarkSent marks a record delivered.
func (s *OutboxStore) MarkSent(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok {
		r.Status = StatusSent
		r.SentAt = at
	}
	return nil
}

// MarkFailed counts a failed delivery attempt.
func (s *OutboxStore) MarkFailed(ctx context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok {
		r.Attempts++
		r.LastError = reason
	}
	return nil
}

// Records returns a copy of all records in insertion order.
func (s *OutboxStore) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		result = append(result, *r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].seq < result[j].seq })
	return result
}
