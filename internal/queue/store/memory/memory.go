// Package memory implements the queue.Adapter contract over an in-process
// slice. It stands in for the external document store in tests and demos:
// the mutex below is the store-internal atomicity boundary the contract
// assumes, not something the queue itself relies on.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/docqueue/docq/internal/queue"
)

// Ensure *Store implements queue.Adapter at compile time.
var _ queue.Adapter = (*Store)(nil)

type Store struct {
	mu     sync.Mutex
	nextID int64
	msgs   []*queue.Message // insertion order, ids ascending
}

func New() *Store {
	return &Store{}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	return nil
}

func (s *Store) Insert(ctx context.Context, m *queue.Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	c := clone(m)
	c.ID = s.nextID
	s.msgs = append(s.msgs, c)
	return c.ID, nil
}

func (s *Store) FindOneAndUpdate(ctx context.Context, p queue.Predicate, mut queue.Mutation, sort queue.Sort) (*queue.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// msgs is already in ascending id order, so SortByIDAsc and SortNone
	// both walk front to back.
	_ = sort
	for _, m := range s.msgs {
		if !match(m, p) {
			continue
		}
		apply(m, mut)
		return clone(m), nil
	}
	return nil, nil
}

func (s *Store) DeleteMany(ctx context.Context, p queue.Predicate) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.msgs[:0]
	var removed int64
	for _, m := range s.msgs {
		if match(m, p) {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	s.msgs = kept
	return removed, nil
}

func (s *Store) Count(ctx context.Context, p queue.Predicate) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, m := range s.msgs {
		if match(m, p) {
			n++
		}
	}
	return n, nil
}

func match(m *queue.Message, p queue.Predicate) bool {
	if p.ID != nil && m.ID != *p.ID {
		return false
	}
	if p.LeaseToken != nil && (m.LeaseToken == nil || *m.LeaseToken != *p.LeaseToken) {
		return false
	}
	if p.VisibleAtOrBefore != nil && m.VisibleAt.After(*p.VisibleAtOrBefore) {
		return false
	}
	if p.VisibleAfter != nil && !m.VisibleAt.After(*p.VisibleAfter) {
		return false
	}
	if p.Deleted != nil && (m.DeletedAt != nil) != *p.Deleted {
		return false
	}
	if p.HasLease != nil && (m.LeaseToken != nil) != *p.HasLease {
		return false
	}
	return true
}

func apply(m *queue.Message, mut queue.Mutation) {
	if mut.SetLeaseToken != nil {
		m.LeaseToken = strPtr(*mut.SetLeaseToken)
	}
	if mut.SetVisibleAt != nil {
		m.VisibleAt = *mut.SetVisibleAt
	}
	if mut.IncTries {
		m.Tries++
	}
	if mut.SetFirstClaimedIfUnset != nil && m.FirstClaimedAt == nil {
		m.FirstClaimedAt = timePtr(*mut.SetFirstClaimedIfUnset)
	}
	if mut.SetClaimedBy != nil {
		m.ClaimedBy = strPtr(*mut.SetClaimedBy)
	}
	if mut.SetDeletedAt != nil {
		m.DeletedAt = timePtr(*mut.SetDeletedAt)
	}
}

func clone(m *queue.Message) *queue.Message {
	c := *m
	c.Payload = append([]byte(nil), m.Payload...)
	if m.LeaseToken != nil {
		c.LeaseToken = strPtr(*m.LeaseToken)
	}
	if m.FirstClaimedAt != nil {
		c.FirstClaimedAt = timePtr(*m.FirstClaimedAt)
	}
	if m.ClaimedBy != nil {
		c.ClaimedBy = strPtr(*m.ClaimedBy)
	}
	if m.DeletedAt != nil {
		c.DeletedAt = timePtr(*m.DeletedAt)
	}
	return &c
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }
