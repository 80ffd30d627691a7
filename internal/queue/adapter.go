package queue

import (
	"context"
	"time"
)

// Sort orders candidates before FindOneAndUpdate picks one.
type Sort int

const (
	SortNone Sort = iota
	SortByIDAsc
)

// Predicate matches messages by field conditions. Nil fields are ignored.
// Time bounds are carried in the predicate itself, so the adapter never
// consults a clock of its own.
type Predicate struct {
	ID                *int64
	LeaseToken        *string    // lease_token equals
	VisibleAtOrBefore *time.Time // visible_at <= t (claim eligibility)
	VisibleAfter      *time.Time // visible_at > t (live, unexpired lease)
	Deleted           *bool      // deleted_at present (true) or absent (false)
	HasLease          *bool      // lease_token present or absent
}

// Mutation describes the field changes of one atomic update. Unset fields
// are left alone.
type Mutation struct {
	SetLeaseToken          *string
	SetVisibleAt           *time.Time
	IncTries               bool
	SetFirstClaimedIfUnset *time.Time // applied only when first_claimed_at is still unset
	SetClaimedBy           *string
	SetDeletedAt           *time.Time
}

// Adapter is the document-store contract the queue runs on. The queue holds
// no locks of its own; its entire concurrency-safety argument is that each
// FindOneAndUpdate call is atomic inside the store, so no reader observes a
// matched document between predicate evaluation and mutation and no two
// concurrent calls mutate the same document.
type Adapter interface {
	// Insert stores a new message and returns its store-assigned,
	// monotonically increasing id.
	Insert(ctx context.Context, m *Message) (int64, error)

	// FindOneAndUpdate atomically selects one message matching p (first in
	// sort order), applies mut, and returns the post-mutation document.
	// Returns (nil, nil) when nothing matches.
	FindOneAndUpdate(ctx context.Context, p Predicate, mut Mutation, sort Sort) (*Message, error)

	// DeleteMany removes every message matching p and reports how many.
	DeleteMany(ctx context.Context, p Predicate) (int64, error)

	// Count reports how many messages match p.
	Count(ctx context.Context, p Predicate) (int64, error)

	// EnsureSchema provisions the collection, the partial unique index on
	// lease_token, and the claim index.
	EnsureSchema(ctx context.Context) error
}
