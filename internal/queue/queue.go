package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/docqueue/docq/internal/clock"
	"github.com/docqueue/docq/internal/metrics"
)

// DefaultVisibility is the lease duration used when neither the queue
// options nor the claim options supply one.
const DefaultVisibility = 30 * time.Second

// Options configures one queue instance.
type Options struct {
	Name       string
	Visibility time.Duration // default lease duration, DefaultVisibility if zero
	Delay      time.Duration // default enqueue delay
	DeadLetter *Queue        // receives messages whose tries exceed MaxRetries
	MaxRetries int           // retry budget, only meaningful with DeadLetter set
}

// Queue is a lease-based message queue over a single document collection.
// It holds no mutable in-memory state: every lifecycle transition is one
// atomic conditional update against the adapter, so a Queue is safe for
// concurrent use from any number of goroutines and processes sharing the
// same collection.
//
// Lease expiry is not driven by a timer or background sweep. A message
// becomes reclaimable purely because a later claim call's predicate,
// re-derived from the clock at call time, matches it again.
type Queue struct {
	adapter Adapter
	clock   clock.Clock
	opts    Options
}

func New(adapter Adapter, clk clock.Clock, opts Options) *Queue {
	if opts.Visibility <= 0 {
		opts.Visibility = DefaultVisibility
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Queue{adapter: adapter, clock: clk, opts: opts}
}

// Name returns the queue name used in metrics and routing.
func (q *Queue) Name() string { return q.opts.Name }

// Setup provisions the underlying collection and its indexes.
func (q *Queue) Setup(ctx context.Context) error {
	if err := q.adapter.EnsureSchema(ctx); err != nil {
		return storageErr("setup", err)
	}
	return nil
}

// EnqueueOptions customizes a single enqueue.
type EnqueueOptions struct {
	Delay time.Duration // overrides the queue default when > 0
}

// Enqueue inserts a new Pending message, visible after the delay elapses.
func (q *Queue) Enqueue(ctx context.Context, payload []byte, opts EnqueueOptions) (int64, error) {
	delay := q.opts.Delay
	if opts.Delay > 0 {
		delay = opts.Delay
	}
	m := &Message{
		Payload:   payload,
		VisibleAt: q.clock.Now().Add(delay),
	}
	id, err := q.adapter.Insert(ctx, m)
	if err != nil {
		return 0, storageErr("enqueue", err)
	}
	metrics.MessagesEnqueued.WithLabelValues(q.opts.Name).Inc()
	return id, nil
}

// ClaimOptions customizes a single claim.
type ClaimOptions struct {
	Visibility time.Duration // overrides the queue default when > 0
	Claimant   string        // recorded on the message when non-empty
}

// Claim leases the oldest visible message and returns it with a fresh lease
// token attached, or (nil, nil) when nothing is eligible. In one atomic step
// it assigns the token, pushes visible_at to now+visibility, increments the
// try counter, stamps first_claimed_at on the first claim, and records the
// claimant.
//
// When a dead-letter queue is configured and the claimed message has
// exhausted its retry budget, the message is enqueued there, acknowledged
// here with the token just obtained, and the claim moves on to the next
// candidate instead of surfacing it.
func (q *Queue) Claim(ctx context.Context, opts ClaimOptions) (*Message, error) {
	visibility := q.opts.Visibility
	if opts.Visibility > 0 {
		visibility = opts.Visibility
	}
	timer := prometheus.NewTimer(metrics.ClaimDuration)
	defer timer.ObserveDuration()

	// Each pass either returns a deliverable message, finds the queue empty,
	// or finalizes an exhausted message before continuing. The Pending set
	// shrinks on every dead-letter pass, so the loop terminates.
	for {
		now := q.clock.Now()
		token := uuid.NewString()
		deadline := now.Add(visibility)
		notDeleted := false

		mut := Mutation{
			SetLeaseToken:          &token,
			SetVisibleAt:           &deadline,
			IncTries:               true,
			SetFirstClaimedIfUnset: &now,
		}
		if opts.Claimant != "" {
			claimant := opts.Claimant
			mut.SetClaimedBy = &claimant
		}

		// Eligibility is judged by visible_at and deleted_at alone. A stale
		// lease token on an expired message does not exclude it; the token
		// is overwritten here.
		m, err := q.adapter.FindOneAndUpdate(ctx, Predicate{
			VisibleAtOrBefore: &now,
			Deleted:           &notDeleted,
		}, mut, SortByIDAsc)
		if err != nil {
			return nil, storageErr("claim", err)
		}
		if m == nil {
			return nil, nil
		}
		if q.opts.DeadLetter != nil && m.Tries > q.opts.MaxRetries {
			if err := q.deadLetter(ctx, m); err != nil {
				return nil, err
			}
			continue
		}
		metrics.MessagesClaimed.WithLabelValues(q.opts.Name).Inc()
		return m, nil
	}
}

// deadLetter hands an exhausted message to the dead-letter queue and
// finalizes it here. Once the Ack succeeds the message is durably moved; a
// storage failure on a later claim pass still leaves a consistent store.
func (q *Queue) deadLetter(ctx context.Context, m *Message) error {
	if _, err := q.opts.DeadLetter.Enqueue(ctx, m.Payload, EnqueueOptions{}); err != nil {
		return err
	}
	if _, err := q.Ack(ctx, *m.LeaseToken); err != nil {
		return err
	}
	metrics.MessagesDeadLettered.WithLabelValues(q.opts.Name).Inc()
	return nil
}

// RenewOptions customizes a single renewal.
type RenewOptions struct {
	Visibility time.Duration // overrides the queue default when > 0
}

// Renew extends the lease identified by token to now+visibility and returns
// the message id. Fails with ErrUnknownLease when the token does not belong
// to a live lease: the predicate requires the exact token on a message that
// is neither finalized nor past its deadline, so renewing an expired lease
// that someone else has since re-claimed correctly fails instead of
// silently stealing their lease.
func (q *Queue) Renew(ctx context.Context, token string, opts RenewOptions) (int64, error) {
	visibility := q.opts.Visibility
	if opts.Visibility > 0 {
		visibility = opts.Visibility
	}
	now := q.clock.Now()
	deadline := now.Add(visibility)
	notDeleted := false

	m, err := q.adapter.FindOneAndUpdate(ctx, Predicate{
		LeaseToken:   &token,
		VisibleAfter: &now,
		Deleted:      &notDeleted,
	}, Mutation{SetVisibleAt: &deadline}, SortNone)
	if err != nil {
		return 0, storageErr("renew", err)
	}
	if m == nil {
		return 0, ErrUnknownLease
	}
	metrics.LeasesRenewed.WithLabelValues(q.opts.Name).Inc()
	return m.ID, nil
}

// Ack finalizes the message under a live lease and returns its id. The
// predicate is the same as Renew's, which also makes Ack single-shot: a
// second Ack with the same token no longer matches (deleted_at is set) and
// fails with ErrUnknownLease.
func (q *Queue) Ack(ctx context.Context, token string) (int64, error) {
	now := q.clock.Now()
	notDeleted := false

	m, err := q.adapter.FindOneAndUpdate(ctx, Predicate{
		LeaseToken:   &token,
		VisibleAfter: &now,
		Deleted:      &notDeleted,
	}, Mutation{SetDeletedAt: &now}, SortNone)
	if err != nil {
		return 0, storageErr("ack", err)
	}
	if m == nil {
		return 0, ErrUnknownLease
	}
	metrics.MessagesAcked.WithLabelValues(q.opts.Name).Inc()
	return m.ID, nil
}

// PurgeCompleted deletes every finalized message and reports how many were
// removed. Not atomic with respect to concurrent Stats readers; the counts
// are advisory anyway.
func (q *Queue) PurgeCompleted(ctx context.Context) (int64, error) {
	deleted := true
	n, err := q.adapter.DeleteMany(ctx, Predicate{Deleted: &deleted})
	if err != nil {
		return 0, storageErr("purge", err)
	}
	metrics.MessagesPurged.WithLabelValues(q.opts.Name).Add(float64(n))
	return n, nil
}

// Stats holds advisory queue counts. Each count is its own read, so they
// may not add up under concurrent writes.
type Stats struct {
	Total   int64 `json:"total"`
	Pending int64 `json:"pending"`
	Leased  int64 `json:"leased"`
	Done    int64 `json:"done"`
}

// Stats reports advisory counts over the collection.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	now := q.clock.Now()
	notDeleted, isDeleted, hasLease := false, true, true

	var s Stats
	var err error
	if s.Total, err = q.adapter.Count(ctx, Predicate{}); err != nil {
		return Stats{}, storageErr("stats", err)
	}
	if s.Pending, err = q.adapter.Count(ctx, Predicate{
		VisibleAtOrBefore: &now,
		Deleted:           &notDeleted,
	}); err != nil {
		return Stats{}, storageErr("stats", err)
	}
	if s.Leased, err = q.adapter.Count(ctx, Predicate{
		VisibleAfter: &now,
		HasLease:     &hasLease,
		Deleted:      &notDeleted,
	}); err != nil {
		return Stats{}, storageErr("stats", err)
	}
	if s.Done, err = q.adapter.Count(ctx, Predicate{Deleted: &isDeleted}); err != nil {
		return Stats{}, storageErr("stats", err)
	}
	return s, nil
}
