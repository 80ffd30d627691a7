package queue

import "time"

// Message is the durable queue document mapped to Go. Lifecycle state is
// never stored as a column: it is derived from field presence so the fields
// that gate claim eligibility can never diverge from a redundant status.
type Message struct {
	ID             int64
	Payload        []byte
	VisibleAt      time.Time
	LeaseToken     *string
	Tries          int
	FirstClaimedAt *time.Time
	ClaimedBy      *string
	DeletedAt      *time.Time
}

// State is the derived lifecycle state of a message.
type State string

const (
	// Pending: not finalized and visible, claimable right now.
	Pending State = "PENDING"
	// Leased: not finalized, hidden behind an unexpired lease deadline.
	Leased State = "LEASED"
	// Done: finalized, kept until purged.
	Done State = "DONE"
)

// StateAt derives the lifecycle state at the given instant. A message whose
// lease deadline has passed is Pending again even though its stale lease
// token is still set; the token is simply overwritten by the next claim.
func (m *Message) StateAt(now time.Time) State {
	switch {
	case m.DeletedAt != nil:
		return Done
	case m.LeaseToken != nil && m.VisibleAt.After(now):
		return Leased
	default:
		return Pending
	}
}
