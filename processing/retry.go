package processing

import (
	"time"

	"github.com/google/uuid"

	"searchsync/outbox"
)

// RetryPolicy decides what happens to failed events.
type RetryPolicy struct {
	// MaxRetries is the number of retries an event gets after its first
	// failed attempt. Once used up the event is aborted.
	MaxRetries int
	// Delay pushes a retried event's process_after forward.
	Delay time.Duration
}

// Exhausted reports whether another failure of e exceeds the budget.
func (p RetryPolicy) Exhausted(e outbox.Event) bool {
	return e.Retries >= p.MaxRetries
}

// NextAttempt returns when a retried event becomes eligible again.
func (p RetryPolicy) NextAttempt(now time.Time) time.Time {
	return now.Add(p.Delay)
}

// Disposition lists what to do with each event of a processed batch.
type Disposition struct {
	Delete  []uuid.UUID
	Requeue []uuid.UUID
	Abort   []uuid.UUID
}

// Dispose sorts the outcome into deletions, requeues and aborts. Failed
// events are judged on their current rows in failed, which callers re-read
// under lock.
func (p RetryPolicy) Dispose(succeeded, failed []outbox.Event) Disposition {
	var d Disposition
	for _, e := range succeeded {
		d.Delete = append(d.Delete, e.ID)
	}
	for _, e := range failed {
		if p.Exhausted(e) {
			d.Abort = append(d.Abort, e.ID)
			continue
		}
		d.Requeue = append(d.Requeue, e.ID)
	}
	return d
}

// IsEmpty reports whether the disposition changes nothing.
func (d Disposition) IsEmpty() bool {
	return len(d.Delete) == 0 && len(d.Requeue) == 0 && len(d.Abort) == 0
}
