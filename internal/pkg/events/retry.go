package events

import "time"

// BackoffTable is an ordered list of wait durations indexed by attempt number
// and clamped at the final entry.
type BackoffTable []time.Duration

// DefaultBackoffTable matches the delivery expectations of the major payment
// providers: quick first retries, then hours.
var DefaultBackoffTable = BackoffTable{
	1 * time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
	12 * time.Hour,
}

// NextRetryTime computes when a failed event becomes claimable again. The
// attempts value is the count after the failed attempt, so attempt 1 indexes
// the first table entry; values beyond the table clamp to the last entry.
func (t BackoffTable) NextRetryTime(now time.Time, attempts int) time.Time {
	if len(t) == 0 {
		return now
	}
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(t) {
		idx = len(t) - 1
	}
	return now.Add(t[idx])
}
