// Package lock implements the pool lock clock.
//
// A pool accepts pledges strictly before its deadline. At the deadline it
// locks irreversibly and waits for an outcome decided elsewhere. The clock
// never reads wall time itself: callers pass "now" in and re-evaluate on
// their own schedule (ticker, polling loop, request arrival).
package lock

import (
	"fmt"
	"time"
)

// State is the lock state of a pool at an instant.
type State string

const (
	Open                 State = "open"
	LockedPendingOutcome State = "locked_pending_outcome"
)

// Status pairs a lock state with the exact time left before the deadline.
type Status struct {
	State     State         `json:"state"`
	Remaining time.Duration `json:"remaining"`
}

// IsOpen reports whether pledges are still accepted.
func (s Status) IsOpen() bool {
	return s.State == Open
}

// Evaluate returns the lock status at now for a pool closing at deadline.
//
//	remaining = max(0, deadline - now)
//	state     = Open iff now < deadline
//
// The comparison uses the full precision of the supplied instants.
func Evaluate(deadline, now time.Time) Status {
	if now.Before(deadline) {
		return Status{State: Open, Remaining: deadline.Sub(now)}
	}
	return Status{State: LockedPendingOutcome, Remaining: 0}
}

// FormatRemaining renders a countdown for display: "3d 12h" when at least
// a day is left, "6h" when at least an hour, "45m" when at least a minute,
// "<1m" below that and "0m" once nothing is left. Truncates, so a pool is
// never shown with more time than it has.
func FormatRemaining(d time.Duration) string {
	if d <= 0 {
		return "0m"
	}
	days := int(d / (24 * time.Hour))
	hours := int((d % (24 * time.Hour)) / time.Hour)
	minutes := int((d % time.Hour) / time.Minute)

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh", hours)
	case minutes > 0:
		return fmt.Sprintf("%dm", minutes)
	default:
		return "<1m"
	}
}
