// Package store provides typed access to the steward event store.
//
// Derived entities (threads, contacts) and facts are pure functions of the
// item log plus time; they can be rebuilt by replaying items, which is the
// crash-recovery strategy.
package store

import "errors"

// Error taxonomy surfaced to callers and the CLI. Wrap these with
// fmt.Errorf("...: %w", ...) so errors.Is keeps working.
var (
	// ErrNotFound marks lookups for rows that do not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalid marks malformed input rejected at the write boundary.
	ErrInvalid = errors.New("invalid request")
	// ErrTransient marks failures worth retrying (busy database, external port).
	ErrTransient = errors.New("transient failure")
)

// Urgency levels, lowest to highest.
const (
	UrgencySomeday   = "someday"
	UrgencyThisWeek  = "this_week"
	UrgencyToday     = "today"
	UrgencyImmediate = "immediate"
)

var urgencyRank = map[string]int{
	UrgencySomeday:   0,
	UrgencyThisWeek:  1,
	UrgencyToday:     2,
	UrgencyImmediate: 3,
}

// ValidUrgency reports whether s is a known urgency level.
func ValidUrgency(s string) bool {
	_, ok := urgencyRank[s]
	return ok
}

// UrgencyAtLeast reports whether urgency a is at or above threshold b.
// Unknown values rank below someday.
func UrgencyAtLeast(a, b string) bool {
	ra, ok := urgencyRank[a]
	if !ok {
		ra = -1
	}
	rb, ok := urgencyRank[b]
	if !ok {
		rb = -1
	}
	return ra >= rb
}

// EscalateUrgency returns the urgency one step above u, capped at immediate.
func EscalateUrgency(u string) string {
	switch u {
	case UrgencySomeday:
		return UrgencyThisWeek
	case UrgencyThisWeek:
		return UrgencyToday
	case UrgencyToday, UrgencyImmediate:
		return UrgencyImmediate
	}
	return UrgencyThisWeek
}
