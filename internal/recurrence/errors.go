package recurrence

import "errors"

var (
	// ErrInvalidRuleSyntax means the RRULE text could not be parsed. The
	// event is shown once at its anchor time instead.
	ErrInvalidRuleSyntax = errors.New("recurrence: invalid rule syntax")
	// ErrUnknownTimezone means the zone name did not resolve; UTC is used.
	ErrUnknownTimezone = errors.New("recurrence: unknown timezone")
	// ErrExpansionFailed means generating occurrences for a single event
	// failed. Other events in the same batch are unaffected.
	ErrExpansionFailed = errors.New("recurrence: expansion failed")
	// ErrInvalidWindow means the query window end is not after its start.
	ErrInvalidWindow = errors.New("recurrence: invalid window")
)
