package recurrence

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// MaxRuleLength matches the width of the rrule column.
const MaxRuleLength = 512

// Rule is a parsed RRULE bound to its anchor event. Candidates are
// generated in the anchor's own zone so that wall-clock recurrences
// ("every Monday at 09:00") survive daylight-saving changes.
type Rule struct {
	raw      string
	location *time.Location
	dtstart  time.Time
	duration time.Duration
	options  rrule.ROption
	rrule    *rrule.RRule
}

// ParseRule parses raw against an anchor interval given in UTC and the
// event's IANA zone name.
//
// If the zone does not resolve, the returned rule is anchored in UTC and is
// still usable; the accompanying error wraps ErrUnknownTimezone. Any other
// error wraps ErrInvalidRuleSyntax and the rule is nil.
func ParseRule(raw string, anchorStart, anchorEnd time.Time, tzName string) (*Rule, error) {
	loc, tzErr := ResolveLocation(tzName)

	text := normalizeRule(raw)
	if text == "" {
		return nil, fmt.Errorf("%w: empty rule", ErrInvalidRuleSyntax)
	}
	if len(text) > MaxRuleLength {
		return nil, fmt.Errorf("%w: rule longer than %d characters", ErrInvalidRuleSyntax, MaxRuleLength)
	}

	if err := checkParts(text); err != nil {
		return nil, err
	}

	// Floating UNTIL values are read in the event's zone.
	opt, err := rrule.StrToROptionInLocation(text, loc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRuleSyntax, err)
	}

	dtstart := anchorStart.In(loc)
	opt.Dtstart = dtstart

	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRuleSyntax, err)
	}

	return &Rule{
		raw:      text,
		location: loc,
		dtstart:  dtstart,
		duration: anchorEnd.Sub(anchorStart),
		options:  *opt,
		rrule:    r,
	}, tzErr
}

// Validate checks that raw parses as an RRULE. It is meant for write paths,
// which reject bad rules instead of degrading.
func Validate(raw string) error {
	anchor := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := ParseRule(raw, anchor, anchor.Add(time.Hour), "UTC")
	return err
}

// ResolveLocation loads an IANA zone. Empty names mean UTC. On failure it
// returns UTC together with an error wrapping ErrUnknownTimezone.
func ResolveLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "UTC") {
		return time.UTC, nil
	}
	// "Local" would make results depend on the host.
	if name == "Local" {
		return time.UTC, fmt.Errorf("%w: %q", ErrUnknownTimezone, name)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC, fmt.Errorf("%w: %q: %v", ErrUnknownTimezone, name, err)
	}
	return loc, nil
}

func (r *Rule) String() string {
	return r.raw
}

func (r *Rule) Location() *time.Location {
	return r.location
}

// Duration is the fixed absolute length applied to every occurrence.
func (r *Rule) Duration() time.Duration {
	return r.duration
}

// Anchor returns the rule's DTSTART in its own zone.
func (r *Rule) Anchor() time.Time {
	return r.dtstart
}

// normalizeRule upper-cases raw (RRULE names and values are
// case-insensitive) and strips an optional "RRULE:" prefix.
func normalizeRule(raw string) string {
	text := strings.ToUpper(strings.TrimSpace(raw))
	text = strings.TrimSpace(strings.TrimPrefix(text, "RRULE:"))
	return strings.TrimSuffix(text, ";")
}

// checkParts enforces what rrule-go lets through: FREQ must be present and
// COUNT must be positive (rrule-go reads COUNT=0 as unbounded).
func checkParts(text string) error {
	hasFreq := false
	for _, part := range strings.Split(text, ";") {
		key, value, _ := strings.Cut(part, "=")
		switch strings.TrimSpace(key) {
		case "FREQ":
			hasFreq = true
		case "COUNT":
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err == nil && n < 1 {
				return fmt.Errorf("%w: COUNT must be at least 1", ErrInvalidRuleSyntax)
			}
		}
	}
	if !hasFreq {
		return fmt.Errorf("%w: FREQ is required", ErrInvalidRuleSyntax)
	}
	return nil
}
