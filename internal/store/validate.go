package store

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"schedcal/internal/model"
	"schedcal/internal/recurrence"
)

const maxTitleLength = 200

var colorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// NormalizeEvent fills defaults and rejects events the API must not accept.
// Feed imports pass strict=false: their rules are stored as-is and degrade
// at query time, and overlong titles or bad colors are repaired instead of
// rejected.
func NormalizeEvent(ev *model.Event, strict bool) error {
	ev.Title = strings.TrimSpace(ev.Title)
	ev.RRule = strings.TrimSpace(ev.RRule)
	ev.Timezone = strings.TrimSpace(ev.Timezone)
	ev.Color = strings.TrimSpace(ev.Color)

	if ev.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidEvent)
	}
	if utf8.RuneCountInString(ev.Title) > maxTitleLength {
		if strict {
			return fmt.Errorf("%w: title longer than %d characters", ErrInvalidEvent, maxTitleLength)
		}
		ev.Title = truncateRunes(ev.Title, maxTitleLength)
	}
	if ev.StartAt.IsZero() || ev.EndAt.IsZero() {
		return fmt.Errorf("%w: start_at and end_at are required", ErrInvalidEvent)
	}
	if !ev.EndAt.After(ev.StartAt) {
		return fmt.Errorf("%w: end_at must be after start_at", ErrInvalidEvent)
	}
	if ev.Timezone == "" {
		ev.Timezone = model.DefaultTimezone
	}
	if ev.Color == "" {
		ev.Color = model.DefaultColor
	}
	if !colorPattern.MatchString(ev.Color) {
		if strict {
			return fmt.Errorf("%w: color must look like #rrggbb", ErrInvalidEvent)
		}
		ev.Color = model.DefaultColor
	}
	if len(ev.RRule) > recurrence.MaxRuleLength {
		return fmt.Errorf("%w: rrule longer than %d characters", ErrInvalidEvent, recurrence.MaxRuleLength)
	}

	if !strict {
		return nil
	}
	if _, err := recurrence.ResolveLocation(ev.Timezone); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if ev.RRule != "" {
		if err := recurrence.Validate(ev.RRule); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
	}
	return nil
}

func truncateRunes(s string, n int) string {
	for i := range s {
		if n == 0 {
			return strings.TrimSpace(s[:i])
		}
		n--
	}
	return s
}
