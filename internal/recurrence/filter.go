package recurrence

import (
	"errors"
	"sort"
	"time"

	"github.com/samber/mo"

	appLog "schedcal/internal/log"
	"schedcal/internal/model"
)

// Filter flattens events into the occurrences shown for a query window.
type Filter struct {
	expander *Expander
}

func NewFilter(x *Expander) *Filter {
	if x == nil {
		x = &Expander{}
	}
	return &Filter{expander: x}
}

// Apply returns the occurrences of events that overlap window, ordered by
// start and then by event id. Without a window it returns at most the
// expander's limit of occurrences starting at or after now.
//
// Only an invalid window is an error. A bad rule or a failed expansion
// affects that event alone: it is logged and the event is shown once at its
// anchor time if the anchor itself qualifies.
func (f *Filter) Apply(events []model.Event, window mo.Option[Window]) ([]model.Occurrence, error) {
	w, hasWindow := window.Get()
	if hasWindow {
		if err := w.Validate(); err != nil {
			return nil, err
		}
		w = Window{Start: w.Start.UTC(), End: w.End.UTC()}
		window = mo.Some(w)
	}

	now := f.expander.now()
	out := make([]model.Occurrence, 0, len(events))
	for _, ev := range events {
		out = append(out, f.occurrencesFor(ev, window, now)...)
	}

	SortOccurrences(out)

	if !hasWindow {
		if limit := f.expander.limit(); len(out) > limit {
			out = out[:limit]
		}
	}
	return out, nil
}

func (f *Filter) occurrencesFor(ev model.Event, window mo.Option[Window], now time.Time) []model.Occurrence {
	if !ev.EndAt.After(ev.StartAt) {
		appLog.Warn("skipping event with non-positive duration", nil,
			"event_id", ev.ID,
			"start_at", ev.StartAt.UTC().Format(time.RFC3339),
			"end_at", ev.EndAt.UTC().Format(time.RFC3339),
		)
		return nil
	}

	if !ev.Recurring() {
		return anchorOnly(ev, window, now)
	}

	rule, err := ParseRule(ev.RRule, ev.StartAt, ev.EndAt, ev.Timezone)
	switch {
	case errors.Is(err, ErrUnknownTimezone):
		appLog.Warn("unknown event timezone; expanding in UTC", err,
			"event_id", ev.ID, "timezone", ev.Timezone)
	case err != nil:
		appLog.Warn("invalid recurrence rule; treating event as non-recurring", err,
			"event_id", ev.ID, "rrule", ev.RRule)
		return anchorOnly(ev, window, now)
	}

	spans, err := f.expander.Expand(rule, window)
	if err != nil {
		appLog.Warn("recurrence expansion failed; treating event as non-recurring", err,
			"event_id", ev.ID, "rrule", ev.RRule)
		return anchorOnly(ev, window, now)
	}

	out := make([]model.Occurrence, 0, len(spans))
	for _, span := range spans {
		out = append(out, model.NewOccurrence(ev, span.Start, span.End, true))
	}
	return out
}

// anchorOnly yields the raw anchor interval when it qualifies.
func anchorOnly(ev model.Event, window mo.Option[Window], now time.Time) []model.Occurrence {
	start, end := ev.StartAt.UTC(), ev.EndAt.UTC()
	if w, ok := window.Get(); ok {
		if !w.Overlaps(start, end) {
			return nil
		}
	} else if start.Before(now) {
		return nil
	}
	return []model.Occurrence{model.NewOccurrence(ev, start, end, false)}
}

// SortOccurrences orders by start, then by event id.
func SortOccurrences(items []model.Occurrence) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].Start.Equal(items[j].Start) {
			return items[i].Start.Before(items[j].Start)
		}
		return items[i].EventID < items[j].EventID
	})
}
