package recurrence

import (
	"fmt"
	"time"
)

// Window is a half-open query range [Start, End) in UTC.
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow validates and normalizes a query window.
func NewWindow(start, end time.Time) (Window, error) {
	w := Window{Start: start.UTC(), End: end.UTC()}
	if err := w.Validate(); err != nil {
		return Window{}, err
	}
	return w, nil
}

func (w Window) Validate() error {
	if !w.End.After(w.Start) {
		return fmt.Errorf("%w: end %s is not after start %s", ErrInvalidWindow,
			w.End.Format(time.RFC3339), w.Start.Format(time.RFC3339))
	}
	return nil
}

// Overlaps reports whether [start, end) intersects the window. An interval
// ending exactly at Start or starting exactly at End does not overlap.
func (w Window) Overlaps(start, end time.Time) bool {
	return start.Before(w.End) && end.After(w.Start)
}
