package recurrence

import (
	"fmt"
	"time"

	"github.com/samber/mo"
	"github.com/teambition/rrule-go"
)

const (
	// DefaultLimit caps results when no window is supplied.
	DefaultLimit = 50
	// DefaultScanBudget caps how many candidates a single rule may produce
	// before expansion gives up on it. Candidates skipped by fastForward
	// do not count.
	DefaultScanBudget = 100000
)

// Interval is one concrete occurrence in UTC.
type Interval struct {
	Start time.Time
	End   time.Time
}

// Expander turns rules into concrete intervals. The zero value is usable
// and applies the defaults.
type Expander struct {
	// Limit caps results for window-less expansion.
	Limit int
	// ScanBudget bounds the candidates examined per rule.
	ScanBudget int
	// Now is the clock used for window-less expansion.
	Now func() time.Time
}

// NewExpander returns an Expander with the given limits; non-positive
// values select the defaults.
func NewExpander(limit, scanBudget int) *Expander {
	return &Expander{Limit: limit, ScanBudget: scanBudget}
}

func (x *Expander) limit() int {
	if x == nil || x.Limit <= 0 {
		return DefaultLimit
	}
	return x.Limit
}

func (x *Expander) scanBudget() int {
	if x == nil || x.ScanBudget <= 0 {
		return DefaultScanBudget
	}
	return x.ScanBudget
}

// Clock returns the current time in UTC as seen by x.
func (x *Expander) Clock() time.Time {
	return x.now()
}

func (x *Expander) now() time.Time {
	if x == nil || x.Now == nil {
		return time.Now().UTC()
	}
	return x.Now().UTC()
}

// Expand returns the occurrences of r overlapping window, ascending by
// start. With no window it returns up to Limit occurrences starting at or
// after now.
//
// Every interval has exactly r.Duration(), whatever DST transitions lie in
// between. On failure no intervals are returned and the error wraps
// ErrExpansionFailed.
func (x *Expander) Expand(r *Rule, window mo.Option[Window]) (out []Interval, err error) {
	if r == nil || r.rrule == nil {
		return nil, fmt.Errorf("%w: nil rule", ErrExpansionFailed)
	}
	defer func() {
		if p := recover(); p != nil {
			out = nil
			err = fmt.Errorf("%w: rule %q: %v", ErrExpansionFailed, r.raw, p)
		}
	}()

	if w, ok := window.Get(); ok {
		if err := w.Validate(); err != nil {
			return nil, err
		}
		return x.between(r, w)
	}
	return x.upcoming(r, x.now())
}

func (x *Expander) between(r *Rule, w Window) ([]Interval, error) {
	// An occurrence starting up to one duration before the window still
	// overlaps it.
	next := r.fastForward(w.Start.Add(-r.duration)).Iterator()
	budget := x.scanBudget()
	out := make([]Interval, 0)

	for scanned := 0; ; scanned++ {
		if scanned >= budget {
			return nil, fmt.Errorf("%w: rule %q: scanned %d candidates", ErrExpansionFailed, r.raw, budget)
		}
		start, ok := next()
		if !ok {
			break
		}
		start = start.UTC()
		if !start.Before(w.End) {
			break
		}
		iv, err := r.interval(start)
		if err != nil {
			return nil, err
		}
		if w.Overlaps(iv.Start, iv.End) {
			out = append(out, iv)
		}
	}
	return out, nil
}

func (x *Expander) upcoming(r *Rule, now time.Time) ([]Interval, error) {
	next := r.fastForward(now).Iterator()
	budget := x.scanBudget()
	limit := x.limit()
	out := make([]Interval, 0)

	for scanned := 0; len(out) < limit; scanned++ {
		if scanned >= budget {
			return nil, fmt.Errorf("%w: rule %q: scanned %d candidates", ErrExpansionFailed, r.raw, budget)
		}
		start, ok := next()
		if !ok {
			break
		}
		start = start.UTC()
		if start.Before(now) {
			continue
		}
		iv, err := r.interval(start)
		if err != nil {
			return nil, err
		}
		out = append(out, iv)
	}
	return out, nil
}

func (r *Rule) interval(start time.Time) (Interval, error) {
	end := start.Add(r.duration)
	if !end.After(start) {
		return Interval{}, fmt.Errorf("%w: rule %q: non-positive interval at %s",
			ErrExpansionFailed, r.raw, start.Format(time.RFC3339))
	}
	return Interval{Start: start, End: end}, nil
}

// fastForward returns the recurrence of r with DTSTART moved forward by whole FREQ*INTERVAL
// periods to a point before target, so that scanning starts near target
// instead of at the anchor. The steps are taken on the wall clock of the
// rule's zone, which is how rrule-go advances its own iterator.
//
// Rules with COUNT are returned unchanged since skipping would shift the
// count. So are MONTHLY and YEARLY rules, whose periods vary in length and
// cannot reach the scan budget within the representable range.
func (r *Rule) fastForward(target time.Time) *rrule.RRule {
	opt := r.options
	if opt.Count > 0 || !target.After(r.dtstart) {
		return r.rrule
	}
	interval := max(opt.Interval, 1)

	var step func(base time.Time, n int) time.Time
	var periods int
	origin := wallClock(r.dtstart)
	gap := wallClock(target.In(r.location)).Sub(origin)

	switch opt.Freq {
	case rrule.SECONDLY, rrule.MINUTELY, rrule.HOURLY:
		unit := time.Hour
		switch opt.Freq {
		case rrule.MINUTELY:
			unit = time.Minute
		case rrule.SECONDLY:
			unit = time.Second
		}
		unit *= time.Duration(interval)
		periods = int(gap / unit)
		step = func(base time.Time, n int) time.Time { return base.Add(time.Duration(n) * unit) }
	case rrule.DAILY, rrule.WEEKLY:
		days := interval
		if opt.Freq == rrule.WEEKLY {
			days *= 7
		}
		periods = int(gap/(24*time.Hour)) / days
		step = func(base time.Time, n int) time.Time { return base.AddDate(0, 0, n*days) }
	default:
		return r.rrule
	}

	// Stay two periods short of target so repeated wall times after a
	// fall-back cannot land past it. If the shifted wall time falls into a
	// DST gap, back off further so the iterator starts on the exact wall
	// clock the original series would reach.
	for n := periods - 2; n > 0 && n >= periods-6; n-- {
		wall := step(origin, n)
		start := time.Date(wall.Year(), wall.Month(), wall.Day(),
			wall.Hour(), wall.Minute(), wall.Second(), 0, r.location)
		if !wallClock(start).Equal(wall) {
			continue
		}
		opt.Dtstart = start
		shifted, err := rrule.NewRRule(opt)
		if err != nil {
			return r.rrule
		}
		return shifted
	}
	return r.rrule
}

// wallClock maps t's local date and time onto UTC so that wall-clock
// arithmetic is free of zone transitions.
func wallClock(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
}
