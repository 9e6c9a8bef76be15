package ics

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "schedcal/internal/log"
	"schedcal/internal/model"
	"schedcal/internal/recurrence"
)

const (
	defaultEventDuration = 30 * time.Minute
	untitled             = "(untitled)"
)

var errMissingUID = errors.New("missing UID")

// ParseICS maps the VEVENTs of one feed body to events owned by the feed.
//
// Overridden instances (RECURRENCE-ID) and events without a UID are skipped
// and logged. RRULE text is kept verbatim; a rule the expander cannot read
// degrades at query time.
func ParseICS(src Source, body []byte) ([]model.Event, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty ICS body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse calendar: %w", err)
	}

	feedLoc, tzErr := recurrence.ResolveLocation(src.Timezone)
	if tzErr != nil {
		appLog.Warn("feed timezone unknown; using UTC", tzErr, "feed", src.ID)
	}

	events := make([]model.Event, 0)
	skipped := 0
	for _, ve := range cal.Events() {
		if rid := ve.GetProperty(ical.ComponentProperty("RECURRENCE-ID")); rid != nil {
			skipped++
			continue
		}
		ev, perr := parseVEvent(src, feedLoc, ve)
		if perr != nil {
			appLog.Warn("ics vevent skipped", perr, "feed", src.ID)
			skipped++
			continue
		}
		events = append(events, ev)
	}

	appLog.Info("ics parse completed", "feed", src.ID, "events", len(events), "skipped", skipped)
	return events, nil
}

func parseVEvent(src Source, feedLoc *time.Location, ve *ical.VEvent) (model.Event, error) {
	uid := propValue(ve, ical.ComponentPropertyUniqueId)
	if uid == "" {
		return model.Event{}, errMissingUID
	}

	ev := model.Event{
		OwnerID:        src.OwnerID,
		Title:          propValue(ve, ical.ComponentPropertySummary),
		Description:    propValue(ve, ical.ComponentPropertyDescription),
		Location:       propValue(ve, ical.ComponentPropertyLocation),
		RRule:          propValue(ve, ical.ComponentPropertyRrule),
		ExternalSource: src.ID,
		ExternalUID:    uid,
	}
	if ev.Title == "" {
		ev.Title = untitled
	}
	if cats := propValue(ve, ical.ComponentPropertyCategories); cats != "" {
		first, _, _ := strings.Cut(cats, ",")
		ev.Category = strings.TrimSpace(first)
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return model.Event{}, fmt.Errorf("uid %s: missing DTSTART", uid)
	}
	start, zone, allDay, err := parseDateProp(dtStart, feedLoc)
	if err != nil {
		return model.Event{}, fmt.Errorf("uid %s: DTSTART: %w", uid, err)
	}
	ev.StartAt = start.UTC()
	ev.Timezone = zone

	ev.EndAt = resolveEnd(ve, start, allDay, feedLoc).UTC()
	return ev, nil
}

// resolveEnd uses DTEND, then DURATION, then a default length.
func resolveEnd(ve *ical.VEvent, start time.Time, allDay bool, feedLoc *time.Location) time.Time {
	if p := ve.GetProperty(ical.ComponentPropertyDtEnd); p != nil {
		if end, _, _, err := parseDateProp(p, feedLoc); err == nil && end.After(start) {
			return end
		}
	}
	if raw := propValue(ve, ical.ComponentProperty("DURATION")); raw != "" {
		if d, err := parseDuration(raw); err == nil && d > 0 {
			return start.Add(d)
		}
	}
	if allDay {
		return start.AddDate(0, 0, 1)
	}
	return start.Add(defaultEventDuration)
}

// parseDateProp interprets a DTSTART/DTEND value and returns the instant,
// the IANA zone the event recurs in, and whether it is a DATE value.
func parseDateProp(p *ical.IANAProperty, feedLoc *time.Location) (time.Time, string, bool, error) {
	v := strings.TrimSpace(p.Value)
	if v == "" {
		return time.Time{}, "", false, errors.New("empty time value")
	}

	if strings.EqualFold(param(p, "VALUE"), "DATE") || !strings.Contains(v, "T") {
		t, err := time.ParseInLocation("20060102", v, feedLoc)
		return t, feedLoc.String(), true, err
	}

	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse("20060102T150405Z", v)
		return t, "UTC", false, err
	}

	loc := feedLoc
	if tzid := param(p, "TZID"); tzid != "" {
		resolved, err := recurrence.ResolveLocation(tzid)
		if err != nil {
			appLog.Warn("ics TZID unknown; using feed timezone", err, "tzid", tzid)
		} else {
			loc = resolved
		}
	}
	t, err := time.ParseInLocation("20060102T150405", v, loc)
	return t, loc.String(), false, err
}

func propValue(ve *ical.VEvent, name ical.ComponentProperty) string {
	p := ve.GetProperty(name)
	if p == nil {
		return ""
	}
	return strings.TrimSpace(p.Value)
}

func param(p *ical.IANAProperty, name string) string {
	if vs, ok := p.ICalParameters[name]; ok && len(vs) > 0 {
		return strings.Trim(vs[0], `"`)
	}
	return ""
}

var durationPattern = regexp.MustCompile(`^([+-])?P(?:(\d+)W)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// parseDuration reads an RFC 5545 DURATION value such as "PT1H30M" or "P1D".
func parseDuration(raw string) (time.Duration, error) {
	m := durationPattern.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(raw)))
	if m == nil || raw == "P" || raw == "PT" {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	units := []time.Duration{7 * 24 * time.Hour, 24 * time.Hour, time.Hour, time.Minute, time.Second}
	var total time.Duration
	for i, unit := range units {
		if m[i+2] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+2])
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
		}
		total += time.Duration(n) * unit
	}
	if m[1] == "-" {
		total = -total
	}
	return total, nil
}
