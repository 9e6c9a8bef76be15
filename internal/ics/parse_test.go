package ics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schedcal/internal/model"
)

func icsBody(events ...string) []byte {
	lines := []string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//test//EN"}
	for _, ev := range events {
		lines = append(lines, "BEGIN:VEVENT")
		lines = append(lines, strings.Split(strings.TrimSpace(ev), "\n")...)
		lines = append(lines, "END:VEVENT")
	}
	lines = append(lines, "END:VCALENDAR")
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

func byUID(events []model.Event) map[string]model.Event {
	out := make(map[string]model.Event, len(events))
	for _, ev := range events {
		out[ev.ExternalUID] = ev
	}
	return out
}

func TestParseICS(t *testing.T) {
	t.Parallel()

	body := icsBody(
		`UID:utc@example.com
SUMMARY:Release
DTSTART:20250602T090000Z
DTEND:20250602T100000Z`,
		`UID:tz@example.com
SUMMARY:Standup
DESCRIPTION:Daily sync
LOCATION:Room 4
CATEGORIES:work,team
DTSTART;TZID=America/New_York:20250310T090000
DTEND;TZID=America/New_York:20250310T091500
RRULE:FREQ=WEEKLY;BYDAY=MO,WE`,
		`UID:floating@example.com
SUMMARY:Lunch
DTSTART:20250602T120000`,
		`UID:allday@example.com
SUMMARY:Holiday
DTSTART;VALUE=DATE:20250815`,
		`UID:duration@example.com
DTSTART:20250602T090000Z
DURATION:PT1H30M`,
		`UID:override@example.com
RECURRENCE-ID;TZID=America/New_York:20250312T090000
SUMMARY:Moved standup
DTSTART;TZID=America/New_York:20250312T100000
DTEND;TZID=America/New_York:20250312T101500`,
		`SUMMARY:No uid
DTSTART:20250602T090000Z`,
	)

	src := Source{ID: "team", URL: "https://example.com/team.ics", OwnerID: 4, Timezone: "Asia/Seoul"}
	events, err := ParseICS(src, body)
	require.NoError(t, err)
	require.Len(t, events, 5)
	got := byUID(events)

	utc := got["utc@example.com"]
	assert.Equal(t, "Release", utc.Title)
	assert.Equal(t, "2025-06-02T09:00:00Z", utc.StartAt.Format(time.RFC3339))
	assert.Equal(t, time.Hour, utc.Duration())
	assert.Equal(t, "UTC", utc.Timezone)
	assert.Equal(t, "team", utc.ExternalSource)
	assert.Equal(t, int64(4), utc.OwnerID)

	tz := got["tz@example.com"]
	assert.Equal(t, "America/New_York", tz.Timezone)
	assert.Equal(t, "2025-03-10T13:00:00Z", tz.StartAt.Format(time.RFC3339))
	assert.Equal(t, 15*time.Minute, tz.Duration())
	assert.Equal(t, "FREQ=WEEKLY;BYDAY=MO,WE", tz.RRule)
	assert.Equal(t, "Daily sync", tz.Description)
	assert.Equal(t, "Room 4", tz.Location)
	assert.Equal(t, "work", tz.Category)

	floating := got["floating@example.com"]
	assert.Equal(t, "Asia/Seoul", floating.Timezone)
	assert.Equal(t, "2025-06-02T03:00:00Z", floating.StartAt.Format(time.RFC3339))
	assert.Equal(t, defaultEventDuration, floating.Duration())

	allDay := got["allday@example.com"]
	assert.Equal(t, "2025-08-14T15:00:00Z", allDay.StartAt.Format(time.RFC3339))
	assert.Equal(t, 24*time.Hour, allDay.Duration())

	dur := got["duration@example.com"]
	assert.Equal(t, untitled, dur.Title)
	assert.Equal(t, 90*time.Minute, dur.Duration())

	assert.NotContains(t, got, "override@example.com")
}

func TestParseICSErrors(t *testing.T) {
	t.Parallel()

	_, err := ParseICS(Source{ID: "x"}, nil)
	assert.Error(t, err)

	_, err = ParseICS(Source{ID: "x"}, []byte("not a calendar"))
	assert.Error(t, err)
}

func TestParseICSUnknownTZIDFallsBackToFeedZone(t *testing.T) {
	t.Parallel()

	body := icsBody(`UID:win@example.com
SUMMARY:Sync
DTSTART;TZID=Pacific Standard Time:20250602T090000
DTEND;TZID=Pacific Standard Time:20250602T100000`)

	events, err := ParseICS(Source{ID: "x", Timezone: "Europe/Berlin"}, body)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Europe/Berlin", events[0].Timezone)
	assert.Equal(t, "2025-06-02T07:00:00Z", events[0].StartAt.Format(time.RFC3339))
}

func TestParseDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "PT15M", want: 15 * time.Minute},
		{in: "P1D", want: 24 * time.Hour},
		{in: "P1W", want: 7 * 24 * time.Hour},
		{in: "P1DT2H", want: 26 * time.Hour},
		{in: "-PT5M", want: -5 * time.Minute},
		{in: "PT", wantErr: true},
		{in: "1H", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			got, err := parseDuration(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
