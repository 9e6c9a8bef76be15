package ics

import (
	"fmt"
	"time"

	ical "github.com/arran4/golang-ical"

	"schedcal/internal/model"
)

// Export renders occurrences as a PUBLISH calendar, one VEVENT per
// occurrence. UIDs are derived from the event id and the occurrence start
// so repeated exports of the same occurrence keep the same UID.
func Export(name string, occurrences []model.Occurrence, stamp time.Time) string {
	cal := ical.NewCalendarFor("schedcal")
	cal.SetMethod(ical.MethodPublish)
	if name != "" {
		cal.SetName(name)
		cal.SetXWRCalName(name)
	}

	for _, occ := range occurrences {
		ev := cal.AddEvent(OccurrenceUID(occ))
		ev.SetDtStampTime(stamp)
		ev.SetStartAt(occ.Start)
		ev.SetEndAt(occ.End)
		ev.SetSummary(occ.Title)
		if occ.Description != "" {
			ev.SetDescription(occ.Description)
		}
		if occ.Location != "" {
			ev.SetLocation(occ.Location)
		}
		if occ.Category != "" {
			ev.AddCategory(occ.Category)
		}
		if occ.Color != "" {
			ev.SetColor(occ.Color)
		}
	}
	return cal.Serialize()
}

func OccurrenceUID(occ model.Occurrence) string {
	return fmt.Sprintf("%d-%s@schedcal", occ.EventID, occ.Start.UTC().Format("20060102T150405Z"))
}
