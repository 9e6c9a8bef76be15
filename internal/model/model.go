package model

import "time"

const (
	DefaultTimezone = "UTC"
	DefaultColor    = "#4287f5"
)

// Event is a stored calendar event. StartAt and EndAt are UTC instants;
// Timezone names the IANA zone in which RRule is evaluated.
type Event struct {
	ID             int64  `json:"id"`
	OwnerID        int64  `json:"owner_id"`
	OrganizationID *int64 `json:"organization_id,omitempty"`

	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	Category    string `json:"category,omitempty"`
	Color       string `json:"color"`

	StartAt  time.Time `json:"start_at"`
	EndAt    time.Time `json:"end_at"`
	RRule    string    `json:"rrule,omitempty"`
	Timezone string    `json:"timezone"`

	// ExternalSource and ExternalUID identify events imported from an ICS feed.
	ExternalSource string `json:"external_source,omitempty"`
	ExternalUID    string `json:"external_uid,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Duration is the absolute length of the anchor interval.
func (e Event) Duration() time.Duration {
	return e.EndAt.Sub(e.StartAt)
}

// Recurring reports whether the event carries a recurrence rule at all;
// it says nothing about whether the rule parses.
func (e Event) Recurring() bool {
	return e.RRule != ""
}

// Occurrence is one concrete instance of an event, computed per query and
// never persisted. All instants are UTC.
type Occurrence struct {
	EventID     int64     `json:"event_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Category    string    `json:"category,omitempty"`
	Color       string    `json:"color"`
	Timezone    string    `json:"timezone"`
	Recurring   bool      `json:"recurring"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	AnchorStart time.Time `json:"anchor_start"`
}

// NewOccurrence copies the passthrough fields of ev and places it at
// [start, end). Instants are normalized to UTC.
func NewOccurrence(ev Event, start, end time.Time, recurring bool) Occurrence {
	return Occurrence{
		EventID:     ev.ID,
		Title:       ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
		Category:    ev.Category,
		Color:       ev.Color,
		Timezone:    ev.Timezone,
		Recurring:   recurring,
		Start:       start.UTC(),
		End:         end.UTC(),
		AnchorStart: ev.StartAt.UTC(),
	}
}

// Reminder asks for a notification about an event at ScheduledAt.
type Reminder struct {
	ID          string     `json:"id"`
	EventID     int64      `json:"event_id"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	Sent        bool       `json:"sent"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
