package memory

import "time"

// Event is a calendar event as served by the in-memory server.
type Event struct {
	ID          string
	Calendar    string
	Title       string
	Organizer   string
	Description string
	Start       time.Time
}

type memEvent struct {
	Event
	seq     uint64
	deleted bool
}

type memCalendar struct {
	events map[string]*memEvent
}

func newMemCalendar() *memCalendar {
	return &memCalendar{
		events: make(map[string]*memEvent),
	}
}

// change is one entry of the changes feed of a calendar.
type change struct {
	Event
	Seq     uint64
	Deleted bool
}
