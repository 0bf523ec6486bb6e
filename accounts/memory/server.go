package memory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/creativeprojects/mailsync/lib"
)

// DefaultCalendar is created with every server.
const DefaultCalendar = "calendar"

// Server is an in-process calendar server. Every change gets a sequence number: the sequence
// number of the last change seen is the sync token of a client.
type Server struct {
	mu        sync.Mutex
	username  string
	password  string
	calendars map[string]*memCalendar
	seq       uint64
	log       lib.Logger
	// rotation changes the password once the given number of pages has been served
	rotateAfter int
	rotateTo    string
	served      int
}

func NewServer(username, password string) *Server {
	return NewServerWithLogger(username, password, nil)
}

func NewServerWithLogger(username, password string, logger lib.Logger) *Server {
	if logger == nil {
		logger = &lib.NoLog{}
	}
	server := &Server{
		username:  username,
		password:  password,
		calendars: make(map[string]*memCalendar),
		log:       logger,
	}
	server.calendars[DefaultCalendar] = newMemCalendar()
	return server
}

func (s *Server) AddCalendar(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.calendars[name]; ok {
		// already exists
		return
	}
	s.calendars[name] = newMemCalendar()
}

func (s *Server) DeleteCalendar(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.calendars, name)
}

// PutEvent adds or replaces an event. The event calendar defaults to DefaultCalendar.
func (s *Server) PutEvent(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.Calendar == "" {
		event.Calendar = DefaultCalendar
	}
	calendar, ok := s.calendars[event.Calendar]
	if !ok {
		return fmt.Errorf("calendar %q: %w", event.Calendar, lib.ErrNotFound)
	}
	s.seq++
	calendar.events[event.ID] = &memEvent{
		Event: event,
		seq:   s.seq,
	}
	return nil
}

func (s *Server) DeleteEvent(calendarName, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	calendar, ok := s.calendars[calendarName]
	if !ok {
		return fmt.Errorf("calendar %q: %w", calendarName, lib.ErrNotFound)
	}
	event, ok := calendar.events[id]
	if !ok || event.deleted {
		return fmt.Errorf("event %q: %w", id, lib.ErrNotFound)
	}
	s.seq++
	event.seq = s.seq
	event.deleted = true
	return nil
}

func (s *Server) SetPassword(password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.password = password
}

// RotatePasswordAfter changes the password after the given number of change pages was served:
// the clients still using the old one get refused from then on.
func (s *Server) RotatePasswordAfter(pages int, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotateAfter = pages
	s.rotateTo = password
	s.served = 0
}

func (s *Server) login(username, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkLocked(username, password)
}

func (s *Server) checkLocked(username, password string) error {
	if username != s.username || password != s.password {
		s.log.Printf("401: refusing %q", username)
		return fmt.Errorf("401 invalid credentials for %q: %w", username, lib.ErrUnauthorized)
	}
	return nil
}

func (s *Server) listCalendars(username, password string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(username, password); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(s.calendars))
	for name := range s.calendars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// changes returns at most limit changes of the calendar made after the since sequence number,
// oldest first. more is true when there are changes left after the page.
func (s *Server) changes(username, password, calendarName string, since uint64, limit int) (page []change, more bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rotateTo != "" && s.served >= s.rotateAfter {
		s.log.Printf("rotating password of %q", s.username)
		s.password = s.rotateTo
		s.rotateTo = ""
	}
	if err := s.checkLocked(username, password); err != nil {
		return nil, false, err
	}
	calendar, ok := s.calendars[calendarName]
	if !ok {
		return nil, false, fmt.Errorf("calendar %q: %w", calendarName, lib.ErrNotFound)
	}
	all := make([]change, 0)
	for _, event := range calendar.events {
		if event.seq <= since {
			continue
		}
		all = append(all, change{Event: event.Event, Seq: event.seq, Deleted: event.deleted})
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Seq < all[j].Seq
	})
	s.served++
	if limit > 0 && len(all) > limit {
		return all[:limit], true, nil
	}
	return all, false, nil
}
