package session

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// DefaultMaxAge is the inactivity threshold used by the stale-session sweep.
const DefaultMaxAge = time.Hour

// entry holds one live session. mu serializes mutation of a single session;
// the store lock only guards the map itself.
type entry struct {
	mu       sync.Mutex
	id       string
	pid      int
	cwd      string
	mode     Mode
	created  time.Time
	active   time.Time
	history  []Record
	attached []int
	// removed is set under mu when the entry leaves the store, so a writer
	// that looked it up before the removal does not write into a dead entry.
	removed bool
}

// lockLive locks e and reports whether it is still in the store. On false e
// is left unlocked.
func (e *entry) lockLive() bool {
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return false
	}
	return true
}

// touch advances the last-active time, never moving it backwards.
func (e *entry) touch(now time.Time) {
	if now.After(e.active) {
		e.active = now
	}
}

func (e *entry) snapshot() Session {
	return Session{
		ID:         e.id,
		PID:        e.pid,
		Cwd:        e.cwd,
		Mode:       e.mode,
		CreatedAt:  e.created,
		LastActive: e.active,
		History:    append([]Record{}, e.history...),
		Attached:   append([]int{}, e.attached...),
	}
}

// Store owns every session and its attachment bookkeeping.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore returns an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]*entry),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	return e, ok
}

// acquire returns the live entry for id with its lock held.
func (s *Store) acquire(id string) (*entry, error) {
	e, ok := s.lookup(id)
	if !ok || !e.lockLive() {
		return nil, ErrNotFound
	}
	return e, nil
}

// remove deletes id from the map and marks the entry dead. The caller holds
// s.mu but not e.mu.
func (s *Store) remove(id string, e *entry) {
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
	delete(s.sessions, id)
}

// Create registers a new session in execution mode and returns its id.
// Ids combine the creating pid with the creation time; a numeric suffix
// disambiguates the rare case of two sessions created in the same instant.
func (s *Store) Create(pid int, cwd string) string {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	base := fmt.Sprintf("term_%d_%d", pid, now.UnixNano())
	id := base
	for n := 1; ; n++ {
		if _, taken := s.sessions[id]; !taken {
			break
		}
		id = fmt.Sprintf("%s_%d", base, n)
	}

	s.sessions[id] = &entry{
		id:      id,
		pid:     pid,
		cwd:     cwd,
		mode:    ModeExecution,
		created: now,
		active:  now,
	}
	return id
}

// Get returns a copy of the session.
func (s *Store) Get(id string) (Session, bool) {
	e, ok := s.lookup(id)
	if !ok {
		return Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(), true
}

// FindByPID returns the first session created by pid.
func (s *Store) FindByPID(pid int) (Session, bool) {
	for _, sess := range s.List() {
		if sess.PID == pid {
			return sess, true
		}
	}
	return Session{}, false
}

// List returns copies of all sessions, oldest first.
func (s *Store) List() []Session {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.snapshot())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Summaries returns the short form of every session.
func (s *Store) Summaries() []Summary {
	sessions := s.List()
	out := make([]Summary, len(sessions))
	for i, sess := range sessions {
		out[i] = Summary{
			ID:         sess.ID,
			PID:        sess.PID,
			Mode:       sess.Mode,
			Attached:   len(sess.Attached),
			History:    len(sess.History),
			LastActive: sess.LastActive,
		}
	}
	return out
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Delete removes a session. It reports whether the session existed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return false
	}
	s.remove(id, e)
	return true
}

// SwitchMode sets the session's mode. Switching to the current mode is a no-op
// apart from refreshing the activity time.
func (s *Store) SwitchMode(id string, mode Mode) error {
	e, err := s.acquire(id)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	e.mode = mode
	e.touch(s.now())
	return nil
}

// Attach adds clientPID to the attached set and returns the resulting count.
func (s *Store) Attach(id string, clientPID int) (int, error) {
	e, err := s.acquire(id)
	if err != nil {
		return 0, err
	}
	defer e.mu.Unlock()
	if !slices.Contains(e.attached, clientPID) {
		e.attached = append(e.attached, clientPID)
	}
	e.touch(s.now())
	return len(e.attached), nil
}

// Detach removes clientPID from the attached set. The session is kept alive
// even when no clients remain.
func (s *Store) Detach(id string, clientPID int) (found bool, closed bool) {
	e, err := s.acquire(id)
	if err != nil {
		return false, false
	}
	defer e.mu.Unlock()
	e.attached = slices.DeleteFunc(e.attached, func(p int) bool { return p == clientPID })
	e.touch(s.now())
	return true, false
}

// Leave removes clientPID from the attached set and deletes the session when
// no attached clients remain.
func (s *Store) Leave(id string, clientPID int) (found bool, closed bool) {
	// Held for the whole operation so a concurrent Attach cannot slip in
	// between the emptiness check and the removal.
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.sessions[id]
	if !ok {
		return false, false
	}
	e.mu.Lock()
	e.attached = slices.DeleteFunc(e.attached, func(p int) bool { return p == clientPID })
	e.touch(s.now())
	empty := len(e.attached) == 0
	e.removed = empty
	e.mu.Unlock()

	if empty {
		delete(s.sessions, id)
	}
	return true, empty
}

// AppendHistory appends rec to the session's history and refreshes its
// activity time. A zero rec.Time is stamped with the current time.
func (s *Store) AppendHistory(id string, rec Record) error {
	now := s.now()
	if rec.Time.IsZero() {
		rec.Time = now
	}
	e, err := s.acquire(id)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	e.history = append(e.history, rec)
	e.touch(now)
	return nil
}

// Touch refreshes the session's activity time.
func (s *Store) Touch(id string) error {
	e, err := s.acquire(id)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	e.touch(s.now())
	return nil
}

// SweepStale removes every session inactive for longer than maxAge and
// returns how many were removed. A non-positive maxAge uses DefaultMaxAge.
func (s *Store) SweepStale(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.sessions {
		e.mu.Lock()
		stale := now.Sub(e.active) > maxAge
		e.removed = stale
		e.mu.Unlock()
		if stale {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}
