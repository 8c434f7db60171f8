package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/upy/vm"
)

// Session is an evaluation workspace with its own Context. Top-level
// bindings made by one evaluation are visible to the next.
type Session struct {
	ID      string
	Name    string
	Created time.Time

	worker *VMWorker
	keep   bool // never expired by Sweep

	mu       sync.Mutex
	lastUsed time.Time
	evals    int
}

// Worker returns the worker that owns the session's Context.
func (s *Session) Worker() *VMWorker { return s.worker }

// touch records a use and returns the evaluation number.
func (s *Session) touch() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed = time.Now()
	s.evals++
	return s.evals
}

// Idle returns how long the session has gone unused.
func (s *Session) Idle() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastUsed)
}

// SessionStore manages evaluation sessions.
type SessionStore struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	newContext func() *vm.Context
	log        commonlog.Logger
}

// NewSessionStore creates a session store. newContext builds the Context
// for each new session.
func NewSessionStore(newContext func() *vm.Context) *SessionStore {
	return &SessionStore{
		sessions:   make(map[string]*Session),
		newContext: newContext,
		log:        commonlog.GetLogger("upy.server.sessions"),
	}
}

// Create creates a new session with an optional name.
func (s *SessionStore) Create(name string) *Session {
	now := time.Now()
	session := &Session{
		ID:       uuid.NewString(),
		Name:     name,
		Created:  now,
		worker:   NewVMWorker(s.newContext()),
		lastUsed: now,
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	s.log.Debugf("session created: %s %q", session.ID, name)
	return session
}

// Get retrieves a session by ID.
func (s *SessionStore) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	return session, ok
}

// Len returns the number of live sessions.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Destroy removes a session and stops its worker. It reports whether the
// session existed.
func (s *SessionStore) Destroy(id string) bool {
	s.mu.Lock()
	session, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if !ok {
		return false
	}
	session.worker.Stop()
	s.log.Debugf("session destroyed: %s", id)
	return true
}

// Sweep destroys sessions idle for longer than ttl and runs a collection
// in each remaining one. A ttl of zero never expires sessions. Returns the
// number destroyed.
func (s *SessionStore) Sweep(ttl time.Duration) int {
	s.mu.RLock()
	var expired []string
	var live []*Session
	for id, session := range s.sessions {
		if ttl > 0 && !session.keep && session.Idle() > ttl {
			expired = append(expired, id)
		} else {
			live = append(live, session)
		}
	}
	s.mu.RUnlock()

	removed := 0
	for _, id := range expired {
		if s.Destroy(id) {
			removed++
		}
	}
	for _, session := range live {
		result, err := session.worker.Do(func(c *vm.Context) any {
			return c.Collect()
		})
		if err != nil {
			continue
		}
		st := result.(vm.GCStats)
		s.log.Debugf("session %s: collected %d, %d live", session.ID, st.Freed, st.Live)
	}
	return removed
}

// StartSweeper runs periodic sweeps in the background.
// Returns a stop function.
func (s *SessionStore) StartSweeper(interval, ttl time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				s.Sweep(ttl)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// Close destroys every session.
func (s *SessionStore) Close() {
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	for _, id := range ids {
		s.Destroy(id)
	}
}
