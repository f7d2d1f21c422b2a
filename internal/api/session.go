package api

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mediguard-intake/internal/intake"
	"github.com/mediguard-intake/internal/metrics"
)

const subscriberBuffer = 16

// Session is a controller plus the live event subscribers watching it
type Session struct {
	*intake.Controller

	mu     sync.Mutex
	subs   map[chan intake.Event]struct{}
	closed bool
}

func newSession(ctrl *intake.Controller) *Session {
	s := &Session{
		Controller: ctrl,
		subs:       make(map[chan intake.Event]struct{}),
	}
	ctrl.OnTransition(s.publish)
	return s
}

// Subscribe returns a channel of state transitions and a func that ends
// the subscription. The channel is closed when the session ends.
func (s *Session) Subscribe() (<-chan intake.Event, func()) {
	ch := make(chan intake.Event, subscriberBuffer)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	s.subs[ch] = struct{}{}

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
	}
}

// publish fans ev out without blocking; slow subscribers miss events
func (s *Session) publish(ev intake.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for ch := range s.subs {
		close(ch)
	}
	s.subs = nil
}

// ControllerFactory creates the controller for a new session
type ControllerFactory func(userID string) (*intake.Controller, error)

// SessionStore holds live sessions. The least recently used session is
// dropped once the limit is reached.
type SessionStore struct {
	cache   *lru.Cache[string, *Session]
	factory ControllerFactory
	metrics *metrics.Metrics
}

// NewSessionStore creates a store holding at most limit sessions
func NewSessionStore(limit int, factory ControllerFactory, m *metrics.Metrics) (*SessionStore, error) {
	if limit <= 0 {
		limit = 1000
	}
	cache, err := lru.NewWithEvict[string, *Session](limit, func(_ string, s *Session) {
		s.close()
	})
	if err != nil {
		return nil, err
	}
	return &SessionStore{cache: cache, factory: factory, metrics: m}, nil
}

// Create starts a new session for userID
func (st *SessionStore) Create(userID string) (*Session, error) {
	ctrl, err := st.factory(userID)
	if err != nil {
		return nil, err
	}
	ctrl.OnTransition(func(ev intake.Event) {
		st.metrics.Transition(ev.From.String(), ev.To.String())
	})

	s := newSession(ctrl)
	st.cache.Add(ctrl.ID(), s)
	st.metrics.SetActiveSessions(st.cache.Len())
	return s, nil
}

// Get returns the session with id
func (st *SessionStore) Get(id string) (*Session, bool) {
	return st.cache.Get(id)
}

// Delete ends the session with id
func (st *SessionStore) Delete(id string) bool {
	ok := st.cache.Remove(id)
	st.metrics.SetActiveSessions(st.cache.Len())
	return ok
}

// Len returns the number of live sessions
func (st *SessionStore) Len() int {
	return st.cache.Len()
}

// Purge ends every session
func (st *SessionStore) Purge() {
	st.cache.Purge()
	st.metrics.SetActiveSessions(0)
}
