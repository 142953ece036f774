package session

import (
	"sync"
)

// ChangeKind says which half of the state a Change came from.
type ChangeKind int

const (
	ChangeUser ChangeKind = iota + 1
	ChangeAuthenticated
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeUser:
		return "user"
	case ChangeAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// Snapshot is a copy of the state at one point in time.
type Snapshot struct {
	User          *Session
	Authenticated bool
}

// Change is one notification. Seq increases by one per Set/SetAuthenticated call.
type Change struct {
	Seq      uint64
	Kind     ChangeKind
	Snapshot Snapshot
}

// State is the process-wide current user and authenticated flag.
//
// Every Set and SetAuthenticated produces exactly one Change, even when the
// value did not change. Each subscriber receives changes in call order on its
// own goroutine, so a slow subscriber never blocks writers or other subscribers.
type State struct {
	mu     sync.Mutex
	snap   Snapshot
	seq    uint64
	nextID uint64
	subs   map[uint64]*subscriber
	closed bool
}

// NewState returns a State seeded with an initial value. No Change is emitted for it.
func NewState(user *Session, authenticated bool) *State {
	st := &State{subs: make(map[uint64]*subscriber)}
	if user != nil {
		st.snap.User = user.clone()
	}
	st.snap.Authenticated = authenticated
	return st
}

// Current returns a copy of the current user.
func (s *State) Current() (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.User == nil {
		return Session{}, false
	}
	return *s.snap.User.clone(), true
}

// IsAuthenticated returns the authenticated flag.
func (s *State) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Authenticated
}

// Snapshot returns a copy of both values.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

func (s *State) copyLocked() Snapshot {
	out := s.snap
	if out.User != nil {
		out.User = out.User.clone()
	}
	return out
}

// Set replaces the current user. nil clears it.
func (s *State) Set(user *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user == nil {
		s.snap.User = nil
	} else {
		s.snap.User = user.clone()
	}
	s.emitLocked(ChangeUser)
}

// SetAuthenticated replaces the authenticated flag.
func (s *State) SetAuthenticated(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Authenticated = v
	s.emitLocked(ChangeAuthenticated)
}

func (s *State) emitLocked(kind ChangeKind) {
	s.seq++
	if s.closed {
		return
	}
	for _, sub := range s.subs {
		// Each subscriber gets its own copy so handlers cannot alias.
		sub.push(Change{Seq: s.seq, Kind: kind, Snapshot: s.copyLocked()})
	}
}

// Subscribe registers fn for every later Change. The returned cancel stops
// delivery; a call already running is allowed to finish.
func (s *State) Subscribe(fn func(Change)) (cancel func()) {
	if fn == nil {
		return func() {}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}
	}
	id := s.nextID
	s.nextID++
	sub := newSubscriber(fn)
	s.subs[id] = sub
	s.mu.Unlock()

	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			sub.stop()
		})
	}
}

// Close stops every subscriber. Set and SetAuthenticated keep working.
func (s *State) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[uint64]*subscriber)
	s.closed = true
	s.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

// ---- per-subscriber FIFO ----

type subscriber struct {
	fn   func(Change)
	mu   sync.Mutex
	q    []Change
	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func newSubscriber(fn func(Change)) *subscriber {
	return &subscriber{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (s *subscriber) push(c Change) {
	s.mu.Lock()
	s.q = append(s.q, c)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if len(s.q) == 0 {
				s.mu.Unlock()
				break
			}
			batch := s.q
			s.q = nil
			s.mu.Unlock()

			for _, c := range batch {
				select {
				case <-s.done:
					return
				default:
				}
				s.fn(c)
			}
		}
	}
}
