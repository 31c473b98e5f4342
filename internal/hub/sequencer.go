package hub

import "sync"

// Sequencer serializes work per key. Different keys run in parallel; the
// lock for a key is dropped once nobody holds or waits for it.
type Sequencer struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewSequencer() *Sequencer {
	return &Sequencer{locks: make(map[string]*keyLock)}
}

// Do runs fn while holding the lock for key.
func (s *Sequencer) Do(key string, fn func() error) error {
	l := s.acquire(key)
	defer s.release(key, l)

	l.mu.Lock()
	defer l.mu.Unlock()

	return fn()
}

func (s *Sequencer) acquire(key string) *keyLock {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{}
		s.locks[key] = l
	}
	l.refs++
	return l
}

func (s *Sequencer) release(key string, l *keyLock) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(s.locks, key)
	}
}

// Len returns the number of keys currently locked or awaited.
func (s *Sequencer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}
