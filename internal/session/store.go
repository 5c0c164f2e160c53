// Package session holds the single linked identity shared by the gate, the
// wallet operations and the CLI.
package session

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var ErrEmptyAddress = errors.New("identity address is empty")

type Identity struct {
	Address  string
	LinkedAt time.Time
}

// Store is the process-wide holder of the current identity. Reads are
// lock-free; writers are serialized so subscribers see changes in order.
type Store struct {
	current atomic.Pointer[Identity]
	now     func() time.Time

	mu     sync.Mutex
	subs   map[int]chan *Identity
	nextID int
}

func NewStore() *Store {
	return &Store{now: time.Now, subs: make(map[int]chan *Identity)}
}

// Current returns the linked identity, or nil.
func (s *Store) Current() *Identity {
	id := s.current.Load()
	if id == nil {
		return nil
	}
	cp := *id
	return &cp
}

// Address is a convenience for Current().Address.
func (s *Store) Address() string {
	if id := s.current.Load(); id != nil {
		return id.Address
	}
	return ""
}

// Link replaces the current identity.
func (s *Store) Link(address string) (Identity, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return Identity{}, ErrEmptyAddress
	}
	id := &Identity{Address: address, LinkedAt: s.now().UTC()}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.Store(id)
	s.notify(id)
	return *id, nil
}

// Clear unlinks the current identity; a no-op when nothing is linked.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current.Swap(nil) != nil {
		s.notify(nil)
	}
}

// Subscribe delivers every subsequent change; nil means cleared. The
// channel keeps only the latest pending change for slow readers.
func (s *Store) Subscribe() (<-chan *Identity, func()) {
	ch := make(chan *Identity, 1)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

// notify must be called with s.mu held.
func (s *Store) notify(id *Identity) {
	for _, ch := range s.subs {
		var v *Identity
		if id != nil {
			cp := *id
			v = &cp
		}
		select {
		case ch <- v:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- v
		}
	}
}
