package search

import (
	"sync"

	"github.com/noah-isme/backend-pos/internal/obs"
)

// Kind names a search box of the till.
type Kind string

const (
	Products  Kind = "products"
	Customers Kind = "customers"
)

type key struct {
	terminal string
	kind     Kind
}

// Sequencer stamps search requests per terminal and kind. A response may only be applied
// when no newer request of the same stream was issued while it was in flight.
type Sequencer struct {
	mu     sync.Mutex
	latest map[key]uint64
}

// NewSequencer returns an empty sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{latest: make(map[key]uint64)}
}

// Admit registers a request. A client supplied seq is honoured when it is newer than
// anything seen; zero asks the sequencer to allocate the next number. It returns the
// sequence number and whether the request is still the newest one. A request that is
// already stale on arrival is counted as such.
func (s *Sequencer) Admit(terminal string, kind Kind, seq uint64) (uint64, bool) {
	s.mu.Lock()
	k := key{terminal: terminal, kind: kind}
	cur := s.latest[k]
	if seq == 0 {
		seq = cur + 1
	}
	if seq < cur {
		s.mu.Unlock()
		markStale(kind)
		return seq, false
	}
	s.latest[k] = seq
	s.mu.Unlock()
	return seq, true
}

// Current reports whether seq is still the newest request of the stream. Stale answers
// are counted.
func (s *Sequencer) Current(terminal string, kind Kind, seq uint64) bool {
	s.mu.Lock()
	latest := s.latest[key{terminal: terminal, kind: kind}]
	s.mu.Unlock()
	if seq == latest {
		return true
	}
	markStale(kind)
	return false
}

func markStale(kind Kind) {
	if obs.SearchStaleTotal != nil {
		obs.SearchStaleTotal.WithLabelValues(string(kind)).Inc()
	}
}
