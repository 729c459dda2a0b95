package comm

import (
	"fmt"
	"sync"

	"github.com/go-pluto/cosync/crdt"
	"github.com/pkg/errors"
)

// Structs

// Sequencer keeps one counter per origin. For the local
// origin it hands out sequence numbers, for every other
// origin it tracks the last accepted one and detects gaps.
type Sequencer struct {
	lock *sync.Mutex
	last map[crdt.PeerID]uint64
}

// GapError is returned by Validate when operations of an
// origin went missing between the last accepted one and
// the one at hand.
type GapError struct {
	Origin   crdt.PeerID
	Expected uint64
	Got      uint64
}

// Variables

// ErrDuplicate marks a sequence number that was accepted
// before. Receivers drop the operation.
var ErrDuplicate = errors.New("duplicate sequence number")

// Functions

// NewSequencer returns a sequencer with all counters at zero.
func NewSequencer() *Sequencer {

	return &Sequencer{
		lock: &sync.Mutex{},
		last: make(map[crdt.PeerID]uint64),
	}
}

func (e *GapError) Error() string {
	return fmt.Sprintf("sequence gap for %s: expected %d, got %d", e.Origin, e.Expected, e.Got)
}

// NextSeq returns the next sequence number for origin.
// The first one handed out is 1.
func (s *Sequencer) NextSeq(origin crdt.PeerID) uint64 {

	s.lock.Lock()
	defer s.lock.Unlock()

	s.last[origin]++

	return s.last[origin]
}

// Validate checks whether seq is the direct successor of
// the last accepted sequence number of origin and records
// it if so.
func (s *Sequencer) Validate(origin crdt.PeerID, seq uint64) error {

	s.lock.Lock()
	defer s.lock.Unlock()

	last := s.last[origin]

	if seq <= last {
		return errors.Wrapf(ErrDuplicate, "%d@%s", seq, origin)
	}

	if seq != last+1 {
		return &GapError{
			Origin:   origin,
			Expected: last + 1,
			Got:      seq,
		}
	}

	s.last[origin] = seq

	return nil
}

// Expected returns the sequence number Validate accepts
// next for origin.
func (s *Sequencer) Expected(origin crdt.PeerID) uint64 {

	s.lock.Lock()
	defer s.lock.Unlock()

	return s.last[origin] + 1
}

// Restore raises the counters to the ones in version after
// state was replaced by a snapshot. Counters never go back.
func (s *Sequencer) Restore(version crdt.Version) {

	s.lock.Lock()
	defer s.lock.Unlock()

	for origin, seq := range version {
		if seq > s.last[origin] {
			s.last[origin] = seq
		}
	}
}

// Version returns a copy of all counters.
func (s *Sequencer) Version() crdt.Version {

	s.lock.Lock()
	defer s.lock.Unlock()

	v := make(crdt.Version, len(s.last))
	for origin, seq := range s.last {
		v[origin] = seq
	}

	return v
}
