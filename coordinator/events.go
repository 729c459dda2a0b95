package coordinator

import (
	"sort"
	"sync"

	"github.com/go-pluto/cosync/crdt"
)

// Structs

// EventKind tells subscribers what happened.
type EventKind int

// Events delivered to subscribers.
const (
	// EventApplied reports one operation that changed the
	// replica, local or remote.
	EventApplied EventKind = iota

	// EventReset reports that the replica was replaced by
	// an authoritative snapshot. Renderers redraw fully.
	EventReset

	// EventConnectionLost reports that the relay could not be
	// reached anymore. The replica stays as it is and local
	// edits keep working.
	EventConnectionLost

	// EventSynced reports that the handle is connected and
	// caught up with the relay again.
	EventSynced
)

// Event is one entry of the stream handed to subscribers.
// Op is set for EventApplied, Err for EventConnectionLost.
type Event struct {
	Kind  EventKind
	Op    crdt.Operation
	Local bool
	Err   error
}

// dispatcher delivers events to subscribers on its own
// goroutine, one at a time and in the order they were
// queued. The queue is unbounded so producers never block.
type dispatcher struct {
	lock    *sync.Mutex
	wake    *sync.Cond
	queue   []Event
	subs    map[int]func(Event)
	nextSub int
	closed  bool
	done    chan struct{}
}

// Functions

func (k EventKind) String() string {

	switch k {
	case EventApplied:
		return "applied"
	case EventReset:
		return "reset"
	case EventConnectionLost:
		return "connectionLost"
	case EventSynced:
		return "synced"
	}

	return "unknown"
}

func newDispatcher() *dispatcher {

	d := &dispatcher{
		lock: &sync.Mutex{},
		subs: make(map[int]func(Event)),
		done: make(chan struct{}),
	}
	d.wake = sync.NewCond(d.lock)

	go d.run()

	return d
}

// emit queues e for all current subscribers.
func (d *dispatcher) emit(e Event) {

	d.lock.Lock()
	defer d.lock.Unlock()

	if d.closed {
		return
	}

	d.queue = append(d.queue, e)
	d.wake.Signal()
}

// subscribe registers fn. The returned function removes
// it again and is a no-op once the dispatcher stopped.
func (d *dispatcher) subscribe(fn func(Event)) func() {

	d.lock.Lock()
	defer d.lock.Unlock()

	if d.closed {
		return func() {}
	}

	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn

	return func() {

		d.lock.Lock()
		defer d.lock.Unlock()

		delete(d.subs, id)
	}
}

// stop refuses further events and subscribers. Events
// already queued are still delivered. Safe to call from
// a subscriber.
func (d *dispatcher) stop() {

	d.lock.Lock()
	defer d.lock.Unlock()

	d.closed = true
	d.wake.Signal()
}

func (d *dispatcher) run() {

	defer close(d.done)

	for {

		d.lock.Lock()

		for len(d.queue) == 0 && !d.closed {
			d.wake.Wait()
		}

		if len(d.queue) == 0 {
			d.subs = make(map[int]func(Event))
			d.lock.Unlock()
			return
		}

		e := d.queue[0]
		d.queue[0] = Event{}
		d.queue = d.queue[1:]

		subs := make([]int, 0, len(d.subs))
		for id := range d.subs {
			subs = append(subs, id)
		}

		d.lock.Unlock()

		// Subscribers are called in registration order and
		// may unsubscribe each other along the way.
		sort.Ints(subs)

		for _, id := range subs {

			d.lock.Lock()
			fn, ok := d.subs[id]
			d.lock.Unlock()

			if ok {
				fn(e)
			}
		}
	}
}
