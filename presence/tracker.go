package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-pluto/cosync/crdt"
)

// Default expiry timing.
const (
	DefaultTTL       = 30 * time.Second
	DefaultIdleAfter = 10 * time.Second
)

// Structs

// Status of a collaborator as shown next to their cursor.
type Status string

// Presence states.
const (
	Active       Status = "active"
	Idle         Status = "idle"
	Disconnected Status = "disconnected"
)

// Cursor points into a document by node identity so that it
// stays put while others edit around it. Offset counts bytes
// into the anchor node's content.
type Cursor struct {
	Anchor crdt.ID `json:"anchor"`
	Offset int     `json:"offset"`
}

// Entry is what is known about one peer.
type Entry struct {
	PeerID   crdt.PeerID
	Cursor   Cursor
	LastSeen time.Time
	Status   Status
}

// Observable is the read side handed to rendering layers.
type Observable interface {
	Entries() []Entry
	Subscribe(fn func([]Entry)) (unsubscribe func())
}

// Options configures expiry.
type Options struct {
	TTL       time.Duration
	IdleAfter time.Duration
}

// Tracker holds ephemeral presence for one document. It is
// locked independently of the document's replica and never
// persisted. Subscribers are called one at a time with the
// full entry list after every change and must not call back
// into the tracker.
type Tracker struct {
	lock       *sync.Mutex
	notifyLock *sync.Mutex
	entries    map[crdt.PeerID]*Entry
	ttl        time.Duration
	idleAfter  time.Duration
	subs       map[int]func([]Entry)
	nextSub    int
}

// Functions

// NewTracker returns an empty tracker. Zero options
// select DefaultTTL and DefaultIdleAfter.
func NewTracker(opts Options) *Tracker {

	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}

	if opts.IdleAfter <= 0 || opts.IdleAfter > opts.TTL {
		opts.IdleAfter = DefaultIdleAfter
		if opts.IdleAfter > opts.TTL {
			opts.IdleAfter = opts.TTL
		}
	}

	return &Tracker{
		lock:       &sync.Mutex{},
		notifyLock: &sync.Mutex{},
		entries:    make(map[crdt.PeerID]*Entry),
		ttl:        opts.TTL,
		idleAfter:  opts.IdleAfter,
		subs:       make(map[int]func([]Entry)),
	}
}

// TTL returns the time after which silent peers vanish.
func (t *Tracker) TTL() time.Duration {
	return t.ttl
}

// Upsert records a cursor update of peer seen at time at.
// Updates older than the stored one are ignored.
func (t *Tracker) Upsert(peer crdt.PeerID, cursor Cursor, at time.Time) {

	t.mutate(func() bool {

		e, ok := t.entries[peer]
		if ok && at.Before(e.LastSeen) {
			return false
		}

		if !ok {
			e = &Entry{PeerID: peer}
			t.entries[peer] = e
		}

		e.Cursor = cursor
		e.LastSeen = at
		e.Status = Active

		return true
	})
}

// Touch refreshes peer without moving its cursor.
func (t *Tracker) Touch(peer crdt.PeerID, at time.Time) {

	t.mutate(func() bool {

		e, ok := t.entries[peer]
		if !ok || at.Before(e.LastSeen) {
			return false
		}

		e.LastSeen = at
		e.Status = Active

		return true
	})
}

// Leave marks peer as disconnected. The entry stays
// visible until it expires.
func (t *Tracker) Leave(peer crdt.PeerID, at time.Time) {

	t.mutate(func() bool {

		e, ok := t.entries[peer]
		if !ok || e.Status == Disconnected {
			return false
		}

		e.Status = Disconnected
		if at.After(e.LastSeen) {
			e.LastSeen = at
		}

		return true
	})
}

// Remove forgets peer right away.
func (t *Tracker) Remove(peer crdt.PeerID) {

	t.mutate(func() bool {

		if _, ok := t.entries[peer]; !ok {
			return false
		}

		delete(t.entries, peer)

		return true
	})
}

// Sweep ages all entries relative to now: silent peers turn
// idle and eventually expire.
func (t *Tracker) Sweep(now time.Time) {

	t.mutate(func() bool {

		changed := false

		for peer, e := range t.entries {

			age := now.Sub(e.LastSeen)

			if age >= t.ttl {
				delete(t.entries, peer)
				changed = true
				continue
			}

			if age >= t.idleAfter && e.Status == Active {
				e.Status = Idle
				changed = true
			}
		}

		return changed
	})
}

// Run sweeps every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.Sweep(now)
		}
	}
}

// Entries returns all entries ordered by peer.
func (t *Tracker) Entries() []Entry {

	t.lock.Lock()
	defer t.lock.Unlock()

	return t.snapshot()
}

// Subscribe registers fn for change notifications.
// Calling the returned function more than once is fine.
func (t *Tracker) Subscribe(fn func([]Entry)) func() {

	t.lock.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	t.lock.Unlock()

	return func() {
		t.lock.Lock()
		delete(t.subs, id)
		t.lock.Unlock()
	}
}

// mutate runs change under the lock and notifies
// subscribers if it reports a modification.
func (t *Tracker) mutate(change func() bool) {

	t.notifyLock.Lock()
	defer t.notifyLock.Unlock()

	t.lock.Lock()

	if !change() {
		t.lock.Unlock()
		return
	}

	entries := t.snapshot()
	subs := make([]func([]Entry), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}

	t.lock.Unlock()

	for _, fn := range subs {
		fn(entries)
	}
}

func (t *Tracker) snapshot() []Entry {

	entries := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, *e)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].PeerID < entries[j].PeerID
	})

	return entries
}
