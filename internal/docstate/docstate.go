// Package docstate holds the CRDT state and awareness substate for one
// document, plus the subscriber fan-out that turns a merged update into a
// notification for every attached connection but the one that sent it.
package docstate

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter"

	"github.com/inkdoc/docsync/internal/crdt"
)

// ErrPoisoned is returned by ApplyUpdate once the
// owning document has been marked poisoned after a permanent store
// failure: merges still succeed, callers should treat this as informational
// (the manager uses it to refuse new attachments, not to reject the merge).
var ErrPoisoned = errors.New("docstate: poisoned")

// ErrCorruptUpdate is returned by ApplyUpdate when updateBytes fails to
// decode. Unlike a protocol violation, a corrupt update carries no local
// recovery beyond dropping that one frame: the connection stays up and the
// caller logs and moves on instead of closing.
var ErrCorruptUpdate = errors.New("docstate: corrupt update")

// Subscriber receives update and awareness deltas from a DocState after
// they've merged. PeerID identifies the subscriber for echo suppression:
// a subscriber whose PeerID matches an update's origin is skipped, since it
// already applied the update locally before sending it.
type Subscriber interface {
	PeerID() uint64
	OnUpdate(update []byte, origin uint64)
	OnAwareness(delta []byte, origin uint64)
}

// Handle identifies a registered Subscriber for Unsubscribe.
type Handle uint64

// DocState is the tuple (document id, CRDT state, awareness table,
// subscriber set) described for the per-document engine. All mutation runs
// under mu, a single logical critical section; update callbacks are
// invoked while mu is held, so they must be non-blocking and must never
// call back into this DocState. Awareness callbacks run after mu is
// released.
type DocState struct {
	id string

	mu   sync.Mutex
	doc  *crdt.Doc
	subs map[Handle]Subscriber

	nextHandle uint64

	awareness otter.Cache[uint64, awarenessEntry]

	onChange func(id string, update []byte)
	poisoned atomic.Bool
}

// awarenessEntry pairs a client's last-known presence delta with the time
// it arrived, so a background sweep can drop entries belonging to peers
// that vanished without a clean disconnect (a dropped TCP connection never
// calls DropAwareness).
type awarenessEntry struct {
	delta     []byte
	updatedAt time.Time
}

// awarenessCacheSize bounds the total cost of tracked presence, where each
// entry costs its delta length plus one; entries age out under otter's
// eviction policy so a churn of short-lived clients cannot grow this
// unbounded.
const awarenessCacheSize = 4096

// New returns an empty DocState for id, with no subscribers and no
// awareness entries.
func New(id string) *DocState {
	cache, err := otter.MustBuilder[uint64, awarenessEntry](awarenessCacheSize).
		Cost(func(_ uint64, v awarenessEntry) uint32 { return uint32(len(v.delta)) + 1 }).
		Build()
	if err != nil {
		panic("docstate: failed to build awareness cache: " + err.Error())
	}
	return &DocState{
		id:        id,
		doc:       crdt.NewDoc(),
		subs:      make(map[Handle]Subscriber),
		awareness: cache,
	}
}

// ID returns the document id this state belongs to.
func (d *DocState) ID() string { return d.id }

// OnChange registers the hook invoked once per successful mutation, after
// subscribers have been notified, with the update bytes that were just
// merged. DocManager uses this to append an incremental entry to the owning
// SyncKv and request a checkpoint. Only one hook is supported; it should be
// set once, before the DocState is attached to any connection.
func (d *DocState) OnChange(f func(id string, update []byte)) {
	d.mu.Lock()
	d.onChange = f
	d.mu.Unlock()
}

// Poisoned reports whether a permanent store failure has poisoned this
// document. In-memory merges continue to succeed even when poisoned;
// poisoning only affects whether the manager allows new attachments.
func (d *DocState) Poisoned() bool { return d.poisoned.Load() }

// Poison marks the document poisoned. Idempotent.
func (d *DocState) Poison() { d.poisoned.Store(true) }

// Bootstrap applies ops directly to the CRDT without notifying subscribers
// or invoking the on-change hook. It exists for the hydration path: the
// manager replays a document's persisted updates into a brand-new DocState
// before any connection has subscribed, so there is nothing to notify and
// nothing new to mark dirty.
func (d *DocState) Bootstrap(ops []crdt.Op) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, op := range ops {
		d.doc.Apply(op)
	}
}

// ApplyUpdate decodes updateBytes into one or more CRDT ops, merges each
// into the document, and notifies every subscriber except origin. Merging
// is idempotent: re-applying an update already present changes nothing and
// produces no notification. origin identifies the caller so the
// originating connection (which already applied the update locally) is
// skipped.
func (d *DocState) ApplyUpdate(updateBytes []byte, origin uint64) error {
	ops, err := crdt.DecodeUpdate(updateBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptUpdate, err)
	}

	d.mu.Lock()
	changed := false
	for _, op := range ops {
		if d.doc.Apply(op) {
			changed = true
		}
	}
	if !changed {
		d.mu.Unlock()
		return nil
	}
	for handle, sub := range d.subs {
		_ = handle
		if sub.PeerID() == origin {
			continue
		}
		sub.OnUpdate(updateBytes, origin)
	}
	hook := d.onChange
	id := d.id
	d.mu.Unlock()

	if hook != nil {
		hook(id, updateBytes)
	}
	if d.poisoned.Load() {
		return ErrPoisoned
	}
	return nil
}

// StateVector returns the CRDT's current state vector, encoded.
func (d *DocState) StateVector() []byte {
	d.mu.Lock()
	sv := d.doc.StateVector()
	d.mu.Unlock()
	return crdt.EncodeStateVector(sv)
}

// DiffSince decodes a peer's state vector and returns the encoded update
// bringing that peer up to date with everything this DocState holds that
// the peer hasn't observed yet.
func (d *DocState) DiffSince(peerStateVector []byte) ([]byte, error) {
	sv, err := crdt.DecodeStateVector(peerStateVector)
	if err != nil {
		return nil, fmt.Errorf("docstate: decode state vector: %w", err)
	}
	d.mu.Lock()
	ops := d.doc.DiffSince(sv)
	d.mu.Unlock()
	return crdt.EncodeUpdate(ops), nil
}

// Snapshot returns every op the CRDT holds, for a full checkpoint write.
func (d *DocState) Snapshot() []byte {
	d.mu.Lock()
	ops := d.doc.Snapshot()
	d.mu.Unlock()
	return crdt.EncodeUpdate(ops)
}

// Len reports the number of distinct ops merged so far.
func (d *DocState) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Len()
}

// AwarenessUpdate records delta as client origin's current presence/cursor
// state and broadcasts it to every other subscriber. Awareness carries no
// cross-peer ordering guarantee and is never written to durable storage;
// it lives only in the bounded otter cache and disappears on disconnect or
// process restart.
func (d *DocState) AwarenessUpdate(delta []byte, origin uint64) {
	d.awareness.Set(origin, awarenessEntry{delta: delta, updatedAt: time.Now()})

	d.mu.Lock()
	subs := make([]Subscriber, 0, len(d.subs))
	for _, sub := range d.subs {
		if sub.PeerID() == origin {
			continue
		}
		subs = append(subs, sub)
	}
	d.mu.Unlock()

	for _, sub := range subs {
		sub.OnAwareness(delta, origin)
	}
}

// Subscribe registers sub to receive future update and awareness
// notifications and returns a Handle for Unsubscribe. Subscribing does not
// replay history: a subscriber attached after update U was merged must
// receive U via an explicit initial state transfer (the caller's
// handshake), not as an event from Subscribe itself.
func (d *DocState) Subscribe(sub Subscriber) Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextHandle++
	h := Handle(d.nextHandle)
	d.subs[h] = sub
	return h
}

// Unsubscribe removes a previously registered subscriber. Unsubscribing an
// unknown or already-removed handle is a no-op.
func (d *DocState) Unsubscribe(h Handle) {
	d.mu.Lock()
	delete(d.subs, h)
	d.mu.Unlock()
}

// SubscriberCount reports how many connections are currently attached.
// DocManager uses this (alongside the SyncKv dirty count) to decide whether
// a document is safe to evict.
func (d *DocState) SubscriberCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

// DropAwareness removes a client's awareness entry, called on disconnect so
// a departed peer's cursor doesn't linger in other clients' view.
func (d *DocState) DropAwareness(clientID uint64) {
	d.awareness.Delete(clientID)
}

// PruneStaleAwareness removes every awareness entry whose last update is
// older than maxAge, for peers that vanished without a clean disconnect
// (a dropped connection never calls DropAwareness). Returns the number of
// entries removed.
func (d *DocState) PruneStaleAwareness(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	var stale []uint64
	d.awareness.Range(func(clientID uint64, e awarenessEntry) bool {
		if e.updatedAt.Before(cutoff) {
			stale = append(stale, clientID)
		}
		return true
	})
	for _, clientID := range stale {
		d.awareness.Delete(clientID)
	}
	return len(stale)
}
