// Package docconn implements one client session attached to a DocState:
// the sync handshake state machine, frame decoding, and the outbound
// channel + dedicated writer goroutine that keeps peer writes off the
// DocState's critical section.
package docconn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"

	"github.com/inkdoc/docsync/internal/docstate"
	"github.com/inkdoc/docsync/internal/wire"
)

// Phase is a DocConnection's position in the sync handshake.
type Phase int

const (
	Init Phase = iota
	AwaitingPeerSV
	Syncing
	Steady
	Closed
)

func (p Phase) String() string {
	switch p {
	case Init:
		return "init"
	case AwaitingPeerSV:
		return "awaiting_peer_sv"
	case Syncing:
		return "syncing"
	case Steady:
		return "steady"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseCode mirrors the codes a transport sends on the wire when it tears
// down a connection.
type CloseCode int

const (
	CloseNormal   CloseCode = 1000
	CloseProtocol CloseCode = 1002
	CloseServer   CloseCode = 1011
)

// ProtocolError is returned when a peer sends a frame that can't be
// honored in the connection's current phase, or a frame wire.ReadFrame
// rejected outright. The caller must close the connection with
// CloseProtocol.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "docconn: protocol error: " + e.Reason }

var nextNumericPeerID uint64

// allocPeerID hands out a process-unique numeric id, used by DocState to
// suppress echoing an update back to the connection that produced it.
func allocPeerID() uint64 {
	return atomic.AddUint64(&nextNumericPeerID, 1)
}

// outboundQueueSize bounds how many frames can be buffered for a slow
// peer before the writer goroutine is considered stuck; enqueue blocks past
// this point rather than growing without limit, applying natural
// backpressure to whichever goroutine is producing updates fastest.
const outboundQueueSize = 256

// Connection is one client session attached to a DocState.
type Connection struct {
	docID     string
	peerID    uint64
	sessionID uuid.UUID
	doc       *docstate.DocState

	mu        sync.Mutex
	phase     Phase
	closeCode CloseCode

	out chan wire.Frame

	sub docstate.Handle

	lastUpdateHash  uint64
	haveLastUpdate  bool
	closeOnce       sync.Once
	unsubscribeOnce sync.Once
	closedCh        chan struct{}
}

// Writer is the minimal peer-sink contract docconn needs: a place to write
// encoded frames. A write error ends the session.
type Writer interface {
	Write(p []byte) (int, error)
}

// New creates a Connection in phase Init, attached to doc but not yet
// subscribed. Call Attach to subscribe and send the initial SyncStep1, then
// ReadLoop to drive the rest of the handshake.
func New(docID string, doc *docstate.DocState, w Writer) *Connection {
	c := &Connection{
		docID:     docID,
		peerID:    allocPeerID(),
		sessionID: uuid.New(),
		doc:       doc,
		phase:     Init,
		out:       make(chan wire.Frame, outboundQueueSize),
		closedCh:  make(chan struct{}),
	}
	go c.writeLoop(w)
	return c
}

// PeerID implements docstate.Subscriber.
func (c *Connection) PeerID() uint64 { return c.peerID }

// SessionID is a log-correlation id distinct from the numeric PeerID,
// useful for tying together request-log rows across a session's lifetime.
func (c *Connection) SessionID() uuid.UUID { return c.sessionID }

// Phase returns the connection's current handshake phase.
func (c *Connection) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// CloseCode returns the code Close was called with, valid once Phase is
// Closed. The transport layer reads this after ReadLoop returns to pick the
// status it actually sends the peer, instead of always closing normally.
func (c *Connection) CloseCode() CloseCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

// Attach subscribes the connection to its DocState and sends the initial
// SyncStep1 frame with the server's current state vector. Must be called
// once, from Init.
func (c *Connection) Attach() error {
	c.mu.Lock()
	if c.phase != Init {
		c.mu.Unlock()
		return fmt.Errorf("docconn: Attach called from phase %s", c.phase)
	}
	c.phase = AwaitingPeerSV
	c.mu.Unlock()

	c.sub = c.doc.Subscribe(c)
	return c.enqueue(wire.Frame{Type: wire.SyncStep1, Payload: c.doc.StateVector()})
}

// HandleFrame advances the handshake or applies a mutation in response to
// one inbound frame from the peer. Unknown frame types are logged and
// ignored, not treated as protocol errors.
func (c *Connection) HandleFrame(f wire.Frame) error {
	switch f.Type {
	case wire.SyncStep1:
		return c.handleSyncStep1(f.Payload)
	case wire.SyncStep2:
		return c.handleSyncStep2(f.Payload)
	case wire.Update:
		return c.handleUpdate(f.Payload)
	case wire.AwarenessUpdate:
		c.doc.AwarenessUpdate(f.Payload, c.peerID)
		return nil
	case wire.Query:
		return c.enqueue(wire.Frame{Type: wire.SyncStep1, Payload: c.doc.StateVector()})
	default:
		log.Printf("[docconn] doc=%s peer=%d ignoring unknown frame type 0x%02x", c.docID, c.peerID, byte(f.Type))
		return nil
	}
}

func (c *Connection) handleSyncStep1(peerStateVector []byte) error {
	c.mu.Lock()
	phase := c.phase
	c.mu.Unlock()
	if phase != AwaitingPeerSV && phase != Steady {
		return &ProtocolError{Reason: fmt.Sprintf("unexpected SyncStep1 in phase %s", phase)}
	}

	diff, err := c.doc.DiffSince(peerStateVector)
	if err != nil {
		return &ProtocolError{Reason: err.Error()}
	}

	if phase == AwaitingPeerSV {
		c.mu.Lock()
		c.phase = Syncing
		c.mu.Unlock()
	}
	return c.enqueue(wire.Frame{Type: wire.SyncStep2, Payload: diff})
}

func (c *Connection) handleSyncStep2(updateBytes []byte) error {
	c.mu.Lock()
	phase := c.phase
	c.mu.Unlock()
	if phase != Syncing {
		return &ProtocolError{Reason: fmt.Sprintf("unexpected SyncStep2 in phase %s", phase)}
	}

	if err := c.applyAndDedupe(updateBytes); err != nil {
		return &ProtocolError{Reason: err.Error()}
	}

	c.mu.Lock()
	c.phase = Steady
	c.mu.Unlock()
	return nil
}

func (c *Connection) handleUpdate(updateBytes []byte) error {
	c.mu.Lock()
	phase := c.phase
	c.mu.Unlock()
	if phase != Steady && phase != Syncing {
		return &ProtocolError{Reason: fmt.Sprintf("unexpected Update in phase %s", phase)}
	}
	if err := c.applyAndDedupe(updateBytes); err != nil {
		return &ProtocolError{Reason: err.Error()}
	}
	return nil
}

// applyAndDedupe skips re-merging a payload byte-identical to the last one
// this connection sent, a cheap guard against flaky clients that resend
// the same Update frame after a missed ack.
func (c *Connection) applyAndDedupe(updateBytes []byte) error {
	h := xxh3.Hash(updateBytes)
	c.mu.Lock()
	dup := c.haveLastUpdate && c.lastUpdateHash == h
	c.lastUpdateHash = h
	c.haveLastUpdate = true
	c.mu.Unlock()
	if dup {
		return nil
	}

	err := c.doc.ApplyUpdate(updateBytes, c.peerID)
	if err != nil {
		if errors.Is(err, docstate.ErrCorruptUpdate) {
			// Not a protocol violation: drop the one bad frame and keep the
			// connection up, per the CRDT-merge error kind's local recovery.
			log.Printf("[docconn] doc=%s peer=%d dropping corrupt update: %v", c.docID, c.peerID, err)
			return nil
		}
		if !errors.Is(err, docstate.ErrPoisoned) {
			return err
		}
	}
	return nil
}

// OnUpdate implements docstate.Subscriber: deliver a merged update to this
// connection's outbound queue.
func (c *Connection) OnUpdate(update []byte, _ uint64) {
	if err := c.enqueue(wire.Frame{Type: wire.Update, Payload: update}); err != nil {
		log.Printf("[docconn] doc=%s peer=%d dropping update, outbound closed: %v", c.docID, c.peerID, err)
	}
}

// OnAwareness implements docstate.Subscriber.
func (c *Connection) OnAwareness(delta []byte, _ uint64) {
	if err := c.enqueue(wire.Frame{Type: wire.AwarenessUpdate, Payload: delta}); err != nil {
		log.Printf("[docconn] doc=%s peer=%d dropping awareness, outbound closed: %v", c.docID, c.peerID, err)
	}
}

func (c *Connection) enqueue(f wire.Frame) error {
	select {
	case c.out <- f:
		return nil
	case <-c.closedCh:
		return errors.New("docconn: connection closed")
	}
}

// writeLoop is the single dedicated writer: it drains c.out in order and
// writes each frame to w, preserving FIFO order relative to Subscribe
// notifications without holding the DocState's lock during I/O. A write
// error transitions the connection to Closed and unsubscribes.
func (c *Connection) writeLoop(w Writer) {
	for {
		select {
		case f, ok := <-c.out:
			if !ok {
				return
			}
			if _, err := w.Write(wire.Encode(f)); err != nil {
				c.Close(CloseServer)
				return
			}
		case <-c.closedCh:
			// Drain remaining buffered frames best-effort is not required:
			// the peer is gone.
			return
		}
	}
}

// Close transitions the connection to Closed, unsubscribes it from the
// DocState, and stops the writer goroutine. Idempotent: only the first call
// sets the recorded CloseCode, since it names why the connection actually
// ended.
func (c *Connection) Close(code CloseCode) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.phase = Closed
		c.closeCode = code
		c.mu.Unlock()
		close(c.closedCh)
	})
	c.unsubscribeOnce.Do(func() {
		c.doc.Unsubscribe(c.sub)
		c.doc.DropAwareness(c.peerID)
	})
}

// ReadLoop reads frames from r until the peer disconnects or sends a
// malformed/out-of-phase frame, dispatching each to HandleFrame. It always
// unsubscribes and closes on return, including on cancellation of ctx.
func (c *Connection) ReadLoop(ctx context.Context, r FrameReader) error {
	defer c.Close(CloseNormal)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		f, err := r.ReadFrame()
		if err != nil {
			return err
		}
		if err := c.HandleFrame(f); err != nil {
			var pe *ProtocolError
			if errors.As(err, &pe) {
				c.Close(CloseProtocol)
				return pe
			}
			return err
		}
	}
}

// FrameReader reads one frame at a time from a peer stream, e.g. a
// wire.ReadFrame closure bound to the connection's reader.
type FrameReader interface {
	ReadFrame() (wire.Frame, error)
}
