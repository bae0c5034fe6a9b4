// Package crdt provides the minimal update-log CRDT algebra the sync
// engine merges client edits through, standing in for an embedded CRDT
// library (e.g. Yjs): updates are commutative, associative, and idempotent
// under merge, and a state vector summarizes what a replica has already
// observed.
//
// This is intentionally not a text/array CRDT implementation — it models
// exactly those algebraic properties so the rest of the engine (DocState,
// SyncKv, DocConnection) can be built and tested against real merge
// semantics without depending on an external CRDT runtime.
package crdt

import (
	"sort"
)

// Op is one applied update: the replica that produced it, that replica's
// local sequence number, and the opaque payload. (replica, seq) uniquely
// identifies an Op; re-applying one already present in the Doc is a no-op.
type Op struct {
	Replica string
	Seq     uint64
	Payload []byte
}

// Doc is the merged CRDT state: the set of all Ops ever applied, keyed by
// (replica, seq) so merges are idempotent.
type Doc struct {
	ops map[string]map[uint64]Op
}

// NewDoc returns an empty Doc.
func NewDoc() *Doc {
	return &Doc{ops: make(map[string]map[uint64]Op)}
}

// Apply merges op into the document. It returns false if op was already
// present (the merge was a no-op): applying the same update twice yields
// the same state and no second notification.
func (d *Doc) Apply(op Op) bool {
	byReplica, ok := d.ops[op.Replica]
	if !ok {
		byReplica = make(map[uint64]Op)
		d.ops[op.Replica] = byReplica
	}
	if _, exists := byReplica[op.Seq]; exists {
		return false
	}
	byReplica[op.Seq] = op
	return true
}

// StateVector returns, for every replica this Doc has observed, the length
// of its contiguous-from-zero run of sequence numbers (i.e. the replica's
// logical clock: the next seq not yet held). Gaps are not assumed filled: a
// replica's vector entry is the count of Ops from seq 0 upward with no hole,
// which is sufficient for DiffSince over a well-behaved client (each
// client's own seqs are dense).
func (d *Doc) StateVector() map[string]uint64 {
	sv := make(map[string]uint64, len(d.ops))
	for replica, seqs := range d.ops {
		var n uint64
		for {
			if _, ok := seqs[n]; !ok {
				break
			}
			n++
		}
		sv[replica] = n
	}
	return sv
}

// DiffSince returns every Op this Doc holds that the given state vector
// does not yet reflect, ordered deterministically (replica, then seq) so
// repeated calls with the same inputs produce byte-identical output.
func (d *Doc) DiffSince(sv map[string]uint64) []Op {
	var out []Op
	for replica, seqs := range d.ops {
		have := sv[replica]
		for seq, op := range seqs {
			if seq >= have {
				out = append(out, op)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Replica != out[j].Replica {
			return out[i].Replica < out[j].Replica
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// Len returns the total number of distinct Ops merged into the Doc.
func (d *Doc) Len() int {
	n := 0
	for _, seqs := range d.ops {
		n += len(seqs)
	}
	return n
}

// Snapshot returns every Op in the Doc, in the same deterministic order as
// DiffSince with an empty state vector. Used by DocManager to serialize a
// full checkpoint.
func (d *Doc) Snapshot() []Op {
	return d.DiffSince(nil)
}
