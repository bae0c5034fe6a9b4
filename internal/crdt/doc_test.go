package crdt

import (
	"bytes"
	"testing"
)

func TestDoc_ApplyIdempotent(t *testing.T) {
	d := NewDoc()
	op := Op{Replica: "a", Seq: 0, Payload: []byte("hello")}

	if changed := d.Apply(op); !changed {
		t.Fatal("first apply should report changed")
	}
	if changed := d.Apply(op); changed {
		t.Fatal("re-applying the same op should report no change")
	}
	if d.Len() != 1 {
		t.Fatalf("expected 1 op, got %d", d.Len())
	}
}

func TestDoc_StateVectorAndDiffSince(t *testing.T) {
	d := NewDoc()
	d.Apply(Op{Replica: "a", Seq: 0, Payload: []byte("1")})
	d.Apply(Op{Replica: "a", Seq: 1, Payload: []byte("2")})
	d.Apply(Op{Replica: "b", Seq: 0, Payload: []byte("3")})

	sv := d.StateVector()
	if sv["a"] != 2 {
		t.Fatalf("expected replica a at seq 2, got %d", sv["a"])
	}
	if sv["b"] != 1 {
		t.Fatalf("expected replica b at seq 1, got %d", sv["b"])
	}

	diff := d.DiffSince(map[string]uint64{"a": 1})
	if len(diff) != 2 {
		t.Fatalf("expected 2 missing ops, got %d", len(diff))
	}
	for _, op := range diff {
		if op.Replica == "a" && op.Seq != 1 {
			t.Fatalf("expected only a/1 from replica a, got a/%d", op.Seq)
		}
	}
}

func TestDoc_DiffSinceDeterministicOrder(t *testing.T) {
	d := NewDoc()
	d.Apply(Op{Replica: "z", Seq: 0})
	d.Apply(Op{Replica: "a", Seq: 1})
	d.Apply(Op{Replica: "a", Seq: 0})

	first := d.DiffSince(nil)
	second := d.DiffSince(nil)
	if len(first) != len(second) {
		t.Fatal("DiffSince should be deterministic across calls")
	}
	for i := range first {
		if first[i].Replica != second[i].Replica || first[i].Seq != second[i].Seq || !bytes.Equal(first[i].Payload, second[i].Payload) {
			t.Fatalf("order mismatch at %d: %+v vs %+v", i, first[i], second[i])
		}
	}
	if first[0].Replica != "a" || first[0].Seq != 0 {
		t.Fatalf("expected replica a seq 0 first, got %+v", first[0])
	}
}

func TestDoc_Snapshot(t *testing.T) {
	d := NewDoc()
	d.Apply(Op{Replica: "a", Seq: 0, Payload: []byte("x")})
	d.Apply(Op{Replica: "a", Seq: 1, Payload: []byte("y")})

	snap := d.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 ops in snapshot, got %d", len(snap))
	}
}
