package docmanager

import (
	"context"
	"testing"
	"time"

	"github.com/inkdoc/docsync/internal/crdt"
	"github.com/inkdoc/docsync/internal/docconn"
	"github.com/inkdoc/docsync/internal/store"
)

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func testConfig(backing store.Store) Config {
	return Config{
		Store:              backing,
		CheckpointInterval: 20 * time.Millisecond,
		EvictionGrace:      5 * time.Second,
		JanitorSchedule:    "@every 1h",
	}
}

func encodedUpdate(replica string, seq uint64, payload string) []byte {
	return crdt.EncodeUpdate([]crdt.Op{{Replica: replica, Seq: seq, Payload: []byte(payload)}})
}

func poll(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestManager_GetOrCreateHydratesFromCheckpoint(t *testing.T) {
	backing := store.NewMemoryStore()
	ctx := context.Background()
	_ = backing.Set(ctx, "doc1/data.bin", encodedUpdate("r1", 0, "hello"))

	mgr := New(testConfig(backing))
	defer mgr.Close()

	ds, err := mgr.GetOrCreate(ctx, "doc1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if ds.Len() != 1 {
		t.Fatalf("expected the checkpointed op to be replayed, got Len()=%d", ds.Len())
	}
}

func TestManager_GetOrCreateReplaysCheckpointAndLeftoverUpdates(t *testing.T) {
	backing := store.NewMemoryStore()
	ctx := context.Background()
	_ = backing.Set(ctx, "doc1/data.bin", encodedUpdate("r1", 0, "a"))
	_ = backing.Set(ctx, "doc1/updates/00000000000000000001", encodedUpdate("r1", 1, "b"))

	mgr := New(testConfig(backing))
	defer mgr.Close()

	ds, err := mgr.GetOrCreate(ctx, "doc1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if ds.Len() != 2 {
		t.Fatalf("expected both the checkpoint and the leftover update replayed, got Len()=%d", ds.Len())
	}
}

func TestManager_GetOrCreateReturnsSameStateOnSecondCall(t *testing.T) {
	backing := store.NewMemoryStore()
	mgr := New(testConfig(backing))
	defer mgr.Close()
	ctx := context.Background()

	a, err := mgr.GetOrCreate(ctx, "doc1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	b, err := mgr.GetOrCreate(ctx, "doc1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if a != b {
		t.Fatal("expected the same DocState instance for the same docID")
	}
}

func TestManager_OnChangeDebouncesThenPersistsCheckpoint(t *testing.T) {
	backing := store.NewMemoryStore()
	mgr := New(testConfig(backing))
	defer mgr.Close()
	ctx := context.Background()

	ds, err := mgr.GetOrCreate(ctx, "doc1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	if err := ds.ApplyUpdate(encodedUpdate("r1", 0, "hello"), 1); err != nil {
		t.Fatalf("ApplyUpdate failed: %v", err)
	}

	poll(t, time.Second, func() bool {
		v, _ := backing.Get(ctx, "doc1/data.bin")
		return v != nil
	})
}

func TestManager_DetachEvictsAfterGraceWhenClean(t *testing.T) {
	backing := store.NewMemoryStore()
	cfg := testConfig(backing)
	mgr := New(cfg)
	// New replaces a grace period below 5s with the 10s default, so shorten
	// it on the constructed manager to keep the test fast.
	mgr.cfg.EvictionGrace = 20 * time.Millisecond
	defer mgr.Close()
	ctx := context.Background()

	_, err := mgr.GetOrCreate(ctx, "doc1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	mgr.Detach("doc1")

	poll(t, time.Second, func() bool {
		_, ok := mgr.entries.Load("doc1")
		return !ok
	})
}

func TestManager_DetachDoesNotEvictWhileDirty(t *testing.T) {
	backing := store.NewMemoryStore()
	cfg := testConfig(backing)
	cfg.CheckpointInterval = time.Hour // never fires during this test
	mgr := New(cfg)
	// New replaces a grace period below 5s with the 10s default; shorten it
	// afterwards so an unsafe eviction would happen within the sleep below.
	mgr.cfg.EvictionGrace = 20 * time.Millisecond
	defer mgr.Close()
	ctx := context.Background()

	ds, err := mgr.GetOrCreate(ctx, "doc1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	_ = ds.ApplyUpdate(encodedUpdate("r1", 0, "hello"), 1)
	mgr.Detach("doc1")

	time.Sleep(100 * time.Millisecond)
	if _, ok := mgr.entries.Load("doc1"); !ok {
		t.Fatal("expected a dirty document to survive eviction until persisted")
	}
}

func TestManager_AttachWiresAConnection(t *testing.T) {
	backing := store.NewMemoryStore()
	mgr := New(testConfig(backing))
	defer mgr.Close()

	conn, err := mgr.Attach(context.Background(), "doc1", nopWriter{})
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if conn.Phase() != docconn.AwaitingPeerSV {
		t.Fatalf("expected a freshly attached connection in AwaitingPeerSV, got %s", conn.Phase())
	}
}

func TestManager_AttachRefusesPoisonedDoc(t *testing.T) {
	backing := store.NewMemoryStore()
	mgr := New(testConfig(backing))
	defer mgr.Close()
	ctx := context.Background()

	ds, err := mgr.GetOrCreate(ctx, "doc1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	ds.Poison()

	if _, err := mgr.Attach(ctx, "doc1", nopWriter{}); err == nil {
		t.Fatal("expected Attach to refuse a poisoned document")
	}
}

func TestManager_DrainPersistsDirtyDocuments(t *testing.T) {
	backing := store.NewMemoryStore()
	cfg := testConfig(backing)
	cfg.CheckpointInterval = time.Hour
	mgr := New(cfg)
	defer mgr.Close()
	ctx := context.Background()

	ds, err := mgr.GetOrCreate(ctx, "doc1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	_ = ds.ApplyUpdate(encodedUpdate("r1", 0, "hello"), 1)

	if err := mgr.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	v, _ := backing.Get(ctx, "doc1/updates/00000000000000000001")
	if v == nil {
		t.Fatal("expected Drain to persist the document's pending incremental update")
	}
}
