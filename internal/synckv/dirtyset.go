package synckv

import "sync"

// DirtySet tracks keys that have been mutated since the last persist,
// mark-only, drain-to-snapshot, merge-back-on-failure. Generalized here to
// plain string keys rather than typed composite keys, since a document's
// SyncKv has exactly one flavor of entry.
type DirtySet struct {
	mu sync.Mutex
	m  map[string]struct{}
}

// NewDirtySet creates an empty DirtySet.
func NewDirtySet() *DirtySet {
	return &DirtySet{m: make(map[string]struct{})}
}

// Mark adds key to the dirty set.
func (d *DirtySet) Mark(key string) {
	d.mu.Lock()
	d.m[key] = struct{}{}
	d.mu.Unlock()
}

// Drain atomically swaps the internal map with a fresh one and returns the
// old map as a stable snapshot. Concurrent marks after Drain land in the
// new map, not the snapshot.
func (d *DirtySet) Drain() map[string]struct{} {
	d.mu.Lock()
	old := d.m
	d.m = make(map[string]struct{}, len(old)/2)
	d.mu.Unlock()
	return old
}

// Merge re-merges a previously drained snapshot back into the dirty set.
// Used on persist failure. Keys re-dirtied since the drain (i.e. already
// present in the live set) are left alone so a newer mutation isn't
// overwritten by a stale one.
func (d *DirtySet) Merge(old map[string]struct{}) {
	d.mu.Lock()
	for k := range old {
		d.m[k] = struct{}{}
	}
	d.mu.Unlock()
}

// Len returns the current number of dirty entries.
func (d *DirtySet) Len() int {
	d.mu.Lock()
	n := len(d.m)
	d.mu.Unlock()
	return n
}
