// Package synckv implements an in-memory image of one document's persisted
// entries, a dirty set tracking what has changed since the last flush, and
// Persist, which drains the dirty set and writes through a store.Store.
package synckv

import (
	"context"
	"fmt"
	"sync"

	"github.com/zeebo/xxh3"

	"github.com/inkdoc/docsync/internal/store"
)

// hashThreshold is the value size above which Put compares values by xxh3
// digest instead of a full byte comparison before deciding whether to mark
// a key dirty: writing the same value twice should not re-dirty it.
const hashThreshold = 256

// SyncKv is the durable KV view of one document's persisted entries.
type SyncKv struct {
	store  store.Store
	prefix string // e.g. "doc123/"

	mu      sync.RWMutex
	entries map[string][]byte

	dirty *DirtySet

	persistMu sync.Mutex // serializes concurrent Persist calls
	loaded    bool
}

// New creates a SyncKv bound to st under the given document prefix. Load
// must be called before Get/Put/Delete are meaningful.
func New(st store.Store, prefix string) *SyncKv {
	return &SyncKv{
		store:   st,
		prefix:  prefix,
		entries: make(map[string][]byte),
		dirty:   NewDirtySet(),
	}
}

// Load scans the Store for every key under this document's namespace and
// populates the in-memory image. It is a no-op (not an error) when the
// namespace holds nothing yet — a brand-new document. Load should be
// called at most once per DocState creation.
func (s *SyncKv) Load(ctx context.Context) error {
	lister, ok := s.store.(store.Lister)
	if !ok {
		s.mu.Lock()
		s.loaded = true
		s.mu.Unlock()
		return nil
	}
	keys, err := lister.List(ctx, s.prefix)
	if err != nil {
		return fmt.Errorf("synckv: load: %w", err)
	}

	entries := make(map[string][]byte, len(keys))
	for _, fullKey := range keys {
		val, err := s.store.Get(ctx, fullKey)
		if err != nil {
			return fmt.Errorf("synckv: load %s: %w", fullKey, err)
		}
		if val == nil {
			continue
		}
		entries[trimPrefix(fullKey, s.prefix)] = val
	}

	s.mu.Lock()
	s.entries = entries
	s.loaded = true
	s.mu.Unlock()
	return nil
}

func trimPrefix(key, prefix string) string {
	if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
		return key[len(prefix):]
	}
	return key
}

// Get returns the in-memory value for key, or nil if absent.
func (s *SyncKv) Get(key string) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := s.entries[key]
	if v == nil {
		return nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp
}

// Put sets key to value in memory and marks it dirty, unless value equals
// the current value.
func (s *SyncKv) Put(key string, value []byte) {
	s.mu.Lock()
	if sameValue(s.entries[key], value) {
		s.mu.Unlock()
		return
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	s.entries[key] = cp
	s.mu.Unlock()
	s.dirty.Mark(key)
}

// Delete removes key from memory and marks it dirty.
func (s *SyncKv) Delete(key string) {
	s.mu.Lock()
	_, existed := s.entries[key]
	delete(s.entries, key)
	s.mu.Unlock()
	if existed {
		s.dirty.Mark(key)
	}
}

func sameValue(old, new []byte) bool {
	if old == nil {
		return false
	}
	if len(old) != len(new) {
		return false
	}
	if len(old) < hashThreshold {
		for i := range old {
			if old[i] != new[i] {
				return false
			}
		}
		return true
	}
	return xxh3.Hash(old) == xxh3.Hash(new)
}

// Entries returns a copy of every key/value currently held in memory, for
// callers that need to enumerate a document's full persisted state (e.g.
// replaying every update key during hydration).
func (s *SyncKv) Entries() map[string][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte, len(s.entries))
	for k, v := range s.entries {
		cp := make([]byte, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// DirtyCount returns the number of entries currently marked dirty.
func (s *SyncKv) DirtyCount() int {
	return s.dirty.Len()
}

// Persist atomically snapshots the dirty set, clears it, and writes each
// snapshotted entry through the Store. A Transient failure re-dirties the
// offending key, the remaining keys are still attempted, and the whole call
// returns a Transient error; a Permanent failure aborts immediately,
// re-dirties whatever wasn't written, and propagates. Concurrent Persist
// calls on the same SyncKv are serialized.
func (s *SyncKv) Persist(ctx context.Context) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	snapshot := s.dirty.Drain()
	if len(snapshot) == 0 {
		return nil
	}

	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}

	var transientErr error
	for i, key := range keys {
		s.mu.RLock()
		val, present := s.entries[key]
		s.mu.RUnlock()

		fullKey := s.prefix + key
		var err error
		if present {
			err = s.store.Set(ctx, fullKey, val)
		} else {
			err = s.store.Remove(ctx, fullKey)
		}

		if err == nil {
			continue
		}

		if store.IsPermanent(err) {
			// Abort: re-dirty this key and everything not yet attempted.
			remaining := map[string]struct{}{key: {}}
			for _, k := range keys[i+1:] {
				remaining[k] = struct{}{}
			}
			s.dirty.Merge(remaining)
			return fmt.Errorf("synckv: persist %s: %w", key, err)
		}

		// Transient (or unclassified): re-dirty and keep going so one
		// slow key doesn't block the rest of the batch.
		s.dirty.Mark(key)
		if transientErr == nil {
			transientErr = fmt.Errorf("synckv: persist %s: %w", key, err)
		}
	}

	return transientErr
}
