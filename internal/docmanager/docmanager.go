// Package docmanager implements the document registry: lazy hydration from
// a Store, a single-flight creation lock so concurrent first-access callers
// share one construction, debounced alarm-driven checkpointing, and
// reference-counted eviction with a grace period.
package docmanager

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/inkdoc/docsync/internal/crdt"
	"github.com/inkdoc/docsync/internal/docconn"
	"github.com/inkdoc/docsync/internal/docstate"
	"github.com/inkdoc/docsync/internal/scanloop"
	"github.com/inkdoc/docsync/internal/store"
	"github.com/inkdoc/docsync/internal/synckv"
)

// awarenessPruneInterval and awarenessMaxAge bound how long a peer's
// presence/cursor entry survives after its connection drops without
// calling DropAwareness (e.g. a dropped TCP connection).
const (
	awarenessPruneInterval = 30 * time.Second
	awarenessPruneJitter   = 10 * time.Second
	awarenessMaxAge        = 60 * time.Second
)

// DataKey is the store key holding a document's full checkpoint.
const DataKey = "data.bin"

// UpdatesPrefix namespaces the incremental update keys appended between
// checkpoints. Retained until the next full checkpoint write, at which
// point they're removed in the same Persist call that wrote the new
// checkpoint.
const UpdatesPrefix = "updates/"

// Config configures a Manager.
type Config struct {
	Store Store

	// CheckpointInterval is the debounce window between a document's first
	// dirty mutation and its next persist. Must be >= 1s; defaults to 10s.
	CheckpointInterval time.Duration

	// EvictionGrace is how long an entry with zero subscribers and a clean
	// dirty set is kept before being removed from the registry. Must be
	// >= 5s; defaults to 10s.
	EvictionGrace time.Duration

	// JanitorSchedule is a cron expression for the stale-checkpoint
	// backstop sweep. Defaults to every minute.
	JanitorSchedule string

	// StaleAfter bounds how long a document may sit dirty without a
	// successful persist before the janitor force-flushes it, a backstop
	// under the per-document debounce alarm for timers that were lost
	// (e.g. a missed AfterFunc due to process suspension). Defaults to
	// 5x CheckpointInterval.
	StaleAfter time.Duration
}

// Store is the store.Store contract a Manager needs; kept as its own
// interface so tests can inject a fake without importing the whole store
// package surface. A backend that also implements store.Lister lets
// hydration enumerate a document's persisted keys.
type Store interface {
	store.Store
}

type docEntry struct {
	state *docstate.DocState
	kv    *synckv.SyncKv

	mu            sync.Mutex
	refCount      int
	dirtySince    time.Time
	alarmPending  bool
	lastPersist   time.Time
	evictionTimer *time.Timer

	updateSeq         uint64
	pendingUpdateKeys []string
}

// Manager is the document registry: doc_id -> *docEntry.
type Manager struct {
	cfg   Config
	store store.Store

	entries *xsync.Map[string, *docEntry]
	create  singleflight.Group

	cron   *cron.Cron
	closed chan struct{}
}

// New constructs a Manager and starts its background janitor.
func New(cfg Config) *Manager {
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 10 * time.Second
	}
	if cfg.EvictionGrace < 5*time.Second {
		cfg.EvictionGrace = 10 * time.Second
	}
	if cfg.JanitorSchedule == "" {
		cfg.JanitorSchedule = "@every 1m"
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * cfg.CheckpointInterval
	}

	m := &Manager{
		cfg:     cfg,
		store:   cfg.Store,
		entries: xsync.NewMap[string, *docEntry](),
		cron:    cron.New(),
		closed:  make(chan struct{}),
	}

	if _, err := m.cron.AddFunc(cfg.JanitorSchedule, m.sweepStale); err != nil {
		log.Printf("[docmanager] invalid janitor schedule %q: %v", cfg.JanitorSchedule, err)
	}
	m.cron.Start()
	go scanloop.Run(m.closed, awarenessPruneInterval, awarenessPruneJitter, m.pruneAwareness)
	return m
}

// Close stops the janitor and the awareness pruning loop. It does not flush
// or evict any document; callers that want a clean shutdown should call
// Drain first.
func (m *Manager) Close() {
	select {
	case <-m.closed:
		return
	default:
		close(m.closed)
	}
	<-m.cron.Stop().Done()
}

// pruneAwareness sweeps every registered document for awareness entries
// belonging to peers that went silent without a clean disconnect.
func (m *Manager) pruneAwareness() {
	m.entries.Range(func(docID string, e *docEntry) bool {
		if n := e.state.PruneStaleAwareness(awarenessMaxAge); n > 0 {
			log.Printf("[docmanager] doc=%s pruned %d stale awareness entries", docID, n)
		}
		return true
	})
}

// GetOrCreate returns the DocState for docID, constructing and hydrating it
// from the Store on first access. Concurrent first-access callers for the
// same docID share one construction via a singleflight.Group, per the
// registry's single-writer invariant.
func (m *Manager) GetOrCreate(ctx context.Context, docID string) (*docstate.DocState, error) {
	if e, ok := m.entries.Load(docID); ok {
		e.mu.Lock()
		e.refCount++
		cancelEviction(e)
		e.mu.Unlock()
		return e.state, nil
	}

	v, err, _ := m.create.Do(docID, func() (any, error) {
		if e, ok := m.entries.Load(docID); ok {
			return e, nil
		}
		e, err := m.hydrate(ctx, docID)
		if err != nil {
			return nil, err
		}
		m.entries.Store(docID, e)
		return e, nil
	})
	if err != nil {
		return nil, err
	}

	e := v.(*docEntry)
	e.mu.Lock()
	e.refCount++
	cancelEviction(e)
	e.mu.Unlock()
	return e.state, nil
}

// hydrate loads every persisted entry under docID's namespace and replays
// each as a CRDT update: the full checkpoint at data.bin (if present) and
// any updates/<seq> entries written since the last consolidated checkpoint
// (a process can crash between an incremental write and the next alarm
// firing, so recovery must not assume data.bin alone is current). The
// highest observed seq carries forward so newly appended keys don't
// collide with ones already on disk.
func (m *Manager) hydrate(ctx context.Context, docID string) (*docEntry, error) {
	kv := synckv.New(m.store, docID+"/")
	if err := kv.Load(ctx); err != nil {
		return nil, fmt.Errorf("docmanager: hydrate %s: load: %w", docID, err)
	}

	ds := docstate.New(docID)
	var ops []crdt.Op
	var maxSeq uint64
	for key, val := range kv.Entries() {
		switch {
		case key == DataKey:
		case strings.HasPrefix(key, UpdatesPrefix):
			if seq, err := strconv.ParseUint(strings.TrimPrefix(key, UpdatesPrefix), 10, 64); err == nil && seq > maxSeq {
				maxSeq = seq
			}
		default:
			continue
		}
		decoded, err := crdt.DecodeUpdate(val)
		if err != nil {
			log.Printf("[docmanager] doc=%s corrupt entry %s, skipping: %v", docID, key, err)
			continue
		}
		ops = append(ops, decoded...)
	}
	ds.Bootstrap(ops)

	e := &docEntry{state: ds, kv: kv, updateSeq: maxSeq}
	ds.OnChange(func(id string, update []byte) {
		m.onChange(id, update, e)
	})
	return e, nil
}

// onChange is the DocState hook: append the merged update as a new
// incremental entry and schedule the debounced persist alarm if one isn't
// already pending. The incremental key is cheap to write (it only touches
// the in-memory SyncKv image and its dirty set); the expensive Store write
// happens once, when the alarm fires.
func (m *Manager) onChange(docID string, update []byte, e *docEntry) {
	e.mu.Lock()
	e.updateSeq++
	key := fmt.Sprintf("%s%020d", UpdatesPrefix, e.updateSeq)
	e.pendingUpdateKeys = append(e.pendingUpdateKeys, key)
	if e.dirtySince.IsZero() {
		e.dirtySince = time.Now()
	}
	alreadyPending := e.alarmPending
	if !alreadyPending {
		e.alarmPending = true
	}
	e.mu.Unlock()

	e.kv.Put(key, update)

	if alreadyPending {
		return
	}
	time.AfterFunc(m.cfg.CheckpointInterval, func() {
		m.fireAlarm(docID, e)
	})
}

// fireAlarm persists the document's dirty entries. Before the actual Store
// write it consolidates every incremental update accumulated since the
// last checkpoint into a fresh data.bin snapshot and marks the consumed
// incremental keys for deletion, so the persist that follows writes the new
// checkpoint and prunes the superseded keys in one call. If mutations
// arrived while the persist was in flight (or the persist itself failed
// transiently and re-dirtied entries), it re-arms a follow-up alarm so
// exactly one alarm is ever pending per document.
func (m *Manager) fireAlarm(docID string, e *docEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	e.mu.Lock()
	consumed := e.pendingUpdateKeys
	e.pendingUpdateKeys = nil
	e.mu.Unlock()

	if len(consumed) > 0 {
		e.kv.Put(DataKey, e.state.Snapshot())
		for _, k := range consumed {
			e.kv.Delete(k)
		}
	}

	err := e.kv.Persist(ctx)

	e.mu.Lock()
	e.alarmPending = false
	if err == nil {
		e.dirtySince = time.Time{}
		e.lastPersist = time.Now()
	}
	stillDirty := e.kv.DirtyCount() > 0
	e.mu.Unlock()

	if err != nil {
		if store.IsPermanent(err) {
			log.Printf("[docmanager] doc=%s permanent store failure, poisoning: %v", docID, err)
			e.state.Poison()
		} else {
			log.Printf("[docmanager] doc=%s persist failed, will retry on the follow-up alarm: %v", docID, err)
		}
	}

	if stillDirty {
		e.mu.Lock()
		if e.dirtySince.IsZero() {
			e.dirtySince = time.Now()
		}
		e.alarmPending = true
		e.mu.Unlock()
		time.AfterFunc(m.cfg.CheckpointInterval, func() {
			m.fireAlarm(docID, e)
		})
	} else {
		m.maybeEvict(docID, e)
	}
}

// Detach decrements the reference count for docID, arranging eviction once
// the document has no subscribers and nothing dirty.
func (m *Manager) Detach(docID string) {
	e, ok := m.entries.Load(docID)
	if !ok {
		return
	}
	e.mu.Lock()
	if e.refCount > 0 {
		e.refCount--
	}
	e.mu.Unlock()
	m.maybeEvict(docID, e)
}

// maybeEvict schedules removal of docID from the registry once ref_count
// and the dirty set are both zero, after the configured grace period.
// Eviction is deferred (not scheduled at all) while either is non-zero.
func (m *Manager) maybeEvict(docID string, e *docEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.refCount > 0 || e.kv.DirtyCount() > 0 || e.state.SubscriberCount() > 0 {
		cancelEviction(e)
		return
	}
	if e.evictionTimer != nil {
		return
	}
	e.evictionTimer = time.AfterFunc(m.cfg.EvictionGrace, func() {
		m.evict(docID, e)
	})
}

func cancelEviction(e *docEntry) {
	if e.evictionTimer != nil {
		e.evictionTimer.Stop()
		e.evictionTimer = nil
	}
}

func (m *Manager) evict(docID string, e *docEntry) {
	e.mu.Lock()
	safe := e.refCount == 0 && e.kv.DirtyCount() == 0 && e.state.SubscriberCount() == 0
	e.evictionTimer = nil
	e.mu.Unlock()
	if !safe {
		return
	}
	m.entries.Delete(docID)
	log.Printf("[docmanager] evicted doc=%s", docID)
}

// sweepStale is the cron-driven backstop: any document whose dirty set has
// been outstanding longer than StaleAfter gets an immediate force-flush,
// covering the case where a per-document timer was somehow lost.
func (m *Manager) sweepStale() {
	now := time.Now()
	m.entries.Range(func(docID string, e *docEntry) bool {
		e.mu.Lock()
		stale := !e.dirtySince.IsZero() && now.Sub(e.dirtySince) > m.cfg.StaleAfter && !e.alarmPending
		if stale {
			e.alarmPending = true
		}
		e.mu.Unlock()

		if stale {
			log.Printf("[docmanager] doc=%s stale dirty set, forcing checkpoint", docID)
			go m.fireAlarm(docID, e)
		}
		return true
	})
}

// Attach obtains the DocState for docID via GetOrCreate, wraps it in a new
// docconn.Connection, subscribes it, and sends the initial handshake frame.
// The caller is responsible for running the connection's read loop and
// calling Detach when the session ends.
func (m *Manager) Attach(ctx context.Context, docID string, w docconn.Writer) (*docconn.Connection, error) {
	ds, err := m.GetOrCreate(ctx, docID)
	if err != nil {
		return nil, err
	}
	if ds.Poisoned() {
		m.Detach(docID)
		return nil, fmt.Errorf("docmanager: doc %s is poisoned", docID)
	}
	conn := docconn.New(docID, ds, w)
	if err := conn.Attach(); err != nil {
		m.Detach(docID)
		return nil, err
	}
	return conn, nil
}

// Drain forces a synchronous persist of every document currently in the
// registry, for graceful shutdown.
func (m *Manager) Drain(ctx context.Context) error {
	var firstErr error
	m.entries.Range(func(docID string, e *docEntry) bool {
		if err := e.kv.Persist(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("docmanager: drain %s: %w", docID, err)
		}
		return true
	})
	return firstErr
}
