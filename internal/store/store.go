// Package store implements the byte-blob key/value backend the sync engine
// persists documents through: the minimal Get/Set/Remove/Exists contract,
// a filesystem backend, an S3-compatible backend, an in-memory test double,
// and a retry decorator for transient failures.
package store

import "context"

// MaxKeyBytes is the contract's key-length ceiling.
const MaxKeyBytes = 1024

// Store is the capability set every persistence backend implements.
// Keys are UTF-8 strings no longer than MaxKeyBytes. Values are arbitrary
// bytes; callers should keep them under a few MiB, but the contract itself
// imposes no ceiling.
//
// Every method returns a *Error on failure so callers can branch on Kind.
// Get and Exists never return a KindNotFound error: a missing key is
// (nil, nil) from Get and (false, nil) from Exists.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Lister is an optional capability a Store backend may implement to
// enumerate keys under a prefix. SyncKv.Load needs this to discover a
// document's persisted entries; it is kept separate from Store because the
// core contract does not require it of every backend.
type Lister interface {
	List(ctx context.Context, prefix string) ([]string, error)
}
