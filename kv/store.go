package kv

import (
	"bytes"
	"context"

	"github.com/cockroachdb/errors"
)

var ErrNotFound = errors.New("not found")
var ErrWriteConflict = errors.New("write conflict")
var ErrNotSupported = errors.New("not supported")
var ErrTxnCancelled = errors.New("transaction cancelled")
var ErrTooManyRetries = errors.New("too many retries")

// OpType describes a mutation kind.
type OpType int

const (
	OpTypePut OpType = iota
	OpTypeDelete
)

// Mutation is one buffered write applied atomically at commit.
type Mutation struct {
	Op    OpType
	Key   []byte
	Value []byte
}

type KVPair struct {
	Key   []byte
	Value []byte
}

// Store is a versioned key-value backend. Every committed mutation carries
// the commit version that wrote it; Get reports that version alongside the
// value so transactions can validate their read sets. Deletes keep a
// tombstone so the version survives for conflict detection.
type Store interface {
	// Get returns the value and the commit version of the newest write to
	// key. It returns ErrNotFound (with the tombstone's version) when the
	// key is absent or deleted.
	Get(ctx context.Context, key []byte) ([]byte, uint64, error)
	// Apply writes all mutations at the given commit version.
	Apply(ctx context.Context, muts []Mutation, version uint64) error
	Name() string
	Close() error
}

// ScanStore extends Store with ordered range operations. Bounds are
// start-inclusive, end-exclusive; nil means unbounded.
type ScanStore interface {
	Store
	// Scan returns live pairs within the range in key order, up to limit
	// (0 = no limit).
	Scan(ctx context.Context, start []byte, end []byte, limit int) ([]*KVPair, error)
	// MaxVersion returns the newest commit version within the range,
	// tombstones included.
	MaxVersion(ctx context.Context, start []byte, end []byte) (uint64, error)
}

// entry is a committed value with the version that wrote it.
type entry struct {
	Value     []byte
	Version   uint64
	Tombstone bool
}

func withinScanBounds(key, start, end []byte) bool {
	if start != nil && bytes.Compare(key, start) < 0 {
		return false
	}
	if end != nil && bytes.Compare(key, end) >= 0 {
		return false
	}
	return true
}
