package kv

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-hclog"
	"github.com/kvtrace/kvtrace/txlog"
)

const defaultMaxAttempts = 10

// DB wraps a Store with optimistic transactions and per-transaction timeline
// recording. Commits are validated against the version the transaction read
// at; a newer committed version on any read or written key aborts the
// attempt with ErrWriteConflict.
type DB struct {
	st  Store
	log hclog.Logger

	version atomic.Uint64 // last committed version
	txid    atomic.Uint64

	commitMtx   sync.Mutex
	maxAttempts int
}

func NewDB(st Store) *DB {
	return NewDBWithLogger(st, hclog.New(&hclog.LoggerOptions{
		Name:  "kvtrace",
		Level: hclog.Warn,
	}))
}

func NewDBWithLogger(st Store, logger hclog.Logger) *DB {
	d := &DB{
		st:          st,
		log:         logger,
		maxAttempts: defaultMaxAttempts,
	}

	// Persistent backends carry versions from earlier runs; seed the
	// counter so fresh commits stay newer than everything on disk.
	if ss, ok := st.(ScanStore); ok {
		if max, err := ss.MaxVersion(context.Background(), nil, nil); err == nil {
			d.version.Store(max)
		}
	}

	return d
}

// Version returns the last committed version.
func (d *DB) Version() uint64 {
	return d.version.Load()
}

// NewTransaction opens a transaction with a fresh identifier and a started
// timeline log.
func (d *DB) NewTransaction() *Transaction {
	id := d.txid.Add(1)
	log := txlog.NewLog()
	log.Start(id)

	return &Transaction{
		id:     id,
		db:     d,
		txnLog: log,
		writes: newWriteBuffer(),
		reads:  map[string]struct{}{},
	}
}

// commit validates the transaction's read and write sets and applies the
// buffered mutations at a fresh commit version. Serialized across the DB.
func (d *DB) commit(ctx context.Context, t *Transaction, muts []Mutation) error {
	d.commitMtx.Lock()
	defer d.commitMtx.Unlock()

	rv := t.readVersion
	if !t.rvLoaded {
		// Nothing was read; blind writes cannot be invalidated.
		rv = d.version.Load()
	}

	check := func(key []byte) error {
		_, ver, err := d.st.Get(ctx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return errors.WithStack(err)
		}
		if ver > rv {
			return errors.WithStack(ErrWriteConflict)
		}
		return nil
	}

	for key := range t.reads {
		if err := check([]byte(key)); err != nil {
			return err
		}
	}
	for _, m := range muts {
		if err := check(m.Key); err != nil {
			return err
		}
	}
	for _, r := range t.ranges {
		ss, ok := d.st.(ScanStore)
		if !ok {
			return errors.WithStack(ErrNotSupported)
		}
		ver, err := ss.MaxVersion(ctx, r.start, r.end)
		if err != nil {
			return errors.WithStack(err)
		}
		if ver > rv {
			return errors.WithStack(ErrWriteConflict)
		}
	}

	if len(muts) == 0 {
		return nil
	}

	ver := d.version.Add(1)
	return errors.WithStack(d.st.Apply(ctx, muts, ver))
}
