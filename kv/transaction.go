package kv

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/kvtrace/kvtrace/internal"
	"github.com/kvtrace/kvtrace/txlog"
)

// Transaction buffers writes locally and applies them atomically at Commit.
// Every operation is recorded into the transaction's timeline log; operation
// failures are attached to the recorded command and returned, never
// panicked. Operations may be issued concurrently from several goroutines.
type Transaction struct {
	id     uint64
	db     *DB
	txnLog *txlog.Log

	mtx         sync.Mutex
	readVersion uint64
	rvLoaded    bool
	writes      *treemap.Map // key []byte -> Mutation
	reads       map[string]struct{}
	ranges      []conflictRange
	cancelled   bool
}

type conflictRange struct {
	start []byte
	end   []byte
}

func newWriteBuffer() *treemap.Map {
	return treemap.NewWith(byteSliceComparator)
}

// ID returns the stable transaction identifier stamped on the log.
func (t *Transaction) ID() uint64 {
	return t.id
}

// Log returns the timeline log owned by this transaction.
func (t *Transaction) Log() *txlog.Log {
	return t.txnLog
}

const keyPreviewMax = 24

func keyPreview(key []byte) string {
	if len(key) > keyPreviewMax {
		return fmt.Sprintf("(%q...)", key[:keyPreviewMax])
	}
	return fmt.Sprintf("(%q)", key)
}

func (t *Transaction) newCommand(ctx context.Context, kind txlog.Kind) *txlog.Command {
	cmd := txlog.NewCommand(kind)
	cmd.Worker = txlog.WorkerFromContext(ctx)
	return cmd
}

// ensureReadVersion pins the snapshot version on first read. The version is
// served from the DB's atomic counter, so the lookup is instantaneous and
// recorded as a single-shot command.
func (t *Transaction) ensureReadVersion(ctx context.Context) uint64 {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if !t.rvLoaded {
		rv := t.db.version.Load()
		t.readVersion = rv
		t.rvLoaded = true

		cmd := t.newCommand(ctx, txlog.KindGetReadVersion)
		cmd.Detail = fmt.Sprintf("(v%d)", rv)
		t.txnLog.Record(cmd, true)
	}

	return t.readVersion
}

// get reads through the write buffer first, then the store, and tracks the
// key in the read set.
func (t *Transaction) get(ctx context.Context, key []byte) ([]byte, error) {
	t.ensureReadVersion(ctx)

	t.mtx.Lock()
	if v, ok := t.writes.Get(key); ok {
		//nolint:forcetypeassert
		m := v.(Mutation)
		t.mtx.Unlock()
		if m.Op == OpTypeDelete {
			return nil, ErrNotFound
		}
		return m.Value, nil
	}
	t.reads[string(key)] = struct{}{}
	t.mtx.Unlock()

	v, _, err := t.db.st.Get(ctx, key)
	return internal.WithStacks(v, err)
}

// Get reads one key. A missing key returns ErrNotFound with a zero result
// size; the lookup itself is still a successful recorded read.
func (t *Transaction) Get(ctx context.Context, key []byte) ([]byte, error) {
	cmd := t.newCommand(ctx, txlog.KindGet)
	cmd.Detail = keyPreview(key)
	sp := t.txnLog.Begin(cmd)

	v, err := t.get(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		sp.End(err)
		return nil, err
	}

	sp.EndWithResult(len(v), nil)
	return v, err
}

// GetValues reads several keys with bounded parallelism. Missing keys yield
// nil slots; the whole batch is recorded as one command.
func (t *Transaction) GetValues(ctx context.Context, keys [][]byte) ([][]byte, error) {
	cmd := t.newCommand(ctx, txlog.KindGetValues)
	cmd.Detail = fmt.Sprintf("(%d keys)", len(keys))
	sp := t.txnLog.Begin(cmd)

	out := make([][]byte, len(keys))
	err := parallelKeys(ctx, keys, func(ctx context.Context, i int) error {
		v, err := t.get(ctx, keys[i])
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		out[i] = v
		return nil
	})
	if err != nil {
		sp.End(err)
		return nil, err
	}

	var size int
	for _, v := range out {
		size += len(v)
	}
	sp.EndWithResult(size, nil)
	return out, nil
}

// GetRange scans [start, end) in key order, overlaying buffered writes on
// the committed state. Requires a ScanStore backend.
func (t *Transaction) GetRange(ctx context.Context, start, end []byte, limit int) ([]*KVPair, error) {
	cmd := t.newCommand(ctx, txlog.KindGetRange)
	cmd.Detail = fmt.Sprintf("(%q..%q)", start, end)
	sp := t.txnLog.Begin(cmd)

	pairs, err := t.getRange(ctx, start, end, limit)
	if err != nil {
		sp.End(err)
		return nil, err
	}

	var size int
	for _, p := range pairs {
		size += len(p.Key) + len(p.Value)
	}
	sp.EndWithResult(size, nil)
	return pairs, nil
}

func (t *Transaction) getRange(ctx context.Context, start, end []byte, limit int) ([]*KVPair, error) {
	t.ensureReadVersion(ctx)

	ss, ok := t.db.st.(ScanStore)
	if !ok {
		return nil, errors.WithStack(ErrNotSupported)
	}

	committed, err := ss.Scan(ctx, start, end, 0)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	// Overlay the write buffer on the committed view.
	merged := treemap.NewWith(byteSliceComparator)
	for _, p := range committed {
		merged.Put(p.Key, p.Value)
	}
	t.mtx.Lock()
	it := t.writes.Iterator()
	for it.Next() {
		//nolint:forcetypeassert
		key := it.Key().([]byte)
		if !withinScanBounds(key, start, end) {
			continue
		}
		//nolint:forcetypeassert
		m := it.Value().(Mutation)
		if m.Op == OpTypeDelete {
			merged.Remove(key)
			continue
		}
		merged.Put(key, m.Value)
	}
	t.ranges = append(t.ranges, conflictRange{start: start, end: end})
	t.mtx.Unlock()

	var out []*KVPair
	mit := merged.Iterator()
	for mit.Next() {
		//nolint:forcetypeassert
		out = append(out, &KVPair{Key: mit.Key().([]byte), Value: mit.Value().([]byte)})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Set buffers a write. The mutation is local until Commit, but the byte cost
// is recorded immediately.
func (t *Transaction) Set(ctx context.Context, key, value []byte) error {
	cmd := t.newCommand(ctx, txlog.KindSet)
	cmd.Detail = keyPreview(key)
	cmd.ArgumentBytes = len(key) + len(value)
	sp := t.txnLog.Begin(cmd)

	t.buffer(Mutation{Op: OpTypePut, Key: key, Value: value})
	sp.End(nil)
	return nil
}

// Clear buffers a delete.
func (t *Transaction) Clear(ctx context.Context, key []byte) error {
	cmd := t.newCommand(ctx, txlog.KindClear)
	cmd.Detail = keyPreview(key)
	cmd.ArgumentBytes = len(key)
	sp := t.txnLog.Begin(cmd)

	t.buffer(Mutation{Op: OpTypeDelete, Key: key})
	sp.End(nil)
	return nil
}

// ClearRange buffers deletes for every live key in [start, end), both
// committed and buffered. Requires a ScanStore backend.
func (t *Transaction) ClearRange(ctx context.Context, start, end []byte) error {
	cmd := t.newCommand(ctx, txlog.KindClearRange)
	cmd.Detail = fmt.Sprintf("(%q..%q)", start, end)
	cmd.ArgumentBytes = len(start) + len(end)
	sp := t.txnLog.Begin(cmd)

	pairs, err := t.getRange(ctx, start, end, 0)
	if err != nil {
		sp.End(err)
		return err
	}
	for _, p := range pairs {
		t.buffer(Mutation{Op: OpTypeDelete, Key: p.Key})
	}

	sp.End(nil)
	return nil
}

// AtomicAdd reads the key as a little-endian 64-bit integer, adds delta and
// buffers the result. Missing keys start from zero.
func (t *Transaction) AtomicAdd(ctx context.Context, key []byte, delta int64) error {
	cmd := t.newCommand(ctx, txlog.KindAtomicOp)
	cmd.Detail = keyPreview(key)
	cmd.ArgumentBytes = 8
	sp := t.txnLog.Begin(cmd)

	cur, err := t.get(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		sp.End(err)
		return err
	}

	var n int64
	if len(cur) == 8 {
		n = int64(binary.LittleEndian.Uint64(cur))
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(n+delta))
	t.buffer(Mutation{Op: OpTypePut, Key: key, Value: buf})

	sp.End(nil)
	return nil
}

// AddConflictRange registers [start, end) for validation at commit without
// reading it. Requires a ScanStore backend at commit time.
func (t *Transaction) AddConflictRange(ctx context.Context, start, end []byte) error {
	cmd := t.newCommand(ctx, txlog.KindAddConflictRange)
	cmd.Detail = fmt.Sprintf("(%q..%q)", start, end)
	t.txnLog.Record(cmd, true)

	t.mtx.Lock()
	t.ranges = append(t.ranges, conflictRange{start: start, end: end})
	t.mtx.Unlock()
	return nil
}

func (t *Transaction) buffer(m Mutation) {
	t.mtx.Lock()
	t.writes.Put(m.Key, m)
	t.mtx.Unlock()
}

// pendingMutations returns the buffered writes in key order and their
// payload size.
func (t *Transaction) pendingMutations() ([]Mutation, int64) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	muts := make([]Mutation, 0, t.writes.Size())
	var size int64
	it := t.writes.Iterator()
	for it.Next() {
		//nolint:forcetypeassert
		m := it.Value().(Mutation)
		muts = append(muts, m)
		size += int64(len(m.Key) + len(m.Value))
	}
	return muts, size
}

// Commit applies the buffered writes atomically. Every invocation, failed or
// not, counts one attempt and records its payload size on the log.
func (t *Transaction) Commit(ctx context.Context) error {
	cmd := t.newCommand(ctx, txlog.KindCommit)
	sp := t.txnLog.Begin(cmd)

	t.mtx.Lock()
	cancelled := t.cancelled
	t.mtx.Unlock()

	muts, size := t.pendingMutations()
	t.txnLog.AddAttempt()
	t.txnLog.SetCommitSize(size)

	var err error
	if cancelled {
		err = errors.WithStack(ErrTxnCancelled)
	} else {
		err = t.db.commit(ctx, t, muts)
	}

	sp.End(err)
	return err
}

// retryDelay returns the backoff before the given retry, doubling per
// attempt up to a cap.
func retryDelay(attempt int32) time.Duration {
	d := 2 * time.Millisecond << uint(attempt)
	if d > 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	return d
}

// OnError decides whether the failed attempt may be retried. A retryable
// error resets the transaction after a backoff and returns nil; anything
// else is returned to the caller. The decision and the backoff are part of
// the recorded timeline and segment it into attempts.
func (t *Transaction) OnError(ctx context.Context, opErr error) error {
	cmd := t.newCommand(ctx, txlog.KindOnError)
	cmd.Detail = fmt.Sprintf("(%v)", opErr)
	sp := t.txnLog.Begin(cmd)

	if !errors.Is(opErr, ErrWriteConflict) {
		sp.End(opErr)
		return errors.WithStack(opErr)
	}
	if int(t.txnLog.Attempts()) >= t.db.maxAttempts {
		err := errors.CombineErrors(ErrTooManyRetries, opErr)
		sp.End(err)
		return errors.WithStack(err)
	}

	select {
	case <-time.After(retryDelay(t.txnLog.Attempts())):
	case <-ctx.Done():
		sp.End(ctx.Err())
		return errors.WithStack(ctx.Err())
	}

	t.reset()
	sp.End(nil)
	return nil
}

// Reset drops all buffered state so the transaction can be re-run.
func (t *Transaction) Reset(ctx context.Context) {
	cmd := t.newCommand(ctx, txlog.KindReset)
	t.txnLog.Record(cmd, true)
	t.reset()
}

// Cancel marks the transaction unusable; a later Commit fails with
// ErrTxnCancelled.
func (t *Transaction) Cancel(ctx context.Context) {
	cmd := t.newCommand(ctx, txlog.KindCancel)
	t.txnLog.Record(cmd, true)

	t.mtx.Lock()
	t.cancelled = true
	t.mtx.Unlock()
}

func (t *Transaction) reset() {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	t.writes = newWriteBuffer()
	t.reads = map[string]struct{}{}
	t.ranges = nil
	t.rvLoaded = false
	t.readVersion = 0
}
