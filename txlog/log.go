package txlog

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Log is the concurrency-safe ledger for one logical transaction, which may
// span several attempts. Operations from any number of goroutines may be
// recorded against the same Log; all counters are advanced with atomic
// fetch-and-add and the ledger append is internally synchronized.
//
// The Log never returns or raises errors: failures of instrumented
// operations are attached to their Command via Span.End.
type Log struct {
	clock Clock

	mtx      sync.Mutex
	commands []*Command

	txid atomic.Uint64

	startWall atomic.Int64 // unix nanos, diagnostic only
	startTick atomic.Int64
	stopTick  atomic.Int64
	stopGuard atomic.Bool
	completed atomic.Bool

	// step advances only on command completion. A begin reads the current
	// value, so concurrently open commands share the last completed step.
	step atomic.Int64

	operations atomic.Int64
	readBytes  atomic.Int64
	writeBytes atomic.Int64

	commitBytes      atomic.Int64
	totalCommitBytes atomic.Int64
	attempts         atomic.Int32
}

// NewLog returns a Log backed by the shared process clock.
func NewLog() *Log {
	return NewLogWithClock(DefaultClock())
}

// NewLogWithClock returns a Log backed by the given clock.
func NewLogWithClock(clock Clock) *Log {
	return &Log{clock: clock}
}

// Start records the start timestamps and the transaction identifier. It must
// be called exactly once before any command is recorded; calling it again
// resets timing and is a caller error while commands are in flight.
func (l *Log) Start(txid uint64) {
	l.txid.Store(txid)
	l.startWall.Store(time.Now().UnixNano())
	l.startTick.Store(int64(l.clock.Now()))
}

// Stop records the stop timestamp and marks the log completed. It is
// idempotent and safe under concurrent invocation; only the first caller's
// timestamp wins. Commands still in flight finish independently.
func (l *Log) Stop() {
	if !l.stopGuard.CompareAndSwap(false, true) {
		return
	}
	// The tick must be visible before completion is, so a concurrent
	// Elapsed never pairs completed == true with an unset stop tick.
	l.stopTick.Store(int64(l.clock.Now()))
	l.completed.Store(true)
}

// offset returns the elapsed time since Start.
func (l *Log) offset() time.Duration {
	return l.clock.Duration(l.clock.Now() - Ticks(l.startTick.Load()))
}

func (l *Log) append(cmd *Command) {
	l.mtx.Lock()
	l.commands = append(l.commands, cmd)
	l.mtx.Unlock()
}

// Record captures a single-shot command: an instantaneous operation stamped
// with the current offset and the current step, without advancing the step
// counter. countOp controls whether the operation counter is incremented.
func (l *Log) Record(cmd *Command, countOp bool) {
	offset := l.offset()
	cmd.Step = l.step.Load()
	cmd.StartOffset = offset
	cmd.EndOffset = offset
	if countOp {
		l.operations.Add(1)
	}
	l.append(cmd)
}

// Annotate records a free-form annotation row that does not count as an
// operation.
func (l *Log) Annotate(msg string) {
	cmd := NewCommand(KindLog)
	cmd.Detail = msg
	l.Record(cmd, false)
}

// Begin opens a two-phase command: it stamps the current offset and step,
// counts the operation and any argument bytes, and appends the command to
// the ledger. The returned Span must be ended exactly once by the same
// logical operation's continuation.
func (l *Log) Begin(cmd *Command) *Span {
	cmd.Step = l.step.Load()
	cmd.StartOffset = l.offset()
	cmd.open = true
	if cmd.ArgumentBytes >= 0 {
		l.writeBytes.Add(int64(cmd.ArgumentBytes))
	}
	l.operations.Add(1)
	l.append(cmd)

	return &Span{log: l, cmd: cmd}
}

// Span is the handle returned by Begin. Ending a span is the only mutation
// point for the step counter: each completion produces a fresh, never-reused
// step number that becomes the command's end step.
type Span struct {
	log  *Log
	cmd  *Command
	done atomic.Bool
}

// Command returns the span's command for inspection. Stamp details before
// Begin and result sizes through EndWithResult; writes to the returned
// command while the span is open are not synchronized with snapshots.
func (s *Span) Command() *Command {
	return s.cmd
}

// End closes the span, recording the end offset, a freshly incremented end
// step and the operation's error, if any. Result bytes stamped on the
// command are added to the read-byte counter. End is a no-op after the
// first call.
func (s *Span) End(err error) {
	s.end(-1, err)
}

// EndWithResult stamps the result size and closes the span.
func (s *Span) EndWithResult(resultBytes int, err error) {
	s.end(resultBytes, err)
}

// end publishes the completion under the ledger mutex so snapshots taken on
// a live log never observe a half-stamped command.
func (s *Span) end(resultBytes int, err error) {
	if !s.done.CompareAndSwap(false, true) {
		return
	}

	offset := s.log.offset()
	endStep := s.log.step.Add(1)

	l := s.log
	l.mtx.Lock()
	cmd := s.cmd
	cmd.EndOffset = offset
	cmd.EndStep = endStep
	cmd.Err = err
	if resultBytes >= 0 {
		cmd.ResultBytes = resultBytes
	}
	read := cmd.ResultBytes
	cmd.open = false
	l.mtx.Unlock()

	if read >= 0 {
		l.readBytes.Add(int64(read))
	}
}

// Snapshot returns value copies of the ledger at call time. The copies are
// private to the caller, so reports can be rendered while commands are still
// completing; a snapshot of an in-progress transaction reflects an arbitrary
// consistent prefix.
func (l *Log) Snapshot() []*Command {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	out := make([]*Command, len(l.commands))
	for i, c := range l.commands {
		cp := *c
		out[i] = &cp
	}
	return out
}

// TransactionID returns the identifier stamped by Start.
func (l *Log) TransactionID() uint64 {
	return l.txid.Load()
}

// Completed reports whether Stop has been called.
func (l *Log) Completed() bool {
	return l.completed.Load()
}

// Operations returns the number of counted operations so far.
func (l *Log) Operations() int64 {
	return l.operations.Load()
}

// ReadBytes returns the cumulative result bytes of completed reads.
func (l *Log) ReadBytes() int64 {
	return l.readBytes.Load()
}

// WriteBytes returns the cumulative argument bytes of begun writes.
func (l *Log) WriteBytes() int64 {
	return l.writeBytes.Load()
}

// CommitSize returns the payload size of the last commit attempt.
func (l *Log) CommitSize() int64 {
	return l.commitBytes.Load()
}

// TotalCommitSize returns the cumulative payload size over all commit
// attempts, including failed ones.
func (l *Log) TotalCommitSize() int64 {
	return l.totalCommitBytes.Load()
}

// Attempts returns the number of commit invocations so far.
func (l *Log) Attempts() int32 {
	return l.attempts.Load()
}

// SetCommitSize records the payload size of a commit attempt. The last
// attempt's size is kept and the total accumulates.
func (l *Log) SetCommitSize(n int64) {
	l.commitBytes.Store(n)
	l.totalCommitBytes.Add(n)
}

// AddAttempt counts one commit invocation, retried or not.
func (l *Log) AddAttempt() {
	l.attempts.Add(1)
}

// Elapsed returns the stop-start duration of a completed log, or the time
// since Start for one still running.
func (l *Log) Elapsed() time.Duration {
	start := Ticks(l.startTick.Load())
	if l.completed.Load() {
		return l.clock.Duration(Ticks(l.stopTick.Load()) - start)
	}
	return l.clock.Duration(l.clock.Now() - start)
}

// GetCommandsReport renders the flat per-command list followed by an
// aggregate statistics line. The output is plain ASCII with invariant
// numeric formatting.
func (l *Log) GetCommandsReport() string {
	cmds := l.Snapshot()

	var sb strings.Builder
	for i, c := range cmds {
		fmt.Fprintf(&sb, "%3d/%3d : %s\n", i+1, len(cmds), c.Describe())
	}

	var reads, writes int
	for _, c := range cmds {
		switch c.Kind.Mode() {
		case ModeRead:
			reads++
		case ModeWrite:
			writes++
		case ModeMeta, ModeWatch, ModeAnnotation, ModeInvalid:
		}
	}
	fmt.Fprintf(&sb, "%d operations (%d reads, %d writes), last commit %d bytes\n",
		l.Operations(), reads, writes, l.CommitSize())

	return sb.String()
}
