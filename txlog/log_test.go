package txlog

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// manualClock is a hand-advanced clock for deterministic timelines.
// One tick is one nanosecond.
type manualClock struct {
	ticks atomic.Int64
}

var _ Clock = (*manualClock)(nil)

func (c *manualClock) Now() Ticks {
	return Ticks(c.ticks.Load())
}

func (c *manualClock) Duration(delta Ticks) time.Duration {
	return ticksToDuration(delta, ticksPerSecond)
}

func (c *manualClock) set(d time.Duration) {
	c.ticks.Store(int64(d))
}

func TestLogSingleAttemptScenario(t *testing.T) {
	t.Parallel()

	clk := &manualClock{}
	l := NewLogWithClock(clk)
	l.Start(42)

	get := l.Begin(NewCommand(KindGet))
	clk.set(2 * time.Millisecond)
	get.EndWithResult(10, nil)

	commit := l.Begin(NewCommand(KindCommit))
	clk.set(5 * time.Millisecond)
	commit.End(nil)
	l.Stop()

	assert.Equal(t, int64(2), l.Operations())
	assert.Equal(t, int64(10), l.ReadBytes())
	assert.Equal(t, 5*time.Millisecond, l.Elapsed())
	assert.Equal(t, uint64(42), l.TransactionID())
	assert.True(t, l.Completed())

	report := l.GetCommandsReport()
	lines := strings.Split(strings.TrimRight(report, "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "Get")
	assert.Contains(t, lines[1], "Commit")
	assert.True(t, strings.HasPrefix(lines[2], "2 operations (1 reads, 1 writes)"), lines[2])
}

func TestLogStepSharingMarksConcurrency(t *testing.T) {
	t.Parallel()

	clk := &manualClock{}
	l := NewLogWithClock(clk)
	l.Start(1)

	a := l.Begin(NewCommand(KindGet))
	b := l.Begin(NewCommand(KindGetRange))

	// Both began before any completion, so they share step 0.
	assert.Equal(t, int64(0), a.Command().Step)
	assert.Equal(t, int64(0), b.Command().Step)

	a.End(nil)
	assert.Equal(t, int64(1), a.Command().EndStep)

	// A new command begins after one completion: sequential to a.
	c := l.Begin(NewCommand(KindGet))
	assert.Equal(t, int64(1), c.Command().Step)

	b.End(nil)
	c.End(nil)
	assert.Equal(t, int64(2), b.Command().EndStep)
	assert.Equal(t, int64(3), c.Command().EndStep)
}

func TestLogRecordDoesNotAdvanceStep(t *testing.T) {
	t.Parallel()

	l := NewLogWithClock(&manualClock{})
	l.Start(1)

	l.Record(NewCommand(KindGetReadVersion), true)
	l.Record(NewCommand(KindSet), true)
	l.Annotate("checkpoint")

	sp := l.Begin(NewCommand(KindGet))
	assert.Equal(t, int64(0), sp.Command().Step)
	sp.End(nil)

	// Annotations do not count as operations.
	assert.Equal(t, int64(3), l.Operations())

	cmds := l.Snapshot()
	require.Len(t, cmds, 4)
	for _, c := range cmds[:3] {
		assert.Equal(t, int64(0), c.Step)
	}
}

func TestLogConcurrentOperationCount(t *testing.T) {
	t.Parallel()

	const workers = 8
	const perWorker = 200

	l := NewLog()
	l.Start(7)

	eg := errgroup.Group{}
	for w := 0; w < workers; w++ {
		w := w
		eg.Go(func() error {
			for i := 0; i < perWorker; i++ {
				cmd := NewCommand(KindGet)
				cmd.Worker = w
				sp := l.Begin(cmd)
				sp.EndWithResult(1, nil)
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	l.Stop()

	assert.Equal(t, int64(workers*perWorker), l.Operations())
	assert.Equal(t, int64(workers*perWorker), l.ReadBytes())
	require.Len(t, l.Snapshot(), workers*perWorker)
}

func TestLogEndStepsAreUniqueAndMonotonic(t *testing.T) {
	t.Parallel()

	const workers = 4
	const perWorker = 250

	l := NewLog()
	l.Start(9)

	var wg sync.WaitGroup
	steps := make(chan int64, workers*perWorker)
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				sp := l.Begin(NewCommand(KindGet))
				sp.End(nil)
				steps <- sp.Command().EndStep
			}
		}()
	}
	wg.Wait()
	close(steps)

	seen := make(map[int64]struct{}, workers*perWorker)
	var max int64
	for s := range steps {
		_, dup := seen[s]
		require.False(t, dup, "end step %d reused", s)
		seen[s] = struct{}{}
		if s > max {
			max = s
		}
	}
	require.Len(t, seen, workers*perWorker)
	assert.Equal(t, int64(workers*perWorker), max)
}

func TestLogByteCountersUnderInterleaving(t *testing.T) {
	t.Parallel()

	const workers = 6
	const perWorker = 100

	l := NewLog()
	l.Start(3)

	eg := errgroup.Group{}
	eg.SetLimit(workers)
	for w := 0; w < workers; w++ {
		eg.Go(func() error {
			for i := 0; i < perWorker; i++ {
				set := NewCommand(KindSet)
				set.ArgumentBytes = 3
				l.Begin(set).End(nil)

				get := NewCommand(KindGet)
				sp := l.Begin(get)
				sp.EndWithResult(5, nil)
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	assert.Equal(t, int64(workers*perWorker*3), l.WriteBytes())
	assert.Equal(t, int64(workers*perWorker*5), l.ReadBytes())
}

func TestLogStopIsIdempotentUnderConcurrency(t *testing.T) {
	t.Parallel()

	clk := &manualClock{}
	l := NewLogWithClock(clk)
	l.Start(5)
	clk.set(4 * time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Stop()
		}()
	}
	wg.Wait()

	require.True(t, l.Completed())
	stopped := l.Elapsed()
	assert.Equal(t, 4*time.Millisecond, stopped)

	// Later Stop calls and clock advances do not move the recorded stop.
	clk.set(9 * time.Millisecond)
	l.Stop()
	assert.Equal(t, stopped, l.Elapsed())
}

func TestLogElapsedNonNegativeDuringStop(t *testing.T) {
	t.Parallel()

	clk := &manualClock{}
	l := NewLogWithClock(clk)
	l.Start(13)
	clk.set(6 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Stop()
	}()

	// A completed log must always pair the flag with a recorded stop tick;
	// elapsed time never runs backwards while Stop is racing the reader.
	for i := 0; i < 1000; i++ {
		e := l.Elapsed()
		require.GreaterOrEqual(t, e, time.Duration(0))
		if l.Completed() {
			require.Equal(t, 6*time.Millisecond, e)
		}
	}
	<-done

	require.True(t, l.Completed())
	assert.Equal(t, 6*time.Millisecond, l.Elapsed())
}

func TestSpanEndIsIdempotent(t *testing.T) {
	t.Parallel()

	l := NewLogWithClock(&manualClock{})
	l.Start(1)

	sp := l.Begin(NewCommand(KindGet))
	sp.EndWithResult(8, nil)
	sp.EndWithResult(100, errors.New("late"))

	assert.Equal(t, int64(1), sp.Command().EndStep)
	assert.Equal(t, 8, sp.Command().ResultBytes)
	assert.NoError(t, sp.Command().Err)
	assert.Equal(t, int64(8), l.ReadBytes())
}

func TestLogOperationErrorIsAttachedNotRaised(t *testing.T) {
	t.Parallel()

	l := NewLogWithClock(&manualClock{})
	l.Start(1)

	opErr := errors.New("store conflict")
	sp := l.Begin(NewCommand(KindCommit))
	sp.End(opErr)
	l.Stop()

	cmds := l.Snapshot()
	require.Len(t, cmds, 1)
	assert.ErrorIs(t, cmds[0].Err, opErr)
	assert.Contains(t, cmds[0].Describe(), "[!]")
}

func TestLogCommitAccounting(t *testing.T) {
	t.Parallel()

	l := NewLogWithClock(&manualClock{})
	l.Start(1)

	l.AddAttempt()
	l.SetCommitSize(120)
	l.AddAttempt()
	l.SetCommitSize(80)

	assert.Equal(t, int32(2), l.Attempts())
	assert.Equal(t, int64(80), l.CommitSize())
	assert.Equal(t, int64(200), l.TotalCommitSize())
}

func TestLogEmptyReportsDoNotPanic(t *testing.T) {
	t.Parallel()

	l := NewLogWithClock(&manualClock{})
	l.Start(11)
	l.Stop()

	report := l.GetCommandsReport()
	assert.True(t, strings.HasPrefix(report, "0 operations (0 reads, 0 writes)"), report)

	timeline := l.GetTimingsReport(true)
	assert.NotEmpty(t, timeline)
	assert.Contains(t, timeline, "Transaction #11")
}

func TestWorkerContext(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	assert.Equal(t, -1, WorkerFromContext(ctx))
	assert.Equal(t, -1, NewCommand(KindGet).Worker)

	// Worker 0 is a real identifier, distinct from the fallback.
	assert.Equal(t, 0, WorkerFromContext(ContextWithWorker(ctx, 0)))
	assert.Equal(t, 3, WorkerFromContext(ContextWithWorker(ctx, 3)))
}
