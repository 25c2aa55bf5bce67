package adapter

import (
	"testing"

	"github.com/kvtrace/kvtrace/txlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveLog(t *testing.T) {
	l := txlog.NewLog()
	l.Start(1)

	get := l.Begin(txlog.NewCommand(txlog.KindGet))
	get.EndWithResult(10, nil)

	set := txlog.NewCommand(txlog.KindSet)
	set.ArgumentBytes = 4
	l.Begin(set).End(nil)

	commit := l.Begin(txlog.NewCommand(txlog.KindCommit))
	commit.End(nil)
	l.AddAttempt()
	l.Stop()

	readsBefore := testutil.ToFloat64(opCounter.WithLabelValues("read"))
	writesBefore := testutil.ToFloat64(opCounter.WithLabelValues("write"))
	attemptsBefore := testutil.ToFloat64(attemptCounter)
	readBytesBefore := testutil.ToFloat64(bytesCounter.WithLabelValues("read"))

	ObserveLog(l)

	assert.Equal(t, readsBefore+1, testutil.ToFloat64(opCounter.WithLabelValues("read")))
	assert.Equal(t, writesBefore+2, testutil.ToFloat64(opCounter.WithLabelValues("write")))
	assert.Equal(t, attemptsBefore+1, testutil.ToFloat64(attemptCounter))
	assert.Equal(t, readBytesBefore+10, testutil.ToFloat64(bytesCounter.WithLabelValues("read")))
}
