package adapter

import (
	"github.com/kvtrace/kvtrace/txlog"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	opCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kvtrace_operations_total",
		Help: "Total number of recorded transaction operations",
	}, []string{"mode"})

	attemptCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kvtrace_commit_attempts_total",
		Help: "Total number of commit attempts, including retried ones",
	})

	bytesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kvtrace_transaction_bytes_total",
		Help: "Total bytes read and written by recorded transactions",
	}, []string{"direction"})
)

func init() {
	prometheus.MustRegister(opCounter, attemptCounter, bytesCounter)
}

func modeLabel(m txlog.Mode) string {
	switch m {
	case txlog.ModeRead:
		return "read"
	case txlog.ModeWrite:
		return "write"
	case txlog.ModeMeta:
		return "meta"
	case txlog.ModeWatch:
		return "watch"
	case txlog.ModeAnnotation:
		return "annotation"
	case txlog.ModeInvalid:
	}
	return "invalid"
}

// ObserveLog feeds one transaction's recorded commands into the process
// metrics. Call it once per log, after Stop.
func ObserveLog(l *txlog.Log) {
	for _, c := range l.Snapshot() {
		opCounter.WithLabelValues(modeLabel(c.Kind.Mode())).Inc()
	}
	attemptCounter.Add(float64(l.Attempts()))
	bytesCounter.WithLabelValues("read").Add(float64(l.ReadBytes()))
	bytesCounter.WithLabelValues("written").Add(float64(l.WriteBytes()))
}
