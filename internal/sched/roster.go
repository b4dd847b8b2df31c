package sched

import (
	"sync"
	"time"

	"github.com/ambroff/haiku/internal/logging"
)

// EventKind enumerates the lifecycle events the scheduler reports to a
// Roster (spec §6).
type EventKind int

const (
	EventRequestScheduled EventKind = iota
	EventOperationStarted
	EventOperationFinished
	EventRequestFinished
)

func (e EventKind) String() string {
	switch e {
	case EventRequestScheduled:
		return "REQUEST_SCHEDULED"
	case EventOperationStarted:
		return "OPERATION_STARTED"
	case EventOperationFinished:
		return "OPERATION_FINISHED"
	case EventRequestFinished:
		return "REQUEST_FINISHED"
	default:
		return "UNKNOWN"
	}
}

// Roster is an external observer receiving scheduler lifecycle events
// (spec §6). The scheduler assumes Notify is safe to call concurrently
// from shard workers, the completion path, and the Notifier.
type Roster interface {
	Notify(event EventKind, sched *Scheduler, req *Request, op *Operation)
}

// NullRoster discards every event. Default for tests and for callers that
// don't need lifecycle observability.
type NullRoster struct{}

func (NullRoster) Notify(EventKind, *Scheduler, *Request, *Operation) {}

// LogRoster logs every event at Debug level through the host's zerolog
// wrapper, mirroring the TRACE_IO_SCHEDULER-gated debugging the original
// C++ scheduler compiles in behind a build flag.
type LogRoster struct {
	Logger *logging.Logger
}

func NewLogRoster(logger *logging.Logger) *LogRoster {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogRoster{Logger: logger}
}

func (r *LogRoster) Notify(event EventKind, s *Scheduler, req *Request, op *Operation) {
	if req == nil {
		r.Logger.Debug("scheduler event", "event", event.String())
		return
	}
	r.Logger.Debug("scheduler event", "event", event.String(),
		"req_offset", req.Offset(), "req_length", req.Length())
}

// MetricsRoster adapts the host's existing Metrics/Observer types (kept
// unchanged, see DESIGN.md) into the Roster contract, so Device.Metrics()
// stays meaningful once I/O is mediated by the scheduler instead of being
// recorded inline by the queue runner.
type MetricsRoster struct {
	Observer MetricsObserver

	scheduledAt sync.Map // *Request -> time.Time, keyed by pointer identity
}

// MetricsObserver is the subset of the host's Observer interface the
// scheduler needs; satisfied by *ublk.MetricsObserver and *ublk.NoOpObserver
// without importing the root package (which itself imports internal/queue,
// which would create an import cycle with this package).
type MetricsObserver interface {
	ObserveRead(bytes uint64, latencyNs uint64, success bool)
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)
	ObserveQueueDepth(depth uint32)
}

func NewMetricsRoster(observer MetricsObserver) *MetricsRoster {
	return &MetricsRoster{Observer: observer}
}

func (r *MetricsRoster) Notify(event EventKind, s *Scheduler, req *Request, op *Operation) {
	if req == nil {
		return
	}

	switch event {
	case EventRequestScheduled:
		r.scheduledAt.Store(req, time.Now())
	case EventRequestFinished:
		var latency time.Duration
		if startedAny, ok := r.scheduledAt.LoadAndDelete(req); ok {
			latency = time.Since(startedAny.(time.Time))
		}
		success := req.Status() == StatusOK
		bytes := req.TransferredBytes()
		if req.IsWrite() {
			r.Observer.ObserveWrite(bytes, uint64(latency.Nanoseconds()), success)
		} else {
			r.Observer.ObserveRead(bytes, uint64(latency.Nanoseconds()), success)
		}
	}
}
