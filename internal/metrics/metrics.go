package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Registry collects counters for the coordination server. All methods are
// safe for concurrent use and tolerate a nil receiver.
type Registry struct {
	connectionsOpened atomic.Int64
	connectionsClosed atomic.Int64
	broadcasts        atomic.Int64
	sendFailures      atomic.Int64
	framesRouted      atomic.Int64
	runsStarted       atomic.Int64
	runsCompleted     atomic.Int64
	runsInterrupted   atomic.Int64

	atomicOps sync.Map
	busStats  sync.Map
}

type atomicOpStats struct {
	accepted atomic.Int64
	rejected atomic.Int64
}

type busCounters struct {
	published  atomic.Int64
	dropped    atomic.Int64
	filtered   atomic.Int64
	unfiltered atomic.Int64
}

var Default = &Registry{}

func (r *Registry) IncConnectionOpened() {
	if r == nil {
		return
	}
	r.connectionsOpened.Add(1)
}

func (r *Registry) IncConnectionClosed() {
	if r == nil {
		return
	}
	r.connectionsClosed.Add(1)
}

func (r *Registry) IncBroadcast() {
	if r == nil {
		return
	}
	r.broadcasts.Add(1)
}

func (r *Registry) IncSendFailure() {
	if r == nil {
		return
	}
	r.sendFailures.Add(1)
}

func (r *Registry) IncFrameRouted() {
	if r == nil {
		return
	}
	r.framesRouted.Add(1)
}

func (r *Registry) IncRunStarted() {
	if r == nil {
		return
	}
	r.runsStarted.Add(1)
}

func (r *Registry) IncRunCompleted() {
	if r == nil {
		return
	}
	r.runsCompleted.Add(1)
}

func (r *Registry) IncRunInterrupted() {
	if r == nil {
		return
	}
	r.runsInterrupted.Add(1)
}

// RecordAtomicOp tracks the outcome of one AtomicCoordinator operation.
func (r *Registry) RecordAtomicOp(operation string, accepted bool) {
	if r == nil {
		return
	}
	if strings.TrimSpace(operation) == "" {
		operation = "unknown"
	}
	stats := r.atomicOpStats(operation)
	if accepted {
		stats.accepted.Add(1)
		return
	}
	stats.rejected.Add(1)
}

func (r *Registry) IncEventPublished(bus, eventType string) {
	if r == nil {
		return
	}
	r.busCounters(bus).published.Add(1)
	_ = eventType
}

func (r *Registry) IncEventDropped(bus, eventType string) {
	if r == nil {
		return
	}
	r.busCounters(bus).dropped.Add(1)
	_ = eventType
}

func (r *Registry) SetEventSubscriberCounts(bus string, filtered, unfiltered int) {
	if r == nil {
		return
	}
	counters := r.busCounters(bus)
	counters.filtered.Store(int64(filtered))
	counters.unfiltered.Store(int64(unfiltered))
}

func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil {
		return nil
	}

	writeCounter(writer, "conclave_connections_opened_total", "Total websocket connections accepted", r.connectionsOpened.Load())
	writeCounter(writer, "conclave_connections_closed_total", "Total websocket connections closed", r.connectionsClosed.Load())
	writeCounter(writer, "conclave_broadcasts_total", "Total session broadcasts", r.broadcasts.Load())
	writeCounter(writer, "conclave_send_failures_total", "Total failed transport sends", r.sendFailures.Load())
	writeCounter(writer, "conclave_frames_routed_total", "Total inbound frames routed", r.framesRouted.Load())
	writeCounter(writer, "conclave_runs_started_total", "Total supervisor runs started", r.runsStarted.Load())
	writeCounter(writer, "conclave_runs_completed_total", "Total supervisor runs completed", r.runsCompleted.Load())
	writeCounter(writer, "conclave_runs_interrupted_total", "Total supervisor runs interrupted", r.runsInterrupted.Load())

	operations := r.atomicOpNames()
	sort.Strings(operations)
	writeHelp(writer, "conclave_atomic_ops_total", "AtomicCoordinator operation outcomes")
	fmt.Fprintln(writer, "# TYPE conclave_atomic_ops_total counter")
	for _, operation := range operations {
		stats := r.atomicOpStats(operation)
		label := formatLabel(operation)
		fmt.Fprintf(writer, "conclave_atomic_ops_total{operation=%s,outcome=\"accepted\"} %d\n", label, stats.accepted.Load())
		fmt.Fprintf(writer, "conclave_atomic_ops_total{operation=%s,outcome=\"rejected\"} %d\n", label, stats.rejected.Load())
	}

	buses := r.busNames()
	sort.Strings(buses)
	writeHelp(writer, "conclave_events_published_total", "Events published per bus")
	fmt.Fprintln(writer, "# TYPE conclave_events_published_total counter")
	writeHelp(writer, "conclave_events_dropped_total", "Events dropped per bus")
	fmt.Fprintln(writer, "# TYPE conclave_events_dropped_total counter")
	for _, bus := range buses {
		counters := r.busCounters(bus)
		label := formatLabel(bus)
		fmt.Fprintf(writer, "conclave_events_published_total{bus=%s} %d\n", label, counters.published.Load())
		fmt.Fprintf(writer, "conclave_events_dropped_total{bus=%s} %d\n", label, counters.dropped.Load())
	}

	return nil
}

func (r *Registry) atomicOpStats(operation string) *atomicOpStats {
	value, _ := r.atomicOps.LoadOrStore(operation, &atomicOpStats{})
	return value.(*atomicOpStats)
}

func (r *Registry) busCounters(bus string) *busCounters {
	if strings.TrimSpace(bus) == "" {
		bus = "event_bus"
	}
	value, _ := r.busStats.LoadOrStore(bus, &busCounters{})
	return value.(*busCounters)
}

func (r *Registry) atomicOpNames() []string {
	if r == nil {
		return nil
	}
	var names []string
	r.atomicOps.Range(func(key, value interface{}) bool {
		if name, ok := key.(string); ok {
			names = append(names, name)
		}
		return true
	})
	return names
}

func (r *Registry) busNames() []string {
	if r == nil {
		return nil
	}
	var names []string
	r.busStats.Range(func(key, value interface{}) bool {
		if name, ok := key.(string); ok {
			names = append(names, name)
		}
		return true
	})
	return names
}

func writeHelp(writer io.Writer, metric, help string) {
	fmt.Fprintf(writer, "# HELP %s %s\n", metric, help)
}

func writeCounter(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func formatLabel(value string) string {
	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	return fmt.Sprintf("\"%s\"", escaped)
}
