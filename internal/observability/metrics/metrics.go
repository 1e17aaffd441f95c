// Package metrics exposes dispatch activity as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"svcdispatch/internal/dispatch"
	"svcdispatch/internal/eventbus"
)

const namespace = "svcdispatch"

// Metrics owns a private registry so tests and reloads never collide with
// the global default registry.
type Metrics struct {
	reg *prometheus.Registry

	runs      *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	cycles    prometheus.Counter
	empty     prometheus.Counter
	running   prometheus.Gauge
	timeouts  *prometheus.CounterVec
	lastStart *prometheus.GaugeVec

	mu        sync.Mutex
	lastCycle uint64
}

// New registers the dispatch metrics. dropped, when non-nil, is exported as
// the number of events lost to slow bus subscribers.
func New(dropped func() uint64) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unit_runs_total",
			Help:      "Unit dispatch attempts by outcome (finished, failed, cancelled, not_found).",
		}, []string{"unit", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "unit_duration_seconds",
			Help:      "Execution time of dispatched units.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"unit"}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Evaluated dispatch cycles.",
		}),
		empty: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "empty_cycles_total",
			Help:      "Cycles in which no unit was eligible.",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "loop_running",
			Help:      "1 while a dispatch loop is running.",
		}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unit_timeouts_total",
			Help:      "Unit executions that failed by exceeding their timeout.",
		}, []string{"unit"}),
		lastStart: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unit_last_started_timestamp_seconds",
			Help:      "Unix time of the most recent start of each unit.",
		}, []string{"unit"}),
	}
	m.reg.MustRegister(m.runs, m.duration, m.cycles, m.empty, m.running, m.timeouts, m.lastStart)
	m.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if dropped != nil {
		m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped because a subscriber buffer was full.",
		}, func() float64 { return float64(dropped()) }))
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Observe folds one dispatch event into the metrics.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case dispatch.EventLoopStarted:
		m.mu.Lock()
		m.lastCycle = 0
		m.mu.Unlock()
		m.running.Set(1)
	case dispatch.EventLoopStopped:
		m.running.Set(0)
	case dispatch.EventCycleEmpty:
		m.cycles.Inc()
		m.empty.Inc()
	}

	ue, ok := e.Data.(dispatch.UnitEvent)
	if !ok {
		return
	}
	switch e.Type {
	case dispatch.EventUnitStarted:
		if m.observeCycle(ue.Cycle) {
			m.cycles.Inc()
		}
		m.lastStart.WithLabelValues(ue.Unit).Set(float64(ue.StartedAt.Unix()))
	case dispatch.EventUnitFinished:
		m.runs.WithLabelValues(ue.Unit, "finished").Inc()
		m.duration.WithLabelValues(ue.Unit).Observe(ue.Took.Seconds())
	case dispatch.EventUnitFailed:
		m.runs.WithLabelValues(ue.Unit, "failed").Inc()
		m.duration.WithLabelValues(ue.Unit).Observe(ue.Took.Seconds())
		if errors.Is(ue.Err, context.DeadlineExceeded) {
			m.timeouts.WithLabelValues(ue.Unit).Inc()
		}
	case dispatch.EventUnitCancelled:
		m.runs.WithLabelValues(ue.Unit, "cancelled").Inc()
		m.duration.WithLabelValues(ue.Unit).Observe(ue.Took.Seconds())
	case dispatch.EventUnitNotFound:
		if m.observeCycle(ue.Cycle) {
			m.cycles.Inc()
		}
		m.runs.WithLabelValues(ue.Unit, "not_found").Inc()
	}
}

// observeCycle reports whether cycle is seen for the first time in this loop.
// Empty cycles are counted from cycle_empty instead.
func (m *Metrics) observeCycle(cycle uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cycle == 0 || cycle == m.lastCycle {
		return false
	}
	m.lastCycle = cycle
	return true
}

// Consume observes events from a bus subscription until ctx is done or ch
// is closed.
func (m *Metrics) Consume(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}
