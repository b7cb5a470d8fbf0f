package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics — счётчики и gauge-и пайплайна детекции.
type Metrics struct {
	Registry *prometheus.Registry

	EventsAccepted   prometheus.Counter
	EventsDuplicate  prometheus.Counter
	EventsUnresolved prometheus.Counter
	BatchesRejected  prometheus.Counter
	BatchesDuplicate prometheus.Counter

	ViolationsDetected *prometheus.CounterVec
	BlocksCreated      prometheus.Counter
	BlocksExtended     prometheus.Counter
	SweepUnblocks      prometheus.Counter
	PanelAPIFailures   prometheus.Counter

	ActiveBlocks prometheus.Gauge
	EvalQueueLen prometheus.Gauge
}

// New создает реестр и регистрирует все метрики.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	makeCounter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
		reg.MustRegister(c)
		return c
	}
	makeGauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
		reg.MustRegister(g)
		return g
	}

	violations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "remnaguard_violations_detected_total",
		Help: "Detected violations by severity.",
	}, []string{"severity"})
	reg.MustRegister(violations)

	return &Metrics{
		Registry: reg,

		EventsAccepted:   makeCounter("remnaguard_events_accepted_total", "Connection events persisted."),
		EventsDuplicate:  makeCounter("remnaguard_events_duplicate_total", "Connection events skipped as duplicates."),
		EventsUnresolved: makeCounter("remnaguard_events_unresolved_total", "Connection events with unresolved identity."),
		BatchesRejected:  makeCounter("remnaguard_batches_rejected_total", "Batches rejected due to auth failure."),
		BatchesDuplicate: makeCounter("remnaguard_batches_duplicate_total", "Batches skipped by idempotency key."),

		ViolationsDetected: violations,
		BlocksCreated:      makeCounter("remnaguard_blocks_created_total", "Temporary blocks created."),
		BlocksExtended:     makeCounter("remnaguard_blocks_extended_total", "Temporary blocks extended."),
		SweepUnblocks:      makeCounter("remnaguard_sweep_unblocks_total", "Automatic unblocks executed by the sweep."),
		PanelAPIFailures:   makeCounter("remnaguard_panel_api_failures_total", "Failed calls to the management panel API."),

		ActiveBlocks: makeGauge("remnaguard_active_blocks", "Currently active temporary blocks."),
		EvalQueueLen: makeGauge("remnaguard_eval_queue_len", "Pending user evaluations in the worker queue."),
	}
}
