package metrics

import (
	"errors"
	"fmt"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	DurationBuckets []float64
}

// Exporter adapts Recorder to Prometheus collectors.
type Exporter struct {
	evaluationSeconds prom.Histogram
	inRangeTasks      prom.Gauge
	transitionsTotal  *prom.CounterVec
	skippedTotal      *prom.CounterVec
	mirrorFailures    prom.Counter
	locationTotal     *prom.CounterVec
	backendErrors     *prom.CounterVec
	activeTimers      prom.Gauge
	timersExpired     prom.Counter
	presenceMinutes   *prom.GaugeVec
}

var _ Recorder = (*Exporter)(nil)

// NewExporter creates and registers the engine's collectors. A nil registerer
// uses the Prometheus default registerer.
func NewExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*Exporter, error) {
	if namespace == "" {
		namespace = "fieldtrack"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5}
	}

	evaluation := prom.NewHistogram(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "geofence_evaluation_seconds",
		Help:      "Geofence evaluation duration in seconds, including the remote mirror call.",
		Buckets:   buckets,
	})
	inRange := prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "geofence_in_range_tasks",
		Help:      "Number of tasks in range after the last evaluation.",
	})
	transitions := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "geofence_transitions_total",
		Help:      "Total number of geofence transitions.",
	}, []string{"kind"})
	skipped := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "geofence_skipped_total",
		Help:      "Total number of skipped evaluations or tasks.",
	}, []string{"reason"})
	mirror := prom.NewCounter(prom.CounterOpts{
		Namespace: namespace,
		Name:      "proximity_mirror_failures_total",
		Help:      "Total number of failed remote proximity mirror calls.",
	})
	location := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "location_acquisitions_total",
		Help:      "Total number of position acquisition attempts by strategy and result.",
	}, []string{"strategy", "result"})
	backendErrs := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "backend_errors_total",
		Help:      "Total number of failed remote calls.",
	}, []string{"op"})
	timers := prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "countdown_active_timers",
		Help:      "Number of ticking countdown timers.",
	})
	expired := prom.NewCounter(prom.CounterOpts{
		Namespace: namespace,
		Name:      "countdown_expired_total",
		Help:      "Total number of countdown expiries.",
	})
	presence := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "presence_minutes",
		Help:      "Presence minutes in the current session by bucket.",
	}, []string{"bucket"})

	var err error
	if evaluation, err = registerCollector(reg, evaluation); err != nil {
		return nil, err
	}
	if inRange, err = registerCollector(reg, inRange); err != nil {
		return nil, err
	}
	if transitions, err = registerCollector(reg, transitions); err != nil {
		return nil, err
	}
	if skipped, err = registerCollector(reg, skipped); err != nil {
		return nil, err
	}
	if mirror, err = registerCollector(reg, mirror); err != nil {
		return nil, err
	}
	if location, err = registerCollector(reg, location); err != nil {
		return nil, err
	}
	if backendErrs, err = registerCollector(reg, backendErrs); err != nil {
		return nil, err
	}
	if timers, err = registerCollector(reg, timers); err != nil {
		return nil, err
	}
	if expired, err = registerCollector(reg, expired); err != nil {
		return nil, err
	}
	if presence, err = registerCollector(reg, presence); err != nil {
		return nil, err
	}

	return &Exporter{
		evaluationSeconds: evaluation,
		inRangeTasks:      inRange,
		transitionsTotal:  transitions,
		skippedTotal:      skipped,
		mirrorFailures:    mirror,
		locationTotal:     location,
		backendErrors:     backendErrs,
		activeTimers:      timers,
		timersExpired:     expired,
		presenceMinutes:   presence,
	}, nil
}

// RecordEvaluation records one completed geofence evaluation.
func (m *Exporter) RecordEvaluation(duration time.Duration, inRange int) {
	if m == nil {
		return
	}
	m.evaluationSeconds.Observe(duration.Seconds())
	m.inRangeTasks.Set(float64(inRange))
}

// RecordTransition records an entered or exited transition.
func (m *Exporter) RecordTransition(kind string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(normalizeLabel(kind, "unknown")).Inc()
}

// RecordEvaluationSkipped records a dropped tick or skipped task.
func (m *Exporter) RecordEvaluationSkipped(reason string) {
	if m == nil {
		return
	}
	m.skippedTotal.WithLabelValues(normalizeLabel(reason, "unknown")).Inc()
}

// RecordMirrorFailure records a failed remote mirror call.
func (m *Exporter) RecordMirrorFailure() {
	if m == nil {
		return
	}
	m.mirrorFailures.Inc()
}

// RecordLocation records a position acquisition outcome.
func (m *Exporter) RecordLocation(strategy, result string) {
	if m == nil {
		return
	}
	m.locationTotal.WithLabelValues(normalizeLabel(strategy, "none"), normalizeLabel(result, "unknown")).Inc()
}

// RecordBackendError records a failed remote call.
func (m *Exporter) RecordBackendError(op string) {
	if m == nil {
		return
	}
	m.backendErrors.WithLabelValues(normalizeLabel(op, "unknown")).Inc()
}

// SetActiveTimers sets the number of ticking countdowns.
func (m *Exporter) SetActiveTimers(n int) {
	if m == nil {
		return
	}
	m.activeTimers.Set(float64(n))
}

// RecordTimerExpired records a countdown expiry.
func (m *Exporter) RecordTimerExpired() {
	if m == nil {
		return
	}
	m.timersExpired.Inc()
}

// SetPresence sets the presence gauges.
func (m *Exporter) SetPresence(idleMinutes, productiveMinutes float64) {
	if m == nil {
		return
	}
	m.presenceMinutes.WithLabelValues("idle").Set(idleMinutes)
	m.presenceMinutes.WithLabelValues("productive").Set(productiveMinutes)
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
