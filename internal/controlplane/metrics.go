package controlplane

// Metric names recorded by the controller.
const (
	MetricTransitions          = "stratagem.instance.transitions"
	MetricTransitionsRejected  = "stratagem.instance.transitions.rejected"
	MetricConcurrencyConflicts = "stratagem.instance.concurrency_conflicts"
	MetricCompilations         = "stratagem.compiler.compilations"
	MetricCompileDuration      = "stratagem.compiler.duration_ms"
	MetricRegistryCorruption   = "stratagem.registry.corruption"
	MetricAssignmentFailures   = "stratagem.fleet.assignment_failures"
	MetricHeartbeatsIgnored    = "stratagem.fleet.heartbeats_ignored"
	MetricPlansCollected       = "stratagem.registry.collected"
)

// MetricsRecorder receives counters and histograms from the controller.
type MetricsRecorder interface {
	RecordCounter(name string, value int64, labels map[string]string)
	RecordHistogram(name string, value float64, labels map[string]string)
}

type noopMetrics struct{}

func (noopMetrics) RecordCounter(string, int64, map[string]string)     {}
func (noopMetrics) RecordHistogram(string, float64, map[string]string) {}
