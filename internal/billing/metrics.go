package billing

import "time"

// Event outcomes reported to Metrics.
const (
	OutcomeProcessed   = "processed"
	OutcomeIgnored     = "ignored"
	OutcomeDuplicate   = "duplicate"
	OutcomeUnsupported = "unsupported"
	OutcomeInvalid     = "invalid"
	OutcomeFailed      = "failed"
	OutcomeFault       = "fault"
)

// Metrics receives billing observations. The Prometheus implementation lives
// in internal/metrics.
type Metrics interface {
	ObserveEvent(eventType, outcome string, duration time.Duration)
	RecordRoleChange(role string)
	RecordStaleEvent()
}

// NoopMetrics discards every observation.
type NoopMetrics struct{}

func (NoopMetrics) ObserveEvent(string, string, time.Duration) {}
func (NoopMetrics) RecordRoleChange(string)                    {}
func (NoopMetrics) RecordStaleEvent()                          {}
