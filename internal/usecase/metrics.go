package usecase

// Metrics receives counters for routed turns and escalation changes.
type Metrics interface {
	TurnProcessed(path string, code ErrorCode)
	EscalationToggled(escalated bool)
}

type nopMetrics struct{}

func (nopMetrics) TurnProcessed(string, ErrorCode) {}
func (nopMetrics) EscalationToggled(bool)          {}
