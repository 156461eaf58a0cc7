package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all BoardPilot metrics instruments.
type Metrics struct {
	ToolCallDuration   metric.Float64Histogram
	ToolCallErrors     metric.Int64Counter
	LedgerQueueDrops   metric.Int64Counter
	RateLimitRejects   metric.Int64Counter
	ScheduleClaims     metric.Int64Counter
	WebhookRejects     metric.Int64Counter
	DelegationDuration metric.Float64Histogram
	UndoTotal          metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ToolCallDuration, err = meter.Float64Histogram("boardpilot.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("boardpilot.tool.errors",
		metric.WithDescription("Tool call error count"),
	)
	if err != nil {
		return nil, err
	}

	m.LedgerQueueDrops, err = meter.Int64Counter("boardpilot.ledger.drops",
		metric.WithDescription("Activity records dropped because the ledger queue was full"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("boardpilot.ratelimit.rejects",
		metric.WithDescription("Invocations rejected by the rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	m.ScheduleClaims, err = meter.Int64Counter("boardpilot.schedule.claims",
		metric.WithDescription("Due schedules claimed for execution"),
	)
	if err != nil {
		return nil, err
	}

	m.WebhookRejects, err = meter.Int64Counter("boardpilot.webhook.rejects",
		metric.WithDescription("Webhook deliveries rejected before triggering"),
	)
	if err != nil {
		return nil, err
	}

	m.DelegationDuration, err = meter.Float64Histogram("boardpilot.delegation.duration",
		metric.WithDescription("Delegated sub-agent run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.UndoTotal, err = meter.Int64Counter("boardpilot.undo.total",
		metric.WithDescription("Undo operations applied"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
