package guardian

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level counters for the Guardian's operational feed. They are
// registered against whatever global MeterProvider the process installed;
// with none installed they are no-ops.
var (
	meter = otel.Meter("github.com/voxnexus/core/internal/guardian")

	transcriptCounter = mustCounter("guardian.transcripts.observed",
		"Finalized transcripts run through the analysis pipeline")
	riskCounter = mustCounter("guardian.risk.detected",
		"Transcripts classified above LOW risk")
	takeoverCounter = mustCounter("guardian.takeovers.emitted",
		"Auto-handoff takeover commands emitted")
)

func mustCounter(name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		// The no-op meter never errors; a misconfigured SDK meter is not
		// worth failing process start for.
		c, _ = otel.Meter("").Int64Counter(name)
	}
	return c
}

func countRisk(ctx context.Context, level string) {
	riskCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("risk_level", level)))
}
