package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// Generation metrics
	generationCounter  metric.Int64Counter
	generationDuration metric.Float64Histogram
	generationRows     metric.Int64Histogram

	// Autosave metrics
	autosaveWriteCounter metric.Int64Counter
)

// InitWorkflowMetrics initializes workflow engine metrics
func InitWorkflowMetrics() error {
	meter := otel.Meter("courseloom.workflow")

	var err error

	generationCounter, err = meter.Int64Counter(
		"generation.count",
		metric.WithDescription("Number of generation runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return err
	}

	generationDuration, err = meter.Float64Histogram(
		"generation.duration",
		metric.WithDescription("Duration of generation runs"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	generationRows, err = meter.Int64Histogram(
		"generation.rows",
		metric.WithDescription("Rows committed per successful generation run"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		return err
	}

	autosaveWriteCounter, err = meter.Int64Counter(
		"autosave.writes",
		metric.WithDescription("Autosave write attempts"),
		metric.WithUnit("{write}"),
	)
	if err != nil {
		return err
	}

	return nil
}

// RecordGenerationSuccess records a committed generation run
func RecordGenerationSuccess(ctx context.Context, templateID string, durationMs float64, rowCount int64) {
	if generationCounter != nil {
		generationCounter.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("status", "success"),
				attribute.String("template_id", templateID),
			),
		)
	}
	if generationDuration != nil {
		generationDuration.Record(ctx, durationMs,
			metric.WithAttributes(attribute.String("status", "success")),
		)
	}
	if generationRows != nil {
		generationRows.Record(ctx, rowCount,
			metric.WithAttributes(attribute.String("template_id", templateID)),
		)
	}
}

// RecordGenerationError records a failed generation run by error kind
func RecordGenerationError(ctx context.Context, templateID, errorKind string, durationMs float64) {
	if generationCounter != nil {
		generationCounter.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("status", "error"),
				attribute.String("template_id", templateID),
				attribute.String("error_kind", errorKind),
			),
		)
	}
	if generationDuration != nil {
		generationDuration.Record(ctx, durationMs,
			metric.WithAttributes(
				attribute.String("status", "error"),
				attribute.String("error_kind", errorKind),
			),
		)
	}
}

// RecordAutosaveWrite records one autosave write attempt
func RecordAutosaveWrite(ctx context.Context, status string) {
	if autosaveWriteCounter != nil {
		autosaveWriteCounter.Add(ctx, 1,
			metric.WithAttributes(attribute.String("status", status)),
		)
	}
}
