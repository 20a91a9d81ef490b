package common

import (
	"context"

	"github.com/rcmuller25/PHCMOIS-sub001/internal/logging"
)

// Severity classifies a fault for the external error-handling collaborator.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// FaultReporter receives unexpected faults together with severity and
// context. Expected failures (not-found, validation, no connectivity) are
// returned to callers as error values and never pass through here.
type FaultReporter interface {
	Report(ctx context.Context, sev Severity, component string, err error, fields map[string]any)
}

// NopReporter discards all faults. Useful in tests.
type NopReporter struct{}

func (NopReporter) Report(context.Context, Severity, string, error, map[string]any) {}

// LogReporter forwards faults to a structured logger.
type LogReporter struct {
	Log logging.Logger
}

func (r LogReporter) Report(ctx context.Context, sev Severity, component string, err error, fields map[string]any) {
	args := []any{"severity", string(sev), "component", component, "error", err}
	for k, v := range fields {
		args = append(args, k, v)
	}
	if sev == SeverityWarning {
		r.Log.Warn(ctx, "fault reported", args...)
		return
	}
	r.Log.Error(ctx, "fault reported", args...)
}
