// Package errorreport captures session errors with module and operation
// tags. Reporting is fire-and-forget: a Reporter never blocks the caller on
// I/O and never returns an error.
package errorreport

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/vai-voice/pkg/core"
)

// Tag keys every report carries.
const (
	TagModule    = "module"
	TagOperation = "operation"
)

// Tags annotate a report.
type Tags map[string]string

// Report is one captured error.
type Report struct {
	ID         string
	OccurredAt time.Time
	Module     string
	Operation  string
	// ErrorType is the core error type, or empty for foreign errors.
	ErrorType string
	Message   string
	Tags      Tags
}

// NewReport builds a report from err. Module and operation are lifted out of
// tags; the remaining tags are kept as-is.
func NewReport(err error, tags Tags, now time.Time) Report {
	r := Report{
		ID:         uuid.NewString(),
		OccurredAt: now.UTC(),
		Tags:       Tags{},
	}
	if err != nil {
		r.Message = err.Error()
		var ce *core.Error
		if errors.As(err, &ce) {
			r.ErrorType = string(ce.Type)
		}
	}
	for k, v := range tags {
		switch k {
		case TagModule:
			r.Module = v
		case TagOperation:
			r.Operation = v
		default:
			r.Tags[k] = v
		}
	}
	return r
}

// Reporter receives errors from session components.
type Reporter interface {
	Report(ctx context.Context, err error, tags Tags)
}

// Discard drops every report.
var Discard Reporter = discard{}

type discard struct{}

func (discard) Report(context.Context, error, Tags) {}

// LogReporter writes reports as structured log records.
type LogReporter struct {
	Logger *slog.Logger
	Now    func() time.Time
}

// Report implements Reporter.
func (l LogReporter) Report(ctx context.Context, err error, tags Tags) {
	if err == nil {
		return
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	r := NewReport(err, tags, now())
	attrs := []any{
		"report_id", r.ID,
		"module", r.Module,
		"operation", r.Operation,
		"error", r.Message,
	}
	if r.ErrorType != "" {
		attrs = append(attrs, "error_type", r.ErrorType)
	}
	for k, v := range r.Tags {
		attrs = append(attrs, k, v)
	}
	logger.WarnContext(ctx, "error reported", attrs...)
}

// Fanout delivers each report to every reporter in order.
type Fanout []Reporter

// Report implements Reporter.
func (f Fanout) Report(ctx context.Context, err error, tags Tags) {
	for _, r := range f {
		if r != nil {
			r.Report(ctx, err, maps.Clone(tags))
		}
	}
}
