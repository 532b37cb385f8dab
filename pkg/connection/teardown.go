package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vango-go/vai-voice/pkg/core"
	"github.com/vango-go/vai-voice/pkg/errorreport"
	"github.com/vango-go/vai-voice/pkg/metrics"
)

// Teardown step names.
const (
	StepConversation  = "conversation"
	StepCapture       = "capture"
	StepSocket        = "socket"
	StepTranscription = "transcription"
	StepNotify        = "notify"
	StepDevices       = "devices"
)

// TeardownStep is one named, individually bounded part of a disconnect.
type TeardownStep struct {
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// StepTimeouts bounds each teardown step.
type StepTimeouts struct {
	// Default: 1s
	Conversation time.Duration
	// Default: 2s
	Capture time.Duration
	// Default: 4s
	Socket time.Duration
	// Default: 1s
	Transcription time.Duration
	// Default: 1s
	Notify time.Duration
	// Default: 3s
	Devices time.Duration
}

// DefaultStepTimeouts returns the default per-step timeouts.
func DefaultStepTimeouts() StepTimeouts {
	return StepTimeouts{
		Conversation:  time.Second,
		Capture:       2 * time.Second,
		Socket:        4 * time.Second,
		Transcription: time.Second,
		Notify:        time.Second,
		Devices:       3 * time.Second,
	}
}

// StepResult is the outcome of one step.
type StepResult struct {
	Name     string
	Err      error
	Duration time.Duration
}

type teardownRunner struct {
	logger   *slog.Logger
	reporter errorreport.Reporter
	metrics  *metrics.Metrics
}

// run executes steps in order. A step that fails, panics or outlives its
// timeout is logged and reported, and the remaining steps still run.
func (r teardownRunner) run(ctx context.Context, steps []TeardownStep) []StepResult {
	results := make([]StepResult, 0, len(steps))
	for _, step := range steps {
		start := time.Now()
		err := r.runOne(ctx, step)
		d := time.Since(start)

		result := "ok"
		if err != nil {
			result = "error"
			if errors.Is(err, context.DeadlineExceeded) {
				result = "timeout"
			}
			r.logger.Warn("teardown step failed", "step", step.Name, "error", err, "duration", d)
			r.reporter.Report(ctx, err, errorreport.Tags{
				errorreport.TagModule:    "lifecycle",
				errorreport.TagOperation: "disconnect." + step.Name,
			})
		} else {
			r.logger.Debug("teardown step done", "step", step.Name, "duration", d)
		}
		r.metrics.ObserveTeardownStep(step.Name, result, d)
		results = append(results, StepResult{Name: step.Name, Err: err, Duration: d})
	}
	return results
}

func (r teardownRunner) runOne(parent context.Context, step TeardownStep) error {
	ctx := context.WithoutCancel(parent)
	cancel := func() {}
	if step.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, step.Timeout)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- core.NewHandlerError(p)
			}
		}()
		done <- step.Run(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("step %s: %w", step.Name, ctx.Err())
	}
}
