package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"smart-report-generator/internal/models"
	"smart-report-generator/internal/store"
	"smart-report-generator/internal/telemetry"
)

// Action is what happens to a report after one delivery.
type Action int

const (
	// ActionDiscard drops the delivery without an attempt.
	ActionDiscard Action = iota
	ActionComplete
	ActionRetry
	ActionFail
)

func (a Action) String() string {
	switch a {
	case ActionComplete:
		return "complete"
	case ActionRetry:
		return "retry"
	case ActionFail:
		return "fail"
	default:
		return "discard"
	}
}

// Decide maps one attempt's result onto the next step. retryCount is the
// number of retries already scheduled for the report.
func Decide(genErr error, retryCount, maxRetries int) Action {
	switch {
	case genErr == nil:
		return ActionComplete
	case retryCount < maxRetries:
		return ActionRetry
	default:
		return ActionFail
	}
}

// Outcome describes what Handle did with one delivery.
type Outcome struct {
	Action Action
	Report models.Report
	// Reason is set for discards.
	Reason string
	// Err is the generation error for retries and failures.
	Err error
	// RetryAt is when the next attempt is due.
	RetryAt time.Time
}

// errNotRunnable aborts an update when the report left the state the
// transition expects.
var errNotRunnable = errors.New("report is not runnable")

const storeRetryBase = 50 * time.Millisecond

// Handle runs one delivery of reportID through the lifecycle: claim the
// report, generate it and record the result. A returned error means the
// store could not be reached and the delivery should be redelivered.
func (p *Processor) Handle(ctx context.Context, reportID int64) (Outcome, error) {
	report, err := p.update(ctx, reportID, func(r *models.Report) error {
		if r.Status.Terminal() {
			return errNotRunnable
		}
		r.Status = models.StatusProcessing
		return nil
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		return Outcome{Action: ActionDiscard, Reason: "deleted"}, nil
	case errors.Is(err, errNotRunnable):
		return Outcome{Action: ActionDiscard, Reason: "terminal"}, nil
	case err != nil:
		return Outcome{}, fmt.Errorf("claim report %d: %w", reportID, err)
	}

	start := time.Now()
	resultURL, genErr := p.gen.Generate(ctx, report)
	if genErr != nil && ctx.Err() != nil {
		return Outcome{}, fmt.Errorf("generate report %d: %w", reportID, ctx.Err())
	}
	if genErr == nil && resultURL == "" {
		genErr = errors.New("generator returned an empty result url")
	}

	now := time.Now().UTC()
	var action Action
	report, err = p.update(ctx, reportID, func(r *models.Report) error {
		if r.Status != models.StatusProcessing {
			return errNotRunnable
		}
		action = Decide(genErr, r.RetryCount, p.cfg.MaxRetries)
		switch action {
		case ActionComplete:
			r.Status = models.StatusCompleted
			r.ResultURL = &resultURL
			r.CompletedAt = &now
		case ActionRetry:
			r.RetryCount++
		case ActionFail:
			r.Status = models.StatusFailed
		}
		return nil
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		return Outcome{Action: ActionDiscard, Reason: "deleted"}, nil
	case errors.Is(err, errNotRunnable):
		return Outcome{Action: ActionDiscard, Reason: "superseded"}, nil
	case err != nil:
		return Outcome{}, fmt.Errorf("record result for report %d: %w", reportID, err)
	}

	telemetry.GenerationDuration.WithLabelValues(action.String()).Observe(time.Since(start).Seconds())

	out := Outcome{Action: action, Report: report}
	if action != ActionComplete {
		out.Err = genErr
	}
	if action == ActionRetry {
		out.RetryAt = now.Add(RetryDelay(p.cfg.RetryBackoffBase, p.cfg.RetryBackoffMax, report.RetryCount, p.cfg.RetryJitter))
	}
	return out, nil
}

// update applies fn with a bounded retry on store errors. Lifecycle
// sentinels and cancellation are returned immediately.
func (p *Processor) update(ctx context.Context, reportID int64, fn store.Mutator) (models.Report, error) {
	attempts := p.cfg.StoreRetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	var (
		report models.Report
		err    error
	)
	for i := 1; ; i++ {
		report, err = p.store.Update(ctx, reportID, fn)
		if err == nil || !retryableStoreErr(err) || i >= attempts {
			return report, err
		}
		p.logger.Warn("store update failed, retrying", "report_id", reportID, "attempt", i, "error", err)
		select {
		case <-ctx.Done():
			return report, err
		case <-time.After(RetryDelay(storeRetryBase, time.Second, i, true)):
		}
	}
}

func retryableStoreErr(err error) bool {
	return !errors.Is(err, store.ErrNotFound) &&
		!errors.Is(err, store.ErrInvalidTransition) &&
		!errors.Is(err, errNotRunnable) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}
