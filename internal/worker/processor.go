package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"smart-report-generator/internal/config"
	"smart-report-generator/internal/logging"
	"smart-report-generator/internal/queue"
	"smart-report-generator/internal/store"
	"smart-report-generator/internal/telemetry"
)

// Processor consumes report jobs from the queue and drives them through the
// report lifecycle.
type Processor struct {
	cfg      *config.Config
	queue    *queue.RedisQueue
	store    store.Store
	gen      Generator
	logger   *slog.Logger
	workerID string
}

func NewProcessor(cfg *config.Config, q *queue.RedisQueue, st store.Store, gen Generator, logger *slog.Logger) *Processor {
	return NewProcessorWithID(cfg, q, st, gen, logger, defaultWorkerID())
}

// NewProcessorWithID creates a processor with a specific worker ID for log correlation.
func NewProcessorWithID(cfg *config.Config, q *queue.RedisQueue, st store.Store, gen Generator, logger *slog.Logger, workerID string) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		gen:      gen,
		logger:   logger.With("component", "worker", "worker_id", workerID),
		workerID: workerID,
	}
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Run starts WorkerConcurrency consumers plus the maintenance loop and
// blocks until ctx is cancelled. In-flight attempts that are interrupted
// stay leased and are redelivered after the visibility timeout.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("worker started",
		"concurrency", p.cfg.WorkerConcurrency,
		"max_retries", p.cfg.MaxRetries,
		"visibility_timeout", p.cfg.VisibilityTimeout,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.maintain(ctx) })
	for i := 0; i < p.cfg.WorkerConcurrency; i++ {
		slot := i
		g.Go(func() error { return p.consume(ctx, slot) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Processor) consume(ctx context.Context, slot int) error {
	log := p.logger.With("slot", slot)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		reportID, ok, err := p.queue.DequeueWithLease(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("dequeue failed", "error", err)
			p.idle(ctx)
			continue
		}
		if !ok {
			p.idle(ctx)
			continue
		}
		p.process(ctx, reportID)
	}
}

func (p *Processor) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.cfg.WorkerPollInterval):
	}
}

// process handles one leased delivery. Only the holder of the per-report
// lock runs an attempt. A duplicate delivery shares the holder's lease
// entry, so it is dropped without an ack.
func (p *Processor) process(ctx context.Context, reportID int64) {
	ctx = logging.WithRequestID(ctx, logging.NewRequestID())
	log := p.logger.With("report_id", reportID)
	ttl := p.queue.VisibilityTimeout()

	token, ok, err := p.queue.TryLock(ctx, reportID, ttl)
	if err != nil {
		telemetry.InfraErrors.Inc()
		log.ErrorContext(ctx, "acquire report lock", "error", err)
		return
	}
	if !ok {
		telemetry.JobsDiscarded.WithLabelValues("duplicate").Inc()
		log.WarnContext(ctx, "report already being processed, dropping duplicate delivery")
		return
	}
	defer func() {
		err := p.queue.Unlock(context.WithoutCancel(ctx), reportID, token)
		if err != nil && !errors.Is(err, queue.ErrLockNotHeld) {
			log.WarnContext(ctx, "release report lock", "error", err)
		}
	}()

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeat(hbCtx, reportID, token)
	}()

	out, err := p.Handle(ctx, reportID)
	stopHeartbeat()
	<-hbDone

	if err != nil {
		telemetry.InfraErrors.Inc()
		log.ErrorContext(ctx, "report job left for redelivery", "error", err)
		return
	}

	// Finalize even if shutdown started after the result was recorded.
	ctx = context.WithoutCancel(ctx)
	switch out.Action {
	case ActionDiscard:
		telemetry.JobsDiscarded.WithLabelValues(out.Reason).Inc()
		log.InfoContext(ctx, "discarded report job", "reason", out.Reason)
		p.ack(ctx, log, reportID)
	case ActionComplete:
		telemetry.ReportsCompleted.Inc()
		log.InfoContext(ctx, "report completed",
			"result_url", *out.Report.ResultURL,
			"retry_count", out.Report.RetryCount,
		)
		p.ack(ctx, log, reportID)
	case ActionRetry:
		telemetry.ReportsRetried.Inc()
		log.WarnContext(ctx, "report attempt failed, retry scheduled",
			"error", out.Err,
			"retry_count", out.Report.RetryCount,
			"max_retries", p.cfg.MaxRetries,
			"retry_at", out.RetryAt,
		)
		if err := p.queue.Reschedule(ctx, reportID, out.RetryAt); err != nil {
			telemetry.InfraErrors.Inc()
			log.ErrorContext(ctx, "reschedule report", "error", err)
		}
	case ActionFail:
		telemetry.ReportsFailed.Inc()
		log.ErrorContext(ctx, "report failed permanently",
			"error", out.Err,
			"retry_count", out.Report.RetryCount,
		)
		p.ack(ctx, log, reportID)
		if err := p.queue.DLQPush(ctx, reportID); err != nil {
			log.ErrorContext(ctx, "push to dead letter queue", "error", err)
		}
	}
}

func (p *Processor) ack(ctx context.Context, log *slog.Logger, reportID int64) {
	if err := p.queue.Ack(ctx, reportID); err != nil {
		telemetry.InfraErrors.Inc()
		log.ErrorContext(ctx, "ack report job", "error", err)
	}
}

// heartbeat keeps the lease and the report lock alive while an attempt runs.
func (p *Processor) heartbeat(ctx context.Context, reportID int64, token string) {
	ttl := p.queue.VisibilityTimeout()
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.ExtendLease(ctx, reportID, ttl); err != nil && ctx.Err() == nil {
				p.logger.WarnContext(ctx, "extend lease", "report_id", reportID, "error", err)
			}
			if err := p.queue.RefreshLock(ctx, reportID, token, ttl); err != nil && ctx.Err() == nil {
				p.logger.WarnContext(ctx, "refresh report lock", "report_id", reportID, "error", err)
			}
		}
	}
}

func (p *Processor) maintain(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.WorkerPollInterval)
	defer ticker.Stop()
	for {
		p.maintainOnce(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// maintainOnce promotes due retries, reclaims expired leases and refreshes
// the queue depth gauge.
func (p *Processor) maintainOnce(ctx context.Context) {
	now := time.Now()
	batch := int64(p.cfg.ScheduledBatchSize)

	if n, err := p.queue.PromoteScheduled(ctx, now, batch); err != nil {
		if ctx.Err() == nil {
			p.logger.Error("promote scheduled reports", "error", err)
		}
	} else if n > 0 {
		p.logger.Debug("promoted scheduled reports", "count", n)
	}

	if reclaimed, err := p.queue.RequeueExpired(ctx, now, batch); err != nil {
		if ctx.Err() == nil {
			p.logger.Error("requeue expired leases", "error", err)
		}
	} else if len(reclaimed) > 0 {
		p.logger.Warn("reclaimed expired leases", "report_ids", reclaimed)
	}

	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}
