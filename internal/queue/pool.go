// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chatbridge/worker/internal/errs"
	"github.com/chatbridge/worker/internal/metrics"
	"github.com/chatbridge/worker/internal/models"
)

// Processor handles the jobs of one lane.
type Processor interface {
	// Process performs the job. A nil error or an idempotency error
	// completes it; other errors are classified with errs.IsRetryable.
	Process(ctx context.Context, d *Delivery) error
	// Exhausted runs once when a job will not be retried again, before it
	// moves to the dead list.
	Exhausted(ctx context.Context, d *Delivery, cause error) error
}

// RetryPolicy is exponential backoff with a cap and an attempt limit.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy retries four times over roughly fifteen seconds.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 30 * time.Second}

// Delay is the wait before retrying after the given (1-based) attempt
// failed with err. A provider retry-after hint raises it.
func (p RetryPolicy) Delay(attempt int, err error) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.MaxDelay
	if shift := attempt - 1; shift < 32 {
		if next := p.BaseDelay << shift; next > 0 && next < p.MaxDelay {
			d = next
		}
	}
	if hint := errs.RetryAfter(err); hint > d {
		d = hint
	}
	return d
}

// DefaultMaxPendingWait bounds how long a job may wait on another job
// before its retries start counting again.
const DefaultMaxPendingWait = 10 * time.Minute

// PoolConfig configures worker counts and timing.
type PoolConfig struct {
	Workers         map[models.Lane]int
	Policy          RetryPolicy
	PollInterval    time.Duration
	MaintenanceTick time.Duration
	// ShutdownTimeout is how long in-flight jobs may run after Run's
	// context is cancelled.
	ShutdownTimeout time.Duration
	// MaxPendingWait is how long after enqueue a job failing with
	// errs.ErrPending is deferred without using up an attempt. It must
	// exceed the resolver's claim timeout.
	MaxPendingWait time.Duration
	// Now overrides the clock.
	Now func() time.Time
}

// Backend is the queue surface the pool drives. *Queue implements it.
type Backend interface {
	Dequeue(ctx context.Context, lane models.Lane) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	Retry(ctx context.Context, d *Delivery, delay time.Duration, cause error) error
	Defer(ctx context.Context, d *Delivery, delay time.Duration, cause error) error
	DeadLetter(ctx context.Context, d *Delivery, reason string) error
	Extend(ctx context.Context, d *Delivery) error
	Release(ctx context.Context, d *Delivery) error
	Promote(ctx context.Context, lane models.Lane) (int, error)
	Reclaim(ctx context.Context, lane models.Lane) (int, error)
	Depth(ctx context.Context, lane models.Lane) (Depth, error)
	VisibilityTimeout() time.Duration
}

// Pool runs workers over the queue lanes.
type Pool struct {
	q          Backend
	cfg        PoolConfig
	processors map[models.Lane]Processor
	metrics    *metrics.Metrics
}

// NewPool creates a pool. Lanes without a processor are not consumed.
func NewPool(q Backend, cfg PoolConfig, processors map[models.Lane]Processor, m *metrics.Metrics) *Pool {
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = DefaultRetryPolicy
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.MaintenanceTick <= 0 {
		cfg.MaintenanceTick = 5 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.MaxPendingWait <= 0 {
		cfg.MaxPendingWait = DefaultMaxPendingWait
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pool{q: q, cfg: cfg, processors: processors, metrics: m}
}

var errPanicked = errors.New("job panicked")

type loggerKey struct{}

// Logger returns the per-job logger installed by the pool, or the default
// logger outside a job.
func Logger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// Run consumes all lanes until ctx is cancelled. It then stops pulling new
// jobs and gives in-flight jobs up to ShutdownTimeout before cancelling
// them; their leases bring them back on the next start.
func (p *Pool) Run(ctx context.Context) error {
	work, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
			return
		}
		timer := time.NewTimer(p.cfg.ShutdownTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			slog.Warn("shutdown timeout reached, cancelling in-flight jobs")
			cancelWork()
		case <-done:
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	for _, lane := range models.Lanes {
		proc, ok := p.processors[lane]
		if !ok {
			continue
		}
		n := p.cfg.Workers[lane]
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			g.Go(func() error {
				p.worker(gctx, work, lane, proc)
				return nil
			})
		}
		slog.Info("started lane workers", "lane", lane, "workers", n)
	}

	g.Go(func() error {
		p.maintain(gctx)
		return nil
	})

	return g.Wait()
}

// worker pulls from lane until pull is cancelled. Jobs run on work.
func (p *Pool) worker(pull, work context.Context, lane models.Lane, proc Processor) {
	for {
		if pull.Err() != nil {
			return
		}

		d, err := p.q.Dequeue(pull, lane)
		if err != nil {
			if pull.Err() == nil {
				slog.Error("dequeue failed", "lane", lane, "error", err)
			}
		}
		if d == nil {
			select {
			case <-pull.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}

		p.Handle(work, proc, d)
	}
}

// maintain promotes due retries, reclaims expired leases and refreshes the
// depth gauges on every tick.
func (p *Pool) maintain(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.MaintenanceTick)
	defer ticker.Stop()

	p.maintainOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.maintainOnce(ctx)
		}
	}
}

func (p *Pool) maintainOnce(ctx context.Context) {
	for _, lane := range models.Lanes {
		if _, ok := p.processors[lane]; !ok {
			continue
		}
		if n, err := p.q.Reclaim(ctx, lane); err != nil {
			slog.Error("reclaim failed", "lane", lane, "error", err)
		} else if n > 0 {
			slog.Warn("reclaimed stalled jobs", "lane", lane, "count", n)
		}
		if _, err := p.q.Promote(ctx, lane); err != nil {
			slog.Error("promote failed", "lane", lane, "error", err)
		}
		if _, err := p.q.Depth(ctx, lane); err != nil {
			slog.Error("queue depth failed", "lane", lane, "error", err)
		}
	}
}

// Handle runs one delivery through proc and settles it on the queue.
func (p *Pool) Handle(ctx context.Context, proc Processor, d *Delivery) {
	start := time.Now()
	logger := slog.With(
		"job_id", d.ID,
		"lane", d.Lane,
		"trace_id", d.TraceID,
		"attempt", d.Attempt,
	)
	ctx = context.WithValue(ctx, loggerKey{}, logger)
	lane := string(d.Lane)

	var cause error
	switch {
	case d.Invalid != nil:
		cause = d.Invalid
	case d.Attempt > p.cfg.Policy.MaxAttempts:
		// Only reachable when earlier attempts stalled and were reclaimed.
		cause = fmt.Errorf("exceeded %d attempts", p.cfg.Policy.MaxAttempts)
	default:
		cause = p.process(ctx, proc, d)
		if errors.Is(cause, errPanicked) {
			p.metrics.JobFinished(lane, metrics.OutcomePanicked, time.Since(start))
			return
		}
		if cause != nil && ctx.Err() != nil {
			// Forced shutdown. The attempt does not count and the job stays
			// active for reclaim on the next start.
			logger.Warn("job interrupted by shutdown, leaving for lease reclaim", "error", cause)
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			p.settle(rctx, logger, "release", p.q.Release(rctx, d))
			cancel()
			p.metrics.JobFinished(lane, metrics.OutcomeInterrupted, time.Since(start))
			return
		}
	}

	switch {
	case cause == nil:
		p.settle(ctx, logger, "ack", p.q.Ack(ctx, d))
		p.metrics.JobFinished(lane, metrics.OutcomeCompleted, time.Since(start))
		logger.Info("job completed", "duration_ms", time.Since(start).Milliseconds())

	case errs.IsDuplicate(cause):
		p.settle(ctx, logger, "ack", p.q.Ack(ctx, d))
		p.metrics.JobFinished(lane, metrics.OutcomeDuplicate, time.Since(start))
		logger.Info("job already delivered", "reason", cause.Error())

	case d.Invalid == nil && errors.Is(cause, errs.ErrPending) && p.withinPendingWait(d):
		delay := p.cfg.Policy.Delay(1, cause)
		logger.Info("job waiting on another job, deferring",
			"reason", cause.Error(),
			"retry_in", delay.String(),
		)
		p.settle(ctx, logger, "defer", p.q.Defer(ctx, d, delay, cause))
		p.metrics.JobFinished(lane, metrics.OutcomeDeferred, time.Since(start))

	case d.Invalid != nil || !errs.IsRetryable(cause) || d.Attempt >= p.cfg.Policy.MaxAttempts:
		logger.Error("job failed permanently", "error", cause)
		if err := proc.Exhausted(ctx, d, cause); err != nil {
			logger.Error("exhausted handler failed", "error", err)
		}
		p.settle(ctx, logger, "dead-letter", p.q.DeadLetter(ctx, d, cause.Error()))
		p.metrics.JobFinished(lane, metrics.OutcomeDeadLettered, time.Since(start))

	default:
		delay := p.cfg.Policy.Delay(d.Attempt, cause)
		logger.Warn("job failed, retrying",
			"error", cause,
			"retry_in", delay.String(),
		)
		p.settle(ctx, logger, "retry", p.q.Retry(ctx, d, delay, cause))
		p.metrics.JobFinished(lane, metrics.OutcomeRetried, time.Since(start))
	}
}

// withinPendingWait reports whether d is still young enough for pending
// waits to be free.
func (p *Pool) withinPendingWait(d *Delivery) bool {
	if d.EnqueuedAt.IsZero() {
		return false
	}
	return p.cfg.Now().Sub(d.EnqueuedAt) < p.cfg.MaxPendingWait
}

// process calls proc with panic recovery and a lease heartbeat.
func (p *Pool) process(ctx context.Context, proc Processor, d *Delivery) (err error) {
	logger := Logger(ctx)

	hbCtx, stop := context.WithCancel(ctx)
	defer stop()
	go p.heartbeat(hbCtx, d)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked, leaving for lease reclaim",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("%w: %v", errPanicked, r)
		}
	}()

	return proc.Process(ctx, d)
}

func (p *Pool) heartbeat(ctx context.Context, d *Delivery) {
	ticker := time.NewTicker(p.q.VisibilityTimeout() / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.q.Extend(ctx, d); err != nil && ctx.Err() == nil {
				Logger(ctx).Warn("lease extension failed", "error", err)
			}
		}
	}
}

func (p *Pool) settle(ctx context.Context, logger *slog.Logger, op string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, ErrLeaseLost):
		logger.Warn("lease lost before " + op + ", job belongs to another worker")
	case ctx.Err() != nil:
		logger.Warn(op+" skipped during shutdown, lease will expire", "error", err)
	default:
		logger.Error(op+" failed", "error", err)
	}
}
