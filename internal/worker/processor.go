package worker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"automatic-submission-service/internal/config"
	"automatic-submission-service/internal/queue"
	"automatic-submission-service/internal/reactor"
	"automatic-submission-service/internal/reconcile"
	"automatic-submission-service/internal/telemetry"
)

// Processor drives the worker loop: it feeds change notification batches to
// the reactor and periodically sweeps for inconsistent jobs.
type Processor struct {
	cfg           config.Config
	feed          *queue.RedisFeed
	reactor       *reactor.Reactor
	sweeper       *reconcile.Sweeper
	log           *zap.Logger
	idle          time.Duration
	maxDeliveries int64
}

// NewProcessor wires the feed to the reactor and the sweeper.
func NewProcessor(cfg config.Config, feed *queue.RedisFeed, r *reactor.Reactor, sw *reconcile.Sweeper, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	idle := cfg.Feed.Block
	if idle <= 0 {
		idle = time.Second
	}
	maxDeliveries := int64(cfg.Feed.MaxDeliveries)
	if maxDeliveries <= 0 {
		maxDeliveries = 5
	}
	return &Processor{cfg: cfg, feed: feed, reactor: r, sweeper: sw, log: log, idle: idle, maxDeliveries: maxDeliveries}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	if err := p.feed.EnsureGroup(ctx); err != nil {
		return err
	}
	ticker := time.NewTicker(p.cfg.Reconcile.Interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Reconcile(ctx)
		default:
		}

		if depth, err := p.feed.Pending(ctx); err == nil {
			telemetry.FeedInFlightGauge.Set(float64(depth))
		}

		n, err := p.Poll(ctx)
		if err != nil {
			failures++
			wait := backoffWithJitter(p.idle, time.Minute, failures)
			p.log.Error("polling change feed failed", zap.Error(err), zap.Duration("retry_in", wait))
			sleep(ctx, wait)
			continue
		}
		failures = 0
		if n == 0 && p.cfg.Feed.Block <= 0 {
			sleep(ctx, p.idle)
		}
	}
}

// Poll claims stale batches, reads new ones and handles each of them. It
// returns how many batches were handled. When the store is down the current
// batch and the rest of the poll stay pending for redelivery and the outage
// is returned.
func (p *Processor) Poll(ctx context.Context) (int, error) {
	claimed, err := p.feed.ClaimStale(ctx)
	if err != nil {
		p.log.Warn("claiming stale batches failed", zap.Error(err))
	}
	fresh, err := p.feed.Read(ctx)
	if err != nil {
		return 0, err
	}
	msgs := append(claimed, fresh...)
	for i, msg := range msgs {
		if err := p.handle(ctx, msg); err != nil {
			return i, err
		}
	}
	return len(msgs), nil
}

func (p *Processor) handle(ctx context.Context, msg queue.Message) error {
	log := p.log.With(zap.String("message_id", msg.ID))
	if msg.Err != nil {
		p.deadLetter(ctx, msg, msg.Err.Error(), log)
		return nil
	}

	report, err := p.reactor.HandleBatch(ctx, msg.Batch)
	if err != nil {
		return p.redeliver(ctx, msg, err, log)
	}
	if err := p.feed.Ack(ctx, msg.ID); err != nil {
		log.Error("ack failed", zap.Error(err))
	}
	log.Info("change batch handled",
		zap.Int("applied", report.Applied),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("rejected", report.Rejected),
		zap.Int("conflicts", report.Conflicts),
		zap.Int("failed", report.Failed),
		zap.Int("ignored", report.Ignored))
	return nil
}

// redeliver leaves an aborted batch unacked so it is claimed again once
// idle. Replaying is safe since every status write is guarded. A batch
// delivered maxDeliveries times is dead-lettered instead.
func (p *Processor) redeliver(ctx context.Context, msg queue.Message, cause error, log *zap.Logger) error {
	n, err := p.feed.Deliveries(ctx, msg.ID)
	if err != nil {
		log.Warn("reading delivery count failed", zap.Error(err))
	}
	if n >= p.maxDeliveries {
		p.deadLetter(ctx, msg, cause.Error(), log)
		return nil
	}
	log.Warn("change batch left for redelivery", zap.Int64("deliveries", n), zap.Error(cause))
	return fmt.Errorf("batch %s: %w", msg.ID, cause)
}

func (p *Processor) deadLetter(ctx context.Context, msg queue.Message, reason string, log *zap.Logger) {
	if err := p.feed.DLQPush(ctx, msg, reason); err != nil {
		log.Error("dead-lettering batch failed", zap.String("reason", reason), zap.Error(err))
		return
	}
	telemetry.FeedDeadLetter.Inc()
	log.Warn("change batch dead-lettered", zap.String("reason", reason))
}

// Reconcile runs one partial-failure sweep.
func (p *Processor) Reconcile(ctx context.Context) {
	res, err := p.sweeper.Sweep(ctx)
	if err != nil {
		p.log.Error("reconcile sweep failed", zap.Error(err))
		return
	}
	if res.Found > 0 {
		p.log.Info("reconcile sweep done",
			zap.Int("found", res.Found),
			zap.Int("resolved", res.Resolved),
			zap.Int("skipped", res.Skipped))
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait/2 <= 0 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
