package seal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/veripact/veripact/internal/audit"
	"go.uber.org/zap"
)

// Config holds sealer tuning knobs.
type Config struct {
	Interval      time.Duration // how often the background loop runs
	AnchorTimeout time.Duration // per-submission deadline for the sink
	DrainLimit    int           // max events per batch
}

// MetricFunc is an optional counter callback.
type MetricFunc func()

// Sealer drains pending audit events into batches and anchors them. It runs
// outside the request path, at most one seal in flight per process (the
// chain store's advisory lock extends that across processes).
type Sealer struct {
	events audit.Store
	chain  ChainStore
	sink   AnchorSink
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	onSealed   MetricFunc
	onAnchored MetricFunc
}

// New creates a Sealer. Zero config fields get defaults: a five-minute
// interval, a ten-second anchor timeout, and the audit drain limit.
func New(events audit.Store, chain ChainStore, sink AnchorSink, cfg Config, logger *zap.Logger) *Sealer {
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.AnchorTimeout == 0 {
		cfg.AnchorTimeout = 10 * time.Second
	}
	if cfg.DrainLimit <= 0 {
		cfg.DrainLimit = audit.DefaultDrainLimit
	}
	return &Sealer{
		events: events,
		chain:  chain,
		sink:   sink,
		cfg:    cfg,
		logger: logger,
	}
}

// SetMetrics configures counter callbacks for sealed and anchored batches.
func (s *Sealer) SetMetrics(onSealed, onAnchored MetricFunc) {
	s.onSealed = onSealed
	s.onAnchored = onAnchored
}

// Run executes the background loop until ctx is cancelled.
func (s *Sealer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("sealer started", zap.Duration("interval", s.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sealer stopped")
			return
		case <-ticker.C:
			if _, err := s.SealOnce(ctx); err != nil {
				s.logger.Error("seal run failed", zap.Error(err))
			}
			if _, err := s.RetryUnanchored(ctx); err != nil {
				s.logger.Warn("anchor retry run failed", zap.Error(err))
			}
		}
	}
}

// SealOnce drains one window of pending events, builds a batch chained to
// the current tip, persists it, and attempts to anchor it. Returns
// (nil, nil) when there was nothing to seal. An anchoring failure is not an
// error here: the batch is locally sealed and retried later.
func (s *Sealer) SealOnce(ctx context.Context) (*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, err := s.events.DrainPending(ctx, s.cfg.DrainLimit)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}

	prev := GenesisHash
	tip, err := s.chain.Latest(ctx)
	if err != nil {
		return nil, err
	}
	if tip != nil {
		prev = tip.CurrentHash
	}

	batch, _, err := BuildBatch(events, prev, time.Now())
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	if err := s.chain.Append(ctx, batch, ids); err != nil {
		return nil, err
	}
	if s.onSealed != nil {
		s.onSealed()
	}

	if err := s.anchor(ctx, batch); err != nil {
		s.logger.Warn("anchoring deferred",
			zap.String("batch_id", batch.ID.String()),
			zap.Error(err),
		)
	}
	return batch, nil
}

// RetryUnanchored resubmits locally sealed batches that still lack an
// anchor reference. Returns how many were anchored this run.
func (s *Sealer) RetryUnanchored(ctx context.Context) (int, error) {
	pending, err := s.chain.ListUnanchored(ctx, 0)
	if err != nil {
		return 0, err
	}

	anchored := 0
	for _, b := range pending {
		if err := s.anchor(ctx, b); err != nil {
			s.logger.Warn("anchor retry failed",
				zap.String("batch_id", b.ID.String()),
				zap.Error(err),
			)
			continue
		}
		anchored++
	}
	return anchored, nil
}

// anchor submits one batch with a deadline and records the returned
// reference. A duplicate rejection that carries the original reference
// counts as success; the batch's hashes never change across retries, so
// resubmission is idempotent.
func (s *Sealer) anchor(ctx context.Context, b *Batch) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.AnchorTimeout)
	defer cancel()

	ref, err := s.sink.Submit(ctx, b)
	if err != nil && ref == "" {
		return err
	}
	if err := s.chain.SetAnchorRef(ctx, b.ID, ref); err != nil {
		return err
	}
	b.AnchorRef = &ref
	if s.onAnchored != nil {
		s.onAnchored()
	}
	return nil
}
