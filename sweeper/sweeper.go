// Package sweeper expires pending payments whose deadline has passed.
//
// There is no global lock. Each record goes through the store's guarded
// expire, so several sweepers can run side by side and a payment confirmed
// mid-sweep is left alone.
package sweeper

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/MNhat168/sport-zone-sub005/clock"
	"github.com/MNhat168/sport-zone-sub005/models"
	"github.com/MNhat168/sport-zone-sub005/store"
)

const (
	DefaultInterval  = time.Minute
	DefaultBatchSize = 200
)

// Store is the part of the transaction store the sweeper uses.
type Store interface {
	DueForExpiry(ctx context.Context, now time.Time, limit int) ([]models.Transaction, error)
	ExpireSnapshot(ctx context.Context, tx *models.Transaction, reason string) (bool, error)
	RepublishPending(ctx context.Context, limit int) (int, error)
}

type Sweeper struct {
	store     Store
	clock     clock.Clock
	interval  time.Duration
	batchSize int
	log       *zap.Logger
}

func New(s Store, clk clock.Clock, interval time.Duration, log *zap.Logger) *Sweeper {
	if clk == nil {
		clk = clock.Real{}
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		store:     s,
		clock:     clk,
		interval:  interval,
		batchSize: DefaultBatchSize,
		log:       log.With(zap.String("component", "sweeper")),
	}
}

// Report counts what one sweep did.
type Report struct {
	Scanned       int
	Expired       int
	Skipped       int // confirmed, cancelled or extended since the scan
	Failed        int
	PublishFailed int
	Republished   int
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.Info("sweeper started", zap.Duration("interval", s.interval))
	s.SweepOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce expires everything due now. A failing record is logged and
// the scan moves on; it is retried on the next sweep.
func (s *Sweeper) SweepOnce(ctx context.Context) Report {
	var rep Report
	now := s.clock.Now()
	for ctx.Err() == nil {
		due, err := s.store.DueForExpiry(ctx, now, s.batchSize)
		if err != nil {
			s.log.Error("scan failed", zap.Error(err))
			rep.Failed++
			break
		}
		progress := 0
		for i := range due {
			tx := &due[i]
			rep.Scanned++
			ok, err := s.store.ExpireSnapshot(ctx, tx, store.ReasonTimeout)
			switch {
			case ok && errors.Is(err, store.ErrEventPublish):
				rep.Expired++
				rep.PublishFailed++
				progress++
			case err != nil:
				rep.Failed++
				s.log.Error("expire failed",
					zap.String("transaction_id", tx.ID),
					zap.String("order_ref", tx.OrderRef),
					zap.Error(err),
				)
			case ok:
				rep.Expired++
				progress++
			default:
				rep.Skipped++
				progress++
			}
		}
		if len(due) < s.batchSize || progress == 0 {
			break
		}
	}

	n, err := s.store.RepublishPending(ctx, s.batchSize)
	rep.Republished = n
	if err != nil {
		s.log.Warn("republish left events pending", zap.Int("republished", n), zap.Error(err))
	}
	if rep.Scanned > 0 || rep.Republished > 0 || rep.Failed > 0 {
		s.log.Info("sweep finished",
			zap.Int("scanned", rep.Scanned),
			zap.Int("expired", rep.Expired),
			zap.Int("skipped", rep.Skipped),
			zap.Int("failed", rep.Failed),
			zap.Int("publish_failed", rep.PublishFailed),
			zap.Int("republished", rep.Republished),
		)
	}
	return rep
}
