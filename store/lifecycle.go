package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/MNhat168/sport-zone-sub005/models"
)

const ReasonTimeout = "timeout"

var pendingOnly = []models.TransactionStatus{models.StatusPending}

// Expire fails a pending transaction. It reports false, and changes nothing,
// when the transaction is no longer pending, including when a callback wins
// the race.
func (s *Store) Expire(ctx context.Context, id, reason string) (bool, error) {
	tx, err := s.FindByID(ctx, id)
	if err != nil {
		return false, err
	}
	return s.expire(ctx, tx, reason, false)
}

// ExpireSnapshot is Expire for a row read by DueForExpiry. It also requires
// the deadline to still be due, so an extension made after the scan wins.
func (s *Store) ExpireSnapshot(ctx context.Context, tx *models.Transaction, reason string) (bool, error) {
	return s.expire(ctx, tx, reason, true)
}

func (s *Store) expire(ctx context.Context, tx *models.Transaction, reason string, requireDue bool) (bool, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		if attempt > 0 {
			fresh, err := s.FindByID(ctx, tx.ID)
			if err != nil {
				return false, err
			}
			tx = fresh
		}
		if tx.Status != models.StatusPending {
			return false, nil
		}
		if requireDue && tx.ExpiresAt.After(s.clock.Now()) {
			return false, nil
		}
		meta := tx.CloneMeta()
		meta[models.MetaFailureReason] = reason
		meta[models.MetaProvenance] = string(models.ProvenanceSweeper)
		next, ok, err := s.write(ctx, s.db, tx, pendingOnly, change{
			status: models.StatusFailed,
			meta:   meta,
			event:  models.EventPaymentExpired,
		})
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		s.log.Info("transaction expired",
			zap.String("transaction_id", next.ID),
			zap.String("order_ref", next.OrderRef),
			zap.String("reason", reason),
		)
		return true, s.publish(ctx, next)
	}
	return false, fmt.Errorf("%w: expire %s kept losing races", ErrStateConflict, tx.ID)
}

// Cancel is the admin write that fails a pending transaction locally. The
// gateway is not told; a later success from it is recorded as a conflict.
func (s *Store) Cancel(ctx context.Context, id, reason string) (*models.Transaction, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		tx, err := s.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if tx.Status != models.StatusPending {
			return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, id, tx.Status)
		}
		meta := tx.CloneMeta()
		meta[models.MetaCancelReason] = reason
		meta[models.MetaProvenance] = string(models.ProvenanceAdmin)
		next, ok, err := s.write(ctx, s.db, tx, pendingOnly, change{
			status: models.StatusFailed,
			meta:   meta,
			event:  models.EventPaymentCancelled,
		})
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		s.log.Info("transaction cancelled", zap.String("transaction_id", next.ID), zap.String("reason", reason))
		return next, s.publish(ctx, next)
	}
	return nil, fmt.Errorf("%w: cancel %s kept losing races", ErrStateConflict, id)
}

// Extend pushes the deadline of a pending transaction to
// max(current deadline, now) + extra, so a deadline never moves earlier.
// At most MaxExtensions calls succeed.
func (s *Store) Extend(ctx context.Context, id string, extra time.Duration) (*models.Transaction, error) {
	if extra <= 0 {
		return nil, ErrInvalidExtension
	}
	for attempt := 0; attempt < casAttempts; attempt++ {
		tx, err := s.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if tx.Status != models.StatusPending {
			return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, id, tx.Status)
		}
		count := tx.MetaInt(models.MetaExtensionCount)
		if count >= s.maxExtensions {
			return nil, fmt.Errorf("%w: %d of %d used", ErrExtensionLimit, count, s.maxExtensions)
		}
		base := s.clock.Now().UTC()
		if tx.ExpiresAt.After(base) {
			base = tx.ExpiresAt.UTC()
		}
		deadline := base.Add(extra)
		meta := tx.CloneMeta()
		meta[models.MetaExtensionCount] = count + 1
		next, ok, err := s.write(ctx, s.db, tx, pendingOnly, change{
			meta:      meta,
			expiresAt: deadline,
			event:     models.EventPaymentExtended,
		})
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		s.log.Info("transaction extended",
			zap.String("transaction_id", next.ID),
			zap.Time("expires_at", deadline),
			zap.Int("extension_count", count+1),
		)
		return next, s.publish(ctx, next)
	}
	return nil, fmt.Errorf("%w: extend %s kept losing races", ErrStateConflict, id)
}

// DueForExpiry lists pending payments whose deadline is at or before now,
// oldest deadline first.
func (s *Store) DueForExpiry(ctx context.Context, now time.Time, limit int) ([]models.Transaction, error) {
	var out []models.Transaction
	err := s.db.WithContext(ctx).
		Where("status = ? AND type = ? AND expires_at <= ?", models.StatusPending, models.TypePayment, now.UTC()).
		Order("expires_at").
		Limit(limit).
		Find(&out).Error
	return out, err
}
