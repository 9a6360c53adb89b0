package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/MNhat168/sport-zone-sub005/models"
)

var refundTypes = []models.TransactionType{models.TypeRefundFull, models.TypeRefundPartial}

// RefundableBalance is the parent amount minus every linked refund that has
// not failed. It is always summed from the refund rows.
func (s *Store) RefundableBalance(ctx context.Context, parent *models.Transaction) (int64, error) {
	return refundableBalance(s.db.WithContext(ctx), parent)
}

func refundableBalance(db *gorm.DB, parent *models.Transaction) (int64, error) {
	var refunded int64
	err := db.Model(&models.Transaction{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("parent_id = ? AND type IN ? AND status <> ?", parent.ID, refundTypes, models.StatusFailed).
		Scan(&refunded).Error
	if err != nil {
		return 0, err
	}
	return parent.Amount - refunded, nil
}

type RefundReservation struct {
	Parent   *models.Transaction
	Amount   int64
	Type     models.TransactionType
	Reason   string
	Operator string
}

// ReserveRefund inserts a pending refund row linked to a succeeded payment.
// The parent's version is bumped in the same database transaction, so two
// concurrent reservations against one parent serialize on its row and the
// second sees the first in the balance.
func (s *Store) ReserveRefund(ctx context.Context, r RefundReservation) (*models.Transaction, error) {
	if !r.Type.IsRefund() {
		return nil, fmt.Errorf("%w: %q is not a refund type", ErrInvalidTransaction, r.Type)
	}
	if r.Amount <= 0 {
		return nil, fmt.Errorf("%w: refund amount must be positive", ErrInvalidTransaction)
	}
	parent := r.Parent
	now := s.clock.Now().UTC()
	refund := &models.Transaction{
		ID:         uuid.NewString(),
		CreatedAt:  now,
		UpdatedAt:  now,
		OrderRef:   refundOrderRef(),
		UserRef:    parent.UserRef,
		BookingRef: parent.BookingRef,
		ParentID:   &parent.ID,
		Amount:     r.Amount,
		Currency:   parent.Currency,
		Method:     parent.Method,
		Gateway:    parent.Gateway,
		Type:       r.Type,
		Status:     models.StatusPending,
		ExpiresAt:  now,
		Version:    1,
		Meta: datatypes.JSONMap{
			models.MetaParentOrderRef: parent.OrderRef,
			models.MetaRefundReason:   r.Reason,
			models.MetaRefundOperator: r.Operator,
			models.MetaProvenance:     string(models.ProvenanceAdmin),
		},
	}

	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		res := db.Model(&models.Transaction{}).
			Where("id = ? AND type = ? AND status = ?", parent.ID, models.TypePayment, models.StatusSucceeded).
			Updates(map[string]any{"version": gorm.Expr("version + 1")})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s is not a succeeded payment", ErrStateConflict, parent.ID)
		}
		balance, err := refundableBalance(db, parent)
		if err != nil {
			return err
		}
		if r.Amount > balance {
			return fmt.Errorf("%w: requested %d, refundable %d", ErrRefundExceedsBalance, r.Amount, balance)
		}
		return db.Create(refund).Error
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("refund reserved",
		zap.String("transaction_id", refund.ID),
		zap.String("parent_id", parent.ID),
		zap.String("order_ref", refund.OrderRef),
		zap.Int64("amount", refund.Amount),
		zap.String("operator", r.Operator),
	)
	return refund, nil
}

// Refund rows use a generated reference, the gateway only sees the parent's.
func refundOrderRef() string {
	return "RF" + uuid.NewString()[:8] + uuid.NewString()[:8]
}

var openRefund = []models.TransactionStatus{models.StatusPending, models.StatusProcessing}

// CompleteRefund marks a reserved refund as refunded.
func (s *Store) CompleteRefund(ctx context.Context, refund *models.Transaction, externalNo, responseCode string) (*models.Transaction, error) {
	return s.settleRefund(ctx, refund, models.StatusRefunded, func(meta datatypes.JSONMap) {
		delete(meta, models.MetaAmbiguous)
		if responseCode != "" {
			meta[models.MetaResponseCode] = responseCode
		}
	}, externalNo)
}

// FailRefund releases the reserved amount back into the balance.
func (s *Store) FailRefund(ctx context.Context, refund *models.Transaction, reason, responseCode string) (*models.Transaction, error) {
	return s.settleRefund(ctx, refund, models.StatusFailed, func(meta datatypes.JSONMap) {
		delete(meta, models.MetaAmbiguous)
		meta[models.MetaFailureReason] = reason
		if responseCode != "" {
			meta[models.MetaResponseCode] = responseCode
		}
	}, "")
}

// MarkRefundAmbiguous parks a refund whose remote outcome is unknown in
// processing. Its amount stays reserved until an operator re-queries.
func (s *Store) MarkRefundAmbiguous(ctx context.Context, refund *models.Transaction, reason string) (*models.Transaction, error) {
	return s.settleRefund(ctx, refund, models.StatusProcessing, func(meta datatypes.JSONMap) {
		meta[models.MetaAmbiguous] = reason
	}, "")
}

func (s *Store) settleRefund(ctx context.Context, refund *models.Transaction, to models.TransactionStatus, edit func(datatypes.JSONMap), externalNo string) (*models.Transaction, error) {
	if !refund.Type.IsRefund() {
		return nil, fmt.Errorf("%w: %s is not a refund", ErrInvalidTransaction, refund.ID)
	}
	tx := refund
	for attempt := 0; attempt < casAttempts; attempt++ {
		if attempt > 0 {
			fresh, err := s.FindByID(ctx, refund.ID)
			if err != nil {
				return nil, err
			}
			tx = fresh
		}
		if tx.Status == to {
			return tx, nil
		}
		if tx.Status.Terminal() {
			return nil, fmt.Errorf("%w: refund %s is already %s", ErrStateConflict, tx.ID, tx.Status)
		}
		meta := tx.CloneMeta()
		edit(meta)
		next, ok, err := s.write(ctx, s.db, tx, openRefund, change{status: to, meta: meta, externalNo: externalNo})
		if err != nil {
			return nil, err
		}
		if ok {
			s.log.Info("refund status changed",
				zap.String("transaction_id", next.ID),
				zap.String("from", string(tx.Status)),
				zap.String("status", string(to)),
			)
			return next, nil
		}
	}
	return nil, fmt.Errorf("%w: refund %s kept losing races", ErrStateConflict, refund.ID)
}
