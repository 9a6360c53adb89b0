package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/MNhat168/sport-zone-sub005/models"
)

type ApplyOutcome string

const (
	// Applied: the result moved the transaction to a new status.
	Applied ApplyOutcome = "applied"
	// Duplicate: the transaction already had this outcome; nothing changed.
	Duplicate ApplyOutcome = "duplicate"
	// Conflict: a terminal transaction got a different outcome. The status is
	// kept and the disagreement is recorded in the anomalies metadata.
	Conflict ApplyOutcome = "conflict"
	// Ignored: the result carries no decision (gateway still pending).
	Ignored ApplyOutcome = "ignored"
)

type ApplyResult struct {
	Transaction *models.Transaction
	Outcome     ApplyOutcome
}

// ApplyCallbackResult drives a payment to the status a verified gateway
// result reports. It is idempotent: a repeated result is a Duplicate and
// emits nothing, a late contradicting result is a Conflict.
//
// A result whose amount disagrees with the stored amount is rejected with
// ErrAmountMismatch and flagged as an anomaly. A zero amount means the
// delivery did not carry one and is not compared.
func (s *Store) ApplyCallbackResult(ctx context.Context, orderRef string, res models.CallbackResult) (*ApplyResult, error) {
	if !res.Valid {
		return nil, ErrUnverifiedCallback
	}
	target := targetStatus(res)
	log := s.log.With(
		zap.String("order_ref", orderRef),
		zap.String("gateway", string(res.Gateway)),
		zap.String("provenance", string(res.Provenance)),
	)

	for attempt := 0; attempt < casAttempts; attempt++ {
		tx, err := s.FindByOrderRef(ctx, orderRef)
		if err != nil {
			if attempt == 0 {
				log.Warn("callback for unknown order reference", zap.Error(err))
			}
			return nil, err
		}

		if res.Amount != 0 && res.Amount != tx.Amount {
			log.Warn("callback amount mismatch",
				zap.String("transaction_id", tx.ID),
				zap.Int64("expected", tx.Amount),
				zap.Int64("got", res.Amount),
			)
			anomaly := fmt.Sprintf("amount_mismatch:%s:%d", res.Provenance, res.Amount)
			if lastAnomaly(tx) == anomaly {
				return nil, fmt.Errorf("%w: expected %d, got %d", ErrAmountMismatch, tx.Amount, res.Amount)
			}
			if _, ok, werr := s.write(ctx, s.db, tx, []models.TransactionStatus{tx.Status}, change{meta: withAnomaly(tx, anomaly)}); werr != nil || !ok {
				log.Warn("recording amount anomaly failed", zap.Bool("lost_race", !ok), zap.Error(werr))
			}
			return nil, fmt.Errorf("%w: expected %d, got %d", ErrAmountMismatch, tx.Amount, res.Amount)
		}

		if target == models.StatusPending {
			return &ApplyResult{Transaction: tx, Outcome: Ignored}, nil
		}
		if tx.Status == target {
			return &ApplyResult{Transaction: tx, Outcome: Duplicate}, nil
		}

		if tx.Status.Terminal() {
			anomaly := fmt.Sprintf("conflict:%s:%s->%s", res.Provenance, tx.Status, target)
			if lastAnomaly(tx) == anomaly {
				// Redelivery of a conflict already on record.
				return &ApplyResult{Transaction: tx, Outcome: Conflict}, nil
			}
			next, ok, err := s.write(ctx, s.db, tx, []models.TransactionStatus{tx.Status}, change{meta: withAnomaly(tx, anomaly)})
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			log.Warn("conflicting callback for terminal transaction",
				zap.String("transaction_id", tx.ID),
				zap.String("status", string(tx.Status)),
				zap.String("reported", string(target)),
				zap.String("response_code", res.ResponseCode),
			)
			return &ApplyResult{Transaction: next, Outcome: Conflict}, nil
		}

		meta := tx.CloneMeta()
		meta[models.MetaProvenance] = string(res.Provenance)
		if res.ResponseCode != "" {
			meta[models.MetaResponseCode] = res.ResponseCode
		}
		if res.BankRef != "" {
			meta[models.MetaBankRef] = res.BankRef
		}
		if target == models.StatusFailed && res.Message != "" {
			meta[models.MetaFailureReason] = res.Message
		}
		c := change{status: target, meta: meta, externalNo: res.ExternalTransactionNo}
		switch target {
		case models.StatusSucceeded:
			c.event = models.EventPaymentSuccess
		case models.StatusFailed:
			c.event = models.EventPaymentFailed
		}

		next, ok, err := s.write(ctx, s.db, tx, []models.TransactionStatus{tx.Status}, c)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		log.Info("transaction status changed",
			zap.String("transaction_id", next.ID),
			zap.String("from", string(tx.Status)),
			zap.String("status", string(next.Status)),
		)
		out := &ApplyResult{Transaction: next, Outcome: Applied}
		return out, s.publish(ctx, next)
	}
	return nil, fmt.Errorf("%w: %s kept losing races", ErrStateConflict, orderRef)
}

func targetStatus(res models.CallbackResult) models.TransactionStatus {
	if res.Outcome == "" {
		if res.Success {
			return models.StatusSucceeded
		}
		return models.StatusFailed
	}
	return res.Outcome.Status()
}

func withAnomaly(tx *models.Transaction, anomaly string) map[string]any {
	meta := tx.CloneMeta()
	meta[models.MetaAnomalies] = append(tx.MetaList(models.MetaAnomalies), anomaly)
	return meta
}

func lastAnomaly(tx *models.Transaction) string {
	list := tx.MetaList(models.MetaAnomalies)
	if len(list) == 0 {
		return ""
	}
	return list[len(list)-1]
}
