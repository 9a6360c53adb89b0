// Package reconcile resolves a payment's true status by asking its gateway,
// and runs operator refunds.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/MNhat168/sport-zone-sub005/gateway"
	"github.com/MNhat168/sport-zone-sub005/models"
	"github.com/MNhat168/sport-zone-sub005/store"
)

var (
	ErrNotRefundable = errors.New("reconcile: transaction is not refundable")
	ErrInvalidRefund = errors.New("reconcile: invalid refund request")
	ErrNotQueryable  = errors.New("reconcile: only payments can be queried")
)

// Store is the part of the transaction store reconciliation needs.
type Store interface {
	FindByOrderRef(ctx context.Context, orderRef string) (*models.Transaction, error)
	ApplyCallbackResult(ctx context.Context, orderRef string, res models.CallbackResult) (*store.ApplyResult, error)
	RefundableBalance(ctx context.Context, parent *models.Transaction) (int64, error)
	ReserveRefund(ctx context.Context, r store.RefundReservation) (*models.Transaction, error)
	CompleteRefund(ctx context.Context, refund *models.Transaction, externalNo, responseCode string) (*models.Transaction, error)
	FailRefund(ctx context.Context, refund *models.Transaction, reason, responseCode string) (*models.Transaction, error)
	MarkRefundAmbiguous(ctx context.Context, refund *models.Transaction, reason string) (*models.Transaction, error)
}

type Gateways interface {
	Get(id models.GatewayID) (gateway.Client, error)
}

type Service struct {
	store    Store
	gateways Gateways
	log      *zap.Logger
}

func New(s Store, g Gateways, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: s, gateways: g, log: log.With(zap.String("component", "reconcile"))}
}

// originalTxnDate is the creation timestamp the gateway was sent, in its
// own format. Older rows without it fall back to CreatedAt.
func originalTxnDate(tx *models.Transaction) string {
	if d := tx.MetaString(models.MetaGatewayCreateDate); d != "" {
		return d
	}
	return gateway.FormatVNPayDate(tx.CreatedAt)
}

// Query asks the gateway for the payment's status and writes the answer
// through the same guarded transition as callbacks, tagged reconciliation.
func (s *Service) Query(ctx context.Context, orderRef string) (*store.ApplyResult, error) {
	tx, err := s.store.FindByOrderRef(ctx, orderRef)
	if err != nil {
		return nil, err
	}
	if tx.Type != models.TypePayment {
		return nil, fmt.Errorf("%w: %s is a %s", ErrNotQueryable, orderRef, tx.Type)
	}
	client, err := s.gateways.Get(tx.Gateway)
	if err != nil {
		return nil, err
	}
	log := s.log.With(zap.String("order_ref", orderRef), zap.String("gateway", string(tx.Gateway)))

	qr, err := client.QueryTransaction(ctx, tx.OrderRef, originalTxnDate(tx))
	if err != nil {
		log.Warn("gateway query failed", zap.Error(err))
		return nil, err
	}
	if qr.OrderRef != "" && qr.OrderRef != tx.OrderRef {
		return nil, fmt.Errorf("%w: answer for %s, asked %s", gateway.ErrUnexpectedResponse, qr.OrderRef, tx.OrderRef)
	}
	res, err := s.store.ApplyCallbackResult(ctx, tx.OrderRef, qr.CallbackResult())
	if err != nil && !store.IsCommitted(err) {
		log.Warn("applying query answer failed", zap.String("gateway_status", qr.GatewayStatus), zap.Error(err))
		return nil, err
	}
	log.Info("reconciled",
		zap.String("gateway_status", qr.GatewayStatus),
		zap.String("response_code", qr.ResponseCode),
		zap.String("outcome", string(res.Outcome)),
		zap.String("status", string(res.Transaction.Status)),
	)
	return res, err
}

type RefundCommand struct {
	OrderRef string
	Amount   int64
	Kind     gateway.RefundKind
	Reason   string
	Operator string
	ClientIP string
}

// Refund validates against the refundable balance before any remote call,
// reserves a refund row and then calls the gateway once.
//
// When the gateway outcome is unknown the refund row is left processing
// and ErrRefundAmbiguous is returned with it; query the gateway before
// trying again.
func (s *Service) Refund(ctx context.Context, cmd RefundCommand) (*models.Transaction, error) {
	parent, err := s.store.FindByOrderRef(ctx, cmd.OrderRef)
	if err != nil {
		return nil, err
	}
	if parent.Type != models.TypePayment || parent.Status != models.StatusSucceeded {
		return nil, fmt.Errorf("%w: %s is a %s %s", ErrNotRefundable, parent.OrderRef, parent.Status, parent.Type)
	}
	if cmd.Operator == "" {
		return nil, fmt.Errorf("%w: operator is required", ErrInvalidRefund)
	}
	balance, err := s.store.RefundableBalance(ctx, parent)
	if err != nil {
		return nil, err
	}

	amount := cmd.Amount
	kind := cmd.Kind
	if kind == gateway.RefundFull && amount == 0 {
		amount = parent.Amount
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRefund)
	}
	switch kind {
	case "":
		kind = gateway.RefundPartial
		if amount == parent.Amount {
			kind = gateway.RefundFull
		}
	case gateway.RefundFull:
		if amount != parent.Amount || balance != parent.Amount {
			return nil, fmt.Errorf("%w: a full refund must return the whole untouched amount", ErrInvalidRefund)
		}
	case gateway.RefundPartial:
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidRefund, kind)
	}
	if amount > balance {
		return nil, fmt.Errorf("%w: requested %d, refundable %d", store.ErrRefundExceedsBalance, amount, balance)
	}
	txType := models.TypeRefundPartial
	if kind == gateway.RefundFull {
		txType = models.TypeRefundFull
	}

	client, err := s.gateways.Get(parent.Gateway)
	if err != nil {
		return nil, err
	}
	if !gateway.SupportsRefund(client) {
		return nil, fmt.Errorf("%w: %s", gateway.ErrRefundUnsupported, parent.Gateway)
	}
	refund, err := s.store.ReserveRefund(ctx, store.RefundReservation{
		Parent:   parent,
		Amount:   amount,
		Type:     txType,
		Reason:   cmd.Reason,
		Operator: cmd.Operator,
	})
	if err != nil {
		return nil, err
	}
	log := s.log.With(
		zap.String("order_ref", parent.OrderRef),
		zap.String("gateway", string(parent.Gateway)),
		zap.String("transaction_id", refund.ID),
	)

	var txnNo string
	if parent.ExternalTransactionNo != nil {
		txnNo = *parent.ExternalTransactionNo
	}
	rr, err := client.ProcessRefund(ctx, gateway.RefundRequest{
		OrderRef:        parent.OrderRef,
		OriginalTxnDate: originalTxnDate(parent),
		Amount:          amount,
		Kind:            kind,
		Operator:        cmd.Operator,
		TransactionNo:   txnNo,
		ClientIP:        cmd.ClientIP,
		Reason:          cmd.Reason,
	})
	switch {
	case errors.Is(err, gateway.ErrRefundAmbiguous):
		log.Error("refund outcome unknown, re-query before retrying", zap.Error(err))
		if marked, merr := s.store.MarkRefundAmbiguous(ctx, refund, err.Error()); merr == nil {
			refund = marked
		} else {
			log.Error("marking refund ambiguous failed", zap.Error(merr))
		}
		return refund, err
	case err != nil:
		log.Warn("refund call failed", zap.Error(err))
		if failed, ferr := s.store.FailRefund(ctx, refund, err.Error(), ""); ferr == nil {
			refund = failed
		} else {
			log.Error("releasing refund reservation failed", zap.Error(ferr))
		}
		return refund, err
	case !rr.Success:
		log.Warn("refund rejected", zap.String("response_code", rr.ResponseCode), zap.String("message", rr.Message))
		failed, ferr := s.store.FailRefund(ctx, refund, rr.Message, rr.ResponseCode)
		if ferr != nil {
			return refund, ferr
		}
		return failed, fmt.Errorf("%w: code %s: %s", gateway.ErrGatewayRejected, rr.ResponseCode, rr.Message)
	}

	done, err := s.store.CompleteRefund(ctx, refund, rr.ExternalTransactionNo, rr.ResponseCode)
	if err != nil {
		return refund, err
	}
	log.Info("refund completed", zap.Int64("amount", amount), zap.String("external_transaction_no", rr.ExternalTransactionNo))
	return done, nil
}
