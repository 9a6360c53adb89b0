package store_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/MNhat168/sport-zone-sub005/models"
	"github.com/MNhat168/sport-zone-sub005/store"
	"github.com/MNhat168/sport-zone-sub005/store/storetest"
)

func paidPayment(t *testing.T, env *storetest.Env, orderRef string, amount int64) *models.Transaction {
	t.Helper()
	createPayment(t, env, orderRef, amount)
	res, err := env.Store.ApplyCallbackResult(ctx, orderRef, webhook(orderRef, amount, models.OutcomeSucceeded))
	if err != nil {
		t.Fatalf("pay %s: %v", orderRef, err)
	}
	return res.Transaction
}

func reserve(env *storetest.Env, parent *models.Transaction, amount int64) (*models.Transaction, error) {
	return env.Store.ReserveRefund(ctx, store.RefundReservation{
		Parent:   parent,
		Amount:   amount,
		Type:     models.TypeRefundPartial,
		Reason:   "court closed",
		Operator: "admin-1",
	})
}

func TestReserveRefund(t *testing.T) {
	env := storetest.New(t)
	parent := paidPayment(t, env, "ORD1", 100000)

	refund, err := reserve(env, parent, 40000)
	if err != nil {
		t.Fatalf("ReserveRefund: %v", err)
	}
	if refund.Status != models.StatusPending || refund.ParentID == nil || *refund.ParentID != parent.ID {
		t.Fatalf("unexpected refund row %#v", refund)
	}
	if refund.MetaString(models.MetaParentOrderRef) != "ORD1" || refund.MetaString(models.MetaRefundOperator) != "admin-1" {
		t.Fatalf("unexpected refund meta %v", refund.Meta)
	}
	if refund.OrderRef == parent.OrderRef {
		t.Fatal("refund reused the parent order reference")
	}

	bal, err := env.Store.RefundableBalance(ctx, parent)
	if err != nil || bal != 60000 {
		t.Fatalf("balance %d %v", bal, err)
	}
	if got := mustFind(t, env, parent.ID); got.Status != models.StatusSucceeded {
		t.Fatalf("parent status changed to %s", got.Status)
	}
}

func TestReserveRefundExceedingBalance(t *testing.T) {
	env := storetest.New(t)
	parent := paidPayment(t, env, "ORD1", 100000)

	if _, err := reserve(env, parent, 150000); !errors.Is(err, store.ErrRefundExceedsBalance) {
		t.Fatalf("expected ErrRefundExceedsBalance, got %v", err)
	}
	if _, err := reserve(env, parent, 70000); err != nil {
		t.Fatal(err)
	}
	if _, err := reserve(env, parent, 30001); !errors.Is(err, store.ErrRefundExceedsBalance) {
		t.Fatalf("expected ErrRefundExceedsBalance, got %v", err)
	}
	refunds, _, err := env.Store.List(ctx, store.Filter{ParentID: parent.ID}, 10, 0)
	if err != nil || len(refunds) != 1 {
		t.Fatalf("expected one refund row, got %v %v", refunds, err)
	}
}

func TestReserveRefundRequiresSucceededPayment(t *testing.T) {
	env := storetest.New(t)
	pending := createPayment(t, env, "ORD1", 100000)
	if _, err := reserve(env, pending, 1000); !errors.Is(err, store.ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict, got %v", err)
	}
}

func TestConcurrentRefundsRespectBalance(t *testing.T) {
	env := storetest.New(t)
	parent := paidPayment(t, env, "ORD1", 100000)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reserve(env, parent, 60000)
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
				return
			}
			if !errors.Is(err, store.ErrRefundExceedsBalance) {
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()
	if accepted != 1 {
		t.Fatalf("expected exactly one reservation, got %d", accepted)
	}
}

func TestSettleRefund(t *testing.T) {
	env := storetest.New(t)
	parent := paidPayment(t, env, "ORD1", 100000)

	failed, _ := reserve(env, parent, 100000)
	got, err := env.Store.FailRefund(ctx, failed, "gateway rejected", "94")
	if err != nil || got.Status != models.StatusFailed || got.MetaString(models.MetaFailureReason) != "gateway rejected" {
		t.Fatalf("FailRefund: %#v %v", got, err)
	}
	if bal, _ := env.Store.RefundableBalance(ctx, parent); bal != 100000 {
		t.Fatalf("failed refund still reserved: balance %d", bal)
	}

	ambiguous, _ := reserve(env, parent, 100000)
	got, err = env.Store.MarkRefundAmbiguous(ctx, ambiguous, "timeout")
	if err != nil || got.Status != models.StatusProcessing || got.MetaString(models.MetaAmbiguous) != "timeout" {
		t.Fatalf("MarkRefundAmbiguous: %#v %v", got, err)
	}
	if bal, _ := env.Store.RefundableBalance(ctx, parent); bal != 0 {
		t.Fatalf("ambiguous refund released: balance %d", bal)
	}

	got, err = env.Store.CompleteRefund(ctx, got, "77001", "00")
	if err != nil || got.Status != models.StatusRefunded || *got.ExternalTransactionNo != "77001" {
		t.Fatalf("CompleteRefund: %#v %v", got, err)
	}
	if _, ok := got.Meta[models.MetaAmbiguous]; ok {
		t.Fatal("ambiguous flag kept after completion")
	}
	if _, err := env.Store.FailRefund(ctx, got, "late", ""); !errors.Is(err, store.ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict on settled refund, got %v", err)
	}
	if _, err := env.Store.CompleteRefund(ctx, parent, "", ""); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected ErrInvalidTransaction for a payment, got %v", err)
	}
}
