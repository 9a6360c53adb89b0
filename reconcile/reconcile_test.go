package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/MNhat168/sport-zone-sub005/gateway"
	"github.com/MNhat168/sport-zone-sub005/models"
	"github.com/MNhat168/sport-zone-sub005/store"
	"github.com/MNhat168/sport-zone-sub005/store/storetest"
)

var ctx = context.Background()

// fakeClient answers queries and refunds from canned values and counts
// remote calls.
type fakeClient struct {
	query       *gateway.QueryResult
	queryErr    error
	refund      *gateway.RefundResult
	refundErr   error
	queries     int
	refunds     int
	lastRefund  gateway.RefundRequest
	lastTxnDate string
	noRefunds   bool
}

func (f *fakeClient) SupportsRefund() bool { return !f.noRefunds }

func (f *fakeClient) ID() models.GatewayID { return models.GatewayVNPay }

func (f *fakeClient) CreatePaymentRequest(ctx context.Context, req gateway.PaymentRequest) (*gateway.PaymentRedirect, error) {
	return nil, errors.New("not used")
}

func (f *fakeClient) VerifyCallback(ctx context.Context, cb gateway.Callback) (*models.CallbackResult, error) {
	return nil, errors.New("not used")
}

func (f *fakeClient) QueryTransaction(ctx context.Context, orderRef, originalTxnDate string) (*gateway.QueryResult, error) {
	f.queries++
	f.lastTxnDate = originalTxnDate
	return f.query, f.queryErr
}

func (f *fakeClient) ProcessRefund(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error) {
	f.refunds++
	f.lastRefund = req
	return f.refund, f.refundErr
}

func setup(t *testing.T, fc *fakeClient) (*storetest.Env, *Service) {
	t.Helper()
	env := storetest.New(t)
	return env, New(env.Store, gateway.NewRegistry(fc), nil)
}

func createPayment(t *testing.T, env *storetest.Env, orderRef string, amount int64) *models.Transaction {
	t.Helper()
	tx, err := env.Store.Create(ctx, store.NewTransaction{
		OrderRef: orderRef, Amount: amount, Method: models.MethodVNPay, UserRef: "user-1",
		Meta: map[string]any{models.MetaGatewayCreateDate: "20260301100000"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return tx
}

func paid(t *testing.T, env *storetest.Env, orderRef string, amount int64) *models.Transaction {
	t.Helper()
	createPayment(t, env, orderRef, amount)
	res, err := env.Store.ApplyCallbackResult(ctx, orderRef, models.CallbackResult{
		Gateway: models.GatewayVNPay, Provenance: models.ProvenanceWebhook, Valid: true,
		Amount: amount, Outcome: models.OutcomeSucceeded, Success: true, ExternalTransactionNo: "14001",
	})
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	return res.Transaction
}

func TestRefundExceedingBalanceMakesNoRemoteCall(t *testing.T) {
	fc := &fakeClient{}
	env, svc := setup(t, fc)
	parent := paid(t, env, "ORD1", 100000)

	_, err := svc.Refund(ctx, RefundCommand{OrderRef: "ORD1", Amount: 150000, Kind: gateway.RefundPartial, Operator: "admin-1"})
	if !errors.Is(err, store.ErrRefundExceedsBalance) {
		t.Fatalf("expected ErrRefundExceedsBalance, got %v", err)
	}
	if fc.refunds != 0 {
		t.Fatalf("expected zero remote calls, got %d", fc.refunds)
	}
	rows, _, _ := env.Store.List(ctx, store.Filter{ParentID: parent.ID}, 10, 0)
	if len(rows) != 0 {
		t.Fatalf("refund row created: %v", rows)
	}
}

func TestRefundUnsupportedGatewayReservesNothing(t *testing.T) {
	fc := &fakeClient{noRefunds: true}
	env, svc := setup(t, fc)
	parent := paid(t, env, "ORD1", 100000)

	_, err := svc.Refund(ctx, RefundCommand{OrderRef: "ORD1", Amount: 40000, Operator: "admin-1"})
	if !errors.Is(err, gateway.ErrRefundUnsupported) {
		t.Fatalf("expected ErrRefundUnsupported, got %v", err)
	}
	if fc.refunds != 0 {
		t.Fatalf("expected zero remote calls, got %d", fc.refunds)
	}
	rows, _, _ := env.Store.List(ctx, store.Filter{ParentID: parent.ID}, 10, 0)
	if len(rows) != 0 {
		t.Fatalf("refund row created: %v", rows)
	}
}

func TestRefundPartialThenRemainder(t *testing.T) {
	fc := &fakeClient{refund: &gateway.RefundResult{Success: true, ResponseCode: "00", ExternalTransactionNo: "88001"}}
	env, svc := setup(t, fc)
	parent := paid(t, env, "ORD1", 100000)

	refund, err := svc.Refund(ctx, RefundCommand{OrderRef: "ORD1", Amount: 40000, Operator: "admin-1", Reason: "rain"})
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if refund.Status != models.StatusRefunded || refund.Type != models.TypeRefundPartial || *refund.ExternalTransactionNo != "88001" {
		t.Fatalf("unexpected refund %#v", refund)
	}
	if fc.lastRefund.Kind != gateway.RefundPartial || fc.lastRefund.TransactionNo != "14001" || fc.lastRefund.OriginalTxnDate != "20260301100000" {
		t.Fatalf("unexpected gateway request %+v", fc.lastRefund)
	}

	if _, err := svc.Refund(ctx, RefundCommand{OrderRef: "ORD1", Kind: gateway.RefundFull, Operator: "admin-1"}); !errors.Is(err, ErrInvalidRefund) {
		t.Fatalf("full refund after a partial: expected ErrInvalidRefund, got %v", err)
	}
	if _, err := svc.Refund(ctx, RefundCommand{OrderRef: "ORD1", Amount: 60001, Operator: "admin-1"}); !errors.Is(err, store.ErrRefundExceedsBalance) {
		t.Fatalf("expected ErrRefundExceedsBalance, got %v", err)
	}
	if _, err := svc.Refund(ctx, RefundCommand{OrderRef: "ORD1", Amount: 60000, Operator: "admin-1"}); err != nil {
		t.Fatalf("remainder: %v", err)
	}
	if bal, _ := env.Store.RefundableBalance(ctx, parent); bal != 0 {
		t.Fatalf("balance %d", bal)
	}
	if fc.refunds != 2 {
		t.Fatalf("expected 2 remote calls, got %d", fc.refunds)
	}
	if got, _ := env.Store.FindByID(ctx, parent.ID); got.Status != models.StatusSucceeded {
		t.Fatalf("parent mutated to %s", got.Status)
	}
}

func TestRefundFull(t *testing.T) {
	fc := &fakeClient{refund: &gateway.RefundResult{Success: true, ResponseCode: "00"}}
	env, svc := setup(t, fc)
	paid(t, env, "ORD1", 100000)

	refund, err := svc.Refund(ctx, RefundCommand{OrderRef: "ORD1", Kind: gateway.RefundFull, Operator: "admin-1"})
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if refund.Type != models.TypeRefundFull || refund.Amount != 100000 || fc.lastRefund.Kind != gateway.RefundFull {
		t.Fatalf("unexpected refund %#v / %+v", refund, fc.lastRefund)
	}
}

func TestRefundAmbiguousIsNotRetried(t *testing.T) {
	fc := &fakeClient{refundErr: fmt.Errorf("%w: %w", gateway.ErrRefundAmbiguous, gateway.ErrGatewayUnavailable)}
	env, svc := setup(t, fc)
	parent := paid(t, env, "ORD1", 100000)

	refund, err := svc.Refund(ctx, RefundCommand{OrderRef: "ORD1", Amount: 50000, Operator: "admin-1"})
	if !errors.Is(err, gateway.ErrRefundAmbiguous) {
		t.Fatalf("expected ErrRefundAmbiguous, got %v", err)
	}
	if fc.refunds != 1 {
		t.Fatalf("refund called %d times", fc.refunds)
	}
	if refund == nil || refund.Status != models.StatusProcessing || refund.MetaString(models.MetaAmbiguous) == "" {
		t.Fatalf("unexpected refund %#v", refund)
	}
	if bal, _ := env.Store.RefundableBalance(ctx, parent); bal != 50000 {
		t.Fatalf("ambiguous amount should stay reserved, balance %d", bal)
	}
}

func TestRefundRejectedReleasesBalance(t *testing.T) {
	fc := &fakeClient{refund: &gateway.RefundResult{Success: false, ResponseCode: "94", Message: "duplicate request"}}
	env, svc := setup(t, fc)
	parent := paid(t, env, "ORD1", 100000)

	refund, err := svc.Refund(ctx, RefundCommand{OrderRef: "ORD1", Amount: 50000, Operator: "admin-1"})
	if !errors.Is(err, gateway.ErrGatewayRejected) {
		t.Fatalf("expected ErrGatewayRejected, got %v", err)
	}
	if refund.Status != models.StatusFailed {
		t.Fatalf("status %s", refund.Status)
	}
	if bal, _ := env.Store.RefundableBalance(ctx, parent); bal != 100000 {
		t.Fatalf("balance %d", bal)
	}
}

func TestRefundRequiresSucceededPayment(t *testing.T) {
	fc := &fakeClient{}
	env, svc := setup(t, fc)
	createPayment(t, env, "ORD1", 100000)

	if _, err := svc.Refund(ctx, RefundCommand{OrderRef: "ORD1", Amount: 100, Operator: "admin-1"}); !errors.Is(err, ErrNotRefundable) {
		t.Fatalf("expected ErrNotRefundable, got %v", err)
	}
	if _, err := svc.Refund(ctx, RefundCommand{OrderRef: "NOPE", Amount: 100, Operator: "admin-1"}); !errors.Is(err, store.ErrUnknownOrderRef) {
		t.Fatalf("expected ErrUnknownOrderRef, got %v", err)
	}
	if fc.refunds != 0 {
		t.Fatal("remote call made")
	}
}

func TestRefundValidatesInput(t *testing.T) {
	fc := &fakeClient{}
	env, svc := setup(t, fc)
	paid(t, env, "ORD1", 100000)

	cases := []RefundCommand{
		{OrderRef: "ORD1", Amount: 0, Operator: "admin-1"},
		{OrderRef: "ORD1", Amount: -5, Operator: "admin-1"},
		{OrderRef: "ORD1", Amount: 100, Operator: ""},
		{OrderRef: "ORD1", Amount: 100, Kind: "chargeback", Operator: "admin-1"},
		{OrderRef: "ORD1", Amount: 100, Kind: gateway.RefundFull, Operator: "admin-1"},
	}
	for _, cmd := range cases {
		if _, err := svc.Refund(ctx, cmd); !errors.Is(err, ErrInvalidRefund) {
			t.Errorf("%+v: expected ErrInvalidRefund, got %v", cmd, err)
		}
	}
	if fc.refunds != 0 {
		t.Fatal("remote call made")
	}
}

func TestQueryWritesThrough(t *testing.T) {
	fc := &fakeClient{query: &gateway.QueryResult{
		Gateway: models.GatewayVNPay, OrderRef: "ORD1", Amount: 200000,
		Outcome: models.OutcomeSucceeded, ResponseCode: "00", GatewayStatus: "00", ExternalTransactionNo: "14002",
	}}
	env, svc := setup(t, fc)
	tx := createPayment(t, env, "ORD1", 200000)

	res, err := svc.Query(ctx, "ORD1")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.Outcome != store.Applied || res.Transaction.Status != models.StatusSucceeded {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Transaction.MetaString(models.MetaProvenance) != "reconciliation" {
		t.Fatalf("provenance %q", res.Transaction.MetaString(models.MetaProvenance))
	}
	if fc.lastTxnDate != "20260301100000" {
		t.Fatalf("original date %q", fc.lastTxnDate)
	}
	if env.Events.Count(models.EventPaymentSuccess, tx.ID) != 1 {
		t.Fatal("expected payment.success")
	}

	res, err = svc.Query(ctx, "ORD1")
	if err != nil || res.Outcome != store.Duplicate {
		t.Fatalf("second query: %+v %v", res, err)
	}
}

func TestQueryPendingIsIgnored(t *testing.T) {
	fc := &fakeClient{query: &gateway.QueryResult{Gateway: models.GatewayVNPay, OrderRef: "ORD1", Outcome: models.OutcomePending}}
	env, svc := setup(t, fc)
	createPayment(t, env, "ORD1", 200000)

	res, err := svc.Query(ctx, "ORD1")
	if err != nil || res.Outcome != store.Ignored || res.Transaction.Status != models.StatusPending {
		t.Fatalf("unexpected result %+v %v", res, err)
	}
}

func TestQueryGatewayUnavailable(t *testing.T) {
	fc := &fakeClient{queryErr: gateway.ErrGatewayUnavailable}
	env, svc := setup(t, fc)
	createPayment(t, env, "ORD1", 200000)

	if _, err := svc.Query(ctx, "ORD1"); !errors.Is(err, gateway.ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
}

func TestQueryRejectsForeignAnswer(t *testing.T) {
	fc := &fakeClient{query: &gateway.QueryResult{OrderRef: "OTHER", Outcome: models.OutcomeSucceeded}}
	env, svc := setup(t, fc)
	createPayment(t, env, "ORD1", 200000)

	if _, err := svc.Query(ctx, "ORD1"); !errors.Is(err, gateway.ErrUnexpectedResponse) {
		t.Fatalf("expected ErrUnexpectedResponse, got %v", err)
	}
}
