// Package gateway talks to the external payment gateways: it builds payment
// requests, verifies inbound callbacks and performs query and refund calls.
// Each gateway is a Client variant sharing one contract.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MNhat168/sport-zone-sub005/models"
)

var (
	// ErrSignatureInvalid is a security rejection. The callback must be
	// discarded without touching any transaction and is never retried.
	ErrSignatureInvalid = errors.New("gateway: signature invalid")
	// ErrGatewayUnavailable covers transport failures and 5xx answers.
	ErrGatewayUnavailable = errors.New("gateway: unavailable")
	// ErrGatewayRejected is a well-formed answer with a non-success code.
	ErrGatewayRejected = errors.New("gateway: request rejected")
	// ErrRefundAmbiguous means the refund may or may not have executed.
	// Re-query before any retry.
	ErrRefundAmbiguous    = errors.New("gateway: refund outcome unknown")
	ErrRefundUnsupported  = errors.New("gateway: refunds not supported")
	ErrUnknownGateway     = errors.New("gateway: unknown gateway")
	ErrInvalidAmount      = errors.New("gateway: invalid amount")
	ErrInvalidOrderRef    = errors.New("gateway: invalid order reference")
	ErrMalformedCallback  = errors.New("gateway: malformed callback")
	ErrMisconfigured      = errors.New("gateway: missing configuration")
	ErrUnexpectedResponse = errors.New("gateway: unexpected response")
)

// Client is the contract every gateway variant implements.
type Client interface {
	ID() models.GatewayID
	CreatePaymentRequest(ctx context.Context, req PaymentRequest) (*PaymentRedirect, error)
	// VerifyCallback returns ErrSignatureInvalid together with a result whose
	// Valid is false when the signature does not match; OrderRef is filled in
	// on a best-effort basis for logging.
	VerifyCallback(ctx context.Context, cb Callback) (*models.CallbackResult, error)
	// QueryTransaction is read-only and retried with backoff.
	QueryTransaction(ctx context.Context, orderRef, originalTxnDate string) (*QueryResult, error)
	// ProcessRefund is never retried.
	ProcessRefund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}

// PaymentRequest carries amounts in VND; clients scale to their wire unit.
type PaymentRequest struct {
	OrderRef    string
	Amount      int64
	Description string
	ReturnURL   string
	ClientIP    string
}

// PaymentRedirect is what the initiating flow sends the user to. Meta holds
// values to persist on the transaction for later query/refund calls.
type PaymentRedirect struct {
	Gateway       models.GatewayID  `json:"gateway"`
	OrderRef      string            `json:"order_ref"`
	URL           string            `json:"url"`
	PaymentLinkID string            `json:"payment_link_id,omitempty"`
	QRCode        string            `json:"qr_code,omitempty"`
	ExpiresAt     time.Time         `json:"expires_at"`
	Meta          map[string]string `json:"-"`
}

type CallbackKind string

const (
	CallbackReturn  CallbackKind = "return"
	CallbackWebhook CallbackKind = "webhook"
)

// Callback is the raw inbound material: query parameters, a body, or both.
type Callback struct {
	Kind  CallbackKind
	Query map[string]string
	Body  []byte
}

func (cb Callback) provenance() models.Provenance {
	if cb.Kind == CallbackReturn {
		return models.ProvenanceReturn
	}
	return models.ProvenanceWebhook
}

type QueryResult struct {
	Gateway               models.GatewayID `json:"gateway"`
	OrderRef              string           `json:"order_ref"`
	Amount                int64            `json:"amount"`
	Outcome               models.Outcome   `json:"outcome"`
	ResponseCode          string           `json:"response_code"`
	GatewayStatus         string           `json:"gateway_status"`
	ExternalTransactionNo string           `json:"external_transaction_no,omitempty"`
	BankRef               string           `json:"bank_ref,omitempty"`
	Message               string           `json:"message,omitempty"`
}

// CallbackResult converts a query answer into the shape callbacks use, so
// reconciliation writes through the same transition.
func (q *QueryResult) CallbackResult() models.CallbackResult {
	return models.CallbackResult{
		Gateway:               q.Gateway,
		Provenance:            models.ProvenanceReconciliation,
		Valid:                 true,
		OrderRef:              q.OrderRef,
		Amount:                q.Amount,
		ResponseCode:          q.ResponseCode,
		Outcome:               q.Outcome,
		Success:               q.Outcome == models.OutcomeSucceeded,
		ExternalTransactionNo: q.ExternalTransactionNo,
		BankRef:               q.BankRef,
		Message:               q.Message,
	}
}

type RefundKind string

const (
	RefundFull    RefundKind = "full"
	RefundPartial RefundKind = "partial"
)

type RefundRequest struct {
	OrderRef        string
	OriginalTxnDate string
	Amount          int64
	Kind            RefundKind
	Operator        string
	TransactionNo   string
	ClientIP        string
	Reason          string
}

type RefundResult struct {
	Success               bool   `json:"success"`
	ResponseCode          string `json:"response_code"`
	Message               string `json:"message,omitempty"`
	ExternalTransactionNo string `json:"external_transaction_no,omitempty"`
	Amount                int64  `json:"amount"`
}

// RefundCapability is implemented by clients that can tell, without I/O,
// whether ProcessRefund is available at all.
type RefundCapability interface {
	SupportsRefund() bool
}

// SupportsRefund reports whether c can process refunds. Clients without
// RefundCapability are assumed to.
func SupportsRefund(c Client) bool {
	if rc, ok := c.(RefundCapability); ok {
		return rc.SupportsRefund()
	}
	return true
}

// Registry resolves a gateway id to its client.
type Registry struct {
	clients map[models.GatewayID]Client
}

func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[models.GatewayID]Client)}
	for _, c := range clients {
		r.Register(c)
	}
	return r
}

func (r *Registry) Register(c Client) {
	r.clients[c.ID()] = c
}

func (r *Registry) Get(id models.GatewayID) (Client, error) {
	if c, ok := r.clients[id]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownGateway, id)
}
