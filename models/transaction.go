package models

import (
	"time"

	"gorm.io/datatypes"
)

type TransactionStatus string

const (
	StatusPending    TransactionStatus = "pending"
	StatusProcessing TransactionStatus = "processing"
	StatusSucceeded  TransactionStatus = "succeeded"
	StatusFailed     TransactionStatus = "failed"
	StatusRefunded   TransactionStatus = "refunded"
)

// Terminal reports whether no further status transition is allowed.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusRefunded:
		return true
	}
	return false
}

type TransactionType string

const (
	TypePayment       TransactionType = "payment"
	TypeRefundFull    TransactionType = "refund_full"
	TypeRefundPartial TransactionType = "refund_partial"
	TypeReversal      TransactionType = "reversal"
	TypeAdjustment    TransactionType = "adjustment"
	TypePayout        TransactionType = "payout"
	TypeFee           TransactionType = "fee"
)

func (t TransactionType) IsRefund() bool {
	return t == TypeRefundFull || t == TypeRefundPartial
}

type GatewayID string

const (
	GatewayVNPay GatewayID = "vnpay"
	GatewayPayOS GatewayID = "payos"
)

type PaymentMethod string

const (
	MethodVNPay PaymentMethod = "vnpay"
	MethodPayOS PaymentMethod = "payos"
)

// Gateway returns the gateway that collects money for the method.
func (m PaymentMethod) Gateway() (GatewayID, bool) {
	switch m {
	case MethodVNPay:
		return GatewayVNPay, true
	case MethodPayOS:
		return GatewayPayOS, true
	}
	return "", false
}

// Provenance tags which path wrote a transition, for audit.
type Provenance string

const (
	ProvenanceWebhook        Provenance = "webhook"
	ProvenanceReturn         Provenance = "return"
	ProvenanceReconciliation Provenance = "reconciliation"
	ProvenanceAdmin          Provenance = "admin"
	ProvenanceSweeper        Provenance = "sweeper"
)

// Metadata keys stored in Transaction.Meta.
const (
	MetaProvenance        = "provenance"
	MetaExtensionCount    = "extension_count"
	MetaCancelReason      = "cancel_reason"
	MetaFailureReason     = "failure_reason"
	MetaRefundReason      = "refund_reason"
	MetaRefundOperator    = "refund_operator"
	MetaAnomalies         = "anomalies"
	MetaGatewayCreateDate = "gateway_create_date"
	MetaPaymentLinkID     = "payment_link_id"
	MetaBankRef           = "bank_ref"
	MetaResponseCode      = "response_code"
	MetaParentOrderRef    = "parent_order_ref"
	MetaAmbiguous         = "ambiguous"
)

type Transaction struct {
	ID                    string            `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
	OrderRef              string            `gorm:"uniqueIndex;size:64;not null" json:"order_ref"`
	UserRef               string            `gorm:"index;size:64;not null" json:"user_ref"`
	BookingRef            *string           `gorm:"index;size:64" json:"booking_ref,omitempty"`
	ParentID              *string           `gorm:"index;size:36" json:"parent_id,omitempty"`
	Amount                int64             `gorm:"not null" json:"amount"`
	Currency              string            `gorm:"size:3;not null" json:"currency"`
	Method                PaymentMethod     `gorm:"size:32;not null" json:"method"`
	Gateway               GatewayID         `gorm:"size:32;not null" json:"gateway"`
	Type                  TransactionType   `gorm:"size:32;not null;index" json:"type"`
	Status                TransactionStatus `gorm:"size:32;not null;index:idx_tx_status_expires" json:"status"`
	ExpiresAt             time.Time         `gorm:"index:idx_tx_status_expires" json:"expires_at"`
	ExternalTransactionNo *string           `gorm:"size:64" json:"external_transaction_no,omitempty"`
	PendingEvent          *string           `gorm:"size:32;index" json:"-"`
	Version               int64             `gorm:"not null" json:"version"`
	Meta                  datatypes.JSONMap `json:"meta,omitempty"`
}

// MetaString returns a string metadata value, or "" when absent.
func (t *Transaction) MetaString(key string) string {
	if t.Meta == nil {
		return ""
	}
	s, _ := t.Meta[key].(string)
	return s
}

// MetaInt reads a numeric metadata value. Values read back from the JSON
// column decode as float64, values set in memory are ints.
func (t *Transaction) MetaInt(key string) int {
	if t.Meta == nil {
		return 0
	}
	switch v := t.Meta[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// MetaList returns a list-valued metadata entry as strings.
func (t *Transaction) MetaList(key string) []string {
	if t.Meta == nil {
		return nil
	}
	switch v := t.Meta[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// CloneMeta copies the metadata so a write can be prepared without touching
// the loaded snapshot.
func (t *Transaction) CloneMeta() datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for k, v := range t.Meta {
		out[k] = v
	}
	return out
}
