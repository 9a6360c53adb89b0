package models

import "time"

type EventType string

const (
	EventPaymentSuccess   EventType = "payment.success"
	EventPaymentFailed    EventType = "payment.failed"
	EventPaymentExpired   EventType = "payment.expired"
	EventPaymentCancelled EventType = "payment.cancelled"
	EventPaymentExtended  EventType = "payment.extended"
)

// PaymentEvent is what booking and notification consumers receive. Delivery
// is at-least-once, consumers dedupe on (Type, TransactionID).
type PaymentEvent struct {
	Type          EventType     `json:"type"`
	TransactionID string        `json:"transactionId"`
	BookingID     *string       `json:"bookingId,omitempty"`
	UserID        string        `json:"userId"`
	Amount        int64         `json:"amount"`
	Method        PaymentMethod `json:"method"`
	Timestamp     time.Time     `json:"timestamp"`
}

func NewPaymentEvent(typ EventType, tx *Transaction, at time.Time) PaymentEvent {
	return PaymentEvent{
		Type:          typ,
		TransactionID: tx.ID,
		BookingID:     tx.BookingRef,
		UserID:        tx.UserRef,
		Amount:        tx.Amount,
		Method:        tx.Method,
		Timestamp:     at.UTC(),
	}
}
