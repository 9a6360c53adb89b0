package models

// PaymentRequest is the payload the booking flow sends to start a payment.
type PaymentRequest struct {
	OrderRef    string        `json:"order_ref" validate:"omitempty,max=64"` // generated when empty; PayOS needs digits only
	Amount      int64         `json:"amount" validate:"required,gt=0"`       // VND, unscaled
	Method      PaymentMethod `json:"method" validate:"required,oneof=vnpay payos"`
	UserRef     string        `json:"user_ref" validate:"required,max=64"`
	BookingRef  *string       `json:"booking_ref,omitempty" validate:"omitempty,max=64"`
	Description string        `json:"description" validate:"max=255"`
	ReturnURL   string        `json:"return_url,omitempty" validate:"omitempty,url"` // overrides the configured return URL
}
