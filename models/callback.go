package models

// Outcome is the gateway-reported result normalized across gateways.
type Outcome string

const (
	OutcomeSucceeded  Outcome = "succeeded"
	OutcomeFailed     Outcome = "failed"
	OutcomeProcessing Outcome = "processing"
	OutcomePending    Outcome = "pending"
)

// Status maps an outcome to the status it drives a transaction to.
func (o Outcome) Status() TransactionStatus {
	switch o {
	case OutcomeSucceeded:
		return StatusSucceeded
	case OutcomeFailed:
		return StatusFailed
	case OutcomeProcessing:
		return StatusProcessing
	}
	return StatusPending
}

// CallbackResult is a verified, gateway-independent view of a return
// redirect, webhook or reconciliation query.
type CallbackResult struct {
	Gateway               GatewayID  `json:"gateway"`
	Provenance            Provenance `json:"provenance"`
	Valid                 bool       `json:"valid"`
	OrderRef              string     `json:"order_ref"`
	Amount                int64      `json:"amount"`
	ResponseCode          string     `json:"response_code"`
	Outcome               Outcome    `json:"outcome"`
	Success               bool       `json:"success"`
	ExternalTransactionNo string     `json:"external_transaction_no,omitempty"`
	BankRef               string     `json:"bank_ref,omitempty"`
	Message               string     `json:"message,omitempty"`
}
