package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MNhat168/sport-zone-sub005/clock"
	"github.com/MNhat168/sport-zone-sub005/models"
	"github.com/MNhat168/sport-zone-sub005/signature"
)

const (
	payosCodeSuccess     = "00"
	payosDescriptionSize = 25
)

type PayOSConfig struct {
	ClientID    string
	APIKey      string
	ChecksumKey string
	APIURL      string
	ReturnURL   string
	CancelURL   string
	ExpireAfter time.Duration
	Timeout     time.Duration
	Retry       *RetryPolicy
}

type PayOSClient struct {
	cfg   PayOSConfig
	codec signature.PayOS
	http  *http.Client
	clock clock.Clock
	retry RetryPolicy
	log   *zap.Logger
}

func NewPayOS(cfg PayOSConfig, clk clock.Clock, hc *http.Client, log *zap.Logger) (*PayOSClient, error) {
	var missing []string
	for name, v := range map[string]string{
		"ClientID": cfg.ClientID, "APIKey": cfg.APIKey, "ChecksumKey": cfg.ChecksumKey,
		"APIURL": cfg.APIURL, "ReturnURL": cfg.ReturnURL,
	} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: payos %s", ErrMisconfigured, strings.Join(missing, ", "))
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if cfg.CancelURL == "" {
		cfg.CancelURL = cfg.ReturnURL
	}
	if cfg.ExpireAfter <= 0 {
		cfg.ExpireAfter = 15 * time.Minute
	}
	retry := DefaultRetry
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PayOSClient{
		cfg:   cfg,
		http:  newHTTPClient(hc, cfg.Timeout),
		clock: clk,
		retry: retry,
		log:   log.With(zap.String("gateway", string(models.GatewayPayOS))),
	}, nil
}

func (c *PayOSClient) ID() models.GatewayID { return models.GatewayPayOS }

func (c *PayOSClient) headers() map[string]string {
	return map[string]string{"x-client-id": c.cfg.ClientID, "x-api-key": c.cfg.APIKey}
}

// PayOS order codes are positive integers.
func payosOrderCode(orderRef string) (int64, error) {
	n, err := strconv.ParseInt(orderRef, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: payos order code must be a positive integer, got %q", ErrInvalidOrderRef, orderRef)
	}
	return n, nil
}

type payosCreateRequest struct {
	OrderCode   int64  `json:"orderCode"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	CancelURL   string `json:"cancelUrl"`
	ReturnURL   string `json:"returnUrl"`
	ExpiredAt   int64  `json:"expiredAt"`
	Signature   string `json:"signature"`
}

type payosCheckout struct {
	PaymentLinkID string `json:"paymentLinkId"`
	CheckoutURL   string `json:"checkoutUrl"`
	QRCode        string `json:"qrCode"`
}

type payosTransaction struct {
	Reference     string `json:"reference"`
	Amount        int64  `json:"amount"`
	AccountNumber string `json:"accountNumber"`
}

type payosPaymentInfo struct {
	ID           string             `json:"id"`
	OrderCode    int64              `json:"orderCode"`
	Amount       int64              `json:"amount"`
	AmountPaid   int64              `json:"amountPaid"`
	Status       string             `json:"status"`
	Transactions []payosTransaction `json:"transactions"`
}

func (c *PayOSClient) CreatePaymentRequest(ctx context.Context, req PaymentRequest) (*PaymentRedirect, error) {
	orderCode, err := payosOrderCode(req.OrderRef)
	if err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAmount, req.Amount)
	}
	desc := req.Description
	if desc == "" {
		desc = "Thanh toan " + req.OrderRef
	}
	if r := []rune(desc); len(r) > payosDescriptionSize {
		desc = string(r[:payosDescriptionSize])
	}
	returnURL := req.ReturnURL
	if returnURL == "" {
		returnURL = c.cfg.ReturnURL
	}
	expires := c.clock.Now().Add(c.cfg.ExpireAfter)

	body := payosCreateRequest{
		OrderCode:   orderCode,
		Amount:      req.Amount,
		Description: desc,
		CancelURL:   c.cfg.CancelURL,
		ReturnURL:   returnURL,
		ExpiredAt:   expires.Unix(),
	}
	body.Signature = c.codec.Sign(c.codec.Canonicalize(map[string]string{
		"amount":      strconv.FormatInt(body.Amount, 10),
		"cancelUrl":   body.CancelURL,
		"description": body.Description,
		"orderCode":   strconv.FormatInt(body.OrderCode, 10),
		"returnUrl":   body.ReturnURL,
	}, true), c.cfg.ChecksumKey)

	var raw json.RawMessage
	if err := doJSON(ctx, c.http, http.MethodPost, c.cfg.APIURL+"/v2/payment-requests", c.headers(), body, &raw); err != nil {
		return nil, err
	}
	env, flat, err := signature.ParseEnvelope(raw)
	if err != nil {
		if env != nil && env.Code != "" && env.Code != payosCodeSuccess {
			return nil, fmt.Errorf("%w: payos code %s: %s", ErrGatewayRejected, env.Code, env.Desc)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	if env.Code != payosCodeSuccess {
		return nil, fmt.Errorf("%w: payos code %s: %s", ErrGatewayRejected, env.Code, env.Desc)
	}
	if !c.codec.Verify(flat, env.Signature, c.cfg.ChecksumKey) {
		return nil, fmt.Errorf("%w: payment link answer", ErrSignatureInvalid)
	}
	var data payosCheckout
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}

	return &PaymentRedirect{
		Gateway:       models.GatewayPayOS,
		OrderRef:      req.OrderRef,
		URL:           data.CheckoutURL,
		PaymentLinkID: data.PaymentLinkID,
		QRCode:        data.QRCode,
		ExpiresAt:     expires,
		Meta: map[string]string{
			models.MetaPaymentLinkID:     data.PaymentLinkID,
			models.MetaGatewayCreateDate: FormatVNPayDate(c.clock.Now()),
		},
	}, nil
}

// VerifyCallback accepts the nested webhook body or the flat return query.
// Both are signed over every field, sorted, with empty values included.
func (c *PayOSClient) VerifyCallback(ctx context.Context, cb Callback) (*models.CallbackResult, error) {
	if len(cb.Body) > 0 {
		return c.verifyWebhook(cb)
	}
	if len(cb.Query) == 0 {
		return nil, fmt.Errorf("%w: no parameters", ErrMalformedCallback)
	}
	q := cb.Query
	res := &models.CallbackResult{
		Gateway:      models.GatewayPayOS,
		Provenance:   cb.provenance(),
		OrderRef:     q["orderCode"],
		ResponseCode: q["code"],
	}
	if !c.codec.Verify(q, q[signature.PayOSSignatureField], c.cfg.ChecksumKey) {
		return res, ErrSignatureInvalid
	}
	res.Valid = true
	if v := q["amount"]; v != "" {
		amount, err := parseWholeAmount(v)
		if err != nil {
			return res, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
		}
		res.Amount = amount
	}
	res.Outcome = payosStatusOutcome(q["status"])
	if q["cancel"] == "true" {
		res.Outcome = models.OutcomeFailed
	}
	if res.ResponseCode != "" && res.ResponseCode != payosCodeSuccess {
		res.Outcome = models.OutcomeFailed
	}
	res.Success = res.Outcome == models.OutcomeSucceeded
	res.Message = q["status"]
	return res, nil
}

func (c *PayOSClient) verifyWebhook(cb Callback) (*models.CallbackResult, error) {
	env, flat, ok, err := c.codec.VerifyEnvelope(cb.Body, c.cfg.ChecksumKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	res := &models.CallbackResult{
		Gateway:      models.GatewayPayOS,
		Provenance:   cb.provenance(),
		OrderRef:     flat["orderCode"],
		ResponseCode: flat["code"],
	}
	if !ok {
		return res, ErrSignatureInvalid
	}
	res.Valid = true
	amount, err := parseWholeAmount(flat["amount"])
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	res.Amount = amount
	res.Success = env.Code == payosCodeSuccess && flat["code"] == payosCodeSuccess
	res.Outcome = models.OutcomeFailed
	if res.Success {
		res.Outcome = models.OutcomeSucceeded
	}
	res.ExternalTransactionNo = flat["reference"]
	res.BankRef = flat["counterAccountBankId"]
	res.Message = flat["desc"]
	return res, nil
}

// QueryTransaction ignores originalTxnDate; PayOS looks payments up by order
// code alone.
func (c *PayOSClient) QueryTransaction(ctx context.Context, orderRef, originalTxnDate string) (*QueryResult, error) {
	if _, err := payosOrderCode(orderRef); err != nil {
		return nil, err
	}
	var raw json.RawMessage
	err := c.retry.do(ctx, func(ctx context.Context) error {
		raw = nil
		err := doJSON(ctx, c.http, http.MethodGet, c.cfg.APIURL+"/v2/payment-requests/"+orderRef, c.headers(), nil, &raw)
		if err != nil {
			c.log.Warn("payment info attempt failed", zap.String("order_ref", orderRef), zap.Error(err))
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	env, flat, err := signature.ParseEnvelope(raw)
	if err != nil {
		if env != nil && env.Code != "" && env.Code != payosCodeSuccess {
			return nil, fmt.Errorf("%w: payos code %s: %s", ErrGatewayRejected, env.Code, env.Desc)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	if env.Code != payosCodeSuccess {
		return nil, fmt.Errorf("%w: payos code %s: %s", ErrGatewayRejected, env.Code, env.Desc)
	}
	if !c.codec.Verify(flat, env.Signature, c.cfg.ChecksumKey) {
		c.log.Warn("payment info failed signature check", zap.String("order_ref", orderRef))
		return nil, fmt.Errorf("%w: payment info answer", ErrSignatureInvalid)
	}
	var info payosPaymentInfo
	if err := json.Unmarshal(env.Data, &info); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}

	out := &QueryResult{
		Gateway:       models.GatewayPayOS,
		OrderRef:      strconv.FormatInt(info.OrderCode, 10),
		Amount:        info.Amount,
		Outcome:       payosStatusOutcome(info.Status),
		ResponseCode:  env.Code,
		GatewayStatus: info.Status,
		Message:       env.Desc,
	}
	if n := len(info.Transactions); n > 0 {
		out.ExternalTransactionNo = info.Transactions[n-1].Reference
	}
	return out, nil
}

func (c *PayOSClient) SupportsRefund() bool { return false }

// ProcessRefund: PayOS exposes no refund endpoint, money goes back by a
// manual transfer.
func (c *PayOSClient) ProcessRefund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	return nil, fmt.Errorf("%w: payos", ErrRefundUnsupported)
}

func payosStatusOutcome(status string) models.Outcome {
	switch strings.ToUpper(status) {
	case "PAID":
		return models.OutcomeSucceeded
	case "PROCESSING":
		return models.OutcomeProcessing
	case "CANCELLED", "EXPIRED", "FAILED":
		return models.OutcomeFailed
	}
	return models.OutcomePending
}
