package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MNhat168/sport-zone-sub005/clock"
	"github.com/MNhat168/sport-zone-sub005/models"
	"github.com/MNhat168/sport-zone-sub005/signature"
)

const (
	vnpayVersion    = "2.1.0"
	vnpayDateLayout = "20060102150405"

	vnpayCodeSuccess = "00"
)

// VNPay timestamps are wall-clock GMT+7.
var vnpayZone = time.FixedZone("ICT", 7*60*60)

func FormatVNPayDate(t time.Time) string { return t.In(vnpayZone).Format(vnpayDateLayout) }

func ParseVNPayDate(s string) (time.Time, error) {
	return time.ParseInLocation(vnpayDateLayout, s, vnpayZone)
}

type VNPayConfig struct {
	TmnCode     string
	HashSecret  string
	PaymentURL  string
	APIURL      string
	ReturnURL   string
	Locale      string
	ServerIP    string
	ExpireAfter time.Duration
	Timeout     time.Duration
	Retry       *RetryPolicy
}

type VNPayClient struct {
	cfg   VNPayConfig
	codec signature.VNPay
	http  *http.Client
	clock clock.Clock
	retry RetryPolicy
	log   *zap.Logger
}

func NewVNPay(cfg VNPayConfig, clk clock.Clock, hc *http.Client, log *zap.Logger) (*VNPayClient, error) {
	var missing []string
	for name, v := range map[string]string{
		"TmnCode": cfg.TmnCode, "HashSecret": cfg.HashSecret, "PaymentURL": cfg.PaymentURL,
		"APIURL": cfg.APIURL, "ReturnURL": cfg.ReturnURL,
	} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: vnpay %s", ErrMisconfigured, strings.Join(missing, ", "))
	}
	if cfg.Locale == "" {
		cfg.Locale = "vn"
	}
	if cfg.ServerIP == "" {
		cfg.ServerIP = "127.0.0.1"
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
	return &VNPayClient{
		cfg:   cfg,
		http:  newHTTPClient(hc, cfg.Timeout),
		clock: clk,
		retry: retry,
		log:   log.With(zap.String("gateway", string(models.GatewayVNPay))),
	}, nil
}

func (c *VNPayClient) ID() models.GatewayID { return models.GatewayVNPay }

func (c *VNPayClient) CreatePaymentRequest(ctx context.Context, req PaymentRequest) (*PaymentRedirect, error) {
	if req.OrderRef == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidOrderRef)
	}
	wireAmount, err := scaleVNPay(req.Amount)
	if err != nil {
		return nil, err
	}
	now := c.clock.Now()
	expires := now.Add(c.cfg.ExpireAfter)

	returnURL := req.ReturnURL
	if returnURL == "" {
		returnURL = c.cfg.ReturnURL
	}
	ip := req.ClientIP
	if ip == "" {
		ip = c.cfg.ServerIP
	}
	info := req.Description
	if info == "" {
		info = "Thanh toan don hang " + req.OrderRef
	}
	createDate := FormatVNPayDate(now)

	params := map[string]string{
		"vnp_Version":    vnpayVersion,
		"vnp_Command":    "pay",
		"vnp_TmnCode":    c.cfg.TmnCode,
		"vnp_Amount":     wireAmount,
		"vnp_CurrCode":   "VND",
		"vnp_TxnRef":     req.OrderRef,
		"vnp_OrderInfo":  info,
		"vnp_OrderType":  "other",
		"vnp_Locale":     c.cfg.Locale,
		"vnp_ReturnUrl":  returnURL,
		"vnp_IpAddr":     ip,
		"vnp_CreateDate": createDate,
		"vnp_ExpireDate": FormatVNPayDate(expires),
	}

	return &PaymentRedirect{
		Gateway:   models.GatewayVNPay,
		OrderRef:  req.OrderRef,
		URL:       c.cfg.PaymentURL + "?" + c.codec.SignedQuery(params, c.cfg.HashSecret),
		ExpiresAt: expires,
		Meta:      map[string]string{models.MetaGatewayCreateDate: createDate},
	}, nil
}

// VerifyCallback handles both the browser return and the IPN; they carry the
// same flat signed parameter set, in the query or a form body.
func (c *VNPayClient) VerifyCallback(ctx context.Context, cb Callback) (*models.CallbackResult, error) {
	params := cb.Query
	if len(params) == 0 && len(cb.Body) > 0 {
		values, err := url.ParseQuery(string(cb.Body))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
		}
		params = make(map[string]string, len(values))
		for k := range values {
			params[k] = values.Get(k)
		}
	}
	if len(params) == 0 {
		return nil, fmt.Errorf("%w: no parameters", ErrMalformedCallback)
	}

	res := &models.CallbackResult{
		Gateway:      models.GatewayVNPay,
		Provenance:   cb.provenance(),
		OrderRef:     params["vnp_TxnRef"],
		ResponseCode: params["vnp_ResponseCode"],
	}
	if !c.codec.Verify(params, params[signature.VNPayHashField], c.cfg.HashSecret) {
		return res, ErrSignatureInvalid
	}
	res.Valid = true

	amount, err := unscaleVNPay(params["vnp_Amount"])
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	res.Amount = amount

	txnStatus := params["vnp_TransactionStatus"]
	res.Success = res.ResponseCode == vnpayCodeSuccess && (txnStatus == "" || txnStatus == vnpayCodeSuccess)
	res.Outcome = models.OutcomeFailed
	if res.Success {
		res.Outcome = models.OutcomeSucceeded
	}
	if no := params["vnp_TransactionNo"]; no != "" && no != "0" {
		res.ExternalTransactionNo = no
	}
	res.BankRef = params["vnp_BankTranNo"]
	res.Message = vnpayResponseMessage(res.ResponseCode)
	return res, nil
}

type vnpayQueryRequest struct {
	RequestID       string `json:"vnp_RequestId"`
	Version         string `json:"vnp_Version"`
	Command         string `json:"vnp_Command"`
	TmnCode         string `json:"vnp_TmnCode"`
	TxnRef          string `json:"vnp_TxnRef"`
	OrderInfo       string `json:"vnp_OrderInfo"`
	TransactionDate string `json:"vnp_TransactionDate"`
	CreateDate      string `json:"vnp_CreateDate"`
	IPAddr          string `json:"vnp_IpAddr"`
	SecureHash      string `json:"vnp_SecureHash"`
}

type vnpayRefundRequest struct {
	RequestID       string `json:"vnp_RequestId"`
	Version         string `json:"vnp_Version"`
	Command         string `json:"vnp_Command"`
	TmnCode         string `json:"vnp_TmnCode"`
	TransactionType string `json:"vnp_TransactionType"`
	TxnRef          string `json:"vnp_TxnRef"`
	Amount          string `json:"vnp_Amount"`
	OrderInfo       string `json:"vnp_OrderInfo"`
	TransactionNo   string `json:"vnp_TransactionNo,omitempty"`
	TransactionDate string `json:"vnp_TransactionDate"`
	CreateBy        string `json:"vnp_CreateBy"`
	CreateDate      string `json:"vnp_CreateDate"`
	IPAddr          string `json:"vnp_IpAddr"`
	SecureHash      string `json:"vnp_SecureHash"`
}

type vnpayAPIResponse struct {
	ResponseID        flexString `json:"vnp_ResponseId"`
	Command           flexString `json:"vnp_Command"`
	ResponseCode      flexString `json:"vnp_ResponseCode"`
	Message           flexString `json:"vnp_Message"`
	TmnCode           flexString `json:"vnp_TmnCode"`
	TxnRef            flexString `json:"vnp_TxnRef"`
	Amount            flexString `json:"vnp_Amount"`
	BankCode          flexString `json:"vnp_BankCode"`
	PayDate           flexString `json:"vnp_PayDate"`
	TransactionNo     flexString `json:"vnp_TransactionNo"`
	TransactionType   flexString `json:"vnp_TransactionType"`
	TransactionStatus flexString `json:"vnp_TransactionStatus"`
	OrderInfo         flexString `json:"vnp_OrderInfo"`
	PromotionCode     flexString `json:"vnp_PromotionCode"`
	PromotionAmount   flexString `json:"vnp_PromotionAmount"`
	SecureHash        flexString `json:"vnp_SecureHash"`
}

// queryHashData is the positional form VNPay signs querydr answers with.
func (r *vnpayAPIResponse) queryHashData() string {
	return signature.JoinPositional(
		r.ResponseID.String(), r.Command.String(), r.ResponseCode.String(), r.Message.String(),
		r.TmnCode.String(), r.TxnRef.String(), r.Amount.String(), r.BankCode.String(),
		r.PayDate.String(), r.TransactionNo.String(), r.TransactionType.String(),
		r.TransactionStatus.String(), r.OrderInfo.String(), r.PromotionCode.String(),
		r.PromotionAmount.String(),
	)
}

func (r *vnpayAPIResponse) refundHashData() string {
	return signature.JoinPositional(
		r.ResponseID.String(), r.Command.String(), r.ResponseCode.String(), r.Message.String(),
		r.TmnCode.String(), r.TxnRef.String(), r.Amount.String(), r.BankCode.String(),
		r.PayDate.String(), r.TransactionNo.String(), r.TransactionType.String(),
		r.TransactionStatus.String(), r.OrderInfo.String(),
	)
}

func (c *VNPayClient) verifyAPIHash(data, provided string) bool {
	return signature.EqualHex(signature.SignSHA512(data, c.cfg.HashSecret), provided)
}

func newRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (c *VNPayClient) QueryTransaction(ctx context.Context, orderRef, originalTxnDate string) (*QueryResult, error) {
	if orderRef == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidOrderRef)
	}
	if originalTxnDate == "" {
		return nil, fmt.Errorf("%w: vnpay query needs the original transaction date", ErrInvalidOrderRef)
	}

	var resp vnpayAPIResponse
	err := c.retry.do(ctx, func(ctx context.Context) error {
		// Each attempt gets a fresh request id, VNPay rejects replays.
		req := vnpayQueryRequest{
			RequestID:       newRequestID(),
			Version:         vnpayVersion,
			Command:         "querydr",
			TmnCode:         c.cfg.TmnCode,
			TxnRef:          orderRef,
			OrderInfo:       "Truy van giao dich " + orderRef,
			TransactionDate: originalTxnDate,
			CreateDate:      FormatVNPayDate(c.clock.Now()),
			IPAddr:          c.cfg.ServerIP,
		}
		req.SecureHash = signature.SignSHA512(signature.JoinPositional(
			req.RequestID, req.Version, req.Command, req.TmnCode, req.TxnRef,
			req.TransactionDate, req.CreateDate, req.IPAddr, req.OrderInfo,
		), c.cfg.HashSecret)

		resp = vnpayAPIResponse{}
		if err := doJSON(ctx, c.http, http.MethodPost, c.cfg.APIURL, nil, req, &resp); err != nil {
			c.log.Warn("querydr attempt failed", zap.String("order_ref", orderRef), zap.Error(err))
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !c.verifyAPIHash(resp.queryHashData(), resp.SecureHash.String()) {
		c.log.Warn("querydr answer failed signature check", zap.String("order_ref", orderRef))
		return nil, fmt.Errorf("%w: querydr answer", ErrSignatureInvalid)
	}
	if resp.ResponseCode != vnpayCodeSuccess {
		return nil, fmt.Errorf("%w: querydr code %s: %s", ErrGatewayRejected, resp.ResponseCode, resp.Message)
	}

	amount, err := unscaleVNPay(resp.Amount.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	out := &QueryResult{
		Gateway:       models.GatewayVNPay,
		OrderRef:      resp.TxnRef.String(),
		Amount:        amount,
		Outcome:       vnpayQueryOutcome(resp.TransactionStatus.String()),
		ResponseCode:  resp.TransactionStatus.String(),
		GatewayStatus: resp.TransactionStatus.String(),
		Message:       resp.Message.String(),
	}
	if no := resp.TransactionNo.String(); no != "" && no != "0" {
		out.ExternalTransactionNo = no
	}
	out.BankRef = resp.BankCode.String()
	return out, nil
}

func (c *VNPayClient) ProcessRefund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	if req.OrderRef == "" || req.OriginalTxnDate == "" {
		return nil, fmt.Errorf("%w: refund needs order ref and original date", ErrInvalidOrderRef)
	}
	wireAmount, err := scaleVNPay(req.Amount)
	if err != nil {
		return nil, err
	}
	txType := "03"
	if req.Kind == RefundFull {
		txType = "02"
	}
	operator := req.Operator
	if operator == "" {
		operator = "system"
	}
	ip := req.ClientIP
	if ip == "" {
		ip = c.cfg.ServerIP
	}
	info := req.Reason
	if info == "" {
		info = "Hoan tien giao dich " + req.OrderRef
	}

	body := vnpayRefundRequest{
		RequestID:       newRequestID(),
		Version:         vnpayVersion,
		Command:         "refund",
		TmnCode:         c.cfg.TmnCode,
		TransactionType: txType,
		TxnRef:          req.OrderRef,
		Amount:          wireAmount,
		OrderInfo:       info,
		TransactionNo:   req.TransactionNo,
		TransactionDate: req.OriginalTxnDate,
		CreateBy:        operator,
		CreateDate:      FormatVNPayDate(c.clock.Now()),
		IPAddr:          ip,
	}
	body.SecureHash = signature.SignSHA512(signature.JoinPositional(
		body.RequestID, body.Version, body.Command, body.TmnCode, body.TransactionType,
		body.TxnRef, body.Amount, body.TransactionNo, body.TransactionDate, body.CreateBy,
		body.CreateDate, body.IPAddr, body.OrderInfo,
	), c.cfg.HashSecret)

	var resp vnpayAPIResponse
	if err := doJSON(ctx, c.http, http.MethodPost, c.cfg.APIURL, nil, body, &resp); err != nil {
		if isAmbiguous(err) {
			return nil, fmt.Errorf("%w: %w", ErrRefundAmbiguous, err)
		}
		return nil, err
	}
	if !c.verifyAPIHash(resp.refundHashData(), resp.SecureHash.String()) {
		return nil, fmt.Errorf("%w: %w: refund answer", ErrRefundAmbiguous, ErrSignatureInvalid)
	}

	out := &RefundResult{
		Success:      resp.ResponseCode == vnpayCodeSuccess,
		ResponseCode: resp.ResponseCode.String(),
		Message:      resp.Message.String(),
		Amount:       req.Amount,
	}
	if no := resp.TransactionNo.String(); no != "" && no != "0" {
		out.ExternalTransactionNo = no
	}
	return out, nil
}

// isAmbiguous reports failures after which a mutating call may have run.
func isAmbiguous(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable) || errors.Is(err, ErrUnexpectedResponse)
}

func vnpayQueryOutcome(status string) models.Outcome {
	switch status {
	case "00", "05", "06", "09":
		// 05/06/09 describe refunds against a payment that did succeed.
		return models.OutcomeSucceeded
	case "07":
		return models.OutcomeProcessing
	case "02", "04":
		return models.OutcomeFailed
	}
	return models.OutcomePending
}

func vnpayResponseMessage(code string) string {
	switch code {
	case "00":
		return "success"
	case "07":
		return "debited, suspected fraud"
	case "09":
		return "card not registered for internet banking"
	case "10":
		return "authentication failed too many times"
	case "11":
		return "payment window expired"
	case "12":
		return "card locked"
	case "13":
		return "wrong OTP"
	case "24":
		return "cancelled by customer"
	case "51":
		return "insufficient balance"
	case "65":
		return "daily limit exceeded"
	case "75":
		return "bank under maintenance"
	case "79":
		return "wrong password too many times"
	}
	return "failed"
}
