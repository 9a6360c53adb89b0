// payment_handler_db.go contains GET and POST handlers for /payments and /transactions
package handlers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/MNhat168/sport-zone-sub005/gateway"
	"github.com/MNhat168/sport-zone-sub005/models"
	"github.com/MNhat168/sport-zone-sub005/store"
)

type createPaymentResponse struct {
	TransactionID string           `json:"transaction_id"`
	OrderRef      string           `json:"order_ref"`
	Gateway       models.GatewayID `json:"gateway"`
	Amount        int64            `json:"amount"`
	PaymentURL    string           `json:"payment_url"`
	PaymentLinkID string           `json:"payment_link_id,omitempty"`
	QRCode        string           `json:"qr_code,omitempty"`
	ExpiresAt     time.Time        `json:"expires_at"`
}

// CreatePayment records a pending transaction and asks its gateway for the
// redirect target the booking flow sends the user to.
func (h *PaymentHandler) CreatePayment(c *fiber.Ctx) error {
	var req models.PaymentRequest
	if err := h.parseBody(c, &req); err != nil {
		return badRequest(c, err)
	}
	gw, _ := req.Method.Gateway()
	client, err := h.Gateways.Get(gw)
	if err != nil {
		return fail(c, err)
	}
	if req.OrderRef == "" {
		req.OrderRef = h.newOrderRef(gw)
	}

	ctx := c.UserContext()
	tx, err := h.Store.Create(ctx, store.NewTransaction{
		OrderRef:   req.OrderRef,
		Amount:     req.Amount,
		Method:     req.Method,
		Type:       models.TypePayment,
		UserRef:    req.UserRef,
		BookingRef: req.BookingRef,
	})
	if err != nil {
		return fail(c, err)
	}
	log := h.Log.With(zap.String("transaction_id", tx.ID), zap.String("order_ref", tx.OrderRef), zap.String("gateway", string(gw)))

	redirect, err := client.CreatePaymentRequest(ctx, gateway.PaymentRequest{
		OrderRef:    tx.OrderRef,
		Amount:      tx.Amount,
		Description: req.Description,
		ReturnURL:   req.ReturnURL,
		ClientIP:    c.IP(),
	})
	if err != nil {
		log.Warn("payment request failed", zap.Error(err))
		if _, xerr := h.Store.Expire(ctx, tx.ID, "payment_request_failed"); xerr != nil && !store.IsCommitted(xerr) {
			log.Error("failing transaction after payment request error", zap.Error(xerr))
		}
		return fail(c, err)
	}

	if len(redirect.Meta) > 0 {
		kv := make(map[string]any, len(redirect.Meta))
		for k, v := range redirect.Meta {
			kv[k] = v
		}
		if _, err := h.Store.Annotate(ctx, tx.ID, kv); err != nil {
			// Query and refund fall back to CreatedAt for the gateway date.
			log.Warn("saving gateway metadata failed", zap.Error(err))
		}
	}

	return c.Status(fiber.StatusCreated).JSON(createPaymentResponse{
		TransactionID: tx.ID,
		OrderRef:      tx.OrderRef,
		Gateway:       gw,
		Amount:        tx.Amount,
		PaymentURL:    redirect.URL,
		PaymentLinkID: redirect.PaymentLinkID,
		QRCode:        redirect.QRCode,
		ExpiresAt:     tx.ExpiresAt,
	})
}

func (h *PaymentHandler) ListTransactions(c *fiber.Ctx) error {
	f := store.Filter{
		UserRef:    c.Query("user_ref"),
		BookingRef: c.Query("booking_ref"),
		ParentID:   c.Query("parent_id"),
		Status:     models.TransactionStatus(c.Query("status")),
		Type:       models.TransactionType(c.Query("type")),
		Method:     models.PaymentMethod(c.Query("method")),
	}
	limit, offset := helpersParseLimitOffset(c.Query("limit"), c.Query("offset"))

	transactions, total, err := h.Store.List(c.UserContext(), f, limit, offset)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to retrieve transactions: " + err.Error()})
	}

	return c.JSON(fiber.Map{
		"transactions": transactions,
		"pagination": fiber.Map{
			"total":  total,
			"limit":  limit,
			"offset": offset,
		},
	})
}

func (h *PaymentHandler) GetTransaction(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "id is required"})
	}
	tx, err := h.findTransaction(c.UserContext(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrUnknownOrderRef) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Transaction not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to retrieve transaction: " + err.Error()})
	}
	return c.JSON(tx)
}
