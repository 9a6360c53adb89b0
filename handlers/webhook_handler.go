package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/MNhat168/sport-zone-sub005/gateway"
	"github.com/MNhat168/sport-zone-sub005/models"
	"github.com/MNhat168/sport-zone-sub005/store"
)

// VNPay IPN reply codes.
const (
	rspConfirmed      = "00"
	rspOrderNotFound  = "01"
	rspAlreadyHandled = "02"
	rspInvalidAmount  = "04"
	rspBadChecksum    = "97"
	rspUnknownError   = "99"
)

func vnpayReply(c *fiber.Ctx, code, message string) error {
	return c.JSON(fiber.Map{"RspCode": code, "Message": message})
}

// verify runs the gateway's signature check. A failed check is logged with
// the gateway and order reference and nothing else happens.
func (h *PaymentHandler) verify(c *fiber.Ctx, gw models.GatewayID, cb gateway.Callback) (*models.CallbackResult, error) {
	client, err := h.Gateways.Get(gw)
	if err != nil {
		return nil, err
	}
	res, err := client.VerifyCallback(c.UserContext(), cb)
	if err != nil {
		orderRef := ""
		if res != nil {
			orderRef = res.OrderRef
		}
		h.Log.Warn("callback rejected",
			zap.String("gateway", string(gw)),
			zap.String("order_ref", orderRef),
			zap.String("kind", string(cb.Kind)),
			zap.String("ip", c.IP()),
			zap.Error(err),
		)
		return nil, err
	}
	return res, nil
}

func (h *PaymentHandler) apply(c *fiber.Ctx, res *models.CallbackResult) (*store.ApplyResult, error) {
	out, err := h.Store.ApplyCallbackResult(c.UserContext(), res.OrderRef, *res)
	if err != nil && store.IsCommitted(err) {
		// The event is retried by the sweeper.
		return out, nil
	}
	return out, err
}

func callbackReply(out *store.ApplyResult) fiber.Map {
	return fiber.Map{
		"order_ref": out.Transaction.OrderRef,
		"status":    out.Transaction.Status,
		"outcome":   out.Outcome,
		"success":   out.Transaction.Status == models.StatusSucceeded,
	}
}

// VNPayReturn handles the browser redirect back from VNPay.
func (h *PaymentHandler) VNPayReturn(c *fiber.Ctx) error {
	res, err := h.verify(c, models.GatewayVNPay, gateway.Callback{Kind: gateway.CallbackReturn, Query: c.Queries()})
	if err != nil {
		return fail(c, err)
	}
	out, err := h.apply(c, res)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(callbackReply(out))
}

// VNPayIPN is the server-to-server notification. VNPay reads the RspCode in
// the JSON body, never the HTTP status.
func (h *PaymentHandler) VNPayIPN(c *fiber.Ctx) error {
	cb := gateway.Callback{Kind: gateway.CallbackWebhook, Query: c.Queries()}
	if len(cb.Query) == 0 {
		cb.Body = c.Body()
	}
	res, err := h.verify(c, models.GatewayVNPay, cb)
	if err != nil {
		if errors.Is(err, gateway.ErrSignatureInvalid) {
			return vnpayReply(c, rspBadChecksum, "Invalid signature")
		}
		return vnpayReply(c, rspUnknownError, "Invalid request")
	}

	out, err := h.apply(c, res)
	switch {
	case errors.Is(err, store.ErrUnknownOrderRef):
		return vnpayReply(c, rspOrderNotFound, "Order not found")
	case errors.Is(err, store.ErrAmountMismatch):
		return vnpayReply(c, rspInvalidAmount, "Invalid amount")
	case err != nil:
		h.Log.Error("ipn apply failed", zap.String("order_ref", res.OrderRef), zap.Error(err))
		return vnpayReply(c, rspUnknownError, "Unknown error")
	}
	if out.Outcome == store.Applied {
		return vnpayReply(c, rspConfirmed, "Confirm Success")
	}
	return vnpayReply(c, rspAlreadyHandled, "Order already confirmed")
}

// PayOSReturn handles the browser redirect back from the PayOS checkout.
func (h *PaymentHandler) PayOSReturn(c *fiber.Ctx) error {
	res, err := h.verify(c, models.GatewayPayOS, gateway.Callback{Kind: gateway.CallbackReturn, Query: c.Queries()})
	if err != nil {
		return fail(c, err)
	}
	out, err := h.apply(c, res)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(callbackReply(out))
}

// PayOSWebhook acknowledges with success once the delivery is verified, so
// PayOS stops retrying. Unknown order codes include PayOS's own test
// delivery when the webhook URL is registered.
func (h *PaymentHandler) PayOSWebhook(c *fiber.Ctx) error {
	res, err := h.verify(c, models.GatewayPayOS, gateway.Callback{Kind: gateway.CallbackWebhook, Body: c.Body()})
	if err != nil {
		return fail(c, err)
	}
	out, err := h.apply(c, res)
	switch {
	case errors.Is(err, store.ErrUnknownOrderRef):
		return c.JSON(fiber.Map{"success": true, "message": "order not found"})
	case errors.Is(err, store.ErrAmountMismatch):
		return fail(c, err)
	case err != nil:
		h.Log.Error("webhook apply failed", zap.String("order_ref", res.OrderRef), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false})
	}
	return c.JSON(fiber.Map{"success": true, "outcome": out.Outcome})
}
