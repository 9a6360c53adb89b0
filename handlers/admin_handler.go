package handlers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/MNhat168/sport-zone-sub005/gateway"
	"github.com/MNhat168/sport-zone-sub005/reconcile"
	"github.com/MNhat168/sport-zone-sub005/store"
)

type cancelRequest struct {
	Reason string `json:"reason" validate:"required,max=255"`
}

type extendRequest struct {
	Minutes int `json:"minutes" validate:"required,gt=0,lte=60"`
}

type refundRequest struct {
	OrderRef string             `json:"order_ref" validate:"required"`
	Amount   int64              `json:"amount" validate:"gte=0"`
	Kind     gateway.RefundKind `json:"kind" validate:"omitempty,oneof=full partial"`
	Reason   string             `json:"reason" validate:"max=255"`
	Operator string             `json:"operator" validate:"required,max=64"`
}

func (h *PaymentHandler) CancelTransaction(c *fiber.Ctx) error {
	var req cancelRequest
	if err := h.parseBody(c, &req); err != nil {
		return badRequest(c, err)
	}
	tx, err := h.findTransaction(c.UserContext(), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	tx, err = h.Store.Cancel(c.UserContext(), tx.ID, req.Reason)
	if err != nil && !store.IsCommitted(err) {
		return fail(c, err)
	}
	return c.JSON(tx)
}

func (h *PaymentHandler) ExtendTransaction(c *fiber.Ctx) error {
	var req extendRequest
	if err := h.parseBody(c, &req); err != nil {
		return badRequest(c, err)
	}
	tx, err := h.findTransaction(c.UserContext(), c.Params("id"))
	if err != nil {
		return fail(c, err)
	}
	tx, err = h.Store.Extend(c.UserContext(), tx.ID, time.Duration(req.Minutes)*time.Minute)
	if err != nil && !store.IsCommitted(err) {
		return fail(c, err)
	}
	return c.JSON(tx)
}

func (h *PaymentHandler) Reconcile(c *fiber.Ctx) error {
	res, err := h.Reconciler.Query(c.UserContext(), c.Params("orderRef"))
	if err != nil && !store.IsCommitted(err) {
		return fail(c, err)
	}
	return c.JSON(fiber.Map{"outcome": res.Outcome, "transaction": res.Transaction})
}

// Refund returns 202 with the parked refund row when the gateway outcome is
// unknown; the operator re-queries before trying again.
func (h *PaymentHandler) Refund(c *fiber.Ctx) error {
	var req refundRequest
	if err := h.parseBody(c, &req); err != nil {
		return badRequest(c, err)
	}
	refund, err := h.Reconciler.Refund(c.UserContext(), reconcile.RefundCommand{
		OrderRef: req.OrderRef,
		Amount:   req.Amount,
		Kind:     req.Kind,
		Reason:   req.Reason,
		Operator: req.Operator,
		ClientIP: c.IP(),
	})
	switch {
	case errors.Is(err, gateway.ErrRefundAmbiguous):
		h.Log.Warn("refund outcome unknown", zap.String("order_ref", req.OrderRef), zap.Error(err))
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"error": err.Error(), "refund": refund})
	case err != nil:
		body := fiber.Map{"error": err.Error()}
		if refund != nil {
			body["refund"] = refund
		}
		return c.Status(errorStatus(err)).JSON(body)
	}
	return c.Status(fiber.StatusCreated).JSON(refund)
}
