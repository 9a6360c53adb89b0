package handlers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/MNhat168/sport-zone-sub005/gateway"
	"github.com/MNhat168/sport-zone-sub005/models"
	"github.com/MNhat168/sport-zone-sub005/reconcile"
	"github.com/MNhat168/sport-zone-sub005/store"
)

func helpersParseLimitOffset(limitStr, offsetStr string) (int, int) {
	limit, offset := 50, 0
	if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
		limit = l
	}
	if limit > 200 {
		limit = 200
	}
	if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
		offset = o
	}
	return limit, offset
}

// errorStatus maps domain errors to HTTP statuses.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrUnknownOrderRef):
		return fiber.StatusNotFound
	case errors.Is(err, store.ErrDuplicateOrderRef),
		errors.Is(err, store.ErrNotPending),
		errors.Is(err, store.ErrExtensionLimit),
		errors.Is(err, store.ErrStateConflict),
		errors.Is(err, store.ErrRefundExceedsBalance),
		errors.Is(err, reconcile.ErrNotRefundable):
		return fiber.StatusConflict
	case errors.Is(err, store.ErrInvalidTransaction),
		errors.Is(err, store.ErrInvalidExtension),
		errors.Is(err, store.ErrAmountMismatch),
		errors.Is(err, reconcile.ErrInvalidRefund),
		errors.Is(err, reconcile.ErrNotQueryable),
		errors.Is(err, gateway.ErrInvalidAmount),
		errors.Is(err, gateway.ErrInvalidOrderRef),
		errors.Is(err, gateway.ErrMalformedCallback),
		errors.Is(err, gateway.ErrSignatureInvalid):
		return fiber.StatusBadRequest
	case errors.Is(err, gateway.ErrRefundUnsupported):
		return fiber.StatusNotImplemented
	case errors.Is(err, gateway.ErrRefundAmbiguous):
		return fiber.StatusAccepted
	case errors.Is(err, gateway.ErrGatewayUnavailable),
		errors.Is(err, gateway.ErrGatewayRejected),
		errors.Is(err, gateway.ErrUnexpectedResponse):
		return fiber.StatusBadGateway
	}
	return fiber.StatusInternalServerError
}

func fail(c *fiber.Ctx, err error) error {
	return c.Status(errorStatus(err)).JSON(fiber.Map{"error": err.Error()})
}

// parseBody decodes and validates a request body. The error is meant for
// the client.
func (h *PaymentHandler) parseBody(c *fiber.Ctx, out any) error {
	if err := c.BodyParser(out); err != nil {
		return fmt.Errorf("invalid request: %v", err)
	}
	if err := h.validate.Struct(out); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("invalid request: %v", err)
		}
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
		return fmt.Errorf("invalid request: %s", strings.Join(fields, ", "))
	}
	return nil
}

func badRequest(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
}

// findTransaction accepts either the transaction id or its order reference.
func (h *PaymentHandler) findTransaction(ctx context.Context, key string) (*models.Transaction, error) {
	if _, err := uuid.Parse(key); err == nil {
		tx, err := h.Store.FindByID(ctx, key)
		if err == nil || !errors.Is(err, store.ErrNotFound) {
			return tx, err
		}
	}
	return h.Store.FindByOrderRef(ctx, key)
}

// newOrderRef generates an order reference the gateway accepts. PayOS order
// codes are integers up to 2^53, so they are microsecond timestamps.
func (h *PaymentHandler) newOrderRef(gw models.GatewayID) string {
	now := h.Clock.Now()
	if gw == models.GatewayPayOS {
		return strconv.FormatInt(now.UnixMicro(), 10)
	}
	return "SZ" + gateway.FormatVNPayDate(now) + strings.ToUpper(uuid.NewString()[:6])
}
