package handlers

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/MNhat168/sport-zone-sub005/clock"
	"github.com/MNhat168/sport-zone-sub005/reconcile"
	"github.com/MNhat168/sport-zone-sub005/store"
)

type PaymentHandler struct {
	Store      *store.Store
	Gateways   reconcile.Gateways
	Reconciler *reconcile.Service
	Clock      clock.Clock
	Log        *zap.Logger
	validate   *validator.Validate
}

func NewPaymentHandler(s *store.Store, gateways reconcile.Gateways, rec *reconcile.Service, clk clock.Clock, log *zap.Logger) *PaymentHandler {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PaymentHandler{
		Store:      s,
		Gateways:   gateways,
		Reconciler: rec,
		Clock:      clk,
		Log:        log.With(zap.String("component", "http")),
		validate:   validator.New(),
	}
}

// Register mounts every route on app.
func (h *PaymentHandler) Register(app fiber.Router) {
	app.Get("/health", h.Health)

	app.Post("/payments", h.CreatePayment)
	app.Get("/payments/transactions", h.ListTransactions)
	app.Get("/payments/transactions/:id", h.GetTransaction)

	app.Get("/payments/vnpay/return", h.VNPayReturn)
	app.Get("/webhooks/vnpay", h.VNPayIPN)
	app.Post("/webhooks/vnpay", h.VNPayIPN)
	app.Get("/payments/payos/return", h.PayOSReturn)
	app.Post("/webhooks/payos", h.PayOSWebhook)

	admin := app.Group("/admin")
	admin.Post("/transactions/:id/cancel", h.CancelTransaction)
	admin.Post("/transactions/:id/extend", h.ExtendTransaction)
	admin.Post("/reconcile/:orderRef", h.Reconcile)
	admin.Post("/refunds", h.Refund)
}

func (h *PaymentHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}
