package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/MNhat168/sport-zone-sub005/clock"
	"github.com/MNhat168/sport-zone-sub005/config"
	"github.com/MNhat168/sport-zone-sub005/events"
	"github.com/MNhat168/sport-zone-sub005/gateway"
	"github.com/MNhat168/sport-zone-sub005/handlers"
	"github.com/MNhat168/sport-zone-sub005/reconcile"
	"github.com/MNhat168/sport-zone-sub005/store"
	"github.com/MNhat168/sport-zone-sub005/sweeper"
)

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func openDB(cfg config.DBConfig) (*gorm.DB, error) {
	dialector := postgres.Open(cfg.PostgresDSN())
	if cfg.Driver == "sqlite" {
		dialector = sqlite.Open(cfg.SQLitePath)
	}
	return gorm.Open(dialector, &gorm.Config{TranslateError: true})
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Invalid configuration: ", err)
	}
	zl, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("Failed to build logger: ", err)
	}
	defer zl.Sync()

	db, err := openDB(cfg.DB)
	if err != nil {
		zl.Fatal("Failed to connect to database", zap.Error(err))
	}
	if err := store.Migrate(db); err != nil {
		zl.Fatal("Failed to migrate database", zap.Error(err))
	}

	clk := clock.Real{}
	vnpay, err := gateway.NewVNPay(gateway.VNPayConfig{
		TmnCode:     cfg.VNPay.TmnCode,
		HashSecret:  cfg.VNPay.HashSecret,
		PaymentURL:  cfg.VNPay.PaymentURL,
		APIURL:      cfg.VNPay.APIURL,
		ReturnURL:   cfg.VNPay.ReturnURL,
		ExpireAfter: cfg.PaymentTimeout,
		Timeout:     cfg.GatewayTimeout,
	}, clk, nil, zl)
	if err != nil {
		zl.Fatal("Failed to create VNPay client", zap.Error(err))
	}
	payos, err := gateway.NewPayOS(gateway.PayOSConfig{
		ClientID:    cfg.PayOS.ClientID,
		APIKey:      cfg.PayOS.APIKey,
		ChecksumKey: cfg.PayOS.ChecksumKey,
		APIURL:      cfg.PayOS.APIURL,
		ReturnURL:   cfg.PayOS.ReturnURL,
		CancelURL:   cfg.PayOS.CancelURL,
		ExpireAfter: cfg.PaymentTimeout,
		Timeout:     cfg.GatewayTimeout,
	}, clk, nil, zl)
	if err != nil {
		zl.Fatal("Failed to create PayOS client", zap.Error(err))
	}
	registry := gateway.NewRegistry(vnpay, payos)

	var publisher events.Publisher = events.NewLogPublisher(zl)
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, zl)
		defer kp.Close()
		publisher = kp
	}

	st := store.New(db, store.Options{
		PaymentTimeout: cfg.PaymentTimeout,
		MaxExtensions:  &cfg.MaxExtensions,
		Clock:          clk,
		Publisher:      publisher,
		Logger:         zl,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sw := sweeper.New(st, clk, cfg.SweepInterval, zl)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sw.Run(ctx)
	}()

	paymentHandler := handlers.NewPaymentHandler(st, registry, reconcile.New(st, registry, zl), clk, zl)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET, POST, OPTIONS",
		AllowHeaders: "Content-Type, Authorization, X-User-ID",
	}))
	paymentHandler.Register(app)

	go func() {
		<-ctx.Done()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			zl.Warn("Shutdown", zap.Error(err))
		}
	}()

	zl.Info("Server running", zap.String("port", cfg.Port), zap.String("db", cfg.DB.Driver))
	if err := app.Listen(":" + cfg.Port); err != nil && !errors.Is(err, context.Canceled) {
		zl.Error("Server stopped", zap.Error(err))
	}
	stop()
	<-sweepDone
}
