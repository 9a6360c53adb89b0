// Package config reads the process configuration once at start-up from the
// environment, with an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// ConfigurationError lists every missing or malformed setting. It is fatal.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "config: " + strings.Join(e.Problems, "; ")
}

type Config struct {
	Port           string        `validate:"required,numeric"`
	DB             DBConfig
	VNPay          VNPayConfig
	PayOS          PayOSConfig
	PaymentTimeout time.Duration `validate:"gt=0"`
	MaxExtensions  int           `validate:"gte=0,lte=10"`
	SweepInterval  time.Duration `validate:"gt=0"`
	GatewayTimeout time.Duration `validate:"gt=0"`
	KafkaBrokers   []string      `validate:"dive,hostname_port"`
	KafkaTopic     string        `validate:"required_with=KafkaBrokers"`
	LogLevel       string        `validate:"oneof=debug info warn error"`
}

type DBConfig struct {
	Driver     string `validate:"oneof=postgres sqlite"`
	Host       string `validate:"required_if=Driver postgres"`
	User       string `validate:"required_if=Driver postgres"`
	Password   string
	Name       string `validate:"required_if=Driver postgres"`
	Port       string `validate:"required_if=Driver postgres"`
	SSLMode    string
	SQLitePath string `validate:"required_if=Driver sqlite"`
}

// PostgresDSN renders the libpq keyword/value connection string.
func (d DBConfig) PostgresDSN() string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		d.Host, d.User, d.Password, d.Name, d.Port, d.SSLMode,
	)
}

type VNPayConfig struct {
	TmnCode    string `validate:"required"`
	HashSecret string `validate:"required"`
	PaymentURL string `validate:"required,url"`
	APIURL     string `validate:"required,url"`
	ReturnURL  string `validate:"required,url"`
}

type PayOSConfig struct {
	ClientID    string `validate:"required"`
	APIKey      string `validate:"required"`
	ChecksumKey string `validate:"required"`
	APIURL      string `validate:"required,url"`
	ReturnURL   string `validate:"required,url"`
	CancelURL   string `validate:"omitempty,url"`
}

// Load reads .env if present, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds and validates a Config from getenv.
func FromEnv(getenv func(string) string) (*Config, error) {
	r := reader{getenv: getenv}
	cfg := &Config{
		Port: r.str("PORT", "8080"),
		DB: DBConfig{
			Driver:     r.str("DB_DRIVER", "postgres"),
			Host:       r.str("DB_HOST", ""),
			User:       r.str("DB_USER", ""),
			Password:   r.str("DB_PASSWORD", ""),
			Name:       r.str("DB_NAME", ""),
			Port:       r.str("DB_PORT", "5432"),
			SSLMode:    r.str("DB_SSLMODE", "disable"),
			SQLitePath: r.str("SQLITE_PATH", "payments.db"),
		},
		VNPay: VNPayConfig{
			TmnCode:    r.str("VNPAY_TMN_CODE", ""),
			HashSecret: r.str("VNPAY_HASH_SECRET", ""),
			PaymentURL: r.str("VNPAY_PAYMENT_URL", "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html"),
			APIURL:     r.str("VNPAY_API_URL", "https://sandbox.vnpayment.vn/merchant_webapi/api/transaction"),
			ReturnURL:  r.str("VNPAY_RETURN_URL", ""),
		},
		PayOS: PayOSConfig{
			ClientID:    r.str("PAYOS_CLIENT_ID", ""),
			APIKey:      r.str("PAYOS_API_KEY", ""),
			ChecksumKey: r.str("PAYOS_CHECKSUM_KEY", ""),
			APIURL:      r.str("PAYOS_API_URL", "https://api-merchant.payos.vn"),
			ReturnURL:   r.str("PAYOS_RETURN_URL", ""),
			CancelURL:   r.str("PAYOS_CANCEL_URL", ""),
		},
		PaymentTimeout: time.Duration(r.integer("PAYMENT_TIMEOUT_MINUTES", 15)) * time.Minute,
		MaxExtensions:  r.integer("MAX_EXTENSIONS", 2),
		SweepInterval:  r.duration("SWEEP_INTERVAL", time.Minute),
		GatewayTimeout: r.duration("GATEWAY_TIMEOUT", 15*time.Second),
		KafkaBrokers:   r.list("KAFKA_BROKERS"),
		KafkaTopic:     r.str("KAFKA_TOPIC", "payment-events"),
		LogLevel:       strings.ToLower(r.str("LOG_LEVEL", "info")),
	}

	problems := r.problems
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return nil, err
		}
		for _, fe := range verrs {
			problems = append(problems, describe(fe))
		}
	}
	if len(problems) > 0 {
		return nil, &ConfigurationError{Problems: problems}
	}
	return cfg, nil
}

var validate = validator.New()

// envNames maps struct namespaces back to the variables users set.
var envNames = map[string]string{
	"Config.Port":              "PORT",
	"Config.DB.Driver":         "DB_DRIVER",
	"Config.DB.Host":           "DB_HOST",
	"Config.DB.User":           "DB_USER",
	"Config.DB.Name":           "DB_NAME",
	"Config.DB.Port":           "DB_PORT",
	"Config.DB.SQLitePath":     "SQLITE_PATH",
	"Config.VNPay.TmnCode":     "VNPAY_TMN_CODE",
	"Config.VNPay.HashSecret":  "VNPAY_HASH_SECRET",
	"Config.VNPay.PaymentURL":  "VNPAY_PAYMENT_URL",
	"Config.VNPay.APIURL":      "VNPAY_API_URL",
	"Config.VNPay.ReturnURL":   "VNPAY_RETURN_URL",
	"Config.PayOS.ClientID":    "PAYOS_CLIENT_ID",
	"Config.PayOS.APIKey":      "PAYOS_API_KEY",
	"Config.PayOS.ChecksumKey": "PAYOS_CHECKSUM_KEY",
	"Config.PayOS.APIURL":      "PAYOS_API_URL",
	"Config.PayOS.ReturnURL":   "PAYOS_RETURN_URL",
	"Config.PayOS.CancelURL":   "PAYOS_CANCEL_URL",
	"Config.PaymentTimeout":    "PAYMENT_TIMEOUT_MINUTES",
	"Config.MaxExtensions":     "MAX_EXTENSIONS",
	"Config.SweepInterval":     "SWEEP_INTERVAL",
	"Config.GatewayTimeout":    "GATEWAY_TIMEOUT",
	"Config.KafkaTopic":        "KAFKA_TOPIC",
	"Config.LogLevel":          "LOG_LEVEL",
}

func describe(fe validator.FieldError) string {
	name, ok := envNames[fe.Namespace()]
	if !ok {
		name = fe.Namespace()
		if strings.HasPrefix(name, "Config.KafkaBrokers") {
			name = "KAFKA_BROKERS"
		}
	}
	switch fe.Tag() {
	case "required", "required_if", "required_with":
		return name + " is required"
	case "url":
		return name + " must be a URL"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", name, fe.Param())
	case "hostname_port":
		return name + " entries must be host:port"
	}
	return fmt.Sprintf("%s is invalid (%s)", name, fe.Tag())
}

type reader struct {
	getenv   func(string) string
	problems []string
}

func (r *reader) str(key, def string) string {
	if v := strings.TrimSpace(r.getenv(key)); v != "" {
		return v
	}
	return def
}

func (r *reader) integer(key string, def int) int {
	v := strings.TrimSpace(r.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.problems = append(r.problems, fmt.Sprintf("%s must be an integer, got %q", key, v))
		return def
	}
	return n
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(r.getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.problems = append(r.problems, fmt.Sprintf("%s must be a duration like 30s or 1m, got %q", key, v))
		return def
	}
	return d
}

func (r *reader) list(key string) []string {
	var out []string
	for _, part := range strings.Split(r.getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
