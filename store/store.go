// Package store persists transactions and owns every status transition.
// All writers go through a compare-and-set on (id, version, status), so the
// callback handlers, the sweeper and reconciliation need no other locking.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/MNhat168/sport-zone-sub005/clock"
	"github.com/MNhat168/sport-zone-sub005/events"
	"github.com/MNhat168/sport-zone-sub005/models"
)

var (
	ErrUnknownOrderRef      = errors.New("store: unknown order reference")
	ErrNotFound             = errors.New("store: transaction not found")
	ErrStateConflict        = errors.New("store: state conflict")
	ErrDuplicateOrderRef    = errors.New("store: duplicate order reference")
	ErrExtensionLimit       = errors.New("store: extension limit reached")
	ErrInvalidExtension     = errors.New("store: extension must be positive")
	ErrNotPending           = errors.New("store: transaction is not pending")
	ErrAmountMismatch       = errors.New("store: callback amount does not match transaction")
	ErrRefundExceedsBalance = errors.New("store: refund exceeds refundable balance")
	ErrUnverifiedCallback   = errors.New("store: callback was not verified")
	ErrEventPublish         = errors.New("store: event publish failed")
	ErrInvalidTransaction   = errors.New("store: invalid transaction")
)

// IsCommitted reports whether err came after the write committed, so the
// caller should treat the transition as done.
func IsCommitted(err error) bool {
	return err == nil || errors.Is(err, ErrEventPublish)
}

const (
	DefaultPaymentTimeout = 15 * time.Minute
	DefaultMaxExtensions  = 2
	DefaultCurrency       = "VND"

	// Lost CAS races are re-evaluated against a fresh read this many times.
	casAttempts = 5
)

type Options struct {
	PaymentTimeout time.Duration
	// MaxExtensions caps Extend calls per transaction. Nil means
	// DefaultMaxExtensions; zero disables extensions.
	MaxExtensions  *int
	Clock          clock.Clock
	Publisher      events.Publisher
	Logger         *zap.Logger
}

type Store struct {
	db            *gorm.DB
	timeout       time.Duration
	maxExtensions int
	clock         clock.Clock
	pub           events.Publisher
	log           *zap.Logger
}

func New(db *gorm.DB, opts Options) *Store {
	if opts.PaymentTimeout <= 0 {
		opts.PaymentTimeout = DefaultPaymentTimeout
	}
	maxExtensions := DefaultMaxExtensions
	if opts.MaxExtensions != nil && *opts.MaxExtensions >= 0 {
		maxExtensions = *opts.MaxExtensions
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NewLogPublisher(opts.Logger)
	}
	return &Store{
		db:            db,
		timeout:       opts.PaymentTimeout,
		maxExtensions: maxExtensions,
		clock:         opts.Clock,
		pub:           opts.Publisher,
		log:           opts.Logger.With(zap.String("component", "store")),
	}
}

// Migrate creates or updates the transactions table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&models.Transaction{})
}

func (s *Store) PaymentTimeout() time.Duration { return s.timeout }

type NewTransaction struct {
	OrderRef   string
	Amount     int64
	Currency   string
	Method     models.PaymentMethod
	Type       models.TransactionType
	UserRef    string
	BookingRef *string
	Meta       map[string]any
}

// Create inserts a pending transaction whose deadline is now plus the
// payment timeout.
func (s *Store) Create(ctx context.Context, in NewTransaction) (*models.Transaction, error) {
	gw, ok := in.Method.Gateway()
	if !ok {
		return nil, fmt.Errorf("%w: unsupported method %q", ErrInvalidTransaction, in.Method)
	}
	if in.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidTransaction)
	}
	if in.OrderRef == "" || in.UserRef == "" {
		return nil, fmt.Errorf("%w: order and user references are required", ErrInvalidTransaction)
	}
	if in.Type == "" {
		in.Type = models.TypePayment
	}
	if in.Currency == "" {
		in.Currency = DefaultCurrency
	}

	var existing int64
	if err := s.db.WithContext(ctx).Model(&models.Transaction{}).Where("order_ref = ?", in.OrderRef).Count(&existing).Error; err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateOrderRef, in.OrderRef)
	}

	now := s.clock.Now().UTC()
	meta := datatypes.JSONMap{}
	for k, v := range in.Meta {
		meta[k] = v
	}
	tx := &models.Transaction{
		ID:         uuid.NewString(),
		CreatedAt:  now,
		UpdatedAt:  now,
		OrderRef:   in.OrderRef,
		UserRef:    in.UserRef,
		BookingRef: in.BookingRef,
		Amount:     in.Amount,
		Currency:   in.Currency,
		Method:     in.Method,
		Gateway:    gw,
		Type:       in.Type,
		Status:     models.StatusPending,
		ExpiresAt:  now.Add(s.timeout),
		Version:    1,
		Meta:       meta,
	}
	if err := s.db.WithContext(ctx).Create(tx).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateOrderRef, in.OrderRef)
		}
		return nil, err
	}
	s.log.Info("transaction created",
		zap.String("transaction_id", tx.ID),
		zap.String("order_ref", tx.OrderRef),
		zap.String("gateway", string(tx.Gateway)),
		zap.Int64("amount", tx.Amount),
	)
	return tx, nil
}

func (s *Store) FindByID(ctx context.Context, id string) (*models.Transaction, error) {
	var tx models.Transaction
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&tx).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &tx, nil
}

func (s *Store) FindByOrderRef(ctx context.Context, orderRef string) (*models.Transaction, error) {
	var tx models.Transaction
	if err := s.db.WithContext(ctx).Where("order_ref = ?", orderRef).First(&tx).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownOrderRef, orderRef)
		}
		return nil, err
	}
	return &tx, nil
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	UserRef    string
	BookingRef string
	ParentID   string
	Status     models.TransactionStatus
	Type       models.TransactionType
	Method     models.PaymentMethod
}

func (f Filter) apply(q *gorm.DB) *gorm.DB {
	if f.UserRef != "" {
		q = q.Where("user_ref = ?", f.UserRef)
	}
	if f.BookingRef != "" {
		q = q.Where("booking_ref = ?", f.BookingRef)
	}
	if f.ParentID != "" {
		q = q.Where("parent_id = ?", f.ParentID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.Method != "" {
		q = q.Where("method = ?", f.Method)
	}
	return q
}

// List returns one page of matching transactions, newest first, and the
// total match count.
func (s *Store) List(ctx context.Context, f Filter, limit, offset int) ([]models.Transaction, int64, error) {
	var total int64
	if err := f.apply(s.db.WithContext(ctx).Model(&models.Transaction{})).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []models.Transaction
	err := f.apply(s.db.WithContext(ctx).Model(&models.Transaction{})).
		Order("created_at DESC").
		Limit(limit).Offset(offset).
		Find(&out).Error
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// change is one guarded write. Empty fields are left untouched.
type change struct {
	status     models.TransactionStatus
	meta       datatypes.JSONMap
	externalNo string
	expiresAt  time.Time
	event      models.EventType
}

// write applies c to tx if the row still has tx's version and one of the
// from statuses. It reports false on a lost race; the caller re-reads.
func (s *Store) write(ctx context.Context, db *gorm.DB, tx *models.Transaction, from []models.TransactionStatus, c change) (*models.Transaction, bool, error) {
	now := s.clock.Now().UTC()
	next := *tx
	next.Version = tx.Version + 1
	next.UpdatedAt = now
	updates := map[string]any{
		"version":    next.Version,
		"updated_at": now,
	}
	if c.status != "" {
		updates["status"] = c.status
		next.Status = c.status
	}
	if c.meta != nil {
		updates["meta"] = c.meta
		next.Meta = c.meta
	}
	if c.externalNo != "" {
		ext := c.externalNo
		updates["external_transaction_no"] = ext
		next.ExternalTransactionNo = &ext
	}
	if !c.expiresAt.IsZero() {
		updates["expires_at"] = c.expiresAt
		next.ExpiresAt = c.expiresAt
	}
	if c.event != "" {
		ev := string(c.event)
		updates["pending_event"] = ev
		next.PendingEvent = &ev
	}

	res := db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ? AND version = ? AND status IN ?", tx.ID, tx.Version, from).
		Updates(updates)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, false, nil
	}
	return &next, true, nil
}

// publish delivers the event committed with a transition and clears it from
// the row. A failure leaves it for RepublishPending.
func (s *Store) publish(ctx context.Context, tx *models.Transaction) error {
	if tx.PendingEvent == nil {
		return nil
	}
	typ := models.EventType(*tx.PendingEvent)
	ev := models.NewPaymentEvent(typ, tx, s.clock.Now())
	if err := s.pub.Publish(ctx, ev); err != nil {
		s.log.Warn("event publish failed, will retry",
			zap.String("transaction_id", tx.ID),
			zap.String("order_ref", tx.OrderRef),
			zap.String("event", string(typ)),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %s for %s: %v", ErrEventPublish, typ, tx.ID, err)
	}
	err := s.db.WithContext(ctx).Model(&models.Transaction{}).
		Where("id = ? AND pending_event = ?", tx.ID, string(typ)).
		Update("pending_event", nil).Error
	if err != nil {
		s.log.Warn("clearing published event failed", zap.String("transaction_id", tx.ID), zap.Error(err))
	}
	tx.PendingEvent = nil
	return nil
}

// RepublishPending retries events whose publication failed after their
// transition committed. It returns how many were delivered.
func (s *Store) RepublishPending(ctx context.Context, limit int) (int, error) {
	var rows []models.Transaction
	err := s.db.WithContext(ctx).
		Where("pending_event IS NOT NULL").
		Order("updated_at").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return 0, err
	}
	var (
		sent int
		errs []error
	)
	for i := range rows {
		if err := s.publish(ctx, &rows[i]); err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

// Annotate merges kv into the metadata without changing status.
func (s *Store) Annotate(ctx context.Context, id string, kv map[string]any) (*models.Transaction, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		tx, err := s.FindByID(ctx, id)
		if err != nil {
			return nil, err
		}
		meta := tx.CloneMeta()
		for k, v := range kv {
			meta[k] = v
		}
		next, ok, err := s.write(ctx, s.db, tx, []models.TransactionStatus{tx.Status}, change{meta: meta})
		if err != nil {
			return nil, err
		}
		if ok {
			return next, nil
		}
	}
	return nil, fmt.Errorf("%w: annotate %s kept losing races", ErrStateConflict, id)
}
