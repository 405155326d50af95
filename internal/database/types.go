package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/shopflow/settlement-engine/internal/config"
)

// Connect establishes a database connection
func Connect(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Name, cfg.SSLMode,
	)

	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// RunMigrations runs database migrations
func RunMigrations(cfg config.DatabaseConfig) error {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Name, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(cfg.MigrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BaseRepository holds common repository functionality
type BaseRepository struct {
	db *sqlx.DB
}

// Transaction executes a function within a database transaction. The commit
// error is assigned to the named return from the deferred closure, so a
// failed commit reaches the caller instead of reporting success.
func (r *BaseRepository) Transaction(fn func(*sqlx.Tx) error) (err error) {
	tx, err := r.db.Beginx()
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		} else if err != nil {
			tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	err = fn(tx)
	return err
}

// TxManager exposes transaction boundaries to callers outside this package
type TxManager struct {
	BaseRepository
}

// NewTxManager creates a transaction manager over db
func NewTxManager(db *sqlx.DB) *TxManager {
	return &TxManager{BaseRepository{db: db}}
}

// Order statuses. The allowed-transition graph lives in internal/engine;
// these are the only values the orders.status column may hold.
const (
	OrderStatusCreated    = "CREATED"
	OrderStatusPaid       = "PAID"
	OrderStatusProcessing = "PROCESSING"
	OrderStatusShipping   = "SHIPPING"
	OrderStatusDelivered  = "DELIVERED"
	OrderStatusReturned   = "RETURNED"
	OrderStatusCancelled  = "CANCELLED"
)

// Commission statuses
const (
	CommissionStatusPending   = "PENDING"
	CommissionStatusAvailable = "AVAILABLE"
	CommissionStatusPaid      = "PAID"
	CommissionStatusReversed  = "REVERSED"
)

// Wallet transaction types
const (
	WalletTxEarn    = "EARN"
	WalletTxPayout  = "PAYOUT"
	WalletTxReverse = "REVERSE"
)

// Commission rule scopes, in precedence order
const (
	RuleScopeProduct  = "PRODUCT"
	RuleScopeCategory = "CATEGORY"
	RuleScopeGlobal   = "GLOBAL"
)

// Partner levels
const (
	PartnerLevelAffiliate = "AFFILIATE"
	PartnerLevelAgent     = "AGENT"
	PartnerLevelLeader    = "LEADER"
)

// Order represents a customer order driven through the fulfillment lifecycle
type Order struct {
	ID                string     `db:"id" json:"id"`
	Code              string     `db:"code" json:"code"`
	Status            string     `db:"status" json:"status"`
	Subtotal          int64      `db:"subtotal" json:"subtotal"`
	DiscountTotal     int64      `db:"discount_total" json:"discount_total"`
	BuyerID           string     `db:"buyer_id" json:"buyer_id"`
	PartnerID         *string    `db:"partner_id" json:"partner_id,omitempty"`
	TrackingNumber    *string    `db:"tracking_number" json:"tracking_number,omitempty"`
	DeviceFingerprint *string    `db:"device_fingerprint" json:"-"`
	ShippingAddress   *string    `db:"shipping_address" json:"-"`
	IPAddress         *string    `db:"ip_address" json:"-"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`

	Items []*OrderItem `db:"-" json:"items,omitempty"`
}

// OrderItem is a single line item on an order
type OrderItem struct {
	ID         string `db:"id" json:"id"`
	OrderID    string `db:"order_id" json:"order_id"`
	VariantID  string `db:"variant_id" json:"variant_id"`
	ProductID  string `db:"product_id" json:"product_id"`
	CategoryID string `db:"category_id" json:"category_id"`
	Quantity   int    `db:"quantity" json:"quantity"`
	UnitPrice  int64  `db:"unit_price" json:"unit_price"`
}

// OrderStatusEvent is the immutable audit record of one status transition
type OrderStatusEvent struct {
	ID         string    `db:"id" json:"id"`
	OrderID    string    `db:"order_id" json:"order_id"`
	FromStatus string    `db:"from_status" json:"from_status"`
	ToStatus   string    `db:"to_status" json:"to_status"`
	Note       string    `db:"note" json:"note"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// CommissionRule defines how a commission amount is computed for a matching
// order. Rules are created by the admin collaborator and read-only here.
type CommissionRule struct {
	ID           string    `db:"id" json:"id"`
	Scope        string    `db:"scope" json:"scope"`
	ScopeID      *string   `db:"scope_id" json:"scope_id,omitempty"`
	PartnerLevel *string   `db:"partner_level" json:"partner_level,omitempty"`
	Percent      *float64  `db:"percent" json:"percent,omitempty"`
	FixedAmount  *int64    `db:"fixed_amount" json:"fixed_amount,omitempty"`
	Active       bool      `db:"active" json:"active"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Commission is a holdable, reversible monetary claim tied to one order and
// one partner. Amount is immutable once created; only status and hold_until
// change.
type Commission struct {
	ID             string     `db:"id" json:"id"`
	OrderID        string     `db:"order_id" json:"order_id"`
	PartnerID      string     `db:"partner_id" json:"partner_id"`
	RuleID         string     `db:"rule_id" json:"rule_id"`
	Amount         int64      `db:"amount" json:"amount"`
	Status         string     `db:"status" json:"status"`
	HoldUntil      *time.Time `db:"hold_until" json:"hold_until,omitempty"`
	ManualReview   bool       `db:"manual_review" json:"manual_review"`
	ReversalReason *string    `db:"reversal_reason" json:"reversal_reason,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// WalletTransaction is one append-only row of a partner's wallet ledger.
// For a given partner, rows are totally ordered by seq and
// balance_after[n] = balance_after[n-1] + amount[n].
type WalletTransaction struct {
	ID           string    `db:"id" json:"id"`
	Seq          int64     `db:"seq" json:"seq"`
	PartnerID    string    `db:"partner_id" json:"partner_id"`
	Type         string    `db:"type" json:"type"`
	Amount       int64     `db:"amount" json:"amount"`
	RefID        string    `db:"ref_id" json:"ref_id"`
	BalanceAfter int64     `db:"balance_after" json:"balance_after"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Partner is the referring affiliate/agent/leader entity. WalletBalance is a
// materialized copy of the ledger chain head, updated in the same transaction
// as every append; the chain itself stays the source of truth.
type Partner struct {
	ID            string    `db:"id" json:"id"`
	UserID        string    `db:"user_id" json:"user_id"`
	Level         string    `db:"level" json:"level"`
	WalletBalance int64     `db:"wallet_balance" json:"wallet_balance"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// PartnerStats holds a partner's lifetime referral metrics, evaluated against
// tier thresholds by the settlement sweep.
type PartnerStats struct {
	Orders  int   `db:"orders" json:"orders"`
	Revenue int64 `db:"revenue" json:"revenue"`
}

// FraudCounters holds the per-partner aggregates the risk scorer derives its
// signal from. Always recomputed from order history, never persisted.
type FraudCounters struct {
	TotalOrders        int `db:"total_orders" json:"total_orders"`
	ReturnedOrders     int `db:"returned_orders" json:"returned_orders"`
	CancelledOrders    int `db:"cancelled_orders" json:"cancelled_orders"`
	SameDeviceOrders   int `db:"same_device_orders" json:"same_device_orders"`
	SameAddressOrders  int `db:"same_address_orders" json:"same_address_orders"`
	SelfPurchaseOrders int `db:"self_purchase_orders" json:"self_purchase_orders"`
	IPOverlapOrders    int `db:"ip_overlap_orders" json:"ip_overlap_orders"`
}

// Filter represents common listing options
type Filter struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}
