package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/shopflow/settlement-engine/internal/config"
	"github.com/shopflow/settlement-engine/internal/database"
)

// transitions is the allowed order status graph. CREATED is the sole initial
// state; RETURNED and CANCELLED are terminal. No self-loops, so a retried
// transition to the current status is rejected instead of re-running side
// effects.
var transitions = map[string][]string{
	database.OrderStatusCreated:    {database.OrderStatusPaid, database.OrderStatusProcessing, database.OrderStatusCancelled},
	database.OrderStatusPaid:       {database.OrderStatusProcessing, database.OrderStatusCancelled},
	database.OrderStatusProcessing: {database.OrderStatusShipping, database.OrderStatusCancelled},
	database.OrderStatusShipping:   {database.OrderStatusDelivered, database.OrderStatusReturned},
	database.OrderStatusDelivered:  {database.OrderStatusReturned},
	database.OrderStatusReturned:   {},
	database.OrderStatusCancelled:  {},
}

// TransitionAllowed reports whether the status graph permits from -> to
func TransitionAllowed(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TxRunner runs a function inside one database transaction
type TxRunner interface {
	Transaction(fn func(*sqlx.Tx) error) error
}

// OrderStore is the order persistence the state machine needs
type OrderStore interface {
	GetForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*database.Order, error)
	UpdateStatus(ctx context.Context, tx *sqlx.Tx, orderID, fromStatus, toStatus string, trackingNumber *string) error
	InsertStatusEvent(ctx context.Context, tx *sqlx.Tx, event *database.OrderStatusEvent) error
}

// CommissionStore is the commission persistence the state machine needs
type CommissionStore interface {
	Create(ctx context.Context, tx *sqlx.Tx, commission *database.Commission) error
	GetByOrderID(ctx context.Context, tx *sqlx.Tx, orderID string) (*database.Commission, error)
	ListReversible(ctx context.Context, tx *sqlx.Tx, orderID string) ([]*database.Commission, error)
	UpdateStatusIf(ctx context.Context, tx *sqlx.Tx, id, fromStatus, toStatus string, reason *string) (bool, error)
}

// RuleStore reads active commission rules
type RuleStore interface {
	ListActive(ctx context.Context) ([]*database.CommissionRule, error)
}

// PartnerStore reads partners
type PartnerStore interface {
	GetByID(ctx context.Context, id string) (*database.Partner, error)
}

// LedgerStore appends wallet ledger entries
type LedgerStore interface {
	Append(ctx context.Context, tx *sqlx.Tx, partnerID, txType string, amount int64, refID string) (*database.WalletTransaction, error)
}

// InventoryClient is the stock collaborator touched on DELIVERED/CANCELLED
type InventoryClient interface {
	ReleaseReservation(ctx context.Context, variantID string, quantity int) error
	DecrementOnHand(ctx context.Context, variantID string, quantity int) error
}

// EventEmitter is the fire-and-forget audit collaborator
type EventEmitter interface {
	Emit(ctx context.Context, eventType string, payload map[string]interface{})
}

// RiskInvalidator drops cached risk signals when new order history lands
type RiskInvalidator interface {
	Invalidate(ctx context.Context, partnerID string)
}

// Audit event types emitted by the engine
const (
	EventOrderStatusChanged = "ORDER_STATUS_CHANGED"
	EventCommissionPending  = "COMMISSION_PENDING"
	EventCommissionReversed = "COMMISSION_REVERSED"
)

type auditEvent struct {
	eventType string
	payload   map[string]interface{}
}

// StateMachine is the sole writer of order status. Every transition applies
// the status update, the status event, and the bound money side effects in
// one transaction; inventory hand-offs happen after commit (see below).
type StateMachine struct {
	config      *config.Config
	logger      *slog.Logger
	txRunner    TxRunner
	orders      OrderStore
	commissions CommissionStore
	rules       RuleStore
	partners    PartnerStore
	ledger      LedgerStore
	resolver    *Resolver
	inventory   InventoryClient
	events      EventEmitter
	risk        RiskInvalidator
}

// NewStateMachine creates a new order state machine
func NewStateMachine(
	cfg *config.Config,
	logger *slog.Logger,
	txRunner TxRunner,
	orders OrderStore,
	commissions CommissionStore,
	rules RuleStore,
	partners PartnerStore,
	ledger LedgerStore,
	inventory InventoryClient,
	events EventEmitter,
	risk RiskInvalidator,
) *StateMachine {
	return &StateMachine{
		config:      cfg,
		logger:      logger,
		txRunner:    txRunner,
		orders:      orders,
		commissions: commissions,
		rules:       rules,
		partners:    partners,
		ledger:      ledger,
		resolver:    NewResolver(),
		inventory:   inventory,
		events:      events,
		risk:        risk,
	}
}

// Transition moves an order to targetStatus, enforcing the status graph and
// running the side effects bound to the transition atomically. Serialization
// conflicts are retried a bounded number of times before surfacing as
// ConcurrencyConflictError.
func (m *StateMachine) Transition(ctx context.Context, orderID, targetStatus, note string, trackingNumber *string) error {
	if m.config.Settlement.TransitionDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.Settlement.TransitionDeadline)
		defer cancel()
	}

	var lastErr error
	for attempt := 0; attempt <= m.config.Settlement.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.config.Settlement.RetryDelay):
			}
		}

		err := m.transitionOnce(ctx, orderID, targetStatus, note, trackingNumber)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}

		m.logger.Warn("Transition conflict, retrying",
			"order_id", orderID,
			"target_status", targetStatus,
			"attempt", attempt+1,
			"error", err)
		lastErr = err
	}

	m.logger.Error("Transition retries exhausted",
		"order_id", orderID,
		"target_status", targetStatus,
		"error", lastErr)
	return &ConcurrencyConflictError{Resource: "order", ID: orderID}
}

func (m *StateMachine) transitionOnce(ctx context.Context, orderID, targetStatus, note string, trackingNumber *string) error {
	var order *database.Order
	var pending []auditEvent

	err := m.txRunner.Transaction(func(tx *sqlx.Tx) error {
		var err error
		order, err = m.orders.GetForUpdate(ctx, tx, orderID)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return &NotFoundError{Kind: "order", ID: orderID}
			}
			return err
		}

		if !TransitionAllowed(order.Status, targetStatus) {
			return &InvalidTransitionError{
				OrderID:   orderID,
				Current:   order.Status,
				Requested: targetStatus,
			}
		}

		if err := m.orders.UpdateStatus(ctx, tx, orderID, order.Status, targetStatus, trackingNumber); err != nil {
			return err
		}

		event := &database.OrderStatusEvent{
			ID:         uuid.New().String(),
			OrderID:    orderID,
			FromStatus: order.Status,
			ToStatus:   targetStatus,
			Note:       note,
		}
		if err := m.orders.InsertStatusEvent(ctx, tx, event); err != nil {
			return err
		}

		pending = append(pending, auditEvent{
			eventType: EventOrderStatusChanged,
			payload: map[string]interface{}{
				"order_id":    orderID,
				"from_status": order.Status,
				"to_status":   targetStatus,
				"note":        note,
			},
		})

		switch targetStatus {
		case database.OrderStatusDelivered:
			events, err := m.createCommission(ctx, tx, order)
			if err != nil {
				return err
			}
			pending = append(pending, events...)
		case database.OrderStatusReturned, database.OrderStatusCancelled:
			events, err := m.reverseCommissions(ctx, tx, order, targetStatus)
			if err != nil {
				return err
			}
			pending = append(pending, events...)
		}

		return nil
	})
	if err != nil {
		return err
	}

	m.logger.Info("Order transitioned",
		"order_id", orderID,
		"from_status", order.Status,
		"to_status", targetStatus)

	// Post-commit hand-offs. Inventory failures are logged and retried by the
	// client, never rolled back into the money transaction (availability over
	// strict stock consistency; the transition itself stays all-or-nothing).
	m.adjustStock(ctx, order, targetStatus)
	for _, ev := range pending {
		m.events.Emit(ctx, ev.eventType, ev.payload)
	}
	if order.PartnerID != nil && m.risk != nil {
		m.risk.Invalidate(ctx, *order.PartnerID)
	}

	return nil
}

// createCommission runs the commission-creation sequence on DELIVERED. It is
// idempotent: an existing commission for the order short-circuits, and an
// order without a referral partner or matching rule creates nothing.
func (m *StateMachine) createCommission(ctx context.Context, tx *sqlx.Tx, order *database.Order) ([]auditEvent, error) {
	if order.PartnerID == nil {
		return nil, nil
	}

	_, err := m.commissions.GetByOrderID(ctx, tx, order.ID)
	if err == nil {
		m.logger.Debug("Commission already exists for order", "order_id", order.ID)
		return nil, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	partner, err := m.partners.GetByID(ctx, *order.PartnerID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, &NotFoundError{Kind: "partner", ID: *order.PartnerID}
		}
		return nil, err
	}

	rules, err := m.rules.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	rule, amount, ok := m.resolver.Resolve(order, partner.Level, rules)
	if !ok {
		m.logger.Debug("No commission rule matched order", "order_id", order.ID, "partner_id", partner.ID)
		return nil, nil
	}

	holdUntil := time.Now().Add(time.Duration(m.config.Settlement.HoldWindowDays) * 24 * time.Hour)
	commission := &database.Commission{
		ID:        uuid.New().String(),
		OrderID:   order.ID,
		PartnerID: partner.ID,
		RuleID:    rule.ID,
		Amount:    amount,
		Status:    database.CommissionStatusPending,
		HoldUntil: &holdUntil,
	}

	if err := m.commissions.Create(ctx, tx, commission); err != nil {
		return nil, err
	}

	return []auditEvent{{
		eventType: EventCommissionPending,
		payload: map[string]interface{}{
			"commission_id": commission.ID,
			"order_id":      order.ID,
			"partner_id":    partner.ID,
			"amount":        amount,
			"hold_until":    holdUntil,
		},
	}}, nil
}

// reverseCommissions runs the reversal sequence on RETURNED/CANCELLED. A
// PENDING commission just flips to REVERSED; an AVAILABLE one additionally
// claws the released funds back out of the wallet ledger.
func (m *StateMachine) reverseCommissions(ctx context.Context, tx *sqlx.Tx, order *database.Order, reason string) ([]auditEvent, error) {
	commissions, err := m.commissions.ListReversible(ctx, tx, order.ID)
	if err != nil {
		return nil, err
	}

	var events []auditEvent
	for _, commission := range commissions {
		swapped, err := m.commissions.UpdateStatusIf(ctx, tx, commission.ID, commission.Status, database.CommissionStatusReversed, &reason)
		if err != nil {
			return nil, err
		}
		if !swapped {
			// Lost a race with the sweeper or payout; the row is locked in
			// this transaction so this indicates a genuine conflict.
			return nil, &ConcurrencyConflictError{Resource: "commission", ID: commission.ID}
		}

		if commission.Status == database.CommissionStatusAvailable {
			// Funds already released; balance is recomputed from the ledger
			// chain inside Append, never from a cached value.
			if _, err := m.ledger.Append(ctx, tx, commission.PartnerID, database.WalletTxReverse, -commission.Amount, commission.ID); err != nil {
				return nil, err
			}
		}

		events = append(events, auditEvent{
			eventType: EventCommissionReversed,
			payload: map[string]interface{}{
				"commission_id": commission.ID,
				"order_id":      order.ID,
				"partner_id":    commission.PartnerID,
				"amount":        commission.Amount,
				"reason":        reason,
			},
		})
	}

	return events, nil
}

// adjustStock hands line item quantities back to the inventory collaborator.
// DELIVERED consumes the reservation and the on-hand stock; CANCELLED only
// releases the reservation.
func (m *StateMachine) adjustStock(ctx context.Context, order *database.Order, targetStatus string) {
	if m.inventory == nil {
		return
	}

	for _, item := range order.Items {
		switch targetStatus {
		case database.OrderStatusDelivered:
			if err := m.inventory.ReleaseReservation(ctx, item.VariantID, item.Quantity); err != nil {
				m.logger.Warn("Failed to release stock reservation",
					"order_id", order.ID, "variant_id", item.VariantID, "error", err)
			}
			if err := m.inventory.DecrementOnHand(ctx, item.VariantID, item.Quantity); err != nil {
				m.logger.Warn("Failed to decrement on-hand stock",
					"order_id", order.ID, "variant_id", item.VariantID, "error", err)
			}
		case database.OrderStatusCancelled:
			if err := m.inventory.ReleaseReservation(ctx, item.VariantID, item.Quantity); err != nil {
				m.logger.Warn("Failed to release stock reservation",
					"order_id", order.ID, "variant_id", item.VariantID, "error", err)
			}
		}
	}
}

// isRetryable reports whether err is a serialization conflict worth retrying
func isRetryable(err error) bool {
	if errors.Is(err, database.ErrNoRowsUpdated) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// serialization_failure, deadlock_detected
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	var conflict *ConcurrencyConflictError
	return errors.As(err, &conflict)
}
