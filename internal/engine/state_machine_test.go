package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopflow/settlement-engine/internal/config"
	"github.com/shopflow/settlement-engine/internal/database"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEngineConfig() *config.Config {
	return &config.Config{
		Settlement: config.SettlementConfig{
			HoldWindowDays: 14,
			MaxRetries:     2,
			RetryDelay:     time.Millisecond,
		},
	}
}

type fakeTxRunner struct{}

func (f *fakeTxRunner) Transaction(fn func(*sqlx.Tx) error) error {
	return fn(nil)
}

type fakeOrderStore struct {
	order       *database.Order
	events      []*database.OrderStatusEvent
	updateErr   error
	updateCalls int
}

func (f *fakeOrderStore) GetForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*database.Order, error) {
	if f.order == nil || f.order.ID != id {
		return nil, database.ErrNotFound
	}
	copied := *f.order
	return &copied, nil
}

func (f *fakeOrderStore) UpdateStatus(ctx context.Context, tx *sqlx.Tx, orderID, fromStatus, toStatus string, trackingNumber *string) error {
	f.updateCalls++
	if f.updateErr != nil {
		return f.updateErr
	}
	if f.order.Status != fromStatus {
		return database.ErrNoRowsUpdated
	}
	f.order.Status = toStatus
	if trackingNumber != nil {
		f.order.TrackingNumber = trackingNumber
	}
	return nil
}

func (f *fakeOrderStore) InsertStatusEvent(ctx context.Context, tx *sqlx.Tx, event *database.OrderStatusEvent) error {
	f.events = append(f.events, event)
	return nil
}

type fakeCommissionStore struct {
	byOrder map[string]*database.Commission
}

func newFakeCommissionStore() *fakeCommissionStore {
	return &fakeCommissionStore{byOrder: make(map[string]*database.Commission)}
}

func (f *fakeCommissionStore) Create(ctx context.Context, tx *sqlx.Tx, commission *database.Commission) error {
	f.byOrder[commission.OrderID] = commission
	return nil
}

func (f *fakeCommissionStore) GetByOrderID(ctx context.Context, tx *sqlx.Tx, orderID string) (*database.Commission, error) {
	commission, ok := f.byOrder[orderID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return commission, nil
}

func (f *fakeCommissionStore) ListReversible(ctx context.Context, tx *sqlx.Tx, orderID string) ([]*database.Commission, error) {
	commission, ok := f.byOrder[orderID]
	if !ok {
		return nil, nil
	}
	if commission.Status != database.CommissionStatusPending && commission.Status != database.CommissionStatusAvailable {
		return nil, nil
	}
	copied := *commission
	return []*database.Commission{&copied}, nil
}

func (f *fakeCommissionStore) UpdateStatusIf(ctx context.Context, tx *sqlx.Tx, id, fromStatus, toStatus string, reason *string) (bool, error) {
	for _, commission := range f.byOrder {
		if commission.ID != id {
			continue
		}
		if commission.Status != fromStatus {
			return false, nil
		}
		commission.Status = toStatus
		commission.ReversalReason = reason
		return true, nil
	}
	return false, nil
}

type fakeRuleStore struct {
	rules []*database.CommissionRule
}

func (f *fakeRuleStore) ListActive(ctx context.Context) ([]*database.CommissionRule, error) {
	return f.rules, nil
}

type fakePartnerStore struct {
	partners map[string]*database.Partner
}

func (f *fakePartnerStore) GetByID(ctx context.Context, id string) (*database.Partner, error) {
	partner, ok := f.partners[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return partner, nil
}

type ledgerAppend struct {
	partnerID string
	txType    string
	amount    int64
	refID     string
}

type fakeLedgerStore struct {
	appends []ledgerAppend
	err     error
}

func (f *fakeLedgerStore) Append(ctx context.Context, tx *sqlx.Tx, partnerID, txType string, amount int64, refID string) (*database.WalletTransaction, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.appends = append(f.appends, ledgerAppend{partnerID: partnerID, txType: txType, amount: amount, refID: refID})
	return &database.WalletTransaction{
		ID:        "wt-" + refID,
		PartnerID: partnerID,
		Type:      txType,
		Amount:    amount,
		RefID:     refID,
	}, nil
}

type inventoryCall struct {
	op        string
	variantID string
	quantity  int
}

type fakeInventory struct {
	calls []inventoryCall
}

func (f *fakeInventory) ReleaseReservation(ctx context.Context, variantID string, quantity int) error {
	f.calls = append(f.calls, inventoryCall{op: "release", variantID: variantID, quantity: quantity})
	return nil
}

func (f *fakeInventory) DecrementOnHand(ctx context.Context, variantID string, quantity int) error {
	f.calls = append(f.calls, inventoryCall{op: "decrement", variantID: variantID, quantity: quantity})
	return nil
}

type emittedEvent struct {
	eventType string
	payload   map[string]interface{}
}

type fakeEmitter struct {
	events []emittedEvent
}

func (f *fakeEmitter) Emit(ctx context.Context, eventType string, payload map[string]interface{}) {
	f.events = append(f.events, emittedEvent{eventType: eventType, payload: payload})
}

func (f *fakeEmitter) ofType(eventType string) []emittedEvent {
	var out []emittedEvent
	for _, ev := range f.events {
		if ev.eventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type fakeInvalidator struct {
	partnerIDs []string
}

func (f *fakeInvalidator) Invalidate(ctx context.Context, partnerID string) {
	f.partnerIDs = append(f.partnerIDs, partnerID)
}

type machineFixture struct {
	machine     *StateMachine
	orders      *fakeOrderStore
	commissions *fakeCommissionStore
	rules       *fakeRuleStore
	partners    *fakePartnerStore
	ledger      *fakeLedgerStore
	inventory   *fakeInventory
	emitter     *fakeEmitter
	invalidator *fakeInvalidator
}

func newMachineFixture(order *database.Order, rules []*database.CommissionRule) *machineFixture {
	f := &machineFixture{
		orders:      &fakeOrderStore{order: order},
		commissions: newFakeCommissionStore(),
		rules:       &fakeRuleStore{rules: rules},
		partners: &fakePartnerStore{partners: map[string]*database.Partner{
			"partner-1": {ID: "partner-1", UserID: "user-9", Level: database.PartnerLevelAffiliate},
		}},
		ledger:      &fakeLedgerStore{},
		inventory:   &fakeInventory{},
		emitter:     &fakeEmitter{},
		invalidator: &fakeInvalidator{},
	}
	f.machine = NewStateMachine(
		testEngineConfig(), setupTestLogger(), &fakeTxRunner{},
		f.orders, f.commissions, f.rules, f.partners, f.ledger,
		f.inventory, f.emitter, f.invalidator,
	)
	return f
}

func globalTenPercent() []*database.CommissionRule {
	percent := 10.0
	return []*database.CommissionRule{{
		ID:      "rule-global-10",
		Scope:   database.RuleScopeGlobal,
		Percent: &percent,
		Active:  true,
	}}
}

func TestTransitionGraph(t *testing.T) {
	t.Run("Allowed Edges", func(t *testing.T) {
		allowed := [][2]string{
			{database.OrderStatusCreated, database.OrderStatusPaid},
			{database.OrderStatusCreated, database.OrderStatusProcessing},
			{database.OrderStatusCreated, database.OrderStatusCancelled},
			{database.OrderStatusPaid, database.OrderStatusProcessing},
			{database.OrderStatusPaid, database.OrderStatusCancelled},
			{database.OrderStatusProcessing, database.OrderStatusShipping},
			{database.OrderStatusProcessing, database.OrderStatusCancelled},
			{database.OrderStatusShipping, database.OrderStatusDelivered},
			{database.OrderStatusShipping, database.OrderStatusReturned},
			{database.OrderStatusDelivered, database.OrderStatusReturned},
		}
		for _, edge := range allowed {
			assert.True(t, TransitionAllowed(edge[0], edge[1]), "%s -> %s should be allowed", edge[0], edge[1])
		}
	})

	t.Run("Terminal States Have No Exits", func(t *testing.T) {
		targets := []string{
			database.OrderStatusCreated, database.OrderStatusPaid, database.OrderStatusProcessing,
			database.OrderStatusShipping, database.OrderStatusDelivered,
			database.OrderStatusReturned, database.OrderStatusCancelled,
		}
		for _, to := range targets {
			assert.False(t, TransitionAllowed(database.OrderStatusReturned, to))
			assert.False(t, TransitionAllowed(database.OrderStatusCancelled, to))
		}
	})

	t.Run("No Backwards Or Skipping Edges", func(t *testing.T) {
		assert.False(t, TransitionAllowed(database.OrderStatusDelivered, database.OrderStatusProcessing))
		assert.False(t, TransitionAllowed(database.OrderStatusShipping, database.OrderStatusPaid))
		assert.False(t, TransitionAllowed(database.OrderStatusCreated, database.OrderStatusDelivered))
		assert.False(t, TransitionAllowed(database.OrderStatusPaid, database.OrderStatusShipping))
	})

	t.Run("No Self Loops", func(t *testing.T) {
		for status := range transitions {
			assert.False(t, TransitionAllowed(status, status))
		}
	})
}

func TestStateMachine_DeliveredCreatesCommission(t *testing.T) {
	f := newMachineFixture(testOrder(2_000_000, 0), globalTenPercent())
	f.orders.order.Status = database.OrderStatusShipping

	before := time.Now()
	err := f.machine.Transition(context.Background(), "order-1", database.OrderStatusDelivered, "carrier confirmed", nil)
	require.NoError(t, err)

	assert.Equal(t, database.OrderStatusDelivered, f.orders.order.Status)
	require.Len(t, f.orders.events, 1)
	assert.Equal(t, database.OrderStatusShipping, f.orders.events[0].FromStatus)
	assert.Equal(t, database.OrderStatusDelivered, f.orders.events[0].ToStatus)

	commission, err := f.commissions.GetByOrderID(context.Background(), nil, "order-1")
	require.NoError(t, err)
	assert.Equal(t, int64(200_000), commission.Amount)
	assert.Equal(t, database.CommissionStatusPending, commission.Status)
	assert.Equal(t, "partner-1", commission.PartnerID)
	assert.Equal(t, "rule-global-10", commission.RuleID)

	require.NotNil(t, commission.HoldUntil)
	wantHold := before.Add(14 * 24 * time.Hour)
	assert.WithinDuration(t, wantHold, *commission.HoldUntil, time.Minute)

	// No money moves at DELIVERED; funds release only at sweep time.
	assert.Empty(t, f.ledger.appends)

	assert.Len(t, f.emitter.ofType(EventOrderStatusChanged), 1)
	pending := f.emitter.ofType(EventCommissionPending)
	require.Len(t, pending, 1)
	assert.Equal(t, commission.ID, pending[0].payload["commission_id"])

	assert.Equal(t, []string{"partner-1"}, f.invalidator.partnerIDs)
}

func TestStateMachine_DeliveredStockHandoff(t *testing.T) {
	f := newMachineFixture(testOrder(2_000_000, 0), globalTenPercent())
	f.orders.order.Status = database.OrderStatusShipping
	f.orders.order.Items = append(f.orders.order.Items, &database.OrderItem{
		ID: "item-2", OrderID: "order-1", VariantID: "var-2", ProductID: "prod-2", CategoryID: "cat-2", Quantity: 3, UnitPrice: 10,
	})

	err := f.machine.Transition(context.Background(), "order-1", database.OrderStatusDelivered, "", nil)
	require.NoError(t, err)

	require.Len(t, f.inventory.calls, 4)
	assert.Equal(t, inventoryCall{op: "release", variantID: "var-1", quantity: 1}, f.inventory.calls[0])
	assert.Equal(t, inventoryCall{op: "decrement", variantID: "var-1", quantity: 1}, f.inventory.calls[1])
	assert.Equal(t, inventoryCall{op: "release", variantID: "var-2", quantity: 3}, f.inventory.calls[2])
	assert.Equal(t, inventoryCall{op: "decrement", variantID: "var-2", quantity: 3}, f.inventory.calls[3])
}

func TestStateMachine_CancelledReleasesReservationOnly(t *testing.T) {
	f := newMachineFixture(testOrder(2_000_000, 0), globalTenPercent())
	f.orders.order.Status = database.OrderStatusPaid

	err := f.machine.Transition(context.Background(), "order-1", database.OrderStatusCancelled, "buyer request", nil)
	require.NoError(t, err)

	require.Len(t, f.inventory.calls, 1)
	assert.Equal(t, "release", f.inventory.calls[0].op)
}

func TestStateMachine_CommissionIdempotent(t *testing.T) {
	f := newMachineFixture(testOrder(2_000_000, 0), globalTenPercent())
	f.orders.order.Status = database.OrderStatusShipping

	existing := &database.Commission{
		ID:        "commission-existing",
		OrderID:   "order-1",
		PartnerID: "partner-1",
		RuleID:    "rule-global-10",
		Amount:    200_000,
		Status:    database.CommissionStatusPending,
	}
	f.commissions.byOrder["order-1"] = existing

	err := f.machine.Transition(context.Background(), "order-1", database.OrderStatusDelivered, "", nil)
	require.NoError(t, err)

	assert.Same(t, existing, f.commissions.byOrder["order-1"])
	assert.Empty(t, f.emitter.ofType(EventCommissionPending))
}

func TestStateMachine_NoPartnerNoCommission(t *testing.T) {
	order := testOrder(2_000_000, 0)
	order.PartnerID = nil
	f := newMachineFixture(order, globalTenPercent())
	f.orders.order.Status = database.OrderStatusShipping

	err := f.machine.Transition(context.Background(), "order-1", database.OrderStatusDelivered, "", nil)
	require.NoError(t, err)

	assert.Empty(t, f.commissions.byOrder)
	assert.Empty(t, f.invalidator.partnerIDs)
}

func TestStateMachine_NoMatchingRuleNoCommission(t *testing.T) {
	f := newMachineFixture(testOrder(2_000_000, 0), nil)
	f.orders.order.Status = database.OrderStatusShipping

	err := f.machine.Transition(context.Background(), "order-1", database.OrderStatusDelivered, "", nil)
	require.NoError(t, err)

	assert.Empty(t, f.commissions.byOrder)
	assert.Empty(t, f.emitter.ofType(EventCommissionPending))
}

func TestStateMachine_ReturnReversesPendingCommission(t *testing.T) {
	f := newMachineFixture(testOrder(2_000_000, 0), globalTenPercent())
	f.orders.order.Status = database.OrderStatusShipping

	require.NoError(t, f.machine.Transition(context.Background(), "order-1", database.OrderStatusDelivered, "", nil))
	require.NoError(t, f.machine.Transition(context.Background(), "order-1", database.OrderStatusReturned, "damaged in transit", nil))

	commission := f.commissions.byOrder["order-1"]
	assert.Equal(t, database.CommissionStatusReversed, commission.Status)
	require.NotNil(t, commission.ReversalReason)
	assert.Equal(t, database.OrderStatusReturned, *commission.ReversalReason)

	// PENDING at reversal time, so the wallet was never credited and no
	// clawback entry is written.
	assert.Empty(t, f.ledger.appends)

	reversed := f.emitter.ofType(EventCommissionReversed)
	require.Len(t, reversed, 1)
	assert.Equal(t, commission.ID, reversed[0].payload["commission_id"])
}

func TestStateMachine_ReturnClawsBackAvailableCommission(t *testing.T) {
	f := newMachineFixture(testOrder(2_000_000, 0), globalTenPercent())
	f.orders.order.Status = database.OrderStatusDelivered
	f.commissions.byOrder["order-1"] = &database.Commission{
		ID:        "commission-1",
		OrderID:   "order-1",
		PartnerID: "partner-1",
		RuleID:    "rule-global-10",
		Amount:    200_000,
		Status:    database.CommissionStatusAvailable,
	}

	err := f.machine.Transition(context.Background(), "order-1", database.OrderStatusReturned, "return window", nil)
	require.NoError(t, err)

	assert.Equal(t, database.CommissionStatusReversed, f.commissions.byOrder["order-1"].Status)
	require.Len(t, f.ledger.appends, 1)
	entry := f.ledger.appends[0]
	assert.Equal(t, "partner-1", entry.partnerID)
	assert.Equal(t, database.WalletTxReverse, entry.txType)
	assert.Equal(t, int64(-200_000), entry.amount)
	assert.Equal(t, "commission-1", entry.refID)
}

func TestStateMachine_InvalidTransition(t *testing.T) {
	f := newMachineFixture(testOrder(2_000_000, 0), globalTenPercent())
	f.orders.order.Status = database.OrderStatusDelivered

	err := f.machine.Transition(context.Background(), "order-1", database.OrderStatusProcessing, "", nil)

	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "order-1", invalid.OrderID)
	assert.Equal(t, database.OrderStatusDelivered, invalid.Current)
	assert.Equal(t, database.OrderStatusProcessing, invalid.Requested)

	// Nothing changed, nothing emitted.
	assert.Equal(t, database.OrderStatusDelivered, f.orders.order.Status)
	assert.Empty(t, f.orders.events)
	assert.Empty(t, f.emitter.events)
}

func TestStateMachine_OrderNotFound(t *testing.T) {
	f := newMachineFixture(testOrder(2_000_000, 0), globalTenPercent())

	err := f.machine.Transition(context.Background(), "missing-order", database.OrderStatusPaid, "", nil)

	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "order", notFound.Kind)
	assert.Equal(t, "missing-order", notFound.ID)
}

func TestStateMachine_ConflictRetriesThenSurfaces(t *testing.T) {
	f := newMachineFixture(testOrder(2_000_000, 0), globalTenPercent())
	f.orders.order.Status = database.OrderStatusCreated
	f.orders.updateErr = database.ErrNoRowsUpdated

	err := f.machine.Transition(context.Background(), "order-1", database.OrderStatusPaid, "", nil)

	var conflict *ConcurrencyConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "order", conflict.Resource)
	// Initial attempt plus MaxRetries retries.
	assert.Equal(t, 3, f.orders.updateCalls)
}

func TestStateMachine_TrackingNumberApplied(t *testing.T) {
	f := newMachineFixture(testOrder(2_000_000, 0), globalTenPercent())
	f.orders.order.Status = database.OrderStatusProcessing

	tracking := "TRK-123456"
	err := f.machine.Transition(context.Background(), "order-1", database.OrderStatusShipping, "", &tracking)
	require.NoError(t, err)

	require.NotNil(t, f.orders.order.TrackingNumber)
	assert.Equal(t, tracking, *f.orders.order.TrackingNumber)
}
