package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/shopflow/settlement-engine/internal/config"
	"github.com/shopflow/settlement-engine/internal/database"
	"github.com/shopflow/settlement-engine/internal/engine"
	"github.com/shopflow/settlement-engine/internal/metrics"
	"github.com/shopflow/settlement-engine/internal/risk"
	"github.com/shopflow/settlement-engine/internal/settlement"
)

const defaultPageSize = 50

// OrderTransitioner drives order status transitions
type OrderTransitioner interface {
	Transition(ctx context.Context, orderID, targetStatus, note string, trackingNumber *string) error
}

// SweepScheduler runs and reports on settlement sweeps
type SweepScheduler interface {
	RunSweep(ctx context.Context) (*settlement.Summary, error)
	LastRun() (time.Time, *settlement.Summary, error)
	NextRun() time.Time
}

// OrderReader reads orders and their transition history
type OrderReader interface {
	GetByID(ctx context.Context, id string) (*database.Order, error)
	ListStatusEvents(ctx context.Context, orderID string) ([]*database.OrderStatusEvent, error)
}

// LedgerReader reads partner wallet state
type LedgerReader interface {
	Balance(ctx context.Context, partnerID string) (int64, error)
	ChainBalance(ctx context.Context, partnerID string) (int64, error)
	List(ctx context.Context, partnerID string, filter database.Filter) ([]*database.WalletTransaction, int, error)
}

// CommissionReader reads individual commissions and pending totals
type CommissionReader interface {
	GetByID(ctx context.Context, id string) (*database.Commission, error)
	PendingAmount(ctx context.Context, partnerID string) (int64, error)
}

// SignalSource computes fraud signals
type SignalSource interface {
	Score(ctx context.Context, partnerID string) (*risk.Signal, error)
}

// HTTPHandler handles HTTP requests for the settlement engine
type HTTPHandler struct {
	config       *config.Config
	logger       *slog.Logger
	stateMachine OrderTransitioner
	scheduler    SweepScheduler
	orders       OrderReader
	ledger       LedgerReader
	commissions  CommissionReader
	signals      SignalSource
	collector    *metrics.Collector
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(
	cfg *config.Config,
	logger *slog.Logger,
	stateMachine OrderTransitioner,
	scheduler SweepScheduler,
	orders OrderReader,
	ledger LedgerReader,
	commissions CommissionReader,
	signals SignalSource,
	collector *metrics.Collector,
) *HTTPHandler {
	return &HTTPHandler{
		config:       cfg,
		logger:       logger,
		stateMachine: stateMachine,
		scheduler:    scheduler,
		orders:       orders,
		ledger:       ledger,
		commissions:  commissions,
		signals:      signals,
		collector:    collector,
	}
}

// RegisterRoutes registers HTTP routes
func (h *HTTPHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", h.handleHealth).Methods("GET")
	router.HandleFunc("/status", h.handleStatus).Methods("GET")

	router.HandleFunc("/orders/{id}", h.handleGetOrder).Methods("GET")
	router.HandleFunc("/orders/{id}/transition", h.handleTransitionOrder).Methods("POST")
	router.HandleFunc("/commissions/{id}", h.handleGetCommission).Methods("GET")
	router.HandleFunc("/settlement/sweep", h.handleRunSweep).Methods("POST")

	partnerRouter := router.PathPrefix("/partners").Subrouter()
	partnerRouter.HandleFunc("/{id}/ledger", h.handleGetPartnerLedger).Methods("GET")
	partnerRouter.HandleFunc("/{id}/ledger/verify", h.handleVerifyLedger).Methods("GET")
	partnerRouter.HandleFunc("/{id}/risk", h.handleGetRiskSignal).Methods("GET")

	if h.collector != nil {
		router.Use(h.metricsMiddleware)
	}
}

func (h *HTTPHandler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]

	order, err := h.orders.GetByID(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "order not found")
			return
		}
		h.logger.Error("Failed to get order", "order_id", orderID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	events, err := h.orders.ListStatusEvents(r.Context(), orderID)
	if err != nil {
		h.logger.Error("Failed to list status events", "order_id", orderID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"order":         order,
		"status_events": events,
	})
}

func (h *HTTPHandler) handleGetCommission(w http.ResponseWriter, r *http.Request) {
	commissionID := mux.Vars(r)["id"]

	commission, err := h.commissions.GetByID(r.Context(), commissionID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "commission not found")
			return
		}
		h.logger.Error("Failed to get commission", "commission_id", commissionID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.writeJSON(w, http.StatusOK, commission)
}

type transitionRequest struct {
	TargetStatus   string  `json:"target_status"`
	Note           string  `json:"note"`
	TrackingNumber *string `json:"tracking_number,omitempty"`
}

func (h *HTTPHandler) handleTransitionOrder(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["id"]

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TargetStatus == "" {
		h.writeError(w, http.StatusBadRequest, "target_status is required")
		return
	}

	start := time.Now()
	err := h.stateMachine.Transition(r.Context(), orderID, req.TargetStatus, req.Note, req.TrackingNumber)
	if h.collector != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		h.collector.ObserveTransition(req.TargetStatus, outcome, time.Since(start))
	}
	if err != nil {
		h.writeTransitionError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (h *HTTPHandler) writeTransitionError(w http.ResponseWriter, err error) {
	var notFound *engine.NotFoundError
	if errors.As(err, &notFound) {
		h.writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error": notFound.Error(),
		})
		return
	}

	var invalid *engine.InvalidTransitionError
	if errors.As(err, &invalid) {
		// Report current vs requested so an operator can correct the action
		h.writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":            invalid.Error(),
			"current_status":   invalid.Current,
			"requested_status": invalid.Requested,
		})
		return
	}

	var conflict *engine.ConcurrencyConflictError
	if errors.As(err, &conflict) {
		h.writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":     conflict.Error(),
			"retryable": true,
		})
		return
	}

	h.logger.Error("Transition failed", "error", err)
	h.writeError(w, http.StatusInternalServerError, "internal error")
}

func (h *HTTPHandler) handleRunSweep(w http.ResponseWriter, r *http.Request) {
	summary, err := h.scheduler.RunSweep(r.Context())
	if err != nil {
		h.logger.Error("On-demand sweep failed", "error", err)
		// Report partial progress rather than an opaque failure
		h.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":   err.Error(),
			"summary": summary,
		})
		return
	}

	h.writeJSON(w, http.StatusOK, summary)
}

func (h *HTTPHandler) handleGetPartnerLedger(w http.ResponseWriter, r *http.Request) {
	partnerID := mux.Vars(r)["id"]

	page := 1
	if raw := r.URL.Query().Get("page"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			h.writeError(w, http.StatusBadRequest, "invalid page")
			return
		}
		page = parsed
	}
	pageSize := defaultPageSize
	if raw := r.URL.Query().Get("page_size"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			h.writeError(w, http.StatusBadRequest, "invalid page_size")
			return
		}
		pageSize = parsed
	}

	balance, err := h.ledger.Balance(r.Context(), partnerID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "partner not found")
			return
		}
		h.logger.Error("Failed to read wallet balance", "partner_id", partnerID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	pending, err := h.commissions.PendingAmount(r.Context(), partnerID)
	if err != nil {
		h.logger.Error("Failed to sum pending commissions", "partner_id", partnerID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	filter := database.Filter{Limit: pageSize, Offset: (page - 1) * pageSize}
	transactions, total, err := h.ledger.List(r.Context(), partnerID, filter)
	if err != nil {
		h.logger.Error("Failed to list ledger", "partner_id", partnerID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"partner_id":   partnerID,
		"balance":      balance,
		"pending":      pending,
		"available":    balance,
		"transactions": transactions,
		"page":         page,
		"page_size":    pageSize,
		"total":        total,
	})
}

// handleVerifyLedger recomputes the full ledger sum and compares it to the
// materialized balance, so operators can audit a partner's chain on demand.
func (h *HTTPHandler) handleVerifyLedger(w http.ResponseWriter, r *http.Request) {
	partnerID := mux.Vars(r)["id"]

	balance, err := h.ledger.Balance(r.Context(), partnerID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "partner not found")
			return
		}
		h.logger.Error("Failed to read wallet balance", "partner_id", partnerID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	chainBalance, err := h.ledger.ChainBalance(r.Context(), partnerID)
	if err != nil {
		h.logger.Error("Failed to sum ledger chain", "partner_id", partnerID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	consistent := balance == chainBalance
	if !consistent {
		h.logger.Error("Ledger chain does not match materialized balance",
			"partner_id", partnerID,
			"balance", balance,
			"chain_balance", chainBalance)
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"partner_id":    partnerID,
		"balance":       balance,
		"chain_balance": chainBalance,
		"consistent":    consistent,
	})
}

func (h *HTTPHandler) handleGetRiskSignal(w http.ResponseWriter, r *http.Request) {
	partnerID := mux.Vars(r)["id"]

	signal, err := h.signals.Score(r.Context(), partnerID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "partner not found")
			return
		}
		h.logger.Error("Failed to compute risk signal", "partner_id", partnerID, "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.writeJSON(w, http.StatusOK, signal)
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "settlement-engine",
	})
}

func (h *HTTPHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	lastRun, lastSummary, lastErr := h.scheduler.LastRun()

	status := map[string]interface{}{
		"service":         "settlement-engine",
		"environment":     h.config.Environment,
		"next_sweep":      h.scheduler.NextRun(),
		"last_sweep":      lastRun,
		"last_sweep_data": lastSummary,
	}
	if lastErr != nil {
		status["last_sweep_error"] = lastErr.Error()
	}

	h.writeJSON(w, http.StatusOK, status)
}

func (h *HTTPHandler) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(recorder, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if template, err := current.GetPathTemplate(); err == nil {
				route = template
			}
		}
		h.collector.ObserveHTTPRequest(r.Method, route, strconv.Itoa(recorder.status), time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]interface{}{"error": message})
}
