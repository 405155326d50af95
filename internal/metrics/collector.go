package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/shopflow/settlement-engine/internal/database"
)

const collectionInterval = 30 * time.Second

// StatsSource supplies the commission status counts the gauges poll
type StatsSource interface {
	StatusCounts(ctx context.Context) (map[string]int, error)
}

// Collector manages Prometheus metrics for the settlement engine
type Collector struct {
	logger *slog.Logger
	stats  StatsSource

	// Transition metrics
	transitionsTotal   *prometheus.CounterVec
	transitionDuration prometheus.Histogram

	// Sweep metrics
	sweepsTotal         *prometheus.CounterVec
	sweepDuration       prometheus.Histogram
	commissionsReleased prometheus.Counter
	commissionsHeld     prometheus.Counter
	tierUpgrades        prometheus.Counter

	// Commission state gauges, polled from the store
	commissionsByStatus *prometheus.GaugeVec

	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewCollector creates the collector and registers its instruments
func NewCollector(logger *slog.Logger, stats StatsSource) *Collector {
	return &Collector{
		logger: logger,
		stats:  stats,

		transitionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_order_transitions_total",
			Help: "Order status transitions by target status and outcome",
		}, []string{"to_status", "outcome"}),

		transitionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "settlement_order_transition_duration_seconds",
			Help:    "Duration of order status transitions",
			Buckets: prometheus.DefBuckets,
		}),

		sweepsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_sweeps_total",
			Help: "Settlement sweep runs by outcome",
		}, []string{"outcome"}),

		sweepDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "settlement_sweep_duration_seconds",
			Help:    "Duration of settlement sweeps",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}),

		commissionsReleased: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settlement_commissions_released_total",
			Help: "Commissions released to partner wallets",
		}),

		commissionsHeld: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settlement_commissions_held_total",
			Help: "Commissions held by risk gating at sweep time",
		}),

		tierUpgrades: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settlement_partner_tier_upgrades_total",
			Help: "Partner tier upgrades applied by the sweep",
		}),

		commissionsByStatus: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "settlement_commissions_by_status",
			Help: "Current commission count per status",
		}, []string{"status"}),

		httpRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_http_requests_total",
			Help: "HTTP requests by method, route and status code",
		}, []string{"method", "route", "status"}),

		httpRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "settlement_http_request_duration_seconds",
			Help:    "HTTP request duration by method and route",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Start polls commission status gauges until ctx is cancelled
func (c *Collector) Start(ctx context.Context) error {
	ticker := time.NewTicker(collectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *Collector) collect(ctx context.Context) {
	counts, err := c.stats.StatusCounts(ctx)
	if err != nil {
		c.logger.Warn("Failed to collect commission status counts", "error", err)
		return
	}

	for _, status := range []string{
		database.CommissionStatusPending,
		database.CommissionStatusAvailable,
		database.CommissionStatusPaid,
		database.CommissionStatusReversed,
	} {
		c.commissionsByStatus.WithLabelValues(status).Set(float64(counts[status]))
	}
}

// ObserveTransition records one transition attempt
func (c *Collector) ObserveTransition(toStatus, outcome string, duration time.Duration) {
	c.transitionsTotal.WithLabelValues(toStatus, outcome).Inc()
	c.transitionDuration.Observe(duration.Seconds())
}

// ObserveSweep records one sweep run
func (c *Collector) ObserveSweep(outcome string, released, held, upgrades int, duration time.Duration) {
	c.sweepsTotal.WithLabelValues(outcome).Inc()
	c.sweepDuration.Observe(duration.Seconds())
	c.commissionsReleased.Add(float64(released))
	c.commissionsHeld.Add(float64(held))
	c.tierUpgrades.Add(float64(upgrades))
}

// ObserveHTTPRequest records one HTTP request
func (c *Collector) ObserveHTTPRequest(method, route, status string, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	c.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
