package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete configuration for the settlement engine service
type Config struct {
	Environment string           `mapstructure:"environment"`
	Debug       bool             `mapstructure:"debug"`
	Server      ServerConfig     `mapstructure:"server"`
	Database    DatabaseConfig   `mapstructure:"database"`
	Redis       RedisConfig      `mapstructure:"redis"`
	Kafka       KafkaConfig      `mapstructure:"kafka"`
	Settlement  SettlementConfig `mapstructure:"settlement"`
	Risk        RiskConfig       `mapstructure:"risk"`
	Tiers       TiersConfig      `mapstructure:"tiers"`
	Inventory   InventoryConfig  `mapstructure:"inventory"`
}

// ServerConfig contains server configuration
type ServerConfig struct {
	HTTPPort int `mapstructure:"http_port"`
}

// DatabaseConfig contains database configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// RedisConfig contains Redis configuration for the risk signal cache
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	PoolSize int           `mapstructure:"pool_size"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// KafkaConfig contains Kafka configuration for audit events
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Topics       TopicsConfig  `mapstructure:"topics"`
}

// TopicsConfig contains audit event topic configuration
type TopicsConfig struct {
	OrderStatusChanged string `mapstructure:"order_status_changed"`
	CommissionPending  string `mapstructure:"commission_pending"`
	CommissionReversed string `mapstructure:"commission_reversed"`
	CommissionReleased string `mapstructure:"commission_released"`
	CommissionHeld     string `mapstructure:"commission_held"`
	PartnerTierChanged string `mapstructure:"partner_tier_changed"`
}

// SettlementConfig contains commission hold and sweep configuration
type SettlementConfig struct {
	HoldWindowDays     int           `mapstructure:"hold_window_days"`
	SweepSchedule      string        `mapstructure:"sweep_schedule"`
	SweepBatchSize     int           `mapstructure:"sweep_batch_size"`
	MaxRetries         int           `mapstructure:"max_retries"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
	TransitionDeadline time.Duration `mapstructure:"transition_deadline"`
}

// RiskConfig contains fraud scoring weights and thresholds.
// The hold and block thresholds gate money release and must never be
// hard-coded at call sites.
type RiskConfig struct {
	ReturnRateHigh       float64 `mapstructure:"return_rate_high"`
	ReturnRateMedium     float64 `mapstructure:"return_rate_medium"`
	ReturnScoreHigh      int     `mapstructure:"return_score_high"`
	ReturnScoreMedium    int     `mapstructure:"return_score_medium"`
	CancelRateHigh       float64 `mapstructure:"cancel_rate_high"`
	CancelRateMedium     float64 `mapstructure:"cancel_rate_medium"`
	CancelScoreHigh      int     `mapstructure:"cancel_score_high"`
	CancelScoreMedium    int     `mapstructure:"cancel_score_medium"`
	SameDeviceWeight     int     `mapstructure:"same_device_weight"`
	SameAddressWeight    int     `mapstructure:"same_address_weight"`
	SelfPurchaseWeight   int     `mapstructure:"self_purchase_weight"`
	IPOverlapWeight      int     `mapstructure:"ip_overlap_weight"`
	HoldThreshold        int     `mapstructure:"hold_threshold"`
	BlockReviewThreshold int     `mapstructure:"block_review_threshold"`
}

// TiersConfig contains partner tier upgrade thresholds
type TiersConfig struct {
	AgentMinOrders   int   `mapstructure:"agent_min_orders"`
	AgentMinRevenue  int64 `mapstructure:"agent_min_revenue"`
	LeaderMinOrders  int   `mapstructure:"leader_min_orders"`
	LeaderMinRevenue int64 `mapstructure:"leader_min_revenue"`
}

// InventoryConfig contains the inventory collaborator client configuration
type InventoryConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/settlement-engine")

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("SETTLEMENT_ENGINE")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// General
	viper.SetDefault("environment", "development")
	viper.SetDefault("debug", false)

	// Server
	viper.SetDefault("server.http_port", 8086)

	// Database
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "shopflow_settlement")
	viper.SetDefault("database.username", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("database.migrations_path", "file://migrations")

	// Redis
	viper.SetDefault("redis.enabled", true)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.cache_ttl", "10m")

	// Kafka
	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.write_timeout", "10s")
	viper.SetDefault("kafka.topics.order_status_changed", "order-status-changed")
	viper.SetDefault("kafka.topics.commission_pending", "commission-pending")
	viper.SetDefault("kafka.topics.commission_reversed", "commission-reversed")
	viper.SetDefault("kafka.topics.commission_released", "commission-released")
	viper.SetDefault("kafka.topics.commission_held", "commission-held")
	viper.SetDefault("kafka.topics.partner_tier_changed", "partner-tier-changed")

	// Settlement
	viper.SetDefault("settlement.hold_window_days", 14)
	viper.SetDefault("settlement.sweep_schedule", "0 0 * * * *")
	viper.SetDefault("settlement.sweep_batch_size", 500)
	viper.SetDefault("settlement.max_retries", 3)
	viper.SetDefault("settlement.retry_delay", "100ms")
	viper.SetDefault("settlement.transition_deadline", "10s")

	// Risk scoring
	viper.SetDefault("risk.return_rate_high", 0.25)
	viper.SetDefault("risk.return_rate_medium", 0.15)
	viper.SetDefault("risk.return_score_high", 30)
	viper.SetDefault("risk.return_score_medium", 15)
	viper.SetDefault("risk.cancel_rate_high", 0.20)
	viper.SetDefault("risk.cancel_rate_medium", 0.10)
	viper.SetDefault("risk.cancel_score_high", 20)
	viper.SetDefault("risk.cancel_score_medium", 10)
	viper.SetDefault("risk.same_device_weight", 5)
	viper.SetDefault("risk.same_address_weight", 3)
	viper.SetDefault("risk.self_purchase_weight", 10)
	viper.SetDefault("risk.ip_overlap_weight", 5)
	viper.SetDefault("risk.hold_threshold", 40)
	viper.SetDefault("risk.block_review_threshold", 60)

	// Partner tiers
	viper.SetDefault("tiers.agent_min_orders", 50)
	viper.SetDefault("tiers.agent_min_revenue", 50000000)
	viper.SetDefault("tiers.leader_min_orders", 300)
	viper.SetDefault("tiers.leader_min_revenue", 500000000)

	// Inventory collaborator
	viper.SetDefault("inventory.base_url", "http://localhost:8090")
	viper.SetDefault("inventory.timeout", "5s")
	viper.SetDefault("inventory.max_retries", 2)
	viper.SetDefault("inventory.retry_delay", "250ms")
}
