package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Configuration holds everything the engine needs at boot. Values come
// from defaults set in SetupViper, an optional pg-engine.{yaml,json}
// file and PGE_ prefixed environment variables.
type Configuration struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	AdminPort int    `mapstructure:"admin_port"`

	StatusResponse string `mapstructure:"status_response"`
	EnableGzip     bool   `mapstructure:"enable_gzip"`

	Metrics    Metrics    `mapstructure:"metrics"`
	Deals      Deals      `mapstructure:"deals"`
	Deployment Deployment `mapstructure:"deployment"`
}

type Metrics struct {
	UseGoMetrics bool              `mapstructure:"use_go_metrics"`
	Prometheus   PrometheusMetrics `mapstructure:"prometheus"`
}

type PrometheusMetrics struct {
	Port      int    `mapstructure:"port"`
	Namespace string `mapstructure:"namespace"`
	Subsystem string `mapstructure:"subsystem"`
	TimeoutMs int    `mapstructure:"timeout_ms"`
}

func (cfg *PrometheusMetrics) Timeout() time.Duration {
	return time.Duration(cfg.TimeoutMs) * time.Millisecond
}

// Deployment identifies this instance to the planner and alert proxy.
type Deployment struct {
	InstanceID string `mapstructure:"instance_id"`
	Vendor     string `mapstructure:"vendor"`
	Region     string `mapstructure:"region"`
	DataCenter string `mapstructure:"data_center"`
	System     string `mapstructure:"system"`
	SubSystem  string `mapstructure:"sub_system"`
	HostID     string `mapstructure:"host_id"`
	Env        string `mapstructure:"env"`
}

type Deals struct {
	Enabled           bool   `mapstructure:"enabled"`
	MaxDealsPerBidder int    `mapstructure:"max_deals_per_bidder"`
	AdServerCurrency  string `mapstructure:"ad_server_currency"`
	AccountRequired   bool   `mapstructure:"account_required"`

	Planner       Planner       `mapstructure:"planner"`
	DeliveryStats DeliveryStats `mapstructure:"delivery_stats"`
	UserData      UserData      `mapstructure:"user_data"`
	Alert         Alert         `mapstructure:"alert"`

	// Tracer bounds for the admin deep debug toggle.
	MaxTracerDurationSec int `mapstructure:"max_tracer_duration_sec"`

	DeliveryPeriodSec     int `mapstructure:"delivery_period_sec"`
	LineItemStatusTTLSec  int `mapstructure:"line_item_status_ttl_sec"`
	CachedPlansNumber     int `mapstructure:"cached_plans_number"`
	CompetitorsNumber     int `mapstructure:"competitors_number"`
	CachedReportsNumber   int `mapstructure:"cached_reports_number"`
	LineItemsPerReport    int `mapstructure:"line_items_per_report"`
	ReportBatchIntervalMs int `mapstructure:"report_batch_interval_ms"`
}

type Planner struct {
	PlanEndpoint         string `mapstructure:"plan_endpoint"`
	RegisterEndpoint     string `mapstructure:"register_endpoint"`
	Username             string `mapstructure:"username"`
	Password             string `mapstructure:"password"`
	UpdatePeriodSec      int    `mapstructure:"update_period_sec"`
	RegisterPeriodSec    int    `mapstructure:"register_period_sec"`
	PlanAdvancePeriodSec int    `mapstructure:"plan_advance_period_sec"`
	TimeoutMs            int    `mapstructure:"timeout_ms"`
}

type DeliveryStats struct {
	Endpoint                  string `mapstructure:"endpoint"`
	Username                  string `mapstructure:"username"`
	Password                  string `mapstructure:"password"`
	TimeoutMs                 int    `mapstructure:"timeout_ms"`
	RequestCompressionEnabled bool   `mapstructure:"request_compression_enabled"`
}

type UserData struct {
	Redis     Redis  `mapstructure:"redis"`
	KeyPrefix string `mapstructure:"key_prefix"`
	TimeoutMs int    `mapstructure:"timeout_ms"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type Alert struct {
	Endpoint  string `mapstructure:"endpoint"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	TimeoutMs int    `mapstructure:"timeout_ms"`
	Period    int    `mapstructure:"period"`
}

// New builds a validated Configuration from the given viper instance.
func New(v *viper.Viper) (*Configuration, error) {
	var c Configuration
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("viper failed to unmarshal app config: %v", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (cfg *Configuration) validate() error {
	if cfg.Port == cfg.AdminPort {
		return fmt.Errorf("port and admin_port must differ, both are %d", cfg.Port)
	}
	if cfg.Deals.Enabled {
		if cfg.Deals.Planner.PlanEndpoint == "" {
			return fmt.Errorf("deals.planner.plan_endpoint is required when deals are enabled")
		}
		if cfg.Deals.DeliveryStats.Endpoint == "" {
			return fmt.Errorf("deals.delivery_stats.endpoint is required when deals are enabled")
		}
		if cfg.Deals.MaxDealsPerBidder < 1 {
			return fmt.Errorf("deals.max_deals_per_bidder must be positive, got %d", cfg.Deals.MaxDealsPerBidder)
		}
		if cfg.Deals.Planner.UpdatePeriodSec < 1 {
			return fmt.Errorf("deals.planner.update_period_sec must be positive, got %d", cfg.Deals.Planner.UpdatePeriodSec)
		}
		if cfg.Deals.Planner.RegisterEndpoint != "" && cfg.Deals.Planner.RegisterPeriodSec < 1 {
			return fmt.Errorf("deals.planner.register_period_sec must be positive, got %d", cfg.Deals.Planner.RegisterPeriodSec)
		}
		if cfg.Deals.Planner.PlanAdvancePeriodSec < 1 {
			return fmt.Errorf("deals.planner.plan_advance_period_sec must be positive, got %d", cfg.Deals.Planner.PlanAdvancePeriodSec)
		}
		if cfg.Deals.DeliveryPeriodSec < 1 {
			return fmt.Errorf("deals.delivery_period_sec must be positive, got %d", cfg.Deals.DeliveryPeriodSec)
		}
		if cfg.Deployment.InstanceID == "" {
			return fmt.Errorf("deployment.instance_id is required when deals are enabled")
		}
	}
	return nil
}

func (cfg *Planner) Timeout() time.Duration {
	return time.Duration(cfg.TimeoutMs) * time.Millisecond
}

func (cfg *DeliveryStats) Timeout() time.Duration {
	return time.Duration(cfg.TimeoutMs) * time.Millisecond
}

func (cfg *UserData) Timeout() time.Duration {
	return time.Duration(cfg.TimeoutMs) * time.Millisecond
}

func (cfg *Alert) Timeout() time.Duration {
	return time.Duration(cfg.TimeoutMs) * time.Millisecond
}

// SetupViper sets defaults and wires env-var overrides. Every key can be
// overridden with PGE_SECTION_KEY style variables.
func SetupViper(v *viper.Viper, filename string) {
	if filename != "" {
		v.SetConfigName(filename)
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/config")
	}

	v.SetDefault("host", "")
	v.SetDefault("port", 8000)
	v.SetDefault("admin_port", 6060)
	v.SetDefault("status_response", "")
	v.SetDefault("enable_gzip", false)

	v.SetDefault("metrics.use_go_metrics", false)
	v.SetDefault("metrics.prometheus.port", 0)
	v.SetDefault("metrics.prometheus.namespace", "")
	v.SetDefault("metrics.prometheus.subsystem", "")
	v.SetDefault("metrics.prometheus.timeout_ms", 10000)

	v.SetDefault("deployment.instance_id", "")
	v.SetDefault("deployment.vendor", "")
	v.SetDefault("deployment.region", "")
	v.SetDefault("deployment.data_center", "")
	v.SetDefault("deployment.system", "PG")
	v.SetDefault("deployment.sub_system", "pg-engine")
	v.SetDefault("deployment.host_id", "")
	v.SetDefault("deployment.env", "prod")

	v.SetDefault("deals.enabled", false)
	v.SetDefault("deals.max_deals_per_bidder", 3)
	v.SetDefault("deals.ad_server_currency", "USD")
	v.SetDefault("deals.account_required", false)
	v.SetDefault("deals.max_tracer_duration_sec", 900)
	v.SetDefault("deals.delivery_period_sec", 60)
	v.SetDefault("deals.line_item_status_ttl_sec", 3600)
	v.SetDefault("deals.cached_plans_number", 20)
	v.SetDefault("deals.competitors_number", 10)
	v.SetDefault("deals.cached_reports_number", 20)
	v.SetDefault("deals.line_items_per_report", 5)
	v.SetDefault("deals.report_batch_interval_ms", 1000)

	v.SetDefault("deals.planner.plan_endpoint", "")
	v.SetDefault("deals.planner.register_endpoint", "")
	v.SetDefault("deals.planner.username", "")
	v.SetDefault("deals.planner.password", "")
	v.SetDefault("deals.planner.update_period_sec", 60)
	v.SetDefault("deals.planner.register_period_sec", 60)
	v.SetDefault("deals.planner.plan_advance_period_sec", 60)
	v.SetDefault("deals.planner.timeout_ms", 5000)

	v.SetDefault("deals.delivery_stats.endpoint", "")
	v.SetDefault("deals.delivery_stats.username", "")
	v.SetDefault("deals.delivery_stats.password", "")
	v.SetDefault("deals.delivery_stats.timeout_ms", 5000)
	v.SetDefault("deals.delivery_stats.request_compression_enabled", false)

	v.SetDefault("deals.user_data.redis.addr", "localhost:6379")
	v.SetDefault("deals.user_data.redis.password", "")
	v.SetDefault("deals.user_data.redis.db", 0)
	v.SetDefault("deals.user_data.key_prefix", "fcap:")
	v.SetDefault("deals.user_data.timeout_ms", 300)

	v.SetDefault("deals.alert.endpoint", "")
	v.SetDefault("deals.alert.username", "")
	v.SetDefault("deals.alert.password", "")
	v.SetDefault("deals.alert.timeout_ms", 5000)
	v.SetDefault("deals.alert.period", 15)

	v.SetEnvPrefix("PGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.ReadInConfig()
}
