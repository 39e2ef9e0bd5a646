package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "APPROVALS"

// Config is the full service configuration.
type Config struct {
	Service   ServiceConfig             `mapstructure:"service"`
	Log       LogConfig                 `mapstructure:"log"`
	Server    ServerConfig              `mapstructure:"server"`
	Storage   StorageConfig             `mapstructure:"storage"`
	Database  DatabaseConfig            `mapstructure:"database"`
	NATS      NATSConfig                `mapstructure:"nats"`
	Redis     RedisConfig               `mapstructure:"redis"`
	Engine    EngineConfig              `mapstructure:"engine"`
	Documents map[string]DocumentConfig `mapstructure:"documents"`
}

type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// StorageConfig selects the store backend: "postgres" or "memory".
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

type DatabaseConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	User        string        `mapstructure:"user"`
	Password    string        `mapstructure:"password"`
	Database    string        `mapstructure:"database"`
	SSLMode     string        `mapstructure:"sslmode"`
	MaxConns    int32         `mapstructure:"max_conns"`
	MinConns    int32         `mapstructure:"min_conns"`
	MaxConnTime time.Duration `mapstructure:"max_conn_time"`
	MaxIdleTime time.Duration `mapstructure:"max_idle_time"`
	HealthCheck time.Duration `mapstructure:"health_check"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// RedisConfig configures the sweep lease. An empty Addr disables it and
// every replica sweeps.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LeaseKey string        `mapstructure:"lease_key"`
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
}

type EngineConfig struct {
	AdminRole            string            `mapstructure:"admin_role"`
	AdminUsers           []string          `mapstructure:"admin_users"`
	SystemActor          string            `mapstructure:"system_actor"`
	EscalationInterval   time.Duration     `mapstructure:"escalation_interval"`
	EffectInterval       time.Duration     `mapstructure:"effect_interval"`
	SweepBatch           int               `mapstructure:"sweep_batch"`
	RetryMaxAttempts     int               `mapstructure:"retry_max_attempts"`
	RetryInitialInterval time.Duration     `mapstructure:"retry_initial_interval"`
	EffectMaxAttempts    int               `mapstructure:"effect_max_attempts"`
	RoleCacheTTL         time.Duration     `mapstructure:"role_cache_ttl"`
	DynamicRules         map[string]string `mapstructure:"dynamic_rules"`
}

// DocumentConfig tells the status syncer where a document type keeps its
// lifecycle status: a table in the approvals database, or the owning
// service's callback URL.
type DocumentConfig struct {
	Table          string        `mapstructure:"table"`
	StatusColumn   string        `mapstructure:"status_column"`
	ApprovedStatus string        `mapstructure:"approved_status"`
	RejectedStatus string        `mapstructure:"rejected_status"`
	CallbackURL    string        `mapstructure:"callback_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// SetDefaults registers every key so env overrides resolve during Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "approvals")
	v.SetDefault("service.version", "dev")
	v.SetDefault("service.environment", "development")
	v.SetDefault("log.level", "info")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 20*time.Second)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("storage.driver", "postgres")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.database", "approvals")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_time", time.Hour)
	v.SetDefault("database.max_idle_time", 30*time.Minute)
	v.SetDefault("database.health_check", time.Minute)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "approvals.notify")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lease_key", "approvals:escalation-sweep")
	v.SetDefault("redis.lease_ttl", 50*time.Second)

	v.SetDefault("engine.admin_role", "system_admin")
	v.SetDefault("engine.admin_users", []string{})
	v.SetDefault("engine.system_actor", "system")
	v.SetDefault("engine.escalation_interval", time.Minute)
	v.SetDefault("engine.effect_interval", 30*time.Second)
	v.SetDefault("engine.sweep_batch", 100)
	v.SetDefault("engine.retry_max_attempts", 3)
	v.SetDefault("engine.retry_initial_interval", 200*time.Millisecond)
	v.SetDefault("engine.effect_max_attempts", 10)
	v.SetDefault("engine.role_cache_ttl", 30*time.Second)
	v.SetDefault("engine.dynamic_rules", map[string]string{})

	v.SetDefault("documents", map[string]any{
		"purchase_requisition": map[string]any{
			"table": "purchase_requisitions", "status_column": "status",
			"approved_status": "approved", "rejected_status": "rejected",
		},
		"purchase_order": map[string]any{
			"table": "purchase_orders", "status_column": "status",
			"approved_status": "approved", "rejected_status": "rejected",
		},
		"supplier_registration": map[string]any{
			"table": "suppliers", "status_column": "registration_status",
			"approved_status": "approved", "rejected_status": "rejected",
		},
		"goods_receipt": map[string]any{
			"table": "goods_receipts", "status_column": "status",
			"approved_status": "approved", "rejected_status": "rejected",
		},
	})
}

// Load resolves configuration from defaults, an optional file, and
// APPROVALS_* environment variables, in increasing precedence. Flags bound
// to v by the caller take precedence over all of them.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("storage.driver must be postgres or memory, got %q", c.Storage.Driver)
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be positive")
	}
	if c.Engine.AdminRole == "" {
		return fmt.Errorf("engine.admin_role is required")
	}
	if c.Engine.SystemActor == "" {
		return fmt.Errorf("engine.system_actor is required")
	}
	if c.Engine.EscalationInterval <= 0 || c.Engine.EffectInterval <= 0 {
		return fmt.Errorf("engine sweep intervals must be positive")
	}
	for entityType, doc := range c.Documents {
		if doc.CallbackURL != "" {
			continue
		}
		if doc.Table == "" || doc.StatusColumn == "" {
			return fmt.Errorf("documents.%s needs table and status_column, or callback_url", entityType)
		}
	}
	return nil
}
