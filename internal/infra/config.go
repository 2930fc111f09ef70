package infra

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xela07ax/spaceai-lanes/internal/domain"
)

// Config is the root configuration of the lane control plane.
type Config struct {
	Lanes      map[string]LaneConfig `mapstructure:"lanes"`
	EventStore EventStoreConfig      `mapstructure:"eventstore"`
	Guard      GuardConfig           `mapstructure:"guard"`
	Sync       SyncConfig            `mapstructure:"sync"`
	Audit      AuditConfig           `mapstructure:"audit"`
	Database   DatabaseConfig        `mapstructure:"database"`
	Redis      RedisConfig           `mapstructure:"redis"`
	Metrics    MetricsConfig         `mapstructure:"metrics"`
	Logger     LoggerConfig          `mapstructure:"logger"`
}

// LaneConfig groups the guard and synchronizer options of one lane.
type LaneConfig struct {
	Policy PolicyConfig `mapstructure:"policy"`
	Sync   BudgetConfig `mapstructure:"sync"`
}

type PolicyConfig struct {
	MaxRiskLevel        float64  `mapstructure:"max_risk_level"`
	AllowedKinds        []string `mapstructure:"allowed_kinds"`
	MaxReplayRate       int      `mapstructure:"max_replay_rate"`
	ReplayBudget        int      `mapstructure:"replay_budget"`
	BudgetWindowMinutes int      `mapstructure:"budget_window_minutes"`
}

type BudgetConfig struct {
	MaxFanout           int     `mapstructure:"max_fanout"`
	MaxFanin            int     `mapstructure:"max_fanin"`
	MaxDepth            int     `mapstructure:"max_depth"`
	OpsBudgetPerTick    int     `mapstructure:"ops_budget_per_tick"`
	DataBudgetPerTickMB float64 `mapstructure:"data_budget_per_tick_mb"`
	BudgetWindowSeconds int     `mapstructure:"budget_window_seconds"`
	AllowCrossLaneSync  bool    `mapstructure:"allow_cross_lane_sync"`
}

type EventStoreConfig struct {
	MaxCapacity int `mapstructure:"max_capacity"`
}

type GuardConfig struct {
	DecisionLogSize int `mapstructure:"decision_log_size"`
}

type SyncConfig struct {
	OperationLogSize int `mapstructure:"operation_log_size"`
}

// AuditConfig selects where decision and operation records go.
// Sink is one of: none, postgres, redis.
type AuditConfig struct {
	Sink          string        `mapstructure:"sink"`
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`

	// Protection of the storage backend
	WritesPerSecond float64       `mapstructure:"writes_per_second"`
	Burst           int           `mapstructure:"burst"`
	RetryAttempts   uint          `mapstructure:"retry_attempts"`
	CBMaxFailures   uint32        `mapstructure:"cb_max_failures"`
	CBTimeout       time.Duration `mapstructure:"cb_timeout"`

	StreamMaxLen int64 `mapstructure:"stream_max_len"`
}

// DatabaseConfig describes the PostgreSQL connection used by the audit sink.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// RedisConfig describes the Redis connection used by the audit stream.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MetricsConfig struct {
	Addr      string `mapstructure:"addr"`
	Namespace string `mapstructure:"namespace"`
}

// LoggerConfig tunes the zap logger.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig merges defaults, an optional config.yaml and ENV.
// Without paths the file is looked up in "." and "./configs".
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "./configs"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	// LANES_PROD_POLICY_MAX_RISK_LEVEL=0.1 overrides lanes.prod.policy.max_risk_level
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No file: defaults and ENV only
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	for lane, p := range domain.DefaultLanePolicies() {
		prefix := "lanes." + string(lane) + ".policy."
		v.SetDefault(prefix+"max_risk_level", p.MaxRiskLevel)
		v.SetDefault(prefix+"allowed_kinds", p.Kinds())
		v.SetDefault(prefix+"max_replay_rate", p.MaxReplayRate)
		v.SetDefault(prefix+"replay_budget", p.ReplayBudget)
		v.SetDefault(prefix+"budget_window_minutes", p.BudgetWindowMinutes)
	}
	for lane, b := range domain.DefaultSyncBudgets() {
		prefix := "lanes." + string(lane) + ".sync."
		v.SetDefault(prefix+"max_fanout", b.MaxFanout)
		v.SetDefault(prefix+"max_fanin", b.MaxFanin)
		v.SetDefault(prefix+"max_depth", b.MaxDepth)
		v.SetDefault(prefix+"ops_budget_per_tick", b.OpsBudgetPerTick)
		v.SetDefault(prefix+"data_budget_per_tick_mb", b.DataBudgetPerTickMB)
		v.SetDefault(prefix+"budget_window_seconds", b.BudgetWindowSeconds)
		v.SetDefault(prefix+"allow_cross_lane_sync", b.AllowCrossLaneSync)
	}

	v.SetDefault("eventstore.max_capacity", 10000)
	v.SetDefault("guard.decision_log_size", 10000)
	v.SetDefault("sync.operation_log_size", 10000)

	v.SetDefault("audit.sink", "none")
	v.SetDefault("audit.buffer_size", 10000)
	v.SetDefault("audit.batch_size", 100)
	v.SetDefault("audit.flush_interval", 500*time.Millisecond)
	v.SetDefault("audit.writes_per_second", 50)
	v.SetDefault("audit.burst", 10)
	v.SetDefault("audit.retry_attempts", 3)
	v.SetDefault("audit.cb_max_failures", 5)
	v.SetDefault("audit.cb_timeout", 30*time.Second)
	v.SetDefault("audit.stream_max_len", 100000)

	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("metrics.namespace", "lanegate")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}

// Validate rejects values the components cannot run with.
func (c *Config) Validate() error {
	var errs []error
	for name, lc := range c.Lanes {
		lane := domain.Lane(strings.ToLower(name))
		if !lane.Known() {
			errs = append(errs, fmt.Errorf("lanes.%s: unknown lane", name))
			continue
		}
		p := lc.Policy
		if p.MaxRiskLevel < 0 || p.MaxRiskLevel > 1 {
			errs = append(errs, fmt.Errorf("lanes.%s.policy.max_risk_level: %v is outside [0, 1]", name, p.MaxRiskLevel))
		}
		if p.MaxReplayRate < 0 || p.ReplayBudget < 0 || p.BudgetWindowMinutes <= 0 {
			errs = append(errs, fmt.Errorf("lanes.%s.policy: rate and budget must be >= 0 and the window > 0", name))
		}
		b := lc.Sync
		if b.MaxFanout < 0 || b.MaxFanin < 0 || b.MaxDepth < 0 || b.OpsBudgetPerTick < 0 || b.DataBudgetPerTickMB < 0 {
			errs = append(errs, fmt.Errorf("lanes.%s.sync: limits must be >= 0", name))
		}
		if b.BudgetWindowSeconds <= 0 {
			errs = append(errs, fmt.Errorf("lanes.%s.sync.budget_window_seconds: must be > 0", name))
		}
	}
	switch c.Audit.Sink {
	case "none", "postgres", "redis":
	default:
		errs = append(errs, fmt.Errorf("audit.sink: unsupported value %q", c.Audit.Sink))
	}
	if c.Audit.Sink == "postgres" && c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required for the postgres audit sink"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// LanePolicies converts the lane section into guard profiles.
func (c *Config) LanePolicies() map[domain.Lane]domain.LanePolicy {
	out := make(map[domain.Lane]domain.LanePolicy, len(c.Lanes))
	for name, lc := range c.Lanes {
		p := lc.Policy
		out[domain.Lane(strings.ToLower(name))] = domain.NewLanePolicy(
			p.MaxRiskLevel, p.AllowedKinds, p.MaxReplayRate, p.ReplayBudget, p.BudgetWindowMinutes)
	}
	return out
}

// SyncBudgets converts the lane section into synchronizer budgets.
func (c *Config) SyncBudgets() map[domain.Lane]domain.SyncBudget {
	out := make(map[domain.Lane]domain.SyncBudget, len(c.Lanes))
	for name, lc := range c.Lanes {
		b := lc.Sync
		out[domain.Lane(strings.ToLower(name))] = domain.SyncBudget{
			MaxFanout:           b.MaxFanout,
			MaxFanin:            b.MaxFanin,
			MaxDepth:            b.MaxDepth,
			OpsBudgetPerTick:    b.OpsBudgetPerTick,
			DataBudgetPerTickMB: b.DataBudgetPerTickMB,
			BudgetWindowSeconds: b.BudgetWindowSeconds,
			AllowCrossLaneSync:  b.AllowCrossLaneSync,
		}
	}
	return out
}
