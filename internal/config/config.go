package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Scylla    ScyllaConfig    `mapstructure:"scylla"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	AMI       AMIConfig       `mapstructure:"ami"`
	Telephony TelephonyConfig `mapstructure:"telephony"`
	Dialer    DialerConfig    `mapstructure:"dialer"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

type ScyllaConfig struct {
	Hosts       []string      `mapstructure:"hosts"`
	Port        int           `mapstructure:"port"`
	Keyspace    string        `mapstructure:"keyspace"`
	Consistency string        `mapstructure:"consistency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Brokers             []string      `mapstructure:"brokers"`
	ClientID            string        `mapstructure:"client_id"`
	CampaignStatusTopic string        `mapstructure:"campaign_status_topic"`
	CallRoutedTopic     string        `mapstructure:"call_routed_topic"`
	CommitInterval      time.Duration `mapstructure:"commit_interval"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type TelemetryConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	ServiceName     string        `mapstructure:"service_name"`
	SampleRatio     float64       `mapstructure:"sample_ratio"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AMIConfig holds switch management-interface connection settings.
type AMIConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Username       string        `mapstructure:"username"`
	Secret         string        `mapstructure:"secret"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	ReadAttempts   int           `mapstructure:"read_attempts"`
}

// TelephonyConfig names the routing identifiers on the switch side.
type TelephonyConfig struct {
	PredictiveContext string `mapstructure:"predictive_context"`
	OutboundContext   string `mapstructure:"outbound_context"`
	TrunkPrefix       string `mapstructure:"trunk_prefix"`
	AgentPrefix       string `mapstructure:"agent_prefix"`
	CallerName        string `mapstructure:"caller_name"`
}

// DialerConfig tunes the predictive pacing and loop behaviour.
type DialerConfig struct {
	MaxConcurrentCalls   int           `mapstructure:"max_concurrent_calls"`
	PredictiveRatio      float64       `mapstructure:"predictive_ratio"`
	AbandonRateThreshold float64       `mapstructure:"abandon_rate_threshold"`
	SafetyMultiplier     int           `mapstructure:"safety_multiplier"`
	AnswerTimeout        time.Duration `mapstructure:"answer_timeout"`
	OriginateTimeout     time.Duration `mapstructure:"originate_timeout"`
	TickInterval         time.Duration `mapstructure:"tick_interval"`
	ErrorBackoff         time.Duration `mapstructure:"error_backoff"`
	StatsRefreshInterval time.Duration `mapstructure:"stats_refresh_interval"`
	MaxIterations        int           `mapstructure:"max_iterations"`
	ReconcileInterval    time.Duration `mapstructure:"reconcile_interval"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("DIALER")
	v.SetEnvKeyReplacer(NewEnvReplacer())

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ami.port", 5038)
	v.SetDefault("ami.connect_timeout", 5*time.Second)
	v.SetDefault("ami.read_timeout", 10*time.Second)
	v.SetDefault("ami.read_attempts", 100)

	v.SetDefault("telephony.predictive_context", "predictive-dialer")
	v.SetDefault("telephony.outbound_context", "from-internal")
	v.SetDefault("telephony.trunk_prefix", "PJSIP/trunk/")
	v.SetDefault("telephony.agent_prefix", "PJSIP/")
	v.SetDefault("telephony.caller_name", "Predictive Dialer")

	v.SetDefault("dialer.max_concurrent_calls", 10)
	v.SetDefault("dialer.predictive_ratio", 2.5)
	v.SetDefault("dialer.abandon_rate_threshold", 0.05)
	v.SetDefault("dialer.safety_multiplier", 3)
	v.SetDefault("dialer.answer_timeout", 30*time.Second)
	v.SetDefault("dialer.originate_timeout", 30*time.Second)
	v.SetDefault("dialer.tick_interval", 5*time.Second)
	v.SetDefault("dialer.error_backoff", 10*time.Second)
	v.SetDefault("dialer.stats_refresh_interval", 30*time.Second)
	v.SetDefault("dialer.max_iterations", 1000)
	v.SetDefault("dialer.reconcile_interval", 15*time.Second)
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}
