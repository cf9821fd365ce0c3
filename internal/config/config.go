// Package config provides configuration management for the gomp miner.
// Values come from built-in defaults, then an optional YAML file named by
// CONFIG_FILE, then environment variables. Environment always wins.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PoolConfig describes one pool endpoint and the credentials used on it
type PoolConfig struct {
	Name     string `yaml:"name"`
	Addr     string `yaml:"addr"`
	TLS      bool   `yaml:"tls"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Config holds the global configuration for the miner
type Config struct {
	// Service identification
	ServiceName string `yaml:"serviceName"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`

	// Pools
	Primary  PoolConfig `yaml:"primary"`
	Fallback PoolConfig `yaml:"fallback"`

	// Miner
	Agent             string  `yaml:"agent"`
	Workers           int     `yaml:"workers"`
	NonceExclusion    bool    `yaml:"nonceExclusion"`
	NonceExclusionCap int     `yaml:"nonceExclusionCap"`
	JobCacheSize      int     `yaml:"jobCacheSize"`
	PendingCacheSize  int     `yaml:"pendingCacheSize"`
	PoolDifficulty    float64 `yaml:"poolDifficulty"`

	// Protocol timing
	HelloInterval     time.Duration `yaml:"helloInterval"`
	InactivityTimeout time.Duration `yaml:"inactivityTimeout"`
	SubscribeTimeout  time.Duration `yaml:"subscribeTimeout"`
	SubmitTimeout     time.Duration `yaml:"submitTimeout"`
	ReadPoll          time.Duration `yaml:"readPoll"`
	DialTimeout       time.Duration `yaml:"dialTimeout"`
	ReconnectDelay    time.Duration `yaml:"reconnectDelay"`
	FailoverAfter     int           `yaml:"failoverAfter"`
	NetworkMaxRetries int           `yaml:"networkMaxRetries"`

	// NetworkProbeAddr is dialled before each connect; empty disables the watchdog
	NetworkProbeAddr string `yaml:"networkProbeAddr"`

	// Kafka
	KafkaBrokers []string `yaml:"kafkaBrokers"`
	KafkaTopic   string   `yaml:"kafkaTopic"`

	// Telemetry stores; empty address disables the sink
	RedisAddr     string        `yaml:"redisAddr"`
	RedisPassword string        `yaml:"redisPassword"`
	RedisDB       int           `yaml:"redisDB"`
	StatusTTL     time.Duration `yaml:"statusTTL"`
	InfluxURL     string        `yaml:"influxURL"`
	InfluxToken   string        `yaml:"influxToken"`
	InfluxOrg     string        `yaml:"influxOrg"`
	InfluxBucket  string        `yaml:"influxBucket"`
	PostgresURL   string        `yaml:"postgresURL"`

	// Work bridge; empty endpoints disable it
	ZMQWorkEndpoint   string `yaml:"zmqWorkEndpoint"`
	ZMQShareEndpoint  string `yaml:"zmqShareEndpoint"`
	SubmitConcurrency int    `yaml:"submitConcurrency"`

	MonitorWorkers int `yaml:"monitorWorkers"`
	MonitorQueue   int `yaml:"monitorQueue"`

	// Logging
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
}

// Defaults returns the built-in configuration
func Defaults() *Config {
	return &Config{
		ServiceName: "gomp-miner",
		Version:     "dev",
		Environment: "development",

		Primary: PoolConfig{Name: "primary", Addr: "public-pool.io:21496", Password: "x"},

		Agent:             "gomp-miner/1.0",
		Workers:           4,
		NonceExclusionCap: 32768,
		JobCacheSize:      5,
		PendingCacheSize:  100,
		PoolDifficulty:    1.0,

		HelloInterval:     30 * time.Second,
		InactivityTimeout: 60 * time.Second,
		SubscribeTimeout:  10 * time.Second,
		SubmitTimeout:     20 * time.Second,
		ReadPoll:          100 * time.Millisecond,
		DialTimeout:       10 * time.Second,
		ReconnectDelay:    5 * time.Second,
		FailoverAfter:     5,
		NetworkMaxRetries: 24,

		KafkaTopic:   "miner.events",
		StatusTTL:    2 * time.Minute,
		InfluxOrg:    "gomp",
		InfluxBucket: "mining",

		SubmitConcurrency: 8,
		MonitorWorkers:    4,
		MonitorQueue:      256,

		LogLevel:  "info",
		LogFormat: "json",
	}
}

// Load builds the configuration from defaults, CONFIG_FILE and the environment
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if cfg.Fallback.Addr == "" {
		name := cfg.Fallback.Name
		cfg.Fallback = cfg.Primary
		cfg.Fallback.Name = name
	}
	if cfg.Primary.Name == "" {
		cfg.Primary.Name = "primary"
	}
	if cfg.Fallback.Name == "" {
		cfg.Fallback.Name = "fallback"
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer func() { _ = file.Close() }()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.ServiceName = getEnv("SERVICE_NAME", c.ServiceName)
	c.Version = getEnv("VERSION", c.Version)
	c.Environment = getEnv("ENVIRONMENT", c.Environment)

	c.Primary = getEnvPool("POOL_PRIMARY", c.Primary)
	c.Fallback = getEnvPool("POOL_FALLBACK", c.Fallback)

	c.Agent = getEnv("MINER_AGENT", c.Agent)
	c.Workers = getEnvInt("MINER_WORKERS", c.Workers)
	c.NonceExclusion = getEnvBool("NONCE_EXCLUSION", c.NonceExclusion)
	c.NonceExclusionCap = getEnvInt("NONCE_EXCLUSION_CAP", c.NonceExclusionCap)
	c.JobCacheSize = getEnvInt("JOB_CACHE_SIZE", c.JobCacheSize)
	c.PendingCacheSize = getEnvInt("PENDING_CACHE_SIZE", c.PendingCacheSize)
	c.PoolDifficulty = getEnvFloat("POOL_DIFFICULTY", c.PoolDifficulty)

	c.HelloInterval = getEnvDuration("HELLO_INTERVAL", c.HelloInterval)
	c.InactivityTimeout = getEnvDuration("INACTIVITY_TIMEOUT", c.InactivityTimeout)
	c.SubscribeTimeout = getEnvDuration("SUBSCRIBE_TIMEOUT", c.SubscribeTimeout)
	c.SubmitTimeout = getEnvDuration("SUBMIT_TIMEOUT", c.SubmitTimeout)
	c.ReadPoll = getEnvDuration("READ_POLL", c.ReadPoll)
	c.DialTimeout = getEnvDuration("DIAL_TIMEOUT", c.DialTimeout)
	c.ReconnectDelay = getEnvDuration("RECONNECT_DELAY", c.ReconnectDelay)
	c.FailoverAfter = getEnvInt("FAILOVER_AFTER", c.FailoverAfter)
	c.NetworkMaxRetries = getEnvInt("NETWORK_MAX_RETRIES", c.NetworkMaxRetries)
	c.NetworkProbeAddr = getEnv("NETWORK_PROBE_ADDR", c.NetworkProbeAddr)

	c.KafkaBrokers = getEnvSlice("KAFKA_BROKERS", c.KafkaBrokers)
	c.KafkaTopic = getEnv("KAFKA_TOPIC", c.KafkaTopic)

	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getEnvInt("REDIS_DB", c.RedisDB)
	c.StatusTTL = getEnvDuration("STATUS_TTL", c.StatusTTL)
	c.InfluxURL = getEnv("INFLUX_URL", c.InfluxURL)
	c.InfluxToken = getEnv("INFLUX_TOKEN", c.InfluxToken)
	c.InfluxOrg = getEnv("INFLUX_ORG", c.InfluxOrg)
	c.InfluxBucket = getEnv("INFLUX_BUCKET", c.InfluxBucket)
	c.PostgresURL = getEnv("POSTGRES_URL", c.PostgresURL)

	c.ZMQWorkEndpoint = getEnv("ZMQ_WORK_ENDPOINT", c.ZMQWorkEndpoint)
	c.ZMQShareEndpoint = getEnv("ZMQ_SHARE_ENDPOINT", c.ZMQShareEndpoint)
	c.SubmitConcurrency = getEnvInt("SUBMIT_CONCURRENCY", c.SubmitConcurrency)

	c.MonitorWorkers = getEnvInt("MONITOR_WORKERS", c.MonitorWorkers)
	c.MonitorQueue = getEnvInt("MONITOR_QUEUE", c.MonitorQueue)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	if c.Primary.Addr == "" {
		return fmt.Errorf("POOL_PRIMARY_ADDR cannot be empty")
	}

	if c.Workers < 1 || c.Workers > 64 {
		return fmt.Errorf("MINER_WORKERS must be between 1 and 64")
	}

	if c.JobCacheSize <= 0 || c.PendingCacheSize <= 0 {
		return fmt.Errorf("JOB_CACHE_SIZE and PENDING_CACHE_SIZE must be positive")
	}

	if c.NonceExclusion && c.NonceExclusionCap <= 0 {
		return fmt.Errorf("NONCE_EXCLUSION_CAP must be positive when exclusion is enabled")
	}

	if c.PoolDifficulty <= 0 {
		return fmt.Errorf("POOL_DIFFICULTY must be positive")
	}

	for name, d := range map[string]time.Duration{
		"HELLO_INTERVAL":     c.HelloInterval,
		"INACTIVITY_TIMEOUT": c.InactivityTimeout,
		"SUBSCRIBE_TIMEOUT":  c.SubscribeTimeout,
		"SUBMIT_TIMEOUT":     c.SubmitTimeout,
		"READ_POLL":          c.ReadPoll,
		"DIAL_TIMEOUT":       c.DialTimeout,
		"RECONNECT_DELAY":    c.ReconnectDelay,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.InactivityTimeout <= c.HelloInterval {
		return fmt.Errorf("INACTIVITY_TIMEOUT must be greater than HELLO_INTERVAL")
	}

	if c.FailoverAfter <= 0 || c.NetworkMaxRetries <= 0 {
		return fmt.Errorf("FAILOVER_AFTER and NETWORK_MAX_RETRIES must be positive")
	}

	if c.SubmitConcurrency <= 0 || c.MonitorWorkers <= 0 || c.MonitorQueue <= 0 {
		return fmt.Errorf("SUBMIT_CONCURRENCY, MONITOR_WORKERS and MONITOR_QUEUE must be positive")
	}

	return nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var out []string
	for part := range strings.SplitSeq(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvPool(prefix string, p PoolConfig) PoolConfig {
	p.Name = getEnv(prefix+"_NAME", p.Name)
	p.Addr = getEnv(prefix+"_ADDR", p.Addr)
	p.TLS = getEnvBool(prefix+"_TLS", p.TLS)
	p.User = getEnv(prefix+"_USER", p.User)
	p.Password = getEnv(prefix+"_PASSWORD", p.Password)
	return p
}
