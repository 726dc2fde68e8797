package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/0xmhha/market-indexer/internal/constants"
)

// Config holds all configuration for the indexer
type Config struct {
	RPC      RPCConfig      `yaml:"rpc"`
	Explorer ExplorerConfig `yaml:"explorer"`
	Contract ContractConfig `yaml:"contract"`
	Database DatabaseConfig `yaml:"database"`
	Dedup    DedupConfig    `yaml:"dedup"`
	Log      LogConfig      `yaml:"log"`
	API      APIConfig      `yaml:"api"`
	Handlers HandlersConfig `yaml:"handlers"`
	Feed     FeedConfig     `yaml:"feed"`
}

// RPCConfig holds node RPC configuration
type RPCConfig struct {
	Endpoint string `yaml:"endpoint"`
	// WSEndpoint is used for the live subscription when Endpoint is HTTP
	WSEndpoint    string        `yaml:"ws_endpoint"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxBlockRange uint64        `yaml:"max_block_range"`
}

// ExplorerConfig holds the block explorer log API configuration
type ExplorerConfig struct {
	Enabled   bool          `yaml:"enabled"`
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit float64       `yaml:"rate_limit"`
}

// ContractConfig identifies the marketplace contract
type ContractConfig struct {
	Address string `yaml:"address"`
	// ABIPath overrides the embedded marketplace ABI
	ABIPath    string `yaml:"abi_path"`
	StartBlock uint64 `yaml:"start_block"`
}

// DatabaseConfig holds repository configuration
type DatabaseConfig struct {
	// Driver is "pebble" or "postgres"
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// DedupConfig holds processed-log ledger configuration
type DedupConfig struct {
	// Backend is "memory" or "redis"
	Backend string        `yaml:"backend"`
	Size    int           `yaml:"size"`
	TTL     time.Duration `yaml:"ttl"`
	Redis   RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// APIConfig holds API server configuration
type APIConfig struct {
	Enabled           bool     `yaml:"enabled"`
	Host              string   `yaml:"host"`
	Port              int      `yaml:"port"`
	EnableCORS        bool     `yaml:"enable_cors"`
	AllowedOrigins    []string `yaml:"allowed_origins"`
	EnableRateLimit   bool     `yaml:"enable_rate_limit"`
	WebhookPath       string   `yaml:"webhook_path"`
	WebhookSigningKey string   `yaml:"webhook_signing_key"`
}

// HandlersConfig shapes the access records written by the handlers
type HandlersConfig struct {
	// AccessTTL sets ExpiresAt relative to the purchase; zero never expires
	AccessTTL time.Duration `yaml:"access_ttl"`
	// UsageLimit is stored on each access record; zero is unlimited
	UsageLimit int64 `yaml:"usage_limit"`
}

// FeedConfig holds activity feed configuration
type FeedConfig struct {
	MaxEvents       int     `yaml:"max_events"`
	SecondsPerBlock float64 `yaml:"seconds_per_block"`
	// ApplyHandlers also applies historical and live events to the repository
	ApplyHandlers   bool          `yaml:"apply_handlers"`
	StrategyTimeout time.Duration `yaml:"strategy_timeout"`
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults sets default values for the configuration
func (c *Config) SetDefaults() {
	// RPC defaults
	if c.RPC.Timeout == 0 {
		c.RPC.Timeout = constants.DefaultRPCTimeout
	}
	if c.RPC.MaxBlockRange == 0 {
		c.RPC.MaxBlockRange = 10000
	}

	// Explorer defaults
	if c.Explorer.Timeout == 0 {
		c.Explorer.Timeout = constants.DefaultExplorerTimeout
	}
	if c.Explorer.RateLimit == 0 {
		c.Explorer.RateLimit = constants.DefaultExplorerRateLimit
	}

	// Database defaults
	if c.Database.Driver == "" {
		c.Database.Driver = "pebble"
	}
	if c.Database.Driver == "pebble" && c.Database.Path == "" {
		c.Database.Path = "./data"
	}

	// Dedup defaults
	if c.Dedup.Backend == "" {
		c.Dedup.Backend = "memory"
	}
	if c.Dedup.Size == 0 {
		c.Dedup.Size = 100_000
	}
	if c.Dedup.TTL == 0 {
		c.Dedup.TTL = 7 * 24 * time.Hour
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	// API defaults
	if c.API.Host == "" {
		c.API.Host = constants.DefaultAPIHost
	}
	if c.API.Port == 0 {
		c.API.Port = constants.DefaultAPIPort
	}
	if c.API.AllowedOrigins == nil {
		c.API.AllowedOrigins = []string{"*"}
	}
	if c.API.WebhookPath == "" {
		c.API.WebhookPath = constants.DefaultWebhookPath
	}

	// Feed defaults
	if c.Feed.MaxEvents == 0 {
		c.Feed.MaxEvents = constants.DefaultMaxFeedEvents
	}
	if c.Feed.SecondsPerBlock == 0 {
		c.Feed.SecondsPerBlock = constants.DefaultSecondsPerBlock
	}
	if c.Feed.StrategyTimeout == 0 {
		c.Feed.StrategyTimeout = 15 * time.Second
	}
}

// LoadFromEnv loads configuration from INDEXER_* environment variables
func (c *Config) LoadFromEnv() error {
	// RPC
	setString(&c.RPC.Endpoint, "INDEXER_RPC_ENDPOINT")
	setString(&c.RPC.WSEndpoint, "INDEXER_RPC_WS_ENDPOINT")
	if err := setDuration(&c.RPC.Timeout, "INDEXER_RPC_TIMEOUT"); err != nil {
		return err
	}
	if err := setUint(&c.RPC.MaxBlockRange, "INDEXER_RPC_MAX_BLOCK_RANGE"); err != nil {
		return err
	}

	// Explorer
	if err := setBool(&c.Explorer.Enabled, "INDEXER_EXPLORER_ENABLED"); err != nil {
		return err
	}
	setString(&c.Explorer.BaseURL, "INDEXER_EXPLORER_BASE_URL")
	setString(&c.Explorer.APIKey, "INDEXER_EXPLORER_API_KEY")
	if err := setDuration(&c.Explorer.Timeout, "INDEXER_EXPLORER_TIMEOUT"); err != nil {
		return err
	}
	if err := setFloat(&c.Explorer.RateLimit, "INDEXER_EXPLORER_RATE_LIMIT"); err != nil {
		return err
	}

	// Contract
	setString(&c.Contract.Address, "INDEXER_CONTRACT_ADDRESS")
	setString(&c.Contract.ABIPath, "INDEXER_CONTRACT_ABI_PATH")
	if err := setUint(&c.Contract.StartBlock, "INDEXER_CONTRACT_START_BLOCK"); err != nil {
		return err
	}

	// Database
	setString(&c.Database.Driver, "INDEXER_DB_DRIVER")
	setString(&c.Database.Path, "INDEXER_DB_PATH")
	setString(&c.Database.DSN, "INDEXER_DB_DSN")

	// Dedup
	setString(&c.Dedup.Backend, "INDEXER_DEDUP_BACKEND")
	if err := setInt(&c.Dedup.Size, "INDEXER_DEDUP_SIZE"); err != nil {
		return err
	}
	if err := setDuration(&c.Dedup.TTL, "INDEXER_DEDUP_TTL"); err != nil {
		return err
	}
	setString(&c.Dedup.Redis.Addr, "INDEXER_DEDUP_REDIS_ADDR")
	setString(&c.Dedup.Redis.Password, "INDEXER_DEDUP_REDIS_PASSWORD")
	if err := setInt(&c.Dedup.Redis.DB, "INDEXER_DEDUP_REDIS_DB"); err != nil {
		return err
	}

	// Log
	setString(&c.Log.Level, "INDEXER_LOG_LEVEL")
	setString(&c.Log.Format, "INDEXER_LOG_FORMAT")

	// API
	if err := setBool(&c.API.Enabled, "INDEXER_API_ENABLED"); err != nil {
		return err
	}
	setString(&c.API.Host, "INDEXER_API_HOST")
	if err := setInt(&c.API.Port, "INDEXER_API_PORT"); err != nil {
		return err
	}
	if err := setBool(&c.API.EnableCORS, "INDEXER_API_CORS_ENABLED"); err != nil {
		return err
	}
	if allowedOrigins := os.Getenv("INDEXER_API_CORS_ALLOWED_ORIGINS"); allowedOrigins != "" {
		origins := make([]string, 0)
		for _, origin := range strings.Split(allowedOrigins, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				origins = append(origins, origin)
			}
		}
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		c.API.AllowedOrigins = origins
	}
	if err := setBool(&c.API.EnableRateLimit, "INDEXER_API_RATE_LIMIT_ENABLED"); err != nil {
		return err
	}
	setString(&c.API.WebhookPath, "INDEXER_API_WEBHOOK_PATH")
	setString(&c.API.WebhookSigningKey, "INDEXER_API_WEBHOOK_SIGNING_KEY")

	// Handlers
	if err := setDuration(&c.Handlers.AccessTTL, "INDEXER_HANDLERS_ACCESS_TTL"); err != nil {
		return err
	}
	if usage := os.Getenv("INDEXER_HANDLERS_USAGE_LIMIT"); usage != "" {
		val, err := strconv.ParseInt(usage, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_HANDLERS_USAGE_LIMIT: %w", err)
		}
		c.Handlers.UsageLimit = val
	}

	// Feed
	if err := setInt(&c.Feed.MaxEvents, "INDEXER_FEED_MAX_EVENTS"); err != nil {
		return err
	}
	if err := setFloat(&c.Feed.SecondsPerBlock, "INDEXER_FEED_SECONDS_PER_BLOCK"); err != nil {
		return err
	}
	if err := setBool(&c.Feed.ApplyHandlers, "INDEXER_FEED_APPLY_HANDLERS"); err != nil {
		return err
	}
	return setDuration(&c.Feed.StrategyTimeout, "INDEXER_FEED_STRATEGY_TIMEOUT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	val, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = val
	return nil
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	val, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = val
	return nil
}

func setUint(dst *uint64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	val, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = val
	return nil
}

func setFloat(dst *float64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	val, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = val
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	val, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = val
	return nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// RPC
	if c.RPC.Endpoint == "" {
		return fmt.Errorf("RPC endpoint is required")
	}
	if c.RPC.Timeout <= 0 {
		return fmt.Errorf("RPC timeout must be positive")
	}

	// Explorer
	if c.Explorer.Enabled && c.Explorer.BaseURL == "" {
		return fmt.Errorf("explorer enabled but no base URL configured")
	}
	if c.Explorer.RateLimit < 0 {
		return fmt.Errorf("explorer rate limit cannot be negative")
	}

	// Contract
	if !common.IsHexAddress(c.Contract.Address) {
		return fmt.Errorf("invalid contract address %q", c.Contract.Address)
	}

	// Database
	switch c.Database.Driver {
	case "pebble":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database DSN is required for postgres")
		}
	default:
		return fmt.Errorf("invalid database driver %q, must be one of: pebble, postgres", c.Database.Driver)
	}

	// Dedup
	switch c.Dedup.Backend {
	case "memory":
		if c.Dedup.Size <= 0 {
			return fmt.Errorf("dedup size must be positive")
		}
	case "redis":
		if c.Dedup.Redis.Addr == "" {
			return fmt.Errorf("redis dedup backend enabled but no address configured")
		}
	default:
		return fmt.Errorf("invalid dedup backend %q, must be one of: memory, redis", c.Dedup.Backend)
	}

	// Log
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Log.Level)
	}

	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format %q, must be one of: json, console", c.Log.Format)
	}

	// API
	if c.API.Enabled && (c.API.Port < constants.MinPort || c.API.Port > constants.MaxPort) {
		return fmt.Errorf("invalid API port: %d", c.API.Port)
	}

	// Handlers
	if c.Handlers.AccessTTL < 0 {
		return fmt.Errorf("access TTL cannot be negative")
	}
	if c.Handlers.UsageLimit < 0 {
		return fmt.Errorf("usage limit cannot be negative")
	}

	// Feed
	if c.Feed.MaxEvents < 0 {
		return fmt.Errorf("feed max events cannot be negative")
	}
	if c.Feed.SecondsPerBlock < 0 {
		return fmt.Errorf("seconds per block cannot be negative")
	}
	if c.Feed.StrategyTimeout <= 0 {
		return fmt.Errorf("strategy timeout must be positive")
	}

	return nil
}

// ContractAddress returns the parsed contract address
func (c *Config) ContractAddress() common.Address {
	return common.HexToAddress(c.Contract.Address)
}

// Load is a convenience method that loads configuration in the following order:
// 1. Set defaults
// 2. Load from file (if provided)
// 3. Load from environment variables (override file)
// 4. Apply overrides such as command-line flags (override environment)
// 5. Validate
func Load(configFile string, overrides ...func(*Config)) (*Config, error) {
	cfg := NewConfig()

	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	for _, override := range overrides {
		override(cfg)
	}

	// fill anything the file cleared
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
