// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"withdrawal-service/internal/chains/ethereum"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"

	EventsNone  = "none"
	EventsRedis = "redis"
	EventsKafka = "kafka"

	ModeAutomatic = "automatic"
	ModeManual    = "manual"
)

type Config struct {
	HTTPAddr      string
	GRPCAddr      string
	StorageDriver string
	EventsBackend string
	AdminToken    string
	LogLevel      string
	LogFormat     string

	Database   DatabaseConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	Ethereum   EthereumConfig
	Settlement SettlementConfig
	Withdrawal WithdrawalConfig
}

type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectRetries  int
}

// URL returns the pgx connection string.
func (d DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type RedisConfig struct {
	Addrs    []string
	Password string
	Cluster  bool
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type EthereumConfig struct {
	Network            string // mainnet, sepolia, holesky, local
	ChainID            uint64
	ReadEndpoints      []ethereum.EndpointConfig
	BroadcastEndpoints []ethereum.EndpointConfig
	CallTimeout        time.Duration
	MaxGasPriceGwei    int64
	GasLimitCeiling    uint64
	GasMarginPercent   uint64
	MinConfirmations   uint64
	HotWalletKey       string
}

type SettlementConfig struct {
	Mode              string
	ReconcileInterval time.Duration
	BatchSize         int
	RebroadcastAfter  time.Duration
	InlineTimeout     time.Duration
	PublishTimeout    time.Duration
	PayoutRate        decimal.Decimal
	PayoutDecimals    int32
}

type WithdrawalConfig struct {
	MinAmount          decimal.Decimal
	MaxAmount          decimal.Decimal
	AllowContracts     bool
	SubmitLimitPerHour int64
}

func Load(logger *zap.Logger) (*Config, error) {
	var errs []error

	// ============================================================================
	// Ethereum Configuration
	// ============================================================================
	ethNetwork := getEnv("ETHEREUM_NETWORK", "sepolia")

	var ethChainID uint64
	switch ethNetwork {
	case "mainnet":
		ethChainID = 1
	case "sepolia":
		ethChainID = 11155111
	case "holesky":
		ethChainID = 17000
	default:
		ethChainID = uint64(getEnvAsInt64("ETHEREUM_CHAIN_ID", 1337))
	}

	readEndpoints := endpointsFromURLs(getEnvSlice("ETHEREUM_READ_RPC_URLS", nil))
	broadcastEndpoints := endpointsFromURLs(getEnvSlice("ETHEREUM_BROADCAST_RPC_URLS", nil))
	if path := os.Getenv("RPC_ENDPOINTS_FILE"); path != "" {
		file, err := LoadEndpointFile(path)
		if err != nil {
			errs = append(errs, err)
		} else {
			if len(file.Read) > 0 {
				readEndpoints = file.ReadEndpoints()
			}
			if len(file.Broadcast) > 0 {
				broadcastEndpoints = file.BroadcastEndpoints()
			}
			logger.Info("loaded rpc endpoint file",
				zap.String("path", path),
				zap.Int("read", len(readEndpoints)),
				zap.Int("broadcast", len(broadcastEndpoints)))
		}
	}
	// Broadcasting through the read nodes is the fallback when no dedicated list is set.
	if len(broadcastEndpoints) == 0 {
		broadcastEndpoints = readEndpoints
	}

	// ============================================================================
	// Settlement Configuration
	// ============================================================================
	mode := strings.ToLower(getEnv("SETTLEMENT_MODE", ModeAutomatic))

	payoutRate, err := getEnvAsDecimal("PAYOUT_RATE", decimal.NewFromInt(1))
	if err != nil {
		errs = append(errs, err)
	}
	minAmount, err := getEnvAsDecimal("WITHDRAWAL_MIN_AMOUNT", decimal.Zero)
	if err != nil {
		errs = append(errs, err)
	}
	maxAmount, err := getEnvAsDecimal("WITHDRAWAL_MAX_AMOUNT", decimal.Zero)
	if err != nil {
		errs = append(errs, err)
	}

	cfg := &Config{
		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		GRPCAddr:      getEnv("GRPC_ADDR", ":9090"),
		StorageDriver: strings.ToLower(getEnv("STORAGE_DRIVER", StoragePostgres)),
		EventsBackend: strings.ToLower(getEnv("EVENTS_BACKEND", EventsNone)),
		AdminToken:    os.Getenv("ADMIN_TOKEN"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "json"),
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "postgres"),
			Password:        os.Getenv("DB_PASSWORD"),
			Name:            getEnv("DB_NAME", "withdrawals"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxConns:        int(getEnvAsInt64("DB_MAX_CONNS", 20)),
			MinConns:        int(getEnvAsInt64("DB_MIN_CONNS", 2)),
			MaxConnLifetime: getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime: getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			ConnectRetries:  int(getEnvAsInt64("DB_CONNECT_RETRIES", 5)),
		},
		Redis: RedisConfig{
			Addrs:    getEnvSlice("REDIS_ADDR", []string{"localhost:6379"}),
			Password: os.Getenv("REDIS_PASS"),
			Cluster:  getEnvAsBool("REDIS_CLUSTER", false),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:   getEnv("KAFKA_TOPIC", "withdrawal-events"),
		},
		Ethereum: EthereumConfig{
			Network:            ethNetwork,
			ChainID:            ethChainID,
			ReadEndpoints:      readEndpoints,
			BroadcastEndpoints: broadcastEndpoints,
			CallTimeout:        getEnvAsDuration("RPC_CALL_TIMEOUT", 5*time.Second),
			MaxGasPriceGwei:    getEnvAsInt64("ETHEREUM_MAX_GAS_PRICE", 100),
			GasLimitCeiling:    uint64(getEnvAsInt64("ETHEREUM_GAS_LIMIT_CEILING", 100000)),
			GasMarginPercent:   uint64(getEnvAsInt64("ETHEREUM_GAS_MARGIN_PERCENT", 20)),
			MinConfirmations:   uint64(getEnvAsInt64("ETHEREUM_MIN_CONFIRMATIONS", 1)),
			HotWalletKey:       os.Getenv("HOT_WALLET_PRIVATE_KEY"),
		},
		Settlement: SettlementConfig{
			Mode:              mode,
			ReconcileInterval: getEnvAsDuration("RECONCILE_INTERVAL", 30*time.Second),
			BatchSize:         int(getEnvAsInt64("RECONCILE_BATCH_SIZE", 50)),
			RebroadcastAfter:  getEnvAsDuration("REBROADCAST_AFTER", 5*time.Minute),
			InlineTimeout:     getEnvAsDuration("INLINE_SETTLE_TIMEOUT", 60*time.Second),
			PublishTimeout:    getEnvAsDuration("EVENT_PUBLISH_TIMEOUT", 2*time.Second),
			PayoutRate:        payoutRate,
			PayoutDecimals:    int32(getEnvAsInt64("PAYOUT_DECIMALS", 18)),
		},
		Withdrawal: WithdrawalConfig{
			MinAmount:          minAmount,
			MaxAmount:          maxAmount,
			AllowContracts:     getEnvAsBool("ALLOW_CONTRACT_DESTINATIONS", false),
			SubmitLimitPerHour: getEnvAsInt64("SUBMIT_LIMIT_PER_HOUR", 10),
		},
	}

	if err := cfg.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

// Validate checks the values that would otherwise fail deep inside startup.
func (c *Config) Validate() error {
	var errs []error

	switch c.StorageDriver {
	case StorageMemory, StoragePostgres:
	default:
		errs = append(errs, fmt.Errorf("STORAGE_DRIVER must be %q or %q", StorageMemory, StoragePostgres))
	}
	switch c.EventsBackend {
	case EventsNone, EventsRedis, EventsKafka:
	default:
		errs = append(errs, fmt.Errorf("EVENTS_BACKEND must be one of none, redis, kafka"))
	}
	switch c.Settlement.Mode {
	case ModeAutomatic, ModeManual:
	default:
		errs = append(errs, fmt.Errorf("SETTLEMENT_MODE must be %q or %q", ModeAutomatic, ModeManual))
	}

	if len(c.Ethereum.ReadEndpoints) == 0 {
		errs = append(errs, errors.New("at least one read RPC endpoint is required"))
	}
	if len(c.Ethereum.BroadcastEndpoints) == 0 {
		errs = append(errs, errors.New("at least one broadcast RPC endpoint is required"))
	}
	if c.Settlement.Mode == ModeAutomatic && c.StorageDriver == StoragePostgres && c.Ethereum.HotWalletKey == "" {
		errs = append(errs, errors.New("HOT_WALLET_PRIVATE_KEY is required for automatic settlement"))
	}

	if c.Ethereum.CallTimeout <= 0 {
		errs = append(errs, errors.New("RPC_CALL_TIMEOUT must be positive"))
	}
	if c.Settlement.ReconcileInterval <= 0 {
		errs = append(errs, errors.New("RECONCILE_INTERVAL must be positive"))
	}
	if c.Settlement.RebroadcastAfter <= 0 {
		errs = append(errs, errors.New("REBROADCAST_AFTER must be positive"))
	}
	if c.Settlement.InlineTimeout <= 0 {
		errs = append(errs, errors.New("INLINE_SETTLE_TIMEOUT must be positive"))
	}
	if c.Settlement.BatchSize <= 0 {
		errs = append(errs, errors.New("RECONCILE_BATCH_SIZE must be positive"))
	}
	if !c.Settlement.PayoutRate.IsPositive() {
		errs = append(errs, errors.New("PAYOUT_RATE must be positive"))
	}
	if c.Settlement.PayoutDecimals < 0 || c.Settlement.PayoutDecimals > 36 {
		errs = append(errs, errors.New("PAYOUT_DECIMALS must be between 0 and 36"))
	}
	if c.Ethereum.MaxGasPriceGwei < 0 {
		errs = append(errs, errors.New("ETHEREUM_MAX_GAS_PRICE must not be negative"))
	}
	if !c.Withdrawal.MaxAmount.IsZero() && c.Withdrawal.MaxAmount.LessThan(c.Withdrawal.MinAmount) {
		errs = append(errs, errors.New("WITHDRAWAL_MAX_AMOUNT is below WITHDRAWAL_MIN_AMOUNT"))
	}

	return errors.Join(errs...)
}

func endpointsFromURLs(urls []string) []ethereum.EndpointConfig {
	out := make([]ethereum.EndpointConfig, 0, len(urls))
	for _, u := range urls {
		out = append(out, ethereum.EndpointConfig{URL: u})
	}
	return out
}

// ============================================================================
// Helper Functions
// ============================================================================

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnvAsDecimal is strict: a malformed amount is a config error, not a default.
func getEnvAsDecimal(key string, defaultValue decimal.Decimal) (decimal.Decimal, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := decimal.NewFromString(strings.TrimSpace(valueStr))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", key, err)
	}
	return value, nil
}
