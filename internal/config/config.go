package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	LockSourceChain = "chain"
	LockSourceKafka = "kafka"
)

type Config struct {
	SourceRPCURL           string
	SourceWSURL            string
	SourceAdminPrivateKey  string
	SourceBridgeAddress    string
	SourceTokenAddress     string
	SourceStartBlock       uint64
	SourceConfirmations    uint64
	SourceBatchSize        uint64
	PollInterval           time.Duration
	DestRPCURL             string
	DestAdminPrivateKey    string
	DestTokenProgramID     string
	DestTokenMint          string
	DestMigrationProgramID string
	AmountScaleDecimals    uint
	ChainCallTimeout       time.Duration
	InstanceID             string
	LockSource             string
	KafkaBrokers           []string
	KafkaTopicPrefix       string
	KafkaGroupID           string
	PublishOutcomes        bool
	JournalPath            string
	JournalDSN             string
	RedisAddr              string
	SerializeByAccount     bool
	LockTTL                time.Duration
	HTTPAddr               string
	OtelEndpoint           string
	LogLevel               string
	LogFormat              string
	LogFile                string
	LogMaxSizeMB           int
	LogMaxBackups          int
}

// Redacted returns the configuration with secrets removed, for banners and
// the status API.
func (c Config) Redacted() map[string]any {
	return map[string]any{
		"source_rpc_url":            c.SourceRPCURL,
		"source_bridge_address":     c.SourceBridgeAddress,
		"source_token_address":      c.SourceTokenAddress,
		"source_start_block":        c.SourceStartBlock,
		"source_confirmations":      c.SourceConfirmations,
		"source_batch_size":         c.SourceBatchSize,
		"poll_interval":             c.PollInterval.String(),
		"dest_rpc_url":              c.DestRPCURL,
		"dest_token_program_id":     c.DestTokenProgramID,
		"dest_token_mint":           c.DestTokenMint,
		"dest_migration_program_id": c.DestMigrationProgramID,
		"amount_scale_decimals":     c.AmountScaleDecimals,
		"chain_call_timeout":        c.ChainCallTimeout.String(),
		"instance_id":               c.InstanceID,
		"lock_source":               c.LockSource,
		"kafka_topic_prefix":        c.KafkaTopicPrefix,
		"publish_outcomes":          c.PublishOutcomes,
		"serialize_by_account":      c.SerializeByAccount,
		"distributed_lock":          c.RedisAddr != "",
		"journal_backend":           c.JournalBackend(),
		"log_level":                 c.LogLevel,
	}
}

func (c Config) JournalBackend() string {
	if c.JournalDSN != "" {
		return "mysql"
	}
	return "sqlite"
}

type EnvSource interface {
	Lookup(key string) (string, bool)
}

type EnvMap map[string]string

func (e EnvMap) Lookup(key string) (string, bool) {
	value, ok := e[key]
	return value, ok
}

func FromEnviron() EnvSource {
	env := make(EnvMap)
	for _, entry := range os.Environ() {
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		env[parts[0]] = parts[1]
	}
	return env
}

// Load reads the shared configuration. Chain credentials are validated by the
// binaries that need them (see RequireRelayer and RequireWatcher).
func Load(source EnvSource) (Config, error) {
	if source == nil {
		return Config{}, errors.New("env source is required")
	}

	startBlock, err := parseUintEnv(source, "SOURCE_START_BLOCK", 0)
	if err != nil {
		return Config{}, err
	}
	confirmations, err := parseUintEnv(source, "SOURCE_CONFIRMATIONS", 12)
	if err != nil {
		return Config{}, err
	}
	batchSize, err := parseUintEnv(source, "SOURCE_BATCH_SIZE", 1000)
	if err != nil {
		return Config{}, err
	}
	pollInterval, err := parseDurationEnv(source, "POLL_INTERVAL", 5*time.Second)
	if err != nil {
		return Config{}, err
	}
	scaleDecimals, err := parseUintEnv(source, "AMOUNT_SCALE_DECIMALS", 9)
	if err != nil {
		return Config{}, err
	}
	if scaleDecimals > 19 {
		return Config{}, fmt.Errorf("invalid AMOUNT_SCALE_DECIMALS: %d exceeds 19", scaleDecimals)
	}
	callTimeout, err := parseDurationEnv(source, "CHAIN_CALL_TIMEOUT", 2*time.Minute)
	if err != nil {
		return Config{}, err
	}
	lockTTL, err := parseDurationEnv(source, "LOCK_TTL", 10*time.Minute)
	if err != nil {
		return Config{}, err
	}
	publishOutcomes, err := parseBoolEnv(source, "PUBLISH_OUTCOMES", true)
	if err != nil {
		return Config{}, err
	}
	serialize, err := parseBoolEnv(source, "SERIALIZE_BY_ACCOUNT", true)
	if err != nil {
		return Config{}, err
	}
	logMaxSize, err := parseUintEnv(source, "LOG_MAX_SIZE_MB", 100)
	if err != nil {
		return Config{}, err
	}
	logMaxBackups, err := parseUintEnv(source, "LOG_MAX_BACKUPS", 5)
	if err != nil {
		return Config{}, err
	}

	lockSource := strings.ToLower(lookupString(source, "LOCK_SOURCE", LockSourceChain))
	if lockSource != LockSourceChain && lockSource != LockSourceKafka {
		return Config{}, fmt.Errorf("invalid LOCK_SOURCE: %q", lockSource)
	}

	kafkaBrokers, err := parseList(source, "KAFKA_BROKERS", "localhost:9092")
	if err != nil {
		return Config{}, err
	}

	redisAddr, _ := source.Lookup("REDIS_ADDR")
	otelEndpoint, _ := source.Lookup("OTEL_EXPORTER_OTLP_ENDPOINT")
	journalDSN, _ := source.Lookup("JOURNAL_DSN")

	return Config{
		SourceRPCURL:           lookupString(source, "SOURCE_RPC_URL", ""),
		SourceWSURL:            lookupString(source, "SOURCE_WS_URL", ""),
		SourceAdminPrivateKey:  lookupString(source, "SOURCE_ADMIN_PRIVATE_KEY", ""),
		SourceBridgeAddress:    lookupString(source, "SOURCE_BRIDGE_ADDRESS", ""),
		SourceTokenAddress:     lookupString(source, "SOURCE_TOKEN_ADDRESS", ""),
		SourceStartBlock:       startBlock,
		SourceConfirmations:    confirmations,
		SourceBatchSize:        batchSize,
		PollInterval:           pollInterval,
		DestRPCURL:             lookupString(source, "DEST_RPC_URL", ""),
		DestAdminPrivateKey:    lookupString(source, "DEST_ADMIN_PRIVATE_KEY", ""),
		DestTokenProgramID:     lookupString(source, "DEST_TOKEN_PROGRAM_ID", ""),
		DestTokenMint:          lookupString(source, "DEST_TOKEN_MINT", ""),
		DestMigrationProgramID: lookupString(source, "DEST_MIGRATION_PROGRAM_ID", ""),
		AmountScaleDecimals:    uint(scaleDecimals),
		ChainCallTimeout:       callTimeout,
		InstanceID:             lookupString(source, "RELAYER_INSTANCE_ID", defaultInstanceID()),
		LockSource:             lockSource,
		KafkaBrokers:           kafkaBrokers,
		KafkaTopicPrefix:       lookupString(source, "KAFKA_TOPIC_PREFIX", "tokenrelay"),
		KafkaGroupID:           lookupString(source, "KAFKA_GROUP_ID", "tokenrelay-relayer"),
		PublishOutcomes:        publishOutcomes,
		JournalPath:            lookupString(source, "JOURNAL_PATH", "data/journal.db"),
		JournalDSN:             strings.TrimSpace(journalDSN),
		RedisAddr:              strings.TrimSpace(redisAddr),
		SerializeByAccount:     serialize,
		LockTTL:                lockTTL,
		HTTPAddr:               lookupString(source, "HTTP_ADDR", ":8080"),
		OtelEndpoint:           strings.TrimSpace(otelEndpoint),
		LogLevel:               lookupString(source, "LOG_LEVEL", "info"),
		LogFormat:              lookupString(source, "LOG_FORMAT", "text"),
		LogFile:                lookupString(source, "LOG_FILE", ""),
		LogMaxSizeMB:           int(logMaxSize),
		LogMaxBackups:          int(logMaxBackups),
	}, nil
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "relayer"
	}
	return host
}

// RequireRelayer checks the settings the relayer cannot start without.
func (c Config) RequireRelayer() error {
	required := map[string]string{
		"SOURCE_ADMIN_PRIVATE_KEY":  c.SourceAdminPrivateKey,
		"SOURCE_BRIDGE_ADDRESS":     c.SourceBridgeAddress,
		"DEST_RPC_URL":              c.DestRPCURL,
		"DEST_ADMIN_PRIVATE_KEY":    c.DestAdminPrivateKey,
		"DEST_TOKEN_PROGRAM_ID":     c.DestTokenProgramID,
		"DEST_TOKEN_MINT":           c.DestTokenMint,
		"DEST_MIGRATION_PROGRAM_ID": c.DestMigrationProgramID,
	}
	if c.SourceWSURL == "" && c.SourceRPCURL == "" {
		return errors.New("SOURCE_RPC_URL or SOURCE_WS_URL is required")
	}
	if c.LockSource == LockSourceChain && c.SourceRPCURL == "" {
		return errors.New("SOURCE_RPC_URL is required when LOCK_SOURCE=chain")
	}
	return requireAll(required)
}

// RequireWatcher checks the settings needed to poll the bridge.
func (c Config) RequireWatcher() error {
	return requireAll(map[string]string{
		"SOURCE_RPC_URL":        c.SourceRPCURL,
		"SOURCE_BRIDGE_ADDRESS": c.SourceBridgeAddress,
	})
}

// SourceEndpoint prefers the websocket endpoint for transaction submission.
func (c Config) SourceEndpoint() string {
	if c.SourceWSURL != "" {
		return c.SourceWSURL
	}
	return c.SourceRPCURL
}

func requireAll(values map[string]string) error {
	var missing []string
	for key, value := range values {
		if value == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
}

func lookupString(source EnvSource, key string, defaultValue string) string {
	raw, ok := source.Lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return defaultValue
	}
	return strings.TrimSpace(raw)
}

func parseUintEnv(source EnvSource, key string, defaultValue uint64) (uint64, error) {
	raw, ok := source.Lookup(key)
	if !ok || raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func parseDurationEnv(source EnvSource, key string, defaultValue time.Duration) (time.Duration, error) {
	raw, ok := source.Lookup(key)
	if !ok || raw == "" {
		return defaultValue, nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return value, nil
}

func parseBoolEnv(source EnvSource, key string, defaultValue bool) (bool, error) {
	raw, ok := source.Lookup(key)
	if !ok || raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func parseList(source EnvSource, key string, defaultValue string) ([]string, error) {
	raw, ok := source.Lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		raw = defaultValue
	}
	items := strings.Split(raw, ",")
	var values []string
	for _, item := range items {
		value := strings.TrimSpace(item)
		if value == "" {
			continue
		}
		values = append(values, value)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%s is required", key)
	}
	return values, nil
}
