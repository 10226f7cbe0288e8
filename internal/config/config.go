// Package config provides configuration management for the connector.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/viper"

	apperrors "trade-connector/internal/errors"
	"trade-connector/internal/models"
)

// Trading modes.
const (
	ModePaper  = "paper"
	ModeBridge = "bridge"
)

// ErrTemplateCreated is returned by Load when no config file existed and a
// template was written in its place.
var ErrTemplateCreated = errors.New("config file not found, template created")

// Config holds all application configuration.
type Config struct {
	Trading   TradingConfig   `mapstructure:"trading"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Security  SecurityConfig  `mapstructure:"security"`
	Store     StoreConfig     `mapstructure:"store"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Predictor PredictorConfig `mapstructure:"predictor"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Symbols   []SymbolConfig  `mapstructure:"-"` // decoded per entry onto defaults

	path string
}

// TradingConfig holds loop-level trading configuration.
type TradingConfig struct {
	Mode           string        `mapstructure:"mode"` // "paper", "bridge"
	Interval       time.Duration `mapstructure:"interval"`
	SymbolDelay    time.Duration `mapstructure:"symbol_delay"`
	BrokerTimeout  time.Duration `mapstructure:"broker_timeout"`
	InitialBalance float64       `mapstructure:"initial_balance"` // paper only
}

// BrokerConfig holds the bridge sidecar connection settings.
type BrokerConfig struct {
	BridgeURL         string        `mapstructure:"bridge_url"`
	APIKey            string        `mapstructure:"api_key"`
	Timeout           time.Duration `mapstructure:"timeout"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
	CircuitFailures   int           `mapstructure:"circuit_failures"` // 0 disables the breaker
	CircuitCooldown   time.Duration `mapstructure:"circuit_cooldown"`
}

// SecurityConfig holds model container and audit settings.
type SecurityConfig struct {
	ModelsDir    string `mapstructure:"models_dir"`
	AuditEnabled bool   `mapstructure:"audit_enabled"`
	AuditDir     string `mapstructure:"audit_dir"`
}

// StoreConfig holds the trade journal settings.
type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"db_path"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Console  bool   `mapstructure:"console"`
	File     bool   `mapstructure:"file"`
	FilePath string `mapstructure:"file_path"`
}

// PredictorConfig holds model runtime settings.
type PredictorConfig struct {
	ONNXLibrary string `mapstructure:"onnx_library"` // empty uses ONNXRUNTIME_LIB or the platform default
}

// NotifyConfig holds chat and webhook notification settings.
type NotifyConfig struct {
	Level          string `mapstructure:"level"` // all, trades_only, errors_only
	WebhookURL     string `mapstructure:"webhook_url"`
	TelegramToken  string `mapstructure:"telegram_token"`
	TelegramChatID string `mapstructure:"telegram_chat_id"`
}

// Enabled reports whether any notification channel is configured.
func (n NotifyConfig) Enabled() bool {
	return n.WebhookURL != "" || (n.TelegramToken != "" && n.TelegramChatID != "")
}

// SymbolConfig binds a model container to a symbol's trading parameters.
type SymbolConfig struct {
	ModelID              string `mapstructure:"model_id"`
	models.TradingConfig `mapstructure:",squash"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/trade-connector"
	}
	return filepath.Join(home, ".config", "trade-connector")
}

// Path returns the file the configuration was read from.
func (c *Config) Path() string {
	return c.path
}

// Load loads config.toml from configDir, applies CONNECTOR_* environment
// overrides and validates the result. If configDir is empty the default
// directory is used. A missing file is replaced by a template and
// ErrTemplateCreated is returned.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v, configDir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			path, terr := createTemplateConfig(configDir)
			if terr != nil {
				return nil, terr
			}
			return nil, fmt.Errorf("%w at %s", ErrTemplateCreated, path)
		}
		return nil, fmt.Errorf("reading config.toml: %w", err)
	}

	cfg := &Config{path: v.ConfigFileUsed()}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config.toml: %w", err)
	}

	symbols, err := decodeSymbols(v.Get("symbols"))
	if err != nil {
		return nil, err
	}
	cfg.Symbols = symbols

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("trading.mode", ModePaper)
	v.SetDefault("trading.interval", 60*time.Second)
	v.SetDefault("trading.symbol_delay", 500*time.Millisecond)
	v.SetDefault("trading.broker_timeout", 10*time.Second)
	v.SetDefault("trading.initial_balance", 10000.0)

	v.SetDefault("broker.bridge_url", "http://127.0.0.1:8787")
	v.SetDefault("broker.timeout", 10*time.Second)
	v.SetDefault("broker.reconnect_attempts", 3)
	v.SetDefault("broker.reconnect_interval", 10*time.Second)
	v.SetDefault("broker.circuit_failures", 5)
	v.SetDefault("broker.circuit_cooldown", 30*time.Second)

	v.SetDefault("security.models_dir", filepath.Join(configDir, "models"))
	v.SetDefault("security.audit_enabled", true)
	v.SetDefault("security.audit_dir", filepath.Join(configDir, "audit"))

	v.SetDefault("store.enabled", true)
	v.SetDefault("store.db_path", filepath.Join(configDir, "journal.db"))

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9108")

	v.SetDefault("notify.level", "trades_only")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", true)
	v.SetDefault("logging.file_path", filepath.Join(configDir, "logs", "connector.log"))
}

// decodeSymbols decodes each [[symbols]] table over the default trading
// parameters for its symbol, so omitted keys keep their defaults.
func decodeSymbols(raw any) ([]SymbolConfig, error) {
	if raw == nil {
		return nil, nil
	}
	entries, ok := raw.([]any)
	if !ok {
		if maps, ok := raw.([]map[string]any); ok {
			for _, m := range maps {
				entries = append(entries, m)
			}
		} else {
			return nil, apperrors.NewValidationError("symbols", raw, "must be an array of tables")
		}
	}

	symbols := make([]SymbolConfig, 0, len(entries))
	for i, e := range entries {
		m, ok := e.(map[string]any)
		if !ok {
			return nil, apperrors.NewValidationError(fmt.Sprintf("symbols[%d]", i), e, "must be a table")
		}
		symbol, _ := m["symbol"].(string)

		sv := viper.New()
		def := models.DefaultTradingConfig(symbol)
		sv.SetDefault("timeframe", string(def.Timeframe))
		sv.SetDefault("volume", def.Volume)
		sv.SetDefault("risk_percent", def.RiskPercent)
		sv.SetDefault("max_positions", def.MaxPositions)
		sv.SetDefault("confidence_threshold", def.ConfidenceThreshold)
		sv.SetDefault("sl_pips", def.SLPips)
		sv.SetDefault("tp_pips", def.TPPips)
		sv.SetDefault("magic_number", def.MagicNumber)
		if err := sv.MergeConfigMap(m); err != nil {
			return nil, fmt.Errorf("symbols[%d]: %w", i, err)
		}

		var sc SymbolConfig
		if err := sv.Unmarshal(&sc); err != nil {
			return nil, fmt.Errorf("decoding symbols[%d]: %w", i, err)
		}
		symbols = append(symbols, sc)
	}
	return symbols, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CONNECTOR_MODE"); v != "" {
		cfg.Trading.Mode = v
	}
	if v := os.Getenv("CONNECTOR_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Trading.Interval = d
		}
	}
	if v := os.Getenv("CONNECTOR_BRIDGE_URL"); v != "" {
		cfg.Broker.BridgeURL = v
	}
	if v := os.Getenv("CONNECTOR_BRIDGE_API_KEY"); v != "" {
		cfg.Broker.APIKey = v
	}
	if v := os.Getenv("CONNECTOR_MODELS_DIR"); v != "" {
		cfg.Security.ModelsDir = v
	}
	if v := os.Getenv("CONNECTOR_DB_PATH"); v != "" {
		cfg.Store.DBPath = v
	}
	if v := os.Getenv("CONNECTOR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CONNECTOR_METRICS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Metrics.Enabled = b
		}
	}
	if v := os.Getenv("CONNECTOR_METRICS_LISTEN"); v != "" {
		cfg.Metrics.Listen = v
	}
	if v := os.Getenv("CONNECTOR_WEBHOOK_URL"); v != "" {
		cfg.Notify.WebhookURL = v
	}
	if v := os.Getenv("CONNECTOR_TELEGRAM_TOKEN"); v != "" {
		cfg.Notify.TelegramToken = v
	}
	if v := os.Getenv("CONNECTOR_TELEGRAM_CHAT_ID"); v != "" {
		cfg.Notify.TelegramChatID = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Trading.Mode != ModePaper && c.Trading.Mode != ModeBridge {
		return apperrors.NewValidationError("trading.mode", c.Trading.Mode, "must be 'paper' or 'bridge'")
	}
	if c.Trading.Interval <= 0 {
		return apperrors.NewValidationError("trading.interval", c.Trading.Interval, "must be positive")
	}
	if c.Trading.SymbolDelay < 0 {
		return apperrors.NewValidationError("trading.symbol_delay", c.Trading.SymbolDelay, "must not be negative")
	}
	if c.Trading.BrokerTimeout <= 0 {
		return apperrors.NewValidationError("trading.broker_timeout", c.Trading.BrokerTimeout, "must be positive")
	}
	if c.Trading.Mode == ModeBridge && c.Broker.BridgeURL == "" {
		return apperrors.NewValidationError("broker.bridge_url", c.Broker.BridgeURL, "required in bridge mode")
	}
	if c.Broker.ReconnectAttempts < 0 {
		return apperrors.NewValidationError("broker.reconnect_attempts", c.Broker.ReconnectAttempts, "must not be negative")
	}
	if c.Broker.CircuitFailures < 0 {
		return apperrors.NewValidationError("broker.circuit_failures", c.Broker.CircuitFailures, "must not be negative")
	}
	if c.Broker.CircuitFailures > 0 && c.Broker.CircuitCooldown <= 0 {
		return apperrors.NewValidationError("broker.circuit_cooldown", c.Broker.CircuitCooldown, "must be positive")
	}
	switch c.Notify.Level {
	case "all", "trades_only", "errors_only":
	default:
		return apperrors.NewValidationError("notify.level", c.Notify.Level, "must be 'all', 'trades_only' or 'errors_only'")
	}
	if c.Security.ModelsDir == "" {
		return apperrors.NewValidationError("security.models_dir", c.Security.ModelsDir, "is required")
	}
	if c.Store.Enabled && c.Store.DBPath == "" {
		return apperrors.NewValidationError("store.db_path", c.Store.DBPath, "is required when the store is enabled")
	}

	seen := make(map[string]bool, len(c.Symbols))
	for i, s := range c.Symbols {
		if s.ModelID == "" {
			return apperrors.NewValidationError(fmt.Sprintf("symbols[%d].model_id", i), s.ModelID, "is required")
		}
		if err := s.TradingConfig.Validate(); err != nil {
			return fmt.Errorf("symbols[%d]: %w", i, err)
		}
		if seen[s.Symbol] {
			return apperrors.NewValidationError(fmt.Sprintf("symbols[%d].symbol", i), s.Symbol, "is configured twice")
		}
		seen[s.Symbol] = true
	}
	return nil
}

// IsPaperMode returns true if paper trading mode is enabled.
func (c *Config) IsPaperMode() bool {
	return c.Trading.Mode == ModePaper
}
