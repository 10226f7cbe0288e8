package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Trade Connector Configuration

[trading]
# Trading mode: "paper" (simulated fills) or "bridge" (live terminal)
mode = "paper"
# Time between loop iterations
interval = "60s"
# Pause between symbols within one iteration
symbol_delay = "500ms"
# Deadline for each broker call
broker_timeout = "10s"
# Starting balance for paper trading
initial_balance = 10000.0

[broker]
# Terminal bridge sidecar. In paper mode it is only used for market data.
bridge_url = "http://127.0.0.1:8787"
api_key = ""
timeout = "10s"
reconnect_attempts = 3
reconnect_interval = "10s"
# Stop calling the bridge after this many consecutive failures (0 disables)
circuit_failures = 5
# How long to wait before trying the bridge again
circuit_cooldown = "30s"

[security]
# Directory holding .nexmodel containers (defaults to <config dir>/models)
# models_dir = ""
# Record container and order events to the audit log
audit_enabled = true

[store]
# SQLite trade journal
enabled = true
# db_path = ""

[metrics]
# Serve Prometheus metrics on /metrics
enabled = false
listen = "127.0.0.1:9108"

[logging]
# debug, info, warn, error
level = "info"
console = true
file = true

[notify]
# all, trades_only or errors_only. Signals are never sent.
level = "trades_only"
# POST every notification as JSON to this URL
# webhook_url = ""
# Telegram bot token and chat id (or CONNECTOR_TELEGRAM_TOKEN / CONNECTOR_TELEGRAM_CHAT_ID)
# telegram_token = ""
# telegram_chat_id = ""

[predictor]
# Path to the onnxruntime shared library for "onnx" models
# onnx_library = "/usr/lib/libonnxruntime.so"

# One table per traded symbol. Omitted keys use the defaults shown.
# [[symbols]]
# symbol = "EURUSD"
# model_id = ""
# timeframe = "M15"
# volume = 0.01
# risk_percent = 1.0
# max_positions = 1
# confidence_threshold = 0.6
# sl_pips = 50
# tp_pips = 100
# magic_number = 88888
`

func createTemplateConfig(configDir string) (string, error) {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return "", fmt.Errorf("writing config template: %w", err)
	}
	return path, nil
}
