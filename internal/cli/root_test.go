package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-connector/internal/config"
)

const testConfig = `
[broker]
api_key = "abcd-secret-key-wxyz"

[security]
audit_enabled = false

[logging]
file = false

[[symbols]]
symbol = "EURUSD"
model_id = "eurusd-v1"
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd(zerolog.Nop())
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(testConfig), 0644))
	return dir
}

func decodeJSON(t *testing.T, out string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &m), out)
	return m
}

func TestVersionCmd_JSON(t *testing.T) {
	out, err := execute(t, "version", "--json")
	require.NoError(t, err)
	assert.Equal(t, Version, decodeJSON(t, out)["version"])
}

func TestConfigPath(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "config", "path", "--config", dir)
	require.NoError(t, err)
	assert.Equal(t, dir+"\n", out)
}

func TestConfigValidate_CreatesTemplate(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "config", "validate", "--config", dir)
	require.ErrorIs(t, err, config.ErrTemplateCreated)
	assert.FileExists(t, filepath.Join(dir, "config.toml"))

	// The template itself is valid.
	out, err := execute(t, "config", "validate", "--config", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration is valid")
}

func TestConfigShow_MasksAPIKey(t *testing.T) {
	dir := writeConfig(t)
	out, err := execute(t, "config", "show", "--config", dir)
	require.NoError(t, err)
	assert.NotContains(t, out, "abcd-secret-key-wxyz")
	assert.Contains(t, out, "abcd************wxyz")
	assert.Contains(t, out, "EURUSD")

	out, err = execute(t, "config", "show", "--json", "--config", dir)
	require.NoError(t, err)
	assert.NotContains(t, out, "secret")
}

func TestModelsLifecycle(t *testing.T) {
	dir := writeConfig(t)
	modelFile := filepath.Join(t.TempDir(), "eurusd.json")
	require.NoError(t, os.WriteFile(modelFile, linearModelJSON(t), 0644))

	out, err := execute(t, "models", "encrypt", modelFile,
		"--id", "eurusd-v1", "--symbol", "eurusd", "--accuracy", "0.64", "--json", "--config", dir)
	require.NoError(t, err)
	assert.Equal(t, "eurusd-v1", decodeJSON(t, out)["model_id"])
	assert.FileExists(t, filepath.Join(dir, "models", "eurusd-v1.nexmodel"))

	out, err = execute(t, "models", "list", "--config", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "eurusd-v1")
	assert.Contains(t, out, "EURUSD")
	assert.Contains(t, out, "64.0%")

	out, err = execute(t, "models", "verify", "eurusd-v1", "--deep", "--json", "--config", dir)
	require.NoError(t, err)
	result := decodeJSON(t, out)
	assert.Equal(t, true, result["this_host"])
	assert.Equal(t, true, result["usable"])

	out, err = execute(t, "models", "info", "eurusd-v1", "--json", "--config", dir)
	require.NoError(t, err)
	meta := decodeJSON(t, out)["metadata"].(map[string]any)
	assert.Equal(t, "eurusd", meta["name"])
	assert.Equal(t, "linear-json", meta["format"])

	out, err = execute(t, "models", "delete", "eurusd-v1", "--json", "--config", dir)
	require.NoError(t, err)
	assert.Equal(t, true, decodeJSON(t, out)["deleted"])

	out, err = execute(t, "models", "delete", "eurusd-v1", "--config", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "No model eurusd-v1")
}

func TestModelsEncrypt_RejectsUndecodableModel(t *testing.T) {
	dir := writeConfig(t)
	modelFile := filepath.Join(t.TempDir(), "broken.json")
	require.NoError(t, os.WriteFile(modelFile, []byte(`{"classes": []}`), 0644))

	_, err := execute(t, "models", "encrypt", modelFile, "--id", "broken", "--config", dir)
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "models", "broken.nexmodel"))
}

func TestTradesStats_EmptyJournal(t *testing.T) {
	dir := writeConfig(t)
	out, err := execute(t, "trades", "stats", "--config", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "No trades recorded")
}

func TestTrades_JournalDisabled(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig + "\n[store]\nenabled = false\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(cfg), 0644))

	_, err := execute(t, "trades", "list", "--config", dir)
	assert.ErrorContains(t, err, "journal is disabled")
}

func linearModelJSON(t *testing.T) []byte {
	t.Helper()
	weights := make([][]float64, 3)
	for i := range weights {
		weights[i] = make([]float64, 17)
	}
	data, err := json.Marshal(map[string]any{
		"classes": []int{0, 1, 2},
		"weights": weights,
		"bias":    []float64{0, 0, 1},
	})
	require.NoError(t, err)
	return data
}

func TestConnectBudget(t *testing.T) {
	cfg := &config.Config{}
	cfg.Trading.BrokerTimeout = 10 * time.Second
	cfg.Broker.Timeout = 30 * time.Second
	cfg.Broker.ReconnectAttempts = 3
	cfg.Broker.ReconnectInterval = 5 * time.Second

	assert.Equal(t, 115*time.Second, connectBudget(cfg))

	cfg.Broker.ReconnectAttempts = 0
	assert.Equal(t, 10*time.Second, connectBudget(cfg))
}
