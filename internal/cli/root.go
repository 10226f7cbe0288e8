// Package cli provides the command-line interface for the connector.
package cli

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"trade-connector/internal/config"
	"trade-connector/internal/logging"
	"trade-connector/internal/predictor"
	"trade-connector/internal/security"
)

// Version information
const (
	Version   = "0.3.0"
	BuildDate = "2024-06-01"
)

// App holds the application dependencies. The configuration is loaded on
// first use so commands that do not need it work before it exists.
type App struct {
	ConfigDir string
	Logger    zerolog.Logger

	cfg *config.Config
}

// Config loads the configuration once.
func (a *App) Config() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	cfg, err := config.Load(a.ConfigDir)
	if err != nil {
		return nil, err
	}
	if cfg.Predictor.ONNXLibrary != "" {
		predictor.SetONNXLibrary(cfg.Predictor.ONNXLibrary)
	}
	a.cfg = cfg
	return cfg, nil
}

// configDir returns the effective configuration directory.
func (a *App) configDir() string {
	if a.ConfigDir != "" {
		return a.ConfigDir
	}
	return config.DefaultConfigDir()
}

// Security opens the model container service for the configured directory.
func (a *App) Security(opts ...security.Option) (*security.Service, error) {
	cfg, err := a.Config()
	if err != nil {
		return nil, err
	}
	opts = append([]security.Option{security.WithLogger(logging.WithComponent(a.Logger, "security"))}, opts...)
	return security.NewService(cfg.Security.ModelsDir, opts...)
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(logger zerolog.Logger) *cobra.Command {
	app := &App{Logger: logger}

	rootCmd := &cobra.Command{
		Use:   "connector",
		Short: "Trade Connector - runs encrypted ML models against a trading terminal",
		Long: `Trade Connector loads hardware-bound model containers, turns their
predictions into orders with fixed-fractional position sizing, and keeps a
journal of every closed trade.

Use 'connector help <command>' for more information about a command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			app.ConfigDir, _ = cmd.Flags().GetString("config")
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/trade-connector)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newHWIDCmd())
	rootCmd.AddCommand(newModelsCmd(app))
	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newTradesCmd(app))

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("Trade Connector v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			cfg, err := app.Config()
			if err != nil {
				return err
			}
			if output.IsJSON() {
				redacted := *cfg
				redacted.Broker.APIKey = security.MaskID(cfg.Broker.APIKey)
				redacted.Notify.TelegramToken = security.MaskID(cfg.Notify.TelegramToken)
				return output.JSON(redacted)
			}
			showConfig(output, cfg)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"path": app.configDir()})
			} else {
				output.Println(app.configDir())
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if _, err := app.Config(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				output.JSON(map[string]bool{"valid": true})
			} else {
				output.Success("✓ Configuration is valid")
			}
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Trading")
	output.Printf("  Mode:            %s\n", cfg.Trading.Mode)
	output.Printf("  Interval:        %s\n", cfg.Trading.Interval)
	output.Printf("  Symbol Delay:    %s\n", cfg.Trading.SymbolDelay)
	output.Printf("  Broker Timeout:  %s\n", cfg.Trading.BrokerTimeout)
	output.Println()

	output.Bold("Broker")
	output.Printf("  Bridge URL:      %s\n", cfg.Broker.BridgeURL)
	output.Printf("  API Key:         %s\n", security.MaskID(cfg.Broker.APIKey))
	output.Printf("  Reconnect:       %d x %s\n", cfg.Broker.ReconnectAttempts, cfg.Broker.ReconnectInterval)
	output.Printf("  Circuit:         %d failures, %s cooldown\n", cfg.Broker.CircuitFailures, cfg.Broker.CircuitCooldown)
	output.Println()

	output.Bold("Storage")
	output.Printf("  Models:          %s\n", cfg.Security.ModelsDir)
	output.Printf("  Audit:           %v\n", cfg.Security.AuditEnabled)
	output.Printf("  Journal:         %v (%s)\n", cfg.Store.Enabled, cfg.Store.DBPath)
	output.Printf("  Metrics:         %v (%s)\n", cfg.Metrics.Enabled, cfg.Metrics.Listen)
	output.Println()

	output.Bold("Notifications")
	output.Printf("  Level:           %s\n", cfg.Notify.Level)
	output.Printf("  Webhook:         %v\n", cfg.Notify.WebhookURL != "")
	output.Printf("  Telegram:        %v\n", cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "")
	output.Println()

	if len(cfg.Symbols) == 0 {
		output.Warning("No symbols configured")
		return
	}
	output.Bold("Symbols")
	rows := make([]table.Row, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		rows = append(rows, table.Row{
			s.Symbol, s.ModelID, s.Timeframe,
			fmt.Sprintf("%.1f%%", s.RiskPercent), s.MaxPositions,
			FormatConfidence(s.ConfidenceThreshold),
			fmt.Sprintf("%.0f/%.0f", s.SLPips, s.TPPips),
		})
	}
	output.Table(table.Row{"Symbol", "Model", "TF", "Risk", "Max Pos", "Threshold", "SL/TP pips"}, rows, 4, 5, 6)
}
