package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"trade-connector/internal/broker"
	"trade-connector/internal/config"
	"trade-connector/internal/logging"
	"trade-connector/internal/metrics"
	"trade-connector/internal/notify"
	"trade-connector/internal/resilience"
	"trade-connector/internal/security"
	"trade-connector/internal/store"
	"trade-connector/internal/trader"
)

func newRunCmd(app *App) *cobra.Command {
	var (
		once     bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the trading loop",
		Long: `Load the model configured for each symbol and trade on its signals until
interrupted. In paper mode orders are filled by a simulated terminal; market
data still comes from the bridge when it is reachable.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.Config()
			if err != nil {
				return err
			}
			if interval > 0 {
				cfg.Trading.Interval = interval
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newSession(ctx, app, cfg)
			if err != nil {
				return err
			}
			defer rt.close()

			output := NewOutput(cmd)
			if once {
				rt.trader.Tick(ctx)
				printStatus(output, rt.trader)
				return nil
			}

			if err := rt.trader.Start(cfg.Trading.Interval); err != nil {
				return err
			}
			output.Success("✓ Trading %d symbol(s) every %s (%s mode). Ctrl+C to stop.",
				len(rt.trader.Symbols()), cfg.Trading.Interval, cfg.Trading.Mode)

			<-ctx.Done()
			rt.trader.Stop()
			printStatus(output, rt.trader)
			return nil
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single iteration and exit")
	cmd.Flags().DurationVar(&interval, "interval", 0, "override trading.interval")
	return cmd
}

// session is everything the run command opens.
type session struct {
	trader  *trader.Trader
	journal *store.SQLiteStore
	audit   *security.AuditLogger
	notify  *notify.Notifier
	metrics *http.Server
	logger  zerolog.Logger
}

func newSession(ctx context.Context, app *App, cfg *config.Config) (*session, error) {
	lc := logging.DefaultLogConfig()
	lc.Level = cfg.Logging.Level
	lc.Console = cfg.Logging.Console
	lc.File = cfg.Logging.File
	if cfg.Logging.FilePath != "" {
		lc.FilePath = cfg.Logging.FilePath
	}
	logger := logging.NewLoggerWithConfig(lc)
	rt := &session{logger: logger}

	rt.audit = app.auditLogger()
	sec, err := security.NewService(cfg.Security.ModelsDir,
		security.WithAuditLogger(rt.audit),
		security.WithLogger(logging.WithComponent(logger, "security")),
	)
	if err != nil {
		rt.close()
		return nil, err
	}

	client := newBrokerClient(cfg, logger)

	var observer trader.Observer = trader.NopObserver{}
	if cfg.Notify.Enabled() {
		rt.notify = newNotifier(cfg.Notify, logging.WithComponent(logger, "notify"))
		observer = rt.notify
	}

	opts := []trader.Option{
		trader.WithLogger(logging.WithComponent(logger, "trader")),
		trader.WithObserver(observer),
		trader.WithAuditLogger(rt.audit),
		trader.WithBrokerTimeout(cfg.Trading.BrokerTimeout),
		trader.WithConnectTimeout(connectBudget(cfg)),
		trader.WithSymbolDelay(cfg.Trading.SymbolDelay),
	}
	if cfg.Store.Enabled {
		rt.journal, err = store.NewSQLiteStore(cfg.Store.DBPath)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("opening journal: %w", err)
		}
		opts = append(opts, trader.WithJournal(rt.journal))
	}
	rt.trader = trader.New(client, sec, opts...)

	var loadErrs []error
	for _, s := range cfg.Symbols {
		tc := s.TradingConfig
		if err := rt.trader.LoadModel(ctx, s.ModelID, s.Symbol, &tc); err != nil {
			logger.Error().Err(err).Str("symbol", s.Symbol).Str("model_id", s.ModelID).Msg("failed to load model")
			loadErrs = append(loadErrs, err)
		}
	}
	if len(rt.trader.Symbols()) == 0 {
		rt.close()
		if len(loadErrs) > 0 {
			return nil, fmt.Errorf("no model could be loaded: %w", errors.Join(loadErrs...))
		}
		return nil, errors.New("no symbols configured, add [[symbols]] to config.toml")
	}

	if err := rt.trader.RestoreFromJournal(ctx); err != nil {
		logger.Warn().Err(err).Msg("failed to restore journal")
	}

	if cfg.Metrics.Enabled {
		rt.metrics = serveMetrics(cfg.Metrics.Listen, logger)
	}
	return rt, nil
}

// newBrokerClient returns the live bridge in bridge mode and a paper
// terminal fed by the bridge otherwise.
func newBrokerClient(cfg *config.Config, logger zerolog.Logger) broker.Client {
	bridge := broker.NewBridgeClient(broker.BridgeConfig{
		BaseURL:           cfg.Broker.BridgeURL,
		APIKey:            cfg.Broker.APIKey,
		Timeout:           cfg.Broker.Timeout,
		ReconnectAttempts: cfg.Broker.ReconnectAttempts,
		ReconnectInterval: cfg.Broker.ReconnectInterval,
		Breaker: resilience.Config{
			Failures:  cfg.Broker.CircuitFailures,
			Cooldown:  cfg.Broker.CircuitCooldown,
			Successes: 1,
		},
	}, logging.WithComponent(logger, "bridge"))
	if !cfg.IsPaperMode() {
		return bridge
	}
	return broker.NewPaperBroker(broker.PaperBrokerConfig{
		DataClient:     bridge,
		InitialBalance: cfg.Trading.InitialBalance,
	})
}

// connectBudget covers the health check plus every reconnect attempt and
// the waits between them.
func connectBudget(cfg *config.Config) time.Duration {
	attempts := time.Duration(cfg.Broker.ReconnectAttempts)
	return cfg.Trading.BrokerTimeout + attempts*(cfg.Broker.Timeout+cfg.Broker.ReconnectInterval)
}

func newNotifier(cfg config.NotifyConfig, logger zerolog.Logger) *notify.Notifier {
	var channels []notify.Channel
	if cfg.WebhookURL != "" {
		channels = append(channels, notify.NewWebhookChannel(cfg.WebhookURL))
	}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		channels = append(channels, notify.NewTelegramChannel(cfg.TelegramToken, cfg.TelegramChatID, ""))
	}
	level, _ := notify.ParseLevel(cfg.Level)
	return notify.New(notify.Config{Level: level}, logger, channels...)
}

func serveMetrics(addr string, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info().Str("addr", addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return srv
}

func (rt *session) close() {
	if rt.trader != nil {
		rt.trader.Stop()
		for _, symbol := range rt.trader.Symbols() {
			rt.trader.UnloadModel(symbol)
		}
	}
	if rt.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = rt.metrics.Shutdown(ctx)
		cancel()
	}
	if rt.notify != nil {
		rt.notify.Close()
	}
	if rt.journal != nil {
		if err := rt.journal.Close(); err != nil {
			rt.logger.Warn().Err(err).Msg("closing journal")
		}
	}
	_ = rt.audit.Close()
}

func printStatus(output *Output, t *trader.Trader) {
	status := t.Status()
	if output.IsJSON() {
		output.JSON(status)
		return
	}

	rows := make([]table.Row, 0, len(status.ActiveModels))
	now := time.Now()
	for _, symbol := range status.ActiveModels {
		info, _ := t.ModelInfo(symbol)
		st := status.Stats[symbol]
		rows = append(rows, table.Row{
			symbol,
			info.ModelID,
			output.signalText(info.LastPrediction),
			FormatAge(info.LastPredictionTime, now),
			info.TotalPredictions,
			st.TotalTrades,
			fmt.Sprintf("%.1f%%", st.WinRate),
			output.profitText(st.TotalProfit),
		})
	}
	output.Table(table.Row{"Symbol", "Model", "Signal", "Updated", "Predictions", "Trades", "Win Rate", "Profit"}, rows, 5, 6, 7, 8)

	if tracked := t.TrackedPositions(); len(tracked) > 0 {
		output.Dim("%d open position(s) tracked", len(tracked))
	}
}
