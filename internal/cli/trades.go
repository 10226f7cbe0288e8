package cli

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"trade-connector/internal/security"
	"trade-connector/internal/store"
	"trade-connector/pkg/utils"
)

func newTradesCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trades",
		Short: "Inspect the trade journal",
	}
	cmd.AddCommand(newTradesListCmd(app))
	cmd.AddCommand(newTradesStatsCmd(app))
	cmd.AddCommand(newTradesSignalsCmd(app))
	return cmd
}

// openJournal opens the configured journal.
func (a *App) openJournal() (*store.SQLiteStore, error) {
	cfg, err := a.Config()
	if err != nil {
		return nil, err
	}
	if !cfg.Store.Enabled {
		return nil, errors.New("trade journal is disabled ([store].enabled = false)")
	}
	return store.NewSQLiteStore(cfg.Store.DBPath)
}

func newTradesListCmd(app *App) *cobra.Command {
	var (
		symbol string
		since  time.Duration
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List closed trades, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			journal, err := app.openJournal()
			if err != nil {
				return err
			}
			defer journal.Close()

			filter := store.TradeFilter{Symbol: security.SanitizeSymbol(symbol), Limit: limit}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			trades, err := journal.ClosedTrades(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(trades)
			}
			if len(trades) == 0 {
				output.Warning("No closed trades")
				return nil
			}

			rows := make([]table.Row, 0, len(trades))
			for _, t := range trades {
				rows = append(rows, table.Row{
					t.Ticket, t.Symbol, t.Side, utils.FormatLots(t.Volume),
					fmt.Sprintf("%.5f", t.OpenPrice),
					t.OpenTime.Local().Format("2006-01-02 15:04"),
					t.CloseTime.Local().Format("2006-01-02 15:04"),
					output.profitText(t.Profit),
				})
			}
			output.Table(table.Row{"Ticket", "Symbol", "Side", "Lots", "Open", "Opened", "Closed", "Profit"}, rows, 4, 5, 8)
			return nil
		},
	}

	cmd.Flags().StringVar(&symbol, "symbol", "", "only this symbol")
	cmd.Flags().DurationVar(&since, "since", 0, "only trades closed within this window (e.g. 24h)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of trades")
	return cmd
}

func newTradesStatsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-symbol results",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			journal, err := app.openJournal()
			if err != nil {
				return err
			}
			defer journal.Close()

			ctx := cmd.Context()
			stats, err := journal.LoadStats(ctx)
			if err != nil {
				return err
			}
			total, err := journal.TotalProfit(ctx, "")
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]any{"symbols": stats, "realized_profit": total.StringFixed(2)})
			}
			if len(stats) == 0 {
				output.Warning("No trades recorded")
				return nil
			}

			symbols := make([]string, 0, len(stats))
			for s := range stats {
				symbols = append(symbols, s)
			}
			sort.Strings(symbols)

			rows := make([]table.Row, 0, len(symbols))
			for _, s := range symbols {
				st := stats[s]
				rows = append(rows, table.Row{
					s, st.TotalTrades, st.WinningTrades, st.LosingTrades,
					fmt.Sprintf("%.1f%%", st.WinRate()),
					output.profitText(st.TotalProfit),
				})
			}
			output.Table(table.Row{"Symbol", "Trades", "Won", "Lost", "Win Rate", "Profit"}, rows, 2, 3, 4, 5, 6)
			output.Printf("Realized profit: %s\n", output.profitText(total.InexactFloat64()))
			return nil
		},
	}
}

func newTradesSignalsCmd(app *App) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "signals <symbol>",
		Short: "Show the most recent predictions for a symbol",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			journal, err := app.openJournal()
			if err != nil {
				return err
			}
			defer journal.Close()

			signals, err := journal.RecentSignals(cmd.Context(), security.SanitizeSymbol(args[0]), limit)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(signals)
			}
			if len(signals) == 0 {
				output.Warning("No signals recorded for %s", args[0])
				return nil
			}

			now := time.Now()
			rows := make([]table.Row, 0, len(signals))
			for _, s := range signals {
				rows = append(rows, table.Row{
					s.Time.Local().Format("2006-01-02 15:04:05"),
					FormatAge(s.Time, now),
					output.signalText(s.Signal),
					FormatConfidence(s.Confidence),
				})
			}
			output.Table(table.Row{"Time", "Age", "Signal", "Confidence"}, rows, 4)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of signals")
	return cmd
}
