package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"trade-connector/internal/predictor"
	"trade-connector/internal/security"
	"trade-connector/pkg/utils"
)

func newHWIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hwid",
		Short: "Show this machine's hardware id",
		Long:  "Show the hardware id that model containers are bound to. Send it to whoever encrypts models for this machine.",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			hwid := security.HardwareID(security.SystemFingerprinter{})
			if output.IsJSON() {
				return output.JSON(map[string]string{"hwid": hwid})
			}
			output.Println(hwid)
			return nil
		},
	}
}

func newModelsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Manage encrypted model containers",
	}

	cmd.AddCommand(newModelsListCmd(app))
	cmd.AddCommand(newModelsInfoCmd(app))
	cmd.AddCommand(newModelsEncryptCmd(app))
	cmd.AddCommand(newModelsDeleteCmd(app))
	cmd.AddCommand(newModelsVerifyCmd(app))
	return cmd
}

func newModelsListCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved model containers",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			svc, err := app.Security()
			if err != nil {
				return err
			}
			summaries, err := svc.ListWithMetadata()
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(summaries)
			}
			if len(summaries) == 0 {
				output.Warning("No models in %s", svc.Dir())
				return nil
			}

			rows := make([]table.Row, 0, len(summaries))
			for _, s := range summaries {
				acc := "-"
				if s.Accuracy > 0 {
					acc = FormatConfidence(s.Accuracy)
				}
				rows = append(rows, table.Row{s.ModelID, s.Name, s.Symbol, acc, s.CreatedAt, utils.FormatBytes(s.FileSize)})
			}
			output.Table(table.Row{"ID", "Name", "Symbol", "Accuracy", "Created", "Size"}, rows, 4, 6)
			return nil
		},
	}
}

func newModelsInfoCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "info <model-id>",
		Short: "Show a container's metadata and host binding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			svc, err := app.Security()
			if err != nil {
				return err
			}
			secured, err := svc.Load(args[0])
			if err != nil {
				return err
			}
			bound, err := svc.Verify(args[0])
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]any{
					"model_id":   secured.ModelID,
					"metadata":   secured.Metadata,
					"model_hash": secured.ModelHash,
					"this_host":  bound,
				})
			}

			output.Bold("Model %s", secured.ModelID)
			output.Printf("  Hash:       %s\n", secured.ModelHash)
			output.Printf("  Ciphertext: %s\n", utils.FormatBytes(int64(len(secured.Ciphertext))))
			for _, k := range sortedKeys(secured.Metadata) {
				output.Printf("  %-11s %v\n", k+":", secured.Metadata[k])
			}
			if bound {
				output.Success("✓ Bound to this machine")
			} else {
				output.Error("✗ Bound to a different machine")
			}
			return nil
		},
	}
}

func newModelsEncryptCmd(app *App) *cobra.Command {
	var (
		modelID  string
		name     string
		symbol   string
		format   string
		accuracy float64
		check    bool
	)

	cmd := &cobra.Command{
		Use:   "encrypt <model-file>",
		Short: "Encrypt a model file for this machine",
		Long: `Encrypt a model file and save it as a container bound to this machine.

The format is taken from --format or inferred from the file extension:
.onnx files are "onnx", anything else is "linear-json".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			payload, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading model file: %w", err)
			}

			if modelID == "" {
				modelID = uuid.NewString()
			}
			if format == "" {
				format = predictor.FormatLinearJSON
				if strings.EqualFold(filepath.Ext(args[0]), ".onnx") {
					format = predictor.FormatONNX
				}
			}
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			}

			metadata := security.Metadata{
				"name":       name,
				"format":     format,
				"created_at": time.Now().UTC().Format(time.RFC3339),
			}
			if symbol != "" {
				symbol = security.SanitizeSymbol(symbol)
				if err := security.ValidateSymbol(symbol); err != nil {
					return err
				}
				metadata["symbol"] = symbol
			}
			if accuracy > 0 {
				metadata["accuracy"] = accuracy
			}

			if check {
				p, err := predictor.Decode(payload, metadata)
				if err != nil {
					return err
				}
				predictor.Close(p)
			}

			audit := app.auditLogger()
			defer audit.Close()
			svc, err := app.Security(security.WithAuditLogger(audit))
			if err != nil {
				return err
			}
			secured, err := svc.Encrypt(payload, modelID, metadata)
			if err != nil {
				return err
			}
			path, err := svc.Save(secured)
			if err != nil {
				return err
			}

			if output.IsJSON() {
				return output.JSON(map[string]string{"model_id": modelID, "path": path})
			}
			output.Success("✓ Model encrypted: %s", modelID)
			output.Dim("Saved to %s", path)
			return nil
		},
	}

	cmd.Flags().StringVar(&modelID, "id", "", "model id (default: random UUID)")
	cmd.Flags().StringVar(&name, "name", "", "display name (default: file name)")
	cmd.Flags().StringVar(&symbol, "symbol", "", "symbol the model was trained for")
	cmd.Flags().StringVar(&format, "format", "", "payload format: linear-json or onnx")
	cmd.Flags().Float64Var(&accuracy, "accuracy", 0, "validation accuracy (0-1)")
	cmd.Flags().BoolVar(&check, "check", true, "decode the model before encrypting")
	return cmd
}

func newModelsDeleteCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <model-id>",
		Short: "Delete a model container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			audit := app.auditLogger()
			defer audit.Close()
			svc, err := app.Security(security.WithAuditLogger(audit))
			if err != nil {
				return err
			}
			deleted, err := svc.Delete(args[0])
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"deleted": deleted})
			}
			if !deleted {
				output.Warning("No model %s", args[0])
				return nil
			}
			output.Success("✓ Deleted %s", args[0])
			return nil
		},
	}
}

func newModelsVerifyCmd(app *App) *cobra.Command {
	var deep bool

	cmd := &cobra.Command{
		Use:   "verify <model-id>",
		Short: "Check that a container can be used on this machine",
		Long: `Check that a container was sealed on this machine. With --deep the
container is also decrypted, integrity-checked and decoded.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			svc, err := app.Security()
			if err != nil {
				return err
			}

			bound, err := svc.Verify(args[0])
			if err != nil {
				return err
			}
			var verr error
			if bound && deep {
				verr = decodeContainer(svc, args[0])
			}

			if output.IsJSON() {
				result := map[string]any{"model_id": args[0], "this_host": bound}
				if deep && bound {
					result["usable"] = verr == nil
					if verr != nil {
						result["error"] = verr.Error()
					}
				}
				return output.JSON(result)
			}

			if !bound {
				output.Error("✗ %s is bound to a different machine", args[0])
				return nil
			}
			if verr != nil {
				output.Error("✗ %s: %v", args[0], verr)
				return nil
			}
			output.Success("✓ %s is valid for this machine", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&deep, "deep", false, "decrypt and decode the model")
	return cmd
}

func decodeContainer(svc *security.Service, modelID string) error {
	secured, err := svc.Load(modelID)
	if err != nil {
		return err
	}
	payload, err := svc.Decrypt(secured)
	if err != nil {
		return err
	}
	p, err := predictor.Decode(payload, secured.Metadata)
	if err != nil {
		return err
	}
	return predictor.Close(p)
}

// auditLogger opens the audit log when enabled; nil discards events.
func (a *App) auditLogger() *security.AuditLogger {
	cfg, err := a.Config()
	if err != nil || !cfg.Security.AuditEnabled {
		return nil
	}
	auditCfg := security.DefaultAuditConfig()
	if cfg.Security.AuditDir != "" {
		auditCfg.LogDir = cfg.Security.AuditDir
	}
	al, err := security.NewAuditLogger(auditCfg)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("audit log unavailable")
		return nil
	}
	return al
}

func sortedKeys(m security.Metadata) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
