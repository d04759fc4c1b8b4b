package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"fiadopay/internal/app"
	"fiadopay/internal/config"
	"fiadopay/internal/db"
	"fiadopay/internal/domain"
	"fiadopay/internal/engine"
	"fiadopay/internal/logging"
	"fiadopay/internal/repo"
	"fiadopay/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fiadopay",
	Short: "FiadoPay payment gateway",
	Long: `FiadoPay accepts payments over an HTTP API and settles them off the request path.
- Payments start PENDING; a worker runs the anti-fraud rules and settles them to APPROVED or DECLINED.
- Card payments in installments are charged compound monthly interest.
- Every settlement or refund is posted to the payment's webhook URL; each attempt is recorded.
- Workspace: the .fiadopay directory holding the database, next to an optional fiadopay.yml.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FIADOPAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("jwt-secret", "", "HS256 secret for merchant tokens (overrides server.jwt_secret)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("jwt-secret", rootCmd.PersistentFlags().Lookup("jwt-secret"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(paymentCmd())
	rootCmd.AddCommand(deliveryCmd())
	rootCmd.AddCommand(capabilitiesCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(logCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer ws.Close()
			cfg := ws.Config
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}
			if strings.TrimSpace(cfg.Server.JWTSecret) == "" {
				return fmt.Errorf("a JWT secret is required: set server.jwt_secret, --jwt-secret or FIADOPAY_JWT_SECRET")
			}
			log := newLogger(cfg)
			e := ws.Engine(log)
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: cfg.Server.BasePath,
				Auth:     server.AuthConfig{JWTSecret: cfg.Server.JWTSecret},
				Logger:   log,
			})
			if err != nil {
				_ = e.Close(context.Background())
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			log.Info("serving FiadoPay API", "addr", cfg.Server.Addr, "base_path", cfg.Server.BasePath,
				"openapi", cfg.Server.BasePath+"/openapi.json", "docs", "/docs", "db", db.Path(ws.Dir))
			serveErr := srv.ListenAndServe()
			// In-flight tasks finish before the db closes.
			if err := e.Close(context.Background()); err != nil {
				log.Warn("pipeline shutdown", "err", err)
			}
			if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				return serveErr
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides server.base_path)")
	return cmd
}

func paymentCmd() *cobra.Command {
	pay := &cobra.Command{Use: "payment", Short: "Inspect and refund payments"}
	pay.AddCommand(paymentListCmd())
	pay.AddCommand(paymentShowCmd())
	pay.AddCommand(paymentRefundCmd())
	return pay
}

func paymentListCmd() *cobra.Command {
	var merchant, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List payments, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListPayments(ctx, repo.PaymentFilters{MerchantID: merchant, Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Merchant", "Method", "Amount", "Inst.", "Total", "Status", "Created"})
				for _, p := range items {
					total := "-"
					if p.TotalWithInterest.Valid {
						total = p.TotalWithInterest.Decimal.StringFixed(2)
					}
					tw.AppendRow(table.Row{
						p.ID, p.MerchantID, p.Method, p.Amount.StringFixed(2) + " " + p.Currency,
						p.Installments, total, p.Status, p.CreatedAt.Format(time.RFC3339),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&merchant, "merchant", "", "merchant id filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func paymentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <payment-id>",
		Short: "Show a payment with its deliveries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.FindPayment(ctx, args[0])
				if err != nil {
					return fmt.Errorf("payment %s: %w", args[0], err)
				}
				deliveries, err := r.ListDeliveries(ctx, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"payment": p, "deliveries": deliveries})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendRow(table.Row{"ID", p.ID})
				tw.AppendRow(table.Row{"Merchant", p.MerchantID})
				tw.AppendRow(table.Row{"Method", p.Method})
				tw.AppendRow(table.Row{"Amount", p.Amount.StringFixed(2) + " " + p.Currency})
				tw.AppendRow(table.Row{"Installments", p.Installments})
				if p.MonthlyInterestPercent.Valid {
					tw.AppendRow(table.Row{"Monthly interest %", p.MonthlyInterestPercent.Decimal.String()})
				}
				if p.TotalWithInterest.Valid {
					tw.AppendRow(table.Row{"Total", p.TotalWithInterest.Decimal.StringFixed(2)})
				}
				tw.AppendRow(table.Row{"Status", p.Status})
				tw.AppendRow(table.Row{"Order", p.MetadataOrderID})
				tw.AppendRow(table.Row{"Webhook", p.WebhookURL})
				tw.AppendRow(table.Row{"Updated", p.UpdatedAt.Format(time.RFC3339)})
				tw.Render()
				if len(deliveries) > 0 {
					printDeliveries(deliveries)
				}
				return nil
			})
		},
	}
	return cmd
}

func paymentRefundCmd() *cobra.Command {
	var merchant string
	cmd := &cobra.Command{
		Use:   "refund <payment-id>",
		Short: "Refund an approved payment and notify its webhook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				owner := merchant
				if owner == "" {
					p, err := e.GetPayment(ctx, args[0])
					if err != nil {
						return fmt.Errorf("payment %s: %w", args[0], err)
					}
					owner = p.MerchantID
				}
				ref, err := e.Refund(ctx, owner, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": ref.ID, "status": ref.Status, "payment": ref.Payment})
				}
				fmt.Printf("refund %s %s (payment %s is %s)\n", ref.ID, ref.Status, ref.Payment.ID, ref.Payment.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&merchant, "merchant", "", "refund as this merchant (default: the payment's owner)")
	return cmd
}

func deliveryCmd() *cobra.Command {
	d := &cobra.Command{Use: "delivery", Short: "Inspect webhook deliveries"}
	d.AddCommand(deliveryListCmd())
	return d
}

func deliveryListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <payment-id>",
		Short: "List webhook delivery attempts for a payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListDeliveries(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printDeliveries(items)
				return nil
			})
		},
	}
	return cmd
}

func capabilitiesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capabilities",
		Short: "List registered payment methods, rules, sinks and event handlers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				l := e.Capabilities()
				if viper.GetBool("json") {
					return printJSON(l)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Kind", "Key"})
				for _, row := range []struct {
					kind string
					keys []string
				}{
					{"payment_method", l.PaymentMethods},
					{"antifraud", l.AntiFraudRules},
					{"webhook_sink", l.WebhookSinks},
					{"event_handler", l.EventHandlers},
				} {
					for _, k := range row.keys {
						tw.AppendRow(table.Row{row.kind, k})
					}
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect gateway config",
		Long:  "Config lives in fiadopay.yml in the workspace. Missing keys take their defaults; flags and FIADOPAY_* env vars override a few of them.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default fiadopay.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret != "" {
				cfg.Server.JWTSecret = "********"
			}
			if cfg.Webhook.Secret != "" {
				cfg.Webhook.Secret = "********"
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			return yaml.NewEncoder(os.Stdout).Encode(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate fiadopay.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func tokenCmd() *cobra.Command {
	t := &cobra.Command{Use: "token", Short: "Manage merchant tokens"}
	t.AddCommand(tokenIssueCmd())
	return t
}

func tokenIssueCmd() *cobra.Command {
	var merchant string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Sign a bearer token for a merchant",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			token, err := server.IssueToken(cfg.Server.JWTSecret, merchant, ttl, time.Now())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"merchant_id": merchant, "token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&merchant, "merchant", "", "merchant id (token subject)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime, 0 for no expiry")
	_ = cmd.MarkFlagRequired("merchant")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Payment audit log",
		Long:  "Every payment creation and status change is appended to the audit log.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var paymentID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, paymentID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "TS", "Type", "Payment", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.PaymentID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&paymentID, "payment", "", "payment id filter")
	return cmd
}

// --- helpers ---

// loadConfig reads fiadopay.yml and applies flag and env overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg)
	return cfg, nil
}

func applyOverrides(cfg *config.Config) {
	if v := strings.TrimSpace(viper.GetString("jwt-secret")); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := strings.TrimSpace(viper.GetString("log-level")); v != "" {
		cfg.Log.Level = v
	}
}

func openWorkspace(ctx context.Context) (*app.Workspace, error) {
	ws, err := app.OpenWorkspace(ctx, viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	applyOverrides(ws.Config)
	return ws, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	return logging.New(cfg.Log.Level, cfg.Log.Format)
}

// withEngine runs fn against a started engine and waits for its queued work
// before closing the workspace.
func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()
	log := newLogger(ws.Config)
	e := ws.Engine(log)
	runErr := fn(ctx, e)
	drainCtx, cancel := context.WithTimeout(ctx, ws.Config.Pipeline.GracePeriod.Std()+ws.Config.Webhook.Timeout.Std())
	defer cancel()
	if err := e.Pipeline.Drain(drainCtx); err != nil {
		log.Warn("pipeline drain", "err", err)
	}
	if err := e.Close(context.Background()); err != nil {
		log.Warn("pipeline shutdown", "err", err)
	}
	return runErr
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws.Repo())
}

func printDeliveries(items []domain.WebhookDelivery) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "At", "Success", "Error"})
	for _, d := range items {
		tw.AppendRow(table.Row{d.ID, d.At.Format(time.RFC3339Nano), d.Success, d.ErrorMessage})
	}
	tw.Render()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
