package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"storeline/internal/app"
	"storeline/internal/config"
	"storeline/internal/db"
	"storeline/internal/domain"
	"storeline/internal/engine"
	"storeline/internal/logging"
	"storeline/internal/repo"
	"storeline/internal/sandbox"
	"storeline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Storeline CLI",
	Long: `Storeline verifies signed store transactions and keeps the set of entitled products reconciled.
Core concepts:
- Workspace: the directory holding storeline.yml and the .storeline database.
- Catalog: the products the store sells, loaded from the sandbox or a remote catalog service.
- Transactions: signed purchase records; only verified ones are trusted.
- Entitlements: the products currently unlocked, recomputed from verified, unrevoked, unexpired transactions.
- Listener: consumes transaction updates (renewals, refunds, approvals) while 'sl serve' runs.
- Sandbox: a local store platform for simulating purchases, refunds and renewals.
- Event log: the diary of verifications, purchases and reconciliations, view with 'sl log tail'.`,
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
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STORELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <workspace>/storeline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "override logging.level")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(productsCmd())
	rootCmd.AddCommand(entitlementsCmd())
	rootCmd.AddCommand(purchaseCmd())
	rootCmd.AddCommand(restoreCmd())
	rootCmd.AddCommand(sandboxCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage storeline.yml",
		Long:  "storeline.yml names the store and its product ids, the transaction verification keys, the sandbox catalog, and optional Redis publishing and webhooks.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var storeID, secret string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default storeline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if secret == "" {
				secret = strings.ReplaceAll(uuid.NewString(), "-", "")
			}
			data := config.GenerateDefault(storeID, secret)
			if _, err := config.FromYAML([]byte(data)); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&storeID, "store-id", "app", "store id, also the product id prefix")
	cmd.Flags().StringVar(&secret, "secret", "", "HS256 verification secret (random when empty)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate storeline.yml",
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
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noAuth bool
	var origins []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the listener and the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret"), Disabled: noAuth}
			if authCfg.JWTSecret == "" && !noAuth {
				return fmt.Errorf("STORELINE_JWT_SECRET (or --jwt-secret) is required for bearer auth; pass --no-auth for local use")
			}

			listener, err := a.Engine.Start(ctx)
			if err != nil {
				return err
			}
			a.StartPublisher(ctx)
			server.NewWebhookDispatcher(a.Repo, a.Config.Store.ID, a.Config.Webhooks, a.Log.Named("webhooks")).Start(ctx)

			handler, err := server.New(server.Config{
				Engine:         a.Engine,
				Sandbox:        a.Sandbox,
				Repo:           a.Repo,
				Log:            a.Log.Named("http"),
				BasePath:       basePath,
				Auth:           authCfg,
				AllowedOrigins: origins,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			a.Log.Info("serving storeline API",
				zap.String("url", "http://"+addr+basePath),
				zap.String("docs", basePath+"/docs"),
				zap.Bool("auth", !noAuth),
			)
			err = srv.ListenAndServe()
			listener.Cancel()
			<-listener.Done()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	cmd.Flags().BoolVar(&noAuth, "no-auth", false, "disable authentication")
	cmd.Flags().StringSliceVar(&origins, "allowed-origin", nil, "CORS origin (repeatable)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func productsCmd() *cobra.Command {
	products := &cobra.Command{Use: "products", Short: "Product catalog"}
	products.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Load and list the configured products",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return printProducts(a.Engine.Catalog.Products())
			})
		},
	})
	products.AddCommand(&cobra.Command{
		Use:   "refresh [product-id...]",
		Short: "Fetch the given products (the configured ones when omitted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.RefreshCatalog(ctx, args)
				if err != nil {
					return err
				}
				return printProducts(items)
			})
		},
	})
	return products
}

func entitlementsCmd() *cobra.Command {
	ent := &cobra.Command{
		Use:   "entitlements",
		Short: "Entitled products",
		Long:  "Entitlements are recomputed from the verified transaction history on every call.",
	}
	ent.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List entitled products",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return printEntitlements(a.Engine.Entitlements())
			})
		},
	})
	ent.AddCommand(&cobra.Command{
		Use:   "check <product-id>",
		Short: "Exit non-zero unless the product is entitled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entitled := a.Engine.HasEntitlement(args[0])
				if viper.GetBool("json") {
					return printJSON(map[string]any{"product_id": args[0], "entitled": entitled})
				}
				if !entitled {
					return fmt.Errorf("%s is not entitled", args[0])
				}
				fmt.Printf("%s is entitled\n", args[0])
				return nil
			})
		},
	})
	return ent
}

func purchaseCmd() *cobra.Command {
	var simulate string
	cmd := &cobra.Command{
		Use:   "purchase <product-id>",
		Short: "Buy a product from the sandbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, a *app.App) error {
				product, err := a.Engine.ProductByID(args[0])
				if err != nil {
					return err
				}
				if simulate != "" {
					outcome, err := sandbox.ParseOutcome(simulate)
					if err != nil {
						return err
					}
					ctx = sandbox.WithOutcome(ctx, outcome)
				}
				res, err := a.Engine.Purchase(ctx, product)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"result": res, "entitlements": a.Engine.Entitlements().IDs()})
				}
				fmt.Printf("purchase %s: %s\n", product.ID, res.Status)
				if res.Transaction != nil {
					fmt.Printf("transaction %s (original %s)\n", res.Transaction.ID, res.Transaction.OriginalID)
				}
				return printEntitlements(a.Engine.Entitlements())
			})
		},
	}
	names := make([]string, 0, len(sandbox.Outcomes()))
	for _, o := range sandbox.Outcomes() {
		names = append(names, string(o))
	}
	cmd.Flags().StringVar(&simulate, "simulate", "", "force the outcome: "+strings.Join(names, ", "))
	return cmd
}

func restoreCmd() *cobra.Command {
	var failSync bool
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Resynchronize purchase history and reconcile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if failSync {
					a.Sandbox.FailNextSync()
				}
				if err := a.Engine.Restore(ctx); err != nil {
					return err
				}
				return printEntitlements(a.Engine.Entitlements())
			})
		},
	}
	cmd.Flags().BoolVar(&failSync, "fail-sync", false, "simulate a failed store sync")
	return cmd
}

func sandboxCmd() *cobra.Command {
	sb := &cobra.Command{
		Use:   "sandbox",
		Short: "Drive the sandbox store",
		Long:  "Changes made here reach a running 'sl serve' through the database only on its next reconciliation; use the HTTP sandbox routes to notify a live listener.",
	}
	sb.AddCommand(sandboxTransactionsCmd())
	sb.AddCommand(sandboxIDCmd("revoke <transaction-id>", "Refund a transaction", func(ctx context.Context, p *sandbox.Platform, id int64) (domain.SandboxTransaction, error) {
		return p.Revoke(ctx, id)
	}))
	sb.AddCommand(sandboxIDCmd("approve <transaction-id>", "Approve a pending purchase", func(ctx context.Context, p *sandbox.Platform, id int64) (domain.SandboxTransaction, error) {
		return p.ApprovePending(ctx, id)
	}))
	sb.AddCommand(&cobra.Command{
		Use:   "renew <product-id>",
		Short: "Renew a subscription for one more period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Sandbox.Renew(ctx, args[0])
				if err != nil {
					return err
				}
				return printTransactions([]domain.SandboxTransaction{t})
			})
		},
	})
	return sb
}

func sandboxTransactionsCmd() *cobra.Command {
	var f repo.SandboxTransactionFilter
	cmd := &cobra.Command{
		Use:   "transactions",
		Short: "List sandbox transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				txs, err := a.Sandbox.Transactions(ctx, f)
				if err != nil {
					return err
				}
				return printTransactions(txs)
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "purchased or pending")
	cmd.Flags().StringVar(&f.ProductID, "product-id", "", "product filter")
	return cmd
}

func sandboxIDCmd(use, short string, fn func(context.Context, *sandbox.Platform, int64) (domain.SandboxTransaction, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid transaction id %q", args[0])
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := fn(ctx, a.Sandbox, id)
				if err != nil {
					return err
				}
				return printTransactions([]domain.SandboxTransaction{t})
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: verifications, purchases, restores, catalog loads and reconciliations.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.LatestEvents(ctx, n, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Time", "Type", "Entity", "Source", "Payload"})
				for _, e := range items {
					entity := e.EntityKind
					if e.EntityID != "" {
						entity += ":" + e.EntityID
					}
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, entity, e.Source, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	cmd.Flags().StringVar(&f.Source, "source", "", "listener, purchase, restore or catalog")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP API"}

	var actor, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				plain, key := repo.NewAPIKey(actor, name)
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": plain})
				}
				fmt.Printf("id:  %s\nkey: %s\n", key.ID, plain)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "label")
	_ = create.MarkFlagRequired("actor")

	var listActor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, listActor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&listActor, "actor", "", "actor filter")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	keys.AddCommand(create, list, del)
	return keys
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with STORELINE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.SignToken(viper.GetString("jwt-secret"), subject, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "local-user", "actor id")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime, 0 for none")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	return app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
}

func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return app.Open(ctx, viper.GetString("workspace"), cfg, log)
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// withEngine loads the catalog first, which also reconciles, so commands see
// the same state a freshly launched app would.
func withEngine(ctx context.Context, fn func(context.Context, *app.App) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		if _, err := a.Engine.RefreshCatalog(ctx, nil); err != nil {
			var ce *engine.CatalogError
			if !errors.As(err, &ce) {
				return err
			}
			a.Log.Warn("catalog unavailable", zap.Error(err))
			if _, err := a.Engine.Reconcile(ctx, "cli"); err != nil {
				return err
			}
		}
		return fn(ctx, a)
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Repo)
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func printProducts(items []domain.Product) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable(table.Row{"ID", "Kind", "Name", "Price", "Period"})
	for _, p := range items {
		tw.AppendRow(table.Row{p.ID, p.Kind, p.DisplayName, p.DisplayPrice, p.SubscriptionPeriod})
	}
	tw.Render()
	return nil
}

func printEntitlements(set domain.EntitlementSet) error {
	if viper.GetBool("json") {
		return printJSON(set)
	}
	if len(set.Products) == 0 {
		fmt.Println("no entitlements")
		return nil
	}
	tw := newTable(table.Row{"Product", "Kind", "Name"})
	for _, p := range set.Products {
		tw.AppendRow(table.Row{p.ID, p.Kind, p.DisplayName})
	}
	tw.AppendFooter(table.Row{"", "generation", set.Generation})
	tw.Render()
	return nil
}

func printTransactions(txs []domain.SandboxTransaction) error {
	if viper.GetBool("json") {
		return printJSON(txs)
	}
	tw := newTable(table.Row{"ID", "Original", "Product", "Status", "Purchased", "Expires", "Revoked", "Finished"})
	for _, t := range txs {
		tw.AppendRow(table.Row{t.ID, t.OriginalID, t.ProductID, t.Status, formatTime(&t.PurchaseDate), formatTime(t.ExpiresAt), formatTime(t.RevokedAt), formatTime(t.FinishedAt)})
	}
	tw.Render()
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
