package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"dairyline/internal/app"
	"dairyline/internal/config"
	"dairyline/internal/db"
	"dairyline/internal/domain"
	"dairyline/internal/engine"
	"dairyline/internal/logging"
	"dairyline/internal/migrate"
	"dairyline/internal/repo"
	"dairyline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "dl",
	Short: "Dairyline CLI",
	Long: `Dairyline tracks the forms a dairy plant fills in as milk moves from intake to pallet.
- Plant: one site with its form catalog, pipeline steps and access grants, stored in .dairyline/.
- Forms: records like tanker intake sheets or lab reports; statuses go pending -> active -> completed, with error as the exit.
- Grants: who may view, edit, delete, approve or create which forms; the most specific grant (user, then role, then department) wins.
- Dashboard: status counts, completion rate, processing time and a 7 day trend.
- Pipeline: each process step takes the status of its forms (error beats active beats completed).
- Event log: everything that changed, view with 'dl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
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
	viper.SetEnvPrefix("DAIRYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor identifier recorded in the event log")
	flags.String("plant", "", "plant id (defaults to the only plant in the workspace)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "console", "log format (console or json)")
	for _, name := range []string{"workspace", "json", "actor-id", "plant", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(plantCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(formCmd())
	rootCmd.AddCommand(grantCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(dashboardCmd())
	rootCmd.AddCommand(pipelineCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func plantCmd() *cobra.Command {
	plant := &cobra.Command{Use: "plant", Short: "Manage plants"}
	plant.AddCommand(plantInitCmd())
	plant.AddCommand(plantListCmd())
	plant.AddCommand(plantShowCmd())
	cfg := &cobra.Command{Use: "config", Short: "Plant configuration stored in the database"}
	cfg.AddCommand(plantConfigShowCmd())
	cfg.AddCommand(plantConfigImportCmd())
	plant.AddCommand(cfg)
	return plant
}

func plantInitCmd() *cobra.Command {
	var id, name, filePath string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a plant with the default catalog, pipeline and grants",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			if filePath != "" {
				loaded, err := config.FromFile(filePath)
				if err != nil {
					return err
				}
				cfg = loaded
				if id == "" {
					id = cfg.Plant.ID
				}
			}
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if cfg == nil {
					cfg = config.Default(id)
				}
				e := engine.New(r.DB, cfg)
				e.Logger = cliLogger()
				p, err := e.InitPlant(ctx, id, name, viper.GetString("actor-id"), cfg)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "plant id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&filePath, "file", "", "seed from a dairyline.yml instead of the default")
	return cmd
}

func plantListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List plants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListPlants(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Name", "Status", "Created")
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func plantShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active plant with form counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetPlant(ctx, e.Config.Plant.ID)
				if err != nil {
					return err
				}
				counts, err := e.Repo.CountFormsByStatus(ctx, p.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(struct {
					domain.Plant
					Forms map[string]int `json:"forms"`
				}{Plant: p, Forms: counts})
			})
		},
	}
}

func plantConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the stored config as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if viper.GetBool("json") {
					return printJSON(e.Config)
				}
				data, err := e.Config.ToYAML()
				if err != nil {
					return err
				}
				_, err = os.Stdout.Write(data)
				return err
			})
		},
	}
}

func plantConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Replace the stored config with a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plantID := e.Config.Plant.ID
				if err := e.ImportConfig(ctx, plantID, cfg, viper.GetString("actor-id")); err != nil {
					return err
				}
				if viper.GetBool("seed-grants") {
					if _, err := e.SeedDefaultGrants(ctx, plantID, viper.GetString("actor-id")); err != nil {
						return err
					}
				}
				fmt.Printf("imported config for plant %s (%d form types, %d steps)\n", plantID, len(cfg.Forms.Catalog), len(cfg.Pipeline.Steps))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	cmd.Flags().Bool("seed-grants", false, "seed default grants when the plant has none")
	_ = viper.BindPFlag("seed-grants", cmd.Flags().Lookup("seed-grants"))
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users"}
	user.AddCommand(userAddCmd())
	user.AddCommand(userListCmd())
	return user
}

func userAddCmd() *cobra.Command {
	var u domain.User
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create or update a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				saved, err := e.UpsertUser(ctx, u, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(saved)
			})
		},
	}
	cmd.Flags().StringVar(&u.ID, "id", "", "user id")
	cmd.Flags().StringVar(&u.Name, "name", "", "display name")
	cmd.Flags().StringVar(&u.Role, "role", "", "role, e.g. admin or qa-manager")
	cmd.Flags().StringVar(&u.Department, "department", "", "department, e.g. Lab or Production")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func userListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				users, err := r.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := newTable("ID", "Name", "Role", "Department")
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Name, u.Role, u.Department})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every change to plants, forms, grants and users, newest first.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.PlantID = e.Config.Plant.ID
				items, err := e.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Time", "Type", "Entity", "Actor", "Payload")
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(viper.GetString("log-level"), viper.GetString("log-format"))
			if err != nil {
				return err
			}
			defer logger.Sync()
			authCfg := server.AuthConfig{
				JWTSecret:       viper.GetString("jwt-secret"),
				AllowUserHeader: viper.GetBool("allow-user-header"),
				EnableDevLogin:  viper.GetBool("dev-login"),
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowUserHeader {
				return fmt.Errorf("DAIRYLINE_JWT_SECRET is required for bearer auth (or pass --allow-user-header for local use)")
			}
			if authCfg.EnableDevLogin && authCfg.JWTSecret == "" {
				return fmt.Errorf("--dev-login needs DAIRYLINE_JWT_SECRET")
			}

			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				e.Logger = logger
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Logger: logger})
				if err != nil {
					return err
				}
				if server.StartWebhookDispatcher(ctx, e, logger) {
					logger.Info("webhook dispatcher started", zap.Int("webhooks", len(e.Config.Webhooks)))
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := srv.Shutdown(shutdownCtx); err != nil {
						logger.Warn("shutdown", zap.Error(err))
					}
				}()
				logger.Info("serving dairyline api",
					zap.String("addr", addr),
					zap.String("base_path", basePath),
					zap.String("plant", e.Config.Plant.ID),
					zap.String("docs", "/docs"))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().Bool("allow-user-header", false, "accept unauthenticated X-User-Id (local use only)")
	cmd.Flags().Bool("dev-login", false, "expose POST /auth/dev/login to mint tokens")
	_ = viper.BindPFlag("allow-user-header", cmd.Flags().Lookup("allow-user-header"))
	_ = viper.BindPFlag("dev-login", cmd.Flags().Lookup("dev-login"))
	return cmd
}

func cliLogger() *zap.Logger {
	logger, err := logging.New(viper.GetString("log-level"), viper.GetString("log-format"))
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withRepo(ctx, func(ctx context.Context, r repo.Repo) error {
		workspace := viper.GetString("workspace")
		_, cfg, err := app.ResolvePlantAndConfig(ctx, r.DB, workspace, viper.GetString("plant"), viper.GetString("actor-id"))
		if err != nil {
			return err
		}
		e := engine.New(r.DB, cfg)
		e.Logger = cliLogger()
		return fn(ctx, e)
	})
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalString(cmd *cobra.Command, flag, value string) *string {
	if !cmd.Flags().Changed(flag) {
		return nil
	}
	return &value
}
