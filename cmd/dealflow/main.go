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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/ph0rque/MakeDealCRM-sub004/internal/app"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/config"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/db"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/domain"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/engine"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/migrate"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/repo"
	"github.com/ph0rque/MakeDealCRM-sub004/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "dealflow",
	Short: "Dealflow pipeline engine",
	Long: `Dealflow moves acquisition deals through a staged pipeline.
- Pipeline: stages and allowed moves live in dealflow.yml (or dealflow.toml) next to the .dealflow workspace.
- Transitions: every move is validated (graph, permissions, stage rules, WIP limits) and audited, success or not.
- Templates: task checklists with dependencies, conditions and due rules, generated per deal.
- Alerts: deals sitting too long in a stage escalate from warning to critical to overdue.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetString("db-driver") == db.DriverMySQL {
			return nil
		}
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

var title = cases.Title(language.English)

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DEALFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "pipeline config file (default: workspace dealflow.yml, then dealflow.toml, then built-in)")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "acting user id")
	flags.String("db-driver", db.DriverSQLite, "database driver (sqlite or mysql)")
	flags.String("db-dsn", "", "database DSN (mysql only)")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text or json)")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "db-driver", "db-dsn", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(dealCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(alertCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace, database and a default dealflow.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Printf("%s already exists (use --force to overwrite)\n", path)
			} else {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("wrote %s\n", path)
			}
			conn, err := db.Open(dbConfig())
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Println("database ready")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect the pipeline config",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the resolved config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, source, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"source": source, "config": c})
			}
			fmt.Printf("# source: %s\n", source)
			out, err := yaml.Marshal(c)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the resolved config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, source, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"))
			if err == nil {
				err = c.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "source": source, "error": errString(err)})
			}
			if err != nil {
				return err
			}
			fmt.Printf("config OK (%s)\n", source)
			return nil
		},
	})
	return cfg
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users and reporting lines"}
	var u domain.User
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u.CreatedAt = repo.FormatTime(time.Now())
				if err := e.Repo.InsertUser(ctx, u); err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	add.Flags().StringVar(&u.ID, "id", "", "user id")
	add.Flags().StringVar(&u.Name, "name", "", "display name")
	add.Flags().StringVar(&u.Email, "email", "", "email address")
	add.Flags().StringVar(&u.ReportsToID, "reports-to", "", "manager user id")
	_ = add.MarkFlagRequired("id")
	user.AddCommand(add)
	user.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				users, err := e.Repo.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := newTable("ID", "Name", "Email", "Reports To")
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Name, u.Email, u.ReportsToID})
				}
				tw.Render()
				return nil
			})
		},
	})
	return user
}

func roleCmd() *cobra.Command {
	role := &cobra.Command{Use: "role", Short: "Manage roles and permissions"}
	var userID, roleID, perm string
	grant := &cobra.Command{
		Use:   "grant",
		Short: "Grant a role to a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.AssignRole(ctx, userID, roleID)
			})
		},
	}
	grant.Flags().StringVar(&userID, "user", "", "user id")
	grant.Flags().StringVar(&roleID, "role", "", "role id")
	_ = grant.MarkFlagRequired("user")
	_ = grant.MarkFlagRequired("role")

	allow := &cobra.Command{
		Use:   "allow",
		Short: "Add a permission to a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.AddRolePermission(ctx, roleID, perm)
			})
		},
	}
	allow.Flags().StringVar(&roleID, "role", "", "role id")
	allow.Flags().StringVar(&perm, "permission", "", "permission id, e.g. deal.edit")
	_ = allow.MarkFlagRequired("role")
	_ = allow.MarkFlagRequired("permission")

	role.AddCommand(grant, allow)
	return role
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var userID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for a user; the key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.Repo.GetUser(ctx, userID); err != nil {
					return fmt.Errorf("user %s: %w", userID, err)
				}
				secret := "dfk_" + strings.ReplaceAll(uuid.NewString(), "-", "")
				key := domain.APIKey{
					ID:        uuid.NewString(),
					UserID:    userID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: repo.FormatTime(time.Now()),
				}
				if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": key.ID, "user_id": userID, "key": secret})
			})
		},
	}
	create.Flags().StringVar(&userID, "user", "", "user id")
	create.Flags().StringVar(&name, "name", "", "key label")
	_ = create.MarkFlagRequired("user")
	keys.AddCommand(create)
	return keys
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noSweep bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server and the background alert sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			authCfg := server.AuthConfig{
				JWTSecret:             viper.GetString("jwt-secret"),
				AllowLegacyUserHeader: viper.GetBool("allow-legacy-user-header"),
				DevLogin:              viper.GetBool("dev-login"),
				Logger:                rt.Logger,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("DEALFLOW_JWT_SECRET is required for bearer auth")
			}
			workspace := viper.GetString("workspace")
			handler, err := server.New(server.Config{Engine: rt.Engine, BasePath: basePath, Auth: authCfg, Workspace: workspace})
			if err != nil {
				return err
			}
			if !noSweep {
				sweeper := app.Sweeper{
					Workspace: workspace,
					Engine:    rt.Engine,
					Interval:  rt.Config.SweepInterval(),
					Logger:    rt.Logger,
				}
				go sweeper.Run(ctx)
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Dealflow API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noSweep, "no-sweep", false, "disable the background alert sweeper")
	cmd.Flags().Bool("dev-login", false, "expose POST /auth/dev/login (never in production)")
	cmd.Flags().Bool("allow-legacy-user-header", false, "accept X-User-Id without credentials")
	_ = viper.BindPFlag("dev-login", cmd.Flags().Lookup("dev-login"))
	_ = viper.BindPFlag("allow-legacy-user-header", cmd.Flags().Lookup("allow-legacy-user-header"))
	return cmd
}

// --- helpers ---

func dbConfig() db.Config {
	return db.Config{
		Workspace: viper.GetString("workspace"),
		Driver:    viper.GetString("db-driver"),
		DSN:       viper.GetString("db-dsn"),
	}
}

func openRuntime(ctx context.Context) (*app.Runtime, error) {
	c := dbConfig()
	return app.Open(ctx, app.Options{
		Workspace:  c.Workspace,
		ConfigPath: viper.GetString("config"),
		Driver:     c.Driver,
		DSN:        c.DSN,
		LogLevel:   viper.GetString("log-level"),
		LogFormat:  viper.GetString("log-format"),
	})
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt.Engine)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

// stageLabel prefers the configured label and falls back to a title-cased key.
func stageLabel(cfg *config.Config, key string) string {
	if cfg != nil {
		if st, ok := cfg.Stage(key); ok && st.Label != "" {
			return st.Label
		}
	}
	return title.String(strings.ReplaceAll(key, "_", " "))
}

func levelLabel(l domain.AlertLevel) string {
	return title.String(string(l))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
