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
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"crewline/internal/app"
	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/engine"
	"crewline/internal/mcpserver"
	"crewline/internal/migrate"
	"crewline/internal/pull"
	"crewline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "crew",
	Short: "Crewline CLI",
	Long: `Crewline hands out tasks to a hierarchy of agents and keeps their work honest.
Core concepts:
- Agents: owners, managers and workers arranged in a tree; each works on a bounded number of top-level tasks at once.
- Tasks: backlog -> todo -> in_progress -> done, with blocked and cancelled on the side. Dependencies must be done before a task starts.
- Audits: rule sets that spawn follow-up tasks when a task completes or gets blocked, and can lock tasks or agents while they look.
- Sessions: agents log in with a passkey and poll for work over the pull protocol (HTTP or MCP).
- Event log: every state change is recorded; view it with 'crew log tail'.`,
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
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		if code := engine.CodeOf(err); code != engine.CodeInfrastructure {
			fmt.Fprintln(os.Stderr, color.HiBlackString("code: %s", code))
		}
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CREWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	if viper.GetBool("no-color") {
		color.NoColor = true
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/crewline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "acting agent id")
	rootCmd.PersistentFlags().Bool("no-color", false, "disable colored output")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "no-color"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(lockCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(mcpCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage crewline.yml"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			printOK("Wrote %s", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			if c.Sessions.JWTSecret != "" {
				c.Sessions.JWTSecret = "***"
			}
			if c.Server.AdminAPIKey != "" {
				c.Server.AdminAPIKey = "***"
			}
			return printJSON(c)
		},
	}
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			printOK("Config is valid")
			return nil
		},
	}
	cfg.AddCommand(initCmd, show, validate)
	return cfg
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			n, err := migrate.Migrate(cmd.Context(), conn)
			if err != nil {
				return err
			}
			latest, _ := migrate.Latest()
			printOK("Applied %d migration(s); schema at version %d", n, latest)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, supervisorAddr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the loopback supervisor API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cfg := a.Config
				if cmd.Flags().Changed("addr") {
					cfg.Server.Addr = addr
				}
				if cmd.Flags().Changed("supervisor-addr") {
					cfg.Server.SupervisorAddr = supervisorAddr
				}
				if cmd.Flags().Changed("base-path") {
					cfg.Server.BasePath = basePath
				}
				handler, err := server.New(server.Config{
					Engine:      a.Engine,
					Sessions:    a.Sessions,
					Pull:        a.Pull,
					BasePath:    cfg.Server.BasePath,
					AdminAPIKey: cfg.Server.AdminAPIKey,
					Logger:      a.Logger,
				})
				if err != nil {
					return err
				}
				servers := []*http.Server{{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}}
				if cfg.Server.SupervisorAddr != "" {
					servers = append(servers, &http.Server{Addr: cfg.Server.SupervisorAddr, Handler: server.NewSupervisor(a.Pull), ReadHeaderTimeout: 10 * time.Second})
				}

				runCtx, cancel := context.WithCancel(ctx)
				defer cancel()
				var wg sync.WaitGroup
				if hooks := server.NewWebhookDispatcher(a.Engine, cfg.Events.Webhooks, a.Logger); hooks != nil {
					wg.Add(1)
					go func() {
						defer wg.Done()
						hooks.Run(runCtx)
					}()
				}
				errc := make(chan error, len(servers))
				for _, srv := range servers {
					srv := srv
					go func() {
						if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
							errc <- fmt.Errorf("listen %s: %w", srv.Addr, err)
							return
						}
						errc <- nil
					}()
				}
				fmt.Printf("Serving Crewline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", cfg.Server.Addr, cfg.Server.BasePath)
				if cfg.Server.SupervisorAddr != "" {
					fmt.Printf("Supervisor API on http://%s (loopback only)\n", cfg.Server.SupervisorAddr)
				}

				var serveErr error
				select {
				case <-ctx.Done():
				case serveErr = <-errc:
				}
				shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
				defer done()
				for _, srv := range servers {
					_ = srv.Shutdown(shutdownCtx)
				}
				cancel()
				wg.Wait()
				return serveErr
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&supervisorAddr, "supervisor-addr", "", "supervisor listen address, empty to disable")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the worker pull protocol as MCP tools on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				a.Logger.InfoContext(ctx, "mcp server starting", "tools", len(a.Registry.Commands(pull.AccessWorker)))
				return mcpserver.Serve(mcpserver.New(a.Registry, a.Logger))
			})
		},
	}
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(workspace)
	}
	if err != nil {
		return nil, err
	}
	cfg.Workspace = workspace
	if s := viper.GetString("jwt-secret"); s != "" {
		cfg.Sessions.JWTSecret = s
	}
	if k := viper.GetString("admin-api-key"); k != "" {
		cfg.Server.AdminAPIKey = k
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	return cfg, nil
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Engine)
	})
}

// actorID returns --actor-id or fails: every mutation is attributed.
func actorID() (string, error) {
	id := strings.TrimSpace(viper.GetString("actor-id"))
	if id == "" {
		return "", errors.New("--actor-id (or CREWLINE_ACTOR_ID) required")
	}
	return id, nil
}

func printJSONOrPretty(v any) error {
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

func printOK(format string, args ...any) {
	if viper.GetBool("json") {
		return
	}
	fmt.Printf("%s %s\n", color.GreenString("✓"), fmt.Sprintf(format, args...))
}

func printWarn(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", color.YellowString("⚠"), fmt.Sprintf(format, args...))
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
