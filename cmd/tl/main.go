package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tradeloop/internal/app"
	"tradeloop/internal/config"
	"tradeloop/internal/domain"
	"tradeloop/internal/logging"
	"tradeloop/internal/memdir"
	"tradeloop/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Tradeloop CLI",
	Long: `Tradeloop runs an autonomous trading decision loop on top of a file-based memory store.
Core concepts:
- Entry: one JSON record of system memory (analysis, order status, error, metric, snapshot, event, optimization run).
- Store: staging -> inbox -> archive directories; a file is only ever visible complete.
- Flags: single letters in the filename (S seen, I important, M metric, ...) used for cheap filtering.
- Organizer: tags inbox entries and files them into the archive.
- Frequency: derives the decision interval from archived latency metrics.
- Loop: health checks, organizing, pruning, optimization and decision cycles on their own cadences.`,
	SilenceUsage: true,
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "warning: .env:", err)
	}
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TRADELOOP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(saveCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(readCmd())
	rootCmd.AddCommand(promoteCmd())
	rootCmd.AddCommand(flagsCmd())
	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(pruneCmd())
	rootCmd.AddCommand(organizeCmd())
	rootCmd.AddCommand(frequencyCmd())
	rootCmd.AddCommand(indexCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the orchestration loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Daemon(nil)
				if err != nil {
					return err
				}
				return d.Run(ctx)
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noLoop bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the operator HTTP API, with the loop running alongside",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				secret := viper.GetString("jwt-secret")
				if secret == "" {
					secret = a.Config.Server.JWTSecret
				}
				if secret == "" {
					return fmt.Errorf("TRADELOOP_JWT_SECRET or server.jwt_secret is required for bearer auth")
				}
				srvCfg := server.Config{
					Store:    a.Store,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret},
					Prune:    a.PruneLimits(),
					Log:      a.Log,
				}
				loopErr := make(chan error, 1)
				if !noLoop {
					d, err := a.Daemon(nil)
					if err != nil {
						return err
					}
					srvCfg.Daemon = d
					go func() { loopErr <- d.Run(ctx) }()
				}
				handler, err := server.New(srvCfg)
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					select {
					case <-ctx.Done():
					case err := <-loopErr:
						if err != nil {
							a.Log.WithError(err).Error("orchestration loop stopped")
						}
						loopErr <- err
					}
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Tradeloop API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				if noLoop {
					return nil
				}
				return <-loopErr
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().BoolVar(&noLoop, "no-loop", false, "serve the API without running the loop")
	return cmd
}

func saveCmd() *cobra.Command {
	var kind, source, payload string
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Save an entry into the inbox",
		Example: `  tl save --kind SystemEvent --payload '{"event":"manual_note"}'
  echo '{"metric_name":"pipeline_latency","value":120}' | tl save --kind Metric --payload -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := domain.ParseKind(kind)
			if err != nil {
				return err
			}
			raw := []byte(payload)
			if payload == "-" {
				if raw, err = io.ReadAll(cmd.InOrStdin()); err != nil {
					return err
				}
			}
			var body map[string]any
			if err := json.Unmarshal(raw, &body); err != nil {
				return fmt.Errorf("payload must be a JSON object: %w", err)
			}
			e, err := domain.NewEntry(k, source, body, time.Now())
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				name, err := a.Store.Save(ctx, e)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": e.ID, "filename": name})
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "entry kind ("+kindNames()+")")
	cmd.Flags().StringVar(&source, "source", "cli", "producing component")
	cmd.Flags().StringVar(&payload, "payload", "{}", "JSON payload, or - to read stdin")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <staging|inbox|archive>",
		Short: "List entry filenames in a location, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := memdir.ParseLocation(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				names, err := a.Store.List(ctx, loc)
				if err != nil {
					return err
				}
				infos := make([]memdir.Info, 0, len(names))
				for _, n := range names {
					info, err := memdir.ParseFilename(n)
					if err != nil {
						continue
					}
					infos = append(infos, info)
				}
				return printInfos(infos)
			})
		},
	}
}

func readCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "read <location> <filename>",
		Short: "Print one entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := memdir.ParseLocation(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				e, err := a.Store.Read(ctx, loc, args[1])
				if err != nil {
					return err
				}
				return printJSON(e)
			})
		},
	}
}

func promoteCmd() *cobra.Command {
	var flags string
	cmd := &cobra.Command{
		Use:   "promote <inbox filename>",
		Short: "Move an inbox entry into the archive, adding flags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			add, err := domain.ParseFlags(flags)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				name, err := a.Store.Promote(ctx, args[0], add)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"filename": name})
			})
		},
	}
	cmd.Flags().StringVar(&flags, "flags", "S", "flags to add")
	return cmd
}

func flagsCmd() *cobra.Command {
	var add, remove string
	cmd := &cobra.Command{
		Use:   "flags <archive filename>",
		Short: "Add or remove flags on an archived entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addFlags, err := domain.ParseFlags(add)
			if err != nil {
				return err
			}
			removeFlags, err := domain.ParseFlags(remove)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				name, err := a.Store.UpdateFlags(ctx, args[0], addFlags, removeFlags)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"filename": name})
			})
		},
	}
	cmd.Flags().StringVar(&add, "add", "", "flags to add")
	cmd.Flags().StringVar(&remove, "remove", "", "flags to remove")
	return cmd
}

func queryCmd() *cobra.Command {
	var since, until, include, exclude string
	var keywords []string
	var limit int
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query archived entries, newest first",
		Example: `  tl query --since 24h --include M
  tl query --keyword AAPL --exclude E --limit 20`,
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			q := memdir.Query{Keywords: keywords, Limit: limit}
			var err error
			if q.Since, err = parseTimeArg(since, now); err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			if q.Until, err = parseTimeArg(until, now); err != nil {
				return fmt.Errorf("--until: %w", err)
			}
			if q.Include, err = domain.ParseFlags(include); err != nil {
				return err
			}
			if q.Exclude, err = domain.ParseFlags(exclude); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				infos, err := a.Store.Query(ctx, q)
				if err != nil {
					return err
				}
				return printInfos(infos)
			})
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "RFC3339 time or duration ago (e.g. 24h)")
	cmd.Flags().StringVar(&until, "until", "", "RFC3339 time or duration ago")
	cmd.Flags().StringVar(&include, "include", "", "flags every result must carry")
	cmd.Flags().StringVar(&exclude, "exclude", "", "flags no result may carry")
	cmd.Flags().StringSliceVar(&keywords, "keyword", nil, "keyword the entry content must contain (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum results (0 = all)")
	return cmd
}

func pruneCmd() *cobra.Command {
	var maxAge, maxCount int
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete archived entries beyond the retention limits",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				limits := a.PruneLimits()
				if cmd.Flags().Changed("max-age-days") {
					limits.MaxAgeDays = maxAge
				}
				if cmd.Flags().Changed("max-count") {
					limits.MaxCount = maxCount
				}
				res, err := a.Store.Prune(ctx, limits)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().IntVar(&maxAge, "max-age-days", memdir.NoLimit, "override configured max age (-1 disables)")
	cmd.Flags().IntVar(&maxCount, "max-count", memdir.NoLimit, "override configured max count (-1 disables)")
	return cmd
}

func organizeCmd() *cobra.Command {
	var watch time.Duration
	cmd := &cobra.Command{
		Use:   "organize",
		Short: "Tag and archive one batch of inbox entries, or keep doing so with --watch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if watch > 0 {
					return a.Organizer.Run(ctx, watch)
				}
				res, err := a.Organizer.ProcessBatch(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().DurationVar(&watch, "watch", 0, "process a batch every interval until interrupted")
	return cmd
}

func frequencyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "frequency",
		Short: "Compute the decision interval from archived latency metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rec, err := a.Analyzer.ComputeOptimalInterval(ctx, a.FrequencyParams())
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
}

func indexCmd() *cobra.Command {
	idx := &cobra.Command{Use: "index", Short: "Manage the archive manifest index"}
	idx.AddCommand(&cobra.Command{
		Use:   "rebuild",
		Short: "Repopulate the manifest from the archive directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if a.Index == nil {
					return fmt.Errorf("store.index is disabled in config")
				}
				n, err := a.Store.RebuildIndex(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{"indexed": n})
			})
		},
	})
	idx.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show manifest size and last rebuild",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if a.Index == nil {
					return fmt.Errorf("store.index is disabled in config")
				}
				count, err := a.Index.Count(ctx)
				if err != nil {
					return err
				}
				at, rebuilt, err := a.Index.LastRebuild(ctx)
				if err != nil {
					return err
				}
				out := map[string]any{"entries": count, "last_rebuild_entries": rebuilt}
				if !at.IsZero() {
					out["last_rebuild_at"] = at.Format(time.RFC3339)
				}
				return printJSONOrTable(out)
			})
		},
	})
	return idx
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default tradeloop.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.Template()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cfg.AddCommand(initCmd)
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			redactSecrets(c)
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate tradeloop.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]bool{"valid": true})
			}
			fmt.Println("config is valid")
			return nil
		},
	})
	return cfg
}

func tokenCmd() *cobra.Command {
	var subject string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for the operator API",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				c, err := config.LoadOrDefault(viper.GetString("workspace"))
				if err != nil {
					return err
				}
				secret = c.Server.JWTSecret
			}
			if secret == "" {
				return fmt.Errorf("TRADELOOP_JWT_SECRET or server.jwt_secret is required")
			}
			tok, err := server.SignToken(secret, subject, roles, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim (repeatable, e.g. admin)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if key := viper.GetString("llm-api-key"); key != "" {
		cfg.LLM.APIKey = key
	}
	return cfg, nil
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, viper.GetString("workspace"), cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.WithError(err).Warn("close workspace")
		}
	}()
	return fn(ctx, a)
}

func redactSecrets(c *config.Config) {
	if c.LLM.APIKey != "" {
		c.LLM.APIKey = "***"
	}
	if c.Server.JWTSecret != "" {
		c.Server.JWTSecret = "***"
	}
	for i := range c.Notify.Webhooks {
		if c.Notify.Webhooks[i].Secret != "" {
			c.Notify.Webhooks[i].Secret = "***"
		}
	}
}

func parseTimeArg(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	return time.Parse(time.RFC3339, s)
}

func kindNames() string {
	var names []string
	for _, k := range domain.Kinds() {
		names = append(names, string(k))
	}
	return strings.Join(names, ", ")
}

func printInfos(infos []memdir.Info) error {
	if viper.GetBool("json") {
		return printJSON(infos)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Timestamp", "ID", "Host", "Flags", "Filename"})
	for _, info := range infos {
		tw.AppendRow(table.Row{info.Timestamp.Format(time.RFC3339), info.ID, info.Host, string(info.Flags), info.Filename})
	}
	tw.AppendFooter(table.Row{"", "", "", "Total", len(infos)})
	tw.Render()
	return nil
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
