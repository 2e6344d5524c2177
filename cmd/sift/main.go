package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tasksift/internal/app"
	"tasksift/internal/config"
	"tasksift/internal/credentials"
	"tasksift/internal/domain"
	"tasksift/internal/engine"
	"tasksift/internal/scheduler"
	"tasksift/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sift",
	Short: "tasksift CLI",
	Long: `tasksift moves tasks from a source board project into a destination project.
- Connection: the pairing of one source and one destination project. Each actor has one.
- Skill: classification criteria learned from the destination's tasks. Version 1 is bootstrapped on connect.
- Poll: new source tasks are scored against the current skill; high scores queue as pending candidates.
- Review: approving a candidate adds the task to the destination; every few reviews the skill is refined.
Credentials come from SIFT_BOARD_TOKEN, SIFT_CLASSIFIER_PROVIDER and SIFT_CLASSIFIER_KEY.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if hint := errors.FlattenHints(err); hint != "" {
			fmt.Fprintln(os.Stderr, "hint:", hint)
		}
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SIFT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug|info|warn|error), overrides the config file")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	for _, key := range []string{"board-token", "classifier-provider", "classifier-key", "jwt-secret", "board-client-secret"} {
		_ = viper.BindEnv(key)
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(projectsCmd())
	rootCmd.AddCommand(connectCmd())
	rootCmd.AddCommand(stateCmd())
	rootCmd.AddCommand(pollCmd())
	rootCmd.AddCommand(candidatesCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(skillCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				secret := viper.GetString("jwt-secret")
				if secret == "" {
					return errors.WithHint(errors.New("SIFT_JWT_SECRET is required for bearer auth"), "export SIFT_JWT_SECRET=<random string>")
				}
				if addr == "" {
					addr = rt.Config.Server.Addr
				}
				if basePath == "" {
					basePath = rt.Config.Server.BasePath
				}
				oauth := rt.Config.Board.OAuth
				if v := viper.GetString("board-client-secret"); v != "" {
					oauth.ClientSecret = v
				}
				handler, err := server.New(server.Config{
					Engine:       rt.Engine,
					BasePath:     basePath,
					Auth:         server.AuthConfig{JWTSecret: secret, DevLogin: devLogin, Logger: rt.Logger},
					CookieSecure: rt.Config.Server.CookieSecure,
					BoardOAuth:   oauth,
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
				if basePath == "" {
					basePath = "/v0"
				}
				rt.Logger.Info("serving tasksift API", "addr", addr, "base_path", basePath, "dev_login", devLogin)
				fmt.Printf("Serving tasksift API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default /v0)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable POST /auth/dev/login")
	return cmd
}

func watchCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll the active connection on a timer",
		Long:  "Runs a poll cycle for the actor's active connection every scheduler.interval until interrupted. A tick is skipped while the previous cycle is still running.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				caller := envCaller(rt)
				if interval <= 0 {
					interval = rt.Config.Scheduler.Interval
				}
				s := &scheduler.Scheduler{
					Interval: interval,
					Logger:   rt.Logger.With("component", "scheduler"),
					Cycle: func(ctx context.Context) (engine.PollResult, error) {
						return rt.Engine.PollActive(ctx, caller)
					},
				}
				rt.Logger.Info("watching active connection", "actor_id", caller.ActorID, "interval", interval)
				if err := s.Run(ctx); err != nil {
					return err
				}
				stats := s.Stats()
				rt.Logger.Info("watch stopped", "runs", stats.Runs, "skipped", stats.Skipped, "failed", stats.Failed)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval (default from config)")
	return cmd
}

func projectsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "List board projects grouped by workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Engine.ListBoardProjects(ctx, envCaller(rt))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Workspace", "Project ID", "Project"})
				for _, ws := range items {
					for _, p := range ws.Projects {
						tw.AppendRow(table.Row{ws.Name, p.ID, p.Name})
					}
				}
				tw.Render()
				return nil
			})
		},
	}
}

func connectCmd() *cobra.Command {
	var source, dest domain.ProjectRef
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Pair a source and destination project",
		Long:  "Replaces the actor's connection and bootstraps skill v1 from the destination's incomplete tasks. If bootstrap fails the connection is kept; retry with 'sift skill bootstrap'.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.CreatePairing(ctx, envCaller(rt), source, dest)
				if err != nil {
					if res.Connection.ID != "" {
						return errors.WithHintf(err, "connection %s was created without a skill; retry with: sift skill bootstrap", res.Connection.ID)
					}
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Connected %s -> %s (%s)\n", res.Connection.SourceProjectName, res.Connection.DestProjectName, res.Connection.ID)
				if res.Skill != nil {
					printSkill(*res.Skill)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&source.ID, "source", "", "source project id")
	cmd.Flags().StringVar(&source.Name, "source-name", "", "source project name")
	cmd.Flags().StringVar(&dest.ID, "dest", "", "destination project id")
	cmd.Flags().StringVar(&dest.Name, "dest-name", "", "destination project name")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("dest")
	return cmd
}

func stateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show the active connection and candidate counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				state, err := rt.Engine.ActiveState(ctx, envCaller(rt))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(state)
				}
				if state.Connection == nil {
					fmt.Println("No active connection")
					return nil
				}
				c := state.Connection
				fmt.Printf("Connection: %s\n", c.ID)
				fmt.Printf("  %s (%s) -> %s (%s)\n", c.SourceProjectName, c.SourceProjectID, c.DestProjectName, c.DestProjectID)
				if c.LastPolledAt != nil {
					fmt.Printf("  last polled: %s\n", *c.LastPolledAt)
				} else {
					fmt.Println("  last polled: never")
				}
				if state.Skill != nil {
					fmt.Printf("Skill: v%d (threshold %.2f)\n", state.Skill.Version, state.Skill.Criteria.ConfidenceThreshold)
				} else {
					fmt.Println("Skill: none")
				}
				fmt.Printf("Candidates: %d pending, %d moved, %d rejected\n", state.Stats.Pending, state.Stats.Moved, state.Stats.Rejected)
				return nil
			})
		},
	}
}

func pollCmd() *cobra.Command {
	var connectionID string
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Run one poll cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				caller := envCaller(rt)
				var res engine.PollResult
				var err error
				if connectionID == "" {
					res, err = rt.Engine.PollActive(ctx, caller)
				} else {
					res, err = rt.Engine.Poll(ctx, caller, connectionID)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Evaluated %d new tasks: %d pending, %d recorded, %d unscored, %d discarded replies\n",
					res.Evaluated, res.NewCandidates, res.Recorded, res.Unscored, res.Discarded)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&connectionID, "connection", "", "connection id (default: active)")
	return cmd
}

func candidatesCmd() *cobra.Command {
	var connectionID, status string
	cmd := &cobra.Command{
		Use:   "candidates",
		Short: "List candidates, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				caller := envCaller(rt)
				id, err := resolveConnection(ctx, rt, caller, connectionID)
				if err != nil {
					return err
				}
				items, err := rt.Engine.ListCandidates(ctx, caller, id, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Task", "Score", "Status", "Reasoning"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, clip(c.TaskName, 40), fmt.Sprintf("%.2f", c.AIScore), c.Status, clip(c.AIReasoning, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&connectionID, "connection", "", "connection id (default: active)")
	cmd.Flags().StringVar(&status, "status", "pending", "status filter (all|pending|approved|rejected|moved)")
	return cmd
}

func reviewCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:       "review <candidate-id> <approve|reject>",
		Short:     "Approve or reject a pending candidate",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{string(domain.ActionApprove), string(domain.ActionReject)},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				res, err := rt.Engine.Review(ctx, envCaller(rt), args[0], domain.ReviewAction(strings.ToLower(args[1])), comment)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Candidate %s is now %s\n", res.CandidateID, res.Status)
				if res.SkillRefined {
					fmt.Printf("Skill refined to v%d\n", res.SkillVersion)
				}
				if res.RefinementError != "" {
					fmt.Printf("Skill refinement failed and will be retried on the next review: %s\n", res.RefinementError)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "reviewer comment fed into refinement")
	return cmd
}

func skillCmd() *cobra.Command {
	var connectionID string
	var history bool
	cmd := &cobra.Command{
		Use:   "skill",
		Short: "Show the current skill",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				caller := envCaller(rt)
				id, err := resolveConnection(ctx, rt, caller, connectionID)
				if err != nil {
					return err
				}
				if history {
					skills, err := rt.Engine.ListSkills(ctx, caller, id)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(skills)
					}
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Version", "Created", "Threshold", "Rules", "Summary"})
					for _, s := range skills {
						tw.AppendRow(table.Row{s.Version, s.CreatedAt, fmt.Sprintf("%.2f", s.Criteria.ConfidenceThreshold), len(s.Criteria.LearnedRules), clip(s.Criteria.Summary, 60)})
					}
					tw.Render()
					return nil
				}
				view, err := rt.Engine.GetSkill(ctx, caller, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				printSkill(view.Skill)
				fmt.Printf("(%d versions)\n", view.TotalVersions)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&connectionID, "connection", "", "connection id (default: active)")
	cmd.Flags().BoolVar(&history, "history", false, "list every version")

	bootstrap := &cobra.Command{
		Use:   "bootstrap",
		Short: "Retry skill v1 for a connection left without one",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				caller := envCaller(rt)
				id, err := resolveConnection(ctx, rt, caller, connectionID)
				if err != nil {
					return err
				}
				skill, err := rt.Engine.Bootstrap(ctx, caller, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(skill)
				}
				printSkill(skill)
				return nil
			})
		},
	}
	cmd.AddCommand(bootstrap)
	return cmd
}

func tokenCmd() *cobra.Command {
	var tokenActor string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "DEV ONLY: mint a bearer token for the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			actor := tokenActor
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			token, err := server.SignDevToken(viper.GetString("jwt-secret"), actor, time.Now())
			if err != nil {
				return errors.WithHint(err, "export SIFT_JWT_SECRET=<same value as the server>")
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token, "actor_id": actor})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&tokenActor, "actor", "", "actor the token is minted for (default --actor-id)")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "Config lives in tasksift.yml in the workspace. Every key is optional; missing keys use the defaults printed by 'sift config init'.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if cfg.Board.OAuth.ClientSecret != "" {
				cfg.Board.OAuth.ClientSecret = "redacted"
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate tasksift.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
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

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default tasksift.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return errors.WithHint(errors.Newf("%s already exists", path), "pass --force to overwrite")
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		LogLevel:  viper.GetString("log-level"),
	})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

// envCaller reads the static credentials from SIFT_* variables.
func envCaller(rt *app.Runtime) engine.Caller {
	return rt.Caller(viper.GetString("actor-id"), credentials.Static{
		Board:              credentials.Secret(viper.GetString("board-token")),
		ClassifierProvider: viper.GetString("classifier-provider"),
		ClassifierKey:      credentials.Secret(viper.GetString("classifier-key")),
	})
}

func resolveConnection(ctx context.Context, rt *app.Runtime, caller engine.Caller, id string) (string, error) {
	if id = strings.TrimSpace(id); id != "" {
		return id, nil
	}
	state, err := rt.Engine.ActiveState(ctx, caller)
	if err != nil {
		return "", err
	}
	if state.Connection == nil {
		return "", errors.WithHint(errors.New("no active connection"), "pair projects with: sift connect --source <id> --dest <id>")
	}
	return state.Connection.ID, nil
}

func printSkill(s domain.Skill) {
	c := s.Criteria
	fmt.Printf("Skill v%d: %s\n", s.Version, c.Summary)
	fmt.Printf("  threshold: %.2f\n", c.ConfidenceThreshold)
	fmt.Printf("  include themes: %s\n", strings.Join(c.IncludePatterns.Themes, ", "))
	fmt.Printf("  include keywords: %s\n", strings.Join(c.IncludePatterns.Keywords, ", "))
	fmt.Printf("  exclude themes: %s\n", strings.Join(c.ExcludePatterns.Themes, ", "))
	for _, r := range c.LearnedRules {
		fmt.Printf("  rule: %s\n", r)
	}
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
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
