package main

import (
	"bufio"
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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"classboard/internal/app"
	"classboard/internal/config"
	"classboard/internal/db"
	"classboard/internal/domain"
	"classboard/internal/logger"
	"classboard/internal/stream"
)

var rootCmd = &cobra.Command{
	Use:   "cb",
	Short: "Classboard CLI",
	Long: `Classboard keeps a live copy of a class task board.
Core concepts:
- Workspace: a directory holding classboard.yml and the .classboard state database (session, cached board, event journal).
- Tasks move through stages todo -> requirements -> design -> implementation -> testing -> review -> done.
- Help requests are raised by students on a task and resolved by teachers; once resolved they stay resolved.
- Watch: 'cb watch' follows the server event stream, falls back to polling while the stream is down and can serve a local mirror API.
- Event log: every stream event received while watching, view with 'cb log tail'.`,
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
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CLASSBOARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("base-url", "", "server base URL (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("base-url", rootCmd.PersistentFlags().Lookup("base-url"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(helpCmd())
	rootCmd.AddCommand(adminCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(logCmd())
}

// --- config ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage classboard.yml",
		Long:  "Config is the workspace classboard.yml: server URL, stream reconnect policy, polling fallback, command timeout, logging and webhooks.",
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
		Short: "Write a default classboard.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			baseURL := viper.GetString("base-url")
			if baseURL == "" {
				baseURL = "http://localhost:8000"
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(baseURL)), 0o644); err != nil {
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
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate classboard.yml",
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

// --- session ---

func loginCmd() *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the session in the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" {
				return fmt.Errorf("--username required")
			}
			if password == "" {
				password = viper.GetString("password")
			}
			if password == "" {
				p, err := readLine("password: ")
				if err != nil {
					return err
				}
				password = p
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				user, err := a.Session.Login(ctx, username, password)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(user)
				}
				fmt.Printf("logged in as %s (%s)\n", user.Username, roleOf(user))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "username")
	cmd.Flags().StringVar(&password, "password", "", "password (or CLASSBOARD_PASSWORD, or prompt)")
	return cmd
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Session.Logout(ctx); err != nil {
					return err
				}
				fmt.Println("logged out")
				return nil
			})
		},
	}
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the logged-in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, a *app.App) error {
				user, err := a.API.Me(ctx)
				if err != nil {
					return err
				}
				_ = a.Tokens.SetUser(ctx, user)
				out := map[string]any{"user": user, "session_id": a.Tokens.SessionID()}
				if claims, err := a.Tokens.Claims(); err == nil && claims.ExpiresAt != nil {
					out["expires_at"] = claims.ExpiresAt.UTC().Format(time.RFC3339)
				}
				return printJSONOrTable(out)
			})
		},
	}
}

// --- tasks ---

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Work with tasks"}
	t.AddCommand(taskListCmd())
	t.AddCommand(taskShowCmd())
	t.AddCommand(taskMoveCmd())
	t.AddCommand(taskHelpCmd())
	t.AddCommand(taskDeleteCmd())
	return t
}

func taskListCmd() *cobra.Command {
	var stage string
	var delayed, offline bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			var want domain.Stage
			if stage != "" {
				st, err := domain.ParseStage(stage)
				if err != nil {
					return err
				}
				want = st
			}
			run := withSession
			if offline {
				run = withApp
			}
			return run(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if !offline {
					if _, err := a.Board.FetchTasks(ctx); err != nil {
						return err
					}
				}
				var tasks []domain.Task
				for _, t := range a.Board.Tasks.List() {
					if want != "" && t.Stage != want {
						continue
					}
					if delayed && !t.IsDelayed {
						continue
					}
					tasks = append(tasks, t)
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Stage", "Delayed", "Help"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Stage, flag(t.IsDelayed), flag(t.HelpNeeded)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "stage filter")
	cmd.Flags().BoolVar(&delayed, "delayed", false, "only delayed tasks")
	cmd.Flags().BoolVar(&offline, "offline", false, "list the cached board without contacting the server")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.API.Task(ctx, id)
				if err != nil {
					return err
				}
				a.Board.Tasks.Upsert(t)
				return printJSONOrTable(t)
			})
		},
	}
}

func taskMoveCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "move <id> <stage>",
		Short: "Move a task to another stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			stage, err := domain.ParseStage(args[1])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := ensureTaskCached(ctx, a, id); err != nil {
					return err
				}
				t, err := a.Board.MoveStage(ctx, id, stage, comment)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "comment recorded with the stage change")
	return cmd
}

func taskHelpCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "help <id>",
		Short: "Ask for help on a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := ensureTaskCached(ctx, a, id); err != nil {
					return err
				}
				t, err := a.Board.RequestHelp(ctx, id, message)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "what you need help with")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Board.DeleteTask(ctx, id); err != nil {
					return err
				}
				fmt.Printf("deleted task %d\n", id)
				return nil
			})
		},
	}
}

// --- help requests ---

func helpCmd() *cobra.Command {
	h := &cobra.Command{Use: "help-request", Aliases: []string{"hr"}, Short: "Work with help requests"}
	h.AddCommand(helpListCmd())
	h.AddCommand(helpCreateCmd())
	h.AddCommand(helpResolveCmd())
	return h
}

func helpListCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List help requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resolved *bool
			switch state {
			case "open":
				v := false
				resolved = &v
			case "resolved":
				v := true
				resolved = &v
			case "all", "":
			default:
				return fmt.Errorf("--state must be open, resolved or all")
			}
			return withSession(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Board.FetchHelpRequests(ctx, resolved)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Task", "Student", "Requested", "Resolved", "Message"})
				for _, hr := range items {
					task := hr.TaskTitle
					if task == "" {
						task = strconv.FormatInt(hr.TaskID, 10)
					}
					tw.AppendRow(table.Row{hr.ID, task, hr.Username, hr.RequestedAt, flag(hr.Resolved), deref(hr.Message)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "open", "open, resolved or all")
	return cmd
}

func helpCreateCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "create <task-id>",
		Short: "Open a help request on a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, a *app.App) error {
				hr, err := a.Board.CreateHelpRequest(ctx, taskID, message)
				if err != nil {
					return err
				}
				return printJSONOrTable(hr)
			})
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "what you need help with")
	return cmd
}

func helpResolveCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve a help request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, a *app.App) error {
				hr, err := a.Board.ResolveHelpRequest(ctx, id, message)
				if err != nil {
					return err
				}
				return printJSONOrTable(hr)
			})
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "resolution note")
	return cmd
}

// --- admin ---

func adminCmd() *cobra.Command {
	adm := &cobra.Command{Use: "admin", Short: "Administration (admin role required)"}
	adm.AddCommand(adminUsersCmd())
	adm.AddCommand(adminClassesCmd())
	adm.AddCommand(adminPendingCmd())
	adm.AddCommand(adminDecisionCmd("approve", "Approve a pending teacher"))
	adm.AddCommand(adminDecisionCmd("reject", "Reject a pending teacher"))
	adm.AddCommand(adminStatsCmd())
	return adm
}

func adminUsersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, a *app.App) error {
				users, err := a.API.Users(ctx)
				if err != nil {
					return err
				}
				return printUsers(users)
			})
		},
	}
}

func adminPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List teachers awaiting approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, a *app.App) error {
				users, err := a.API.PendingTeachers(ctx)
				if err != nil {
					return err
				}
				return printUsers(users)
			})
		},
	}
}

func adminClassesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classes",
		Short: "List classes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, a *app.App) error {
				classes, err := a.API.Classes(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(classes)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Students", "Description"})
				for _, c := range classes {
					tw.AppendRow(table.Row{c.ID, c.Name, c.StudentCount, deref(c.Description)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func adminDecisionCmd(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <user-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withSession(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if verb == "approve" {
					err = a.API.ApproveTeacher(ctx, id)
				} else {
					err = a.API.RejectTeacher(ctx, id)
				}
				if err != nil {
					return err
				}
				fmt.Printf("%sd teacher %d\n", verb, id)
				return nil
			})
		},
	}
}

func adminStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show platform statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, a *app.App) error {
				stats, err := a.API.StatsOverview(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(stats)
			})
		},
	}
}

// --- watch ---

func watchCmd() *cobra.Command {
	var addr string
	var quiet bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the live event stream",
		Long:  "Watch connects to the server event stream, keeps the local board current, polls while the stream is down and forwards events to configured webhooks. With --serve it also exposes the board as a local HTTP API (OpenAPI at /v0/openapi.json, Swagger UI at /docs, Prometheus metrics at /metrics).",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if !quiet {
					id := a.Stream.AddListener(stream.AllEvents, printEvent)
					defer a.Stream.RemoveListener(stream.AllEvents, id)
				}
				if err := a.Live(ctx); err != nil {
					return err
				}
				if addr != "" {
					handler, err := a.Mirror(viper.GetString("serve-token"))
					if err != nil {
						return err
					}
					srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
					go func() {
						if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
							a.Log.Error("mirror server", zap.Error(err))
						}
					}()
					defer func() {
						sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
						defer cancel()
						srv.Shutdown(sctx)
					}()
					fmt.Fprintf(os.Stderr, "Serving mirror API on http://%s/v0 (Swagger UI at /docs)\n", addr)
				}
				select {
				case <-ctx.Done():
					return nil
				case <-a.Expired():
					return fmt.Errorf("session expired; run cb login")
				}
			})
		},
	}
	cmd.Flags().StringVar(&addr, "serve", "", "serve the mirror API on this address, e.g. 127.0.0.1:8080")
	cmd.Flags().String("serve-token", "", "bearer token required by the mirror API (or CLASSBOARD_SERVE_TOKEN)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print events")
	_ = viper.BindPFlag("serve-token", cmd.Flags().Lookup("serve-token"))
	return cmd
}

func printEvent(evt stream.Event) {
	if viper.GetBool("json") {
		_ = json.NewEncoder(os.Stdout).Encode(map[string]any{
			"type":     evt.Type,
			"data":     evt.Data,
			"code":     evt.Code,
			"attempt":  evt.Attempt,
			"retry_in": evt.RetryIn.String(),
		})
		return
	}
	ts := time.Now().Format("15:04:05")
	switch evt.Type {
	case stream.EventDisconnected:
		if evt.RetryIn > 0 {
			fmt.Printf("%s  disconnected (code %d); retry %d in %s\n", ts, evt.Code, evt.Attempt, evt.RetryIn)
			return
		}
		fmt.Printf("%s  disconnected (code %d)\n", ts, evt.Code)
	case stream.EventConnectionFailed:
		fmt.Printf("%s  connection failed after %d attempts; polling\n", ts, evt.Attempt)
	case stream.TypeUnknown:
		fmt.Printf("%s  unknown event %q\n", ts, evt.RawType)
	default:
		if len(evt.Data) > 0 {
			fmt.Printf("%s  %s %s\n", ts, evt.Type, evt.Data)
			return
		}
		fmt.Printf("%s  %s\n", ts, evt.Type)
	}
}

// --- log ---

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the local event journal"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent stream events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Kind", "Entity"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind, e.EntityID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind (task, help_request)")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if u := viper.GetString("base-url"); u != "" {
		cfg.Server.BaseURL = u
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
	if err != nil {
		return err
	}
	a, err := app.Bootstrap(ctx, app.Options{Workspace: viper.GetString("workspace"), Config: cfg, Logger: log})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withSession(ctx context.Context, fn func(context.Context, *app.App) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		if err := a.RequireSession(); err != nil {
			return err
		}
		return fn(ctx, a)
	})
}

func ensureTaskCached(ctx context.Context, a *app.App, id int64) error {
	if _, ok := a.Board.Tasks.Get(id); ok {
		return nil
	}
	t, err := a.API.Task(ctx, id)
	if err != nil {
		return err
	}
	a.Board.Tasks.Upsert(t)
	return nil
}

func printUsers(users []domain.User) error {
	if viper.GetBool("json") {
		return printJSON(users)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Username", "Name", "Role", "Approval"})
	for _, u := range users {
		tw.AppendRow(table.Row{u.ID, u.Username, deref(u.FullName), roleOf(u), deref(u.ApprovalStatus)})
	}
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

func readLine(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func roleOf(u domain.User) string {
	switch {
	case u.IsAdmin || u.Role == domain.RoleAdmin:
		return "admin"
	case u.IsTeacher || u.Role == domain.RoleTeacher:
		return "teacher"
	default:
		return "student"
	}
}

func flag(b bool) string {
	if b {
		return "yes"
	}
	return ""
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
