package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"syncline/internal/app"
	"syncline/internal/config"
	"syncline/internal/domain"
	"syncline/internal/liveclient"
	"syncline/internal/protocol"
	"syncline/internal/repo"
	"syncline/internal/server"
	synclinesdk "syncline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Syncline CLI",
	Long: `Syncline keeps workflow, story and project views consistent in realtime.
- Workspace: a directory holding syncline.yml and .syncline/syncline.db.
- Hub: the in-process publisher; every accepted change becomes an event with a replayable id.
- Gateway: the WebSocket at /ws; sessions subscribe to workflow, story, project and sync topics.
- Staleness: a topic is stale until a snapshot or a fresh event proves it current; silent sessions are evicted.
- Consistency monitor: compares story and workflow views per project and reports drift as warnings.
Remote commands (workflow, story, sync, watch) talk to a running 'sl serve' via --server.`,
	SilenceUsage: true,
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
	viper.SetEnvPrefix("SYNCLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("server", "http://127.0.0.1:8080", "syncline server URL for remote commands")
	rootCmd.PersistentFlags().String("token", "", "bearer token for remote commands")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	for _, name := range []string{"workspace", "json", "server", "token", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(storyCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create syncline.yml and the seeded workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path, err := app.InitWorkspace(workspace, force)
			if err != nil {
				return err
			}
			ws, err := app.OpenWorkspace(cmd.Context(), workspace, nil, newLogger())
			if err != nil {
				return err
			}
			defer ws.Close()
			fmt.Printf("Wrote %s\n", path)
			if ws.Seeded {
				fmt.Println("Seeded demo projects, stories and workflows")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing syncline.yml")
	return cmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the realtime gateway and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			applyServeOverrides(cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			ws, err := app.OpenWorkspace(cmd.Context(), viper.GetString("workspace"), cfg, logger)
			if err != nil {
				return err
			}
			defer ws.Close()
			rt, err := app.NewRuntime(ws, logger)
			if err != nil {
				return err
			}
			fmt.Printf("Serving Syncline on http://%s%s (WebSocket at /ws, Swagger UI at /docs)\n", cfg.Server.Addr, cfg.Server.BasePath)
			return rt.ListenAndServe(cmd.Context(), cfg.Server.Addr)
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	cmd.Flags().String("base-path", "", "API base path (overrides server.base_path)")
	cmd.Flags().Bool("kanban-editable", false, "allow story status changes from the API")
	cmd.Flags().Bool("simulate", false, "run the transition simulator")
	cmd.Flags().Duration("simulate-interval", 0, "simulator step interval")
	for _, name := range []string{"addr", "base-path", "kanban-editable", "simulate", "simulate-interval"} {
		_ = viper.BindPFlag(name, cmd.Flags().Lookup(name))
	}
	return cmd
}

// applyServeOverrides layers flags and SYNCLINE_* env over the file config.
func applyServeOverrides(cfg *config.Config) {
	if v := viper.GetString("addr"); v != "" {
		cfg.Server.Addr = v
	}
	if v := viper.GetString("base-path"); v != "" {
		cfg.Server.BasePath = v
	}
	if viper.IsSet("kanban-editable") {
		cfg.Kanban.Editable = viper.GetBool("kanban-editable")
	}
	if viper.IsSet("simulate") {
		cfg.Simulator.Enabled = viper.GetBool("simulate")
	}
	if d := viper.GetDuration("simulate-interval"); d > 0 {
		cfg.Simulator.Interval = d
	}
	if secret := viper.GetString("jwt-secret"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{Use: "workflow", Short: "Inspect and transition workflows"}
	wf.AddCommand(workflowListCmd())
	wf.AddCommand(workflowShowCmd())
	wf.AddCommand(workflowTransitionsCmd())
	wf.AddCommand(workflowTransitionCmd())
	return wf
}

func workflowListCmd() *cobra.Command {
	var f synclinesdk.WorkflowFilter
	var statuses string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			if statuses != "" {
				f.Statuses = strings.Split(statuses, ",")
			}
			page, err := newClient().ListWorkflows(cmd.Context(), f)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(page)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"ID", "Name", "Owner", "Status", "Last transition"})
			for _, w := range page.Items {
				tw.AppendRow(table.Row{w.ID, w.Name, w.OwnerID, w.Status, w.LastTransitionAt})
			}
			tw.AppendFooter(table.Row{"", "", "", "Total", page.Total})
			fmt.Println(tw.Render())
			return nil
		},
	}
	cmd.Flags().StringVar(&statuses, "status", "", "comma separated statuses")
	cmd.Flags().StringVar(&f.OwnerID, "owner", "", "owner id")
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id")
	cmd.Flags().IntVar(&f.Page, "page", 0, "page number")
	cmd.Flags().IntVar(&f.PageSize, "page-size", 0, "page size (max 100)")
	return cmd
}

func workflowShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := newClient().GetWorkflow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(w)
			}
			story := "-"
			if w.StoryID != nil {
				story = *w.StoryID
			}
			tw := newTable()
			tw.AppendRows([]table.Row{
				{"ID", w.ID},
				{"Name", w.Name},
				{"Project", w.ProjectID},
				{"Story", story},
				{"Owner", w.OwnerID},
				{"Status", w.Status},
				{"Last transition", w.LastTransitionAt},
			})
			fmt.Println(tw.Render())
			return nil
		},
	}
}

func workflowTransitionsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "transitions <id>",
		Short: "List a workflow's transition history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := newClient().ListTransitions(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := newTable()
			tw.AppendHeader(table.Row{"ID", "From", "To", "At", "Actor", "Reason"})
			for _, t := range items {
				tw.AppendRow(table.Row{t.ID, deref(t.FromStatus), t.ToStatus, t.OccurredAtUTC, t.ActorID, deref(t.Reason)})
			}
			fmt.Println(tw.Render())
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "number of transitions (max 250)")
	return cmd
}

func workflowTransitionCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "transition <id> <status>",
		Short: "Transition a workflow and publish it to live sessions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newClient().TransitionWorkflow(cmd.Context(), args[0], args[1], reason)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			fmt.Printf("%s: %s -> %s (%s)\n", res.Workflow.ID, deref(res.Transition.FromStatus), res.Transition.ToStatus, res.Transition.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "transition reason")
	return cmd
}

func storyCmd() *cobra.Command {
	st := &cobra.Command{Use: "story", Short: "Change stories"}
	var reason string
	status := &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Move a story (requires kanban editable mode on the server)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			change, err := newClient().UpdateStoryStatus(cmd.Context(), args[0], args[1], reason)
			if err != nil {
				if synclinesdk.IsCode(err, server.CodeForbidden) {
					return fmt.Errorf("%w (start the server with --kanban-editable)", err)
				}
				return err
			}
			if viper.GetBool("json") {
				return printJSON(change)
			}
			fmt.Printf("%s: %s (column %s)\n", change.Story.ID, change.Story.Status, change.Story.KanbanColumn)
			for _, u := range change.WorkflowUpdates {
				fmt.Printf("  %s -> %s\n", u.Workflow.ID, u.Workflow.Status)
			}
			return nil
		},
	}
	status.Flags().StringVar(&reason, "reason", "", "change reason")
	st.AddCommand(status)
	return st
}

func syncCmd() *cobra.Command {
	sc := &cobra.Command{Use: "sync", Short: "Inspect sync health"}
	sc.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show module sync status and consistency warnings",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			status, err := client.SyncStatus(cmd.Context())
			if err != nil {
				return err
			}
			rt, err := client.RealtimeStatus(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"sync": status, "realtime": rt})
			}
			tw := newTable()
			tw.SetTitle("Modules (checked %s)", status.CheckedAtUTC)
			tw.AppendHeader(table.Row{"Module", "Status", "Last success", "Stale reason", "Error"})
			for _, m := range status.Modules {
				tw.AppendRow(table.Row{moduleLabel(m.Module), m.Status, deref(m.LastSuccessfulSyncAtUTC), deref(m.StaleReason), deref(m.ErrorMessage)})
			}
			fmt.Println(tw.Render())
			if len(status.Warnings) > 0 {
				ww := newTable()
				ww.SetTitle("Consistency warnings")
				ww.AppendHeader(table.Row{"Module", "Message"})
				for _, w := range status.Warnings {
					ww.AppendRow(table.Row{moduleLabel(w.Module), w.Message})
				}
				fmt.Println(ww.Render())
			}
			fmt.Printf("Realtime: version %d, log %d/%d, %d sessions (%.0f%% stale), heartbeat timeout %s\n",
				rt.Version, rt.LogSize, rt.LogCapacity, rt.Sessions, rt.StaleSessionRatio*100, rt.HeartbeatTimeout)
			return nil
		},
	})
	return sc
}

func watchCmd() *cobra.Command {
	var topics []string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the realtime stream and render module staleness",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			mods := protocol.Topics
			if len(topics) > 0 {
				mods = make([]domain.Module, 0, len(topics))
				for _, t := range topics {
					mods = append(mods, domain.Module(strings.TrimSpace(t)))
				}
			}
			sdk := newClient()
			opts := liveclient.Options{
				URL:                  sdk.WebSocketURL(),
				Token:                viper.GetString("token"),
				Topics:               mods,
				HeartbeatInterval:    cfg.Client.HeartbeatInterval,
				MaxReconnectAttempts: cfg.Client.MaxReconnectAttempts,
				Backoff: liveclient.Backoff{
					Base:        cfg.Client.Backoff.Base,
					Max:         cfg.Client.Backoff.Max,
					MaxExponent: cfg.Client.Backoff.MaxExponent,
					Jitter:      cfg.Client.Backoff.Jitter,
				},
				Logger: newLogger(),
			}
			store := liveclient.NewStore(liveclient.NewState(opts.Topics))
			changed := make(chan struct{}, 1)
			store.OnChange(func(liveclient.State) {
				select {
				case changed <- struct{}{}:
				default:
				}
			})
			client := liveclient.New(opts, store)
			client.Start(cmd.Context())
			defer client.Close()

			done := make(chan error, 1)
			go func() { done <- client.Wait() }()
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case err := <-done:
					return err
				case <-changed:
					if err := renderWatch(store.State()); err != nil {
						return err
					}
				}
			}
		},
	}
	cmd.Flags().StringSliceVar(&topics, "topic", nil, "topics to subscribe (default all)")
	return cmd
}

func renderWatch(s liveclient.State) error {
	if viper.GetBool("json") {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{
			"connected":      s.Connected,
			"stale":          s.Stale(),
			"lastAckEventId": s.LastAckEventID,
			"modules":        s.Modules,
			"workflows":      len(s.Workflows),
		})
	}
	conn := "connected"
	if !s.Connected {
		conn = fmt.Sprintf("disconnected (attempt %d, retry in %s)", s.ReconnectAttempt, s.NextReconnectIn.Round(time.Millisecond))
	}
	tw := newTable()
	tw.SetTitle("%s | last event %s | %d workflows", conn, deref(s.LastAckEventID), len(s.Workflows))
	tw.AppendHeader(table.Row{"Module", "Stale", "Last sync", "Last update"})
	mods := make([]string, 0, len(s.Modules))
	for m := range s.Modules {
		mods = append(mods, string(m))
	}
	sort.Strings(mods)
	for _, m := range mods {
		ms := s.Modules[domain.Module(m)]
		tw.AppendRow(table.Row{moduleLabel(m), ms.Stale, deref(ms.LastSuccessfulSyncAt), deref(ms.LastSuccessfulUpdateAt)})
	}
	fmt.Println(tw.Render())
	return nil
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Read the audit log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit events from the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, ws *app.Workspace) error {
				events, err := ws.Engine.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id")
	return cmd
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Inspect workspace config"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate syncline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := config.FromFile(path); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Printf("%s is valid\n", path)
			return nil
		},
	})
	return cfgCmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with auth.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			secret := cfg.Auth.JWTSecret
			if v := viper.GetString("jwt-secret"); v != "" {
				secret = v
			}
			token, err := server.IssueToken(secret, subject, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "local-user", "actor id carried in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

// --- helpers ---

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func loadConfig() (*config.Config, error) {
	return config.Load(viper.GetString("workspace"))
}

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	ws, err := app.OpenWorkspace(ctx, viper.GetString("workspace"), nil, newLogger())
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ctx, ws)
}

func newClient() *synclinesdk.Client {
	c := synclinesdk.New(viper.GetString("server"))
	c.BearerToken = viper.GetString("token")
	if cfg, err := loadConfig(); err == nil && cfg.Server.BasePath != "" {
		c.BasePath = cfg.Server.BasePath
	}
	return c
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	return tw
}

var titleCaser = cases.Title(language.English)

func moduleLabel(m string) string {
	return titleCaser.String(m)
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
