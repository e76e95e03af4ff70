package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"carecircle/internal/config"
	"carecircle/internal/db"
	"carecircle/internal/ledger"
	"carecircle/internal/migrate"
	"carecircle/internal/mirror"
	"carecircle/internal/orchestrator"
	"carecircle/internal/server"
	carecirclesdk "carecircle/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "cc",
	Short: "CareCircle CLI",
	Long: `CareCircle coordinates caregiving circles: groups of people sharing tasks
around a person who needs support.
- Workspace: your .carecircle directory holding the ledger and the mirror.
- Ledger: the authoritative record. Every change is checked against the
  rules (owner manages members, only the assignee completes a task) and
  written together with an event carrying a proof reference.
- Mirror: a fast read cache refreshed after each change. If the mirror is
  unreachable your change still lands on the ledger; reads just lag.
- Circles: one owner, many members; members are deactivated, never erased.
- Tasks: created by an active member, assigned to an active member,
  completed exactly once by whoever holds the assignment.
- Event log: the diary of everything that happened, view with 'cc log tail'.`,
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
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CARECIRCLE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "", "acting address")
	rootCmd.PersistentFlags().String("mirror-url", "", "remote mirror base URL (default: local cache)")
	rootCmd.PersistentFlags().String("api-key", "", "API key for a remote mirror")
	rootCmd.PersistentFlags().String("token", "", "bearer token for a remote mirror")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
	_ = viper.BindPFlag("mirror-url", rootCmd.PersistentFlags().Lookup("mirror-url"))
	_ = viper.BindPFlag("api-key", rootCmd.PersistentFlags().Lookup("api-key"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}

func registerCommands() {
	rootCmd.AddCommand(circleCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func circleCmd() *cobra.Command {
	c := &cobra.Command{Use: "circle", Short: "Manage circles"}
	c.AddCommand(circleCreateCmd())
	c.AddCommand(circleShowCmd())
	c.AddCommand(circleListCmd())
	return c
}

func circleCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a circle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				circle, rc, err := o.CreateCircle(ctx, actor(), name)
				if err != nil {
					return err
				}
				warnStale(rc)
				return printJSONOrTable(circle)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "circle name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func circleShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a circle from the mirror",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				circle, err := o.GetCircle(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(circle)
			})
		},
	}
	return cmd
}

func circleListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List circles from the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				circles, err := l.ListCircles(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(circles)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Owner", "Members", "Tasks"})
				for _, c := range circles {
					tw.AppendRow(table.Row{c.ID, c.Name, c.Owner, c.MemberCount, c.TaskCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func memberCmd() *cobra.Command {
	m := &cobra.Command{
		Use:   "member",
		Short: "Manage circle members",
		Long:  "Only the circle owner adds or removes members. Removal deactivates the membership; open tasks stay assigned until reassigned.",
	}
	m.AddCommand(memberAddCmd())
	m.AddCommand(memberRemoveCmd())
	m.AddCommand(memberListCmd())
	return m
}

func memberAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <circle-id> <address>",
		Short: "Add a member",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			circleID, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				member, rc, err := o.AddMember(ctx, actor(), circleID, args[1])
				if err != nil {
					return err
				}
				warnStale(rc)
				return printJSONOrTable(member)
			})
		},
	}
	return cmd
}

func memberRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <circle-id> <address>",
		Short: "Remove a member",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			circleID, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				member, rc, err := o.RemoveMember(ctx, actor(), circleID, args[1])
				if err != nil {
					return err
				}
				warnStale(rc)
				return printJSONOrTable(member)
			})
		},
	}
	return cmd
}

func memberListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <circle-id>",
		Short: "List members from the mirror",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			circleID, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				members, err := o.ListMembers(ctx, circleID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(members)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Address", "Owner", "Active", "Completed"})
				for _, m := range members {
					tw.AppendRow(table.Row{m.Address, m.IsOwner, m.IsActive, m.TasksCompleted})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks belong to a circle and carry a priority from 0 (low) to 3 (urgent). Only the current assignee completes a task; the creator or the owner may reassign an open one.",
	}
	t.AddCommand(taskCreateCmd())
	t.AddCommand(taskCompleteCmd())
	t.AddCommand(taskReassignCmd())
	t.AddCommand(taskListCmd())
	return t
}

func taskCreateCmd() *cobra.Command {
	var opts ledger.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.AssignedTo == "" {
				opts.AssignedTo = actor()
			}
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				task, rc, err := o.CreateTask(ctx, actor(), opts)
				if err != nil {
					return err
				}
				warnStale(rc)
				return printJSONOrTable(task)
			})
		},
	}
	cmd.Flags().Int64Var(&opts.CircleID, "circle", 0, "circle id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.AssignedTo, "assignee", "", "assignee address (defaults to actor)")
	cmd.Flags().IntVar(&opts.Priority, "priority", 0, "priority 0-3")
	_ = cmd.MarkFlagRequired("circle")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				task, rc, err := o.CompleteTask(ctx, actor(), id)
				if err != nil {
					return err
				}
				warnStale(rc)
				return printJSONOrTable(task)
			})
		},
	}
	return cmd
}

func taskReassignCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "reassign <id>",
		Short: "Reassign an open task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				task, rc, err := o.ReassignTask(ctx, actor(), id, to)
				if err != nil {
					return err
				}
				warnStale(rc)
				return printJSONOrTable(task)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "new assignee address")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func taskListCmd() *cobra.Command {
	var circleID int64
	var assignee string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks from the mirror",
		RunE: func(cmd *cobra.Command, args []string) error {
			if circleID == 0 && assignee == "" {
				return fmt.Errorf("--circle or --assignee required")
			}
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				var tasks []mirror.Task
				var err error
				if circleID != 0 {
					tasks, err = o.ListTasks(ctx, circleID)
				} else {
					tasks, err = o.ListTasksByAssignee(ctx, assignee)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Assignee", "Priority", "Done"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.AssignedTo, t.Priority, t.Completed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&circleID, "circle", 0, "circle id")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee address")
	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats <circle-id>",
		Short: "Show circle aggregates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			circleID, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withOrchestrator(cmd.Context(), func(ctx context.Context, o *orchestrator.Orchestrator) error {
				stats, err := o.CircleStats(ctx, circleID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				fmt.Printf("Tasks: %d total, %d completed, %d open (%d%%)\n",
					stats.TotalTasks, stats.CompletedTasks, stats.OpenTasks, stats.CompletionRate)
				fmt.Printf("Members: %d\n", stats.MemberCount)
				return nil
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show ledger totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				stats, err := l.Stats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				fmt.Printf("Circles: %d\n", stats.TotalCircles)
				fmt.Printf("Tasks:   %d (%d completed)\n", stats.TotalTasks, stats.TotalCompletions)
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var circleID int64
	var n int
	var cursor int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail ledger events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(ctx context.Context, l ledger.Ledger) error {
				events, err := l.ListEvents(ctx, circleID, n, cursor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Kind", "Circle", "Actor", "Ref"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Kind, e.CircleID, e.Actor, e.Ref})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&circleID, "circle", 0, "circle filter (0 for all)")
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&cursor, "cursor", 0, "return events older than this id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the mirror HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Listen = addr
			}
			if cmd.Flags().Changed("base-path") {
				cfg.Server.BasePath = basePath
			}
			if secret := os.Getenv("CARECIRCLE_JWT_SECRET"); secret != "" {
				cfg.Server.Auth.JWTSecret = secret
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			conn, err := db.OpenMirror(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Mirror(conn); err != nil {
				return err
			}
			store := &mirror.Store{DB: conn}
			handler, err := server.New(server.Config{
				Store:    store,
				BasePath: cfg.Server.BasePath,
				Auth: server.AuthConfig{
					JWTSecret:      cfg.Server.Auth.JWTSecret,
					AllowAnonymous: cfg.Server.Auth.AllowAnonymous,
				},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Listen, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving CareCircle mirror on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", cfg.Server.Listen, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8420", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage mirror API keys",
	}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var address, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (prints the secret once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if address == "" {
				return fmt.Errorf("--address required")
			}
			return withStore(cmd.Context(), func(ctx context.Context, store *mirror.Store) error {
				secret := uuid.NewString()
				key := mirror.APIKey{
					ID:      uuid.NewString(),
					Address: address,
					Name:    name,
					KeyHash: mirror.HashAPIKey(secret),
				}
				if err := store.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "address": key.Address, "key": secret})
				}
				fmt.Printf("API key %s for %s\n", key.ID, key.Address)
				fmt.Printf("Secret (save it, it is not stored): %s\n", secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "address the key acts as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store *mirror.Store) error {
				keys, err := store.ListAPIKeys(ctx, address)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Address", "Name", "Created"})
				for _, key := range keys {
					tw.AppendRow(table.Row{key.ID, key.Address, key.Name, key.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "filter by address")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store *mirror.Store) error {
				return store.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

// --- helpers ---

// withOrchestrator opens the ledger and pairs it with a mirror: the local
// cache by default, or a remote one when --mirror-url is set.
func withOrchestrator(ctx context.Context, fn func(context.Context, *orchestrator.Orchestrator) error) error {
	workspace := viper.GetString("workspace")
	ldb, err := db.OpenLedger(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer ldb.Close()
	if err := migrate.Ledger(ldb); err != nil {
		return err
	}
	m, closeMirror, err := openMirror(workspace)
	if err != nil {
		return err
	}
	defer closeMirror()
	return fn(ctx, orchestrator.New(ledger.New(ldb), m))
}

func openMirror(workspace string) (orchestrator.Mirror, func(), error) {
	url := strings.TrimSpace(viper.GetString("mirror-url"))
	if url == "" {
		if cfg, err := config.Load(workspace); err == nil {
			url = cfg.Mirror.URL
		}
	}
	if url != "" {
		client := carecirclesdk.New(url)
		client.APIKey = viper.GetString("api-key")
		client.BearerToken = viper.GetString("token")
		return orchestrator.NewRemoteMirror(client), func() {}, nil
	}
	mdb, err := db.OpenMirror(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Mirror(mdb); err != nil {
		mdb.Close()
		return nil, nil, err
	}
	return &mirror.Store{DB: mdb}, func() { mdb.Close() }, nil
}

func withLedger(ctx context.Context, fn func(context.Context, ledger.Ledger) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.OpenLedger(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Ledger(conn); err != nil {
		return err
	}
	return fn(ctx, ledger.New(conn))
}

func withStore(ctx context.Context, fn func(context.Context, *mirror.Store) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.OpenMirror(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Mirror(conn); err != nil {
		return err
	}
	return fn(ctx, &mirror.Store{DB: conn})
}

func actor() string {
	return strings.TrimSpace(viper.GetString("actor"))
}

func warnStale(rc orchestrator.Receipt) {
	if rc.Stale {
		fmt.Fprintf(os.Stderr, "warning: mirror refresh failed (%v); ledger write %s is durable, reads may lag\n", rc.MirrorErr, rc.TxRef)
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
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
