package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"forgechat/internal/api"
	"forgechat/internal/app"
	"forgechat/internal/chat"
	"forgechat/internal/intent"
	"forgechat/internal/store"
	"forgechat/internal/stream"
	"forgechat/internal/tui"
)

const version = "1.0.0"

var configPath string

func main() {
	root := &cobra.Command{
		Use:     "forgechat",
		Short:   "Forgechat - terminal client for the forge chat platform",
		Long:    "Forgechat is a terminal chat client with smart routing: type what you need and it finds or creates the right forge for you.\n\nRun without arguments to start on the plaza, or use 'chat' to open a task directly.",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShell(intent.RoutePlaza)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: "+app.DefaultConfigPath()+")")

	chatCmd := &cobra.Command{
		Use:   "chat <task-id>",
		Short: "Open an existing task conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShell(intent.TaskRoute(args[0]))
		},
	}
	root.AddCommand(chatCmd)

	tasksCmd := &cobra.Command{
		Use:   "tasks",
		Short: "List recent tasks, favorites first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(configPath)
			if err != nil {
				return err
			}
			tasks, err := store.NewTaskStore(cfg.DataDir)
			if err != nil {
				return err
			}
			defer tasks.Close()

			list, err := tasks.List()
			if err != nil {
				return err
			}
			for _, rec := range list {
				marker := " "
				if rec.Favorite {
					marker = "★"
				}
				title := rec.Title
				if title == "" {
					title = "(untitled)"
				}
				fmt.Printf("%s %s  %s  %s\n", marker, rec.ID, rec.UpdatedAt.Format("2006-01-02 15:04"), title)
			}
			return nil
		},
	}
	var unfavorite bool
	favoriteCmd := &cobra.Command{
		Use:   "favorite <task-id>",
		Short: "Pin a task to the top of the list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(configPath)
			if err != nil {
				return err
			}
			tasks, err := store.NewTaskStore(cfg.DataDir)
			if err != nil {
				return err
			}
			defer tasks.Close()
			return tasks.SetFavorite(args[0], !unfavorite)
		},
	}
	favoriteCmd.Flags().BoolVar(&unfavorite, "remove", false, "unpin instead")
	tasksCmd.AddCommand(favoriteCmd)
	root.AddCommand(tasksCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// taskGateway satisfies chat.TaskAPI: lifecycle calls go to the server,
// recency bumps stay local in the sqlite task store.
type taskGateway struct {
	api   *api.Client
	tasks *store.TaskStore
}

func (g *taskGateway) CreateTask(ctx context.Context, taskID, firstMessage string) error {
	if err := g.tasks.Upsert(taskID, taskTitle(firstMessage)); err != nil {
		return err
	}
	return g.api.CreateTask(ctx, taskID, firstMessage)
}

func (g *taskGateway) AbortTask(ctx context.Context, taskID string) error {
	return g.api.AbortTask(ctx, taskID)
}

func (g *taskGateway) TouchTask(ctx context.Context, taskID string) error {
	return g.tasks.Touch(taskID)
}

func (g *taskGateway) FeedbackStatus(ctx context.Context, taskID string, messageIDs []int64) (map[int64]chat.FeedbackKind, error) {
	return g.api.FeedbackStatus(ctx, taskID, messageIDs)
}

func taskTitle(firstMessage string) string {
	title := strings.TrimSpace(firstMessage)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	runes := []rune(title)
	if len(runes) > 60 {
		title = string(runes[:60])
	}
	return title
}

func runShell(startRoute string) error {
	cfg, err := app.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := app.NewLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "log file unavailable: %v\n", err)
	}
	log := logrus.NewEntry(logger)

	local, err := store.NewFileKV(filepath.Join(cfg.DataDir, "prefs.json"))
	if err != nil {
		return err
	}
	handoff := store.NewMemKV()
	tasks, err := store.NewTaskStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer tasks.Close()

	token := func() string { return cfg.Token }
	client := api.NewClient(cfg.ServerURL, token, log)
	transport := stream.NewClient(cfg.ServerURL, token, log)
	gateway := &taskGateway{api: client, tasks: tasks}

	hub := tui.NewScreenHub(startRoute)

	var session *intent.Session
	var engine *intent.Engine
	if cfg.SmartRouting {
		session = intent.NewSession()
		engine = intent.NewEngine(hub, client, session, local, handoff, log)
	}

	// The program pointer is captured before it exists; controllers are only
	// built from inside the running update loop.
	var program *tea.Program

	deps := tui.Deps{
		Hub:     hub,
		Theme:   tui.NewTheme(),
		Session: session,
		Engine:  engine,
		Forge:    client,
		Feedback: client,
		Local:    local,
		Handoff:  handoff,
		Log:      log,
		NewController: func(taskID string) *chat.Controller {
			ctl := chat.NewController(taskID, transport, gateway, local, handoff, log)
			ctl.Timeline().OnChange(func() {
				if program != nil {
					program.Send(tui.TimelineChangedMsg{})
				}
			})
			return ctl
		},
	}

	model := tui.NewModel(deps)
	program = tea.NewProgram(model, tea.WithAltScreen())
	hub.SetEmitter(func(msg any) { program.Send(msg) })
	if session != nil {
		session.OnChange(func() {
			if program != nil {
				program.Send(tui.ScreenUpdatedMsg{})
			}
		})
	}

	_, err = program.Run()
	return err
}
