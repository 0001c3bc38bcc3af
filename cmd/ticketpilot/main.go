// Command ticketpilot drives the ticket-to-pull-request pipeline from
// the command line: start runs, answer suspensions, and inspect run
// history.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ticketpilot/ticketpilot/agent"
	"github.com/ticketpilot/ticketpilot/artifacts"
	"github.com/ticketpilot/ticketpilot/config"
	"github.com/ticketpilot/ticketpilot/forge"
	"github.com/ticketpilot/ticketpilot/gitx"
	"github.com/ticketpilot/ticketpilot/model"
	"github.com/ticketpilot/ticketpilot/model/anthropic"
	"github.com/ticketpilot/ticketpilot/model/google"
	"github.com/ticketpilot/ticketpilot/model/openai"
	"github.com/ticketpilot/ticketpilot/notify"
	"github.com/ticketpilot/ticketpilot/sandbox"
	"github.com/ticketpilot/ticketpilot/tracker"
	"github.com/ticketpilot/ticketpilot/workflow"
	"github.com/ticketpilot/ticketpilot/workflow/emit"
	"github.com/ticketpilot/ticketpilot/workflow/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "ticketpilot",
		Short:         "Turn tracker tickets into reviewed pull requests",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config YAML file")

	root.AddCommand(
		runCmd(&configPath),
		resumeCmd(&configPath),
		cancelCmd(&configPath),
		listCmd(&configPath),
		eventsCmd(&configPath),
		deleteCmd(&configPath),
	)
	return root
}

func runCmd(configPath *string) *cobra.Command {
	var chatID, requesterID, planFrom string
	var approvePlan, follow bool

	cmd := &cobra.Command{
		Use:   "run <ticket-url>",
		Short: "Start a pipeline run for a ticket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}

			var seed *workflow.Seed
			if planFrom != "" {
				data, err := os.ReadFile(planFrom)
				if err != nil {
					return fmt.Errorf("failed to read plan file: %w", err)
				}
				seed = &workflow.Seed{Plan: string(data)}
				if approvePlan {
					seed.Action = workflow.ActionApprove
				}
			} else if approvePlan {
				return fmt.Errorf("--approve-plan requires --plan-from")
			}

			p := workflow.Payload{TicketURL: args[0], ChatID: chatID, RequesterID: requesterID}
			rec, err := app.launcher.CreateRun(cmd.Context(), p, seed)
			if errors.Is(err, workflow.ErrDuplicateTicket) {
				return fmt.Errorf("ticket already has active run %s", rec.ID)
			}
			if err != nil {
				return err
			}
			fmt.Printf("run %s created for %s\n", rec.ID, rec.TicketURL)

			if follow {
				return followRun(cmd.Context(), app, rec.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&chatID, "chat-id", "", "notification channel id")
	cmd.Flags().StringVar(&requesterID, "requester", "", "requester id recorded on the run")
	cmd.Flags().StringVar(&planFrom, "plan-from", "", "seed the architect with a plan from this file")
	cmd.Flags().BoolVar(&approvePlan, "approve-plan", false, "treat the seeded plan as vetted and skip straight to the approval gate")
	cmd.Flags().BoolVar(&follow, "follow", true, "stream events until the run suspends or finishes")
	return cmd
}

func resumeCmd(configPath *string) *cobra.Command {
	var action, comment string
	var answers []string
	var follow bool

	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Apply a decision to a suspended run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			res := workflow.Resume{
				Action:  workflow.ResumeAction(action),
				Comment: comment,
				Answers: answers,
			}
			if err := app.launcher.Resume(cmd.Context(), args[0], res); err != nil {
				return err
			}
			fmt.Printf("run %s resumed with %s\n", args[0], action)

			if follow {
				return followRun(cmd.Context(), app, args[0])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "resume action (approve, revise, cancel, retry, close, answer)")
	cmd.Flags().StringVar(&comment, "comment", "", "comment attached to the decision")
	cmd.Flags().StringSliceVar(&answers, "answer", nil, "answer to a clarification question (repeatable)")
	cmd.Flags().BoolVar(&follow, "follow", true, "stream events until the run suspends or finishes")
	cmd.MarkFlagRequired("action")
	return cmd
}

func cancelCmd(configPath *string) *cobra.Command {
	var comment string

	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a suspended run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			if err := app.launcher.Cancel(cmd.Context(), args[0], comment); err != nil {
				return err
			}
			fmt.Printf("run %s cancelled\n", args[0])
			return followRun(cmd.Context(), app, args[0])
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "reason recorded on the run")
	return cmd
}

func listCmd(configPath *string) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			runs, err := app.launcher.ListRuns(cmd.Context(), store.ListFilter{Status: status, Limit: limit})
			if err != nil {
				return err
			}
			for _, r := range runs {
				fmt.Printf("%s  %-20s %-24s %s\n",
					r.ID, r.Status, r.UpdatedAt.Format(time.RFC3339), r.TicketURL)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by run status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows returned")
	return cmd
}

func eventsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "Print a run's journaled events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			events, err := app.launcher.Events(cmd.Context(), args[0], 0)
			if err != nil {
				return err
			}
			for _, ev := range events {
				printEvent(ev)
			}
			return nil
		},
	}
	return cmd
}

func deleteCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a run and its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			if err := app.launcher.DeleteRun(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("run %s deleted\n", args[0])
			return nil
		},
	}
	return cmd
}

// followRun streams a run's events until it suspends or reaches a
// terminal status. Live bus deliveries wake the loop; what gets printed
// always comes from the durable log, so a dropped bus event only costs
// latency, never output.
func followRun(ctx context.Context, app *app, runID string) error {
	live, cancel := app.bus.Subscribe(runID, 64)
	defer cancel()

	var after int64
	for {
		events, err := app.launcher.Events(ctx, runID, after)
		if err != nil {
			return err
		}
		for _, ev := range events {
			printEvent(ev)
			after = ev.Seq
			switch ev.Type {
			case emit.TypeSuspended:
				fmt.Printf("run %s is waiting for a decision; resume with:\n", runID)
				fmt.Printf("  ticketpilot resume %s --action <action>\n", runID)
				return nil
			case emit.TypeRunFinished:
				rec, err := app.launcher.GetRun(ctx, runID)
				if err != nil {
					return err
				}
				fmt.Printf("run %s finished with status %s\n", runID, rec.Status)
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-live:
		case <-time.After(2 * time.Second):
		}
	}
}

func printEvent(ev store.EventRecord) {
	line := fmt.Sprintf("%4d  %-16s", ev.Seq, ev.Type)
	if ev.Stage != "" {
		line += "  " + ev.Stage
	}
	if len(ev.Meta) > 0 && string(ev.Meta) != "null" {
		var meta map[string]any
		if json.Unmarshal(ev.Meta, &meta) == nil {
			if msg, ok := meta["msg"].(string); ok && msg != "" {
				line += "  " + msg
			}
		}
	}
	fmt.Println(line)
}

// app is the composition root: every collaborator wired from config.
type app struct {
	launcher *workflow.Launcher
	bus      *emit.Bus
}

func buildApp(ctx context.Context, configPath string) (*app, error) {
	var cfg *config.Config
	var err error
	if configPath == "" {
		cfg = config.Default()
	} else {
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, err
		}
	}

	st, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	chat, err := buildModel(ctx, cfg)
	if err != nil {
		return nil, err
	}

	deps := workflow.Deps{
		Agent:      agent.NewRunner(chat),
		Git:        gitx.NewManager(cfg.GitRoot),
		Sandbox:    sandbox.NewRunner(cfg.Sandbox.Image),
		Artifacts:  artifacts.NewDirStore(cfg.ArtifactsDir),
		Validation: workflow.NewLimiter(cfg.Limits.ValidationSlots),
	}

	if cfg.Tracker.BaseURL != "" {
		token, err := config.Secret(cfg.Tracker.TokenEnv)
		if err != nil {
			return nil, err
		}
		deps.Issues = tracker.NewJiraClient(cfg.Tracker.BaseURL, cfg.Tracker.Email, token)
	}
	if cfg.Knowledge != "" {
		reg, err := tracker.LoadRegistry(cfg.Knowledge)
		if err != nil {
			return nil, err
		}
		deps.Knowledge = reg
	}
	if cfg.Forge.BaseURL != "" {
		token, err := config.Secret(cfg.Forge.TokenEnv)
		if err != nil {
			return nil, err
		}
		deps.Forge = forge.NewClient(cfg.Forge.BaseURL, token)
	}

	notifiers := []workflow.Notifier{notify.NewLogNotifier(os.Stderr)}
	if cfg.Notify.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhookNotifier(cfg.Notify.WebhookURL))
	}
	deps.Notifier = notify.NewMulti(notifiers...)

	opts := workflow.Options{
		MaxValidationLoops: cfg.Limits.MaxValidationLoops,
		MaxReviewerLoops:   cfg.Limits.MaxReviewerLoops,
		CIPollInterval:     cfg.Limits.CIPollInterval.Std(),
		CIPollMaxAttempts:  cfg.Limits.CIPollMaxAttempts,
	}

	metrics := workflow.NewMetrics(prometheus.DefaultRegisterer)
	bus := emit.NewBus()
	emitter := emit.NewMulti(emit.NewLogEmitter(os.Stderr, cfg.Events.JSON), bus)

	exec := workflow.NewExecutor(st, emitter, deps, opts, metrics)
	return &app{launcher: workflow.NewLauncher(st, exec), bus: bus}, nil
}

func buildStore(ctx context.Context, cfg *config.Config) (store.Store[workflow.Snapshot], error) {
	switch cfg.Store.Driver {
	case "memory":
		return store.NewMemStore[workflow.Snapshot](), nil
	case "sqlite":
		return store.NewSQLiteStore[workflow.Snapshot](cfg.Store.DSN)
	case "mysql":
		return store.NewMySQLStore[workflow.Snapshot](cfg.Store.DSN)
	case "postgres":
		return store.NewPostgresStore[workflow.Snapshot](ctx, cfg.Store.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func buildModel(ctx context.Context, cfg *config.Config) (model.ChatModel, error) {
	apiKey, err := config.Secret(cfg.Model.APIKeyEnv)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(cfg.Model.Provider) {
	case "anthropic":
		return anthropic.New(apiKey, cfg.Model.Name), nil
	case "openai":
		return openai.New(apiKey, cfg.Model.Name), nil
	case "google":
		return google.New(ctx, apiKey, cfg.Model.Name)
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Model.Provider)
	}
}
