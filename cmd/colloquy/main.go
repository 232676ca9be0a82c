// cmd/colloquy/main.go
//
// Entry point for the colloquy CLI. Three ways to drive the collaborators:
// `tui` for the interactive terminal view, `serve` for the HTTP API, and
// `run` for a headless one-shot session that streams activity to stdout.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"colloquy/internal/config"
	"colloquy/internal/httpapi"
	"colloquy/internal/logging"
	"colloquy/internal/manager"
	"colloquy/internal/plans"
	"colloquy/internal/provider"
	"colloquy/internal/search"
	"colloquy/internal/tui"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var workspace string
	var debug bool

	root := &cobra.Command{
		Use:           "colloquy",
		Short:         "Collaborative LLM research and planning sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&workspace, "workspace", ".", "workspace directory for plans and logs")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "verbose logging to the console")

	root.AddCommand(newTUICmd(&workspace, &debug))
	root.AddCommand(newServeCmd(&workspace, &debug))
	root.AddCommand(newRunCmd(&workspace, &debug))
	root.AddCommand(newVersionCmd())
	return root
}

// app bundles everything a command needs after bootstrap.
type app struct {
	cfg    config.Config
	logger *zap.Logger
	mgr    *manager.Manager
	sink   *plans.Store
}

func loadApp(workspace string, debug bool) (*app, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	if err := cfg.RequireKeys(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.LogsDir(), debug)
	if err != nil {
		return nil, err
	}

	analyst := provider.NewDeepSeekClient(cfg.Analyst, logger)
	critic := provider.NewOllamaClient(cfg.Critic, logger)
	serper := search.NewSerperClient(cfg.Search, logger)
	dispatcher := search.NewDispatcher(serper, logger,
		search.WithConcurrency(cfg.Workflow.DispatchConcurrency),
		search.WithQueryTimeout(cfg.Search.Timeout),
		search.WithMaxResults(cfg.Search.MaxResults))
	sink := plans.NewStore(cfg.PlansDir())
	mgr := manager.New(cfg, analyst, critic, dispatcher, sink, logger)

	return &app{cfg: cfg, logger: logger, mgr: mgr, sink: sink}, nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.mgr.Shutdown(ctx); err != nil {
		a.logger.Warn("shutdown", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func newTUICmd(workspace *string, debug *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "tui",
		Short: "Run the interactive terminal UI",
		RunE: func(_ *cobra.Command, _ []string) error {
			a, err := loadApp(*workspace, *debug)
			if err != nil {
				return err
			}
			defer a.close()
			return tui.Run(a.mgr)
		},
	}
}

func newServeCmd(workspace *string, debug *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp(*workspace, *debug)
			if err != nil {
				return err
			}
			defer a.close()

			srv := httpapi.NewServer(a.cfg.Server, a.mgr, a.sink, a.logger)
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := srv.Start(ctx); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "colloquy listening on %s\n", srv.Addr())

			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func newRunCmd(workspace *string, debug *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "run <prompt>",
		Short: "Run one research session headless, streaming activity to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(*workspace, *debug)
			if err != nil {
				return err
			}
			defer a.close()

			id, err := a.mgr.Start(args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "session %s\n", id)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cursor := int64(0)
			for {
				events, err := a.mgr.Activity(id, cursor)
				if err != nil {
					return err
				}
				for _, ev := range events {
					cursor = ev.Seq
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "[%-7s] %s\n", ev.Actor, ev.Text)
				}
				view, err := a.mgr.Status(id)
				if err != nil {
					return err
				}
				if view.Completed || view.Failed || view.Abandoned {
					if view.Failed {
						return fmt.Errorf("session failed: %s", view.Error)
					}
					if len(view.SavedPlans) > 0 {
						_, _ = fmt.Fprintf(cmd.OutOrStdout(), "plans written to %s\n", a.cfg.PlansDir())
					}
					return nil
				}
				select {
				case <-ctx.Done():
					_ = a.mgr.Abandon(id)
					return ctx.Err()
				case <-time.After(500 * time.Millisecond):
				}
			}
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the colloquy version",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "colloquy %s\n", version)
		},
	}
}
