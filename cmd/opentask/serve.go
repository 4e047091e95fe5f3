package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mohammad-safakhou/opentask/config"
	"github.com/mohammad-safakhou/opentask/internal/orchestrator"
	"github.com/mohammad-safakhou/opentask/internal/server"
	"github.com/spf13/cobra"
)

func serveCMD() *cobra.Command {
	var serveAddr string
	var cfgPath string
	var drain time.Duration
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run the task HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			if serveAddr != "" {
				cfg.Server.Address = serveAddr
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := build(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			pruners := []orchestrator.Pruner{a.summarizer.Tracker()}
			if a.writes != nil {
				pruners = append(pruners, a.writes)
			}
			janitor, err := orchestrator.NewJanitor(cfg.Hub.SweepSchedule, cfg.Hub.Retention, a.hub, newLogger("JANITOR"), pruners...)
			if err != nil {
				return err
			}
			janitor.Start()
			defer janitor.Stop()

			logger := newLogger("HTTP")
			e := server.New(server.Options{
				Config:       cfg.Server,
				Orchestrator: a.orch,
				Store:        a.store,
				Hub:          a.hub,
				Search:       a.search,
				Metrics:      a.telemetry.Handler(),
				Logger:       logger,
			})
			if err := server.Serve(ctx, e, cfg.Server.Address, logger); err != nil {
				return err
			}

			done := make(chan struct{})
			go func() { a.orch.Wait(); close(done) }()
			select {
			case <-done:
			case <-time.After(drain):
				logger.Printf("shutting down with tasks still running after %s", drain)
			}
			return nil
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.address)")
	serve.Flags().DurationVar(&drain, "drain", 30*time.Second, "how long to wait for running tasks on shutdown")
	serve.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return serve
}
