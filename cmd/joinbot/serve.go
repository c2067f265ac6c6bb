package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"joinbot/internal/app"
)

const stopTimeout = 20 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay, scheduler and chat bot",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		a, err := app.New(ctx, cfgPath)
		if err != nil {
			return fmt.Errorf("startup: %w", err)
		}
		stop := func(reason app.StopReason) {
			sctx, scancel := context.WithTimeout(context.Background(), stopTimeout)
			defer scancel()
			_ = a.Stop(sctx, reason)
		}
		if err := a.Start(ctx); err != nil {
			stop(app.StopFatalError)
			return fmt.Errorf("startup: %w", err)
		}

		reason := app.StopUnknown
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGTERM {
				reason = app.StopSIGTERM
			} else {
				reason = app.StopSIGINT
			}
		case <-a.Done():
			reason = app.StopFatalError
		}
		fatal := a.Err()
		stop(reason)
		if reason == app.StopFatalError && fatal != nil && !errors.Is(fatal, context.Canceled) {
			return fatal
		}
		return nil
	},
}
