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

	"procexec/internal/app"
	logx "procexec/pkg/logx"
	"procexec/pkg/systemd"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP job server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().Duration("stop-timeout", 15*time.Second, "upper bound for graceful shutdown")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	stopTimeout, _ := cmd.Flags().GetDuration("stop-timeout")
	log := logx.NewConsole("INFO").With(logx.Component("main"))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.NewApp(configPath(cmd))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
		_ = a.Stop(stopCtx, app.StopFatalError)
		stopCancel()
		return fmt.Errorf("start: %w", err)
	}

	if sent, err := systemd.Ready(); err != nil {
		log.Warn("systemd notify failed", logx.Err(err))
	} else if sent {
		log.Debug("systemd notified ready")
	}
	go func() {
		if err := systemd.Watchdog(ctx); err != nil {
			log.Warn("systemd watchdog stopped", logx.Err(err))
		}
	}()

	reason := app.StopUnknown
	select {
	case sig := <-sigCh:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	_, _ = systemd.Stopping()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	stopErr := a.Stop(stopCtx, reason)
	cancel()

	if reason == app.StopFatalError {
		if err := a.Err(); err != nil {
			return err
		}
		return errors.New("app stopped unexpectedly")
	}
	return stopErr
}
