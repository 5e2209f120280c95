package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"relaybot/internal/app"
)

// Version is set via ldflags at build time.
var Version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:           "relaybot",
		Short:         "Relay the latest message of a Telegram source to several chats on fixed intervals",
		Version:       Version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfgPath)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to config file (.json, .yaml or .yml)")
	return cmd
}

func run(parent context.Context, cfgPath string) error {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}

	stop := func() {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		_ = a.Stop(sctx)
	}

	if err := a.Start(ctx); err != nil {
		stop()
		return err
	}

	<-a.Done()
	stop()
	if ctx.Err() == nil {
		return a.Err()
	}
	return nil
}
