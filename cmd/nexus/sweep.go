package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/nexus/internal/session"
)

var sweepDryRun bool

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired sessions once and exit",
	RunE:  runSweep,
}

func init() {
	sweepCmd.Flags().BoolVar(&sweepDryRun, "dry-run", false, "list expired sessions without removing them")
}

func runSweep(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := session.NewStore(cfg.Sandbox.Root, logger)
	if err != nil {
		return err
	}

	ttl := cfg.Sessions.TTL()
	if ttl <= 0 {
		fmt.Println("session expiry is disabled (sessions.ttl_seconds = 0)")
		return nil
	}
	sweeper := session.NewSweeper(store, ttl, cfg.Sessions.Schedule(), logger)

	if sweepDryRun {
		expired, err := sweeper.Expired()
		if err != nil {
			return err
		}
		for _, s := range expired {
			fmt.Printf("%s\t%s\n", s.ID, s.ModTime.Format(time.RFC3339))
		}
		fmt.Printf("%d session(s) would be removed from %s\n", len(expired), store.Root())
		return nil
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	n, err := sweeper.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d expired session(s) from %s\n", n, store.Root())
	return nil
}
