package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/1ureka/qrdrop/internal/config"
	"github.com/1ureka/qrdrop/internal/rendezvous"
	"github.com/1ureka/qrdrop/internal/util"
)

func newRendezvousCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rendezvous",
		Short: "run a rendezvous server",
		Long:  `rendezvous serves the six-digit code exchange for devices that cannot scan each other's screens. Entries live in memory, or in Redis with --redis.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRendezvous(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "address to listen on")
	cmd.Flags().StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "Redis address, empty keeps entries in memory")
	cmd.Flags().IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "Redis database")
	cmd.Flags().DurationVar(&cfg.ExpiryWindow, "window", cfg.ExpiryWindow, "how long a published request stays valid")
	return cmd
}

// runRendezvous serves until ctx is cancelled.
func runRendezvous(ctx context.Context, cfg *config.Config) error {
	var store rendezvous.Store
	if cfg.RedisAddr != "" {
		rs, err := rendezvous.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.ExpiryWindow)
		if err != nil {
			return err
		}
		defer rs.Close()
		store = rs
		util.LogInfo("using Redis at %s", cfg.RedisAddr)
	} else {
		store = rendezvous.NewMemoryStore(rendezvous.WithWindow(cfg.ExpiryWindow))
	}

	srv := rendezvous.NewServer(store)
	addr, err := srv.Start(cfg.ListenAddr)
	if err != nil {
		return err
	}
	util.LogSuccess("rendezvous server ready, senders and receivers use --rendezvous ws://%s", addr)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		util.LogWarning("shutdown: %v", err)
	}
	util.LogInfo("rendezvous server stopped")
	return nil
}
