package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/auth"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/config"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/gateway"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/logging"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/repository"
	"github.com/Anujtr/CRDT-Collab-Editor-sub001/internal/room"
)

var (
	listenAddr string
	boltPath   string
	jwtSecret  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the collaboration server",
	RunE:  runServe,
}

func init() {
	cfg := config.Default()
	serveCmd.Flags().StringVar(&listenAddr, "listen", cfg.ListenAddr, "HTTP listen address")
	serveCmd.Flags().StringVar(&boltPath, "bolt-path", cfg.BoltPath, "path to the bbolt data file")
	serveCmd.Flags().StringVar(&jwtSecret, "jwt-secret", cfg.JWTSecret, "HMAC secret the Auth Service verifies tokens with")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cmd.Flags().Changed("listen") {
		cfg.ListenAddr = listenAddr
	}
	if cmd.Flags().Changed("bolt-path") {
		cfg.BoltPath = boltPath
	}
	if cmd.Flags().Changed("jwt-secret") {
		cfg.JWTSecret = jwtSecret
	}

	log := logging.WithComponent("server")

	repo, err := repository.NewBoltRepository(cfg.BoltPath, cfg.SnapshotRetention)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}
	defer repo.Close()

	registry := room.NewRegistry(cfg, repo)
	registry.StartSweep()
	defer registry.StopSweep()

	verifier := auth.NewJWTVerifier(cfg.JWTSecret)
	gw := gateway.New(cfg, verifier, registry)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: gw.Mux(),
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("collaboration server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
	defer cancel()

	gw.Shutdown(shutdownCtx)
	registry.Shutdown(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}

	log.Info().Msg("shutdown complete")
	return nil
}
