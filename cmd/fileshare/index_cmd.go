package main

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fileshare/fileshare/internal/indexserver"
	"github.com/fileshare/fileshare/internal/indexstore"
)

func indexCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Run the metadata index server",
		Long: `Runs the metadata index: the files/clients/shares relations and the
search/share/sharing-info protocol peers speak against it. Binds the
default index port 1337 unless --addr overrides it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndex(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":1337", "address to listen on")
	return cmd
}

func runIndex(addr string) error {
	logger, err := setupLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, warnings, err := loadConfigWithWarnings()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	for _, w := range warnings {
		logger.Warn("config security warning", zap.String("file", w.File), zap.String("message", w.Message))
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	dir := resolveDataDir(cfg)
	dbPath := filepath.Join(dir, "index.db")

	store, err := indexstore.Open(dbPath, logger)
	if err != nil {
		return fmt.Errorf("open index store: %w", err)
	}
	defer func() { _ = store.Close() }()

	srv, err := indexserver.New(addr, store, logger)
	if err != nil {
		return fmt.Errorf("bind index server: %w", err)
	}

	logger.Info("index listening", zap.String("addr", srv.Addr().String()), zap.String("db", dbPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()

	select {
	case <-ctx.Done():
		logger.Info("index shutting down")
		srv.Stop()
		srv.Wait()
		return nil
	case err := <-errCh:
		return err
	}
}
