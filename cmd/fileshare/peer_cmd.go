package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fileshare/fileshare/internal/indexclient"
	"github.com/fileshare/fileshare/internal/localcatalog"
	"github.com/fileshare/fileshare/internal/peerserver"
	"github.com/fileshare/fileshare/internal/wire"
)

func peerCmd() *cobra.Command {
	var listenAddr string
	cmd := &cobra.Command{
		Use:   "peer <index_host> <index_port> [username] [web_port]",
		Short: "Run a peer: share files, search, and download from other peers",
		Long: `Connects to the metadata index at index_host:index_port and opens an
interactive command prompt: search, download, share, list-downloads,
remove-download, list-shares, remove-share, exit.`,
		Args: cobra.RangeArgs(2, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPeer(args, listenAddr)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", ":0", "address the chunk-serving endpoint binds (0 ⇒ OS-assigned)")
	return cmd
}

func runPeer(args []string, listenAddr string) error {
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

	indexHost := args[0]
	indexPort := args[1]
	username := cfg.Peer.Username
	if len(args) > 2 {
		username = args[2]
	}
	if len(args) > 3 {
		port, err := strconv.Atoi(args[3])
		if err != nil {
			return fmt.Errorf("web_port must be numeric: %w", err)
		}
		listenAddr = fmt.Sprintf(":%d", port)
	}

	dataDir := filepath.Join(resolveDataDir(cfg), username)
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	clientIDBytes, err := localcatalog.LoadOrCreateClientID(filepath.Join(dataDir, username+"_CLIENT_ID.dat"))
	if err != nil {
		return fmt.Errorf("load client id: %w", err)
	}
	clientID := wire.HexClientID(clientIDBytes)

	catalog, err := localcatalog.Open(filepath.Join(dataDir, username+"_shares.db"), logger)
	if err != nil {
		return fmt.Errorf("open local catalog: %w", err)
	}
	defer func() { _ = catalog.Close() }()

	peerSrv, err := peerserver.New(listenAddr, catalog, logger)
	if err != nil {
		return fmt.Errorf("bind peer share server: %w", err)
	}
	go func() {
		if err := peerSrv.Serve(); err != nil {
			logger.Debug("peer share server stopped", zap.Error(err))
		}
	}()
	defer func() {
		peerSrv.Stop()
		peerSrv.Wait()
	}()

	tcpAddr, ok := peerSrv.Addr().(*net.TCPAddr)
	if !ok {
		return fmt.Errorf("peer share server bound a non-TCP address")
	}
	myPort := uint16(tcpAddr.Port)

	indexAddr := net.JoinHostPort(indexHost, indexPort)
	idx, err := indexclient.Dial(indexAddr, clientID, logger)
	if err != nil {
		return fmt.Errorf("connect to index %s: %w", indexAddr, err)
	}
	defer func() { _ = idx.Close() }()

	logger.Info("peer ready",
		zap.String("username", username),
		zap.String("client_id", idx.ClientID()),
		zap.String("index", indexAddr),
		zap.String("serving_addr", tcpAddr.String()),
	)

	p := &peerSession{
		logger:  logger,
		idx:     idx,
		catalog: catalog,
		myPort:  myPort,
		dls:     newDownloadManager(),
		dl:      cfg.Download,
	}

	defer func() {
		if err := p.dls.stopAll(); err != nil {
			logger.Warn("error stopping downloads on shutdown", zap.Error(err))
		}
	}()

	return p.repl(os.Stdin, os.Stdout)
}
