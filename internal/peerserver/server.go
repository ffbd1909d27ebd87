// Package peerserver answers inbound chunk-serving connections: one
// request per connection, either an RTT probe or a chunk fetch. It
// wires internal/evserver's accept/retire loop with a handler backed
// by internal/localcatalog for file-id resolution.
package peerserver

import (
	"errors"
	"io"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/fileshare/fileshare/internal/channel"
	"github.com/fileshare/fileshare/internal/evserver"
	"github.com/fileshare/fileshare/internal/localcatalog"
	"github.com/fileshare/fileshare/internal/wire"
)

// requestTimeout bounds how long a connection may wait for its single
// request before the worker gives up and closes.
const requestTimeout = channel.DefaultTimeout

// Server serves chunk fetches and RTT probes for this peer's locally
// shared files.
type Server struct {
	evt     *evserver.Server
	catalog *localcatalog.Catalog
	logger  *zap.Logger
}

// New binds addr and constructs a Server backed by catalog. Call Serve
// to start accepting.
func New(addr string, catalog *localcatalog.Catalog, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{catalog: catalog, logger: logger}
	evt, err := evserver.New(addr, s.handle, logger)
	if err != nil {
		return nil, err
	}
	s.evt = evt
	return s, nil
}

// Addr returns the bound listening address.
func (s *Server) Addr() net.Addr { return s.evt.Addr() }

// Serve runs the accept loop until Stop is called.
func (s *Server) Serve() error { return s.evt.Serve() }

// Stop signals the accept loop to exit.
func (s *Server) Stop() { s.evt.Stop() }

// Wait blocks until every in-flight worker has returned.
func (s *Server) Wait() { s.evt.Wait() }

func (s *Server) handle(conn net.Conn, done chan<- struct{}) {
	defer close(done)
	ch := channel.New(conn, s.logger)
	defer ch.Close()

	req, err := ch.Recv(requestTimeout)
	if err != nil {
		if !errors.Is(err, channel.ErrClosed) {
			s.logger.Debug("peerserver: recv failed", zap.Error(err))
		}
		return
	}

	switch req.Type {
	case wire.TypeRTTCheck:
		s.handleRTTCheck(ch, req)
	case wire.TypeStartFileTransfer:
		s.handleStartFileTransfer(ch, req)
	default:
		s.logger.Debug("peerserver: unexpected request type", zap.Uint32("type", uint32(req.Type)))
	}
}

func (s *Server) handleRTTCheck(ch *channel.Channel, req wire.Message) {
	resp := wire.Message{
		Type:      wire.TypeRTTResponse,
		SendEpoch: req.SendEpoch,
		RecvEpoch: uint32(time.Now().UnixMicro()),
	}
	if err := ch.Send(resp); err != nil {
		s.logger.Debug("peerserver: rtt response send failed", zap.Error(err))
	}
}

func (s *Server) handleStartFileTransfer(ch *channel.Channel, req wire.Message) {
	path, err := s.catalog.Resolve(req.FileID)
	if err != nil {
		s.logger.Debug("peerserver: unknown file id requested", zap.String("file_id", req.FileID))
		return
	}

	data, err := readChunk(path, req.ChunkIndex)
	if err != nil {
		s.logger.Debug("peerserver: read chunk failed", zap.String("file_id", req.FileID), zap.Error(err))
		return
	}

	resp := wire.Message{
		Type:       wire.TypeChunkDataResponse,
		FileID:     req.FileID,
		ChunkIndex: req.ChunkIndex,
		ChunkData:  data,
	}
	if err := ch.Send(resp); err != nil {
		s.logger.Debug("peerserver: chunk response send failed", zap.Error(err))
	}
}

// ChunkSize matches internal/downloader.ChunkSize; duplicated here as a
// plain constant so this package has no compile-time dependency on the
// download engine's internals.
const ChunkSize = 3 * 1024 * 1024

func readChunk(path string, index uint32) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, ChunkSize)
	n, err := f.ReadAt(buf, int64(index)*ChunkSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}
