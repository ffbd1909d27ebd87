// Package indexserver implements the metadata index's client-facing
// protocol: client-id assignment, share/unshare, search, and
// sharing-info lookup, over a long-lived per-client Channel. It wires
// internal/evserver's accept/retire loop to internal/indexstore for
// persistence; the connected-client table is transient and lives in
// memory, tied to the client channels themselves.
package indexserver

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fileshare/fileshare/internal/channel"
	"github.com/fileshare/fileshare/internal/connid"
	"github.com/fileshare/fileshare/internal/evserver"
	"github.com/fileshare/fileshare/internal/indexstore"
	"github.com/fileshare/fileshare/internal/sanitize"
	"github.com/fileshare/fileshare/internal/wire"
)

// idleTimeout bounds each wait for the next message on an otherwise
// idle, long-lived client channel; effectively unbounded relative to
// the protocol's own request cadence.
const idleTimeout = 24 * time.Hour

type connectedClient struct {
	ip   [4]byte
	port uint16 // 0 means no port advertised yet
}

// Server is the metadata index's network-facing half.
type Server struct {
	evt   *evserver.Server
	store *indexstore.Store

	mu        sync.Mutex
	connected map[string]connectedClient

	logger *zap.Logger
}

// New binds addr and constructs a Server backed by store.
func New(addr string, store *indexstore.Store, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:     store,
		connected: make(map[string]connectedClient),
		logger:    logger,
	}
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

// Wait blocks until every in-flight client worker has returned.
func (s *Server) Wait() { s.evt.Wait() }

func (s *Server) handle(conn net.Conn, done chan<- struct{}) {
	defer close(done)

	connLogger := connid.Logger(s.logger).With(zap.String("remote", conn.RemoteAddr().String()))

	ch := channel.New(conn, connLogger)
	defer ch.Close()

	ip := remoteIPv4(conn)
	var clientID string

	defer func() {
		if clientID != "" {
			s.mu.Lock()
			delete(s.connected, clientID)
			s.mu.Unlock()
		}
	}()

	for {
		req, err := ch.Recv(idleTimeout)
		if err != nil {
			return
		}

		if req.Type != wire.TypeClientID && clientID == "" {
			connLogger.Debug("indexserver: request before client id bound, dropping", zap.Uint32("type", uint32(req.Type)))
			continue
		}

		switch req.Type {
		case wire.TypeClientID:
			clientID = s.handleClientID(ch, req)
		case wire.TypeSharePort:
			s.handleSharePort(clientID, ip, req)
		case wire.TypeShareFile:
			s.handleShareFile(ch, clientID, req)
		case wire.TypeRemoveShare:
			s.handleRemoveShare(ch, clientID, req)
		case wire.TypeSearchFile:
			s.handleSearchFile(ch, connLogger, req)
		case wire.TypeSharingInfoRequest:
			s.handleSharingInfoRequest(ch, req)
		default:
			connLogger.Debug("indexserver: unhandled request type", zap.Uint32("type", uint32(req.Type)))
		}
	}
}

func (s *Server) handleClientID(ch *channel.Channel, req wire.Message) string {
	id := req.ClientID
	if id == "" || id == wire.NoClientID {
		id = wire.HexClientID([16]byte(uuid.New()))
	}
	if err := s.store.AddClient(id); err != nil {
		s.logger.Error("indexserver: add client failed", zap.Error(err))
	}
	if err := ch.Send(wire.Message{Type: wire.TypeClientID, ClientID: id}); err != nil {
		s.logger.Debug("indexserver: client id reply failed", zap.Error(err))
	}
	return id
}

func (s *Server) handleSharePort(clientID string, ip [4]byte, req wire.Message) {
	if clientID == "" {
		return
	}
	s.mu.Lock()
	s.connected[clientID] = connectedClient{ip: ip, port: req.Port}
	s.mu.Unlock()
}

func (s *Server) handleShareFile(ch *channel.Channel, clientID string, req wire.Message) {
	f := indexstore.File{
		FileID:           req.File.FileID,
		Name:             req.File.Name,
		ModificationTime: req.File.ModificationTime,
		Size:             req.File.Size,
	}
	err := s.store.ShareFile(f, clientID)
	reply := wire.Message{Type: wire.TypeGeneralSuccess}
	if err != nil {
		reply = wire.Message{Type: wire.TypeGeneralError, Text: err.Error()}
	}
	if sendErr := ch.Send(reply); sendErr != nil {
		s.logger.Debug("indexserver: share file reply failed", zap.Error(sendErr))
	}
}

func (s *Server) handleRemoveShare(ch *channel.Channel, clientID string, req wire.Message) {
	err := s.store.RemoveShare(req.FileID, clientID)
	reply := wire.Message{Type: wire.TypeGeneralSuccess}
	if err != nil {
		reply = wire.Message{Type: wire.TypeGeneralError, Text: err.Error()}
	}
	if sendErr := ch.Send(reply); sendErr != nil {
		s.logger.Debug("indexserver: remove share reply failed", zap.Error(sendErr))
	}
}

func (s *Server) handleSearchFile(ch *channel.Channel, logger *zap.Logger, req wire.Message) {
	logger.Debug("indexserver: search request", zap.String("substring", sanitize.String(req.Text)))
	found, err := s.store.SearchByNameSubstring(req.Text)
	if err != nil {
		logger.Error("indexserver: search failed", zap.Error(err))
		_ = ch.Send(wire.Message{Type: wire.TypeFileList})
		return
	}

	var records []wire.FileRecord
	for _, f := range found {
		if s.hasReachableSharer(f.FileID) {
			records = append(records, wire.FileRecord{
				Name:             f.Name,
				ModificationTime: f.ModificationTime,
				Size:             f.Size,
				FileID:           f.FileID,
			})
		}
	}
	if err := ch.Send(wire.Message{Type: wire.TypeFileList, Files: records}); err != nil {
		s.logger.Debug("indexserver: search reply failed", zap.Error(err))
	}
}

func (s *Server) handleSharingInfoRequest(ch *channel.Channel, req wire.Message) {
	f, err := s.store.GetFile(req.FileID)
	if err != nil {
		_ = ch.Send(wire.Message{Type: wire.TypeGeneralError, Text: "unknown file"})
		return
	}
	ids, err := s.store.SharingClientIDs(req.FileID)
	if err != nil {
		s.logger.Error("indexserver: sharing clients lookup failed", zap.Error(err))
		_ = ch.Send(wire.Message{Type: wire.TypeGeneralError, Text: "lookup failed"})
		return
	}

	clients := make([]wire.SharingClient, 0, len(ids))
	s.mu.Lock()
	for _, id := range ids {
		c, ok := s.connected[id]
		if !ok || c.port == 0 {
			continue
		}
		clients = append(clients, wire.SharingClient{ClientID: id, IP: c.ip, Port: c.port})
	}
	s.mu.Unlock()

	resp := wire.Message{
		Type: wire.TypeSharingInfoResponse,
		SharingInfo: wire.SharingInfoResponse{
			FileID:           f.FileID,
			Name:             f.Name,
			ModificationTime: f.ModificationTime,
			Size:             f.Size,
			Clients:          clients,
		},
	}
	if err := ch.Send(resp); err != nil {
		s.logger.Debug("indexserver: sharing info reply failed", zap.Error(err))
	}
}

func (s *Server) hasReachableSharer(fileID string) bool {
	ids, err := s.store.SharingClientIDs(fileID)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if c, ok := s.connected[id]; ok && c.port != 0 {
			return true
		}
	}
	return false
}

func remoteIPv4(conn net.Conn) [4]byte {
	var ip [4]byte
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return ip
	}
	parsed := net.ParseIP(host)
	if v4 := parsed.To4(); v4 != nil {
		copy(ip[:], v4)
	}
	return ip
}
