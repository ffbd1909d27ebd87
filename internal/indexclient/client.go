// Package indexclient is a peer's connection to the metadata index: a
// single long-lived Channel over which the peer binds its client id and
// issues share/search/lookup requests. It is the client-side
// counterpart of internal/indexserver.
package indexclient

import (
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/fileshare/fileshare/internal/channel"
	"github.com/fileshare/fileshare/internal/wire"
)

// ErrRejected is returned when the index replies with GeneralError.
var ErrRejected = errors.New("indexclient: request rejected")

// Client is a bound connection to the metadata index.
type Client struct {
	ch       *channel.Channel
	clientID string
	logger   *zap.Logger
}

// Dial connects to addr and binds clientID; the empty string asks the
// index to mint a fresh id. The bound id (possibly freshly minted) is
// returned on the Client.
func Dial(addr string, clientID string, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	ch := channel.New(conn, logger)

	req := wire.Message{Type: wire.TypeClientID, ClientID: clientID}
	if err := ch.Send(req); err != nil {
		ch.Close()
		return nil, err
	}
	resp, err := ch.WaitFor(wire.TypeClientID, channel.DefaultTimeout)
	if err != nil {
		ch.Close()
		return nil, err
	}
	return &Client{ch: ch, clientID: resp.ClientID, logger: logger}, nil
}

// ClientID returns the id this connection is bound to.
func (c *Client) ClientID() string { return c.clientID }

// Close closes the underlying channel.
func (c *Client) Close() error { return c.ch.Close() }

// SharePort advertises this peer's chunk-serving port. The index sends
// no reply.
func (c *Client) SharePort(port uint16) error {
	return c.ch.Send(wire.Message{Type: wire.TypeSharePort, Port: port})
}

// ShareFile advertises f as shared by this client.
func (c *Client) ShareFile(f wire.FileRecord) error {
	if err := c.ch.Send(wire.Message{Type: wire.TypeShareFile, File: f}); err != nil {
		return err
	}
	return c.waitSuccessOrError()
}

// RemoveShare withdraws this client's share of fileID.
func (c *Client) RemoveShare(fileID string) error {
	if err := c.ch.Send(wire.Message{Type: wire.TypeRemoveShare, FileID: fileID}); err != nil {
		return err
	}
	return c.waitSuccessOrError()
}

// SearchFile returns every file whose name contains substr and that
// currently has at least one reachable sharer.
func (c *Client) SearchFile(substr string) ([]wire.FileRecord, error) {
	resp, err := c.ch.SendAndWait(wire.Message{Type: wire.TypeSearchFile, Text: substr})
	if err != nil {
		return nil, err
	}
	return resp.Files, nil
}

// SharingInfoRequest resolves fileID to its file record and the list of
// currently reachable sharers, implementing the downloader.IndexClient
// interface so *Client can refresh a download engine's origin set
// directly. An unknown file id comes back from the index as
// GeneralError rather than the declared response type, so this waits
// for either.
func (c *Client) SharingInfoRequest(fileID string) (wire.SharingInfoResponse, error) {
	if err := c.ch.Send(wire.Message{Type: wire.TypeSharingInfoRequest, FileID: fileID}); err != nil {
		return wire.SharingInfoResponse{}, err
	}

	start := time.Now()
	for {
		remaining := channel.DefaultTimeout - time.Since(start)
		if remaining <= 0 {
			return wire.SharingInfoResponse{}, channel.ErrTimeout
		}
		msg, err := c.ch.Recv(remaining)
		if err != nil {
			return wire.SharingInfoResponse{}, err
		}
		switch msg.Type {
		case wire.TypeSharingInfoResponse:
			return msg.SharingInfo, nil
		case wire.TypeGeneralError:
			return wire.SharingInfoResponse{}, errReason(msg.Text)
		default:
			c.logger.Debug("indexclient: discarding unexpected message", zap.Uint32("type", uint32(msg.Type)))
		}
	}
}

// waitSuccessOrError waits for either GeneralSuccess or GeneralError,
// since ShareFile/RemoveShare may be answered with either. Any other
// message type is discarded, matching Channel.WaitFor's own semantics.
func (c *Client) waitSuccessOrError() error {
	start := time.Now()
	for {
		remaining := channel.DefaultTimeout - time.Since(start)
		if remaining <= 0 {
			return channel.ErrTimeout
		}
		msg, err := c.ch.Recv(remaining)
		if err != nil {
			return err
		}
		switch msg.Type {
		case wire.TypeGeneralSuccess:
			return nil
		case wire.TypeGeneralError:
			return errReason(msg.Text)
		default:
			c.logger.Debug("indexclient: discarding unexpected message", zap.Uint32("type", uint32(msg.Type)))
		}
	}
}

func errReason(text string) error {
	if text == "" {
		return ErrRejected
	}
	return &rejectedError{text: text}
}

type rejectedError struct{ text string }

func (e *rejectedError) Error() string { return e.text }
func (e *rejectedError) Is(target error) bool { return target == ErrRejected }
