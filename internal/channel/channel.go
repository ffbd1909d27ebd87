// Package channel wraps a reliable byte stream (TCP) with the framed
// message transport described by internal/wire: timeout-bounded receive,
// cancellation via a shared stop flag, and half-open detection.
// Deadlines bound each read directly via net.Conn.SetReadDeadline, and
// Close from another goroutine unblocks a pending Read, so no internal
// polling loop is needed.
package channel

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fileshare/fileshare/internal/wire"
)

// DefaultTimeout is the default deadline for a single recv.
const DefaultTimeout = 10 * time.Second

// maxFrameLen guards against a malicious/corrupt length prefix causing an
// unbounded allocation.
const maxFrameLen = 64 * 1024 * 1024

var (
	// ErrClosed is returned when the channel is already closed, locally
	// or by the remote end.
	ErrClosed = errors.New("channel: closed")
	// ErrTimeout is returned when a deadline elapses before a full frame
	// arrives.
	ErrTimeout = errors.New("channel: timeout")
	// ErrCancelled is returned when the stop flag is observed mid-wait.
	ErrCancelled = errors.New("channel: cancelled")
)

// Channel is a framed message transport over a net.Conn.
type Channel struct {
	conn   net.Conn
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	stopCh chan struct{}
}

// New wraps conn in a Channel. logger may be nil.
func New(conn net.Conn, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		conn:   conn,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Send serializes and writes the full frame for msg.
func (c *Channel) Send(msg wire.Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	frame, err := wire.Encode(msg)
	if err != nil {
		return err
	}

	if _, err := c.conn.Write(frame); err != nil {
		select {
		case <-c.stopCh:
			return ErrClosed
		default:
		}
		return err
	}
	return nil
}

// Recv reads exactly one frame, blocking at most until deadline elapses.
func (c *Channel) Recv(deadline time.Duration) (wire.Message, error) {
	if c.isClosed() {
		return wire.Message{}, ErrClosed
	}

	deadlineAt := time.Now().Add(deadline)
	if err := c.conn.SetReadDeadline(deadlineAt); err != nil {
		return wire.Message{}, err
	}
	defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()

	lenBuf, err := c.readFull(4)
	if err != nil {
		return wire.Message{}, err
	}
	frameLen := binary.LittleEndian.Uint32(lenBuf)
	if frameLen < 4 || frameLen > maxFrameLen {
		return wire.Message{}, wire.ErrMalformed
	}

	body, err := c.readFull(int(frameLen))
	if err != nil {
		return wire.Message{}, err
	}

	typ := wire.Type(binary.LittleEndian.Uint32(body[0:4]))
	msg, err := wire.DecodeBody(typ, body[4:])
	if err != nil {
		return wire.Message{}, err
	}
	return msg, nil
}

// readFull reads exactly n bytes, translating net.Conn errors into the
// channel's own error vocabulary and honoring the stop flag.
func (c *Channel) readFull(n int) ([]byte, error) {
	buf := make([]byte, n)
	read := 0
	for read < n {
		select {
		case <-c.stopCh:
			return nil, ErrCancelled
		default:
		}

		m, err := c.conn.Read(buf[read:])
		read += m
		if err != nil {
			if read == n {
				break
			}
			select {
			case <-c.stopCh:
				return nil, ErrCancelled
			default:
			}
			if errors.Is(err, io.EOF) {
				c.markClosed()
				return nil, ErrClosed
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil, ErrTimeout
			}
			return nil, err
		}
		if m == 0 {
			c.markClosed()
			return nil, ErrClosed
		}
	}
	return buf, nil
}

// WaitFor repeatedly receives until a message of type t arrives,
// discarding any other type silently, or until deadline elapses overall.
func (c *Channel) WaitFor(t wire.Type, deadline time.Duration) (wire.Message, error) {
	start := time.Now()
	for {
		remaining := deadline - time.Since(start)
		if remaining <= 0 {
			return wire.Message{}, ErrTimeout
		}
		msg, err := c.Recv(remaining)
		if err != nil {
			return wire.Message{}, err
		}
		if msg.Type == t {
			return msg, nil
		}
		c.logger.Debug("channel: discarding unexpected message", zap.Uint32("type", uint32(msg.Type)), zap.Uint32("expected", uint32(t)))
	}
}

// SendAndWait sends req then waits for its declared expected response
// type using DefaultTimeout.
func (c *Channel) SendAndWait(req wire.Message) (wire.Message, error) {
	expected, ok := req.Type.ExpectedResponse()
	if !ok {
		return wire.Message{}, errors.New("channel: message type declares no expected response")
	}
	if err := c.Send(req); err != nil {
		return wire.Message{}, err
	}
	return c.WaitFor(expected, DefaultTimeout)
}

// Close sets the stop flag, closes the underlying stream, and marks the
// channel closed. It is idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.stopCh)
	return c.conn.Close()
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.stopCh)
}

// RemoteAddr returns the underlying connection's remote address.
func (c *Channel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
