package base

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dGrid/rpc/common"
	"github.com/ValentinKolb/dGrid/rpc/transport"
)

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IServerConnector defines the interface for transport-specific server operations
type IServerConnector interface {
	// Listen creates a listener for endpoint and returns it
	Listen(endpoint string) (net.Listener, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// serverTransport implements the core server transport functionality
type serverTransport struct {
	connector IServerConnector
	handler   transport.ServerHandleFunc
	config    common.ServerConfig

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseServerTransport creates a new base server transport
func NewBaseServerTransport(connector IServerConnector) transport.IRPCServerTransport {
	return &serverTransport{
		connector: connector,
		conns:     make(map[net.Conn]struct{}),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCServerTransport)
// --------------------------------------------------------------------------

func (t *serverTransport) RegisterHandler(handler transport.ServerHandleFunc) {
	t.handler = handler
}

func (t *serverTransport) Listen(config common.ServerConfig) error {
	if t.handler == nil {
		return fmt.Errorf("no handler registered")
	}
	t.config = config

	// Create listener using the connector
	listener, err := t.connector.Listen(config.Transport.Endpoint)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		listener.Close()
		return nil
	}
	t.listener = listener
	t.mu.Unlock()

	Logger.Infof("Starting %s server on %s", t.connector.GetName(), listener.Addr())

	// Accept connections
	for attempt := 0; ; {
		conn, err := listener.Accept()
		if err != nil {
			if t.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			Logger.Errorf("Accept error: %v", err)
			time.Sleep(backoff(attempt))
			attempt++
			continue
		}
		attempt = 0

		if err := ApplySocketOptions(conn, config.Transport.SocketConf, &config.Transport.TCPConf); err != nil {
			Logger.Warningf("Failed to apply socket options for %s: %v", conn.RemoteAddr(), err)
		}

		if !t.track(conn) {
			conn.Close()
			return nil
		}

		// Handle the connection in a goroutine
		go t.handleConnection(conn)
	}
}

func (t *serverTransport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *serverTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true

	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	for conn := range t.conns {
		conn.Close()
	}
	t.mu.Unlock()

	t.wg.Wait()
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (t *serverTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *serverTransport) track(conn net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.conns[conn] = struct{}{}
	t.wg.Add(1)
	return true
}

func (t *serverTransport) untrack(conn net.Conn) {
	t.mu.Lock()
	delete(t.conns, conn)
	t.mu.Unlock()
	t.wg.Done()
}

// handleConnection reads requests of one connection and hands them to the
// handler. Responses are written as they complete, in any order.
func (t *serverTransport) handleConnection(conn net.Conn) {
	// cancelled when the client is gone, so parked requests can be withdrawn
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		conn.Close()
		t.untrack(conn)
	}()

	timeout := time.Duration(t.config.TimeoutSecond) * time.Second

	// Protects writes to the connection
	var writeMu sync.Mutex

	replyFor := func(shardID, requestID uint64, start time.Time) transport.ReplyFunc {
		var replied atomic.Bool
		return func(resp []byte) {
			if !replied.CompareAndSwap(false, true) {
				Logger.Warningf("Duplicate reply for request %d dropped", requestID)
				return
			}

			writeMu.Lock()
			defer writeMu.Unlock()

			if timeout > 0 {
				if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
					Logger.Debugf("Failed to set write deadline: %v", err)
					return
				}
			}
			if err := writeFrame(conn, shardID, requestID, resp); err != nil {
				Logger.Debugf("Failed to write response for request %d: %v", requestID, err)
				return
			}
			Logger.Debugf("Request %d for shard %d took %s", requestID, shardID, time.Since(start))
		}
	}

	for {
		// Idle connections are fine, only the payload is read against the timeout
		shardID, requestID, length, err := readHeader(conn)
		if err == nil {
			if timeout > 0 {
				err = conn.SetReadDeadline(time.Now().Add(timeout))
			}
		}
		var data []byte
		if err == nil {
			data, err = readPayload(conn, length)
		}
		if err == nil && timeout > 0 {
			err = conn.SetReadDeadline(time.Time{})
		}

		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				Logger.Debugf("Connection closed by client %s", conn.RemoteAddr())
			case t.isClosed() || errors.Is(err, net.ErrClosed):
			default:
				Logger.Errorf("Error reading request from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}

		t.handler(ctx, shardID, data, replyFor(shardID, requestID, time.Now()))
	}
}
