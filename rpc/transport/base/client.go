package base

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dGrid/rpc/common"
	"github.com/ValentinKolb/dGrid/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("transport/rpc")

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IClientConnector defines the interface for transport-specific connection operations
type IClientConnector interface {
	// Connect establishes a single connection to endpoint
	Connect(endpoint string) (net.Conn, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// responseResult contains the result of a request
type responseResult struct {
	data []byte
	err  error
}

// errNotSent marks failures that happened before the request left the client
type errNotSent struct{ err error }

func (e *errNotSent) Error() string { return e.err.Error() }
func (e *errNotSent) Unwrap() error { return e.err }

// clientConnection represents a single net connection. It reconnects in the
// background when the connection is lost.
type clientConnection struct {
	endpoint string
	parent   *clientTransport

	mu   sync.Mutex // Protects conn and writes to it
	conn net.Conn

	pending *xsync.MapOf[uint64, chan responseResult]
	stopCh  chan struct{} // Closed by Close, stops reconnecting
}

// clientTransport implements the core client transport functionality
// independent of the specific transport medium (unix, tcp, etc.)
type clientTransport struct {
	connector     IClientConnector
	config        common.ClientConfig
	connections   []*clientConnection
	connectionsMu sync.RWMutex
	nextConnIndex atomic.Uint64 // Round Robin
	nextRequestID atomic.Uint64 // unique request IDs
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseClientTransport creates a new base client transport with the specified connector
func NewBaseClientTransport(connector IClientConnector) transport.IRPCClientTransport {
	return &clientTransport{connector: connector}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *clientTransport) Connect(config common.ClientConfig) error {
	if len(config.Transport.Endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}

	// Close all existing connections
	t.closeConnections()
	t.config = config

	connectionsPerEP := max(1, config.Transport.ConnectionsPerEndpoint)
	connections := make([]*clientConnection, 0, len(config.Transport.Endpoints)*connectionsPerEP)
	connected := 0

	for _, endpoint := range config.Transport.Endpoints {
		for i := 0; i < connectionsPerEP; i++ {
			c := &clientConnection{
				endpoint: endpoint,
				parent:   t,
				pending:  xsync.NewMapOf[uint64, chan responseResult](),
				stopCh:   make(chan struct{}),
			}
			connections = append(connections, c)

			if err := c.connect(); err != nil {
				Logger.Warningf("Failed to connect to %s (connection %d/%d): %v", endpoint, i+1, connectionsPerEP, err)
				go c.reconnectLoop()
				continue
			}
			connected++
		}
	}

	t.connectionsMu.Lock()
	t.connections = connections
	t.connectionsMu.Unlock()

	// Check if we have at least one connection
	if connected == 0 {
		t.closeConnections()
		return fmt.Errorf("failed to connect to any endpoint")
	}

	Logger.Infof("Connected %d out of %d connections to %d endpoints using %s transport",
		connected, len(connections), len(config.Transport.Endpoints), t.connector.GetName())
	return nil
}

func (t *clientTransport) Send(ctx context.Context, shardID uint64, req []byte) ([]byte, error) {
	requestID := t.nextRequestID.Add(1)

	attempts := max(1, t.config.Transport.RetryCount)
	var lastErr error

	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		conn := t.getNextConnection()
		if conn == nil {
			return nil, transport.ErrNotConnected
		}

		data, err := conn.send(ctx, shardID, requestID, req)
		if err == nil {
			return data, nil
		}

		// Only requests that never left the client are sent again,
		// lock operations are not idempotent
		var notSent *errNotSent
		if !errors.As(err, &notSent) {
			return nil, err
		}

		lastErr = err
		Logger.Debugf("Request attempt %d/%d failed: %v", i+1, attempts, err)

		if i+1 < attempts {
			select {
			case <-time.After(backoff(i)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return nil, fmt.Errorf("failed to send request after %d attempts: %w", attempts, lastErr)
}

func (t *clientTransport) Close() error {
	t.closeConnections()
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// getNextConnection selects the next connection via Round Robin, skipping
// connections that are currently down
func (t *clientTransport) getNextConnection() *clientConnection {
	t.connectionsMu.RLock()
	defer t.connectionsMu.RUnlock()

	n := uint64(len(t.connections))
	if n == 0 {
		return nil
	}

	start := t.nextConnIndex.Add(1)
	for i := uint64(0); i < n; i++ {
		c := t.connections[(start+i)%n]
		if c.isConnected() {
			return c
		}
	}
	// all down: hand out one anyway, the send fails fast and is retried
	return t.connections[start%n]
}

// closeConnections closes all active connections
func (t *clientTransport) closeConnections() {
	t.connectionsMu.Lock()
	connections := t.connections
	t.connections = nil
	t.connectionsMu.Unlock()

	for _, c := range connections {
		c.close()
	}
}

func (c *clientConnection) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// send writes one request and waits for its response
func (c *clientConnection) send(ctx context.Context, shardID, requestID uint64, req []byte) ([]byte, error) {
	respCh := make(chan responseResult, 1)
	c.pending.Store(requestID, respCh)
	defer c.pending.Delete(requestID)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, &errNotSent{fmt.Errorf("connection to %s is down", c.endpoint)}
	}

	deadline, ok := ctx.Deadline()
	if timeout := time.Duration(c.parent.config.TimeoutSecond) * time.Second; timeout > 0 {
		if d := time.Now().Add(timeout); !ok || d.Before(deadline) {
			deadline, ok = d, true
		}
	}
	if ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	err := writeFrame(conn, shardID, requestID, req)
	if ok {
		_ = conn.SetWriteDeadline(time.Time{})
	}
	c.mu.Unlock()

	if err != nil {
		// the frame is incomplete, the server drops the connection without running it
		c.connectionLost(conn, err)
		return nil, &errNotSent{fmt.Errorf("failed to write request to %s: %w", c.endpoint, err)}
	}

	select {
	case result := <-respCh:
		return result.data, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// connect dials the endpoint and starts the response reader
func (c *clientConnection) connect() error {
	conn, err := c.parent.connector.Connect(c.endpoint)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.endpoint, err)
	}

	cfg := c.parent.config.Transport
	if err := ApplySocketOptions(conn, cfg.SocketConf, &cfg.TCPConf); err != nil {
		conn.Close()
		return fmt.Errorf("failed to upgrade connection to %s: %w", c.endpoint, err)
	}

	c.mu.Lock()
	select {
	case <-c.stopCh:
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("connection to %s closed", c.endpoint)
	default:
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readResponses(conn)
	return nil
}

// readResponses reads responses in a loop and distributes them to waiting
// requests. There is no read deadline: responses to awaits may take long.
func (c *clientConnection) readResponses(conn net.Conn) {
	for {
		shardID, requestID, data, err := readFrame(conn)
		if err != nil {
			c.connectionLost(conn, err)
			return
		}

		if respCh, found := c.pending.LoadAndDelete(requestID); found {
			respCh <- responseResult{data: data}
		} else {
			// the caller gave up on the request already
			Logger.Debugf("Received response for unknown request ID %d with shard ID %d", requestID, shardID)
		}
	}
}

// connectionLost fails all requests in flight on conn and starts to reconnect
func (c *clientConnection) connectionLost(conn net.Conn, cause error) {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()

	if !current {
		return
	}

	c.pending.Range(func(requestID uint64, _ chan responseResult) bool {
		if respCh, ok := c.pending.LoadAndDelete(requestID); ok {
			respCh <- responseResult{err: fmt.Errorf("connection to %s lost: %w", c.endpoint, cause)}
		}
		return true
	})

	select {
	case <-c.stopCh:
		return
	default:
	}
	Logger.Warningf("Connection to %s lost: %v", c.endpoint, cause)
	go c.reconnectLoop()
}

// reconnectLoop restores the connection with exponential backoff until it
// succeeds or the connection is closed
func (c *clientConnection) reconnectLoop() {
	for attempt := 0; ; attempt++ {
		select {
		case <-c.stopCh:
			return
		case <-time.After(backoff(attempt)):
		}

		if err := c.connect(); err != nil {
			Logger.Debugf("Reconnect attempt %d failed: %v", attempt+1, err)
			continue
		}
		Logger.Infof("Reconnected to %s", c.endpoint)
		return
	}
}

// close stops reconnecting and closes the connection
func (c *clientConnection) close() {
	c.mu.Lock()
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		// the reader fails the requests in flight
		c.connectionLost(conn, net.ErrClosed)
	}
}
