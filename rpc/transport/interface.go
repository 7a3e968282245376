package transport

import (
	"context"
	"errors"
	"net"

	"github.com/ValentinKolb/dGrid/rpc/common"
)

// ErrNotConnected is returned by Send when no connection to any endpoint is up.
var ErrNotConnected = errors.New("transport: not connected")

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// ReplyFunc sends the response of a request back to the client. It must be
// called exactly once per request and may be called from any goroutine.
type ReplyFunc func(resp []byte)

// ServerHandleFunc is a function type that handles incoming requests.
// This function is called by a server transport layer when a request is received.
// It must not block: the response is sent later through reply. ctx is
// cancelled once the client connection is gone.
type ServerHandleFunc func(ctx context.Context, shardID uint64, req []byte, reply ReplyFunc)

// IRPCServerTransport is the interface for the RPC transport layer
type IRPCServerTransport interface {
	// RegisterHandler registers a handler for the transport layer
	// This handler should be called when a request is received
	// The transport layer is responsible for routing the request to the appropriate shard
	RegisterHandler(handler ServerHandleFunc)
	// Listen starts the transport layer and serves requests until Close is called
	Listen(config common.ServerConfig) error
	// Addr returns the address the transport listens on, nil before Listen
	Addr() net.Addr
	// Close stops listening and closes all client connections
	Close() error
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// IRPCClientTransport is the interface for the RPC client transport
type IRPCClientTransport interface {
	// Connect initializes the transport with the given configuration
	Connect(config common.ClientConfig) error
	// Send sends a request to the server and waits for the response or the
	// end of ctx. Requests are only sent again if they never left the client.
	Send(ctx context.Context, shardID uint64, req []byte) (resp []byte, err error)
	// Close closes the transport connection
	Close() error
}
