package server

import (
	"context"

	"github.com/ValentinKolb/dGrid/rpc/common"
)

// IRPCServerAdapter is the interface for all RPC server adapters.
// It translates decoded requests of one shard into calls of the service
// behind the shard.
type IRPCServerAdapter interface {
	// Handle handles a request and hands the response to reply, exactly once.
	// Handle may return before reply is called. ctx ends when the client is
	// gone; requests still waiting at that point should be withdrawn.
	// If an error occurs, it should be set in the response.
	Handle(ctx context.Context, req *common.Message, reply func(resp *common.Message))
}
