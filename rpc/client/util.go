package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/dGrid/lib/lockmgr"
	"github.com/ValentinKolb/dGrid/rpc/common"
	"github.com/ValentinKolb/dGrid/rpc/serializer"
	"github.com/ValentinKolb/dGrid/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	Logger = logger.GetLogger("rpc")
)

// rpcClientAdapter is a struct that stores all data needed for an implementation of an RPC client
type rpcClientAdapter struct {
	shardId    uint64
	config     common.ClientConfig
	transport  transport.IRPCClientTransport
	serializer serializer.IRPCSerializer
}

// timeout is the time granted to a request that never parks
func (a *rpcClientAdapter) timeout() time.Duration {
	if a.config.TimeoutSecond <= 0 {
		return 0
	}
	return time.Duration(a.config.TimeoutSecond) * time.Second
}

// invoke sends req with the given deadline (none if 0) and returns the
// response. Errors reported by the server are rebuilt so they wrap the lockmgr
// sentinel errors; failures to deliver the request wrap lockmgr.ErrTransient.
func (a *rpcClientAdapter) invoke(ctx context.Context, req *common.Message, timeout time.Duration) (*common.Message, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return invokeRPCRequest(ctx, a.shardId, req, a.transport, a.serializer)
}

// invokeRPCRequest is a helper function used for all RPC clients to send requests
// It takes a shard ID, a request message, a transport layer and a serializer as parameters
// It returns a response message and an error if any occurs
// This method also checks if the response is an error response and if the type of the response is the expected type
func invokeRPCRequest(ctx context.Context, shardId uint64, req *common.Message, transport transport.IRPCClientTransport, serializer serializer.IRPCSerializer) (*common.Message, error) {
	// Serialize the request
	reqBytes, err := serializer.Serialize(*req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to serialize request: %v", lockmgr.ErrInvalidArgument, err)
	}

	// Send the request
	respBytes, err := transport.Send(ctx, shardId, reqBytes)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// the caller gave up, this is not a failure of the grid
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", lockmgr.ErrTransient, req.MsgType, err)
	}

	// Deserialize the response
	resp := &common.Message{}
	if err := serializer.Deserialize(respBytes, resp); err != nil {
		return nil, fmt.Errorf("%w: failed to deserialize response: %v", lockmgr.ErrInternal, err)
	}

	// Check if the response is an error response
	if err := resp.Error(); err != nil {
		return nil, err
	}
	if resp.MsgType == common.MsgTError {
		return nil, fmt.Errorf("%w: error response without message", lockmgr.ErrInternal)
	}

	// Check if the type of the response is the expected type
	if resp.MsgType != req.MsgType {
		return nil, fmt.Errorf("%w: unexpected message type %s, expected %s", lockmgr.ErrInternal, resp.MsgType, req.MsgType)
	}

	return resp, nil
}
