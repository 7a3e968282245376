package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"runtime"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/ValentinKolb/dGrid/lib/executor"
	"github.com/ValentinKolb/dGrid/lib/lockmgr"
	"github.com/ValentinKolb/dGrid/rpc/common"
	"github.com/ValentinKolb/dGrid/rpc/serializer"
	"github.com/ValentinKolb/dGrid/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("rpc")

const (
	defaultWorkers   = 64
	defaultQueueSize = 4096
)

// serverShard is a shard of the RPC server: the lock service it encapsulates
// and the adapter that handles requests for it
type serverShard struct {
	Type    common.ServerShardType
	Service *lockmgr.Service
	Adapter IRPCServerAdapter
}

// NewRPCServer creates a new RPC server
// It takes a config, transport and serializer as parameters
//
// Usage:
//
//	s := server.NewRPCServer(
//		*config,
//		tcp.NewTCPServerTransport(),
//		serializer.NewBinarySerializer(),
//	)
//
//	if err := s.Serve(); err != nil {
//		panic(err)
//	 }
func NewRPCServer(
	config common.ServerConfig,
	transport transport.IRPCServerTransport,
	serializer serializer.IRPCSerializer,
) *RPCServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	Logger.Infof("Created RPC Server")
	Logger.Infof(config.String())

	return &RPCServer{
		config:     config,
		transport:  transport,
		serializer: serializer,
		shards:     xsync.NewMapOf[uint64, serverShard](),
		limiter:    NewTokenBucketRateLimiter(config.MaxRequestsPerSecond),
		metrics:    newServerMetrics(),
		stop:       make(chan struct{}),
	}
}

// RPCServer serves the lock manager shards of one node
type RPCServer struct {
	config     common.ServerConfig
	transport  transport.IRPCServerTransport
	serializer serializer.IRPCSerializer
	shards     *xsync.MapOf[uint64, serverShard]

	executor *executor.ManagedExecutor
	limiter  RateLimiter
	metrics  *serverMetrics

	mu      sync.Mutex // guards started and closed
	started bool
	closed  bool
	stop    chan struct{}
}

// Serve initializes the shards and runs the transport. It blocks until the
// server is closed.
func (s *RPCServer) Serve() error {
	if err := s.init(); err != nil {
		return err
	}

	if interval := time.Duration(s.config.MetricsLogIntervalSecond) * time.Second; interval > 0 {
		go s.metrics.logEvery(interval, s.stop, func() []string {
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			defer cancel()
			return s.shardLines(ctx)
		})
	}

	return s.transport.Listen(s.config)
}

// Addr returns the address the transport listens on, nil before it does.
func (s *RPCServer) Addr() net.Addr {
	return s.transport.Addr()
}

// Service returns the lock service behind shardID.
func (s *RPCServer) Service(shardID uint64) (*lockmgr.Service, bool) {
	shard, ok := s.shards.Load(shardID)
	if !ok {
		return nil, false
	}
	return shard.Service, true
}

// shardLines formats the state of every lock service, sorted by shard id
func (s *RPCServer) shardLines(ctx context.Context) []string {
	var lines []string
	s.shards.Range(func(id uint64, shard serverShard) bool {
		st, err := shard.Service.Stats(ctx)
		if err != nil {
			Logger.Warningf("failed to collect stats of shard %d: %v", id, err)
			return true
		}
		lines = append(lines, fmt.Sprintf("shard %-8d entries=%d locked=%d parked=%d records=%d inflight=%d",
			id, st.Entries, st.Locked, st.Parked, st.Records, st.InFlight))
		return true
	})
	sort.Strings(lines)
	return lines
}

// Close stops accepting requests, withdraws the awaits of all clients and
// shuts the lock services down.
func (s *RPCServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	close(s.stop)
	s.mu.Unlock()

	err := s.transport.Close()
	if !started {
		return err
	}

	s.executor.Shutdown()
	s.shards.Range(func(id uint64, shard serverShard) bool {
		shard.Service.Close()
		return true
	})
	Logger.Infof("RPC Server stopped")
	return err
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (s *RPCServer) init() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return lockmgr.ErrServiceClosed
	}
	if s.started {
		return fmt.Errorf("server already started")
	}

	lockCfg := lockmgr.Config{
		Partitions:       s.config.Locks.Partitions,
		EvictionInterval: time.Duration(s.config.Locks.EvictionIntervalSecond) * time.Second,
	}

	// CREATE SHARDS

	/*
		Note: A single RPC Server can have any number of shards. Every shard
		runs its own lock service, so equal keys in different shards are
		different locks.
	*/

	for _, shardConfig := range s.config.Shards {
		service := lockmgr.NewService(lockCfg)
		s.shards.Store(shardConfig.ShardID, serverShard{
			Type:    shardConfig.Type,
			Service: service,
			Adapter: NewLockManagerServerAdapter(service),
		})
		Logger.Infof("created lock manager for shard %d", shardConfig.ShardID)
	}

	workers := s.config.Transport.Workers
	if workers == 0 {
		workers = defaultWorkers
	}
	queueSize := s.config.Transport.QueueSize
	if queueSize == 0 {
		queueSize = defaultQueueSize
	}
	s.executor = executor.NewManagedExecutor("rpc", workers, queueSize)

	// Configure the transport layer
	s.transport.RegisterHandler(s.handle)
	s.started = true

	Logger.Infof("dGrid setup completed successfully")
	return nil
}

// handle admits a request and hands it to the executor. It runs on the
// reading goroutine of the connection and never blocks.
func (s *RPCServer) handle(ctx context.Context, shardID uint64, req []byte, reply transport.ReplyFunc) {
	if !s.limiter.Allow() {
		rejectedRateTotal.Inc()
		s.respond(reply, common.NewErrorResponse(common.MsgTError,
			fmt.Errorf("%w: request rate limit exceeded", lockmgr.ErrOverloaded)))
		return
	}

	err := s.executor.Execute(func() { s.dispatch(ctx, shardID, req, reply) })
	switch {
	case err == nil:
	case errors.Is(err, executor.ErrShutdown):
		s.respond(reply, common.NewErrorResponse(common.MsgTError, lockmgr.ErrServiceClosed))
	default:
		rejectedQueueTotal.Inc()
		s.respond(reply, common.NewErrorResponse(common.MsgTError, fmt.Errorf("%w: %w", lockmgr.ErrOverloaded, err)))
	}
}

// dispatch decodes a request and lets the adapter of its shard handle it
func (s *RPCServer) dispatch(ctx context.Context, shardID uint64, req []byte, reply transport.ReplyFunc) {
	start := time.Now()

	// Get appropriate shard
	shard, ok := s.shards.Load(shardID)
	if !ok {
		badRequestsTotal.Inc()
		s.respond(reply, common.NewErrorResponse(common.MsgTError,
			fmt.Errorf("%w: shard %d not found", lockmgr.ErrInvalidArgument, shardID)))
		return
	}

	// Decode the request
	var msg common.Message
	if err := s.serializer.Deserialize(req, &msg); err != nil {
		badRequestsTotal.Inc()
		s.respond(reply, common.NewErrorResponse(common.MsgTError,
			fmt.Errorf("%w: failed to deserialize request: %v", lockmgr.ErrInvalidArgument, err)))
		return
	}

	// Let the adapter handle the request
	shard.Adapter.Handle(ctx, &msg, func(resp *common.Message) {
		s.metrics.observe(msg.MsgType, start, resp)
		s.respond(reply, resp)
	})
}

// respond serializes resp and hands it to the transport
func (s *RPCServer) respond(reply transport.ReplyFunc, resp *common.Message) {
	val, err := s.serializer.Serialize(*resp)
	if err != nil {
		Logger.Errorf("failed to serialize response: %v", err)
		val, err = s.serializer.Serialize(*common.NewErrorResponse(common.MsgTError,
			fmt.Errorf("%w: failed to serialize response: %v", lockmgr.ErrInternal, err)))
		if err != nil {
			// the client runs into its timeout
			return
		}
	}
	reply(val)
}
