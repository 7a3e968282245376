package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ValentinKolb/dGrid/lib/lockmgr"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testNS     = lockmgr.ObjectNamespace{ServiceName: "lock", ObjectName: "orders"}
	testCaller = lockmgr.Caller{Owner: "node-1", ThreadID: 7}
)

func TestMessageTypeNames(t *testing.T) {
	for _, mt := range MessageTypes() {
		name := mt.String()
		require.NotEqual(t, "unknown", name, "type %d", mt)

		parsed, err := ParseMessageType(name)
		require.NoError(t, err)
		assert.Equal(t, mt, parsed)
	}
	assert.Equal(t, "unknown", MsgTUnknown.String())
	assert.Equal(t, "signal", MsgTSignal.String())

	_, err := ParseMessageType("set")
	assert.Error(t, err)
}

func TestMessageTypeJSON(t *testing.T) {
	data, err := json.Marshal(MsgTForceUnlock)
	require.NoError(t, err)
	assert.Equal(t, `"force-unlock"`, string(data))

	var mt MessageType
	require.NoError(t, json.Unmarshal([]byte(`"cancel-await"`), &mt))
	assert.Equal(t, MsgTCancelAwait, mt)

	assert.Error(t, json.Unmarshal([]byte(`"nope"`), &mt))
	assert.Error(t, json.Unmarshal([]byte(`3`), &mt))
}

func TestRequestFactories(t *testing.T) {
	msg := NewLockRequest(testNS, "k", testCaller, 1500*time.Millisecond)
	assert.Equal(t, MsgTLock, msg.MsgType)
	assert.Equal(t, testNS, msg.Namespace())
	assert.Equal(t, "k", msg.Key)
	assert.Equal(t, testCaller, msg.Caller())
	assert.Equal(t, int64(1500), msg.TTL)

	msg = NewAwaitRequest(testNS, "k", "c", testCaller, 2*time.Second, 0)
	assert.Equal(t, MsgTAwait, msg.MsgType)
	assert.Equal(t, "c", msg.ConditionID)
	assert.Equal(t, int64(2000), msg.Timeout)
	assert.Equal(t, int64(0), msg.TTL)

	msg = NewTicketAwaitRequest(testNS, "k", "c", testCaller, 9, 0, time.Second)
	assert.Equal(t, MsgTAwait, msg.MsgType)
	assert.Equal(t, uint64(9), msg.Ticket)
	assert.Equal(t, int64(1000), msg.TTL)

	msg = NewWithdrawAwaitRequest(testNS, "k", "c", testCaller, 9)
	assert.Equal(t, MsgTCancelAwait, msg.MsgType)
	assert.Equal(t, uint64(9), msg.Ticket)
	assert.Equal(t, testCaller, msg.Caller())

	msg = NewSignalRequest(testNS, "k", "c", testCaller, true)
	assert.True(t, msg.All)

	msg = NewForceUnlockRequest(testNS, "k")
	assert.Equal(t, "", msg.Owner)
}

func TestResponses(t *testing.T) {
	ok := NewResponse(MsgTLock, lockmgr.Response{Value: true, Count: 3})
	assert.True(t, ok.Ok)
	assert.Equal(t, int64(3), ok.Count)
	assert.NoError(t, ok.Error())

	failed := NewResponse(MsgTUnlock, lockmgr.Response{Err: fmt.Errorf("%w: k is held by B", lockmgr.ErrNotLockOwner)})
	assert.False(t, failed.Ok)
	assert.Equal(t, uint8(lockmgr.CodeNotLockOwner), failed.ErrCode)

	err := failed.Error()
	require.Error(t, err)
	assert.True(t, errors.Is(err, lockmgr.ErrNotLockOwner))
	assert.Contains(t, err.Error(), "held by B")

	// unknown failures without a code are internal errors
	raw := &Message{MsgType: MsgTError, Err: "boom"}
	assert.True(t, errors.Is(raw.Error(), lockmgr.ErrInternal))
}

func TestDurationMillis(t *testing.T) {
	assert.Equal(t, int64(0), DurationToMillis(0))
	assert.Equal(t, int64(0), DurationToMillis(-time.Second))
	assert.Equal(t, int64(1), DurationToMillis(time.Microsecond))
	assert.Equal(t, int64(1001), DurationToMillis(time.Second+time.Microsecond))
	assert.Equal(t, int64(250), DurationToMillis(250*time.Millisecond))

	assert.Equal(t, time.Duration(0), MillisToDuration(0))
	assert.Equal(t, time.Duration(0), MillisToDuration(-5))
	assert.Equal(t, 3*time.Second, MillisToDuration(3000))
	assert.Greater(t, MillisToDuration(1<<62), time.Duration(0), "saturates instead of overflowing")
}

func validServerConfig() ServerConfig {
	return ServerConfig{
		Shards:    []ServerShard{{ShardID: 1, Type: ShardTypeLockManager}},
		Transport: ServerTransportConfig{Endpoint: "127.0.0.1:8080", Workers: 4, QueueSize: 16},
		Locks:     LockConfig{Partitions: 2, EvictionIntervalSecond: 60},
		LogLevel:  "info",
	}
}

func TestServerConfigValidate(t *testing.T) {
	cfg := validServerConfig()
	require.NoError(t, cfg.Validate())

	tests := []struct {
		name   string
		modify func(c *ServerConfig)
	}{
		{"no shards", func(c *ServerConfig) { c.Shards = nil }},
		{"duplicate shard", func(c *ServerConfig) { c.Shards = append(c.Shards, c.Shards[0]) }},
		{"bad shard type", func(c *ServerConfig) { c.Shards[0].Type = "store" }},
		{"no endpoint", func(c *ServerConfig) { c.Transport.Endpoint = "" }},
		{"negative workers", func(c *ServerConfig) { c.Transport.Workers = -1 }},
		{"negative partitions", func(c *ServerConfig) { c.Locks.Partitions = -1 }},
		{"negative interval", func(c *ServerConfig) { c.Locks.EvictionIntervalSecond = -1 }},
		{"negative rate", func(c *ServerConfig) { c.MaxRequestsPerSecond = -1 }},
		{"bad log level", func(c *ServerConfig) { c.LogLevel = "verbose" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validServerConfig()
			tt.modify(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestParseServerShardType(t *testing.T) {
	for _, s := range []string{"lock manager", "lockmgr", " LOCK "} {
		st, err := ParseServerShardType(s)
		require.NoError(t, err)
		assert.Equal(t, ShardTypeLockManager, st)
	}
	_, err := ParseServerShardType("local store")
	assert.Error(t, err)
}

func TestConfigString(t *testing.T) {
	cfg := validServerConfig()
	s := cfg.String()
	assert.Contains(t, s, "RPC SERVER")
	assert.Contains(t, s, "127.0.0.1:8080")
	assert.Contains(t, s, "lock manager")
	assert.Contains(t, s, "unlimited")

	client := ClientConfig{TimeoutSecond: 5, Transport: ClientTransportConfig{Endpoints: []string{"a:1", "b:2"}}}
	s = client.String()
	assert.Contains(t, s, "a:1")
	assert.Contains(t, s, "5 sec")
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]logger.LogLevel{
		"debug":   logger.DEBUG,
		"INFO":    logger.INFO,
		"":        logger.INFO,
		"warn":    logger.WARNING,
		"warning": logger.WARNING,
		"error":   logger.ERROR,
	}
	for in, want := range tests {
		got, err := ParseLogLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLogLevel("loud")
	assert.Error(t, err)
	assert.Error(t, InitLoggers("loud"))
}
