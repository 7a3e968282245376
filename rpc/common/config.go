package common

import (
	"fmt"
	"strconv"
	"strings"
)

// --------------------------------------------------------------------------
// Shards
// --------------------------------------------------------------------------

type ServerShardType string

const (
	// ShardTypeLockManager serves lock and condition requests from a local lockmgr.Service
	ShardTypeLockManager ServerShardType = "lock manager"
)

// ParseServerShardType converts the name of a shard type back to its value.
func ParseServerShardType(s string) (ServerShardType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "lock manager", "lockmgr", "lock":
		return ShardTypeLockManager, nil
	default:
		return "", fmt.Errorf("invalid shard type: %q", s)
	}
}

type ServerShard struct {
	// ShardID is the ID of the shard
	ShardID uint64
	// Type selects what the shard serves
	Type ServerShardType
}

// --------------------------------------------------------------------------
// RPC server configuration structs
// --------------------------------------------------------------------------

// SocketConf holds the socket options shared by all stream transports.
type SocketConf struct {
	WriteBufferSize int
	ReadBufferSize  int
}

// TCPConf holds the options only applied to TCP connections. Zero values
// leave the operating system default in place.
type TCPConf struct {
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int
}

// ServerTransportConfig configures the listening side of the transport.
type ServerTransportConfig struct {
	Endpoint string
	SocketConf
	TCPConf

	// Workers is the maximum number of goroutines decoding and dispatching
	// requests, QueueSize the number of requests waiting for one of them.
	Workers   int
	QueueSize int
}

// LockConfig configures the lock service of every lock manager shard.
type LockConfig struct {
	// Partitions is the number of partitions, 0 uses the number of CPUs
	Partitions int
	// EvictionIntervalSecond is the period of the expired lock sweep, 0 disables it
	EvictionIntervalSecond int64
}

// ServerConfig holds all configuration parameters of a server node.
type ServerConfig struct {
	Shards    []ServerShard
	Transport ServerTransportConfig
	Locks     LockConfig

	// Deadline for reading a request and writing its response (await responses excluded)
	TimeoutSecond int64

	// Requests per second accepted by the node, 0 disables the limit
	MaxRequestsPerSecond float64
	// Log the per message type latencies every interval, 0 disables it
	MetricsLogIntervalSecond int64

	// Logging configuration
	LogLevel string
}

// Validate checks the configuration before anything is started.
func (c *ServerConfig) Validate() error {
	if len(c.Shards) == 0 {
		return fmt.Errorf("no shards configured")
	}
	seen := make(map[uint64]bool, len(c.Shards))
	for _, shard := range c.Shards {
		if seen[shard.ShardID] {
			return fmt.Errorf("duplicate shard id %d", shard.ShardID)
		}
		seen[shard.ShardID] = true
		if shard.Type != ShardTypeLockManager {
			return fmt.Errorf("shard %d: invalid shard type %q", shard.ShardID, shard.Type)
		}
	}
	if c.Transport.Endpoint == "" {
		return fmt.Errorf("no endpoint configured")
	}
	if c.Transport.Workers < 0 || c.Transport.QueueSize < 0 {
		return fmt.Errorf("workers and queue size must not be negative")
	}
	if c.Locks.Partitions < 0 {
		return fmt.Errorf("partitions must not be negative")
	}
	if c.Locks.EvictionIntervalSecond < 0 || c.MetricsLogIntervalSecond < 0 || c.TimeoutSecond < 0 {
		return fmt.Errorf("intervals and timeouts must not be negative")
	}
	if c.MaxRequestsPerSecond < 0 {
		return fmt.Errorf("max requests per second must not be negative")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder
	addSection, addField := formatHelpers(&sb)

	// RPC settings
	addSection("RPC Server")
	addField("Endpoint", c.Transport.Endpoint)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Workers", strconv.Itoa(c.Transport.Workers))
	addField("Queue Size", strconv.Itoa(c.Transport.QueueSize))
	addField("Max Requests/s", formatLimit(c.MaxRequestsPerSecond))

	addSection("Socket")
	addField("Write Buffer", formatBytes(c.Transport.WriteBufferSize))
	addField("Read Buffer", formatBytes(c.Transport.ReadBufferSize))
	addField("TCP No Delay", strconv.FormatBool(c.Transport.TCPNoDelay))
	addField("TCP Keep Alive", fmt.Sprintf("%d sec", c.Transport.TCPKeepAliveSec))
	addField("TCP Linger", fmt.Sprintf("%d sec", c.Transport.TCPLingerSec))

	// Lock service
	addSection("Locks")
	if c.Locks.Partitions == 0 {
		addField("Partitions", "num cpu")
	} else {
		addField("Partitions", strconv.Itoa(c.Locks.Partitions))
	}
	addField("Eviction Interval", formatInterval(c.Locks.EvictionIntervalSecond))

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)
	addField("Metrics Interval", formatInterval(c.MetricsLogIntervalSecond))

	// Shards
	addSection("Shards")
	for _, shard := range c.Shards {
		addField(strconv.FormatUint(shard.ShardID, 10), string(shard.Type))
	}

	return sb.String()
}

// --------------------------------------------------------------------------
// RPC client configuration structs
// --------------------------------------------------------------------------

// ClientTransportConfig configures the connecting side of the transport.
type ClientTransportConfig struct {
	Endpoints              []string
	RetryCount             int
	ConnectionsPerEndpoint int
	SocketConf
	TCPConf
}

type ClientConfig struct {
	TimeoutSecond int
	Transport     ClientTransportConfig
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder
	addSection, addField := formatHelpers(&sb)

	// General Client Settings
	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.Transport.RetryCount))
	addField("Connections Per Endpoint", strconv.Itoa(max(1, c.Transport.ConnectionsPerEndpoint)))

	// Endpoints
	addSection("Endpoints")
	for i, endpoint := range c.Transport.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func formatHelpers(sb *strings.Builder) (addSection func(string), addField func(string, string)) {
	addSection = func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}
	addField = func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-24s: %s\n", name, value))
	}
	return addSection, addField
}

func formatInterval(sec int64) string {
	if sec <= 0 {
		return "disabled"
	}
	return fmt.Sprintf("%d sec", sec)
}

func formatLimit(rps float64) string {
	if rps <= 0 {
		return "unlimited"
	}
	return strconv.FormatFloat(rps, 'f', -1, 64)
}

func formatBytes(n int) string {
	if n <= 0 {
		return "os default"
	}
	return fmt.Sprintf("%d KB", n/1024)
}
