package base

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/ValentinKolb/dGrid/rpc/common"
)

const (
	headerSize = 20

	// maxFrameSize bounds the payload a peer can make us allocate
	maxFrameSize = 16 * 1024 * 1024
)

var headerPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, headerSize)
		return &b
	},
}

// writeFrame writes a frame to the connection with the format:
// - 8 bytes: shardId (uint64, big endian)
// - 8 bytes: requestID (uint64, big endian)
// - 4 bytes: data length (uint32, big endian)
// - N bytes: data payload
func writeFrame(conn net.Conn, shardID uint64, requestID uint64, data []byte) error {
	hp := headerPool.Get().(*[]byte)
	defer headerPool.Put(hp)

	header := *hp
	binary.BigEndian.PutUint64(header[:8], shardID)
	binary.BigEndian.PutUint64(header[8:16], requestID)
	binary.BigEndian.PutUint32(header[16:20], uint32(len(data)))

	b := net.Buffers{header, data}
	_, err := b.WriteTo(conn)
	return err
}

// readHeader reads the header of the next frame
func readHeader(conn net.Conn) (shardID, requestID uint64, length uint32, err error) {
	var header [headerSize]byte
	if _, err = io.ReadFull(conn, header[:]); err != nil {
		return 0, 0, 0, err
	}
	shardID = binary.BigEndian.Uint64(header[:8])
	requestID = binary.BigEndian.Uint64(header[8:16])
	length = binary.BigEndian.Uint32(header[16:20])
	if length > maxFrameSize {
		return 0, 0, 0, fmt.Errorf("frame of %d bytes exceeds the limit of %d bytes", length, maxFrameSize)
	}
	return shardID, requestID, length, nil
}

// readPayload reads length bytes into a new buffer, the caller owns it
func readPayload(conn net.Conn, length uint32) ([]byte, error) {
	data := make([]byte, length)
	if length == 0 {
		return data, nil
	}
	if _, err := io.ReadFull(conn, data); err != nil {
		return nil, err
	}
	return data, nil
}

// readFrame reads one complete frame
func readFrame(conn net.Conn) (uint64, uint64, []byte, error) {
	shardID, requestID, length, err := readHeader(conn)
	if err != nil {
		return 0, 0, nil, err
	}
	data, err := readPayload(conn, length)
	if err != nil {
		return 0, 0, nil, err
	}
	return shardID, requestID, data, nil
}

// --------------------------------------------------------------------------
// Socket options
// --------------------------------------------------------------------------

// ApplySocketOptions sets the buffer sizes of conn and, for TCP connections,
// the TCP options. Zero values keep the system defaults.
func ApplySocketOptions(conn net.Conn, socket common.SocketConf, tcp *common.TCPConf) error {
	type bufferSetter interface {
		SetReadBuffer(bytes int) error
		SetWriteBuffer(bytes int) error
	}

	if bs, ok := conn.(bufferSetter); ok {
		if socket.WriteBufferSize > 0 {
			if err := bs.SetWriteBuffer(socket.WriteBufferSize); err != nil {
				return err
			}
		}
		if socket.ReadBufferSize > 0 {
			if err := bs.SetReadBuffer(socket.ReadBufferSize); err != nil {
				return err
			}
		}
	}

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok || tcp == nil {
		return nil
	}

	// Disable Nagle's algorithm if configured
	if err := tcpConn.SetNoDelay(tcp.TCPNoDelay); err != nil {
		return err
	}
	if tcp.TCPKeepAliveSec > 0 {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			return err
		}
		if err := tcpConn.SetKeepAlivePeriod(time.Duration(tcp.TCPKeepAliveSec) * time.Second); err != nil {
			return err
		}
	}
	if tcp.TCPLingerSec > 0 {
		if err := tcpConn.SetLinger(tcp.TCPLingerSec); err != nil {
			return err
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Backoff
// --------------------------------------------------------------------------

const (
	baseBackoff = 50 * time.Millisecond
	maxBackoff  = 5 * time.Second
)

// backoff returns the delay before attempt n (starting at 0): exponential
// from baseBackoff up to maxBackoff with +-10% jitter.
func backoff(n int) time.Duration {
	d := baseBackoff
	for i := 0; i < n && d < maxBackoff; i++ {
		d *= 2
	}
	d = min(d, maxBackoff)
	return time.Duration(float64(d) * (0.9 + 0.2*rand.Float64()))
}
