package http

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/ValentinKolb/dGrid/rpc/common"
	"github.com/ValentinKolb/dGrid/rpc/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, handler transport.ServerHandleFunc) string {
	t.Helper()

	srv := NewHttpServerTransport()
	srv.RegisterHandler(handler)

	done := make(chan error, 1)
	go func() {
		done <- srv.Listen(common.ServerConfig{
			Transport:     common.ServerTransportConfig{Endpoint: "127.0.0.1:0"},
			TimeoutSecond: 5,
			LogLevel:      "debug",
		})
	}()
	require.Eventually(t, func() bool { return srv.Addr() != nil }, 2*time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		require.NoError(t, srv.Close())
		assert.NoError(t, <-done)
	})
	return srv.Addr().String()
}

func TestHttpRoundTrip(t *testing.T) {
	addr := startServer(t, func(_ context.Context, shardID uint64, req []byte, reply transport.ReplyFunc) {
		go reply(append(req, byte(shardID)))
	})

	client := NewHttpClientTransport()
	require.NoError(t, client.Connect(common.ClientConfig{
		TimeoutSecond: 5,
		Transport:     common.ClientTransportConfig{Endpoints: []string{addr}, RetryCount: 2},
	}))
	defer client.Close()

	resp, err := client.Send(context.Background(), 9, []byte("ab"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ab\x09"), resp)
}

func TestHttpInvalidShard(t *testing.T) {
	addr := startServer(t, func(_ context.Context, _ uint64, req []byte, reply transport.ReplyFunc) {
		reply(req)
	})

	resp, err := http.Post("http://"+addr+"/not-a-number", "application/octet-stream", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHttpMetricsEndpoint(t *testing.T) {
	addr := startServer(t, func(_ context.Context, _ uint64, req []byte, reply transport.ReplyFunc) {
		reply(req)
	})

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestHttpContextCancelled(t *testing.T) {
	cancelled := make(chan struct{})
	addr := startServer(t, func(ctx context.Context, _ uint64, _ []byte, reply transport.ReplyFunc) {
		go func() {
			<-ctx.Done()
			close(cancelled)
			reply(nil)
		}()
	})

	client := NewHttpClientTransport()
	require.NoError(t, client.Connect(common.ClientConfig{Transport: common.ClientTransportConfig{Endpoints: []string{"http://" + addr}}}))
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Send(ctx, 1, []byte("park"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("server side context not cancelled")
	}
}
