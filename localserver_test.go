package lambdart

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runLocalServerFixture wires a LocalServer and a Runtime driving it
// together, the same way cmd/lambdart does, and returns the server's
// base URL once it's accepting connections.
func runLocalServerFixture(t *testing.T, handler StreamingHandler) (baseURL string, stop func()) {
	t.Helper()
	logger := zerolog.Nop()
	addr := "127.0.0.1:17321"
	srv := NewLocalServer(addr, &logger)

	ctx, cancel := context.WithCancel(context.Background())
	serverDone := make(chan error, 1)
	go func() { serverDone <- srv.ListenAndServe(ctx) }()

	client := NewClient(addr, nil)
	cfg := NewConfig(WithAPIAddress(addr))
	rt := NewRuntime(client, handler, cfg)
	runDone := make(chan error, 1)
	go func() { runDone <- rt.Run(ctx) }()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond, "local server never came up")

	return "http://" + addr, func() {
		cancel()
		<-serverDone
		<-runDone
	}
}

func TestLocalServer_bufferedRoundTrip(t *testing.T) {
	handler := HandlerFunc(func(ctx context.Context, invCtx *InvocationContext, event []byte) ([]byte, error) {
		return append([]byte("echo:"), event...), nil
	})
	base, stop := runLocalServerFixture(t, handler)
	defer stop()

	resp, err := http.Post(base+"/invoke", "text/plain", strings.NewReader("hi"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", string(body))
}

func TestLocalServer_streamingRoundTripAppliesPrelude(t *testing.T) {
	handler := StreamingHandlerFunc(func(ctx context.Context, invCtx *InvocationContext, event []byte, w ResponseSink) error {
		if err := w.WriteStatusAndHeaders(201, map[string]string{"X-Custom-Header": "streaming-test"}, nil); err != nil {
			return err
		}
		if _, err := w.Write([]byte("chunk-1")); err != nil {
			return err
		}
		if _, err := w.Write([]byte("chunk-2")); err != nil {
			return err
		}
		return w.Finish()
	})
	base, stop := runLocalServerFixture(t, handler)
	defer stop()

	resp, err := http.Post(base+"/invoke", "text/plain", strings.NewReader("ignored"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 201, resp.StatusCode)
	assert.Equal(t, "streaming-test", resp.Header.Get("X-Custom-Header"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "chunk-1chunk-2", string(body))
}

func TestLocalServer_handlerErrorSurfacesNon2xx(t *testing.T) {
	handler := HandlerFunc(func(ctx context.Context, invCtx *InvocationContext, event []byte) ([]byte, error) {
		return nil, &ErrorResponse{Type: "Unhandled", Message: "kaboom"}
	})
	base, stop := runLocalServerFixture(t, handler)
	defer stop()

	resp, err := http.Post(base+"/invoke", "text/plain", strings.NewReader("ignored"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
