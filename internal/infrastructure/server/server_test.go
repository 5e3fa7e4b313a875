package server

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/channels/internal/grpc"
	"github.com/GriffinCanCode/AgentOS/channels/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/channels/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/channels/internal/infrastructure/tracing"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Logging.Development = true
	cfg.RateLimit.Enabled = false
	cfg.Tracing.Journal = filepath.Join(t.TempDir(), "events.zst")
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	srv, err := NewServer(cfg, Options{Logger: logging.NewNop(), Registry: prometheus.NewRegistry()})
	require.NoError(t, err)
	return srv
}

func TestNewServerRejectsBadConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Channel.Colocation = "sometimes"
	_, err := NewServer(cfg, Options{Logger: logging.NewNop(), Registry: prometheus.NewRegistry()})
	assert.Error(t, err)
}

func TestServeAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	srv := newTestServer(t, cfg)

	httpLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	grpcLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ctx, httpLis, grpcLis) }()

	base := "http://" + httpLis.Addr().String()
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	client, err := grpc.Dial(grpcLis.Addr().String(), grpc.ClientOptions{Timeout: 2 * time.Second})
	require.NoError(t, err)
	defer client.Close()

	callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer callCancel()
	alpha, err := client.CreateProcess(callCtx, "alpha", "")
	require.NoError(t, err)
	h, err := client.AllocateEndpoint(callCtx, alpha.PID)
	require.NoError(t, err)
	require.NoError(t, client.CloseEndpoint(callCtx, h))
	require.NoError(t, client.Free(callCtx, h))

	resp, err := http.Get(base + "/api/v1/processes")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(ShutdownTimeout + 5*time.Second):
		t.Fatal("server did not stop")
	}
	require.NoError(t, srv.Close())

	events, err := readJournal(cfg.Tracing.Journal)
	require.NoError(t, err)
	assert.NotEmpty(t, events, "free is journalled")
}

func TestCloseReportsOpenChannels(t *testing.T) {
	srv := newTestServer(t, testConfig(t))
	k := srv.Kernel()

	a, err := k.CreateProcess("a", "")
	require.NoError(t, err)
	b, err := k.CreateProcess("b", "")
	require.NoError(t, err)
	exp, err := k.AllocateEndpoint(a.PID)
	require.NoError(t, err)
	imp, err := k.AllocateEndpoint(b.PID)
	require.NoError(t, err)
	require.NoError(t, k.Connect(imp, exp))

	assert.Error(t, srv.Close())
}

func readJournal(path string) ([]tracing.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return tracing.ReadJournal(f)
}
