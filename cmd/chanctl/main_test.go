package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/channels/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/channels/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/channels/internal/infrastructure/server"
)

func startServer(t *testing.T) (string, *server.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.GRPC.Enabled = false
	cfg.RateLimit.Enabled = false
	srv, err := server.NewServer(cfg, server.Options{Logger: logging.NewNop(), Registry: prometheus.NewRegistry()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts.URL, srv
}

func chanctl(t *testing.T, args ...string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out bytes.Buffer
	err := run(ctx, args, &out)
	return out.String(), err
}

func TestCommands(t *testing.T) {
	addr, srv := startServer(t)
	k := srv.Kernel()
	a, err := k.CreateProcess("alpha", "")
	require.NoError(t, err)
	b, err := k.CreateProcess("beta", "")
	require.NoError(t, err)
	exp, err := k.AllocateEndpoint(a.PID)
	require.NoError(t, err)
	imp, err := k.AllocateEndpoint(b.PID)
	require.NoError(t, err)
	require.NoError(t, k.Connect(imp, exp))

	out, err := chanctl(t, "-addr", addr, "health")
	require.NoError(t, err)
	assert.Contains(t, out, "healthy: 1 open channels")

	out, err = chanctl(t, "-addr", addr, "procs")
	require.NoError(t, err)
	assert.Contains(t, out, "alpha")
	assert.Contains(t, out, "beta")

	out, err = chanctl(t, "-addr", addr, "channels", "-owner", "alp*")
	require.NoError(t, err)
	assert.Contains(t, out, "alpha(")

	out, err = chanctl(t, "-addr", addr, "abi")
	require.NoError(t, err)
	assert.Contains(t, out, "WaitCollection")

	out, err = chanctl(t, "-addr", addr, "-json", "stats")
	require.NoError(t, err)
	assert.Contains(t, out, `"open_channels": 1`)

	out, err = chanctl(t, "-addr", addr, "endpoints")
	require.NoError(t, err)
	assert.Contains(t, out, "HANDLE")
}

func TestUsageErrors(t *testing.T) {
	_, err := chanctl(t)
	assert.ErrorIs(t, err, errUsage)

	_, err = chanctl(t, "frobnicate")
	assert.ErrorIs(t, err, errUsage)
}

func TestAPIErrorSurfaces(t *testing.T) {
	addr, _ := startServer(t)
	_, err := chanctl(t, "-addr", addr, "channels", "-owner", "[")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}
