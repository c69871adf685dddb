package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oikosnomo/ccu-bridge/internal/config"
	"github.com/oikosnomo/ccu-bridge/internal/control"
	"github.com/oikosnomo/ccu-bridge/internal/ingest"
	"github.com/oikosnomo/ccu-bridge/internal/liveness"
	"github.com/oikosnomo/ccu-bridge/internal/state"
)

func newTestEngine(t *testing.T, mutate func(*config.Config)) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.HTTPAddress = "127.0.0.1:0"
	cfg.Calibration.SettingsFile = filepath.Join(t.TempDir(), "settings.yaml")
	cfg.CommandRetries = 0
	if mutate != nil {
		mutate(&cfg)
	}

	e, err := New(context.Background(), cfg, NewLogger("error", io.Discard, nil))
	require.NoError(t, err)
	e.accessLog = io.Discard
	t.Cleanup(func() { _ = e.Teardown(context.Background()) })
	return e
}

func startTestEngine(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, e.start(ctx))
	go func() { _ = e.tree.Run(ctx) }()
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, strings.NewReader(body)))
	return rec
}

func TestHealthAndDevices(t *testing.T) {
	e := newTestEngine(t, nil)
	h := e.Handler()

	rec := do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","mode":"local","connected":false}`, rec.Body.String())

	e.registry.Touch(context.Background(), "ccu1")
	rec = do(t, h, http.MethodGet, "/api/v1/devices", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"active":["ccu1"],"primary":"ccu1","connected":true}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ccubridge_http_requests_total")
}

func TestCommandEndpointRecordsUserWrite(t *testing.T) {
	e := newTestEngine(t, nil)
	h := e.Handler()

	rec := do(t, h, http.MethodPut, "/api/v1/devices/CCU1/sendcommand/minSOC", `{"value":30}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	v, err := e.tree.Get(context.Background(), "ccu1.sendcommand.minSOC")
	require.NoError(t, err)
	assert.Equal(t, float64(30), v.Val)
	assert.False(t, v.Ack)

	rec = do(t, h, http.MethodPut, "/api/v1/devices/ccu1/sendcommand/turbo", `{"value":1}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPut, "/api/v1/devices/ccu1/sendcommand/minSOC", `{"val":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/devices/ccu1/sendcommand/minSOC", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStateEndpoint(t *testing.T) {
	e := newTestEngine(t, nil)
	_, err := e.pipeline.Ingest(context.Background(), map[string]any{"deviceId": "ccu1", "SOC": float64(50)},
		ingest.Target{Source: "test", Folder: "settings"})
	require.NoError(t, err)

	rec := do(t, e.Handler(), http.MethodGet, "/api/v1/state?prefix=ccu1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var values map[string]state.Value
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &values))
	assert.Equal(t, float64(50), values["ccu1.settings.SOC"].Val)
}

func TestStartPublishesDisconnectedState(t *testing.T) {
	e := newTestEngine(t, nil)
	startTestEngine(t, e)

	v, err := e.tree.Get(context.Background(), liveness.ConnectionPath)
	require.NoError(t, err)
	assert.Equal(t, false, v.Val)
	assert.True(t, e.sync.Known(liveness.ActivePath))
}

func TestTelemetryDrivesBaseLoadUntilDisconnect(t *testing.T) {
	var calls atomic.Int32
	var lastBody atomic.Value
	device := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		lastBody.Store(string(b))
		calls.Add(1)
	}))
	defer device.Close()

	e := newTestEngine(t, func(c *config.Config) {
		c.BaseLoad.Enabled = true
	})
	startTestEngine(t, e)
	ctx := context.Background()

	doc := func() map[string]any {
		return map[string]any{"deviceId": "CCU1", "SOC": float64(98), "ip_addr": device.URL}
	}
	_, err := e.pipeline.Ingest(ctx, doc(), ingest.Target{Source: "local", Live: true})
	require.NoError(t, err)
	_, err = e.pipeline.Ingest(ctx, doc(), ingest.Target{Source: "local", Live: true})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "baseLoad=-50", lastBody.Load())
	assert.Equal(t, "high", e.baseload.State())

	e.registry.Sweep(ctx, time.Now().Add(time.Hour))
	assert.False(t, e.registry.Connected())
	assert.Equal(t, "unknown", e.baseload.State())
}

type flakyStore struct {
	*state.MemoryStore
	failWrites atomic.Bool
	closed     atomic.Bool
}

func (f *flakyStore) SetValue(ctx context.Context, path string, v state.Value) error {
	if f.failWrites.Load() {
		return errors.New("store unavailable")
	}
	return f.MemoryStore.SetValue(ctx, path, v)
}

func (f *flakyStore) Close() error {
	f.closed.Store(true)
	return errors.New("close refused")
}

func seasonEnabled(c *config.Config) {
	c.Season.Enabled = true
	c.Season.WinterFrom = "1.12"
	c.Season.WinterTo = "1.3"
}

func TestTeardownReleasesEverything(t *testing.T) {
	e := newTestEngine(t, seasonEnabled)
	startTestEngine(t, e)
	ctx := context.Background()

	e.registry.Touch(ctx, "ccu1")
	require.True(t, e.registry.Connected())
	require.True(t, e.eco.Scheduled())
	require.NotZero(t, e.tree.Subscriptions())

	require.NoError(t, e.Teardown(ctx))

	assert.False(t, e.eco.Scheduled())
	assert.Equal(t, control.PhaseIdle, e.eco.Phase())
	assert.Zero(t, e.tree.Subscriptions())
	assert.Error(t, e.ctx.Err())

	v, err := e.tree.Get(ctx, liveness.ConnectionPath)
	require.NoError(t, err)
	assert.Equal(t, false, v.Val)
	assert.False(t, e.registry.Connected())

	// settings written after teardown no longer restart calibration
	require.NoError(t, e.settings.Write(ctx, config.CalibrationSettings{Enabled: true, Progress: config.ProgressDown}))
	assert.False(t, e.calibration.Active())
}

func TestTeardownContinuesPastFailures(t *testing.T) {
	st := &flakyStore{MemoryStore: state.NewMemoryStore()}
	storeOpener = func(context.Context, config.Config, *slog.Logger) (state.Store, error) { return st, nil }
	t.Cleanup(func() { storeOpener = openStore })

	e := newTestEngine(t, seasonEnabled)
	startTestEngine(t, e)

	st.failWrites.Store(true)
	err := e.Teardown(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "publish disconnect")
	assert.ErrorContains(t, err, "close store")

	assert.True(t, st.closed.Load())
	assert.False(t, e.eco.Scheduled())
	assert.Zero(t, e.tree.Subscriptions())
	assert.Error(t, e.ctx.Err())
}

func TestTeeLoggerWritesBothSinks(t *testing.T) {
	var console, file bytes.Buffer
	logger := NewLogger("info", &console, &file).With("component", "test")

	logger.Debug("hidden")
	logger.Info("device_active", "device", "ccu1")

	assert.NotContains(t, console.String(), "hidden")
	assert.Contains(t, console.String(), "device_active")
	assert.Contains(t, file.String(), "component=test")
	assert.Equal(t, console.String(), file.String())
}
