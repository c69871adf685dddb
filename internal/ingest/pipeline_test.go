package ingest

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oikosnomo/ccu-bridge/internal/state"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeInit struct {
	mu      sync.Mutex
	devices []string
}

func (f *fakeInit) InitializeDevice(_ context.Context, device string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = append(f.devices, device)
	return nil
}

func (f *fakeInit) Devices() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.devices...)
}

type fakeToucher struct {
	mu      sync.Mutex
	touched []string
}

func (f *fakeToucher) Touch(_ context.Context, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, id)
}

func (f *fakeToucher) Touched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.touched...)
}

type countingObserver struct {
	mu       sync.Mutex
	ingested int
	rejected int
}

func (c *countingObserver) Ingested(string, string) {
	c.mu.Lock()
	c.ingested++
	c.mu.Unlock()
}

func (c *countingObserver) Rejected(string) {
	c.mu.Lock()
	c.rejected++
	c.mu.Unlock()
}

type harness struct {
	tree     *state.Tree
	sync     *state.Synchronizer
	pipeline *Pipeline
	init     *fakeInit
	touch    *fakeToucher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	tree := state.NewTree(ctx, state.NewMemoryStore(), discardLogger())
	go func() { _ = tree.Run(ctx) }()
	syncer := state.NewSynchronizer(tree, discardLogger())
	h := &harness{tree: tree, sync: syncer, init: &fakeInit{}, touch: &fakeToucher{}}
	h.pipeline = NewPipeline(syncer, tree, h.init, h.touch, discardLogger())
	return h
}

func (h *harness) value(t *testing.T, p string) any {
	t.Helper()
	v, err := h.tree.Get(context.Background(), p)
	require.NoError(t, err, p)
	return v.Val
}

func TestIngestLiveDocument(t *testing.T) {
	h := newHarness(t)
	obs := &countingObserver{}
	h.pipeline.SetObserver(obs)

	device, err := h.pipeline.Ingest(context.Background(), map[string]any{
		"deviceId": "MaxxiCCU-01",
		"SOC":      float64(55),
	}, Target{Source: "local", Live: true})
	require.NoError(t, err)

	assert.Equal(t, "maxxiccu-01", device)
	assert.Equal(t, float64(55), h.value(t, "maxxiccu-01.SOC"))
	assert.Equal(t, []string{"maxxiccu-01"}, h.init.Devices())
	assert.Equal(t, []string{"maxxiccu-01"}, h.touch.Touched())
	assert.Equal(t, 1, obs.ingested)
}

func TestIngestSettingsFolderIsNotLive(t *testing.T) {
	h := newHarness(t)

	_, err := h.pipeline.Ingest(context.Background(), map[string]any{"maxOutputPower": float64(800)},
		Target{Source: "cloud_v2", DeviceID: "My CCU", Folder: SettingsFolder})
	require.NoError(t, err)

	assert.Equal(t, float64(800), h.value(t, "my_ccu.settings.maxOutputPower"))
	assert.Empty(t, h.init.Devices())
	assert.Empty(t, h.touch.Touched())
}

func TestIngestWithoutDeviceIDWritesErrorNamespace(t *testing.T) {
	h := newHarness(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	h.pipeline.now = func() time.Time { return now }
	obs := &countingObserver{}
	h.pipeline.SetObserver(obs)

	_, err := h.pipeline.Ingest(context.Background(), map[string]any{"SOC": float64(10)}, Target{Source: "local", Live: true})
	require.ErrorIs(t, err, ErrMissingDeviceID)

	assert.Equal(t, "2026-03-01T10:00:00Z", h.value(t, ErrorTimestampPath))
	assert.Contains(t, h.value(t, ErrorMessagePath), "local")
	assert.Empty(t, h.touch.Touched())
	assert.Equal(t, 1, obs.rejected)
}

func TestPublishCreatesLeaf(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.pipeline.Publish(context.Background(), TokenPath, "abc"))

	assert.Equal(t, "abc", h.value(t, TokenPath))
	assert.True(t, h.sync.Known("info"))
}
