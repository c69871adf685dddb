package control

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oikosnomo/ccu-bridge/internal/command"
	"github.com/oikosnomo/ccu-bridge/internal/config"
	"github.com/oikosnomo/ccu-bridge/internal/state"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeDevices struct {
	mu        sync.Mutex
	id        string
	connected bool
}

func (f *fakeDevices) ActiveDeviceID() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id, f.id != ""
}

func (f *fakeDevices) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeDevices) set(id string, connected bool) {
	f.mu.Lock()
	f.id, f.connected = id, connected
	f.mu.Unlock()
}

type call struct {
	device string
	param  string
	value  float64
}

type fakeCommander struct {
	mu       sync.Mutex
	requests []call
	sends    []call
}

func (f *fakeCommander) Request(_ context.Context, device, param string, value float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, call{device, param, value})
	return nil
}

func (f *fakeCommander) Send(_ context.Context, device, param string, value float64) command.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, call{device, param, value})
	return command.Result{Device: device, Param: param, Value: value, Outcome: command.OutcomeSent}
}

func (f *fakeCommander) requested() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.requests...)
}

func (f *fakeCommander) sent() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.sends...)
}

func date(month time.Month, day int) time.Time {
	return time.Date(2025, month, day, 9, 0, 0, 0, time.UTC)
}

func TestSeasonWindowWraparound(t *testing.T) {
	w, err := ParseSeasonWindow("1.12", "1.3")
	require.NoError(t, err)

	assert.True(t, w.Contains(config.DateOf(date(time.January, 15))))
	assert.True(t, w.Contains(config.DateOf(date(time.December, 1))))
	assert.True(t, w.Contains(config.DateOf(date(time.February, 28))))
	assert.False(t, w.Contains(config.DateOf(date(time.June, 1))))
	assert.False(t, w.Contains(config.DateOf(date(time.November, 30))))

	end := config.DateOf(date(time.March, 1))
	assert.False(t, w.Contains(end))
	assert.True(t, w.IsEnd(end))
}

func TestSeasonWindowWithinYear(t *testing.T) {
	w, err := ParseSeasonWindow("1.10", "15.11")
	require.NoError(t, err)

	assert.True(t, w.Contains(config.DateOf(date(time.October, 1))))
	assert.True(t, w.Contains(config.DateOf(date(time.November, 14))))
	assert.False(t, w.Contains(config.DateOf(date(time.November, 15))))
	assert.False(t, w.Contains(config.DateOf(date(time.January, 5))))

	_, err = ParseSeasonWindow("1.10", "bogus")
	assert.ErrorIs(t, err, config.ErrInvalidDate)
}

func seasonConfig() config.SeasonConfig {
	cfg := config.Default().Season
	cfg.Enabled = true
	cfg.WinterFrom = "1.12"
	cfg.WinterTo = "1.3"
	return cfg
}

func newEco(t *testing.T, now time.Time, devices Devices, cmd Commander, opts ...EcoOption) *EcoMode {
	t.Helper()
	opts = append([]EcoOption{WithEcoClock(func() time.Time { return now })}, opts...)
	e, err := NewEcoMode(seasonConfig(), devices, cmd, discardLogger(), opts...)
	require.NoError(t, err)
	return e
}

func TestEcoEvaluateBranches(t *testing.T) {
	ctx := context.Background()
	devices := &fakeDevices{id: "dev", connected: true}

	cmd := &fakeCommander{}
	assert.Equal(t, RegimeWinter, newEco(t, date(time.January, 15), devices, cmd).Evaluate(ctx))
	assert.Equal(t, []call{{"dev", command.ParamMinSOC, 60}, {"dev", command.ParamMaxSOC, 97}}, cmd.requested())

	cmd = &fakeCommander{}
	assert.Equal(t, RegimeWinterEnd, newEco(t, date(time.March, 1), devices, cmd).Evaluate(ctx))
	assert.Equal(t, []call{{"dev", command.ParamMinSOC, 10}, {"dev", command.ParamMaxSOC, 97}}, cmd.requested())

	cmd = &fakeCommander{}
	assert.Equal(t, RegimeSummer, newEco(t, date(time.June, 1), devices, cmd).Evaluate(ctx))
	assert.Empty(t, cmd.requested())
}

func TestEcoEvaluateWithoutDevice(t *testing.T) {
	cmd := &fakeCommander{}
	e := newEco(t, date(time.January, 15), &fakeDevices{}, cmd)
	assert.Equal(t, RegimeNone, e.Evaluate(context.Background()))
	assert.Empty(t, cmd.requested())
}

func TestEcoOverrideOncePerWinterDay(t *testing.T) {
	ctx := context.Background()
	cmd := &fakeCommander{}
	e := newEco(t, date(time.January, 15), &fakeDevices{id: "dev", connected: true}, cmd)
	e.Evaluate(ctx)

	assert.False(t, e.HandleSOC(ctx, "dev", 50))
	assert.True(t, e.HandleSOC(ctx, "dev", 55))
	assert.False(t, e.HandleSOC(ctx, "dev", 70))

	reqs := cmd.requested()
	require.Len(t, reqs, 3)
	assert.Equal(t, call{"dev", command.ParamMinSOC, 40}, reqs[2])

	// the next daily evaluation in winter re-arms the override
	e.Evaluate(ctx)
	assert.True(t, e.HandleSOC(ctx, "dev", 60))
}

func TestEcoOverrideSuppressed(t *testing.T) {
	ctx := context.Background()

	summer := newEco(t, date(time.June, 1), &fakeDevices{id: "dev"}, &fakeCommander{})
	assert.False(t, summer.HandleSOC(ctx, "dev", 90))

	end := newEco(t, date(time.March, 1), &fakeDevices{id: "dev"}, &fakeCommander{})
	end.Evaluate(ctx)
	assert.False(t, end.HandleSOC(ctx, "dev", 90))

	calibrating := newEco(t, date(time.January, 15), &fakeDevices{id: "dev"}, &fakeCommander{},
		WithCalibrationCheck(func() bool { return true }))
	calibrating.Evaluate(ctx)
	assert.False(t, calibrating.HandleSOC(ctx, "dev", 90))
}

func TestEcoStartWaitsForDeviceThenMonitors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	devices := &fakeDevices{}
	cmd := &fakeCommander{}
	e := newEco(t, date(time.January, 15), devices, cmd, WithDeviceWait(5*time.Millisecond, time.Second))
	defer e.Stop()

	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.Start(ctx))
	assert.True(t, e.Scheduled())
	assert.Equal(t, PhaseWaitingForDevice, e.Phase())

	devices.set("dev", true)
	assert.Eventually(t, func() bool { return e.Phase() == PhaseMonitoring }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(cmd.requested()) == 2 }, time.Second, 5*time.Millisecond)

	// a repeated connection edge while monitoring is a no-op
	require.NoError(t, e.Start(ctx))
	assert.Len(t, cmd.requested(), 2)

	e.OnDisconnect()
	assert.Equal(t, PhaseWaitingForDevice, e.Phase())

	e.Stop()
	assert.False(t, e.Scheduled())
	assert.Equal(t, PhaseIdle, e.Phase())
}

func TestEcoDisabledDoesNothing(t *testing.T) {
	e, err := NewEcoMode(config.SeasonConfig{}, &fakeDevices{id: "dev"}, &fakeCommander{}, discardLogger())
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	assert.False(t, e.Scheduled())
	assert.Equal(t, RegimeNone, e.Evaluate(context.Background()))
}

type memorySettings struct {
	mu      sync.Mutex
	current config.CalibrationSettings
	writes  []config.CalibrationSettings
}

func (m *memorySettings) Read(context.Context) (config.CalibrationSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, nil
}

func (m *memorySettings) Write(_ context.Context, s config.CalibrationSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = s
	m.writes = append(m.writes, s)
	return nil
}

func newCalibration(port SettingsPort, devices Devices, cmd Commander) *Calibration {
	c := NewCalibration(config.Default().Calibration, port, devices, cmd, discardLogger())
	c.SetDeviceWait(5*time.Millisecond, time.Second)
	return c
}

func TestCalibrationAppliesPairForDirection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	devices := &fakeDevices{id: "dev", connected: true}

	cmd := &fakeCommander{}
	c := newCalibration(&memorySettings{current: config.CalibrationSettings{Enabled: true, Progress: config.ProgressDown}}, devices, cmd)
	require.NoError(t, c.Start(ctx))
	assert.Eventually(t, func() bool { return len(cmd.requested()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []call{{"dev", command.ParamMinSOC, 0}, {"dev", command.ParamMaxSOC, 100}}, cmd.requested())

	cmd = &fakeCommander{}
	c = newCalibration(&memorySettings{current: config.CalibrationSettings{Enabled: true, Progress: config.ProgressUp}}, devices, cmd)
	require.NoError(t, c.Start(ctx))
	assert.Eventually(t, func() bool { return len(cmd.requested()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []call{{"dev", command.ParamMinSOC, 99}, {"dev", command.ParamMaxSOC, 100}}, cmd.requested())
}

func TestCalibrationDisabledSendsNothing(t *testing.T) {
	cmd := &fakeCommander{}
	c := newCalibration(&memorySettings{}, &fakeDevices{id: "dev", connected: true}, cmd)
	require.NoError(t, c.Start(context.Background()))
	assert.False(t, c.Active())
	assert.False(t, c.HandleSOC(context.Background(), "dev", 0))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, cmd.requested())
}

func TestCalibrationFlipTakesEffectOnRestart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	port := &memorySettings{current: config.CalibrationSettings{Enabled: true, Progress: config.ProgressDown}}
	devices := &fakeDevices{id: "dev", connected: true}
	cmd := &fakeCommander{}
	c := newCalibration(port, devices, cmd)
	require.NoError(t, c.Start(ctx))
	assert.Eventually(t, func() bool { return len(cmd.requested()) == 2 }, time.Second, 5*time.Millisecond)

	assert.False(t, c.HandleSOC(ctx, "dev", 5))
	assert.True(t, c.HandleSOC(ctx, "dev", 1))
	assert.False(t, c.HandleSOC(ctx, "dev", 0), "flip is pending until restart")

	assert.Equal(t, []config.CalibrationSettings{{Enabled: true, Progress: config.ProgressUp}}, port.writes)
	assert.Equal(t, config.ProgressDown, c.Progress(), "in-process direction unchanged")
	assert.Len(t, cmd.requested(), 2)

	require.NoError(t, c.Restart(ctx))
	assert.Equal(t, config.ProgressUp, c.Progress())
	assert.Eventually(t, func() bool { return len(cmd.requested()) == 4 }, time.Second, 5*time.Millisecond)

	assert.True(t, c.HandleSOC(ctx, "dev", 99))
	assert.Equal(t, config.CalibrationSettings{Enabled: false, Progress: config.ProgressDown}, port.current)

	require.NoError(t, c.Restart(ctx))
	assert.False(t, c.Active())
}

func TestBaseLoadHysteresis(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default().BaseLoad
	cfg.Enabled = true
	cmd := &fakeCommander{}
	b := NewBaseLoad(cfg, &fakeDevices{id: "dev", connected: true}, cmd, nil, discardLogger())

	for _, soc := range []float64{96, 98, 98, 95} {
		b.HandleSOC(ctx, "dev", soc)
	}

	assert.Equal(t, []call{
		{"dev", command.ParamBaseLoad, -50},
		{"dev", command.ParamBaseLoad, 30},
	}, cmd.sent())
	assert.Equal(t, "low", b.State())
}

func TestBaseLoadFirstReadingAboveThreshold(t *testing.T) {
	cfg := config.Default().BaseLoad
	cfg.Enabled = true
	cmd := &fakeCommander{}
	b := NewBaseLoad(cfg, &fakeDevices{id: "dev", connected: true}, cmd, nil, discardLogger())

	assert.True(t, b.HandleSOC(context.Background(), "dev", 99))
	assert.Len(t, cmd.sent(), 1)

	b.Reset()
	assert.Equal(t, "unknown", b.State())
}

func TestBaseLoadRestoresAdjustmentAfterReconnect(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default().BaseLoad
	cfg.Enabled = true
	cmd := &fakeCommander{}
	b := NewBaseLoad(cfg, &fakeDevices{id: "dev", connected: true}, cmd, nil, discardLogger())

	b.HandleSOC(ctx, "dev", 98)
	b.Reset()
	for _, soc := range []float64{95, 90, 80} {
		b.HandleSOC(ctx, "dev", soc)
	}

	assert.Equal(t, []call{
		{"dev", command.ParamBaseLoad, -50},
		{"dev", command.ParamBaseLoad, 30},
	}, cmd.sent())
	assert.Equal(t, "low", b.State())
}

func TestBaseLoadResetBeforeAnyReadingKeepsColdStart(t *testing.T) {
	cfg := config.Default().BaseLoad
	cfg.Enabled = true
	cmd := &fakeCommander{}
	b := NewBaseLoad(cfg, &fakeDevices{id: "dev", connected: true}, cmd, nil, discardLogger())

	b.Reset()
	assert.False(t, b.HandleSOC(context.Background(), "dev", 95))
	assert.Empty(t, cmd.sent())
	assert.Equal(t, "low", b.State())
}

func TestBaseLoadDisabledWhileCalibratingOrDisconnected(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default().BaseLoad
	cfg.Enabled = true
	cmd := &fakeCommander{}

	calibrating := NewBaseLoad(cfg, &fakeDevices{id: "dev", connected: true}, cmd, func() bool { return true }, discardLogger())
	assert.False(t, calibrating.HandleSOC(ctx, "dev", 99))

	offline := NewBaseLoad(cfg, &fakeDevices{}, cmd, nil, discardLogger())
	assert.False(t, offline.HandleSOC(ctx, "dev", 99))

	cfg.Enabled = false
	disabled := NewBaseLoad(cfg, &fakeDevices{id: "dev", connected: true}, cmd, nil, discardLogger())
	assert.False(t, disabled.HandleSOC(ctx, "dev", 99))

	assert.Empty(t, cmd.sent())
}

func TestWaitFor(t *testing.T) {
	ctx := context.Background()
	assert.True(t, WaitFor(ctx, time.Millisecond, time.Second, func() bool { return true }))
	assert.False(t, WaitFor(ctx, time.Millisecond, 20*time.Millisecond, func() bool { return false }))

	n := 0
	assert.True(t, WaitFor(ctx, time.Millisecond, time.Second, func() bool {
		n++
		return n >= 3
	}))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.False(t, WaitFor(cancelled, time.Millisecond, time.Second, func() bool { return false }))
}

type recordingSOC struct {
	mu       sync.Mutex
	readings []call
}

func (r *recordingSOC) HandleSOC(_ context.Context, device string, soc float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readings = append(r.readings, call{device: device, value: soc})
	return true
}

func (r *recordingSOC) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.readings)
}

func TestSubscribeSOCFiltersEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree := state.NewTree(ctx, state.NewMemoryStore(), discardLogger())
	go func() { _ = tree.Run(ctx) }()

	rec := &recordingSOC{}
	unsubscribe, err := SubscribeSOC(tree, "SOC", rec)
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, tree.Set(ctx, "dev.SOC", 50.0, false))
	require.NoError(t, tree.Set(ctx, "dev.SOC", "n/a", true))
	require.NoError(t, tree.Set(ctx, "dev.batteriesInfo.0.SOC", 20.0, true))
	require.NoError(t, tree.Set(ctx, "dev.SOC", 51.0, true))

	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, call{device: "dev", value: 51}, rec.readings[0])
}
