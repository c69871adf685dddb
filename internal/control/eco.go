package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/oikosnomo/ccu-bridge/internal/command"
	"github.com/oikosnomo/ccu-bridge/internal/config"
)

// Phase is the lifecycle of the eco mode scheduler.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseWaitingForDevice
	PhaseMonitoring
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseWaitingForDevice:
		return "waiting_for_device"
	case PhaseMonitoring:
		return "monitoring"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Regime is the outcome of a seasonal evaluation.
type Regime string

const (
	RegimeNone      Regime = ""
	RegimeWinter    Regime = "winter"
	RegimeWinterEnd Regime = "winter_end"
	RegimeSummer    Regime = "summer"
)

// EcoMode applies winter or summer discharge bounds once a day and lowers
// the winter floor once per day when the battery charges past a threshold.
type EcoMode struct {
	cfg          config.SeasonConfig
	window       SeasonWindow
	devices      Devices
	cmd          Commander
	logger       *slog.Logger
	now          func() time.Time
	calibrating  func() bool
	waitInterval time.Duration
	waitTimeout  time.Duration

	mu           sync.Mutex
	phase        Phase
	overrideDone bool
	regime       Regime
	wait         waiter
	sched        *cron.Cron
}

// EcoOption customizes an EcoMode.
type EcoOption func(*EcoMode)

// WithEcoClock replaces the time source used to decide the season.
func WithEcoClock(now func() time.Time) EcoOption {
	return func(e *EcoMode) { e.now = now }
}

// WithCalibrationCheck suppresses live overrides while calibration runs.
func WithCalibrationCheck(active func() bool) EcoOption {
	return func(e *EcoMode) { e.calibrating = active }
}

// WithDeviceWait sets how long Start waits for an active device.
func WithDeviceWait(interval, timeout time.Duration) EcoOption {
	return func(e *EcoMode) {
		e.waitInterval = interval
		e.waitTimeout = timeout
	}
}

func NewEcoMode(cfg config.SeasonConfig, devices Devices, cmd Commander, logger *slog.Logger, opts ...EcoOption) (*EcoMode, error) {
	e := &EcoMode{
		cfg:          cfg,
		devices:      devices,
		cmd:          cmd,
		logger:       logger,
		now:          time.Now,
		calibrating:  func() bool { return false },
		waitInterval: 5 * time.Second,
		waitTimeout:  time.Minute,
	}
	if cfg.Enabled {
		w, err := ParseSeasonWindow(cfg.WinterFrom, cfg.WinterTo)
		if err != nil {
			return nil, err
		}
		e.window = w
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *EcoMode) Enabled() bool { return e.cfg.Enabled }

func (e *EcoMode) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// Start registers the daily evaluation and waits in the background for an
// active device to evaluate right away. Calling Start while already
// waiting or monitoring does nothing.
func (e *EcoMode) Start(ctx context.Context) error {
	if !e.cfg.Enabled {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sched == nil {
		sched := cron.New(cron.WithLocation(e.now().Location()))
		spec := fmt.Sprintf("0 %d * * *", e.cfg.DailyHour)
		if _, err := sched.AddFunc(spec, func() { e.Evaluate(ctx) }); err != nil {
			return fmt.Errorf("schedule eco mode: %w", err)
		}
		sched.Start()
		e.sched = sched
		e.logger.Info("eco_scheduled", "spec", spec, "winter_from", e.window.From.String(), "winter_to", e.window.To.String())
	}

	if e.phase == PhaseMonitoring || e.wait.running() {
		return nil
	}
	e.phase = PhaseWaitingForDevice

	waitCtx, cancel := context.WithCancel(ctx)
	e.wait.cancel = cancel
	go e.awaitDevice(ctx, waitCtx)
	return nil
}

// awaitDevice runs until waitCtx is cancelled by a newer Start, a
// disconnect or Stop; a superseded wait never touches the state.
func (e *EcoMode) awaitDevice(ctx, waitCtx context.Context) {
	found := WaitFor(waitCtx, e.waitInterval, e.waitTimeout, func() bool {
		_, ok := e.devices.ActiveDeviceID()
		return ok
	})

	e.mu.Lock()
	if waitCtx.Err() != nil {
		e.mu.Unlock()
		return
	}
	e.wait.stop()
	if !found {
		e.phase = PhaseIdle
		e.mu.Unlock()
		e.logger.Warn("eco_no_device", "waited", e.waitTimeout.String())
		return
	}
	e.phase = PhaseMonitoring
	e.mu.Unlock()

	e.Evaluate(ctx)
}

// OnDisconnect stops a pending device wait and goes back to waiting.
func (e *EcoMode) OnDisconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.wait.stop()
	if e.phase != PhaseIdle {
		e.phase = PhaseWaitingForDevice
	}
}

// Evaluate applies the bounds for today's season to the active device.
func (e *EcoMode) Evaluate(ctx context.Context) Regime {
	if !e.cfg.Enabled {
		return RegimeNone
	}
	device, ok := e.devices.ActiveDeviceID()
	if !ok {
		e.logger.Debug("eco_skip_no_device")
		return RegimeNone
	}
	today := config.DateOf(e.now())

	e.mu.Lock()
	var regime Regime
	switch {
	case e.window.IsEnd(today):
		regime = RegimeWinterEnd
		e.overrideDone = true
	case e.window.Contains(today):
		regime = RegimeWinter
		e.overrideDone = false
	default:
		regime = RegimeSummer
		e.overrideDone = true
	}
	e.regime = regime
	e.mu.Unlock()

	e.logger.Info("eco_evaluated", "device", device, "date", today.String(), "regime", string(regime))

	switch regime {
	case RegimeWinterEnd:
		e.request(ctx, device, command.ParamMinSOC, e.cfg.SummerMinSOC)
		e.request(ctx, device, command.ParamMaxSOC, e.cfg.FeedInMaxSOC)
	case RegimeWinter:
		e.request(ctx, device, command.ParamMinSOC, e.cfg.WinterMinSOC)
		e.request(ctx, device, command.ParamMaxSOC, e.cfg.FeedInMaxSOC)
	}
	return regime
}

// HandleSOC lowers the discharge floor once per winter day when the
// acknowledged state of charge reaches the override threshold.
func (e *EcoMode) HandleSOC(ctx context.Context, device string, soc float64) bool {
	if !e.cfg.Enabled {
		return false
	}
	today := config.DateOf(e.now())

	e.mu.Lock()
	if e.overrideDone {
		e.mu.Unlock()
		return false
	}
	if !e.window.Contains(today) && !e.window.IsEnd(today) {
		e.mu.Unlock()
		return false
	}
	if soc < e.cfg.OverrideThreshold || e.calibrating() {
		e.mu.Unlock()
		return false
	}
	e.overrideDone = true
	e.mu.Unlock()

	e.logger.Info("eco_override", "device", device, "soc", soc, "min_soc", e.cfg.OverrideMinSOC)
	e.request(ctx, device, command.ParamMinSOC, e.cfg.OverrideMinSOC)
	return true
}

func (e *EcoMode) request(ctx context.Context, device, param string, value float64) {
	if err := e.cmd.Request(ctx, device, param, value); err != nil {
		e.logger.Error("eco_request_failed", "device", device, "param", param, "err", err)
	}
}

// Stop removes the daily schedule and any pending wait.
func (e *EcoMode) Stop() {
	e.mu.Lock()
	sched := e.sched
	e.sched = nil
	e.wait.stop()
	e.phase = PhaseIdle
	e.overrideDone = false
	e.mu.Unlock()

	if sched != nil {
		<-sched.Stop().Done()
	}
}

// Scheduled reports whether the daily evaluation is registered.
func (e *EcoMode) Scheduled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sched != nil && len(e.sched.Entries()) > 0
}

// LastRegime returns the regime chosen by the latest evaluation.
func (e *EcoMode) LastRegime() Regime {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.regime
}
