package control

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oikosnomo/ccu-bridge/internal/command"
	"github.com/oikosnomo/ccu-bridge/internal/config"
)

// SettingsPort owns the persisted calibration settings.
type SettingsPort interface {
	Read(ctx context.Context) (config.CalibrationSettings, error)
	Write(ctx context.Context, s config.CalibrationSettings) error
}

// Calibration drives the battery between a full discharge and a full
// charge. The direction lives in the settings port; a flip is written there
// and only applied by the next Start.
type Calibration struct {
	cfg          config.CalibrationConfig
	port         SettingsPort
	devices      Devices
	cmd          Commander
	logger       *slog.Logger
	waitInterval time.Duration
	waitTimeout  time.Duration

	mu       sync.Mutex
	settings config.CalibrationSettings
	flipping bool
	wait     waiter
}

func NewCalibration(cfg config.CalibrationConfig, port SettingsPort, devices Devices, cmd Commander, logger *slog.Logger) *Calibration {
	return &Calibration{
		cfg:          cfg,
		port:         port,
		devices:      devices,
		cmd:          cmd,
		logger:       logger,
		waitInterval: 5 * time.Second,
		waitTimeout:  time.Minute,
	}
}

// SetDeviceWait sets how long Start waits for the connection.
func (c *Calibration) SetDeviceWait(interval, timeout time.Duration) {
	c.waitInterval = interval
	c.waitTimeout = timeout
}

// Active reports whether calibration is enabled in the last read settings.
func (c *Calibration) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings.Enabled
}

func (c *Calibration) Progress() config.Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings.Progress
}

// Start reloads the settings and, when calibration is enabled, waits for
// the connection in the background and commands the bound pair of the
// current direction. A Start while a wait is pending does nothing.
func (c *Calibration) Start(ctx context.Context) error {
	settings, err := c.port.Read(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.settings = settings
	c.flipping = false
	if !settings.Enabled {
		c.logger.Debug("calibration_disabled")
		return nil
	}
	if c.wait.running() {
		return nil
	}

	waitCtx, cancel := context.WithCancel(ctx)
	c.wait.cancel = cancel
	go c.awaitConnection(ctx, waitCtx)
	return nil
}

// Restart drops a pending wait and starts over with fresh settings.
func (c *Calibration) Restart(ctx context.Context) error {
	c.Stop()
	return c.Start(ctx)
}

func (c *Calibration) awaitConnection(ctx, waitCtx context.Context) {
	ok := WaitFor(waitCtx, c.waitInterval, c.waitTimeout, c.devices.Connected)

	c.mu.Lock()
	if waitCtx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.wait.stop()
	progress := c.settings.Progress
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("calibration_no_connection", "waited", c.waitTimeout.String())
		return
	}
	device, found := c.devices.ActiveDeviceID()
	if !found {
		return
	}
	c.apply(ctx, device, progress)
}

func (c *Calibration) apply(ctx context.Context, device string, progress config.Progress) {
	lo, hi := c.cfg.DownMin, c.cfg.DownMax
	if progress == config.ProgressUp {
		lo, hi = c.cfg.UpMin, c.cfg.UpMax
	}
	c.logger.Info("calibration_apply", "device", device, "progress", string(progress), "min_soc", lo, "max_soc", hi)

	for _, p := range []struct {
		param string
		value float64
	}{{command.ParamMinSOC, lo}, {command.ParamMaxSOC, hi}} {
		if err := c.cmd.Request(ctx, device, p.param, p.value); err != nil {
			c.logger.Error("calibration_request_failed", "device", device, "param", p.param, "err", err)
		}
	}
}

// HandleSOC persists a direction flip when the battery reaches the end of
// the current leg. Reaching full charge also ends calibration.
func (c *Calibration) HandleSOC(ctx context.Context, device string, soc float64) bool {
	c.mu.Lock()
	if !c.settings.Enabled || c.flipping {
		c.mu.Unlock()
		return false
	}

	var next config.CalibrationSettings
	switch {
	case c.settings.Progress == config.ProgressDown && soc <= c.cfg.FlipLow:
		next = config.CalibrationSettings{Enabled: true, Progress: config.ProgressUp}
	case c.settings.Progress == config.ProgressUp && soc >= c.cfg.FlipHigh:
		next = config.CalibrationSettings{Enabled: false, Progress: config.ProgressDown}
	default:
		c.mu.Unlock()
		return false
	}
	c.flipping = true
	c.mu.Unlock()

	c.logger.Info("calibration_flip", "device", device, "soc", soc, "progress", string(next.Progress), "enabled", next.Enabled)
	if err := c.port.Write(ctx, next); err != nil {
		c.logger.Error("calibration_flip_failed", "err", err)
		c.mu.Lock()
		c.flipping = false
		c.mu.Unlock()
		return false
	}
	return true
}

// Stop cancels a pending connection wait.
func (c *Calibration) Stop() {
	c.mu.Lock()
	c.wait.stop()
	c.mu.Unlock()
}
