package control

import (
	"context"
	"log/slog"
	"sync"

	"github.com/oikosnomo/ccu-bridge/internal/command"
	"github.com/oikosnomo/ccu-bridge/internal/config"
)

type level int

const (
	levelUnset level = iota
	levelLow
	levelHigh
	// levelUnknown follows a disconnect: the device may still carry the
	// last offset, so the next reading on either side sends.
	levelUnknown
)

func (l level) String() string {
	switch l {
	case levelLow:
		return "low"
	case levelHigh:
		return "high"
	case levelUnknown:
		return "unknown"
	default:
		return "unset"
	}
}

// BaseLoad biases the inverter output towards export once the battery is
// nearly full and back when it drops below the threshold again. A command
// is only sent when the side of the threshold changes.
//
// The very first reading below the threshold only records the side: the
// device starts out on its configured positive adjustment.
type BaseLoad struct {
	cfg         config.BaseLoadConfig
	devices     Devices
	cmd         Commander
	calibrating func() bool
	logger      *slog.Logger

	mu   sync.Mutex
	last level
}

func NewBaseLoad(cfg config.BaseLoadConfig, devices Devices, cmd Commander, calibrating func() bool, logger *slog.Logger) *BaseLoad {
	if calibrating == nil {
		calibrating = func() bool { return false }
	}
	return &BaseLoad{cfg: cfg, devices: devices, cmd: cmd, calibrating: calibrating, logger: logger}
}

// HandleSOC reacts to an acknowledged state of charge and reports whether a
// command was sent.
func (b *BaseLoad) HandleSOC(ctx context.Context, device string, soc float64) bool {
	if !b.cfg.Enabled || b.calibrating() {
		return false
	}
	if !b.devices.Connected() {
		b.logger.Debug("baseload_skip_disconnected", "device", device)
		return false
	}

	b.mu.Lock()
	var target float64
	switch {
	case soc >= b.cfg.Threshold && b.last != levelHigh:
		target = -b.cfg.PowerTarget
		b.last = levelHigh
	case soc < b.cfg.Threshold && b.last == levelUnset:
		b.last = levelLow
		b.mu.Unlock()
		return false
	case soc < b.cfg.Threshold && b.last != levelLow:
		target = b.cfg.Adjustment
		b.last = levelLow
	default:
		b.mu.Unlock()
		return false
	}
	state := b.last
	b.mu.Unlock()

	res := b.cmd.Send(ctx, device, command.ParamBaseLoad, target)
	b.logger.Info("baseload_changed", "device", device, "soc", soc, "state", state.String(), "target", res.Value, "outcome", string(res.Outcome))
	return true
}

// Reset forgets the last decision after a disconnect. Once a command has
// been decided, the next reading resends the offset for its side.
func (b *BaseLoad) Reset() {
	b.mu.Lock()
	if b.last != levelUnset {
		b.last = levelUnknown
	}
	b.mu.Unlock()
}

func (b *BaseLoad) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last.String()
}
