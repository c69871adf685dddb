package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/oikosnomo/ccu-bridge/internal/state"
)

var (
	ErrUnknownParameter = errors.New("unknown command parameter")
	ErrInvalidValue     = errors.New("command value is not a number")
)

// Outcome classifies what happened to a command write.
type Outcome string

const (
	OutcomeSent      Outcome = "sent"
	OutcomeClamped   Outcome = "clamped"
	OutcomeUnknown   Outcome = "unknown_parameter"
	OutcomeInvalid   Outcome = "invalid_value"
	OutcomeNoAddress Outcome = "no_address"
	OutcomeFailed    Outcome = "failed"
)

// Result reports a single command write. Err is set for every outcome
// except OutcomeSent.
type Result struct {
	Device   string
	Param    string
	Value    float64
	Outcome  Outcome
	Attempts int
	Err      error
}

// Observer is told about every result, e.g. to count them.
type Observer interface {
	CommandResult(r Result)
}

// Dispatcher validates writes to <device>.sendcommand.<param> leaves and
// forwards the accepted ones to the device.
type Dispatcher struct {
	table    *Table
	tree     *state.Tree
	sync     *state.Synchronizer
	resolver AddressResolver
	sender   Sender
	logger   *slog.Logger
	observer Observer

	mu          sync.Mutex
	initialized map[string]struct{}
}

func NewDispatcher(table *Table, tree *state.Tree, syncer *state.Synchronizer, resolver AddressResolver, sender Sender, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		table:       table,
		tree:        tree,
		sync:        syncer,
		resolver:    resolver,
		sender:      sender,
		logger:      logger,
		initialized: make(map[string]struct{}),
	}
}

func (d *Dispatcher) SetObserver(o Observer) { d.observer = o }

func (d *Dispatcher) Table() *Table { return d.table }

// InitializeDevice creates the writable command leaves of device. Calls
// after the first one for the same device are no-ops.
func (d *Dispatcher) InitializeDevice(ctx context.Context, device string) error {
	d.mu.Lock()
	if _, ok := d.initialized[device]; ok {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	var errs []error
	for _, spec := range d.table.All() {
		if err := d.sync.Ensure(ctx, spec.Node(device)); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("initialize commands for %s: %w", device, err)
	}

	d.mu.Lock()
	d.initialized[device] = struct{}{}
	d.mu.Unlock()
	d.logger.Debug("commands_initialized", "device", device, "params", len(d.table.All()))
	return nil
}

// Forget drops the initialization marker of every device.
func (d *Dispatcher) Forget() {
	d.mu.Lock()
	d.initialized = make(map[string]struct{})
	d.mu.Unlock()
}

// Subscribe routes unacknowledged writes on command leaves to HandleWrite.
func (d *Dispatcher) Subscribe(tree *state.Tree) (func(), error) {
	return tree.Subscribe("*."+Namespace+".*", func(ctx context.Context, ev state.Event) {
		if ev.Value.Ack {
			return
		}
		d.HandleWrite(ctx, ev.Path, ev.Value.Val)
	})
}

// Request records a pending write for param on device; the subscription
// picks it up and dispatches it.
func (d *Dispatcher) Request(ctx context.Context, device, param string, value float64) error {
	return d.tree.Set(ctx, Path(device, param), value, false)
}

// HandleWrite processes a user or control-loop write to a command leaf.
// Values outside the parameter range are clamped, written back as
// acknowledged and not sent. Failures are logged and reported in the
// result, never returned.
func (d *Dispatcher) HandleWrite(ctx context.Context, p string, requested any) Result {
	device, param, ok := splitCommandPath(p)
	if !ok {
		return d.finish(Result{Device: device, Param: param, Outcome: OutcomeUnknown, Err: ErrUnknownParameter})
	}
	spec, known := d.table.Lookup(param)
	if !known {
		return d.finish(Result{Device: device, Param: param, Outcome: OutcomeUnknown, Err: ErrUnknownParameter})
	}

	v, ok := number(requested)
	if !ok {
		return d.finish(Result{Device: device, Param: param, Outcome: OutcomeInvalid, Err: ErrInvalidValue})
	}

	if clamped, changed := spec.Clamp(v); changed {
		if err := d.tree.Set(ctx, p, clamped, true); err != nil {
			d.logger.Error("command_writeback_failed", "path", p, "err", err)
		}
		return d.finish(Result{
			Device:  device,
			Param:   param,
			Value:   clamped,
			Outcome: OutcomeClamped,
			Err:     fmt.Errorf("%s=%s outside [%s, %s]", param, FormatValue(v), FormatValue(spec.Min), FormatValue(spec.Max)),
		})
	}

	res := d.deliver(ctx, device, param, v)
	if res.Outcome == OutcomeSent {
		if err := d.tree.Set(ctx, p, v, true); err != nil {
			d.logger.Error("command_writeback_failed", "path", p, "err", err)
		}
	}
	return d.finish(res)
}

// Send clamps value into the parameter range and delivers it directly,
// without going through the command leaf.
func (d *Dispatcher) Send(ctx context.Context, device, param string, value float64) Result {
	spec, ok := d.table.Lookup(param)
	if !ok {
		return d.finish(Result{Device: device, Param: param, Outcome: OutcomeUnknown, Err: ErrUnknownParameter})
	}
	if !finite(value) {
		return d.finish(Result{Device: device, Param: param, Value: value, Outcome: OutcomeInvalid, Err: ErrInvalidValue})
	}
	v, _ := spec.Clamp(value)
	return d.finish(d.deliver(ctx, device, param, v))
}

func (d *Dispatcher) deliver(ctx context.Context, device, param string, v float64) Result {
	res := Result{Device: device, Param: param, Value: v}

	addr, err := d.resolver.Resolve(ctx, device)
	if err != nil {
		res.Outcome = OutcomeNoAddress
		res.Err = err
		return res
	}

	res.Attempts, res.Err = d.sender.Send(ctx, addr, param, v)
	if res.Err != nil {
		res.Outcome = OutcomeFailed
		return res
	}
	res.Outcome = OutcomeSent
	return res
}

func (d *Dispatcher) finish(res Result) Result {
	attrs := []any{"device", res.Device, "param", res.Param, "value", res.Value, "outcome", string(res.Outcome)}
	switch res.Outcome {
	case OutcomeSent:
		d.logger.Info("command_sent", append(attrs, "attempts", res.Attempts)...)
	case OutcomeClamped, OutcomeUnknown, OutcomeInvalid:
		d.logger.Warn("command_rejected", append(attrs, "err", res.Err)...)
	default:
		d.logger.Error("command_failed", append(attrs, "attempts", res.Attempts, "err", res.Err)...)
	}
	if d.observer != nil {
		d.observer.CommandResult(res)
	}
	return res
}

func splitCommandPath(p string) (device, param string, ok bool) {
	segs := state.Split(p)
	for i := len(segs) - 2; i >= 1; i-- {
		if segs[i] == Namespace {
			return state.Join(segs[:i]...), segs[len(segs)-1], i == len(segs)-2
		}
	}
	return "", state.Base(p), false
}

// number accepts finite numbers and numeric strings.
func number(v any) (float64, bool) {
	if f, ok := state.Float(v); ok {
		return f, finite(f)
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f, err == nil && finite(f)
	}
	return 0, false
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
