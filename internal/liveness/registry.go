package liveness

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	ConnectionPath = "info.connection"
	ActivePath     = "info.aktivCCU"

	DefaultTimeout = 90 * time.Second
)

// Publisher receives the aggregate liveness leaves.
type Publisher interface {
	Set(ctx context.Context, path string, val any, ack bool) error
}

// ConnectionListener is called on every connected/disconnected edge.
type ConnectionListener func(ctx context.Context, connected bool)

// Registry tracks when each device was last heard from. Devices keep the
// order in which they were first seen (or re-seen after eviction); the first
// one is the target of single-device control loops.
type Registry struct {
	timeout time.Duration
	now     func() time.Time
	pub     Publisher
	logger  *slog.Logger

	mu        sync.Mutex
	lastSeen  map[string]time.Time
	order     []string
	connected bool

	lmu       sync.Mutex
	listeners map[uint64]ConnectionListener
	nextID    uint64
}

func NewRegistry(timeout time.Duration, pub Publisher, logger *slog.Logger) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{
		timeout:   timeout,
		now:       time.Now,
		pub:       pub,
		logger:    logger,
		lastSeen:  make(map[string]time.Time),
		listeners: make(map[uint64]ConnectionListener),
	}
}

// WithClock replaces the time source used by Touch and Run.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Init publishes the disconnected starting state.
func (r *Registry) Init(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publish(ctx, ConnectionPath, false)
	r.publish(ctx, ActivePath, "")
}

// Touch records that id delivered telemetry now.
func (r *Registry) Touch(ctx context.Context, id string) {
	if id == "" {
		return
	}

	r.mu.Lock()
	if _, ok := r.lastSeen[id]; !ok {
		r.order = append(r.order, id)
		r.logger.Info("device_active", "device", id)
	}
	r.lastSeen[id] = r.now()
	edge, connected := r.refresh(ctx)
	r.mu.Unlock()

	if edge {
		r.notify(ctx, connected)
	}
}

// Sweep evicts every device whose last touch is more than the timeout
// before now.
func (r *Registry) Sweep(ctx context.Context, now time.Time) {
	r.mu.Lock()
	kept := r.order[:0]
	for _, id := range r.order {
		if now.Sub(r.lastSeen[id]) > r.timeout {
			delete(r.lastSeen, id)
			r.logger.Info("device_evicted", "device", id, "timeout", r.timeout.String())
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
	edge, connected := r.refresh(ctx)
	r.mu.Unlock()

	if edge {
		r.notify(ctx, connected)
	}
}

// refresh republishes the device list and, on change only, the connected
// flag. Callers hold r.mu.
func (r *Registry) refresh(ctx context.Context) (bool, bool) {
	r.publish(ctx, ActivePath, strings.Join(r.order, ","))

	connected := len(r.order) > 0
	if connected == r.connected {
		return false, connected
	}
	r.connected = connected
	r.publish(ctx, ConnectionPath, connected)
	r.logger.Info("connection_changed", "connected", connected)
	return true, connected
}

func (r *Registry) publish(ctx context.Context, path string, val any) {
	if r.pub == nil {
		return
	}
	if err := r.pub.Set(ctx, path, val, true); err != nil {
		r.logger.Error("liveness_publish_failed", "path", path, "err", err)
	}
}

// ActiveDeviceID returns the first active device.
func (r *Registry) ActiveDeviceID() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.order) == 0 {
		return "", false
	}
	return r.order[0], true
}

// ActiveDevices returns the active devices in order.
func (r *Registry) ActiveDevices() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) LastSeen(id string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.lastSeen[id]
	return t, ok
}

func (r *Registry) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// OnConnectionChange registers fn for connection edges. The returned func
// removes it.
func (r *Registry) OnConnectionChange(fn ConnectionListener) func() {
	r.lmu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners[id] = fn
	r.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.lmu.Lock()
			delete(r.listeners, id)
			r.lmu.Unlock()
		})
	}
}

func (r *Registry) notify(ctx context.Context, connected bool) {
	r.lmu.Lock()
	ids := make([]uint64, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	fns := make([]ConnectionListener, 0, len(ids))
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		fns = append(fns, r.listeners[id])
	}
	r.lmu.Unlock()

	for _, fn := range fns {
		fn(ctx, connected)
	}
}

// Run sweeps every interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep(ctx, r.now())
		}
	}
}

// Disconnect forgets every device and publishes the disconnected state,
// edge or not.
func (r *Registry) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	was := r.connected
	r.lastSeen = make(map[string]time.Time)
	r.order = nil
	r.connected = false
	var err error
	if r.pub != nil {
		err = r.pub.Set(ctx, ConnectionPath, false, true)
		if perr := r.pub.Set(ctx, ActivePath, "", true); err == nil {
			err = perr
		}
	}
	r.mu.Unlock()

	if was {
		r.notify(ctx, false)
	}
	return err
}
