package control

import (
	"context"
	"time"

	"github.com/oikosnomo/ccu-bridge/internal/command"
)

// WaitFor checks cond immediately and then every interval until it holds,
// timeout elapses or ctx is cancelled. It reports whether cond held.
func WaitFor(ctx context.Context, interval, timeout time.Duration, cond func() bool) bool {
	if cond() {
		return true
	}
	if interval <= 0 {
		interval = time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return cond()
		case <-ticker.C:
			if cond() {
				return true
			}
		}
	}
}

// Devices is the liveness view the loops act on.
type Devices interface {
	ActiveDeviceID() (string, bool)
	Connected() bool
}

// Commander issues device commands. Request goes through the command leaf
// like a user write; Send bypasses it.
type Commander interface {
	Request(ctx context.Context, device, param string, value float64) error
	Send(ctx context.Context, device, param string, value float64) command.Result
}

// waiter holds the cancel func of an in-flight WaitFor.
type waiter struct {
	cancel context.CancelFunc
}

func (w *waiter) running() bool { return w.cancel != nil }

func (w *waiter) stop() {
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
}
