package liveness

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type write struct {
	path string
	val  any
}

type recorder struct {
	mu     sync.Mutex
	writes []write
}

func (r *recorder) Set(_ context.Context, path string, val any, _ bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes = append(r.writes, write{path, val})
	return nil
}

func (r *recorder) values(path string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, w := range r.writes {
		if w.path == path {
			out = append(out, w.val)
		}
	}
	return out
}

func newTestRegistry(t0 time.Time) (*Registry, *recorder, *time.Time) {
	rec := &recorder{}
	now := t0
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := NewRegistry(90*time.Second, rec, logger).WithClock(func() time.Time { return now })
	return reg, rec, &now
}

func TestTouchKeepsInsertionOrder(t *testing.T) {
	ctx := context.Background()
	reg, rec, _ := newTestRegistry(time.Unix(1000, 0))

	reg.Touch(ctx, "b")
	reg.Touch(ctx, "a")
	reg.Touch(ctx, "b")

	id, ok := reg.ActiveDeviceID()
	require.True(t, ok)
	assert.Equal(t, "b", id)
	assert.Equal(t, []string{"b", "a"}, reg.ActiveDevices())

	// republished on every touch, connection only on the edge
	assert.Equal(t, []any{"b", "b,a", "b,a"}, rec.values(ActivePath))
	assert.Equal(t, []any{true}, rec.values(ConnectionPath))
}

func TestSweepEvictsAfterTimeout(t *testing.T) {
	ctx := context.Background()
	t0 := time.Unix(1000, 0)
	reg, rec, _ := newTestRegistry(t0)

	reg.Touch(ctx, "dev")

	reg.Sweep(ctx, t0.Add(90*time.Second))
	assert.True(t, reg.Connected(), "exactly the timeout is not stale yet")

	reg.Sweep(ctx, t0.Add(91*time.Second))
	assert.False(t, reg.Connected())
	_, ok := reg.ActiveDeviceID()
	assert.False(t, ok)

	reg.Sweep(ctx, t0.Add(200*time.Second))
	reg.Sweep(ctx, t0.Add(300*time.Second))

	assert.Equal(t, []any{true, false}, rec.values(ConnectionPath))
	assert.Len(t, rec.values(ActivePath), 5)
}

func TestConnectedFlipsOnceWhenLastDeviceLeaves(t *testing.T) {
	ctx := context.Background()
	t0 := time.Unix(1000, 0)
	reg, rec, now := newTestRegistry(t0)

	reg.Touch(ctx, "a")
	*now = t0.Add(60 * time.Second)
	reg.Touch(ctx, "b")

	reg.Sweep(ctx, t0.Add(100*time.Second))
	assert.Equal(t, []string{"b"}, reg.ActiveDevices())
	assert.True(t, reg.Connected())

	reg.Sweep(ctx, t0.Add(200*time.Second))
	assert.Empty(t, reg.ActiveDevices())
	assert.Equal(t, []any{true, false}, rec.values(ConnectionPath))
}

func TestReTouchAfterEvictionAppendsAtEnd(t *testing.T) {
	ctx := context.Background()
	t0 := time.Unix(1000, 0)
	reg, _, now := newTestRegistry(t0)

	reg.Touch(ctx, "a")
	*now = t0.Add(80 * time.Second)
	reg.Touch(ctx, "b")
	reg.Sweep(ctx, t0.Add(95*time.Second))
	*now = t0.Add(96 * time.Second)
	reg.Touch(ctx, "a")

	assert.Equal(t, []string{"b", "a"}, reg.ActiveDevices())
}

func TestConnectionListeners(t *testing.T) {
	ctx := context.Background()
	t0 := time.Unix(1000, 0)
	reg, _, _ := newTestRegistry(t0)

	var edges []bool
	cancel := reg.OnConnectionChange(func(_ context.Context, connected bool) {
		edges = append(edges, connected)
	})

	reg.Touch(ctx, "a")
	reg.Touch(ctx, "a")
	reg.Sweep(ctx, t0.Add(time.Hour))
	reg.Touch(ctx, "a")
	require.NoError(t, reg.Disconnect(ctx))

	assert.Equal(t, []bool{true, false, true, false}, edges)

	cancel()
	cancel()
	reg.Touch(ctx, "a")
	assert.Len(t, edges, 4)
}

func TestDisconnectPublishesFalse(t *testing.T) {
	ctx := context.Background()
	reg, rec, _ := newTestRegistry(time.Unix(1000, 0))

	require.NoError(t, reg.Disconnect(ctx))
	assert.Equal(t, []any{false}, rec.values(ConnectionPath))
	assert.False(t, reg.Connected())
}

func TestTouchIgnoresEmptyID(t *testing.T) {
	reg, rec, _ := newTestRegistry(time.Unix(1000, 0))
	reg.Touch(context.Background(), "")
	assert.Empty(t, rec.values(ActivePath))
}
