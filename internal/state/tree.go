package state

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/smallnest/chanx"
)

// Event is emitted for every value written through the tree.
type Event struct {
	Path  string
	Value Value
}

// Handler reacts to a value change. Handlers run one at a time on the
// tree's event loop, so they never race with each other.
type Handler func(ctx context.Context, ev Event)

type subscription struct {
	id      uint64
	pattern string
	handler Handler
}

// Tree fronts a Store with change subscriptions. Writes go to the store
// synchronously; subscribers are notified in write order from Run.
type Tree struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	subs   map[uint64]subscription
	nextID uint64

	queue *chanx.UnboundedChan[Event]
	done  <-chan struct{}
}

// NewTree creates a tree whose event queue lives as long as ctx.
func NewTree(ctx context.Context, store Store, logger *slog.Logger) *Tree {
	return &Tree{
		store:  store,
		logger: logger,
		now:    time.Now,
		subs:   make(map[uint64]subscription),
		queue:  chanx.NewUnboundedChan[Event](ctx, 64),
		done:   ctx.Done(),
	}
}

func (t *Tree) Store() Store { return t.store }

// Set writes a value and queues the change for subscribers.
func (t *Tree) Set(ctx context.Context, p string, val any, ack bool) error {
	v := Value{Val: val, Ack: ack, UpdatedAt: t.now()}
	if err := t.store.SetValue(ctx, p, v); err != nil {
		return fmt.Errorf("set %s: %w", p, err)
	}
	select {
	case t.queue.In <- Event{Path: p, Value: v}:
	case <-t.done:
	}
	return nil
}

// Get returns the latest value at p.
func (t *Tree) Get(ctx context.Context, p string) (Value, error) {
	return t.store.Value(ctx, p)
}

// Subscribe registers h for every path matching pattern (path.Match syntax,
// where '*' also spans dots). The returned func removes the subscription
// and may be called more than once.
func (t *Tree) Subscribe(pattern string, h Handler) (func(), error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("subscribe %q: %w", pattern, err)
	}

	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.subs[id] = subscription{id: id, pattern: pattern, handler: h}
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		})
	}, nil
}

// Subscriptions returns the number of live subscriptions.
func (t *Tree) Subscriptions() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// Run delivers queued events until ctx is cancelled.
func (t *Tree) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-t.queue.Out:
			if !ok {
				return nil
			}
			t.deliver(ctx, ev)
		}
	}
}

func (t *Tree) deliver(ctx context.Context, ev Event) {
	t.mu.RLock()
	matched := make([]subscription, 0, 4)
	for _, s := range t.subs {
		if ok, _ := path.Match(s.pattern, ev.Path); ok {
			matched = append(matched, s)
		}
	}
	t.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].id < matched[j].id })
	for _, s := range matched {
		t.invoke(ctx, s, ev)
	}
}

func (t *Tree) invoke(ctx context.Context, s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("state_handler_panic", "pattern", s.pattern, "path", ev.Path, "panic", r)
		}
	}()
	s.handler(ctx, ev)
}
