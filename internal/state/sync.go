package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
)

// Synchronizer materializes nested telemetry documents as tree nodes.
//
// Node creation is guarded by an in-memory existence cache: the first time a
// path is seen the store is asked once whether it exists and the path is
// remembered whatever the answer was. Later observations never go back to
// the store for that path, so an object deleted behind our back is not
// recreated until Forget is called. Leaf values are written on every sync.
type Synchronizer struct {
	tree   *Tree
	logger *slog.Logger

	mu    sync.Mutex
	known map[string]struct{}

	// OnCreate is called after a node has actually been created.
	OnCreate func(Node)
}

func NewSynchronizer(tree *Tree, logger *slog.Logger) *Synchronizer {
	return &Synchronizer{
		tree:   tree,
		logger: logger,
		known:  make(map[string]struct{}),
	}
}

// Sync writes doc below basePath. Objects become containers keyed by their
// sanitized member names, arrays become containers keyed by index and
// scalars become acknowledged read-only leaves. Every member is attempted;
// the returned error joins all failures.
func (s *Synchronizer) Sync(ctx context.Context, basePath string, doc any) error {
	return s.walk(ctx, basePath, Base(basePath), doc)
}

func (s *Synchronizer) walk(ctx context.Context, p, name string, v any) error {
	switch val := v.(type) {
	case map[string]any:
		if err := s.Ensure(ctx, Container(p, name)); err != nil {
			return err
		}
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var errs []error
		for _, k := range keys {
			if err := s.walk(ctx, Join(p, Sanitize(k)), k, val[k]); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	case []any:
		if err := s.Ensure(ctx, Container(p, name)); err != nil {
			return err
		}
		var errs []error
		for i, item := range val {
			idx := strconv.Itoa(i)
			if err := s.walk(ctx, Join(p, idx), idx, item); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	case nil:
		// null members carry no type information; nothing to create.
		return nil
	default:
		if err := s.Ensure(ctx, TelemetryLeaf(p, name, val)); err != nil {
			return err
		}
		return s.tree.Set(ctx, p, val, true)
	}
}

// Ensure creates node, and any missing ancestor containers, unless the path
// is already in the existence cache.
func (s *Synchronizer) Ensure(ctx context.Context, node Node) error {
	if node.Path == "" {
		return errors.New("state: empty path")
	}
	segs := Split(node.Path)
	for i := 1; i < len(segs); i++ {
		ancestor := Join(segs[:i]...)
		if err := s.ensure(ctx, Container(ancestor, segs[i-1])); err != nil {
			return err
		}
	}
	return s.ensure(ctx, node)
}

func (s *Synchronizer) ensure(ctx context.Context, node Node) error {
	s.mu.Lock()
	_, cached := s.known[node.Path]
	s.mu.Unlock()
	if cached {
		return nil
	}

	store := s.tree.Store()
	_, err := store.Object(ctx, node.Path)
	switch {
	case errors.Is(err, ErrNotFound):
		if err := store.CreateObject(ctx, node); err != nil {
			return fmt.Errorf("create %s: %w", node.Path, err)
		}
		s.logger.Debug("state_node_created", "path", node.Path, "kind", node.Kind.String(), "role", string(node.Role))
		if s.OnCreate != nil {
			s.OnCreate(node)
		}
	case err != nil:
		return fmt.Errorf("lookup %s: %w", node.Path, err)
	}

	s.mu.Lock()
	s.known[node.Path] = struct{}{}
	s.mu.Unlock()
	return nil
}

// Known reports whether path is in the existence cache.
func (s *Synchronizer) Known(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.known[path]
	return ok
}

// Forget drops prefix and everything below it from the existence cache.
func (s *Synchronizer) Forget(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.known {
		if Within(p, prefix) {
			delete(s.known, p)
		}
	}
}

// Remove deletes prefix from the store and the existence cache.
func (s *Synchronizer) Remove(ctx context.Context, prefix string) error {
	s.Forget(prefix)
	if err := s.tree.Store().DeleteTree(ctx, prefix); err != nil {
		return fmt.Errorf("delete %s: %w", prefix, err)
	}
	return nil
}

// Reset clears the existence cache.
func (s *Synchronizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.known = make(map[string]struct{})
}
