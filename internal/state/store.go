package state

import (
	"context"
	"errors"
)

// ErrNotFound is returned by a Store when a path has no object or value.
var ErrNotFound = errors.New("state: not found")

// Store is the persistent object/value engine the tree is mirrored into.
// Implementations must be safe for concurrent use.
type Store interface {
	// Object returns the node stored at path or ErrNotFound.
	Object(ctx context.Context, path string) (Node, error)
	// CreateObject stores node unless an object already exists at its path.
	CreateObject(ctx context.Context, node Node) error
	// SetValue records the latest value of a leaf.
	SetValue(ctx context.Context, path string, v Value) error
	// Value returns the latest value at path or ErrNotFound.
	Value(ctx context.Context, path string) (Value, error)
	// Values returns every value stored at prefix or below it.
	Values(ctx context.Context, prefix string) (map[string]Value, error)
	// DeleteTree removes prefix and everything below it.
	DeleteTree(ctx context.Context, prefix string) error
	Close() error
}

// Within reports whether path equals prefix or lies below it.
func Within(path, prefix string) bool {
	if prefix == "" {
		return true
	}
	if len(path) < len(prefix) || path[:len(prefix)] != prefix {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '.'
}
