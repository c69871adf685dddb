package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oikosnomo/ccu-bridge/internal/state"
)

var (
	ErrMissingDeviceID = errors.New("document has no device identifier")
	ErrUnauthorized    = errors.New("cloud rejected credentials")
)

// DeviceIDField is the document member naming the reporting device.
const DeviceIDField = "deviceId"

// Error namespace leaves.
const (
	ErrorTimestampPath = "error.Timestamp"
	ErrorMessagePath   = "error.ErrorMessage"
)

// CommandInitializer creates the command leaves of a device.
type CommandInitializer interface {
	InitializeDevice(ctx context.Context, device string) error
}

// Toucher records device activity.
type Toucher interface {
	Touch(ctx context.Context, id string)
}

// Observer is told about every ingested or rejected document.
type Observer interface {
	Ingested(source, device string)
	Rejected(source string)
}

// Target says where a document goes. An empty DeviceID is taken from the
// document itself. Live telemetry sets Live, which initializes the command
// leaves and touches the liveness registry after syncing.
type Target struct {
	Source   string
	DeviceID string
	Folder   string
	Live     bool
}

// Pipeline hands documents from any adapter to the synchronizer.
type Pipeline struct {
	sync     *state.Synchronizer
	tree     *state.Tree
	commands CommandInitializer
	registry Toucher
	logger   *slog.Logger
	now      func() time.Time
	observer Observer
}

func NewPipeline(syncer *state.Synchronizer, tree *state.Tree, commands CommandInitializer, registry Toucher, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		sync:     syncer,
		tree:     tree,
		commands: commands,
		registry: registry,
		logger:   logger,
		now:      time.Now,
	}
}

func (p *Pipeline) SetObserver(o Observer) { p.observer = o }

// Ingest syncs doc below the device namespace and returns the device id.
func (p *Pipeline) Ingest(ctx context.Context, doc map[string]any, t Target) (string, error) {
	raw := t.DeviceID
	if raw == "" {
		raw, _ = doc[DeviceIDField].(string)
	}
	device := state.DeviceID(strings.TrimSpace(raw))
	if device == "" {
		p.reject(ctx, t.Source, ErrMissingDeviceID)
		return "", ErrMissingDeviceID
	}

	if err := p.sync.Sync(ctx, state.Join(device, t.Folder), doc); err != nil {
		p.reject(ctx, t.Source, err)
		return device, fmt.Errorf("sync %s: %w", device, err)
	}

	if t.Live {
		if err := p.commands.InitializeDevice(ctx, device); err != nil {
			p.logger.Error("command_init_failed", "device", device, "err", err)
		}
		p.registry.Touch(ctx, device)
	}

	p.logger.Debug("document_ingested", "source", t.Source, "device", device, "folder", t.Folder)
	if p.observer != nil {
		p.observer.Ingested(t.Source, device)
	}
	return device, nil
}

// ReportError records a failure in the error namespace.
func (p *Pipeline) ReportError(ctx context.Context, source string, err error) {
	p.reject(ctx, source, err)
}

func (p *Pipeline) reject(ctx context.Context, source string, cause error) {
	p.logger.Warn("document_rejected", "source", source, "err", cause)
	if p.observer != nil {
		p.observer.Rejected(source)
	}

	ts := p.now().UTC().Format(time.RFC3339)
	msg := cause.Error()
	if source != "" {
		msg = source + ": " + msg
	}
	for _, leaf := range []struct {
		path string
		val  string
	}{{ErrorTimestampPath, ts}, {ErrorMessagePath, msg}} {
		if err := p.Publish(ctx, leaf.path, leaf.val); err != nil {
			p.logger.Error("error_namespace_failed", "path", leaf.path, "err", err)
		}
	}
}

// Publish writes a single acknowledged read-only leaf, creating it first.
func (p *Pipeline) Publish(ctx context.Context, path string, val any) error {
	if err := p.sync.Ensure(ctx, state.TelemetryLeaf(path, state.Base(path), val)); err != nil {
		return err
	}
	return p.tree.Set(ctx, path, val, true)
}
