package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oikosnomo/ccu-bridge/internal/state"
)

const (
	VersionFolder = "VersionControl"

	releasesFolder     = "Releases"
	experimentalFolder = "Experimentell not for Use"
	experimentalName   = "Experimentell"

	versionsPath = "/api/versions"
	versionPath  = "/api/version"

	requestCooldown   = 5 * time.Minute
	defaultResetDelay = 5 * time.Second
)

var versionLabel = regexp.MustCompile(`^Version_-(.+?)-`)

// Release is one firmware build offered by the cloud.
type Release struct {
	Version versionString `json:"version"`
	Current bool          `json:"current"`
	Beta    bool          `json:"beta"`
	Visible bool          `json:"visible"`
	Message string        `json:"message"`
}

// Stable reports whether the build is listed with the releases.
func (r Release) Stable() bool {
	return r.Current || (!r.Beta && r.Visible)
}

// Label is the display name of the switch for r.
func (r Release) Label() string {
	l := "Version -" + strings.ReplaceAll(string(r.Version), ".", "_") + "-"
	if r.Current {
		l += " Stable"
	}
	return l
}

// versionString accepts both numeric and string versions.
type versionString string

func (v *versionString) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*v = versionString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*v = versionString(n.String())
	return nil
}

// VersionControl mirrors the firmware versions offered for a device as
// writable switches. Switching one on requests that version from the cloud.
type VersionControl struct {
	session  *Session
	tree     *state.Tree
	sync     *state.Synchronizer
	device   string
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	resetDelay time.Duration

	mu          sync.Mutex
	lastRequest time.Time
	timers      []*time.Timer
	unsubscribe func()
}

func NewVersionControl(session *Session, tree *state.Tree, syncer *state.Synchronizer, ccu string, interval time.Duration, logger *slog.Logger) *VersionControl {
	return &VersionControl{
		session:    session,
		tree:       tree,
		sync:       syncer,
		device:     state.DeviceID(ccu),
		interval:   interval,
		logger:     logger,
		now:        time.Now,
		resetDelay: defaultResetDelay,
	}
}

// Root is the path below which the switches live.
func (v *VersionControl) Root() string {
	return state.Join(v.device, VersionFolder)
}

// Start clears stale switches, fetches the current list and listens for
// user writes.
func (v *VersionControl) Start(ctx context.Context) error {
	if err := v.sync.Remove(ctx, v.Root()); err != nil {
		return fmt.Errorf("clear versions: %w", err)
	}
	unsub, err := v.tree.Subscribe(v.Root()+".*", v.handle)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.unsubscribe = unsub
	v.mu.Unlock()
	return v.Refresh(ctx)
}

// Run refreshes the list every interval until ctx is cancelled.
func (v *VersionControl) Run(ctx context.Context) error {
	t := time.NewTicker(v.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := v.Refresh(ctx); err != nil && ctx.Err() == nil {
				v.logger.Error("versions_refresh_failed", "err", err)
			}
		}
	}
}

// Refresh fetches the offered versions and creates a switch per version.
func (v *VersionControl) Refresh(ctx context.Context) error {
	var body struct {
		Data struct {
			Versions []Release `json:"versions"`
		} `json:"data"`
	}
	if err := v.session.Do(ctx, http.MethodGet, versionsPath, nil, &body); err != nil {
		return err
	}

	var errs []error
	for _, r := range body.Data.Versions {
		if r.Version == "" {
			continue
		}
		if err := v.publish(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	v.logger.Info("versions_refreshed", "device", v.device, "count", len(body.Data.Versions))
	return errors.Join(errs...)
}

func (v *VersionControl) publish(ctx context.Context, r Release) error {
	folder := state.Join(v.Root(), releasesFolder)
	folderName := releasesFolder
	if !r.Stable() {
		folder = state.Join(v.Root(), state.Sanitize(experimentalFolder))
		folderName = experimentalName
	}
	if err := v.sync.Ensure(ctx, state.Container(folder, folderName)); err != nil {
		return err
	}

	label := r.Label()
	p := state.Join(folder, state.Sanitize(label))
	if v.sync.Known(p) {
		return nil
	}
	node := state.Node{
		Path:        p,
		Name:        label,
		Kind:        state.KindLeaf,
		ValueType:   state.TypeBoolean,
		Role:        state.RoleSwitch,
		Writable:    true,
		Description: r.Message,
	}
	if err := v.sync.Ensure(ctx, node); err != nil {
		return err
	}
	return v.tree.Set(ctx, p, false, true)
}

func (v *VersionControl) handle(ctx context.Context, ev state.Event) {
	on, _ := ev.Value.Val.(bool)
	if ev.Value.Ack || !on {
		return
	}
	v.Request(ctx, ev.Path)
}

// Request asks the cloud to install the version behind the switch at p and
// reports whether the request was accepted. The switch is always turned
// back off.
func (v *VersionControl) Request(ctx context.Context, p string) bool {
	v.mu.Lock()
	now := v.now()
	if !v.lastRequest.IsZero() && now.Sub(v.lastRequest) < requestCooldown {
		v.mu.Unlock()
		v.logger.Warn("version_request_rate_limited", "path", p, "retry_after", requestCooldown-now.Sub(v.lastRequest))
		v.reset(ctx, p)
		return false
	}
	v.lastRequest = now
	v.mu.Unlock()

	m := versionLabel.FindStringSubmatch(state.Base(p))
	if m == nil {
		v.logger.Warn("version_label_invalid", "path", p)
		v.reset(ctx, p)
		return false
	}
	raw := strings.ReplaceAll(m[1], "_", ".")
	version, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		v.logger.Warn("version_label_invalid", "path", p, "version", raw)
		v.reset(ctx, p)
		return false
	}

	var resp struct {
		Response bool `json:"response"`
		Version  any  `json:"version"`
	}
	if err := v.session.Do(ctx, http.MethodPut, versionPath, map[string]float64{"version": version}, &resp); err != nil {
		v.logger.Error("version_request_failed", "version", raw, "err", err)
		v.reset(ctx, p)
		return false
	}
	if !resp.Response || resp.Version == nil {
		v.logger.Warn("version_request_refused", "version", raw)
		v.reset(ctx, p)
		return false
	}

	v.logger.Info("version_requested", "device", v.device, "version", raw)
	v.mu.Lock()
	v.timers = append(v.timers, time.AfterFunc(v.resetDelay, func() {
		v.reset(context.WithoutCancel(ctx), p)
	}))
	v.mu.Unlock()
	return true
}

func (v *VersionControl) reset(ctx context.Context, p string) {
	if err := v.tree.Set(ctx, p, false, true); err != nil {
		v.logger.Error("version_reset_failed", "path", p, "err", err)
	}
}

// Stop cancels the write subscription and pending resets.
func (v *VersionControl) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.unsubscribe != nil {
		v.unsubscribe()
		v.unsubscribe = nil
	}
	for _, t := range v.timers {
		t.Stop()
	}
	v.timers = nil
}
