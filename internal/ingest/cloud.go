package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/oikosnomo/ccu-bridge/internal/config"
)

const (
	SettingsFolder = "settings"

	v1Timeout = 5 * time.Second
	v2Timeout = 7500 * time.Millisecond

	configPath = "/api/config"
	lastPath   = "/api/last"

	droppedV2Member = "convertersInfo"

	defaultInfoRetries    = 3
	defaultInfoRetryDelay = 2 * time.Second
)

// CloudTimeout is the request timeout used for a cloud mode.
func CloudTimeout(mode config.Mode) time.Duration {
	if mode == config.ModeCloudV2 {
		return v2Timeout
	}
	return v1Timeout
}

// CloudPoller periodically fetches telemetry and settings from the vendor
// cloud. Telemetry and settings run on independent periods.
type CloudPoller struct {
	mode     config.Mode
	v1URL    string
	ccu      string
	client   *http.Client
	session  *Session
	pipeline *Pipeline
	logger   *slog.Logger

	telemetryEvery time.Duration
	settingsEvery  time.Duration
	retries        uint64
	retryDelay     time.Duration
}

// NewCloudPoller builds a poller for cfg.APIMode. session is only used in
// cloud_v2 mode and may be nil otherwise.
func NewCloudPoller(cfg config.Config, client *http.Client, session *Session, pipeline *Pipeline, logger *slog.Logger) *CloudPoller {
	return &CloudPoller{
		mode:           cfg.APIMode,
		v1URL:          cfg.CloudBaseURL,
		ccu:            cfg.CCUName,
		client:         client,
		session:        session,
		pipeline:       pipeline,
		logger:         logger,
		telemetryEvery: cfg.CCUInterval(),
		settingsEvery:  cfg.InfoInterval(),
		retries:        defaultInfoRetries,
		retryDelay:     defaultInfoRetryDelay,
	}
}

// SetInfoRetry changes how often a failed settings fetch is repeated.
func (c *CloudPoller) SetInfoRetry(retries uint64, delay time.Duration) {
	c.retries = retries
	c.retryDelay = delay
}

// Run polls immediately and then on both periods until ctx is cancelled.
func (c *CloudPoller) Run(ctx context.Context) error {
	c.logger.Info("cloud_poller_started", "mode", string(c.mode), "telemetry_every", c.telemetryEvery, "settings_every", c.settingsEvery)

	c.report(ctx, "settings", c.PollSettings(ctx))
	c.report(ctx, "telemetry", c.PollTelemetry(ctx))

	telemetry := time.NewTicker(c.telemetryEvery)
	defer telemetry.Stop()
	settings := time.NewTicker(c.settingsEvery)
	defer settings.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("cloud_poller_stopped")
			return nil
		case <-telemetry.C:
			c.report(ctx, "telemetry", c.PollTelemetry(ctx))
		case <-settings.C:
			c.report(ctx, "settings", c.PollSettings(ctx))
		}
	}
}

// PollTelemetry fetches the latest device document once.
func (c *CloudPoller) PollTelemetry(ctx context.Context) error {
	if c.mode == config.ModeCloudV2 {
		var doc map[string]any
		if err := c.session.Do(ctx, http.MethodGet, lastPath, nil, &doc); err != nil {
			return err
		}
		if doc == nil {
			return fmt.Errorf("%s: %w: not an object", lastPath, ErrMalformed)
		}
		delete(doc, droppedV2Member)
		_, err := c.pipeline.Ingest(ctx, doc, Target{Source: "cloud_v2", DeviceID: c.ccu, Live: true})
		return err
	}

	doc, err := c.getV1(ctx, "ccu")
	if err != nil {
		return err
	}
	_, err = c.pipeline.Ingest(ctx, doc, Target{Source: "cloud", Live: true})
	return err
}

// PollSettings fetches the device configuration, retrying transport
// failures a bounded number of times.
func (c *CloudPoller) PollSettings(ctx context.Context) error {
	var doc map[string]any
	op := func() error {
		d, err := c.fetchSettings(ctx)
		if err != nil {
			if !retryable(ctx, err) {
				return backoff.Permanent(err)
			}
			return err
		}
		doc = d
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("settings_retry", "err", err, "wait", wait)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryDelay), c.retries), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return err
	}

	t := Target{Source: string(c.mode), Folder: SettingsFolder}
	if c.mode == config.ModeCloudV2 {
		t.DeviceID = c.ccu
	}
	_, err := c.pipeline.Ingest(ctx, doc, t)
	return err
}

func (c *CloudPoller) fetchSettings(ctx context.Context) (map[string]any, error) {
	if c.mode != config.ModeCloudV2 {
		return c.getV1(ctx, "info")
	}
	var envelope struct {
		Data any `json:"data"`
	}
	if err := c.session.Do(ctx, http.MethodGet, configPath, nil, &envelope); err != nil {
		return nil, err
	}
	data, ok := envelope.Data.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s: %w: data is not an object", configPath, ErrMalformed)
	}
	return data, nil
}

func (c *CloudPoller) getV1(ctx context.Context, key string) (map[string]any, error) {
	u, err := url.Parse(c.v1URL)
	if err != nil {
		return nil, fmt.Errorf("cloud url: %w", err)
	}
	u.RawQuery = url.Values{key: {c.ccu}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET ?%s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, &StatusError{Code: resp.StatusCode, Path: "?" + key}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("GET ?%s: read body: %w", key, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil || doc == nil {
		return nil, fmt.Errorf("GET ?%s: %w", key, ErrMalformed)
	}
	return doc, nil
}

func (c *CloudPoller) report(ctx context.Context, what string, err error) {
	if err == nil || ctx.Err() != nil {
		return
	}
	var se *StatusError
	switch {
	case errors.Is(err, ErrMissingDeviceID):
		// already recorded by the pipeline
	case errors.Is(err, ErrMalformed), errors.Is(err, ErrUnauthorized), errors.As(err, &se):
		c.pipeline.ReportError(ctx, string(c.mode), fmt.Errorf("%s: %w", what, err))
	default:
		c.logger.Error("cloud_fetch_failed", "what", what, "err", err)
	}
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var se *StatusError
	return !errors.Is(err, ErrMalformed) && !errors.Is(err, ErrUnauthorized) && !errors.As(err, &se)
}
