package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oikosnomo/ccu-bridge/internal/command"
	"github.com/oikosnomo/ccu-bridge/internal/config"
	"github.com/oikosnomo/ccu-bridge/internal/control"
	"github.com/oikosnomo/ccu-bridge/internal/ingest"
	"github.com/oikosnomo/ccu-bridge/internal/liveness"
	"github.com/oikosnomo/ccu-bridge/internal/metrics"
	"github.com/oikosnomo/ccu-bridge/internal/mqttbridge"
	"github.com/oikosnomo/ccu-bridge/internal/state"
	"github.com/oikosnomo/ccu-bridge/internal/store"
)

// Engine owns every component of the bridge and their lifecycle.
type Engine struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	// ctx outlives individual requests; control loops started from a
	// connection edge run on it.
	ctx    context.Context
	cancel context.CancelFunc

	store      state.Store
	tree       *state.Tree
	sync       *state.Synchronizer
	registry   *liveness.Registry
	dispatcher *command.Dispatcher
	pipeline   *ingest.Pipeline

	settings    *config.SettingsFile
	calibration *control.Calibration
	eco         *control.EcoMode
	baseload    *control.BaseLoad

	receiver *ingest.LocalReceiver
	poller   *ingest.CloudPoller
	session  *ingest.Session
	versions *ingest.VersionControl
	bridge   *mqttbridge.Bridge

	accessLog io.Writer

	mu     sync.Mutex
	unsubs []func()
}

// New builds the component graph for cfg. Nothing runs until Run.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Engine, error) {
	e := &Engine{
		cfg:       cfg,
		logger:    logger.With("component", "engine"),
		metrics:   metrics.New(),
		accessLog: os.Stdout,
	}
	e.ctx, e.cancel = context.WithCancel(ctx)

	st, err := storeOpener(e.ctx, cfg, logger)
	if err != nil {
		e.cancel()
		return nil, err
	}
	e.store = st

	e.tree = state.NewTree(e.ctx, st, logger.With("component", "state"))
	e.sync = state.NewSynchronizer(e.tree, logger.With("component", "sync"))
	e.registry = liveness.NewRegistry(cfg.InactivityTimeout(), e.tree, logger.With("component", "liveness"))

	var resolver command.AddressResolver = command.TelemetryResolver{Values: e.tree}
	if cfg.APIMode == config.ModeCloudV2 {
		resolver = command.StaticResolver{Address: cfg.DeviceIP}
	}
	cmdLogger := logger.With("component", "command")
	sender := command.NewHTTPSender(cfg.CommandTimeout(), cfg.CommandRetries, cfg.CommandRetryDelay(), cmdLogger)
	e.dispatcher = command.NewDispatcher(command.DefaultTable(), e.tree, e.sync, resolver, sender, cmdLogger)
	e.dispatcher.SetObserver(e.metrics)

	e.pipeline = ingest.NewPipeline(e.sync, e.tree, e.dispatcher, e.registry, logger.With("component", "ingest"))
	e.pipeline.SetObserver(e.metrics)

	e.settings = config.NewSettingsFile(cfg.Calibration.SettingsFile, config.CalibrationSettings{
		Enabled:  cfg.Calibration.Enabled,
		Progress: config.ProgressDown,
	})
	e.calibration = control.NewCalibration(cfg.Calibration, e.settings, e.registry, e.dispatcher, logger.With("component", "calibration"))
	e.calibration.SetDeviceWait(cfg.WaitForDeviceInterval(), cfg.WaitForDeviceTimeout())

	e.eco, err = control.NewEcoMode(cfg.Season, e.registry, e.dispatcher, logger.With("component", "eco"),
		control.WithCalibrationCheck(e.calibration.Active),
		control.WithDeviceWait(cfg.WaitForDeviceInterval(), cfg.WaitForDeviceTimeout()),
	)
	if err != nil {
		e.cancel()
		_ = st.Close()
		return nil, fmt.Errorf("eco mode: %w", err)
	}
	e.baseload = control.NewBaseLoad(cfg.BaseLoad, e.registry, e.dispatcher, e.calibration.Active, logger.With("component", "baseload"))

	cloudLogger := logger.With("component", "cloud")
	client := &http.Client{Timeout: ingest.CloudTimeout(cfg.APIMode)}
	if cfg.Email != "" && cfg.CCUName != "" {
		e.session = ingest.NewSession(client, cfg.CloudV2BaseURL, cfg.Email, cfg.CCUName, e.storeToken, cloudLogger)
	}
	switch cfg.APIMode {
	case config.ModeLocal:
		e.receiver = ingest.NewLocalReceiver(fmt.Sprintf(":%d", cfg.LocalPort), e.pipeline, logger.With("component", "receiver"))
	default:
		e.poller = ingest.NewCloudPoller(cfg, client, e.session, e.pipeline, cloudLogger)
	}
	if cfg.Versions.Enabled && e.session != nil {
		e.versions = ingest.NewVersionControl(e.session, e.tree, e.sync, cfg.CCUName, cfg.VersionInterval(), logger.With("component", "versions"))
	}
	if cfg.MQTT.Broker != "" {
		e.bridge = mqttbridge.New(cfg.MQTT, e.tree, e.dispatcher, logger.With("component", "mqtt"))
	}
	return e, nil
}

// storeOpener is replaced in tests.
var storeOpener = openStore

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (state.Store, error) {
	if cfg.DatabaseURL == "" {
		logger.Info("state_store", "kind", "memory")
		return state.NewMemoryStore(), nil
	}
	db, err := store.NewDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	logger.Info("state_store", "kind", "postgres")
	return db, nil
}

// Run starts every component and blocks until ctx is cancelled or one of
// them fails.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.tree.Run(gctx) })
	g.Go(func() error { return e.registry.Run(gctx, e.cfg.SweepInterval()) })
	if e.receiver != nil {
		g.Go(func() error { return e.receiver.Run(gctx) })
	}
	if e.poller != nil {
		g.Go(func() error { return e.poller.Run(gctx) })
	}
	if e.versions != nil {
		g.Go(func() error {
			if err := e.versions.Start(gctx); err != nil && gctx.Err() == nil {
				e.logger.Error("versions_start_failed", "err", err)
			}
			return e.versions.Run(gctx)
		})
	}
	g.Go(func() error { return e.serveHTTP(gctx) })

	e.logger.Info("engine_running", "mode", string(e.cfg.APIMode))
	return g.Wait()
}

// start creates the aggregate leaves and subscriptions and kicks off the
// control loops that wait for a device.
func (e *Engine) start(ctx context.Context) error {
	for _, n := range []state.Node{
		state.TelemetryLeaf(liveness.ConnectionPath, "connection", false),
		state.TelemetryLeaf(liveness.ActivePath, "aktivCCU", ""),
	} {
		if err := e.sync.Ensure(ctx, n); err != nil {
			return fmt.Errorf("create %s: %w", n.Path, err)
		}
	}
	e.registry.Init(ctx)

	if e.session != nil {
		if v, err := e.tree.Get(ctx, ingest.TokenPath); err == nil {
			if tok, ok := v.Val.(string); ok && tok != "" {
				e.session.SetToken(tok)
			}
		}
	}

	unsubCmd, err := e.dispatcher.Subscribe(e.tree)
	if err != nil {
		return err
	}
	unsubSOC, err := control.SubscribeSOC(e.tree, e.cfg.SOCLeaf, e.calibration, e.eco, e.baseload)
	if err != nil {
		unsubCmd()
		return err
	}
	unsubActive, err := e.tree.Subscribe(liveness.ActivePath, func(context.Context, state.Event) {
		e.metrics.SetActiveDevices(len(e.registry.ActiveDevices()))
	})
	if err != nil {
		unsubCmd()
		unsubSOC()
		return err
	}
	unsubConn := e.registry.OnConnectionChange(e.onConnection)
	unsubSettings := e.settings.OnChange(func(s config.CalibrationSettings) {
		e.logger.Info("calibration_settings_changed", "enabled", s.Enabled, "progress", string(s.Progress))
		if err := e.calibration.Restart(e.ctx); err != nil {
			e.logger.Error("calibration_restart_failed", "err", err)
		}
	})

	e.mu.Lock()
	e.unsubs = append(e.unsubs, unsubCmd, unsubSOC, unsubActive, unsubConn, unsubSettings)
	e.mu.Unlock()

	if e.bridge != nil {
		if err := e.bridge.Connect(e.ctx); err != nil {
			e.logger.Error("mqtt_unavailable", "err", err)
		}
	}

	if err := e.calibration.Start(e.ctx); err != nil {
		e.logger.Error("calibration_start_failed", "err", err)
	}
	if err := e.eco.Start(e.ctx); err != nil {
		return err
	}
	return nil
}

// onConnection restarts the control loops on connect and resets their
// device-bound state on disconnect.
func (e *Engine) onConnection(_ context.Context, connected bool) {
	e.metrics.SetConnected(connected)
	if connected {
		if err := e.calibration.Start(e.ctx); err != nil {
			e.logger.Error("calibration_start_failed", "err", err)
		}
		if err := e.eco.Start(e.ctx); err != nil {
			e.logger.Error("eco_start_failed", "err", err)
		}
		return
	}
	e.eco.OnDisconnect()
	e.calibration.Stop()
	e.baseload.Reset()
}

func (e *Engine) storeToken(ctx context.Context, token string) {
	if err := e.pipeline.Publish(ctx, ingest.TokenPath, token); err != nil {
		e.logger.Error("token_store_failed", "err", err)
	}
}

func (e *Engine) serveHTTP(ctx context.Context) error {
	srv := &http.Server{
		Addr:              e.cfg.HTTPAddress,
		Handler:           e.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}
	e.logger.Info("http_listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Teardown releases everything Run and start acquired. Every step runs even
// if an earlier one fails.
func (e *Engine) Teardown(ctx context.Context) error {
	var errs []error

	e.eco.Stop()
	e.calibration.Stop()
	if e.versions != nil {
		e.versions.Stop()
	}

	e.mu.Lock()
	for _, unsub := range e.unsubs {
		unsub()
	}
	e.unsubs = nil
	e.mu.Unlock()

	if err := e.registry.Disconnect(ctx); err != nil {
		errs = append(errs, fmt.Errorf("publish disconnect: %w", err))
	}
	if e.bridge != nil {
		if err := e.bridge.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("mqtt disconnect: %w", err))
		}
	}

	e.cancel()
	if err := e.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	e.logger.Info("engine_stopped")
	return errors.Join(errs...)
}
