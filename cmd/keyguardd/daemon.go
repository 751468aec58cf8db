package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"keyguard/internal/config"
	"keyguard/internal/detector"
	"keyguard/internal/health"
	"keyguard/internal/ipc"
	"keyguard/internal/journal"
	"keyguard/internal/keysource"
	"keyguard/internal/logging"
	"keyguard/internal/metrics"
	"keyguard/internal/notify"
	"keyguard/internal/security"
)

// metricsRefresh is how often gauges are refreshed from the engine between
// records.
const metricsRefresh = 5 * time.Second

// DaemonOptions overrides the parts of the daemon tests need to control.
type DaemonOptions struct {
	Version string

	// Source replaces the platform key source.
	Source keysource.Source

	// Clock replaces the system clock.
	Clock detector.Clock

	// LogWriter replaces the configured log output.
	LogWriter io.Writer

	// CrashDir is where panic dumps go.
	CrashDir string
}

// Daemon owns every long-lived component of keyguardd.
type Daemon struct {
	cfg  *config.Config
	opts DaemonOptions

	logger  *logging.Logger
	audit   *logging.AuditLogger
	crash   *logging.CrashHandler
	journal *journal.Store

	registry *metrics.Registry
	metrics  *metrics.KeyguardMetrics
	mserver  *metrics.Server
	health   *health.Checker

	desktop    *notify.DesktopSink
	dispatcher *notify.Dispatcher
	engine     *detector.Engine
	pipeline   keysource.Handler
	source     keysource.Source
	ipc        *ipc.Server

	session   string
	startedAt time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once
	stopErr  error
}

// NewDaemon builds the logger and audit trail. Nothing touches the
// keyboard until Start.
func NewDaemon(cfg *config.Config, opts DaemonOptions) (*Daemon, error) {
	if opts.Version == "" {
		opts.Version = Version
	}
	if opts.Clock == nil {
		opts.Clock = detector.SystemClock{}
	}

	d := &Daemon{cfg: cfg.Clone(), opts: opts}

	logCfg, err := loggingConfig(d.cfg.Logging)
	if err != nil {
		return nil, err
	}
	logCfg.Writer = opts.LogWriter
	d.logger, err = logging.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	if d.cfg.Audit.Enabled {
		d.audit, err = logging.NewAuditLogger(&logging.AuditLoggerConfig{
			FilePath:   d.cfg.Audit.FilePath,
			MaxSize:    d.cfg.Logging.MaxSizeMB,
			MaxBackups: d.cfg.Logging.MaxBackups,
			Component:  "keyguardd",
		})
		if err != nil {
			d.logger.Close()
			return nil, fmt.Errorf("create audit log: %w", err)
		}
		d.session = d.audit.SessionID()
	} else {
		d.session = uuid.NewString()
	}

	d.crash = logging.NewCrashHandler(opts.CrashDir, opts.Version, d.session, d.logger)
	return d, nil
}

// loggingConfig maps the file configuration onto the logging package.
func loggingConfig(c config.LoggingConfig) (*logging.Config, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Format)
	if err != nil {
		return nil, err
	}
	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = format
	lc.Output = c.Output
	if c.FilePath != "" {
		lc.FilePath = c.FilePath
	}
	if c.MaxSizeMB > 0 {
		lc.MaxSize = c.MaxSizeMB
	}
	lc.MaxBackups = c.MaxBackups
	lc.LogKeyCodes = c.LogKeyCodes
	lc.Component = "keyguardd"
	return lc, nil
}

// Start wires the pipeline and begins capture. On error everything
// already started is torn down.
func (d *Daemon) Start(ctx context.Context) (err error) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.startedAt = time.Now()
	defer func() {
		if err != nil {
			d.Stop(ctx, "startup failed")
		}
	}()

	if derr := security.DisableCoreDumps(); derr != nil {
		d.logger.Warn("could not disable core dumps", "error", derr)
	}
	if security.IsPrivileged() {
		d.logger.Info("running with elevated privileges")
	}

	if d.cfg.Journal.Enabled {
		if d.journal, err = journal.Open(d.cfg.Journal.Path); err != nil {
			return err
		}
		if _, err = d.journal.OpenSession(d.session, d.opts.Version); err != nil {
			return err
		}
	}

	d.registry = metrics.NewRegistry("keyguard")
	d.metrics = metrics.NewKeyguardMetrics(d.registry)

	sinks := []notify.Sink{notify.LogSink{Logger: d.logger.Logger}}
	if d.audit != nil {
		sinks = append(sinks, notify.AuditSink{Audit: d.audit, Logger: d.logger.Logger})
	}
	if d.journal != nil {
		sinks = append(sinks, notify.JournalSink{Store: d.journal, Logger: d.logger.Logger})
	}
	if d.cfg.Notify.Desktop {
		desktop, derr := notify.NewDesktopSink(d.logger.Logger, d.cfg.Notify.DesktopFlags)
		if derr != nil {
			d.logger.Warn("desktop notifications unavailable", "error", derr)
		} else {
			d.desktop = desktop
			sinks = append(sinks, desktop)
		}
	}
	// The engine exists before any record can be queued: the dispatcher
	// is only reachable through it.
	sinks = append(sinks, notify.MetricsSink{
		Metrics:  d.metrics,
		Snapshot: func() detector.Snapshot { return d.engine.Snapshot() },
	})
	d.dispatcher = notify.NewDispatcher(d.cfg.Notify.QueueSize, sinks,
		notify.WithLogger(d.logger.Logger),
		notify.WithDropHook(d.metrics.NotifyDroppedTotal.Inc),
	)

	d.engine = detector.NewEngine(
		detector.WithClock(d.opts.Clock),
		detector.WithNotifier(d.dispatcher),
		detector.WithObserver(d.metrics),
	)
	d.pipeline = d.engine.Handle

	d.source = d.opts.Source
	if d.source == nil {
		d.source = keysource.New(keysource.Options{
			Devices:      d.cfg.Source.Devices,
			OnReaderExit: d.readerExited,
		})
	}
	if ok, reason := d.source.Available(); !ok {
		return fmt.Errorf("%w: %s", keysource.ErrNotAvailable, reason)
	}
	d.engine.Lockout().OnTransition(d.applySuppression)
	d.health = d.healthChecks()

	if d.cfg.Metrics.Enabled {
		d.mserver = metrics.NewServer(d.registry, d.logger.Logger)
		d.health.Mount(d.mserver.Handle)
		if err = d.mserver.Start(d.cfg.Metrics.Listen); err != nil {
			return err
		}
	}

	if d.cfg.IPC.Enabled {
		scfg := ipc.DefaultServerConfig(d.cfg.IPC.SocketPath)
		scfg.Version = d.opts.Version
		scfg.Logger = d.logger.WithComponent("ipc").Logger
		d.ipc = ipc.NewServer(scfg, ipc.NewDaemonHandler(ipc.DaemonHandlerConfig{
			Version:       d.opts.Version,
			SessionID:     d.session,
			StartedAt:     d.startedAt,
			Snapshot:      d.engine.Snapshot,
			Source:        func() string { return keysource.Describe(d.source) },
			NotifyDropped: d.dispatcher.Dropped,
			Journal:       d.journal,
		}))
		if err = d.ipc.Start(); err != nil {
			return fmt.Errorf("start ipc: %w", err)
		}
	}

	if err = d.source.Start(ctx, d.handle); err != nil {
		d.logAuditErr(d.auditSourceError(ctx, "start", err))
		return fmt.Errorf("start key source: %w", err)
	}

	d.health.SetReady(true)

	d.wg.Add(1)
	go d.refreshMetrics(ctx)

	if d.audit != nil {
		d.logAuditErr(d.audit.LogStartup(ctx, d.opts.Version, map[string]any{
			"source":  keysource.Describe(d.source),
			"journal": d.cfg.Journal.Enabled,
			"ipc":     d.IPCAddr(),
		}))
	}
	d.logger.Info("keyguard started",
		"version", d.opts.Version,
		"session", d.session,
		"source", keysource.Describe(d.source),
	)
	return nil
}

// healthChecks registers the components served on /healthz and /readyz.
// Only the key source is critical: without it nothing is protected.
func (d *Daemon) healthChecks() *health.Checker {
	c := health.NewChecker()
	c.RegisterFunc("keysource", true, health.AvailabilityCheck(func() (bool, string) {
		return keysource.Health(d.source)
	}))
	c.RegisterFunc("notify", false, health.CounterCheck("dropped", d.dispatcher.Dropped))
	if d.journal != nil {
		c.RegisterFunc("journal", false, health.PingCheck("journal", d.journal.Ping))
	}
	return c
}

// Health returns the component checker. Nil before Start.
func (d *Daemon) Health() *health.Checker {
	return d.health
}

// handle is the key source handler. A panic in the pipeline passes the
// event through rather than taking down the input path.
func (d *Daemon) handle(ev keysource.RawEvent) keysource.Verdict {
	verdict := keysource.Pass
	d.crash.Recover(map[string]any{"operation": "handle_event"}, func() {
		verdict = d.pipeline(ev)
	})
	return verdict
}

// applySuppression mirrors lockout state onto the key source.
func (d *Daemon) applySuppression(tr detector.Transition) {
	engaged := tr.Event == detector.LockoutEngaged
	err := d.source.SetSuppressed(engaged)
	if errors.Is(err, keysource.ErrNotRunning) {
		// A release firing after shutdown; the source already let go.
		return
	}
	if err != nil {
		d.logger.Error("toggle suppression", "engaged", engaged, "error", err)
		d.logAuditErr(d.auditSourceError(context.Background(), "set_suppressed", err))
	}
}

// readerExited reports a keyboard whose reader stopped, e.g. on unplug.
func (d *Daemon) readerExited(device string, err error) {
	d.logger.Error("keyboard reader stopped", "device", device, "error", err)
	d.logAuditErr(d.auditSourceError(context.Background(), "read "+device, err))
}

func (d *Daemon) refreshMetrics(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(metricsRefresh)
	defer ticker.Stop()

	d.metrics.Update(d.engine.Snapshot())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.metrics.Update(d.engine.Snapshot())
		}
	}
}

// ApplyConfig is the reload hook. Only the log level changes at runtime;
// everything else is reported and waits for a restart.
func (d *Daemon) ApplyConfig(old, updated *config.Config) {
	ctx := context.Background()
	if old.Logging.Level != updated.Logging.Level {
		level, err := logging.ParseLevel(updated.Logging.Level)
		if err != nil {
			d.logger.Warn("ignoring log level", "level", updated.Logging.Level, "error", err)
		} else {
			d.logger.SetLevel(level)
			d.logger.Info("log level changed", "level", logging.LevelString(level))
			if d.audit != nil {
				d.logAuditErr(d.audit.LogConfigChange(ctx, "logging.level", old.Logging.Level, updated.Logging.Level))
			}
		}
	}

	if changed := restartOnly(old, updated); len(changed) > 0 {
		d.logger.Warn("configuration changes take effect after restart", "sections", strings.Join(changed, ","))
	}
}

func restartOnly(old, updated *config.Config) []string {
	var changed []string
	if old.Logging.Format != updated.Logging.Format || old.Logging.Output != updated.Logging.Output ||
		old.Logging.FilePath != updated.Logging.FilePath || old.Logging.LogKeyCodes != updated.Logging.LogKeyCodes {
		changed = append(changed, "logging")
	}
	if old.Audit != updated.Audit {
		changed = append(changed, "audit")
	}
	if strings.Join(old.Source.Devices, "\x00") != strings.Join(updated.Source.Devices, "\x00") {
		changed = append(changed, "source")
	}
	if old.Notify != updated.Notify {
		changed = append(changed, "notify")
	}
	if old.Journal != updated.Journal {
		changed = append(changed, "journal")
	}
	if old.IPC != updated.IPC {
		changed = append(changed, "ipc")
	}
	if old.Metrics != updated.Metrics {
		changed = append(changed, "metrics")
	}
	return changed
}

// Engine returns the detection engine. Nil before Start.
func (d *Daemon) Engine() *detector.Engine {
	return d.engine
}

// Logger returns the daemon logger.
func (d *Daemon) Logger() *logging.Logger {
	return d.logger
}

// SessionID returns the session stamped on audit and journal records.
func (d *Daemon) SessionID() string {
	return d.session
}

// IPCAddr returns the control socket address, or "" when disabled.
func (d *Daemon) IPCAddr() string {
	if d.ipc == nil {
		return ""
	}
	return d.ipc.Addr()
}

// MetricsAddr returns the metrics listener address, or "" when disabled.
func (d *Daemon) MetricsAddr() string {
	if d.mserver == nil {
		return ""
	}
	return d.mserver.Addr()
}

// Stop shuts the daemon down in reverse order of Start. Capture stops
// first so no new records are produced while the sinks drain.
func (d *Daemon) Stop(ctx context.Context, reason string) error {
	d.stopOnce.Do(func() {
		d.stopErr = d.stop(ctx, reason)
	})
	return d.stopErr
}

func (d *Daemon) stop(ctx context.Context, reason string) error {
	var errs []error
	if d.health != nil {
		d.health.SetReady(false)
	}
	if d.source != nil {
		errs = append(errs, d.source.Stop())
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()

	if d.ipc != nil {
		errs = append(errs, d.ipc.Stop())
	}
	if d.mserver != nil {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		errs = append(errs, d.mserver.Shutdown(sctx))
		cancel()
	}
	if d.dispatcher != nil {
		d.dispatcher.Close()
	}
	if d.desktop != nil {
		errs = append(errs, d.desktop.Close())
	}
	if d.journal != nil {
		errs = append(errs, d.journal.Close())
	}

	if d.engine != nil {
		s := d.engine.Snapshot()
		d.logger.Info("keyguard stopped",
			"reason", reason,
			"events", s.Events,
			"suppressed", s.Suppressed,
			"lockouts", s.Lockouts,
		)
	}
	if d.audit != nil {
		d.logAuditErr(d.audit.LogShutdown(ctx, reason))
		errs = append(errs, d.audit.Close())
	}
	errs = append(errs, d.logger.Close())
	return errors.Join(errs...)
}

func (d *Daemon) auditSourceError(ctx context.Context, op string, err error) error {
	if d.audit == nil {
		return nil
	}
	return d.audit.LogSourceError(ctx, op, err)
}

func (d *Daemon) logAuditErr(err error) {
	if err != nil {
		d.logger.Error("audit write failed", "error", err)
	}
}
