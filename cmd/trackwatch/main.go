package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/taniwha3/trackwatch/internal/api"
	"github.com/taniwha3/trackwatch/internal/config"
	"github.com/taniwha3/trackwatch/internal/evaluator"
	"github.com/taniwha3/trackwatch/internal/health"
	"github.com/taniwha3/trackwatch/internal/history"
	"github.com/taniwha3/trackwatch/internal/host"
	"github.com/taniwha3/trackwatch/internal/lockfile"
	"github.com/taniwha3/trackwatch/internal/logging"
	"github.com/taniwha3/trackwatch/internal/models"
	"github.com/taniwha3/trackwatch/internal/monitor"
	"github.com/taniwha3/trackwatch/internal/monitoring"
	"github.com/taniwha3/trackwatch/internal/notify"
	"github.com/taniwha3/trackwatch/internal/source"
	"github.com/taniwha3/trackwatch/internal/storage"
	"github.com/taniwha3/trackwatch/internal/stream"
	"github.com/taniwha3/trackwatch/internal/watchdog"
)

const (
	healthInterval    = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
	restoreAlertLimit = 100
)

var (
	configPath = flag.String("config", "/etc/trackwatch/config.yaml", "Path to config file")
	version    = flag.Bool("version", false, "Print version and exit")
	appVersion = "dev" // Set by -ldflags during build
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("trackwatch %s\n", appVersion)
		os.Exit(0)
	}

	// Load validates as well
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := newLogger(cfg.Logging, cfg.Device.ID)
	logging.SetDefault(logger)

	line, station := cfg.Site.Location()
	logger.Info("Starting track monitor",
		slog.String("device_id", cfg.Device.ID),
		slog.String("version", appVersion),
		slog.String("line", line),
		slog.String("station", station),
	)
	logger.Info("Configuration loaded",
		slog.String("source", cfg.Source.GetKind()),
		slog.Bool("storage_enabled", cfg.Storage.Enabled),
		slog.String("storage_path", cfg.Storage.Path),
		slog.Bool("notify_enabled", cfg.Notify.Enabled()),
		slog.String("address", cfg.Server.GetAddress()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage is optional; the lock guards the database, not the process
	var store *storage.SQLiteStorage
	if cfg.Storage.Enabled {
		dbPath := normalizeStoragePath(cfg.Storage.Path)
		lock, err := lockfile.Acquire(dbPath, lockfile.Owner{Addr: cfg.Server.GetAddress()})
		if err != nil {
			logger.Error("Failed to acquire database lock - another instance may be running",
				slog.Any("error", err),
				slog.String("lock_path", lockfile.PathFor(dbPath)),
			)
			os.Exit(1)
		}
		defer lock.Release()
		logger.Info("Database lock acquired", slog.String("lock_path", lock.Path()))

		store, err = storage.NewSQLiteStorage(cfg.Storage.Path)
		if err != nil {
			logger.Error("Failed to initialize storage", slog.Any("error", err))
			os.Exit(1)
		}
		defer store.Close()

		opts, err := maintenanceOptions(cfg.Storage)
		if err != nil {
			logger.Error("Invalid storage maintenance settings", slog.Any("error", err))
			os.Exit(1)
		}
		stopMaintenance := store.StartMaintenanceRoutine(ctx, logger, opts)
		defer stopMaintenance()
		logger.Info("Storage initialized",
			slog.Duration("retention", opts.Retention),
			slog.Duration("wal_checkpoint_interval", opts.CheckpointInterval),
			slog.Int64("wal_checkpoint_size_bytes", opts.MaxWALSize),
		)
	}

	eval, thresholds, err := buildEvaluator(cfg, logger)
	if err != nil {
		logger.Error("Failed to build evaluator", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := monitoring.NewMetricsCollector(nil)

	deps := source.Deps{
		Thresholds: thresholds,
		Logger:     logger,
		OnReject:   metrics.RecordSourceReject,
	}
	if store != nil {
		deps.Store = store
	}
	src, err := source.New(ctx, cfg.Source, deps)
	if err != nil {
		logger.Error("Failed to initialize source", slog.Any("error", err))
		os.Exit(1)
	}
	defer src.Close()
	logger.Info("Source initialized", slog.String("source", src.Name()))

	buf := history.NewBuffer(cfg.Monitor.GetHistoryCapacity())
	alerts := history.NewAlertLog()
	if store != nil {
		if err := restoreState(ctx, store, buf, alerts); err != nil {
			logger.Warn("Failed to restore history from storage", slog.Any("error", err))
		} else {
			logger.Info("History restored",
				slog.Int("readings", buf.Len()),
				slog.Int("alerts", alerts.Len()),
			)
		}
	}

	mon, err := newMonitor(cfg, src, eval, buf, alerts, logger)
	if err != nil {
		logger.Error("Failed to initialize monitor", slog.Any("error", err))
		os.Exit(1)
	}

	hub := stream.NewHub(func() interface{} { return buf.Snapshot() }, logger)

	var dispatcher *notify.Dispatcher
	if cfg.Notify.Enabled() {
		notifiers, closeNotifiers, err := buildNotifiers(ctx, cfg.Notify, logger)
		if err != nil {
			logger.Error("Failed to initialize notifiers", slog.Any("error", err))
			os.Exit(1)
		}
		defer closeNotifiers()

		policy, err := retryPolicy(cfg.Notify.Retry)
		if err != nil {
			logger.Error("Invalid notify retry settings", slog.Any("error", err))
			os.Exit(1)
		}
		dispatcher = notify.NewDispatcher(notify.DispatcherOptions{
			Notifiers: notifiers,
			Retry:     policy,
			QueueSize: cfg.Notify.GetQueueSize(),
			Logger:    logger,
			OnDrop:    metrics.RecordNotifyDrop,
		})
		logger.Info("Alert dispatcher initialized",
			slog.Int("notifiers", len(notifiers)),
			slog.Int("max_attempts", policy.MaxAttempts),
			slog.Duration("initial_backoff", policy.InitialBackoff),
			slog.Duration("max_backoff", policy.MaxBackoff),
			slog.Int("jitter_percent", policy.JitterPercent),
		)
	}

	// Listener order: persist, measure, stream, notify
	if store != nil {
		mon.AddListener(store)
	}
	mon.AddListener(metrics)
	mon.AddListener(hub)
	if dispatcher != nil {
		mon.AddListener(dispatcher)
	}

	interval := mon.Interval()
	healthChecker := health.NewChecker(health.ThresholdsFromInterval(interval))
	logger.Info("Health checker initialized",
		slog.Duration("interval", interval),
		slog.Duration("tick_stale_after", healthChecker.Thresholds().TickStaleAfter),
	)

	wd := watchdog.NewPinger(watchdog.Options{
		Probe:  monitorProbe(mon, healthChecker),
		Status: statusLine(mon),
		Logger: logger,
	})

	router := api.NewRouter(api.Options{
		Monitor:    mon,
		Health:     healthChecker,
		Stream:     hub,
		Metrics:    metrics.Handler(),
		Archive:    archiveOf(store),
		AlertLimit: cfg.Monitor.GetAlertDisplayLimit(),
		Logger:     logger,
	})
	server := &http.Server{
		Addr:              cfg.Server.GetAddress(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()

	if dispatcher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dispatcher.Run(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		mon.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runHealthLoop(ctx, healthDeps{
			mon:        mon,
			src:        src,
			store:      store,
			dispatcher: dispatcher,
			hub:        hub,
			sampler:    host.NewSampler(diskPathFor(cfg.Storage)),
			checker:    healthChecker,
			metrics:    metrics,
			logger:     logger,
		}, healthInterval)
	}()

	if wd.IsEnabled() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wd.Start(ctx)
		}()
		logger.Info("Watchdog pinger started", slog.Duration("interval", wd.GetInterval()))
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", slog.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	wd.NotifyReady()
	logger.Info("Monitoring started. Press Ctrl+C to stop.")

	select {
	case <-sigChan:
		logger.Info("Shutdown signal received, stopping...")
	case err := <-serverErr:
		logger.Error("HTTP server error", slog.Any("error", err))
	}

	wd.NotifyStopping()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", slog.Any("error", err))
	}

	cancel()
	wg.Wait()

	logger.Info("Shutdown complete")
}

func newLogger(cfg config.LoggingConfig, deviceID string) *slog.Logger {
	level := logging.LevelInfo
	if cfg.Level != "" {
		level = logging.ParseLevel(cfg.Level)
	}
	format := logging.FormatConsole
	if cfg.Format != "" {
		format = logging.ParseFormat(cfg.Format)
	}
	return logging.New(logging.Config{
		Level:    level,
		Format:   format,
		Output:   os.Stdout,
		Service:  "trackwatch",
		DeviceID: deviceID,
	})
}

// buildEvaluator turns the evaluator and threshold config into an Evaluator
func buildEvaluator(cfg *config.Config, logger *slog.Logger) (*evaluator.Evaluator, models.Thresholds, error) {
	thresholds, err := cfg.ThresholdSet()
	if err != nil {
		return nil, nil, err
	}
	weights, err := cfg.Evaluator.WeightSet()
	if err != nil {
		return nil, nil, err
	}
	goodness, err := cfg.Evaluator.GoodnessSet()
	if err != nil {
		return nil, nil, err
	}

	curves := make(map[models.MetricKind]evaluator.Curve, len(goodness))
	for k, g := range goodness {
		curves[k] = evaluator.Curve{
			Mode:   evaluator.Mode(g.Mode),
			Target: g.Target,
			Span:   g.Span,
		}
	}

	eval, err := evaluator.New(evaluator.Options{
		Thresholds: thresholds,
		Weights:    weights,
		Curves:     curves,
		Policy:     evaluator.Policy(cfg.Evaluator.Policy()),
		Logger:     logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return eval, thresholds, nil
}

func newMonitor(cfg *config.Config, src source.Source, eval *evaluator.Evaluator, buf *history.Buffer, alerts *history.AlertLog, logger *slog.Logger) (*monitor.Monitor, error) {
	interval, err := cfg.Monitor.Interval()
	if err != nil {
		return nil, err
	}
	minInterval, err := cfg.Monitor.MinInterval()
	if err != nil {
		return nil, err
	}
	maxInterval, err := cfg.Monitor.MaxInterval()
	if err != nil {
		return nil, err
	}

	line, station := cfg.Site.Location()
	return monitor.New(monitor.Options{
		Source:      src,
		Evaluator:   eval,
		History:     buf,
		Alerts:      alerts,
		Interval:    interval,
		MinInterval: minInterval,
		MaxInterval: maxInterval,
		Active:      cfg.Monitor.Active(),
		Line:        line,
		Station:     station,
		Stations:    cfg.Site.Directory(),
		Logger:      logger,
	})
}

// restoreState reloads the newest stored ticks and alerts so a restart keeps
// the charts and alert log populated
func restoreState(ctx context.Context, store *storage.SQLiteStorage, buf *history.Buffer, alerts *history.AlertLog) error {
	records, err := store.QueryReadings(ctx, storage.QueryOptions{
		Limit:  buf.Cap(),
		Newest: true,
	})
	if err != nil {
		return fmt.Errorf("failed to load readings: %w", err)
	}
	for _, rec := range records {
		buf.Append(rec.Reading)
	}

	recent, err := store.RecentAlerts(ctx, restoreAlertLimit)
	if err != nil {
		return fmt.Errorf("failed to load alerts: %w", err)
	}
	alerts.Restore(recent)
	return nil
}

func maintenanceOptions(cfg config.StorageConfig) (storage.MaintenanceOptions, error) {
	retention, err := cfg.Retention()
	if err != nil {
		return storage.MaintenanceOptions{}, err
	}
	retentionInterval, err := cfg.RetentionCheckInterval()
	if err != nil {
		return storage.MaintenanceOptions{}, err
	}
	checkpointInterval, err := cfg.WALCheckpointInterval()
	if err != nil {
		return storage.MaintenanceOptions{}, err
	}
	return storage.MaintenanceOptions{
		Retention:          retention,
		RetentionInterval:  retentionInterval,
		CheckpointInterval: checkpointInterval,
		MaxWALSize:         cfg.WALCheckpointSizeBytes(),
	}, nil
}

func retryPolicy(cfg config.RetryConfig) (notify.RetryPolicy, error) {
	initial, err := cfg.InitialBackoff()
	if err != nil {
		return notify.RetryPolicy{}, err
	}
	maxBackoff, err := cfg.MaxBackoff()
	if err != nil {
		return notify.RetryPolicy{}, err
	}
	return notify.RetryPolicy{
		MaxAttempts:    cfg.GetMaxAttempts(),
		InitialBackoff: initial,
		MaxBackoff:     maxBackoff,
		Multiplier:     cfg.GetBackoffMultiplier(),
		JitterPercent:  cfg.GetJitterPercent(),
	}, nil
}

// buildNotifiers connects every enabled notifier. The returned func closes them.
func buildNotifiers(ctx context.Context, cfg config.NotifyConfig, logger *slog.Logger) ([]notify.Notifier, func(), error) {
	var notifiers []notify.Notifier
	var closers []func() error
	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warn("Failed to close notifier", slog.Any("error", err))
			}
		}
	}

	if cfg.MQTT.Enabled {
		n, err := notify.NewMQTTNotifier(notify.MQTTOptions{
			Broker:   cfg.MQTT.Broker,
			Topic:    cfg.MQTT.Topic,
			ClientID: cfg.MQTT.ClientID,
			QoS:      cfg.MQTT.QoS,
		})
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("mqtt notifier: %w", err)
		}
		notifiers = append(notifiers, n)
		closers = append(closers, n.Close)
		logger.Info("MQTT notifier connected",
			slog.String("broker", cfg.MQTT.Broker),
			slog.String("topic", cfg.MQTT.Topic),
		)
	}

	if cfg.SNS.Enabled {
		sev, err := cfg.SNS.Severity()
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		n, err := notify.NewSNSNotifier(ctx, cfg.SNS.Region, cfg.SNS.TopicARN, sev)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("sns notifier: %w", err)
		}
		notifiers = append(notifiers, n)
		logger.Info("SNS notifier initialized",
			slog.String("region", cfg.SNS.Region),
			slog.String("topic_arn", cfg.SNS.TopicARN),
			slog.String("min_severity", string(sev)),
		)
	}

	return notifiers, closeAll, nil
}

// archiveOf avoids handing the router a typed-nil Archive
func archiveOf(store *storage.SQLiteStorage) api.Archive {
	if store == nil {
		return nil
	}
	return store
}

// diskPathFor picks the filesystem reported in host health
func diskPathFor(cfg config.StorageConfig) string {
	if !cfg.Enabled {
		return "/"
	}
	return filepath.Dir(normalizeStoragePath(cfg.Path))
}

// monitorProbe fails once an active monitor has gone twice the stale
// threshold without a tick, so systemd restarts it. A loop waiting on a
// quiet feed is not stuck.
func monitorProbe(mon *monitor.Monitor, checker *health.Checker) watchdog.Probe {
	return func() error {
		snap := mon.Snapshot()
		if !snap.Active || snap.LastTick.IsZero() || snap.Waiting {
			return nil
		}
		limit := 2 * checker.Thresholds().TickStaleAfter
		if since := time.Since(snap.LastTick); since > limit {
			return fmt.Errorf("no tick for %s (limit %s)", since.Round(time.Second), limit)
		}
		return nil
	}
}

func statusLine(mon *monitor.Monitor) watchdog.StatusFunc {
	return func() string {
		snap := mon.Snapshot()
		state := "monitoring"
		if !snap.Active {
			state = "paused"
		}
		if snap.Latest == nil {
			return fmt.Sprintf("%s %s/%s, no readings", state, snap.Line, snap.Station)
		}
		return fmt.Sprintf("%s %s/%s, score %.1f, %d alerts",
			state, snap.Line, snap.Station, snap.Latest.Score, snap.AlertCount)
	}
}

type healthDeps struct {
	mon        *monitor.Monitor
	src        source.Source
	store      *storage.SQLiteStorage
	dispatcher *notify.Dispatcher
	hub        *stream.Hub
	sampler    *host.Sampler
	checker    *health.Checker
	metrics    *monitoring.MetricsCollector
	logger     *slog.Logger
}

// runHealthLoop periodically refreshes every health component
func runHealthLoop(ctx context.Context, d healthDeps, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Update immediately on start
	updateHealth(ctx, d)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateHealth(ctx, d)
		}
	}
}

func updateHealth(ctx context.Context, d healthDeps) {
	snap := d.mon.Snapshot()

	// Staleness follows the interval as it changes at runtime
	if th := health.ThresholdsFromInterval(snap.Interval); th != d.checker.Thresholds() {
		d.checker.SetThresholds(th)
	}

	d.checker.UpdateMonitorStatus(health.MonitorState{
		Active:   snap.Active,
		Interval: snap.Interval,
		LastTick: snap.LastTick,
		Ticks:    snap.Ticks,
		Failures: snap.Failures,
	})

	d.checker.UpdateSourceStatus(d.src.Name(), sourceError(snap.LastError), sourceDetails(d.src))

	if d.store != nil {
		updateStorageHealth(ctx, d, snap.Active)
	}

	if d.dispatcher != nil {
		stats := d.dispatcher.Stats()
		d.checker.UpdateNotifierStatus(health.NotifierState{
			Notifiers:   d.dispatcher.Notifiers(),
			Queued:      stats.Queued,
			Dropped:     stats.Dropped,
			Delivered:   stats.Delivered,
			Failed:      stats.Failed,
			LastError:   stats.LastError,
			LastErrorAt: stats.LastErrorAt,
			LastSuccess: stats.LastSuccess,
		})
	}

	d.metrics.UpdateStreamClients(d.hub.Clients())

	stats, err := d.sampler.Sample(ctx)
	if err != nil {
		d.logger.Debug("Host sample failed", slog.Any("error", err))
	} else {
		d.metrics.UpdateHostMetrics(stats)
	}
	d.checker.UpdateHostStatus(health.HostState{
		MemUsedPercent:  stats.MemUsedPercent,
		CPUPercent:      stats.CPUPercent,
		DiskUsedPercent: stats.DiskUsedPercent,
	}, err)
}

// sourceError filters tick errors down to those raised by the source itself
func sourceError(err error) error {
	if err == nil || errors.Is(err, evaluator.ErrOutOfRange) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func sourceDetails(src source.Source) map[string]interface{} {
	mq, ok := src.(*source.MQTTSource)
	if !ok {
		return nil
	}
	stats := mq.Stats()
	return map[string]interface{}{
		"received":  stats.Received,
		"malformed": stats.Malformed,
		"partial":   stats.Partial,
		"dropped":   stats.Dropped,
	}
}

// updateStorageHealth reports database size and write freshness
func updateStorageHealth(ctx context.Context, d healthDeps, active bool) {
	dbSize, err := d.store.DBSize()
	if err != nil {
		d.logger.Error("Failed to get DB size", slog.Any("error", err))
		dbSize = 0
	}

	walSize, err := d.store.WALSize()
	if err != nil {
		d.logger.Error("Failed to get WAL size", slog.Any("error", err))
		walSize = 0
	}

	count, err := d.store.Count(ctx)
	if err != nil {
		d.logger.Error("Failed to count readings", slog.Any("error", err))
		count = 0
	}

	lastWrite, writeErr := d.store.LastWrite()

	d.checker.UpdateStorageStatus(health.StorageState{
		DBSize:    dbSize,
		WALSize:   walSize,
		Readings:  count,
		LastWrite: lastWrite,
		WriteErr:  writeErr,
		Active:    active,
	})
	d.metrics.UpdateStorageMetrics(dbSize, walSize)
}

// normalizeStoragePath converts a storage path (including SQLite URIs) to an absolute file path
// suitable for lock file generation. This handles SQLite DSN URIs like:
//   - file:/var/lib/trackwatch/trackwatch.db?cache=shared
//   - file:///var/lib/trackwatch/trackwatch.db
//   - ./data/trackwatch.db
//   - /var/lib/trackwatch/trackwatch.db
func normalizeStoragePath(storagePath string) string {
	path := storage.FilePath(storagePath)
	if !strings.HasPrefix(path, "/") {
		if abs, err := filepath.Abs(path); err == nil {
			return abs
		}
	}
	return path
}
