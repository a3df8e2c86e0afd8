// Package observe assembles periodic status snapshots: process and resource
// usage, broker activity, notifier backlog, and a set of health checks. The
// latest snapshot sits in a single atomic slot for the HTTP layer to serve.
package observe

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/MirkoSon/SohnBot/pkg/config"
	"github.com/MirkoSon/SohnBot/pkg/services"
	"github.com/MirkoSon/SohnBot/pkg/version"
)

// Health check statuses.
const (
	HealthPass = "pass"
	HealthWarn = "warn"
	HealthFail = "fail"
)

// HealthCheck is one named probe result inside a snapshot.
type HealthCheck struct {
	Name      string         `json:"name"`
	Status    string         `json:"status"`
	Message   string         `json:"message"`
	Timestamp int64          `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// ProcessInfo describes the running process.
type ProcessInfo struct {
	PID           int    `json:"pid"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Version       string `json:"version"`
	Supervisor    string `json:"supervisor"`
}

// ActiveOperation is one in-flight broker operation.
type ActiveOperation struct {
	OperationID    string `json:"operation_id"`
	Capability     string `json:"capability"`
	Action         string `json:"action"`
	ChatID         string `json:"chat_id"`
	ElapsedSeconds int64  `json:"elapsed_seconds"`
}

// CompletedOperation is one settled broker operation, newest first.
type CompletedOperation struct {
	OperationID string `json:"operation_id"`
	Capability  string `json:"capability"`
	Action      string `json:"action"`
	Status      string `json:"status"`
	DurationMs  int64  `json:"duration_ms"`
	Timestamp   int64  `json:"timestamp"`
}

// BrokerActivity summarizes recent execution_log rows.
type BrokerActivity struct {
	InProgress      []ActiveOperation    `json:"in_progress"`
	Recent          []CompletedOperation `json:"recent"`
	RecentByStatus  map[string]int       `json:"recent_by_status"`
	LastOperationAt int64                `json:"last_operation_at"`
}

// SchedulerState is a placeholder until a job scheduler exists.
type SchedulerState struct {
	JobCount   int      `json:"job_count"`
	NextRun    string   `json:"next_run"`
	Jobs       []string `json:"jobs"`
	LagSeconds int64    `json:"lag_seconds"`
}

// NotifierState summarizes the outbox backlog.
type NotifierState struct {
	PendingCount            int   `json:"pending_count"`
	OldestPendingAgeSeconds int64 `json:"oldest_pending_age_seconds"`
	LastAttemptAt           int64 `json:"last_attempt_at"`
}

// ResourceUsage holds process and storage footprint numbers.
type ResourceUsage struct {
	CPUPercent          float64 `json:"cpu_percent"`
	RSSMB               float64 `json:"rss_mb"`
	DatabaseSizeMB      float64 `json:"database_size_mb"`
	LogDirSizeMB        float64 `json:"log_dir_size_mb"`
	SnapshotBranchCount int     `json:"snapshot_branch_count"`
	EventLoopLagMs      float64 `json:"event_loop_lag_ms"`
}

// StatusSnapshot is one full observation of the system.
type StatusSnapshot struct {
	CollectedAt int64          `json:"collected_at"`
	Process     ProcessInfo    `json:"process"`
	Broker      BrokerActivity `json:"broker"`
	Scheduler   SchedulerState `json:"scheduler"`
	Notifier    NotifierState  `json:"notifier"`
	Resources   ResourceUsage  `json:"resources"`
	Health      []HealthCheck  `json:"health"`
}

// Collector refreshes the snapshot slot on a fixed interval. One collection
// is expected to finish well under 100ms; slower runs are logged.
type Collector struct {
	cfg    *config.Manager
	db     *sqlx.DB
	audit  *services.AuditService
	outbox *services.OutboxService

	dbPath string
	logDir string

	// snapshotBranches counts snapshot branches across managed repos;
	// replaceable in tests.
	snapshotBranches func(ctx context.Context) int

	proc      *process.Process
	startedAt time.Time

	slot     atomic.Pointer[StatusSnapshot]
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCollector wires the collector against the shared stores. dbPath and
// logDir are used for on-disk footprint numbers.
func NewCollector(cfg *config.Manager, db *sqlx.DB, audit *services.AuditService, outbox *services.OutboxService, dbPath, logDir string) *Collector {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		slog.Warn("process_handle_unavailable", "error", err)
	}
	return &Collector{
		cfg:              cfg,
		db:               db,
		audit:            audit,
		outbox:           outbox,
		dbPath:           dbPath,
		logDir:           logDir,
		snapshotBranches: func(context.Context) int { return 0 },
		proc:             proc,
		startedAt:        time.Now(),
		stopCh:           make(chan struct{}),
	}
}

// SetSnapshotBranchCounter installs the snapshot-branch probe.
func (c *Collector) SetSnapshotBranchCounter(fn func(ctx context.Context) int) {
	if fn != nil {
		c.snapshotBranches = fn
	}
}

// Latest returns the most recent snapshot, or nil before the first
// collection completes.
func (c *Collector) Latest() *StatusSnapshot {
	return c.slot.Load()
}

// Start collects once immediately, then refreshes on the configured
// interval.
func (c *Collector) Start() {
	c.refresh()
	c.wg.Add(1)
	go c.run()
	slog.Info("observability_collector_started",
		"refresh_seconds", c.cfg.GetInt("observability.refresh_seconds"))
}

// Stop halts the refresh loop. Idempotent.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Collector) run() {
	defer c.wg.Done()
	for {
		interval := time.Duration(c.cfg.GetInt("observability.refresh_seconds")) * time.Second
		select {
		case <-c.stopCh:
			return
		case <-time.After(interval):
			c.refresh()
		}
	}
}

// refresh collects one snapshot and swaps it into the slot. Collection
// errors degrade individual sections, never the loop.
func (c *Collector) refresh() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("status_collection_panic", "panic", r)
		}
	}()

	started := time.Now()
	snapshot := c.collect(context.Background())
	elapsed := time.Since(started)
	if elapsed > 100*time.Millisecond {
		slog.Warn("status_collection_slow", "elapsed_ms", elapsed.Milliseconds())
	}
	c.slot.Store(snapshot)
}

func (c *Collector) collect(ctx context.Context) *StatusSnapshot {
	now := time.Now()
	return &StatusSnapshot{
		CollectedAt: now.Unix(),
		Process:     c.processInfo(),
		Broker:      c.brokerActivity(ctx, now),
		Scheduler:   SchedulerState{NextRun: "N/A", Jobs: []string{}},
		Notifier:    c.notifierState(ctx),
		Resources:   c.resourceUsage(ctx),
		Health:      c.healthChecks(ctx),
	}
}

func (c *Collector) processInfo() ProcessInfo {
	return ProcessInfo{
		PID:           os.Getpid(),
		UptimeSeconds: int64(time.Since(c.startedAt).Seconds()),
		Version:       version.Full(),
		Supervisor:    detectSupervisor(),
	}
}

// detectSupervisor checks the environment markers pm2 and systemd leave on
// child processes.
func detectSupervisor() string {
	if os.Getenv("PM2_HOME") != "" || os.Getenv("pm_id") != "" {
		return "pm2"
	}
	if os.Getenv("INVOCATION_ID") != "" {
		return "systemd"
	}
	return "none"
}

func (c *Collector) brokerActivity(ctx context.Context, now time.Time) BrokerActivity {
	activity := BrokerActivity{RecentByStatus: map[string]int{}}

	inProgress, err := c.audit.InProgress(ctx, 20)
	if err != nil {
		slog.Warn("status_in_progress_query_failed", "error", err)
	}
	for _, rec := range inProgress {
		activity.InProgress = append(activity.InProgress, ActiveOperation{
			OperationID:    rec.OperationID,
			Capability:     rec.Capability,
			Action:         rec.Action,
			ChatID:         rec.ChatID,
			ElapsedSeconds: now.Unix() - rec.Timestamp,
		})
	}

	recent, err := c.audit.RecentTerminal(ctx, 10)
	if err != nil {
		slog.Warn("status_recent_query_failed", "error", err)
	}
	for _, rec := range recent {
		op := CompletedOperation{
			OperationID: rec.OperationID,
			Capability:  rec.Capability,
			Action:      rec.Action,
			Status:      rec.Status,
			Timestamp:   rec.Timestamp,
		}
		if rec.DurationMs != nil {
			op.DurationMs = *rec.DurationMs
		}
		activity.Recent = append(activity.Recent, op)
	}

	if histogram, err := c.audit.StatusHistogram(ctx, 10); err != nil {
		slog.Warn("status_histogram_query_failed", "error", err)
	} else {
		activity.RecentByStatus = histogram
	}

	if last, err := c.audit.LatestTimestamp(ctx); err != nil {
		slog.Warn("status_latest_query_failed", "error", err)
	} else {
		activity.LastOperationAt = last
	}
	return activity
}

func (c *Collector) notifierState(ctx context.Context) NotifierState {
	stats, err := c.outbox.Stats(ctx)
	if err != nil {
		slog.Warn("status_outbox_query_failed", "error", err)
		return NotifierState{}
	}
	state := NotifierState{
		PendingCount:  stats.Count,
		LastAttemptAt: stats.LastCreatedAt,
	}
	if stats.OldestCreatedAt > 0 {
		state.OldestPendingAgeSeconds = time.Now().Unix() - stats.OldestCreatedAt
	}
	return state
}

func (c *Collector) resourceUsage(ctx context.Context) ResourceUsage {
	usage := ResourceUsage{
		DatabaseSizeMB:      fileSizeMB(c.dbPath),
		LogDirSizeMB:        dirSizeMB(c.logDir),
		SnapshotBranchCount: c.snapshotBranches(ctx),
		EventLoopLagMs:      schedulerYieldMs(),
	}
	if c.proc != nil {
		// Percent(0) is the non-blocking delta since the previous call;
		// the first call reports 0.
		if cpu, err := c.proc.Percent(0); err == nil {
			usage.CPUPercent = cpu
		}
		if mem, err := c.proc.MemoryInfo(); err == nil {
			usage.RSSMB = float64(mem.RSS) / (1024 * 1024)
		}
	}
	return usage
}

// schedulerYieldMs measures one voluntary yield round-trip as a proxy for
// runtime scheduling delay.
func schedulerYieldMs() float64 {
	start := time.Now()
	runtime.Gosched()
	return float64(time.Since(start).Microseconds()) / 1000.0
}

func fileSizeMB(path string) float64 {
	if path == "" {
		return 0
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return float64(info.Size()) / (1024 * 1024)
}

func dirSizeMB(dir string) float64 {
	if dir == "" {
		return 0
	}
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return float64(total) / (1024 * 1024)
}

func (c *Collector) healthChecks(ctx context.Context) []HealthCheck {
	return []HealthCheck{
		c.checkSQLiteWritable(ctx),
		c.checkSchedulerLag(),
		check("job_timeouts", HealthPass, "no job scheduler active"),
		c.checkNotifierAlive(ctx),
		c.checkOutboxStuck(ctx),
		c.checkDiskUsage(),
	}
}

func check(name, status, message string) HealthCheck {
	return HealthCheck{Name: name, Status: status, Message: message, Timestamp: time.Now().Unix()}
}

// checkSQLiteWritable round-trips a temp table and verifies WAL mode.
func (c *Collector) checkSQLiteWritable(ctx context.Context) HealthCheck {
	const name = "sqlite_writable"
	if _, err := c.db.ExecContext(ctx, `CREATE TEMP TABLE IF NOT EXISTS _health_probe (n INTEGER)`); err != nil {
		return check(name, HealthFail, fmt.Sprintf("create failed: %v", err))
	}
	if _, err := c.db.ExecContext(ctx, `INSERT INTO _health_probe (n) VALUES (1)`); err != nil {
		return check(name, HealthFail, fmt.Sprintf("insert failed: %v", err))
	}
	if _, err := c.db.ExecContext(ctx, `DROP TABLE _health_probe`); err != nil {
		return check(name, HealthFail, fmt.Sprintf("drop failed: %v", err))
	}

	var mode string
	if err := c.db.GetContext(ctx, &mode, `PRAGMA journal_mode`); err != nil {
		return check(name, HealthWarn, fmt.Sprintf("journal_mode query failed: %v", err))
	}
	if mode != "wal" {
		return check(name, HealthWarn, fmt.Sprintf("journal_mode is %q, expected wal", mode))
	}
	return check(name, HealthPass, "database writable, WAL active")
}

func (c *Collector) checkSchedulerLag() HealthCheck {
	return check("scheduler_lag", HealthPass, "scheduler not yet active")
}

// checkNotifierAlive fails when nothing has touched the outbox within the
// threshold despite rows existing.
func (c *Collector) checkNotifierAlive(ctx context.Context) HealthCheck {
	const name = "notifier_alive"
	stats, err := c.outbox.Stats(ctx)
	if err != nil {
		return check(name, HealthWarn, fmt.Sprintf("outbox query failed: %v", err))
	}
	if stats.LastCreatedAt == 0 {
		return check(name, HealthPass, "no notifications sent yet")
	}
	threshold := int64(c.cfg.GetInt("observability.notifier_lag_threshold"))
	age := time.Now().Unix() - stats.LastCreatedAt
	if stats.Count > 0 && age > threshold {
		hc := check(name, HealthFail, fmt.Sprintf("last outbox activity %ds ago with %d pending", age, stats.Count))
		hc.Details = map[string]any{"age_seconds": age, "pending": stats.Count}
		return hc
	}
	return check(name, HealthPass, "notifier active")
}

// checkOutboxStuck warns when the oldest pending row exceeds the threshold.
func (c *Collector) checkOutboxStuck(ctx context.Context) HealthCheck {
	const name = "outbox_stuck"
	lag, err := c.outbox.LagSeconds(ctx)
	if err != nil {
		return check(name, HealthWarn, fmt.Sprintf("outbox query failed: %v", err))
	}
	threshold := int64(c.cfg.GetInt("observability.outbox_stuck_threshold"))
	if lag > threshold {
		hc := check(name, HealthWarn, fmt.Sprintf("oldest pending notification is %ds old", lag))
		hc.Details = map[string]any{"lag_seconds": lag}
		return hc
	}
	return check(name, HealthPass, "outbox draining")
}

// checkDiskUsage is opt-in and warns when the database plus logs exceed the
// configured cap.
func (c *Collector) checkDiskUsage() HealthCheck {
	const name = "disk_usage"
	if !c.cfg.GetBool("observability.disk_cap_enabled") {
		return check(name, HealthPass, "disk cap disabled")
	}
	used := fileSizeMB(c.dbPath) + dirSizeMB(c.logDir)
	capMB := float64(c.cfg.GetInt("observability.disk_cap_mb"))
	if used > capMB {
		hc := check(name, HealthWarn, fmt.Sprintf("%.1f MB used, cap %.0f MB", used, capMB))
		hc.Details = map[string]any{"used_mb": used, "cap_mb": capMB}
		return hc
	}
	return check(name, HealthPass, fmt.Sprintf("%.1f MB used", used))
}
