// reconcile.go: background consistency check of the data directory.
//
// Compares the registry with the files on disk and reports:
//   - orphan_record: record whose file is gone (served as FILE_MISSING)
//   - orphan_file: media file with no record
//   - size_mismatch: file size differs from size_bytes
//
// Findings are reported, not repaired. The one cleanup it performs is
// removing *.tmp leftovers older than the configured age, which only a
// crash between write and rename can produce.
package service

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/BrettSwaim/skylight-photos/internal/storage/filestore"
	"github.com/BrettSwaim/skylight-photos/internal/storage/metastore"
	"github.com/BrettSwaim/skylight-photos/internal/storage/snapshot"
)

var (
	reconcileRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sp_reconcile_runs_total",
		Help: "Reconcile runs",
	})

	reconcileIssues = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sp_reconcile_issues",
		Help: "Issues found by the last reconcile run",
	}, []string{"type"})

	reconcileTmpRemovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sp_reconcile_tmp_removed_total",
		Help: "Stale temporary files removed",
	})

	reconcileDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sp_reconcile_duration_seconds",
		Help:    "Reconcile run duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	})
)

// DefaultTmpMaxAge is how old a *.tmp file must be before it is swept.
const DefaultTmpMaxAge = time.Hour

// IssueType classifies a reconcile finding.
type IssueType string

const (
	IssueOrphanRecord IssueType = "orphan_record"
	IssueOrphanFile   IssueType = "orphan_file"
	IssueSizeMismatch IssueType = "size_mismatch"
)

// ReconcileIssue is one finding.
type ReconcileIssue struct {
	Type        IssueType `json:"type"`
	ID          string    `json:"id,omitempty"`
	Filename    string    `json:"filename"`
	Description string    `json:"description"`
}

// ReconcileSummary counts findings per type.
type ReconcileSummary struct {
	OK             int `json:"ok"`
	OrphanRecords  int `json:"orphan_records"`
	OrphanFiles    int `json:"orphan_files"`
	SizeMismatches int `json:"size_mismatches"`
}

// ReconcileReport is the result of one run.
type ReconcileReport struct {
	StartedAt      time.Time        `json:"started_at"`
	CompletedAt    time.Time        `json:"completed_at"`
	RecordsChecked int              `json:"records_checked"`
	FilesChecked   int              `json:"files_checked"`
	TmpRemoved     int              `json:"tmp_removed"`
	Issues         []ReconcileIssue `json:"issues"`
	Summary        ReconcileSummary `json:"summary"`
}

// ReconcileService runs the consistency check on demand and on a ticker.
type ReconcileService struct {
	store     *metastore.Store
	files     *filestore.FileStore
	interval  time.Duration
	tmpMaxAge time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu        sync.Mutex
	inProcess bool
	last      *ReconcileReport

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReconcileService creates the service. A zero interval disables the
// periodic run; RunOnce still works.
func NewReconcileService(
	store *metastore.Store,
	files *filestore.FileStore,
	interval, tmpMaxAge time.Duration,
	logger *slog.Logger,
) *ReconcileService {
	if tmpMaxAge <= 0 {
		tmpMaxAge = DefaultTmpMaxAge
	}
	return &ReconcileService{
		store:     store,
		files:     files,
		interval:  interval,
		tmpMaxAge: tmpMaxAge,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "reconcile")),
	}
}

// Start runs one pass immediately, then one per interval, until Stop.
func (rs *ReconcileService) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	rs.cancel = cancel
	rs.done = make(chan struct{})

	go rs.run(runCtx)

	rs.logger.Info("Reconcile started", slog.Duration("interval", rs.interval))
}

// Stop ends the background loop and waits for a running pass to finish.
func (rs *ReconcileService) Stop() {
	if rs.cancel == nil {
		return
	}
	rs.cancel()
	<-rs.done
	rs.logger.Info("Reconcile stopped")
}

// IsInProgress reports whether a pass is running.
func (rs *ReconcileService) IsInProgress() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.inProcess
}

// LastReport returns the most recent completed report, or nil.
func (rs *ReconcileService) LastReport() *ReconcileReport {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.last
}

func (rs *ReconcileService) run(ctx context.Context) {
	defer close(rs.done)

	rs.RunOnce()
	if rs.interval <= 0 {
		return
	}

	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rs.RunOnce()
		}
	}
}

// RunOnce performs one pass. When a pass is already running it returns
// nil, true.
func (rs *ReconcileService) RunOnce() (*ReconcileReport, bool) {
	rs.mu.Lock()
	if rs.inProcess {
		rs.mu.Unlock()
		rs.logger.Warn("Reconcile already running, skipped")
		return nil, true
	}
	rs.inProcess = true
	rs.mu.Unlock()

	defer func() {
		rs.mu.Lock()
		rs.inProcess = false
		rs.mu.Unlock()
	}()

	report := &ReconcileReport{StartedAt: rs.now().UTC(), Issues: []ReconcileIssue{}}
	rs.reconcile(report)
	report.CompletedAt = rs.now().UTC()

	reconcileRunsTotal.Inc()
	reconcileDurationSeconds.Observe(report.CompletedAt.Sub(report.StartedAt).Seconds())
	reconcileIssues.WithLabelValues(string(IssueOrphanRecord)).Set(float64(report.Summary.OrphanRecords))
	reconcileIssues.WithLabelValues(string(IssueOrphanFile)).Set(float64(report.Summary.OrphanFiles))
	reconcileIssues.WithLabelValues(string(IssueSizeMismatch)).Set(float64(report.Summary.SizeMismatches))

	level := slog.LevelInfo
	if len(report.Issues) > 0 {
		level = slog.LevelWarn
	}
	rs.logger.Log(context.Background(), level, "Reconcile finished",
		slog.Int("records_checked", report.RecordsChecked),
		slog.Int("files_checked", report.FilesChecked),
		slog.Int("issues", len(report.Issues)),
		slog.Int("tmp_removed", report.TmpRemoved),
		slog.Duration("duration", report.CompletedAt.Sub(report.StartedAt)),
	)

	rs.mu.Lock()
	rs.last = report
	rs.mu.Unlock()
	return report, false
}

func (rs *ReconcileService) reconcile(report *ReconcileReport) {
	// Files are listed before records: a record added in between then
	// already has its file in the listing.
	entries, err := rs.files.List()
	if err != nil {
		rs.logger.Error("Listing data directory failed", slog.String("error", err.Error()))
		return
	}
	records := rs.store.List()

	// 1. Sweep stale temporaries, collect media files
	onDisk := make(map[string]filestore.Entry, len(entries))
	cutoff := rs.now().Add(-rs.tmpMaxAge)
	for _, e := range entries {
		if strings.HasSuffix(e.Name, filestore.TmpSuffix) {
			if e.ModTime.Before(cutoff) && rs.removeTmp(e.Name) {
				report.TmpRemoved++
			}
			continue
		}
		if e.Name == snapshot.FileName {
			continue
		}
		onDisk[e.Name] = e
	}
	report.FilesChecked = len(onDisk)
	report.RecordsChecked = len(records)

	// 2. Records against files
	known := make(map[string]struct{}, len(records))
	for _, rec := range records {
		known[rec.Filename] = struct{}{}

		entry, ok := onDisk[rec.Filename]
		switch {
		case !ok:
			report.Issues = append(report.Issues, ReconcileIssue{
				Type:        IssueOrphanRecord,
				ID:          rec.ID,
				Filename:    rec.Filename,
				Description: "Record has no file on disk",
			})
			report.Summary.OrphanRecords++
		case entry.Size != rec.SizeBytes:
			report.Issues = append(report.Issues, ReconcileIssue{
				Type:        IssueSizeMismatch,
				ID:          rec.ID,
				Filename:    rec.Filename,
				Description: "File size on disk differs from size_bytes",
			})
			report.Summary.SizeMismatches++
		default:
			report.Summary.OK++
		}
	}

	// 3. Files against records
	var orphans []string
	for name := range onDisk {
		if _, ok := known[name]; ok {
			continue
		}
		// a video being transcoded has its file before its record
		id := strings.TrimSuffix(name, filepath.Ext(name))
		if rs.store.Reserved(id) {
			continue
		}
		orphans = append(orphans, name)
	}
	sort.Strings(orphans)
	for _, name := range orphans {
		report.Issues = append(report.Issues, ReconcileIssue{
			Type:        IssueOrphanFile,
			Filename:    name,
			Description: "File on disk has no record",
		})
		report.Summary.OrphanFiles++
	}
}

func (rs *ReconcileService) removeTmp(name string) bool {
	if err := os.Remove(rs.files.FullPath(name)); err != nil {
		if !os.IsNotExist(err) {
			rs.logger.Warn("Stale temp file removal failed",
				slog.String("file", name),
				slog.String("error", err.Error()),
			)
		}
		return false
	}
	reconcileTmpRemovedTotal.Inc()
	rs.logger.Info("Stale temp file removed", slog.String("file", name))
	return true
}
