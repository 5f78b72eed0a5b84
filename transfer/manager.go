package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/graphdrive/graphdrive/drive"
	"github.com/graphdrive/graphdrive/task"
	"github.com/graphdrive/graphdrive/transport"
)

// defaultWorkers bounds concurrent transfers in the batch operations.
const defaultWorkers = 4

// limiterBurst is the token bucket burst for the bandwidth limiter. One
// second of budget keeps large reads from stalling.
func limiterBurst(bytesPerSec int64) int {
	const minBurst = 64 * 1024

	if bytesPerSec < minBurst {
		return minBurst
	}

	return int(bytesPerSec)
}

// SessionRecord is a persisted upload session: enough to rebuild the
// session handle after a restart and resume where the server says.
type SessionRecord struct {
	ID         string
	LocalPath  string
	RemotePath string
	UploadURL  string
	Size       int64
	ChunkSize  int64
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// Store persists upload sessions across process restarts. The sessionstore
// package provides the SQLite implementation.
type Store interface {
	Save(ctx context.Context, rec SessionRecord) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]SessionRecord, error)
}

// UploadJob names one file to push.
type UploadJob struct {
	LocalPath  string
	RemotePath string
}

// DownloadJob names one item to pull.
type DownloadJob struct {
	ItemID    string
	LocalPath string
}

// UploadOutcome is the per-job result of a batch upload.
type UploadOutcome struct {
	Job  UploadJob
	Item *drive.Item
	Err  error
}

// DownloadOutcome is the per-job result of a batch download.
type DownloadOutcome struct {
	Job    DownloadJob
	Result DownloadResult
	Err    error
}

// ManagerConfig assembles a Manager. Store is optional; without it sessions
// are not persisted and ResumePending finds nothing. BandwidthLimit of zero
// means unlimited.
type ManagerConfig struct {
	Transport      *transport.Transport
	Drive          *drive.Drive
	Store          Store
	Logger         *slog.Logger
	Workers        int
	BandwidthLimit int64 // bytes per second, shared by all transfers
	Session        SessionOptions
}

// Manager runs transfers: one-off, asynchronous, and batched through a
// bounded worker pool. All transfers share one bandwidth budget.
type Manager struct {
	tr      *transport.Transport
	drv     *drive.Drive
	store   Store
	logger  *slog.Logger
	workers int
	limiter *rate.Limiter
	opts    SessionOptions
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}

	var limiter *rate.Limiter
	if cfg.BandwidthLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.BandwidthLimit), limiterBurst(cfg.BandwidthLimit))
	}

	return &Manager{
		tr:      cfg.Transport,
		drv:     cfg.Drive,
		store:   cfg.Store,
		logger:  logger,
		workers: workers,
		limiter: limiter,
		opts:    cfg.Session,
	}
}

// Upload pushes the file at localPath to remotePath. Small files go in one
// request; larger ones get a resumable session that is persisted for the
// duration of the transfer, so an interrupted upload can be resumed by
// ResumePending after a restart.
func (m *Manager) Upload(ctx context.Context, localPath, remotePath string) (*drive.Item, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("transfer: opening %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("transfer: stat %s: %w", localPath, err)
	}

	if info.Size() <= SimpleUploadMaxSize {
		return SimpleUpload(ctx, m.tr, remotePath, newThrottledReader(ctx, f, m.limiter), m.logger)
	}

	session, err := CreateSession(ctx, m.tr, remotePath, info.Size(), info.ModTime(), m.opts, m.logger)
	if err != nil {
		return nil, err
	}

	rec := SessionRecord{
		ID:         uuid.NewString(),
		LocalPath:  localPath,
		RemotePath: remotePath,
		UploadURL:  session.URL(),
		Size:       info.Size(),
		ChunkSize:  session.chunkSize,
		ExpiresAt:  session.ExpiresAt(),
		CreatedAt:  time.Now().UTC(),
	}

	if m.store != nil {
		if saveErr := m.store.Save(ctx, rec); saveErr != nil {
			m.logger.Warn("failed to persist upload session",
				slog.String("local_path", localPath),
				slog.String("error", saveErr.Error()),
			)
		}
	}

	item, err := session.Upload(ctx, newThrottledReaderAt(ctx, f, m.limiter))
	if err != nil {
		return nil, err
	}

	m.forgetSession(rec.ID)

	return item, nil
}

// UploadAsync runs Upload on its own goroutine and returns the handle.
func (m *Manager) UploadAsync(ctx context.Context, localPath, remotePath string) *task.Task[*drive.Item] {
	tk, runCtx := task.New[*drive.Item](ctx)

	go func() {
		item, err := m.Upload(runCtx, localPath, remotePath)
		tk.Complete(item, err)
	}()

	return tk
}

// Download pulls an item's content to localPath.
func (m *Manager) Download(ctx context.Context, itemID, localPath string) (DownloadResult, error) {
	item, err := m.drv.GetItem(ctx, itemID)
	if err != nil {
		return DownloadResult{}, fmt.Errorf("transfer: getting item for download: %w", err)
	}

	return downloadItem(ctx, m.tr, item, localPath, m.limiter, m.logger)
}

// DownloadAsync runs Download on its own goroutine and returns the handle.
func (m *Manager) DownloadAsync(ctx context.Context, itemID, localPath string) *task.Task[DownloadResult] {
	tk, runCtx := task.New[DownloadResult](ctx)

	go func() {
		res, err := m.Download(runCtx, itemID, localPath)
		tk.Complete(res, err)
	}()

	return tk
}

// UploadAll pushes every job through a bounded worker pool. A failed job
// does not stop the others; each outcome carries its own error.
func (m *Manager) UploadAll(ctx context.Context, jobs []UploadJob) []UploadOutcome {
	outcomes := make([]UploadOutcome, len(jobs))

	var mu sync.Mutex

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)

	for i, job := range jobs {
		g.Go(func() error {
			item, err := m.Upload(gCtx, job.LocalPath, job.RemotePath)

			mu.Lock()
			outcomes[i] = UploadOutcome{Job: job, Item: item, Err: err}
			mu.Unlock()

			return nil
		})
	}

	_ = g.Wait() //nolint:errcheck // workers never return errors, outcomes carry them

	return outcomes
}

// DownloadAll pulls every job through a bounded worker pool.
func (m *Manager) DownloadAll(ctx context.Context, jobs []DownloadJob) []DownloadOutcome {
	outcomes := make([]DownloadOutcome, len(jobs))

	var mu sync.Mutex

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)

	for i, job := range jobs {
		g.Go(func() error {
			res, err := m.Download(gCtx, job.ItemID, job.LocalPath)

			mu.Lock()
			outcomes[i] = DownloadOutcome{Job: job, Result: res, Err: err}
			mu.Unlock()

			return nil
		})
	}

	_ = g.Wait() //nolint:errcheck // workers never return errors, outcomes carry them

	return outcomes
}

// ResumePending picks up every persisted upload session. Each session asks
// the server which ranges it already holds before sending anything.
// Sessions whose local file has vanished or whose expiry has passed are
// dropped from the store.
func (m *Manager) ResumePending(ctx context.Context) []UploadOutcome {
	if m.store == nil {
		return nil
	}

	records, err := m.store.List(ctx)
	if err != nil {
		m.logger.Error("listing persisted sessions failed",
			slog.String("error", err.Error()),
		)

		return nil
	}

	outcomes := make([]UploadOutcome, 0, len(records))

	for _, rec := range records {
		outcome := m.resumeOne(ctx, rec)
		outcomes = append(outcomes, outcome)
	}

	return outcomes
}

func (m *Manager) resumeOne(ctx context.Context, rec SessionRecord) UploadOutcome {
	job := UploadJob{LocalPath: rec.LocalPath, RemotePath: rec.RemotePath}

	if !rec.ExpiresAt.IsZero() && time.Now().After(rec.ExpiresAt) {
		m.logger.Warn("persisted session expired, dropping",
			slog.String("remote_path", rec.RemotePath),
		)
		m.forgetSession(rec.ID)

		return UploadOutcome{Job: job, Err: ErrSessionInvalid}
	}

	f, err := os.Open(rec.LocalPath)
	if err != nil {
		m.forgetSession(rec.ID)

		return UploadOutcome{Job: job, Err: fmt.Errorf("transfer: opening %s: %w", rec.LocalPath, err)}
	}
	defer f.Close()

	session, err := OpenSession(m.tr, rec.UploadURL, rec.RemotePath, rec.Size,
		SessionOptions{ChunkSize: rec.ChunkSize, MaxRetries: m.opts.MaxRetries}, m.logger)
	if err != nil {
		return UploadOutcome{Job: job, Err: err}
	}

	item, err := session.Resume(ctx, newThrottledReaderAt(ctx, f, m.limiter))
	if err != nil {
		return UploadOutcome{Job: job, Err: err}
	}

	m.forgetSession(rec.ID)

	return UploadOutcome{Job: job, Item: item}
}

// forgetSession drops a persisted session record, logging on failure. Uses
// a background context: a canceled transfer must still clean up its record.
func (m *Manager) forgetSession(id string) {
	if m.store == nil {
		return
	}

	if err := m.store.Delete(context.Background(), id); err != nil {
		m.logger.Warn("failed to delete persisted session",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
	}
}
