package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/time/rate"

	"github.com/graphdrive/graphdrive/drive"
	"github.com/graphdrive/graphdrive/task"
	"github.com/graphdrive/graphdrive/transport"
)

// ErrNoDownloadURL is returned when an item has no pre-authenticated
// download URL. Expected for folders, packages, and zero-byte files.
var ErrNoDownloadURL = errors.New("transfer: item has no download URL")

// DownloadResult reports where a finished download landed.
type DownloadResult struct {
	Path  string
	Bytes int64
}

// Download streams an item's content to localPath. The content goes to a
// temporary file in the destination directory first and is renamed into
// place only after the stream completes, so localPath never holds a partial
// file. A failed download removes its temporary file.
//
// The pre-authenticated content URL is never logged.
func Download(
	ctx context.Context,
	tr *transport.Transport,
	drv *drive.Drive,
	itemID, localPath string,
	logger *slog.Logger,
) (DownloadResult, error) {
	if logger == nil {
		logger = slog.Default()
	}

	item, err := drv.GetItem(ctx, itemID)
	if err != nil {
		return DownloadResult{}, fmt.Errorf("transfer: getting item for download: %w", err)
	}

	return downloadItem(ctx, tr, item, localPath, nil, logger)
}

// DownloadAsync runs Download on its own goroutine and returns the handle
// immediately. Canceling the task aborts the stream; the temporary file is
// cleaned up either way.
func DownloadAsync(
	ctx context.Context,
	tr *transport.Transport,
	drv *drive.Drive,
	itemID, localPath string,
	logger *slog.Logger,
) *task.Task[DownloadResult] {
	tk, runCtx := task.New[DownloadResult](ctx)

	go func() {
		res, err := Download(runCtx, tr, drv, itemID, localPath, logger)
		tk.Complete(res, err)
	}()

	return tk
}

// downloadItem streams the item's content URL to localPath, optionally
// pacing the stream through limiter.
func downloadItem(
	ctx context.Context,
	tr *transport.Transport,
	item *drive.Item,
	localPath string,
	limiter *rate.Limiter,
	logger *slog.Logger,
) (DownloadResult, error) {
	if item.DownloadURL == "" {
		logger.Warn("item has no download URL",
			slog.String("item_id", item.ID),
			slog.Bool("is_folder", item.IsFolder),
			slog.Bool("is_package", item.IsPackage),
		)

		return DownloadResult{}, ErrNoDownloadURL
	}

	logger.Info("downloading item",
		slog.String("item_id", item.ID),
		slog.String("local_path", localPath),
		slog.Int64("size", item.Size),
	)

	resp, err := tr.Stream(ctx, transport.Request{
		Method: http.MethodGet,
		Path:   item.DownloadURL,
		NoAuth: true,
	})
	if err != nil {
		return DownloadResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512)) //nolint:errcheck // best-effort read for error message

		return DownloadResult{}, &transport.APIError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
		}
	}

	n, err := writeAtomic(localPath, newThrottledReader(ctx, resp.Body, limiter))
	if err != nil {
		return DownloadResult{}, err
	}

	logger.Debug("download complete",
		slog.String("item_id", item.ID),
		slog.Int64("bytes", n),
	)

	return DownloadResult{Path: localPath, Bytes: n}, nil
}

// writeAtomic streams r into a temp file next to path, syncs it, and
// renames it into place. Same directory guarantees same filesystem for
// rename(2).
func writeAtomic(path string, r io.Reader) (int64, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("transfer: creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".download-*.tmp")
	if err != nil {
		return 0, fmt.Errorf("transfer: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		return n, fmt.Errorf("transfer: streaming content: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		return n, fmt.Errorf("transfer: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("transfer: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return n, fmt.Errorf("transfer: renaming into place: %w", err)
	}

	success = true

	return n, nil
}
