// Package graphdrive is a client SDK for a cloud file-storage REST API.
// It covers authentication with silent token refresh, metadata operations,
// paginated listings, long-running server-side jobs, and resumable
// transfers with session persistence.
package graphdrive

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/graphdrive/graphdrive/auth"
	"github.com/graphdrive/graphdrive/config"
	"github.com/graphdrive/graphdrive/drive"
	"github.com/graphdrive/graphdrive/sessionstore"
	"github.com/graphdrive/graphdrive/task"
	"github.com/graphdrive/graphdrive/transfer"
	"github.com/graphdrive/graphdrive/transport"
)

// Options tune a Client. Zero values pick defaults.
type Options struct {
	Config     *config.Config
	Logger     *slog.Logger
	HTTPClient *http.Client

	// DisableSessionStore skips opening the SQLite session database.
	// Interrupted uploads are then not resumable across restarts.
	DisableSessionStore bool
}

// Client is the facade over the SDK. Each subsystem is also reachable
// directly for callers that need the full surface.
type Client struct {
	Auth      *auth.Manager
	Drive     *drive.Drive
	Transfers *transfer.Manager

	tr       *transport.Transport
	sessions *sessionstore.Store
	logger   *slog.Logger
}

// NewClient assembles a Client around an authenticated token manager.
func NewClient(authMgr *auth.Manager, opts Options) (*Client, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	tr := transport.New(cfg.BaseURL, httpClient, authMgr, logger)
	drv := drive.New(tr, logger)

	var (
		sessions *sessionstore.Store
		store    transfer.Store
	)

	if !opts.DisableSessionStore && cfg.SessionDB != "" {
		var err error

		sessions, err = sessionstore.Open(cfg.SessionDB, logger)
		if err != nil {
			return nil, err
		}

		store = sessions
	}

	transfers := transfer.NewManager(transfer.ManagerConfig{
		Transport:      tr,
		Drive:          drv,
		Store:          store,
		Logger:         logger,
		Workers:        cfg.ParallelTransfers,
		BandwidthLimit: cfg.BandwidthLimitBytes,
		Session:        transfer.SessionOptions{ChunkSize: cfg.ChunkSizeBytes},
	})

	return &Client{
		Auth:      authMgr,
		Drive:     drv,
		Transfers: transfers,
		tr:        tr,
		sessions:  sessions,
		logger:    logger,
	}, nil
}

// Close releases the session database, if one is open.
func (c *Client) Close() error {
	if c.sessions == nil {
		return nil
	}

	return c.sessions.Close()
}

// EnsureFresh refreshes the access token if it is expired or about to be.
func (c *Client) EnsureFresh(ctx context.Context) error {
	return c.Auth.EnsureFresh(ctx)
}

// About fetches drive metadata and quota.
func (c *Client) About(ctx context.Context) (*drive.Info, error) {
	return c.Drive.About(ctx)
}

// GetItem retrieves an item by ID. Use "root" for the drive root.
func (c *Client) GetItem(ctx context.Context, itemID string) (*drive.Item, error) {
	return c.Drive.GetItem(ctx, itemID)
}

// GetItemByPath retrieves an item by its path relative to the drive root.
func (c *Client) GetItemByPath(ctx context.Context, remotePath string) (*drive.Item, error) {
	return c.Drive.GetItemByPath(ctx, remotePath)
}

// ListChildren returns the first page of a folder's children.
func (c *Client) ListChildren(ctx context.Context, itemID string) (*drive.Pager, error) {
	return c.Drive.ListChildren(ctx, itemID)
}

// ListChildrenByPath returns the first page of children of the folder at
// remotePath.
func (c *Client) ListChildrenByPath(ctx context.Context, remotePath string) (*drive.Pager, error) {
	return c.Drive.ListChildrenByPath(ctx, remotePath)
}

// Search returns the first page of items matching query.
func (c *Client) Search(ctx context.Context, query string) (*drive.Pager, error) {
	return c.Drive.Search(ctx, query)
}

// CreateFolder creates a folder under the given parent.
func (c *Client) CreateFolder(ctx context.Context, parentID, name string) (*drive.Item, error) {
	return c.Drive.CreateFolder(ctx, parentID, name)
}

// Move relocates and/or renames an item.
func (c *Client) Move(ctx context.Context, itemID, newParentID, newName string) (*drive.Item, error) {
	return c.Drive.Move(ctx, itemID, newParentID, newName)
}

// Rename changes an item's name in place.
func (c *Client) Rename(ctx context.Context, itemID, newName string) (*drive.Item, error) {
	return c.Drive.Rename(ctx, itemID, newName)
}

// Delete removes an item.
func (c *Client) Delete(ctx context.Context, itemID string) error {
	return c.Drive.Delete(ctx, itemID)
}

// Copy starts a server-side copy and returns a monitor for it.
func (c *Client) Copy(ctx context.Context, itemID, destParentID, newName string) (*drive.JobMonitor, error) {
	return c.Drive.Copy(ctx, itemID, destParentID, newName)
}

// SharedWithMe lists items shared with this account.
func (c *Client) SharedWithMe(ctx context.Context) ([]drive.Item, error) {
	return c.Drive.SharedWithMe(ctx)
}

// Upload pushes a local file to remotePath.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string) (*drive.Item, error) {
	return c.Transfers.Upload(ctx, localPath, remotePath)
}

// UploadAsync starts an upload and returns its handle immediately.
func (c *Client) UploadAsync(ctx context.Context, localPath, remotePath string) *task.Task[*drive.Item] {
	return c.Transfers.UploadAsync(ctx, localPath, remotePath)
}

// Download pulls an item's content to localPath.
func (c *Client) Download(ctx context.Context, itemID, localPath string) (transfer.DownloadResult, error) {
	return c.Transfers.Download(ctx, itemID, localPath)
}

// DownloadAsync starts a download and returns its handle immediately.
func (c *Client) DownloadAsync(ctx context.Context, itemID, localPath string) *task.Task[transfer.DownloadResult] {
	return c.Transfers.DownloadAsync(ctx, itemID, localPath)
}

// ResumePending resumes every persisted upload session.
func (c *Client) ResumePending(ctx context.Context) []transfer.UploadOutcome {
	return c.Transfers.ResumePending(ctx)
}

// PurgeExpiredSessions drops persisted sessions whose server-side expiry
// has passed.
func (c *Client) PurgeExpiredSessions(ctx context.Context) (int64, error) {
	if c.sessions == nil {
		return 0, nil
	}

	return c.sessions.PurgeExpired(ctx, time.Now())
}
