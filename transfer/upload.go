// Package transfer moves file content: resumable chunked uploads, simple
// uploads, streaming downloads, and a worker-pool manager that runs many
// transfers concurrently under a shared bandwidth budget.
package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/graphdrive/graphdrive/drive"
	"github.com/graphdrive/graphdrive/transport"
)

// ChunkAlignment is the required alignment for upload chunk sizes (320 KiB).
// All fragments except the final one must be a multiple of this value.
const ChunkAlignment = 320 * 1024

// DefaultChunkSize is 10 MiB, 32 aligned units.
const DefaultChunkSize = 32 * ChunkAlignment

// SimpleUploadMaxSize is the largest file a single-request upload accepts
// (4 MB). Larger files must use an upload session.
const SimpleUploadMaxSize = 4 * 1024 * 1024

// Fragment retry constants.
const (
	defaultMaxRetries = 5
	baseBackoff       = 1 * time.Second
	maxBackoff        = 60 * time.Second
	backoffFactor     = 2.0
	jitterFraction    = 0.25
)

var (
	// ErrChunkAlignment rejects a chunk size that is not a positive
	// multiple of ChunkAlignment.
	ErrChunkAlignment = errors.New("transfer: chunk size must be a positive multiple of 320 KiB")

	// ErrUploadInFlight rejects a second concurrent upload on one session.
	ErrUploadInFlight = errors.New("transfer: an upload is already running on this session")

	// ErrSessionInvalid marks a session the server has rejected or the
	// caller has canceled. Create a new session to try again.
	ErrSessionInvalid = errors.New("transfer: upload session is no longer usable")

	// ErrEmptyFile rejects a zero-byte session upload; use SimpleUpload.
	ErrEmptyFile = errors.New("transfer: upload sessions require content, use SimpleUpload for empty files")
)

// Upload session request/response JSON shapes.
type createSessionRequest struct {
	Item sessionItem `json:"item"`
}

type sessionItem struct {
	ConflictBehavior string          `json:"@microsoft.graph.conflictBehavior"` //nolint:tagliatelle // API annotation key
	FileSystemInfo   *fileSystemInfo `json:"fileSystemInfo,omitempty"`
}

// fileSystemInfo preserves local timestamps on upload so the server does not
// stamp the item with receipt time.
type fileSystemInfo struct {
	LastModifiedDateTime string `json:"lastModifiedDateTime"`
}

type sessionResponse struct {
	UploadURL          string `json:"uploadUrl"`
	ExpirationDateTime string `json:"expirationDateTime"`
}

type sessionStatusResponse struct {
	ExpirationDateTime string   `json:"expirationDateTime"`
	NextExpectedRanges []string `json:"nextExpectedRanges"`
}

// Range is a half-closed byte range the server still expects. End is -1 for
// open-ended ranges ("26214400-").
type Range struct {
	Start int64
	End   int64
}

// SessionStatus is the server's authoritative view of an upload session.
type SessionStatus struct {
	Expiration         time.Time
	NextExpectedRanges []Range
}

// SessionOptions tune an upload session. Zero values pick defaults.
type SessionOptions struct {
	ChunkSize  int64
	MaxRetries int
}

func (o SessionOptions) withDefaults() (SessionOptions, error) {
	if o.ChunkSize == 0 {
		o.ChunkSize = DefaultChunkSize
	}

	if o.ChunkSize <= 0 || o.ChunkSize%ChunkAlignment != 0 {
		return o, ErrChunkAlignment
	}

	if o.MaxRetries == 0 {
		o.MaxRetries = defaultMaxRetries
	}

	return o, nil
}

// UploadSession is a resumable chunked upload of one file. Fragments are
// sent strictly in order; a transient failure retries the same offset after
// asking the server which ranges it already holds. The session URL is
// pre-authenticated, so fragment requests carry no bearer token and the URL
// is never logged.
//
// Only one upload may run on a session at a time.
type UploadSession struct {
	tr         *transport.Transport
	logger     *slog.Logger
	url        string
	remotePath string
	size       int64
	chunkSize  int64
	maxRetries int
	expiration time.Time

	// sleepFunc waits between fragment retries. Tests override it.
	sleepFunc func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	running bool
	invalid bool
}

// CreateSession opens a resumable upload session for the file at remotePath
// with the given total size. A non-zero mtime is preserved on the server.
func CreateSession(
	ctx context.Context,
	tr *transport.Transport,
	remotePath string,
	size int64,
	mtime time.Time,
	opts SessionOptions,
	logger *slog.Logger,
) (*UploadSession, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	if size <= 0 {
		return nil, ErrEmptyFile
	}

	if logger == nil {
		logger = slog.Default()
	}

	remotePath = strings.TrimPrefix(norm.NFC.String(remotePath), "/")

	logger.Info("creating upload session",
		slog.String("remote_path", remotePath),
		slog.Int64("size", size),
	)

	item := sessionItem{ConflictBehavior: "replace"}
	if !mtime.IsZero() {
		item.FileSystemInfo = &fileSystemInfo{
			LastModifiedDateTime: mtime.UTC().Format(time.RFC3339),
		}
	}

	body, err := json.Marshal(createSessionRequest{Item: item})
	if err != nil {
		return nil, fmt.Errorf("transfer: marshaling session request: %w", err)
	}

	env, err := tr.Do(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   fmt.Sprintf("/me/drive/root:/%s:/createUploadSession", encodePathSegments(remotePath)),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return nil, err
	}

	var sr sessionResponse
	if err := transport.Interpret(env, &sr, http.StatusOK); err != nil {
		return nil, err
	}

	if sr.UploadURL == "" {
		return nil, &transport.ProtocolError{Reason: "upload session created without an upload URL"}
	}

	s := newSession(tr, sr.UploadURL, remotePath, size, opts, logger)
	s.expiration = parseSessionExpiry(sr.ExpirationDateTime, logger)

	return s, nil
}

// OpenSession rebuilds a session handle from a persisted upload URL, e.g.
// after a process restart. Call Resume to continue the upload; it asks the
// server where to pick up.
func OpenSession(
	tr *transport.Transport,
	uploadURL, remotePath string,
	size int64,
	opts SessionOptions,
	logger *slog.Logger,
) (*UploadSession, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	return newSession(tr, uploadURL, remotePath, size, opts, logger), nil
}

func newSession(
	tr *transport.Transport,
	uploadURL, remotePath string,
	size int64,
	opts SessionOptions,
	logger *slog.Logger,
) *UploadSession {
	return &UploadSession{
		tr:         tr,
		logger:     logger,
		url:        uploadURL,
		remotePath: remotePath,
		size:       size,
		chunkSize:  opts.ChunkSize,
		maxRetries: opts.MaxRetries,
		sleepFunc:  timeSleep,
	}
}

// URL returns the pre-authenticated session URL for persistence. Treat it
// as a bearer credential: anyone holding it can write to the session.
func (s *UploadSession) URL() string { return s.url }

// RemotePath returns the destination path the session targets.
func (s *UploadSession) RemotePath() string { return s.remotePath }

// Size returns the declared total size of the upload.
func (s *UploadSession) Size() int64 { return s.size }

// ExpiresAt returns the server-reported session expiry (zero if unknown).
func (s *UploadSession) ExpiresAt() time.Time { return s.expiration }

// Upload sends the whole file from offset zero and returns the created item.
func (s *UploadSession) Upload(ctx context.Context, content io.ReaderAt) (*drive.Item, error) {
	return s.run(ctx, content, 0)
}

// Resume continues an interrupted upload. The server is always asked first
// which ranges it holds; local bookkeeping is never trusted after an
// interruption.
func (s *UploadSession) Resume(ctx context.Context, content io.ReaderAt) (*drive.Item, error) {
	st, err := s.Status(ctx)
	if err != nil {
		return nil, err
	}

	if len(st.NextExpectedRanges) == 0 {
		// Every byte is already on the server; the interruption lost the
		// final fragment's response. The item at the target path is the
		// finished upload.
		if item, fetchErr := s.fetchRemoteItem(ctx); fetchErr == nil && item.Size == s.size {
			return item, nil
		}

		return nil, &transport.ProtocolError{Reason: "session reports no expected ranges but no item either"}
	}

	offset := st.NextExpectedRanges[0].Start

	s.logger.Info("resuming upload",
		slog.String("remote_path", s.remotePath),
		slog.Int64("offset", offset),
	)

	return s.run(ctx, content, offset)
}

// Status queries the session URL for the server's authoritative state.
func (s *UploadSession) Status(ctx context.Context) (*SessionStatus, error) {
	env, err := s.tr.Do(ctx, transport.Request{
		Method: http.MethodGet,
		Path:   s.url,
		NoAuth: true,
	})
	if err != nil {
		return nil, err
	}

	var sr sessionStatusResponse
	if err := transport.Interpret(env, &sr, http.StatusOK); err != nil {
		return nil, err
	}

	st := &SessionStatus{
		Expiration: parseSessionExpiry(sr.ExpirationDateTime, s.logger),
	}

	for _, raw := range sr.NextExpectedRanges {
		r, parseErr := parseRange(raw)
		if parseErr != nil {
			return nil, &transport.ProtocolError{
				Reason: fmt.Sprintf("unparseable expected range %q", raw),
			}
		}

		st.NextExpectedRanges = append(st.NextExpectedRanges, r)
	}

	return st, nil
}

// Cancel discards the session server-side. The session is unusable after.
func (s *UploadSession) Cancel(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("canceling upload session",
		slog.String("remote_path", s.remotePath),
	)

	env, err := s.tr.Do(ctx, transport.Request{
		Method: http.MethodDelete,
		Path:   s.url,
		NoAuth: true,
	})
	if err != nil {
		return err
	}

	if err := transport.Interpret(env, nil, http.StatusNoContent); err != nil {
		return err
	}

	s.invalid = true

	return nil
}

// run drives the fragment loop from the given offset.
func (s *UploadSession) run(ctx context.Context, content io.ReaderAt, offset int64) (*drive.Item, error) {
	if err := s.acquire(); err != nil {
		return nil, err
	}
	defer s.release()

	buf := make([]byte, s.chunkSize)
	attempt := 0

	for offset < s.size {
		length := s.chunkSize
		if remaining := s.size - offset; remaining < length {
			length = remaining
		}

		// A ReaderAt may report io.EOF alongside a full read of the last bytes.
		n, err := content.ReadAt(buf[:length], offset)
		if err != nil && !(errors.Is(err, io.EOF) && int64(n) == length) {
			return nil, fmt.Errorf("transfer: reading fragment at offset %d: %w", offset, err)
		}

		item, next, err := s.putFragment(ctx, buf[:length], offset)
		if err != nil {
			doneItem, retryOffset, retryErr := s.handleFragmentError(ctx, err, offset, &attempt)
			if retryErr != nil {
				return nil, retryErr
			}

			if doneItem != nil {
				s.logger.Info("upload complete",
					slog.String("remote_path", s.remotePath),
					slog.String("item_id", doneItem.ID),
				)

				return doneItem, nil
			}

			offset = retryOffset

			continue
		}

		attempt = 0

		if item != nil {
			s.logger.Info("upload complete",
				slog.String("remote_path", s.remotePath),
				slog.String("item_id", item.ID),
			)

			return item, nil
		}

		offset = next
	}

	return nil, &transport.ProtocolError{
		Reason: "server accepted every fragment without returning the finished item",
	}
}

// handleFragmentError decides whether a failed fragment is retried. A
// transient failure backs off, then asks the server which offset it expects
// before resending; everything else invalidates the session. A non-nil item
// means the server already holds the whole file and the upload is done.
func (s *UploadSession) handleFragmentError(
	ctx context.Context, err error, offset int64, attempt *int,
) (*drive.Item, int64, error) {
	rangeMismatch := errors.Is(err, transport.ErrRangeInvalid)
	if !rangeMismatch && !transport.Retryable(err) {
		s.markInvalid()

		return nil, 0, err
	}

	if *attempt >= s.maxRetries {
		return nil, 0, fmt.Errorf("transfer: fragment at offset %d failed after %d retries: %w",
			offset, s.maxRetries, err)
	}

	backoff := calcBackoff(*attempt)
	*attempt++

	s.logger.Warn("retrying fragment",
		slog.Int64("offset", offset),
		slog.Int("attempt", *attempt),
		slog.Duration("backoff", backoff),
		slog.String("error", err.Error()),
	)

	if !rangeMismatch {
		if sleepErr := s.sleepFunc(ctx, backoff); sleepErr != nil {
			return nil, 0, sleepErr
		}
	}

	// The server's view of received bytes is authoritative after any
	// failure: it may have kept the fragment the error interrupted.
	st, qErr := s.Status(ctx)
	if qErr != nil {
		return nil, 0, fmt.Errorf("transfer: querying session after failed fragment: %w", qErr)
	}

	if len(st.NextExpectedRanges) == 0 {
		// The final fragment landed but its response was lost. Confirm
		// against the item at the target path before declaring success.
		item, fetchErr := s.fetchRemoteItem(ctx)
		if fetchErr != nil || item.Size != s.size {
			return nil, 0, &transport.ProtocolError{Reason: "session reports no expected ranges during retry"}
		}

		return item, 0, nil
	}

	return nil, st.NextExpectedRanges[0].Start, nil
}

// fetchRemoteItem looks up the item at the session's target path.
func (s *UploadSession) fetchRemoteItem(ctx context.Context) (*drive.Item, error) {
	env, err := s.tr.Do(ctx, transport.Request{
		Method: http.MethodGet,
		Path:   fmt.Sprintf("/me/drive/root:/%s:", encodePathSegments(s.remotePath)),
	})
	if err != nil {
		return nil, err
	}

	return drive.ItemFromEnvelope(env, s.logger, http.StatusOK)
}

// putFragment PUTs one fragment. Returns the finished item (final fragment
// only) or the next offset the server expects.
func (s *UploadSession) putFragment(ctx context.Context, data []byte, offset int64) (*drive.Item, int64, error) {
	headers := http.Header{}
	headers.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+int64(len(data))-1, s.size))
	headers.Set("Content-Type", "application/octet-stream")

	s.logger.Debug("uploading fragment",
		slog.Int64("offset", offset),
		slog.Int("length", len(data)),
	)

	env, err := s.tr.Do(ctx, transport.Request{
		Method:  http.MethodPut,
		Path:    s.url,
		Body:    bytes.NewReader(data),
		Headers: headers,
		NoAuth:  true,
	})
	if err != nil {
		return nil, 0, err
	}

	if env.StatusCode == http.StatusAccepted {
		var sr sessionStatusResponse
		if decErr := json.Unmarshal(env.Body, &sr); decErr == nil && len(sr.NextExpectedRanges) > 0 {
			if r, rErr := parseRange(sr.NextExpectedRanges[0]); rErr == nil {
				return nil, r.Start, nil
			}
		}

		return nil, offset + int64(len(data)), nil
	}

	item, err := drive.ItemFromEnvelope(env, s.logger, http.StatusOK, http.StatusCreated)
	if err != nil {
		return nil, 0, err
	}

	return item, 0, nil
}

func (s *UploadSession) acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.invalid {
		return ErrSessionInvalid
	}

	if s.running {
		return ErrUploadInFlight
	}

	s.running = true

	return nil
}

func (s *UploadSession) release() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *UploadSession) markInvalid() {
	s.mu.Lock()
	s.invalid = true
	s.mu.Unlock()
}

// SimpleUpload uploads a file of up to 4 MB in a single authenticated PUT.
func SimpleUpload(
	ctx context.Context,
	tr *transport.Transport,
	remotePath string,
	content io.Reader,
	logger *slog.Logger,
) (*drive.Item, error) {
	if logger == nil {
		logger = slog.Default()
	}

	remotePath = strings.TrimPrefix(norm.NFC.String(remotePath), "/")

	logger.Info("simple upload", slog.String("remote_path", remotePath))

	headers := http.Header{}
	headers.Set("Content-Type", "application/octet-stream")

	env, err := tr.Do(ctx, transport.Request{
		Method:  http.MethodPut,
		Path:    fmt.Sprintf("/me/drive/root:/%s:/content", encodePathSegments(remotePath)),
		Body:    content,
		Headers: headers,
	})
	if err != nil {
		return nil, err
	}

	return drive.ItemFromEnvelope(env, logger, http.StatusOK, http.StatusCreated)
}

// parseRange parses a "start-end" or open "start-" range string.
func parseRange(raw string) (Range, error) {
	start, end, ok := strings.Cut(raw, "-")
	if !ok {
		return Range{}, fmt.Errorf("transfer: malformed range %q", raw)
	}

	r := Range{End: -1}

	var err error
	if r.Start, err = strconv.ParseInt(start, 10, 64); err != nil {
		return Range{}, fmt.Errorf("transfer: malformed range start %q", raw)
	}

	if end != "" {
		if r.End, err = strconv.ParseInt(end, 10, 64); err != nil {
			return Range{}, fmt.Errorf("transfer: malformed range end %q", raw)
		}
	}

	return r, nil
}

func parseSessionExpiry(raw string, logger *slog.Logger) time.Time {
	if raw == "" {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		logger.Warn("invalid session expiration, using zero time",
			slog.String("raw", raw),
			slog.String("error", err.Error()),
		)

		return time.Time{}
	}

	return t
}

// encodePathSegments URL-encodes each segment of a slash-separated path.
func encodePathSegments(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}

	return strings.Join(segments, "/")
}

// calcBackoff computes exponential backoff with ±25% jitter.
func calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// timeSleep waits for d or until the context is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
