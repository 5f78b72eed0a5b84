// Package transport executes authenticated HTTP exchanges against the
// service and interprets the responses. It deliberately performs no retries:
// every call is a single attempt whose outcome is reported faithfully, so
// retry policy lives with the callers who know whether their operation is
// idempotent.
package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/graphdrive/graphdrive/task"
)

const userAgent = "graphdrive/0.1"

// TokenSource provides OAuth2 bearer tokens. Defined at the consumer per Go
// convention "accept interfaces, return structs"; auth.Manager implements it.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Request describes one HTTP exchange. Path is joined to the transport's
// base URL unless it is already absolute (continuation links and upload
// session URLs arrive absolute from the server).
type Request struct {
	Method  string
	Path    string
	Body    io.Reader
	Headers http.Header

	// NoAuth suppresses the Authorization header. Upload session URLs are
	// pre-authenticated; sending a bearer token to them is an error.
	NoAuth bool

	// NoRedirect returns 3xx responses as-is instead of following them.
	// Job monitor URLs answer completion with a 303 whose body the caller
	// must see; auto-following would swallow it.
	NoRedirect bool
}

// Envelope is a fully-drained response: status, headers, and body bytes.
// Interpret turns an Envelope into a decoded value or a structured error.
type Envelope struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// RequestID returns the service correlation id from the response headers.
func (e *Envelope) RequestID() string {
	return e.Header.Get("request-id")
}

// Location returns the Location header, used by long-running operations.
func (e *Envelope) Location() string {
	return e.Header.Get("Location")
}

// Transport issues requests with bearer authentication against a base URL.
type Transport struct {
	baseURL    string
	httpClient *http.Client
	noRedirect *http.Client
	token      TokenSource
	logger     *slog.Logger
}

// New creates a Transport. baseURL is typically
// "https://graph.microsoft.com/v1.0". httpClient and logger may be nil.
func New(baseURL string, httpClient *http.Client, token TokenSource, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	// Same client, minus redirect following, for NoRedirect requests.
	noRedirect := *httpClient
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &Transport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		noRedirect: &noRedirect,
		token:      token,
		logger:     logger,
	}
}

// BaseURL returns the configured API root.
func (t *Transport) BaseURL() string {
	return t.baseURL
}

// Do executes one request and drains the response into an Envelope. Any
// status code is returned as a successful Envelope; classifying the status
// is Interpret's job. The only error paths are token acquisition, network
// failure, and body read failure.
func (t *Transport) Do(ctx context.Context, r Request) (*Envelope, error) {
	resp, err := t.send(ctx, r)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: "do", Err: fmt.Errorf("reading response body: %w", err)}
	}

	t.logger.Debug("request completed",
		slog.String("method", r.Method),
		slog.String("path", r.Path),
		slog.Int("status", resp.StatusCode),
	)

	return &Envelope{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// DoAsync executes the request on its own goroutine and returns a handle
// immediately. Canceling the task cancels the underlying request.
func (t *Transport) DoAsync(ctx context.Context, r Request) *task.Task[*Envelope] {
	tk, runCtx := task.New[*Envelope](ctx)

	go func() {
		env, err := t.Do(runCtx, r)
		tk.Complete(env, err)
	}()

	return tk
}

// Stream executes one request and returns the raw response without draining
// the body. The caller owns resp.Body and must close it. Used for downloads,
// where buffering the body in memory is not an option.
func (t *Transport) Stream(ctx context.Context, r Request) (*http.Response, error) {
	resp, err := t.send(ctx, r)
	if err != nil {
		return nil, err
	}

	t.logger.Debug("stream opened",
		slog.String("method", r.Method),
		slog.String("path", r.Path),
		slog.Int("status", resp.StatusCode),
	)

	return resp, nil
}

// send builds and executes a single HTTP request (no retry, no draining).
func (t *Transport) send(ctx context.Context, r Request) (*http.Response, error) {
	url := r.Path
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = t.baseURL + r.Path
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, url, r.Body)
	if err != nil {
		return nil, &TransportError{Op: "do", Err: fmt.Errorf("creating request: %w", err)}
	}

	for k, vs := range r.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	if !r.NoAuth {
		tok, err := t.token.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("obtaining token: %w", err)
		}

		req.Header.Set("Authorization", "Bearer "+tok)
	}

	req.Header.Set("User-Agent", userAgent)

	if r.Body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	client := t.httpClient
	if r.NoRedirect {
		client = t.noRedirect
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("transport: request canceled: %w", ctx.Err())
		}

		return nil, &TransportError{Op: "do", Err: err}
	}

	return resp, nil
}
