package drive

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/graphdrive/graphdrive/transport"
)

// JobState is the lifecycle state of a long-running server-side operation.
type JobState string

const (
	JobNotStarted JobState = "notStarted"
	JobInProgress JobState = "inProgress"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
)

// Terminal reports whether the state can no longer change.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobStatus is one observation of a long-running operation.
type JobStatus struct {
	State           JobState
	PercentComplete float64
	ResourceID      string // id of the created resource, set when completed
	ErrorCode       string // set when failed
	ErrorMessage    string
}

// jobStatusResponse mirrors the monitor endpoint JSON.
type jobStatusResponse struct {
	Status             string  `json:"status"`
	PercentageComplete float64 `json:"percentageComplete"`
	ResourceID         string  `json:"resourceId"`
	Error              *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// JobMonitor polls the status URL a long-running operation (server-side
// copy) handed back. The URL is pre-authenticated, so polls carry no bearer
// token. Once a poll observes a terminal state the monitor caches it and
// every later Poll returns the cached status without touching the network.
//
// A JobMonitor is safe for concurrent use.
type JobMonitor struct {
	tr     *transport.Transport
	url    string
	logger *slog.Logger

	mu   sync.Mutex
	last *JobStatus
}

// MonitorURL returns the raw status URL, e.g. for persisting across restarts.
func (m *JobMonitor) MonitorURL() string {
	return m.url
}

// Poll performs one status observation.
func (m *JobMonitor) Poll(ctx context.Context) (JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.last != nil && m.last.State.Terminal() {
		return *m.last, nil
	}

	env, err := m.tr.Do(ctx, transport.Request{
		Method: http.MethodGet,
		Path:   m.url,
		NoAuth: true,
		// Completion may arrive as a 303 to the finished resource; the
		// redirect must reach statusFrom, not be followed.
		NoRedirect: true,
	})
	if err != nil {
		return JobStatus{}, err
	}

	st, err := statusFrom(env)
	if err != nil {
		return JobStatus{}, err
	}

	m.last = &st

	m.logger.Debug("job status",
		slog.String("state", string(st.State)),
		slog.Float64("percent", st.PercentComplete),
	)

	return st, nil
}

// Wait polls at the given interval until the job reaches a terminal state,
// the context expires, or a poll fails. A failed job is returned as a
// JobStatus, not an error: the poll itself succeeded.
func (m *JobMonitor) Wait(ctx context.Context, interval time.Duration) (JobStatus, error) {
	for {
		st, err := m.Poll(ctx)
		if err != nil {
			return JobStatus{}, err
		}

		if st.State.Terminal() {
			return st, nil
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return JobStatus{}, ctx.Err()
		case <-timer.C:
		}
	}
}

// statusFrom interprets one monitor response.
//
// The endpoint reports progress as 200 or 202 with a JSON status body, and
// completion either in the body or as a 303 redirect to the finished
// resource.
func statusFrom(env *transport.Envelope) (JobStatus, error) {
	if env.StatusCode == http.StatusSeeOther {
		return JobStatus{State: JobCompleted, PercentComplete: 100}, nil
	}

	var body jobStatusResponse
	if err := transport.Interpret(env, &body, http.StatusOK, http.StatusAccepted); err != nil {
		return JobStatus{}, err
	}

	st := JobStatus{
		PercentComplete: body.PercentageComplete,
		ResourceID:      body.ResourceID,
	}

	switch body.Status {
	case "notStarted", "waiting":
		st.State = JobNotStarted
	case "inProgress":
		st.State = JobInProgress
	case "completed":
		st.State = JobCompleted
		st.PercentComplete = 100
	case "failed", "deleteFailed", "cancelled":
		st.State = JobFailed
		if body.Error != nil {
			st.ErrorCode = body.Error.Code
			st.ErrorMessage = body.Error.Message
		}
	default:
		return JobStatus{}, &transport.ProtocolError{
			Reason: fmt.Sprintf("unknown job status %q", body.Status),
		}
	}

	return st, nil
}
