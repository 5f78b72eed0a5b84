package drive

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphdrive/graphdrive/transport"
)

func newTestMonitor(t *testing.T, handler http.HandlerFunc) *JobMonitor {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	tr := transport.New(srv.URL, nil, staticToken("test-token"), testLogger())

	return &JobMonitor{tr: tr, url: srv.URL + "/op/123", logger: testLogger()}
}

func TestJobMonitor_ProgressesToCompletion(t *testing.T) {
	var polls atomic.Int64

	mon := newTestMonitor(t, func(w http.ResponseWriter, r *http.Request) {
		// Monitor URLs are pre-authenticated.
		assert.Empty(t, r.Header.Get("Authorization"))

		n := polls.Add(1)
		w.WriteHeader(http.StatusAccepted)

		switch n {
		case 1:
			fmt.Fprint(w, `{"status": "notStarted", "percentageComplete": 0}`)
		case 2, 3:
			fmt.Fprintf(w, `{"status": "inProgress", "percentageComplete": %d}`, (n-1)*30)
		default:
			fmt.Fprint(w, `{"status": "completed", "resourceId": "copied-item"}`)
		}
	})

	ctx := context.Background()

	st, err := mon.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, JobNotStarted, st.State)

	for range 2 {
		st, err = mon.Poll(ctx)
		require.NoError(t, err)
		assert.Equal(t, JobInProgress, st.State)
	}

	st, err = mon.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, st.State)
	assert.Equal(t, "copied-item", st.ResourceID)
	assert.Equal(t, float64(100), st.PercentComplete)

	assert.Equal(t, int64(4), polls.Load())
}

func TestJobMonitor_TerminalStateIsCached(t *testing.T) {
	var polls atomic.Int64

	mon := newTestMonitor(t, func(w http.ResponseWriter, r *http.Request) {
		polls.Add(1)
		fmt.Fprint(w, `{"status": "completed", "resourceId": "r-1"}`)
	})

	ctx := context.Background()

	_, err := mon.Poll(ctx)
	require.NoError(t, err)

	st, err := mon.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, st.State)

	// Second poll served from cache.
	assert.Equal(t, int64(1), polls.Load())
}

func TestJobMonitor_FailedJobIsAStatusNotAnError(t *testing.T) {
	mon := newTestMonitor(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status": "failed", "error": {"code": "nameAlreadyExists", "message": "target exists"}}`)
	})

	st, err := mon.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, JobFailed, st.State)
	assert.Equal(t, "nameAlreadyExists", st.ErrorCode)
	assert.True(t, st.State.Terminal())
}

func TestJobMonitor_SeeOtherMeansCompleted(t *testing.T) {
	st, err := statusFrom(&transport.Envelope{
		StatusCode: http.StatusSeeOther,
		Header:     http.Header{"Location": []string{"https://api.example.com/items/r-1"}},
	})
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, st.State)
}

func TestJobMonitor_CompletionRedirectIsNotFollowed(t *testing.T) {
	var itemHits atomic.Int64

	mon := newTestMonitor(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/op/123":
			w.Header().Set("Location", "/items/r-1")
			w.WriteHeader(http.StatusSeeOther)
		case "/items/r-1":
			itemHits.Add(1)
			fmt.Fprint(w, `{"id": "r-1", "name": "copy.bin"}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	st, err := mon.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, st.State)
	assert.Equal(t, float64(100), st.PercentComplete)

	// The 303 itself signals completion; a poll that follows it would see
	// the item body and fail to find a status field.
	assert.Zero(t, itemHits.Load())
}

func TestJobMonitor_UnknownStatusIsProtocolError(t *testing.T) {
	mon := newTestMonitor(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"status": "transcending"}`)
	})

	_, err := mon.Poll(context.Background())

	var pe *transport.ProtocolError
	assert.ErrorAs(t, err, &pe)
}

func TestJobMonitor_WaitUntilTerminal(t *testing.T) {
	var polls atomic.Int64

	mon := newTestMonitor(t, func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 3 {
			fmt.Fprint(w, `{"status": "inProgress", "percentageComplete": 50}`)
			return
		}

		fmt.Fprint(w, `{"status": "completed"}`)
	})

	st, err := mon.Wait(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, st.State)
	assert.Equal(t, int64(3), polls.Load())
}
