package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphdrive/graphdrive/drive"
)

type fakeStore struct {
	mu   sync.Mutex
	recs map[string]SessionRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{recs: map[string]SessionRecord{}}
}

func (f *fakeStore) Save(_ context.Context, rec SessionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs[rec.ID] = rec

	return nil
}

func (f *fakeStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.recs, id)

	return nil
}

func (f *fakeStore) List(_ context.Context) ([]SessionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]SessionRecord, 0, len(f.recs))
	for _, rec := range f.recs {
		out = append(out, rec)
	}

	return out, nil
}

func (f *fakeStore) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.recs)
}

func writeTempFile(t *testing.T, size int) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))

	return path
}

func TestManager_SmallFileTakesSimpleUpload(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/me/drive/root:/notes/small.bin:/content", r.URL.Path)

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Len(t, body, 1024)

		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id": "small-1", "name": "small.bin"}`)
	})

	tr, _ := newTestTransport(t, handler)

	mgr := NewManager(ManagerConfig{Transport: tr, Logger: testLogger()})

	item, err := mgr.Upload(context.Background(), writeTempFile(t, 1024), "notes/small.bin")
	require.NoError(t, err)
	assert.Equal(t, "small-1", item.ID)
}

func TestManager_LargeFilePersistsSessionUntilDone(t *testing.T) {
	const fileSize = SimpleUploadMaxSize + ChunkAlignment

	store := newFakeStore()

	var sessionURL string

	savedDuringUpload := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/me/drive/root:/big/huge.bin:/createUploadSession", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"uploadUrl": "%s"}`, sessionURL)
	})
	mux.HandleFunc("/the-session", func(w http.ResponseWriter, r *http.Request) {
		savedDuringUpload = store.len()

		start, length := parseContentRange(t, r.Header.Get("Content-Range"), fileSize)

		if start+length < fileSize {
			w.WriteHeader(http.StatusAccepted)
			fmt.Fprintf(w, `{"nextExpectedRanges": ["%d-"]}`, start+length)

			return
		}

		fmt.Fprint(w, `{"id": "huge-1", "name": "huge.bin"}`)
	})

	tr, srv := newTestTransport(t, mux)
	sessionURL = srv.URL + "/the-session"

	mgr := NewManager(ManagerConfig{
		Transport: tr,
		Store:     store,
		Logger:    testLogger(),
		Session:   SessionOptions{ChunkSize: 4 * ChunkAlignment},
	})

	item, err := mgr.Upload(context.Background(), writeTempFile(t, fileSize), "big/huge.bin")
	require.NoError(t, err)
	assert.Equal(t, "huge-1", item.ID)

	assert.Equal(t, 1, savedDuringUpload, "session persisted while the upload ran")
	assert.Equal(t, 0, store.len(), "record deleted after completion")
}

func TestManager_UploadAllRecordsPerJobOutcomes(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id": "ok", "name": "f"}`)
	})

	tr, _ := newTestTransport(t, handler)

	mgr := NewManager(ManagerConfig{Transport: tr, Logger: testLogger(), Workers: 2})

	good := writeTempFile(t, 64)

	jobs := []UploadJob{
		{LocalPath: good, RemotePath: "a.bin"},
		{LocalPath: filepath.Join(t.TempDir(), "missing.bin"), RemotePath: "b.bin"},
		{LocalPath: good, RemotePath: "c.bin"},
	}

	outcomes := mgr.UploadAll(context.Background(), jobs)

	require.Len(t, outcomes, 3)
	assert.NoError(t, outcomes[0].Err)
	assert.Equal(t, "ok", outcomes[0].Item.ID)
	assert.Error(t, outcomes[1].Err, "missing file fails its own job only")
	assert.NoError(t, outcomes[2].Err)
}

func TestManager_DownloadAll(t *testing.T) {
	var baseURL string

	mux := http.NewServeMux()
	mux.HandleFunc("/me/drive/items/file-1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"id": "file-1", "name": "a", "@microsoft.graph.downloadUrl": "%s/content"}`, baseURL)
	})
	mux.HandleFunc("/me/drive/items/gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"code":"itemNotFound","message":"gone"}}`)
	})
	mux.HandleFunc("/content", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data")
	})

	tr, srv := newTestTransport(t, mux)
	baseURL = srv.URL

	mgr := NewManager(ManagerConfig{
		Transport: tr,
		Drive:     drive.New(tr, testLogger()),
		Logger:    testLogger(),
	})

	dir := t.TempDir()

	outcomes := mgr.DownloadAll(context.Background(), []DownloadJob{
		{ItemID: "file-1", LocalPath: filepath.Join(dir, "a")},
		{ItemID: "gone", LocalPath: filepath.Join(dir, "b")},
	})

	require.Len(t, outcomes, 2)
	assert.NoError(t, outcomes[0].Err)
	assert.Equal(t, int64(4), outcomes[0].Result.Bytes)
	assert.Error(t, outcomes[1].Err)
}

func TestManager_ResumePending(t *testing.T) {
	const fileSize = 2 * ChunkAlignment

	var offsets []int64

	mux := http.NewServeMux()
	mux.HandleFunc("/persisted-session", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			fmt.Fprintf(w, `{"nextExpectedRanges": ["%d-"]}`, ChunkAlignment)

			return
		}

		start, _ := parseContentRange(t, r.Header.Get("Content-Range"), fileSize)
		offsets = append(offsets, start)

		fmt.Fprint(w, `{"id": "resumed-1", "name": "huge.bin"}`)
	})

	tr, srv := newTestTransport(t, mux)

	store := newFakeStore()
	localPath := writeTempFile(t, fileSize)

	require.NoError(t, store.Save(context.Background(), SessionRecord{
		ID:         "rec-1",
		LocalPath:  localPath,
		RemotePath: "big/huge.bin",
		UploadURL:  srv.URL + "/persisted-session",
		Size:       fileSize,
		ChunkSize:  ChunkAlignment,
		CreatedAt:  time.Now(),
	}))

	// A record whose local file vanished gets dropped, not retried forever.
	require.NoError(t, store.Save(context.Background(), SessionRecord{
		ID:        "rec-2",
		LocalPath: filepath.Join(t.TempDir(), "vanished.bin"),
		UploadURL: srv.URL + "/persisted-session",
		Size:      fileSize,
		ChunkSize: ChunkAlignment,
	}))

	mgr := NewManager(ManagerConfig{Transport: tr, Store: store, Logger: testLogger()})

	outcomes := mgr.ResumePending(context.Background())
	require.Len(t, outcomes, 2)

	var ok, failed int

	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		} else {
			ok++
			assert.Equal(t, "resumed-1", o.Item.ID)
		}
	}

	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, failed)
	assert.Equal(t, []int64{ChunkAlignment}, offsets, "resume started at the server's offset")
	assert.Equal(t, 0, store.len(), "both records cleaned up")
}
