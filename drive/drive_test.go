package drive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphdrive/graphdrive/transport"
)

type staticToken string

func (s staticToken) Token(_ context.Context) (string, error) {
	return string(s), nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDrive(t *testing.T, handler http.Handler) (*Drive, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	tr := transport.New(srv.URL, nil, staticToken("test-token"), testLogger())

	return New(tr, testLogger()), srv
}

const itemJSON = `{
	"id": "item-1",
	"name": "report.docx",
	"size": 2048,
	"eTag": "etag-1",
	"cTag": "ctag-1",
	"createdDateTime": "2024-03-01T10:00:00Z",
	"lastModifiedDateTime": "2024-03-02T11:30:00Z",
	"parentReference": {"id": "parent-1", "driveId": "DRIVE-A"},
	"file": {"mimeType": "application/msword", "hashes": {"sha256Hash": "deadbeef"}}
}`

func TestGetItem(t *testing.T) {
	d, _ := newTestDrive(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/me/drive/items/item-1", r.URL.Path)
		fmt.Fprint(w, itemJSON)
	}))

	item, err := d.GetItem(context.Background(), "item-1")
	require.NoError(t, err)

	assert.Equal(t, "item-1", item.ID)
	assert.Equal(t, "report.docx", item.Name)
	assert.Equal(t, int64(2048), item.Size)
	assert.Equal(t, "parent-1", item.ParentID)
	assert.Equal(t, "drive-a", item.ParentDriveID, "drive ids are lowercased")
	assert.Equal(t, "deadbeef", item.SHA256Hash)
	assert.False(t, item.IsFolder)
	assert.Equal(t, 2024, item.CreatedAt.Year())
}

func TestGetItemByPath_EncodesSegments(t *testing.T) {
	d, _ := newTestDrive(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/me/drive/root:/Documents/Q1 report #final.docx:", r.URL.Path)
		fmt.Fprint(w, itemJSON)
	}))

	_, err := d.GetItemByPath(context.Background(), "/Documents/Q1 report #final.docx")
	require.NoError(t, err)
}

func TestGetItemByPath_EmptyPathIsRoot(t *testing.T) {
	d, _ := newTestDrive(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/me/drive/items/root", r.URL.Path)
		fmt.Fprint(w, `{"id": "root-id", "name": "root", "folder": {"childCount": 3}}`)
	}))

	item, err := d.GetItemByPath(context.Background(), "/")
	require.NoError(t, err)
	assert.True(t, item.IsFolder)
	assert.Equal(t, 3, item.ChildCount)
}

func TestGetItem_NotFoundIsStructured(t *testing.T) {
	d, _ := newTestDrive(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"code":"itemNotFound","message":"The resource could not be found."}}`)
	}))

	_, err := d.GetItem(context.Background(), "missing")
	require.Error(t, err)

	var ae *transport.APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "itemNotFound", ae.Code)
	assert.ErrorIs(t, err, transport.ErrNotFound)
}

func TestCreateFolder(t *testing.T) {
	d, _ := newTestDrive(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/me/drive/items/parent-1/children", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Photos", body["name"])
		assert.Equal(t, "fail", body["@microsoft.graph.conflictBehavior"])
		assert.Contains(t, body, "folder")

		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id": "new-folder", "name": "Photos", "folder": {"childCount": 0}}`)
	}))

	item, err := d.CreateFolder(context.Background(), "parent-1", "Photos")
	require.NoError(t, err)
	assert.Equal(t, "new-folder", item.ID)
	assert.True(t, item.IsFolder)
}

func TestMove_RequiresAChange(t *testing.T) {
	d, _ := newTestDrive(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	}))

	_, err := d.Move(context.Background(), "item-1", "", "")
	assert.ErrorIs(t, err, ErrUpdateNoChanges)
}

func TestMove_PatchesParentAndName(t *testing.T) {
	d, _ := newTestDrive(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/me/drive/items/item-1", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "renamed.docx", body["name"])
		assert.Equal(t, map[string]any{"id": "new-parent"}, body["parentReference"])

		fmt.Fprint(w, `{"id": "item-1", "name": "renamed.docx"}`)
	}))

	item, err := d.Move(context.Background(), "item-1", "new-parent", "renamed.docx")
	require.NoError(t, err)
	assert.Equal(t, "renamed.docx", item.Name)
}

func TestRename_OmitsParentReference(t *testing.T) {
	d, _ := newTestDrive(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotContains(t, body, "parentReference")

		fmt.Fprint(w, `{"id": "item-1", "name": "renamed.docx"}`)
	}))

	_, err := d.Rename(context.Background(), "item-1", "renamed.docx")
	require.NoError(t, err)
}

func TestDelete(t *testing.T) {
	d, _ := newTestDrive(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/me/drive/items/item-1", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))

	assert.NoError(t, d.Delete(context.Background(), "item-1"))
}

func TestCopy_ReturnsMonitor(t *testing.T) {
	d, _ := newTestDrive(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/me/drive/items/item-1/copy", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]any{"id": "dest-1"}, body["parentReference"])

		w.Header().Set("Location", "https://monitor.example.com/op/123")
		w.WriteHeader(http.StatusAccepted)
	}))

	mon, err := d.Copy(context.Background(), "item-1", "dest-1", "")
	require.NoError(t, err)
	assert.Equal(t, "https://monitor.example.com/op/123", mon.MonitorURL())
}

func TestCopy_MissingLocationIsProtocolError(t *testing.T) {
	d, _ := newTestDrive(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	_, err := d.Copy(context.Background(), "item-1", "dest-1", "")

	var pe *transport.ProtocolError
	assert.ErrorAs(t, err, &pe)
}

func TestSharedWithMe_FiltersNonRemoteEntries(t *testing.T) {
	d, _ := newTestDrive(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/me/drive/sharedWithMe", r.URL.Path)
		fmt.Fprint(w, `{"value": [
			{"id": "shared-1", "name": "deck.pptx", "remoteItem": {"id": "r-1", "parentReference": {"driveId": "OTHER-DRIVE"}}},
			{"id": "weird-1", "name": "no-remote.txt"}
		]}`)
	}))

	shared, err := d.SharedWithMe(context.Background())
	require.NoError(t, err)

	require.Len(t, shared, 1)
	assert.Equal(t, "shared-1", shared[0].ID)
	assert.Equal(t, "r-1", shared[0].RemoteID)
	assert.Equal(t, "other-drive", shared[0].RemoteDriveID)
}

func TestAbout(t *testing.T) {
	d, _ := newTestDrive(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/me/drive", r.URL.Path)
		fmt.Fprint(w, `{
			"id": "drive-1",
			"driveType": "personal",
			"owner": {"user": {"displayName": "Test User"}},
			"quota": {"total": 1000, "used": 250, "remaining": 750}
		}`)
	}))

	info, err := d.About(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "drive-1", info.ID)
	assert.Equal(t, "Test User", info.OwnerName)
	assert.Equal(t, int64(750), info.Remaining)
}
