// Package drive implements the metadata operations of the file service:
// item lookup, folder listing with pagination, folder creation, move,
// rename, delete, server-side copy with progress monitoring, and search.
package drive

import (
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Timestamp validation bounds — timestamps outside this range are replaced
// with the current time and a warning is logged.
const (
	minValidYear = 1970
	maxValidYear = 2100
)

// ChildCountUnknown marks an Item whose child count was not reported.
const ChildCountUnknown = -1

// Item is the normalized view of a stored file or folder. It is what every
// operation in this SDK returns; the raw API JSON never leaks to callers.
type Item struct {
	ID            string
	Name          string
	Size          int64
	ETag          string
	CTag          string
	MimeType      string
	IsFolder      bool
	IsDeleted     bool
	IsPackage     bool
	IsRemote      bool
	ChildCount    int
	ParentID      string
	ParentDriveID string
	RemoteID      string
	RemoteDriveID string
	DownloadURL   string
	WebURL        string
	SHA1Hash      string
	SHA256Hash    string
	QuickXorHash  string
	CreatedAt     time.Time
	ModifiedAt    time.Time
}

// itemResponse mirrors the API driveItem JSON exactly.
// Unexported — callers get Item via toItem() normalization.
type itemResponse struct {
	ID                   string       `json:"id"`
	Name                 string       `json:"name"`
	Size                 int64        `json:"size"`
	ETag                 string       `json:"eTag"`
	CTag                 string       `json:"cTag"`
	WebURL               string       `json:"webUrl"`
	CreatedDateTime      string       `json:"createdDateTime"`
	LastModifiedDateTime string       `json:"lastModifiedDateTime"`
	ParentReference      *parentRef   `json:"parentReference"`
	File                 *fileFacet   `json:"file"`
	Folder               *folderFacet `json:"folder"`
	Deleted              *struct{}    `json:"deleted"`
	Package              *struct{}    `json:"package"`
	RemoteItem           *remoteItem  `json:"remoteItem"`
	DownloadURL          string       `json:"@microsoft.graph.downloadUrl"` //nolint:tagliatelle // API annotation key
}

type parentRef struct {
	ID      string `json:"id"`
	DriveID string `json:"driveId"`
}

type fileFacet struct {
	MimeType string     `json:"mimeType"`
	Hashes   *hashFacet `json:"hashes"`
}

type hashFacet struct {
	QuickXorHash string `json:"quickXorHash"`
	SHA1Hash     string `json:"sha1Hash"`
	SHA256Hash   string `json:"sha256Hash"`
}

type folderFacet struct {
	ChildCount int `json:"childCount"`
}

type remoteItem struct {
	ID              string     `json:"id"`
	ParentReference *parentRef `json:"parentReference"`
}

// collectionResponse is a page of items plus the opaque continuation link.
type collectionResponse struct {
	Value    []itemResponse `json:"value"`
	NextLink string         `json:"@odata.nextLink"` //nolint:tagliatelle // OData annotation key
}

// toItem normalizes an API driveItem response into our Item type.
func (r *itemResponse) toItem(logger *slog.Logger) Item {
	item := Item{
		ID:          r.ID,
		Name:        r.Name,
		Size:        r.Size,
		ETag:        r.ETag,
		CTag:        r.CTag,
		WebURL:      r.WebURL,
		IsFolder:    r.Folder != nil,
		IsDeleted:   r.Deleted != nil,
		IsPackage:   r.Package != nil,
		IsRemote:    r.RemoteItem != nil,
		ChildCount:  ChildCountUnknown,
		DownloadURL: r.DownloadURL,
	}

	// Drive IDs arrive with inconsistent casing across endpoints; lowercase
	// so they compare equal.
	if r.ParentReference != nil {
		item.ParentID = r.ParentReference.ID
		item.ParentDriveID = strings.ToLower(r.ParentReference.DriveID)
	}

	if r.Folder != nil {
		item.ChildCount = r.Folder.ChildCount
	}

	if r.File != nil {
		item.MimeType = r.File.MimeType

		if r.File.Hashes != nil {
			item.QuickXorHash = r.File.Hashes.QuickXorHash
			item.SHA1Hash = r.File.Hashes.SHA1Hash
			item.SHA256Hash = r.File.Hashes.SHA256Hash
		}
	}

	if r.RemoteItem != nil {
		item.RemoteID = r.RemoteItem.ID
		if r.RemoteItem.ParentReference != nil {
			item.RemoteDriveID = strings.ToLower(r.RemoteItem.ParentReference.DriveID)
		}
	}

	item.CreatedAt = parseTimestamp(r.CreatedDateTime, "createdDateTime", r.ID, logger)
	item.ModifiedAt = parseTimestamp(r.LastModifiedDateTime, "lastModifiedDateTime", r.ID, logger)

	return item
}

// parseTimestamp parses an RFC3339 timestamp and validates the year range.
// Invalid or out-of-range timestamps are replaced with time.Now().UTC() and logged.
func parseTimestamp(raw, field, itemID string, logger *slog.Logger) time.Time {
	if raw == "" {
		return time.Now().UTC()
	}

	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		logger.Warn("invalid timestamp, using current time",
			slog.String("field", field),
			slog.String("item_id", itemID),
			slog.String("raw", raw),
			slog.String("error", err.Error()),
		)

		return time.Now().UTC()
	}

	if t.Year() < minValidYear || t.Year() > maxValidYear {
		logger.Warn("timestamp out of valid range, using current time",
			slog.String("field", field),
			slog.String("item_id", itemID),
			slog.String("raw", raw),
		)

		return time.Now().UTC()
	}

	return t
}

// normalizePath NFC-normalizes a remote path (the service stores names in
// NFC; macOS file systems hand out NFD) and trims the leading slash.
func normalizePath(remotePath string) string {
	return strings.TrimPrefix(norm.NFC.String(remotePath), "/")
}

// encodePathSegments URL-encodes each segment of a slash-separated path.
// Characters like #, ?, %, and spaces are encoded per-segment so the
// resulting path is safe for interpolation into API URLs.
func encodePathSegments(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}

	return strings.Join(segments, "/")
}
