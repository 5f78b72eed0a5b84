package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"golang.org/x/text/unicode/norm"

	"github.com/graphdrive/graphdrive/transport"
)

// listPageSize is the $top value for children listings. 200 is the maximum
// the API allows for drive item collections.
const listPageSize = 200

// ErrUpdateNoChanges is returned when Move is called with both newParentID
// and newName empty.
var ErrUpdateNoChanges = errors.New("drive: update requires a new parent or a new name")

// Drive exposes the metadata operations of the user's default drive.
type Drive struct {
	tr     *transport.Transport
	logger *slog.Logger
}

// New creates a Drive service on top of a transport. logger may be nil.
func New(tr *transport.Transport, logger *slog.Logger) *Drive {
	if logger == nil {
		logger = slog.Default()
	}

	return &Drive{tr: tr, logger: logger}
}

// Info is the drive-level metadata returned by About.
type Info struct {
	ID        string
	DriveType string
	OwnerName string
	Total     int64
	Used      int64
	Remaining int64
}

type driveResponse struct {
	ID        string `json:"id"`
	DriveType string `json:"driveType"`
	Owner     *struct {
		User *struct {
			DisplayName string `json:"displayName"`
		} `json:"user"`
	} `json:"owner"`
	Quota *struct {
		Total     int64 `json:"total"`
		Used      int64 `json:"used"`
		Remaining int64 `json:"remaining"`
	} `json:"quota"`
}

// About fetches drive metadata and quota.
func (d *Drive) About(ctx context.Context) (*Info, error) {
	env, err := d.tr.Do(ctx, transport.Request{Method: http.MethodGet, Path: "/me/drive"})
	if err != nil {
		return nil, err
	}

	var dr driveResponse
	if err := transport.Interpret(env, &dr, http.StatusOK); err != nil {
		return nil, err
	}

	info := &Info{ID: dr.ID, DriveType: dr.DriveType}

	if dr.Owner != nil && dr.Owner.User != nil {
		info.OwnerName = dr.Owner.User.DisplayName
	}

	if dr.Quota != nil {
		info.Total = dr.Quota.Total
		info.Used = dr.Quota.Used
		info.Remaining = dr.Quota.Remaining
	}

	return info, nil
}

// GetItem retrieves a single item by ID. Use "root" for the drive root.
func (d *Drive) GetItem(ctx context.Context, itemID string) (*Item, error) {
	return d.fetchItem(ctx, "/me/drive/items/"+url.PathEscape(itemID))
}

// GetItemByPath retrieves an item by its path relative to the drive root.
// The path is NFC-normalized; a leading slash is tolerated.
func (d *Drive) GetItemByPath(ctx context.Context, remotePath string) (*Item, error) {
	p := normalizePath(remotePath)
	if p == "" {
		return d.GetItem(ctx, "root")
	}

	return d.fetchItem(ctx, fmt.Sprintf("/me/drive/root:/%s:", encodePathSegments(p)))
}

// ListChildren returns the first page of a folder's children. Walk the rest
// with Pager.NextPage or Pager.All.
func (d *Drive) ListChildren(ctx context.Context, itemID string) (*Pager, error) {
	d.logger.Info("listing children", slog.String("item_id", itemID))

	return d.fetchPage(ctx,
		fmt.Sprintf("/me/drive/items/%s/children?$top=%d", url.PathEscape(itemID), listPageSize))
}

// ListChildrenByPath returns the first page of children of the folder at
// remotePath.
func (d *Drive) ListChildrenByPath(ctx context.Context, remotePath string) (*Pager, error) {
	p := normalizePath(remotePath)
	if p == "" {
		return d.ListChildren(ctx, "root")
	}

	d.logger.Info("listing children by path", slog.String("path", p))

	return d.fetchPage(ctx,
		fmt.Sprintf("/me/drive/root:/%s:/children?$top=%d", encodePathSegments(p), listPageSize))
}

// Search returns the first page of items matching query anywhere in the drive.
func (d *Drive) Search(ctx context.Context, query string) (*Pager, error) {
	d.logger.Info("searching", slog.String("query", query))

	return d.fetchPage(ctx,
		fmt.Sprintf("/me/drive/root/search(q='%s')?$top=%d", url.QueryEscape(query), listPageSize))
}

type createFolderRequest struct {
	Name             string      `json:"name"`
	Folder           folderFacet `json:"folder"`
	ConflictBehavior string      `json:"@microsoft.graph.conflictBehavior"` //nolint:tagliatelle // API annotation key
}

// CreateFolder creates a folder under the given parent. Uses conflict
// behavior "fail": a name collision surfaces as ErrConflict.
func (d *Drive) CreateFolder(ctx context.Context, parentID, name string) (*Item, error) {
	d.logger.Info("creating folder",
		slog.String("parent_id", parentID),
		slog.String("name", name),
	)

	body, err := json.Marshal(createFolderRequest{
		Name:             norm.NFC.String(name),
		ConflictBehavior: "fail",
	})
	if err != nil {
		return nil, fmt.Errorf("drive: marshaling create folder request: %w", err)
	}

	env, err := d.tr.Do(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   fmt.Sprintf("/me/drive/items/%s/children", url.PathEscape(parentID)),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return nil, err
	}

	return interpretItem(env, d.logger, http.StatusCreated, http.StatusOK)
}

type updateItemRequest struct {
	ParentReference *struct {
		ID string `json:"id"`
	} `json:"parentReference,omitempty"`
	Name string `json:"name,omitempty"`
}

// Move relocates an item under a new parent, optionally renaming it in the
// same request. At least one of newParentID or newName must be non-empty.
func (d *Drive) Move(ctx context.Context, itemID, newParentID, newName string) (*Item, error) {
	if newParentID == "" && newName == "" {
		return nil, ErrUpdateNoChanges
	}

	d.logger.Info("moving item",
		slog.String("item_id", itemID),
		slog.String("new_parent_id", newParentID),
		slog.String("new_name", newName),
	)

	req := updateItemRequest{}
	if newParentID != "" {
		req.ParentReference = &struct {
			ID string `json:"id"`
		}{ID: newParentID}
	}

	if newName != "" {
		req.Name = norm.NFC.String(newName)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("drive: marshaling update request: %w", err)
	}

	env, err := d.tr.Do(ctx, transport.Request{
		Method: http.MethodPatch,
		Path:   "/me/drive/items/" + url.PathEscape(itemID),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return nil, err
	}

	return interpretItem(env, d.logger, http.StatusOK)
}

// Rename changes an item's name in place.
func (d *Drive) Rename(ctx context.Context, itemID, newName string) (*Item, error) {
	return d.Move(ctx, itemID, "", newName)
}

// Delete removes an item. Success is HTTP 204.
func (d *Drive) Delete(ctx context.Context, itemID string) error {
	d.logger.Info("deleting item", slog.String("item_id", itemID))

	env, err := d.tr.Do(ctx, transport.Request{
		Method: http.MethodDelete,
		Path:   "/me/drive/items/" + url.PathEscape(itemID),
	})
	if err != nil {
		return err
	}

	return transport.Interpret(env, nil, http.StatusNoContent)
}

type copyItemRequest struct {
	ParentReference struct {
		ID string `json:"id"`
	} `json:"parentReference"`
	Name string `json:"name,omitempty"`
}

// Copy starts a server-side copy of an item into destParentID, optionally
// under a new name. The copy runs asynchronously on the server; the
// returned JobMonitor polls it to completion. A 202 without a Location
// header is a protocol violation.
func (d *Drive) Copy(ctx context.Context, itemID, destParentID, newName string) (*JobMonitor, error) {
	d.logger.Info("copying item",
		slog.String("item_id", itemID),
		slog.String("dest_parent_id", destParentID),
	)

	req := copyItemRequest{}
	req.ParentReference.ID = destParentID

	if newName != "" {
		req.Name = norm.NFC.String(newName)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("drive: marshaling copy request: %w", err)
	}

	env, err := d.tr.Do(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   fmt.Sprintf("/me/drive/items/%s/copy", url.PathEscape(itemID)),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return nil, err
	}

	if err := transport.Interpret(env, nil, http.StatusAccepted); err != nil {
		return nil, err
	}

	loc := env.Location()
	if loc == "" {
		return nil, &transport.ProtocolError{Reason: "copy accepted without a Location header"}
	}

	return &JobMonitor{tr: d.tr, url: loc, logger: d.logger}, nil
}

// SharedWithMe lists items other users have shared with this account. Only
// entries that carry a remote item reference are returned; anything else in
// the collection is skipped with a warning, not an error.
func (d *Drive) SharedWithMe(ctx context.Context) ([]Item, error) {
	page, err := d.fetchPage(ctx, "/me/drive/sharedWithMe")
	if err != nil {
		return nil, err
	}

	all, err := page.All(ctx)
	if err != nil {
		return nil, err
	}

	shared := make([]Item, 0, len(all))

	for _, it := range all {
		if !it.IsRemote {
			d.logger.Warn("sharedWithMe entry without remote reference, skipping",
				slog.String("item_id", it.ID),
				slog.String("name", it.Name),
			)

			continue
		}

		shared = append(shared, it)
	}

	return shared, nil
}

// fetchItem GETs a single item from the given API path and normalizes it.
func (d *Drive) fetchItem(ctx context.Context, apiPath string) (*Item, error) {
	env, err := d.tr.Do(ctx, transport.Request{Method: http.MethodGet, Path: apiPath})
	if err != nil {
		return nil, err
	}

	return interpretItem(env, d.logger, http.StatusOK)
}

// ItemFromEnvelope decodes an item payload from a response envelope. Used
// by the transfer package, whose final upload fragment and simple upload
// both answer with a full item body.
func ItemFromEnvelope(env *transport.Envelope, logger *slog.Logger, expect ...int) (*Item, error) {
	return interpretItem(env, logger, expect...)
}

// interpretItem decodes an item response into a normalized Item.
func interpretItem(env *transport.Envelope, logger *slog.Logger, expect ...int) (*Item, error) {
	var ir itemResponse
	if err := transport.Interpret(env, &ir, expect...); err != nil {
		return nil, err
	}

	item := ir.toItem(logger)

	return &item, nil
}
