package graph

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/tonimelisma/graphdrive/internal/driveref"
)

// Conflict behaviors accepted by create and upload calls.
const (
	ConflictFail    = "fail"
	ConflictReplace = "replace"
	ConflictRename  = "rename"
)

// SimpleUploadMaxSize is the largest file Graph accepts in a single PUT.
const SimpleUploadMaxSize = 4 * 1024 * 1024

// maxPages guards pagination against a server that never stops returning
// nextLink.
const maxPages = 10000

type createFolderRequest struct {
	Name             string      `json:"name"`
	Folder           folderFacet `json:"folder"`
	ConflictBehavior string      `json:"@microsoft.graph.conflictBehavior"` //nolint:tagliatelle // Graph API annotation key
}

type itemPatchRequest struct {
	ParentReference *parentRef `json:"parentReference,omitempty"`
	Name            string     `json:"name,omitempty"`
}

// validRef wraps reference validation failures in ErrInvalidArgument.
func validRef(ref driveref.Reference) error {
	if err := ref.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	return nil
}

// GetItem fetches item metadata.
func (c *Client) GetItem(ctx context.Context, ref driveref.Reference) (*Item, error) {
	if err := validRef(ref); err != nil {
		return nil, err
	}

	c.logger.Debug("getting item", slog.String("ref", ref.String()))

	return c.fetchItem(ctx, &Request{Method: http.MethodGet, Path: ref.URLPath()})
}

// ListChildren returns every child of a folder, following @odata.nextLink.
func (c *Client) ListChildren(ctx context.Context, ref driveref.Reference) ([]Item, error) {
	if err := validRef(ref); err != nil {
		return nil, err
	}

	c.logger.Debug("listing children", slog.String("ref", ref.String()))

	return c.fetchAll(ctx, ref.Action("children"))
}

// Search runs a drive-wide search for query.
func (c *Client) Search(ctx context.Context, bucket driveref.Bucket, query string) ([]Item, error) {
	if err := bucket.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: empty search query", ErrInvalidArgument)
	}

	// OData string literals escape a single quote by doubling it.
	q := url.PathEscape(strings.ReplaceAll(query, "'", "''"))

	c.logger.Debug("searching drive", slog.String("bucket", bucket.String()))

	return c.fetchAll(ctx, bucket.String()+"/root/search(q='"+q+"')")
}

// CreateFolder creates name under parent. conflict is one of the Conflict*
// constants; empty means ConflictFail.
func (c *Client) CreateFolder(ctx context.Context, parent driveref.Reference, name, conflict string) (*Item, error) {
	if err := validRef(parent); err != nil {
		return nil, err
	}

	if name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("%w: invalid folder name %q", ErrInvalidArgument, name)
	}

	if conflict == "" {
		conflict = ConflictFail
	}

	body, err := jsonBody(createFolderRequest{Name: name, ConflictBehavior: conflict})
	if err != nil {
		return nil, err
	}

	c.logger.Info("creating folder",
		slog.String("parent", parent.String()),
		slog.String("name", name),
		slog.String("conflict_behavior", conflict),
	)

	return c.fetchItem(ctx, &Request{Method: http.MethodPost, Path: parent.Action("children"), Body: body})
}

// DeleteItem deletes an item. Folders are deleted recursively by the service.
func (c *Client) DeleteItem(ctx context.Context, ref driveref.Reference) error {
	if err := validRef(ref); err != nil {
		return err
	}

	c.logger.Info("deleting item", slog.String("ref", ref.String()))

	_, err := c.Send(ctx, &Request{Method: http.MethodDelete, Path: ref.URLPath()}, nil)
	if err != nil {
		return fmt.Errorf("graph: deleting %s: %w", ref, err)
	}

	return nil
}

// MoveItem reparents and/or renames an item. Empty newParentID keeps the
// parent; empty newName keeps the name.
func (c *Client) MoveItem(ctx context.Context, ref driveref.Reference, newParentID, newName string) (*Item, error) {
	if err := validRef(ref); err != nil {
		return nil, err
	}

	if newParentID == "" && newName == "" {
		return nil, fmt.Errorf("%w: move needs a new parent or a new name", ErrInvalidArgument)
	}

	patch := itemPatchRequest{Name: newName}
	if newParentID != "" {
		patch.ParentReference = &parentRef{ID: newParentID}
	}

	body, err := jsonBody(patch)
	if err != nil {
		return nil, err
	}

	c.logger.Info("moving item",
		slog.String("ref", ref.String()),
		slog.String("new_parent_id", newParentID),
		slog.String("new_name", newName),
	)

	return c.fetchItem(ctx, &Request{Method: http.MethodPatch, Path: ref.URLPath(), Body: body})
}

// CopyItem starts a server-side copy into destParentID on destDriveID
// (empty means the source drive). Graph copies asynchronously; the returned
// string is the monitor URL from the Location header.
func (c *Client) CopyItem(ctx context.Context, ref driveref.Reference, destDriveID, destParentID, newName string) (string, error) {
	if err := validRef(ref); err != nil {
		return "", err
	}

	if destParentID == "" {
		return "", fmt.Errorf("%w: copy needs a destination folder", ErrInvalidArgument)
	}

	body, err := jsonBody(itemPatchRequest{
		ParentReference: &parentRef{ID: destParentID, DriveID: destDriveID},
		Name:            newName,
	})
	if err != nil {
		return "", err
	}

	c.logger.Info("copying item",
		slog.String("ref", ref.String()),
		slog.String("dest_parent_id", destParentID),
	)

	resp, err := c.Send(ctx, &Request{Method: http.MethodPost, Path: ref.Action("copy"), Body: body}, nil)
	if err != nil {
		return "", fmt.Errorf("graph: copying %s: %w", ref, err)
	}

	return resp.Header.Get("Location"), nil
}

// SimpleUpload PUTs a small file (at most SimpleUploadMaxSize bytes) as
// name under parent, replacing any existing file.
func (c *Client) SimpleUpload(ctx context.Context, parent driveref.Reference, name string, r io.Reader, size int64) (*Item, error) {
	if err := validRef(parent); err != nil {
		return nil, err
	}

	if size < 0 || size > SimpleUploadMaxSize {
		return nil, fmt.Errorf("%w: simple upload size %d outside [0, %d]", ErrInvalidArgument, size, SimpleUploadMaxSize)
	}

	data, err := io.ReadAll(io.LimitReader(r, size+1))
	if err != nil {
		return nil, fmt.Errorf("graph: reading upload content: %w", err)
	}

	if int64(len(data)) != size {
		return nil, fmt.Errorf("%w: content is %d bytes, declared %d", ErrInvalidArgument, len(data), size)
	}

	target := parent.Child(name)

	c.logger.Info("simple upload", slog.String("ref", target.String()), slog.Int64("size", size))

	return c.fetchItem(ctx, &Request{
		Method: http.MethodPut,
		Path:   target.Action("content"),
		Header: http.Header{"Content-Type": {"application/octet-stream"}},
		Body:   bytes.NewReader(data),
	})
}

// fetchItem sends r and normalizes the driveItem response.
func (c *Client) fetchItem(ctx context.Context, r *Request) (*Item, error) {
	var dir driveItemResponse
	if _, err := c.Send(ctx, r, &dir); err != nil {
		return nil, err
	}

	item := dir.toItem(c.logger)

	return &item, nil
}

// fetchAll follows @odata.nextLink until the collection is exhausted.
func (c *Client) fetchAll(ctx context.Context, path string) ([]Item, error) {
	var items []Item

	for page := 0; path != ""; page++ {
		if page >= maxPages {
			return nil, fmt.Errorf("graph: pagination exceeded %d pages", maxPages)
		}

		var resp itemListResponse
		if _, err := c.Send(ctx, &Request{Method: http.MethodGet, Path: path}, &resp); err != nil {
			return nil, err
		}

		for i := range resp.Value {
			items = append(items, resp.Value[i].toItem(c.logger))
		}

		path = resp.NextLink
	}

	return items, nil
}
