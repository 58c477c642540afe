package graph

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"
)

// ChildCountUnknown indicates the child count was not present in the API response.
const ChildCountUnknown = -1

// Item represents a drive item (file, folder, or package).
// Fields are normalized from the Graph API response. Items are rebuilt from
// every response and never cached.
type Item struct {
	ID            string
	Name          string
	DriveID       string // normalized: lowercase (Graph API casing is inconsistent)
	DriveType     string
	ParentID      string
	ParentPath    string
	Size          int64
	ETag          string
	CTag          string
	IsFolder      bool
	IsPackage     bool
	MimeType      string
	QuickXorHash  string // base64-encoded
	SHA1Hash      string // hex (Personal accounts only)
	SHA256Hash    string // hex (Business accounts, sometimes)
	CreatedAt     time.Time
	ModifiedAt    time.Time
	LocalModified time.Time // fileSystemInfo.lastModifiedDateTime
	ChildCount    int       // ChildCountUnknown if not present
	WebURL        string
	DownloadURL   string // pre-authenticated, ephemeral; never log
}

// Drive is the normalized drive resource.
type Drive struct {
	ID         string
	Name       string
	DriveType  string
	OwnerName  string
	QuotaUsed  int64
	QuotaTotal int64
	WebURL     string
}

// driveItemResponse mirrors the Graph API driveItem JSON exactly.
// Unexported: callers use Item via toItem() normalization.
type driveItemResponse struct {
	ID                   string              `json:"id"`
	Name                 string              `json:"name"`
	Size                 int64               `json:"size"`
	ETag                 string              `json:"eTag"`
	CTag                 string              `json:"cTag"`
	CreatedDateTime      string              `json:"createdDateTime"`
	LastModifiedDateTime string              `json:"lastModifiedDateTime"`
	WebURL               string              `json:"webUrl"`
	ParentReference      *parentRef          `json:"parentReference"`
	File                 *fileFacet          `json:"file"`
	Folder               *folderFacet        `json:"folder"`
	Package              *json.RawMessage    `json:"package"`
	FileSystemInfo       *fileSystemInfoResp `json:"fileSystemInfo"`
	DownloadURL          string              `json:"@microsoft.graph.downloadUrl"` //nolint:tagliatelle // Graph API annotation key
}

type parentRef struct {
	ID        string `json:"id,omitempty"`
	DriveID   string `json:"driveId,omitempty"`
	DriveType string `json:"driveType,omitempty"`
	Path      string `json:"path,omitempty"`
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

type fileSystemInfoResp struct {
	CreatedDateTime      string `json:"createdDateTime,omitempty"`
	LastModifiedDateTime string `json:"lastModifiedDateTime,omitempty"`
}

type itemListResponse struct {
	Value    []driveItemResponse `json:"value"`
	NextLink string              `json:"@odata.nextLink"` //nolint:tagliatelle // OData annotation key
}

type driveResponse struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	DriveType string      `json:"driveType"`
	WebURL    string      `json:"webUrl"`
	Owner     *ownerFacet `json:"owner"`
	Quota     *quotaFacet `json:"quota"`
}

type ownerFacet struct {
	User *struct {
		DisplayName string `json:"displayName"`
	} `json:"user"`
	Group *struct {
		DisplayName string `json:"displayName"`
	} `json:"group"`
}

type quotaFacet struct {
	Used  int64 `json:"used"`
	Total int64 `json:"total"`
}

// toItem normalizes a Graph API driveItem response into our Item type.
func (d *driveItemResponse) toItem(logger *slog.Logger) Item {
	item := Item{
		ID:          d.ID,
		Name:        d.Name,
		Size:        d.Size,
		ETag:        d.ETag,
		CTag:        d.CTag,
		IsFolder:    d.Folder != nil,
		IsPackage:   d.Package != nil,
		ChildCount:  ChildCountUnknown,
		WebURL:      d.WebURL,
		DownloadURL: d.DownloadURL,
	}

	if d.ParentReference != nil {
		item.DriveID = strings.ToLower(d.ParentReference.DriveID)
		item.DriveType = d.ParentReference.DriveType
		item.ParentID = d.ParentReference.ID
		item.ParentPath = d.ParentReference.Path
	}

	if d.Folder != nil {
		item.ChildCount = d.Folder.ChildCount
	}

	if d.File != nil {
		item.MimeType = d.File.MimeType

		if d.File.Hashes != nil {
			item.QuickXorHash = d.File.Hashes.QuickXorHash
			item.SHA1Hash = d.File.Hashes.SHA1Hash
			item.SHA256Hash = d.File.Hashes.SHA256Hash
		}
	}

	item.CreatedAt = parseTimestamp(d.CreatedDateTime, "createdDateTime", d.ID, logger)
	item.ModifiedAt = parseTimestamp(d.LastModifiedDateTime, "lastModifiedDateTime", d.ID, logger)

	if d.FileSystemInfo != nil {
		item.LocalModified = parseTimestamp(d.FileSystemInfo.LastModifiedDateTime, "fileSystemInfo.lastModifiedDateTime", d.ID, logger)
	}

	return item
}

func (d *driveResponse) toDrive() Drive {
	drive := Drive{
		ID:        d.ID,
		Name:      d.Name,
		DriveType: d.DriveType,
		WebURL:    d.WebURL,
	}

	if d.Owner != nil {
		switch {
		case d.Owner.User != nil:
			drive.OwnerName = d.Owner.User.DisplayName
		case d.Owner.Group != nil:
			drive.OwnerName = d.Owner.Group.DisplayName
		}
	}

	if d.Quota != nil {
		drive.QuotaUsed = d.Quota.Used
		drive.QuotaTotal = d.Quota.Total
	}

	return drive
}

// parseTimestamp parses an RFC3339 timestamp. Empty values yield the zero
// time; malformed values are logged and also yield the zero time.
func parseTimestamp(raw, field, itemID string, logger *slog.Logger) time.Time {
	if raw == "" {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		logger.Warn("invalid timestamp",
			slog.String("field", field),
			slog.String("item_id", itemID),
			slog.String("raw", raw),
		)

		return time.Time{}
	}

	return t
}
