// Package driveref provides typed addresses for Microsoft Graph drive
// resources. A Reference pairs a Bucket (which drive) with a Key (which item
// inside it). Both halves are closed sum types with a single formatting
// function to the wire path, so every variant maps to exactly one URL shape.
package driveref

import (
	"fmt"
	"strings"
)

// BucketKind enumerates the drive-selection forms Graph accepts.
type BucketKind int

// Bucket kinds. The zero value is the signed-in identity's drive.
const (
	BucketMe BucketKind = iota
	BucketUser
	BucketGroup
	BucketSite
	BucketDrive
)

// String returns the URL collection name for the kind.
func (k BucketKind) String() string {
	switch k {
	case BucketMe:
		return "me"
	case BucketUser:
		return "users"
	case BucketGroup:
		return "groups"
	case BucketSite:
		return "sites"
	case BucketDrive:
		return "drives"
	default:
		return fmt.Sprintf("BucketKind(%d)", int(k))
	}
}

// Bucket selects one drive. The zero value is Me().
type Bucket struct {
	kind BucketKind
	id   string
}

// Me selects the drive of the identity that owns the token. Application
// tokens have no "me"; callers using client credentials pick another kind.
func Me() Bucket { return Bucket{kind: BucketMe} }

// User selects a user's default drive by object ID or user principal name.
func User(id string) Bucket { return Bucket{kind: BucketUser, id: id} }

// Group selects a Microsoft 365 group's drive.
func Group(id string) Bucket { return Bucket{kind: BucketGroup, id: id} }

// Site selects a SharePoint site's default document library.
func Site(id string) Bucket { return Bucket{kind: BucketSite, id: id} }

// Drive selects a drive directly by drive ID.
func Drive(id string) Bucket { return Bucket{kind: BucketDrive, id: id} }

// Kind returns the bucket variant.
func (b Bucket) Kind() BucketKind { return b.kind }

// ID returns the owner or drive identifier. Empty for Me.
func (b Bucket) ID() string { return b.id }

// Validate reports whether the bucket can be formatted into a URL.
func (b Bucket) Validate() error {
	switch b.kind {
	case BucketMe:
		if b.id != "" {
			return fmt.Errorf("driveref: bucket %q takes no id", b.kind)
		}

		return nil
	case BucketUser, BucketGroup, BucketSite, BucketDrive:
		if b.id == "" {
			return fmt.Errorf("driveref: bucket %q requires an id", b.kind)
		}

		if strings.ContainsAny(b.id, "/?#") {
			return fmt.Errorf("driveref: bucket id %q contains a reserved character", b.id)
		}

		return nil
	default:
		return fmt.Errorf("driveref: unknown bucket kind %d", int(b.kind))
	}
}

// String formats the bucket as its wire path segment, e.g. "users/alice/drive".
func (b Bucket) String() string {
	switch b.kind {
	case BucketMe:
		return "me/drive"
	case BucketDrive:
		return "drives/" + b.id
	default:
		return b.kind.String() + "/" + b.id + "/drive"
	}
}

// ParseBucket parses the wire or short form of a bucket. Accepted inputs:
// "me", "me/drive", "users/{id}", "users/{id}/drive", the same for groups
// and sites, and "drives/{id}".
func ParseBucket(s string) (Bucket, error) {
	s = strings.Trim(strings.TrimSpace(s), "/")
	if s == "" || s == "me" || s == "me/drive" {
		return Me(), nil
	}

	parts := strings.Split(s, "/")

	var b Bucket

	switch parts[0] {
	case "users":
		b.kind = BucketUser
	case "groups":
		b.kind = BucketGroup
	case "sites":
		b.kind = BucketSite
	case "drives":
		b.kind = BucketDrive
	default:
		return Bucket{}, fmt.Errorf("driveref: unknown bucket %q", s)
	}

	switch {
	case len(parts) == 2:
	case len(parts) == 3 && parts[2] == "drive" && b.kind != BucketDrive:
	default:
		return Bucket{}, fmt.Errorf("driveref: malformed bucket %q", s)
	}

	b.id = parts[1]
	if err := b.Validate(); err != nil {
		return Bucket{}, err
	}

	return b, nil
}
