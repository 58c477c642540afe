package driveref

import (
	"fmt"
	"net/url"
	"strings"
)

// KeyKind enumerates the item-addressing forms inside a drive.
type KeyKind int

// Key kinds. KeyRoot, KeyItem and KeyConstant are id forms; KeyPath is the
// path form, anchored at one of the id forms.
const (
	KeyRoot KeyKind = iota
	KeyItem
	KeyConstant
	KeyPath
)

const (
	rootSegment  = "root"
	itemsPrefix  = "items/"
	pathSep      = ":/"
	pathTerminus = ":"
)

// Key addresses one item inside a drive. The zero value is Root().
type Key struct {
	kind KeyKind
	// value holds the item id (KeyItem), the raw segment (KeyConstant) or
	// the relative path (KeyPath).
	value string
	// anchor is the wire form of the id key a path is resolved against.
	anchor string
}

// Root is the drive's root folder. It is a constant, not an id lookup.
func Root() Key { return Key{kind: KeyRoot} }

// Item addresses an item by its opaque id ("items/{id}").
func Item(id string) Key { return Key{kind: KeyItem, value: id} }

// Constant addresses a fixed segment such as "special/approot".
func Constant(segment string) Key { return Key{kind: KeyConstant, value: segment} }

// Path addresses an item by its root-relative path ("root:/a/b"). Leading
// and trailing slashes are trimmed; an empty path is Root().
func Path(p string) Key {
	p = strings.Trim(p, "/")
	if p == "" {
		return Root()
	}

	return Key{kind: KeyPath, value: p, anchor: rootSegment}
}

// Kind returns the key variant.
func (k Key) Kind() KeyKind { return k.kind }

// IsPath reports whether the key is path-relative.
func (k Key) IsPath() bool { return k.kind == KeyPath }

// RelPath returns the relative path of a path key, or "" for id keys.
func (k Key) RelPath() string {
	if k.kind != KeyPath {
		return ""
	}

	return k.value
}

// ItemID returns the id of an item key, or "" otherwise.
func (k Key) ItemID() string {
	if k.kind != KeyItem {
		return ""
	}

	return k.value
}

// Validate reports whether the key can be formatted into a URL.
func (k Key) Validate() error {
	switch k.kind {
	case KeyRoot:
		return nil
	case KeyItem:
		if k.value == "" || strings.ContainsAny(k.value, "/:?#") {
			return fmt.Errorf("driveref: invalid item id %q", k.value)
		}

		return nil
	case KeyConstant:
		if k.value == "" || strings.HasPrefix(k.value, "/") {
			return fmt.Errorf("driveref: invalid constant key %q", k.value)
		}

		return nil
	case KeyPath:
		if strings.HasPrefix(k.value, "/") {
			return fmt.Errorf("driveref: path key %q must not start with a slash", k.value)
		}

		for _, seg := range strings.Split(k.value, "/") {
			if seg == "" || seg == "." || seg == ".." {
				return fmt.Errorf("driveref: path key %q has an empty or relative segment", k.value)
			}
		}

		return nil
	default:
		return fmt.Errorf("driveref: unknown key kind %d", int(k.kind))
	}
}

// String formats the key as its wire path segment.
func (k Key) String() string {
	switch k.kind {
	case KeyItem:
		return itemsPrefix + k.value
	case KeyConstant:
		return k.value
	case KeyPath:
		return k.anchor + pathSep + k.value
	default:
		return rootSegment
	}
}

// Escaped is String with every path segment percent-encoded for use in a
// request URL.
func (k Key) Escaped() string {
	if k.kind != KeyPath {
		return k.String()
	}

	segs := strings.Split(k.value, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}

	return k.anchor + pathSep + strings.Join(segs, "/")
}

// Child returns the key of rel beneath k. Path keys append to their path;
// id keys become path keys anchored at that id ("items/{id}:/rel").
func (k Key) Child(rel string) Key {
	rel = strings.Trim(rel, "/")
	if rel == "" {
		return k
	}

	switch k.kind {
	case KeyPath:
		return Key{kind: KeyPath, value: k.value + "/" + rel, anchor: k.anchor}
	case KeyRoot:
		return Path(rel)
	default:
		return Key{kind: KeyPath, value: rel, anchor: k.String()}
	}
}

// ParseKey parses the wire form of a key. A trailing ":" on a path key (the
// form Graph uses before an action segment) is accepted and dropped.
func ParseKey(s string) (Key, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Key{}, fmt.Errorf("driveref: empty key")
	}

	if strings.HasPrefix(s, "/") {
		return Key{}, fmt.Errorf("driveref: key %q must not start with a slash", s)
	}

	if anchor, rel, ok := strings.Cut(s, pathSep); ok {
		base, err := ParseKey(anchor)
		if err != nil {
			return Key{}, err
		}

		if base.kind == KeyPath {
			return Key{}, fmt.Errorf("driveref: key %q nests a path inside a path", s)
		}

		rel = strings.TrimSuffix(rel, pathTerminus)
		if rel == "" || strings.HasPrefix(rel, "/") {
			return Key{}, fmt.Errorf("driveref: malformed path in key %q", s)
		}

		k := base.Child(rel)

		return k, k.Validate()
	}

	var k Key

	switch {
	case s == rootSegment:
		k = Root()
	case strings.HasPrefix(s, itemsPrefix):
		k = Item(strings.TrimPrefix(s, itemsPrefix))
	default:
		k = Constant(s)
	}

	return k, k.Validate()
}
