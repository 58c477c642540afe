package driveref

import (
	"errors"
	"fmt"
	"strings"
)

// Reference identifies one remote resource: a drive and an item inside it.
type Reference struct {
	Bucket Bucket
	Key    Key
}

// New pairs a bucket with a key.
func New(b Bucket, k Key) Reference {
	return Reference{Bucket: b, Key: k}
}

// Validate checks the bucket and the key independently.
func (r Reference) Validate() error {
	return errors.Join(r.Bucket.Validate(), r.Key.Validate())
}

// String formats the reference as "<bucket>/<key>", unescaped.
func (r Reference) String() string {
	return r.Bucket.String() + "/" + r.Key.String()
}

// URLPath is String with path segments escaped for a request URL.
func (r Reference) URLPath() string {
	return r.Bucket.String() + "/" + r.Key.Escaped()
}

// Action returns the URL path of an action or navigation segment on the
// item, such as "children" or "createUploadSession". Path keys need the ":"
// terminator before the segment.
func (r Reference) Action(segment string) string {
	if r.Key.IsPath() {
		return r.URLPath() + pathTerminus + "/" + segment
	}

	return r.URLPath() + "/" + segment
}

// Child returns the reference of rel beneath r.
func (r Reference) Child(rel string) Reference {
	return Reference{Bucket: r.Bucket, Key: r.Key.Child(rel)}
}

// Parse splits a full reference such as "users/alice/drive/root:/docs/a.txt".
func Parse(s string) (Reference, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "/")

	var bucketPart, keyPart string

	switch {
	case strings.HasPrefix(s, "me/drive/"):
		bucketPart, keyPart = "me/drive", strings.TrimPrefix(s, "me/drive/")
	case strings.HasPrefix(s, "drives/"):
		id, rest, ok := strings.Cut(strings.TrimPrefix(s, "drives/"), "/")
		if !ok {
			return Reference{}, fmt.Errorf("driveref: reference %q has no key", s)
		}

		bucketPart, keyPart = "drives/"+id, rest
	default:
		idx := strings.Index(s, "/drive/")
		if idx < 0 {
			return Reference{}, fmt.Errorf("driveref: reference %q has no drive segment", s)
		}

		bucketPart, keyPart = s[:idx+len("/drive")], s[idx+len("/drive/"):]
	}

	b, err := ParseBucket(bucketPart)
	if err != nil {
		return Reference{}, err
	}

	k, err := ParseKey(keyPart)
	if err != nil {
		return Reference{}, err
	}

	return Reference{Bucket: b, Key: k}, nil
}
