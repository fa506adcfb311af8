package publisher

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"github.com/menta2k/image-splitter/pkg/types"
)

// ObjectURL is a path-style object store URL split into its parts.
type ObjectURL struct {
	Endpoint string
	Bucket   string
	Key      string
	Secure   bool
}

// ParseObjectURL splits a path-style URL such as
// http://minio:9000/bucket/dir/photo.jpg. The key may be empty.
func ParseObjectURL(raw string) (ObjectURL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ObjectURL{}, errors.Wrap(err, "invalid object URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ObjectURL{}, errors.Errorf("object URL %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Host == "" {
		return ObjectURL{}, errors.Errorf("object URL %q has no host", raw)
	}

	bucket, key, _ := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	if bucket == "" {
		return ObjectURL{}, errors.Errorf("object URL %q has no bucket", raw)
	}
	return ObjectURL{
		Endpoint: u.Host,
		Bucket:   bucket,
		Key:      key,
		Secure:   u.Scheme == "https",
	}, nil
}

func (o ObjectURL) String() string {
	return types.Scheme(o.Secure) + "://" + o.Endpoint + "/" + o.Bucket + "/" + o.Key
}
