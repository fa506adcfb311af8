package types

import (
	"fmt"
	"image"
	"strings"
)

// Rectangle is a crop region in pixel coordinates. (X1,Y1) is inclusive,
// (X2,Y2) is exclusive.
type Rectangle struct {
	X1 int `json:"x1" yaml:"x1"`
	Y1 int `json:"y1" yaml:"y1"`
	X2 int `json:"x2" yaml:"x2"`
	Y2 int `json:"y2" yaml:"y2"`
}

// Valid reports whether the rectangle has a positive area.
func (r Rectangle) Valid() bool {
	return r.X1 < r.X2 && r.Y1 < r.Y2
}

// Image converts the rectangle to an image.Rectangle without canonicalizing it.
func (r Rectangle) Image() image.Rectangle {
	return image.Rectangle{Min: image.Pt(r.X1, r.Y1), Max: image.Pt(r.X2, r.Y2)}
}

func (r Rectangle) String() string {
	return fmt.Sprintf("(%d,%d,%d,%d)", r.X1, r.Y1, r.X2, r.Y2)
}

// EndpointSecurity records whether an object store endpoint speaks TLS.
type EndpointSecurity struct {
	Host   string `json:"host"`
	Port   string `json:"port,omitempty"`
	Secure bool   `json:"secure"`
}

// Endpoint returns host:port, or just the host when no port is known.
func (e EndpointSecurity) Endpoint() string {
	if e.Port == "" {
		return e.Host
	}
	if strings.Contains(e.Host, ":") {
		return "[" + e.Host + "]:" + e.Port
	}
	return e.Host + ":" + e.Port
}

// Scheme returns "https" for secure endpoints and "http" otherwise.
func (e EndpointSecurity) Scheme() string {
	return Scheme(e.Secure)
}

// Scheme maps a security flag to a URL scheme.
func Scheme(secure bool) string {
	if secure {
		return "https"
	}
	return "http"
}

// PublishResult describes an object written to storage.
type PublishResult struct {
	ObjectKey string `json:"object_key"`
	URL       string `json:"url"`
	ByteSize  int64  `json:"byte_size"`
	Format    string `json:"format"`
}

// CompressionStats reports the encoded size of a unit against its source.
// SourceSize is the byte size of the downloaded artifact the unit came from:
// the whole image for every crop of a split, and the sum of both inputs for a
// merge. Ratio is 1 - CompressedSize/SourceSize, so for crops it reflects the
// share of the source that was not published rather than a saving on the
// crop itself.
type CompressionStats struct {
	SourceSize     int64   `json:"source_size"`
	CompressedSize int64   `json:"compressed_size"`
	Ratio          float64 `json:"ratio"`
	Format         string  `json:"format"`
	Quality        int     `json:"quality"`
}

// RegionResult is the outcome of one unit of work: a crop region, a merged
// image, or a single file.
type RegionResult struct {
	Index     int               `json:"index"`
	Source    string            `json:"source,omitempty"`
	Rect      *Rectangle        `json:"coordinates,omitempty"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Success   bool              `json:"success"`
	Stage     string            `json:"stage"`
	Publish   *PublishResult    `json:"publish,omitempty"`
	LocalPath string            `json:"local_path,omitempty"`
	Stats     *CompressionStats `json:"compression,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// PipelineResult is returned to the caller at the end of a run.
type PipelineResult struct {
	RunID    string         `json:"run_id"`
	Success  bool           `json:"success"`
	Inputs   []string       `json:"inputs"`
	Endpoint string         `json:"endpoint,omitempty"`
	Bucket   string         `json:"bucket,omitempty"`
	Secure   bool           `json:"secure"`
	Results  []RegionResult `json:"results"`
	Error    string         `json:"error,omitempty"`
}

// Succeeded returns the number of successful units.
func (r *PipelineResult) Succeeded() int {
	n := 0
	for _, res := range r.Results {
		if res.Success {
			n++
		}
	}
	return n
}

// URLs returns the published URLs of successful units in input order.
func (r *PipelineResult) URLs() []string {
	var urls []string
	for _, res := range r.Results {
		if res.Success && res.Publish != nil {
			urls = append(urls, res.Publish.URL)
		}
	}
	return urls
}
