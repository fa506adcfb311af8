// Package retriever downloads images over HTTP(S) without silently following
// protocol-changing redirects.
package retriever

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chai2010/webp"
	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/image-splitter/pkg/types"
)

// DefaultUserAgent is sent with every download.
const DefaultUserAgent = "Image-Splitter/1.0"

// Timeout bounds a download. Total, when set, caps the whole request. Connect
// bounds the dial and TLS handshake. Read bounds the wait for response headers
// and any gap between body reads.
type Timeout struct {
	Total   time.Duration
	Connect time.Duration
	Read    time.Duration
}

// Options configures a Fetcher.
type Options struct {
	Timeout Timeout
	// ForbidRedirect turns any 3xx response into a REDIRECT_REFUSED error.
	ForbidRedirect bool
	UserAgent      string
	// MaxBytes limits the response body; zero means unlimited.
	MaxBytes int64
	Logger   *slog.Logger
	// Transport overrides the HTTP transport (tests use httptest transports).
	Transport http.RoundTripper
}

// Fetcher downloads images over HTTP(S). Downloaded bytes stay in memory.
type Fetcher struct {
	client    *http.Client
	forbid    bool
	userAgent string
	maxBytes  int64
	readIdle  time.Duration
	logger    *slog.Logger
}

// Fetched is a downloaded artifact.
type Fetched struct {
	URL         string
	Data        []byte
	ContentType string
	// Image and Format are only set by Fetch.
	Image  image.Image
	Format string
}

// New creates a Fetcher.
func New(opts Options) *Fetcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}

	f := &Fetcher{
		forbid:    opts.ForbidRedirect,
		userAgent: ua,
		maxBytes:  opts.MaxBytes,
		readIdle:  opts.Timeout.Read,
		logger:    logger,
	}

	transport := opts.Transport
	if transport == nil {
		transport = newTransport(opts.Timeout)
	}
	f.client = &http.Client{
		Transport:     transport,
		Timeout:       opts.Timeout.Total,
		CheckRedirect: f.checkRedirect,
	}
	return f
}

func newTransport(t Timeout) *http.Transport {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if t.Connect > 0 {
		tr.DialContext = (&net.Dialer{Timeout: t.Connect, KeepAlive: 30 * time.Second}).DialContext
		tr.TLSHandshakeTimeout = t.Connect
	}
	if t.Read > 0 {
		tr.ResponseHeaderTimeout = t.Read
	}
	return tr
}

func (f *Fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if f.forbid {
		return http.ErrUseLastResponse
	}
	if len(via) >= 10 {
		return fmt.Errorf("stopped after %d redirects", len(via))
	}
	prev := via[len(via)-1]
	if prev.URL.Scheme != req.URL.Scheme {
		f.logger.Warn("redirect changes protocol",
			"from", prev.URL.String(), "to", req.URL.String())
	}
	return nil
}

// Fetch downloads rawURL and decodes it.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Fetched, error) {
	res, err := f.FetchBytes(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	img, format, err := Decode(res.Data)
	if err != nil {
		return nil, types.NewError(types.KindDecode, "decode", rawURL, err)
	}
	res.Image = img
	res.Format = format

	b := img.Bounds()
	f.logger.Debug("image decoded", "url", rawURL, "format", format,
		"width", b.Dx(), "height", b.Dy(), "color", types.ColorModeOf(img))
	return res, nil
}

// FetchBytes downloads rawURL without decoding it.
func (f *Fetcher) FetchBytes(ctx context.Context, rawURL string) (*Fetched, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, types.NewError(types.KindTransport, "download", rawURL, errors.Wrap(err, "invalid URL"))
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, types.Errorf(types.KindTransport, "download", rawURL,
			"unsupported URL scheme %q (only http and https are supported)", parsed.Scheme)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, types.NewError(types.KindTransport, "download", rawURL, errors.Wrap(err, "failed to create request"))
	}
	req.Header.Set("User-Agent", f.userAgent)

	f.logger.Debug("downloading", "url", rawURL, "forbid_redirect", f.forbid)
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, types.NewError(types.KindTransport, "download", rawURL, explainTransport(err))
	}
	defer resp.Body.Close()

	if f.forbid && resp.StatusCode >= 300 && resp.StatusCode < 400 {
		return nil, types.Errorf(types.KindRedirectRefused, "download", rawURL,
			"HTTP %d redirect to %q refused; a gateway forcing http to https usually causes this, "+
				"use the final URL or fix the endpoint", resp.StatusCode, resp.Header.Get("Location"))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, types.NewError(types.KindTransport, "download", rawURL, statusError(resp))
	}

	body := io.Reader(resp.Body)
	if f.readIdle > 0 {
		idle := newIdleReader(body, f.readIdle, cancel)
		defer idle.stop()
		body = idle
	}
	if f.maxBytes > 0 {
		body = io.LimitReader(body, f.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, types.NewError(types.KindTransport, "download", rawURL, errors.Wrap(err, "failed to read image data"))
	}
	if f.maxBytes > 0 && int64(len(data)) > f.maxBytes {
		return nil, types.Errorf(types.KindTransport, "download", rawURL,
			"response larger than %d bytes", f.maxBytes)
	}

	f.logger.Info("downloaded", "url", rawURL, "bytes", len(data), "content_type", resp.Header.Get("Content-Type"))
	return &Fetched{
		URL:         rawURL,
		Data:        data,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// idleReader cancels the request when no body bytes arrive within idle.
type idleReader struct {
	r       io.Reader
	idle    time.Duration
	timer   *time.Timer
	stalled atomic.Bool
}

func newIdleReader(r io.Reader, idle time.Duration, cancel context.CancelFunc) *idleReader {
	ir := &idleReader{r: r, idle: idle}
	ir.timer = time.AfterFunc(idle, func() {
		ir.stalled.Store(true)
		cancel()
	})
	return ir
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if ir.stalled.Load() {
		return n, errors.Errorf("no data received for %s", ir.idle)
	}
	if n > 0 {
		ir.timer.Reset(ir.idle)
	}
	return n, err
}

func (ir *idleReader) stop() {
	ir.timer.Stop()
}

// Decode decodes image bytes using the registered decoders, falling back to
// the libwebp decoder.
func Decode(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err == nil {
		return img, format, nil
	}
	if wimg, werr := webp.Decode(bytes.NewReader(data)); werr == nil {
		return wimg, "webp", nil
	}
	return nil, "", errors.Wrap(err, "unknown or unsupported image format")
}

// explainTransport adds a protocol hint to TLS errors caused by speaking TLS
// to a plaintext port.
func explainTransport(err error) error {
	var rhe tls.RecordHeaderError
	if errors.As(err, &rhe) || errors.Is(err, http.ErrSchemeMismatch) {
		return errors.Wrap(err, "server answered without TLS; the endpoint probably expects http, not https")
	}
	return errors.Wrap(err, "failed to download image")
}

func statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode == http.StatusBadRequest && strings.Contains(string(snippet), "HTTPS server") {
		return errors.Errorf("HTTP %d: plain http sent to a TLS port; use https", resp.StatusCode)
	}
	return errors.Errorf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
}
