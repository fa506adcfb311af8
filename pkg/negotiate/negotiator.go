// Package negotiate works out whether an object store endpoint speaks plain
// HTTP or TLS by probing its health endpoint.
//
// A storage endpoint behind a proxy that forces HTTP to HTTPS, or a TLS
// scheme configured against a plaintext port, otherwise shows up as an opaque
// handshake failure deep inside the storage client. The Negotiator probes the
// guessed protocol first, then the opposite one, and flips the guess only when
// the opposite protocol answers.
package negotiate

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/menta2k/image-splitter/pkg/types"
)

const (
	// HealthPath is the MinIO liveness endpoint.
	HealthPath = "/minio/health/live"

	// ProbeTimeout bounds each health probe.
	ProbeTimeout = 10 * time.Second
)

// Negotiator resolves and caches endpoint security for the lifetime of a run.
type Negotiator struct {
	client     *http.Client
	healthPath string
	disabled   bool
	logger     *slog.Logger

	mu    sync.Mutex
	cache map[string]types.EndpointSecurity
}

// Option configures a Negotiator.
type Option func(*Negotiator)

// WithHTTPClient replaces the probe client. Redirect following is always
// turned off on the supplied client's copy.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Negotiator) {
		cp := *c
		n.client = &cp
	}
}

// WithHealthPath overrides the probed path.
func WithHealthPath(p string) Option {
	return func(n *Negotiator) {
		n.healthPath = p
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Negotiator) {
		n.logger = l
	}
}

// Disabled turns probing off; Resolve then returns the caller's guess.
func Disabled() Option {
	return func(n *Negotiator) {
		n.disabled = true
	}
}

// New creates a Negotiator with a 10s probe timeout.
func New(opts ...Option) *Negotiator {
	n := &Negotiator{
		client:     &http.Client{Timeout: ProbeTimeout},
		healthPath: HealthPath,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		cache:      make(map[string]types.EndpointSecurity),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.client.Timeout == 0 {
		n.client.Timeout = ProbeTimeout
	}
	n.client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return n
}

// Resolve returns the security setting to use for endpoint (host:port). It
// never fails: when neither protocol can be confirmed the guess is returned
// unchanged so the real connection attempt reports the specific error. The
// first answer for an endpoint is cached and reused by later calls.
func (n *Negotiator) Resolve(ctx context.Context, endpoint string, guess bool) types.EndpointSecurity {
	sec := splitEndpoint(endpoint, guess)
	if n.disabled {
		return sec
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if cached, ok := n.cache[endpoint]; ok {
		return cached
	}

	logProxyHints(n.logger)

	switch {
	case n.Probe(ctx, endpoint, guess):
	case n.Probe(ctx, endpoint, !guess):
		n.logger.Warn("endpoint answered on the opposite protocol, switching",
			"endpoint", endpoint, "from", types.Scheme(guess), "to", types.Scheme(!guess))
		sec.Secure = !guess
	default:
		n.logger.Warn("could not confirm endpoint protocol, keeping configured scheme",
			"endpoint", endpoint, "scheme", types.Scheme(guess))
	}

	n.cache[endpoint] = sec
	return sec
}

// Probe issues one health check and reports whether the protocol answered.
// 401 and 403 count as success: a gateway rejecting the request still
// completed the transport handshake.
func (n *Negotiator) Probe(ctx context.Context, endpoint string, secure bool) bool {
	url := types.Scheme(secure) + "://" + endpoint + n.healthPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		n.logger.Debug("health probe request invalid", "url", url, "error", err)
		return false
	}

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Debug("health probe failed", "url", url, "error", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusUnauthorized, http.StatusForbidden:
		n.logger.Debug("health probe succeeded", "url", url, "status", resp.StatusCode)
		return true
	}
	n.logger.Debug("health probe returned unexpected status", "url", url, "status", resp.StatusCode)
	return false
}

func splitEndpoint(endpoint string, secure bool) types.EndpointSecurity {
	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return types.EndpointSecurity{Host: endpoint, Secure: secure}
	}
	return types.EndpointSecurity{Host: host, Port: port, Secure: secure}
}

var proxyVars = []string{"HTTP_PROXY", "HTTPS_PROXY", "NO_PROXY", "http_proxy", "https_proxy", "no_proxy"}

// logProxyHints surfaces proxy settings, a frequent cause of surprising
// protocol upgrades.
func logProxyHints(logger *slog.Logger) {
	for _, k := range proxyVars {
		if v := os.Getenv(k); strings.TrimSpace(v) != "" {
			logger.Debug("proxy environment variable set", "name", k, "value", v)
		}
	}
}
