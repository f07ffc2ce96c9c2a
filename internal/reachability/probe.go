// Package reachability abstracts "is the network currently usable" behind a
// single-method capability interface so the controller logic stays portable
// across platforms.
package reachability

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// ErrMissingProbeURL indicates that the HTTP probe was constructed without a target.
var ErrMissingProbeURL = errors.New("reachability: probe url is required")

const defaultProbeTimeout = 5 * time.Second

// Probe reports whether outbound network access is currently available. An
// error means the probe itself could not run; consumers treat that as online
// to avoid a broken probe blocking all sync.
type Probe interface {
	Online(ctx context.Context) (bool, error)
}

// HTTPProbe checks reachability with a HEAD request against a well-known URL.
// Any HTTP response, including an error status, proves the network path
// works; only a transport failure counts as offline.
type HTTPProbe struct {
	url    string
	client *http.Client
}

// HTTPProbeConfig carries the settings for an HTTPProbe.
type HTTPProbeConfig struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

// NewHTTPProbe validates the configuration and returns an HTTPProbe.
func NewHTTPProbe(cfg HTTPProbeConfig) (*HTTPProbe, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, ErrMissingProbeURL
	}

	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultProbeTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	return &HTTPProbe{url: cfg.URL, client: client}, nil
}

// Online implements Probe.
func (p *HTTPProbe) Online(ctx context.Context) (bool, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false, err
	}

	response, err := p.client.Do(request)
	if err != nil {
		return false, nil
	}
	defer response.Body.Close()

	return true, nil
}

// OnlineOrAssume applies the probe-failure policy: a probe that cannot run is
// treated as online so a misconfigured probe never blocks sync.
func OnlineOrAssume(ctx context.Context, probe Probe) bool {
	online, err := probe.Online(ctx)
	if err != nil {
		return true
	}
	return online
}
