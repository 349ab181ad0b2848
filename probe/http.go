package probe

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/common/version"
)

var (
	userAgent = fmt.Sprintf("Adari ping logger/%s", version.Version)
)

// HTTPProber completes one HTTP request against the target and treats any
// response as proof of connectivity. Redirects are not followed and TLS
// certificates are not verified, the probe measures the network path, not
// the service behind it.
type HTTPProber struct {
	resolver *Resolver
	logger   *slog.Logger

	url     *url.URL
	method  string
	timeout time.Duration
	client  *http.Client
}

// NewHTTPProber prepares an HTTP prober. An empty URL in cfg derives one
// from the target host.
func NewHTTPProber(cfg Config, resolver *Resolver, logger *slog.Logger) (*HTTPProber, error) {
	raw := cfg.HTTPURL
	if raw == "" {
		raw = resolver.Host()
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "http://" + raw
	}

	targetURL, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing probe url %s", raw)
	}

	method := cfg.HTTPMethod
	if method == "" {
		method = http.MethodGet
	}

	dialer := &net.Dialer{
		Timeout: cfg.Timeout,
	}

	transport := &http.Transport{
		DisableKeepAlives: true,
		TLSClientConfig:   &tls.Config{InsecureSkipVerify: true},
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			// The client never runs its own lookups, every request
			// dials whatever the shared resolver answered.
			_, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, errors.Wrapf(err, "splitting %s", addr)
			}
			addrs, err := resolver.Addrs(ctx)
			if err != nil {
				return nil, err
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(addrs[0].String(), port))
		},
	}

	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			// Don't follow redirects
			return http.ErrUseLastResponse
		},
	}

	if cfg.Timeout > 0 {
		client.Timeout = cfg.Timeout
	}

	return &HTTPProber{
		resolver: resolver,
		logger:   logger,
		url:      targetURL,
		method:   method,
		timeout:  cfg.Timeout,
		client:   client,
	}, nil
}

// Probe issues one request and waits for the response header. The returned
// duration covers the whole exchange including connection setup.
func (p *HTTPProber) Probe(ctx context.Context) (time.Duration, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	request, err := http.NewRequestWithContext(ctx, p.method, p.url.String(), nil)
	if err != nil {
		return 0, errors.Wrap(err, "creating probe request")
	}
	request.Header.Set("User-Agent", userAgent)

	start := time.Now()
	response, err := p.client.Do(request)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, errors.Wrapf(ErrProbeTimeout, "probe %s", p.resolver.Host())
		}
		return 0, errors.Wrapf(err, "probing %s", p.url)
	}
	rtt := time.Since(start)

	p.logger.Debug(
		"Probe target answered",
		"url",
		p.url.String(),
		"status",
		response.StatusCode,
	)
	response.Body.Close()

	return rtt, nil
}

// Close drops any connection the transport may still hold.
func (p *HTTPProber) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
