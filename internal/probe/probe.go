// Package probe implements the non-invasive reachability checks the
// monitor runs against every device. A probe never retries; retry policy
// belongs to the caller.
package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"github.com/oceanpark/oceanctl/internal/models"
)

// Timeout is the hard cap on a single probe.
const Timeout = 3 * time.Second

// Result is the outcome of one probe.
type Result struct {
	Reachable bool
	Latency   time.Duration
	Detail    string
}

// Prober executes a device's probe spec.
type Prober struct {
	dial       func(ctx context.Context, network, addr string) (net.Conn, error)
	httpClient *http.Client
	// privileged selects raw-socket ICMP; when unset pro-bing uses UDP
	// echo, which unprivileged processes are allowed to send.
	privileged bool
}

// Option configures a Prober.
type Option func(*Prober)

// WithDialer overrides the TCP dialer, for tests.
func WithDialer(dial func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return func(p *Prober) { p.dial = dial }
}

// WithHTTPClient overrides the HTTP client, for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Prober) { p.httpClient = c }
}

// WithPrivilegedICMP enables raw-socket ICMP echo.
func WithPrivilegedICMP(on bool) Option {
	return func(p *Prober) { p.privileged = on }
}

// New creates a Prober.
func New(opts ...Option) *Prober {
	p := &Prober{
		dial:       (&net.Dialer{}).DialContext,
		httpClient: &http.Client{Timeout: Timeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Probe runs the device's probe spec and reports reachability with one
// latency sample.
func (p *Prober) Probe(ctx context.Context, dev models.Device) Result {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	switch dev.Probe.Method {
	case models.ProbeTCP:
		return p.probeTCP(ctx, dev)
	case models.ProbeHTTP:
		return p.probeHTTP(ctx, dev)
	default:
		return p.probeICMP(ctx, dev)
	}
}

func (p *Prober) probeICMP(ctx context.Context, dev models.Device) Result {
	pinger, err := probing.NewPinger(dev.Host)
	if err != nil {
		return Result{Detail: fmt.Sprintf("pinger: %v", err)}
	}
	defer pinger.Stop()
	pinger.SetPrivileged(p.privileged)
	pinger.Count = 1
	pinger.Timeout = Timeout

	if err := pinger.RunWithContext(ctx); err != nil {
		// Raw sockets may be unavailable; a TCP connect is the agreed
		// fallback so an unprivileged deployment still gets an answer.
		return p.probeTCP(ctx, dev)
	}

	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return Result{Detail: "no echo reply"}
	}
	return Result{
		Reachable: true,
		Latency:   stats.AvgRtt,
		Detail:    "icmp echo",
	}
}

func (p *Prober) probeTCP(ctx context.Context, dev models.Device) Result {
	port := dev.Probe.Port
	if port == 0 {
		port = dev.Port
	}
	addr := net.JoinHostPort(dev.Host, strconv.Itoa(port))

	start := time.Now()
	conn, err := p.dial(ctx, "tcp", addr)
	if err != nil {
		return Result{Detail: fmt.Sprintf("tcp connect %s: %v", addr, err)}
	}
	_ = conn.Close()
	return Result{
		Reachable: true,
		Latency:   time.Since(start),
		Detail:    "tcp connect " + addr,
	}
}

func (p *Prober) probeHTTP(ctx context.Context, dev models.Device) Result {
	port := dev.Probe.Port
	if port == 0 {
		port = dev.Port
	}
	path := dev.Probe.Path
	if path == "" {
		path = "/"
	}
	url := fmt.Sprintf("http://%s%s", net.JoinHostPort(dev.Host, strconv.Itoa(port)), path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{Detail: fmt.Sprintf("http request: %v", err)}
	}

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Result{Detail: fmt.Sprintf("http get %s: %v", url, err)}
	}
	defer resp.Body.Close()

	// 2xx and 3xx both mean the device answered.
	if resp.StatusCode >= 400 {
		return Result{Detail: fmt.Sprintf("http get %s: status %d", url, resp.StatusCode)}
	}
	return Result{
		Reachable: true,
		Latency:   time.Since(start),
		Detail:    fmt.Sprintf("http %d", resp.StatusCode),
	}
}
