// Package health probes uplink reachability and tracks per-uplink online
// state with hysteresis, so a single dropped probe never flaps routing.
package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	neturl "net/url"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"grimm.is/mwand/internal/netbind"
)

// Prober performs one reachability check out of a specific device and
// returns the observed latency.
type Prober interface {
	Probe(ctx context.Context, device string) (time.Duration, error)
}

// HTTPProber fetches a URL with the connection bound to the uplink's
// device. Any 2xx status is a success; everything else, including a
// well-formed 5xx, is a failure.
type HTTPProber struct {
	URL     string
	Timeout time.Duration
}

func (p *HTTPProber) Probe(ctx context.Context, device string) (time.Duration, error) {
	dialer := netbind.Dialer(device, p.Timeout)
	client := &http.Client{
		Timeout: p.Timeout,
		Transport: &http.Transport{
			DialContext:       dialer.DialContext,
			DisableKeepAlives: true,
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("invalid probe url: %w", err)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	latency := time.Since(start)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return latency, fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return latency, nil
}

// PingProber sends a single ICMP echo sourced from the device's address.
type PingProber struct {
	Host    string
	Timeout time.Duration
}

func (p *PingProber) Probe(ctx context.Context, device string) (time.Duration, error) {
	pinger, err := probing.NewPinger(p.Host)
	if err != nil {
		return 0, fmt.Errorf("failed to create pinger: %w", err)
	}
	pinger.Count = 1
	pinger.Timeout = p.Timeout
	pinger.SetPrivileged(true)

	// pro-bing binds by source address, so resolve the device's IPv4
	// to force the echo out of the uplink under test.
	if device != "" {
		ip, err := netbind.DeviceAddr(device)
		if err != nil {
			return 0, err
		}
		pinger.Source = ip.String()
	}

	done := make(chan error, 1)
	go func() { done <- pinger.Run() }()
	select {
	case <-ctx.Done():
		pinger.Stop()
		<-done
		return 0, ctx.Err()
	case err := <-done:
		if err != nil {
			return 0, err
		}
	}

	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return 0, fmt.Errorf("no echo reply from %s", p.Host)
	}
	return stats.AvgRtt, nil
}

// NewProber builds a prober for the configured method ("http" or "ping").
func NewProber(method, url string, timeout time.Duration) (Prober, error) {
	switch method {
	case "http", "":
		return &HTTPProber{URL: url, Timeout: timeout}, nil
	case "ping":
		return &PingProber{Host: targetHost(url), Timeout: timeout}, nil
	default:
		return nil, fmt.Errorf("unknown probe method %q", method)
	}
}

// targetHost extracts a bare host from a URL-shaped target so the ping
// method accepts the same config value as the http method.
func targetHost(target string) string {
	if u, err := neturl.Parse(target); err == nil && u.Host != "" {
		return u.Hostname()
	}
	if host, _, err := net.SplitHostPort(target); err == nil {
		return host
	}
	return target
}
