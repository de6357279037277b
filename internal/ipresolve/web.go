package ipresolve

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/evanofslack/cddns/internal/errs"
	"github.com/evanofslack/cddns/internal/metrics"
)

const (
	DefaultTimeout = 10 * time.Second

	// maxQueried is how many lookup services are asked at once when more
	// than one is configured. Two of them must agree.
	maxQueried = 3

	// maxBodyBytes bounds how much of a lookup response is read.
	maxBodyBytes = 256
)

var (
	DefaultIPv4URLs = []string{"https://api.ipify.org", "https://ipv4.icanhazip.com", "https://v4.ident.me"}
	DefaultIPv6URLs = []string{"https://api6.ipify.org", "https://ipv6.icanhazip.com", "https://v6.ident.me"}
)

// Httper is the subset of *http.Client the web resolver needs.
type Httper interface {
	Do(req *http.Request) (*http.Response, error)
}

type WebOption func(*webResolver)

// WithHTTPClient replaces the family-pinned clients with c for every family.
func WithHTTPClient(c Httper) WebOption {
	return func(w *webResolver) {
		w.clients[IPv4] = c
		w.clients[IPv6] = c
	}
}

func WithTimeout(d time.Duration) WebOption {
	return func(w *webResolver) {
		if d > 0 {
			w.timeout = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) WebOption {
	return func(w *webResolver) { w.metrics = m }
}

// Web constructs a resolver which asks external web services for the public
// address of each family.
//
// Each service must answer "200 OK" with the address on the first line of the
// body. Lookups for a family are dialed over that family only, so a host
// without IPv6 connectivity fails the IPv6 lookup instead of reporting its
// IPv4 address. A family with no URLs is treated as unavailable.
//
// When several URLs are given for a family, up to three are queried
// concurrently and the first address reported by two of them wins.
func Web(v4URLs, v6URLs []string, opts ...WebOption) (Resolver, error) {
	w := &webResolver{
		urls:    map[Family][]*url.URL{},
		clients: map[Family]Httper{},
		timeout: DefaultTimeout,
	}
	for family, raw := range map[Family][]string{IPv4: v4URLs, IPv6: v6URLs} {
		for _, u := range raw {
			pu, err := url.Parse(u)
			if err != nil || pu.Scheme == "" || pu.Host == "" {
				return nil, errs.Config("web resolver", "invalid %s lookup url %q", family, u)
			}
			w.urls[family] = append(w.urls[family], pu)
		}
		w.clients[family] = pinnedClient(family)
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

type webResolver struct {
	urls    map[Family][]*url.URL
	clients map[Family]Httper
	timeout time.Duration
	metrics *metrics.Metrics
}

func pinnedClient(family Family) *http.Client {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = func(ctx context.Context, _, addr string) (net.Conn, error) {
		return dialer.DialContext(ctx, family.network(), addr)
	}
	// Connections are not kept between passes.
	transport.DisableKeepAlives = true
	return &http.Client{Transport: transport}
}

func (w *webResolver) Resolve(ctx context.Context, family Family) (netip.Addr, error) {
	addr, err := w.resolve(ctx, family)
	w.metrics.IncResolve(family.String(), err == nil)
	if err != nil {
		return netip.Addr{}, errs.Network("resolve", family.String(), err)
	}
	slog.Debug("Resolved public address", "family", family.String(), "addr", addr)
	return addr, nil
}

func (w *webResolver) resolve(ctx context.Context, family Family) (netip.Addr, error) {
	urls := w.urls[family]
	if len(urls) == 0 {
		return netip.Addr{}, fmt.Errorf("%s lookup disabled", family)
	}
	if len(urls) == 1 {
		return w.lookup(ctx, family, urls[0])
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		addr netip.Addr
		err  error
	}
	n := min(len(urls), maxQueried)
	results := make(chan result, n)
	for _, u := range urls[:n] {
		go func() {
			addr, err := w.lookup(ctx, family, u)
			results <- result{addr: addr, err: err}
		}()
	}

	var errList []error
	votes := make(map[netip.Addr]int, n)
	answers := 0
	for range n {
		r := <-results
		if r.err != nil {
			errList = append(errList, r.err)
			continue
		}
		answers++
		votes[r.addr]++
		if votes[r.addr] == 2 {
			return r.addr, nil
		}
	}
	if answers < 2 {
		return netip.Addr{}, fmt.Errorf("not enough lookup services responded: %w", errors.Join(errList...))
	}
	return netip.Addr{}, errors.New("lookup services did not agree on the address")
}

func (w *webResolver) lookup(ctx context.Context, family Family, u *url.URL) (netip.Addr, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := w.clients[family].Do(req)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("request %s: %w", u.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return netip.Addr{}, fmt.Errorf("request %s returned %s", u.Host, resp.Status)
	}

	line, _ := bufio.NewReader(io.LimitReader(resp.Body, maxBodyBytes)).ReadString('\n')
	addr, err := netip.ParseAddr(strings.TrimSpace(line))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("parse address from %s: %w", u.Host, err)
	}
	if !family.Matches(addr) {
		return netip.Addr{}, fmt.Errorf("%s returned %s, not an %s address", u.Host, addr, family)
	}
	return addr.Unmap(), nil
}
