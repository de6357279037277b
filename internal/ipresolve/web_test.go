package ipresolve

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/evanofslack/cddns/internal/errs"
)

func serve(t *testing.T, body string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func newWeb(t *testing.T, v4, v6 []string, opts ...WebOption) Resolver {
	t.Helper()
	opts = append([]WebOption{WithHTTPClient(http.DefaultClient)}, opts...)
	r, err := Web(v4, v6, opts...)
	if err != nil {
		t.Fatalf("Web: %v", err)
	}
	return r
}

func TestLookup(t *testing.T) {
	r := newWeb(t, []string{serve(t, "192.168.2.1\n")}, nil)
	got, err := r.Resolve(context.Background(), IPv4)
	if err != nil {
		t.Fatalf("Resolve failed: %s", err)
	}
	if want := netip.MustParseAddr("192.168.2.1"); got != want {
		t.Fatalf("Expected %s; got %s", want, got)
	}
}

func TestLookupIPv6(t *testing.T) {
	r := newWeb(t, nil, []string{serve(t, "2001:db8::1")})
	got, err := r.Resolve(context.Background(), IPv6)
	if err != nil {
		t.Fatalf("Resolve failed: %s", err)
	}
	if want := netip.MustParseAddr("2001:db8::1"); got != want {
		t.Fatalf("Expected %s; got %s", want, got)
	}
}

func TestWrongFamily(t *testing.T) {
	r := newWeb(t, nil, []string{serve(t, "192.168.2.1")})
	if _, err := r.Resolve(context.Background(), IPv6); !errors.Is(err, errs.ErrNetwork) {
		t.Fatalf("Expected network error for ipv4 answer to ipv6 lookup; got %v", err)
	}
}

func TestDisabledFamily(t *testing.T) {
	r := newWeb(t, []string{serve(t, "192.168.2.1")}, nil)
	if _, err := r.Resolve(context.Background(), IPv6); !errors.Is(err, errs.ErrNetwork) {
		t.Fatalf("Expected network error for disabled family; got %v", err)
	}
}

func TestBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	r := newWeb(t, []string{srv.URL}, nil)
	if _, err := r.Resolve(context.Background(), IPv4); !errors.Is(err, errs.ErrNetwork) {
		t.Fatalf("Expected network error; got %v", err)
	}
}

func TestTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	r := newWeb(t, []string{srv.URL}, nil, WithTimeout(50*time.Millisecond))
	start := time.Now()
	_, err := r.Resolve(context.Background(), IPv4)
	if !errors.Is(err, errs.ErrNetwork) {
		t.Fatalf("Expected network error; got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("lookup did not honor timeout, took %s", elapsed)
	}
}

func TestMismatch(t *testing.T) {
	r := newWeb(t, []string{serve(t, "192.168.2.1"), serve(t, "10.0.0.10"), serve(t, "127.0.0.1")}, nil)
	if _, err := r.Resolve(context.Background(), IPv4); err == nil {
		t.Fatalf("Expected error response; got err == nil")
	}
}

func TestOneFailure(t *testing.T) {
	r := newWeb(t, []string{serve(t, "192.168.2.1"), serve(t, "invalid ip"), serve(t, "192.168.2.1")}, nil)
	got, err := r.Resolve(context.Background(), IPv4)
	if err != nil {
		t.Fatalf("Resolve failed: %s", err)
	}
	if want := netip.MustParseAddr("192.168.2.1"); got != want {
		t.Fatalf("Expected %s; got %s", want, got)
	}
}

func serveAfter(t *testing.T, delay time.Duration, body string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(delay)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestOutlierAnswersFirst(t *testing.T) {
	r := newWeb(t, []string{
		serve(t, "10.0.0.9"),
		serveAfter(t, 100*time.Millisecond, "1.2.3.5"),
		serveAfter(t, 150*time.Millisecond, "1.2.3.5"),
	}, nil)
	got, err := r.Resolve(context.Background(), IPv4)
	if err != nil {
		t.Fatalf("Resolve failed: %s", err)
	}
	if want := netip.MustParseAddr("1.2.3.5"); got != want {
		t.Fatalf("Expected %s; got %s", want, got)
	}
}

func TestLongBodyWithoutNewline(t *testing.T) {
	r := newWeb(t, []string{serve(t, "192.168.2.1"+strings.Repeat(" ", 1<<20))}, nil)
	got, err := r.Resolve(context.Background(), IPv4)
	if err != nil {
		t.Fatalf("Resolve failed: %s", err)
	}
	if want := netip.MustParseAddr("192.168.2.1"); got != want {
		t.Fatalf("Expected %s; got %s", want, got)
	}
}

func TestTwoFailures(t *testing.T) {
	r := newWeb(t, []string{serve(t, "192.168.2.1"), serve(t, "a"), serve(t, "a")}, nil)
	if _, err := r.Resolve(context.Background(), IPv4); err == nil {
		t.Fatalf("Expected error response; got err == nil")
	}
}

func TestHitCount(t *testing.T) {
	var mu sync.Mutex
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		io.WriteString(w, "invalid ip")
	}))
	defer srv.Close()

	for n := 1; n <= 5; n++ {
		urls := make([]string, n)
		for i := range urls {
			urls[i] = srv.URL
		}
		mu.Lock()
		hits = 0
		mu.Unlock()

		r := newWeb(t, urls, nil)
		if _, err := r.Resolve(context.Background(), IPv4); err == nil {
			t.Fatalf("Expected an error; got err == nil")
		}
		mu.Lock()
		h := hits
		mu.Unlock()
		if want := min(n, maxQueried); h != want {
			t.Fatalf("with %d urls expected %d hits; got %d", n, want, h)
		}
	}
}

func TestNoCaching(t *testing.T) {
	var mu sync.Mutex
	addr := "192.168.2.1"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		io.WriteString(w, addr)
	}))
	defer srv.Close()

	r := newWeb(t, []string{srv.URL}, nil)
	first, err := r.Resolve(context.Background(), IPv4)
	if err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	addr = "192.168.2.2"
	mu.Unlock()
	second, err := r.Resolve(context.Background(), IPv4)
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Fatalf("expected a fresh lookup, got %s twice", first)
	}
}

func TestInvalidURL(t *testing.T) {
	if _, err := Web([]string{"not a url"}, nil); !errors.Is(err, errs.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestStatic(t *testing.T) {
	r, err := FromStrings("1.2.3.4", "")
	if err != nil {
		t.Fatal(err)
	}
	got, err := r.Resolve(context.Background(), IPv4)
	if err != nil || got != netip.MustParseAddr("1.2.3.4") {
		t.Fatalf("Resolve(ipv4) = %s, %v", got, err)
	}
	if _, err := r.Resolve(context.Background(), IPv6); !errors.Is(err, errs.ErrNetwork) {
		t.Fatalf("expected network error for unset family, got %v", err)
	}
	if _, err := FromStrings("2001:db8::1", ""); !errors.Is(err, errs.ErrConfig) {
		t.Fatalf("expected config error for ipv6 in ipv4 slot, got %v", err)
	}
}

func TestOverride(t *testing.T) {
	static := Static(netip.Addr{}, netip.MustParseAddr("2001:db8::5"))
	next := Static(netip.MustParseAddr("1.2.3.4"), netip.MustParseAddr("2001:db8::9"))
	r := Override(static, next)

	v6, err := r.Resolve(context.Background(), IPv6)
	if err != nil || v6 != netip.MustParseAddr("2001:db8::5") {
		t.Errorf("ipv6 = %s, %v; want static override", v6, err)
	}
	v4, err := r.Resolve(context.Background(), IPv4)
	if err != nil || v4 != netip.MustParseAddr("1.2.3.4") {
		t.Errorf("ipv4 = %s, %v; want fallback", v4, err)
	}
}

func TestFamilyOf(t *testing.T) {
	tests := []struct {
		in   string
		want Family
		ok   bool
	}{
		{"A", IPv4, true},
		{"aaaa", IPv6, true},
		{"CNAME", 0, false},
	}
	for _, tt := range tests {
		got, ok := FamilyOf(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("FamilyOf(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
