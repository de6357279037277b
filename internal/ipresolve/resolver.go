// Package ipresolve looks up the host's externally visible addresses.
//
// Every call performs a fresh lookup. Results are never cached, since
// noticing an address change is the reason the lookup exists.
package ipresolve

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/evanofslack/cddns/internal/errs"
)

type Family int

const (
	IPv4 Family = 4
	IPv6 Family = 6
)

func (f Family) String() string {
	if f == IPv6 {
		return "ipv6"
	}
	return "ipv4"
}

// RecordType is the DNS record type that carries an address of this family.
func (f Family) RecordType() string {
	if f == IPv6 {
		return "AAAA"
	}
	return "A"
}

func (f Family) network() string {
	if f == IPv6 {
		return "tcp6"
	}
	return "tcp4"
}

// Matches reports whether addr belongs to the family.
func (f Family) Matches(addr netip.Addr) bool {
	if f == IPv6 {
		return addr.Is6() && !addr.Is4In6()
	}
	return addr.Is4() || addr.Is4In6()
}

// FamilyOf maps a record type to its address family.
func FamilyOf(recordType string) (Family, bool) {
	switch strings.ToUpper(recordType) {
	case "A":
		return IPv4, true
	case "AAAA":
		return IPv6, true
	}
	return 0, false
}

type Resolver interface {
	Resolve(ctx context.Context, family Family) (netip.Addr, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ctx context.Context, family Family) (netip.Addr, error)

func (f ResolverFunc) Resolve(ctx context.Context, family Family) (netip.Addr, error) {
	return f(ctx, family)
}

// ResolvedAddress is the outcome of resolving one family during one pass.
type ResolvedAddress struct {
	Family     Family
	Addr       netip.Addr
	ResolvedAt time.Time
	Err        error
}

func (r ResolvedAddress) OK() bool {
	return r.Err == nil && r.Addr.IsValid()
}

// Static returns fixed addresses. A zero address means the family is
// unavailable.
func Static(v4, v6 netip.Addr) Resolver {
	return staticResolver{v4: v4, v6: v6}
}

// FromStrings parses the static addresses. Empty strings leave the family unset.
func FromStrings(v4, v6 string) (Resolver, error) {
	var s staticResolver
	var err error
	if v4 != "" {
		if s.v4, err = netip.ParseAddr(v4); err != nil || !IPv4.Matches(s.v4) {
			return nil, errs.Config("static resolver", "invalid ipv4 address %q", v4)
		}
		s.v4 = s.v4.Unmap()
	}
	if v6 != "" {
		if s.v6, err = netip.ParseAddr(v6); err != nil || !IPv6.Matches(s.v6) {
			return nil, errs.Config("static resolver", "invalid ipv6 address %q", v6)
		}
	}
	return s, nil
}

type staticResolver struct {
	v4, v6 netip.Addr
}

func (s staticResolver) Resolve(_ context.Context, family Family) (netip.Addr, error) {
	addr := s.v4
	if family == IPv6 {
		addr = s.v6
	}
	if !addr.IsValid() {
		return netip.Addr{}, errs.Network("resolve", family.String(), fmt.Errorf("no static %s address configured", family))
	}
	return addr, nil
}

// Override resolves families present in static and falls back to next for
// the others.
func Override(static, next Resolver) Resolver {
	return ResolverFunc(func(ctx context.Context, family Family) (netip.Addr, error) {
		if addr, err := static.Resolve(ctx, family); err == nil {
			return addr, nil
		}
		return next.Resolve(ctx, family)
	})
}
