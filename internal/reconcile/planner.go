package reconcile

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/libdns/libdns"

	"github.com/evanofslack/cddns/internal/errs"
	"github.com/evanofslack/cddns/internal/inventory"
	"github.com/evanofslack/cddns/internal/ipresolve"
	"github.com/evanofslack/cddns/internal/provider"
)

const (
	defaultTTL        = 1 // automatic
	reasonUnresolved  = "address unresolved"
	reasonAmbiguous   = "ambiguous: %d matching records"
	reasonZoneMissing = "zone not found"
	reasonGone        = "record no longer exists"
	reasonIDMismatch  = "record %s is %s %s"
)

// Plan decides one action per desired record, in the order given. Records
// not in desired are never touched.
func Plan(desired []inventory.ManagedRecord, actual []provider.Record, addrs map[ipresolve.Family]ipresolve.ResolvedAddress) ([]Change, error) {
	if err := checkUnique(desired); err != nil {
		return nil, err
	}

	index := make(map[inventory.Key][]provider.Record, len(actual))
	byID := make(map[string]provider.Record, len(actual))
	for _, r := range actual {
		key := inventory.NewKey(r.Zone, r.Name, r.Type)
		index[key] = append(index[key], r)
		byID[r.ID] = r
	}

	changes := make([]Change, 0, len(desired))
	for _, d := range desired {
		matches := index[d.Key()]
		if d.ID != "" {
			matches = nil
			if r, ok := byID[d.ID]; ok {
				matches = []provider.Record{r}
			}
		}
		changes = append(changes, planRecord(d, matches, addrs[d.Family()]))
	}
	return changes, nil
}

func checkUnique(desired []inventory.ManagedRecord) error {
	seen := make(map[inventory.Key]struct{}, len(desired))
	ids := make(map[string]struct{})
	for _, d := range desired {
		key := d.Key()
		if _, ok := seen[key]; ok {
			return errs.Config("plan", "duplicate managed record %s", key)
		}
		seen[key] = struct{}{}

		if d.ID != "" {
			if _, ok := ids[d.ID]; ok {
				return errs.Config("plan", "duplicate managed record id %s", d.ID)
			}
			ids[d.ID] = struct{}{}
		}
	}
	return nil
}

func planRecord(d inventory.ManagedRecord, matches []provider.Record, addr ipresolve.ResolvedAddress) Change {
	change := Change{Record: d}

	if !addr.OK() || !addr.Family.Matches(addr.Addr) || addr.Family.RecordType() != d.Key().Type {
		change.Action = Skip
		change.Reason = reasonUnresolved
		return change
	}

	if d.ID != "" {
		// A pinned record is never recreated, and never renamed.
		if len(matches) == 0 {
			change.Action = Skip
			change.Reason = reasonGone
			return change
		}
		if r := matches[0]; inventory.NewKey(r.Zone, r.Name, r.Type) != d.Key() {
			change.Action = Skip
			change.Reason = fmt.Sprintf(reasonIDMismatch, d.ID, r.Type, r.Name)
			return change
		}
	}

	switch len(matches) {
	case 0:
		change.Action = Create
		change.Desired = target(d, addr.Addr, boolOr(d.Proxied, false), intOr(d.TTL, defaultTTL))
		return change
	case 1:
	default:
		change.Action = Skip
		change.Reason = fmt.Sprintf(reasonAmbiguous, len(matches))
		return change
	}

	current := matches[0]
	change.Current = &current
	proxied := boolOr(d.Proxied, current.Proxied)
	ttl := intOr(d.TTL, current.TTL)
	change.Desired = target(d, addr.Addr, proxied, ttl)

	if inSync(current, addr.Addr, proxied, ttl) {
		change.Action = NoOp
	} else {
		change.Action = Update
	}
	return change
}

func inSync(current provider.Record, addr netip.Addr, proxied bool, ttl int) bool {
	have, err := netip.ParseAddr(current.Content)
	if err != nil || have.Unmap() != addr {
		return false
	}
	if current.Proxied != proxied {
		return false
	}
	// Proxied records always report the automatic TTL.
	if !proxied && current.TTL != ttl {
		return false
	}
	return true
}

func target(d inventory.ManagedRecord, addr netip.Addr, proxied bool, ttl int) provider.Desired {
	rr := libdns.Address{
		Name: d.Key().Name,
		TTL:  time.Duration(ttl) * time.Second,
		IP:   addr,
	}.RR()
	return provider.Desired{
		Name:    d.Key().Name,
		Type:    rr.Type,
		Content: rr.Data,
		Proxied: proxied,
		TTL:     ttl,
	}
}

func boolOr(p *bool, fallback bool) bool {
	if p == nil {
		return fallback
	}
	return *p
}

func intOr(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}
