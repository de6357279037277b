package inventory

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/evanofslack/cddns/internal/errs"
	"github.com/evanofslack/cddns/internal/ipresolve"
)

func boolPtr(b bool) *bool { return &b }

func TestParse(t *testing.T) {
	data := []byte(`
example.com:
  - home
  - name: ipv6
    type: aaaa
    proxied: true
    ttl: 300
  - "@"
  - www.example.com
Example.ORG.:
  - name: vpn.example.org.
0123456789abcdef0123456789abcdef:
  - nas.example.net
`)
	inv, err := Parse(data)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	want := []ManagedRecord{
		{Zone: "example.com", Name: "home.example.com", Type: "A"},
		{Zone: "example.com", Name: "ipv6.example.com", Type: "AAAA", Proxied: boolPtr(true), TTL: 300},
		{Zone: "example.com", Name: "example.com", Type: "A"},
		{Zone: "example.com", Name: "www.example.com", Type: "A"},
		{Zone: "example.org", Name: "vpn.example.org", Type: "A"},
		{Zone: "0123456789abcdef0123456789abcdef", Name: "nas.example.net", Type: "A"},
	}
	if diff := cmp.Diff(want, inv.Records()); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}

	wantZones := []string{"example.com", "example.org", "0123456789abcdef0123456789abcdef"}
	if diff := cmp.Diff(wantZones, inv.Zones()); diff != "" {
		t.Errorf("zones mismatch (-want +got):\n%s", diff)
	}

	wantFamilies := []ipresolve.Family{ipresolve.IPv4, ipresolve.IPv6}
	if diff := cmp.Diff(wantFamilies, inv.Families()); diff != "" {
		t.Errorf("families mismatch (-want +got):\n%s", diff)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not a mapping", "- home\n"},
		{"zone without list", "example.com: home\n"},
		{"duplicate", "example.com:\n  - home\n  - home.example.com\n"},
		{"duplicate case insensitive", "example.com:\n  - Home\n  - home.EXAMPLE.com.\n"},
		{"bad type", "example.com:\n  - name: home\n    type: CNAME\n"},
		{"negative ttl", "example.com:\n  - name: home\n    ttl: -1\n"},
		{"small ttl", "example.com:\n  - name: home\n    ttl: 10\n"},
		{"relative name under zone id", "0123456789abcdef0123456789abcdef:\n  - home\n"},
		{"outside zone", "example.com:\n  - home.example.org.\n"},
		{"empty name", "example.com:\n  - name: \"\"\n"},
		{"invalid yaml", "example.com: [\n"},
		{"duplicate record id", "example.com:\n  - name: home\n    id: r1\n  - name: vpn\n    id: r1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			if !errors.Is(err, errs.ErrConfig) {
				t.Fatalf("expected config error, got %v", err)
			}
		})
	}
}

func TestSameNameDifferentTypes(t *testing.T) {
	inv, err := Parse([]byte("example.com:\n  - home\n  - name: home\n    type: AAAA\n"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if inv.Len() != 2 {
		t.Fatalf("expected 2 records, got %d", inv.Len())
	}
}

func TestParseRecordID(t *testing.T) {
	inv, err := Parse([]byte("example.com:\n  - name: home\n    id: 372e67954025e0ba6aaa6d586b9e0b59\n"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	want := []ManagedRecord{{Zone: "example.com", Name: "home.example.com", Type: "A", ID: "372e67954025e0ba6aaa6d586b9e0b59"}}
	if diff := cmp.Diff(want, inv.Records()); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestEmpty(t *testing.T) {
	inv, err := Parse(nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if inv.Len() != 0 || len(inv.Families()) != 0 {
		t.Errorf("expected empty inventory")
	}
}

func TestNewRejectsDuplicates(t *testing.T) {
	_, err := New(
		ManagedRecord{Zone: "example.com", Name: "home.example.com", Type: "A"},
		ManagedRecord{Zone: "EXAMPLE.COM", Name: "HOME.example.com.", Type: "a"},
	)
	if !errors.Is(err, errs.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestRecordsIsACopy(t *testing.T) {
	inv, err := New(ManagedRecord{Zone: "example.com", Name: "home.example.com", Type: "A"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	records := inv.Records()
	records[0].Name = "changed.example.com"
	if inv.Records()[0].Name != "home.example.com" {
		t.Errorf("inventory was mutated through Records()")
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inventory.yaml")
	if err := os.WriteFile(path, []byte("example.com:\n  - home\n"), 0644); err != nil {
		t.Fatal(err)
	}
	inv, err := Load(path)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if inv.Len() != 1 {
		t.Errorf("expected 1 record, got %d", inv.Len())
	}

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, errs.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}
