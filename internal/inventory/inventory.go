// Package inventory holds the user's declared set of managed records.
package inventory

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/libdns/libdns"
	"gopkg.in/yaml.v3"

	"github.com/evanofslack/cddns/internal/errs"
	"github.com/evanofslack/cddns/internal/ipresolve"
)

// ManagedRecord is one desired record. Proxied nil and TTL 0 mean the
// record's current setting at the provider is left alone. ID pins the
// record to one provider record; without it the record is matched by name
// and type.
type ManagedRecord struct {
	Zone    string // zone name or provider zone ID
	Name    string // fully qualified, no trailing dot
	Type    string // A or AAAA
	ID      string // provider record ID, optional
	Proxied *bool
	TTL     int
}

// Key identifies a record within a pass.
type Key struct {
	Zone string
	Name string
	Type string
}

func (k Key) String() string {
	return fmt.Sprintf("%s %s (%s)", k.Type, k.Name, k.Zone)
}

func NewKey(zone, name, recordType string) Key {
	return Key{
		Zone: normalizeZone(zone),
		Name: strings.ToLower(strings.TrimSuffix(name, ".")),
		Type: strings.ToUpper(recordType),
	}
}

func (r ManagedRecord) Key() Key {
	return NewKey(r.Zone, r.Name, r.Type)
}

func (r ManagedRecord) Family() ipresolve.Family {
	f, _ := ipresolve.FamilyOf(r.Type)
	return f
}

func (r ManagedRecord) String() string {
	return r.Key().String()
}

// Inventory is an ordered, validated set of managed records. It is read-only
// once built.
type Inventory struct {
	records []ManagedRecord
}

// New validates records and keeps them in the given order.
func New(records ...ManagedRecord) (*Inventory, error) {
	inv := &Inventory{records: slices.Clone(records)}
	if err := inv.Validate(); err != nil {
		return nil, err
	}
	return inv, nil
}

// Load reads an inventory file.
func Load(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Config("inventory", "read inventory %s: %v", path, err)
	}
	inv, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("inventory %s: %w", path, err)
	}
	return inv, nil
}

type entry struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	ID      string `yaml:"id"`
	Proxied *bool  `yaml:"proxied"`
	TTL     int    `yaml:"ttl"`
}

// Parse decodes the YAML form: a mapping from zone to a list of records,
// each either a bare name (an A record) or a mapping. Declaration order is
// preserved.
func Parse(data []byte) (*Inventory, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errs.Config("inventory", "parse: %v", err)
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return New()
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, errs.Config("inventory", "line %d: expected a mapping of zones to records", root.Line)
	}

	var records []ManagedRecord
	for i := 0; i+1 < len(root.Content); i += 2 {
		keyNode, valueNode := root.Content[i], root.Content[i+1]
		zone := strings.TrimSpace(keyNode.Value)
		if zone == "" {
			return nil, errs.Config("inventory", "line %d: empty zone", keyNode.Line)
		}
		if valueNode.Kind != yaml.SequenceNode {
			return nil, errs.Config("inventory", "line %d: zone %s: expected a list of records", valueNode.Line, zone)
		}

		for _, item := range valueNode.Content {
			var e entry
			switch item.Kind {
			case yaml.ScalarNode:
				e.Name = item.Value
			case yaml.MappingNode:
				if err := item.Decode(&e); err != nil {
					return nil, errs.Config("inventory", "line %d: %v", item.Line, err)
				}
			default:
				return nil, errs.Config("inventory", "line %d: expected a record name or mapping", item.Line)
			}
			if e.Type == "" {
				e.Type = "A"
			}

			name, err := qualify(e.Name, zone)
			if err != nil {
				return nil, errs.Config("inventory", "line %d: %v", item.Line, err)
			}
			records = append(records, ManagedRecord{
				Zone:    normalizeZone(zone),
				Name:    name,
				Type:    strings.ToUpper(e.Type),
				ID:      strings.TrimSpace(e.ID),
				Proxied: e.Proxied,
				TTL:     e.TTL,
			})
		}
	}
	return New(records...)
}

// IsZoneName reports whether ref names a zone rather than identifying it by
// provider ID.
func IsZoneName(ref string) bool {
	return strings.Contains(strings.TrimSuffix(ref, "."), ".")
}

func normalizeZone(ref string) string {
	if IsZoneName(ref) {
		return strings.ToLower(strings.TrimSuffix(ref, "."))
	}
	return ref
}

// qualify turns a record name into an FQDN. Names ending in a dot, or
// already inside the zone, are taken as written.
func qualify(name, zoneRef string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("zone %s: record without a name", zoneRef)
	}
	lower := strings.ToLower(name)

	if strings.HasSuffix(lower, ".") {
		return strings.TrimSuffix(lower, "."), nil
	}
	if !IsZoneName(zoneRef) {
		if !strings.Contains(lower, ".") {
			return "", fmt.Errorf("zone %s: %q must be fully qualified when the zone is given by ID", zoneRef, name)
		}
		return lower, nil
	}

	zone := normalizeZone(zoneRef)
	if lower == zone || strings.HasSuffix(lower, "."+zone) {
		return lower, nil
	}
	return strings.TrimSuffix(libdns.AbsoluteName(lower, zone), "."), nil
}

// Validate checks every record and rejects duplicate identities.
func (inv *Inventory) Validate() error {
	seen := make(map[Key]int, len(inv.records))
	ids := make(map[string]int)
	for i, r := range inv.records {
		if r.Zone == "" {
			return errs.Config("inventory", "record %d (%s): missing zone", i+1, r.Name)
		}
		if r.Name == "" {
			return errs.Config("inventory", "record %d in zone %s: missing name", i+1, r.Zone)
		}
		if _, ok := ipresolve.FamilyOf(r.Type); !ok {
			return errs.Config("inventory", "%s: unsupported record type %q, expected A or AAAA", r.Name, r.Type)
		}
		if r.TTL < 0 {
			return errs.Config("inventory", "%s: ttl must not be negative", r.Name)
		}
		if r.TTL > 1 && r.TTL < 30 {
			return errs.Config("inventory", "%s: ttl must be 1 (automatic) or at least 30, got %d", r.Name, r.TTL)
		}
		if IsZoneName(r.Zone) {
			zone := normalizeZone(r.Zone)
			name := r.Key().Name
			if name != zone && !strings.HasSuffix(name, "."+zone) {
				return errs.Config("inventory", "%s is not inside zone %s", r.Name, r.Zone)
			}
		}

		key := r.Key()
		if first, ok := seen[key]; ok {
			return errs.Config("inventory", "duplicate record %s: entries %d and %d", key, first+1, i+1)
		}
		seen[key] = i

		if r.ID != "" {
			if first, ok := ids[r.ID]; ok {
				return errs.Config("inventory", "duplicate record id %s: entries %d and %d", r.ID, first+1, i+1)
			}
			ids[r.ID] = i
		}
	}
	return nil
}

// Records returns the records in declaration order.
func (inv *Inventory) Records() []ManagedRecord {
	return slices.Clone(inv.records)
}

func (inv *Inventory) Len() int {
	return len(inv.records)
}

// Zones returns the zone references in first-seen order.
func (inv *Inventory) Zones() []string {
	return Zones(inv.records)
}

// Families returns the address families the records need, IPv4 first.
func (inv *Inventory) Families() []ipresolve.Family {
	return Families(inv.records)
}

func Zones(records []ManagedRecord) []string {
	var zones []string
	for _, r := range records {
		zone := normalizeZone(r.Zone)
		if !slices.Contains(zones, zone) {
			zones = append(zones, zone)
		}
	}
	return zones
}

func Families(records []ManagedRecord) []ipresolve.Family {
	var v4, v6 bool
	for _, r := range records {
		switch r.Family() {
		case ipresolve.IPv4:
			v4 = true
		case ipresolve.IPv6:
			v6 = true
		}
	}
	var families []ipresolve.Family
	if v4 {
		families = append(families, ipresolve.IPv4)
	}
	if v6 {
		families = append(families, ipresolve.IPv6)
	}
	return families
}
