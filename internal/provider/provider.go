package provider

import (
	"context"
	"fmt"
	"time"
)

// Provider is the DNS provider session used by the engine. Zone arguments are
// zone references: a provider zone ID or a zone name.
type Provider interface {
	VerifyAuth(ctx context.Context) error
	Zones(ctx context.Context) ([]Zone, error)
	ListRecords(ctx context.Context, zone string) ([]Record, error)
	CreateRecord(ctx context.Context, zone string, desired Desired) (Record, error)
	UpdateRecord(ctx context.Context, zone string, id string, desired Desired) (Record, error)
}

type Zone struct {
	ID   string
	Name string
}

// Record is a record as reported by the provider.
type Record struct {
	ID         string
	Zone       string // the zone reference it was listed under
	ZoneName   string
	Name       string
	Type       string
	Content    string
	Proxied    bool
	TTL        int
	ModifiedOn time.Time
}

func (r Record) String() string {
	return fmt.Sprintf("%s %s %s (%s)", r.Name, r.Type, r.Content, r.ID)
}

// Desired is the full value written by a create or update. Updates replace
// the record, so applying the same Desired twice is idempotent.
type Desired struct {
	Name    string
	Type    string
	Content string
	Proxied bool
	TTL     int
}
