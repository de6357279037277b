package cloudflare

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cloudflare/cloudflare-go"
	"github.com/evanofslack/cddns/internal/config"
	"github.com/evanofslack/cddns/internal/errs"
	"github.com/evanofslack/cddns/internal/metrics"
	"github.com/evanofslack/cddns/internal/provider"
)

const (
	recordsPerPage = 100
	recordComment  = "managed by cddns"
)

type CloudflareProvider struct {
	client      *cloudflare.API
	metrics     *metrics.Metrics
	readRetries int
	retryDelay  time.Duration

	mu    sync.Mutex
	zones map[string]provider.Zone // zone ID and lowercase zone name to zone
}

func New(token config.Secret, cfg config.Provider, metrics *metrics.Metrics) (*CloudflareProvider, error) {
	if token == "" {
		return nil, errs.Config("cloudflare", "cloudflare API token required")
	}

	httpClient := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: &recordingTransport{next: http.DefaultTransport},
	}
	opts := []cloudflare.Option{
		cloudflare.HTTPClient(httpClient),
		// Retries are decided here, not inside the client: writes must not be
		// repeated behind our back.
		cloudflare.UsingRetryPolicy(0, 1, 1),
	}
	if cfg.RateLimit > 0 {
		opts = append(opts, cloudflare.UsingRateLimit(cfg.RateLimit))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, cloudflare.BaseURL(cfg.BaseURL))
	}

	client, err := cloudflare.NewWithAPIToken(token.Reveal(), opts...)
	if err != nil {
		return nil, errs.Config("cloudflare", "failed to create Cloudflare client: %v", err)
	}

	return &CloudflareProvider{
		client:      client,
		metrics:     metrics,
		readRetries: cfg.ReadRetries,
		retryDelay:  250 * time.Millisecond,
	}, nil
}

func (p *CloudflareProvider) VerifyAuth(ctx context.Context) error {
	slog.Debug("Verifying API token")
	var result cloudflare.APITokenVerifyBody
	err := p.read(ctx, "verify", "token", func(ctx context.Context) (err error) {
		result, err = p.client.VerifyAPIToken(ctx)
		return err
	})
	if err != nil {
		return err
	}
	if result.Status != "active" {
		return errs.New(errs.KindAuth, "verify", "token", fmt.Errorf("token status is %q, expected \"active\"", result.Status))
	}
	slog.Debug("API token verified", "status", result.Status)
	return nil
}

func (p *CloudflareProvider) Zones(ctx context.Context) ([]provider.Zone, error) {
	var zones []cloudflare.Zone
	err := p.read(ctx, "zones", "", func(ctx context.Context) (err error) {
		zones, err = p.client.ListZones(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	result := make([]provider.Zone, 0, len(zones))
	index := make(map[string]provider.Zone, 2*len(zones))
	for _, z := range zones {
		zone := provider.Zone{ID: z.ID, Name: z.Name}
		result = append(result, zone)
		index[z.ID] = zone
		index[strings.ToLower(z.Name)] = zone
	}

	p.mu.Lock()
	p.zones = index
	p.mu.Unlock()
	return result, nil
}

// zone resolves a zone reference. The index is session state: it is loaded
// on first use and refreshed once when a reference is not found.
func (p *CloudflareProvider) zone(ctx context.Context, ref string) (provider.Zone, error) {
	key := strings.ToLower(strings.TrimSuffix(ref, "."))
	lookup := func() (provider.Zone, bool) {
		p.mu.Lock()
		defer p.mu.Unlock()
		z, ok := p.zones[key]
		if !ok {
			z, ok = p.zones[ref]
		}
		return z, ok
	}

	if z, ok := lookup(); ok {
		return z, nil
	}
	if _, err := p.Zones(ctx); err != nil {
		return provider.Zone{}, err
	}
	if z, ok := lookup(); ok {
		return z, nil
	}
	return provider.Zone{}, errs.New(errs.KindNotFound, "resolve zone", ref, errors.New("zone not found for this token"))
}

func (p *CloudflareProvider) ListRecords(ctx context.Context, ref string) ([]provider.Record, error) {
	slog.Info("Getting DNS records", "zone", ref)
	start := time.Now()

	zone, err := p.zone(ctx, ref)
	if err != nil {
		return nil, err
	}

	// Get all records for the zone with pagination
	var allRecords []cloudflare.DNSRecord
	page := 1
	for {
		rc := cloudflare.ZoneIdentifier(zone.ID)
		params := cloudflare.ListDNSRecordsParams{
			ResultInfo: cloudflare.ResultInfo{
				Page:    page,
				PerPage: recordsPerPage,
			},
		}

		var records []cloudflare.DNSRecord
		var resultInfo *cloudflare.ResultInfo
		err := p.read(ctx, "list", ref, func(ctx context.Context) (err error) {
			records, resultInfo, err = p.client.ListDNSRecords(ctx, rc, params)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("list DNS records: %w", err)
		}

		allRecords = append(allRecords, records...)
		if resultInfo == nil || page >= resultInfo.TotalPages {
			break
		}
		page++
	}

	var result []provider.Record
	for _, r := range allRecords {
		if r.Type != "A" && r.Type != "AAAA" {
			continue
		}
		result = append(result, toRecord(r, ref, zone.Name))
	}

	slog.Debug("Retrieved DNS records", "zone", ref, "count", len(result), "duration", time.Since(start))
	return result, nil
}

func (p *CloudflareProvider) CreateRecord(ctx context.Context, ref string, desired provider.Desired) (provider.Record, error) {
	slog.Info("Creating DNS record", "zone", ref, "name", desired.Name, "type", desired.Type, "content", desired.Content)
	start := time.Now()

	zone, err := p.zone(ctx, ref)
	if err != nil {
		return provider.Record{}, err
	}

	proxied := desired.Proxied
	params := cloudflare.CreateDNSRecordParams{
		Type:    desired.Type,
		Name:    desired.Name,
		Content: desired.Content,
		TTL:     desired.TTL,
		Proxied: &proxied,
		Comment: recordComment,
	}

	var created cloudflare.DNSRecord
	// Never retried: a create that timed out may still have succeeded.
	err = p.call(ctx, "create", desired.Name, func(ctx context.Context) (err error) {
		created, err = p.client.CreateDNSRecord(ctx, cloudflare.ZoneIdentifier(zone.ID), params)
		return err
	})
	if err != nil {
		return provider.Record{}, fmt.Errorf("create DNS record: %w", err)
	}

	slog.Debug("Created DNS record", "zone", ref, "name", desired.Name, "type", desired.Type, "duration", time.Since(start))
	return toRecord(created, ref, zone.Name), nil
}

func (p *CloudflareProvider) UpdateRecord(ctx context.Context, ref string, id string, desired provider.Desired) (provider.Record, error) {
	slog.Info("Updating DNS record", "zone", ref, "name", desired.Name, "type", desired.Type, "content", desired.Content)
	start := time.Now()

	zone, err := p.zone(ctx, ref)
	if err != nil {
		return provider.Record{}, err
	}

	proxied := desired.Proxied
	params := cloudflare.UpdateDNSRecordParams{
		ID:      id,
		Type:    desired.Type,
		Name:    desired.Name,
		Content: desired.Content,
		TTL:     desired.TTL,
		Proxied: &proxied,
	}

	var updated cloudflare.DNSRecord
	err = p.call(ctx, "update", desired.Name, func(ctx context.Context) (err error) {
		updated, err = p.client.UpdateDNSRecord(ctx, cloudflare.ZoneIdentifier(zone.ID), params)
		return err
	})
	if err != nil {
		return provider.Record{}, fmt.Errorf("update DNS record: %w", err)
	}

	slog.Debug("Updated DNS record", "zone", ref, "name", desired.Name, "type", desired.Type, "duration", time.Since(start))
	record := toRecord(updated, ref, zone.Name)
	if record.ID == "" {
		// Some responses omit the body; the write is a full replace so the
		// desired value is the new state.
		record = provider.Record{
			ID: id, Zone: ref, ZoneName: zone.Name, Name: desired.Name, Type: desired.Type,
			Content: desired.Content, Proxied: desired.Proxied, TTL: desired.TTL,
		}
	}
	return record, nil
}

func toRecord(r cloudflare.DNSRecord, ref, zoneName string) provider.Record {
	proxied := false
	if r.Proxied != nil {
		proxied = *r.Proxied
	}
	if r.ZoneName != "" {
		zoneName = r.ZoneName
	}
	return provider.Record{
		ID:         r.ID,
		Zone:       ref,
		ZoneName:   zoneName,
		Name:       r.Name,
		Type:       r.Type,
		Content:    r.Content,
		Proxied:    proxied,
		TTL:        r.TTL,
		ModifiedOn: r.ModifiedOn,
	}
}

// call performs one provider operation and classifies its failure.
func (p *CloudflareProvider) call(ctx context.Context, op, subject string, fn func(ctx context.Context) error) error {
	status := &callStatus{}
	err := fn(context.WithValue(ctx, callStatusKey{}, status))
	p.metrics.IncProviderRequest(op, err == nil)
	if err != nil {
		return classify(op, subject, status, err)
	}
	return nil
}

// read is call with a small bounded retry for transient failures. Only
// idempotent reads go through here.
func (p *CloudflareProvider) read(ctx context.Context, op, subject string, fn func(ctx context.Context) error) error {
	delay := p.retryDelay
	for attempt := 0; ; attempt++ {
		err := p.call(ctx, op, subject, fn)
		if err == nil || !retryable(err) || attempt >= p.readRetries {
			return err
		}
		slog.Warn("Retrying provider read", "operation", op, "subject", subject, "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
		delay *= 2
	}
}
