package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/evanofslack/cddns/internal/errs"
	"github.com/evanofslack/cddns/internal/inventory"
	"github.com/evanofslack/cddns/internal/ipresolve"
	"github.com/evanofslack/cddns/internal/metrics"
	"github.com/evanofslack/cddns/internal/provider"
)

const defaultConcurrency = 4

// Engine runs reconciliation passes. It holds no record data between passes.
type Engine struct {
	inventory   *inventory.Inventory
	dnsProvider provider.Provider
	resolver    ipresolve.Resolver
	metrics     *metrics.Metrics
	concurrency int
	onState     func(State)
	now         func() time.Time
}

type Option func(*Engine)

// WithConcurrency bounds the number of record writes in flight.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithStateHook is called on every state transition of a pass.
func WithStateHook(fn func(State)) Option {
	return func(e *Engine) { e.onState = fn }
}

func NewEngine(inv *inventory.Inventory, dp provider.Provider, resolver ipresolve.Resolver, opts ...Option) *Engine {
	e := &Engine{
		inventory:   inv,
		dnsProvider: dp,
		resolver:    resolver,
		concurrency: defaultConcurrency,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run performs one pass. The returned error is non-nil only when no record
// could be evaluated; per-record failures are reported in the Result.
func (e *Engine) Run(ctx context.Context, mode Mode) (Result, error) {
	return e.run(ctx, mode, e.inventory.Records())
}

func (e *Engine) run(ctx context.Context, mode Mode, records []inventory.ManagedRecord) (Result, error) {
	result := Result{Mode: mode, Started: e.now()}
	slog.Info("Starting reconciliation pass", "mode", mode, "records", len(records))

	// Duplicate identities must abort before any network call.
	if err := checkUnique(records); err != nil {
		return e.fail(result, err)
	}
	needed := inventory.Families(records)

	e.setState(ResolvingIP)
	addrs, err := e.resolve(ctx, needed)
	result.Addresses = addrs.list
	if err != nil {
		return e.fail(result, err)
	}

	e.setState(FetchingRemote)
	records, err = e.canonicalZones(ctx, records)
	if err != nil {
		return e.fail(result, err)
	}
	// A zone written once by name and once by ID can only collide here.
	if err := checkUnique(records); err != nil {
		return e.fail(result, err)
	}
	actual, zoneErrs, err := e.fetch(ctx, inventory.Zones(records))
	if err != nil {
		return e.fail(result, err)
	}

	e.setState(Planning)
	changes, err := Plan(records, actual, addrs.byFamily)
	if err != nil {
		return e.fail(result, err)
	}

	outcomes := make([]RecordOutcome, len(changes))
	for i, c := range changes {
		outcomes[i] = RecordOutcome{Change: c}
		if zerr, ok := zoneErrs[c.Record.Key().Zone]; ok {
			outcomes[i] = zoneOutcome(c, zerr)
		}
		e.logChange(outcomes[i])
	}

	if mode == Apply {
		e.setState(Applying)
		e.apply(ctx, outcomes)
	}

	e.setState(Done)
	result.Outcomes = outcomes
	result.Summary = summarize(outcomes)
	result.Status = classify(result.Summary)
	return e.finish(result), nil
}

type resolved struct {
	list     []ipresolve.ResolvedAddress
	byFamily map[ipresolve.Family]ipresolve.ResolvedAddress
}

// resolve looks up every family the inventory needs. Failing families turn
// into per-record skips; the pass fails only when all of them fail.
func (e *Engine) resolve(ctx context.Context, families []ipresolve.Family) (resolved, error) {
	res := resolved{byFamily: make(map[ipresolve.Family]ipresolve.ResolvedAddress, len(families))}

	var failures []error
	for _, family := range families {
		addr, err := e.resolver.Resolve(ctx, family)
		ra := ipresolve.ResolvedAddress{Family: family, Addr: addr, ResolvedAt: e.now(), Err: err}
		if err != nil {
			slog.Warn("Failed to resolve public address", "family", family, "error", err)
			failures = append(failures, err)
		} else {
			slog.Debug("Resolved public address", "family", family, "address", addr)
		}
		res.list = append(res.list, ra)
		res.byFamily[family] = ra
	}

	if len(families) > 0 && len(failures) == len(families) {
		return res, fmt.Errorf("resolve public address: %w", errors.Join(failures...))
	}
	return res, nil
}

// canonicalZones rewrites zone IDs to zone names using the provider's zone
// list. The list is only fetched when some record refers to its zone by ID.
func (e *Engine) canonicalZones(ctx context.Context, records []inventory.ManagedRecord) ([]inventory.ManagedRecord, error) {
	byID := func(r inventory.ManagedRecord) bool { return !inventory.IsZoneName(r.Zone) }
	if !slices.ContainsFunc(records, byID) {
		return records, nil
	}

	zones, err := e.dnsProvider.Zones(ctx)
	if err != nil {
		slog.Error("Failed to get zones from dns provider", "error", err)
		return nil, fmt.Errorf("resolve zone ids: %w", err)
	}
	names := make(map[string]string, len(zones))
	for _, z := range zones {
		names[z.ID] = z.Name
	}

	out := slices.Clone(records)
	for i, r := range out {
		if name, ok := names[r.Zone]; ok && byID(r) {
			slog.Debug("Resolved zone id", "zone_id", r.Zone, "zone", name)
			out[i].Zone = name
		}
	}
	return out, nil
}

// fetch lists the records of every inventory zone. A zone that fails is
// reported per record; the pass fails only when no zone could be read.
func (e *Engine) fetch(ctx context.Context, zones []string) ([]provider.Record, map[string]error, error) {
	zoneErrs := make(map[string]error)
	var actual []provider.Record
	var fatal []error

	for _, zone := range zones {
		records, err := e.dnsProvider.ListRecords(ctx, zone)
		if err != nil {
			slog.Error("Failed to get records from dns provider", "zone", zone, "error", err)
			zoneErrs[zone] = err
			if !errors.Is(err, errs.ErrNotFound) {
				fatal = append(fatal, err)
			}
			continue
		}
		slog.Debug("Got records from dns provider", "zone", zone, "count", len(records))
		actual = append(actual, records...)
	}

	if len(zones) > 0 && len(fatal) == len(zones) {
		return nil, zoneErrs, fmt.Errorf("fetch records: %w", errors.Join(fatal...))
	}
	return actual, zoneErrs, nil
}

func zoneOutcome(c Change, err error) RecordOutcome {
	c.Current = nil
	c.Desired = provider.Desired{}
	if errors.Is(err, errs.ErrNotFound) {
		c.Action = Skip
		c.Reason = reasonZoneMissing
		return RecordOutcome{Change: c}
	}
	return RecordOutcome{Change: c, Err: err}
}

// apply writes every Create and Update. Each write is independent: a failure
// is recorded on its own outcome and never stops the others.
func (e *Engine) apply(ctx context.Context, outcomes []RecordOutcome) {
	var g errgroup.Group
	g.SetLimit(e.concurrency)

	for i := range outcomes {
		o := &outcomes[i]
		if o.Err != nil || (o.Action != Create && o.Action != Update) {
			continue
		}
		g.Go(func() error {
			e.applyOne(ctx, o)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) applyOne(ctx context.Context, o *RecordOutcome) {
	zone := o.Record.Key().Zone
	var err error
	switch o.Action {
	case Create:
		_, err = e.dnsProvider.CreateRecord(ctx, zone, o.Desired)
	case Update:
		_, err = e.dnsProvider.UpdateRecord(ctx, zone, o.Current.ID, o.Desired)
	}

	switch {
	case err == nil:
		o.Applied = true
		slog.Info("Applied record change", "action", o.Action, "zone", zone, "name", o.Desired.Name, "type", o.Desired.Type, "content", o.Desired.Content)
	case errors.Is(err, errs.ErrNotFound):
		slog.Warn("Record vanished before it could be written", "action", o.Action, "zone", zone, "name", o.Desired.Name, "error", err)
		o.Action = Skip
		o.Reason = reasonGone
	default:
		slog.Error("Failed to apply record change", "action", o.Action, "zone", zone, "name", o.Desired.Name, "type", o.Desired.Type, "error", err)
		o.Err = err
	}
}

func (e *Engine) logChange(o RecordOutcome) {
	key := o.Record.Key()
	attrs := []any{"zone", key.Zone, "name", key.Name, "type", key.Type, "action", o.Action}
	switch {
	case o.Err != nil:
		slog.Warn("Record could not be evaluated", append(attrs, "error", o.Err)...)
	case o.Action == Skip:
		slog.Info("Skipping record", append(attrs, "reason", o.Reason)...)
	case o.Action == NoOp:
		slog.Debug("Record up to date", attrs...)
	default:
		from := ""
		if o.Current != nil {
			from = o.Current.Content
		}
		slog.Info("Planned record change", append(attrs, "from", from, "to", o.Desired.Content)...)
	}
}

func (e *Engine) setState(s State) {
	slog.Debug("Reconciliation state", "state", s)
	if e.onState != nil {
		e.onState(s)
	}
}

func (e *Engine) fail(result Result, err error) (Result, error) {
	e.setState(Done)
	result.Status = Failed
	result.Err = err
	slog.Error("Reconciliation pass failed", "mode", result.Mode, "error", err)
	return e.finish(result), err
}

func (e *Engine) finish(result Result) Result {
	result.Finished = e.now()
	for _, o := range result.Outcomes {
		key := o.Record.Key()
		e.metrics.IncRecordAction(o.Action.String(), key.Zone, key.Type)
		if o.Err != nil {
			e.metrics.IncRecordFailure(o.ErrKind(), key.Zone, key.Type)
		}
	}
	e.metrics.IncPass(result.Status.String())
	e.metrics.SetPassDuration(result.Duration())

	if result.Err == nil {
		slog.Info("Reconciliation pass complete",
			"mode", result.Mode,
			"status", result.Status,
			"create", result.Summary.Create,
			"update", result.Summary.Update,
			"noop", result.Summary.NoOp,
			"skip", result.Summary.Skip,
			"failed", result.Summary.Failed,
			"duration", result.Duration())
	}
	return result
}
