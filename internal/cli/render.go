package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/evanofslack/cddns/internal/inventory"
	"github.com/evanofslack/cddns/internal/provider"
	"github.com/evanofslack/cddns/internal/reconcile"
)

func newTable(w io.Writer, header ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	return tw
}

func row(tw *tabwriter.Writer, cells ...string) {
	fmt.Fprintln(tw, strings.Join(cells, "\t"))
}

func ttl(v int) string {
	switch v {
	case 0:
		return "-"
	case 1:
		return "auto"
	}
	return strconv.Itoa(v)
}

func proxied(p *bool) string {
	if p == nil {
		return "-"
	}
	return strconv.FormatBool(*p)
}

func renderResult(w io.Writer, r reconcile.Result) {
	if len(r.Outcomes) > 0 {
		tw := newTable(w, "ZONE", "NAME", "TYPE", "ACTION", "CURRENT", "DESIRED", "RESULT")
		for _, o := range r.Outcomes {
			key := o.Record.Key()
			current := "-"
			if o.Current != nil {
				current = o.Current.Content
			}
			desired := o.Desired.Content
			if desired == "" {
				desired = "-"
			}
			row(tw, key.Zone, key.Name, key.Type, o.Action.String(), current, desired, outcomeText(r.Mode, o))
		}
		tw.Flush()
		fmt.Fprintln(w)
	}

	for _, a := range r.Addresses {
		if a.OK() {
			fmt.Fprintf(w, "%s address: %s\n", a.Family, a.Addr)
		} else {
			fmt.Fprintf(w, "%s address: unresolved (%v)\n", a.Family, a.Err)
		}
	}
	fmt.Fprintln(w, summaryLine(r))
}

func outcomeText(mode reconcile.Mode, o reconcile.RecordOutcome) string {
	switch {
	case o.Err != nil:
		return "failed: " + o.Err.Error()
	case o.Action == reconcile.Skip:
		return "skipped: " + o.Reason
	case o.Action == reconcile.NoOp:
		return "up to date"
	case mode == reconcile.Check:
		return "planned"
	case o.Applied:
		return "ok"
	}
	return "-"
}

func summaryLine(r reconcile.Result) string {
	if r.Err != nil {
		return fmt.Sprintf("pass %s: %v", r.Status, r.Err)
	}
	s := r.Summary
	verb := "applied"
	if r.Mode == reconcile.Check {
		verb = "planned"
	}
	return fmt.Sprintf("pass %s (%s): %d create, %d update, %d up to date, %d skipped, %d failed in %s",
		r.Status, verb, s.Create, s.Update, s.NoOp, s.Skip, s.Failed, r.Duration().Round(time.Millisecond))
}

// renderPass prints one line per watch pass plus any record that changed or
// failed.
func renderPass(w io.Writer, r reconcile.Result) {
	fmt.Fprintf(w, "%s %s\n", r.Finished.Format(time.RFC3339), summaryLine(r))
	for _, o := range r.Outcomes {
		if o.Err == nil && !o.Applied {
			continue
		}
		key := o.Record.Key()
		fmt.Fprintf(w, "  %s %s %s: %s\n", o.Action, key.Type, key.Name, outcomeText(r.Mode, o))
	}
}

func renderManaged(w io.Writer, records []inventory.ManagedRecord, remote map[inventory.Key][]provider.Record, zoneErrs map[string]error) {
	tw := newTable(w, "ZONE", "NAME", "TYPE", "CONTENT", "PROXIED", "TTL", "ID")
	for _, m := range records {
		key := m.Key()
		if err, ok := zoneErrs[key.Zone]; ok {
			row(tw, key.Zone, key.Name, key.Type, "error: "+err.Error(), "-", "-", "-")
			continue
		}
		matches := remote[key]
		if len(matches) == 0 {
			row(tw, key.Zone, key.Name, key.Type, "(missing)", "-", "-", "-")
			continue
		}
		for _, r := range matches {
			row(tw, key.Zone, key.Name, key.Type, r.Content, strconv.FormatBool(r.Proxied), ttl(r.TTL), r.ID)
		}
	}
	tw.Flush()
}

func renderRecords(w io.Writer, records []provider.Record) {
	tw := newTable(w, "ZONE", "NAME", "TYPE", "CONTENT", "PROXIED", "TTL", "ID")
	for _, r := range records {
		zone := r.ZoneName
		if zone == "" {
			zone = r.Zone
		}
		row(tw, zone, r.Name, r.Type, r.Content, strconv.FormatBool(r.Proxied), ttl(r.TTL), r.ID)
	}
	tw.Flush()
}

func renderInventory(w io.Writer, records []inventory.ManagedRecord) {
	tw := newTable(w, "ZONE", "NAME", "TYPE", "PROXIED", "TTL", "ID")
	for _, m := range records {
		key := m.Key()
		id := m.ID
		if id == "" {
			id = "-"
		}
		row(tw, key.Zone, key.Name, key.Type, proxied(m.Proxied), ttl(m.TTL), id)
	}
	tw.Flush()
}
