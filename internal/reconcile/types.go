package reconcile

import (
	"errors"
	"time"

	"github.com/evanofslack/cddns/internal/errs"
	"github.com/evanofslack/cddns/internal/inventory"
	"github.com/evanofslack/cddns/internal/ipresolve"
	"github.com/evanofslack/cddns/internal/provider"
)

type Action int

const (
	NoOp Action = iota
	Create
	Update
	Skip
)

func (a Action) String() string {
	switch a {
	case Create:
		return "create"
	case Update:
		return "update"
	case Skip:
		return "skip"
	default:
		return "noop"
	}
}

// Mode selects whether a pass writes to the provider.
type Mode int

const (
	Check Mode = iota
	Apply
)

func (m Mode) String() string {
	if m == Apply {
		return "apply"
	}
	return "check"
}

// State is a step of a pass. A pass moves through them in order and never
// revisits one.
type State int

const (
	ResolvingIP State = iota
	FetchingRemote
	Planning
	Applying
	Done
)

func (s State) String() string {
	switch s {
	case ResolvingIP:
		return "resolving_ip"
	case FetchingRemote:
		return "fetching_remote"
	case Planning:
		return "planning"
	case Applying:
		return "applying"
	default:
		return "done"
	}
}

// Change is the planner's decision for one managed record.
type Change struct {
	Record inventory.ManagedRecord
	Action Action
	Reason string // set for Skip

	// Current is the matching provider record, nil when there is none.
	Current *provider.Record
	// Desired is the value written by Create or Update.
	Desired provider.Desired
}

// RecordOutcome is the result for one managed record in a pass.
type RecordOutcome struct {
	Change
	Applied bool // the write was performed and accepted
	Err     error
}

func (o RecordOutcome) Failed() bool {
	return o.Err != nil
}

// ErrKind is the classified failure kind, empty when the record did not fail.
func (o RecordOutcome) ErrKind() string {
	if o.Err == nil {
		return ""
	}
	return errs.KindOf(o.Err).String()
}

type Status int

const (
	Successful Status = iota
	Partial
	Failed
)

func (s Status) String() string {
	switch s {
	case Partial:
		return "partial"
	case Failed:
		return "failed"
	default:
		return "successful"
	}
}

// Summary counts outcomes by action. In check mode the counts are planned
// actions.
type Summary struct {
	Total  int
	Create int
	Update int
	NoOp   int
	Skip   int
	Failed int
}

// Result is everything one pass produced. It is handed to the caller and
// not retained.
type Result struct {
	Mode      Mode
	Status    Status
	Outcomes  []RecordOutcome // inventory declaration order
	Summary   Summary
	Addresses []ipresolve.ResolvedAddress
	// Err is set when the pass could not evaluate records at all.
	Err      error
	Started  time.Time
	Finished time.Time
}

func (r Result) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Changes returns the outcomes that plan or performed a write.
func (r Result) Changes() []RecordOutcome {
	var changes []RecordOutcome
	for _, o := range r.Outcomes {
		if o.Action == Create || o.Action == Update {
			changes = append(changes, o)
		}
	}
	return changes
}

// RateLimited reports whether the provider throttled any request of the pass
// and the longest delay it asked for.
func (r Result) RateLimited() (bool, time.Duration) {
	limited := false
	var wait time.Duration
	check := func(err error) {
		if err == nil || !errors.Is(err, errs.ErrRateLimit) {
			return
		}
		limited = true
		if d, ok := errs.RetryAfter(err); ok && d > wait {
			wait = d
		}
	}
	check(r.Err)
	for _, o := range r.Outcomes {
		check(o.Err)
	}
	return limited, wait
}

func summarize(outcomes []RecordOutcome) Summary {
	s := Summary{Total: len(outcomes)}
	for _, o := range outcomes {
		if o.Failed() {
			s.Failed++
			continue
		}
		switch o.Action {
		case Create:
			s.Create++
		case Update:
			s.Update++
		case NoOp:
			s.NoOp++
		case Skip:
			s.Skip++
		}
	}
	return s
}

func classify(s Summary) Status {
	switch {
	case s.Failed == 0:
		return Successful
	case s.Failed < s.Total:
		return Partial
	default:
		return Failed
	}
}
