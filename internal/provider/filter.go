package provider

import (
	"regexp"

	"github.com/evanofslack/cddns/internal/errs"
)

// Filter narrows listings by zone and record name. An empty include list
// matches everything; ignore patterns win over include patterns.
type Filter struct {
	includeZones   []*regexp.Regexp
	ignoreZones    []*regexp.Regexp
	includeRecords []*regexp.Regexp
	ignoreRecords  []*regexp.Regexp
}

func NewFilter(includeZones, ignoreZones, includeRecords, ignoreRecords []string) (Filter, error) {
	var f Filter
	var err error
	if f.includeZones, err = compile("list.include_zones", includeZones); err != nil {
		return Filter{}, err
	}
	if f.ignoreZones, err = compile("list.ignore_zones", ignoreZones); err != nil {
		return Filter{}, err
	}
	if f.includeRecords, err = compile("list.include_records", includeRecords); err != nil {
		return Filter{}, err
	}
	if f.ignoreRecords, err = compile("list.ignore_records", ignoreRecords); err != nil {
		return Filter{}, err
	}
	return f, nil
}

func compile(key string, patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, errs.Config("filter", "%s: invalid pattern %q: %v", key, p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func (f Filter) Zone(z Zone) bool {
	return admit(f.includeZones, f.ignoreZones, z.Name, z.ID)
}

func (f Filter) Record(r Record) bool {
	return admit(f.includeRecords, f.ignoreRecords, r.Name, r.ID)
}

func admit(include, ignore []*regexp.Regexp, values ...string) bool {
	if anyMatch(ignore, values) {
		return false
	}
	return len(include) == 0 || anyMatch(include, values)
}

func anyMatch(res []*regexp.Regexp, values []string) bool {
	for _, re := range res {
		for _, v := range values {
			if re.MatchString(v) {
				return true
			}
		}
	}
	return false
}
