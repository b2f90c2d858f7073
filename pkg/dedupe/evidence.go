package dedupe

import (
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/OFFIS-RIT/pivot/pkg/common"
	"github.com/OFFIS-RIT/pivot/pkg/normalize"
	"github.com/OFFIS-RIT/pivot/pkg/rules"
)

type valueSet map[string]struct{}

func (v valueSet) add(s string) {
	if s != "" {
		v[s] = struct{}{}
	}
}

func (v valueSet) intersects(o valueSet) bool {
	for k := range v {
		if _, ok := o[k]; ok {
			return true
		}
	}
	return false
}

func (v valueSet) sorted() []string {
	out := make([]string, 0, len(v))
	for k := range v {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// span is the interval a possibly partial date can denote.
type span struct {
	from, to time.Time
}

func (s span) overlaps(o span) bool {
	return !s.to.Before(o.from) && !o.to.Before(s.from)
}

// evidence is what one node says about its identity.
type evidence struct {
	hard   map[string]valueSet
	unique map[string]valueSet
	soft   map[string]valueSet
	dates  map[string][]span
	labels map[string]string

	start time.Time
	end   time.Time
}

func newEvidence() *evidence {
	return &evidence{
		hard:   make(map[string]valueSet),
		unique: make(map[string]valueSet),
		soft:   make(map[string]valueSet),
		dates:  make(map[string][]span),
		labels: make(map[string]string),
	}
}

func addTo(m map[string]valueSet, key, value string) {
	set, ok := m[key]
	if !ok {
		set = make(valueSet)
		m[key] = set
	}
	set.add(value)
}

// collectEvidence reads identity evidence from a node's properties and from
// edges produced by evidence codes. Edge evidence compares target ids, which
// are canonical by construction.
func collectEvidence(t *rules.Tables, n common.Node) *evidence {
	ev := newEvidence()

	record := func(code rules.FieldCode, value string) {
		if code.Hard != "" {
			addTo(ev.hard, code.Hard, value)
		}
		if code.Unique {
			addTo(ev.unique, code.Code, value)
		}
		if code.Soft {
			addTo(ev.soft, code.Code, value)
		}
	}

	keys := make([]string, 0, len(n.Properties))
	for k := range n.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		code, ok := t.Code(key)
		if !ok || !code.IsEvidence() {
			continue
		}
		for _, raw := range n.Properties[key] {
			value := normalize.Normalize(raw)
			record(code, value)
			if code.Range == "" {
				continue
			}
			from, to, ok := parseDate(raw)
			if !ok {
				continue
			}
			ev.dates[code.Code] = append(ev.dates[code.Code], span{from: from, to: to})
			switch code.Range {
			case rules.RangeStart:
				if ev.start.IsZero() || from.Before(ev.start) {
					ev.start = from
				}
			case rules.RangeEnd:
				if to.After(ev.end) {
					ev.end = to
				}
			}
		}
	}

	for _, e := range n.Edges {
		code, ok := t.Code(e.Code)
		if !ok || !code.IsEvidence() || code.Relation != e.Relation {
			continue
		}
		record(code, e.TargetID)
		ev.labels[e.TargetID] = e.TargetLabel
	}
	return ev
}

var dateLayouts = []struct {
	layout string
	span   func(time.Time) time.Time
}{
	{"2006-01-02", func(t time.Time) time.Time { return t.AddDate(0, 0, 1).Add(-time.Nanosecond) }},
	{"2006-01", func(t time.Time) time.Time { return t.AddDate(0, 1, 0).Add(-time.Nanosecond) }},
	{"2006", func(t time.Time) time.Time { return t.AddDate(1, 0, 0).Add(-time.Nanosecond) }},
}

// parseDate returns the first and last instant a possibly partial date can
// denote, so "1990" spans the whole year.
func parseDate(raw string) (time.Time, time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if len(raw) > 10 {
		raw = raw[:10]
	}
	for _, l := range dateLayouts {
		if t, err := time.Parse(l.layout, raw); err == nil {
			return t, l.span(t), true
		}
	}
	return time.Time{}, time.Time{}, false
}

// sharedHard returns the hard identifier kinds both nodes carry a common
// value for.
func sharedHard(a, b *evidence) []string {
	var out []string
	for kind, values := range a.hard {
		if other, ok := b.hard[kind]; ok && values.intersects(other) {
			out = append(out, kind)
		}
	}
	sort.Strings(out)
	return out
}

// contradictions lists impossible combinations: a unique code with
// disjoint values on both sides, a date code whose spans never overlap, or
// lifespans that cannot overlap. A partial date is a span, so "1980-05"
// agrees with "1980-05-14".
func contradictions(a, b *evidence) []string {
	var out []string
	for code, values := range a.unique {
		other, ok := b.unique[code]
		if !ok || len(values) == 0 || len(other) == 0 {
			continue
		}
		if !values.intersects(other) {
			out = append(out, code)
		}
	}
	for code, spans := range a.dates {
		other, ok := b.dates[code]
		if !ok || len(spans) == 0 || len(other) == 0 {
			continue
		}
		if !spansOverlap(spans, other) && !slices.Contains(out, code) {
			out = append(out, code)
		}
	}
	sort.Strings(out)
	if disjointLifespans(a, b) {
		out = append(out, "disjoint_lifespan")
	}
	return out
}

func spansOverlap(a, b []span) bool {
	for _, x := range a {
		for _, y := range b {
			if x.overlaps(y) {
				return true
			}
		}
	}
	return false
}

func disjointLifespans(a, b *evidence) bool {
	if !a.end.IsZero() && !b.start.IsZero() && a.end.Before(b.start) {
		return true
	}
	if !b.end.IsZero() && !a.start.IsZero() && b.end.Before(a.start) {
		return true
	}
	return false
}

// softRatio is the share of soft codes present on both nodes that agree.
func softRatio(a, b *evidence) (float64, int) {
	compared, matched := 0, 0
	for code, values := range a.soft {
		other, ok := b.soft[code]
		if !ok || len(values) == 0 || len(other) == 0 {
			continue
		}
		compared++
		if values.intersects(other) {
			matched++
		}
	}
	if compared == 0 {
		return 0, 0
	}
	return float64(matched) / float64(compared), compared
}

// summary flattens evidence for cluster reports.
func (ev *evidence) summary() []string {
	var out []string
	for _, kind := range sortedKeys(ev.hard) {
		for _, v := range ev.hard[kind].sorted() {
			out = append(out, "hard:"+kind+"="+ev.display(v))
		}
	}
	for _, code := range sortedKeys(ev.unique) {
		for _, v := range ev.unique[code].sorted() {
			out = append(out, "unique:"+code+"="+ev.display(v))
		}
	}
	for _, code := range sortedKeys(ev.soft) {
		for _, v := range ev.soft[code].sorted() {
			out = append(out, "soft:"+code+"="+ev.display(v))
		}
	}
	return slices.Compact(out)
}

func (ev *evidence) display(v string) string {
	if l, ok := ev.labels[v]; ok && l != "" {
		return l
	}
	return v
}

func sortedKeys(m map[string]valueSet) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
