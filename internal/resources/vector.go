// Package resources implements a typed resource vector algebra: a mapping
// from resource name to a scalar, a set of disjoint integer ranges, or a
// set of strings, with saturating arithmetic and the containment/
// intersection operations the allocator and registry need.
//
// Scalar arithmetic is delegated to k8s.io/apimachinery's resource.Quantity,
// which already implements exact, non-negative-rational semantics without
// the precision loss of a plain float64.
package resources

import (
	"fmt"
	"sort"
	"strings"

	"k8s.io/apimachinery/pkg/api/resource"
)

// Kind distinguishes the three value shapes a resource name can take.
type Kind int

const (
	KindScalar Kind = iota
	KindRanges
	KindSet
)

// Interval is an inclusive [Begin, End] integer range.
type Interval struct {
	Begin int64
	End   int64
}

func (iv Interval) size() int64 { return iv.End - iv.Begin + 1 }

// Value is the value held for one resource name: exactly one of Scalar,
// Ranges, or Set is meaningful, selected by Kind.
type Value struct {
	Kind   Kind
	Scalar resource.Quantity
	Ranges []Interval
	Set    map[string]struct{}
}

// NewScalar builds a scalar value from a decimal string (e.g. "4", "0.5").
func NewScalar(qty string) Value {
	q := resource.MustParse(qty)
	return Value{Kind: KindScalar, Scalar: q}
}

// NewScalarQuantity builds a scalar value from an existing Quantity.
func NewScalarQuantity(q resource.Quantity) Value {
	return Value{Kind: KindScalar, Scalar: q}
}

// NewRanges builds a ranges value, merging and sorting overlapping/adjacent
// intervals so the set of disjoint intervals is canonical.
func NewRanges(ivs ...Interval) Value {
	return Value{Kind: KindRanges, Ranges: normalizeRanges(ivs)}
}

// NewSet builds a set-of-strings value.
func NewSet(items ...string) Value {
	s := make(map[string]struct{}, len(items))
	for _, it := range items {
		s[it] = struct{}{}
	}
	return Value{Kind: KindSet, Set: s}
}

func normalizeRanges(ivs []Interval) []Interval {
	if len(ivs) == 0 {
		return nil
	}
	sorted := append([]Interval(nil), ivs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Begin < sorted[j].Begin })

	merged := []Interval{sorted[0]}
	for _, iv := range sorted[1:] {
		last := &merged[len(merged)-1]
		if iv.Begin <= last.End+1 {
			if iv.End > last.End {
				last.End = iv.End
			}
			continue
		}
		merged = append(merged, iv)
	}
	return merged
}

// Vector is a resource vector: resource name -> typed Value.
type Vector map[string]Value

// New builds an empty vector.
func New() Vector { return make(Vector) }

// Get returns the value for a resource name, or a zero scalar if absent.
func (v Vector) Get(name string) Value {
	if val, ok := v[name]; ok {
		return val
	}
	return Value{Kind: KindScalar, Scalar: resource.Quantity{}}
}

// Clone deep-copies the vector.
func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	for name, val := range v {
		out[name] = val.clone()
	}
	return out
}

func (val Value) clone() Value {
	switch val.Kind {
	case KindScalar:
		return Value{Kind: KindScalar, Scalar: val.Scalar.DeepCopy()}
	case KindRanges:
		r := append([]Interval(nil), val.Ranges...)
		return Value{Kind: KindRanges, Ranges: r}
	case KindSet:
		s := make(map[string]struct{}, len(val.Set))
		for k := range val.Set {
			s[k] = struct{}{}
		}
		return Value{Kind: KindSet, Set: s}
	}
	return val
}

// Add returns v + other, component-wise, per the value kind. Mismatched
// kinds for the same resource name panic: that is a programming error, not
// a runtime condition callers should need to handle, since one resource
// name never mixes kinds within a cluster.
func (v Vector) Add(other Vector) Vector {
	out := v.Clone()
	for name, ov := range other {
		cur, ok := out[name]
		if !ok {
			out[name] = ov.clone()
			continue
		}
		out[name] = addValue(cur, ov)
	}
	return out
}

// Sub returns v - other, saturating at zero component-wise.
func (v Vector) Sub(other Vector) Vector {
	out := v.Clone()
	for name, ov := range other {
		cur, ok := out[name]
		if !ok {
			continue
		}
		out[name] = subValue(cur, ov)
	}
	return out
}

func addValue(a, b Value) Value {
	mustMatch(a, b)
	switch a.Kind {
	case KindScalar:
		q := a.Scalar.DeepCopy()
		q.Add(b.Scalar)
		return Value{Kind: KindScalar, Scalar: q}
	case KindRanges:
		return Value{Kind: KindRanges, Ranges: normalizeRanges(append(append([]Interval(nil), a.Ranges...), b.Ranges...))}
	case KindSet:
		s := make(map[string]struct{}, len(a.Set)+len(b.Set))
		for k := range a.Set {
			s[k] = struct{}{}
		}
		for k := range b.Set {
			s[k] = struct{}{}
		}
		return Value{Kind: KindSet, Set: s}
	}
	return a
}

func subValue(a, b Value) Value {
	mustMatch(a, b)
	switch a.Kind {
	case KindScalar:
		q := a.Scalar.DeepCopy()
		q.Sub(b.Scalar)
		if q.Sign() < 0 {
			q = resource.Quantity{}
		}
		return Value{Kind: KindScalar, Scalar: q}
	case KindRanges:
		return Value{Kind: KindRanges, Ranges: subtractRanges(a.Ranges, b.Ranges)}
	case KindSet:
		s := make(map[string]struct{}, len(a.Set))
		for k := range a.Set {
			if _, removed := b.Set[k]; !removed {
				s[k] = struct{}{}
			}
		}
		return Value{Kind: KindSet, Set: s}
	}
	return a
}

func subtractRanges(a, b []Interval) []Interval {
	var out []Interval
	for _, iv := range a {
		pieces := []Interval{iv}
		for _, sub := range b {
			var next []Interval
			for _, p := range pieces {
				next = append(next, cutInterval(p, sub)...)
			}
			pieces = next
		}
		out = append(out, pieces...)
	}
	return normalizeRanges(out)
}

func cutInterval(p, sub Interval) []Interval {
	if sub.End < p.Begin || sub.Begin > p.End {
		return []Interval{p}
	}
	var out []Interval
	if sub.Begin > p.Begin {
		out = append(out, Interval{p.Begin, sub.Begin - 1})
	}
	if sub.End < p.End {
		out = append(out, Interval{sub.End + 1, p.End})
	}
	return out
}

func mustMatch(a, b Value) {
	if a.Kind != b.Kind {
		panic(fmt.Sprintf("resources: mismatched kinds %v vs %v for same resource name", a.Kind, b.Kind))
	}
}

// Contains reports whether v has at least as much of every resource in
// other (scalar: v >= other; ranges: every sub-interval of other fits in a
// disjoint interval of v; set: other is a subset of v).
func (v Vector) Contains(other Vector) bool {
	for name, ov := range other {
		cv, ok := v[name]
		if !ok {
			if !ov.isEmpty() {
				return false
			}
			continue
		}
		if !valueContains(cv, ov) {
			return false
		}
	}
	return true
}

func valueContains(v, other Value) bool {
	mustMatch(v, other)
	switch v.Kind {
	case KindScalar:
		return v.Scalar.Cmp(other.Scalar) >= 0
	case KindRanges:
		for _, want := range other.Ranges {
			if !rangesContainInterval(v.Ranges, want) {
				return false
			}
		}
		return true
	case KindSet:
		for k := range other.Set {
			if _, ok := v.Set[k]; !ok {
				return false
			}
		}
		return true
	}
	return false
}

func rangesContainInterval(haystack []Interval, want Interval) bool {
	for _, iv := range haystack {
		if iv.Begin <= want.Begin && want.End <= iv.End {
			return true
		}
	}
	return false
}

// Intersect returns the component-wise intersection of v and other.
func (v Vector) Intersect(other Vector) Vector {
	out := New()
	for name, cv := range v {
		ov, ok := other[name]
		if !ok {
			continue
		}
		out[name] = intersectValue(cv, ov)
	}
	return out
}

func intersectValue(a, b Value) Value {
	mustMatch(a, b)
	switch a.Kind {
	case KindScalar:
		if a.Scalar.Cmp(b.Scalar) <= 0 {
			return Value{Kind: KindScalar, Scalar: a.Scalar.DeepCopy()}
		}
		return Value{Kind: KindScalar, Scalar: b.Scalar.DeepCopy()}
	case KindRanges:
		var out []Interval
		for _, x := range a.Ranges {
			for _, y := range b.Ranges {
				begin, end := max64(x.Begin, y.Begin), min64(x.End, y.End)
				if begin <= end {
					out = append(out, Interval{begin, end})
				}
			}
		}
		return Value{Kind: KindRanges, Ranges: normalizeRanges(out)}
	case KindSet:
		s := make(map[string]struct{})
		for k := range a.Set {
			if _, ok := b.Set[k]; ok {
				s[k] = struct{}{}
			}
		}
		return Value{Kind: KindSet, Set: s}
	}
	return a
}

// IsEmpty reports whether every value in the vector is empty.
func (v Vector) IsEmpty() bool {
	for _, val := range v {
		if !val.isEmpty() {
			return false
		}
	}
	return true
}

func (val Value) isEmpty() bool {
	switch val.Kind {
	case KindScalar:
		return val.Scalar.Sign() <= 0
	case KindRanges:
		return len(val.Ranges) == 0
	case KindSet:
		return len(val.Set) == 0
	}
	return true
}

// MeetsMinimum reports whether v has at least `min` of the named scalar
// resource. Used by the allocator's minimum-offer threshold.
func (v Vector) MeetsMinimum(name string, min resource.Quantity) bool {
	val := v.Get(name)
	if val.Kind != KindScalar {
		return false
	}
	return val.Scalar.Cmp(min) >= 0
}

// DominantShare returns the largest ratio used(r)/total(r) over the scalar
// resources r in total (the "dominant share" used by DRF scoring). Non-scalar
// resources do not participate in dominant-share accounting.
func (v Vector) DominantShare(total Vector) float64 {
	var dominant float64
	for name, tv := range total {
		if tv.Kind != KindScalar || tv.Scalar.Sign() <= 0 {
			continue
		}
		uv := v.Get(name)
		if uv.Kind != KindScalar {
			continue
		}
		share := uv.Scalar.AsApproximateFloat64() / tv.Scalar.AsApproximateFloat64()
		if share > dominant {
			dominant = share
		}
	}
	return dominant
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// String renders the vector for logs in a compact, comma-joined debug
// format, e.g. "cpus: 4, mem: 2Gi".
func (v Vector) String() string {
	var sb strings.Builder
	first := true
	for name, val := range v {
		if !first {
			sb.WriteString(", ")
		}
		first = false
		switch val.Kind {
		case KindScalar:
			fmt.Fprintf(&sb, "%s: %s", name, val.Scalar.String())
		case KindRanges:
			fmt.Fprintf(&sb, "%s: %v", name, val.Ranges)
		case KindSet:
			keys := make([]string, 0, len(val.Set))
			for k := range val.Set {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			fmt.Fprintf(&sb, "%s: %v", name, keys)
		}
	}
	return sb.String()
}
