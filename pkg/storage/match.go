package storage

import (
	"sort"
	"strings"
	"time"
)

// Match reports whether doc satisfies every predicate. Backends share this
// evaluator so the two implementations cannot drift.
func Match(doc Document, where []Predicate) bool {
	for _, p := range where {
		if !matchOne(doc, p) {
			return false
		}
	}
	return true
}

func matchOne(doc Document, p Predicate) bool {
	val, ok := doc[p.Field]
	switch p.Op {
	case OpIn:
		if !ok {
			return false
		}
		for _, want := range asList(p.Value) {
			if equalValues(val, want) {
				return true
			}
		}
		return false
	case OpContains:
		s, isStr := val.(string)
		sub, _ := p.Value.(string)
		return isStr && strings.Contains(strings.ToLower(s), strings.ToLower(sub))
	case OpNeq:
		return !ok || !equalValues(val, p.Value)
	case OpWindowAny:
		ts, isStr := val.(string)
		if !isStr {
			return false
		}
		t, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return false
		}
		windows, _ := p.Value.([]Window)
		for _, w := range windows {
			if t.After(w.Start) && t.Before(w.End) {
				return true
			}
		}
		return false
	}
	return false
}

func asList(v any) []any {
	switch l := v.(type) {
	case []any:
		return l
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out
	default:
		return []any{v}
	}
}

// equalValues compares two document values with numeric widening, so an
// int64 written by an ingestion tool still equals the float64 a JSON round
// trip produces.
func equalValues(a, b any) bool {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		return bok && af == bf
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// Sort orders docs by a single field. Missing fields sort first; string and
// numeric fields sort by their natural order.
func Sort(docs []Document, field string, descending bool) {
	sort.SliceStable(docs, func(i, j int) bool {
		c := compareValues(docs[i][field], docs[j][field])
		if descending {
			return c > 0
		}
		return c < 0
	})
}

func compareValues(a, b any) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs)
	}
	return 0
}

// Page applies offset/limit to an already-sorted result set. An offset past
// the end yields an empty slice, never an error.
func Page(docs []Document, offset, limit int) []Document {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(docs) {
		return nil
	}
	docs = docs[offset:]
	if limit > 0 && limit < len(docs) {
		docs = docs[:limit]
	}
	return docs
}

// Project reduces doc to the named fields. An empty field list returns doc
// unchanged.
func Project(doc Document, fields []string) Document {
	if len(fields) == 0 {
		return doc
	}
	out := make(Document, len(fields))
	for _, f := range fields {
		if v, ok := doc[f]; ok {
			out[f] = v
		}
	}
	return out
}
