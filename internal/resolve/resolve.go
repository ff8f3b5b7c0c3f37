// Package resolve holds the pure conflict-resolution rules: default-data
// detection, per-domain smart merge, and id-keyed collection merge.
package resolve

import (
	"fmt"
	"strconv"
)

// Decision names the branch SmartMerge took.
type Decision string

const (
	DecisionBothMissing     Decision = "both_missing"
	DecisionLocalMissing    Decision = "local_missing"
	DecisionRemoteMissing   Decision = "remote_missing"
	DecisionRemoteReal      Decision = "remote_real_local_default"
	DecisionLocalReal       Decision = "local_real_remote_default"
	DecisionRemoteNewer     Decision = "remote_newer"
	DecisionLocalNewer      Decision = "local_newer"
	DecisionIdentical       Decision = "identical"
	DecisionCollectionMerge Decision = "collection_merge"
)

// IsDefaultData reports whether blob still has the freshly-initialized shape
// of domain. A single non-empty collection, a counter above its initial
// value, or a non-template string makes it real data.
func IsDefaultData(blob Blob, domain string) bool {
	if len(blob) == 0 {
		return true
	}
	tmpl := lookupTemplate(domain)
	for k, v := range blob {
		if k == FieldLastModified {
			continue
		}
		var tv any
		if tmpl != nil {
			tv = tmpl[k]
		}
		if !isDefaultValue(v, tv) {
			return false
		}
	}
	return true
}

func isDefaultValue(v, tmpl any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case []any:
		return len(x) == 0
	case map[string]any:
		if len(x) == 0 {
			return true
		}
		sub, _ := tmpl.(map[string]any)
		for k, e := range x {
			if !isDefaultValue(e, sub[k]) {
				return false
			}
		}
		return true
	case string:
		ts, _ := tmpl.(string)
		return x == "" || x == ts
	case bool:
		tb, _ := tmpl.(bool)
		return x == tb
	}
	if f, ok := toFloat(v); ok {
		limit, _ := toFloat(tmpl)
		return f <= limit
	}
	return false
}

// SmartMerge picks or builds the blob that should be held for domain given
// both sides. It never mutates its inputs.
func SmartMerge(local, remote Blob, domain string) Blob {
	merged, _ := SmartMergeExplain(local, remote, domain)
	return merged
}

// SmartMergeExplain is SmartMerge plus the branch that decided the result.
func SmartMergeExplain(local, remote Blob, domain string) (Blob, Decision) {
	switch {
	case local == nil && remote == nil:
		return nil, DecisionBothMissing
	case local == nil:
		return Clone(remote), DecisionLocalMissing
	case remote == nil:
		return Clone(local), DecisionRemoteMissing
	}

	localDefault := IsDefaultData(local, domain)
	remoteDefault := IsDefaultData(remote, domain)
	if !remoteDefault && localDefault {
		return Clone(remote), DecisionRemoteReal
	}
	if !localDefault && remoteDefault {
		return Clone(local), DecisionLocalReal
	}

	lf, rf := Freshness(local), Freshness(remote)
	switch {
	case rf.After(lf):
		return Clone(remote), DecisionRemoteNewer
	case lf.After(rf):
		return Clone(local), DecisionLocalNewer
	case Equal(local, remote):
		return Clone(local), DecisionIdentical
	}
	return mergeFields(local, remote), DecisionCollectionMerge
}

// mergeFields combines two blobs of equal freshness. Arrays are unioned
// (by id where elements carry one, by value otherwise), nested objects are
// merged field by field, fields only present remotely are copied in, and
// every other field keeps the local value.
func mergeFields(local, remote Blob) Blob {
	return mergeObjects(local, remote)
}

func mergeObjects(local, remote map[string]any) map[string]any {
	out := make(map[string]any, len(local)+len(remote))
	for k, lv := range local {
		out[k] = cloneValue(lv)
	}
	for k, rv := range remote {
		lv, ok := local[k]
		if !ok {
			out[k] = cloneValue(rv)
			continue
		}
		out[k] = mergeValue(lv, rv)
	}
	return out
}

func mergeValue(lv, rv any) any {
	switch l := lv.(type) {
	case []any:
		if r, ok := rv.([]any); ok {
			return MergeCollectionsByID(l, r)
		}
	case map[string]any:
		if r, ok := rv.(map[string]any); ok {
			return mergeObjects(l, r)
		}
	}
	return cloneValue(lv)
}

// MergeCollectionsByID unions two collections by element id. Local order is
// preserved, remote-only ids follow in remote order. For an id on both sides
// the element with the later lastModified/createdAt/date wins.
//
// Tie and missing-timestamp policy:
//   - both stamped and equal: remote wins
//   - only one side stamped: the stamped side wins
//   - neither stamped: remote wins
//
// Elements without an id are kept from local; remote ones are appended
// unless an equal element is already present.
func MergeCollectionsByID(local, remote []any) []any {
	out := make([]any, 0, len(local)+len(remote))
	pos := make(map[string]int, len(local)+len(remote))
	var anon []any

	add := func(el any, incoming bool) {
		id, ok := idOf(el)
		if !ok {
			if incoming {
				for _, a := range anon {
					if Equal(a, el) {
						return
					}
				}
			}
			anon = append(anon, el)
			out = append(out, cloneValue(el))
			return
		}
		i, seen := pos[id]
		if !seen {
			pos[id] = len(out)
			out = append(out, cloneValue(el))
			return
		}
		out[i] = cloneValue(pickElement(out[i], el))
	}

	for _, el := range local {
		add(el, false)
	}
	for _, el := range remote {
		add(el, true)
	}
	return out
}

// pickElement chooses between two elements sharing an id. b is the later
// arrival (remote, or a duplicate further down the same input).
func pickElement(a, b any) any {
	am, _ := a.(map[string]any)
	bm, _ := b.(map[string]any)
	at, aok := elementStamp(am)
	bt, bok := elementStamp(bm)
	switch {
	case aok && bok:
		if at.After(bt) {
			return a
		}
		return b
	case aok:
		return a
	default:
		return b
	}
}

func idOf(el any) (string, bool) {
	m, ok := el.(map[string]any)
	if !ok {
		return "", false
	}
	switch id := m["id"].(type) {
	case nil:
		return "", false
	case string:
		if id == "" {
			return "", false
		}
		return "s:" + id, true
	case float64:
		return "n:" + strconv.FormatFloat(id, 'f', -1, 64), true
	default:
		if f, ok := toFloat(id); ok {
			return "n:" + strconv.FormatFloat(f, 'f', -1, 64), true
		}
		return "v:" + fmt.Sprint(id), true
	}
}
