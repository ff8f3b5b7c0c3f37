package resolve

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/dopejs/keepsync/internal/syncerr"
)

// FieldLastModified is the engine-maintained freshness field on every domain.
const FieldLastModified = "lastModified"

// Element timestamp fields, in order of preference.
var elementStampFields = []string{"lastModified", "createdAt", "date"}

// Blob is one decoded domain.
type Blob = map[string]any

// Decode parses raw JSON into a Blob. Empty input and JSON null decode to a
// nil Blob. Anything that is not a JSON object is an integrity error.
func Decode(raw []byte) (Blob, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, syncerr.Integrity(errors.Wrap(err, "decode domain"))
	}
	if v == nil {
		return nil, nil
	}
	b, ok := v.(map[string]any)
	if !ok {
		return nil, syncerr.Integrity(errors.Newf("domain is %T, want object", v))
	}
	return b, nil
}

// Encode marshals a Blob. A nil Blob encodes to nil.
func Encode(b Blob) ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	return json.Marshal(b)
}

// Stamp returns a copy of b with lastModified set to t.
func Stamp(b Blob, t time.Time) Blob {
	out := Clone(b)
	if out == nil {
		out = Blob{}
	}
	out[FieldLastModified] = t.UTC().Format(time.RFC3339Nano)
	return out
}

// LastModified returns the parsed lastModified of b, if any.
func LastModified(b Blob) (time.Time, bool) {
	if b == nil {
		return time.Time{}, false
	}
	return parseStamp(b[FieldLastModified])
}

// Freshness is lastModified when present; otherwise the newest element
// timestamp found in any collection of b. The zero time means unknown.
func Freshness(b Blob) time.Time {
	if t, ok := LastModified(b); ok {
		return t
	}
	var newest time.Time
	for _, v := range b {
		arr, ok := v.([]any)
		if !ok {
			continue
		}
		for _, el := range arr {
			m, ok := el.(map[string]any)
			if !ok {
				continue
			}
			if t, ok := elementStamp(m); ok && t.After(newest) {
				newest = t
			}
		}
	}
	return newest
}

func elementStamp(m map[string]any) (time.Time, bool) {
	for _, f := range elementStampFields {
		if t, ok := parseStamp(m[f]); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// parseStamp accepts RFC 3339 strings, plain dates, and epoch milliseconds.
func parseStamp(v any) (time.Time, bool) {
	switch x := v.(type) {
	case string:
		if x == "" {
			return time.Time{}, false
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, x); err == nil {
				return t, true
			}
		}
		if ms, err := strconv.ParseInt(x, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), true
		}
	case float64:
		if x > 0 && !math.IsInf(x, 0) {
			return time.UnixMilli(int64(x)).UTC(), true
		}
	case int64:
		if x > 0 {
			return time.UnixMilli(x).UTC(), true
		}
	case int:
		if x > 0 {
			return time.UnixMilli(int64(x)).UTC(), true
		}
	}
	return time.Time{}, false
}

// Clone deep-copies b.
func Clone(b Blob) Blob {
	if b == nil {
		return nil
	}
	return cloneValue(b).(map[string]any)
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Equal reports structural equality of two decoded JSON values. Numbers are
// compared by value regardless of their Go type.
func Equal(a, b any) bool {
	switch x := a.(type) {
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, xv := range x {
			yv, ok := y[k]
			if !ok || !Equal(xv, yv) {
				return false
			}
		}
		return true
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !Equal(x[i], y[i]) {
				return false
			}
		}
		return true
	}
	if xf, ok := toFloat(a); ok {
		yf, ok := toFloat(b)
		return ok && xf == yf
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}
