// Package argutil provides the "strip-nulls" utility mandated by the
// specification's external-interface contract: optional arguments must be
// omitted from backend payloads, never sent as explicit null, since the
// backend's validators treat null as invalid for optional fields.
package argutil

// StripNulls returns a shallow copy of args with every nil-valued entry
// removed. Nested maps are recursively cleaned; nested slices are left
// as-is (a slice element being nil is a value, not an omitted argument).
func StripNulls(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if v == nil {
			continue
		}
		if m, ok := v.(map[string]any); ok {
			cleaned := StripNulls(m)
			if len(cleaned) == 0 {
				continue
			}
			out[k] = cleaned
			continue
		}
		out[k] = v
	}
	return out
}

// OmitEmptyString returns v, or nil if v is "" — for optional string
// arguments that should be omitted rather than sent as "".
func OmitEmptyString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// OmitZeroInt64 returns v, or nil if v is zero — for optional epoch-ms
// timestamp arguments.
func OmitZeroInt64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
