package store

import "encoding/json"

// Merge combines two decoded JSON values, right wins. Objects merge
// recursively, arrays are replaced wholesale, scalars replace. This is
// the single merge rule for the whole store; updates and defaults both
// go through it.
func Merge(left, right any) any {
	if right == nil {
		return left
	}
	lm, lok := left.(map[string]any)
	rm, rok := right.(map[string]any)
	if !lok || !rok {
		return right
	}
	out := make(map[string]any, len(lm)+len(rm))
	for k, v := range lm {
		out[k] = v
	}
	for k, v := range rm {
		if existing, ok := out[k]; ok {
			out[k] = Merge(existing, v)
		} else {
			out[k] = v
		}
	}
	return out
}

// DeepCopy clones a decoded JSON value through a marshal round trip, so
// callers may retain and mutate results without touching the tree.
func DeepCopy(v any) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}
