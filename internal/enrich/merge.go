package enrich

// StripNulls returns a copy of the bag with every nil value removed,
// recursing into nested maps. A null in an enrichment payload means "no
// information", so it must never reach the stored bag.
func StripNulls(bag map[string]any) map[string]any {
	out := make(map[string]any, len(bag))
	for k, v := range bag {
		switch t := v.(type) {
		case nil:
			continue
		case map[string]any:
			nested := StripNulls(t)
			if len(nested) > 0 {
				out[k] = nested
			}
		default:
			out[k] = v
		}
	}
	return out
}

// Merge deep-merges incoming into existing and returns a new bag; neither
// input is mutated. Incoming values win for scalar keys, nested maps merge
// recursively, and keys only present in existing are preserved. Callers must
// strip nulls from incoming first; Merge itself never deletes a key.
func Merge(existing, incoming map[string]any) map[string]any {
	out := make(map[string]any, len(existing)+len(incoming))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range incoming {
		inNested, inIsMap := v.(map[string]any)
		exNested, exIsMap := out[k].(map[string]any)
		if inIsMap && exIsMap {
			out[k] = Merge(exNested, inNested)
			continue
		}
		out[k] = v
	}
	return out
}
