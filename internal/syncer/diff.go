package syncer

// Keyed is a collection element with a stable id and a version-bearing key.
type Keyed interface {
	Key() string
	SyncKey() string
}

// DiffResult reports whether a fetched collection differs from the current one.
type DiffResult struct {
	// Changed is true when the sets of sync keys differ.
	Changed bool
	// Added lists ids present in next but not in prev, in next's order.
	Added []string
}

// Diff compares two collections by id and sync key.
func Diff[T Keyed](prev, next []T) DiffResult {
	prevIDs := make(map[string]struct{}, len(prev))
	prevKeys := make(map[string]struct{}, len(prev))
	for _, x := range prev {
		prevIDs[x.Key()] = struct{}{}
		prevKeys[x.SyncKey()] = struct{}{}
	}

	var res DiffResult
	nextKeys := make(map[string]struct{}, len(next))
	for _, x := range next {
		k := x.SyncKey()
		nextKeys[k] = struct{}{}
		if _, ok := prevKeys[k]; !ok {
			res.Changed = true
		}
		if _, ok := prevIDs[x.Key()]; !ok {
			res.Added = append(res.Added, x.Key())
		}
	}
	if len(nextKeys) != len(prevKeys) {
		res.Changed = true
	}
	return res
}
