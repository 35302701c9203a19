package conversation

import "sort"

// Merge concatenates the given batches in order, keeps the first session seen
// for each Key and returns the result sorted by StartedAt, most recent first.
// Equal start times keep their input order. Sessions without any key are
// kept as-is since they can't collide.
func Merge(batches ...[]Session) []Session {
	total := 0
	for _, b := range batches {
		total += len(b)
	}

	seen := make(map[string]struct{}, total)
	out := make([]Session, 0, total)
	for _, batch := range batches {
		for _, s := range batch {
			key := s.Key()
			if key != "" {
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
			}
			out = append(out, s)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}
