package consensus

// Batch statuses reported in results and metrics.
const (
	StatusUnanimous = "unanimous"
	StatusPartial   = "partial"
	StatusSingle    = "single"
	StatusErrored   = "errored"
)

// verdict is one endpoint's answer for a batch in normalized keys.
type verdict struct {
	ok   bool
	keys []string
}

// agree applies the agreement policy to the two answers of a batch.
//
// Both answered: the intersection, in either mode.
// One answered: nothing, or in partial mode that answer.
// Neither answered: nothing.
func agree(a, b verdict, partial bool) ([]string, string) {
	switch {
	case a.ok && b.ok:
		return intersect(a.keys, b.keys), StatusUnanimous
	case a.ok || b.ok:
		if !partial {
			return []string{}, StatusSingle
		}
		if a.ok {
			return a.keys, StatusPartial
		}
		return b.keys, StatusPartial
	default:
		return []string{}, StatusErrored
	}
}

// intersect keeps the keys of a that are also in b, in the order of a.
func intersect(a, b []string) []string {
	in := make(map[string]struct{}, len(b))
	for _, k := range b {
		in[k] = struct{}{}
	}

	out := make([]string, 0, len(a))
	for _, k := range a {
		if _, ok := in[k]; ok {
			out = append(out, k)
		}
	}
	return out
}
