package consensus

import (
	"strings"

	"go.uber.org/zap"
)

// Normalize returns the comparison key of an item identifier: surrounding space, the
// fragment and trailing path slashes are dropped. The query is kept because it is often
// the only part that tells two postings apart.
func Normalize(id string) string {
	s := strings.TrimSpace(id)
	if i := strings.IndexByte(s, '#'); i >= 0 {
		s = s[:i]
	}

	path, query, hasQuery := strings.Cut(s, "?")
	if trimmed := strings.TrimRight(path, "/"); !strings.HasSuffix(trimmed, ":") {
		path = trimmed
	}

	if hasQuery {
		return path + "?" + query
	}
	return path
}

// identifiers maps normalized keys back to the identifiers the caller supplied.
// It belongs to one validation run.
type identifiers struct {
	originals map[string]string
}

// newIdentifiers registers the items in order and returns the ones with a distinct key.
// When two originals collide the first one wins.
func newIdentifiers(items []WorkItem, log *zap.Logger) (*identifiers, []WorkItem) {
	ids := &identifiers{originals: make(map[string]string, len(items))}
	unique := make([]WorkItem, 0, len(items))

	for _, item := range items {
		key := Normalize(item.ID)
		if key == "" {
			log.Debug("skipping work item without identifier")
			continue
		}

		if first, ok := ids.originals[key]; ok {
			if first != item.ID {
				log.Warn("identifiers collide after normalization, keeping the first",
					zap.String("key", key),
					zap.String("kept", first),
					zap.String("dropped", item.ID),
				)
			}
			continue
		}

		ids.originals[key] = item.ID
		unique = append(unique, item)
	}

	return ids, unique
}

func (ids *identifiers) original(key string) string {
	return ids.originals[key]
}

// resolve keeps the flagged identifiers that belong to the batch, as ordered unique keys.
func resolve(flagged []string, batch map[string]struct{}, log *zap.Logger) []string {
	keys := make([]string, 0, len(flagged))
	seen := make(map[string]struct{}, len(flagged))

	for _, raw := range flagged {
		key := Normalize(raw)
		if _, ok := batch[key]; !ok {
			log.Debug("discarding identifier outside the batch", zap.String("identifier", raw))
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}

	return keys
}
