// Package search filters local sync data (cache entries, dead letters) by
// fuzzy query so they can be inspected without knowing exact keys.
package search

import (
	"sort"
	"strings"

	fuzzysearch "github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/mmcdole/shopsync/internal/domain"
	"github.com/sahilm/fuzzy"
)

// EntryResult is a cache entry matched by key
type EntryResult struct {
	Entry          domain.CacheEntry
	MatchedIndexes []int // Positions in Entry.Key that matched (for highlighting)
	Score          int   // Higher is better
}

// entryIndex implements sahilm/fuzzy.Source over lowercase keys
type entryIndex struct {
	entries []domain.CacheEntry
	keys    []string
}

func (idx *entryIndex) String(i int) string { return idx.keys[i] }
func (idx *entryIndex) Len() int            { return len(idx.entries) }

// Entries returns the entries whose key fuzzy-matches query, best first.
// An empty query returns every entry in its original order.
func Entries(query string, entries []domain.CacheEntry) []EntryResult {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		results := make([]EntryResult, len(entries))
		for i, e := range entries {
			results[i] = EntryResult{Entry: e}
		}
		return results
	}

	idx := &entryIndex{entries: entries, keys: make([]string, len(entries))}
	for i, e := range entries {
		idx.keys[i] = strings.ToLower(e.Key)
	}

	matches := fuzzy.FindFrom(query, idx)
	results := make([]EntryResult, len(matches))
	for i, m := range matches {
		results[i] = EntryResult{
			Entry:          entries[m.Index],
			MatchedIndexes: m.MatchedIndexes,
			Score:          m.Score,
		}
	}
	return results
}

// DeadLetters returns the dead letters whose type, entity key, error code or
// reason fuzzy-match query, closest first. Ties keep dead-letter order.
func DeadLetters(query string, letters []domain.DeadLetter) []domain.DeadLetter {
	query = strings.TrimSpace(query)
	if query == "" {
		return letters
	}

	targets := make([]string, len(letters))
	for i, dl := range letters {
		targets[i] = deadLetterText(dl)
	}

	ranks := fuzzysearch.RankFindNormalizedFold(query, targets)
	sort.SliceStable(ranks, func(i, j int) bool {
		if ranks[i].Distance != ranks[j].Distance {
			return ranks[i].Distance < ranks[j].Distance
		}
		return ranks[i].OriginalIndex < ranks[j].OriginalIndex
	})

	results := make([]domain.DeadLetter, len(ranks))
	for i, r := range ranks {
		results[i] = letters[r.OriginalIndex]
	}
	return results
}

func deadLetterText(dl domain.DeadLetter) string {
	return strings.Join([]string{
		string(dl.Mutation.Type),
		dl.Mutation.EntityKey,
		dl.Code,
		dl.Reason,
	}, " ")
}
