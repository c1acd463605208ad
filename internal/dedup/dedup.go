// Package dedup implements the local deduplicator: an
// exact-key fold followed by a trigram-Jaccard fold over a batch of
// knowledge.Entry values, with no LLM involvement. It is the fallback used
// by the extractor's optional dedup pass and the representative
// shape the storage engine's bulk-ingest minhash path approximates at
// scale.
package dedup

import (
	"sort"

	"github.com/vinayprograms/agenr/internal/knowledge"
)

// JaccardThreshold is the trigram-Jaccard similarity at or above which two
// entries in the same (type, subject) group are merged.
const JaccardThreshold = 0.85

// indexed pairs an entry with its original position in the input batch, so
// output ordering stays stable by earliest input index regardless of which
// member of a merged group is kept as the representative.
type indexed struct {
	entry knowledge.Entry
	file  string
	index int
}

// Fold runs the exact-key fold followed by the trigram-Jaccard fold over
// entries, returning the deduplicated batch. files[i] is the source file
// that produced entries[i] (used by mergeEntries' "file = first" rule);
// pass nil if provenance isn't tracked.
func Fold(entries []knowledge.Entry, files []string) []knowledge.Entry {
	items := make([]indexed, len(entries))
	for i, e := range entries {
		f := ""
		if i < len(files) {
			f = files[i]
		}
		items[i] = indexed{entry: e, file: f, index: i}
	}

	items = exactKeyFold(items)
	items = trigramFold(items)

	sort.SliceStable(items, func(i, j int) bool { return items[i].index < items[j].index })
	out := make([]knowledge.Entry, len(items))
	for i, it := range items {
		out[i] = it.entry
	}
	return out
}

type exactKey struct {
	kind    knowledge.Kind
	subject string
	content string
}

// exactKeyFold groups by (type, normalized(subject), normalized(content))
// and collapses each group via mergeEntries.
func exactKeyFold(items []indexed) []indexed {
	groups := map[exactKey][]indexed{}
	var order []exactKey
	for _, it := range items {
		k := exactKey{
			kind:    it.entry.Kind,
			subject: knowledge.Normalize(it.entry.Subject),
			content: knowledge.Normalize(it.entry.Content),
		}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], it)
	}

	out := make([]indexed, 0, len(order))
	for _, k := range order {
		out = append(out, mergeGroup(groups[k]))
	}
	return out
}

// trigramFold partitions the batch by (type, normalized(subject)) and
// folds each group in one greedy pass in input order: every later entry
// whose content trigram-Jaccard similarity with the current representative
// is >= JaccardThreshold is merged into it. Entries are compared only with
// the representative, and the pass is not repeated afterwards.
func trigramFold(items []indexed) []indexed {
	type groupKey struct {
		kind    knowledge.Kind
		subject string
	}
	groups := map[groupKey][]indexed{}
	var order []groupKey
	for _, it := range items {
		k := groupKey{kind: it.entry.Kind, subject: knowledge.Normalize(it.entry.Subject)}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], it)
	}

	out := make([]indexed, 0, len(items))
	for _, k := range order {
		out = append(out, foldGroupByJaccard(groups[k])...)
	}
	return out
}

func foldGroupByJaccard(group []indexed) []indexed {
	merged := make([]bool, len(group))
	var result []indexed
	for i := range group {
		if merged[i] {
			continue
		}
		rep := group[i]
		repNorm := knowledge.Normalize(rep.entry.Content)
		for j := i + 1; j < len(group); j++ {
			if merged[j] {
				continue
			}
			jNorm := knowledge.Normalize(group[j].entry.Content)
			if knowledge.Jaccard(repNorm, jNorm) >= JaccardThreshold {
				rep = mergeGroup([]indexed{rep, group[j]})
				repNorm = knowledge.Normalize(rep.entry.Content)
				merged[j] = true
			}
		}
		result = append(result, rep)
	}
	return result
}

// mergeGroup folds a non-empty slice of indexed entries into one
// representative via repeated pairwise mergeEntries, preserving the
// earliest input index among the group.
func mergeGroup(group []indexed) indexed {
	rep := group[0]
	for _, next := range group[1:] {
		rep.entry = mergeEntries(rep.entry, next.entry)
		if next.index < rep.index {
			rep.index = next.index
		}
		if rep.file == "" {
			rep.file = next.file
		}
	}
	return rep
}

// mergeEntries combines two entries believed to refer to the same
// knowledge: importance takes the max, tags are a sorted union, the
// surviving content.context is the longer of the two, created_at is the
// earlier timestamp, and counters/confirmations accumulate.
func mergeEntries(a, b knowledge.Entry) knowledge.Entry {
	out := a
	if b.Importance > out.Importance {
		out.Importance = b.Importance
	}
	out.Tags = unionSortedTags(a.Tags, b.Tags)
	if len(b.Content) > len(out.Content) {
		out.Content = b.Content
		out.ContentHash = b.ContentHash
		out.NormalizedContentHash = b.NormalizedContentHash
		out.MinhashSignature = b.MinhashSignature
	}
	if b.CreatedAt.Before(out.CreatedAt) {
		out.CreatedAt = b.CreatedAt
	}
	out.Confirmations = a.Confirmations + b.Confirmations + 1
	return out
}

func unionSortedTags(a, b []string) []string {
	seen := map[string]bool{}
	for _, t := range a {
		seen[t] = true
	}
	for _, t := range b {
		seen[t] = true
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
