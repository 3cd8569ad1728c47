package memory

import "strings"

const DefaultMergeThreshold = 0.8

// mergeGroup is one anchor plus the later records it absorbed, in discovery order.
type mergeGroup struct {
	anchor  Record
	members []Record
}

func (g mergeGroup) records() []Record {
	out := make([]Record, 0, len(g.members)+1)
	out = append(out, g.anchor)
	return append(out, g.members...)
}

func (g mergeGroup) ids() []string {
	recs := g.records()
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	return ids
}

// mergedText joins every member's full text with single spaces, anchor first.
func (g mergeGroup) mergedText() string {
	recs := g.records()
	parts := make([]string, 0, len(recs))
	for _, r := range recs {
		parts = append(parts, r.FullText)
	}
	return strings.Join(parts, " ")
}

func (g mergeGroup) maxImportance() float64 {
	best := g.anchor.Importance
	for _, m := range g.members {
		if m.Importance > best {
			best = m.Importance
		}
	}
	return best
}

// findMergeGroups scans records in storage order. Each record not yet consumed
// becomes an anchor and absorbs every later unconsumed record whose embedding
// similarity to the anchor exceeds threshold. Anchors without matches are
// left alone.
func findMergeGroups(records []Record, threshold float64) []mergeGroup {
	if len(records) < 2 {
		return nil
	}
	consumed := make([]bool, len(records))
	groups := []mergeGroup{}
	for i := 0; i < len(records)-1; i++ {
		if consumed[i] {
			continue
		}
		anchor := records[i]
		var members []Record
		for j := i + 1; j < len(records); j++ {
			if consumed[j] {
				continue
			}
			if cosineSimilarity(anchor.Embedding, records[j].Embedding) > threshold {
				members = append(members, records[j])
				consumed[j] = true
			}
		}
		if len(members) == 0 {
			continue
		}
		consumed[i] = true
		groups = append(groups, mergeGroup{anchor: anchor, members: members})
	}
	return groups
}
