package learner

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/persona/internal/store"
)

// DefaultCompactThreshold is the trigger-set similarity above which two patterns of the
// same type are treated as duplicates.
const DefaultCompactThreshold = 0.5

// CompactResult reports what Compact found and, when executed, merged.
type CompactResult struct {
	AvatarID   uuid.UUID       `json:"avatar_id"`
	Threshold  float64         `json:"threshold"`
	Execute    bool            `json:"execute"`
	Clusters   int             `json:"clusters"`
	TotalItems int             `json:"total_items"`
	Merged     int             `json:"merged"`
	Survivors  int             `json:"survivors"`
	Details    []ClusterDetail `json:"details,omitempty"`
}

// ClusterDetail describes one group of duplicate patterns.
type ClusterDetail struct {
	SurvivorID uuid.UUID   `json:"survivor_id"`
	MergedIDs  []uuid.UUID `json:"merged_ids"`
	Size       int         `json:"size"`
}

type duplicatePair struct {
	a, b       int
	similarity float64
}

// Compact folds duplicate patterns of an avatar into one survivor per cluster. Duplicates
// share a pattern type and have trigger sets with Jaccard similarity above threshold. The
// survivor takes the union of triggers, the summed usage, the usage-weighted success rate
// and the most recent examples. Without execute nothing is written.
func (l *Learner) Compact(ctx context.Context, avatarID uuid.UUID, threshold float64, execute bool) (*CompactResult, error) {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultCompactThreshold
	}

	mu := l.avatarLock(avatarID)
	mu.Lock()
	defer mu.Unlock()

	patterns, err := l.store.ListPatterns(ctx, avatarID)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}

	result := &CompactResult{AvatarID: avatarID, Threshold: threshold, Execute: execute}
	pairs := findDuplicates(patterns, threshold)
	if len(pairs) == 0 {
		return result, nil
	}

	clusters := clusterPairs(pairs)
	result.Clusters = len(clusters)
	for _, cluster := range clusters {
		result.TotalItems += len(cluster)

		members := make([]store.ConversationPattern, len(cluster))
		for i, idx := range cluster {
			members[i] = patterns[idx]
		}
		survivor := mergeCluster(members, l.opts.MaxExamples)

		var mergedIDs []uuid.UUID
		for _, p := range members {
			if p.ID != survivor.ID {
				mergedIDs = append(mergedIDs, p.ID)
			}
		}

		if execute {
			if err := l.store.UpdatePattern(ctx, &survivor); err != nil {
				l.logger.Error("failed to update surviving pattern", "pattern_id", survivor.ID, "error", err)
				continue
			}
			for _, id := range mergedIDs {
				if err := l.store.DeletePattern(ctx, id); err != nil {
					l.logger.Error("failed to delete merged pattern", "pattern_id", id, "survivor", survivor.ID, "error", err)
				}
			}
		}

		result.Survivors++
		result.Merged += len(mergedIDs)
		result.Details = append(result.Details, ClusterDetail{
			SurvivorID: survivor.ID,
			MergedIDs:  mergedIDs,
			Size:       len(cluster),
		})
	}

	l.logger.Info("pattern compaction completed",
		"avatar_id", avatarID,
		"execute", execute,
		"survivors", result.Survivors,
		"merged", result.Merged,
	)
	return result, nil
}

func findDuplicates(patterns []store.ConversationPattern, threshold float64) []duplicatePair {
	var pairs []duplicatePair
	for i := range patterns {
		for j := i + 1; j < len(patterns); j++ {
			if patterns[i].PatternType != patterns[j].PatternType {
				continue
			}
			sim := jaccard(patterns[i].TriggerWords, patterns[j].TriggerWords)
			if sim > threshold {
				pairs = append(pairs, duplicatePair{a: i, b: j, similarity: sim})
			}
		}
	}
	return pairs
}

func jaccard(a, b []string) float64 {
	set := make(map[string]bool, len(a))
	for _, w := range a {
		set[w] = true
	}
	inter := 0
	union := len(set)
	seen := make(map[string]bool, len(b))
	for _, w := range b {
		if seen[w] {
			continue
		}
		seen[w] = true
		if set[w] {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// clusterPairs groups duplicate pairs into connected components using union-find.
// Clusters come back ordered by their first member, members ascending.
func clusterPairs(pairs []duplicatePair) [][]int {
	parent := make(map[int]int)
	for _, p := range pairs {
		if _, ok := parent[p.a]; !ok {
			parent[p.a] = p.a
		}
		if _, ok := parent[p.b]; !ok {
			parent[p.b] = p.b
		}
	}

	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	for _, p := range pairs {
		ra, rb := find(p.a), find(p.b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	groups := make(map[int][]int)
	for i := range parent {
		root := find(i)
		groups[root] = append(groups[root], i)
	}

	clusters := make([][]int, 0, len(groups))
	for _, g := range groups {
		if len(g) > 1 {
			sort.Ints(g)
			clusters = append(clusters, g)
		}
	}
	sort.Slice(clusters, func(i, j int) bool { return clusters[i][0] < clusters[j][0] })
	return clusters
}

// isBetter ranks survivors: more usage, then higher success rate, then more recently updated.
func isBetter(a, b store.ConversationPattern) bool {
	if a.UsageCount != b.UsageCount {
		return a.UsageCount > b.UsageCount
	}
	if a.SuccessRate != b.SuccessRate {
		return a.SuccessRate > b.SuccessRate
	}
	return a.UpdatedAt.After(b.UpdatedAt)
}

func mergeCluster(members []store.ConversationPattern, maxExamples int) store.ConversationPattern {
	best := members[0]
	for _, p := range members[1:] {
		if isBetter(p, best) {
			best = p
		}
	}

	var (
		triggers []string
		examples []store.PatternExample
		usage    int
		weighted float64
	)
	for _, p := range members {
		triggers = append(triggers, p.TriggerWords...)
		examples = append(examples, p.Examples...)
		usage += p.UsageCount
		weighted += p.SuccessRate * float64(p.UsageCount)
	}

	merged := best
	merged.TriggerWords = sortedSet(triggers)
	merged.UsageCount = usage
	if usage > 0 {
		merged.SuccessRate = clamp(math.Round(weighted/float64(usage)*1e6) / 1e6)
	}
	sort.SliceStable(examples, func(i, j int) bool { return examples[i].At.Before(examples[j].At) })
	if maxExamples > 0 && len(examples) > maxExamples {
		examples = examples[len(examples)-maxExamples:]
	}
	merged.Examples = examples
	return merged
}
