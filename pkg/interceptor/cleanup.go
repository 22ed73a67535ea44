package interceptor

import (
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// CleanupThreshold is the fraction of the max size cleanup shrinks the
// caches to.
const CleanupThreshold = 0.8

// CleanupStats holds statistics about a cleanup operation.
type CleanupStats struct {
	EntriesRemoved  int
	BytesRemoved    int64
	EntriesRemained int
	BytesRemained   int64
}

// RunCleanup evicts entries across all caches, least recently used first,
// until the total is at or under CleanupThreshold of maxSizeBytes. Nothing
// happens while the total is within maxSizeBytes.
func (s *Storage) RunCleanup(maxSizeBytes int64) (*CleanupStats, error) {
	entries, err := s.Entries()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list cache entries")
	}

	stats := &CleanupStats{}
	var total int64
	for _, e := range entries {
		total += e.SizeBytes
	}

	if maxSizeBytes > 0 && total > maxSizeBytes {
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].LastAccessedAt.Before(entries[j].LastAccessedAt)
		})
		target := int64(float64(maxSizeBytes) * CleanupThreshold)

		s.mu.Lock()
		for _, e := range entries {
			if total <= target {
				break
			}
			if err := deleteEntry(filepath.Join(s.root, e.Cache), e.Key); err != nil {
				continue
			}
			total -= e.SizeBytes
			stats.EntriesRemoved++
			stats.BytesRemoved += e.SizeBytes
		}
		s.mu.Unlock()
	}

	stats.EntriesRemained = len(entries) - stats.EntriesRemoved
	stats.BytesRemained = total
	return stats, nil
}
