package changes

import (
	"fmt"
)

// ReplayFunc is called for each committed put or delete, in sequence order
type ReplayFunc func(entry *Entry) error

// ReplayStats summarizes a replay
type ReplayStats struct {
	TotalEntries     int
	CommittedBatches int
	DroppedBatches   int
	Replayed         int
	LastSeq          uint64
}

// batch groups the records sharing a BatchID
type batch struct {
	id        uint64
	entries   []*Entry
	committed bool
}

// Replay calls fn for every committed record of the log. Batches without a
// commit marker are skipped.
func (l *Log) Replay(fn ReplayFunc) (*ReplayStats, error) {
	files, err := l.Files()
	if err != nil {
		return nil, err
	}
	return Replay(files, fn)
}

// Replay reads the given segments and calls fn for every committed record
func Replay(files []string, fn ReplayFunc) (*ReplayStats, error) {
	stats := &ReplayStats{}

	entries, err := ReadAll(files)
	if err != nil {
		return stats, fmt.Errorf("failed to read change log: %w", err)
	}
	stats.TotalEntries = len(entries)

	for _, b := range groupByBatch(entries) {
		if !b.committed {
			stats.DroppedBatches++
			continue
		}
		stats.CommittedBatches++
		for _, entry := range b.entries {
			if err := fn(entry); err != nil {
				return stats, fmt.Errorf("replay failed at seq %d: %w", entry.Seq, err)
			}
			stats.Replayed++
			stats.LastSeq = entry.Seq
		}
	}
	return stats, nil
}

func groupByBatch(entries []*Entry) []*batch {
	byID := make(map[uint64]*batch)
	var list []*batch

	for _, entry := range entries {
		b, ok := byID[entry.BatchID]
		if !ok {
			b = &batch{id: entry.BatchID}
			byID[entry.BatchID] = b
			list = append(list, b)
		}
		if entry.Op == OpCommit {
			b.committed = true
		} else {
			b.entries = append(b.entries, entry)
		}
	}
	return list
}
