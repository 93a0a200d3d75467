package ingest

import "time"

// Chunk is a half-open time window [Start, End).
type Chunk struct {
	Start time.Time
	End   time.Time
}

// SplitWindow partitions [start, end) into contiguous chunks of size, the last
// one clipped to end. It returns nil when the window is empty.
func SplitWindow(start, end time.Time, size time.Duration) []Chunk {
	if !start.Before(end) {
		return nil
	}
	if size <= 0 {
		return []Chunk{{Start: start, End: end}}
	}

	var chunks []Chunk
	for cursor := start; cursor.Before(end); {
		next := cursor.Add(size)
		if next.After(end) {
			next = end
		}
		chunks = append(chunks, Chunk{Start: cursor, End: next})
		cursor = next
	}
	return chunks
}
