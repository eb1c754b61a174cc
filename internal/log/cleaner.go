package log

// cleaner applies the log's retention policy: whole oldest segments are
// dropped once the bytes in newer segments pass the cap. The segment in
// which the cap is passed is kept, so the retained total can exceed the cap
// by up to one segment. Nothing is ever truncated in place.
type cleaner struct {
	retentionBytes uint64
}

func newCleaner(retentionBytes uint64) *cleaner {
	return &cleaner{retentionBytes: retentionBytes}
}

// clean walks the segment list from newest to oldest accumulating byte
// sizes and stops at the first segment where the running sum passes the
// cap. That boundary segment is retained in full; everything older is
// deleted from disk and evicted from the list. The returned slice is the
// surviving suffix, still sorted ascending by starting offset.
func (c *cleaner) clean(segments []*segment) ([]*segment, error) {
	cut := len(segments)
	var total uint64
	for i := len(segments) - 1; i >= 0; i-- {
		if total > c.retentionBytes {
			break
		}
		total += segments[i].position
		cut--
	}
	for _, s := range segments[:cut] {
		if err := s.Remove(); err != nil {
			return segments, err
		}
	}
	return segments[cut:], nil
}
