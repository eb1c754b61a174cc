package log

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildSegments writes one payload of the given size into a segment per
// entry, mirroring how the log lays them out on disk.
func buildSegments(t *testing.T, dir string, sizes []int) []*segment {
	t.Helper()
	c := Config{}
	c.Segment.MaxStoreBytes = 1024

	var segments []*segment
	var base uint64
	for _, size := range sizes {
		seg, err := newSegment(dir, base, c)
		require.NoError(t, err)
		_, err = seg.Write(make([]byte, size))
		require.NoError(t, err)
		require.NoError(t, seg.Flush())
		segments = append(segments, seg)
		base++
	}
	return segments
}

func TestCleaner(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T, dir string){
		"under the cap retains everything":     testCleanRetainsAll,
		"over the cap drops oldest segments":   testCleanDropsOldest,
		"newest segment is always retained":    testCleanKeepsNewest,
		"boundary segment is retained in full": testCleanBoundary,
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t, t.TempDir())
		})
	}
}

func testCleanRetainsAll(t *testing.T, dir string) {
	segments := buildSegments(t, dir, []int{10, 10, 10})
	got, err := newCleaner(1000).clean(segments)
	require.NoError(t, err)
	require.Len(t, got, 3)
}

func testCleanDropsOldest(t *testing.T, dir string) {
	segments := buildSegments(t, dir, []int{10, 10, 10, 10})
	oldest := segments[0]

	got, err := newCleaner(20).clean(segments)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, uint64(1), got[0].baseOffset)

	// the evicted segment's files are gone, the survivors' are intact
	_, err = os.Stat(segmentFileName(dir, oldest.baseOffset, logSuffix))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(segmentFileName(dir, got[0].baseOffset, logSuffix))
	require.NoError(t, err)
}

func testCleanKeepsNewest(t *testing.T, dir string) {
	segments := buildSegments(t, dir, []int{50, 50})
	got, err := newCleaner(0).clean(segments)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, uint64(1), got[0].baseOffset)
}

func testCleanBoundary(t *testing.T, dir string) {
	// walking newest to oldest, the sum passes 25 inside the second
	// segment from the end; that segment survives whole
	segments := buildSegments(t, dir, []int{10, 10, 20, 20})
	got, err := newCleaner(25).clean(segments)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, uint64(2), got[0].baseOffset)
}
