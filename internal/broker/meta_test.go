package broker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetaRoundTrip(t *testing.T) {
	dir := t.TempDir()
	want := &brokerMeta{
		BaseDirectory:   dir,
		MaxSegmentBytes: 1000,
		MaxTopicBytes:   100000,
		Topics: []topicMeta{
			{
				Name:              "alpha",
				Directory:         filepath.Join(dir, "Ab3xZ"),
				MaxSegmentBytes:   64,
				MaxRetentionBytes: 256,
				Groups: []groupMeta{
					{Name: "g1", Offset: 3},
					{Name: "g2", Offset: 0},
				},
			},
			{
				Name:              "beta",
				Directory:         filepath.Join(dir, "q9Kpl"),
				MaxSegmentBytes:   1000,
				MaxRetentionBytes: 100000,
			},
		},
	}

	require.NoError(t, writeMeta(dir, want))

	got, ok, err := readMeta(dir)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want, got)
}

func TestMetaMissingFile(t *testing.T) {
	_, ok, err := readMeta(t.TempDir())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMetaCorrupt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, metaFileName), []byte{0xff, 0xff}, 0644))
	_, _, err := readMeta(dir)
	require.Error(t, err)
}

func TestMetaRewrittenInFull(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeMeta(dir, &brokerMeta{
		BaseDirectory: dir,
		Topics:        []topicMeta{{Name: "alpha", Directory: "x"}},
	}))
	require.NoError(t, writeMeta(dir, &brokerMeta{BaseDirectory: dir}))

	got, ok, err := readMeta(dir)
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, got.Topics)
}
