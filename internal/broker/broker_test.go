package broker

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T, dir string, autoCreate bool) *Broker {
	t.Helper()
	b, err := New(Config{
		BaseDirectory:    dir,
		MaxSegmentBytes:  64,
		MaxTopicBytes:    256,
		AutoCreateTopics: autoCreate,
		PollInterval:     5 * time.Millisecond,
	})
	require.NoError(t, err)
	return b
}

func TestBrokerTopicAdmin(t *testing.T) {
	dir := t.TempDir()
	b := newTestBroker(t, dir, false)
	defer b.Close()

	require.NoError(t, b.CreateTopic("alpha", 64, 256))
	require.ErrorIs(t, b.CreateTopic("alpha", 0, 0), ErrTopicExists)

	info, err := b.DescribeTopic("alpha")
	require.NoError(t, err)
	require.Equal(t, uint64(64), info.MaxSegmentBytes)
	require.Equal(t, uint64(256), info.MaxRetentionBytes)
	require.Empty(t, info.ConsumerGroups)

	_, err = b.DescribeTopic("missing")
	require.ErrorIs(t, err, ErrTopicNotFound)

	// zero overrides inherit the broker defaults
	require.NoError(t, b.CreateTopic("beta", 0, 0))
	info, err = b.DescribeTopic("beta")
	require.NoError(t, err)
	require.Equal(t, uint64(64), info.MaxSegmentBytes)
	require.Equal(t, uint64(256), info.MaxRetentionBytes)

	topics := b.ListTopics()
	require.Len(t, topics, 2)
	require.Equal(t, "alpha", topics[0].Name)
	require.Equal(t, "beta", topics[1].Name)

	require.NoError(t, b.DeleteTopic("alpha"))
	require.ErrorIs(t, b.DeleteTopic("alpha"), ErrTopicNotFound)
	_, err = b.Produce("alpha", [][]byte{[]byte("x")})
	require.ErrorIs(t, err, ErrTopicNotFound)
}

func TestBrokerTopicDirectories(t *testing.T) {
	dir := t.TempDir()
	b := newTestBroker(t, dir, false)
	defer b.Close()

	// same name created, deleted, and created again lands in a fresh
	// directory, and offsets restart at zero
	require.NoError(t, b.CreateTopic("alpha", 0, 0))
	first := b.topics["alpha"].Directory
	_, err := b.Produce("alpha", [][]byte{[]byte("x"), []byte("y")})
	require.NoError(t, err)

	require.NoError(t, b.DeleteTopic("alpha"))
	_, err = os.Stat(first)
	require.True(t, os.IsNotExist(err))

	require.NoError(t, b.CreateTopic("alpha", 0, 0))
	second := b.topics["alpha"].Directory
	require.NotEqual(t, first, second)
	off, err := b.Produce("alpha", [][]byte{[]byte("z")})
	require.NoError(t, err)
	require.Equal(t, uint64(0), off)
}

func TestBrokerProduce(t *testing.T) {
	dir := t.TempDir()
	b := newTestBroker(t, dir, false)
	defer b.Close()

	require.NoError(t, b.CreateTopic("alpha", 0, 0))

	// a batch returns the highest assigned offset
	off, err := b.Produce("alpha", [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")})
	require.NoError(t, err)
	require.Equal(t, uint64(2), off)

	off, err = b.Produce("alpha", [][]byte{[]byte("d")})
	require.NoError(t, err)
	require.Equal(t, uint64(3), off)
}

func TestBrokerAutoCreate(t *testing.T) {
	dir := t.TempDir()
	b := newTestBroker(t, dir, true)
	defer b.Close()

	off, err := b.Produce("fresh", [][]byte{[]byte("a")})
	require.NoError(t, err)
	require.Equal(t, uint64(0), off)

	info, err := b.DescribeTopic("fresh")
	require.NoError(t, err)
	require.Equal(t, uint64(64), info.MaxSegmentBytes)

	// consume on a missing topic also creates it
	msgs, err := b.Consume(context.Background(), "fresh2", "g1", 20*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, msgs)
	_, err = b.DescribeTopic("fresh2")
	require.NoError(t, err)
}

func TestBrokerConsume(t *testing.T) {
	dir := t.TempDir()
	b := newTestBroker(t, dir, false)
	defer b.Close()

	require.NoError(t, b.CreateTopic("alpha", 0, 0))
	payloads := [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")}
	_, err := b.Produce("alpha", payloads)
	require.NoError(t, err)

	ctx := context.Background()
	got, err := b.Consume(ctx, "alpha", "g1", 30*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, payloads, got)

	// the group cursor advanced past the batch and was registered
	info, err := b.DescribeTopic("alpha")
	require.NoError(t, err)
	require.Equal(t, []string{"g1"}, info.ConsumerGroups)

	// a second consume only sees what was produced since
	_, err = b.Produce("alpha", [][]byte{[]byte("d")})
	require.NoError(t, err)
	got, err = b.Consume(ctx, "alpha", "g1", 30*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("d")}, got)

	// an empty window returns an empty batch, not an error
	got, err = b.Consume(ctx, "alpha", "g1", 30*time.Millisecond)
	require.NoError(t, err)
	require.Empty(t, got)

	// a separate group starts from the oldest retained offset
	got, err = b.Consume(ctx, "alpha", "g2", 30*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, got, 4)

	_, err = b.Consume(ctx, "missing", "g1", 10*time.Millisecond)
	require.ErrorIs(t, err, ErrTopicNotFound)
}

func TestBrokerConsumeWaitsForProduce(t *testing.T) {
	dir := t.TempDir()
	b := newTestBroker(t, dir, false)
	defer b.Close()

	require.NoError(t, b.CreateTopic("alpha", 0, 0))

	done := make(chan [][]byte, 1)
	go func() {
		got, err := b.Consume(context.Background(), "alpha", "g1", 300*time.Millisecond)
		require.NoError(t, err)
		done <- got
	}()

	time.Sleep(30 * time.Millisecond)
	_, err := b.Produce("alpha", [][]byte{[]byte("late")})
	require.NoError(t, err)

	got := <-done
	require.Equal(t, [][]byte{[]byte("late")}, got)
}

func TestBrokerPersistence(t *testing.T) {
	dir := t.TempDir()
	b := newTestBroker(t, dir, false)

	require.NoError(t, b.CreateTopic("alpha", 64, 256))
	_, err := b.Produce("alpha", [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")})
	require.NoError(t, err)
	got, err := b.Consume(context.Background(), "alpha", "g1", 30*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.NoError(t, b.Close())

	// a new broker over the same directory reloads topics, segments, and
	// the group's persisted cursor
	reopened := newTestBroker(t, dir, false)
	defer reopened.Close()

	info, err := reopened.DescribeTopic("alpha")
	require.NoError(t, err)
	require.Equal(t, uint64(64), info.MaxSegmentBytes)
	require.Equal(t, []string{"g1"}, info.ConsumerGroups)

	// the cursor resumed at 3, so only new messages come back
	_, err = reopened.Produce("alpha", [][]byte{[]byte("d")})
	require.NoError(t, err)
	got, err = reopened.Consume(context.Background(), "alpha", "g1", 30*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("d")}, got)
}

func TestBrokerReconcileRaisesOnly(t *testing.T) {
	dir := t.TempDir()
	b := newTestBroker(t, dir, false)
	defer b.Close()

	require.NoError(t, b.CreateTopic("alpha", 0, 0))
	tp := b.topics["alpha"]
	g1 := tp.LoadConsumerGroup("g1")
	g2 := tp.LoadConsumerGroup("g2")
	g1.RaiseTo(5)
	g2.RaiseTo(7)
	require.NoError(t, b.Flush())

	// g1 falls behind the snapshot, g2 moves past it
	g1.offset.Store(1)
	g2.RaiseTo(9)

	// no group is active, so both are reconciled against the snapshot
	b.sync("")
	require.Equal(t, uint64(5), g1.Offset(), "snapshot raises a lagging cursor")
	require.Equal(t, uint64(9), g2.Offset(), "snapshot never lowers a cursor")

	// the group named as active is skipped even when it lags the snapshot
	g1.offset.Store(0)
	b.sync("g1")
	require.Equal(t, uint64(0), g1.Offset())
}
