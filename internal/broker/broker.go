// Package broker owns the set of topics and the durable metadata that
// describes them. Every mutation of topic or consumer-group membership
// passes through the broker and is mirrored to the metadata file before the
// call returns.
package broker

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	// ErrTopicExists is returned by a create for a name already in use.
	ErrTopicExists = errors.New("topic already exists")
	// ErrTopicNotFound is returned for operations on an unknown topic.
	ErrTopicNotFound = errors.New("topic does not exist")
)

const (
	DefaultMaxSegmentBytes = 1000
	DefaultMaxTopicBytes   = 100000

	defaultPollInterval = 100 * time.Millisecond
)

type Config struct {
	// BaseDirectory holds the metadata file and one directory per topic.
	BaseDirectory string
	// Defaults inherited by new topics; zero picks the package defaults.
	MaxSegmentBytes uint64
	MaxTopicBytes   uint64
	// AutoCreateTopics makes produce and consume create a missing topic
	// with the broker defaults instead of failing with not-found.
	AutoCreateTopics bool
	// PollInterval is the consume loop's sleep between read attempts.
	PollInterval time.Duration
}

type Broker struct {
	config Config
	logger zerolog.Logger

	mu     sync.RWMutex
	topics map[string]*Topic
}

// New builds the broker from the metadata file under the base directory if
// one is present, otherwise initializes an empty broker and creates the
// directory. Topics named in the metadata are reopened from their
// directories, with their consumer groups restored at the persisted
// offsets.
func New(config Config) (*Broker, error) {
	if config.MaxSegmentBytes == 0 {
		config.MaxSegmentBytes = DefaultMaxSegmentBytes
	}
	if config.MaxTopicBytes == 0 {
		config.MaxTopicBytes = DefaultMaxTopicBytes
	}
	if config.PollInterval == 0 {
		config.PollInterval = defaultPollInterval
	}

	b := &Broker{
		config: config,
		topics: make(map[string]*Topic),
		logger: zerolog.New(os.Stderr).With().
			Str("service", "broker").
			Str("dir", config.BaseDirectory).
			Timestamp().Logger(),
	}
	if err := os.MkdirAll(config.BaseDirectory, 0755); err != nil {
		return nil, errors.Wrap(err, "creating broker directory")
	}

	m, ok, err := readMeta(config.BaseDirectory)
	if err != nil {
		return nil, err
	}
	if !ok {
		b.logger.Info().Msg("no metadata file, starting empty")
		return b, nil
	}
	for _, tm := range m.Topics {
		groups := make([]*ConsumerGroup, 0, len(tm.Groups))
		for _, gm := range tm.Groups {
			groups = append(groups, NewConsumerGroup(gm.Name, gm.Offset))
		}
		t, err := openTopic(tm.Name, tm.Directory, tm.MaxSegmentBytes, tm.MaxRetentionBytes, groups)
		if err != nil {
			return nil, err
		}
		b.topics[tm.Name] = t
	}
	return b, nil
}

// CreateTopic allocates a directory and commit log for the name and
// persists the new membership. The write lock is held across directory
// creation and the metadata flush so the on-disk image always matches
// memory.
func (b *Broker) CreateTopic(name string, maxSegmentBytes, maxRetentionBytes uint64) error {
	if maxSegmentBytes == 0 {
		maxSegmentBytes = b.config.MaxSegmentBytes
	}
	if maxRetentionBytes == 0 {
		maxRetentionBytes = b.config.MaxTopicBytes
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[name]; ok {
		return ErrTopicExists
	}
	t, err := newTopic(name, b.config.BaseDirectory, maxSegmentBytes, maxRetentionBytes)
	if err != nil {
		return err
	}
	b.topics[name] = t
	b.logger.Info().Str("topic", name).Str("dir", t.Directory).Msg("created topic")
	return b.flushLocked()
}

// DescribeTopic returns the topic's parameters and consumer groups.
func (b *Broker) DescribeTopic(name string) (TopicInfo, error) {
	b.mu.RLock()
	t, ok := b.topics[name]
	b.mu.RUnlock()
	if !ok {
		return TopicInfo{}, ErrTopicNotFound
	}
	return t.Describe(), nil
}

// DeleteTopic drops the topic from the broker, deletes its directory tree,
// and persists the new membership. Operations that look the topic up after
// the delete observe not-found; one that already resolved the topic is not
// notified and runs on against its closed commit log.
func (b *Broker) DeleteTopic(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		return ErrTopicNotFound
	}
	delete(b.topics, name)
	if err := t.Remove(); err != nil {
		b.logger.Error().Err(err).Str("topic", name).Msg("removing topic directory")
	}
	b.logger.Info().Str("topic", name).Msg("deleted topic")
	return b.flushLocked()
}

// TopicSummary is one topic's entry in a listing.
type TopicSummary struct {
	Name           string
	ConsumerGroups []string
}

func (b *Broker) ListTopics() []TopicSummary {
	b.mu.RLock()
	defer b.mu.RUnlock()
	summaries := make([]TopicSummary, 0, len(b.topics))
	for name, t := range b.topics {
		summaries = append(summaries, TopicSummary{
			Name:           name,
			ConsumerGroups: t.ConsumerGroups(),
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })
	return summaries
}

// topicFor resolves a topic for produce or consume, creating it with the
// broker defaults when auto-creation is on.
func (b *Broker) topicFor(name string) (*Topic, error) {
	b.mu.RLock()
	t, ok := b.topics[name]
	b.mu.RUnlock()
	if ok {
		return t, nil
	}
	if !b.config.AutoCreateTopics {
		return nil, ErrTopicNotFound
	}
	if err := b.CreateTopic(name, 0, 0); err != nil && !errors.Is(err, ErrTopicExists) {
		return nil, err
	}
	b.mu.RLock()
	t, ok = b.topics[name]
	b.mu.RUnlock()
	if !ok {
		return nil, ErrTopicNotFound
	}
	return t, nil
}

// Produce appends the payloads to the topic's commit log in order and
// returns the highest offset assigned.
func (b *Broker) Produce(topic string, payloads [][]byte) (uint64, error) {
	t, err := b.topicFor(topic)
	if err != nil {
		return 0, err
	}
	var last uint64
	for _, p := range payloads {
		if last, err = t.Append(p); err != nil {
			return 0, errors.Wrapf(err, "appending to topic %s", topic)
		}
	}
	return last, nil
}

// NewConsumer returns a consumer handle over the named group, creating the
// group at the topic's oldest retained offset on first use and persisting
// the new membership. The handle's
// progress callback reconciles and flushes broker metadata.
func (b *Broker) NewConsumer(topic, group string) (*Consumer, error) {
	t, err := b.topicFor(topic)
	if err != nil {
		return nil, err
	}
	known := len(t.ConsumerGroups())
	g := t.LoadConsumerGroup(group)
	if len(t.ConsumerGroups()) > known {
		if err := b.Flush(); err != nil {
			b.logger.Error().Err(err).Str("topic", topic).Msg("flushing metadata")
		}
	}
	return &Consumer{
		topic:        t,
		group:        g,
		sync:         func() { b.sync(group) },
		pollInterval: b.config.PollInterval,
		logger:       b.logger,
	}, nil
}

// Consume polls the topic on behalf of the group for up to the timeout and
// returns the batch of payloads read. Group progress is persisted whenever
// the batch is non-empty.
func (b *Broker) Consume(ctx context.Context, topic, group string, timeout time.Duration) ([][]byte, error) {
	c, err := b.NewConsumer(topic, group)
	if err != nil {
		return nil, err
	}
	return c.Poll(ctx, timeout), nil
}

// sync reconciles the on-disk metadata snapshot into memory and flushes.
// Topics and groups present only in the snapshot are added; overlapping
// group cursors are raised to the snapshot value, never lowered. The group
// currently consuming is skipped so a stale snapshot cannot clobber live
// progress.
func (b *Broker) sync(activeGroup string) {
	m, ok, err := readMeta(b.config.BaseDirectory)
	if err != nil {
		b.logger.Error().Err(err).Msg("reading metadata for reconciliation")
	}
	if ok && err == nil {
		b.mu.Lock()
		for _, tm := range m.Topics {
			t, found := b.topics[tm.Name]
			if !found {
				groups := make([]*ConsumerGroup, 0, len(tm.Groups))
				for _, gm := range tm.Groups {
					groups = append(groups, NewConsumerGroup(gm.Name, gm.Offset))
				}
				t, err = openTopic(tm.Name, tm.Directory, tm.MaxSegmentBytes, tm.MaxRetentionBytes, groups)
				if err != nil {
					b.logger.Error().Err(err).Str("topic", tm.Name).Msg("reopening topic from metadata")
					continue
				}
				b.topics[tm.Name] = t
				continue
			}
			for _, gm := range tm.Groups {
				if gm.Name == activeGroup {
					continue
				}
				t.reconcileGroup(gm.Name, gm.Offset)
			}
		}
		b.mu.Unlock()
	}
	if err := b.Flush(); err != nil {
		b.logger.Error().Err(err).Msg("flushing metadata")
	}
}

// reconcileGroup folds one persisted group into the topic: unknown names
// are registered at the stored offset, known ones are raised to it.
func (t *Topic) reconcileGroup(name string, offset uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if g, ok := t.groups[name]; ok {
		g.RaiseTo(offset)
		return
	}
	t.groups[name] = NewConsumerGroup(name, offset)
}

func (b *Broker) snapshotLocked() *brokerMeta {
	m := &brokerMeta{
		BaseDirectory:   b.config.BaseDirectory,
		MaxSegmentBytes: b.config.MaxSegmentBytes,
		MaxTopicBytes:   b.config.MaxTopicBytes,
	}
	names := make([]string, 0, len(b.topics))
	for name := range b.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t := b.topics[name]
		tm := topicMeta{
			Name:              t.Name,
			Directory:         t.Directory,
			MaxSegmentBytes:   t.MaxSegmentBytes,
			MaxRetentionBytes: t.MaxRetentionBytes,
		}
		for _, g := range t.consumerGroupSnapshot() {
			tm.Groups = append(tm.Groups, groupMeta{Name: g.Name(), Offset: g.Offset()})
		}
		m.Topics = append(m.Topics, tm)
	}
	return m
}

func (b *Broker) flushLocked() error {
	return writeMeta(b.config.BaseDirectory, b.snapshotLocked())
}

// Flush rewrites the metadata file from the in-memory state.
func (b *Broker) Flush() error {
	b.mu.RLock()
	m := b.snapshotLocked()
	b.mu.RUnlock()
	return writeMeta(b.config.BaseDirectory, m)
}

// Close flushes metadata and closes every topic's commit log.
func (b *Broker) Close() error {
	if err := b.Flush(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.topics {
		if err := t.Close(); err != nil {
			return err
		}
	}
	return nil
}
