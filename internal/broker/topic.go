package broker

import (
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/lucidmq/lucidmq/internal/log"
)

// Topic wraps one commit log with the metadata the broker persists for it:
// its name, its on-disk directory, its size parameters, and its consumer
// groups.
type Topic struct {
	Name      string
	Directory string

	MaxSegmentBytes   uint64
	MaxRetentionBytes uint64

	mu     sync.Mutex
	groups map[string]*ConsumerGroup

	commitlog *log.Log
}

const dirNameLen = 5

const alphanumerics = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomName(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = alphanumerics[rand.Intn(len(alphanumerics))]
	}
	return string(b)
}

// newTopic creates a topic under a freshly allocated directory. The
// directory name is a short random suffix so two topics never collide, even
// reusing the same topic name over time.
func newTopic(name, baseDirectory string, maxSegmentBytes, maxRetentionBytes uint64) (*Topic, error) {
	directory := filepath.Join(baseDirectory, randomName(dirNameLen))
	if err := os.MkdirAll(directory, 0755); err != nil {
		return nil, errors.Wrap(err, "creating topic directory")
	}
	return openTopic(name, directory, maxSegmentBytes, maxRetentionBytes, nil)
}

// openTopic builds a topic over an existing directory, rebuilding the
// commit log from the segments on disk. Group cursors that have fallen
// behind retention are raised to the oldest retained offset.
func openTopic(name, directory string, maxSegmentBytes, maxRetentionBytes uint64, groups []*ConsumerGroup) (*Topic, error) {
	c := log.Config{}
	c.Segment.MaxStoreBytes = maxSegmentBytes
	c.Retention.MaxLogBytes = maxRetentionBytes
	commitlog, err := log.NewLog(directory, c)
	if err != nil {
		return nil, errors.Wrapf(err, "building commit log for topic %s", name)
	}

	t := &Topic{
		Name:              name,
		Directory:         directory,
		MaxSegmentBytes:   maxSegmentBytes,
		MaxRetentionBytes: maxRetentionBytes,
		groups:            make(map[string]*ConsumerGroup),
		commitlog:         commitlog,
	}
	oldest := commitlog.OldestOffset()
	for _, g := range groups {
		g.RaiseTo(oldest)
		t.groups[g.Name()] = g
	}
	return t, nil
}

func (t *Topic) Append(p []byte) (uint64, error) {
	return t.commitlog.Append(p)
}

func (t *Topic) ReadAt(off uint64) ([]byte, error) {
	return t.commitlog.Read(off)
}

// Reload picks up segments and entries written through another handle onto
// the topic's directory.
func (t *Topic) Reload() error {
	return t.commitlog.ReloadSegments()
}

// LoadConsumerGroup returns the group with the given name, creating and
// registering it on first use with its cursor at the oldest retained
// offset. Concurrent calls with the same name resolve to the same group.
func (t *Topic) LoadConsumerGroup(name string) *ConsumerGroup {
	t.mu.Lock()
	defer t.mu.Unlock()
	if g, ok := t.groups[name]; ok {
		return g
	}
	g := NewConsumerGroup(name, t.commitlog.OldestOffset())
	t.groups[name] = g
	return g
}

// ConsumerGroups returns the group names, sorted for stable listings.
func (t *Topic) ConsumerGroups() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.groups))
	for name := range t.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *Topic) consumerGroupSnapshot() []*ConsumerGroup {
	t.mu.Lock()
	defer t.mu.Unlock()
	groups := make([]*ConsumerGroup, 0, len(t.groups))
	for _, g := range t.groups {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].name < groups[j].name })
	return groups
}

// TopicInfo is the describe view of a topic.
type TopicInfo struct {
	MaxRetentionBytes uint64
	MaxSegmentBytes   uint64
	ConsumerGroups    []string
}

func (t *Topic) Describe() TopicInfo {
	return TopicInfo{
		MaxRetentionBytes: t.MaxRetentionBytes,
		MaxSegmentBytes:   t.MaxSegmentBytes,
		ConsumerGroups:    t.ConsumerGroups(),
	}
}

func (t *Topic) Close() error {
	return t.commitlog.Close()
}

// Remove closes the topic and deletes its directory tree.
func (t *Topic) Remove() error {
	return t.commitlog.Remove()
}
