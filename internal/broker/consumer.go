package broker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/lucidmq/lucidmq/internal/log"
)

// Consumer is an owned handle for one consume call: a topic, the group
// cursor it advances, and a callback that persists the group's progress.
// The callback keeps the broker out of the consumer's type so there is no
// reference cycle; the broker supplies a closure over itself.
type Consumer struct {
	topic        *Topic
	group        *ConsumerGroup
	sync         func()
	pollInterval time.Duration
	logger       zerolog.Logger
}

// Poll reads messages from the group's cursor until the timeout elapses,
// advancing the cursor once per message read. When the cursor is at the end
// of the log it re-reads the segment directory and sleeps one poll interval
// before trying again, so appends from other handles are picked up. The
// batch collected so far is returned when the window closes or the context
// is canceled; if anything was consumed, the progress callback runs so the
// new cursor is durable.
func (c *Consumer) Poll(ctx context.Context, timeout time.Duration) [][]byte {
	if err := c.topic.Reload(); err != nil {
		c.logger.Error().Err(err).Str("topic", c.topic.Name).Msg("reloading segments")
	}

	var records [][]byte
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		p, err := c.topic.ReadAt(c.group.Offset())
		if err == nil {
			c.group.Advance()
			records = append(records, p)
			continue
		}
		if !errors.Is(err, log.ErrOffsetNotFound) {
			c.logger.Error().Err(err).
				Str("topic", c.topic.Name).
				Uint64("offset", c.group.Offset()).
				Msg("reading commit log")
			break
		}
		if err := c.topic.Reload(); err != nil {
			c.logger.Error().Err(err).Str("topic", c.topic.Name).Msg("reloading segments")
		}
		select {
		case <-ctx.Done():
			return c.finish(records)
		case <-time.After(c.pollInterval):
		}
	}
	return c.finish(records)
}

func (c *Consumer) finish(records [][]byte) [][]byte {
	if len(records) > 0 && c.sync != nil {
		c.sync()
	}
	return records
}

// Offset returns the group cursor's next offset.
func (c *Consumer) Offset() uint64 {
	return c.group.Offset()
}
