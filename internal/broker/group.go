package broker

import "sync/atomic"

// ConsumerGroup is a named cursor into one topic's offset space. The cursor
// is the only piece of broker state mutated through a shared handle, so it
// is an atomic with sequentially consistent loads and stores; cooperating
// consumers advance it with fetch-add and reconciliation raises it with
// compare-exchange.
type ConsumerGroup struct {
	name   string
	offset atomic.Uint64
}

func NewConsumerGroup(name string, offset uint64) *ConsumerGroup {
	g := &ConsumerGroup{name: name}
	g.offset.Store(offset)
	return g
}

func (g *ConsumerGroup) Name() string {
	return g.name
}

// Offset returns the next offset the group will consume.
func (g *ConsumerGroup) Offset() uint64 {
	return g.offset.Load()
}

// Advance moves the cursor forward by one and returns the offset that was
// consumed. Concurrent consumers each observe a distinct prior value, so no
// update is lost.
func (g *ConsumerGroup) Advance() uint64 {
	return g.offset.Add(1) - 1
}

// RaiseTo lifts the cursor to the given offset if it is ahead of the
// current one. It never lowers the cursor: persisted progress may not
// regress. Conflicting advances retry the exchange.
func (g *ConsumerGroup) RaiseTo(offset uint64) {
	for {
		cur := g.offset.Load()
		if offset <= cur {
			return
		}
		if g.offset.CompareAndSwap(cur, offset) {
			return
		}
	}
}
