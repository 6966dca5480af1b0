package bus

import (
	"slices"
	"sync/atomic"
)

// topic holds the subscriber set for one name. The set is copy-on-write:
// writers (serialised by Bus.mu) swap in a new slice, so a publish that
// loaded the previous snapshot keeps iterating a stable list.
type topic struct {
	name string
	subs atomic.Pointer[[]*subscription]
}

func newTopic(name string) *topic {
	t := &topic{name: name}
	t.subs.Store(&[]*subscription{})
	return t
}

func (t *topic) snapshot() []*subscription {
	return *t.subs.Load()
}

// add must be called with Bus.mu held.
func (t *topic) add(sub *subscription) {
	cur := t.snapshot()
	next := make([]*subscription, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, sub)
	t.subs.Store(&next)
}

// remove must be called with Bus.mu held. Returns the remaining count.
func (t *topic) remove(sub *subscription) int {
	cur := t.snapshot()
	i := slices.Index(cur, sub)
	if i < 0 {
		return len(cur)
	}
	next := slices.Concat(cur[:i], cur[i+1:])
	t.subs.Store(&next)
	return len(next)
}
