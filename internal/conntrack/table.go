package conntrack

import (
	"sync"
	"sync/atomic"

	"grimm.is/chainwall/internal/errors"
)

const (
	DefaultBuckets    = 256
	DefaultMaxEntries = 65536
)

var errTableFull = errors.New(errors.KindTableFull, "connection table full")

// Options configures a Table.
type Options struct {
	// Buckets must be a power of two.
	Buckets int
	// MaxEntries caps the number of tracked flows; zero means unlimited.
	MaxEntries int
}

// DefaultOptions returns the default table sizing.
func DefaultOptions() Options {
	return Options{
		Buckets:    DefaultBuckets,
		MaxEntries: DefaultMaxEntries,
	}
}

type bucket struct {
	mu   sync.Mutex
	head *entry
}

// Table is the connection tracking table.
type Table struct {
	buckets    []bucket
	mask       uint64
	maxEntries int64
	count      atomic.Int64
}

// New creates a table.
func New(opts Options) (*Table, error) {
	if opts.Buckets <= 0 || opts.Buckets&(opts.Buckets-1) != 0 {
		return nil, errors.Errorf(errors.KindInvalidArgument, "bucket count %d is not a power of two", opts.Buckets)
	}
	if opts.MaxEntries < 0 {
		return nil, errors.Errorf(errors.KindInvalidArgument, "negative max entries %d", opts.MaxEntries)
	}
	return &Table{
		buckets:    make([]bucket, opts.Buckets),
		mask:       uint64(opts.Buckets - 1),
		maxEntries: int64(opts.MaxEntries),
	}, nil
}

// BucketFor returns the index of the bucket holding k (and k.Reverse()).
func (t *Table) BucketFor(k Key) int {
	return int(hashKey(k) & t.mask)
}

// NumBuckets returns the bucket count.
func (t *Table) NumBuckets() int {
	return len(t.buckets)
}

// Cap returns the entry limit; zero means unlimited.
func (t *Table) Cap() int {
	return int(t.maxEntries)
}

// Len returns the number of tracked flows.
func (t *Table) Len() int {
	return int(t.count.Load())
}

// find returns the entry for k in either direction. Caller holds b.mu.
func (b *bucket) find(k Key) (e *entry, reply bool) {
	rk := k.Reverse()
	for e = b.head; e != nil; e = e.next {
		if e.key == k {
			return e, false
		}
		if e.key == rk {
			return e, true
		}
	}
	return nil, false
}

// Lookup returns the flow for k and whether k is the reply direction.
func (t *Table) Lookup(k Key) (flow Flow, reply bool, ok bool) {
	b := &t.buckets[t.BucketFor(k)]
	b.mu.Lock()
	defer b.mu.Unlock()

	e, reply := b.find(k)
	if e == nil {
		return Flow{}, false, false
	}
	return e.flow(), reply, true
}

// Peek returns the state a packet with tuple k has, without modifying the
// table. Unknown flows are NEW. A reply on a NEW flow reports ESTABLISHED,
// which is the state Track will move it to if the packet is allowed.
func (t *Table) Peek(k Key) (State, bool) {
	b := &t.buckets[t.BucketFor(k)]
	b.mu.Lock()
	defer b.mu.Unlock()

	e, reply := b.find(k)
	if e == nil {
		return StateNew, false
	}
	if reply && e.state == StateNew {
		return StateEstablished, true
	}
	return e.state, true
}

// Track records an allowed packet. A miss creates a NEW entry keyed in the
// packet's direction; a reply on a NEW entry moves it to ESTABLISHED.
// Returns true if a new entry was created, or a TableFull error if the
// table is at capacity.
func (t *Table) Track(k Key, now uint64, length uint32) (bool, error) {
	b := &t.buckets[t.BucketFor(k)]
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, reply := b.find(k); e != nil {
		if reply && e.state == StateNew {
			e.state = StateEstablished
		}
		e.touch(now, length)
		return false, nil
	}

	if !t.reserve() {
		return false, errTableFull
	}
	e := &entry{key: k, state: StateNew, next: b.head}
	e.touch(now, length)
	b.head = e
	return true, nil
}

func (e *entry) touch(now uint64, length uint32) {
	if now > e.lastSeen {
		e.lastSeen = now
	}
	e.packets++
	e.bytes += uint64(length)
}

func (t *Table) reserve() bool {
	for {
		c := t.count.Load()
		if t.maxEntries > 0 && c >= t.maxEntries {
			return false
		}
		if t.count.CompareAndSwap(c, c+1) {
			return true
		}
	}
}

// MarkRelated sets an existing flow to RELATED. Returns false if unknown.
func (t *Table) MarkRelated(k Key) bool {
	b := &t.buckets[t.BucketFor(k)]
	b.mu.Lock()
	defer b.mu.Unlock()

	e, _ := b.find(k)
	if e == nil {
		return false
	}
	e.state = StateRelated
	return true
}

// Delete removes the flow for k in either direction.
func (t *Table) Delete(k Key) bool {
	b := &t.buckets[t.BucketFor(k)]
	b.mu.Lock()
	defer b.mu.Unlock()

	rk := k.Reverse()
	for p := &b.head; *p != nil; p = &(*p).next {
		if (*p).key == k || (*p).key == rk {
			*p = (*p).next
			t.count.Add(-1)
			return true
		}
	}
	return false
}

// Sweep removes every flow idle for more than timeout ticks and returns how
// many were removed. Buckets are visited one at a time.
func (t *Table) Sweep(now, timeout uint64) int {
	removed := 0
	for i := range t.buckets {
		removed += t.sweepBucket(&t.buckets[i], now, timeout)
	}
	return removed
}

func (t *Table) sweepBucket(b *bucket, now, timeout uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for p := &b.head; *p != nil; {
		e := *p
		if now > e.lastSeen && now-e.lastSeen > timeout {
			*p = e.next
			n++
			continue
		}
		p = &e.next
	}
	if n > 0 {
		t.count.Add(-int64(n))
	}
	return n
}

// Flows returns a copy of every tracked flow. The copy is consistent per
// bucket, not across the table.
func (t *Table) Flows() []Flow {
	out := make([]Flow, 0, t.Len())
	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.Lock()
		for e := b.head; e != nil; e = e.next {
			out = append(out, e.flow())
		}
		b.mu.Unlock()
	}
	return out
}

// Restore inserts flows, stamping each with now as its last-seen tick.
// Flows already present in either direction are skipped. Returns the number
// inserted; stops with TableFull if the cap is reached.
func (t *Table) Restore(flows []Flow, now uint64) (int, error) {
	n := 0
	for _, f := range flows {
		if f.State >= numStates {
			return n, errors.Errorf(errors.KindInvalidArgument, "flow %s has invalid state %d", f.Key, f.State)
		}
		if f.Key.Dir >= numDirs {
			return n, errors.Errorf(errors.KindInvalidArgument, "flow %s has invalid direction %d", f.Key, f.Key.Dir)
		}
		b := &t.buckets[t.BucketFor(f.Key)]
		b.mu.Lock()
		if e, _ := b.find(f.Key); e != nil {
			b.mu.Unlock()
			continue
		}
		if !t.reserve() {
			b.mu.Unlock()
			return n, errTableFull
		}
		b.head = &entry{
			key:      f.Key,
			state:    f.State,
			lastSeen: now,
			packets:  f.Packets,
			bytes:    f.Bytes,
			next:     b.head,
		}
		b.mu.Unlock()
		n++
	}
	return n, nil
}

// Flush removes every flow and returns how many were removed.
func (t *Table) Flush() int {
	removed := 0
	for i := range t.buckets {
		b := &t.buckets[i]
		b.mu.Lock()
		for e := b.head; e != nil; e = e.next {
			removed++
		}
		b.head = nil
		b.mu.Unlock()
	}
	t.count.Add(-int64(removed))
	return removed
}
