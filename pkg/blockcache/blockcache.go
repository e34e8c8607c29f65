// Package blockcache memoizes decoded blocks by guest program counter.
//
// Lookups go through a direct-mapped hash of collision chains. Every
// published block also sits on one of two lists: the active list, which
// range invalidation scans, or the dormant list for blocks decoded from
// memory the guest cannot write.
package blockcache

const (
	HashBits = 15
	HashSize = 1 << HashBits
	hashMask = HashSize - 1
)

// Info is the per-block metadata the cache needs.
type Info interface {
	comparable
	PC() uint32
	// Intersect reports whether the guest span the block was decoded from
	// overlaps [start, end).
	Intersect(start, end uint32) bool
}

type entry[B Info] struct {
	block B
	pc    uint32

	nextCL, prevCL *entry[B] // collision chain
	next, prev     *entry[B] // active or dormant list
	dormant        bool
}

// Cache is owned by one CPU and is not safe for concurrent use.
type Cache[B Info] struct {
	newBlock func(pc uint32) B

	tags    [HashSize]*entry[B]
	active  *entry[B]
	dormant *entry[B]
	free    *entry[B]
	count   int

	// OnEvict runs for every block dropped by ClearRange or Remove, before
	// the block leaves the cache.
	OnEvict func(b B)
}

// New returns an empty cache. newBlock allocates an unpublished block.
func New[B Info](newBlock func(pc uint32) B) *Cache[B] {
	return &Cache[B]{newBlock: newBlock}
}

func cacheline(pc uint32) uint32 {
	return (pc >> 2) & hashMask
}

// NewBlock allocates a block for pc. It is not visible to Find until
// Publish.
func (c *Cache[B]) NewBlock(pc uint32) B {
	return c.newBlock(pc)
}

// Publish makes b visible to Find. Dormant blocks are never considered by
// ClearRange, only by ClearDormantRange. A previously published block at the same pc is replaced.
func (c *Cache[B]) Publish(b B, dormant bool) {
	pc := b.PC()
	if old := c.lookup(pc); old != nil {
		c.unlink(old)
	}
	e := c.alloc()
	e.block = b
	e.pc = pc
	e.dormant = dormant
	c.addToCL(e)
	if dormant {
		c.pushList(&c.dormant, e)
	} else {
		c.pushList(&c.active, e)
	}
	c.count++
}

// FastFind looks only at the head of pc's collision chain.
func (c *Cache[B]) FastFind(pc uint32) (B, bool) {
	if e := c.tags[cacheline(pc)]; e != nil && e.pc == pc {
		return e.block, true
	}
	var zero B
	return zero, false
}

// Find returns the block starting at pc. A hit further down a collision
// chain is moved to the front.
func (c *Cache[B]) Find(pc uint32) (B, bool) {
	e := c.tags[cacheline(pc)]
	if e != nil && e.pc == pc {
		return e.block, true
	}
	for e != nil {
		e = e.nextCL
		if e != nil && e.pc == pc {
			c.removeFromCL(e)
			c.addToCL(e)
			return e.block, true
		}
	}
	var zero B
	return zero, false
}

// Clear drops every block, active and dormant. OnEvict is not called.
func (c *Cache[B]) Clear() {
	for _, head := range []**entry[B]{&c.active, &c.dormant} {
		for e := *head; e != nil; {
			next := e.next
			c.release(e)
			e = next
		}
		*head = nil
	}
	c.tags = [HashSize]*entry[B]{}
	c.count = 0
}

// ClearRange removes every active block whose decoded span intersects
// [start, end) and returns how many were removed.
func (c *Cache[B]) ClearRange(start, end uint32) int {
	return c.clearList(c.active, start, end)
}

// ClearDormantRange is ClearRange for the dormant list. Only the host
// calls for it, after rewriting memory the guest cannot.
func (c *Cache[B]) ClearDormantRange(start, end uint32) int {
	return c.clearList(c.dormant, start, end)
}

func (c *Cache[B]) clearList(head *entry[B], start, end uint32) int {
	removed := 0
	for e := head; e != nil; {
		next := e.next
		if e.block.Intersect(start, end) {
			c.evict(e)
			removed++
		}
		e = next
	}
	return removed
}

// Remove drops b if it is published.
func (c *Cache[B]) Remove(b B) bool {
	e := c.lookup(b.PC())
	if e == nil || e.block != b {
		return false
	}
	c.evict(e)
	return true
}

// Len returns the number of published blocks.
func (c *Cache[B]) Len() int {
	return c.count
}

// Blocks returns active blocks followed by dormant ones, most recently
// published first.
func (c *Cache[B]) Blocks() []B {
	out := make([]B, 0, c.count)
	for _, head := range []*entry[B]{c.active, c.dormant} {
		for e := head; e != nil; e = e.next {
			out = append(out, e.block)
		}
	}
	return out
}

// Dormant reports whether the published block at pc lives on the dormant
// list.
func (c *Cache[B]) Dormant(pc uint32) bool {
	e := c.lookup(pc)
	return e != nil && e.dormant
}

func (c *Cache[B]) lookup(pc uint32) *entry[B] {
	for e := c.tags[cacheline(pc)]; e != nil; e = e.nextCL {
		if e.pc == pc {
			return e
		}
	}
	return nil
}

func (c *Cache[B]) evict(e *entry[B]) {
	if c.OnEvict != nil {
		c.OnEvict(e.block)
	}
	c.unlink(e)
}

func (c *Cache[B]) unlink(e *entry[B]) {
	c.removeFromCL(e)
	if e.dormant {
		c.removeFromList(&c.dormant, e)
	} else {
		c.removeFromList(&c.active, e)
	}
	c.count--
	c.release(e)
}

func (c *Cache[B]) addToCL(e *entry[B]) {
	cl := cacheline(e.pc)
	head := c.tags[cl]
	e.prevCL = nil
	e.nextCL = head
	if head != nil {
		head.prevCL = e
	}
	c.tags[cl] = e
}

func (c *Cache[B]) removeFromCL(e *entry[B]) {
	if e.prevCL != nil {
		e.prevCL.nextCL = e.nextCL
	} else {
		c.tags[cacheline(e.pc)] = e.nextCL
	}
	if e.nextCL != nil {
		e.nextCL.prevCL = e.prevCL
	}
	e.nextCL, e.prevCL = nil, nil
}

func (c *Cache[B]) pushList(head **entry[B], e *entry[B]) {
	e.prev = nil
	e.next = *head
	if *head != nil {
		(*head).prev = e
	}
	*head = e
}

func (c *Cache[B]) removeFromList(head **entry[B], e *entry[B]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		*head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	}
	e.next, e.prev = nil, nil
}

// Entries are recycled through a free list so steady-state decoding does
// not allocate list nodes.
func (c *Cache[B]) alloc() *entry[B] {
	e := c.free
	if e == nil {
		return &entry[B]{}
	}
	c.free = e.next
	e.next = nil
	return e
}

func (c *Cache[B]) release(e *entry[B]) {
	*e = entry[B]{}
	e.next = c.free
	c.free = e
}
