package vm

import "time"

// ---------------------------------------------------------------------------
// Mark-sweep collector
// ---------------------------------------------------------------------------

// GCStats holds statistics from a single collection.
type GCStats struct {
	Marked   int
	Freed    int
	Live     int
	Duration time.Duration
	Skipped  bool // collection was paused
}

// Collect runs one full mark-sweep cycle. Collection never happens as a
// side effect of allocation; hosts decide when to call this.
func (c *Context) Collect() GCStats {
	if c.gcPaused > 0 {
		return GCStats{Live: c.heap.live, Skipped: true}
	}
	start := time.Now()

	work := make([]*Object, 0, 64)
	grey := func(v Value) {
		if !v.IsHeap() {
			return
		}
		o := c.heap.deref(v)
		if o == nil || o.marked {
			return
		}
		o.marked = true
		work = append(work, o)
	}

	grey(c.globals)
	grey(c.scope)
	for _, v := range c.stack[:c.sp] {
		grey(v)
	}
	for _, o := range c.running {
		grey(c.ref(o))
	}
	for v := range c.pinned {
		grey(v)
	}
	for _, p := range c.protos {
		grey(p)
	}

	marked := 0
	for len(work) > 0 {
		o := work[len(work)-1]
		work = work[:len(work)-1]
		marked++

		grey(o.parent)
		for _, m := range o.members {
			grey(m.key)
			grey(m.value)
		}
		for _, e := range o.elems {
			grey(e)
		}
		if o.code != nil {
			grey(o.code.Scope)
			for _, k := range o.code.Consts {
				grey(k)
			}
		}
	}

	freed := 0
	for _, o := range c.heap.slots {
		if o == nil {
			continue
		}
		if !o.marked {
			c.heap.release(o)
			freed++
			continue
		}
		o.marked = false
	}

	stats := GCStats{
		Marked:   marked,
		Freed:    freed,
		Live:     c.heap.live,
		Duration: time.Since(start),
	}
	c.lastGC = stats
	c.log.Debugf("gc: marked %d, freed %d, live %d in %s", stats.Marked, stats.Freed, stats.Live, stats.Duration)
	return stats
}

// PauseGC makes Collect a no-op until a matching ResumeGC.
func (c *Context) PauseGC() { c.gcPaused++ }

// ResumeGC undoes one PauseGC.
func (c *Context) ResumeGC() {
	if c.gcPaused > 0 {
		c.gcPaused--
	}
}

// LastGC returns the statistics of the most recent collection.
func (c *Context) LastGC() GCStats { return c.lastGC }

// LiveObjects returns the number of objects currently allocated.
func (c *Context) LiveObjects() int { return c.heap.live }

// Pin keeps v alive across collections until a matching Unpin.
func (c *Context) Pin(v Value) {
	if v.IsHeap() {
		c.pinned[v]++
	}
}

// Unpin releases one Pin of v.
func (c *Context) Unpin(v Value) {
	if n, ok := c.pinned[v]; ok {
		if n <= 1 {
			delete(c.pinned, v)
		} else {
			c.pinned[v] = n - 1
		}
	}
}
