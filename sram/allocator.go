// Package sram manages the on-chip SRAM of a single bank.
package sram

import (
	"fmt"
	"slices"
	"strings"
)

// Preference chooses which end of the free space an allocation is taken
// from.
type Preference int

const (
	Start Preference = iota
	End
)

type chunk struct {
	begin, end uint32
	debug      string
}

// Allocator is a free-list allocator over one SRAM bank.
//
// Allocator values may be copied freely. Every mutation replaces the
// internal lists, so a copy never observes changes made through the
// original and vice versa. Speculative strategy attempts run against a
// copy, and the winning copy is assigned back.
type Allocator struct {
	capacity uint32
	free     []chunk
	used     []chunk
}

// NewAllocator creates an empty allocator with the given capacity in
// bytes.
func NewAllocator(capacity uint32) Allocator {
	a := Allocator{capacity: capacity}
	a.Reset()
	return a
}

// Capacity returns the size of the bank.
func (a *Allocator) Capacity() uint32 {
	return a.capacity
}

func (a *Allocator) detach() {
	a.free = slices.Clone(a.free)
	a.used = slices.Clone(a.used)
}

// Allocate reserves size bytes and returns their offset.
func (a *Allocator) Allocate(size uint32, pref Preference, debugName string) (uint32, bool) {
	a.detach()

	switch pref {
	case Start:
		for i := range a.free {
			r := &a.free[i]
			if size <= r.end-r.begin {
				c := chunk{r.begin, r.begin + size, debugName}
				a.used = append(a.used, c)
				r.begin += size
				if r.begin == r.end {
					a.free = slices.Delete(a.free, i, i+1)
				}
				return c.begin, true
			}
		}
	case End:
		for i := len(a.free) - 1; i >= 0; i-- {
			r := &a.free[i]
			if size <= r.end-r.begin {
				c := chunk{r.end - size, r.end, debugName}
				a.used = append(a.used, c)
				r.end -= size
				if r.begin == r.end {
					a.free = slices.Delete(a.free, i, i+1)
				}
				return c.begin, true
			}
		}
	}

	return 0, false
}

// Free releases the allocation starting at offset.
func (a *Allocator) Free(offset uint32) bool {
	idx := slices.IndexFunc(a.used, func(c chunk) bool { return c.begin == offset })
	if idx < 0 {
		return false
	}

	a.detach()
	c := a.used[idx]
	a.used = slices.Delete(a.used, idx, idx+1)
	a.free = append(a.free, c)
	slices.SortFunc(a.free, func(x, y chunk) int {
		return int(int64(x.begin) - int64(y.begin))
	})
	a.collapse()

	return true
}

func (a *Allocator) collapse() {
	for i := len(a.free) - 1; i >= 1; i-- {
		if a.free[i-1].end == a.free[i].begin {
			a.free[i-1].end = a.free[i].end
			a.free = slices.Delete(a.free, i, i+1)
		}
	}
}

// Reset frees everything.
func (a *Allocator) Reset() {
	a.free = []chunk{{0, a.capacity, ""}}
	a.used = nil
}

// IsFull reports whether no free space remains.
func (a *Allocator) IsFull() bool {
	return len(a.free) == 0
}

// IsEmpty reports whether nothing is allocated.
func (a *Allocator) IsEmpty() bool {
	return len(a.used) == 0
}

// UsedBytes returns the total size of live allocations.
func (a *Allocator) UsedBytes() uint32 {
	total := uint32(0)
	for _, c := range a.used {
		total += c.end - c.begin
	}
	return total
}

// LargestFree returns the size of the largest free range.
func (a *Allocator) LargestFree() uint32 {
	largest := uint32(0)
	for _, c := range a.free {
		largest = max(largest, c.end-c.begin)
	}
	return largest
}

// Equal reports whether two allocators hold the same free and used ranges.
func (a *Allocator) Equal(o *Allocator) bool {
	same := func(x, y []chunk) bool {
		return slices.EqualFunc(x, y, func(p, q chunk) bool {
			return p.begin == q.begin && p.end == q.end
		})
	}
	return a.capacity == o.capacity && same(a.free, o.free) && same(a.used, o.used)
}

// DumpUsage describes the used and free ranges.
func (a *Allocator) DumpUsage() string {
	var sb strings.Builder
	sb.WriteString("Sram Used Memory: \n")
	for _, c := range a.used {
		fmt.Fprintf(&sb, "range=%d---%d %s\n", c.begin, c.end, c.debug)
	}
	sb.WriteString("Sram Free Memory: \n")
	for _, c := range a.free {
		fmt.Fprintf(&sb, "range=%d---%d\n", c.begin, c.end)
	}
	return sb.String()
}
