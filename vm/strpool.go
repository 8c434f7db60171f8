package vm

import "errors"

// ---------------------------------------------------------------------------
// StringPool: Interned identifier and literal text
// ---------------------------------------------------------------------------

// PoolPageSize is the number of slots in one string pool page.
const PoolPageSize = 256

// DefaultMaxPoolPages fills the 16-bit key space.
const DefaultMaxPoolPages = 65536 / PoolPageSize

// ErrPoolExhausted is returned when no page can take a new string.
var ErrPoolExhausted = errors.New("insufficient memory")

type poolPage struct {
	slots [PoolPageSize]string
	used  [PoolPageSize]bool
	count int
}

// StringPool interns text to 16-bit keys.
//
// Each page is an open-addressing table probed with
// (hash + i*(2*hash+1)) mod PoolPageSize. A string that finds no free slot
// along its probe path moves on to the next page, allocating one when it
// runs out. The key of a string is its slot plus page*PoolPageSize, so
// keys never move once assigned.
type StringPool struct {
	pages    []*poolPage
	maxPages int
	count    int
}

// NewStringPool creates a pool that may grow to maxPages pages.
func NewStringPool(maxPages int) *StringPool {
	if maxPages <= 0 || maxPages > DefaultMaxPoolPages {
		maxPages = DefaultMaxPoolPages
	}
	return &StringPool{
		pages:    []*poolPage{{}},
		maxPages: maxPages,
	}
}

// poolHash is the ELF hash over the bytes of s.
func poolHash(s string) uint32 {
	var h uint32
	for i := 0; i < len(s); i++ {
		h = h<<4 + uint32(s[i])
		if hi := h & 0xf0000000; hi != 0 {
			h = h ^ hi>>24 ^ hi
		}
	}
	return h
}

func probe(hash uint32, i uint32) uint32 {
	return (hash + i*(hash*2+1)) % PoolPageSize
}

// Insert returns the key for s, adding it if it is not present.
func (p *StringPool) Insert(s string) (uint16, error) {
	hash := poolHash(s)
	for gen := 0; ; gen++ {
		if gen == len(p.pages) {
			if len(p.pages) >= p.maxPages {
				return 0xFFFF, ErrPoolExhausted
			}
			p.pages = append(p.pages, &poolPage{})
		}
		page := p.pages[gen]
		for i := uint32(0); i < PoolPageSize; i++ {
			pos := probe(hash, i)
			if !page.used[pos] {
				page.used[pos] = true
				page.slots[pos] = s
				page.count++
				p.count++
				return uint16(int(pos) + gen*PoolPageSize), nil
			}
			if page.slots[pos] == s {
				return uint16(int(pos) + gen*PoolPageSize), nil
			}
		}
	}
}

// Find returns the key of s without inserting it.
func (p *StringPool) Find(s string) (uint16, bool) {
	hash := poolHash(s)
	for gen, page := range p.pages {
		for i := uint32(0); i < PoolPageSize; i++ {
			pos := probe(hash, i)
			if !page.used[pos] {
				return 0, false
			}
			if page.slots[pos] == s {
				return uint16(int(pos) + gen*PoolPageSize), true
			}
		}
	}
	return 0, false
}

// Lookup returns the text for a key.
func (p *StringPool) Lookup(key uint16) (string, bool) {
	gen, pos := int(key)/PoolPageSize, int(key)%PoolPageSize
	if gen >= len(p.pages) || !p.pages[gen].used[pos] {
		return "", false
	}
	return p.pages[gen].slots[pos], true
}

// Len returns the number of interned strings.
func (p *StringPool) Len() int { return p.count }

// Pages returns the number of allocated pages.
func (p *StringPool) Pages() int { return len(p.pages) }
