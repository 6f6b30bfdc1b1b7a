package mmu

import (
	"kboot/loader"
	"kboot/loader/mem"
)

// ErrNotMapped is returned by the virtual-view memory operations when any
// page of the requested range has no translation in the context.
var ErrNotMapped = &loader.Error{Module: "mmu", Message: "virtual range is not fully mapped"}

// MemsetV fills [virt, virt+size) with val through the context's mappings.
// The whole range is translated before any byte is written; an unmapped page
// anywhere in the range leaves memory untouched and returns ErrNotMapped.
func (c *Context) MemsetV(virt uint64, val byte, size uint64) *loader.Error {
	c.checkMutable()

	return c.eachMappedChunk(virt, size, func(buf []byte, _ uint64) {
		for i := range buf {
			buf[i] = val
		}
	})
}

// MemcpyToV copies data into the virtual range starting at virt.
func (c *Context) MemcpyToV(virt uint64, data []byte) *loader.Error {
	c.checkMutable()

	return c.eachMappedChunk(virt, uint64(len(data)), func(buf []byte, off uint64) {
		copy(buf, data[off:])
	})
}

// MemcpyFromV copies len(dst) bytes out of the virtual range starting at
// virt. Unlike the mutating operations it is legal on a finalized context.
func (c *Context) MemcpyFromV(dst []byte, virt uint64) *loader.Error {
	return c.eachMappedChunk(virt, uint64(len(dst)), func(buf []byte, off uint64) {
		copy(dst[off:], buf)
	})
}

// eachMappedChunk validates that [virt, virt+size) is fully mapped and then
// invokes fn once per page-bounded chunk with the loader-accessible bytes
// backing it and the chunk's offset from virt.
func (c *Context) eachMappedChunk(virt, size uint64, fn func(buf []byte, off uint64)) *loader.Error {
	if size == 0 {
		return nil
	}
	if virt+size < virt {
		return ErrNotMapped
	}

	// Validation pass: every covered page must translate.
	for page := mem.PageAlignDown(virt); page < virt+size; page += mem.PageSize {
		if _, ok := c.lookup(page); !ok {
			return ErrNotMapped
		}
	}

	var off uint64
	for off < size {
		cur := virt + off
		chunk := mem.PageSize - cur%mem.PageSize
		if remaining := size - off; chunk > remaining {
			chunk = remaining
		}

		phys, _ := c.lookup(cur)
		fn(c.pm.Slice(phys, chunk), off)
		off += chunk
	}

	return nil
}
