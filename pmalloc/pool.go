// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package pmalloc

import (
	"sort"
	"unsafe"

	"github.com/pkg/errors"
)

// we aim at using about 3% (1/32) of a pool for its block table
const metaRatio = 32

// pool is a contiguous memory region with its own sorted block table.
type pool struct {
	start uintptr // first allocatable address (after the block table)
	size  uintptr // allocatable bytes
	typ   Type
	used  uintptr // sum of the live blocks sizes

	blocks []block // sorted by start, cap(blocks) == max number of blocks
	mem    []byte  // the aligned region, including the block table
	meta   uintptr // block table size + alignment padding
}

// calcMaxBlocks returns the block table capacity for a region of size bytes
// or 0 if the region is too small to hold a reasonable table.
func calcMaxBlocks(size uintptr, minBlocks int) int {
	maxBlocks := int(size / (metaRatio * blockSizeof))
	if maxBlocks < minBlocks {
		maxBlocks = minBlocks
	}
	// if we can't fit a reasonable block table in the region, fail
	if 2*blockSizeof*uintptr(maxBlocks) > size {
		return 0
	}
	return maxBlocks
}

// init sets up a pool on top of mem, carving the block table from
// the front of it.
func (p *pool) init(mem []byte, typ Type, minBlocks int) error {
	if len(mem) == 0 {
		return ErrEmptyRegion
	}
	addr := uintptr(unsafe.Pointer(&mem[0]))
	pad := alignUp(addr, blockAlign) - addr
	if pad >= uintptr(len(mem)) {
		return errors.Wrapf(ErrPoolRejected, "region %#x size %d", addr, len(mem))
	}
	mem = mem[pad:]
	size := uintptr(len(mem))
	maxBlocks := calcMaxBlocks(size, minBlocks)
	if maxBlocks < 1 {
		return errors.Wrapf(ErrPoolRejected,
			"region %#x size %d, need at least %d bytes",
			addr, len(mem)+int(pad), 2*blockSizeof*uintptr(minBlocks))
	}
	tblSize := blockSizeof * uintptr(maxBlocks)
	*p = pool{
		start:  addr + pad + tblSize,
		size:   size - tblSize,
		typ:    typ &^ Clear,
		blocks: overlayBlocks(mem, maxBlocks),
		mem:    mem,
		meta:   pad + tblSize,
	}
	return nil
}

// end returns the first address after the pool.
func (p *pool) end() uintptr { return p.start + p.size }

// full returns true if the block table has no room left.
func (p *pool) full() bool { return len(p.blocks) >= cap(p.blocks) }

// contains returns true if addr is inside the allocatable part of the pool.
func (p *pool) contains(addr uintptr) bool {
	return addr >= p.start && addr < p.end()
}

// bytes returns the pool memory corresponding to [addr, addr+n).
func (p *pool) bytes(addr uintptr, n uintptr) []byte {
	off := addr - p.start + p.meta
	return p.mem[off : off+n : off+n]
}

// ptr converts a pool address to a pointer.
func (p *pool) ptr(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(&p.mem[addr-p.start+p.meta])
}

// gap returns the free span before the i-th block
// (i == len(blocks) is the span after the last block).
func (p *pool) gap(i int) (start, free uintptr) {
	start = p.start
	if i > 0 {
		start = p.blocks[i-1].end()
	}
	end := p.end()
	if i < len(p.blocks) {
		end = p.blocks[i].start
	}
	return start, end - start
}

// bestFit looks for the smallest gap able to hold size bytes.
// On equal gap sizes the lowest address wins.
// It returns the block table index where the new block should be inserted
// and the gap start, or -1 if nothing fits.
func (p *pool) bestFit(size uintptr, trace Logger) (int, uintptr) {
	bestIdx := -1
	bestStart := uintptr(0)
	bestFree := ^uintptr(0)
	for i := 0; i <= len(p.blocks); i++ {
		start, free := p.gap(i)
		if size <= free && free < bestFree {
			if trace != nil {
				trace.Logf("allocFrom: found idx: %d (gap %d bytes)\n", i, free)
			}
			bestIdx = i
			bestStart = start
			bestFree = free
		}
	}
	return bestIdx, bestStart
}

// largestGap returns the biggest free span in the pool.
func (p *pool) largestGap() uintptr {
	var max uintptr
	for i := 0; i <= len(p.blocks); i++ {
		if _, free := p.gap(i); free > max {
			max = free
		}
	}
	return max
}

// allocFrom reserves size bytes (size > 0) from the pool and returns the
// start address of the new block.
// If trace is not nil, the gap search is traced to it.
func (p *pool) allocFrom(size uint64, trace Logger) (uintptr, error) {
	// we can't allocate more blocks than the table holds
	if p.full() {
		return 0, errors.Wrapf(ErrCapacityExhausted,
			"pool %#x: %d blocks", p.start, cap(p.blocks))
	}
	if size > uint64(p.size) {
		return 0, errors.Wrapf(ErrNoFit, "pool %#x: %d bytes requested,"+
			" pool size %d", p.start, size, p.size)
	}
	sz := alignUp(uintptr(size), AllocAlign)

	idx, start := p.bestFit(sz, trace)
	if idx < 0 {
		return 0, errors.Wrapf(ErrNoFit, "pool %#x: %d bytes requested",
			p.start, sz)
	}
	// move all the following blocks to the right
	n := len(p.blocks)
	p.blocks = p.blocks[:n+1]
	copy(p.blocks[idx+1:], p.blocks[idx:n])
	p.blocks[idx] = block{start: start, size: sz}
	p.used += sz
	return start, nil
}

// find returns the block table index of the block starting at addr
// or -1.
func (p *pool) find(addr uintptr) int {
	i := sort.Search(len(p.blocks), func(i int) bool {
		return p.blocks[i].start >= addr
	})
	if i < len(p.blocks) && p.blocks[i].start == addr {
		return i
	}
	return -1
}

// freeFrom releases the block starting at addr and returns its size.
func (p *pool) freeFrom(addr uintptr) (uintptr, bool) {
	i := p.find(addr)
	if i < 0 {
		return 0, false
	}
	sz := p.blocks[i].size
	// move all the following blocks to the left
	copy(p.blocks[i:], p.blocks[i+1:])
	p.blocks = p.blocks[:len(p.blocks)-1]
	p.used -= sz
	return sz, true
}
