// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package pmalloc

import (
	"unsafe"
)

// block is one allocated span inside a pool.
// The block table of a pool lives at the front of the pool memory region,
// so a block must contain only plain integers (no Go pointers).
type block struct {
	start uintptr // absolute start address
	size  uintptr // aligned size in bytes
}

const blockSizeof = unsafe.Sizeof(block{})
const blockAlign = unsafe.Alignof(block{})

// end returns the first address after the block.
func (b *block) end() uintptr { return b.start + b.size }

// overlayBlocks maps an empty block table with room for max entries
// on top of mem (mem must be blockAlign aligned and big enough).
func overlayBlocks(mem []byte, max int) []block {
	return unsafe.Slice((*block)(unsafe.Pointer(&mem[0])), max)[:0]
}
