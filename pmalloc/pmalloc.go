// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package pmalloc provides a simple multi-pool, best-fit malloc library.
//
// Memory is handed to the allocator as disjoint regions (pools), each one
// tagged with a caller defined type bitmask. Every pool keeps a sorted,
// fixed size table of the allocated blocks at the front of its own region,
// so no extra memory is used for bookkeeping.
// Allocation requests specify the acceptable pool types; pools are tried
// in the order they were added.
//
// PMalloc is not safe for concurrent use, the caller must serialise
// all the calls.
package pmalloc

import (
	"unsafe"

	"github.com/pkg/errors"
)

// NAME is the package name, used as prefix in log and error messages.
const NAME = "pmalloc"

// AllocAlign is the alignment of all the returned addresses and
// of all the block sizes. It must be 2^n.
const AllocAlign = 4

// defaults
const (
	// MaxPools is the default maximum number of pools (Config.MaxPools).
	MaxPools = 4
	// MinBlocks is the default minimum number of block table entries of
	// a pool (Config.MinBlocks). Regions that cannot hold a table of this
	// size in half of their memory are rejected.
	MinBlocks = 128
)

// Type is a pool type bitmask. For allocation requests it can
// also contain the Clear flag.
type Type uint32

// Example pool types. Any other bit except Clear can be used.
const (
	// TypeGeneric tags general purpose memory.
	TypeGeneric Type = 1 << iota
	// TypeVideo tags video attached memory.
	TypeVideo
)

const (
	// Clear requests zero-filling of the allocated memory.
	// It is never part of a pool type.
	Clear Type = 1 << 31
	// TypeAny matches any pool. It is not a reserved bit but all the
	// type bits, so a pool added with TypeAny as type matches every
	// request mask (except a bare Clear).
	TypeAny Type = ^Clear
)

// MUsed contains the pmalloc memory usage statistics.
type MUsed struct {
	Used        uint64 // total size allocated
	RealUsed    uint64 // real size = Used + block tables
	MaxRealUsed uint64
}

// Options encodes various configuration flags for PMalloc
type Options uint32

const (
	// PMDebug traces every best-fit gap candidate to the Logger.
	PMDebug Options = 1 << iota
	// PMChecks runs Check() after each change and panics on failure.
	PMChecks
	// PMDumpStatsShort omits the per block lines from the status dump.
	PMDumpStatsShort
	// PMDefaultOptions is the zero Options: no debugging, no checks.
	PMDefaultOptions = 0
)

// Config holds the PMalloc parameters. Zero values are replaced by
// the defaults.
type Config struct {
	MaxPools  int // maximum number of pools
	MinBlocks int // minimum block table entries per pool
	Options   Options
	Logger    Logger // diagnostic sink, default DefaultLogger()
}

// withDefaults returns a copy of cfg with the unset fields filled.
func (cfg Config) withDefaults() Config {
	if cfg.MaxPools <= 0 {
		cfg.MaxPools = MaxPools
	}
	if cfg.MinBlocks <= 0 {
		cfg.MinBlocks = MinBlocks
	}
	if cfg.Logger == nil {
		cfg.Logger = DefaultLogger()
	}
	return cfg
}

// PMalloc is the allocator: the set of pools, their block tables and
// the classical malloc functions (as methods).
// The zero value is usable after Init().
type PMalloc struct {
	cfg   Config
	used  MUsed
	pools []pool // registered pools, in priority order
}

// New returns an initialised PMalloc with no pools.
func New(cfg Config) *PMalloc {
	pm := &PMalloc{cfg: cfg}
	pm.Init()
	return pm
}

// Init removes all the pools and resets the statistics.
// It must be called before any other method (New does it).
func (pm *PMalloc) Init() {
	pm.cfg = pm.cfg.withDefaults()
	if cap(pm.pools) < pm.cfg.MaxPools {
		pm.pools = make([]pool, 0, pm.cfg.MaxPools)
	}
	for i := range pm.pools {
		pm.pools[i] = pool{} // don't keep old regions alive
	}
	pm.pools = pm.pools[:0]
	pm.used = MUsed{}
}

// Debug returns true if the gap search is traced.
func (pm *PMalloc) Debug() bool { return pm.cfg.Options&PMDebug != 0 }

// Checks returns true if the block tables are checked after each change.
func (pm *PMalloc) Checks() bool { return pm.cfg.Options&PMChecks != 0 }

// addUsed increases the "used" stats with the give size.
func (pm *PMalloc) addUsed(size uintptr) {
	pm.used.Used += uint64(size)
	pm.addOverhead(size)
}

// subUsed subtracts size from the "used" used
func (pm *PMalloc) subUsed(size uintptr) {
	pm.used.Used -= uint64(size)
	pm.used.RealUsed -= uint64(size)
}

// addOverhead adds size to the real used memory.
func (pm *PMalloc) addOverhead(size uintptr) {
	pm.used.RealUsed += uint64(size)
	if pm.used.MaxRealUsed < pm.used.RealUsed {
		pm.used.MaxRealUsed = pm.used.RealUsed
	}
}

// MUsage returns current memory usage values.
func (pm *PMalloc) MUsage() MUsed {
	return pm.used
}

// NumPools returns the number of active pools.
func (pm *PMalloc) NumPools() int {
	return len(pm.pools)
}

// TryAddPool adds the memory region mem as a new pool of type typ.
// The pool block table is placed at the start of mem, so the allocatable
// size will be smaller then len(mem).
// Pools added first have priority. mem must stay untouched by the caller
// for the lifetime of the allocator.
// On failure the pool is not added and the error says why.
func (pm *PMalloc) TryAddPool(mem []byte, typ Type) error {
	if len(pm.pools) >= cap(pm.pools) {
		return errors.Wrapf(ErrTooManyPools, "max %d", cap(pm.pools))
	}
	n := len(pm.pools)
	pm.pools = pm.pools[:n+1]
	p := &pm.pools[n]
	if err := p.init(mem, typ, pm.cfg.MinBlocks); err != nil {
		pm.pools = pm.pools[:n]
		return err
	}
	pm.addOverhead(p.meta)
	pm.cfg.Logger.Logf("memory pool:\n  %#x, %d bytes free\n  type: %#x\n",
		p.start, p.size, p.typ)
	pm.check()
	return nil
}

// AddPool adds the memory region mem as a new pool of type typ.
// Failures are only traced, see TryAddPool.
func (pm *PMalloc) AddPool(mem []byte, typ Type) {
	if err := pm.TryAddPool(mem, typ); err != nil {
		pm.cfg.Logger.Logf("add pool: %v\n", err)
	}
}

// mallocUnsafe looks for a pool able to hold size bytes.
// On success it returns the pool and the block address.
func (pm *PMalloc) mallocUnsafe(size uint64, types Type) (*pool, uintptr, error) {
	if size == 0 {
		return nil, 0, ErrZeroSize
	}
	var trace Logger
	if pm.Debug() {
		trace = pm.cfg.Logger
	}
	var err error
	// the first added pool has priority
	for i := range pm.pools {
		p := &pm.pools[i]
		if p.typ&types == 0 {
			continue
		}
		addr, e := p.allocFrom(size, trace)
		if e != nil {
			pm.cfg.Logger.Logf("allocFrom: %v\n", e)
			err = e
			continue
		}
		if types&Clear != 0 {
			clear(p.bytes(addr, uintptr(size)))
		}
		pm.addUsed(alignUp(uintptr(size), AllocAlign))
		pm.check()
		return p, addr, nil
	}
	if err == nil {
		err = errors.Wrapf(ErrNoPool, "types %#x", types)
	}
	return nil, 0, err
}

// TryMalloc allocates size bytes from the first pool matching types and
// returns a pointer to it. If types contains Clear, the size bytes are
// zeroed.
// On failure it returns nil and the reason of the last failed attempt.
func (pm *PMalloc) TryMalloc(size uint64, types Type) (unsafe.Pointer, error) {
	var ptr unsafe.Pointer
	p, addr, err := pm.mallocUnsafe(size, types)
	if err == nil {
		ptr = p.ptr(addr)
	}
	pm.traceMalloc(ptr, size)
	return ptr, err
}

// traceMalloc logs a malloc attempt result (ptr is nil on failure).
func (pm *PMalloc) traceMalloc(ptr unsafe.Pointer, size uint64) {
	pm.cfg.Logger.Logf("malloc:\t%p, %d bytes\n", ptr, size)
}

// Malloc allocates size bytes of memory and returns a pointer to it.
// On failure it return nil.
func (pm *PMalloc) Malloc(size uint64, types Type) unsafe.Pointer {
	p, _ := pm.TryMalloc(size, types)
	return p
}

// MallocBytes is like Malloc, but it returns the allocated memory as
// a byte slice of len size. The slice must be released with FreeBytes
// (or Free on its first element address).
func (pm *PMalloc) MallocBytes(size uint64, types Type) []byte {
	p, addr, err := pm.mallocUnsafe(size, types)
	if err != nil {
		pm.traceMalloc(nil, size)
		return nil
	}
	pm.traceMalloc(p.ptr(addr), size)
	return p.bytes(addr, uintptr(size))
}

// TryFree releases the memory associated with ptr (ptr must have been
// returned by Malloc). It returns ErrUnknownAddress if ptr is not the
// start of an allocated block (this includes nil).
func (pm *PMalloc) TryFree(ptr unsafe.Pointer) error {
	pm.cfg.Logger.Logf("free:\t%p\n", ptr)
	if ptr == nil {
		WARN("free(0) called\n")
		return errors.Wrap(ErrUnknownAddress, "nil")
	}
	addr := uintptr(ptr)
	for i := range pm.pools {
		if sz, ok := pm.pools[i].freeFrom(addr); ok {
			pm.subUsed(sz)
			pm.check()
			return nil
		}
	}
	return errors.Wrapf(ErrUnknownAddress, "%#x", addr)
}

// Free releases the memory associated with ptr (ptr must have been
// previously allocated with Malloc).
// Unknown addresses are ignored (only traced).
func (pm *PMalloc) Free(ptr unsafe.Pointer) {
	if err := pm.TryFree(ptr); err != nil {
		pm.cfg.Logger.Logf("free: %v\n", err)
	}
}

// FreeBytes releases a slice returned by MallocBytes.
func (pm *PMalloc) FreeBytes(b []byte) {
	if cap(b) == 0 {
		pm.Free(nil)
		return
	}
	pm.Free(unsafe.Pointer(&b[:1][0]))
}

// Available returns how many bytes are free in the pools matching types.
// The memory might be fragmented, so an allocation of this size can
// still fail.
func (pm *PMalloc) Available(types Type) uint64 {
	var free uint64
	for i := range pm.pools {
		if pm.pools[i].typ&types != 0 {
			free += uint64(pm.pools[i].size - pm.pools[i].used)
		}
	}
	return free
}

// Owns returns whether or not ptr is inside one of the pools.
// Behaviour is undefined if ptr was Free()d.
func (pm *PMalloc) Owns(ptr unsafe.Pointer) bool {
	for i := range pm.pools {
		if pm.pools[i].contains(uintptr(ptr)) {
			return true
		}
	}
	return false
}

// PoolInfo is a snapshot of a pool state.
type PoolInfo struct {
	Start      uintptr // first allocatable address
	Size       uint64  // allocatable size
	Overhead   uint64  // bytes used by the block table
	Type       Type
	MaxBlocks  int    // block table size
	Blocks     int    // allocated blocks
	Used       uint64 // allocated bytes
	Free       uint64 // free bytes
	LargestGap uint64 // biggest possible allocation
}

// Pools returns information about all the pools, in priority order.
func (pm *PMalloc) Pools() []PoolInfo {
	res := make([]PoolInfo, 0, len(pm.pools))
	for i := range pm.pools {
		p := &pm.pools[i]
		res = append(res, PoolInfo{
			Start:      p.start,
			Size:       uint64(p.size),
			Overhead:   uint64(p.meta),
			Type:       p.typ,
			MaxBlocks:  cap(p.blocks),
			Blocks:     len(p.blocks),
			Used:       uint64(p.used),
			Free:       uint64(p.size - p.used),
			LargestGap: uint64(p.largestGap()),
		})
	}
	return res
}

// alignUp rounds up s to the next multiple of a (a must be 2^n).
func alignUp(s, a uintptr) uintptr {
	return (s + (a - 1)) &^ (a - 1)
}
