// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package pmalloc

import (
	"github.com/intuitivelabs/slog"
	"github.com/pkg/errors"
)

// dumpStatus will write current status information in the log
func (pm *PMalloc) dumpStatus() {
	const lev = slog.LDBG
	const prefix = "pm_status "

	if !Log.L(lev) {
		return
	}
	Log.LLog(lev, 0, prefix, "(%p):\n", pm)
	if pm == nil {
		return
	}
	Log.LLog(lev, 0, prefix, "pools= %d (max %d)\n",
		len(pm.pools), cap(pm.pools))
	Log.LLog(lev, 0, prefix, "used= %d, used+overhead=%d, free=%d\n",
		pm.used.Used, pm.used.RealUsed, pm.Available(TypeAny))
	Log.LLog(lev, 0, prefix, "max used (+overhead)= %d\n",
		pm.used.MaxRealUsed)
	for i := range pm.pools {
		p := &pm.pools[i]
		Log.LLog(lev, 0, prefix,
			"pool %d: start=%#x size=%d type=%#x blocks=%d/%d used=%d\n",
			i, p.start, p.size, p.typ, len(p.blocks), cap(p.blocks), p.used)
		var total uintptr
		for j, b := range p.blocks {
			total += b.size
			if pm.cfg.Options&PMDumpStatsShort == 0 {
				Log.LLog(lev, 0, prefix,
					"   %3d.    address=%#x size=%d\n", j, b.start, b.size)
			}
		}
		if total != p.used {
			BUG("pm_status: different used size: %d != %d"+
				" for pool %d\n", total, p.used, i)
		}
	}
	Log.LLog(lev, 0, prefix, "-----------------------------\n")
}

// check is a helper function that runs Check() if PMChecks is set.
// On failure it panics (corrupted).
func (pm *PMalloc) check() {
	if !pm.Checks() {
		return
	}
	if err := pm.Check(); err != nil {
		BUG("block table check failed: %v\n", err)
		pm.dumpStatus()
		PANIC("BUG: %v\n", err)
	}
}

// Check verifies that all the block tables are sorted, aligned, without
// overlapping blocks and inside the corresponding pools.
// It returns an ErrCorrupted based error on failure.
func (pm *PMalloc) Check() error {
	var used uint64
	for i := range pm.pools {
		p := &pm.pools[i]
		if err := p.check(); err != nil {
			return errors.Wrapf(err, "pool %d", i)
		}
		used += uint64(p.used)
	}
	if used != pm.used.Used {
		return errors.Wrapf(ErrCorrupted, "used %d != stats %d",
			used, pm.used.Used)
	}
	return nil
}

func (p *pool) check() error {
	if len(p.blocks) > cap(p.blocks) {
		return errors.Wrapf(ErrCorrupted, "%d blocks, max %d",
			len(p.blocks), cap(p.blocks))
	}
	prevEnd := p.start
	var used uintptr
	for i := range p.blocks {
		b := &p.blocks[i]
		switch {
		case b.size == 0:
			return errors.Wrapf(ErrCorrupted, "block %d: empty", i)
		case b.start%AllocAlign != 0 || b.size%AllocAlign != 0:
			return errors.Wrapf(ErrCorrupted, "block %d: not aligned"+
				" (%#x, %d)", i, b.start, b.size)
		case b.start < prevEnd:
			return errors.Wrapf(ErrCorrupted, "block %d: %#x overlaps or is"+
				" out of order (previous end %#x)", i, b.start, prevEnd)
		case b.end() > p.end() || b.end() < b.start:
			return errors.Wrapf(ErrCorrupted, "block %d: %#x-%#x past pool"+
				" end %#x", i, b.start, b.end(), p.end())
		}
		prevEnd = b.end()
		used += b.size
	}
	if used != p.used {
		return errors.Wrapf(ErrCorrupted, "used %d != blocks total %d",
			p.used, used)
	}
	return nil
}
