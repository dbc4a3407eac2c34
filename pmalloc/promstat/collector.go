// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package promstat exports pmalloc pool statistics as prometheus metrics.
//
// The allocator is not thread safe, so the host must make sure scrapes
// do not run concurrently with allocator calls (e.g. by wrapping the
// Source).
package promstat

import (
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/intuitivelabs/mallocs/pmalloc"
)

const (
	subsystem = "pool"

	labelPool = "pool"
	labelType = "type"
)

// Source provides the pool snapshots (*pmalloc.PMalloc implements it).
type Source interface {
	Pools() []pmalloc.PoolInfo
}

// Collector is a prometheus.Collector reporting per pool usage.
type Collector struct {
	src Source

	size       *prometheus.Desc
	used       *prometheus.Desc
	free       *prometheus.Desc
	largestGap *prometheus.Desc
	blocks     *prometheus.Desc
	maxBlocks  *prometheus.Desc
}

// NewCollector returns a Collector for src, with all the metric names
// prefixed by namespace.
func NewCollector(namespace string, src Source) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, name),
			help, []string{labelPool, labelType}, nil)
	}
	return &Collector{
		src:        src,
		size:       desc("size_bytes", "Allocatable size of the pool."),
		used:       desc("used_bytes", "Bytes allocated from the pool."),
		free:       desc("free_bytes", "Free bytes in the pool."),
		largestGap: desc("largest_gap_bytes", "Largest allocation the pool can satisfy."),
		blocks:     desc("blocks", "Number of allocated blocks."),
		maxBlocks:  desc("max_blocks", "Size of the pool block table."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.size
	ch <- c.used
	ch <- c.free
	ch <- c.largestGap
	ch <- c.blocks
	ch <- c.maxBlocks
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for i, p := range c.src.Pools() {
		idx := strconv.Itoa(i)
		typ := fmt.Sprintf("%#x", uint32(p.Type))
		gauge := func(d *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, idx, typ)
		}
		gauge(c.size, float64(p.Size))
		gauge(c.used, float64(p.Used))
		gauge(c.free, float64(p.Free))
		gauge(c.largestGap, float64(p.LargestGap))
		gauge(c.blocks, float64(p.Blocks))
		gauge(c.maxBlocks, float64(p.MaxBlocks))
	}
}
