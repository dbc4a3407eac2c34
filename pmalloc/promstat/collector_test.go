// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package promstat

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intuitivelabs/mallocs/pmalloc"
)

// gather returns metric name -> pool label -> value.
func gather(t *testing.T, c prometheus.Collector) map[string]map[string]float64 {
	t.Helper()
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))
	mfs, err := reg.Gather()
	require.NoError(t, err)

	res := map[string]map[string]float64{}
	for _, mf := range mfs {
		vals := map[string]float64{}
		for _, m := range mf.GetMetric() {
			var pool string
			for _, l := range m.GetLabel() {
				if l.GetName() == labelPool {
					pool = l.GetValue()
				}
			}
			vals[pool] = m.GetGauge().GetValue()
		}
		res[mf.GetName()] = vals
	}
	return res
}

func TestCollector(t *testing.T) {
	pm := pmalloc.New(pmalloc.Config{Logger: pmalloc.NopLogger})
	pm.AddPool(make([]byte, 8*1024), pmalloc.TypeGeneric)
	pm.AddPool(make([]byte, 16*1024), pmalloc.TypeVideo)
	require.NotNil(t, pm.Malloc(100, pmalloc.TypeVideo))
	require.NotNil(t, pm.Malloc(10, pmalloc.TypeVideo))
	pools := pm.Pools()

	got := gather(t, NewCollector("test", pm))
	require.Len(t, got, 6)

	assert.Equal(t, float64(pools[0].Size), got["test_pool_size_bytes"]["0"])
	assert.Equal(t, float64(pools[1].Size), got["test_pool_size_bytes"]["1"])
	assert.Equal(t, float64(0), got["test_pool_used_bytes"]["0"])
	assert.Equal(t, float64(112), got["test_pool_used_bytes"]["1"])
	assert.Equal(t, float64(pools[1].Size-112), got["test_pool_free_bytes"]["1"])
	assert.Equal(t, float64(pools[1].Size-112), got["test_pool_largest_gap_bytes"]["1"])
	assert.Equal(t, float64(2), got["test_pool_blocks"]["1"])
	assert.Equal(t, float64(pmalloc.MinBlocks), got["test_pool_max_blocks"]["0"])
}

func TestCollector_NoPools(t *testing.T) {
	pm := pmalloc.New(pmalloc.Config{Logger: pmalloc.NopLogger})
	got := gather(t, NewCollector("test", pm))
	assert.Empty(t, got)
}
