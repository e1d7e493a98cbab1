// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package memdesc

import (
	"hash/maphash"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lowering/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOffsets(t *testing.T) {
	ncsp := Make(dtypes.Float32, TagNCSP, 1, 3, 2, 2)
	assert.Equal(t, 12, ncsp.PaddedSize())
	assert.Equal(t, 1*4+1*2+1, ncsp.Offset([]int{0, 1, 1, 1}))
	assert.Equal(t, []int{12, 4, 2, 1}, ncsp.Strides())

	nspc := Make(dtypes.Float32, TagNSPC, 1, 3, 2, 2)
	assert.Equal(t, 12, nspc.PaddedSize())
	assert.Equal(t, 1*6+0*3+2, nspc.Offset([]int{0, 2, 1, 0}))
	assert.Equal(t, []int{12, 1, 6, 3}, nspc.Strides())

	blocked := Make(dtypes.Float32, TagNCSP8c, 1, 3, 2, 2)
	assert.Equal(t, 32, blocked.PaddedSize())
	assert.Equal(t, 1*16+1*8+2, blocked.Offset([]int{0, 2, 1, 1}))
	require.Panics(t, func() { _ = blocked.Strides() })

	weights := Make(dtypes.Float32, TagOIsp8i8o, 3, 2, 1, 1)
	assert.Equal(t, 64, weights.PaddedSize())
	assert.Equal(t, 1*8+2, weights.Offset([]int{2, 1, 0, 0}))

	anyDesc := Make(dtypes.Float32, TagAny, 1, 3, 2, 2)
	assert.False(t, anyDesc.IsPhysical())
	require.Panics(t, func() { _ = anyDesc.PaddedSize() })
}

func TestOffsetsAreInjective(t *testing.T) {
	testCases := []struct {
		tag  Tag
		dims []int
	}{
		{TagNCSP, []int{2, 5, 3, 4}},
		{TagNSPC, []int{2, 5, 3, 4}},
		{TagNSPC, []int{2, 5, 3, 4, 2}},
		{TagNCSP8c, []int{2, 13, 3, 4}},
		{TagNCSP16c, []int{1, 17, 3}},
		{TagOIsp8i8o, []int{9, 10, 3, 3}},
		{TagOIsp16i16o, []int{17, 3, 2, 2}},
		{TagGOIsp8i8o, []int{2, 9, 3, 3, 3}},
		{TagGOIsp8g, []int{13, 1, 1, 3, 3}},
		{TagGOIsp16g, []int{20, 1, 1, 3}},
	}
	for _, tc := range testCases {
		t.Run(tc.tag.String(), func(t *testing.T) {
			desc := Make(dtypes.Float32, tc.tag, tc.dims...)
			seen := make(map[int]bool)
			for _, indices := range desc.Shape().Iter() {
				offset := desc.Offset(indices)
				require.False(t, seen[offset], "offset %d repeated for %v", offset, indices)
				require.Less(t, offset, desc.PaddedSize())
				require.GreaterOrEqual(t, offset, 0)
				seen[offset] = true
			}
			require.Len(t, seen, desc.Shape().Size())
		})
	}
}

func TestEqualAndHash(t *testing.T) {
	seed := maphash.MakeSeed()
	hashOf := func(d Desc) uint64 {
		var h maphash.Hash
		h.SetSeed(seed)
		d.WriteHash(&h)
		return h.Sum64()
	}

	a := Make(dtypes.Float32, TagNCSP16c, 1, 32, 8, 8)
	b := Make(dtypes.Float32, TagNCSP16c, 1, 32, 8, 8)
	assert.True(t, a.Equal(b))
	assert.Equal(t, hashOf(a), hashOf(b))

	assert.False(t, a.Equal(a.CloneWithTag(TagNCSP8c)))
	assert.False(t, a.Equal(a.CloneWithDType(dtypes.BFloat16)))
	assert.False(t, a.Equal(a.CloneWithNewDims([]int{1, 32, 8, 9})))
	assert.False(t, a.Equal(Desc{}))

	dynamic := New(shapes.MakeDynamic(dtypes.Float32,
		shapes.Interval{Min: 1, Max: 1}, shapes.Interval{Min: 3, Max: 3}, shapes.Unbounded), TagNCSP)
	assert.False(t, dynamic.IsDefined())
	assert.False(t, dynamic.IsPhysical())
	assert.True(t, dynamic.Ok())
}

func TestParseTag(t *testing.T) {
	for name, want := range map[string]Tag{
		"nchw":    TagNCSP,
		"NHWC":    TagNSPC,
		"nChw16c": TagNCSP16c,
		"nCsp8c":  TagNCSP8c,
		"any":     TagAny,
		"Goisp8g": TagGOIsp8g,
	} {
		got, err := ParseTag(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	_, err := ParseTag("chwn")
	require.Error(t, err)
}
