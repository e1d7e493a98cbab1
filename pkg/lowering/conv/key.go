// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package conv

import (
	"encoding/binary"
	"fmt"
	"hash/maphash"
	"slices"

	"github.com/gomlx/lowering/backends"
	"github.com/gomlx/lowering/pkg/core/memdesc"
)

// ExecutionKey identifies a compiled executor: everything that affects the numeric output or the
// binary layouts of a convolution.
type ExecutionKey struct {
	Src, Weights, Dst memdesc.Desc

	// Bias is the zero memdesc.Desc{} if there is no bias.
	Bias memdesc.Desc

	Stride []int

	// Dilation is zero-based.
	Dilation []int

	PaddingL, PaddingR []int

	Attr        backends.Attr
	ImplType    backends.ImplType
	ConstWeight bool
}

var keySeed = maphash.MakeSeed()

// Hash implements execcache.Key. Equal keys have equal hashes, but different keys may collide.
func (k ExecutionKey) Hash() uint64 {
	var h maphash.Hash
	h.SetSeed(keySeed)
	var buf [8]byte
	writeInt := func(v int) {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		_, _ = h.Write(buf[:])
	}
	for _, desc := range []memdesc.Desc{k.Src, k.Weights, k.Bias, k.Dst} {
		if !desc.Ok() {
			writeInt(-1)
			continue
		}
		desc.WriteHash(&h)
	}
	for _, values := range [][]int{k.Stride, k.Dilation, k.PaddingL, k.PaddingR} {
		writeInt(len(values))
		for _, v := range values {
			writeInt(v)
		}
	}
	k.Attr.WriteHash(&h)
	writeInt(int(k.ImplType))
	if k.ConstWeight {
		writeInt(1)
	} else {
		writeInt(0)
	}
	return h.Sum64()
}

// Equal implements execcache.Key, comparing every field.
func (k ExecutionKey) Equal(other ExecutionKey) bool {
	return k.Src.Equal(other.Src) && k.Weights.Equal(other.Weights) && k.Bias.Equal(other.Bias) && k.Dst.Equal(other.Dst) &&
		slices.Equal(k.Stride, other.Stride) && slices.Equal(k.Dilation, other.Dilation) &&
		slices.Equal(k.PaddingL, other.PaddingL) && slices.Equal(k.PaddingR, other.PaddingR) &&
		k.Attr.Equal(other.Attr) && k.ImplType == other.ImplType && k.ConstWeight == other.ConstWeight
}

// String implements fmt.Stringer.
func (k ExecutionKey) String() string {
	return fmt.Sprintf("{%s src=%s, weights=%s, bias=%s, dst=%s, stride=%v, dilation=%v, padding=%v/%v, attr=%s, const_weight=%v}",
		k.ImplType, k.Src, k.Weights, k.Bias, k.Dst, k.Stride, k.Dilation, k.PaddingL, k.PaddingR, k.Attr, k.ConstWeight)
}
