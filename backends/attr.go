// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"encoding/binary"
	"fmt"
	"hash/maphash"
	"math"
	"slices"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
)

// PostOpKind is the kind of a post-op.
type PostOpKind int

const (
	// PostOpSum accumulates the previous content of dst: dst = op(x) + Scale*(dst - ZeroPoint).
	PostOpSum PostOpKind = iota

	// PostOpEltwise applies an elementwise function with scalar parameters.
	PostOpEltwise

	// PostOpScaleShift is the legacy per-channel x*scale+shift, with scales and shifts bound at runtime.
	PostOpScaleShift

	// PostOpQuantization is the legacy per-channel fake-quantization:
	// round(clamp(x, cropLow, cropHigh)*inputScale + inputShift)*outputScale + outputShift,
	// with all vectors bound at runtime. Rounding is skipped if DoRounding is false.
	PostOpQuantization

	// PostOpBinary applies a binary operation with an operand bound at runtime, broadcast per channel
	// (Channels > 1) or per tensor (Channels == 1).
	PostOpBinary

	// PostOpDWConv applies a depthwise convolution to the output, with weights and bias bound at
	// runtime (see ArgAttrPostOpDW).
	PostOpDWConv
)

var postOpKindNames = []string{"sum", "eltwise", "scale_shift", "quantization", "binary", "dw_conv"}

// String implements fmt.Stringer.
func (k PostOpKind) String() string {
	if int(k) < 0 || int(k) >= len(postOpKindNames) {
		return "post_op(?)"
	}
	return postOpKindNames[k]
}

// IsLegacy returns whether the kind belongs to the legacy (pre-binary) post-op representation.
func (k PostOpKind) IsLegacy() bool {
	return k == PostOpScaleShift || k == PostOpQuantization
}

// DWConvParams describes a depthwise convolution fused as a post-op. It is always 2D.
type DWConvParams struct {
	InputH, InputW   int
	KernelH, KernelW int
	StrideH, StrideW int
	DType            dtypes.DType
}

// PostOp is one entry of the post-op chain. Only the fields meaningful for Kind are set.
type PostOp struct {
	Kind PostOpKind

	// Sum.
	Scale     float32
	ZeroPoint int32
	SumDType  dtypes.DType

	// Eltwise.
	Eltwise     EltwiseAlg
	Alpha, Beta float32

	// Binary.
	Binary BinaryAlg

	// Channels is the length of the runtime data of ScaleShift, Quantization and Binary post-ops.
	Channels int

	// Quantization.
	DoRounding bool

	// DWConv.
	DW DWConvParams
}

// Equal compares the post-ops field by field.
func (p PostOp) Equal(p2 PostOp) bool {
	return p == p2
}

// String implements fmt.Stringer.
func (p PostOp) String() string {
	switch p.Kind {
	case PostOpSum:
		return fmt.Sprintf("sum(scale=%g, zp=%d, %s)", p.Scale, p.ZeroPoint, p.SumDType)
	case PostOpEltwise:
		return fmt.Sprintf("eltwise(%s, %g, %g)", p.Eltwise, p.Alpha, p.Beta)
	case PostOpScaleShift:
		return fmt.Sprintf("scale_shift(c=%d)", p.Channels)
	case PostOpQuantization:
		return fmt.Sprintf("quantization(c=%d, rounding=%v)", p.Channels, p.DoRounding)
	case PostOpBinary:
		return fmt.Sprintf("binary(%s, c=%d)", p.Binary, p.Channels)
	case PostOpDWConv:
		return fmt.Sprintf("dw_conv(k=%dx%d, s=%dx%d, %s)", p.DW.KernelH, p.DW.KernelW, p.DW.StrideH, p.DW.StrideW, p.DW.DType)
	}
	return p.Kind.String()
}

// ZeroPoints describes the zero-point attributes of a primitive.
//
// The legacy representation uses per-channel vectors for the input zero points, the weights zero
// points and the output compensation. The native representation uses a single per-tensor source
// zero point. Both bind their data at ArgAttrZeroPoints|ArgSrc (and |ArgWeights, |ArgDst for legacy),
// so they are mutually exclusive.
type ZeroPoints struct {
	// Lengths of the legacy vectors; 0 means absent.
	LegacyInput, LegacyWeights, LegacyOutputCompensation int

	// NativeSrc enables the native source zero point, with the given mask (0 for per-tensor).
	NativeSrc     bool
	NativeSrcMask int
}

// IsLegacy returns whether any legacy zero point is set.
func (zp ZeroPoints) IsLegacy() bool {
	return zp.LegacyInput > 0 || zp.LegacyWeights > 0 || zp.LegacyOutputCompensation > 0
}

// Attr is the set of attributes of a primitive: the post-op chain and the zero points.
type Attr struct {
	PostOps    []PostOp
	ZeroPoints ZeroPoints

	// ScratchpadUser means the caller provides the scratchpad memory (ArgScratchpad).
	ScratchpadUser bool
}

// Clone returns a deep copy of the attributes.
func (a Attr) Clone() Attr {
	a2 := a
	a2.PostOps = slices.Clone(a.PostOps)
	return a2
}

// Has returns whether any post-op of the given kind is present.
func (a Attr) Has(kind PostOpKind) bool {
	for _, p := range a.PostOps {
		if p.Kind == kind {
			return true
		}
	}
	return false
}

// Index returns the index of the first post-op of the given kind, or -1.
func (a Attr) Index(kind PostOpKind) int {
	for i, p := range a.PostOps {
		if p.Kind == kind {
			return i
		}
	}
	return -1
}

// Equal compares all the attributes.
func (a Attr) Equal(a2 Attr) bool {
	return a.ZeroPoints == a2.ZeroPoints && a.ScratchpadUser == a2.ScratchpadUser &&
		slices.Equal(a.PostOps, a2.PostOps)
}

// WriteHash writes the structural content of the attributes into h.
// Every field compared by Equal is hashed, so equal attributes always hash equally.
func (a Attr) WriteHash(h *maphash.Hash) {
	var buf [8]byte
	writeInt := func(v int) {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		_, _ = h.Write(buf[:])
	}
	writeBool := func(v bool) {
		if v {
			writeInt(1)
		} else {
			writeInt(0)
		}
	}
	writeFloat := func(v float32) {
		if v == 0 {
			// -0 == +0.
			v = 0
		}
		writeInt(int(math.Float32bits(v)))
	}
	writeInt(len(a.PostOps))
	for _, p := range a.PostOps {
		writeInt(int(p.Kind))
		writeFloat(p.Scale)
		writeInt(int(p.ZeroPoint))
		writeInt(int(p.SumDType))
		writeInt(int(p.Eltwise))
		writeFloat(p.Alpha)
		writeFloat(p.Beta)
		writeInt(int(p.Binary))
		writeInt(p.Channels)
		writeBool(p.DoRounding)
		dw := p.DW
		for _, v := range [...]int{dw.InputH, dw.InputW, dw.KernelH, dw.KernelW, dw.StrideH, dw.StrideW, int(dw.DType)} {
			writeInt(v)
		}
	}
	zp := a.ZeroPoints
	writeInt(zp.LegacyInput)
	writeInt(zp.LegacyWeights)
	writeInt(zp.LegacyOutputCompensation)
	writeInt(zp.NativeSrcMask)
	writeBool(zp.NativeSrc)
	writeBool(a.ScratchpadUser)
}

// String implements fmt.Stringer.
func (a Attr) String() string {
	parts := make([]string, 0, len(a.PostOps)+1)
	for _, p := range a.PostOps {
		parts = append(parts, p.String())
	}
	zp := a.ZeroPoints
	if zp.IsLegacy() {
		parts = append(parts, fmt.Sprintf("zp_legacy(in=%d, w=%d, comp=%d)", zp.LegacyInput, zp.LegacyWeights, zp.LegacyOutputCompensation))
	}
	if zp.NativeSrc {
		parts = append(parts, fmt.Sprintf("zp_src(mask=%d)", zp.NativeSrcMask))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
