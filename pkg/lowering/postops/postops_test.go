// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package postops

import (
	"flag"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lowering/backends"
	"github.com/gomlx/lowering/pkg/core/memdesc"
	"github.com/gomlx/lowering/pkg/core/memory"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

var outputDims = []int{1, 4, 3, 3}

func kinds(p Plan) []backends.PostOpKind {
	var k []backends.PostOpKind
	for _, op := range p.PostOps {
		k = append(k, op.Kind)
	}
	return k
}

func relu(name string) *Elementwise {
	return &Elementwise{NodeName: name, Kind: Activation, Alg: backends.EltwiseRelu}
}

func sum(name string) *Elementwise {
	return &Elementwise{NodeName: name, Kind: FusedSum}
}

func fakeQuantize(name string, perChannel bool) *Quantization {
	q := &Quantization{NodeName: name, Levels: 256,
		InputLow: []float32{0}, InputHigh: []float32{2.55}, OutputLow: []float32{0}, OutputHigh: []float32{255}}
	if perChannel {
		q.InputHigh = []float32{2.55, 5.1, 2.55, 5.1}
	}
	return q
}

func TestCompose_Order(t *testing.T) {
	nodes := []FusedNode{
		relu("relu"),
		&Passthrough{NodeName: "split"},
		sum("add"),
		&Elementwise{NodeName: "scale", Kind: ScaleShift, Scales: []float32{2}, Shifts: []float32{1}},
		&Elementwise{NodeName: "clamp", Kind: Activation, Alg: backends.EltwiseClip, Alpha: -1, Beta: 1},
	}
	plan, err := Compose(nodes, Config{OutputDims: outputDims, Legacy: true, OutputDType: dtypes.Float32})
	require.NoError(t, err)
	assert.Equal(t, []backends.PostOpKind{backends.PostOpEltwise, backends.PostOpSum, backends.PostOpEltwise, backends.PostOpEltwise}, kinds(plan))
	assert.Equal(t, []Entry{{Node: 0, PostOps: []int{0}}, {Node: 1}, {Node: 2, PostOps: []int{1}}, {Node: 3, PostOps: []int{2}}, {Node: 4, PostOps: []int{3}}},
		plan.Entries)
	assert.Equal(t, -1, plan.SumBroadcastAt)
	assert.Equal(t, backends.PostOp{Kind: backends.PostOpEltwise, Eltwise: backends.EltwiseLinear, Alpha: 2, Beta: 1}, plan.PostOps[2])
	assert.Equal(t, dtypes.Float32, plan.PostOps[1].SumDType)
	assert.Empty(t, plan.Args)
	assert.Len(t, plan.Attr().PostOps, 4)

	// Sum precision.
	plan, err = Compose(nodes, Config{OutputDims: outputDims, OutputDType: dtypes.BFloat16, SumDType: dtypes.Float32})
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float32, plan.PostOps[1].SumDType)

	// Broadcast sum: the chain is cut at the sum.
	plan, err = Compose(nodes, Config{OutputDims: outputDims, SumBroadcast: true})
	require.NoError(t, err)
	assert.Equal(t, []backends.PostOpKind{backends.PostOpEltwise}, kinds(plan))
	assert.Equal(t, 2, plan.SumBroadcastAt)
	assert.Len(t, plan.Entries, 2)
}

func TestCompose_Verbose(t *testing.T) {
	nodes := []FusedNode{relu("relu"), sum("add"), fakeQuantize("fq", true)}
	cfg := Config{OutputDims: outputDims, Legacy: true, OutputDType: dtypes.Float32}
	quiet, err := Compose(nodes, cfg)
	require.NoError(t, err)

	require.NoError(t, flag.Set("v", "2"))
	t.Cleanup(func() { _ = flag.Set("v", "0") })
	verbose, err := Compose(nodes, cfg)
	require.NoError(t, err)
	assert.Equal(t, quiet.PostOps, verbose.PostOps)
	assert.Equal(t, quiet.Entries, verbose.Entries)

	cfg.SumBroadcast = true
	verbose, err = Compose(nodes, cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, verbose.SumBroadcastAt)
}

func TestCompose_Elementwise(t *testing.T) {
	perChannel := []FusedNode{
		&Elementwise{NodeName: "mul_add", Kind: ScaleShift, Scales: []float32{1, 2, 3, 4}, Shifts: []float32{0.5}},
		&Elementwise{NodeName: "sub", Kind: ConstBinary, Binary: backends.BinarySub, Operand: []float32{1, 2, 3, 4}},
		&Elementwise{NodeName: "max", Kind: ConstBinary, Binary: backends.BinaryMax, Operand: []float32{1, 2, 3, 4}},
		&Elementwise{NodeName: "div", Kind: ConstBinary, Binary: backends.BinaryDiv, Operand: []float32{4}},
	}

	legacy, err := Compose(perChannel, Config{OutputDims: outputDims, Legacy: true})
	require.NoError(t, err)
	assert.Equal(t, []backends.PostOpKind{backends.PostOpScaleShift, backends.PostOpScaleShift, backends.PostOpBinary, backends.PostOpEltwise},
		kinds(legacy))
	assert.Equal(t, []float32{1, 2, 3, 4}, legacy.Args[backends.PostOpArg(0, backends.ArgPostOpOperand)].Logical())
	assert.Equal(t, []float32{0.5, 0.5, 0.5, 0.5}, legacy.Args[backends.PostOpArg(0, backends.ArgPostOpShift)].Logical())
	assert.Equal(t, []float32{-1, -2, -3, -4}, legacy.Args[backends.PostOpArg(1, backends.ArgPostOpShift)].Logical())
	assert.Equal(t, float32(0.25), legacy.PostOps[3].Alpha)

	native, err := Compose(perChannel, Config{OutputDims: outputDims})
	require.NoError(t, err)
	assert.Equal(t, []backends.PostOpKind{backends.PostOpBinary, backends.PostOpBinary, backends.PostOpBinary, backends.PostOpBinary, backends.PostOpEltwise},
		kinds(native))
	assert.Equal(t, []Entry{{Node: 0, PostOps: []int{0, 1}}, {Node: 1, PostOps: []int{2}}, {Node: 2, PostOps: []int{3}}, {Node: 3, PostOps: []int{4}}},
		native.Entries)
	assert.Equal(t, 1, native.PostOps[1].Channels)
	assert.Equal(t, backends.BinarySub, native.PostOps[2].Binary)
	for _, plan := range []Plan{legacy, native} {
		for id, m := range plan.Args {
			assert.Truef(t, m.IsAllocated(), "argument %s", id)
		}
	}

	// Invalid constants.
	_, err = Compose([]FusedNode{&Elementwise{NodeName: "bad", Kind: ScaleShift, Scales: []float32{1, 2}}}, Config{OutputDims: outputDims})
	require.ErrorIs(t, err, ErrConfiguration)
	_, err = Compose([]FusedNode{&Elementwise{NodeName: "empty", Kind: ScaleShift}}, Config{OutputDims: outputDims})
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestCompose_Quantization(t *testing.T) {
	// Per-tensor: the same eltwise chain in both representations.
	for _, legacy := range []bool{true, false} {
		plan, err := Compose([]FusedNode{fakeQuantize("fq", false)}, Config{OutputDims: outputDims, Legacy: legacy})
		require.NoError(t, err)
		require.Len(t, plan.PostOps, 3)
		assert.Equal(t, backends.PostOp{Kind: backends.PostOpEltwise, Eltwise: backends.EltwiseClip, Alpha: 0, Beta: 2.55}, plan.PostOps[0])
		assert.Equal(t, backends.EltwiseLinear, plan.PostOps[1].Eltwise)
		assert.InDelta(t, 100, plan.PostOps[1].Alpha, 1e-4)
		assert.Equal(t, backends.EltwiseRound, plan.PostOps[2].Eltwise)
	}

	// Last quantization of an int8 node with integer output: the output conversion rounds.
	plan, err := Compose([]FusedNode{fakeQuantize("fq", false)},
		Config{OutputDims: outputDims, Int8: true, OutputDType: dtypes.Uint8})
	require.NoError(t, err)
	assert.Len(t, plan.PostOps, 2)

	// Per-channel.
	legacy, err := Compose([]FusedNode{fakeQuantize("fq", true)}, Config{OutputDims: outputDims, Legacy: true})
	require.NoError(t, err)
	require.Equal(t, []backends.PostOpKind{backends.PostOpQuantization}, kinds(legacy))
	assert.True(t, legacy.PostOps[0].DoRounding)
	assert.Len(t, legacy.Args, 6)
	inputScale := legacy.Args[backends.PostOpArg(0, backends.ArgPostOpInputScale)].Logical()
	assert.InDeltaSlice(t, []float32{100, 50, 100, 50}, inputScale, 1e-3)

	native, err := Compose([]FusedNode{fakeQuantize("fq", true)}, Config{OutputDims: outputDims})
	require.NoError(t, err)
	assert.Equal(t, []backends.PostOpKind{backends.PostOpBinary, backends.PostOpBinary, backends.PostOpBinary, backends.PostOpBinary, backends.PostOpEltwise},
		kinds(native))
	assert.Equal(t, backends.BinaryMax, native.PostOps[0].Binary)
	assert.Equal(t, backends.BinaryMin, native.PostOps[1].Binary)

	_, err = Compose([]FusedNode{&Quantization{NodeName: "fq", Levels: 1}}, Config{OutputDims: outputDims})
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestCompose_RoundingSuppression(t *testing.T) {
	roundingOf := func(nodes []FusedNode) []bool {
		plan, err := Compose(nodes, Config{OutputDims: outputDims, Legacy: true})
		require.NoError(t, err)
		var rounding []bool
		for _, op := range plan.PostOps {
			if op.Kind == backends.PostOpQuantization {
				rounding = append(rounding, op.DoRounding)
			}
		}
		return rounding
	}
	// First quantization followed by a sum and another quantization: rounding dropped once.
	assert.Equal(t, []bool{false, true}, roundingOf([]FusedNode{fakeQuantize("fq0", true), sum("add"), fakeQuantize("fq1", true)}))
	// Not the first fused node.
	assert.Equal(t, []bool{true, true}, roundingOf([]FusedNode{relu("relu"), fakeQuantize("fq0", true), sum("add"), fakeQuantize("fq1", true)}))
	// Missing the later sum or the later quantization.
	assert.Equal(t, []bool{true, true}, roundingOf([]FusedNode{fakeQuantize("fq0", true), fakeQuantize("fq1", true)}))
	assert.Equal(t, []bool{true}, roundingOf([]FusedNode{fakeQuantize("fq0", true), sum("add")}))
}

func TestCompose_NestedConv(t *testing.T) {
	dw := &NestedConv{NodeName: "dw", KernelH: 3, KernelW: 3, StrideH: 2, StrideW: 2, InputH: 3, InputW: 3, OutputChannels: 4}
	weights := memory.New(memdesc.Make(dtypes.Float32, memdesc.TagNCSP, 4, 1, 1, 3, 3))
	bias := VectorMemory([]float32{1, 2, 3, 4})

	plan, err := Compose([]FusedNode{relu("relu"), dw}, Config{OutputDims: outputDims, OutputDType: dtypes.Float32})
	require.NoError(t, err)
	require.Len(t, plan.PostOps, 2)
	assert.Equal(t, backends.DWConvParams{InputH: 3, InputW: 3, KernelH: 3, KernelW: 3, StrideH: 2, StrideW: 2, DType: dtypes.Float32},
		plan.PostOps[1].DW)
	assert.Empty(t, plan.Args)

	plan, err = Compose([]FusedNode{dw}, Config{OutputDims: outputDims, BindNestedConvWeights: true,
		NestedConvWeights: weights, NestedConvBias: bias})
	require.NoError(t, err)
	assert.Same(t, weights, plan.Args[backends.ArgAttrPostOpDW|backends.ArgWeights])
	assert.Same(t, bias, plan.Args[backends.ArgAttrPostOpDW|backends.ArgBias])

	_, err = Compose([]FusedNode{dw}, Config{OutputDims: outputDims, BindNestedConvWeights: true})
	require.ErrorIs(t, err, ErrConfiguration)
	_, err = Compose([]FusedNode{dw}, Config{OutputDims: []int{1, 8, 3, 3}})
	require.ErrorIs(t, err, ErrConfiguration)
}

// unknownNode is a fused node kind the composer doesn't know about.
type unknownNode struct{}

func (unknownNode) Name() string { return "mystery" }
func (unknownNode) fusedNode()   {}

func TestCompose_Unknown(t *testing.T) {
	_, err := Compose([]FusedNode{relu("relu"), unknownNode{}}, Config{OutputDims: outputDims})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfiguration))
	assert.Contains(t, err.Error(), "mystery")

	_, err = Compose([]FusedNode{nil}, Config{OutputDims: outputDims})
	require.ErrorIs(t, err, ErrConfiguration)

	_, err = Compose(nil, Config{OutputDims: []int{4}})
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestApply(t *testing.T) {
	relu := &Elementwise{NodeName: "relu", Kind: Activation, Alg: backends.EltwiseRelu, Alpha: 0.5}
	assert.Equal(t, float32(3), relu.Apply(3, 0))
	assert.Equal(t, float32(-1), relu.Apply(-2, 0))

	scaleShift := &Elementwise{NodeName: "mul_add", Kind: ScaleShift, Scales: []float32{2, 3}, Shifts: []float32{1}}
	assert.Equal(t, float32(5), scaleShift.Apply(2, 0))
	assert.Equal(t, float32(7), scaleShift.Apply(2, 1))
	shiftOnly := &Elementwise{NodeName: "add", Kind: ScaleShift, Shifts: []float32{-1, 1}}
	assert.Equal(t, float32(3), shiftOnly.Apply(2, 1))

	binary := &Elementwise{NodeName: "max", Kind: ConstBinary, Binary: backends.BinaryMax, Operand: []float32{0, 10}}
	assert.Equal(t, float32(2), binary.Apply(2, 0))
	assert.Equal(t, float32(10), binary.Apply(2, 1))

	sum := &Elementwise{NodeName: "sum", Kind: FusedSum}
	assert.Equal(t, float32(2), sum.Apply(2, 3))

	// 5 levels in [0, 4]: integer outputs, rounding half to even.
	fq := &Quantization{NodeName: "fq", InputLow: []float32{0}, InputHigh: []float32{4},
		OutputLow: []float32{0}, OutputHigh: []float32{4}, Levels: 5}
	for x, want := range map[float32]float32{-1: 0, 0.5: 0, 1.5: 2, 2.5: 2, 3.2: 3, 7: 4} {
		assert.Equalf(t, want, fq.Apply(x, 0), "fq(%g)", x)
	}

	// Per-channel output range, and a degenerate input range.
	fq = &Quantization{NodeName: "fq", InputLow: []float32{0, 1}, InputHigh: []float32{1, 1},
		OutputLow: []float32{-1, 5}, OutputHigh: []float32{1, 6}, Levels: 3}
	assert.Equal(t, float32(1), fq.Apply(2, 0))
	assert.Equal(t, float32(0), fq.Apply(0.5, 0))
	assert.Equal(t, float32(5), fq.Apply(3, 1))
}
