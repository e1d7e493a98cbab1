// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package conv

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lowering/backends"
	"github.com/gomlx/lowering/pkg/core/memdesc"
	"github.com/gomlx/lowering/pkg/core/shapes"
	"github.com/gomlx/lowering/pkg/lowering/postops"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pairsToStrings(pairs []layoutPair) []string {
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.String()
	}
	return out
}

func TestLayoutCandidates(t *testing.T) {
	amx := newEngine(t, "")
	avx2 := newEngine(t, "isa=avx2")
	none := newEngine(t, "isa=none")

	int8Config := conv2DConfig("int8", 1, 8, 8, 5, 5, 3, 1)
	int8Config.Input = int8Config.Input.WithDType(dtypes.Uint8)
	int8Config.WeightsDType = dtypes.Int8
	int8Config.OutputDType = dtypes.Float32
	quantized := conv2DConfig("quantized", 1, 8, 8, 5, 5, 3, 1)
	quantized.GraphQuantized = true

	testCases := []struct {
		name   string
		engine backends.Engine
		cfg    Config
		want   []string
	}{
		{"amx-ic8", amx, conv2DConfig("c", 1, 8, 8, 5, 5, 3, 1),
			[]string{"nspc->nspc", "nCsp16c->nCsp16c", "nCsp8c->nCsp8c", "ncsp->ncsp"}},
		{"avx2-ic3", avx2, conv2DConfig("c", 1, 3, 8, 5, 5, 3, 1),
			[]string{"ncsp->nCsp16c", "ncsp->nCsp8c", "ncsp->ncsp"}},
		{"avx2-ic1-oc1", avx2, conv2DConfig("c", 1, 1, 1, 5, 5, 3, 1),
			[]string{"ncsp->ncsp"}},
		{"avx2-quantized-graph", avx2, quantized,
			[]string{"nCsp16c->nCsp16c", "nCsp8c->nCsp8c", "ncsp->ncsp", "nspc->nspc"}},
		{"amx-int8", amx, int8Config, []string{"nspc->nspc"}},
		{"no-vector-isa", none, conv2DConfig("c", 1, 8, 8, 5, 5, 3, 1), []string{"nspc->nspc"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			n := MustNew(tc.engine, tc.cfg, WithCache(NewCache()))
			pairs := n.layoutCandidates(n.resolveNumericMode(), tc.cfg.Input.Dimensions)
			assert.Equal(t, tc.want, pairsToStrings(pairs))
		})
	}
}

func TestIsNspcAvailable(t *testing.T) {
	engines := map[string]backends.Engine{
		"avx512": newEngine(t, "isa=avx512"),
		"avx2":   newEngine(t, "isa=avx2"),
		"sse42":  newEngine(t, "isa=sse42"),
	}
	quantized := func(cfg Config) Config {
		cfg.GraphQuantized = true
		return cfg
	}
	depthwise := func(h, w int) Config {
		return Config{
			Name:           "dw",
			Kind:           ConvolutionGrouped,
			PadsBegin:      []int{1, 1},
			PadsEnd:        []int{1, 1},
			WeightDims:     []int{8, 1, 1, 3, 3},
			Input:          shapes.Make(F32, 1, 8, h, w),
			GraphQuantized: true,
		}
	}
	nspcFilter := conv2DConfig("filtered", 1, 8, 8, 5, 5, 3, 1)
	nspcFilter.InputFormatFilter = []memdesc.Tag{memdesc.TagNSPC}

	testCases := []struct {
		name, engine string
		cfg          Config
		want         bool
	}{
		{"not-quantized", "avx2", conv2DConfig("c", 1, 8, 8, 5, 5, 3, 1), false},
		{"input-filter", "avx2", nspcFilter, true},
		{"small-channels", "avx2", quantized(conv2DConfig("c", 1, 64, 64, 5, 5, 3, 1)), true},
		{"avx2-threshold", "avx2", quantized(conv2DConfig("c", 1, 128, 64, 5, 5, 3, 1)), false},
		{"avx512-below-threshold", "avx512", quantized(conv2DConfig("c", 1, 256, 64, 5, 5, 3, 1)), true},
		{"avx512-threshold", "avx512", quantized(conv2DConfig("c", 1, 512, 64, 5, 5, 3, 1)), false},
		{"1x1-threshold", "avx2", quantized(conv2DConfig("c", 1, 1024, 64, 5, 5, 1, 0)), true},
		{"1x1-unit-spatial", "avx512", quantized(conv2DConfig("c", 1, 8, 8, 1, 1, 1, 0)), false},
		{"1x1-unit-spatial-avx2", "avx2", quantized(conv2DConfig("c", 1, 8, 8, 1, 1, 1, 0)), true},
		{"no-avx-unaligned", "sse42", quantized(conv2DConfig("c", 1, 6, 8, 5, 5, 3, 1)), false},
		{"no-avx-aligned", "sse42", quantized(conv2DConfig("c", 1, 16, 8, 5, 5, 3, 1)), true},
		{"depthwise", "avx2", depthwise(5, 5), true},
		{"depthwise-1d", "avx2", depthwise(1, 5), false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			n := MustNew(engines[tc.engine], tc.cfg, WithCache(NewCache()))
			assert.Equal(t, tc.want, n.isNspcAvailable(tc.cfg.Input.Dimensions))
		})
	}
}

func TestResolveNumericMode(t *testing.T) {
	engine := newEngine(t, "")
	bf16, u8, i8 := dtypes.BFloat16, dtypes.Uint8, dtypes.Int8

	testCases := []struct {
		name                         string
		input, weights, output, sum  dtypes.DType
		withSum, depthwise3D         bool
		wantInt8                     bool
		wantSrc, wantDst, wantWeight dtypes.DType
		wantSum                      dtypes.DType
	}{
		{name: "f32", input: F32,
			wantSrc: F32, wantDst: F32, wantWeight: F32, wantSum: F32},
		{name: "bf16", input: bf16,
			wantSrc: bf16, wantDst: bf16, wantWeight: bf16, wantSum: bf16},
		{name: "f32-to-bf16", input: F32, output: bf16,
			wantSrc: F32, wantDst: F32, wantWeight: F32, wantSum: F32},
		{name: "bf16-depthwise-3d", input: bf16, depthwise3D: true,
			wantSrc: F32, wantDst: F32, wantWeight: F32, wantSum: F32},
		{name: "bf16-sum-f32", input: bf16, withSum: true, sum: F32,
			wantSrc: bf16, wantDst: F32, wantWeight: bf16, wantSum: F32},
		{name: "u8", input: u8, weights: i8, output: F32, wantInt8: true,
			wantSrc: u8, wantDst: F32, wantWeight: i8, wantSum: F32},
		{name: "u8-sum-same-size", input: u8, weights: i8, output: i8, withSum: true, sum: u8, wantInt8: true,
			wantSrc: u8, wantDst: i8, wantWeight: i8, wantSum: u8},
		{name: "u8-sum-mixed-size", input: u8, weights: i8, output: u8, withSum: true, sum: F32, wantInt8: true,
			wantSrc: u8, wantDst: F32, wantWeight: i8, wantSum: F32},
		{name: "u8-weights-f32", input: u8, weights: F32,
			wantSrc: F32, wantDst: F32, wantWeight: F32, wantSum: F32},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := conv2DConfig("c", 1, 4, 4, 5, 5, 3, 1)
			if tc.depthwise3D {
				cfg = Config{
					Name:       "dw3d",
					Kind:       ConvolutionGrouped,
					WeightDims: []int{4, 1, 1, 3, 3, 3},
					Input:      shapes.Make(F32, 1, 4, 5, 5, 5),
				}
			}
			cfg.Input = cfg.Input.WithDType(tc.input)
			cfg.WeightsDType, cfg.OutputDType, cfg.SumDType = tc.weights, tc.output, tc.sum
			n := MustNew(engine, cfg, WithCache(NewCache()))
			if tc.withSum {
				require.NoError(t, n.AddFusedNode(&postops.Elementwise{NodeName: "add", Kind: postops.FusedSum}))
			}
			m := n.resolveNumericMode()
			assert.Equal(t, tc.wantInt8, m.int8, "int8")
			assert.Equal(t, tc.wantSrc, m.src, "src")
			assert.Equal(t, tc.wantWeight, m.weights, "weights")
			assert.Equal(t, tc.wantDst, m.dst, "dst")
			assert.Equal(t, tc.wantSum, m.sum, "sum")
		})
	}

	t.Run("legacy-zero-points", func(t *testing.T) {
		n := MustNew(engine, conv2DConfig("c", 1, 4, 4, 5, 5, 3, 1), WithCache(NewCache()))
		require.NoError(t, n.InitializeInputZeroPoints([]uint8{3}))
		require.NoError(t, n.SetWeightsZeroPoints([]float32{1}))
		m := n.resolveNumericMode()
		assert.True(t, m.int8)
		assert.Equal(t, u8, m.src)
		assert.Equal(t, i8, m.weights)
	})
}

func TestAlgorithms(t *testing.T) {
	winograd := func(cfg Config) Config {
		cfg.Priorities = []backends.ImplType{backends.ImplJITAVX512Winograd}
		return cfg
	}
	constWeights := winograd(conv2DConfig("c", 1, 16, 16, 6, 6, 3, 1))
	variableWeights := constWeights
	variableWeights.WeightIsConstant = false
	variableBias := constWeights
	variableBias.WithBias = true
	constBias := variableBias
	constBias.BiasIsConstant = true

	direct := []backends.ConvAlgorithm{backends.ConvDirect}
	both := []backends.ConvAlgorithm{backends.ConvWinograd, backends.ConvDirect}
	testCases := []struct {
		name, isa string
		cfg       Config
		want      []backends.ConvAlgorithm
	}{
		{"not-requested", "avx512", conv2DConfig("c", 1, 16, 16, 6, 6, 3, 1), direct},
		{"requested", "avx512", constWeights, both},
		{"no-avx512", "avx2", constWeights, direct},
		{"variable-weights", "avx512", variableWeights, direct},
		{"variable-bias", "avx512", variableBias, direct},
		{"const-bias", "avx512", constBias, both},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			n := MustNew(newEngine(t, "isa="+tc.isa), tc.cfg, WithCache(NewCache()))
			assert.Equal(t, tc.want, n.algorithms(n.resolveNumericMode()))
		})
	}
}

func TestDummyInput(t *testing.T) {
	dynamic := shapes.Make(F32, shapes.DimDynamic, 8, shapes.DimDynamic, shapes.DimDynamic)

	// Kernel fits the placeholder.
	dummy, err := DummyInput(dynamic, 4, 8, []int{3, 3}, []int{1, 1}, []int{0, 0}, []int{1, 1}, []int{1, 1})
	require.NoError(t, err)
	assert.Equal(t, []int{4, 8, 4, 4}, dummy.Dimensions)

	// Kernel larger than the placeholder.
	dummy, err = DummyInput(dynamic, 4, 8, []int{5, 5}, []int{1, 1}, []int{0, 0}, []int{0, 0}, []int{0, 0})
	require.NoError(t, err)
	assert.Equal(t, []int{4, 8, 20, 20}, dummy.Dimensions)

	// Dilation makes the effective kernel 5: enlarged with strides and paddings.
	dummy, err = DummyInput(dynamic, 4, 8, []int{3, 3}, []int{2, 1}, []int{1, 0}, []int{1, 0}, []int{1, 0})
	require.NoError(t, err)
	assert.Equal(t, []int{4, 8, 33, 4}, dummy.Dimensions)

	// Static axes are kept, dynamic ones clamped to their bounds.
	bounded := shapes.MakeDynamic(F32, shapes.Interval{Min: 1, Max: 2}, shapes.Interval{Min: 8, Max: 8},
		shapes.Interval{Min: 10, Max: 100}, shapes.Interval{Min: 7, Max: 7})
	dummy, err = DummyInput(bounded, 4, 8, []int{5, 5}, []int{1, 1}, []int{0, 0}, []int{0, 0}, []int{0, 0})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 8, 20, 7}, dummy.Dimensions)
	dummy, err = DummyInput(bounded, 4, 8, []int{3, 3}, []int{1, 1}, []int{0, 0}, []int{0, 0}, []int{0, 0})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 8, 10, 7}, dummy.Dimensions)

	// Mismatched parameters.
	_, err = DummyInput(dynamic, 4, 8, []int{3}, []int{1, 1}, []int{0, 0}, []int{1, 1}, []int{1, 1})
	require.Error(t, err)
}

func TestSelectRepresentation(t *testing.T) {
	amx := backends.Capabilities{ISA: must.M1(backends.ParseISA("avx512_amx"))}
	avx512 := backends.Capabilities{ISA: must.M1(backends.ParseISA("avx512"))}
	testCases := []struct {
		slot, numAttrs              int
		zpType                      ZeroPointType
		caps                        backends.Capabilities
		wantPostOps, wantZeroPoints bool
	}{
		{0, 1, ZeroPointNone, amx, true, true},
		{1, 1, ZeroPointPerTensor, amx, true, true},
		{0, 2, ZeroPointPerTensor, amx, true, true},
		{1, 2, ZeroPointPerTensor, amx, true, false},
		{1, 2, ZeroPointPerTensor, avx512, false, false},
		{3, 2, ZeroPointNone, amx, false, false},
		{4, 2, ZeroPointNone, amx, true, true},
	}
	for _, tc := range testCases {
		legacyPostOps, legacyZeroPoint := SelectRepresentation(tc.slot, tc.numAttrs, tc.zpType, tc.caps)
		assert.Equalf(t, tc.wantPostOps, legacyPostOps, "post-ops for %+v", tc)
		assert.Equalf(t, tc.wantZeroPoints, legacyZeroPoint, "zero points for %+v", tc)
	}
}

func TestZeroPoints(t *testing.T) {
	int8Config := func() Config {
		cfg := conv2DConfig("int8", 1, 4, 4, 3, 3, 1, 0)
		cfg.Input = cfg.Input.WithDType(dtypes.Uint8)
		cfg.WeightsDType = dtypes.Int8
		cfg.OutputDType = dtypes.Float32
		return cfg
	}

	t.Run("types", func(t *testing.T) {
		n := MustNew(newEngine(t, ""), int8Config(), WithCache(NewCache()))
		assert.Equal(t, ZeroPointNone, n.InputZeroPointType())
		require.NoError(t, n.InitializeInputZeroPoints([]uint8{2, 2, 2, 2}))
		assert.Equal(t, ZeroPointPerTensor, n.InputZeroPointType())
		assert.Equal(t, []float32{2}, n.zeroPoints.nativeInput)
		require.NoError(t, n.InitializeInputZeroPoints([]uint8{1, 2, 3, 4}))
		assert.Equal(t, ZeroPointPerChannel, n.InputZeroPointType())
		assert.Nil(t, n.zeroPoints.nativeInput)
		assert.Equal(t, []float32{1, 2, 3, 4}, n.zeroPoints.legacyInput)
		assert.ErrorIs(t, n.InitializeInputZeroPoints([]uint8{1, 2}), ErrConfiguration)
		assert.ErrorIs(t, n.SetWeightsZeroPoints([]float32{1, 2}), ErrConfiguration)
		assert.ErrorIs(t, n.SetOutputCompensation([]float32{1, 2, 3}), ErrConfiguration)
		assert.Equal(t, "per_channel", n.InputZeroPointType().String())
	})

	t.Run("no-native-without-vnni", func(t *testing.T) {
		n := MustNew(newEngine(t, "isa=avx512"), int8Config(), WithCache(NewCache()))
		require.NoError(t, n.InitializeInputZeroPoints([]uint8{5}))
		assert.Equal(t, ZeroPointPerTensor, n.InputZeroPointType())
		assert.Nil(t, n.zeroPoints.nativeInput)
	})

	t.Run("bind", func(t *testing.T) {
		n := MustNew(newEngine(t, ""), int8Config(), WithCache(NewCache()))
		require.NoError(t, n.InitializeInputZeroPoints([]uint8{7}))
		require.NoError(t, n.SetWeightsZeroPoints([]float32{1}))
		require.NoError(t, n.SetOutputCompensation([]float32{-1, -2, -3, -4}))

		args := backends.Args{}
		n.zeroPoints.bind(args, true)
		assert.Len(t, args, 3)
		assert.Equal(t, []float32{7, 7, 7, 7}, args[backends.ArgAttrZeroPoints|backends.ArgSrc].Logical())
		assert.Equal(t, []float32{-1, -2, -3, -4}, args[backends.ArgAttrZeroPoints|backends.ArgDst].Logical())
		assert.Equal(t, backends.ZeroPoints{LegacyInput: 4, LegacyWeights: 1, LegacyOutputCompensation: 4}, n.zeroPoints.attr(true))

		args = backends.Args{}
		n.zeroPoints.bind(args, false)
		assert.Len(t, args, 1)
		assert.Equal(t, []float32{7}, args[backends.ArgAttrZeroPoints|backends.ArgSrc].Logical())
		assert.Equal(t, backends.ZeroPoints{NativeSrc: true}, n.zeroPoints.attr(false))
	})
}

func TestAttributeSets(t *testing.T) {
	int8Config := conv2DConfig("int8", 1, 4, 4, 3, 3, 1, 0)
	int8Config.Input = int8Config.Input.WithDType(dtypes.Uint8)
	int8Config.WeightsDType = dtypes.Int8
	int8Config.OutputDType = dtypes.Float32
	outputDims := []int{1, 4, 3, 3}

	attributeSets := func(t *testing.T, isa string, cfg Config, setup func(n *Node)) []backends.Attr {
		t.Helper()
		n := MustNew(newEngine(t, "isa="+isa), cfg, WithCache(NewCache()))
		if setup != nil {
			setup(n)
		}
		attrs, err := n.attributeSets(outputDims, n.resolveNumericMode())
		require.NoError(t, err)
		return attrs
	}
	perTensor := func(n *Node) { require.NoError(t, n.InitializeInputZeroPoints([]uint8{2})) }
	perChannel := func(n *Node) { require.NoError(t, n.InitializeInputZeroPoints([]uint8{1, 2, 3, 4})) }
	scaleShift := func(n *Node) {
		require.NoError(t, n.AddFusedNode(&postops.Elementwise{
			NodeName: "mul", Kind: postops.ScaleShift, Scales: []float32{1, 2, 3, 4}}))
	}

	t.Run("plain", func(t *testing.T) {
		attrs := attributeSets(t, "avx512_amx", conv2DConfig("c", 1, 4, 4, 3, 3, 1, 0), nil)
		assert.Len(t, attrs, 1)
	})

	t.Run("per-tensor", func(t *testing.T) {
		attrs := attributeSets(t, "avx512_amx", int8Config, perTensor)
		require.Len(t, attrs, 2)
		assert.Equal(t, 4, attrs[0].ZeroPoints.LegacyInput)
		assert.True(t, attrs[0].ZeroPoints.IsLegacy())
		assert.True(t, attrs[1].ZeroPoints.NativeSrc)
		assert.False(t, attrs[1].ZeroPoints.IsLegacy())
	})

	t.Run("per-channel", func(t *testing.T) {
		attrs := attributeSets(t, "avx512_amx", int8Config, perChannel)
		require.Len(t, attrs, 1)
		assert.Equal(t, 4, attrs[0].ZeroPoints.LegacyInput)
	})

	t.Run("no-brgconv", func(t *testing.T) {
		attrs := attributeSets(t, "avx2", int8Config, perTensor)
		assert.Len(t, attrs, 1)
	})

	t.Run("scale-shift", func(t *testing.T) {
		attrs := attributeSets(t, "avx512", conv2DConfig("c", 1, 4, 4, 3, 3, 1, 0), scaleShift)
		require.Len(t, attrs, 2)
		assert.True(t, attrs[0].Has(backends.PostOpScaleShift))
		assert.False(t, attrs[1].Has(backends.PostOpScaleShift))
		assert.Equal(t, backends.ZeroPoints{}, attrs[1].ZeroPoints)
	})
}

func TestPlan_FormatFilters(t *testing.T) {
	engine := newEngine(t, "isa=avx2")
	cfg := conv2DConfig("filtered", 1, 8, 8, 5, 5, 3, 1)
	cfg.InputFormatFilter = []memdesc.Tag{memdesc.TagNSPC}
	cfg.OutputFormatFilter = []memdesc.Tag{memdesc.TagNSPC}
	n := MustNew(engine, cfg, WithCache(NewCache()))
	require.NoError(t, n.Plan())
	require.NotEmpty(t, n.Descriptors())
	for _, d := range n.Descriptors() {
		assert.Equal(t, memdesc.TagNSPC, d.Impl.Src.Tag(), "descriptor %s", d)
		assert.Equal(t, memdesc.TagNSPC, d.Impl.Dst.Tag(), "descriptor %s", d)
	}
	assert.Equal(t, memdesc.TagNSPC, n.Selected().Impl.Src.Tag())

	// Plan is idempotent.
	selected := n.Selected()
	require.NoError(t, n.Plan())
	assert.Equal(t, selected, n.Selected())
	assert.Equal(t, DescriptorsFixed, n.State())
}
