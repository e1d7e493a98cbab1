// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// convplan plans a convolution node on a primitive engine, and reports the implementations
// enumerated, the one selected and, optionally, the executors built to run it.
//
// Example:
//
//	convplan -engine=refcpu:isa=avx2 -input=-1,16,-1,-1 -weights=32,16,3,3 -pads_begin=1,1 -pads_end=1,1 \
//		-relu -run=1,16,28,28 -run=2,16,28,28
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lowering/backends"
	_ "github.com/gomlx/lowering/backends/default"
	"github.com/gomlx/lowering/backends/shapeinference"
	"github.com/gomlx/lowering/pkg/core/shapes"
	"github.com/gomlx/lowering/pkg/lowering/catalog"
	"github.com/gomlx/lowering/pkg/lowering/conv"
	"github.com/gomlx/lowering/pkg/lowering/postops"
	"github.com/gomlx/lowering/pkg/support/xslices"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagEngine = flag.String("engine", "", fmt.Sprintf(
		"Engine configuration, formatted as \"<engine>:<config>\". If empty, %s is used, and then the default engine.",
		backends.ConfigEnvVar))

	flagInput = xslices.Flag("input", []int{1, 16, 32, 32},
		"Comma-separated input dimensions, with -1 for dynamic axes.", strconv.Atoi)
	flagWeights = xslices.Flag("weights", []int{32, 16, 3, 3},
		"Comma-separated weights dimensions: [OC, IC, kernel...], or [G, OC/G, IC/G, kernel...] with -grouped.", strconv.Atoi)
	flagGrouped   = flag.Bool("grouped", false, "Grouped convolution.")
	flagStrides   = xslices.Flag("strides", nil, "Comma-separated strides, one per spatial axis. Defaults to 1.", strconv.Atoi)
	flagDilations = xslices.Flag("dilations", nil, "Comma-separated dilations (1 means no dilation). Defaults to 1.", strconv.Atoi)
	flagPadsBegin = xslices.Flag("pads_begin", nil, "Comma-separated paddings at the start of each spatial axis.", strconv.Atoi)
	flagPadsEnd   = xslices.Flag("pads_end", nil, "Comma-separated paddings at the end of each spatial axis.", strconv.Atoi)
	flagAutoPad   = flag.String("auto_pad", "explicit", "One of \"explicit\", \"same_upper\", \"same_lower\" or \"valid\".")
	flagDType     = flag.String("dtype", "Float32", "Input dtype.")
	flagOutDType  = flag.String("output_dtype", "", "Output dtype. Defaults to the input dtype.")
	flagWDType    = flag.String("weights_dtype", "", "Weights dtype. Defaults to the input dtype.")
	flagBias      = flag.Bool("bias", false, "Convolution with bias.")
	flagRelu      = flag.Bool("relu", false, "Fuse a relu activation after the convolution.")
	flagQuantized = flag.Bool("quantized", false, "The graph holds quantization nodes: enables channel-last candidates.")
	flagDummy     = flag.Int("dummy", 0, "Placeholder extent for dynamic axes while planning. 0 for the default.")
	flagPriority  = flag.String("priorities", "",
		"Comma-separated implementation types tried first, e.g. \"brgconv_avx512,jit_avx2\".")
	flagCatalog = flag.Bool("catalog", false, "Display the ranking of implementation types used.")
	flagRuns    []string
)

func init() {
	// Make usage print the list of registered engines.
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s (engines: %s):\n", os.Args[0], strings.Join(backends.List(), ", "))
		flag.PrintDefaults()
	}
	flag.Func("run", "Input dimensions to execute the node with (comma-separated). Can be repeated.",
		func(value string) error {
			flagRuns = append(flagRuns, value)
			return nil
		})
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	lipgloss.SetColorProfile(termenv.EnvColorProfile())

	engine, err := newEngine()
	if err != nil {
		klog.Exitf("Failed to create engine: %+v", err)
	}
	defer engine.Finalize()

	cfg, err := buildConfig()
	if err != nil {
		klog.Exitf("Invalid convolution: %+v", err)
	}
	node, err := conv.New(engine, cfg, conv.WithCache(conv.NewCache()))
	if err != nil {
		klog.Exitf("%+v", err)
	}
	if *flagRelu {
		must.M(node.AddFusedNode(&postops.Elementwise{NodeName: "relu", Kind: postops.Activation, Alg: backends.EltwiseRelu}))
	}
	if err := node.Plan(); err != nil {
		klog.Exitf("Failed to plan %q: %+v", cfg.Name, err)
	}

	reportEngine(engine)
	if *flagCatalog {
		reportCatalog(cfg.Priorities)
	}
	reportDescriptors(node)
	if len(flagRuns) == 0 && cfg.Input.IsDefined() {
		flagRuns = []string{strings.Join(xslices.Map(cfg.Input.Dimensions, strconv.Itoa), ",")}
	}
	if len(flagRuns) > 0 {
		runs := make([][]int, len(flagRuns))
		for ii, run := range flagRuns {
			if runs[ii], err = xslices.ParseList(run, strconv.Atoi); err != nil {
				klog.Exitf("Invalid -run=%q: %v", run, err)
			}
		}
		if err := reportExecutions(node, runs); err != nil {
			klog.Exitf("Failed to execute %q: %+v", cfg.Name, err)
		}
	}
}

func newEngine() (backends.Engine, error) {
	if *flagEngine == "" {
		return backends.New()
	}
	return backends.NewWithConfig(*flagEngine)
}

// parseDType accepts the dtype names in any case, and returns invalid for an empty name.
func parseDType(name string) (dtypes.DType, error) {
	if name == "" {
		return dtypes.InvalidDType, nil
	}
	for dtypeName, dtype := range dtypes.MapOfNames {
		if strings.EqualFold(dtypeName, name) {
			return dtype, nil
		}
	}
	return dtypes.InvalidDType, errors.Errorf("unknown dtype %q", name)
}

func parseAutoPad(name string) (shapeinference.AutoPad, error) {
	for _, autoPad := range []shapeinference.AutoPad{shapeinference.AutoPadExplicit, shapeinference.AutoPadSameUpper,
		shapeinference.AutoPadSameLower, shapeinference.AutoPadValid} {
		if strings.EqualFold(autoPad.String(), name) {
			return autoPad, nil
		}
	}
	return shapeinference.AutoPadExplicit, errors.Errorf("unknown auto padding %q", name)
}

func buildConfig() (conv.Config, error) {
	cfg := conv.Config{
		Name:             "conv",
		Strides:          *flagStrides,
		Dilations:        *flagDilations,
		PadsBegin:        *flagPadsBegin,
		PadsEnd:          *flagPadsEnd,
		WeightDims:       *flagWeights,
		WithBias:         *flagBias,
		GraphQuantized:   *flagQuantized,
		WeightIsConstant: true,
		BiasIsConstant:   true,
		DummyDim:         *flagDummy,
	}
	if *flagGrouped {
		cfg.Kind = conv.ConvolutionGrouped
	}
	var err error
	if cfg.AutoPad, err = parseAutoPad(*flagAutoPad); err != nil {
		return cfg, err
	}
	inputDType, err := parseDType(*flagDType)
	if err != nil {
		return cfg, err
	}
	if inputDType == dtypes.InvalidDType {
		return cfg, errors.New("-dtype must be given")
	}
	if cfg.OutputDType, err = parseDType(*flagOutDType); err != nil {
		return cfg, err
	}
	if cfg.WeightsDType, err = parseDType(*flagWDType); err != nil {
		return cfg, err
	}
	for _, dim := range *flagInput {
		if dim <= 0 && dim != shapes.DimDynamic {
			return cfg, errors.Errorf("invalid -input=%v", *flagInput)
		}
	}
	cfg.Input = shapes.Make(inputDType, *flagInput...)
	if *flagPriority != "" {
		if cfg.Priorities, err = catalog.ParsePriorities(*flagPriority); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}
