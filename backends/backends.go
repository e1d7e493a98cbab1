// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface to the hardware primitive engines used to execute
// lowered operators: creation of primitive descriptors (with their list of candidate
// implementations), compilation of primitives and layout reorders.
//
// Engines register themselves with Register, usually in an init() function, and are created
// with New or NewWithConfig.
package backends

import (
	"os"
	"slices"
	"strings"

	"github.com/gomlx/lowering/pkg/core/memdesc"
	"github.com/gomlx/lowering/pkg/core/memory"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Engine is the API a hardware primitive engine needs to implement.
type Engine interface {
	// Name returns the short name of the engine, e.g. "refcpu".
	Name() string

	// Description is a longer description of the Engine that can be used to pretty-print.
	Description() string

	// Capabilities of the engine: instruction-set extensions and supported dtypes.
	Capabilities() Capabilities

	// ConvolutionDesc creates a primitive descriptor for the convolution, iterating over the
	// implementations that accept it, in the engine's preferred order.
	//
	// Descriptors with layout memdesc.TagAny are resolved to each implementation's preferred layout.
	// If allowEmpty is true and no implementation accepts the request, it returns (nil, nil).
	ConvolutionDesc(desc ConvDesc, allowEmpty bool) (*PrimitiveDesc, error)

	// Compile the implementation currently selected in the primitive descriptor.
	Compile(pd *PrimitiveDesc) (Primitive, error)

	// Reorder creates a primitive that copies (and converts) data from src to dst layout and dtype.
	Reorder(src, dst memdesc.Desc) (Primitive, error)

	// Finalize releases all the associated resources immediately, and makes the engine invalid.
	Finalize()
}

// Args maps primitive arguments to the memories bound to them.
type Args map[ArgID]*memory.Memory

// Primitive is a compiled kernel.
type Primitive interface {
	// Impl returns the implementation the primitive was compiled from.
	Impl() ImplInfo

	// Execute the primitive synchronously with the given arguments.
	Execute(args Args) error
}

// Constructor takes a config string (optionally empty) and returns an Engine.
type Constructor func(config string) (Engine, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register engine with the given name, and a default constructor that takes as input a configuration
// string that is passed along to the engine constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List the registered engines.
func List() []string {
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DefaultConfig is the name of the default engine configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// ConfigEnvVar is the environment variable with the default engine configuration to use.
//
// The format of config is "<engine_name>:<engine_configuration>".
const ConfigEnvVar = "LOWERING_ENGINE"

// New returns a new default Engine.
//
// The default is:
//
// 1. The environment ConfigEnvVar is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered engine is used with an empty configuration.
func New() (Engine, error) {
	config, found := os.LookupEnv(ConfigEnvVar)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// MustNew is like New, but panics on error.
func MustNew() Engine {
	engine, err := New()
	if err != nil {
		panic(err)
	}
	return engine
}

// NewWithConfig takes a configuration string formatted as "<engine_name>:<engine_configuration>".
// The "<engine_name>" is the name of a registered engine (e.g.: "refcpu") and
// "<engine_configuration>" is engine specific (e.g.: "isa=avx2,parallelism=4").
func NewWithConfig(config string) (Engine, error) {
	if len(registeredConstructors) == 0 {
		return nil, errors.Errorf(`no registered engines -- maybe import the reference one with import _ "github.com/gomlx/lowering/backends/refcpu"?`)
	}
	engineName := firstRegistered
	engineConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		engineName = config[:idx]
		engineConfig = config[idx+1:]
	} else if _, found := registeredConstructors[config]; found {
		engineName = config
		engineConfig = ""
	}
	constructor, found := registeredConstructors[engineName]
	if !found {
		return nil, errors.Errorf("can't find engine %q for configuration %q given", engineName, config)
	}
	engine, err := constructor(engineConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create engine %q", engineName)
	}
	klog.V(1).Infof("created engine %s (%s)", engine.Name(), engine.Description())
	return engine, nil
}
