// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package refcpu implements a portable reference engine: it emulates the catalog of CPU kernel
// families (brgconv, jit per ISA, winograd, gemm, ref) for primitive-descriptor creation, and
// executes all of them with the same plain Go kernels.
//
// The ISA the engine pretends to have is configurable, which makes it a good vehicle to test
// kernel selection logic for machines one doesn't have.
//
// Configuration is a comma-separated list of options:
//
//   - "isa=<level>": one of "none", "sse42", "avx", "avx2", "avx512", "avx512_vnni", "avx512_amx".
//     Default is "avx512_amx".
//   - "parallelism=<n>": soft limit of parallel workers, 0 disables parallelism, -1 for unlimited.
//     Default is runtime.NumCPU().
//   - "ref=<bool>": whether the always-available reference implementation is offered. Default is true.
//
// Example: backends.NewWithConfig("refcpu:isa=avx2,parallelism=4")
package refcpu

import (
	"strconv"
	"strings"

	"github.com/gomlx/lowering/backends"
	"github.com/gomlx/lowering/internal/workerspool"
	"github.com/pkg/errors"
)

// BackendName to be used in LOWERING_ENGINE to specify this engine.
const BackendName = "refcpu"

// Registers New() as the constructor for the "refcpu" engine.
func init() {
	backends.Register(BackendName, func(config string) (backends.Engine, error) { return New(config) })
}

// Backend implements the backends.Engine interface.
type Backend struct {
	caps    backends.Capabilities
	workers *workerspool.Pool

	// withRef enables the reference implementation, accepting any request.
	withRef bool

	isFinalized bool
}

// Compile-time check that refcpu.Backend implements backends.Engine.
var _ backends.Engine = &Backend{}

// New constructs a new reference Backend, see package documentation for the configuration.
func New(config string) (*Backend, error) {
	b := &Backend{
		caps:    Capabilities.Clone(),
		workers: workerspool.New(),
		withRef: true,
	}
	if config == "" {
		return b, nil
	}
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return nil, errors.Errorf("invalid configuration option %q for %s engine, expected \"key=value\"", part, BackendName)
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "isa":
			isa, err := backends.ParseISA(value)
			if err != nil {
				return nil, errors.WithMessagef(err, "option %q of %s engine", part, BackendName)
			}
			b.caps.ISA = isa
		case "parallelism":
			parallelism, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return nil, errors.Wrapf(err, "option %q of %s engine", part, BackendName)
			}
			b.workers.SetMaxParallelism(parallelism)
		case "ref":
			withRef, err := strconv.ParseBool(strings.TrimSpace(value))
			if err != nil {
				return nil, errors.Wrapf(err, "option %q of %s engine", part, BackendName)
			}
			b.withRef = withRef
		default:
			return nil, errors.Errorf("unknown configuration option %q for %s engine", part, BackendName)
		}
	}
	return b, nil
}

// Name returns the short name of the engine.
func (b *Backend) Name() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	return "Reference CPU engine (isa=" + b.caps.ISA.String() + ", parallelism=" + strconv.Itoa(b.workers.MaxParallelism()) + ")"
}

// Capabilities returns information about what is supported by this engine.
func (b *Backend) Capabilities() backends.Capabilities {
	return b.caps
}

// Finalize releases all the associated resources immediately, and makes the engine invalid.
func (b *Backend) Finalize() {
	b.isFinalized = true
}

func (b *Backend) checkOk() error {
	if b == nil || b.isFinalized {
		return errors.Errorf("%s engine has already been finalized", BackendName)
	}
	return nil
}
