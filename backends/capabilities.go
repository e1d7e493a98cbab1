// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"maps"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// ISA is a bitmask of instruction-set extensions an engine may use.
type ISA uint32

const (
	ISASSE42 ISA = 1 << iota
	ISAAVX
	ISAAVX2
	ISAAVX512Core
	ISAAVX512VNNI
	ISAAMX
)

// isaLevels lists the cumulative ISA levels, from the lowest to the highest.
var isaLevels = []struct {
	name string
	isa  ISA
}{
	{"none", 0},
	{"sse42", ISASSE42},
	{"avx", ISASSE42 | ISAAVX},
	{"avx2", ISASSE42 | ISAAVX | ISAAVX2},
	{"avx512", ISASSE42 | ISAAVX | ISAAVX2 | ISAAVX512Core},
	{"avx512_vnni", ISASSE42 | ISAAVX | ISAAVX2 | ISAAVX512Core | ISAAVX512VNNI},
	{"avx512_amx", ISASSE42 | ISAAVX | ISAAVX2 | ISAAVX512Core | ISAAVX512VNNI | ISAAMX},
}

// ParseISA parses a cumulative ISA level name: "none", "sse42", "avx", "avx2", "avx512",
// "avx512_vnni" or "avx512_amx".
func ParseISA(name string) (ISA, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, level := range isaLevels {
		if level.name == name {
			return level.isa, nil
		}
	}
	return 0, errors.Errorf("unknown ISA level %q", name)
}

// String returns the name of the highest level fully included in isa.
func (isa ISA) String() string {
	name := "none"
	for _, level := range isaLevels {
		if isa&level.isa == level.isa {
			name = level.name
		}
	}
	return name
}

// Capabilities holds mappings of what is supported by an engine.
type Capabilities struct {
	// ISA extensions the engine may use.
	ISA ISA

	// DTypes holds the supported dtypes for tensors.
	DTypes map[dtypes.DType]bool
}

// MayUse returns whether all the extensions in isa are available.
func (c Capabilities) MayUse(isa ISA) bool {
	return c.ISA&isa == isa
}

// HasVectorISA returns whether any vector extension is available: engines without one only run
// channel-last kernels.
func (c Capabilities) HasVectorISA() bool {
	return c.ISA != 0
}

// BrgConvAvailable returns whether the batch-reduce convolution kernels are available.
func (c Capabilities) BrgConvAvailable() bool {
	return c.MayUse(ISAAVX512Core)
}

// Clone makes a deep copy of the Capabilities.
func (c Capabilities) Clone() Capabilities {
	var c2 Capabilities
	c2.ISA = c.ISA
	c2.DTypes = maps.Clone(c.DTypes)
	return c2
}
