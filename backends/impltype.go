// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"strings"

	"github.com/pkg/errors"
)

// ImplType identifies a family of kernel implementations as a combination of traits:
// code-generation technique, instruction set and specialization.
//
// Two implementations are considered the same type if all their bits match.
type ImplType uint32

const (
	// ImplUnknown matches no implementation.
	ImplUnknown ImplType = 0
)

const (
	ImplRef ImplType = 1 << iota
	ImplJIT
	ImplGEMM
	ImplBrgConv
	ImplWinograd
	ImplACL
	ImplSSE42
	ImplAVX
	ImplAVX2
	ImplAVX512
	ImplAMX
	ImplUni
	Impl1x1
	ImplDW
	ImplAny
	ImplBLAS
)

// Named implementation types.
const (
	ImplRefAny = ImplRef | ImplAny

	ImplJITGEMM    = ImplJIT | ImplGEMM
	ImplGEMMAny    = ImplGEMM | ImplAny
	ImplGEMMBLAS   = ImplGEMM | ImplBLAS
	ImplGEMMAVX512 = ImplGEMM | ImplAVX512
	ImplGEMMAVX2   = ImplGEMM | ImplAVX2
	ImplGEMMAVX    = ImplGEMM | ImplAVX
	ImplGEMMSSE42  = ImplGEMM | ImplSSE42

	ImplJITSSE42     = ImplJIT | ImplSSE42
	ImplJITSSE42DW   = ImplJITSSE42 | ImplDW
	ImplJITSSE421x1  = ImplJITSSE42 | Impl1x1
	ImplJITAVX       = ImplJIT | ImplAVX
	ImplJITAVXDW     = ImplJITAVX | ImplDW
	ImplJITAVX1x1    = ImplJITAVX | Impl1x1
	ImplJITAVX2      = ImplJIT | ImplAVX2
	ImplJITAVX2DW    = ImplJITAVX2 | ImplDW
	ImplJITAVX21x1   = ImplJITAVX2 | Impl1x1
	ImplJITAVX512    = ImplJIT | ImplAVX512
	ImplJITAVX512DW  = ImplJITAVX512 | ImplDW
	ImplJITAVX5121x1 = ImplJITAVX512 | Impl1x1
	ImplJITUni       = ImplJIT | ImplUni
	ImplJITUniDW     = ImplJITUni | ImplDW
	ImplJITUni1x1    = ImplJITUni | Impl1x1

	ImplJITAVX512Winograd = ImplJITAVX512 | ImplWinograd

	ImplJITAVX512AMX    = ImplJITAVX512 | ImplAMX
	ImplJITAVX512AMXDW  = ImplJITAVX512AMX | ImplDW
	ImplJITAVX512AMX1x1 = ImplJITAVX512AMX | Impl1x1

	ImplBrgConvAVX512       = ImplBrgConv | ImplAVX512
	ImplBrgConvAVX5121x1    = ImplBrgConvAVX512 | Impl1x1
	ImplBrgConvAVX512AMX    = ImplBrgConvAVX512 | ImplAMX
	ImplBrgConvAVX512AMX1x1 = ImplBrgConvAVX512AMX | Impl1x1

	ImplDWACL       = ImplDW | ImplACL
	ImplWinogradACL = ImplWinograd | ImplACL
	ImplGEMMACL     = ImplGEMM | ImplACL
)

var implNames = map[ImplType]string{
	ImplUnknown:             "unknown",
	ImplRef:                 "ref",
	ImplRefAny:              "ref_any",
	ImplJITGEMM:             "jit_gemm",
	ImplGEMMAny:             "gemm_any",
	ImplGEMMBLAS:            "gemm_blas",
	ImplGEMMAVX512:          "gemm_avx512",
	ImplGEMMAVX2:            "gemm_avx2",
	ImplGEMMAVX:             "gemm_avx",
	ImplGEMMSSE42:           "gemm_sse42",
	ImplJITSSE42:            "jit_sse42",
	ImplJITSSE42DW:          "jit_sse42_dw",
	ImplJITSSE421x1:         "jit_sse42_1x1",
	ImplJITAVX:              "jit_avx",
	ImplJITAVXDW:            "jit_avx_dw",
	ImplJITAVX1x1:           "jit_avx_1x1",
	ImplJITAVX2:             "jit_avx2",
	ImplJITAVX2DW:           "jit_avx2_dw",
	ImplJITAVX21x1:          "jit_avx2_1x1",
	ImplJITAVX512:           "jit_avx512",
	ImplJITAVX512DW:         "jit_avx512_dw",
	ImplJITAVX5121x1:        "jit_avx512_1x1",
	ImplJITUni:              "jit_uni",
	ImplJITUniDW:            "jit_uni_dw",
	ImplJITUni1x1:           "jit_uni_1x1",
	ImplJITAVX512Winograd:   "jit_avx512_winograd",
	ImplJITAVX512AMX:        "jit_avx512_amx",
	ImplJITAVX512AMXDW:      "jit_avx512_amx_dw",
	ImplJITAVX512AMX1x1:     "jit_avx512_amx_1x1",
	ImplBrgConvAVX512:       "brgconv_avx512",
	ImplBrgConvAVX5121x1:    "brgconv_avx512_1x1",
	ImplBrgConvAVX512AMX:    "brgconv_avx512_amx",
	ImplBrgConvAVX512AMX1x1: "brgconv_avx512_amx_1x1",
	ImplDWACL:               "dw_acl",
	ImplWinogradACL:         "winograd_acl",
	ImplGEMMACL:             "gemm_acl",
}

var traitNames = []struct {
	trait ImplType
	name  string
}{
	{ImplJIT, "jit"}, {ImplRef, "ref"}, {ImplGEMM, "gemm"}, {ImplBrgConv, "brgconv"},
	{ImplWinograd, "winograd"}, {ImplACL, "acl"}, {ImplUni, "uni"},
	{ImplSSE42, "sse42"}, {ImplAVX, "avx"}, {ImplAVX2, "avx2"}, {ImplAVX512, "avx512"}, {ImplAMX, "amx"},
	{ImplBLAS, "blas"}, {ImplAny, "any"}, {Impl1x1, "1x1"}, {ImplDW, "dw"},
}

// String implements fmt.Stringer. Named types print their canonical name, other combinations
// the list of their traits.
func (t ImplType) String() string {
	if name, found := implNames[t]; found {
		return name
	}
	var parts []string
	for _, tn := range traitNames {
		if t&tn.trait != 0 {
			parts = append(parts, tn.name)
		}
	}
	return strings.Join(parts, "_")
}

// Has returns whether all the traits are present.
func (t ImplType) Has(traits ImplType) bool {
	return t&traits == traits
}

// ParseImplType parses the name of an implementation type, e.g. "jit_avx2_1x1", "brgconv_avx512_amx"
// or "ref_any".
func ParseImplType(name string) (ImplType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for t, tName := range implNames {
		if tName == name {
			return t, nil
		}
	}
	return ImplUnknown, errors.Errorf("unknown implementation type %q", name)
}
