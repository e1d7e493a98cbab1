// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package refcpu

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/lowering/backends"
)

// Capabilities of the reference engine with its default configuration. Engines created with an
// "isa=" option only change the ISA.
var Capabilities = backends.Capabilities{
	ISA: backends.ISASSE42 | backends.ISAAVX | backends.ISAAVX2 | backends.ISAAVX512Core |
		backends.ISAAVX512VNNI | backends.ISAAMX,

	DTypes: map[dtypes.DType]bool{
		dtypes.Float32:  true,
		dtypes.BFloat16: true,
		dtypes.Float16:  true,
		dtypes.Int8:     true,
		dtypes.Uint8:    true,
		dtypes.Int32:    true,
	},
}
