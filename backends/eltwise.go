// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"math"

	"github.com/gomlx/exceptions"
)

// EltwiseAlg is an elementwise function applied by a post-op, parametrized by alpha and beta.
type EltwiseAlg int

const (
	EltwiseRelu     EltwiseAlg = iota // x > 0 ? x : alpha*x
	EltwiseElu                        // x > 0 ? x : alpha*(exp(x)-1)
	EltwiseTanh                       // tanh(x)
	EltwiseLogistic                   // 1/(1+exp(-x))
	EltwiseGeluErf                    // 0.5*x*(1+erf(x/sqrt(2)))
	EltwiseGeluTanh                   // tanh approximation of gelu
	EltwiseSwish                      // x*logistic(alpha*x)
	EltwiseHSwish                     // x*min(max(x+3, 0), 6)/6
	EltwiseClip                       // min(max(x, alpha), beta)
	EltwiseLinear                     // alpha*x + beta
	EltwiseAbs
	EltwiseSqrt
	EltwiseSquare
	EltwiseExp
	EltwiseLog
	EltwiseRound // Round half to even.
)

var eltwiseNames = []string{
	"relu", "elu", "tanh", "logistic", "gelu_erf", "gelu_tanh", "swish", "hswish", "clip", "linear",
	"abs", "sqrt", "square", "exp", "log", "round",
}

// String implements fmt.Stringer.
func (alg EltwiseAlg) String() string {
	if int(alg) < 0 || int(alg) >= len(eltwiseNames) {
		return "eltwise(?)"
	}
	return eltwiseNames[alg]
}

// Apply the function to x.
func (alg EltwiseAlg) Apply(x, alpha, beta float32) float32 {
	switch alg {
	case EltwiseRelu:
		if x > 0 {
			return x
		}
		return alpha * x
	case EltwiseElu:
		if x > 0 {
			return x
		}
		return alpha * float32(math.Expm1(float64(x)))
	case EltwiseTanh:
		return float32(math.Tanh(float64(x)))
	case EltwiseLogistic:
		return logistic(x)
	case EltwiseGeluErf:
		return 0.5 * x * (1 + float32(math.Erf(float64(x)/math.Sqrt2)))
	case EltwiseGeluTanh:
		x64 := float64(x)
		return float32(0.5 * x64 * (1 + math.Tanh(math.Sqrt(2/math.Pi)*(x64+0.044715*x64*x64*x64))))
	case EltwiseSwish:
		return x * logistic(alpha*x)
	case EltwiseHSwish:
		return x * min(max(x+3, 0), 6) / 6
	case EltwiseClip:
		return min(max(x, alpha), beta)
	case EltwiseLinear:
		return alpha*x + beta
	case EltwiseAbs:
		if x < 0 {
			return -x
		}
		return x
	case EltwiseSqrt:
		return float32(math.Sqrt(float64(x)))
	case EltwiseSquare:
		return x * x
	case EltwiseExp:
		return float32(math.Exp(float64(x)))
	case EltwiseLog:
		return float32(math.Log(float64(x)))
	case EltwiseRound:
		return float32(math.RoundToEven(float64(x)))
	default:
		exceptions.Panicf("unknown eltwise algorithm %d", alg)
		return 0
	}
}

func logistic(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

// BinaryAlg is the operation of a binary post-op, applied as op(x, operand).
type BinaryAlg int

const (
	BinaryAdd BinaryAlg = iota
	BinarySub
	BinaryMul
	BinaryDiv
	BinaryMax
	BinaryMin
)

var binaryNames = []string{"add", "sub", "mul", "div", "max", "min"}

// String implements fmt.Stringer.
func (alg BinaryAlg) String() string {
	if int(alg) < 0 || int(alg) >= len(binaryNames) {
		return "binary(?)"
	}
	return binaryNames[alg]
}

// Apply the operation.
func (alg BinaryAlg) Apply(x, operand float32) float32 {
	switch alg {
	case BinaryAdd:
		return x + operand
	case BinarySub:
		return x - operand
	case BinaryMul:
		return x * operand
	case BinaryDiv:
		return x / operand
	case BinaryMax:
		return max(x, operand)
	case BinaryMin:
		return min(x, operand)
	default:
		exceptions.Panicf("unknown binary algorithm %d", alg)
		return 0
	}
}
