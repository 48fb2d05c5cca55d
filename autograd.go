package main

// ===========================================================================
// BACKWARD OPERATIONS
// ===========================================================================
//
// Manual reverse-mode differentiation for every forward op the model uses.
// Each forward op in tensor.go has a matching *Backward here that maps the
// incoming gradient dL/dOut to gradients for the op's inputs via the chain
// rule. The contrastive head additionally needs the gradient of the row-wise
// L2 normalization, which has no counterpart in plain language-model
// training: features live on the unit hypersphere, so the gradient must be
// projected onto the tangent plane of each row.
//
// ===========================================================================

import (
	"math"
)

// MatMulBackward computes gradients for C = A @ B:
//
//	gradA = gradC @ Bᵀ
//	gradB = Aᵀ @ gradC
func MatMulBackward(a, b, gradC *Tensor) (gradA, gradB *Tensor) {
	gradA = MatMul(gradC, Transpose(b))
	gradB = MatMul(Transpose(a), gradC)
	return gradA, gradB
}

// GELUBackward computes the gradient of the tanh-approximated GELU.
func GELUBackward(x, gradY *Tensor) *Tensor {
	gradX := NewTensor(x.shape...)

	const (
		sqrt2OverPi = 0.7978845608028654
		coeff       = 0.044715
	)

	for i := range x.data {
		v := x.data[i]

		inner := sqrt2OverPi * (v + coeff*v*v*v)
		tanhInner := math.Tanh(inner)

		tanhDeriv := 1.0 - tanhInner*tanhInner
		innerDeriv := sqrt2OverPi * (1.0 + 3.0*coeff*v*v)
		geluDeriv := 0.5*(1.0+tanhInner) + 0.5*v*tanhDeriv*innerDeriv

		gradX.data[i] = gradY.data[i] * geluDeriv
	}

	return gradX
}

// SoftmaxBackward computes the gradient for Y = softmax(X), row-wise:
//
//	gradX[i] = Y[i] * (gradY[i] - Σ_j gradY[j] * Y[j])
func SoftmaxBackward(y, gradY *Tensor) *Tensor {
	if len(y.shape) != 2 {
		panic("SoftmaxBackward: requires 2D tensor")
	}

	batch, features := y.shape[0], y.shape[1]
	gradX := NewTensor(y.shape...)

	for b := 0; b < batch; b++ {
		dot := 0.0
		for f := 0; f < features; f++ {
			dot += gradY.At(b, f) * y.At(b, f)
		}
		for f := 0; f < features; f++ {
			gradX.Set(y.At(b, f)*(gradY.At(b, f)-dot), b, f)
		}
	}

	return gradX
}

// LayerNormBackward computes gradients for y = gamma * (x - mean) / std + beta.
// Statistics are recomputed from the cached input rather than stored.
func LayerNormBackward(x, gamma *Tensor, gradY *Tensor, epsilon float64) (gradX, gradGamma, gradBeta *Tensor) {
	if len(x.shape) != 2 {
		panic("LayerNormBackward: requires 2D tensor")
	}

	batch, features := x.shape[0], x.shape[1]

	gradX = NewTensor(x.shape...)
	gradGamma = NewTensor(features)
	gradBeta = NewTensor(features)

	n := float64(features)

	for b := 0; b < batch; b++ {
		mean := 0.0
		for f := 0; f < features; f++ {
			mean += x.At(b, f)
		}
		mean /= n

		variance := 0.0
		for f := 0; f < features; f++ {
			diff := x.At(b, f) - mean
			variance += diff * diff
		}
		variance /= n

		std := math.Sqrt(variance + epsilon)

		for f := 0; f < features; f++ {
			xNorm := (x.At(b, f) - mean) / std
			gradGamma.data[f] += gradY.At(b, f) * xNorm
			gradBeta.data[f] += gradY.At(b, f)
		}

		sumGradY := 0.0
		sumGradYXNorm := 0.0
		for f := 0; f < features; f++ {
			xNorm := (x.At(b, f) - mean) / std
			sumGradY += gradY.At(b, f) * gamma.data[f]
			sumGradYXNorm += gradY.At(b, f) * gamma.data[f] * xNorm
		}

		for f := 0; f < features; f++ {
			xNorm := (x.At(b, f) - mean) / std
			gradXNorm := gradY.At(b, f) * gamma.data[f]
			gradX.Set((n*gradXNorm-sumGradY-xNorm*sumGradYXNorm)/(n*std), b, f)
		}
	}

	return gradX, gradGamma, gradBeta
}

// CrossEntropyBackward computes the gradient for the mean cross-entropy
// loss over rows of logits with integer targets:
//
//	gradLogits = (softmax(logits) - one_hot(targets)) / batch
func CrossEntropyBackward(logits *Tensor, targets []int) *Tensor {
	if len(logits.shape) != 2 {
		panic("CrossEntropyBackward: requires 2D logits")
	}

	batchSize := logits.shape[0]
	classes := logits.shape[1]

	probs := Softmax(logits)
	gradLogits := NewTensor(batchSize, classes)

	for b := 0; b < batchSize; b++ {
		for c := 0; c < classes; c++ {
			g := probs.At(b, c)
			if c == targets[b] {
				g -= 1.0
			}
			gradLogits.Set(g/float64(batchSize), b, c)
		}
	}

	return gradLogits
}

// RowL2NormalizeBackward computes the gradient for y = x / ||x||, row-wise.
//
// With y = x/n and n = ||x||, the Jacobian projects the incoming gradient
// onto the tangent plane of the unit sphere:
//
//	gradX = (gradY - y * (gradY · y)) / n
func RowL2NormalizeBackward(x, gradY *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic("RowL2NormalizeBackward: requires 2D tensor")
	}

	rows, cols := x.shape[0], x.shape[1]
	gradX := NewTensor(rows, cols)

	for i := 0; i < rows; i++ {
		norm := 0.0
		for j := 0; j < cols; j++ {
			v := x.At(i, j)
			norm += v * v
		}
		norm = math.Sqrt(norm) + 1e-12

		dot := 0.0
		for j := 0; j < cols; j++ {
			dot += gradY.At(i, j) * x.At(i, j) / norm
		}

		for j := 0; j < cols; j++ {
			y := x.At(i, j) / norm
			gradX.Set((gradY.At(i, j)-y*dot)/norm, i, j)
		}
	}

	return gradX
}

// AccumulateGrad adds grad's data into t's gradient buffer.
// Used when a parameter contributes to the loss along multiple paths.
func (t *Tensor) AccumulateGrad(grad *Tensor) {
	if !shapeEqual(t.shape, grad.shape) {
		panic("AccumulateGrad: shape mismatch")
	}
	for i := range t.grad {
		t.grad[i] += grad.data[i]
	}
}
