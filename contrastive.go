package main

// ===========================================================================
// SYMMETRIC CONTRASTIVE OBJECTIVE
// ===========================================================================
//
// Given a batch of B matched image-caption pairs, both feature matrices
// are unit-norm rows, so their product is a BxB cosine similarity matrix.
// Row i's correct match is column i: the loss is cross-entropy toward the
// diagonal, computed in both directions and averaged,
//
//	L = (CE(s·I Tᵀ, diag) + CE(s·T Iᵀ, diag)) / 2
//
// where s = exp(logitScale). Every other caption in the batch serves as a
// negative for each image and vice versa, which is why larger batches make
// the task harder and the signal richer.
//
// ===========================================================================

import (
	"fmt"
	"math"
)

// ContrastiveResult carries the loss terms and, when requested, the
// gradients with respect to the normalized features and the log-space
// temperature.
type ContrastiveResult struct {
	Loss      float64 // (ImageLoss + TextLoss) / 2
	ImageLoss float64 // image -> text direction
	TextLoss  float64 // text -> image direction

	// ImageAccuracy is the fraction of images whose best-matching caption
	// in the batch is their own.
	ImageAccuracy float64

	GradImageFeat  *Tensor
	GradTextFeat   *Tensor
	GradLogitScale float64
}

// ContrastiveLoss computes the symmetric InfoNCE loss over a batch of
// unit-norm feature rows. logitScale is the raw log-space temperature.
// Gradients are computed only when withGrads is set; evaluation passes
// skip them.
func ContrastiveLoss(imageFeat, textFeat *Tensor, logitScale float64, withGrads bool) *ContrastiveResult {
	if !shapeEqual(imageFeat.shape, textFeat.shape) {
		panic(fmt.Sprintf("contrastive: feature shapes differ: %v vs %v", imageFeat.shape, textFeat.shape))
	}
	if len(imageFeat.shape) != 2 {
		panic("contrastive: features must be 2D (batch, embedDim)")
	}

	batch := imageFeat.shape[0]
	scale := math.Exp(logitScale)

	sim := MatMul(imageFeat, Transpose(textFeat)) // (B, B) cosine similarities
	logitsImage := Scale(sim, scale)
	logitsText := Transpose(logitsImage)

	targets := make([]int, batch)
	for i := range targets {
		targets[i] = i
	}

	res := &ContrastiveResult{
		ImageLoss: meanCrossEntropy(logitsImage, targets),
		TextLoss:  meanCrossEntropy(logitsText, targets),
	}
	res.Loss = (res.ImageLoss + res.TextLoss) / 2

	correct := 0
	for i := 0; i < batch; i++ {
		best, bestVal := 0, logitsImage.At(i, 0)
		for j := 1; j < batch; j++ {
			if v := logitsImage.At(i, j); v > bestVal {
				best, bestVal = j, v
			}
		}
		if best == i {
			correct++
		}
	}
	res.ImageAccuracy = float64(correct) / float64(batch)

	if !withGrads {
		return res
	}

	// Each direction contributes half the loss.
	gradLogitsImage := Scale(CrossEntropyBackward(logitsImage, targets), 0.5)
	gradLogitsText := Scale(CrossEntropyBackward(logitsText, targets), 0.5)

	// logitsImage = s * I Tᵀ and logitsText = its transpose, so the text
	// direction's gradient folds in transposed.
	gradSim := Add(gradLogitsImage, Transpose(gradLogitsText))

	res.GradImageFeat = Scale(MatMul(gradSim, textFeat), scale)
	res.GradTextFeat = Scale(MatMul(Transpose(gradSim), imageFeat), scale)

	// d logits / d logitScale = logits, so dL/dlogitScale reduces to
	// Σ gradSim ⊙ sim · s.
	gradScale := 0.0
	for i := range sim.data {
		gradScale += gradSim.data[i] * sim.data[i]
	}
	res.GradLogitScale = gradScale * scale

	return res
}

// meanCrossEntropy computes the mean cross-entropy of logit rows against
// integer targets with the usual log-sum-exp stabilization.
func meanCrossEntropy(logits *Tensor, targets []int) float64 {
	batch, classes := logits.shape[0], logits.shape[1]
	if len(targets) != batch {
		panic(fmt.Sprintf("contrastive: %d targets for batch %d", len(targets), batch))
	}

	total := 0.0
	for b := 0; b < batch; b++ {
		maxLogit := logits.At(b, 0)
		for c := 1; c < classes; c++ {
			if v := logits.At(b, c); v > maxLogit {
				maxLogit = v
			}
		}

		sumExp := 0.0
		for c := 0; c < classes; c++ {
			sumExp += math.Exp(logits.At(b, c) - maxLogit)
		}

		total += maxLogit + math.Log(sumExp) - logits.At(b, targets[b])
	}

	return total / float64(batch)
}
