package main

// ===========================================================================
// SHARED TRANSFORMER ENCODER
// ===========================================================================
//
// Both towers of the contrastive model - the ViT image encoder and the
// Korean text encoder - are stacks of the same bidirectional pre-norm
// block defined here:
//
//	x = x + Attention(LayerNorm(x))
//	x = x + FeedForward(LayerNorm(x))
//
// Unlike an autoregressive language model there is no causal mask: a
// caption token may attend to later tokens and an image patch to any
// other patch. The text tower instead passes a padding mask so that
// [PAD] positions never receive attention weight.
//
// Every block supports two forward modes:
//   - Forward: inference only, no intermediate state kept
//   - ForwardWithCache: stores the activations Backward needs
//
// Backward walks the cached activations in reverse and accumulates
// parameter gradients into each tensor's grad buffer.
//
// ===========================================================================

import (
	"fmt"
	"math"
)

// EncoderConfig describes one tower's transformer stack.
type EncoderConfig struct {
	SeqLen    int `json:"seq_len"`   // maximum sequence length (tokens or patches+1)
	EmbedDim  int `json:"embed_dim"` // width of the residual stream
	NumHeads  int `json:"num_heads"`
	NumLayers int `json:"num_layers"`
	FFHidden  int `json:"ff_hidden"` // feed-forward hidden width, typically 4x embed
}

// Attention implements bidirectional multi-head self-attention.
type Attention struct {
	embedDim int
	numHeads int
	headDim  int

	wq, wk, wv, wo *Tensor
}

// AttentionCache stores the activations Backward needs.
type AttentionCache struct {
	input   *Tensor // layer input, after the pre-norm
	q, k, v *Tensor // flat projections (seqLen, embedDim)
	mask    []bool  // key positions that may be attended to; nil = all
}

// NewAttention creates an attention layer with scaled random weights.
func NewAttention(embedDim, numHeads int) *Attention {
	if embedDim%numHeads != 0 {
		panic(fmt.Sprintf("encoder: embedDim (%d) must be divisible by numHeads (%d)", embedDim, numHeads))
	}

	scale := math.Sqrt(2.0 / float64(embedDim))
	wq := NewTensorRand(embedDim, embedDim)
	wk := NewTensorRand(embedDim, embedDim)
	wv := NewTensorRand(embedDim, embedDim)
	wo := NewTensorRand(embedDim, embedDim)
	for i := range wq.data {
		wq.data[i] *= scale
		wk.data[i] *= scale
		wv.data[i] *= scale
		wo.data[i] *= scale
	}

	return &Attention{
		embedDim: embedDim,
		numHeads: numHeads,
		headDim:  embedDim / numHeads,
		wq:       wq,
		wk:       wk,
		wv:       wv,
		wo:       wo,
	}
}

// Forward computes attention output for input x of shape (seqLen, embedDim).
// mask marks the key positions that may be attended to; nil means all.
func (a *Attention) Forward(x *Tensor, mask []bool) *Tensor {
	out, _ := a.forward(x, mask, false)
	return out
}

// ForwardWithCache is Forward plus the cached activations for Backward.
func (a *Attention) ForwardWithCache(x *Tensor, mask []bool) (*Tensor, *AttentionCache) {
	return a.forward(x, mask, true)
}

func (a *Attention) forward(x *Tensor, mask []bool, keepCache bool) (*Tensor, *AttentionCache) {
	if len(x.shape) != 2 {
		panic("encoder: attention input must be 2D (seqLen, embedDim)")
	}

	seqLen := x.shape[0]

	q := MatMul(x, a.wq)
	k := MatMul(x, a.wk)
	v := MatMul(x, a.wv)

	var cache *AttentionCache
	if keepCache {
		cache = &AttentionCache{input: x.Clone(), q: q, k: k, v: v, mask: mask}
	}

	// Per-head attention over slices of the flat projections.
	context := NewTensor(seqLen, a.embedDim)
	for h := 0; h < a.numHeads; h++ {
		qh, kh, vh := a.sliceHead(q, h), a.sliceHead(k, h), a.sliceHead(v, h)
		weights := a.headWeights(qh, kh, mask)
		ctx := MatMul(weights, vh)
		for i := 0; i < seqLen; i++ {
			for d := 0; d < a.headDim; d++ {
				context.Set(ctx.At(i, d), i, h*a.headDim+d)
			}
		}
	}

	return MatMul(context, a.wo), cache
}

// sliceHead extracts head h from a flat (seqLen, embedDim) projection.
func (a *Attention) sliceHead(t *Tensor, h int) *Tensor {
	seqLen := t.shape[0]
	out := NewTensor(seqLen, a.headDim)
	for i := 0; i < seqLen; i++ {
		for d := 0; d < a.headDim; d++ {
			out.Set(t.At(i, h*a.headDim+d), i, d)
		}
	}
	return out
}

// headWeights computes softmax(Q Kᵀ / √d) for one head, applying the
// padding mask by pushing masked key columns to -1e9 before the softmax.
func (a *Attention) headWeights(qh, kh *Tensor, mask []bool) *Tensor {
	seqLen := qh.shape[0]
	scores := Scale(MatMul(qh, Transpose(kh)), 1.0/math.Sqrt(float64(a.headDim)))
	if mask != nil {
		for i := 0; i < seqLen; i++ {
			for j := 0; j < seqLen; j++ {
				if !mask[j] {
					scores.Set(-1e9, i, j)
				}
			}
		}
	}
	return Softmax(scores)
}

// Backward propagates gradients through the attention layer and returns
// the gradient with respect to the layer input. Parameter gradients are
// accumulated in place. Per-head scores are recomputed from the cached
// projections rather than stored.
func (a *Attention) Backward(gradOutput *Tensor, cache *AttentionCache) *Tensor {
	seqLen := cache.input.shape[0]

	// Rebuild the concatenated context to get wo's gradient.
	context := NewTensor(seqLen, a.embedDim)
	for h := 0; h < a.numHeads; h++ {
		qh, kh, vh := a.sliceHead(cache.q, h), a.sliceHead(cache.k, h), a.sliceHead(cache.v, h)
		weights := a.headWeights(qh, kh, cache.mask)
		ctx := MatMul(weights, vh)
		for i := 0; i < seqLen; i++ {
			for d := 0; d < a.headDim; d++ {
				context.Set(ctx.At(i, d), i, h*a.headDim+d)
			}
		}
	}

	gradContext, gradWo := MatMulBackward(context, a.wo, gradOutput)
	a.wo.AccumulateGrad(gradWo)

	gradQ := NewTensor(seqLen, a.embedDim)
	gradK := NewTensor(seqLen, a.embedDim)
	gradV := NewTensor(seqLen, a.embedDim)

	scale := 1.0 / math.Sqrt(float64(a.headDim))

	for h := 0; h < a.numHeads; h++ {
		qh, kh, vh := a.sliceHead(cache.q, h), a.sliceHead(cache.k, h), a.sliceHead(cache.v, h)
		weights := a.headWeights(qh, kh, cache.mask)

		gradCtxHead := NewTensor(seqLen, a.headDim)
		for i := 0; i < seqLen; i++ {
			for d := 0; d < a.headDim; d++ {
				gradCtxHead.Set(gradContext.At(i, h*a.headDim+d), i, d)
			}
		}

		// context = weights @ V
		gradWeights, gradVHead := MatMulBackward(weights, vh, gradCtxHead)

		// weights = softmax(scores); masked columns carry ~zero weight, so
		// their gradient vanishes through the softmax Jacobian.
		gradScores := SoftmaxBackward(weights, gradWeights)
		gradScores = Scale(gradScores, scale)

		// scores = Q @ Kᵀ
		gradQHead, gradKT := MatMulBackward(qh, Transpose(kh), gradScores)
		gradKHead := Transpose(gradKT)

		for i := 0; i < seqLen; i++ {
			for d := 0; d < a.headDim; d++ {
				gradQ.Set(gradQHead.At(i, d), i, h*a.headDim+d)
				gradK.Set(gradKHead.At(i, d), i, h*a.headDim+d)
				gradV.Set(gradVHead.At(i, d), i, h*a.headDim+d)
			}
		}
	}

	// The three projections share one input, so their gradients sum.
	gradInput := NewTensor(cache.input.shape...)

	gradInputQ, gradWq := MatMulBackward(cache.input, a.wq, gradQ)
	a.wq.AccumulateGrad(gradWq)
	gradInput = Add(gradInput, gradInputQ)

	gradInputK, gradWk := MatMulBackward(cache.input, a.wk, gradK)
	a.wk.AccumulateGrad(gradWk)
	gradInput = Add(gradInput, gradInputK)

	gradInputV, gradWv := MatMulBackward(cache.input, a.wv, gradV)
	a.wv.AccumulateGrad(gradWv)
	gradInput = Add(gradInput, gradInputV)

	return gradInput
}

// Params returns the attention layer's trainable tensors.
func (a *Attention) Params() []*Tensor {
	return []*Tensor{a.wq, a.wk, a.wv, a.wo}
}

// LayerNorm normalizes each row to zero mean and unit variance, then
// applies a learned scale and shift: y = gamma * (x - mean) / std + beta.
type LayerNorm struct {
	dim   int
	eps   float64
	gamma *Tensor
	beta  *Tensor
}

// NewLayerNorm creates a layer norm initialized to the identity transform.
func NewLayerNorm(dim int) *LayerNorm {
	gamma := NewTensor(dim)
	beta := NewTensor(dim)
	for i := 0; i < dim; i++ {
		gamma.data[i] = 1.0
	}
	return &LayerNorm{dim: dim, eps: 1e-5, gamma: gamma, beta: beta}
}

// Forward applies layer normalization to a (seqLen, features) tensor.
func (ln *LayerNorm) Forward(x *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic("encoder: LayerNorm input must be 2D")
	}

	seqLen, features := x.shape[0], x.shape[1]
	out := NewTensor(seqLen, features)

	for i := 0; i < seqLen; i++ {
		mean := 0.0
		for j := 0; j < features; j++ {
			mean += x.At(i, j)
		}
		mean /= float64(features)

		variance := 0.0
		for j := 0; j < features; j++ {
			diff := x.At(i, j) - mean
			variance += diff * diff
		}
		variance /= float64(features)

		std := math.Sqrt(variance + ln.eps)
		for j := 0; j < features; j++ {
			normalized := (x.At(i, j) - mean) / std
			out.Set(normalized*ln.gamma.data[j]+ln.beta.data[j], i, j)
		}
	}

	return out
}

// Backward propagates through the layer norm given its cached input,
// accumulating gamma/beta gradients in place.
func (ln *LayerNorm) Backward(input, gradY *Tensor) *Tensor {
	gradX, gradGamma, gradBeta := LayerNormBackward(input, ln.gamma, gradY, ln.eps)
	ln.gamma.AccumulateGrad(gradGamma)
	ln.beta.AccumulateGrad(gradBeta)
	return gradX
}

// Params returns the layer norm's trainable tensors.
func (ln *LayerNorm) Params() []*Tensor {
	return []*Tensor{ln.gamma, ln.beta}
}

// FeedForward is the position-wise two-layer MLP:
// FFN(x) = GELU(x @ W1 + b1) @ W2 + b2.
type FeedForward struct {
	w1, b1 *Tensor
	w2, b2 *Tensor
}

// FFCache stores the activations Backward needs.
type FFCache struct {
	input  *Tensor
	preAct *Tensor // before GELU
	hidden *Tensor // after GELU
}

// NewFeedForward creates a feed-forward layer.
func NewFeedForward(embedDim, hiddenDim int) *FeedForward {
	return &FeedForward{
		w1: NewTensorRand(embedDim, hiddenDim),
		b1: NewTensor(hiddenDim),
		w2: NewTensorRand(hiddenDim, embedDim),
		b2: NewTensor(embedDim),
	}
}

// Forward applies the MLP to a (seqLen, embedDim) tensor.
func (ff *FeedForward) Forward(x *Tensor) *Tensor {
	out, _ := ff.forward(x, false)
	return out
}

// ForwardWithCache is Forward plus cached activations.
func (ff *FeedForward) ForwardWithCache(x *Tensor) (*Tensor, *FFCache) {
	return ff.forward(x, true)
}

func (ff *FeedForward) forward(x *Tensor, keepCache bool) (*Tensor, *FFCache) {
	preAct := addBias(MatMul(x, ff.w1), ff.b1)
	hidden := GELU(preAct)
	out := addBias(MatMul(hidden, ff.w2), ff.b2)

	var cache *FFCache
	if keepCache {
		cache = &FFCache{input: x.Clone(), preAct: preAct, hidden: hidden}
	}
	return out, cache
}

// Backward propagates through the MLP, accumulating parameter gradients.
func (ff *FeedForward) Backward(gradOutput *Tensor, cache *FFCache) *Tensor {
	gradHidden, gradW2 := MatMulBackward(cache.hidden, ff.w2, gradOutput)
	ff.w2.AccumulateGrad(gradW2)
	accumulateBiasGrad(ff.b2, gradOutput)

	gradPreAct := GELUBackward(cache.preAct, gradHidden)

	gradInput, gradW1 := MatMulBackward(cache.input, ff.w1, gradPreAct)
	ff.w1.AccumulateGrad(gradW1)
	accumulateBiasGrad(ff.b1, gradPreAct)

	return gradInput
}

// Params returns the feed-forward layer's trainable tensors.
func (ff *FeedForward) Params() []*Tensor {
	return []*Tensor{ff.w1, ff.b1, ff.w2, ff.b2}
}

// EncoderBlock is one pre-norm transformer block.
type EncoderBlock struct {
	ln1  *LayerNorm
	attn *Attention
	ln2  *LayerNorm
	ff   *FeedForward
}

// BlockCache stores one block's activations for the backward pass.
type BlockCache struct {
	input     *Tensor // block input
	ln1Out    *Tensor
	attnCache *AttentionCache
	mid       *Tensor // input + attention output
	ln2Out    *Tensor
	ffCache   *FFCache
}

// NewEncoderBlock creates a transformer block for the given config.
func NewEncoderBlock(cfg EncoderConfig) *EncoderBlock {
	return &EncoderBlock{
		ln1:  NewLayerNorm(cfg.EmbedDim),
		attn: NewAttention(cfg.EmbedDim, cfg.NumHeads),
		ln2:  NewLayerNorm(cfg.EmbedDim),
		ff:   NewFeedForward(cfg.EmbedDim, cfg.FFHidden),
	}
}

// Forward applies the block without keeping state.
func (b *EncoderBlock) Forward(x *Tensor, mask []bool) *Tensor {
	attnOut := b.attn.Forward(b.ln1.Forward(x), mask)
	x = Add(x, attnOut)
	ffOut := b.ff.Forward(b.ln2.Forward(x))
	return Add(x, ffOut)
}

// ForwardWithCache applies the block and records activations for Backward.
func (b *EncoderBlock) ForwardWithCache(x *Tensor, mask []bool) (*Tensor, *BlockCache) {
	cache := &BlockCache{input: x.Clone()}

	cache.ln1Out = b.ln1.Forward(x)
	attnOut, attnCache := b.attn.ForwardWithCache(cache.ln1Out, mask)
	cache.attnCache = attnCache

	cache.mid = Add(x, attnOut)

	cache.ln2Out = b.ln2.Forward(cache.mid)
	ffOut, ffCache := b.ff.ForwardWithCache(cache.ln2Out)
	cache.ffCache = ffCache

	return Add(cache.mid, ffOut), cache
}

// Backward propagates through the block in reverse, returning the gradient
// with respect to the block input.
func (b *EncoderBlock) Backward(gradOutput *Tensor, cache *BlockCache) *Tensor {
	// out = mid + FF(LN2(mid)): residual carries the gradient straight
	// through, the FF path adds its share.
	gradMid := gradOutput.Clone()
	gradLn2Out := b.ff.Backward(gradOutput, cache.ffCache)
	gradMid = Add(gradMid, b.ln2.Backward(cache.mid, gradLn2Out))

	// mid = input + Attn(LN1(input))
	gradInput := gradMid.Clone()
	gradLn1Out := b.attn.Backward(gradMid, cache.attnCache)
	gradInput = Add(gradInput, b.ln1.Backward(cache.input, gradLn1Out))

	return gradInput
}

// Params returns all trainable tensors in the block.
func (b *EncoderBlock) Params() []*Tensor {
	params := b.attn.Params()
	params = append(params, b.ln1.Params()...)
	params = append(params, b.ff.Params()...)
	params = append(params, b.ln2.Params()...)
	return params
}

// addBias adds a bias vector to each row of a 2D tensor.
func addBias(x, bias *Tensor) *Tensor {
	if len(x.shape) != 2 || len(bias.shape) != 1 || x.shape[1] != bias.shape[0] {
		panic(fmt.Sprintf("addBias: incompatible shapes %v and %v", x.shape, bias.shape))
	}

	out := NewTensor(x.shape...)
	rows, cols := x.shape[0], x.shape[1]
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out.Set(x.At(i, j)+bias.data[j], i, j)
		}
	}
	return out
}

// accumulateBiasGrad sums a (rows, cols) gradient over rows into a
// (cols,) bias gradient.
func accumulateBiasGrad(bias, grad *Tensor) {
	rows, cols := grad.shape[0], grad.shape[1]
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			bias.grad[j] += grad.At(i, j)
		}
	}
}
