package main

// ===========================================================================
// KOREAN TEXT ENCODER
// ===========================================================================
//
// The text tower embeds a tokenized Korean caption and pools the [CLS]
// position into a single caption vector. The architecture mirrors a small
// BERT-style encoder: learned token + position embeddings, a stack of
// bidirectional blocks with a padding mask, a final layer norm, and
// pooling at position 0 (the tokenizer always emits [CLS] first).
//
// The tower can be warm-started from a weight file (see LoadPretrained),
// standing in for a pretrained Korean language model, and is finetuned
// jointly with the image tower; with no weight file it trains from
// scratch.
//
// ===========================================================================

import (
	"fmt"
	"os"
)

// TextEncoder is the caption tower of the contrastive model.
type TextEncoder struct {
	config    EncoderConfig
	vocabSize int

	tokenEmbed *Tensor // (vocabSize, embedDim)
	posEmbed   *Tensor // (seqLen, embedDim)

	blocks  []*EncoderBlock
	lnFinal *LayerNorm
}

// TextCache stores one caption's forward activations.
type TextCache struct {
	ids         []int
	mask        []bool
	blockCaches []*BlockCache
	lnInput     *Tensor // input to the final layer norm
}

// NewTextEncoder creates a text encoder with random weights.
func NewTextEncoder(cfg EncoderConfig, vocabSize int) *TextEncoder {
	blocks := make([]*EncoderBlock, cfg.NumLayers)
	for i := range blocks {
		blocks[i] = NewEncoderBlock(cfg)
	}

	return &TextEncoder{
		config:     cfg,
		vocabSize:  vocabSize,
		tokenEmbed: NewTensorRand(vocabSize, cfg.EmbedDim),
		posEmbed:   NewTensorRand(cfg.SeqLen, cfg.EmbedDim),
		blocks:     blocks,
		lnFinal:    NewLayerNorm(cfg.EmbedDim),
	}
}

// embed builds the (seqLen, embedDim) input from token and position
// embeddings.
func (te *TextEncoder) embed(ids []int) *Tensor {
	seqLen := len(ids)
	if seqLen > te.config.SeqLen {
		panic(fmt.Sprintf("text: sequence length %d exceeds maximum %d", seqLen, te.config.SeqLen))
	}

	x := NewTensor(seqLen, te.config.EmbedDim)
	for i, id := range ids {
		if id < 0 || id >= te.vocabSize {
			panic(fmt.Sprintf("text: token ID %d out of vocabulary range [0,%d)", id, te.vocabSize))
		}
		for d := 0; d < te.config.EmbedDim; d++ {
			x.Set(te.tokenEmbed.At(id, d)+te.posEmbed.At(i, d), i, d)
		}
	}
	return x
}

// Forward encodes a tokenized caption into a (1, embedDim) caption vector.
// mask marks real (non-[PAD]) positions; nil means all positions are real.
func (te *TextEncoder) Forward(ids []int, mask []bool) *Tensor {
	x := te.embed(ids)
	for _, block := range te.blocks {
		x = block.Forward(x, mask)
	}
	x = te.lnFinal.Forward(x)
	return poolFirstRow(x)
}

// ForwardWithCache is Forward plus the cached activations for Backward.
func (te *TextEncoder) ForwardWithCache(ids []int, mask []bool) (*Tensor, *TextCache) {
	cache := &TextCache{
		ids:         ids,
		mask:        mask,
		blockCaches: make([]*BlockCache, len(te.blocks)),
	}

	x := te.embed(ids)
	for i, block := range te.blocks {
		x, cache.blockCaches[i] = block.ForwardWithCache(x, mask)
	}
	cache.lnInput = x.Clone()
	x = te.lnFinal.Forward(x)
	return poolFirstRow(x), cache
}

// Backward propagates a (1, embedDim) gradient on the pooled caption
// vector back through the tower, accumulating parameter gradients.
func (te *TextEncoder) Backward(gradPooled *Tensor, cache *TextCache) {
	seqLen := len(cache.ids)

	// Only the [CLS] row feeds the pooled output.
	gradX := NewTensor(seqLen, te.config.EmbedDim)
	for d := 0; d < te.config.EmbedDim; d++ {
		gradX.Set(gradPooled.At(0, d), 0, d)
	}

	gradX = te.lnFinal.Backward(cache.lnInput, gradX)

	for i := len(te.blocks) - 1; i >= 0; i-- {
		gradX = te.blocks[i].Backward(gradX, cache.blockCaches[i])
	}

	// Scatter into the embedding tables.
	for i, id := range cache.ids {
		for d := 0; d < te.config.EmbedDim; d++ {
			te.tokenEmbed.grad[id*te.config.EmbedDim+d] += gradX.At(i, d)
			te.posEmbed.grad[i*te.config.EmbedDim+d] += gradX.At(i, d)
		}
	}
}

// Params returns all trainable tensors in the tower.
func (te *TextEncoder) Params() []*Tensor {
	params := []*Tensor{te.tokenEmbed, te.posEmbed}
	for _, block := range te.blocks {
		params = append(params, block.Params()...)
	}
	params = append(params, te.lnFinal.Params()...)
	return params
}

// OutputDim returns the width of the pooled caption vector.
func (te *TextEncoder) OutputDim() int {
	return te.config.EmbedDim
}

// LoadPretrained warm-starts the tower from a weight file written by
// SaveWeights. The file's encoder config and vocabulary size must match.
func (te *TextEncoder) LoadPretrained(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("text: failed to open pretrained weights: %w", err)
	}
	defer f.Close()

	var header struct {
		Config    EncoderConfig `json:"config"`
		VocabSize int           `json:"vocab_size"`
	}
	if err := readCheckpointHeader(f, &header); err != nil {
		return fmt.Errorf("text: %w", err)
	}
	if header.Config != te.config || header.VocabSize != te.vocabSize {
		return fmt.Errorf("text: pretrained weights built for config %+v vocab %d, encoder has %+v vocab %d",
			header.Config, header.VocabSize, te.config, te.vocabSize)
	}

	for _, p := range te.Params() {
		if err := readTensorData(f, p); err != nil {
			return fmt.Errorf("text: failed to read pretrained tensor: %w", err)
		}
	}
	return nil
}

// SaveWeights writes the tower's weights in the checkpoint tensor format,
// producing a file LoadPretrained can consume.
func (te *TextEncoder) SaveWeights(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("text: failed to create weight file: %w", err)
	}
	defer f.Close()

	header := struct {
		Config    EncoderConfig `json:"config"`
		VocabSize int           `json:"vocab_size"`
	}{te.config, te.vocabSize}
	if err := writeCheckpointHeader(f, header); err != nil {
		return fmt.Errorf("text: %w", err)
	}

	for _, p := range te.Params() {
		if err := writeTensorData(f, p); err != nil {
			return fmt.Errorf("text: failed to write tensor: %w", err)
		}
	}
	return nil
}

// poolFirstRow extracts row 0 of a (seqLen, dim) tensor as (1, dim).
func poolFirstRow(x *Tensor) *Tensor {
	dim := x.shape[1]
	out := NewTensor(1, dim)
	for d := 0; d < dim; d++ {
		out.Set(x.At(0, d), 0, d)
	}
	return out
}
