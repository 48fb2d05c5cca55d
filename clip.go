package main

// ===========================================================================
// CONTRASTIVE IMAGE-TEXT MODEL
// ===========================================================================
//
// CLIP glues the two towers together: each tower's pooled vector goes
// through a linear projection into a shared embedding space (default 512
// wide) and is L2-normalized onto the unit hypersphere. Matching
// image-caption pairs should end up close, mismatched pairs far apart.
//
// The similarity temperature is a trainable scalar stored in log space
// (logitScale). After every optimizer step it is clamped to at most
// ln(100) = 4.6052 so the softmax never collapses - the clamp the CLIP
// paper prescribes.
//
// ===========================================================================

import (
	"fmt"
	"math"
)

const (
	// logitScaleInit is ln(1/0.07), the CLIP paper's initial temperature.
	logitScaleInit = 2.6592600369327783

	// logitScaleMax is ln(100); the scale is clamped to [0, max] after
	// each optimizer step.
	logitScaleMax = 4.6052
)

// CLIPConfig describes the full two-tower model.
type CLIPConfig struct {
	PVM       string        `json:"pvm"`        // vision backbone registry name
	EmbedDim  int           `json:"embed_dim"`  // shared embedding width
	Text      EncoderConfig `json:"text"`       // text tower stack
	VocabSize int           `json:"vocab_size"` // text tower vocabulary
}

// CLIP is the two-tower contrastive model.
type CLIP struct {
	config CLIPConfig

	image *ImageEncoder
	text  *TextEncoder

	imageProj  *Tensor // (imageDim, embedDim)
	textProj   *Tensor // (textDim, embedDim)
	logitScale *Tensor // (1,) log-space temperature
}

// CLIPCache stores one batch's activations for Backward.
type CLIPCache struct {
	visionCaches []*VisionCache
	textCaches   []*TextCache

	imagePooled *Tensor // (B, imageDim) tower outputs
	textPooled  *Tensor // (B, textDim)

	imageProjected *Tensor // (B, embedDim) before normalization
	textProjected  *Tensor
}

// NewCLIP builds a model for the given configuration.
func NewCLIP(cfg CLIPConfig) (*CLIP, error) {
	image, err := NewImageEncoder(cfg.PVM)
	if err != nil {
		return nil, err
	}
	if cfg.EmbedDim <= 0 {
		return nil, fmt.Errorf("clip: embed dim must be positive, got %d", cfg.EmbedDim)
	}

	text := NewTextEncoder(cfg.Text, cfg.VocabSize)

	logitScale := NewTensor(1)
	logitScale.data[0] = logitScaleInit

	return &CLIP{
		config:     cfg,
		image:      image,
		text:       text,
		imageProj:  NewTensorRand(image.OutputDim(), cfg.EmbedDim),
		textProj:   NewTensorRand(text.OutputDim(), cfg.EmbedDim),
		logitScale: logitScale,
	}, nil
}

// Config returns the model configuration.
func (m *CLIP) Config() CLIPConfig {
	return m.config
}

// TextEncoder exposes the text tower, for pretrained warm starts.
func (m *CLIP) TextEncoder() *TextEncoder {
	return m.text
}

// ImageConfig returns the vision backbone configuration.
func (m *CLIP) ImageConfig() ViTConfig {
	return m.image.config
}

// LogitScale returns exp(logitScale), the effective similarity multiplier.
func (m *CLIP) LogitScale() float64 {
	return math.Exp(m.logitScale.data[0])
}

// ClampLogitScale clamps the log-space temperature to [0, ln(100)].
// Call after every optimizer step.
func (m *CLIP) ClampLogitScale() {
	if m.logitScale.data[0] > logitScaleMax {
		m.logitScale.data[0] = logitScaleMax
	}
	if m.logitScale.data[0] < 0 {
		m.logitScale.data[0] = 0
	}
}

// EncodeImage embeds one preprocessed (3, H, W) image as a unit-norm
// (1, embedDim) row.
func (m *CLIP) EncodeImage(img *Tensor) *Tensor {
	pooled := m.image.Forward(img)
	return RowL2Normalize(MatMul(pooled, m.imageProj))
}

// EncodeText embeds one tokenized caption as a unit-norm (1, embedDim) row.
func (m *CLIP) EncodeText(ids []int, mask []bool) *Tensor {
	pooled := m.text.Forward(ids, mask)
	return RowL2Normalize(MatMul(pooled, m.textProj))
}

// EncodeImageBatch embeds a batch of images as a (B, embedDim) matrix of
// unit-norm rows.
func (m *CLIP) EncodeImageBatch(images []*Tensor) *Tensor {
	pooled := NewTensor(len(images), m.image.OutputDim())
	for i, img := range images {
		row := m.image.Forward(img)
		copyRow(pooled, i, row)
	}
	return RowL2Normalize(MatMul(pooled, m.imageProj))
}

// EncodeTextBatch embeds a batch of tokenized captions as a (B, embedDim)
// matrix of unit-norm rows.
func (m *CLIP) EncodeTextBatch(ids [][]int, masks [][]bool) *Tensor {
	pooled := NewTensor(len(ids), m.text.OutputDim())
	for i := range ids {
		row := m.text.Forward(ids[i], masks[i])
		copyRow(pooled, i, row)
	}
	return RowL2Normalize(MatMul(pooled, m.textProj))
}

// ForwardBatch runs both towers over a batch and returns the normalized
// (B, embedDim) feature matrices plus the cache Backward needs.
func (m *CLIP) ForwardBatch(images []*Tensor, ids [][]int, masks [][]bool) (imageFeat, textFeat *Tensor, cache *CLIPCache) {
	batch := len(images)
	if batch == 0 || batch != len(ids) {
		panic(fmt.Sprintf("clip: bad batch: %d images, %d captions", len(images), len(ids)))
	}

	cache = &CLIPCache{
		visionCaches: make([]*VisionCache, batch),
		textCaches:   make([]*TextCache, batch),
		imagePooled:  NewTensor(batch, m.image.OutputDim()),
		textPooled:   NewTensor(batch, m.text.OutputDim()),
	}

	for i := 0; i < batch; i++ {
		row, vc := m.image.ForwardWithCache(images[i])
		cache.visionCaches[i] = vc
		copyRow(cache.imagePooled, i, row)

		row, tc := m.text.ForwardWithCache(ids[i], masks[i])
		cache.textCaches[i] = tc
		copyRow(cache.textPooled, i, row)
	}

	cache.imageProjected = MatMul(cache.imagePooled, m.imageProj)
	cache.textProjected = MatMul(cache.textPooled, m.textProj)

	imageFeat = RowL2Normalize(cache.imageProjected)
	textFeat = RowL2Normalize(cache.textProjected)
	return imageFeat, textFeat, cache
}

// Backward propagates gradients on the normalized feature matrices back
// through the projections and both towers. gradLogitScale is the gradient
// on the raw log-space temperature.
func (m *CLIP) Backward(gradImageFeat, gradTextFeat *Tensor, gradLogitScale float64, cache *CLIPCache) {
	m.logitScale.grad[0] += gradLogitScale

	gradImageProjected := RowL2NormalizeBackward(cache.imageProjected, gradImageFeat)
	gradTextProjected := RowL2NormalizeBackward(cache.textProjected, gradTextFeat)

	gradImagePooled, gradImageProj := MatMulBackward(cache.imagePooled, m.imageProj, gradImageProjected)
	m.imageProj.AccumulateGrad(gradImageProj)

	gradTextPooled, gradTextProj := MatMulBackward(cache.textPooled, m.textProj, gradTextProjected)
	m.textProj.AccumulateGrad(gradTextProj)

	batch := cache.imagePooled.shape[0]
	for i := 0; i < batch; i++ {
		m.image.Backward(sliceRow(gradImagePooled, i), cache.visionCaches[i])
		m.text.Backward(sliceRow(gradTextPooled, i), cache.textCaches[i])
	}
}

// Params returns every trainable tensor in the model. The order is stable
// and shared by the optimizer and the checkpoint format.
func (m *CLIP) Params() []*Tensor {
	params := m.image.Params()
	params = append(params, m.text.Params()...)
	params = append(params, m.imageProj, m.textProj, m.logitScale)
	return params
}

// NumParams returns the total number of scalar parameters.
func (m *CLIP) NumParams() int {
	total := 0
	for _, p := range m.Params() {
		total += p.Size()
	}
	return total
}

// copyRow writes a (1, dim) row tensor into row i of dst.
func copyRow(dst *Tensor, i int, row *Tensor) {
	dim := dst.shape[1]
	for d := 0; d < dim; d++ {
		dst.Set(row.At(0, d), i, d)
	}
}

// sliceRow extracts row i of a (rows, dim) tensor as (1, dim).
func sliceRow(t *Tensor, i int) *Tensor {
	dim := t.shape[1]
	out := NewTensor(1, dim)
	for d := 0; d < dim; d++ {
		out.Set(t.At(i, d), 0, d)
	}
	return out
}
