package main

// ===========================================================================
// VISION TOWER (PVM REGISTRY)
// ===========================================================================
//
// The image tower is a ViT-style patch encoder. An image arrives as a
// (3, H, W) tensor, is cut into non-overlapping PxP patches, and each
// flattened patch is linearly projected into the residual stream. A
// learned class token is prepended, position embeddings added, and the
// stack of shared encoder blocks runs without any mask. The class token's
// final state is the image vector.
//
// The training CLI selects the backbone by name (--pvm) so runs can swap
// vision towers without touching config files. Presets follow the
// standard ViT widths and a new backbone is one more registry entry. A
// convolutional ResNet is deliberately absent - the tensor core is 2D
// and has no conv autograd.
//
// ===========================================================================

import (
	"fmt"
	"sort"
)

// ViTConfig describes one vision backbone.
type ViTConfig struct {
	Name      string        `json:"name"`
	ImageSize int           `json:"image_size"` // input resolution, square
	PatchSize int           `json:"patch_size"`
	Encoder   EncoderConfig `json:"encoder"` // SeqLen = numPatches + 1 (class token)
}

// NumPatches returns the number of patches per image.
func (c ViTConfig) NumPatches() int {
	side := c.ImageSize / c.PatchSize
	return side * side
}

// PatchDim returns the flattened size of one RGB patch.
func (c ViTConfig) PatchDim() int {
	return 3 * c.PatchSize * c.PatchSize
}

// pvmRegistry maps backbone names to their configurations. Widths follow
// the standard ViT family; vit-micro exists so tests and smoke runs finish
// in seconds.
var pvmRegistry = map[string]ViTConfig{
	"vit-micro": vitPreset("vit-micro", 64, 16, 64, 2, 2),
	"vit-tiny":  vitPreset("vit-tiny", 224, 16, 192, 3, 12),
	"vit-small": vitPreset("vit-small", 224, 16, 384, 6, 12),
	"vit-base":  vitPreset("vit-base", 224, 16, 768, 12, 12),
}

func vitPreset(name string, imageSize, patchSize, embedDim, numHeads, numLayers int) ViTConfig {
	side := imageSize / patchSize
	return ViTConfig{
		Name:      name,
		ImageSize: imageSize,
		PatchSize: patchSize,
		Encoder: EncoderConfig{
			SeqLen:    side*side + 1,
			EmbedDim:  embedDim,
			NumHeads:  numHeads,
			NumLayers: numLayers,
			FFHidden:  embedDim * 4,
		},
	}
}

// PVMNames returns the registered backbone names, sorted.
func PVMNames() []string {
	names := make([]string, 0, len(pvmRegistry))
	for name := range pvmRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupPVM resolves a backbone name to its configuration.
func LookupPVM(name string) (ViTConfig, error) {
	cfg, ok := pvmRegistry[name]
	if !ok {
		return ViTConfig{}, fmt.Errorf("vision: unknown pvm %q (have %v)", name, PVMNames())
	}
	return cfg, nil
}

// ImageEncoder is the image tower of the contrastive model.
type ImageEncoder struct {
	config ViTConfig

	patchProj *Tensor // (patchDim, embedDim)
	patchBias *Tensor // (embedDim,)
	clsToken  *Tensor // (1, embedDim)
	posEmbed  *Tensor // (numPatches+1, embedDim)

	blocks  []*EncoderBlock
	lnFinal *LayerNorm
}

// VisionCache stores one image's forward activations.
type VisionCache struct {
	patches     *Tensor // (numPatches, patchDim)
	blockCaches []*BlockCache
	lnInput     *Tensor
}

// NewImageEncoder creates a vision backbone by registry name.
func NewImageEncoder(pvm string) (*ImageEncoder, error) {
	cfg, err := LookupPVM(pvm)
	if err != nil {
		return nil, err
	}
	return newImageEncoderFromConfig(cfg), nil
}

func newImageEncoderFromConfig(cfg ViTConfig) *ImageEncoder {
	blocks := make([]*EncoderBlock, cfg.Encoder.NumLayers)
	for i := range blocks {
		blocks[i] = NewEncoderBlock(cfg.Encoder)
	}

	return &ImageEncoder{
		config:    cfg,
		patchProj: NewTensorRand(cfg.PatchDim(), cfg.Encoder.EmbedDim),
		patchBias: NewTensor(cfg.Encoder.EmbedDim),
		clsToken:  NewTensorRand(1, cfg.Encoder.EmbedDim),
		posEmbed:  NewTensorRand(cfg.NumPatches()+1, cfg.Encoder.EmbedDim),
		blocks:    blocks,
		lnFinal:   NewLayerNorm(cfg.Encoder.EmbedDim),
	}
}

// Patchify cuts a (3, H, W) image tensor into flattened patch rows of
// shape (numPatches, 3*P*P). Patch order is raster: left to right, top
// to bottom; within a patch, channel-major.
func (ie *ImageEncoder) Patchify(img *Tensor) *Tensor {
	s := ie.config.ImageSize
	p := ie.config.PatchSize
	if len(img.shape) != 3 || img.shape[0] != 3 || img.shape[1] != s || img.shape[2] != s {
		panic(fmt.Sprintf("vision: expected image shape [3 %d %d], got %v", s, s, img.shape))
	}

	side := s / p
	patches := NewTensor(ie.config.NumPatches(), ie.config.PatchDim())

	for py := 0; py < side; py++ {
		for px := 0; px < side; px++ {
			row := py*side + px
			col := 0
			for c := 0; c < 3; c++ {
				for y := 0; y < p; y++ {
					for x := 0; x < p; x++ {
						patches.Set(img.At(c, py*p+y, px*p+x), row, col)
						col++
					}
				}
			}
		}
	}

	return patches
}

// assemble builds the (numPatches+1, embedDim) encoder input from patch
// embeddings, the class token, and position embeddings.
func (ie *ImageEncoder) assemble(patches *Tensor) *Tensor {
	embedDim := ie.config.Encoder.EmbedDim
	numPatches := ie.config.NumPatches()

	patchEmbed := addBias(MatMul(patches, ie.patchProj), ie.patchBias)

	x := NewTensor(numPatches+1, embedDim)
	for d := 0; d < embedDim; d++ {
		x.Set(ie.clsToken.At(0, d)+ie.posEmbed.At(0, d), 0, d)
	}
	for i := 0; i < numPatches; i++ {
		for d := 0; d < embedDim; d++ {
			x.Set(patchEmbed.At(i, d)+ie.posEmbed.At(i+1, d), i+1, d)
		}
	}
	return x
}

// Forward encodes a (3, H, W) image into a (1, embedDim) image vector.
func (ie *ImageEncoder) Forward(img *Tensor) *Tensor {
	x := ie.assemble(ie.Patchify(img))
	for _, block := range ie.blocks {
		x = block.Forward(x, nil)
	}
	x = ie.lnFinal.Forward(x)
	return poolFirstRow(x)
}

// ForwardWithCache is Forward plus the cached activations for Backward.
func (ie *ImageEncoder) ForwardWithCache(img *Tensor) (*Tensor, *VisionCache) {
	cache := &VisionCache{
		patches:     ie.Patchify(img),
		blockCaches: make([]*BlockCache, len(ie.blocks)),
	}

	x := ie.assemble(cache.patches)
	for i, block := range ie.blocks {
		x, cache.blockCaches[i] = block.ForwardWithCache(x, nil)
	}
	cache.lnInput = x.Clone()
	x = ie.lnFinal.Forward(x)
	return poolFirstRow(x), cache
}

// Backward propagates a (1, embedDim) gradient on the pooled image vector
// back through the tower, accumulating parameter gradients. The input
// image itself receives no gradient.
func (ie *ImageEncoder) Backward(gradPooled *Tensor, cache *VisionCache) {
	embedDim := ie.config.Encoder.EmbedDim
	numPatches := ie.config.NumPatches()

	gradX := NewTensor(numPatches+1, embedDim)
	for d := 0; d < embedDim; d++ {
		gradX.Set(gradPooled.At(0, d), 0, d)
	}

	gradX = ie.lnFinal.Backward(cache.lnInput, gradX)

	for i := len(ie.blocks) - 1; i >= 0; i-- {
		gradX = ie.blocks[i].Backward(gradX, cache.blockCaches[i])
	}

	// Row 0 feeds the class token, the rest the patch projection;
	// every row feeds its position embedding.
	for d := 0; d < embedDim; d++ {
		ie.clsToken.grad[d] += gradX.At(0, d)
	}
	for i := 0; i <= numPatches; i++ {
		for d := 0; d < embedDim; d++ {
			ie.posEmbed.grad[i*embedDim+d] += gradX.At(i, d)
		}
	}

	gradPatchEmbed := NewTensor(numPatches, embedDim)
	for i := 0; i < numPatches; i++ {
		for d := 0; d < embedDim; d++ {
			gradPatchEmbed.Set(gradX.At(i+1, d), i, d)
		}
	}

	_, gradProj := MatMulBackward(cache.patches, ie.patchProj, gradPatchEmbed)
	ie.patchProj.AccumulateGrad(gradProj)
	accumulateBiasGrad(ie.patchBias, gradPatchEmbed)
}

// Params returns all trainable tensors in the tower.
func (ie *ImageEncoder) Params() []*Tensor {
	params := []*Tensor{ie.patchProj, ie.patchBias, ie.clsToken, ie.posEmbed}
	for _, block := range ie.blocks {
		params = append(params, block.Params()...)
	}
	params = append(params, ie.lnFinal.Params()...)
	return params
}

// OutputDim returns the width of the pooled image vector.
func (ie *ImageEncoder) OutputDim() int {
	return ie.config.Encoder.EmbedDim
}
