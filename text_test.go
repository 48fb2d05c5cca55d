package main

import (
	"math"
	"path/filepath"
	"testing"
)

func testTextConfig() EncoderConfig {
	return EncoderConfig{
		SeqLen:    8,
		EmbedDim:  16,
		NumHeads:  2,
		NumLayers: 2,
		FFHidden:  32,
	}
}

func TestTextEncoderForwardShape(t *testing.T) {
	te := NewTextEncoder(testTextConfig(), 20)
	ids := []int{ClsID, 5, 6, 7, SepID, PadID, PadID, PadID}
	mask := []bool{true, true, true, true, true, false, false, false}

	out := te.Forward(ids, mask)

	shape := out.Shape()
	if shape[0] != 1 || shape[1] != 16 {
		t.Errorf("expected shape [1 16], got %v", shape)
	}
	if te.OutputDim() != 16 {
		t.Errorf("expected output dim 16, got %d", te.OutputDim())
	}
}

func TestTextEncoderForwardMatchesCached(t *testing.T) {
	te := NewTextEncoder(testTextConfig(), 20)
	ids := []int{ClsID, 4, 9, SepID}
	mask := []bool{true, true, true, true}

	plain := te.Forward(ids, mask)
	cached, cache := te.ForwardWithCache(ids, mask)

	if cache == nil {
		t.Fatal("expected a cache")
	}
	for i := range plain.data {
		if math.Abs(plain.data[i]-cached.data[i]) > 1e-12 {
			t.Fatalf("cached forward diverges at %d", i)
		}
	}
}

func TestTextEncoderPaddingInvariance(t *testing.T) {
	te := NewTextEncoder(testTextConfig(), 20)

	ids := []int{ClsID, 5, SepID, PadID, PadID, PadID, PadID, PadID}
	mask := []bool{true, true, true, false, false, false, false, false}
	out := te.Forward(ids, mask)

	// Swapping a padded [PAD] for a different token must not change the
	// caption vector while the mask marks it padded.
	ids2 := append([]int(nil), ids...)
	ids2[5] = 9
	out2 := te.Forward(ids2, mask)

	for i := range out.data {
		if math.Abs(out.data[i]-out2.data[i]) > 1e-9 {
			t.Fatalf("padded token content leaked into the caption vector")
		}
	}
}

func TestTextEncoderBackwardScattersEmbeddings(t *testing.T) {
	te := NewTextEncoder(testTextConfig(), 20)
	ids := []int{ClsID, 5, 6, SepID}
	mask := []bool{true, true, true, true}

	out, cache := te.ForwardWithCache(ids, mask)
	te.Backward(onesLike(out), cache)

	dim := te.config.EmbedDim
	usedNorm, unusedNorm := 0.0, 0.0
	for _, id := range ids {
		for d := 0; d < dim; d++ {
			usedNorm += math.Abs(te.tokenEmbed.grad[id*dim+d])
		}
	}
	for d := 0; d < dim; d++ {
		unusedNorm += math.Abs(te.tokenEmbed.grad[15*dim+d]) // token 15 never appears
	}

	if usedNorm == 0 {
		t.Error("used token embeddings received no gradient")
	}
	if unusedNorm != 0 {
		t.Errorf("unused token embedding received gradient %g", unusedNorm)
	}
}

func TestTextEncoderBackwardNumeric(t *testing.T) {
	cfg := EncoderConfig{SeqLen: 4, EmbedDim: 8, NumHeads: 2, NumLayers: 1, FFHidden: 16}
	te := NewTextEncoder(cfg, 12)
	ids := []int{ClsID, 5, 6, SepID}
	mask := []bool{true, true, true, true}

	loss := func() float64 {
		return scalarLoss(te.Forward(ids, mask))
	}

	out, cache := te.ForwardWithCache(ids, mask)
	te.Backward(onesLike(out), cache)

	// Spot-check the embedding tables against finite differences.
	for _, i := range []int{ClsID*cfg.EmbedDim + 0, 5*cfg.EmbedDim + 3} {
		want := numericGrad(loss, te.tokenEmbed, i)
		if math.Abs(te.tokenEmbed.grad[i]-want) > 1e-4 {
			t.Errorf("tokenEmbed grad[%d]: analytic %f, numeric %f", i, te.tokenEmbed.grad[i], want)
		}
	}
	for _, i := range []int{0, 2*cfg.EmbedDim + 5} {
		want := numericGrad(loss, te.posEmbed, i)
		if math.Abs(te.posEmbed.grad[i]-want) > 1e-4 {
			t.Errorf("posEmbed grad[%d]: analytic %f, numeric %f", i, te.posEmbed.grad[i], want)
		}
	}
}

func TestTextEncoderSaveLoadWeights(t *testing.T) {
	cfg := testTextConfig()
	te := NewTextEncoder(cfg, 20)
	path := filepath.Join(t.TempDir(), "text_weights.bin")

	if err := te.SaveWeights(path); err != nil {
		t.Fatalf("SaveWeights failed: %v", err)
	}

	te2 := NewTextEncoder(cfg, 20)
	if err := te2.LoadPretrained(path); err != nil {
		t.Fatalf("LoadPretrained failed: %v", err)
	}

	p1, p2 := te.Params(), te2.Params()
	if len(p1) != len(p2) {
		t.Fatalf("parameter count mismatch: %d vs %d", len(p1), len(p2))
	}
	for i := range p1 {
		for j := range p1[i].data {
			if p1[i].data[j] != p2[i].data[j] {
				t.Fatalf("param %d differs after load at %d", i, j)
			}
		}
	}
}

func TestTextEncoderLoadPretrainedConfigMismatch(t *testing.T) {
	cfg := testTextConfig()
	te := NewTextEncoder(cfg, 20)
	path := filepath.Join(t.TempDir(), "text_weights.bin")
	if err := te.SaveWeights(path); err != nil {
		t.Fatalf("SaveWeights failed: %v", err)
	}

	other := cfg
	other.NumLayers = 3
	te2 := NewTextEncoder(other, 20)
	if err := te2.LoadPretrained(path); err == nil {
		t.Error("expected error loading weights with mismatched config")
	}

	te3 := NewTextEncoder(cfg, 25)
	if err := te3.LoadPretrained(path); err == nil {
		t.Error("expected error loading weights with mismatched vocabulary")
	}
}
