package main

import (
	"math"
	"testing"
)

func testCLIPConfig() CLIPConfig {
	return CLIPConfig{
		PVM:      "vit-micro",
		EmbedDim: 32,
		Text: EncoderConfig{
			SeqLen:    8,
			EmbedDim:  16,
			NumHeads:  2,
			NumLayers: 2,
			FFHidden:  32,
		},
		VocabSize: 24,
	}
}

func testCaptionBatch(batch, seqLen int) ([][]int, [][]bool) {
	ids := make([][]int, batch)
	masks := make([][]bool, batch)
	for b := range ids {
		ids[b] = make([]int, seqLen)
		masks[b] = make([]bool, seqLen)
		ids[b][0] = ClsID
		ids[b][1] = 4 + b
		ids[b][2] = SepID
		for i := 0; i < 3; i++ {
			masks[b][i] = true
		}
	}
	return ids, masks
}

func TestNewCLIP(t *testing.T) {
	model, err := NewCLIP(testCLIPConfig())
	if err != nil {
		t.Fatalf("NewCLIP failed: %v", err)
	}

	if got := model.LogitScale(); math.Abs(got-1.0/0.07) > 0.01 {
		t.Errorf("initial temperature should be 1/0.07, got %f", got)
	}
	if model.NumParams() == 0 {
		t.Error("model has no parameters")
	}
	t.Logf("parameters: %d", model.NumParams())
}

func TestNewCLIPUnknownPVM(t *testing.T) {
	cfg := testCLIPConfig()
	cfg.PVM = "resnet-101"
	if _, err := NewCLIP(cfg); err == nil {
		t.Error("expected error for unknown vision backbone")
	}
}

func TestEncodeImageUnitNorm(t *testing.T) {
	model, err := NewCLIP(testCLIPConfig())
	if err != nil {
		t.Fatal(err)
	}

	feat := model.EncodeImage(NewTensorRand(3, 64, 64))

	shape := feat.Shape()
	if shape[0] != 1 || shape[1] != 32 {
		t.Fatalf("expected shape [1 32], got %v", shape)
	}
	norm := 0.0
	for _, v := range feat.data {
		norm += v * v
	}
	if math.Abs(math.Sqrt(norm)-1.0) > 1e-9 {
		t.Errorf("image feature norm %f, expected 1", math.Sqrt(norm))
	}
}

func TestEncodeTextUnitNorm(t *testing.T) {
	model, err := NewCLIP(testCLIPConfig())
	if err != nil {
		t.Fatal(err)
	}

	ids, masks := testCaptionBatch(1, 8)
	feat := model.EncodeText(ids[0], masks[0])

	shape := feat.Shape()
	if shape[0] != 1 || shape[1] != 32 {
		t.Fatalf("expected shape [1 32], got %v", shape)
	}
	norm := 0.0
	for _, v := range feat.data {
		norm += v * v
	}
	if math.Abs(math.Sqrt(norm)-1.0) > 1e-9 {
		t.Errorf("text feature norm %f, expected 1", math.Sqrt(norm))
	}
}

func TestForwardBatchShapesAndNorms(t *testing.T) {
	model, err := NewCLIP(testCLIPConfig())
	if err != nil {
		t.Fatal(err)
	}

	batch := 3
	images := make([]*Tensor, batch)
	for i := range images {
		images[i] = NewTensorRand(3, 64, 64)
	}
	ids, masks := testCaptionBatch(batch, 8)

	imageFeat, textFeat, cache := model.ForwardBatch(images, ids, masks)

	if cache == nil {
		t.Fatal("expected a cache")
	}
	for name, feat := range map[string]*Tensor{"image": imageFeat, "text": textFeat} {
		shape := feat.Shape()
		if shape[0] != batch || shape[1] != 32 {
			t.Fatalf("%s features: expected shape [%d 32], got %v", name, batch, shape)
		}
		for i := 0; i < batch; i++ {
			norm := 0.0
			for j := 0; j < 32; j++ {
				norm += feat.At(i, j) * feat.At(i, j)
			}
			if math.Abs(math.Sqrt(norm)-1.0) > 1e-9 {
				t.Errorf("%s row %d norm %f, expected 1", name, i, math.Sqrt(norm))
			}
		}
	}
}

func TestForwardBatchMatchesEncodeBatch(t *testing.T) {
	model, err := NewCLIP(testCLIPConfig())
	if err != nil {
		t.Fatal(err)
	}

	batch := 2
	images := make([]*Tensor, batch)
	for i := range images {
		images[i] = NewTensorRand(3, 64, 64)
	}
	ids, masks := testCaptionBatch(batch, 8)

	imageFeat, textFeat, _ := model.ForwardBatch(images, ids, masks)
	imageFeat2 := model.EncodeImageBatch(images)
	textFeat2 := model.EncodeTextBatch(ids, masks)

	for i := range imageFeat.data {
		if math.Abs(imageFeat.data[i]-imageFeat2.data[i]) > 1e-12 {
			t.Fatalf("image features diverge at %d", i)
		}
	}
	for i := range textFeat.data {
		if math.Abs(textFeat.data[i]-textFeat2.data[i]) > 1e-12 {
			t.Fatalf("text features diverge at %d", i)
		}
	}
}

func TestClampLogitScale(t *testing.T) {
	model, err := NewCLIP(testCLIPConfig())
	if err != nil {
		t.Fatal(err)
	}

	model.logitScale.data[0] = 10.0
	model.ClampLogitScale()
	if got := model.logitScale.data[0]; got != logitScaleMax {
		t.Errorf("expected clamp to %f, got %f", logitScaleMax, got)
	}

	model.logitScale.data[0] = -1.0
	model.ClampLogitScale()
	if got := model.logitScale.data[0]; got != 0.0 {
		t.Errorf("expected clamp to 0, got %f", got)
	}

	model.logitScale.data[0] = 2.0
	model.ClampLogitScale()
	if got := model.logitScale.data[0]; got != 2.0 {
		t.Errorf("in-range scale should be untouched, got %f", got)
	}
}

func TestCLIPBackwardProducesGrads(t *testing.T) {
	model, err := NewCLIP(testCLIPConfig())
	if err != nil {
		t.Fatal(err)
	}

	batch := 2
	images := make([]*Tensor, batch)
	for i := range images {
		images[i] = NewTensorRand(3, 64, 64)
	}
	ids, masks := testCaptionBatch(batch, 8)

	imageFeat, textFeat, cache := model.ForwardBatch(images, ids, masks)
	res := ContrastiveLoss(imageFeat, textFeat, model.logitScale.data[0], true)
	model.Backward(res.GradImageFeat, res.GradTextFeat, res.GradLogitScale, cache)

	withGrad := 0
	for _, p := range model.Params() {
		for _, g := range p.grad {
			if g != 0 {
				withGrad++
				break
			}
		}
	}
	// Nearly every parameter should see gradient; allow a few zeros
	// (e.g. embeddings of unused tokens).
	if withGrad < len(model.Params())/2 {
		t.Errorf("only %d of %d parameters received gradient", withGrad, len(model.Params()))
	}

	if model.logitScale.grad[0] == 0 {
		t.Error("logit scale received no gradient")
	}
}

func TestCLIPProjectionGradNumeric(t *testing.T) {
	model, err := NewCLIP(testCLIPConfig())
	if err != nil {
		t.Fatal(err)
	}

	batch := 2
	images := make([]*Tensor, batch)
	for i := range images {
		images[i] = NewTensorRand(3, 64, 64)
	}
	ids, masks := testCaptionBatch(batch, 8)

	loss := func() float64 {
		imageFeat := model.EncodeImageBatch(images)
		textFeat := model.EncodeTextBatch(ids, masks)
		return ContrastiveLoss(imageFeat, textFeat, model.logitScale.data[0], false).Loss
	}

	imageFeat, textFeat, cache := model.ForwardBatch(images, ids, masks)
	res := ContrastiveLoss(imageFeat, textFeat, model.logitScale.data[0], true)
	model.Backward(res.GradImageFeat, res.GradTextFeat, res.GradLogitScale, cache)

	// Spot-check both projection heads end to end.
	for _, c := range []struct {
		name string
		p    *Tensor
		idx  int
	}{
		{"imageProj", model.imageProj, 5},
		{"textProj", model.textProj, 11},
	} {
		want := numericGrad(loss, c.p, c.idx)
		if math.Abs(c.p.grad[c.idx]-want) > 1e-5 {
			t.Errorf("%s grad[%d]: analytic %g, numeric %g", c.name, c.idx, c.p.grad[c.idx], want)
		}
	}
}
