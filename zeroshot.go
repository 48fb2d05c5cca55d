package main

// Zero-shot classification. Class names become text prompts, each class
// is embedded as the normalized mean of its prompt embeddings, and an
// image is labeled by its nearest class embedding. No classifier head
// is trained.

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
)

// ClassificationExample is one labeled image on disk.
type ClassificationExample struct {
	ImagePath string
	Label     int
}

// ClassificationDataset is a class-per-directory image folder.
type ClassificationDataset struct {
	Classes  []string
	Examples []ClassificationExample
}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true,
}

// LoadClassificationDataset reads a directory whose immediate
// subdirectories are class labels, each containing that class's images.
// Classes are sorted so label indices are stable across runs.
func LoadClassificationDataset(root string) (*ClassificationDataset, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("reading dataset directory: %w", err)
	}

	var classes []string
	for _, e := range entries {
		if e.IsDir() {
			classes = append(classes, e.Name())
		}
	}
	if len(classes) == 0 {
		return nil, fmt.Errorf("no class directories under %s", root)
	}
	sort.Strings(classes)

	ds := &ClassificationDataset{Classes: classes}
	for label, class := range classes {
		classDir := filepath.Join(root, class)
		files, err := os.ReadDir(classDir)
		if err != nil {
			return nil, fmt.Errorf("reading class directory %s: %w", class, err)
		}
		for _, f := range files {
			if f.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(f.Name()))] {
				continue
			}
			ds.Examples = append(ds.Examples, ClassificationExample{
				ImagePath: filepath.Join(classDir, f.Name()),
				Label:     label,
			})
		}
	}
	if len(ds.Examples) == 0 {
		return nil, fmt.Errorf("no images under %s", root)
	}
	return ds, nil
}

// ClassEmbeddings embeds every class as the unit-norm mean of its
// rendered prompt embeddings, returning a (numClasses, embedDim) matrix.
func ClassEmbeddings(model *CLIP, tok *Tokenizer, version string, classes []string) (*Tensor, error) {
	seqLen := model.Config().Text.SeqLen
	out := NewTensor(len(classes), model.Config().EmbedDim)
	for c, label := range classes {
		prompts, err := RenderPrompts(version, label)
		if err != nil {
			return nil, err
		}
		ids := make([][]int, len(prompts))
		masks := make([][]bool, len(prompts))
		for i, p := range prompts {
			ids[i], masks[i] = tok.EncodeCaption(p, seqLen)
		}
		feats := model.EncodeTextBatch(ids, masks)
		mean := RowL2Normalize(MeanRows(feats))
		copyRow(out, c, mean)
	}
	return out, nil
}

// ClassResult is per-class accuracy bookkeeping.
type ClassResult struct {
	Class   string
	Total   int
	Correct int
}

// ZeroShotReport summarizes one evaluation run.
type ZeroShotReport struct {
	PromptVersion string
	NumImages     int
	Top1          float64
	Top5          float64
	PerClass      []ClassResult
}

func (r *ZeroShotReport) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "zero-shot results (prompts %s, %d images)\n", r.PromptVersion, r.NumImages)
	fmt.Fprintf(&b, "  top-1 accuracy: %.4f\n", r.Top1)
	fmt.Fprintf(&b, "  top-5 accuracy: %.4f\n", r.Top5)
	for _, c := range r.PerClass {
		acc := 0.0
		if c.Total > 0 {
			acc = float64(c.Correct) / float64(c.Total)
		}
		fmt.Fprintf(&b, "  %-24s %4d/%-4d %.4f\n", c.Class, c.Correct, c.Total, acc)
	}
	return b.String()
}

// EvaluateZeroShot classifies every dataset image against the class
// embeddings and reports top-1, top-5, and per-class accuracy. Images
// are decoded and embedded by a small worker pool.
func EvaluateZeroShot(ctx context.Context, model *CLIP, tok *Tokenizer, ds *ClassificationDataset, version string, workers int) (*ZeroShotReport, error) {
	classEmb, err := ClassEmbeddings(model, tok, version, ds.Classes)
	if err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = 1
	}
	imageSize := model.ImageConfig().ImageSize

	// preds[i] holds class indices ranked by similarity, best first.
	preds := make([][]int, len(ds.Examples))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, ex := range ds.Examples {
		i, ex := i, ex
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			img, err := LoadImageTensor(ex.ImagePath, imageSize)
			if err != nil {
				return fmt.Errorf("loading %s: %w", ex.ImagePath, err)
			}
			feat := model.EncodeImage(img)
			preds[i] = rankClasses(feat, classEmb)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &ZeroShotReport{
		PromptVersion: version,
		NumImages:     len(ds.Examples),
		PerClass:      make([]ClassResult, len(ds.Classes)),
	}
	for c, class := range ds.Classes {
		report.PerClass[c].Class = class
	}

	top1, top5 := 0, 0
	for i, ex := range ds.Examples {
		ranked := preds[i]
		report.PerClass[ex.Label].Total++
		if ranked[0] == ex.Label {
			top1++
			report.PerClass[ex.Label].Correct++
		}
		for k := 0; k < len(ranked) && k < 5; k++ {
			if ranked[k] == ex.Label {
				top5++
				break
			}
		}
	}
	report.Top1 = float64(top1) / float64(len(ds.Examples))
	report.Top5 = float64(top5) / float64(len(ds.Examples))
	return report, nil
}

// rankClasses orders class indices by cosine similarity to a unit-norm
// (1, embedDim) image feature, best first.
func rankClasses(feat, classEmb *Tensor) []int {
	numClasses := classEmb.shape[0]
	dim := classEmb.shape[1]
	scores := make([]float64, numClasses)
	for c := 0; c < numClasses; c++ {
		sum := 0.0
		for j := 0; j < dim; j++ {
			sum += feat.data[j] * classEmb.data[c*dim+j]
		}
		scores[c] = sum
	}
	ranked := make([]int, numClasses)
	for i := range ranked {
		ranked[i] = i
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		return scores[ranked[a]] > scores[ranked[b]]
	})
	return ranked
}
