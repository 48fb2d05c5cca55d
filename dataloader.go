package main

// ===========================================================================
// BATCH LOADER
// ===========================================================================
//
// Image decoding is the slow part of the input pipeline, so each batch's
// images are decoded by a bounded errgroup worker pool while the training
// loop consumes the previous batch from a buffered channel. Caption
// tokenization is cheap and happens inline.
//
// Shuffling is seeded per loader so a run is reproducible; the validation
// loader keeps dataset order and keeps the short final batch, while the
// training loader drops it (a contrastive batch of one has no negatives).
//
// ===========================================================================

import (
	"context"
	"math/rand"

	"golang.org/x/sync/errgroup"
)

// Batch is one training or validation batch.
type Batch struct {
	Images []*Tensor // preprocessed (3, size, size) tensors
	IDs    [][]int   // tokenized captions, [CLS] ... [SEP] [PAD]...
	Masks  [][]bool  // real positions per caption
}

// Size returns the number of pairs in the batch.
func (b *Batch) Size() int {
	return len(b.Images)
}

// BatchResult delivers either a batch or the error that ended the epoch.
type BatchResult struct {
	Batch *Batch
	Err   error
}

// Loader turns a Dataset into batches of decoded images and tokenized
// captions.
type Loader struct {
	dataset   *Dataset
	tokenizer *Tokenizer

	batchSize int
	imageSize int
	seqLen    int
	workers   int

	shuffle  bool
	dropLast bool
	rng      *rand.Rand
}

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	BatchSize int
	ImageSize int  // vision tower input resolution
	SeqLen    int  // text tower sequence length
	Workers   int  // concurrent image decodes per batch
	Shuffle   bool // reshuffle example order each epoch
	DropLast  bool // drop the short final batch
	Seed      int64
}

// NewLoader creates a loader over a dataset.
func NewLoader(dataset *Dataset, tokenizer *Tokenizer, opts LoaderOptions) *Loader {
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	return &Loader{
		dataset:   dataset,
		tokenizer: tokenizer,
		batchSize: opts.BatchSize,
		imageSize: opts.ImageSize,
		seqLen:    opts.SeqLen,
		workers:   workers,
		shuffle:   opts.Shuffle,
		dropLast:  opts.DropLast,
		rng:       rand.New(rand.NewSource(opts.Seed)),
	}
}

// NumBatches returns the number of batches one epoch yields.
func (l *Loader) NumBatches() int {
	n := l.dataset.Len() / l.batchSize
	if !l.dropLast && l.dataset.Len()%l.batchSize != 0 {
		n++
	}
	return n
}

// Epoch streams one pass over the dataset. The channel closes when the
// epoch ends, an error occurs, or ctx is canceled. The caller must drain
// the channel or cancel the context.
func (l *Loader) Epoch(ctx context.Context) <-chan BatchResult {
	indices := make([]int, l.dataset.Len())
	for i := range indices {
		indices[i] = i
	}
	if l.shuffle {
		l.rng.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
	}

	// Buffer one batch so decoding overlaps the training step.
	out := make(chan BatchResult, 1)

	go func() {
		defer close(out)

		for start := 0; start < len(indices); start += l.batchSize {
			end := start + l.batchSize
			if end > len(indices) {
				if l.dropLast {
					return
				}
				end = len(indices)
			}

			batch, err := l.loadBatch(ctx, indices[start:end])
			if err != nil {
				select {
				case out <- BatchResult{Err: err}:
				case <-ctx.Done():
				}
				return
			}

			select {
			case out <- BatchResult{Batch: batch}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// loadBatch decodes one batch's images in parallel and tokenizes its
// captions.
func (l *Loader) loadBatch(ctx context.Context, indices []int) (*Batch, error) {
	batch := &Batch{
		Images: make([]*Tensor, len(indices)),
		IDs:    make([][]int, len(indices)),
		Masks:  make([][]bool, len(indices)),
	}

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)

	for slot, idx := range indices {
		slot, idx := slot, idx
		ex := l.dataset.At(idx)

		batch.IDs[slot], batch.Masks[slot] = l.tokenizer.EncodeCaption(ex.Caption, l.seqLen)

		g.Go(func() error {
			img, err := LoadImageTensor(ex.ImagePath, l.imageSize)
			if err != nil {
				return err
			}
			batch.Images[slot] = img
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return batch, nil
}
