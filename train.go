package main

// ===========================================================================
// TRAINING LOOP
// ===========================================================================
//
// Joint finetuning of both towers with the symmetric contrastive
// objective. The shape of one optimizer step:
//
//	forward both towers -> contrastive loss -> manual backward
//	(repeat gradientAccumulationSteps times, gradients summing)
//	clip by global norm -> AdamW step -> clamp logit scale ->
//	scheduler step -> zero grads
//
// The schedule warms up linearly for a configurable fraction of total
// optimizer steps and then decays with a cosine, optionally restarting.
// Checkpoints are written every saveSteps optimizer steps and at the
// end; a failed write is retried up to ten times, since losing hours of
// CPU training to a transient disk error is worse than a noisy log line.
//
// ===========================================================================

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
)

// Optimizer updates parameters from their accumulated gradients.
type Optimizer interface {
	// Step performs a single optimization step at the given learning rate.
	Step(params []*Tensor, lr float64)

	// ZeroGrad clears all gradients.
	ZeroGrad(params []*Tensor)
}

// SGDOptimizer implements stochastic gradient descent with L2 weight decay.
type SGDOptimizer struct {
	weightDecay float64
}

// NewSGDOptimizer creates an SGD optimizer.
func NewSGDOptimizer(weightDecay float64) *SGDOptimizer {
	return &SGDOptimizer{weightDecay: weightDecay}
}

// Step updates parameters: param -= lr * (grad + weightDecay * param).
func (opt *SGDOptimizer) Step(params []*Tensor, lr float64) {
	for _, p := range params {
		for i := range p.data {
			p.data[i] -= lr * (p.grad[i] + opt.weightDecay*p.data[i])
		}
	}
}

// ZeroGrad clears gradients.
func (opt *SGDOptimizer) ZeroGrad(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// AdamWOptimizer implements Adam with decoupled weight decay.
//
// Update rule per parameter:
//
//	m_t = beta1 * m_{t-1} + (1 - beta1) * grad
//	v_t = beta2 * v_{t-1} + (1 - beta2) * grad²
//	param -= lr * (m̂_t / (sqrt(v̂_t) + eps) + weightDecay * param)
//
// The decay multiplies the parameter directly instead of being folded
// into the gradient, which is what separates AdamW from Adam-with-L2.
type AdamWOptimizer struct {
	beta1       float64
	beta2       float64
	epsilon     float64
	weightDecay float64

	m []*Tensor // first moment
	v []*Tensor // second moment
	t int       // step count, for bias correction
}

// NewAdamWOptimizer creates an AdamW optimizer with moment buffers
// matching the given parameters.
func NewAdamWOptimizer(params []*Tensor, beta1, beta2, epsilon, weightDecay float64) *AdamWOptimizer {
	m := make([]*Tensor, len(params))
	v := make([]*Tensor, len(params))
	for i, p := range params {
		m[i] = NewTensor(p.shape...)
		v[i] = NewTensor(p.shape...)
	}

	return &AdamWOptimizer{
		beta1:       beta1,
		beta2:       beta2,
		epsilon:     epsilon,
		weightDecay: weightDecay,
		m:           m,
		v:           v,
	}
}

// Step performs an AdamW update.
func (opt *AdamWOptimizer) Step(params []*Tensor, lr float64) {
	opt.t++

	bias1 := 1.0 - math.Pow(opt.beta1, float64(opt.t))
	bias2 := 1.0 - math.Pow(opt.beta2, float64(opt.t))

	for i, p := range params {
		for j := range p.data {
			grad := p.grad[j]

			opt.m[i].data[j] = opt.beta1*opt.m[i].data[j] + (1.0-opt.beta1)*grad
			opt.v[i].data[j] = opt.beta2*opt.v[i].data[j] + (1.0-opt.beta2)*grad*grad

			mHat := opt.m[i].data[j] / bias1
			vHat := opt.v[i].data[j] / bias2

			p.data[j] -= lr * (mHat/(math.Sqrt(vHat)+opt.epsilon) + opt.weightDecay*p.data[j])
		}
	}
}

// ZeroGrad clears gradients.
func (opt *AdamWOptimizer) ZeroGrad(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// LRScheduler produces the learning rate for each optimizer step:
// linear warmup followed by cosine decay, or cosine with hard restarts.
type LRScheduler struct {
	baseLR       float64
	minLR        float64
	warmupSteps  int
	totalSteps   int
	hardRestarts bool
	numCycles    float64 // restart count when hardRestarts is set
	step         int
}

// NewLRScheduler creates a warmup + cosine decay schedule.
func NewLRScheduler(baseLR, minLR float64, warmupSteps, totalSteps int) *LRScheduler {
	return &LRScheduler{
		baseLR:      baseLR,
		minLR:       minLR,
		warmupSteps: warmupSteps,
		totalSteps:  totalSteps,
	}
}

// NewLRSchedulerWithHardRestarts creates a warmup + cosine schedule that
// restarts from the base rate numCycles times over the decay phase.
func NewLRSchedulerWithHardRestarts(baseLR, minLR float64, warmupSteps, totalSteps int, numCycles float64) *LRScheduler {
	s := NewLRScheduler(baseLR, minLR, warmupSteps, totalSteps)
	s.hardRestarts = true
	s.numCycles = numCycles
	return s
}

// GetLR advances the schedule one step and returns the learning rate.
func (s *LRScheduler) GetLR() float64 {
	s.step++

	if s.step < s.warmupSteps {
		return s.baseLR * float64(s.step) / float64(s.warmupSteps)
	}
	if s.step >= s.totalSteps {
		return s.minLR
	}

	progress := float64(s.step-s.warmupSteps) / float64(s.totalSteps-s.warmupSteps)

	if s.hardRestarts {
		cycles := s.numCycles
		if cycles <= 0 {
			cycles = 1
		}
		phase := math.Mod(cycles*progress, 1.0)
		cosine := 0.5 * (1.0 + math.Cos(math.Pi*phase))
		return s.minLR + (s.baseLR-s.minLR)*cosine
	}

	cosine := 0.5 * (1.0 + math.Cos(math.Pi*progress))
	return s.minLR + (s.baseLR-s.minLR)*cosine
}

// clipGradients clips gradients by global norm across all parameters.
func clipGradients(params []*Tensor, maxNorm float64) {
	if maxNorm <= 0 {
		return
	}

	globalNorm := 0.0
	for _, p := range params {
		for _, g := range p.grad {
			globalNorm += g * g
		}
	}
	globalNorm = math.Sqrt(globalNorm)

	if globalNorm > maxNorm {
		scale := maxNorm / globalNorm
		for _, p := range params {
			for i := range p.grad {
				p.grad[i] *= scale
			}
		}
	}
}

// Trainer owns one training run.
type Trainer struct {
	model     *CLIP
	cfg       *TrainConfig
	optimizer Optimizer
	scheduler *LRScheduler
	logger    *Logger
	metrics   *MetricsWriter

	checkpointDir string
	dataDigest    string
	globalStep    int
	globalLoss    float64
}

// NewTrainer wires a model, optimizer, and schedule for a run writing
// checkpoints under checkpointDir. dataDigest is stamped into every
// checkpoint header.
func NewTrainer(model *CLIP, cfg *TrainConfig, totalSteps int, checkpointDir, dataDigest string, logger *Logger, metrics *MetricsWriter) (*Trainer, error) {
	params := model.Params()

	var optimizer Optimizer
	switch cfg.Optimizer.Name {
	case "adamw", "":
		optimizer = NewAdamWOptimizer(params, cfg.Optimizer.Beta1, cfg.Optimizer.Beta2,
			cfg.Optimizer.Eps, cfg.Optimizer.WeightDecay)
	case "sgd":
		optimizer = NewSGDOptimizer(cfg.Optimizer.WeightDecay)
	default:
		return nil, fmt.Errorf("train: unknown optimizer %q", cfg.Optimizer.Name)
	}

	warmupSteps := int(cfg.Scheduler.WarmupRatio * float64(totalSteps))
	var scheduler *LRScheduler
	switch cfg.Scheduler.Name {
	case "cosine", "":
		scheduler = NewLRScheduler(cfg.Optimizer.LR, cfg.Scheduler.MinLR, warmupSteps, totalSteps)
	case "cosine-restarts":
		scheduler = NewLRSchedulerWithHardRestarts(cfg.Optimizer.LR, cfg.Scheduler.MinLR,
			warmupSteps, totalSteps, cfg.Scheduler.Cycles)
	default:
		return nil, fmt.Errorf("train: unknown scheduler %q", cfg.Scheduler.Name)
	}

	return &Trainer{
		model:         model,
		cfg:           cfg,
		optimizer:     optimizer,
		scheduler:     scheduler,
		logger:        logger,
		metrics:       metrics,
		checkpointDir: checkpointDir,
		dataDigest:    dataDigest,
	}, nil
}

// Train runs the full finetuning loop and returns the final global step
// and the mean loss per optimizer step.
func (t *Trainer) Train(ctx context.Context, trainLoader, validLoader *Loader) (int, float64, error) {
	params := t.model.Params()
	totalSteps := t.scheduler.totalSteps
	accumSteps := t.cfg.GradientAccumulationSteps
	if accumSteps < 1 {
		accumSteps = 1
	}

	t.logger.Infof("***** Running training *****")
	t.logger.Infof("  Num examples = %d", trainLoader.dataset.Len())
	t.logger.Infof("  Num epochs = %d", t.cfg.NumTrainEpochs)
	t.logger.Infof("  Batch size = %d", t.cfg.BatchSize)
	t.logger.Infof("  Gradient accumulation steps = %d", accumSteps)
	t.logger.Infof("  Total optimization steps = %d", totalSteps)
	t.logger.Infof("  Warmup steps = %d", t.scheduler.warmupSteps)
	t.logger.Infof("  Model parameters = %d", t.model.NumParams())

	t.optimizer.ZeroGrad(params)

	for epoch := 0; epoch < t.cfg.NumTrainEpochs; epoch++ {
		epochImageAcc := 0.0
		epochBatches := 0
		microStep := 0
		lr := 0.0

		for result := range trainLoader.Epoch(ctx) {
			if result.Err != nil {
				return t.globalStep, t.meanLoss(), fmt.Errorf("train: loading batch: %w", result.Err)
			}
			if err := ctx.Err(); err != nil {
				return t.globalStep, t.meanLoss(), err
			}

			batch := result.Batch
			imageFeat, textFeat, cache := t.model.ForwardBatch(batch.Images, batch.IDs, batch.Masks)
			res := ContrastiveLoss(imageFeat, textFeat, t.model.logitScale.data[0], true)

			if accumSteps > 1 {
				res.GradImageFeat = Scale(res.GradImageFeat, 1.0/float64(accumSteps))
				res.GradTextFeat = Scale(res.GradTextFeat, 1.0/float64(accumSteps))
				res.GradLogitScale /= float64(accumSteps)
			}
			t.model.Backward(res.GradImageFeat, res.GradTextFeat, res.GradLogitScale, cache)

			stepLoss := res.Loss / float64(accumSteps)
			t.globalLoss += stepLoss
			epochImageAcc += res.ImageAccuracy
			epochBatches++
			microStep++

			if microStep%accumSteps != 0 {
				continue
			}

			t.globalStep++
			lr = t.scheduler.GetLR()

			clipGradients(params, t.cfg.GradClipNorm)
			t.optimizer.Step(params, lr)
			t.model.ClampLogitScale()
			t.optimizer.ZeroGrad(params)

			if t.metrics != nil {
				t.metrics.Log(MetricsRecord{
					Epoch:      epoch,
					GlobalStep: t.globalStep,
					LR:         lr,
					TrainLoss:  res.Loss,
					ImageLoss:  res.ImageLoss,
					TextLoss:   res.TextLoss,
					ImageAcc:   res.ImageAccuracy,
					LogitScale: t.model.LogitScale(),
				})
			}

			if t.cfg.LoggingSteps > 0 && t.globalStep%t.cfg.LoggingSteps == 0 {
				t.logger.Infof("Epoch: %d, global_step: %d, lr: %.6f, loss: %.4f (%.4f), train_img_acc: %.4f",
					epoch, t.globalStep, lr, res.Loss, t.meanLoss(), epochImageAcc/float64(epochBatches))
			}

			if (t.cfg.SaveSteps > 0 && t.globalStep%t.cfg.SaveSteps == 0) || t.globalStep == totalSteps {
				t.saveCheckpointWithRetry(epoch)
			}
		}

		if validLoader != nil {
			valLoss, valImgLoss, valTxtLoss, valImgAcc, err := t.Validate(ctx, validLoader)
			if err != nil {
				return t.globalStep, t.meanLoss(), err
			}
			t.logger.Infof("Epoch %d validation: loss: %.4f, img_loss: %.4f, txt_loss: %.4f, val_img_acc: %.4f",
				epoch, valLoss, valImgLoss, valTxtLoss, valImgAcc)
			if t.metrics != nil {
				t.metrics.Log(MetricsRecord{
					Epoch:      epoch,
					GlobalStep: t.globalStep,
					ValidLoss:  valLoss,
					ValidAcc:   valImgAcc,
				})
			}
		}
	}

	return t.globalStep, t.meanLoss(), nil
}

// Validate runs a gradient-free pass over the validation loader and
// returns mean loss, its two components, and image accuracy.
func (t *Trainer) Validate(ctx context.Context, loader *Loader) (loss, imgLoss, txtLoss, imgAcc float64, err error) {
	batches := 0

	for result := range loader.Epoch(ctx) {
		if result.Err != nil {
			return 0, 0, 0, 0, fmt.Errorf("validate: loading batch: %w", result.Err)
		}
		if cerr := ctx.Err(); cerr != nil {
			return 0, 0, 0, 0, cerr
		}

		batch := result.Batch
		imageFeat := t.model.EncodeImageBatch(batch.Images)
		textFeat := t.model.EncodeTextBatch(batch.IDs, batch.Masks)

		res := ContrastiveLoss(imageFeat, textFeat, t.model.logitScale.data[0], false)
		loss += res.Loss
		imgLoss += res.ImageLoss
		txtLoss += res.TextLoss
		imgAcc += res.ImageAccuracy
		batches++
	}

	if batches == 0 {
		return 0, 0, 0, 0, fmt.Errorf("validate: empty loader")
	}

	n := float64(batches)
	return loss / n, imgLoss / n, txtLoss / n, imgAcc / n, nil
}

// meanLoss returns the running mean loss per optimizer step.
func (t *Trainer) meanLoss() float64 {
	if t.globalStep == 0 {
		return 0
	}
	return t.globalLoss / float64(t.globalStep)
}

// saveCheckpointWithRetry writes a checkpoint, retrying up to ten times
// before giving up with a log line rather than an aborted run.
func (t *Trainer) saveCheckpointWithRetry(epoch int) {
	path := filepath.Join(t.checkpointDir, fmt.Sprintf("checkpoint_%d_%d.bin", epoch, t.globalStep))

	adamw, _ := t.optimizer.(*AdamWOptimizer)
	for attempt := 0; attempt < 10; attempt++ {
		err := SaveCheckpoint(path, t.model, adamw, epoch, t.globalStep, t.dataDigest)
		if err == nil {
			t.logger.Infof("Saved checkpoint to %s", path)
			return
		}
		t.logger.Infof("Checkpoint save attempt %d failed: %v", attempt+1, err)
	}
	t.logger.Infof("Failed to save checkpoint after 10 attempts: %s", path)
}
