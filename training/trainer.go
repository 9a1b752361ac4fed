package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tsawler/go-ctdet/checkpoints"
	"github.com/tsawler/go-ctdet/config"
	"github.com/tsawler/go-ctdet/debugger"
	"github.com/tsawler/go-ctdet/decode"
	"github.com/tsawler/go-ctdet/logging"
	"github.com/tsawler/go-ctdet/loss"
	"github.com/tsawler/go-ctdet/memory"
	"github.com/tsawler/go-ctdet/telemetry"
	"github.com/tsawler/go-ctdet/tensor"
)

// EpochResult is the report of one epoch: the average of every loss term,
// the wall time in minutes and the learning rate in effect.
type EpochResult struct {
	Stats       map[string]float64
	TimeMinutes float64
	LR          float64
}

// Results maps an image id to its detections bucketed by 1-based class.
type Results map[int64]map[int][]decode.Detection

// TrainerOption customizes a Trainer.
type TrainerOption func(*Trainer)

// WithOutput sets where the progress bar is written. Defaults to stdout.
func WithOutput(w io.Writer) TrainerOption {
	return func(t *Trainer) { t.out = w }
}

// WithTelemetry exports per-iteration and per-epoch metrics.
func WithTelemetry(m *telemetry.Metrics) TrainerOption {
	return func(t *Trainer) { t.metrics = m }
}

// WithDebugDisplay sets the display used for debug levels 1-3.
func WithDebugDisplay(d debugger.Display) TrainerOption {
	return func(t *Trainer) { t.display = d }
}

// WithMemory sets the manager whose device cache is emptied before
// validation.
func WithMemory(m *memory.Manager) TrainerOption {
	return func(t *Trainer) { t.mem = m }
}

// WithComposerOptions forwards options to the loss composer, for example
// the Stripformer feature extractor.
func WithComposerOptions(opts ...loss.ComposerOption) TrainerOption {
	return func(t *Trainer) { t.composerOpts = append(t.composerOpts, opts...) }
}

// Trainer runs train and validation epochs of a center-point detector.
type Trainer struct {
	opts      *config.Options
	model     *ModelWithLoss
	runner    stepper
	optimizer Optimizer
	scheduler *EpochScheduler
	lossStats []string
	device    tensor.Device

	composerOpts []loss.ComposerOption
	metrics      *telemetry.Metrics
	display      debugger.Display
	mem          *memory.Manager
	out          io.Writer
	log          *log.Entry

	steps int
}

// NewTrainer couples net with the loss selected by opts. A nil scheduler
// keeps the learning rate constant.
func NewTrainer(opts *config.Options, net Network, optimizer Optimizer, scheduler *EpochScheduler, options ...TrainerOption) (*Trainer, error) {
	if net == nil || optimizer == nil {
		return nil, fmt.Errorf("trainer needs a network and an optimizer")
	}
	t := &Trainer{
		opts:      opts,
		optimizer: optimizer,
		scheduler: scheduler,
		lossStats: loss.StatNames(opts),
		device:    opts.Device,
		out:       os.Stdout,
		mem:       memory.Default(),
		log:       logging.ForRun(opts.Task, opts.ExpID),
	}
	for _, o := range options {
		o(t)
	}
	if t.scheduler == nil {
		t.scheduler = NewEpochScheduler(&NoOpScheduler{}, optimizer, optimizer.GetLR())
	}

	composer, err := loss.NewComposer(opts, t.composerOpts...)
	if err != nil {
		return nil, err
	}
	t.model = NewModelWithLoss(net, composer, opts)
	t.runner = t.model
	return t, nil
}

// Model returns the wrapped network and loss.
func (t *Trainer) Model() *ModelWithLoss {
	return t.model
}

// LossStats lists the reported loss terms in order.
func (t *Trainer) LossStats() []string {
	return append([]string(nil), t.lossStats...)
}

// SetDevice places the model on device, splitting batches over gpus with
// the given chunk sizes when there is more than one, and moves the
// optimizer state along.
func (t *Trainer) SetDevice(gpus []int, chunkSizes []int, device tensor.Device) error {
	if len(gpus) > 1 {
		dp, err := NewDataParallel(t.model, chunkSizes)
		if err != nil {
			return err
		}
		t.runner = dp
	} else {
		t.runner = t.model
	}

	if err := t.model.Network().ToDevice(device); err != nil {
		return fmt.Errorf("move network to %s: %v", device, err)
	}
	if err := t.optimizer.ToDevice(device); err != nil {
		return fmt.Errorf("move optimizer state to %s: %v", device, err)
	}
	t.device = device
	t.log.WithFields(log.Fields{"device": device.String(), "replicas": len(gpus), "chunk_sizes": chunkSizes}).Info("model placed")
	return nil
}

// Train runs one training epoch.
func (t *Trainer) Train(ctx context.Context, epoch int, source DataSource) (*EpochResult, Results, error) {
	return t.RunEpoch(ctx, config.PhaseTrain, epoch, source)
}

// Val runs one validation epoch.
func (t *Trainer) Val(ctx context.Context, epoch int, source DataSource) (*EpochResult, Results, error) {
	return t.RunEpoch(ctx, config.PhaseVal, epoch, source)
}

// RunEpoch iterates over source once, or over the first NumIters batches
// when NumIters is not negative. In the train phase every batch is
// followed by an optimizer step. With Test set, decoded detections of every
// image are returned keyed by image id.
func (t *Trainer) RunEpoch(ctx context.Context, phase config.Phase, epoch int, source DataSource) (*EpochResult, Results, error) {
	opts := t.opts
	runner := t.runner
	if phase == config.PhaseTrain {
		runner.train()
		t.scheduler.Step(epoch)
	} else {
		if dp, ok := runner.(*DataParallel); ok {
			runner = dp.Module()
		}
		runner.eval()
		if n := t.mem.EmptyCache(t.device); n > 0 {
			t.log.WithField("buffers", n).Debug("emptied device cache")
		}
	}

	results := make(Results)
	dataTime, batchTime := NewAverageMeter(), NewAverageMeter()
	avgLossStats := NewMeterSet(t.lossStats)
	numIters := opts.NumIters
	if numIters < 0 {
		numIters = source.Len()
	}

	if err := source.Reset(); err != nil {
		return nil, nil, fmt.Errorf("reset data source: %v", err)
	}
	recycler, _ := source.(Recycler)

	bar := NewProgressBar(fmt.Sprintf("%s/%s", opts.Task, opts.ExpID), numIters, t.out)
	end := time.Now()
	for iterID := 0; iterID < numIters; iterID++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		batch, err := source.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%s epoch %d iteration %d: %w", phase, epoch, iterID, err)
		}
		dataTime.Update(time.Since(end).Seconds(), 1)

		lossStats, err := t.iterate(ctx, runner, phase, epoch, iterID, batch, results)
		if recycler != nil {
			recycler.Recycle(batch)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%s epoch %d iteration %d: %w", phase, epoch, iterID, err)
		}
		batchTime.Update(time.Since(end).Seconds(), 1)
		end = time.Now()

		var suffix strings.Builder
		fmt.Fprintf(&suffix, "%s: [%d][%d/%d]|Tot: %s |ETA: %s ", phase, epoch, iterID, numIters,
			formatDuration(bar.Elapsed()), formatDuration(bar.ETA(iterID)))
		for _, name := range t.lossStats {
			m := avgLossStats.Get(name)
			m.Update(lossStats[name], batch.Size())
			fmt.Fprintf(&suffix, "|%s %.4f ", name, m.Avg())
		}
		if !opts.HideDataTime {
			fmt.Fprintf(&suffix, "|Data %.3fs(%.3fs) |Net %.3fs", dataTime.Val, dataTime.Avg(), batchTime.Avg())
		}
		bar.SetSuffix(suffix.String())
		if opts.PrintIter > 0 {
			if iterID%opts.PrintIter == 0 {
				fmt.Fprintf(t.out, "%s/%s| %s\n", opts.Task, opts.ExpID, bar.Suffix())
			}
		} else {
			bar.Next()
		}
		if t.metrics != nil {
			t.metrics.ObserveIteration(string(phase))
		}
	}
	bar.Finish()

	ret := &EpochResult{
		Stats:       avgLossStats.Averages(),
		TimeMinutes: bar.Elapsed().Minutes(),
		LR:          t.scheduler.GetLR(),
	}
	if t.metrics != nil {
		t.metrics.ObserveEpoch(string(phase), epoch, ret.Stats, bar.Elapsed(), ret.LR)
	}
	fields := log.Fields{"phase": phase, "epoch": epoch, "minutes": ret.TimeMinutes, "lr": ret.LR}
	for k, v := range ret.Stats {
		fields[k] = v
	}
	t.log.WithFields(fields).Info("epoch finished")
	return ret, results, nil
}

// iterate runs one batch: forward, optional optimizer step, debug output
// and result collection. It returns the loss terms averaged over replicas.
func (t *Trainer) iterate(ctx context.Context, runner stepper, phase config.Phase, epoch, iterID int, batch *Batch, results Results) (map[string]float64, error) {
	opts := t.opts
	if err := batch.Validate(opts); err != nil {
		return nil, err
	}
	b, err := batch.To(t.device)
	if err != nil {
		return nil, err
	}

	output, res, err := runner.step(ctx, b, phase, epoch)
	if err != nil {
		return nil, err
	}
	stats := meanStats(res)

	if phase == config.PhaseTrain {
		t.optimizer.ZeroGrad()
		if len(res) > 1 {
			for _, r := range res {
				r.Grad.Scale(1 / float32(len(res)))
			}
		}
		if err := runner.backward(res); err != nil {
			return nil, err
		}
		if err := t.optimizer.Step(); err != nil {
			return nil, fmt.Errorf("optimizer step: %v", err)
		}
		t.steps++
	}

	if opts.Debug > 0 {
		if err := t.debug(b, output, iterID); err != nil {
			if errors.Is(err, debugger.ErrStopRequested) {
				return nil, err
			}
			t.log.WithError(err).WithField("iter", iterID).Error("debug visualization failed")
			if t.metrics != nil {
				t.metrics.ObserveDebugError()
			}
		}
	}

	if opts.Test {
		if err := t.saveResult(output, b, results); err != nil {
			return nil, err
		}
	}
	return stats, nil
}

// meanStats averages every loss term over the replica results.
func meanStats(res []*loss.Result) map[string]float64 {
	out := make(map[string]float64)
	for _, r := range res {
		for _, term := range r.Stats {
			out[term.Name] += term.Value / float64(len(res))
		}
	}
	return out
}

// firstSample returns sample 0 of a batched tensor without the leading
// dimension.
func firstSample(t *tensor.Tensor) (*tensor.Tensor, error) {
	s, err := tensor.Narrow(t, 0, 1)
	if err != nil {
		return nil, err
	}
	return s.Reshape(t.Shape[1:])
}

// decodeOutput turns the last stack into detections on the output grid.
func (t *Trainer) decodeOutput(output loss.HeadOutput) (decode.Detections, *tensor.Tensor, error) {
	heat, err := t.model.Composer().Heat(output.Hm)
	if err != nil {
		return nil, nil, err
	}
	var reg *tensor.Tensor
	if t.opts.RegOffset {
		reg = output.Reg
	}
	dets, err := decode.CtdetDecode(heat, output.Wh, reg, t.opts.CatSpecWh, t.opts.K)
	if err != nil {
		return nil, nil, err
	}
	return dets, heat, nil
}

// debug draws predictions and ground truth of the first image of the batch
// and saves them (debug level 4) or shows them.
func (t *Trainer) debug(b *Batch, output loss.HeadOutput, iterID int) error {
	opts := t.opts
	dets, heat, err := t.decodeOutput(output)
	if err != nil {
		return err
	}
	dets = dets.Scale(float32(opts.DownRatio))
	if len(b.Meta) == 0 {
		return fmt.Errorf("batch has no meta records")
	}

	dbgOpts := []debugger.Option{
		debugger.WithTheme(debugger.Theme(opts.DebuggerTheme)),
		debugger.WithDownRatio(opts.DownRatio),
	}
	if names, err := debugger.NamesFor(opts.Dataset); err == nil {
		dbgOpts = append(dbgOpts, debugger.WithNames(names))
	}
	if t.display != nil {
		dbgOpts = append(dbgOpts, debugger.WithDisplay(t.display))
	}
	dbg := debugger.New(dbgOpts...)

	input := b.SharpInput
	if input == nil {
		input = b.BlurInput
	}
	img, err := debugger.TensorToImage(input, 0, opts.Mean, opts.Std)
	if err != nil {
		return err
	}

	predHm, err := firstSample(heat)
	if err != nil {
		return err
	}
	gtHm, err := firstSample(b.Hm)
	if err != nil {
		return err
	}
	pred, err := dbg.GenColormap(predHm, 0, 0)
	if err != nil {
		return err
	}
	gt, err := dbg.GenColormap(gtHm, 0, 0)
	if err != nil {
		return err
	}
	dbg.AddBlendImg(img, pred, "pred_hm", 0.7)
	dbg.AddBlendImg(img, gt, "gt_hm", 0.7)

	thresh := float32(opts.CenterThresh)
	draw := func(id string, boxes []decode.Detection) error {
		dbg.AddImg(img, id, false)
		for _, d := range boxes {
			if d.Score > thresh {
				if err := dbg.AddCocoBBox([4]float32{d.X1, d.Y1, d.X2, d.Y2}, d.Class, d.Score, true, id); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := draw("out_pred", dets[0]); err != nil {
		return err
	}
	gtDets := decode.Detections{b.Meta[0].GtDet}.Scale(float32(opts.DownRatio))
	if err := draw("out_gt", gtDets[0]); err != nil {
		return err
	}

	if opts.Debug == 4 {
		return dbg.SaveAllImgs(opts.DebugDir, fmt.Sprintf("%d", iterID), false)
	}
	return dbg.ShowAllImgs(true)
}

// saveResult maps the detections of every image back to its source
// coordinates and stores them by image id.
func (t *Trainer) saveResult(output loss.HeadOutput, b *Batch, results Results) error {
	dets, _, err := t.decodeOutput(output)
	if err != nil {
		return err
	}
	if len(b.Meta) != len(dets) {
		return fmt.Errorf("have %d meta records for %d images", len(b.Meta), len(dets))
	}

	centers := make([][2]float64, len(b.Meta))
	scales := make([][2]float64, len(b.Meta))
	for i, m := range b.Meta {
		centers[i], scales[i] = m.C, m.S
	}
	hm := output.Hm
	out, err := decode.PostProcess(dets, centers, scales, hm.Shape[3], hm.Shape[2], hm.Shape[1])
	if err != nil {
		return err
	}
	for i, m := range b.Meta {
		results[m.ImgID] = out[i]
	}
	return nil
}

// parameterNames returns the checkpoint names of the network parameters.
func (t *Trainer) parameterNames() []string {
	params := t.model.Network().Parameters()
	if named, ok := t.model.Network().(interface{ ParameterNames() []string }); ok {
		if names := named.ParameterNames(); len(names) == len(params) {
			return names
		}
	}
	names := make([]string, len(params))
	for i := range params {
		names[i] = fmt.Sprintf("param.%d", i)
	}
	return names
}

// Checkpoint captures weights, optimizer state and progress after epoch.
func (t *Trainer) Checkpoint(epoch int) (*checkpoints.Checkpoint, error) {
	weights, err := checkpoints.ExtractWeights(t.parameterNames(), t.model.Network().Parameters())
	if err != nil {
		return nil, fmt.Errorf("failed to extract weights: %v", err)
	}
	return &checkpoints.Checkpoint{
		Weights: weights,
		TrainingState: checkpoints.TrainingState{
			Epoch:        epoch,
			Step:         t.steps,
			LearningRate: float32(t.optimizer.GetLR()),
		},
		OptimizerState: t.optimizer.State(),
		Metadata: checkpoints.CheckpointMetadata{
			Description: fmt.Sprintf("%s/%s", t.opts.Task, t.opts.ExpID),
			Tags:        []string{t.opts.Task, t.opts.Dataset, fmt.Sprintf("epoch_%d", epoch)},
		},
	}, nil
}

// Restore loads a checkpoint into the network and optimizer and returns
// its epoch.
func (t *Trainer) Restore(ckpt *checkpoints.Checkpoint) (int, error) {
	params := t.model.Network().Parameters()
	if len(ckpt.Weights) != len(params) {
		return 0, fmt.Errorf("checkpoint has %d weights, model has %d parameters", len(ckpt.Weights), len(params))
	}
	names := t.parameterNames()
	for i, w := range ckpt.Weights {
		if w.Name != names[i] {
			return 0, fmt.Errorf("checkpoint weight %d is %q, model expects %q", i, w.Name, names[i])
		}
	}
	if err := checkpoints.LoadWeightsIntoTensors(ckpt.Weights, params); err != nil {
		return 0, fmt.Errorf("failed to load weights: %v", err)
	}
	if ckpt.OptimizerState != nil {
		if err := t.optimizer.LoadState(ckpt.OptimizerState); err != nil {
			return 0, fmt.Errorf("failed to restore optimizer state: %v", err)
		}
	}
	t.steps = ckpt.TrainingState.Step
	return ckpt.TrainingState.Epoch, nil
}
