package training

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tsawler/go-ctdet/config"
	"github.com/tsawler/go-ctdet/loss"
	"github.com/tsawler/go-ctdet/telemetry"
	"github.com/tsawler/go-ctdet/tensor"
)

func testOptions(t *testing.T) *config.Options {
	t.Helper()
	opts := config.Default()
	opts.InputH, opts.InputW = 16, 16
	opts.DownRatio = 4
	opts.NumClasses = 2
	opts.K = 8
	opts.BatchSize = 2
	opts.Mean = []float32{0.5}
	opts.Std = []float32{0.25}
	opts.ExpID = "test"
	opts.SaveDir = t.TempDir()
	if err := opts.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	return opts
}

// biasNet predicts every head as a learned per-channel constant.
type biasNet struct {
	hm, wh, reg *tensor.Tensor
	oh, ow      int
	forwards    *atomic.Int64
	training    bool
}

func newParam(vals []float32) *tensor.Tensor {
	p := tensor.FromFloat32([]int{len(vals)}, vals)
	g, _ := tensor.ZerosLike(p)
	p.SetRequiresGrad(true)
	p.SetGrad(g)
	return p
}

func newBiasNet(opts *config.Options, hmInit float32) *biasNet {
	hm := make([]float32, opts.NumClasses)
	for i := range hm {
		hm[i] = hmInit
	}
	whC := 2
	if opts.CatSpecWh {
		whC = 2 * opts.NumClasses
	}
	return &biasNet{
		hm:       newParam(hm),
		wh:       newParam(make([]float32, whC)),
		reg:      newParam(make([]float32, 2)),
		oh:       opts.OutputH,
		ow:       opts.OutputW,
		forwards: &atomic.Int64{},
		training: true,
	}
}

func (n *biasNet) plane(b int, p *tensor.Tensor) *tensor.Tensor {
	c := p.Shape[0]
	vals := p.Data.([]float32)
	data := make([]float32, b*c*n.oh*n.ow)
	for i := range data {
		data[i] = vals[(i/(n.oh*n.ow))%c]
	}
	return tensor.FromFloat32([]int{b, c, n.oh, n.ow}, data)
}

func (n *biasNet) Forward(ctx context.Context, img *tensor.Tensor, phase config.Phase) (*loss.Output, error) {
	n.forwards.Add(1)
	b := img.Shape[0]
	return &loss.Output{Stacks: []loss.HeadOutput{{
		Hm:  n.plane(b, n.hm),
		Wh:  n.plane(b, n.wh),
		Reg: n.plane(b, n.reg),
	}}}, nil
}

func (n *biasNet) accumulate(p, g *tensor.Tensor) {
	if g == nil {
		return
	}
	c := p.Shape[0]
	grad := p.Grad().Data.([]float32)
	for i, v := range g.Data.([]float32) {
		grad[(i/(n.oh*n.ow))%c] += v
	}
}

func (n *biasNet) Backward(grad *loss.Grad) error {
	for _, s := range grad.Stacks {
		n.accumulate(n.hm, s.Hm)
		n.accumulate(n.wh, s.Wh)
		n.accumulate(n.reg, s.Reg)
	}
	return nil
}

func (n *biasNet) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{n.hm, n.wh, n.reg}
}

func (n *biasNet) ToDevice(device tensor.Device) error {
	for _, p := range n.Parameters() {
		p.Device = device
		p.Grad().Device = device
	}
	return nil
}

func (n *biasNet) Train() { n.training = true }
func (n *biasNet) Eval()  { n.training = false }

func (n *biasNet) Replicate() (Network, error) {
	r := *n
	return &r, nil
}

// sliceSource serves fixed batches and counts what it hands out.
type sliceSource struct {
	batches  []*Batch
	pos      int
	served   int
	recycled int
}

func (s *sliceSource) Len() int { return len(s.batches) }

func (s *sliceSource) Reset() error {
	s.pos = 0
	return nil
}

func (s *sliceSource) Next(ctx context.Context) (*Batch, error) {
	if s.pos >= len(s.batches) {
		return nil, io.EOF
	}
	b := s.batches[s.pos]
	s.pos++
	s.served++
	return b, nil
}

func (s *sliceSource) Recycle(b *Batch) { s.recycled++ }

// syntheticBatches collates n synthetic samples into batches of size bs.
func syntheticBatches(t *testing.T, opts *config.Options, n, bs int) []*Batch {
	t.Helper()
	ds := NewSyntheticDataset(opts, n, 11)
	var out []*Batch
	for start := 0; start < n; start += bs {
		var samples []*Batch
		for i := start; i < min(start+bs, n); i++ {
			s, err := ds.Get(i)
			if err != nil {
				t.Fatalf("Get(%d) failed: %v", i, err)
			}
			samples = append(samples, s)
		}
		b, err := Collate(samples, nil)
		if err != nil {
			t.Fatalf("Collate failed: %v", err)
		}
		out = append(out, b)
	}
	return out
}

func newTestTrainer(t *testing.T, opts *config.Options, net Network, lr float64, options ...TrainerOption) *Trainer {
	t.Helper()
	optimizer := NewSGD(net.Parameters(), lr, 0, 0, 0, false)
	options = append([]TrainerOption{WithOutput(io.Discard)}, options...)
	trainer, err := NewTrainer(opts, net, optimizer, nil, options...)
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	return trainer
}

func TestRunEpochNumIters(t *testing.T) {
	opts := testOptions(t)
	opts.NumIters = 10
	net := newBiasNet(opts, -2.19)
	trainer := newTestTrainer(t, opts, net, 0.01)

	batches := syntheticBatches(t, opts, 2, 2)
	src := &sliceSource{}
	for i := 0; i < 100; i++ {
		src.batches = append(src.batches, batches[0])
	}

	res, _, err := trainer.Train(context.Background(), 1, src)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if src.served != 10 {
		t.Errorf("served %d batches, expected 10", src.served)
	}
	if src.recycled != 10 {
		t.Errorf("recycled %d batches, expected 10", src.recycled)
	}
	if got := net.forwards.Load(); got != 10 {
		t.Errorf("ran %d forwards, expected 10", got)
	}
	for _, name := range []string{"loss", "hm_loss", "wh_loss", "off_loss"} {
		if _, ok := res.Stats[name]; !ok {
			t.Errorf("missing stat %s in %v", name, res.Stats)
		}
	}
	if len(res.Stats) != 4 {
		t.Errorf("expected 4 stats, got %v", res.Stats)
	}
	if res.LR != 0.01 {
		t.Errorf("LR = %v, expected 0.01", res.LR)
	}
	if res.TimeMinutes < 0 {
		t.Errorf("negative epoch time %v", res.TimeMinutes)
	}
}

func TestRunEpochStopsAtEOF(t *testing.T) {
	opts := testOptions(t)
	opts.NumIters = 50
	trainer := newTestTrainer(t, opts, newBiasNet(opts, 0), 0.01)
	src := &sliceSource{batches: syntheticBatches(t, opts, 6, 2)}

	if _, _, err := trainer.Val(context.Background(), 1, src); err != nil {
		t.Fatalf("Val failed: %v", err)
	}
	if src.served != 3 {
		t.Errorf("served %d batches, expected 3", src.served)
	}
}

func TestRunEpochWeightsStatsByBatchSize(t *testing.T) {
	opts := testOptions(t)
	opts.MSELoss = true
	opts.WhWeight = 1
	net := newBiasNet(opts, 0)
	trainer := newTestTrainer(t, opts, net, 0.01)

	// 5 samples in batches of 2, 2 and 1
	batches := syntheticBatches(t, opts, 5, 2)
	composer, err := loss.NewComposer(opts)
	if err != nil {
		t.Fatalf("NewComposer failed: %v", err)
	}
	want := map[string]float64{}
	total := 0
	for _, b := range batches {
		out, err := net.Forward(context.Background(), b.SharpInput, config.PhaseVal)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		r, err := composer.Compute(out, b.Targets(), 1, config.PhaseVal)
		if err != nil {
			t.Fatalf("Compute failed: %v", err)
		}
		for _, term := range r.Stats {
			want[term.Name] += term.Value * float64(b.Size())
		}
		total += b.Size()
	}

	res, _, err := trainer.Val(context.Background(), 1, &sliceSource{batches: batches})
	if err != nil {
		t.Fatalf("Val failed: %v", err)
	}
	for name, sum := range want {
		expected := sum / float64(total)
		if math.Abs(res.Stats[name]-expected) > 1e-9 {
			t.Errorf("%s = %v, expected %v", name, res.Stats[name], expected)
		}
	}
	if res.Stats["hm_loss"] <= 0 || res.Stats["wh_loss"] <= 0 {
		t.Errorf("expected positive losses for an untrained net, got %v", res.Stats)
	}
}

func TestTrainEpochLossIsWeightedSum(t *testing.T) {
	opts := testOptions(t)
	opts.MSELoss = true
	opts.HmWeight = 2
	opts.WhWeight = 0.5
	opts.OffWeight = 0.7
	net := newBiasNet(opts, 0.3)
	copy(net.wh.Data.([]float32), []float32{1.5, 2.5})
	copy(net.reg.Data.([]float32), []float32{0.25, 0.75})
	trainer := newTestTrainer(t, opts, net, 0.01)
	b := syntheticBatches(t, opts, 2, 2)[0]

	// every prediction is a per-channel constant, so the terms reduce to
	// sums over the targets
	var hm float64
	for _, g := range b.Hm.Data.([]float32) {
		d := 0.3 - float64(g)
		hm += d * d
	}
	hm /= float64(b.Hm.NumElems)

	masked := func(pred []float32, target *tensor.Tensor) float64 {
		gt := target.Data.([]float32)
		var l, n float64
		for k, m := range b.RegMask.Data.([]float32) {
			if m == 0 {
				continue
			}
			for c := range pred {
				l += math.Abs(float64(pred[c]) - float64(gt[2*k+c]))
				n++
			}
		}
		return l / (n + 1e-4)
	}
	wh := masked([]float32{1.5, 2.5}, b.Wh)
	off := masked([]float32{0.25, 0.75}, b.Reg)
	want := 2*hm + 0.5*wh + 0.7*off

	res, _, err := trainer.Train(context.Background(), 1, &sliceSource{batches: []*Batch{b}})
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if math.Abs(res.Stats["hm_loss"]-hm) > 1e-6 {
		t.Errorf("hm_loss = %v, expected %v", res.Stats["hm_loss"], hm)
	}
	if math.Abs(res.Stats["loss"]-want) > 1e-5 {
		t.Errorf("loss = %v, expected %v", res.Stats["loss"], want)
	}
}

func TestValDoesNotUpdateParameters(t *testing.T) {
	opts := testOptions(t)
	net := newBiasNet(opts, -2.19)
	trainer := newTestTrainer(t, opts, net, 1)
	before := append([]float32(nil), net.hm.Data.([]float32)...)

	if _, _, err := trainer.Val(context.Background(), 1, &sliceSource{batches: syntheticBatches(t, opts, 4, 2)}); err != nil {
		t.Fatalf("Val failed: %v", err)
	}
	for i, v := range net.hm.Data.([]float32) {
		if v != before[i] {
			t.Fatalf("validation changed hm bias %d from %v to %v", i, before[i], v)
		}
	}
	if net.training {
		t.Error("network left in train mode after validation")
	}
}

func TestTrainReducesLoss(t *testing.T) {
	opts := testOptions(t)
	opts.MSELoss = true
	opts.WhWeight = 1
	net := newBiasNet(opts, 0)
	trainer := newTestTrainer(t, opts, net, 0.1)
	src := &sliceSource{batches: syntheticBatches(t, opts, 6, 2)}

	var first, last float64
	for epoch := 1; epoch <= 5; epoch++ {
		res, _, err := trainer.Train(context.Background(), epoch, src)
		if err != nil {
			t.Fatalf("epoch %d failed: %v", epoch, err)
		}
		if epoch == 1 {
			first = res.Stats["loss"]
		}
		last = res.Stats["loss"]
	}
	if !(last < first) {
		t.Errorf("loss did not decrease: first %v, last %v", first, last)
	}
	if !net.training {
		t.Error("network not in train mode after training")
	}
}

func TestDataParallelMatchesSingleModel(t *testing.T) {
	opts := testOptions(t)
	opts.MSELoss = true
	opts.WhWeight = 0
	opts.RegOffset = false

	batches := syntheticBatches(t, opts, 2, 2)

	single := newBiasNet(opts, 0.3)
	st := newTestTrainer(t, opts, single, 0.5)
	sres, _, err := st.Train(context.Background(), 1, &sliceSource{batches: batches})
	if err != nil {
		t.Fatalf("single Train failed: %v", err)
	}

	parallel := newBiasNet(opts, 0.3)
	pt := newTestTrainer(t, opts, parallel, 0.5)
	if err := pt.SetDevice([]int{0, 1}, []int{1, 1}, tensor.CPUDevice); err != nil {
		t.Fatalf("SetDevice failed: %v", err)
	}
	pres, _, err := pt.Train(context.Background(), 1, &sliceSource{batches: batches})
	if err != nil {
		t.Fatalf("parallel Train failed: %v", err)
	}

	if got := parallel.forwards.Load(); got != 2 {
		t.Errorf("replicas ran %d forwards, expected 2", got)
	}
	if math.Abs(sres.Stats["hm_loss"]-pres.Stats["hm_loss"]) > 1e-6 {
		t.Errorf("hm_loss single %v, parallel %v", sres.Stats["hm_loss"], pres.Stats["hm_loss"])
	}
	for i, v := range single.hm.Data.([]float32) {
		if d := math.Abs(float64(v - parallel.hm.Data.([]float32)[i])); d > 1e-6 {
			t.Errorf("hm bias %d: single %v, parallel %v", i, v, parallel.hm.Data.([]float32)[i])
		}
	}
}

func TestSetDeviceRejectsUnreplicableNetwork(t *testing.T) {
	opts := testOptions(t)
	net := struct{ Network }{newBiasNet(opts, 0)}
	trainer := newTestTrainer(t, opts, net, 0.1)
	if err := trainer.SetDevice([]int{0, 1}, []int{1, 1}, tensor.CPUDevice); err == nil {
		t.Error("expected error for a network without Replicate")
	}
}

func TestRunEpochTestModeCollectsResults(t *testing.T) {
	opts := testOptions(t)
	opts.Test = true
	opts.K = 4
	trainer := newTestTrainer(t, opts, newBiasNet(opts, 0), 0.1)

	_, results, err := trainer.Val(context.Background(), 1, &sliceSource{batches: syntheticBatches(t, opts, 3, 2)})
	if err != nil {
		t.Fatalf("Val failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got results for %d images, expected 3", len(results))
	}
	for id, buckets := range results {
		if len(buckets) != opts.NumClasses {
			t.Errorf("image %d has %d class buckets, expected %d", id, len(buckets), opts.NumClasses)
		}
		n := 0
		for c, dets := range buckets {
			if c < 1 || c > opts.NumClasses {
				t.Errorf("image %d has bucket %d", id, c)
			}
			n += len(dets)
		}
		if n != opts.K {
			t.Errorf("image %d has %d detections, expected K=%d", id, n, opts.K)
		}
	}
}

func TestRunEpochReportsProgress(t *testing.T) {
	opts := testOptions(t)
	opts.PrintIter = 1
	var out bytes.Buffer
	trainer := newTestTrainer(t, opts, newBiasNet(opts, 0), 0.1, WithOutput(&out))

	if _, _, err := trainer.Train(context.Background(), 3, &sliceSource{batches: syntheticBatches(t, opts, 4, 2)}); err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	text := out.String()
	for _, want := range []string{
		"ctdet/test| train: [3][0/2]|Tot: 0:00:00 |ETA: 0:00:00 |loss ",
		"ctdet/test| train: [3][1/2]",
		"|hm_loss ",
		"|Data ",
		"|Net ",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("progress output missing %q:\n%s", want, text)
		}
	}
}

func TestRunEpochHonorsContext(t *testing.T) {
	opts := testOptions(t)
	trainer := newTestTrainer(t, opts, newBiasNet(opts, 0), 0.1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := trainer.Train(ctx, 1, &sliceSource{batches: syntheticBatches(t, opts, 2, 2)})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRunEpochRejectsInvalidBatch(t *testing.T) {
	opts := testOptions(t)
	trainer := newTestTrainer(t, opts, newBiasNet(opts, 0), 0.1)
	b := syntheticBatches(t, opts, 2, 2)[0]
	b.Hm = nil

	if _, _, err := trainer.Train(context.Background(), 1, &sliceSource{batches: []*Batch{b}}); err == nil {
		t.Error("expected error for a batch without hm")
	}
}

func TestDebugSavesImages(t *testing.T) {
	opts := testOptions(t)
	opts.Debug = 4
	trainer := newTestTrainer(t, opts, newBiasNet(opts, 0), 0.1)

	if _, _, err := trainer.Val(context.Background(), 1, &sliceSource{batches: syntheticBatches(t, opts, 2, 2)}); err != nil {
		t.Fatalf("Val failed: %v", err)
	}
	for _, id := range []string{"pred_hm", "gt_hm", "out_pred", "out_gt"} {
		if _, err := os.Stat(filepath.Join(opts.DebugDir, "0"+id+".png")); err != nil {
			t.Errorf("missing debug image %s: %v", id, err)
		}
	}
}

func TestTrainerTelemetry(t *testing.T) {
	opts := testOptions(t)
	metrics := telemetry.New(nil)
	trainer := newTestTrainer(t, opts, newBiasNet(opts, 0), 0.1, WithTelemetry(metrics))

	if _, _, err := trainer.Train(context.Background(), 2, &sliceSource{batches: syntheticBatches(t, opts, 6, 2)}); err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	expected := `
# HELP ctdet_iterations_total Batches processed
# TYPE ctdet_iterations_total counter
ctdet_iterations_total{phase="train"} 3
`
	if err := testutil.GatherAndCompare(metrics.Registry(), strings.NewReader(expected), "ctdet_iterations_total"); err != nil {
		t.Error(err)
	}
}

func TestCheckpointManager(t *testing.T) {
	opts := testOptions(t)
	net := newBiasNet(opts, -2.19)
	trainer := newTestTrainer(t, opts, net, 0.1)
	if _, _, err := trainer.Train(context.Background(), 1, &sliceSource{batches: syntheticBatches(t, opts, 4, 2)}); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	cfg := DefaultCheckpointConfig(t.TempDir())
	cfg.MaxCheckpoints = 1
	cm := NewCheckpointManager(trainer, cfg)

	last, err := cm.SaveLast(1)
	if err != nil {
		t.Fatalf("SaveLast failed: %v", err)
	}
	if filepath.Base(last) != "model_last.json" {
		t.Errorf("last checkpoint at %s", last)
	}

	if saved, err := cm.SaveBest(1, 2.5); err != nil || !saved {
		t.Fatalf("first SaveBest = %v, %v", saved, err)
	}
	if saved, err := cm.SaveBest(2, 3.0); err != nil || saved {
		t.Errorf("worse loss SaveBest = %v, %v", saved, err)
	}
	if cm.BestLoss() != 2.5 {
		t.Errorf("BestLoss = %v, expected 2.5", cm.BestLoss())
	}

	first, err := cm.SaveEpoch(1)
	if err != nil {
		t.Fatalf("SaveEpoch failed: %v", err)
	}
	if _, err := cm.SaveEpoch(2); err != nil {
		t.Fatalf("SaveEpoch failed: %v", err)
	}
	if _, err := os.Stat(first); !os.IsNotExist(err) {
		t.Errorf("expected %s to be removed beyond MaxCheckpoints", first)
	}

	fresh := newBiasNet(opts, 0)
	restored := newTestTrainer(t, opts, fresh, 0.1)
	rcm := NewCheckpointManager(restored, cfg)
	epoch, err := rcm.LoadCheckpoint(last)
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if epoch != 1 {
		t.Errorf("restored epoch %d, expected 1", epoch)
	}
	for i, v := range net.hm.Data.([]float32) {
		if fresh.hm.Data.([]float32)[i] != v {
			t.Errorf("hm bias %d restored as %v, expected %v", i, fresh.hm.Data.([]float32)[i], v)
		}
	}
	if restored.steps != trainer.steps {
		t.Errorf("restored %d steps, expected %d", restored.steps, trainer.steps)
	}
}
