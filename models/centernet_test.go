package models

import (
	"context"
	"io"
	"math"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tsawler/go-ctdet/config"
	"github.com/tsawler/go-ctdet/loss"
	"github.com/tsawler/go-ctdet/tensor"
	"github.com/tsawler/go-ctdet/training"
)

func smallOptions(t *testing.T) *config.Options {
	t.Helper()
	opts := config.Default()
	opts.InputH, opts.InputW = 16, 16
	opts.DownRatio = 4
	opts.NumClasses = 2
	opts.K = 8
	opts.BatchSize = 2
	opts.Mean = []float32{0.5}
	opts.Std = []float32{0.25}
	opts.ExpID = "models"
	opts.SaveDir = t.TempDir()
	if err := opts.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	return opts
}

func randomInput(batch int, opts *config.Options) *tensor.Tensor {
	rng := rand.New(rand.NewSource(3))
	data := make([]float32, batch*opts.InputH*opts.InputW)
	for i := range data {
		data[i] = rng.Float32()
	}
	return tensor.FromFloat32([]int{batch, 1, opts.InputH, opts.InputW}, data)
}

func sameShape(a []int, b ...int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCenterNetForwardShapes(t *testing.T) {
	opts := smallOptions(t)
	opts.NumStacks = 2
	opts.CatSpecWh = true
	net, err := NewCenterNet(opts, 4, 1)
	if err != nil {
		t.Fatalf("NewCenterNet failed: %v", err)
	}

	out, err := net.Forward(context.Background(), randomInput(2, opts), config.PhaseTrain)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if len(out.Stacks) != 2 {
		t.Fatalf("got %d stacks, expected 2", len(out.Stacks))
	}
	last := out.Last()
	if !sameShape(last.Hm.Shape, 2, 2, 4, 4) {
		t.Errorf("hm shape %v", last.Hm.Shape)
	}
	if !sameShape(last.Wh.Shape, 2, 4, 4, 4) {
		t.Errorf("category specific wh shape %v", last.Wh.Shape)
	}
	if last.Reg == nil || !sameShape(last.Reg.Shape, 2, 2, 4, 4) {
		t.Errorf("reg head missing or misshaped")
	}
	if out.Deblurred != nil {
		t.Error("sharp input network produced a deblurred image")
	}

	if !strings.Contains(net.Summary(), "backbone.down") {
		t.Errorf("summary missing the downsampling layer:\n%s", net.Summary())
	}
}

func TestCenterNetRejectsGeometry(t *testing.T) {
	opts := smallOptions(t)
	opts.InputW = 18
	if _, err := NewCenterNet(opts, 4, 1); err == nil {
		t.Error("expected error for an input not divisible by the down ratio")
	}
}

func TestCenterNetWithoutOffsetHead(t *testing.T) {
	opts := smallOptions(t)
	opts.RegOffset = false
	net, err := NewCenterNet(opts, 4, 1)
	if err != nil {
		t.Fatalf("NewCenterNet failed: %v", err)
	}
	out, err := net.Forward(context.Background(), randomInput(1, opts), config.PhaseVal)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if out.Last().Reg != nil {
		t.Error("reg head built without reg_offset")
	}
	for _, name := range net.ParameterNames() {
		if strings.Contains(name, ".reg.") {
			t.Errorf("unexpected parameter %s", name)
		}
	}
}

func TestCenterNetDeblurBranch(t *testing.T) {
	opts := smallOptions(t)
	opts.InpSharpOrBlur = config.InputSBDeblur
	net, err := NewCenterNet(opts, 4, 1)
	if err != nil {
		t.Fatalf("NewCenterNet failed: %v", err)
	}
	img := randomInput(2, opts)

	out, err := net.Forward(context.Background(), img, config.PhaseTrain)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if out.Deblurred == nil || !sameShape(out.Deblurred.Shape, img.Shape...) {
		t.Fatalf("train forward deblurred image %v", out.Deblurred)
	}

	val, err := net.Forward(context.Background(), img, config.PhaseVal)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if val.Deblurred != nil {
		t.Error("val forward should skip the restoration branch")
	}
	grad := &loss.Grad{Deblurred: out.Deblurred}
	if err := net.Backward(grad); err == nil {
		t.Error("expected error for a deblur gradient after a val forward")
	}
}

func TestCenterNetBackwardBeforeForward(t *testing.T) {
	net, err := NewCenterNet(smallOptions(t), 4, 1)
	if err != nil {
		t.Fatalf("NewCenterNet failed: %v", err)
	}
	if err := net.Backward(&loss.Grad{}); err == nil {
		t.Error("expected error for backward before forward")
	}
}

func TestCenterNetParameters(t *testing.T) {
	opts := smallOptions(t)
	net, err := NewCenterNet(opts, 4, 1)
	if err != nil {
		t.Fatalf("NewCenterNet failed: %v", err)
	}
	params, names := net.Parameters(), net.ParameterNames()
	if len(params) != len(names) {
		t.Fatalf("%d parameters but %d names", len(params), len(names))
	}
	if names[0] != "backbone.conv1.weight" {
		t.Errorf("first parameter %s", names[0])
	}
	// hm.out.bias starts at the prior giving a score of about 0.1
	for i, name := range names {
		if name == "stack0.hm.out.bias" {
			if b := params[i].Data.([]float32)[0]; b != hmBiasInit {
				t.Errorf("hm bias %v, expected %v", b, float32(hmBiasInit))
			}
		}
	}

	replica, err := net.Replicate()
	if err != nil {
		t.Fatalf("Replicate failed: %v", err)
	}
	for i, p := range replica.Parameters() {
		if p != params[i] {
			t.Fatalf("replica parameter %s is a copy", names[i])
		}
	}

	if err := net.ToDevice(tensor.GPUDevice(0)); err != nil {
		t.Fatalf("ToDevice failed: %v", err)
	}
	if params[0].Device != tensor.GPUDevice(0) || params[0].Grad().Device != tensor.GPUDevice(0) {
		t.Error("parameters not retagged in place")
	}
	if err := net.ToDevice(tensor.Device{Kind: 99}); err == nil {
		t.Error("expected error for an invalid device")
	}

	net.Eval()
	if net.Training() {
		t.Error("Eval did not leave train mode")
	}
}

func newTrainer(t *testing.T, opts *config.Options, net *CenterNet, lr float64) *training.Trainer {
	t.Helper()
	opt, err := training.NewOptimizer("adam", net.Parameters(), lr)
	if err != nil {
		t.Fatalf("NewOptimizer failed: %v", err)
	}
	tr, err := training.NewTrainer(opts, net, opt, nil, training.WithOutput(io.Discard))
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	return tr
}

func newLoader(t *testing.T, opts *config.Options, size int) *training.DataLoader {
	t.Helper()
	dl, err := training.NewDataLoader(training.NewSyntheticDataset(opts, size, 21), training.DataLoaderConfig{BatchSize: opts.BatchSize})
	if err != nil {
		t.Fatalf("NewDataLoader failed: %v", err)
	}
	t.Cleanup(dl.Close)
	return dl
}

func TestCenterNetTrainsOnSyntheticData(t *testing.T) {
	opts := smallOptions(t)
	net, err := NewCenterNet(opts, 4, 7)
	if err != nil {
		t.Fatalf("NewCenterNet failed: %v", err)
	}
	tr := newTrainer(t, opts, net, 5e-3)
	data := newLoader(t, opts, 8)
	ctx := context.Background()

	before, _, err := tr.Val(ctx, 0, data)
	if err != nil {
		t.Fatalf("Val failed: %v", err)
	}
	for epoch := 1; epoch <= 6; epoch++ {
		res, _, err := tr.Train(ctx, epoch, data)
		if err != nil {
			t.Fatalf("Train epoch %d failed: %v", epoch, err)
		}
		for name, v := range res.Stats {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				t.Fatalf("epoch %d: %s = %v", epoch, name, v)
			}
		}
	}
	after, _, err := tr.Val(ctx, 7, data)
	if err != nil {
		t.Fatalf("Val failed: %v", err)
	}
	if after.Stats["loss"] >= before.Stats["loss"] {
		t.Errorf("loss did not decrease: %v -> %v", before.Stats["loss"], after.Stats["loss"])
	}
}

func TestCenterNetJointDeblurEpoch(t *testing.T) {
	opts := smallOptions(t)
	opts.InpSharpOrBlur = config.InputSBDeblur
	net, err := NewCenterNet(opts, 4, 7)
	if err != nil {
		t.Fatalf("NewCenterNet failed: %v", err)
	}
	tr := newTrainer(t, opts, net, 1e-3)
	data := newLoader(t, opts, 4)

	res, _, err := tr.Train(context.Background(), 1, data)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if d, ok := res.Stats[loss.StatDeblur]; !ok || d <= 0 {
		t.Errorf("deblur_loss = %v (present %v)", d, ok)
	}

	val, _, err := tr.Val(context.Background(), 1, data)
	if err != nil {
		t.Fatalf("Val failed: %v", err)
	}
	if val.Stats[loss.StatDeblur] != 0 {
		t.Errorf("val deblur_loss = %v, expected 0", val.Stats[loss.StatDeblur])
	}
}

func TestCenterNetCheckpointRoundTrip(t *testing.T) {
	opts := smallOptions(t)
	net, err := NewCenterNet(opts, 4, 7)
	if err != nil {
		t.Fatalf("NewCenterNet failed: %v", err)
	}
	tr := newTrainer(t, opts, net, 1e-3)
	if _, _, err := tr.Train(context.Background(), 1, newLoader(t, opts, 4)); err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	cm := training.NewCheckpointManager(tr, training.DefaultCheckpointConfig(filepath.Join(opts.SaveDir, "ckpt")))
	path, err := cm.SaveLast(1)
	if err != nil {
		t.Fatalf("SaveLast failed: %v", err)
	}

	fresh, err := NewCenterNet(opts, 4, 99)
	if err != nil {
		t.Fatalf("NewCenterNet failed: %v", err)
	}
	restored := newTrainer(t, opts, fresh, 1e-3)
	epoch, err := training.NewCheckpointManager(restored, training.DefaultCheckpointConfig(t.TempDir())).LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if epoch != 1 {
		t.Errorf("restored epoch %d", epoch)
	}
	for i, p := range fresh.Parameters() {
		want := net.Parameters()[i].Data.([]float32)
		got := p.Data.([]float32)
		for j := range want {
			if got[j] != want[j] {
				t.Fatalf("parameter %s differs at %d", fresh.ParameterNames()[i], j)
			}
		}
	}
}

func TestBackboneFeatures(t *testing.T) {
	opts := smallOptions(t)
	net, err := NewCenterNet(opts, 4, 7)
	if err != nil {
		t.Fatalf("NewCenterNet failed: %v", err)
	}
	fe := net.FeatureExtractor()

	// the copy is taken on first use
	bias := net.Parameters()[1].Data.([]float32)
	bias[0] += 1
	img := randomInput(2, opts)
	feats, err := fe.Features(img)
	if err != nil {
		t.Fatalf("Features failed: %v", err)
	}
	if len(feats) != 2 {
		t.Fatalf("got %d feature layers, expected one per activation", len(feats))
	}
	if !sameShape(feats[0].Shape, 2, 4, 16, 16) || !sameShape(feats[1].Shape, 2, 4, 4, 4) {
		t.Errorf("feature shapes %v %v", feats[0].Shape, feats[1].Shape)
	}

	bias[0] += 1
	again, _ := fe.Features(img)
	for i, v := range feats[0].Data.([]float32) {
		if again[0].Data.([]float32)[i] != v {
			t.Fatal("features follow the live network after freezing")
		}
	}

	ones := make([]*tensor.Tensor, len(feats))
	for i, f := range feats {
		data := make([]float32, f.NumElems)
		for j := range data {
			data[j] = 1
		}
		ones[i] = tensor.FromFloat32(f.Shape, data)
	}
	g, err := fe.Backward(img, ones)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if !sameShape(g.Shape, img.Shape...) {
		t.Errorf("image gradient shape %v", g.Shape)
	}
	for _, p := range net.Parameters() {
		for _, v := range p.Grad().Data.([]float32) {
			if v != 0 {
				t.Fatal("extractor backward reached the detector gradients")
			}
		}
	}
	if _, err := fe.Backward(img, ones[:1]); err == nil {
		t.Error("expected error for missing feature gradients")
	}
}

func TestCenterNetStripformerEpoch(t *testing.T) {
	opts := smallOptions(t)
	opts.InpSharpOrBlur = config.InputSBDeblur
	opts.DeblurLoss = config.DeblurStripformer
	net, err := NewCenterNet(opts, 4, 7)
	if err != nil {
		t.Fatalf("NewCenterNet failed: %v", err)
	}
	opt, err := training.NewOptimizer("adam", net.Parameters(), 1e-3)
	if err != nil {
		t.Fatalf("NewOptimizer failed: %v", err)
	}
	tr, err := training.NewTrainer(opts, net, opt, nil, training.WithOutput(io.Discard),
		training.WithComposerOptions(loss.WithFeatureExtractor(net.FeatureExtractor())))
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	res, _, err := tr.Train(context.Background(), 1, newLoader(t, opts, 4))
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if d := res.Stats[loss.StatDeblur]; d <= 0 || math.IsNaN(d) {
		t.Errorf("deblur_loss = %v", d)
	}
}
