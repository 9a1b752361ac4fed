package loss

import (
	"errors"
	"math"
	"math/rand"
	"reflect"
	"testing"

	"github.com/tsawler/go-ctdet/config"
	"github.com/tsawler/go-ctdet/tensor"
)

// fixture builds a single-image, two-class 4x4 batch with two objects and
// a matching random network output.
func fixture(rng *rand.Rand) (*Output, *Targets) {
	hm := tensor.FromFloat32([]int{1, 2, 4, 4}, make([]float32, 32))
	hd := hm.Data.([]float32)
	hd[5] = 1     // class 0 at (1, 1)
	hd[16+10] = 1 // class 1 at (2, 2)
	hd[6] = 0.6
	hd[16+11] = 0.4

	gt := &Targets{
		SharpInput: randTensor(rng, []int{1, 1, 6, 6}, 0.5, 1),
		BlurInput:  randTensor(rng, []int{1, 1, 6, 6}, 0.2, 0.6),
		Hm:         hm,
		Wh:         tensor.FromFloat32([]int{1, 2, 2}, []float32{3, 4, 2, 2}),
		Reg:        tensor.FromFloat32([]int{1, 2, 2}, []float32{0.25, 0.5, 0.75, 0.1}),
		Ind:        tensor.FromInt32([]int{1, 2}, []int32{5, 10}),
		RegMask:    tensor.FromFloat32([]int{1, 2}, []float32{1, 1}),
	}
	out := &Output{
		Stacks: []HeadOutput{{
			Hm:  randTensor(rng, []int{1, 2, 4, 4}, -2, 2),
			Wh:  randTensor(rng, []int{1, 2, 4, 4}, 0, 1),
			Reg: randTensor(rng, []int{1, 2, 4, 4}, -1, 0),
		}},
		Deblurred: randTensor(rng, []int{1, 1, 6, 6}, 0, 0.4),
	}
	return out, gt
}

func newComposer(t *testing.T, o *config.Options) *Composer {
	t.Helper()
	c, err := NewComposer(o)
	if err != nil {
		t.Fatalf("NewComposer failed: %v", err)
	}
	return c
}

func TestStatNames(t *testing.T) {
	o := config.Default()
	if got := StatNames(o); !reflect.DeepEqual(got, []string{"loss", "hm_loss", "wh_loss", "off_loss"}) {
		t.Errorf("StatNames = %v", got)
	}
	o.InpSharpOrBlur = config.InputSBDeblur
	if got := StatNames(o); len(got) != 5 || got[4] != "deblur_loss" {
		t.Errorf("StatNames with deblur = %v", got)
	}
}

func TestNewComposerUnknownDeblurLoss(t *testing.T) {
	o := config.Default()
	o.InpSharpOrBlur = config.InputSBDeblur
	o.DeblurLoss = "perceptual"
	if _, err := NewComposer(o); !errors.Is(err, ErrUnknownDeblurLoss) {
		t.Errorf("expected ErrUnknownDeblurLoss, got %v", err)
	}
}

func TestWhWeightZeroIgnoresSize(t *testing.T) {
	o := config.Default()
	o.WhWeight = 0
	c := newComposer(t, o)

	rng := rand.New(rand.NewSource(10))
	out, gt := fixture(rng)
	r1, err := c.Compute(out, gt, 1, config.PhaseTrain)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	wd := out.Stacks[0].Wh.Data.([]float32)
	for i := range wd {
		wd[i] += 50
	}
	r2, err := c.Compute(out, gt, 1, config.PhaseTrain)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	if r1.Loss != r2.Loss {
		t.Errorf("loss changed with wh_weight=0: %v vs %v", r1.Loss, r2.Loss)
	}
	if r2.Stats.Included(StatWh) {
		t.Error("wh_loss should not be marked included")
	}
	if r2.Grad.Stacks[0].Wh != nil {
		t.Error("wh should receive no gradient")
	}
}

func TestDeblurIntervalGating(t *testing.T) {
	o := config.Default()
	o.InpSharpOrBlur = config.InputSBDeblur
	o.TrainMode = config.TrainInterval
	o.DeblurTrainEndEpoch = 4
	c := newComposer(t, o)

	rng := rand.New(rand.NewSource(11))
	out, gt := fixture(rng)

	t.Run("odd epoch excluded", func(t *testing.T) {
		r, err := c.Compute(out, gt, 3, config.PhaseTrain)
		if err != nil {
			t.Fatalf("Compute failed: %v", err)
		}
		v, ok := r.Stats.Get(StatDeblur)
		if !ok {
			t.Fatal("deblur_loss missing from stats")
		}
		if v != 0 {
			t.Errorf("inactive deblur_loss = %v, expected 0", v)
		}
		if r.Stats.Included(StatDeblur) {
			t.Error("deblur_loss should not be included at epoch 3")
		}
		if r.Grad.Deblurred != nil {
			t.Error("deblurred image should receive no gradient at epoch 3")
		}
		hm, _ := r.Stats.Get(StatHm)
		wh, _ := r.Stats.Get(StatWh)
		off, _ := r.Stats.Get(StatOff)
		expected := o.HmWeight*hm + o.WhWeight*wh + o.OffWeight*off
		if math.Abs(r.Loss-expected) > 1e-9 {
			t.Errorf("loss = %v, expected %v", r.Loss, expected)
		}
	})

	t.Run("even epoch included", func(t *testing.T) {
		r, err := c.Compute(out, gt, 4, config.PhaseTrain)
		if err != nil {
			t.Fatalf("Compute failed: %v", err)
		}
		v, _ := r.Stats.Get(StatDeblur)
		if v <= 0 {
			t.Errorf("active deblur_loss = %v, expected positive", v)
		}
		if !r.Stats.Included(StatDeblur) {
			t.Error("deblur_loss should be included at epoch 4")
		}
		hm, _ := r.Stats.Get(StatHm)
		wh, _ := r.Stats.Get(StatWh)
		off, _ := r.Stats.Get(StatOff)
		expected := o.HmWeight*hm + o.WhWeight*wh + o.OffWeight*off + o.DeblurWeight*v
		if math.Abs(r.Loss-expected) > 1e-9 {
			t.Errorf("loss = %v, expected %v", r.Loss, expected)
		}
		if r.Grad.Deblurred == nil {
			t.Error("deblurred image should receive a gradient at epoch 4")
		}
	})

	t.Run("past end epoch and val phase", func(t *testing.T) {
		if c.DeblurActive(6, config.PhaseTrain) {
			t.Error("deblur should stop after deblur_train_end_epoch")
		}
		if c.DeblurActive(2, config.PhaseVal) {
			t.Error("deblur should never train in val")
		}
		noDeblur := &Output{Stacks: out.Stacks}
		r, err := c.Compute(noDeblur, gt, 2, config.PhaseVal)
		if err != nil {
			t.Fatalf("val Compute without deblurred image failed: %v", err)
		}
		if _, ok := r.Stats.Get(StatDeblur); !ok {
			t.Error("deblur_loss missing from val stats")
		}
	})

	t.Run("continuous", func(t *testing.T) {
		o2 := *o
		o2.TrainMode = config.TrainContinuous
		c2 := newComposer(t, &o2)
		if !c2.DeblurActive(3, config.PhaseTrain) {
			t.Error("continuous mode should train at odd epochs")
		}
	})
}

func TestComposeMSEValue(t *testing.T) {
	o := config.Default()
	o.MSELoss = true
	o.WhWeight = 1
	o.OffWeight = 1
	c := newComposer(t, o)

	rng := rand.New(rand.NewSource(12))
	out, gt := fixture(rng)
	r, err := c.Compute(out, gt, 1, config.PhaseTrain)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	mse, _ := NewMSELoss().Forward(out.Stacks[0].Hm, gt.Hm)
	wh, _ := RegL1Loss{}.Forward(out.Stacks[0].Wh, gt.RegMask, gt.Ind, gt.Wh)
	off, _ := RegL1Loss{}.Forward(out.Stacks[0].Reg, gt.RegMask, gt.Ind, gt.Reg)
	expected := mse + wh + off
	if math.Abs(r.Loss-expected) > 1e-9 {
		t.Errorf("loss = %v, expected %v", r.Loss, expected)
	}
	if len(r.Stats) != 4 {
		t.Errorf("expected 4 stats without deblur, got %v", r.Stats)
	}
}

func TestComposeGradient(t *testing.T) {
	o := config.Default()
	o.WhWeight = 0.5
	o.RegLoss = "sl1"
	o.NumStacks = 2
	c := newComposer(t, o)

	rng := rand.New(rand.NewSource(13))
	out, gt := fixture(rng)
	out.Stacks = append(out.Stacks, HeadOutput{
		Hm:  randTensor(rng, []int{1, 2, 4, 4}, -2, 2),
		Wh:  randTensor(rng, []int{1, 2, 4, 4}, 0, 1),
		Reg: randTensor(rng, []int{1, 2, 4, 4}, -1, 0),
	})

	r, err := c.Compute(out, gt, 1, config.PhaseTrain)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	lossOf := func() float64 {
		r, err := c.Compute(out, gt, 1, config.PhaseTrain)
		if err != nil {
			t.Fatalf("Compute failed: %v", err)
		}
		return r.Loss
	}

	for s := range out.Stacks {
		assertGradClose(t, "hm", r.Grad.Stacks[s].Hm, numericGrad(t, out.Stacks[s].Hm, lossOf), 1e-3)
		assertGradClose(t, "wh", r.Grad.Stacks[s].Wh, numericGrad(t, out.Stacks[s].Wh, lossOf), 1e-3)
		assertGradClose(t, "reg", r.Grad.Stacks[s].Reg, numericGrad(t, out.Stacks[s].Reg, lossOf), 1e-3)
	}
}

func TestOracleOverrides(t *testing.T) {
	o := config.Default()
	o.EvalOracleHm = true
	o.EvalOracleWh = true
	o.EvalOracleOffset = true
	c := newComposer(t, o)

	rng := rand.New(rand.NewSource(14))
	out, gt := fixture(rng)
	r, err := c.Compute(out, gt, 1, config.PhaseTrain)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	for _, name := range []string{StatWh, StatOff} {
		if v, _ := r.Stats.Get(name); v > 1e-6 {
			t.Errorf("%s with oracle = %v, expected 0", name, v)
		}
	}
	g := r.Grad.Stacks[0]
	if g.Hm != nil || g.Wh != nil || g.Reg != nil {
		t.Error("oracle outputs should not receive gradients")
	}
}

func TestComposeMissingStacks(t *testing.T) {
	o := config.Default()
	o.NumStacks = 2
	c := newComposer(t, o)
	out, gt := fixture(rand.New(rand.NewSource(15)))
	if _, err := c.Compute(out, gt, 1, config.PhaseTrain); err == nil {
		t.Error("expected error for too few stacks")
	}
}
