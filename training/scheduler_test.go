package training

import (
	"math"
	"testing"

	"github.com/tsawler/go-ctdet/tensor"
)

func TestLRSchedulers(t *testing.T) {
	type point struct {
		epoch int
		lr    float64
	}
	tests := []struct {
		name   string
		sched  LRScheduler
		base   float64
		points []point
	}{
		{"step", NewStepLRScheduler(2, 0.1), 0.1, []point{{0, 0.1}, {1, 0.1}, {2, 0.01}, {4, 0.001}}},
		{"exponential", NewExponentialLRScheduler(0.9), 0.1, []point{{0, 0.1}, {1, 0.09}, {3, 0.0729}}},
		{"cosine", NewCosineAnnealingLRScheduler(5, 0.0001), 0.01, []point{{0, 0.01}, {2, 0.006580}, {5, 0.0001}, {10, 0.0001}}},
		{"multistep", NewMultiStepLRScheduler([]int{90, 120}, 0.1), 1.25e-4, []point{{0, 1.25e-4}, {89, 1.25e-4}, {90, 1.25e-5}, {120, 1.25e-6}}},
		{"constant", &NoOpScheduler{}, 0.3, []point{{0, 0.3}, {50, 0.3}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, p := range tt.points {
				if lr := tt.sched.GetLR(p.epoch, 0, tt.base); math.Abs(lr-p.lr) > 1e-6*math.Max(1, p.lr) {
					t.Errorf("epoch %d: expected LR %g, got %g", p.epoch, p.lr, lr)
				}
			}
		})
	}
}

func TestReduceLROnPlateauScheduler(t *testing.T) {
	scheduler := NewReduceLROnPlateauScheduler(0.5, 2, 0.01, "min")

	steps := []struct {
		metric float64
		want   float64
	}{
		{1.0, 0.1},  // initial
		{0.98, 0.1}, // improvement
		{0.99, 0.1}, // first bad epoch
		{0.99, 0.05},
	}
	lr := 0.1
	for i, s := range steps {
		lr = scheduler.Step(s.metric, lr)
		if lr != s.want {
			t.Errorf("step %d: expected LR %g, got %g", i, s.want, lr)
		}
	}
}

func TestNewLRScheduler(t *testing.T) {
	names := map[string]string{
		"multistep":   "MultiStepLR",
		"step":        "StepLR",
		"exponential": "ExponentialLR",
		"cosine":      "CosineAnnealingLR",
		"plateau":     "ReduceLROnPlateau",
		"constant":    "ConstantLR",
	}
	for kind, want := range names {
		s, err := NewLRScheduler(kind, []int{10}, 20, 3)
		if err != nil {
			t.Fatalf("NewLRScheduler(%q) failed: %v", kind, err)
		}
		if s.GetName() != want {
			t.Errorf("NewLRScheduler(%q) = %s, expected %s", kind, s.GetName(), want)
		}
	}
	if _, err := NewLRScheduler("warmup", nil, 1, 0); err == nil {
		t.Error("expected error for unknown scheduler")
	}
}

func TestEpochScheduler(t *testing.T) {
	p := tensor.FromFloat32([]int{1}, []float32{0})
	opt := NewSGD([]*tensor.Tensor{p}, 1, 0, 0, 0, false)
	sched := NewEpochScheduler(NewMultiStepLRScheduler([]int{2}, 0.1), opt, 1)

	sched.Step(1)
	sched.Step(2)
	if sched.GetLR() != 1 {
		t.Errorf("epoch 2 LR = %g, expected 1", sched.GetLR())
	}
	sched.Step(3)
	if math.Abs(sched.GetLR()-0.1) > 1e-12 {
		t.Errorf("epoch 3 LR = %g, expected 0.1", sched.GetLR())
	}

	plateau := NewEpochScheduler(NewReduceLROnPlateauScheduler(0.5, 1, 0, "min"), opt, 1)
	plateau.Step(1)
	plateau.Observe(1)
	plateau.Observe(2)
	if opt.GetLR() != 0.5 {
		t.Errorf("plateau LR = %g, expected 0.5", opt.GetLR())
	}
}
