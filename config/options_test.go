package config

import (
	"errors"
	"flag"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/tsawler/go-ctdet/tensor"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default options should validate: %v", err)
	}
}

func TestValidateRejectsUnknownModes(t *testing.T) {
	t.Run("input modality", func(t *testing.T) {
		o := Default()
		o.InpSharpOrBlur = "grey"
		if err := o.Validate(); !errors.Is(err, ErrUnknownInputMode) {
			t.Errorf("expected ErrUnknownInputMode, got %v", err)
		}
	})

	t.Run("deblur loss", func(t *testing.T) {
		o := Default()
		o.InpSharpOrBlur = InputSBDeblur
		o.DeblurLoss = "perceptual"
		if err := o.Validate(); !errors.Is(err, ErrUnknownDeblurLoss) {
			t.Errorf("expected ErrUnknownDeblurLoss, got %v", err)
		}
	})

	t.Run("deblur loss ignored without deblur input", func(t *testing.T) {
		o := Default()
		o.DeblurLoss = "perceptual"
		if err := o.Validate(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("reg loss", func(t *testing.T) {
		o := Default()
		o.RegLoss = "l2"
		if err := o.Validate(); err == nil {
			t.Error("expected error for unknown reg loss")
		}
	})
}

func TestChunkSizes(t *testing.T) {
	tests := []struct {
		batch, master, n int
		expected         []int
	}{
		{32, -1, 1, []int{32}},
		{32, -1, 4, []int{8, 8, 8, 8}},
		{10, 4, 3, []int{4, 3, 3}},
		{11, 2, 4, []int{2, 3, 3, 3}},
		{12, 3, 4, []int{3, 3, 3, 3}},
		{13, 3, 4, []int{3, 4, 3, 3}},
	}

	for _, test := range tests {
		got, err := ChunkSizes(test.batch, test.master, test.n)
		if err != nil {
			t.Errorf("ChunkSizes(%d, %d, %d): %v", test.batch, test.master, test.n, err)
			continue
		}
		if !reflect.DeepEqual(got, test.expected) {
			t.Errorf("ChunkSizes(%d, %d, %d) = %v, expected %v", test.batch, test.master, test.n, got, test.expected)
		}
	}

	if _, err := ChunkSizes(4, 8, 2); err == nil {
		t.Error("expected error when master exceeds batch size")
	}
}

func TestFinalize(t *testing.T) {
	o := Default()
	o.GPUs = []int{1, 2}
	o.BatchSize = 8
	if err := o.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if o.Device != tensor.GPUDevice(1) {
		t.Errorf("Device = %v, expected gpu:1", o.Device)
	}
	if !reflect.DeepEqual(o.ChunkSizes, []int{4, 4}) {
		t.Errorf("ChunkSizes = %v", o.ChunkSizes)
	}
	if o.OutputH != 128 || o.OutputW != 128 {
		t.Errorf("output size = %dx%d, expected 128x128", o.OutputH, o.OutputW)
	}
	if o.ExpID == "" {
		t.Error("ExpID should be generated")
	}
	if filepath.Base(o.DebugDir) != "debug" {
		t.Errorf("DebugDir = %s", o.DebugDir)
	}
}

func TestLoadAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	content := []byte("mse_loss: true\nwh_weight: 1\ninp_sharp_or_blur: SB_deblur\ntrain_mode: interval\ngpus: [0, 1]\n")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	o, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !o.MSELoss || o.WhWeight != 1 || o.InpSharpOrBlur != InputSBDeblur || o.TrainMode != TrainInterval {
		t.Errorf("file values not applied: %+v", o)
	}
	if o.HmWeight != 1 || o.K != 100 {
		t.Errorf("defaults lost: hm_weight=%v K=%d", o.HmWeight, o.K)
	}

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	o.RegisterFlags(fs)
	if err := fs.Parse([]string{"-wh_weight", "0", "-gpus", "-1", "-lr_step", "3,6"}); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	if o.WhWeight != 0 {
		t.Errorf("flag did not override wh_weight: %v", o.WhWeight)
	}
	if !reflect.DeepEqual(o.GPUs, []int{-1}) || !reflect.DeepEqual(o.LRStep, []int{3, 6}) {
		t.Errorf("list flags: gpus=%v lr_step=%v", o.GPUs, o.LRStep)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
