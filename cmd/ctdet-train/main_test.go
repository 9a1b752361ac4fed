package main

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func tinyArgs(dir string, extra ...string) []string {
	args := []string{
		"-save_dir", dir,
		"-exp_id", "tiny",
		"-input_h", "16", "-input_w", "16",
		"-num_classes", "2",
		"-K", "8",
		"-batch_size", "2",
		"-train_size", "4",
		"-val_size", "2",
		"-head_conv", "4",
		"-log_level", "error",
	}
	return append(args, extra...)
}

func TestConfigPath(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"-lr", "0.1"}, ""},
		{[]string{"-config", "a.yaml"}, "a.yaml"},
		{[]string{"--config=b.yaml", "-lr", "0.1"}, "b.yaml"},
	}
	for _, tt := range tests {
		if got := configPath(tt.args); got != tt.want {
			t.Errorf("configPath(%v) = %q, expected %q", tt.args, got, tt.want)
		}
	}
}

func TestParseArgsFileThenFlags(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "opts.yaml")
	if err := os.WriteFile(cfg, []byte("lr: 0.5\nnum_epochs: 3\n"), 0644); err != nil {
		t.Fatal(err)
	}
	opts, rf, err := parseArgs(tinyArgs(t.TempDir(), "-config", cfg, "-num_epochs", "7"), io.Discard)
	if err != nil {
		t.Fatalf("parseArgs failed: %v", err)
	}
	if opts.LR != 0.5 || opts.NumEpochs != 7 {
		t.Errorf("lr %v epochs %d, expected 0.5 from the file and 7 from the flag", opts.LR, opts.NumEpochs)
	}
	if rf.headConv != 4 || opts.OutputW != 4 {
		t.Errorf("head_conv %d output_w %d", rf.headConv, opts.OutputW)
	}

	if _, _, err := parseArgs([]string{"-inp_sharp_or_blur", "gray"}, io.Discard); err == nil {
		t.Error("expected error for an unknown input modality")
	}
}

func TestRunTrainsAndResumes(t *testing.T) {
	dir := t.TempDir()
	err := run(context.Background(), tinyArgs(dir, "-num_epochs", "2", "-val_intervals", "1", "-lr_step", "2"), io.Discard)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	expDir := filepath.Join(dir, "ctdet", "tiny")
	for _, name := range []string{"model_last.json", "model_best.json", "model_2.json", "plots/training_curves.json", "plots/learning_rate_schedule.json"} {
		if _, err := os.Stat(filepath.Join(expDir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}

	err = run(context.Background(), tinyArgs(dir, "-test", "-resume", filepath.Join(expDir, "model_last.json")), io.Discard)
	if err != nil {
		t.Fatalf("test run failed: %v", err)
	}
}

func TestRunStripformerDeblur(t *testing.T) {
	dir := t.TempDir()
	args := tinyArgs(dir, "-num_epochs", "1", "-val_intervals", "1",
		"-inp_sharp_or_blur", "SB_deblur", "-deblur_loss", "Stripformer")
	if err := run(context.Background(), args, io.Discard); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "ctdet", "tiny", "model_best.json")); err != nil {
		t.Errorf("missing best checkpoint: %v", err)
	}
}

func TestRunPlateauDropsRate(t *testing.T) {
	dir := t.TempDir()
	// a near-zero rate keeps the validation loss flat, so it never improves
	args := tinyArgs(dir, "-num_epochs", "3", "-val_intervals", "1",
		"-optimizer", "sgd", "-lr", "1e-6", "-lr_scheduler", "plateau", "-lr_patience", "1")
	if err := run(context.Background(), args, io.Discard); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "ctdet", "tiny", "plots", "learning_rate_schedule.json"))
	if err != nil {
		t.Fatal(err)
	}
	var plot struct {
		Series []struct {
			Data []struct {
				X int     `json:"x"`
				Y float64 `json:"y"`
			} `json:"data"`
		} `json:"series"`
	}
	if err := json.Unmarshal(data, &plot); err != nil {
		t.Fatalf("bad plot: %v", err)
	}
	if len(plot.Series) != 1 || len(plot.Series[0].Data) != 3 {
		t.Fatalf("unexpected schedule %s", data)
	}
	want := []float64{1e-6, 1e-6, 1e-7}
	for i, p := range plot.Series[0].Data {
		if math.Abs(p.Y-want[i]) > 1e-12 {
			t.Errorf("epoch %d lr %g, expected %g", p.X, p.Y, want[i])
		}
	}
}
