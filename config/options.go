// Package config holds the run-wide options for a detection/deblur training
// run. Options are built once at startup and treated as read-only after
// Finalize.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v2"

	"github.com/tsawler/go-ctdet/tensor"
)

// Input modalities fed to the network.
const (
	InputSharp    = "sharp"
	InputBlur     = "blur"
	InputSBDeblur = "SB_deblur"
)

// Deblur loss kinds.
const (
	DeblurMSESSIM     = "mse_ssim"
	DeblurStripformer = "Stripformer"
)

// Deblur schedule modes.
const (
	TrainContinuous = "continuous"
	TrainInterval   = "interval"
)

// Phase is the epoch phase.
type Phase string

const (
	PhaseTrain Phase = "train"
	PhaseVal   Phase = "val"
)

var (
	// ErrUnknownInputMode is returned for an unrecognized InpSharpOrBlur.
	ErrUnknownInputMode = errors.New("unknown input modality")
	// ErrUnknownDeblurLoss is returned for an unrecognized DeblurLoss.
	ErrUnknownDeblurLoss = errors.New("deblur loss not exists")
)

// Options is the full set of run settings. YAML keys follow the command
// line flag names.
type Options struct {
	Task    string `yaml:"task"`
	Dataset string `yaml:"dataset"`
	ExpID   string `yaml:"exp_id"`
	SaveDir string `yaml:"save_dir"`

	// loss weights
	HmWeight     float64 `yaml:"hm_weight"`
	WhWeight     float64 `yaml:"wh_weight"`
	OffWeight    float64 `yaml:"off_weight"`
	DeblurWeight float64 `yaml:"deblur_weight"`

	// loss term selection
	MSELoss   bool   `yaml:"mse_loss"`
	RegLoss   string `yaml:"reg_loss"`
	DenseWh   bool   `yaml:"dense_wh"`
	NormWh    bool   `yaml:"norm_wh"`
	CatSpecWh bool   `yaml:"cat_spec_wh"`
	RegOffset bool   `yaml:"reg_offset"`

	InpSharpOrBlur      string `yaml:"inp_sharp_or_blur"`
	DeblurLoss          string `yaml:"deblur_loss"`
	DeblurTrainEndEpoch int    `yaml:"deblur_train_end_epoch"`
	TrainMode           string `yaml:"train_mode"`

	EvalOracleHm     bool `yaml:"eval_oracle_hm"`
	EvalOracleWh     bool `yaml:"eval_oracle_wh"`
	EvalOracleOffset bool `yaml:"eval_oracle_offset"`

	// model geometry
	NumStacks  int `yaml:"num_stacks"`
	NumClasses int `yaml:"num_classes"`
	DownRatio  int `yaml:"down_ratio"`
	InputH     int `yaml:"input_h"`
	InputW     int `yaml:"input_w"`
	OutputH    int `yaml:"-"`
	OutputW    int `yaml:"-"`
	K          int `yaml:"K"`

	Mean []float32 `yaml:"mean"`
	Std  []float32 `yaml:"std"`

	// schedule
	NumEpochs       int     `yaml:"num_epochs"`
	BatchSize       int     `yaml:"batch_size"`
	MasterBatchSize int     `yaml:"master_batch_size"`
	LR              float64 `yaml:"lr"`
	LRStep          []int   `yaml:"lr_step"`
	LRScheduler     string  `yaml:"lr_scheduler"`
	LRPatience      int     `yaml:"lr_patience"`
	Optimizer       string  `yaml:"optimizer"`
	NumIters        int     `yaml:"num_iters"`
	ValIntervals    int     `yaml:"val_intervals"`
	Seed            int64   `yaml:"seed"`

	// devices
	GPUs       []int         `yaml:"gpus"`
	ChunkSizes []int         `yaml:"-"`
	Device     tensor.Device `yaml:"-"`

	// reporting and debugging
	PrintIter     int     `yaml:"print_iter"`
	HideDataTime  bool    `yaml:"hide_data_time"`
	Debug         int     `yaml:"debug"`
	DebuggerTheme string  `yaml:"debugger_theme"`
	DebugDir      string  `yaml:"-"`
	CenterThresh  float64 `yaml:"center_thresh"`
	Test          bool    `yaml:"test"`
	SaveFormat    string  `yaml:"save_format"`
	LogLevel      string  `yaml:"log_level"`
	LogJSON       bool    `yaml:"log_json"`
	MetricsAddr   string  `yaml:"metrics_addr"`
}

// Default returns the options of a plain ctdet run on the CPU.
func Default() *Options {
	return &Options{
		Task:    "ctdet",
		Dataset: "visdrone",
		SaveDir: "exp",

		HmWeight:     1,
		WhWeight:     0.1,
		OffWeight:    1,
		DeblurWeight: 1,

		RegLoss:   "l1",
		RegOffset: true,

		InpSharpOrBlur:      InputSharp,
		DeblurLoss:          DeblurMSESSIM,
		DeblurTrainEndEpoch: 70,
		TrainMode:           TrainContinuous,

		NumStacks:  1,
		NumClasses: 10,
		DownRatio:  4,
		InputH:     512,
		InputW:     512,
		K:          100,

		Mean: []float32{0.408, 0.447, 0.470},
		Std:  []float32{0.289, 0.274, 0.278},

		NumEpochs:       140,
		BatchSize:       32,
		MasterBatchSize: -1,
		LR:              1.25e-4,
		LRStep:          []int{90, 120},
		LRScheduler:     "multistep",
		LRPatience:      10,
		Optimizer:       "adam",
		NumIters:        -1,
		ValIntervals:    5,

		GPUs: []int{-1},

		DebuggerTheme: "white",
		CenterThresh:  0.1,
		SaveFormat:    "json",
		LogLevel:      "info",
	}
}

// Load reads a YAML file over Default. Keys missing from the file keep their
// default values.
func Load(path string) (*Options, error) {
	opts := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %v", path, err)
	}
	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("unmarshal config file %s: %v", path, err)
	}
	return opts, nil
}

// Validate rejects settings that would make the loss or the input
// selection ambiguous.
func (o *Options) Validate() error {
	switch o.InpSharpOrBlur {
	case InputSharp, InputBlur, InputSBDeblur:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownInputMode, o.InpSharpOrBlur)
	}
	if o.InpSharpOrBlur == InputSBDeblur {
		switch o.DeblurLoss {
		case DeblurMSESSIM, DeblurStripformer:
		default:
			return fmt.Errorf("%w: %q", ErrUnknownDeblurLoss, o.DeblurLoss)
		}
		if o.TrainMode != TrainContinuous && o.TrainMode != TrainInterval {
			return fmt.Errorf("unknown train mode %q", o.TrainMode)
		}
	}
	if o.RegLoss != "l1" && o.RegLoss != "sl1" {
		return fmt.Errorf("unknown reg loss %q", o.RegLoss)
	}
	if o.NumStacks < 1 {
		return fmt.Errorf("num_stacks must be at least 1, got %d", o.NumStacks)
	}
	if o.DownRatio < 1 {
		return fmt.Errorf("down_ratio must be at least 1, got %d", o.DownRatio)
	}
	if o.K < 1 {
		return fmt.Errorf("K must be at least 1, got %d", o.K)
	}
	if o.DebuggerTheme != "white" && o.DebuggerTheme != "black" {
		return fmt.Errorf("unknown debugger theme %q", o.DebuggerTheme)
	}
	if o.SaveFormat != "json" && o.SaveFormat != "protobuf" {
		return fmt.Errorf("unknown save format %q", o.SaveFormat)
	}
	if len(o.Mean) != len(o.Std) {
		return fmt.Errorf("mean and std must have the same length, got %d and %d", len(o.Mean), len(o.Std))
	}
	if len(o.GPUs) == 0 {
		return fmt.Errorf("gpus must list at least one entry (use -1 for cpu)")
	}
	return nil
}

// Finalize validates the options and fills the derived fields: device,
// per-replica chunk sizes, output resolution, debug directory and a fresh
// experiment id when none was given.
func (o *Options) Finalize() error {
	if err := o.Validate(); err != nil {
		return err
	}

	if o.ExpID == "" {
		o.ExpID = uuid.NewString()
	}

	if o.GPUs[0] >= 0 {
		o.Device = tensor.GPUDevice(o.GPUs[0])
	} else {
		o.Device = tensor.CPUDevice
		o.GPUs = []int{-1}
	}

	chunks, err := ChunkSizes(o.BatchSize, o.MasterBatchSize, len(o.GPUs))
	if err != nil {
		return err
	}
	o.ChunkSizes = chunks

	o.OutputH = o.InputH / o.DownRatio
	o.OutputW = o.InputW / o.DownRatio
	o.DebugDir = filepath.Join(o.SaveDir, o.Task, o.ExpID, "debug")
	return nil
}

// ChunkSizes splits batchSize over n replicas. The first replica takes
// master samples (batchSize/n when master is -1) and the rest are spread
// evenly, earlier replicas taking the remainder.
func ChunkSizes(batchSize, master, n int) ([]int, error) {
	if n < 1 {
		return nil, fmt.Errorf("need at least one replica, got %d", n)
	}
	if master == -1 {
		master = batchSize / n
	}
	if master < 0 || master > batchSize {
		return nil, fmt.Errorf("master batch size %d out of range for batch size %d", master, batchSize)
	}
	if n == 1 {
		return []int{batchSize}, nil
	}

	chunks := []int{master}
	rest := batchSize - master
	for i := 0; i < n-1; i++ {
		size := rest / (n - 1)
		if i < rest%(n-1) {
			size++
		}
		chunks = append(chunks, size)
	}
	return chunks, nil
}

// DeblurEnabled reports whether the joint deblur modality is active.
func (o *Options) DeblurEnabled() bool {
	return o.InpSharpOrBlur == InputSBDeblur
}
