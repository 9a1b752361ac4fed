package config

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
)

// intList is a comma separated list of ints, e.g. "0,1" or "-1".
type intList struct {
	target *[]int
}

func (l intList) String() string {
	if l.target == nil {
		return ""
	}
	parts := make([]string, len(*l.target))
	for i, v := range *l.target {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func (l intList) Set(s string) error {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return fmt.Errorf("invalid integer %q: %v", part, err)
		}
		out = append(out, v)
	}
	*l.target = out
	return nil
}

// RegisterFlags binds the command line flags to o. Flag defaults are the
// current values of o, so flags parsed after Load override the file.
func (o *Options) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&o.Task, "task", o.Task, "task name")
	fs.StringVar(&o.Dataset, "dataset", o.Dataset, "dataset name (visdrone | uavdt)")
	fs.StringVar(&o.ExpID, "exp_id", o.ExpID, "experiment id, a uuid when empty")
	fs.StringVar(&o.SaveDir, "save_dir", o.SaveDir, "root directory for checkpoints and debug output")

	fs.Float64Var(&o.HmWeight, "hm_weight", o.HmWeight, "loss weight for keypoint heatmaps")
	fs.Float64Var(&o.WhWeight, "wh_weight", o.WhWeight, "loss weight for bounding box size")
	fs.Float64Var(&o.OffWeight, "off_weight", o.OffWeight, "loss weight for keypoint local offsets")
	fs.Float64Var(&o.DeblurWeight, "deblur_weight", o.DeblurWeight, "loss weight for the deblurred image")

	fs.BoolVar(&o.MSELoss, "mse_loss", o.MSELoss, "use mse loss instead of focal loss for the heatmap")
	fs.StringVar(&o.RegLoss, "reg_loss", o.RegLoss, "regression loss: l1 | sl1")
	fs.BoolVar(&o.DenseWh, "dense_wh", o.DenseWh, "apply the size loss on a dense map")
	fs.BoolVar(&o.NormWh, "norm_wh", o.NormWh, "normalize the size loss by the box size")
	fs.BoolVar(&o.CatSpecWh, "cat_spec_wh", o.CatSpecWh, "category specific bounding box size")
	fs.BoolVar(&o.RegOffset, "reg_offset", o.RegOffset, "regress local offsets")

	fs.StringVar(&o.InpSharpOrBlur, "inp_sharp_or_blur", o.InpSharpOrBlur, "network input: sharp | blur | SB_deblur")
	fs.StringVar(&o.DeblurLoss, "deblur_loss", o.DeblurLoss, "deblur loss: mse_ssim | Stripformer")
	fs.IntVar(&o.DeblurTrainEndEpoch, "deblur_train_end_epoch", o.DeblurTrainEndEpoch, "last epoch that trains the deblur branch")
	fs.StringVar(&o.TrainMode, "train_mode", o.TrainMode, "deblur schedule: continuous | interval")

	fs.BoolVar(&o.EvalOracleHm, "eval_oracle_hm", o.EvalOracleHm, "use ground truth center heatmap")
	fs.BoolVar(&o.EvalOracleWh, "eval_oracle_wh", o.EvalOracleWh, "use ground truth bounding box size")
	fs.BoolVar(&o.EvalOracleOffset, "eval_oracle_offset", o.EvalOracleOffset, "use ground truth local offset")

	fs.IntVar(&o.NumStacks, "num_stacks", o.NumStacks, "number of prediction stacks")
	fs.IntVar(&o.NumClasses, "num_classes", o.NumClasses, "number of object classes")
	fs.IntVar(&o.DownRatio, "down_ratio", o.DownRatio, "output stride")
	fs.IntVar(&o.InputH, "input_h", o.InputH, "input height")
	fs.IntVar(&o.InputW, "input_w", o.InputW, "input width")
	fs.IntVar(&o.K, "K", o.K, "max number of output objects")

	fs.IntVar(&o.NumEpochs, "num_epochs", o.NumEpochs, "total training epochs")
	fs.IntVar(&o.BatchSize, "batch_size", o.BatchSize, "batch size")
	fs.IntVar(&o.MasterBatchSize, "master_batch_size", o.MasterBatchSize, "batch size on the master replica, -1 for an even split")
	fs.Float64Var(&o.LR, "lr", o.LR, "learning rate")
	fs.Var(intList{&o.LRStep}, "lr_step", "epochs at which to drop the learning rate")
	fs.StringVar(&o.LRScheduler, "lr_scheduler", o.LRScheduler, "lr schedule: multistep | step | exponential | cosine | plateau | constant")
	fs.IntVar(&o.LRPatience, "lr_patience", o.LRPatience, "validations without improvement before plateau drops the rate")
	fs.StringVar(&o.Optimizer, "optimizer", o.Optimizer, "optimizer: adam | sgd")
	fs.IntVar(&o.NumIters, "num_iters", o.NumIters, "iterations per epoch, -1 for the whole data source")
	fs.IntVar(&o.ValIntervals, "val_intervals", o.ValIntervals, "epochs between validation runs")
	fs.Int64Var(&o.Seed, "seed", o.Seed, "random seed")

	fs.Var(intList{&o.GPUs}, "gpus", "accelerator ids, -1 for cpu")

	fs.IntVar(&o.PrintIter, "print_iter", o.PrintIter, "print every n iterations instead of drawing a bar")
	fs.BoolVar(&o.HideDataTime, "hide_data_time", o.HideDataTime, "hide data loading time in the progress line")
	fs.IntVar(&o.Debug, "debug", o.Debug, "debug level: 0 off, 4 writes images to disk")
	fs.StringVar(&o.DebuggerTheme, "debugger_theme", o.DebuggerTheme, "debug image theme: white | black")
	fs.Float64Var(&o.CenterThresh, "center_thresh", o.CenterThresh, "score threshold for drawn boxes")
	fs.BoolVar(&o.Test, "test", o.Test, "collect decoded detections for evaluation")
	fs.StringVar(&o.SaveFormat, "save_format", o.SaveFormat, "checkpoint format: json | protobuf")
	fs.StringVar(&o.LogLevel, "log_level", o.LogLevel, "log level")
	fs.BoolVar(&o.LogJSON, "log_json", o.LogJSON, "log in json")
	fs.StringVar(&o.MetricsAddr, "metrics_addr", o.MetricsAddr, "serve prometheus metrics on this address")
}
