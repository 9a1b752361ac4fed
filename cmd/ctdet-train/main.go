// Command ctdet-train trains the center-point detector on a synthetic
// dataset, validating every val_intervals epochs and keeping the last, best
// and learning-rate-step checkpoints under save_dir/task/exp_id.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/tsawler/go-ctdet/checkpoints"
	"github.com/tsawler/go-ctdet/config"
	"github.com/tsawler/go-ctdet/debugger"
	"github.com/tsawler/go-ctdet/logging"
	"github.com/tsawler/go-ctdet/loss"
	"github.com/tsawler/go-ctdet/models"
	"github.com/tsawler/go-ctdet/telemetry"
	"github.com/tsawler/go-ctdet/training"
)

type runFlags struct {
	configPath string
	trainSize  int
	valSize    int
	headConv   int
	resume     string
	evalIoU    float64
}

// configPath finds -config ahead of the full flag parse so the file can
// seed the defaults the other flags override.
func configPath(args []string) string {
	for i, a := range args {
		name := strings.TrimLeft(a, "-")
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v
		}
	}
	return ""
}

func parseArgs(args []string, errOut io.Writer) (*config.Options, *runFlags, error) {
	rf := &runFlags{configPath: configPath(args)}
	opts := config.Default()
	if rf.configPath != "" {
		var err error
		if opts, err = config.Load(rf.configPath); err != nil {
			return nil, nil, err
		}
	}

	fs := flag.NewFlagSet("ctdet-train", flag.ContinueOnError)
	fs.SetOutput(errOut)
	fs.StringVar(&rf.configPath, "config", rf.configPath, "YAML options file")
	fs.IntVar(&rf.trainSize, "train_size", 256, "synthetic training images")
	fs.IntVar(&rf.valSize, "val_size", 64, "synthetic validation images")
	fs.IntVar(&rf.headConv, "head_conv", 16, "hidden width of the backbone and heads")
	fs.StringVar(&rf.resume, "resume", "", "checkpoint to resume from")
	fs.Float64Var(&rf.evalIoU, "eval_iou", 0.5, "IoU threshold of the test evaluation")
	opts.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if err := opts.Finalize(); err != nil {
		return nil, nil, err
	}
	return opts, rf, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.WithError(err).Fatal("training failed")
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	opts, rf, err := parseArgs(args, os.Stderr)
	if err != nil {
		return err
	}
	if err := logging.Setup(opts.LogLevel, opts.LogJSON, nil); err != nil {
		return err
	}
	runLog := logging.ForRun(opts.Task, opts.ExpID)

	metrics := telemetry.New(prometheus.Labels{"exp_id": opts.ExpID})
	if opts.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, opts.MetricsAddr); err != nil {
				runLog.WithError(err).Error("metrics server")
			}
		}()
	}

	trainSet := training.NewSyntheticDataset(opts, rf.trainSize, opts.Seed)
	valSet := training.NewSyntheticDataset(opts, rf.valSize, opts.Seed+int64(rf.trainSize))
	trainLoader, err := training.NewDataLoader(trainSet, training.DataLoaderConfig{
		BatchSize: opts.BatchSize,
		Shuffle:   true,
		Seed:      opts.Seed,
		DropLast:  true,
	})
	if err != nil {
		return err
	}
	defer trainLoader.Close()
	valLoader, err := training.NewDataLoader(valSet, training.DataLoaderConfig{BatchSize: 1})
	if err != nil {
		return err
	}
	defer valLoader.Close()

	net, err := models.NewCenterNet(opts, rf.headConv, opts.Seed)
	if err != nil {
		return err
	}
	runLog.Debugf("backbone:\n%s", net.Summary())

	optimizer, err := training.NewOptimizer(opts.Optimizer, net.Parameters(), opts.LR)
	if err != nil {
		return err
	}
	sched, err := training.NewLRScheduler(opts.LRScheduler, opts.LRStep, opts.NumEpochs, opts.LRPatience)
	if err != nil {
		return err
	}
	epochSched := training.NewEpochScheduler(sched, optimizer, opts.LR)
	trainer, err := training.NewTrainer(opts, net, optimizer, epochSched,
		training.WithOutput(out),
		training.WithTelemetry(metrics),
		training.WithDebugDisplay(debugger.DefaultDisplay()),
		training.WithComposerOptions(loss.WithFeatureExtractor(net.FeatureExtractor())),
	)
	if err != nil {
		return err
	}
	if err := trainer.SetDevice(opts.GPUs, opts.ChunkSizes, opts.Device); err != nil {
		return err
	}

	format, err := checkpoints.ParseFormat(opts.SaveFormat)
	if err != nil {
		return err
	}
	saveDir := filepath.Join(opts.SaveDir, opts.Task, opts.ExpID)
	ckptCfg := training.DefaultCheckpointConfig(saveDir)
	ckptCfg.Format = format
	ckpt := training.NewCheckpointManager(trainer, ckptCfg)

	startEpoch := 0
	if rf.resume != "" {
		if startEpoch, err = ckpt.LoadCheckpoint(rf.resume); err != nil {
			return err
		}
		runLog.WithFields(log.Fields{"path": rf.resume, "epoch": startEpoch}).Info("resumed")
	}

	vis := training.NewVisualizationCollector(opts.Task + "/" + opts.ExpID)
	if opts.Test {
		return evaluate(ctx, opts, rf, trainer, valSet, valLoader, vis, saveDir, startEpoch)
	}

	for epoch := startEpoch + 1; epoch <= opts.NumEpochs; epoch++ {
		res, _, err := trainer.Train(ctx, epoch, trainLoader)
		if err != nil {
			return err
		}
		vis.RecordEpoch(config.PhaseTrain, epoch, res)

		if opts.ValIntervals > 0 && epoch%opts.ValIntervals == 0 {
			val, _, err := trainer.Val(ctx, epoch, valLoader)
			if err != nil {
				return err
			}
			vis.RecordEpoch(config.PhaseVal, epoch, val)
			epochSched.Observe(val.Stats["loss"])
			if _, err := ckpt.SaveBest(epoch, val.Stats["loss"]); err != nil {
				return err
			}
		}
		if _, err := ckpt.SaveLast(epoch); err != nil {
			return err
		}
		if slices.Contains(opts.LRStep, epoch) {
			if _, err := ckpt.SaveEpoch(epoch); err != nil {
				return err
			}
		}
	}

	plots, err := vis.WritePlots(filepath.Join(saveDir, "plots"))
	if err != nil {
		return err
	}
	runLog.WithFields(log.Fields{"best_loss": ckpt.BestLoss(), "plots": len(plots)}).Info("training finished")
	return nil
}

// evaluate runs one validation pass collecting detections and scores them
// against the dataset's ground truth.
func evaluate(ctx context.Context, opts *config.Options, rf *runFlags, trainer *training.Trainer, ds training.Dataset,
	source training.DataSource, vis *training.VisualizationCollector, saveDir string, epoch int) error {
	res, results, err := trainer.Val(ctx, epoch, source)
	if err != nil {
		return err
	}
	vis.RecordEpoch(config.PhaseVal, epoch, res)

	gt, err := training.GroundTruth(ds, opts.OutputW, opts.OutputH, opts.NumClasses)
	if err != nil {
		return err
	}
	eval := training.NewDetectionEvaluator(opts.NumClasses, rf.evalIoU, float32(opts.CenterThresh))
	if err := eval.Update(results, gt); err != nil {
		return err
	}

	names, _ := debugger.NamesFor(opts.Dataset)
	for c := 1; c <= opts.NumClasses; c++ {
		name := fmt.Sprintf("cls%d", c-1)
		if names != nil {
			name = names.Name(c - 1)
		}
		vis.RecordPRCurve(c, name, eval.PRCurve(c))
	}

	fields := log.Fields{"images": eval.Images()}
	for k, v := range eval.Summary() {
		fields[k] = v
	}
	logging.ForRun(opts.Task, opts.ExpID).WithFields(fields).Info("evaluation")

	_, err = vis.WritePlots(filepath.Join(saveDir, "plots"))
	return err
}
