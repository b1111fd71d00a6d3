// Command voxelgen trains the image-to-voxel networks or reconstructs a
// voxel grid from a single image. It prints exactly one JSON line on stdout.
//
//	voxelgen --train [--epochs N]
//	voxelgen photo.png
package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/alexflint/go-arg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tsawler/go-voxel/cli"
	"github.com/tsawler/go-voxel/config"
	"github.com/tsawler/go-voxel/history"
	"github.com/tsawler/go-voxel/logging"
	"github.com/tsawler/go-voxel/training"
)

type args struct {
	Image       string   `arg:"positional" help:"image to reconstruct"`
	Train       bool     `arg:"--train" help:"train instead of reconstructing"`
	Config      string   `arg:"--config,env:VOXEL_CONFIG" help:"YAML configuration file"`
	Epochs      *int     `arg:"--epochs" help:"absolute epoch target (default 10)"`
	BatchSize   *int     `arg:"--batch-size"`
	DataDir     *string  `arg:"--data" help:"dataset root holding images/ and voxels/"`
	WeightsDir  *string  `arg:"--weights-dir" help:"checkpoint directory for training"`
	Weights     *string  `arg:"--weights" help:"checkpoint used for reconstruction"`
	Threshold   *float32 `arg:"--threshold" help:"occupancy threshold"`
	Device      *string  `arg:"--device" help:"compute device (cpu)"`
	NoResume    bool     `arg:"--no-resume" help:"ignore an existing latest checkpoint"`
	PlotPath    *string  `arg:"--plot" help:"write a loss-curve image at the end of training"`
	HistoryPath *string  `arg:"--history" help:"SQLite run ledger"`
	MetricsAddr *string  `arg:"--metrics-addr" help:"serve Prometheus metrics on this address"`
	Progress    bool     `arg:"--progress" help:"draw a progress bar on stderr"`
	LogLevel    *string  `arg:"--log-level"`
}

func (args) Description() string {
	return "Single-image 3D voxel reconstruction: train the networks or reconstruct one image."
}

func main() {
	res := run(os.Args[1:])
	if err := res.Write(os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(res.ExitCode())
}

func run(argv []string) cli.Result {
	var a args
	p, err := arg.NewParser(arg.Config{Program: "voxelgen"}, &a)
	if err != nil {
		return cli.Failure(err)
	}
	if err := p.Parse(argv); err != nil {
		if errors.Is(err, arg.ErrHelp) {
			p.WriteHelp(os.Stderr)
			return cli.Help()
		}
		p.WriteUsage(os.Stderr)
		return cli.Failure(err)
	}

	cfg, err := config.Load(a.Config)
	if err != nil {
		return cli.Failure(err)
	}
	a.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return cli.Failure(err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return cli.Failure(err)
	}
	defer logger.Sync()

	switch {
	case a.Train:
		return train(cfg, a.Progress, logger)
	case a.Image != "":
		return infer(cfg, a.Image, logger)
	default:
		return cli.Failure(errors.New("either --train or an image path is required"))
	}
}

// apply copies explicitly set flags over the loaded configuration.
func (a *args) apply(cfg *config.Config) {
	if a.Epochs != nil {
		cfg.Train.Epochs = *a.Epochs
	}
	if a.BatchSize != nil {
		cfg.Train.BatchSize = *a.BatchSize
	}
	if a.DataDir != nil {
		cfg.Train.DataDir = *a.DataDir
	}
	if a.WeightsDir != nil {
		cfg.Train.WeightsDir = *a.WeightsDir
	}
	if a.Weights != nil {
		cfg.Inference.WeightsPath = *a.Weights
	}
	if a.Threshold != nil {
		cfg.Inference.Threshold = *a.Threshold
	}
	if a.Device != nil {
		cfg.Device = *a.Device
	}
	if a.NoResume {
		cfg.Train.Resume = false
	}
	if a.PlotPath != nil {
		cfg.Train.PlotPath = *a.PlotPath
	}
	if a.HistoryPath != nil {
		cfg.History.Path = *a.HistoryPath
	}
	if a.MetricsAddr != nil {
		cfg.Metrics.Addr = *a.MetricsAddr
	}
	if a.LogLevel != nil {
		cfg.Log.Level = *a.LogLevel
	}
}

func train(cfg *config.Config, progress bool, logger *zap.Logger) cli.Result {
	tc, err := cfg.TrainingConfig()
	if err != nil {
		return cli.Failure(err)
	}

	opts := []training.Option{training.WithLogger(logger)}
	if progress {
		opts = append(opts, training.WithProgress(os.Stderr))
	}

	if cfg.Metrics.Addr != "" {
		m, err := training.NewMetrics(cfg.Metrics.Namespace, prometheus.DefaultRegisterer)
		if err != nil {
			return cli.Failure(err)
		}
		opts = append(opts, training.WithMetrics(m))
		serveMetrics(cfg.Metrics.Addr, logger)
	}

	if cfg.History.Path != "" {
		db, err := history.Open(cfg.History.Path)
		if err != nil {
			return cli.Failure(err)
		}
		defer db.Close()
		opts = append(opts, training.WithRecorder(db))
	}

	tr, err := training.NewTrainer(tc, opts...)
	if err != nil {
		return cli.Failure(err)
	}
	res, err := tr.Train()
	if err != nil {
		logger.Error("training failed", zap.Error(err))
		return cli.Failure(err)
	}
	if last, ok := res.History.Last(); ok {
		logger.Info("training completed",
			zap.String("run_id", res.RunID),
			zap.Int("epochs_run", len(res.History)),
			zap.Float64("loss_d", last.MeanLossD),
			zap.Float64("loss_g", last.MeanLossG))
	}
	return cli.Success(cli.NewTrainingCompleted())
}

func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
}

func infer(cfg *config.Config, image string, logger *zap.Logger) cli.Result {
	ic, err := cfg.InferencerConfig()
	if err != nil {
		return cli.Failure(err)
	}
	inf, err := training.NewInferencer(ic, logger)
	if err != nil {
		return cli.Failure(err)
	}
	res, err := inf.GenerateFromImage(image)
	if err != nil {
		logger.Error("reconstruction failed", zap.String("image", image), zap.Error(err))
		return cli.Failure(err)
	}
	logger.Info("reconstruction complete", zap.String("image", image), zap.Int("voxels", res.Count))
	return cli.Success(cli.NewReconstruction(res))
}
