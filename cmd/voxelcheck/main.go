// Command voxelcheck inspects checkpoints and the network wiring.
//
//	voxelcheck verify weights/*.pth
//	voxelcheck sanity
//	voxelcheck export weights/latest.pth latest.json
package main

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"slices"

	"github.com/alexflint/go-arg"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/tsawler/go-voxel/checkpoints"
	"github.com/tsawler/go-voxel/cli"
	"github.com/tsawler/go-voxel/config"
	"github.com/tsawler/go-voxel/logging"
	"github.com/tsawler/go-voxel/models"
	"github.com/tsawler/go-voxel/tensor"
	"github.com/tsawler/go-voxel/training"
)

type verifyCmd struct {
	Paths []string `arg:"positional,required" help:"checkpoint files"`
}

type sanityCmd struct {
	Seed int64 `arg:"--seed" default:"42"`
}

type exportCmd struct {
	In  string `arg:"positional,required" help:"checkpoint to read"`
	Out string `arg:"positional,required" help:"destination; .json selects JSON"`
}

type args struct {
	Verify   *verifyCmd `arg:"subcommand:verify" help:"decode each checkpoint and report its state"`
	Sanity   *sanityCmd `arg:"subcommand:sanity" help:"run untrained networks end to end and check shapes"`
	Export   *exportCmd `arg:"subcommand:export" help:"re-encode a checkpoint"`
	LogLevel string     `arg:"--log-level" default:"info"`
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
	p, err := arg.NewParser(arg.Config{Program: "voxelcheck"}, &a)
	if err != nil {
		return cli.Failure(err)
	}
	if err := p.Parse(argv); err != nil {
		if errors.Is(err, arg.ErrHelp) {
			p.WriteHelp(os.Stderr)
			return cli.Help()
		}
		return cli.Failure(err)
	}

	logger, err := logging.New(config.LogConfig{Level: a.LogLevel, Format: "console"})
	if err != nil {
		return cli.Failure(err)
	}
	defer logger.Sync()

	switch {
	case a.Verify != nil:
		return verify(a.Verify.Paths, logger)
	case a.Sanity != nil:
		return sanity(a.Sanity.Seed, logger)
	case a.Export != nil:
		return export(a.Export.In, a.Export.Out, logger)
	default:
		return cli.Failure(errors.New("a subcommand is required: verify, sanity or export"))
	}
}

// File states reported by verify.
const (
	stateOK      = "ok"
	stateCorrupt = "corrupt"
	stateMissing = "missing"
	statePartial = "partial"
)

type fileReport struct {
	Path  string `json:"path"`
	State string `json:"state"`
	Epoch *int   `json:"epoch,omitempty"`
	Size  string `json:"size,omitempty"`
	Error string `json:"error,omitempty"`
}

type verifyReport struct {
	Status string       `json:"status"`
	Files  []fileReport `json:"files"`
}

func verify(paths []string, logger *zap.Logger) cli.Result {
	report := verifyReport{Status: "success"}
	failed := 0
	for _, path := range paths {
		fr := inspect(path)
		if fr.State != stateOK {
			failed++
			logger.Warn("checkpoint failed verification", zap.String("path", path), zap.String("state", fr.State), zap.String("error", fr.Error))
		} else {
			logger.Info("checkpoint ok", zap.String("path", path), zap.String("size", fr.Size))
		}
		report.Files = append(report.Files, fr)
	}
	if failed > 0 {
		return cli.Failure(fmt.Errorf("%d of %d checkpoints failed verification: %w", failed, len(paths), checkpoints.ErrCorrupt))
	}
	return cli.Success(report)
}

func inspect(path string) fileReport {
	fr := fileReport{Path: path}
	info, err := os.Stat(path)
	if err != nil {
		fr.State, fr.Error = stateMissing, err.Error()
		return fr
	}
	fr.Size = humanize.Bytes(uint64(info.Size()))

	ck, err := checkpoints.Load(path)
	if err != nil {
		fr.State, fr.Error = stateCorrupt, err.Error()
		return fr
	}
	fr.Epoch = ck.Epoch
	if err := ck.RequireInference(); err != nil {
		fr.State, fr.Error = statePartial, err.Error()
		return fr
	}
	fr.State = stateOK
	return fr
}

type networkReport struct {
	Name       string `json:"name"`
	Parameters int64  `json:"parameters"`
}

type sanityReport struct {
	Status     string          `json:"status"`
	FieldShape []int           `json:"field_shape"`
	ScoreShape []int           `json:"score_shape"`
	Networks   []networkReport `json:"networks"`
}

func sanity(seed int64, logger *zap.Logger) cli.Result {
	cfg := training.DefaultInferencerConfig()
	cfg.WeightsPath = ""
	cfg.Seed = seed
	inf, err := training.NewInferencer(cfg, logger)
	if err != nil {
		return cli.Failure(err)
	}

	rng := rand.New(rand.NewSource(seed))
	image, err := tensor.RandomUniform(models.ImageShape(1), 0, 1, rng, tensor.CPU)
	if err != nil {
		return cli.Failure(err)
	}
	field, err := inf.Predict(image)
	if err != nil {
		return cli.Failure(err)
	}
	if !slices.Equal(field.Shape, models.VoxelShape(1)) {
		return cli.Failure(fmt.Errorf("generator produced %v, want %v: %w", field.Shape, models.VoxelShape(1), tensor.ErrShape))
	}

	disc, err := models.NewVoxelDiscriminator(tensor.CPU, rng)
	if err != nil {
		return cli.Failure(err)
	}
	disc.Eval()
	score, err := disc.Score(field)
	if err != nil {
		return cli.Failure(err)
	}
	if !slices.Equal(score.Shape, []int{1, 1}) {
		return cli.Failure(fmt.Errorf("discriminator produced %v, want [1 1]: %w", score.Shape, tensor.ErrShape))
	}

	report := sanityReport{Status: "success", FieldShape: field.Shape, ScoreShape: score.Shape}
	for _, spec := range []struct {
		name string
		n    int64
	}{
		{"encoder", inf.Engine().Encoder().Spec().TotalParameters},
		{"generator", inf.Engine().Generator().Spec().TotalParameters},
		{"discriminator", disc.Spec().TotalParameters},
	} {
		report.Networks = append(report.Networks, networkReport{Name: spec.name, Parameters: spec.n})
		logger.Info("network", zap.String("name", spec.name), zap.String("parameters", humanize.Comma(spec.n)))
	}
	return cli.Success(report)
}

type exportReport struct {
	Status string `json:"status"`
	Path   string `json:"path"`
	Format string `json:"format"`
	Size   string `json:"size"`
}

func export(in, out string, logger *zap.Logger) cli.Result {
	ck, err := checkpoints.Load(in)
	if err != nil {
		return cli.Failure(err)
	}
	if err := checkpoints.Save(ck, out); err != nil {
		return cli.Failure(err)
	}
	info, err := os.Stat(out)
	if err != nil {
		return cli.Failure(err)
	}
	format := checkpoints.FormatForPath(out).String()
	logger.Info("exported checkpoint", zap.String("from", in), zap.String("to", out), zap.String("format", format))
	return cli.Success(exportReport{
		Status: "success",
		Path:   out,
		Format: format,
		Size:   humanize.Bytes(uint64(info.Size())),
	})
}
