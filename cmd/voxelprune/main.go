// Command voxelprune thins out numbered checkpoints. It keeps epoch 1,
// every --every-th epoch and the --keep-last highest epochs, and never
// touches latest.pth.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/alexflint/go-arg"
	"go.uber.org/zap"

	"github.com/tsawler/go-voxel/checkpoints"
	"github.com/tsawler/go-voxel/cli"
	"github.com/tsawler/go-voxel/config"
	"github.com/tsawler/go-voxel/logging"
)

type args struct {
	Dir         string `arg:"positional" default:"weights" help:"checkpoint directory"`
	KeepLast    int    `arg:"--keep-last" default:"5" help:"number of highest epochs to keep"`
	Every       int    `arg:"--every" default:"100" help:"keep epochs divisible by this; 0 disables"`
	Window      int    `arg:"--window" default:"0" help:"keep epochs within this many of the highest; 0 disables"`
	NoKeepFirst bool   `arg:"--no-keep-first" help:"allow epoch 1 to be removed"`
	DryRun      bool   `arg:"-n,--dry-run" help:"report without deleting"`
	LogLevel    string `arg:"--log-level" default:"info"`
}

// summary is the JSON payload of a cleanup.
type summary struct {
	Status     string `json:"status"`
	DryRun     bool   `json:"dry_run"`
	Kept       []int  `json:"kept"`
	Removed    []int  `json:"removed"`
	BytesFreed int64  `json:"bytes_freed"`
	Message    string `json:"message"`
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
	p, err := arg.NewParser(arg.Config{Program: "voxelprune"}, &a)
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
	if a.KeepLast < 0 || a.Every < 0 || a.Window < 0 {
		return cli.Failure(fmt.Errorf("--keep-last, --every and --window must not be negative"))
	}

	logger, err := logging.New(config.LogConfig{Level: a.LogLevel, Format: "console"})
	if err != nil {
		return cli.Failure(err)
	}
	defer logger.Sync()

	policy := checkpoints.RetentionPolicy{KeepFirst: !a.NoKeepFirst, Every: a.Every, Tail: a.KeepLast, Window: a.Window}
	report, err := policy.Apply(checkpoints.NewStore(a.Dir), a.DryRun)
	if err != nil {
		return cli.Failure(err)
	}

	out := summary{
		Status:     "success",
		DryRun:     report.DryRun,
		Kept:       epochs(report.Kept),
		Removed:    epochs(report.Removed),
		BytesFreed: report.BytesFreed,
		Message:    report.String(),
	}
	for _, f := range report.Removed {
		logger.Debug("pruned checkpoint", zap.String("path", f.Path), zap.Bool("dry_run", a.DryRun))
	}
	logger.Info(report.String(), zap.String("dir", a.Dir))
	return cli.Success(out)
}

func epochs(files []checkpoints.EpochFile) []int {
	out := make([]int, 0, len(files))
	for _, f := range files {
		out = append(out, f.Epoch)
	}
	return out
}
