package checkpoints

import (
	"fmt"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
)

// RetentionPolicy decides which numbered checkpoints survive a cleanup.
// latest.pth is never considered.
type RetentionPolicy struct {
	KeepFirst bool // keep epoch 1
	Every     int  // keep multiples of Every; 0 disables
	Tail      int  // keep the Tail highest epochs
	Window    int  // keep epochs within Window of the highest; 0 disables
}

// DefaultRetentionPolicy keeps epoch 1, every 100th epoch and the last five.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{KeepFirst: true, Every: 100, Tail: 5}
}

// Plan splits files into the ones to keep and the ones to remove. Input
// order does not matter; both outputs are ordered by epoch.
func (p RetentionPolicy) Plan(files []EpochFile) (keep, remove []EpochFile) {
	sorted := append([]EpochFile(nil), files...)
	sortByEpoch(sorted)

	tailStart := len(sorted) - p.Tail
	windowStart := 0
	if len(sorted) > 0 {
		windowStart = sorted[len(sorted)-1].Epoch - p.Window
	}
	for i, f := range sorted {
		switch {
		case p.KeepFirst && f.Epoch == 1,
			p.Every > 0 && f.Epoch%p.Every == 0,
			p.Tail > 0 && i >= tailStart,
			p.Window > 0 && f.Epoch >= windowStart:
			keep = append(keep, f)
		default:
			remove = append(remove, f)
		}
	}
	return keep, remove
}

// Report summarises a cleanup.
type Report struct {
	Kept       []EpochFile
	Removed    []EpochFile
	BytesFreed int64
	DryRun     bool
}

func (r Report) String() string {
	verb := "removed"
	if r.DryRun {
		verb = "would remove"
	}
	return fmt.Sprintf("kept %d checkpoints, %s %d (%s)",
		len(r.Kept), verb, len(r.Removed), humanize.Bytes(uint64(r.BytesFreed)))
}

// Apply lists the store, plans with p and deletes the files to remove
// unless dryRun is set.
func (p RetentionPolicy) Apply(s *Store, dryRun bool) (Report, error) {
	files, err := s.List()
	if err != nil {
		return Report{}, err
	}
	keep, remove := p.Plan(files)
	report := Report{Kept: keep, DryRun: dryRun}

	for _, f := range remove {
		if !dryRun {
			if err := os.Remove(f.Path); err != nil {
				return report, fmt.Errorf("failed to remove %s: %w", f.Path, err)
			}
		}
		report.Removed = append(report.Removed, f)
		report.BytesFreed += f.Size
	}
	return report, nil
}

func sortByEpoch(files []EpochFile) {
	sort.Slice(files, func(i, j int) bool { return files[i].Epoch < files[j].Epoch })
}
