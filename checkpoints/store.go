package checkpoints

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

const (
	// LatestName is the file overwritten at the end of every epoch.
	LatestName = "latest.pth"
	epochFmt   = "checkpoint_epoch_%d.pth"
)

var epochPattern = regexp.MustCompile(`^checkpoint_epoch_(\d+)\.pth$`)

// ErrExists is returned when writing a numbered checkpoint that is already on
// disk. Numbered checkpoints are immutable.
var ErrExists = errors.New("checkpoint already exists")

// Store manages the checkpoint directory layout.
type Store struct {
	dir   string
	saver *CheckpointSaver
}

// NewStore returns a store rooted at dir. The directory is created lazily on
// the first write.
func NewStore(dir string) *Store {
	return &Store{dir: dir, saver: NewCheckpointSaver(FormatProto)}
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) LatestPath() string { return filepath.Join(s.dir, LatestName) }

// EpochPath is the numbered checkpoint path for a 1-based epoch count.
func (s *Store) EpochPath(epoch int) string {
	return filepath.Join(s.dir, fmt.Sprintf(epochFmt, epoch))
}

// HasLatest reports whether a latest checkpoint exists.
func (s *Store) HasLatest() bool {
	_, err := os.Stat(s.LatestPath())
	return err == nil
}

func (s *Store) SaveLatest(ck *Checkpoint) error {
	return s.saver.SaveCheckpoint(ck, s.LatestPath())
}

// SaveEpoch writes checkpoint_epoch_<epoch>.pth. It refuses to overwrite an
// existing numbered checkpoint.
func (s *Store) SaveEpoch(ck *Checkpoint, epoch int) error {
	path := s.EpochPath(epoch)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s: %w", path, ErrExists)
	}
	return s.saver.SaveCheckpoint(ck, path)
}

func (s *Store) LoadLatest() (*Checkpoint, error) {
	return s.saver.LoadCheckpoint(s.LatestPath())
}

// EpochFile is a numbered checkpoint found on disk.
type EpochFile struct {
	Path  string
	Epoch int
	Size  int64
}

// List returns the numbered checkpoints in the directory ordered by epoch.
// Files whose names do not follow the numbered pattern are ignored.
func (s *Store) List() ([]EpochFile, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoint directory: %w", err)
	}

	var files []EpochFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		epoch, ok := ParseEpochName(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", e.Name(), err)
		}
		files = append(files, EpochFile{
			Path:  filepath.Join(s.dir, e.Name()),
			Epoch: epoch,
			Size:  info.Size(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Epoch < files[j].Epoch })
	return files, nil
}

// ParseEpochName extracts N from "checkpoint_epoch_N.pth".
func ParseEpochName(name string) (int, bool) {
	m := epochPattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}
