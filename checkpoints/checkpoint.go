package checkpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tsawler/go-voxel/layers"
)

// CurrentVersion is written into every new checkpoint.
const CurrentVersion = 1

const framework = "go-voxel"

var (
	// ErrCorrupt marks a checkpoint file that exists but cannot be decoded.
	ErrCorrupt = errors.New("corrupt checkpoint")
	// ErrMissingComponent marks a checkpoint without a required parameter set.
	ErrMissingComponent = errors.New("checkpoint is missing a required component")
	// ErrIncompatible marks a parameter set that does not fit the network.
	ErrIncompatible = errors.New("checkpoint does not match model")
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatProto CheckpointFormat = iota
	FormatJSON
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatProto:
		return "Proto"
	case FormatJSON:
		return "JSON"
	default:
		return "Unknown"
	}
}

// FormatForPath picks JSON for ".json" files and the binary format otherwise.
func FormatForPath(path string) CheckpointFormat {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatProto
}

// Checkpoint is a versioned, partially populated training snapshot.
// Encoder and Generator are required for inference; every other field is
// optional and may be nil.
type Checkpoint struct {
	Version       int             `json:"version"`
	Epoch         *int            `json:"epoch,omitempty"`
	Encoder       []WeightTensor  `json:"encoder"`
	Generator     []WeightTensor  `json:"generator"`
	Discriminator []WeightTensor  `json:"discriminator,omitempty"`
	OptimizerG    *OptimizerState `json:"optimizerG,omitempty"`
	OptimizerD    *OptimizerState `json:"optimizerD,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor is one named tensor of a parameter set.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Kind  string    `json:"kind"` // "parameter" or "buffer"
}

const (
	KindParameter = "parameter"
	KindBuffer    = "buffer"
)

// OptimizerState captures optimizer-specific state (moments, step count).
type OptimizerState struct {
	Type       string             `json:"type"`
	Parameters map[string]float64 `json:"parameters"`
	StateData  []OptimizerTensor  `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (moments, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	RunID       string    `json:"run_id,omitempty"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// IntPtr returns a pointer to v, for populating Checkpoint.Epoch.
func IntPtr(v int) *int { return &v }

// HasEpoch reports whether the checkpoint records a completed epoch.
func (c *Checkpoint) HasEpoch() bool { return c.Epoch != nil }

// RequireInference checks that the components inference depends on are
// present.
func (c *Checkpoint) RequireInference() error {
	if len(c.Encoder) == 0 {
		return fmt.Errorf("%w: encoder", ErrMissingComponent)
	}
	if len(c.Generator) == 0 {
		return fmt.Errorf("%w: generator", ErrMissingComponent)
	}
	return nil
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{format: format}
}

// SaveCheckpoint writes the checkpoint to path. The file is written to a
// temporary sibling first and renamed into place, so readers never see a
// partial file.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Version == 0 {
		checkpoint.Version = CurrentVersion
	}
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = framework
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now().UTC()
	}
	if checkpoint.Metadata.RunID == "" {
		checkpoint.Metadata.RunID = uuid.NewString()
	}

	var data []byte
	var err error
	switch cs.format {
	case FormatProto:
		data = MarshalProto(checkpoint)
	case FormatJSON:
		data, err = json.MarshalIndent(checkpoint, "", "  ")
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format)
	}
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return writeAtomic(path, data)
}

// LoadCheckpoint loads a model checkpoint. A missing file yields an error
// matching os.ErrNotExist; an undecodable one matches ErrCorrupt.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	switch cs.format {
	case FormatProto:
		ck, err := UnmarshalProto(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return ck, nil
	case FormatJSON:
		var ck Checkpoint
		if err := json.Unmarshal(data, &ck); err != nil {
			return nil, fmt.Errorf("%s: %w: %v", path, ErrCorrupt, err)
		}
		return &ck, nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format)
	}
}

// Load reads a checkpoint, choosing the format from the file extension.
func Load(path string) (*Checkpoint, error) {
	return NewCheckpointSaver(FormatForPath(path)).LoadCheckpoint(path)
}

// Save writes a checkpoint, choosing the format from the file extension.
func Save(ck *Checkpoint, path string) error {
	return NewCheckpointSaver(FormatForPath(path)).SaveCheckpoint(ck, path)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}
	return nil
}

// ExtractWeights copies the named tensors of a network into a parameter set.
func ExtractWeights(state []layers.NamedTensor) []WeightTensor {
	weights := make([]WeightTensor, 0, len(state))
	for _, nt := range state {
		kind := KindBuffer
		if nt.Trainable {
			kind = KindParameter
		}
		data := make([]float32, len(nt.Tensor.Data))
		copy(data, nt.Tensor.Data)
		weights = append(weights, WeightTensor{
			Name:  nt.Name,
			Shape: append([]int(nil), nt.Tensor.Shape...),
			Data:  data,
			Kind:  kind,
		})
	}
	return weights
}

// LoadWeights copies a parameter set into a network's tensors. Every tensor
// of the network must be present with the same shape and no unknown names
// may remain.
func LoadWeights(weights []WeightTensor, state []layers.NamedTensor) error {
	byName := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}

	matched := make([]WeightTensor, len(state))
	for i, nt := range state {
		w, ok := byName[nt.Name]
		if !ok {
			return fmt.Errorf("%w: missing tensor %q", ErrIncompatible, nt.Name)
		}
		delete(byName, nt.Name)

		if !sameShape(w.Shape, nt.Tensor.Shape) {
			return fmt.Errorf("%w: shape mismatch for %s: checkpoint %v vs model %v", ErrIncompatible, nt.Name, w.Shape, nt.Tensor.Shape)
		}
		if len(w.Data) != len(nt.Tensor.Data) {
			return fmt.Errorf("%w: data size mismatch for %s: checkpoint %d vs model %d", ErrIncompatible, nt.Name, len(w.Data), len(nt.Tensor.Data))
		}
		matched[i] = w
	}

	if len(byName) > 0 {
		names := make([]string, 0, len(byName))
		for name := range byName {
			names = append(names, name)
		}
		sort.Strings(names)
		return fmt.Errorf("%w: unexpected tensors %s", ErrIncompatible, strings.Join(names, ", "))
	}

	for i, nt := range state {
		copy(nt.Tensor.Data, matched[i].Data)
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
