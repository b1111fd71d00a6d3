package dataset

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrPairing reports an image collection and a voxel collection that do not
// map one-to-one.
var ErrPairing = errors.New("image and voxel files do not pair up")

// Default directory names and extensions under a dataset root.
const (
	ImagesDir = "images"
	VoxelsDir = "voxels"
	VoxelExt  = ".npy"
)

// DefaultImageExtensions are the image suffixes picked up by NewPairedDataset.
var DefaultImageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".webp"}

// Pair is one training sample on disk.
type Pair struct {
	Key       string // shared file stem
	ImagePath string
	VoxelPath string
}

// PairedDataset holds image/voxel file pairs sorted by key.
type PairedDataset struct {
	root  string
	pairs []Pair
}

// NewPairedDataset scans root/images and root/voxels and pairs files by
// stem. Any count difference, unmatched stem or duplicate stem is an
// ErrPairing.
func NewPairedDataset(root string, extensions []string) (*PairedDataset, error) {
	if len(extensions) == 0 {
		extensions = DefaultImageExtensions
	}

	images, err := scanStems(filepath.Join(root, ImagesDir), extensions)
	if err != nil {
		return nil, err
	}
	voxelFiles, err := scanStems(filepath.Join(root, VoxelsDir), []string{VoxelExt})
	if err != nil {
		return nil, err
	}

	pairs, err := pairByKey(images, voxelFiles)
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("no samples found in %s", root)
	}
	return &PairedDataset{root: root, pairs: pairs}, nil
}

// FromPairs builds a dataset from an explicit list, verifying unique keys.
func FromPairs(pairs []Pair) (*PairedDataset, error) {
	seen := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		if seen[p.Key] {
			return nil, fmt.Errorf("duplicate key %q: %w", p.Key, ErrPairing)
		}
		seen[p.Key] = true
	}
	out := append([]Pair(nil), pairs...)
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return &PairedDataset{pairs: out}, nil
}

type stemFile struct {
	stem string
	path string
}

func scanStems(dir string, extensions []string) ([]stemFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	allowed := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		allowed[strings.ToLower(ext)] = true
	}

	var out []stemFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := filepath.Ext(name)
		if !allowed[strings.ToLower(ext)] {
			continue
		}
		out = append(out, stemFile{
			stem: strings.TrimSuffix(name, ext),
			path: filepath.Join(dir, name),
		})
	}
	return out, nil
}

func pairByKey(images, voxelFiles []stemFile) ([]Pair, error) {
	if len(images) != len(voxelFiles) {
		return nil, fmt.Errorf("%d images but %d voxel files: %w", len(images), len(voxelFiles), ErrPairing)
	}

	byStem := make(map[string]string, len(voxelFiles))
	for _, v := range voxelFiles {
		if _, dup := byStem[v.stem]; dup {
			return nil, fmt.Errorf("duplicate voxel key %q: %w", v.stem, ErrPairing)
		}
		byStem[v.stem] = v.path
	}

	pairs := make([]Pair, 0, len(images))
	used := make(map[string]bool, len(images))
	for _, img := range images {
		if used[img.stem] {
			return nil, fmt.Errorf("duplicate image key %q: %w", img.stem, ErrPairing)
		}
		vp, ok := byStem[img.stem]
		if !ok {
			return nil, fmt.Errorf("image %q has no voxel file: %w", img.stem, ErrPairing)
		}
		used[img.stem] = true
		pairs = append(pairs, Pair{Key: img.stem, ImagePath: img.path, VoxelPath: vp})
	}

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key < pairs[j].Key })
	return pairs, nil
}

// Len returns the number of items in the dataset
func (d *PairedDataset) Len() int {
	return len(d.pairs)
}

// GetItem returns the pair at the given index
func (d *PairedDataset) GetItem(index int) (Pair, error) {
	if index < 0 || index >= len(d.pairs) {
		return Pair{}, fmt.Errorf("index %d out of range [0, %d)", index, len(d.pairs))
	}
	return d.pairs[index], nil
}

// Keys lists the sample keys in order.
func (d *PairedDataset) Keys() []string {
	keys := make([]string, len(d.pairs))
	for i, p := range d.pairs {
		keys[i] = p.Key
	}
	return keys
}

// Split splits the dataset into train and validation sets
func (d *PairedDataset) Split(trainRatio float64, rng *rand.Rand) (*PairedDataset, *PairedDataset) {
	n := len(d.pairs)
	trainSize := int(float64(n) * trainRatio)

	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	if rng != nil {
		rng.Shuffle(n, func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
	}

	return d.Subset(indices[:trainSize]), d.Subset(indices[trainSize:])
}

// Subset creates a subset of the dataset with the specified indices
func (d *PairedDataset) Subset(indices []int) *PairedDataset {
	subset := &PairedDataset{
		root:  d.root,
		pairs: make([]Pair, len(indices)),
	}
	for i, idx := range indices {
		subset.pairs[i] = d.pairs[idx]
	}
	return subset
}

// String returns a string representation of the dataset
func (d *PairedDataset) String() string {
	return fmt.Sprintf("PairedDataset: %d samples in %s", len(d.pairs), d.root)
}
