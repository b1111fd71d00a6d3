package dataloader

import (
	"fmt"
	"math/rand"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tsawler/go-voxel/tensor"
	"github.com/tsawler/go-voxel/vision/dataset"
	"github.com/tsawler/go-voxel/vision/preprocessing"
	"github.com/tsawler/go-voxel/vision/voxels"
)

// Dataset interface defines the contract for datasets
type Dataset interface {
	Len() int
	GetItem(index int) (dataset.Pair, error)
}

// Sample is a decoded pair: CHW image data and a flattened voxel grid.
type Sample struct {
	Key    string
	Image  []float32
	Voxels []float32
}

// Batch holds stacked samples ready for the networks.
type Batch struct {
	Keys   []string
	Images *tensor.Tensor // (B, 3, S, S)
	Voxels *tensor.Tensor // (B, 1, 32, 32, 32)
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return len(b.Keys)
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize    int
	Shuffle      bool
	Seed         int64
	MaxCacheSize int // decoded samples kept in memory; 0 picks a default
	ImageSize    int
	Device       tensor.DeviceType
}

// DataLoader walks a dataset in batches, decoding each pair once and keeping
// recent samples in an LRU cache.
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	indices   []int
	position  int
	rng       *rand.Rand
	device    tensor.DeviceType
	mu        sync.Mutex

	cache     *lru.Cache[string, *Sample]
	cacheSize int
	hits      int64
	misses    int64

	processor *preprocessing.ImageProcessor
	imageSize int
}

// NewDataLoader creates a new data loader
func NewDataLoader(ds Dataset, config Config) (*DataLoader, error) {
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.MaxCacheSize == 0 {
		config.MaxCacheSize = 1000
	}
	if config.ImageSize == 0 {
		config.ImageSize = preprocessing.DefaultSize
	}

	cache, err := lru.New[string, *Sample](config.MaxCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create sample cache: %w", err)
	}

	indices := make([]int, ds.Len())
	for i := range indices {
		indices[i] = i
	}

	dl := &DataLoader{
		dataset:   ds,
		batchSize: config.BatchSize,
		shuffle:   config.Shuffle,
		indices:   indices,
		rng:       rand.New(rand.NewSource(config.Seed)),
		device:    config.Device,
		cache:     cache,
		cacheSize: config.MaxCacheSize,
		processor: preprocessing.NewImageProcessor(config.ImageSize),
		imageSize: config.ImageSize,
	}
	if dl.shuffle {
		dl.shuffleIndices()
	}
	return dl, nil
}

func (dl *DataLoader) shuffleIndices() {
	dl.rng.Shuffle(len(dl.indices), func(i, j int) {
		dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
	})
}

// Reset rewinds to the first batch, reshuffling when enabled.
func (dl *DataLoader) Reset() {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.position = 0
	if dl.shuffle {
		dl.shuffleIndices()
	}
}

// NumBatches is the number of batches in one pass; the last may be short.
func (dl *DataLoader) NumBatches() int {
	return (len(dl.indices) + dl.batchSize - 1) / dl.batchSize
}

// NextBatch loads the next batch. It returns (nil, nil) once the pass is
// exhausted. Any load error aborts the batch.
func (dl *DataLoader) NextBatch() (*Batch, error) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	remaining := len(dl.indices) - dl.position
	if remaining <= 0 {
		return nil, nil
	}
	batchSize := dl.batchSize
	if remaining < batchSize {
		batchSize = remaining
	}

	pixelsPerImage := 3 * dl.imageSize * dl.imageSize
	imageData := make([]float32, batchSize*pixelsPerImage)
	voxelData := make([]float32, batchSize*voxels.Cells)
	keys := make([]string, batchSize)

	for i := 0; i < batchSize; i++ {
		idx := dl.indices[dl.position+i]
		pair, err := dl.dataset.GetItem(idx)
		if err != nil {
			return nil, err
		}
		sample, err := dl.loadWithCache(pair)
		if err != nil {
			return nil, err
		}
		keys[i] = sample.Key
		copy(imageData[i*pixelsPerImage:(i+1)*pixelsPerImage], sample.Image)
		copy(voxelData[i*voxels.Cells:(i+1)*voxels.Cells], sample.Voxels)
	}
	dl.position += batchSize

	images, err := tensor.NewTensor([]int{batchSize, 3, dl.imageSize, dl.imageSize}, dl.device, imageData)
	if err != nil {
		return nil, err
	}
	grids, err := tensor.NewTensor([]int{batchSize, 1, voxels.Size, voxels.Size, voxels.Size}, dl.device, voxelData)
	if err != nil {
		return nil, err
	}
	return &Batch{Keys: keys, Images: images, Voxels: grids}, nil
}

func (dl *DataLoader) loadWithCache(pair dataset.Pair) (*Sample, error) {
	if s, ok := dl.cache.Get(pair.Key); ok {
		dl.hits++
		return s, nil
	}
	dl.misses++

	img, err := dl.processor.LoadFile(pair.ImagePath)
	if err != nil {
		return nil, err
	}
	grid, err := voxels.Load(pair.VoxelPath)
	if err != nil {
		return nil, err
	}

	s := &Sample{Key: pair.Key, Image: img.Data, Voxels: grid.Data}
	dl.cache.Add(pair.Key, s)
	return s, nil
}

// Progress returns the current progress through the dataset
func (dl *DataLoader) Progress() (current, total int) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.position, len(dl.indices)
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}

// Stats returns cache statistics
func (dl *DataLoader) Stats() CacheStats {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	stats := CacheStats{
		Size:    dl.cache.Len(),
		MaxSize: dl.cacheSize,
		Hits:    dl.hits,
		Misses:  dl.misses,
	}
	if total := dl.hits + dl.misses; total > 0 {
		stats.HitRate = float64(dl.hits) / float64(total) * 100
	}
	return stats
}

// ClearCache drops every cached sample; statistics are kept.
func (dl *DataLoader) ClearCache() {
	dl.cache.Purge()
}
