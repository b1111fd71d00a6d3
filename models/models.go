// Package models defines the three networks of the voxel GAN behind
// role interfaces so engines can be handed any implementation.
package models

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-voxel/layers"
	"github.com/tsawler/go-voxel/tensor"
)

const (
	ImageChannels = 3
	ImageSize     = 256
	LatentDim     = 256
	VoxelSize     = 32

	leakySlope  = 0.2
	bnEps       = 1e-5
	bnMomentum  = 0.1
	seedChannel = 256 // channels of the generator's 2³ seed volume
)

// ImageShape is the shape of a batch of b preprocessed images.
func ImageShape(b int) []int { return []int{b, ImageChannels, ImageSize, ImageSize} }

// VoxelShape is the shape of a batch of b voxel grids.
func VoxelShape(b int) []int { return []int{b, 1, VoxelSize, VoxelSize, VoxelSize} }

// Network is the capability shared by all three roles.
type Network interface {
	layers.Module
	State() []layers.NamedTensor
	Spec() *layers.ModelSpec
}

// Encoder maps (B,3,256,256) images to (B,256) latent vectors.
type Encoder interface {
	Network
	Encode(images *tensor.Tensor) (*tensor.Tensor, error)
}

// Generator maps (B,256) latent vectors to (B,1,32,32,32) occupancy
// probabilities in [0,1].
type Generator interface {
	Network
	Generate(latent *tensor.Tensor) (*tensor.Tensor, error)
}

// Discriminator maps (B,1,32,32,32) grids to (B,1) realness scores in [0,1].
type Discriminator interface {
	Network
	Score(voxels *tensor.Tensor) (*tensor.Tensor, error)
}

type network struct {
	*layers.Sequential
}

func (n network) Spec() *layers.ModelSpec { return n.Sequential.Spec }

func newNetwork(mb *layers.ModelBuilder, device tensor.DeviceType, rng *rand.Rand) (network, error) {
	spec, err := mb.Compile()
	if err != nil {
		return network{}, err
	}
	seq, err := layers.Build(spec, device)
	if err != nil {
		return network{}, err
	}
	layers.DefaultInitPolicy().Initialize(seq, rng)
	return network{Sequential: seq}, nil
}

func checkShape(what string, t *tensor.Tensor, want []int) error {
	if len(t.Shape) != len(want) {
		return fmt.Errorf("%s: expected shape %v, got %v: %w", what, want, t.Shape, tensor.ErrShape)
	}
	for i := 1; i < len(want); i++ {
		if t.Shape[i] != want[i] {
			return fmt.Errorf("%s: expected shape %v, got %v: %w", what, want, t.Shape, tensor.ErrShape)
		}
	}
	return nil
}

// ConvEncoder is a strided 2D CNN: five 4×4 stride-2 convolutions take the
// image from 256² to 8², then global average pooling and a linear
// projection produce the latent vector.
type ConvEncoder struct {
	network
}

func NewConvEncoder(device tensor.DeviceType, rng *rand.Rand) (*ConvEncoder, error) {
	mb := layers.NewModelBuilder("encoder", ImageChannels, ImageSize, ImageSize)
	channels := []int{16, 32, 64, 128, 256}
	idx := 0
	for i, c := range channels {
		mb.AddConv2D(c, 4, 2, 1, true, fmt.Sprintf("features.%d", idx))
		idx++
		if i > 0 {
			mb.AddBatchNorm(bnEps, bnMomentum, fmt.Sprintf("features.%d", idx))
			idx++
		}
		mb.AddLeakyReLU(leakySlope, fmt.Sprintf("features.%d", idx))
		idx++
	}
	mb.AddGlobalAvgPool("pool").AddDense(LatentDim, true, "projection")

	n, err := newNetwork(mb, device, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to build encoder: %w", err)
	}
	return &ConvEncoder{network: n}, nil
}

func (e *ConvEncoder) Encode(images *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkShape("encoder input", images, ImageShape(images.Shape[0])); err != nil {
		return nil, err
	}
	return e.Forward(images)
}

// VoxelGenerator projects the latent vector to a 256×2³ seed volume and
// upsamples it with four stride-2 transposed 3D convolutions to 32³.
type VoxelGenerator struct {
	network
}

func NewVoxelGenerator(device tensor.DeviceType, rng *rand.Rand) (*VoxelGenerator, error) {
	mb := layers.NewModelBuilder("generator", LatentDim).
		AddDense(seedChannel*2*2*2, true, "fc").
		AddReshape("view", seedChannel, 2, 2, 2)

	channels := []int{128, 64, 32}
	idx := 0
	for _, c := range channels {
		mb.AddConvTranspose3D(c, 4, 2, 1, true, fmt.Sprintf("decoder.%d", idx)).
			AddBatchNorm(bnEps, bnMomentum, fmt.Sprintf("decoder.%d", idx+1)).
			AddReLU(fmt.Sprintf("decoder.%d", idx+2))
		idx += 3
	}
	mb.AddConvTranspose3D(1, 4, 2, 1, true, fmt.Sprintf("decoder.%d", idx)).
		AddSigmoid(fmt.Sprintf("decoder.%d", idx+1))

	n, err := newNetwork(mb, device, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to build generator: %w", err)
	}
	return &VoxelGenerator{network: n}, nil
}

func (g *VoxelGenerator) Generate(latent *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkShape("generator input", latent, []int{latent.Shape[0], LatentDim}); err != nil {
		return nil, err
	}
	return g.Forward(latent)
}

// VoxelDiscriminator is a 3D CNN that reduces a 32³ grid to one score.
type VoxelDiscriminator struct {
	network
}

func NewVoxelDiscriminator(device tensor.DeviceType, rng *rand.Rand) (*VoxelDiscriminator, error) {
	mb := layers.NewModelBuilder("discriminator", 1, VoxelSize, VoxelSize, VoxelSize).
		AddConv3D(32, 4, 2, 1, true, "encoder.0").
		AddLeakyReLU(leakySlope, "encoder.1").
		AddConv3D(64, 4, 2, 1, true, "encoder.2").
		AddBatchNorm(bnEps, bnMomentum, "encoder.3").
		AddLeakyReLU(leakySlope, "encoder.4").
		AddConv3D(128, 4, 2, 1, true, "encoder.5").
		AddBatchNorm(bnEps, bnMomentum, "encoder.6").
		AddLeakyReLU(leakySlope, "encoder.7").
		AddConv3D(1, 4, 1, 0, true, "encoder.8").
		AddSigmoid("encoder.9").
		AddReshape("view", 1)

	n, err := newNetwork(mb, device, rng)
	if err != nil {
		return nil, fmt.Errorf("failed to build discriminator: %w", err)
	}
	return &VoxelDiscriminator{network: n}, nil
}

func (d *VoxelDiscriminator) Score(voxels *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkShape("discriminator input", voxels, VoxelShape(voxels.Shape[0])); err != nil {
		return nil, err
	}
	return d.Forward(voxels)
}

var (
	_ Encoder       = (*ConvEncoder)(nil)
	_ Generator     = (*VoxelGenerator)(nil)
	_ Discriminator = (*VoxelDiscriminator)(nil)
)
