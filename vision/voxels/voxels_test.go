package voxels

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/sbinet/npyio/npy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-voxel/tensor"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	g := NewGrid()
	g.Set(0, 0, 0, 1)
	g.Set(31, 31, 31, 1)
	g.Set(3, 17, 9, 1)
	g.Set(40, 0, 0, 1)

	path := filepath.Join(t.TempDir(), "voxels", "sample_0.npy")
	require.NoError(t, Save(path, g))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.Occupied())
	assert.Equal(t, float32(1), loaded.At(3, 17, 9))
	assert.Equal(t, g.Data, loaded.Data)

	x, err := loaded.Tensor(tensor.CPU)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, 32, 32, 32}, x.Shape)
}

func TestReadNormalisesOtherDtypes(t *testing.T) {
	raw := make([]float64, Cells)
	raw[5] = 0.25
	raw[Cells-1] = 3
	var buf bytes.Buffer
	require.NoError(t, npy.Write(&buf, raw))

	g, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, 2, g.Occupied())
	assert.Equal(t, float32(1), g.Data[5])

	flags := make([]bool, Cells)
	flags[100] = true
	buf.Reset()
	require.NoError(t, npy.Write(&buf, flags))
	g, err = Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, 1, g.Occupied())
}

func TestReadRejectsWrongSize(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, npy.Write(&buf, make([]uint8, 16*16*16)))
	_, err := Read(&buf)
	assert.ErrorIs(t, err, ErrGridSize)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "missing.npy"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(dir, "bad.npy")
	require.NoError(t, os.WriteFile(bad, []byte("garbage"), 0o644))
	_, err = Load(bad)
	assert.Error(t, err)
}

// fortranNpy encodes a column-major (32, 32, 32) |u1 array.
func fortranNpy(t *testing.T, data []uint8) *bytes.Buffer {
	t.Helper()
	header := "{'descr': '|u1', 'fortran_order': True, 'shape': (32, 32, 32), }"
	for (10+len(header)+1)%64 != 0 {
		header += " "
	}
	header += "\n"

	var buf bytes.Buffer
	buf.WriteString("\x93NUMPY")
	buf.Write([]byte{1, 0})
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint16(len(header))))
	buf.WriteString(header)
	buf.Write(data)
	return &buf
}

func TestReadFortranOrder(t *testing.T) {
	raw := make([]uint8, Cells)
	// (d=0, h=0, w=5) and (d=2, h=7, w=1) in column-major layout.
	raw[0+Size*0+Size*Size*5] = 1
	raw[2+Size*7+Size*Size*1] = 1

	g, err := Read(fortranNpy(t, raw))
	require.NoError(t, err)
	assert.Equal(t, 2, g.Occupied())
	assert.Equal(t, float32(1), g.At(0, 0, 5))
	assert.Equal(t, float32(0), g.At(5, 0, 0))
	assert.Equal(t, float32(1), g.At(2, 7, 1))
	assert.Equal(t, float32(0), g.At(1, 7, 2))
}
