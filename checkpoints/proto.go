package checkpoints

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// magic prefixes every binary checkpoint so that unrelated files are
// rejected before parsing.
var magic = []byte("VXCK")

// Field numbers of the binary checkpoint message.
const (
	fieldVersion       protowire.Number = 1
	fieldEpoch         protowire.Number = 2
	fieldEncoder       protowire.Number = 3
	fieldGenerator     protowire.Number = 4
	fieldDiscriminator protowire.Number = 5
	fieldOptimizerG    protowire.Number = 6
	fieldOptimizerD    protowire.Number = 7
	fieldMetadata      protowire.Number = 8
)

// Tensor message fields, shared by weights and optimizer state.
const (
	tensorName  protowire.Number = 1
	tensorShape protowire.Number = 2
	tensorData  protowire.Number = 3
	tensorKind  protowire.Number = 4
)

// ParameterSet and optimizer message fields.
const (
	setTensors protowire.Number = 1

	optType   protowire.Number = 1
	optHyper  protowire.Number = 2
	optTensor protowire.Number = 3

	hyperKey   protowire.Number = 1
	hyperValue protowire.Number = 2

	metaRunID       protowire.Number = 1
	metaFramework   protowire.Number = 2
	metaCreatedAt   protowire.Number = 3
	metaDescription protowire.Number = 4
	metaTags        protowire.Number = 5
)

// MarshalProto encodes a checkpoint in the binary wire format.
func MarshalProto(c *Checkpoint) []byte {
	b := append([]byte(nil), magic...)
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Version))
	if c.Epoch != nil {
		b = protowire.AppendTag(b, fieldEpoch, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(*c.Epoch)))
	}
	b = appendMessage(b, fieldEncoder, appendWeights(nil, c.Encoder))
	b = appendMessage(b, fieldGenerator, appendWeights(nil, c.Generator))
	if c.Discriminator != nil {
		b = appendMessage(b, fieldDiscriminator, appendWeights(nil, c.Discriminator))
	}
	if c.OptimizerG != nil {
		b = appendMessage(b, fieldOptimizerG, appendOptimizer(nil, c.OptimizerG))
	}
	if c.OptimizerD != nil {
		b = appendMessage(b, fieldOptimizerD, appendOptimizer(nil, c.OptimizerD))
	}
	b = appendMessage(b, fieldMetadata, appendMetadata(nil, &c.Metadata))
	return b
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendTensor(b []byte, name string, shape []int, data []float32, kind string) []byte {
	b = appendString(b, tensorName, name)

	var packed []byte
	for _, d := range shape {
		packed = protowire.AppendVarint(packed, uint64(d))
	}
	b = appendMessage(b, tensorShape, packed)

	b = protowire.AppendTag(b, tensorData, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(4*len(data)))
	for _, v := range data {
		b = protowire.AppendFixed32(b, math.Float32bits(v))
	}
	return appendString(b, tensorKind, kind)
}

func appendWeights(b []byte, weights []WeightTensor) []byte {
	// A present but empty set still encodes as a zero-length message.
	if b == nil {
		b = []byte{}
	}
	for _, w := range weights {
		b = appendMessage(b, setTensors, appendTensor(nil, w.Name, w.Shape, w.Data, w.Kind))
	}
	return b
}

func appendOptimizer(b []byte, s *OptimizerState) []byte {
	b = appendString(b, optType, s.Type)

	keys := make([]string, 0, len(s.Parameters))
	for k := range s.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var h []byte
		h = appendString(h, hyperKey, k)
		h = protowire.AppendTag(h, hyperValue, protowire.Fixed64Type)
		h = protowire.AppendFixed64(h, math.Float64bits(s.Parameters[k]))
		b = appendMessage(b, optHyper, h)
	}
	for _, t := range s.StateData {
		b = appendMessage(b, optTensor, appendTensor(nil, t.Name, t.Shape, t.Data, t.StateType))
	}
	return b
}

func appendMetadata(b []byte, m *CheckpointMetadata) []byte {
	b = appendString(b, metaRunID, m.RunID)
	b = appendString(b, metaFramework, m.Framework)
	if !m.CreatedAt.IsZero() {
		b = protowire.AppendTag(b, metaCreatedAt, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(m.CreatedAt.UnixNano()))
	}
	b = appendString(b, metaDescription, m.Description)
	for _, tag := range m.Tags {
		b = protowire.AppendTag(b, metaTags, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b
}

// UnmarshalProto decodes a binary checkpoint. Any structural problem is
// reported as ErrCorrupt. Unknown fields are skipped.
func UnmarshalProto(data []byte) (*Checkpoint, error) {
	if !bytes.HasPrefix(data, magic) {
		return nil, fmt.Errorf("%w: missing header", ErrCorrupt)
	}
	c := &Checkpoint{}
	err := walk(data[len(magic):], func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		var err error
		switch {
		case num == fieldVersion && typ == protowire.VarintType:
			c.Version = int(x)
		case num == fieldEpoch && typ == protowire.VarintType:
			c.Epoch = IntPtr(int(protowire.DecodeZigZag(x)))
		case num == fieldEncoder && typ == protowire.BytesType:
			c.Encoder, err = parseWeights(v)
		case num == fieldGenerator && typ == protowire.BytesType:
			c.Generator, err = parseWeights(v)
		case num == fieldDiscriminator && typ == protowire.BytesType:
			c.Discriminator, err = parseWeights(v)
		case num == fieldOptimizerG && typ == protowire.BytesType:
			c.OptimizerG, err = parseOptimizer(v)
		case num == fieldOptimizerD && typ == protowire.BytesType:
			c.OptimizerD, err = parseOptimizer(v)
		case num == fieldMetadata && typ == protowire.BytesType:
			err = parseMetadata(v, &c.Metadata)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if c.Version == 0 {
		return nil, fmt.Errorf("%w: missing version", ErrCorrupt)
	}
	if c.Version > CurrentVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, c.Version)
	}
	return c, nil
}

// walk visits every field of a message. For bytes fields v holds the
// payload; for varint and fixed fields x holds the value.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrCorrupt, protowire.ParseError(n))
		}
		b = b[n:]

		var v []byte
		var x uint64
		switch typ {
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var f uint32
			f, n = protowire.ConsumeFixed32(b)
			x = uint64(f)
		case protowire.Fixed64Type:
			x, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrCorrupt, num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := fn(num, typ, v, x); err != nil {
			return err
		}
	}
	return nil
}

type rawTensor struct {
	name  string
	shape []int
	data  []float32
	kind  string
}

func parseTensor(b []byte) (rawTensor, error) {
	var t rawTensor
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case tensorName:
			t.name = string(v)
		case tensorKind:
			t.kind = string(v)
		case tensorShape:
			for len(v) > 0 {
				d, n := protowire.ConsumeVarint(v)
				if n < 0 {
					return fmt.Errorf("%w: tensor shape: %v", ErrCorrupt, protowire.ParseError(n))
				}
				t.shape = append(t.shape, int(d))
				v = v[n:]
			}
		case tensorData:
			if len(v)%4 != 0 {
				return fmt.Errorf("%w: tensor data length %d is not a multiple of 4", ErrCorrupt, len(v))
			}
			t.data = make([]float32, len(v)/4)
			for i := range t.data {
				bits, _ := protowire.ConsumeFixed32(v[4*i:])
				t.data[i] = math.Float32frombits(bits)
			}
		}
		return nil
	})
	if err != nil {
		return t, err
	}

	want := 1
	for _, d := range t.shape {
		want *= d
	}
	if len(t.shape) == 0 || want != len(t.data) {
		return t, fmt.Errorf("%w: tensor %q has shape %v but %d values", ErrCorrupt, t.name, t.shape, len(t.data))
	}
	return t, nil
}

func parseWeights(b []byte) ([]WeightTensor, error) {
	weights := make([]WeightTensor, 0)
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if num != setTensors || typ != protowire.BytesType {
			return nil
		}
		t, err := parseTensor(v)
		if err != nil {
			return err
		}
		weights = append(weights, WeightTensor{Name: t.name, Shape: t.shape, Data: t.data, Kind: t.kind})
		return nil
	})
	return weights, err
}

func parseOptimizer(b []byte) (*OptimizerState, error) {
	s := &OptimizerState{Parameters: map[string]float64{}}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case optType:
			s.Type = string(v)
		case optHyper:
			var key string
			var value float64
			err := walk(v, func(hn protowire.Number, ht protowire.Type, hv []byte, hx uint64) error {
				switch {
				case hn == hyperKey && ht == protowire.BytesType:
					key = string(hv)
				case hn == hyperValue && ht == protowire.Fixed64Type:
					value = math.Float64frombits(hx)
				}
				return nil
			})
			if err != nil {
				return err
			}
			s.Parameters[key] = value
		case optTensor:
			t, err := parseTensor(v)
			if err != nil {
				return err
			}
			s.StateData = append(s.StateData, OptimizerTensor{Name: t.name, Shape: t.shape, Data: t.data, StateType: t.kind})
		}
		return nil
	})
	return s, err
}

func parseMetadata(b []byte, m *CheckpointMetadata) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == metaRunID && typ == protowire.BytesType:
			m.RunID = string(v)
		case num == metaFramework && typ == protowire.BytesType:
			m.Framework = string(v)
		case num == metaCreatedAt && typ == protowire.VarintType:
			m.CreatedAt = time.Unix(0, protowire.DecodeZigZag(x)).UTC()
		case num == metaDescription && typ == protowire.BytesType:
			m.Description = string(v)
		case num == metaTags && typ == protowire.BytesType:
			m.Tags = append(m.Tags, string(v))
		}
		return nil
	})
}
