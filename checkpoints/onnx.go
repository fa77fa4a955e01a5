package checkpoints

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/Kapil-Pathak/hgcn/optimizer"
	"google.golang.org/protobuf/encoding/protowire"
	"gonum.org/v1/gonum/mat"
)

// ErrInvalidModelState is returned when model.pth cannot be decoded.
var ErrInvalidModelState = errors.New("invalid model state")

// ONNX TensorProto data types used for parameters.
const (
	DataTypeFloat  int32 = 1
	DataTypeDouble int32 = 11
)

// ONNX field numbers. The model file is an ONNX ModelProto whose graph holds
// one initializer per named parameter.
const (
	modelIRVersion       protowire.Number = 1
	modelProducerName    protowire.Number = 2
	modelProducerVersion protowire.Number = 3
	modelGraph           protowire.Number = 7
	modelOpsetImport     protowire.Number = 8

	opsetVersion protowire.Number = 2

	graphName        protowire.Number = 2
	graphInitializer protowire.Number = 5

	tensorDims     protowire.Number = 1
	tensorDataType protowire.Number = 2
	tensorName     protowire.Number = 8
	tensorRawData  protowire.Number = 9
)

const (
	irVersion    = 8
	opset        = 17
	producerName = "hgcn"
)

// ProducerVersion is recorded in every model file.
var ProducerVersion = "0.1.0"

// Tensor is one named parameter read back from a model file.
type Tensor struct {
	Name     string
	Dims     []int64
	DataType int32
	Data     []float64
}

// Dense converts a 1-D or 2-D tensor to a matrix.
func (t Tensor) Dense() (*mat.Dense, error) {
	switch len(t.Dims) {
	case 1:
		return mat.NewDense(1, int(t.Dims[0]), append([]float64(nil), t.Data...)), nil
	case 2:
		return mat.NewDense(int(t.Dims[0]), int(t.Dims[1]), append([]float64(nil), t.Data...)), nil
	default:
		return nil, fmt.Errorf("tensor %s has %d dimensions", t.Name, len(t.Dims))
	}
}

// ModelState is the decoded content of a model file.
type ModelState struct {
	IRVersion       int64
	ProducerName    string
	ProducerVersion string
	GraphName       string
	Tensors         []Tensor
}

// Tensor returns the tensor with the given name.
func (m *ModelState) Tensor(name string) (Tensor, bool) {
	for _, t := range m.Tensors {
		if t.Name == name {
			return t, true
		}
	}
	return Tensor{}, false
}

// EncodeModel serialises params as an ONNX ModelProto. double selects
// float64 storage, otherwise values are narrowed to float32.
func EncodeModel(params []*optimizer.Parameter, double bool) []byte {
	var graph []byte
	graph = protowire.AppendTag(graph, graphName, protowire.BytesType)
	graph = protowire.AppendString(graph, producerName)
	for _, p := range params {
		graph = protowire.AppendTag(graph, graphInitializer, protowire.BytesType)
		graph = protowire.AppendBytes(graph, encodeTensor(p, double))
	}

	var opsetID []byte
	opsetID = protowire.AppendTag(opsetID, opsetVersion, protowire.VarintType)
	opsetID = protowire.AppendVarint(opsetID, opset)

	var b []byte
	b = protowire.AppendTag(b, modelIRVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, irVersion)
	b = protowire.AppendTag(b, modelProducerName, protowire.BytesType)
	b = protowire.AppendString(b, producerName)
	b = protowire.AppendTag(b, modelProducerVersion, protowire.BytesType)
	b = protowire.AppendString(b, ProducerVersion)
	b = protowire.AppendTag(b, modelGraph, protowire.BytesType)
	b = protowire.AppendBytes(b, graph)
	b = protowire.AppendTag(b, modelOpsetImport, protowire.BytesType)
	b = protowire.AppendBytes(b, opsetID)
	return b
}

func encodeTensor(p *optimizer.Parameter, double bool) []byte {
	r, c := p.Value.Dims()
	var t []byte
	for _, d := range []int{r, c} {
		t = protowire.AppendTag(t, tensorDims, protowire.VarintType)
		t = protowire.AppendVarint(t, uint64(d))
	}
	dataType := DataTypeFloat
	width := 4
	if double {
		dataType = DataTypeDouble
		width = 8
	}
	t = protowire.AppendTag(t, tensorDataType, protowire.VarintType)
	t = protowire.AppendVarint(t, uint64(dataType))
	t = protowire.AppendTag(t, tensorName, protowire.BytesType)
	t = protowire.AppendString(t, p.Name)

	raw := make([]byte, 0, r*c*width)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := p.Value.At(i, j)
			if double {
				raw = binary.LittleEndian.AppendUint64(raw, math.Float64bits(v))
			} else {
				raw = binary.LittleEndian.AppendUint32(raw, math.Float32bits(float32(v)))
			}
		}
	}
	t = protowire.AppendTag(t, tensorRawData, protowire.BytesType)
	t = protowire.AppendBytes(t, raw)
	return t
}

// SaveModel writes params to path as an ONNX model.
func SaveModel(path string, params []*optimizer.Parameter, double bool) error {
	if err := os.WriteFile(path, EncodeModel(params, double), 0644); err != nil {
		return fmt.Errorf("failed to write model: %w", err)
	}
	return nil
}

// LoadModel reads a model file written by SaveModel.
func LoadModel(path string) (*ModelState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model: %w", err)
	}
	return DecodeModel(data)
}

// DecodeModel parses an ONNX ModelProto, keeping only the fields EncodeModel
// writes. Unknown fields are skipped.
func DecodeModel(b []byte) (*ModelState, error) {
	m := &ModelState{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == modelIRVersion && typ == protowire.VarintType:
			m.IRVersion = int64(x)
		case num == modelProducerName && typ == protowire.BytesType:
			m.ProducerName = string(v)
		case num == modelProducerVersion && typ == protowire.BytesType:
			m.ProducerVersion = string(v)
		case num == modelGraph && typ == protowire.BytesType:
			return decodeGraph(v, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func decodeGraph(b []byte, m *ModelState) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		switch {
		case num == graphName && typ == protowire.BytesType:
			m.GraphName = string(v)
		case num == graphInitializer && typ == protowire.BytesType:
			t, err := decodeTensor(v)
			if err != nil {
				return err
			}
			m.Tensors = append(m.Tensors, t)
		}
		return nil
	})
}

func decodeTensor(b []byte) (Tensor, error) {
	var t Tensor
	var raw []byte
	err := walk(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == tensorDims && typ == protowire.VarintType:
			t.Dims = append(t.Dims, int64(x))
		case num == tensorDims && typ == protowire.BytesType:
			// packed encoding
			for len(v) > 0 {
				d, n := protowire.ConsumeVarint(v)
				if n < 0 {
					return fmt.Errorf("%w: bad packed dims", ErrInvalidModelState)
				}
				t.Dims = append(t.Dims, int64(d))
				v = v[n:]
			}
		case num == tensorDataType && typ == protowire.VarintType:
			t.DataType = int32(x)
		case num == tensorName && typ == protowire.BytesType:
			t.Name = string(v)
		case num == tensorRawData && typ == protowire.BytesType:
			raw = v
		}
		return nil
	})
	if err != nil {
		return Tensor{}, err
	}

	size := int64(1)
	for _, d := range t.Dims {
		size *= d
	}
	switch t.DataType {
	case DataTypeFloat:
		if int64(len(raw)) != size*4 {
			return Tensor{}, fmt.Errorf("%w: tensor %s has %d bytes for %d floats", ErrInvalidModelState, t.Name, len(raw), size)
		}
		t.Data = make([]float64, size)
		for i := range t.Data {
			t.Data[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])))
		}
	case DataTypeDouble:
		if int64(len(raw)) != size*8 {
			return Tensor{}, fmt.Errorf("%w: tensor %s has %d bytes for %d doubles", ErrInvalidModelState, t.Name, len(raw), size)
		}
		t.Data = make([]float64, size)
		for i := range t.Data {
			t.Data[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
		}
	default:
		return Tensor{}, fmt.Errorf("%w: tensor %s has unsupported data type %d", ErrInvalidModelState, t.Name, t.DataType)
	}
	return t, nil
}

// walk calls fn for every field of a protobuf message. For varint fields x
// holds the value; for length-delimited fields v holds the payload.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrInvalidModelState, protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			x, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrInvalidModelState, protowire.ParseError(m))
			}
			if err := fn(num, typ, nil, x); err != nil {
				return err
			}
			b = b[m:]
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrInvalidModelState, protowire.ParseError(m))
			}
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("%w: %v", ErrInvalidModelState, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return nil
}
