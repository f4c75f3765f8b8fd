// Package onnx reads the parts of an ONNX model file kiln needs to configure
// a build: graph inputs and outputs, their element types and shapes.
//
// Only the protobuf wire format is decoded, field by field, so the reader
// needs no generated ONNX bindings. Unknown fields are skipped.
package onnx

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers from onnx.proto.
const (
	modelIRVersion    protowire.Number = 1
	modelProducerName protowire.Number = 2
	modelGraph        protowire.Number = 7
	modelOpsetImport  protowire.Number = 8

	graphNode        protowire.Number = 1
	graphName        protowire.Number = 2
	graphInitializer protowire.Number = 5
	graphInput       protowire.Number = 11
	graphOutput      protowire.Number = 12

	nodeOpType protowire.Number = 4

	tensorName protowire.Number = 8

	valueInfoName protowire.Number = 1
	valueInfoType protowire.Number = 2

	typeTensor protowire.Number = 1

	tensorTypeElem  protowire.Number = 1
	tensorTypeShape protowire.Number = 2

	shapeDim protowire.Number = 1

	dimValue protowire.Number = 1
	dimParam protowire.Number = 2

	opsetDomain  protowire.Number = 1
	opsetVersion protowire.Number = 2
)

// ErrMalformed marks a file that is not a decodable ONNX model.
var ErrMalformed = errors.New("onnx: malformed model")

// Dim is one tensor dimension: a fixed size, a symbolic name, or neither.
type Dim struct {
	Value int64
	Param string
}

func (d Dim) Dynamic() bool { return d.Param != "" || d.Value <= 0 }

func (d Dim) String() string {
	switch {
	case d.Param != "":
		return d.Param
	case d.Value > 0:
		return fmt.Sprintf("%d", d.Value)
	default:
		return "?"
	}
}

type ValueInfo struct {
	Name     string
	ElemType ElemType
	Dims     []Dim
}

// Static returns the shape when no dimension is dynamic.
func (v ValueInfo) Static() ([]int, bool) {
	out := make([]int, len(v.Dims))
	for i, d := range v.Dims {
		if d.Dynamic() {
			return nil, false
		}
		out[i] = int(d.Value)
	}
	return out, true
}

func (v ValueInfo) ShapeString() string {
	parts := make([]string, len(v.Dims))
	for i, d := range v.Dims {
		parts[i] = d.String()
	}
	return "[" + strings.Join(parts, ",") + "]"
}

type Opset struct {
	Domain  string
	Version int64
}

type Model struct {
	IRVersion    int64
	ProducerName string
	Opsets       []Opset
	GraphName    string
	// Inputs excludes graph inputs that are initializers.
	Inputs  []ValueInfo
	Outputs []ValueInfo
	// OpTypes counts nodes per operator type.
	OpTypes      map[string]int
	Initializers int
}

// InputNames lists runtime inputs in graph order.
func (m *Model) InputNames() []string {
	out := make([]string, len(m.Inputs))
	for i, in := range m.Inputs {
		out[i] = in.Name
	}
	return out
}

func ReadFile(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Parse decodes a serialized ModelProto.
func Parse(data []byte) (*Model, error) {
	m := &Model{OpTypes: map[string]int{}}
	var graph []byte
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch {
		case num == modelIRVersion && typ == protowire.VarintType:
			m.IRVersion = int64(u)
		case num == modelProducerName && typ == protowire.BytesType:
			m.ProducerName = string(v)
		case num == modelOpsetImport && typ == protowire.BytesType:
			op, err := parseOpset(v)
			if err != nil {
				return err
			}
			m.Opsets = append(m.Opsets, op)
		case num == modelGraph && typ == protowire.BytesType:
			graph = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if graph == nil {
		return nil, fmt.Errorf("%w: no graph", ErrMalformed)
	}
	if err := m.parseGraph(graph); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Model) parseGraph(data []byte) error {
	var declared []ValueInfo
	initializers := map[string]struct{}{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case graphName:
			m.GraphName = string(v)
		case graphNode:
			op, err := parseNodeOpType(v)
			if err != nil {
				return err
			}
			m.OpTypes[op]++
		case graphInitializer:
			name, err := parseTensorName(v)
			if err != nil {
				return err
			}
			initializers[name] = struct{}{}
			m.Initializers++
		case graphInput:
			vi, err := parseValueInfo(v)
			if err != nil {
				return err
			}
			declared = append(declared, vi)
		case graphOutput:
			vi, err := parseValueInfo(v)
			if err != nil {
				return err
			}
			m.Outputs = append(m.Outputs, vi)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, in := range declared {
		if _, ok := initializers[in.Name]; ok {
			continue
		}
		m.Inputs = append(m.Inputs, in)
	}
	return nil
}

func parseOpset(data []byte) (Opset, error) {
	var op Opset
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch {
		case num == opsetDomain && typ == protowire.BytesType:
			op.Domain = string(v)
		case num == opsetVersion && typ == protowire.VarintType:
			op.Version = int64(u)
		}
		return nil
	})
	return op, err
}

func parseNodeOpType(data []byte) (string, error) {
	var op string
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if num == nodeOpType && typ == protowire.BytesType {
			op = string(v)
		}
		return nil
	})
	return op, err
}

func parseTensorName(data []byte) (string, error) {
	var name string
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if num == tensorName && typ == protowire.BytesType {
			name = string(v)
		}
		return nil
	})
	return name, err
}

func parseValueInfo(data []byte) (ValueInfo, error) {
	var vi ValueInfo
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case valueInfoName:
			vi.Name = string(v)
		case valueInfoType:
			return walk(v, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
				if num == typeTensor && typ == protowire.BytesType {
					return parseTensorType(v, &vi)
				}
				return nil
			})
		}
		return nil
	})
	return vi, err
}

func parseTensorType(data []byte, vi *ValueInfo) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch {
		case num == tensorTypeElem && typ == protowire.VarintType:
			vi.ElemType = ElemType(int32(u))
		case num == tensorTypeShape && typ == protowire.BytesType:
			return walk(v, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
				if num != shapeDim || typ != protowire.BytesType {
					return nil
				}
				d, err := parseDim(v)
				if err != nil {
					return err
				}
				vi.Dims = append(vi.Dims, d)
				return nil
			})
		}
		return nil
	})
}

func parseDim(data []byte) (Dim, error) {
	var d Dim
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error {
		switch {
		case num == dimValue && typ == protowire.VarintType:
			d.Value = int64(u)
		case num == dimParam && typ == protowire.BytesType:
			d.Param = string(v)
		}
		return nil
	})
	return d, err
}

// walk visits each top-level field of a message. Length-delimited values are
// passed as v, varints as u; other wire types are skipped.
func walk(data []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, u uint64) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		data = data[n:]
		switch typ {
		case protowire.VarintType:
			u, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			if err := fn(num, typ, nil, u); err != nil {
				return err
			}
			data = data[m:]
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			if err := fn(num, typ, v, 0); err != nil {
				return err
			}
			data = data[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			data = data[m:]
		}
	}
	return nil
}

// Check lists problems that make the model unusable for a build. An empty
// result means the model passed.
func (m *Model) Check() []string {
	var diags []string
	if m.IRVersion <= 0 {
		diags = append(diags, "model has no ir_version")
	}
	if len(m.OpTypes) == 0 {
		diags = append(diags, "graph has no nodes")
	}
	if len(m.Outputs) == 0 {
		diags = append(diags, "graph declares no outputs")
	}
	seen := map[string]bool{}
	for i, in := range m.Inputs {
		switch {
		case in.Name == "":
			diags = append(diags, fmt.Sprintf("input %d has no name", i))
		case seen[in.Name]:
			diags = append(diags, fmt.Sprintf("input %q declared twice", in.Name))
		}
		seen[in.Name] = true
		if in.ElemType == ElemUndefined {
			diags = append(diags, fmt.Sprintf("input %q has no tensor element type", in.Name))
		}
	}
	if op, ok := m.OpTypes[""]; ok {
		diags = append(diags, fmt.Sprintf("%d node(s) without op_type", op))
	}
	return diags
}
