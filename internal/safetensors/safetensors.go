// Package safetensors reads and writes the safetensors container used for
// sample data and calibration batches.
package safetensors

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/goccy/go-json"

	"github.com/samcharles93/kiln/internal/tensor"
)

const metadataKey = "__metadata__"

// maxHeaderLen bounds the JSON header so a corrupt length prefix cannot
// trigger a huge allocation.
const maxHeaderLen = 100 << 20

type TensorInfo struct {
	DType tensor.DType
	Shape tensor.Shape
	Start int64
	End   int64
}

type File struct {
	Path      string
	DataStart int64
	Tensors   map[string]TensorInfo
	Metadata  map[string]string
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var lenBuf [8]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("safetensors %s: read header length: %w", path, err)
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen == 0 || headerLen > maxHeaderLen {
		return nil, fmt.Errorf("safetensors %s: invalid header length %d", path, headerLen)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, fmt.Errorf("safetensors %s: read header: %w", path, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("safetensors %s: parse header: %w", path, err)
	}

	var meta map[string]string
	if m, ok := raw[metadataKey]; ok {
		if err := json.Unmarshal(m, &meta); err != nil {
			return nil, fmt.Errorf("safetensors %s: parse metadata: %w", path, err)
		}
		delete(raw, metadataKey)
	}

	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 || th.DataOffsets[1] < th.DataOffsets[0] || th.DataOffsets[0] < 0 {
			return nil, fmt.Errorf("tensor %s: invalid data_offsets", name)
		}
		dtype, err := tensor.ParseDType(th.DType)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		tensors[name] = TensorInfo{
			DType: dtype,
			Shape: tensor.Shape(th.Shape),
			Start: th.DataOffsets[0],
			End:   th.DataOffsets[1],
		}
	}
	return &File{
		Path:      path,
		DataStart: int64(8 + headerLen),
		Tensors:   tensors,
		Metadata:  meta,
	}, nil
}

// Names returns tensor names in payload order, which is the order they were
// written in.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := f.Tensors[names[i]], f.Tensors[names[j]]
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		return names[i] < names[j]
	})
	return names
}

func (f *File) ReadTensor(name string) (tensor.Tensor, error) {
	info, ok := f.Tensors[name]
	if !ok {
		return tensor.Tensor{}, fmt.Errorf("tensor not found: %s", name)
	}
	buf := make([]byte, info.End-info.Start)

	file, err := os.Open(f.Path)
	if err != nil {
		return tensor.Tensor{}, err
	}
	defer func() { _ = file.Close() }()

	if _, err := file.ReadAt(buf, f.DataStart+info.Start); err != nil {
		return tensor.Tensor{}, fmt.Errorf("read tensor %s: %w", name, err)
	}
	t := tensor.Tensor{Name: name, DType: info.DType, Shape: info.Shape.Clone(), Data: buf}
	if err := t.Validate(); err != nil {
		return tensor.Tensor{}, err
	}
	return t, nil
}

// ReadAll reads every tensor in payload order.
func (f *File) ReadAll() ([]tensor.Tensor, error) {
	names := f.Names()
	out := make([]tensor.Tensor, 0, len(names))
	for _, name := range names {
		t, err := f.ReadTensor(name)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Write stores tensors in the given order. Tensor names must be unique.
func Write(path string, tensors []tensor.Tensor, metadata map[string]string) error {
	header := make(map[string]any, len(tensors)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	var off int64
	for _, t := range tensors {
		if err := t.Validate(); err != nil {
			return err
		}
		if _, dup := header[t.Name]; dup || t.Name == metadataKey {
			return fmt.Errorf("duplicate tensor name %q", t.Name)
		}
		end := off + int64(len(t.Data))
		header[t.Name] = tensorHeader{
			DType:       t.DType.String(),
			Shape:       []int(t.Shape),
			DataOffsets: []int64{off, end},
		}
		off = end
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}

	out, err := os.Create(path)
	if err != nil {
		return err
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := out.Write(lenBuf[:]); err != nil {
		_ = out.Close()
		return err
	}
	if _, err := out.Write(headerBytes); err != nil {
		_ = out.Close()
		return err
	}
	for _, t := range tensors {
		if _, err := out.Write(t.Data); err != nil {
			_ = out.Close()
			return err
		}
	}
	return out.Close()
}
