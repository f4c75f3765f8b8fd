package safetensors

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/samcharles93/kiln/internal/tensor"
)

func TestWriteOpenRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "sample.safetensors")

	ids, err := tensor.FromInt64s("input_ids", tensor.Shape{1, 3}, []int64{101, 7, 102})
	if err != nil {
		t.Fatalf("ids: %v", err)
	}
	pix, err := tensor.FromFloat32s("pixel_values", tensor.Shape{1, 2}, []float32{0.5, -1})
	if err != nil {
		t.Fatalf("pixels: %v", err)
	}
	if err := Write(path, []tensor.Tensor{pix, ids}, map[string]string{"split": "train"}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if f.Metadata["split"] != "train" {
		t.Fatalf("metadata lost: %v", f.Metadata)
	}
	names := f.Names()
	if len(names) != 2 || names[0] != "pixel_values" || names[1] != "input_ids" {
		t.Fatalf("names not in payload order: %v", names)
	}

	all, err := f.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if all[1].DType != tensor.I64 || !all[1].Shape.Equal(tensor.Shape{1, 3}) {
		t.Fatalf("unexpected ids tensor: %s %v", all[1].DType, all[1].Shape)
	}
	vals, err := all[0].Float32s()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if vals[0] != 0.5 || vals[1] != -1 {
		t.Fatalf("unexpected values: %v", vals)
	}
}

func TestOpenNonexistentFile(t *testing.T) {
	t.Parallel()
	if _, err := Open("/nonexistent/file.safetensors"); err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestOpenTruncatedFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "truncated.safetensors")
	if err := os.WriteFile(path, []byte{0, 0, 0, 0}, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("expected error for truncated file")
	}
}

func TestOpenRejectsHugeHeader(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "huge.safetensors")
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1<<40)
	if err := os.WriteFile(path, buf[:], 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("expected error for oversized header")
	}
}

func TestReadTensorNotFound(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "one.safetensors")
	x, _ := tensor.FromFloat32s("x", tensor.Shape{1}, []float32{1})
	if err := Write(path, []tensor.Tensor{x}, nil); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := f.ReadTensor("missing"); err == nil {
		t.Fatal("expected error for missing tensor")
	}
}

func TestWriteRejectsDuplicateNames(t *testing.T) {
	t.Parallel()
	x, _ := tensor.FromFloat32s("x", tensor.Shape{1}, []float32{1})
	err := Write(filepath.Join(t.TempDir(), "dup.safetensors"), []tensor.Tensor{x, x}, nil)
	if err == nil {
		t.Fatal("expected duplicate name error")
	}
}
