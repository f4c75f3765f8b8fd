package kef

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
)

const manifestVersion = 1

// ShapeRange is one input's optimization range, batch dimension first.
type ShapeRange struct {
	Name string `json:"name"`
	Min  []int  `json:"min"`
	Opt  []int  `json:"opt"`
	Max  []int  `json:"max"`
}

// Manifest records how an artifact was built.
type Manifest struct {
	ID           string       `json:"id,omitempty"`
	Strategy     string       `json:"strategy"`
	Toolchain    string       `json:"toolchain,omitempty"`
	ArtifactKind string       `json:"artifact_kind"`
	Quantization string       `json:"quantization"`
	Precision    string       `json:"precision"`
	Device       string       `json:"device"`
	SourcePath   string       `json:"source_path,omitempty"`
	BatchSize    int          `json:"batch_size"`
	Profile      []ShapeRange `json:"profile,omitempty"`
	// FixedShapes is set for traced modules that only accept these shapes.
	FixedShapes  [][]int   `json:"fixed_shapes,omitempty"`
	Transforms   []string  `json:"transforms,omitempty"`
	EngineSHA256 string    `json:"engine_sha256"`
	EngineSize   int64     `json:"engine_size"`
	CreatedAt    time.Time `json:"created_at"`
	KilnVersion  string    `json:"kiln_version,omitempty"`
}

// WriteFile writes a KEF holding m and engine. The file is
// written next to path and renamed into place. EngineSHA256 and EngineSize
// are filled in from the bytes written.
func WriteFile(path string, m Manifest, engine []byte) (Manifest, error) {
	sum := sha256.Sum256(engine)
	m.EngineSHA256 = hex.EncodeToString(sum[:])
	m.EngineSize = int64(len(engine))
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	manifest, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return m, fmt.Errorf("encode manifest: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return m, err
	}
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return m, err
	}
	tmpPath := f.Name()
	cleanup := func(err error) (Manifest, error) {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return m, err
	}

	w, err := NewWriter(f)
	if err != nil {
		return cleanup(err)
	}
	if err := w.WriteSection(SectionManifest, manifestVersion, manifest); err != nil {
		return cleanup(err)
	}
	if _, err := w.WriteSectionFromReader(SectionEngine, 1, bytes.NewReader(engine)); err != nil {
		return cleanup(err)
	}
	if err := w.Finalise(); err != nil {
		return cleanup(err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return m, err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return m, err
	}
	return m, nil
}

// Manifest decodes the manifest section.
func (f *File) Manifest() (Manifest, error) {
	var m Manifest
	s := f.Section(SectionManifest)
	if s == nil {
		return m, fmt.Errorf("%w: manifest", ErrMissingSection)
	}
	if err := json.Unmarshal(f.SectionData(s), &m); err != nil {
		return m, fmt.Errorf("%w: manifest: %v", ErrCorruptFile, err)
	}
	return m, nil
}

// Engine returns a zero-copy view of the engine bytes.
func (f *File) Engine() ([]byte, error) {
	s := f.Section(SectionEngine)
	if s == nil {
		return nil, fmt.Errorf("%w: engine", ErrMissingSection)
	}
	return f.SectionData(s), nil
}

// Verify checks the engine bytes against the manifest digest.
func (f *File) Verify() error {
	m, err := f.Manifest()
	if err != nil {
		return err
	}
	engine, err := f.Engine()
	if err != nil {
		return err
	}
	sum := sha256.Sum256(engine)
	if got := hex.EncodeToString(sum[:]); got != m.EngineSHA256 {
		return fmt.Errorf("%w: engine digest %s does not match manifest %s", ErrCorruptFile, got, m.EngineSHA256)
	}
	return nil
}

// ExtractEngine copies the engine section to w.
func ExtractEngine(path string, w io.Writer) (int64, error) {
	f, err := Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()
	engine, err := f.Engine()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(engine)
	return int64(n), err
}
