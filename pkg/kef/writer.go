package kef

import (
	"bytes"
	"errors"
	"io"
	"os"
	"sort"
	"sync"
)

const writerCopyBufSize = 1 << 20

// Writer builds a KEF file section by section. The header is reserved up
// front and patched by Finalise.
type Writer struct {
	mu       sync.Mutex
	f        *os.File
	sections []Section
	seen     map[SectionType]struct{}
	closed   bool
	flags    uint64
}

// NewWriter truncates f and reserves the header.
func NewWriter(f *os.File) (*Writer, error) {
	if f == nil {
		return nil, errors.New("kef: nil file")
	}
	if err := f.Truncate(0); err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	w := &Writer{f: f, seen: make(map[SectionType]struct{})}
	if err := w.writeZeros(headerSize); err != nil {
		return nil, err
	}
	return w, nil
}

// WriteSection writes one payload. A section type may only appear once.
func (w *Writer) WriteSection(typ SectionType, version uint32, data []byte) error {
	_, err := w.WriteSectionFromReader(typ, version, bytes.NewReader(data))
	return err
}

// WriteSectionFromReader copies a payload from r without buffering it.
func (w *Writer) WriteSectionFromReader(typ SectionType, version uint32, r io.Reader) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, errors.New("kef: writer already finalised")
	}
	if r == nil {
		return 0, errors.New("kef: nil reader")
	}
	if _, ok := w.seen[typ]; ok {
		return 0, errors.New("kef: duplicate section type")
	}
	if err := w.alignTo(align); err != nil {
		return 0, err
	}
	offset, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	written, err := io.CopyBuffer(w.f, r, make([]byte, writerCopyBufSize))
	if err != nil {
		return 0, err
	}
	w.sections = append(w.sections, Section{
		Type:    typ,
		Version: version,
		Offset:  uint64(offset),
		Size:    uint64(written),
	})
	w.seen[typ] = struct{}{}
	return uint64(written), nil
}

func (w *Writer) AddFlags(flags uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flags |= flags
}

// Finalise writes the section directory and patches the header. The writer
// must not be used afterwards.
func (w *Writer) Finalise() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errors.New("kef: writer already finalised")
	}
	w.closed = true

	sort.Slice(w.sections, func(i, j int) bool {
		return w.sections[i].Type < w.sections[j].Type
	})
	if err := w.alignTo(align); err != nil {
		return err
	}
	dirOffset, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	var secBuf [sectionSize]byte
	for _, s := range w.sections {
		if !encodeSection(secBuf[:], s) {
			return errors.New("kef: encode section failed")
		}
		if _, err := w.f.Write(secBuf[:]); err != nil {
			return err
		}
	}

	fileSize, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if err := w.f.Truncate(fileSize); err != nil {
		return err
	}

	var h Header
	copy(h.Magic[:], Magic)
	h.Major = CurrentMajor
	h.Minor = CurrentMinor
	h.HeaderSize = headerSize
	h.SectionCount = uint32(len(w.sections))
	h.SectionDirOffset = uint64(dirOffset)
	h.FileSize = uint64(fileSize)
	h.Flags = w.flags

	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	var hdrBuf [headerSize]byte
	if !encodeHeader(hdrBuf[:], h) {
		return errors.New("kef: encode header failed")
	}
	if _, err := w.f.Write(hdrBuf[:]); err != nil {
		return err
	}
	return w.f.Sync()
}

func (w *Writer) alignTo(n int64) error {
	pos, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if mod := pos % n; mod != 0 {
		return w.writeZeros(int(n - mod))
	}
	return nil
}

func (w *Writer) writeZeros(n int) error {
	if n <= 0 {
		return nil
	}
	_, err := w.f.Write(make([]byte, n))
	return err
}
