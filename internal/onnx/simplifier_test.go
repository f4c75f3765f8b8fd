package onnx

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "simplify.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestCommandSimplifier(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "model.onnx")
	dst := src + "_simplified"
	data := Marshal(resnet())
	if err := os.WriteFile(src, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	s := CommandSimplifier{Command: writeScript(t, `cp "$1" "$2"`)}
	if err := s.Simplify(context.Background(), src, dst); err != nil {
		t.Fatalf("simplify: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("simplified output differs")
	}
}

func TestCommandSimplifierFailureLeavesNoOutput(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "model.onnx")
	dst := src + "_simplified"
	if err := os.WriteFile(src, Marshal(resnet()), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	s := CommandSimplifier{Command: writeScript(t, `echo "partial" > "$2"; echo "check failed" >&2; exit 1`)}
	if err := s.Simplify(context.Background(), src, dst); err == nil {
		t.Fatalf("expected failure")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the source file, found %d entries", len(entries))
	}
}

func TestCommandSimplifierMissingTool(t *testing.T) {
	t.Parallel()

	s := CommandSimplifier{Command: filepath.Join(t.TempDir(), "nope")}
	if err := s.Simplify(context.Background(), "a", "b"); err == nil {
		t.Fatalf("expected lookup failure")
	}
}
