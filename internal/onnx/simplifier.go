package onnx

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// DefaultSimplifierCommand is the onnx-simplifier CLI.
const DefaultSimplifierCommand = "onnxsim"

// CommandSimplifier runs an external simplification tool as
// `<Command> <Args...> <src> <dst>`. Output is written to a temporary file in
// the destination directory and renamed into place, so dst is either
// complete or absent.
type CommandSimplifier struct {
	Command string
	Args    []string
}

func (s CommandSimplifier) Simplify(ctx context.Context, src, dst string) error {
	command := s.Command
	if command == "" {
		command = DefaultSimplifierCommand
	}
	path, err := exec.LookPath(command)
	if err != nil {
		return fmt.Errorf("simplifier %s: %w", command, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	cleanup := func(err error) error {
		_ = os.Remove(tmpPath)
		return err
	}

	args := append(append([]string(nil), s.Args...), src, tmpPath)
	cmd := exec.CommandContext(ctx, path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return cleanup(fmt.Errorf("simplifier %s: %w: %s", command, err, msg))
		}
		return cleanup(fmt.Errorf("simplifier %s: %w", command, err))
	}

	if _, err := ReadFile(tmpPath); err != nil {
		return cleanup(fmt.Errorf("simplifier output: %w", err))
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return cleanup(err)
	}
	return nil
}
