package backend

import (
	"os/exec"
	"strings"

	"github.com/samcharles93/kiln/internal/backend/trtexec"
	"github.com/samcharles93/kiln/internal/onnx"
)

// Has reports whether the named toolchain can be started with opts.
func Has(name string, opts Options) bool {
	switch name {
	case Trtexec:
		command := opts.TrtexecCommand
		if command == "" {
			command = trtexec.DefaultCommand
		}
		_, err := exec.LookPath(command)
		return err == nil
	case Bridge:
		if len(opts.BridgeCommand) == 0 {
			return false
		}
		_, err := exec.LookPath(opts.BridgeCommand[0])
		return err == nil
	default:
		return false
	}
}

// HasSimplifier reports whether the graph simplifier is installed.
func HasSimplifier(opts Options) bool {
	command := opts.SimplifierCommand
	if command == NoSimplifier {
		return false
	}
	if command == "" {
		command = onnx.DefaultSimplifierCommand
	}
	_, err := exec.LookPath(command)
	return err == nil
}

// Available returns a comma-separated list of available toolchains.
func Available(opts Options) string {
	var entries []string
	for _, name := range []string{Trtexec, Bridge} {
		if Has(name, opts) {
			entries = append(entries, name)
		}
	}
	if len(entries) == 0 {
		return "none"
	}
	return strings.Join(entries, ",")
}
