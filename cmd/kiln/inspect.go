package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kiln/internal/onnx"
	"github.com/samcharles93/kiln/pkg/kef"
)

func inspectCmd() *cli.Command {
	var (
		path         string
		showSections bool
		showOps      bool
		asJSON       bool
		verify       bool
	)

	return &cli.Command{
		Name:      "inspect",
		Usage:     "Inspect a .kef container or an .onnx graph",
		ArgsUsage: "<file>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "path to .kef or .onnx file", Destination: &path},
			&cli.BoolFlag{Name: "sections", Usage: "show the .kef section directory", Destination: &showSections},
			&cli.BoolFlag{Name: "ops", Usage: "list operator counts of an .onnx graph", Destination: &showOps},
			&cli.BoolFlag{Name: "json", Usage: "print the .kef manifest as JSON", Destination: &asJSON},
			&cli.BoolFlag{Name: "verify", Usage: "check the engine checksum", Value: true, Destination: &verify},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if path == "" {
				path = c.Args().First()
			}
			if path == "" {
				return cli.Exit("error: a file to inspect is required", 1)
			}
			stat, err := os.Stat(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: stat %q: %v", path, err), 1)
			}
			if stat.IsDir() {
				return cli.Exit(fmt.Sprintf("error: %s is a directory", path), 1)
			}
			if isKEF(path) {
				return inspectKEF(path, stat.Size(), showSections, asJSON, verify)
			}
			return inspectONNX(path, stat.Size(), showOps)
		},
	}
}

func inspectKEF(path string, size int64, showSections, asJSON, verify bool) error {
	f, err := kef.Open(path)
	if err != nil {
		return cli.Exit(fmt.Sprintf("error: open kef: %v", err), 1)
	}
	defer func() { _ = f.Close() }()

	m, err := f.Manifest()
	if err != nil {
		return cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	if asJSON {
		out, err := json.MarshalIndent(m, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Printf("KEF Inspect: %s\n", path)
	fmt.Printf("File: %s (%s)\n", filepath.Base(path), formatBytes(uint64(size)))
	h := f.Header
	fmt.Printf("KEF Header: v%d.%d sections=%d header=%dB\n", h.Major, h.Minor, h.SectionCount, h.HeaderSize)
	printManifest(m)

	if showSections {
		section("Sections")
		for _, s := range f.Sections {
			fmt.Printf("%-12s v%-2d off=%-10d size=%s\n", sectionTypeName(s.Type), s.Version, s.Offset, formatBytes(s.Size))
		}
	}

	if verify {
		if err := f.Verify(); err != nil {
			return cli.Exit(fmt.Sprintf("error: %v", err), 1)
		}
		fmt.Println("\nengine checksum OK")
	}
	return nil
}

func printManifest(m kef.Manifest) {
	section("Manifest")
	row("id", m.ID)
	row("strategy", m.Strategy)
	row("toolchain", m.Toolchain)
	row("artifact_kind", m.ArtifactKind)
	row("quantization", m.Quantization)
	row("precision", m.Precision)
	row("device", m.Device)
	row("source", m.SourcePath)
	rowInt("batch_size", m.BatchSize)
	row("transforms", joinOrDash(m.Transforms))
	if len(m.FixedShapes) > 0 {
		row("fixed_shapes", formatShapes(m.FixedShapes))
	}
	row("engine_size", formatBytes(uint64(m.EngineSize)))
	row("engine_sha256", m.EngineSHA256)
	if !m.CreatedAt.IsZero() {
		row("created_at", m.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	}
	row("kiln_version", m.KilnVersion)
	if len(m.Profile) > 0 {
		section("Optimization Profile")
		for _, r := range m.Profile {
			fmt.Printf("%-24s min=%s opt=%s max=%s\n", r.Name, formatShape(r.Min), formatShape(r.Opt), formatShape(r.Max))
		}
	}
}

func sectionTypeName(t kef.SectionType) string {
	switch t {
	case kef.SectionManifest:
		return "Manifest"
	case kef.SectionEngine:
		return "Engine"
	default:
		return fmt.Sprintf("0x%04x", uint32(t))
	}
}

func inspectONNX(path string, size int64, showOps bool) error {
	m, err := onnx.ReadFile(path)
	if err != nil {
		return cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}

	fmt.Printf("ONNX Inspect: %s\n", path)
	fmt.Printf("File: %s (%s)\n", filepath.Base(path), formatBytes(uint64(size)))

	section("Model")
	row("graph", m.GraphName)
	row("producer", m.ProducerName)
	rowInt("ir_version", int(m.IRVersion))
	opsets := make([]string, len(m.Opsets))
	for i, o := range m.Opsets {
		domain := o.Domain
		if domain == "" {
			domain = "ai.onnx"
		}
		opsets[i] = fmt.Sprintf("%s:%d", domain, o.Version)
	}
	row("opsets", joinOrDash(opsets))
	rowInt("initializers", m.Initializers)

	printValueInfos("Inputs", m.Inputs)
	printValueInfos("Outputs", m.Outputs)

	if showOps {
		section("Operators")
		ops := make([]string, 0, len(m.OpTypes))
		for op := range m.OpTypes {
			ops = append(ops, op)
		}
		sort.Strings(ops)
		for _, op := range ops {
			fmt.Printf("%-24s %d\n", op, m.OpTypes[op])
		}
	}

	if diags := m.Check(); len(diags) > 0 {
		section("Diagnostics")
		for _, d := range diags {
			fmt.Println(d)
		}
		return cli.Exit(fmt.Sprintf("%d problem(s) found", len(diags)), 1)
	}
	return nil
}

func printValueInfos(title string, infos []onnx.ValueInfo) {
	section(title)
	if len(infos) == 0 {
		fmt.Println("(none)")
		return
	}
	for _, v := range infos {
		note := ""
		if _, ok := v.Static(); !ok {
			note = "  dynamic"
		}
		fmt.Printf("%-24s %-8s %s%s\n", v.Name, strings.ToLower(v.ElemType.String()), v.ShapeString(), note)
	}
}
