package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kiln/pkg/kef"
)

func extractCmd() *cli.Command {
	var (
		inPath  string
		outPath string
	)

	return &cli.Command{
		Name:      "extract",
		Usage:     "Write the raw engine of a .kef container to a file",
		ArgsUsage: "<file.kef>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "path to .kef file", Destination: &inPath},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output path (- for stdout, default <file>.engine)", Destination: &outPath},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if inPath == "" {
				inPath = c.Args().First()
			}
			if inPath == "" {
				return cli.Exit("error: a .kef file is required", 1)
			}
			if outPath == "-" {
				_, err := kef.ExtractEngine(inPath, os.Stdout)
				return err
			}
			if outPath == "" {
				outPath = strings.TrimSuffix(inPath, filepath.Ext(inPath)) + ".engine"
			}

			f, err := os.Create(outPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			n, err := kef.ExtractEngine(inPath, f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				_ = os.Remove(outPath)
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			fmt.Fprintf(os.Stderr, "wrote %s (%s)\n", outPath, formatBytes(uint64(n)))
			return nil
		},
	}
}
