package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kiln/internal/onnx"
	"github.com/samcharles93/kiln/internal/params"
	"github.com/samcharles93/kiln/internal/profile"
)

func profileCmd() *cli.Command {
	var (
		paramsPath string
		modelPath  string
		asJSON     bool
	)

	return &cli.Command{
		Name:  "profile",
		Usage: "Print the dynamic-shape optimization profile for model params",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "params",
				Aliases:     []string{"p"},
				Usage:       "model params file (.yaml or .json)",
				Required:    true,
				Destination: &paramsPath,
			},
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "optional .onnx graph to take input names from",
				Destination: &modelPath,
			},
			&cli.BoolFlag{Name: "json", Usage: "print the profile as JSON", Destination: &asJSON},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			p, err := params.Load(paramsPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			names := profile.Names(p)
			if modelPath != "" {
				m, err := onnx.ReadFile(modelPath)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				names = m.InputNames()
			}

			prof, err := profile.Build(p, names)
			if errors.Is(err, profile.ErrNoDynamicInfo) {
				fmt.Println("static shapes: no optimization profile needed")
				for i := range p.InputInfos {
					name := fmt.Sprintf("input_%d", i)
					if i < len(names) {
						name = names[i]
					}
					fmt.Printf("%s %s\n", name, p.InputShape(i))
				}
				return nil
			}
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			if asJSON {
				out, err := json.MarshalIndent(prof, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}
			fmt.Print(prof.String())
			return nil
		},
	}
}
