package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/adaround/internal/adaround"
	"github.com/samcharles93/adaround/internal/data"
	"github.com/samcharles93/adaround/internal/logger"
	"github.com/samcharles93/adaround/internal/modelspec"
	"github.com/samcharles93/adaround/internal/nn"
	"github.com/samcharles93/adaround/internal/safetensors"
	"github.com/samcharles93/adaround/internal/tensor"
	"github.com/samcharles93/adaround/internal/toy"
	"github.com/samcharles93/adaround/pkg/quant"
)

const defaultToyBatches = 16

func calibrateCmd() *cli.Command {
	var (
		specPath    string
		weightsPath string
		inputsPath  string
		inputTensor string
		outPath     string
		reportPath  string
		optionsPath string
		toyName     string
		batches     int64
	)

	return &cli.Command{
		Name:  "calibrate",
		Usage: "Learn the rounding of every weighted layer and write the quantized model",
		Flags: append(calibrationFlags(),
			&cli.StringFlag{
				Name:        "spec",
				Usage:       "path to the model spec (.yaml)",
				Destination: &specPath,
			},
			&cli.StringFlag{
				Name:        "weights",
				Aliases:     []string{"w"},
				Usage:       "override the spec's weights file (.safetensors)",
				Destination: &weightsPath,
			},
			&cli.StringFlag{
				Name:        "inputs",
				Aliases:     []string{"i"},
				Usage:       "override the spec's calibration inputs (.safetensors)",
				Destination: &inputsPath,
			},
			&cli.StringFlag{
				Name:        "input-tensor",
				Usage:       "tensor in --inputs to split along its first dimension (default: every tensor is a batch)",
				Destination: &inputTensor,
			},
			&cli.StringFlag{
				Name:        "toy",
				Usage:       "calibrate a built-in fixture (conv_chain, linear_chain) instead of --spec",
				Destination: &toyName,
			},
			&cli.Int64Flag{
				Name:        "batches",
				Usage:       "number of generated batches for --toy",
				Value:       defaultToyBatches,
				Destination: &batches,
			},
			&cli.StringFlag{
				Name:        "options",
				Usage:       "YAML file overriding calibration constants",
				Destination: &optionsPath,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "write the quantized model to this .safetensors file",
				Destination: &outPath,
			},
			&cli.StringFlag{
				Name:        "report",
				Usage:       "write the calibration report (.json)",
				Destination: &reportPath,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := LoadConfig()
			applyCalibrationConfig(cmd, cfg)

			opts, err := resolveOptions(cfg, optionsPath)
			if err != nil {
				return err
			}

			var (
				model *nn.Sequential
				input []tensor.Tensor
			)
			switch {
			case toyName != "":
				model, input, err = toy.Fixture(toyName, seed, int(batches))
			case specPath != "":
				model, input, err = loadSpec(specPath, weightsPath, inputsPath, inputTensor)
			default:
				return errors.New("either --spec or --toy is required")
			}
			if err != nil {
				return err
			}

			orch, err := adaround.NewOrchestrator(model, opts, log)
			if err != nil {
				return err
			}
			cycle, err := data.NewCycle(input, opts.Seed, true)
			if err != nil {
				return err
			}
			pf := data.Prefetch(context.WithoutCancel(ctx), cycle, 4)
			defer func() { _ = pf.Close() }()

			orch.Hooks.AfterCommit = func(c *adaround.Calibrator) {
				st := c.Stats()
				log.Info("layer committed", "layer", c.Name(), "index", c.Index(),
					"loss", st.Last.Total, "flipped", st.Flipped)
			}

			report, runErr := orch.Run(ctx, pf)

			if reportPath != "" && report != nil {
				if err := writeReport(reportPath, report); err != nil {
					return errors.Join(runErr, err)
				}
				log.Info("wrote report", "path", reportPath)
			}
			if runErr != nil {
				return runErr
			}

			if outPath != "" {
				converted, err := orch.Convert()
				if err != nil {
					return err
				}
				w, err := exportModel(model, converted)
				if err != nil {
					return err
				}
				w.Metadata["model"] = model.Name()
				w.Metadata["report_id"] = report.ID
				if err := w.WriteFile(outPath); err != nil {
					return err
				}
				log.Info("wrote quantized model", "path", outPath, "layers", len(converted))
			}

			return renderReport(os.Stdout, report)
		},
	}
}

func loadSpec(specPath, weightsPath, inputsPath, inputTensor string) (*nn.Sequential, []tensor.Tensor, error) {
	spec, err := modelspec.Load(specPath)
	if err != nil {
		return nil, nil, err
	}
	var model *nn.Sequential
	if weightsPath != "" {
		model, err = spec.BuildFrom(weightsPath)
	} else {
		model, err = spec.BuildFromFile()
	}
	if err != nil {
		return nil, nil, err
	}

	in := spec.Inputs
	if inputsPath != "" {
		in = &modelspec.Inputs{File: inputsPath, Tensor: inputTensor}
	}
	if in == nil {
		return nil, nil, fmt.Errorf("model spec %s names no calibration inputs; pass --inputs", specPath)
	}
	batches, err := modelspec.LoadBatches(*in)
	if err != nil {
		return nil, nil, err
	}
	return model, batches, nil
}

// exportModel collects the fixed-point layers plus the float weights of every
// weighted layer that was not converted.
func exportModel(model *nn.Sequential, converted []*quant.FixedPoint) (*safetensors.Writer, error) {
	w := safetensors.NewWriter()
	done := make(map[string]bool, len(converted))
	for _, fp := range converted {
		if err := w.AddQuantized(fp); err != nil {
			return nil, fmt.Errorf("%s: %w", fp.Name(), err)
		}
		done[fp.Name()] = true
	}
	for _, e := range nn.Walk(model) {
		if done[e.Path] {
			continue
		}
		var layer nn.Weighted
		switch l := e.Layer.(type) {
		case *adaround.Probe:
			layer = l.Layer()
		case nn.Weighted:
			layer = l
		default:
			continue
		}
		if err := w.AddFloat(e.Path+".weight", layer.Weight(), safetensors.F32); err != nil {
			return nil, err
		}
		if b := layer.Bias(); !b.IsZero() {
			if err := w.AddFloat(e.Path+".bias", b, safetensors.F32); err != nil {
				return nil, err
			}
		}
	}
	return w, nil
}

func writeReport(path string, r *adaround.Report) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := r.Encode(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
