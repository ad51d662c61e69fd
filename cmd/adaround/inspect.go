package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/adaround/internal/adaround"
	"github.com/samcharles93/adaround/internal/safetensors"
)

func inspectCmd() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Summarise a calibration report or a quantized .safetensors file",
		ArgsUsage: "<report.json|model.safetensors>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				return errors.New("inspect needs a file argument")
			}
			return inspect(os.Stdout, path)
		},
	}
}

func inspect(w io.Writer, path string) error {
	if strings.EqualFold(filepath.Ext(path), ".safetensors") {
		f, err := safetensors.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		return renderTensors(w, f)
	}

	rf, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = rf.Close() }()
	report, err := adaround.DecodeReport(rf)
	if err != nil {
		return fmt.Errorf("decode report %s: %w", path, err)
	}
	return renderReport(w, report)
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

func renderReport(w io.Writer, r *adaround.Report) error {
	status := "complete"
	switch {
	case r.Error != "":
		status = "failed: " + r.Error
	case !r.Complete:
		status = "partial"
	}
	_, _ = fmt.Fprintf(w, "model %s  run %s  %s\n\n", r.Model, r.ID, status)

	var rows [][]string
	for _, l := range r.Ordered() {
		sqnr := "exact"
		if l.SQNRdB != nil {
			sqnr = strconv.FormatFloat(*l.SQNRdB, 'f', 2, 64)
		}
		rows = append(rows, []string{
			strconv.Itoa(l.Index),
			l.Name,
			l.Kind,
			shapeString(l.Shape),
			strconv.FormatFloat(l.Params.Scale, 'g', 4, 64),
			strconv.FormatFloat(l.FinalLoss.Total, 'g', 5, 64),
			fmt.Sprintf("%d/%d", l.Flipped, l.Weights),
			strconv.FormatFloat(l.NearestDistance, 'g', 5, 64),
			strconv.FormatFloat(l.CommittedDistance, 'g', 5, 64),
			sqnr,
		})
	}
	table := newTable(w, "#", "LAYER", "KIND", "SHAPE", "SCALE", "LOSS", "FLIPPED", "NEAREST", "ADAROUND", "SQNR DB")
	table.AppendBulk(rows)
	table.Render()

	if len(r.Skipped) > 0 {
		_, _ = fmt.Fprintln(w)
		var skipped [][]string
		for _, s := range r.Skipped {
			skipped = append(skipped, []string{s.Name, s.Kind, s.Reason})
		}
		table := newTable(w, "SKIPPED", "KIND", "REASON")
		table.AppendBulk(skipped)
		table.Render()
	}
	return nil
}

func renderTensors(w io.Writer, f *safetensors.File) error {
	quantized := make(map[string]bool)
	for _, name := range f.QuantizedLayers() {
		quantized[name+".weight"] = true
	}

	var rows [][]string
	for _, name := range f.Names() {
		info, _ := f.Tensor(name)
		scale, zero := "", ""
		if quantized[name] {
			qt, err := f.Quantized(strings.TrimSuffix(name, ".weight"))
			if err != nil {
				return err
			}
			scale = strconv.FormatFloat(qt.Params.Scale, 'g', 4, 64)
			zero = strconv.Itoa(qt.Params.ZeroPoint)
		}
		rows = append(rows, []string{name, string(info.DType), shapeString(info.Shape), scale, zero})
	}
	if model := f.Metadata["model"]; model != "" {
		_, _ = fmt.Fprintf(w, "model %s\n\n", model)
	}
	table := newTable(w, "TENSOR", "DTYPE", "SHAPE", "SCALE", "ZERO POINT")
	table.AppendBulk(rows)
	table.Render()
	return nil
}

func shapeString(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
