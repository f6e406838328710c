// Copyright 2025 The go-itk Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package xplot turns mux-scan report files into plots of the
// calibrated readback values across x-ray tube currents.
package xplot // import "github.com/go-itk/pixmux/internal/xplot"

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"go-hep.org/x/hep/hplot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/go-itk/pixmux/regmap"
	"github.com/go-itk/pixmux/report"
)

// Config selects what to plot: one register type and a pair of
// register values whose difference is also of interest (typically the
// digital and analog branch of the same quantity).
type Config struct {
	RegType string // "vmux" or "imux"
	Lo, Hi  int    // the two register values
	OutDir  string // where to drop the PNG files

	Msg *log.Logger
}

var reCurrent = regexp.MustCompile(`(?i)(\d+)\s*uA`)

// CurrentFromFilename extracts the x-ray tube current (in uA) encoded
// in a report file name such as "registers_info_40uA.txt".
func CurrentFromFilename(fname string) (int, bool) {
	sub := reCurrent.FindStringSubmatch(filepath.Base(fname))
	if sub == nil {
		return 0, false
	}
	cur, err := strconv.Atoi(sub[1])
	if err != nil {
		return 0, false
	}
	return cur, true
}

type chipKey struct {
	module  string
	chipNum int
}

type series map[int]float64 // x-ray current -> calibrated value

// Process reads the given report files and writes one PNG per
// (module, chip) with the two selected registers and their difference
// versus x-ray current. It returns the names of the written files.
func Process(cfg Config, files []string) ([]string, error) {
	if cfg.Msg == nil {
		cfg.Msg = log.New(os.Stdout, "mux-plot: ", 0)
	}
	if cfg.Lo > cfg.Hi {
		cfg.Lo, cfg.Hi = cfg.Hi, cfg.Lo
	}

	var (
		data  = make(map[chipKey]map[int]series) // chip -> reg value -> series
		names = make(map[int]string)             // reg value -> register name
		nok   = 0
	)
	for _, fname := range files {
		cur, ok := CurrentFromFilename(fname)
		if !ok {
			cfg.Msg.Printf("could not extract x-ray current from %q, skipping", fname)
			continue
		}
		rows, err := parseFile(fname)
		if err != nil {
			return nil, err
		}
		nok++
		for _, row := range rows {
			if row.RegType != cfg.RegType {
				continue
			}
			if row.RegValue != cfg.Lo && row.RegValue != cfg.Hi {
				continue
			}
			if row.Calibrated == nil {
				continue
			}
			key := chipKey{module: row.Module, chipNum: row.ChipNum}
			if data[key] == nil {
				data[key] = make(map[int]series)
			}
			if data[key][row.RegValue] == nil {
				data[key][row.RegValue] = make(series)
			}
			data[key][row.RegValue][cur] = *row.Calibrated
			if _, dup := names[row.RegValue]; !dup && row.RegName != "" {
				names[row.RegValue] = row.RegName
			}
		}
	}

	if nok == 0 {
		return nil, fmt.Errorf("xplot: no report file could be associated with an x-ray current")
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("xplot: no %s data for registers %d and %d", cfg.RegType, cfg.Lo, cfg.Hi)
	}

	err := os.MkdirAll(cfg.OutDir, 0755)
	if err != nil {
		return nil, fmt.Errorf("xplot: could not create output directory %q: %w", cfg.OutDir, err)
	}

	chips := make([]chipKey, 0, len(data))
	for key := range data {
		chips = append(chips, key)
	}
	sort.Slice(chips, func(i, j int) bool {
		if chips[i].module != chips[j].module {
			return chips[i].module < chips[j].module
		}
		return chips[i].chipNum < chips[j].chipNum
	})

	var out []string
	for _, key := range chips {
		fname, err := plotChip(cfg, key, data[key], names)
		if err != nil {
			return out, err
		}
		cfg.Msg.Printf("saved %s", fname)
		out = append(out, fname)
	}
	return out, nil
}

func parseFile(fname string) ([]report.Row, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("xplot: could not open report %q: %w", fname, err)
	}
	defer f.Close()

	rows, err := report.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("xplot: could not parse report %q: %w", fname, err)
	}
	return rows, nil
}

func plotChip(cfg Config, key chipKey, regs map[int]series, names map[int]string) (string, error) {
	unit := "V"
	if cfg.RegType == "imux" {
		unit = "mA"
	}

	nameLo, multLo := regName(cfg, names, cfg.Lo)
	nameHi, multHi := regName(cfg, names, cfg.Hi)

	lo := scale(regs[cfg.Lo], multLo)
	hi := scale(regs[cfg.Hi], multHi)

	tp := hplot.NewTiledPlot(draw.Tiles{Cols: 3, Rows: 1})

	left := tp.Plot(0, 0)
	left.Title.Text = fmt.Sprintf("%s\n%s %s=%d", key.module, nameLo, cfg.RegType, cfg.Lo)
	err := addSeries(left, lo, unit)
	if err != nil {
		return "", err
	}

	mid := tp.Plot(0, 1)
	mid.Title.Text = fmt.Sprintf("chip %d\n%s %s=%d", key.chipNum, nameHi, cfg.RegType, cfg.Hi)
	err = addSeries(mid, hi, unit)
	if err != nil {
		return "", err
	}

	right := tp.Plot(0, 2)
	right.Title.Text = fmt.Sprintf("difference\n%s - %s", nameLo, nameHi)
	err = addSeries(right, diff(lo, hi), unit)
	if err != nil {
		return "", err
	}

	fname := filepath.Join(cfg.OutDir, fmt.Sprintf("%s_Chip%d_%s_%d_%d.png",
		key.module, key.chipNum, cfg.RegType, cfg.Lo, cfg.Hi,
	))
	err = tp.Save(45*vg.Centimeter, 15*vg.Centimeter, fname)
	if err != nil {
		return "", fmt.Errorf("xplot: could not save plot %q: %w", fname, err)
	}
	return fname, nil
}

func regName(cfg Config, names map[int]string, value int) (string, float64) {
	name, ok := names[value]
	if !ok {
		return fmt.Sprintf("%s=%d", cfg.RegType, value), 1
	}
	return regmap.ParseName(name)
}

func scale(src series, mult float64) series {
	dst := make(series, len(src))
	for cur, val := range src {
		dst[cur] = val * mult
	}
	return dst
}

func diff(lo, hi series) series {
	dst := make(series)
	for cur, val := range lo {
		if v, ok := hi[cur]; ok {
			dst[cur] = val - v
		}
	}
	return dst
}

func addSeries(p *hplot.Plot, data series, unit string) error {
	p.X.Label.Text = "X-ray tube current (uA)"
	p.Y.Label.Text = fmt.Sprintf("CalibratedVal (%s)", unit)
	p.Add(hplot.NewGrid())

	if len(data) == 0 {
		return nil
	}

	currents := make([]int, 0, len(data))
	for cur := range data {
		currents = append(currents, cur)
	}
	sort.Ints(currents)

	xys := make(plotter.XYs, len(currents))
	for i, cur := range currents {
		xys[i].X = float64(cur)
		xys[i].Y = data[cur]
	}

	line, pts, err := plotter.NewLinePoints(xys)
	if err != nil {
		return fmt.Errorf("xplot: could not create line plot: %w", err)
	}
	p.Add(line, pts)
	return nil
}
