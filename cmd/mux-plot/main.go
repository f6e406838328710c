// Copyright 2025 The go-itk Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command mux-plot plots calibrated register readback values across
// x-ray tube currents.
//
// It reads several mux-scan report files, each taken at a different
// tube current (encoded in the file name, e.g. registers_info_40uA.txt),
// and produces one PNG per (module, chip) showing the two selected
// registers and their difference versus current.
//
// Usage: mux-plot [OPTIONS] file1 [file2 [...]]
//
// Example:
//
//	$> mux-plot registers_info_0uA.txt registers_info_40uA.txt
//	$> mux-plot -type imux -values 30,31 -o plots ./registers_info_*uA*.txt
package main // import "github.com/go-itk/pixmux/cmd/mux-plot"

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/go-itk/pixmux/internal/xplot"
)

func main() {
	log.SetPrefix("mux-plot: ")
	log.SetFlags(0)

	var (
		typ    = flag.String("type", "imux", "register type to plot (vmux|imux)")
		values = flag.String("values", "30,31", "comma-separated pair of register values to plot")
		odir   = flag.String("o", ".", "directory to save the plots under")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: mux-plot [OPTIONS] file1 [file2 [...]]

ex:
 $> mux-plot registers_info_0uA.txt registers_info_40uA.txt
 $> mux-plot -type imux -values 30,31 -o plots ./registers_info_*uA*.txt

options:
`)
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		log.Fatalf("missing input report file(s)")
	}

	lo, hi, err := parsePair(*values)
	if err != nil {
		log.Fatalf("%+v", err)
	}

	err = run(xplot.Config{
		RegType: *typ,
		Lo:      lo,
		Hi:      hi,
		OutDir:  *odir,
	}, flag.Args())
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(cfg xplot.Config, files []string) error {
	out, err := xplot.Process(cfg, files)
	if err != nil {
		return err
	}
	log.Printf("generated %d plot(s)", len(out))
	return nil
}

func parsePair(s string) (lo, hi int, err error) {
	toks := strings.Split(s, ",")
	if len(toks) != 2 {
		return 0, 0, fmt.Errorf("exactly 2 register values required for a difference plot, got %q", s)
	}
	lo, err = strconv.Atoi(strings.TrimSpace(toks[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid register value %q: %w", toks[0], err)
	}
	hi, err = strconv.Atoi(strings.TrimSpace(toks[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid register value %q: %w", toks[1], err)
	}
	return lo, hi, nil
}
