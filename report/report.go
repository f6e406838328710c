// Copyright 2025 The go-itk Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package report reads and writes the tab-separated measurement files
// produced by mux-scan.
package report // import "github.com/go-itk/pixmux/report"

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// TimeFormat is the timestamp layout of the report files.
const TimeFormat = "2006-01-02T15:04:05"

// NA marks a missing readback value.
const NA = "N/A"

var columns = []string{
	"Module", "Chip", "ChipNum", "RegType", "RegValue",
	"RegName", "Timestamp", "GrafanaVal", "CalibratedVal",
}

// Row is one measurement: a (module, chip, register, value) point
// with its optional monitoring readback.
type Row struct {
	Module     string
	Chip       string // chip name
	ChipNum    int    // chip position on the quad module (1-4)
	RegType    string // "vmux" or "imux"
	RegValue   int
	RegName    string
	Timestamp  time.Time
	Grafana    *float64 // raw readback, nil when not available
	Calibrated *float64 // calibrated readback, nil when not available
}

// Writer appends measurement rows to a report file, creating it with
// a header line on first write.
type Writer struct {
	name string
	f    *os.File
}

// NewWriter returns a Writer for the given file. The file is not
// created until the first row is written.
func NewWriter(name string) *Writer {
	return &Writer{name: name}
}

// Name returns the name of the report file.
func (w *Writer) Name() string { return w.name }

// Write appends one row to the report file.
func (w *Writer) Write(row Row) error {
	if w.f == nil {
		err := w.open()
		if err != nil {
			return err
		}
	}

	_, err := fmt.Fprintf(w.f, "%s\t%s\t%d\t%s\t%d\t%s\t%s\t%s\t%s\n",
		row.Module, row.Chip, row.ChipNum,
		row.RegType, row.RegValue, row.RegName,
		row.Timestamp.Format(TimeFormat),
		fval(row.Grafana), fval(row.Calibrated),
	)
	if err != nil {
		return fmt.Errorf("report: could not write row to %q: %w", w.name, err)
	}
	return nil
}

func (w *Writer) open() error {
	f, err := os.OpenFile(w.name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("report: could not create report file %q: %w", w.name, err)
	}
	w.f = f

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("report: could not stat report file %q: %w", w.name, err)
	}
	if fi.Size() > 0 {
		// resuming an existing report, keep its header.
		return nil
	}

	_, err = fmt.Fprintln(f, strings.Join(columns, "\t"))
	if err != nil {
		return fmt.Errorf("report: could not write header to %q: %w", w.name, err)
	}
	return nil
}

// Close closes the report file, if any row was written.
func (w *Writer) Close() error {
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	if err != nil {
		return fmt.Errorf("report: could not close report file %q: %w", w.name, err)
	}
	return nil
}

func fval(v *float64) string {
	if v == nil {
		return NA
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// Parse reads the rows of a report file.
func Parse(r io.Reader) ([]Row, error) {
	var rows []Row
	sc := bufio.NewScanner(r)
	for line := 1; sc.Scan(); line++ {
		txt := sc.Text()
		if txt == "" || strings.HasPrefix(txt, "Module\t") {
			continue
		}
		fields := strings.Split(txt, "\t")
		if len(fields) != len(columns) {
			return nil, fmt.Errorf("report: invalid row on line %d: got %d columns, want %d",
				line, len(fields), len(columns),
			)
		}

		var (
			row Row
			err error
		)
		row.Module = fields[0]
		row.Chip = fields[1]
		row.ChipNum, err = strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("report: invalid chip number on line %d: %w", line, err)
		}
		row.RegType = fields[3]
		row.RegValue, err = strconv.Atoi(fields[4])
		if err != nil {
			return nil, fmt.Errorf("report: invalid register value on line %d: %w", line, err)
		}
		row.RegName = fields[5]
		row.Timestamp, err = time.Parse(TimeFormat, fields[6])
		if err != nil {
			return nil, fmt.Errorf("report: invalid timestamp on line %d: %w", line, err)
		}
		row.Grafana, err = pval(fields[7])
		if err != nil {
			return nil, fmt.Errorf("report: invalid readback value on line %d: %w", line, err)
		}
		row.Calibrated, err = pval(fields[8])
		if err != nil {
			return nil, fmt.Errorf("report: invalid calibrated value on line %d: %w", line, err)
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("report: could not read report: %w", err)
	}
	return rows, nil
}

func pval(s string) (*float64, error) {
	if s == NA {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
