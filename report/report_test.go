// Copyright 2025 The go-itk Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package report

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func fptr(v float64) *float64 { return &v }

func TestWriterParse(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "registers_info.txt")
	w := NewWriter(fname)

	ts := time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)
	rows := []Row{
		{
			Module:     "20UPGM23211190",
			Chip:       "0x20661",
			ChipNum:    1,
			RegType:    "vmux",
			RegValue:   5,
			RegName:    "Poly TEMPSENS top",
			Timestamp:  ts,
			Grafana:    fptr(1.23),
			Calibrated: fptr(0.715),
		},
		{
			Module:    "20UPGM23211190",
			Chip:      "0x20662",
			ChipNum:   2,
			RegType:   "imux",
			RegValue:  28,
			RegName:   "Dig. input current/21000",
			Timestamp: ts.Add(42 * time.Second),
		},
	}
	for _, row := range rows {
		err := w.Write(row)
		if err != nil {
			t.Fatalf("could not write row: %+v", err)
		}
	}
	err := w.Close()
	if err != nil {
		t.Fatalf("could not close writer: %+v", err)
	}

	raw, err := os.ReadFile(fname)
	if err != nil {
		t.Fatalf("could not read report: %+v", err)
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if got, want := len(lines), 3; got != want {
		t.Fatalf("invalid number of lines: got=%d, want=%d", got, want)
	}
	if !strings.HasPrefix(lines[0], "Module\tChip\t") {
		t.Fatalf("invalid header: %q", lines[0])
	}
	if got, want := lines[2], "20UPGM23211190\t0x20662\t2\timux\t28\tDig. input current/21000\t2025-03-14T15:10:08\tN/A\tN/A"; got != want {
		t.Fatalf("invalid row:\ngot= %q\nwant=%q", got, want)
	}

	f, err := os.Open(fname)
	if err != nil {
		t.Fatalf("could not open report: %+v", err)
	}
	defer f.Close()

	got, err := Parse(f)
	if err != nil {
		t.Fatalf("could not parse report: %+v", err)
	}
	if !reflect.DeepEqual(got, rows) {
		t.Fatalf("round-trip mismatch:\ngot= %#v\nwant=%#v", got, rows)
	}
}

func TestWriterAppend(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "registers_info.txt")
	row := Row{
		Module: "mod", Chip: "chip", ChipNum: 1,
		RegType: "vmux", RegValue: 0, RegName: "Vref_ADC",
		Timestamp: time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC),
	}

	for i := 0; i < 2; i++ {
		w := NewWriter(fname)
		err := w.Write(row)
		if err != nil {
			t.Fatalf("could not write row: %+v", err)
		}
		err = w.Close()
		if err != nil {
			t.Fatalf("could not close writer: %+v", err)
		}
	}

	raw, err := os.ReadFile(fname)
	if err != nil {
		t.Fatalf("could not read report: %+v", err)
	}
	// one header, even across two sessions.
	if got, want := strings.Count(string(raw), "Module\t"), 1; got != want {
		t.Fatalf("invalid number of headers: got=%d, want=%d", got, want)
	}
	if got, want := strings.Count(string(raw), "\n"), 3; got != want {
		t.Fatalf("invalid number of lines: got=%d, want=%d", got, want)
	}
}

func TestWriterLazyCreate(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "registers_info.txt")
	w := NewWriter(fname)
	err := w.Close()
	if err != nil {
		t.Fatalf("could not close writer: %+v", err)
	}
	if _, err := os.Stat(fname); !os.IsNotExist(err) {
		t.Fatalf("report file created without any row written")
	}
}

func TestParseErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		raw  string
		want string
	}{
		{"columns", "a\tb\tc\n", "got 3 columns"},
		{"chipnum", "m\tc\tx\tvmux\t0\tn\t2025-03-14T00:00:00\tN/A\tN/A\n", "invalid chip number"},
		{"regvalue", "m\tc\t1\tvmux\tx\tn\t2025-03-14T00:00:00\tN/A\tN/A\n", "invalid register value"},
		{"timestamp", "m\tc\t1\tvmux\t0\tn\tyesterday\tN/A\tN/A\n", "invalid timestamp"},
		{"grafana", "m\tc\t1\tvmux\t0\tn\t2025-03-14T00:00:00\tx\tN/A\n", "invalid readback value"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tc.raw))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("invalid error: %+v", err)
			}
		})
	}
}
