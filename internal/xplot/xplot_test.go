// Copyright 2025 The go-itk Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xplot

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-itk/pixmux/report"
)

func TestCurrentFromFilename(t *testing.T) {
	for _, tc := range []struct {
		fname string
		cur   int
		ok    bool
	}{
		{"registers_info_40uA.txt", 40, true},
		{"/some/dir/registers_info_0uA.txt", 0, true},
		{"registers_info_120 uA.txt", 120, true},
		{"registers_info_5UA.txt", 5, true},
		{"registers_info.txt", 0, false},
	} {
		cur, ok := CurrentFromFilename(tc.fname)
		if cur != tc.cur || ok != tc.ok {
			t.Errorf("%q: got=(%d, %v), want=(%d, %v)", tc.fname, cur, ok, tc.cur, tc.ok)
		}
	}
}

func writeReport(t *testing.T, fname string, cal28, cal29 float64) {
	t.Helper()
	w := report.NewWriter(fname)
	defer w.Close()

	ts := time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)
	for _, m := range []struct {
		value int
		name  string
		cal   float64
	}{
		{28, "Dig. input current/21000", cal28},
		{29, "Ana. input current/21000", cal29},
	} {
		cal := m.cal
		err := w.Write(report.Row{
			Module:     "20UPGM23211190",
			Chip:       "0x20661",
			ChipNum:    1,
			RegType:    "imux",
			RegValue:   m.value,
			RegName:    m.name,
			Timestamp:  ts,
			Calibrated: &cal,
		})
		if err != nil {
			t.Fatalf("could not write report row: %+v", err)
		}
	}
}

func TestProcess(t *testing.T) {
	dir := t.TempDir()

	var files []string
	for i, cur := range []int{0, 40, 80} {
		fname := filepath.Join(dir, "registers_info_"+strconv.Itoa(cur)+"uA.txt")
		writeReport(t, fname, 1.0+float64(i)*0.1, 0.9+float64(i)*0.1)
		files = append(files, fname)
	}

	out, err := Process(Config{
		RegType: "imux",
		Lo:      29,
		Hi:      28,
		OutDir:  filepath.Join(dir, "plots"),
		Msg:     log.New(io.Discard, "", 0),
	}, files)
	if err != nil {
		t.Fatalf("could not process reports: %+v", err)
	}

	if got, want := len(out), 1; got != want {
		t.Fatalf("invalid number of plots: got=%d, want=%d", got, want)
	}
	if got, want := filepath.Base(out[0]), "20UPGM23211190_Chip1_imux_28_29.png"; got != want {
		t.Fatalf("invalid plot name: got=%q, want=%q", got, want)
	}
	fi, err := os.Stat(out[0])
	if err != nil {
		t.Fatalf("could not stat plot: %+v", err)
	}
	if fi.Size() == 0 {
		t.Fatalf("empty plot file")
	}
}

func TestProcessErrors(t *testing.T) {
	dir := t.TempDir()
	msg := log.New(io.Discard, "", 0)

	_, err := Process(Config{RegType: "imux", Lo: 28, Hi: 29, OutDir: dir, Msg: msg},
		[]string{filepath.Join(dir, "registers_info.txt")},
	)
	if err == nil || !strings.Contains(err.Error(), "no report file") {
		t.Fatalf("invalid error: %+v", err)
	}

	fname := filepath.Join(dir, "registers_info_40uA.txt")
	writeReport(t, fname, 1.0, 0.9)
	_, err = Process(Config{RegType: "vmux", Lo: 28, Hi: 29, OutDir: dir, Msg: msg},
		[]string{fname},
	)
	if err == nil || !strings.Contains(err.Error(), "no vmux data") {
		t.Fatalf("invalid error: %+v", err)
	}
}
