// Copyright 2025 The go-itk Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package regmap

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestName(t *testing.T) {
	m := New()
	for _, tc := range []struct {
		kind  Kind
		value int
		want  string
	}{
		{VMux, 0, "Vref_ADC"},
		{VMux, 63, "High-Z"},
		{VMux, 19, "vmux=19"},
		{IMux, 0, "Iref"},
		{IMux, 28, "Dig. input current/21000"},
		{IMux, 26, "imux=26"},
	} {
		if got := m.Name(tc.kind, tc.value); got != tc.want {
			t.Errorf("%s=%d: got=%q, want=%q", tc.kind, tc.value, got, tc.want)
		}
	}
}

func TestLoad(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "regmap.json")
	err := os.WriteFile(fname, []byte(`{
	"vmux": {"19": "Spare pad", "0": "Vref ADC trimmed"},
	"imux": {"26": "Spare current"}
}`), 0644)
	if err != nil {
		t.Fatalf("could not write register map: %+v", err)
	}

	m, err := Load(fname)
	if err != nil {
		t.Fatalf("could not load register map: %+v", err)
	}

	for _, tc := range []struct {
		kind  Kind
		value int
		want  string
	}{
		{VMux, 19, "Spare pad"},
		{VMux, 0, "Vref ADC trimmed"},
		{VMux, 63, "High-Z"}, // builtin survives
		{IMux, 26, "Spare current"},
		{IMux, 0, "Iref"},
	} {
		if got := m.Name(tc.kind, tc.value); got != tc.want {
			t.Errorf("%s=%d: got=%q, want=%q", tc.kind, tc.value, got, tc.want)
		}
	}

	// overrides must not leak into the builtin table.
	if got, want := New().Name(VMux, 19), "vmux=19"; got != want {
		t.Fatalf("builtin table modified: got=%q, want=%q", got, want)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(filepath.Join(dir, "not-there.json")); err == nil {
		t.Fatalf("expected an error for a missing file")
	}

	for _, tc := range []struct {
		name string
		raw  string
		want string
	}{
		{"malformed", `{"vmux": [`, "could not decode"},
		{"bad-key", `{"vmux": {"x": "n"}}`, "invalid register value"},
		{"out-of-range", `{"imux": {"64": "n"}}`, "out of range"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fname := filepath.Join(dir, tc.name+".json")
			err := os.WriteFile(fname, []byte(tc.raw), 0644)
			if err != nil {
				t.Fatalf("could not write register map: %+v", err)
			}
			_, err = Load(fname)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("invalid error: %+v", err)
			}
		})
	}
}

func TestParseName(t *testing.T) {
	for _, tc := range []struct {
		name string
		want string
		mult float64
	}{
		{"Dig. input current/21000", "Dig. input current", 21000},
		{"VDDA/2", "VDDA", 2},
		{"High-Z", "High-Z", 1},
		{"Iref", "Iref", 1},
		{"a/b/2.5", "a/b", 2.5},
	} {
		name, mult := ParseName(tc.name)
		if name != tc.want || mult != tc.mult {
			t.Errorf("%q: got=(%q, %v), want=(%q, %v)", tc.name, name, mult, tc.want, tc.mult)
		}
	}
}
