// Copyright 2025 The go-itk Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package regmap describes the analog multiplexer of the ITkPixV2
// readout chip: which internal signal each vmux/imux selection routes
// to the monitoring pad.
//
// Names may carry a "/NNN" suffix, the transfer multiplier to apply to
// the readback voltage to recover the signal in physical units.
package regmap // import "github.com/go-itk/pixmux/regmap"

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
)

// Kind selects one of the two multiplexer lines.
type Kind string

const (
	VMux Kind = "vmux"
	IMux Kind = "imux"
)

// MaxValue is the highest multiplexer selection value.
const MaxValue = 63

// vmuxNames is the ITkPixV2 voltage multiplexer assignment.
var vmuxNames = map[int]string{
	0:  "Vref_ADC",
	1:  "ImuxPad voltage",
	2:  "NTC pad voltage",
	3:  "VCAL_DAC/2",
	4:  "VDDA/2",
	5:  "Poly TEMPSENS top",
	6:  "Poly TEMPSENS bottom",
	7:  "VCAL_HI",
	8:  "VCAL_MED",
	9:  "DiffPreComp VDDA",
	10: "Preamp VDDA",
	11: "VTH2",
	12: "VTH1 Main",
	13: "VTH1 Left",
	14: "VTH1 Right",
	15: "Radiation sensor top",
	16: "Radiation sensor bottom",
	17: "Radiation sensor center",
	18: "Analog ground",
	31: "Vref core",
	32: "Vref OVP",
	33: "VINA/4",
	34: "VDDA/2",
	35: "VrefA",
	36: "VOFS/4",
	37: "VIND/4",
	38: "VDDD/2",
	39: "VrefD",
	63: "High-Z",
}

// imuxNames is the ITkPixV2 current multiplexer assignment.
var imuxNames = map[int]string{
	0:  "Iref",
	1:  "CDR VCO main bias",
	2:  "CDR VCO buffer bias",
	3:  "CDR CP current",
	4:  "CDR FD current",
	5:  "CDR buffer bias",
	6:  "CML driver tap 2 bias",
	7:  "CML driver tap 1 bias",
	8:  "CML driver main bias",
	9:  "NTC pad current",
	10: "Capmeasure circuit",
	11: "Capmeasure parasitic",
	12: "Diff preamp main current",
	13: "Diff preComp current",
	14: "Diff comparator current",
	15: "Diff VTH2 current",
	16: "Diff VTH1 main current",
	17: "Diff LCC current",
	18: "Diff feedback current",
	19: "Diff preamp left current",
	20: "Diff VTH1 left current",
	21: "Diff preamp right current",
	22: "Diff preamp top-left current",
	23: "Diff VTH1 right current",
	24: "Diff preamp top current",
	25: "Diff preamp top-right current",
	28: "Dig. input current/21000",
	29: "Ana. input current/21000",
	30: "Dig. ShuntLDO current/21000",
	31: "Ana. ShuntLDO current/21000",
	63: "High-Z",
}

// Map resolves multiplexer selections to signal names.
type Map struct {
	vmux map[int]string
	imux map[int]string
}

// New returns a Map with the builtin ITkPixV2 assignment.
func New() *Map {
	return &Map{
		vmux: vmuxNames,
		imux: imuxNames,
	}
}

// Load returns a Map whose entries are overridden from a JSON file of
// the form {"vmux": {"0": "Vref_ADC", ...}, "imux": {...}}.
// Values absent from the file keep their builtin names.
func Load(fname string) (*Map, error) {
	raw, err := os.ReadFile(fname)
	if err != nil {
		return nil, fmt.Errorf("regmap: could not read register map %q: %w", fname, err)
	}

	var data struct {
		VMux map[string]string `json:"vmux"`
		IMux map[string]string `json:"imux"`
	}
	err = json.Unmarshal(raw, &data)
	if err != nil {
		return nil, fmt.Errorf("regmap: could not decode register map %q: %w", fname, err)
	}

	m := &Map{
		vmux: clone(vmuxNames),
		imux: clone(imuxNames),
	}
	for dst, src := range map[*map[int]string]map[string]string{
		&m.vmux: data.VMux,
		&m.imux: data.IMux,
	} {
		for k, name := range src {
			v, err := strconv.Atoi(k)
			if err != nil {
				return nil, fmt.Errorf("regmap: invalid register value %q in %q: %w", k, fname, err)
			}
			if v < 0 || v > MaxValue {
				return nil, fmt.Errorf("regmap: register value %d in %q out of range [0, %d]", v, fname, MaxValue)
			}
			(*dst)[v] = name
		}
	}
	return m, nil
}

func clone(src map[int]string) map[int]string {
	dst := make(map[int]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// Name returns the signal name for the given multiplexer selection,
// or a "vmux=N" style placeholder for unassigned values.
func (m *Map) Name(kind Kind, value int) string {
	var names map[int]string
	switch kind {
	case VMux:
		names = m.vmux
	case IMux:
		names = m.imux
	}
	if name, ok := names[value]; ok {
		return name
	}
	return fmt.Sprintf("%s=%d", kind, value)
}

var reMult = regexp.MustCompile(`^(.+?)/(\d+(?:\.\d+)?)$`)

// ParseName splits an optional "/NNN" multiplier off a signal name.
// The multiplier is 1 when the name carries none.
func ParseName(name string) (string, float64) {
	sub := reMult.FindStringSubmatch(name)
	if sub == nil {
		return name, 1
	}
	mult, err := strconv.ParseFloat(sub[2], 64)
	if err != nil {
		return name, 1
	}
	return sub[1], mult
}
