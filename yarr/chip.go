// Copyright 2025 The go-itk Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package yarr

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
)

// MuxOff parks a multiplexer line on its high-impedance setting.
const MuxOff = 63

var (
	reMonV = regexp.MustCompile(`("MonitorV"\s*:\s*)\d+`)
	reMonI = regexp.MustCompile(`("MonitorI"\s*:\s*)\d+`)
)

// SetMonitor rewrites the chip configuration on disk with the given
// MonitorV (vmux) and MonitorI (imux) selections.
//
// Only the two register fields are touched: the rewrite is a textual
// substitution, so every other byte of the file is preserved.
func (chip *Chip) SetMonitor(monV, monI int) error {
	if monV < 0 || monV > MuxOff {
		return fmt.Errorf("yarr: MonitorV value %d out of range [0, %d]", monV, MuxOff)
	}
	if monI < 0 || monI > MuxOff {
		return fmt.Errorf("yarr: MonitorI value %d out of range [0, %d]", monI, MuxOff)
	}

	raw, err := os.ReadFile(chip.Path)
	if err != nil {
		return fmt.Errorf("yarr: could not read chip config %q: %w", chip.Path, err)
	}
	if !reMonV.Match(raw) {
		return fmt.Errorf("yarr: chip config %q: no MonitorV field", chip.Path)
	}
	if !reMonI.Match(raw) {
		return fmt.Errorf("yarr: chip config %q: no MonitorI field", chip.Path)
	}

	raw = reMonV.ReplaceAll(raw, []byte("${1}"+strconv.Itoa(monV)))
	raw = reMonI.ReplaceAll(raw, []byte("${1}"+strconv.Itoa(monI)))

	err = os.WriteFile(chip.Path, raw, 0644)
	if err != nil {
		return fmt.Errorf("yarr: could not write chip config %q: %w", chip.Path, err)
	}
	return nil
}
