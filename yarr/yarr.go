// Copyright 2025 The go-itk Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package yarr handles YARR connectivity and chip configuration files
// for ITkPixV2 quad modules, and drives the external scanConsole
// program that applies them to the hardware.
package yarr // import "github.com/go-itk/pixmux/yarr"

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Chip positions on a quad module are numbered 1-4 and wired to the
// ITkPixV2 chip IDs 12-15.
var (
	posToID = map[int]int{1: 12, 2: 13, 3: 14, 4: 15}
	idToPos = map[int]int{12: 1, 13: 2, 14: 3, 15: 4}
)

// NumPositions is the number of chip slots on a quad module.
const NumPositions = 4

// ValidPos reports whether pos is a valid chip position on a quad module.
func ValidPos(pos int) bool {
	_, ok := posToID[pos]
	return ok
}

// Chip describes one entry of a connectivity file: a chip of a module
// together with its on-disk configuration file.
type Chip struct {
	Module string // module serial, from the config path
	Name   string // chip name from the chip configuration
	ID     int    // ITkPixV2 chip ID
	Pos    int    // position on the quad module (1-4), 0 if unknown
	Path   string // absolute path to the chip configuration file
}

type connectivity struct {
	Chips []struct {
		Config string `json:"config"`
	} `json:"chips"`
}

// Load parses a connectivity file and resolves all its chips.
//
// Two shapes are accepted: a single connectivity object
// ({"chips": [...]}) or an array of such objects for multi-module
// setups. Chip config paths are resolved relative to the directory of
// the connectivity file.
func Load(fname string) ([]Chip, error) {
	raw, err := os.ReadFile(fname)
	if err != nil {
		return nil, fmt.Errorf("yarr: could not read connectivity file %q: %w", fname, err)
	}

	var conns []connectivity
	switch tok := firstToken(raw); tok {
	case '{':
		var conn connectivity
		err = json.Unmarshal(raw, &conn)
		if err != nil {
			return nil, fmt.Errorf("yarr: could not decode connectivity file %q: %w", fname, err)
		}
		conns = append(conns, conn)
	case '[':
		err = json.Unmarshal(raw, &conns)
		if err != nil {
			return nil, fmt.Errorf("yarr: could not decode multi-module connectivity file %q: %w", fname, err)
		}
	default:
		return nil, fmt.Errorf("yarr: invalid connectivity file %q: unexpected leading token %q", fname, tok)
	}

	dir := filepath.Dir(fname)
	var chips []Chip
	for _, conn := range conns {
		if len(conn.Chips) == 0 {
			return nil, fmt.Errorf("yarr: connectivity file %q: no chips", fname)
		}
		for _, entry := range conn.Chips {
			if entry.Config == "" {
				return nil, fmt.Errorf("yarr: connectivity file %q: chip entry without config", fname)
			}
			chip, err := loadChip(dir, entry.Config)
			if err != nil {
				return nil, err
			}
			chips = append(chips, chip)
		}
	}
	return chips, nil
}

func loadChip(dir, cfg string) (Chip, error) {
	var chip Chip
	path, err := filepath.Abs(filepath.Join(dir, cfg))
	if err != nil {
		return chip, fmt.Errorf("yarr: could not resolve chip config %q: %w", cfg, err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return chip, fmt.Errorf("yarr: could not read chip config %q: %w", path, err)
	}

	var data struct {
		ITkPixV2 *struct {
			Parameter struct {
				ChipID int    `json:"ChipId"`
				Name   string `json:"Name"`
			} `json:"Parameter"`
		} `json:"ITKPIXV2"`
	}
	err = json.Unmarshal(raw, &data)
	if err != nil {
		return chip, fmt.Errorf("yarr: could not decode chip config %q: %w", path, err)
	}
	if data.ITkPixV2 == nil {
		return chip, fmt.Errorf("yarr: chip config %q: not an ITkPixV2 configuration", path)
	}
	if data.ITkPixV2.Parameter.Name == "" {
		return chip, fmt.Errorf("yarr: chip config %q: missing chip name", path)
	}

	chip = Chip{
		Module: moduleName(cfg),
		Name:   data.ITkPixV2.Parameter.Name,
		ID:     data.ITkPixV2.Parameter.ChipID,
		Pos:    idToPos[data.ITkPixV2.Parameter.ChipID],
		Path:   path,
	}
	return chip, nil
}

// moduleName extracts the module serial from a chip config path,
// its first directory component.
func moduleName(cfg string) string {
	cfg = filepath.ToSlash(cfg)
	if i := strings.Index(cfg, "/"); i > 0 {
		return cfg[:i]
	}
	return "unknown"
}

func firstToken(raw []byte) byte {
	raw = bytes.TrimLeft(raw, " \t\r\n")
	if len(raw) == 0 {
		return 0
	}
	return raw[0]
}

// Modules returns the sorted set of module serials of chips.
func Modules(chips []Chip) []string {
	set := make(map[string]struct{})
	for _, chip := range chips {
		set[chip.Module] = struct{}{}
	}
	mods := make([]string, 0, len(set))
	for mod := range set {
		mods = append(mods, mod)
	}
	sort.Strings(mods)
	return mods
}

// AtPos splits chips into the ones sitting at position pos and the
// others, preserving order.
func AtPos(chips []Chip, pos int) (at, others []Chip) {
	for _, chip := range chips {
		if chip.Pos == pos {
			at = append(at, chip)
			continue
		}
		others = append(others, chip)
	}
	return at, others
}
