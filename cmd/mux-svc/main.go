// Copyright 2025 The go-itk Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command mux-svc exposes the register-mux measurement sequence as a
// TDAQ process, for use under the experiment run control.
//
// Usage: mux-svc [TDAQ-OPTIONS] <connectivity.json> <chip-positions> <vmux-values> [imux-values]
package main // import "github.com/go-itk/pixmux/cmd/mux-svc"

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"

	"github.com/go-itk/pixmux/regmap"
	"github.com/go-itk/pixmux/report"
	"github.com/go-itk/pixmux/yarr"
)

func main() {
	cmd := flags.New()
	if len(cmd.Args) < 3 {
		log.Fatalf("usage: mux-svc [TDAQ-OPTIONS] <connectivity.json> <chip-positions> <vmux-values> [imux-values]")
	}

	dev := muxsvc{
		conn: cmd.Args[0],
		rmap: regmap.New(),
	}

	var err error
	dev.positions, err = parseInts(cmd.Args[1])
	if err != nil {
		log.Fatalf("invalid chip positions %q: %+v", cmd.Args[1], err)
	}
	dev.vmux, err = parseInts(cmd.Args[2])
	if err != nil {
		log.Fatalf("invalid vmux values %q: %+v", cmd.Args[2], err)
	}
	if len(cmd.Args) > 3 {
		dev.imux, err = parseInts(cmd.Args[3])
		if err != nil {
			log.Fatalf("invalid imux values %q: %+v", cmd.Args[3], err)
		}
	}

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", dev.OnConfig)
	srv.CmdHandle("/init", dev.OnInit)
	srv.CmdHandle("/reset", dev.OnReset)
	srv.CmdHandle("/start", dev.OnStart)
	srv.CmdHandle("/stop", dev.OnStop)
	srv.CmdHandle("/quit", dev.OnQuit)

	srv.RunHandle(dev.run)

	err = srv.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}

// step is one point of the measurement sequence.
type step struct {
	pos   int
	kind  regmap.Kind
	value int
}

type muxsvc struct {
	conn string

	positions []int
	vmux      []int
	imux      []int

	rmap   *regmap.Map
	chips  []yarr.Chip
	runner *yarr.Runner
	wrt    *report.Writer

	plan []step
	next int
}

func (dev *muxsvc) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")

	chips, err := yarr.Load(dev.conn)
	if err != nil {
		ctx.Msg.Errorf("could not load connectivity: %+v", err)
		return err
	}
	dev.chips = chips
	ctx.Msg.Infof("loaded %d chip(s) from %d module(s)",
		len(chips), len(yarr.Modules(chips)),
	)

	dev.plan = dev.plan[:0]
	for _, pos := range dev.positions {
		for _, v := range dev.vmux {
			dev.plan = append(dev.plan, step{pos: pos, kind: regmap.VMux, value: v})
		}
		for _, v := range dev.imux {
			dev.plan = append(dev.plan, step{pos: pos, kind: regmap.IMux, value: v})
		}
	}
	return nil
}

func (dev *muxsvc) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")
	dev.runner = yarr.NewRunner()
	dev.wrt = report.NewWriter(fmt.Sprintf("registers_info_%s.txt",
		time.Now().Format("20060102_150405"),
	))
	dev.next = 0
	return nil
}

func (dev *muxsvc) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	if dev.wrt != nil {
		_ = dev.wrt.Close()
	}
	return dev.OnInit(ctx, resp, req)
}

func (dev *muxsvc) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command... (%d steps)", len(dev.plan))
	return nil
}

func (dev *muxsvc) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /stop command... -> %d/%d steps done", dev.next, len(dev.plan))
	return nil
}

func (dev *muxsvc) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	if dev.wrt != nil {
		return dev.wrt.Close()
	}
	return nil
}

func (dev *muxsvc) run(ctx tdaq.Context) error {
	for {
		select {
		case <-ctx.Ctx.Done():
			return nil
		default:
			if dev.next >= len(dev.plan) {
				time.Sleep(1 * time.Second)
				continue
			}
			err := dev.measure(ctx, dev.plan[dev.next])
			if err != nil {
				ctx.Msg.Warnf("step %d failed: %+v", dev.next, err)
			}
			dev.next++
		}
	}
}

func (dev *muxsvc) measure(ctx tdaq.Context, st step) error {
	at, others := yarr.AtPos(dev.chips, st.pos)
	if len(at) == 0 {
		ctx.Msg.Warnf("no chips at position %d", st.pos)
		return nil
	}

	monV, monI := st.value, yarr.MuxOff
	if st.kind == regmap.IMux {
		monV, monI = 1, st.value
	}
	for _, chip := range at {
		err := chip.SetMonitor(monV, monI)
		if err != nil {
			return err
		}
	}
	for _, chip := range others {
		err := chip.SetMonitor(yarr.MuxOff, yarr.MuxOff)
		if err != nil {
			return err
		}
	}

	ts, err := dev.runner.Config(ctx.Ctx, dev.conn)
	if err != nil {
		return err
	}

	name := dev.rmap.Name(st.kind, st.value)
	for _, chip := range at {
		err := dev.wrt.Write(report.Row{
			Module:    chip.Module,
			Chip:      chip.Name,
			ChipNum:   chip.Pos,
			RegType:   string(st.kind),
			RegValue:  st.value,
			RegName:   name,
			Timestamp: ts,
		})
		if err != nil {
			return err
		}
	}
	ctx.Msg.Infof("%s=%d for position %d done", st.kind, st.value, st.pos)
	return nil
}

func parseInts(s string) ([]int, error) {
	var vs []int
	for _, tok := range strings.Split(s, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(tok))
		if err != nil {
			return nil, err
		}
		vs = append(vs, v)
	}
	return vs, nil
}
