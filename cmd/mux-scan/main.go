// Copyright 2025 The go-itk Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command mux-scan programs the vmux/imux monitor registers of
// ITkPixV2 quad modules through YARR and records the resulting
// readback values.
//
// Usage: mux-scan [OPTIONS] <connectivity.json> <chip-positions> [output-file]
//
// Example:
//
//	$> mux-scan ./20UPGM23211190_L2_warm.json 1,2 -vmux 0,5,12 -imux 0,5,12
//	$> mux-scan ./SP_4_modules.json 4 -vmux 0,5,12 -scan digital -grafana module_map.txt
//
// Chip positions (1-4) are applied to each module of the connectivity
// file; with a multi-module file, the chips at a given position are
// configured across ALL modules and a single scanConsole invocation is
// run per register value.
package main // import "github.com/go-itk/pixmux/cmd/mux-scan"

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	mail "gopkg.in/gomail.v2"

	"github.com/go-itk/pixmux/grafana"
	"github.com/go-itk/pixmux/regmap"
	"github.com/go-itk/pixmux/report"
	"github.com/go-itk/pixmux/resdb"
	"github.com/go-itk/pixmux/yarr"
)

func main() {
	log.SetPrefix("mux-scan: ")
	log.SetFlags(0)

	var cfg config
	flag.Usage = usage
	flag.StringVar(&cfg.vmux, "vmux", "", "comma-separated vmux values (0-63)")
	flag.StringVar(&cfg.imux, "imux", "", "comma-separated imux values (0-63)")
	flag.StringVar(&cfg.scan, "scan", "", "scan type to run instead of a simple configuration ("+strings.Join(yarr.ScanTypes(), "|")+")")
	flag.StringVar(&cfg.grafanaMap, "grafana", "", "module mapping file for Grafana readback")
	flag.StringVar(&cfg.grafanaURL, "grafana-url", grafana.DefaultURL, "Grafana base URL")
	flag.StringVar(&cfg.grafanaUID, "grafana-uid", grafana.DefaultUID, "Grafana datasource UID")
	flag.StringVar(&cfg.regmap, "regmap", "", "register map JSON file overriding the builtin mux assignment")
	flag.StringVar(&cfg.db, "db", "", "results database to archive measurements into")
	flag.StringVar(&cfg.bin, "yarr", yarr.DefaultScanConsole, "path to the scanConsole binary")
	flag.StringVar(&cfg.ctl, "ctl", yarr.DefaultControllerCfg, "path to the YARR controller configuration")
	flag.StringVar(&cfg.scans, "scans", yarr.DefaultScanCfgDir, "directory holding the YARR scan configurations")
	flag.BoolVar(&cfg.pmon, "pmon", false, "enable pmon monitoring of scanConsole")
	flag.DurationVar(&cfg.settle, "settle", 10*time.Second, "settle delay between configuration and Grafana readback")
	flag.DurationVar(&cfg.grace, "grace", 5*time.Second, "delay between scan start and Grafana readback")
	flag.DurationVar(&cfg.backoff, "backoff", 2*time.Second, "delay between scanConsole attempts")

	flag.Parse()

	err := cfg.parseArgs(flag.Args())
	if err != nil {
		flag.Usage()
		log.Fatalf("%+v", err)
	}

	err = newApp(cfg).run(context.Background())
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: mux-scan [OPTIONS] <connectivity.json> <chip-positions> [output-file]

ex:
 $> mux-scan ./20UPGM23211190_L2_warm.json 1,2 -vmux 0,5,12 -imux 0,5,12
 $> mux-scan ./SP_4_modules.json 4 -vmux 0,5,12 -scan digital -grafana module_map.txt

options:
`)
	flag.PrintDefaults()
}

type config struct {
	conn   string // connectivity file
	chips  []int  // chip positions
	output string

	vmux, imux string
	vmuxValues []int
	imuxValues []int

	scan string

	grafanaMap string
	grafanaURL string
	grafanaUID string

	regmap string
	db     string

	bin   string
	ctl   string
	scans string
	pmon  bool

	settle  time.Duration
	grace   time.Duration
	backoff time.Duration
}

func (cfg *config) parseArgs(args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return fmt.Errorf("need a connectivity file and a list of chip positions")
	}
	cfg.conn = args[0]

	var err error
	cfg.chips, err = parseInts(args[1])
	if err != nil {
		return fmt.Errorf("invalid chip positions %q: %w", args[1], err)
	}
	for _, pos := range cfg.chips {
		if !yarr.ValidPos(pos) {
			return fmt.Errorf("chip position %d is invalid: must be 1-%d", pos, yarr.NumPositions)
		}
	}

	if cfg.vmux == "" && cfg.imux == "" {
		return fmt.Errorf("at least one of -vmux or -imux must be specified")
	}
	cfg.vmuxValues, err = parseMux("vmux", cfg.vmux)
	if err != nil {
		return err
	}
	cfg.imuxValues, err = parseMux("imux", cfg.imux)
	if err != nil {
		return err
	}

	if cfg.scan != "" {
		ok := false
		for _, typ := range yarr.ScanTypes() {
			if typ == cfg.scan {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("unknown scan type %q (want one of %s)", cfg.scan, strings.Join(yarr.ScanTypes(), ", "))
		}
	}

	cfg.output = fmt.Sprintf("registers_info_%s.txt", time.Now().Format("20060102_150405"))
	if len(args) == 3 {
		cfg.output = args[2]
	}
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

func parseMux(kind, s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	vs, err := parseInts(s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s values %q: %w", kind, s, err)
	}
	for _, v := range vs {
		if v < 0 || v > regmap.MaxValue {
			return nil, fmt.Errorf("%s value %d out of range (0-%d)", kind, v, regmap.MaxValue)
		}
	}
	return vs, nil
}

type app struct {
	cfg config
	msg *log.Logger

	chips  []yarr.Chip
	rmap   *regmap.Map
	runner *yarr.Runner
	wrt    *report.Writer

	modmap map[string]grafana.Mapping
	gcli   *grafana.Client
	db     *resdb.DB

	skip map[string]bool // chip config path -> dropped from the run
}

func newApp(cfg config) *app {
	return &app{
		cfg:  cfg,
		msg:  log.New(os.Stdout, "mux-scan: ", 0),
		skip: make(map[string]bool),
	}
}

func (app *app) run(ctx context.Context) error {
	cfg := app.cfg

	var err error
	app.chips, err = yarr.Load(cfg.conn)
	if err != nil {
		return fmt.Errorf("could not load connectivity: %w", err)
	}

	mods := yarr.Modules(app.chips)
	app.msg.Printf("found %d module(s): %s", len(mods), strings.Join(mods, ", "))
	app.msg.Printf("total chips: %d", len(app.chips))

	ntgt := 0
	for _, pos := range cfg.chips {
		at, _ := yarr.AtPos(app.chips, pos)
		for _, chip := range at {
			app.msg.Printf("  [%s] %s (position %d)", chip.Module, chip.Name, chip.Pos)
		}
		ntgt += len(at)
	}
	if ntgt == 0 {
		return fmt.Errorf("no chips found at position(s) %v", cfg.chips)
	}

	app.rmap = regmap.New()
	if cfg.regmap != "" {
		app.rmap, err = regmap.Load(cfg.regmap)
		if err != nil {
			return fmt.Errorf("could not load register map: %w", err)
		}
	}

	if cfg.grafanaMap != "" {
		app.modmap, err = grafana.LoadModuleMap(cfg.grafanaMap)
		if err != nil {
			return fmt.Errorf("could not load module map: %w", err)
		}
		app.msg.Printf("grafana module mapping loaded from %s:", cfg.grafanaMap)
		for mod, m := range app.modmap {
			app.msg.Printf("  %s -> %s", m.Slot, mod)
		}
		app.gcli = grafana.NewClient(
			grafana.WithURL(cfg.grafanaURL),
			grafana.WithDatasource(cfg.grafanaUID),
		)
	}

	if cfg.db != "" {
		app.db, err = resdb.Open(cfg.db)
		if err != nil {
			return fmt.Errorf("could not open results db: %w", err)
		}
		defer app.db.Close()
	}

	opts := []yarr.Option{
		yarr.WithScanConsole(cfg.bin),
		yarr.WithControllerCfg(cfg.ctl),
		yarr.WithScanCfgDir(cfg.scans),
		yarr.WithGrace(cfg.grace),
		yarr.WithBackoff(cfg.backoff),
		yarr.WithLogger(app.msg),
	}
	if cfg.pmon {
		opts = append(opts, yarr.WithMonitor(".", 1*time.Second))
	}
	app.runner = yarr.NewRunner(opts...)

	app.wrt = report.NewWriter(cfg.output)
	defer app.wrt.Close()

	if cfg.scan != "" {
		app.msg.Printf("scan type: %s (instead of simple configuration)", cfg.scan)
	}

	for _, pos := range cfg.chips {
		at, others := yarr.AtPos(app.chips, pos)
		if len(at) == 0 {
			app.msg.Printf("warning: no chips found at position %d, skipping", pos)
			continue
		}
		for _, mux := range []struct {
			kind   regmap.Kind
			values []int
		}{
			{regmap.VMux, cfg.vmuxValues},
			{regmap.IMux, cfg.imuxValues},
		} {
			for _, value := range mux.values {
				err := app.measure(ctx, pos, at, others, mux.kind, value)
				if err != nil {
					return err
				}
			}
		}
	}

	err = app.wrt.Close()
	if err != nil {
		return err
	}
	app.msg.Printf("results written to %s", cfg.output)
	return nil
}

// measure programs one (register, value) pair on the chips at one
// position across all modules, runs a single scanConsole invocation
// and records one report row per configured chip.
func (app *app) measure(ctx context.Context, pos int, at, others []yarr.Chip, kind regmap.Kind, value int) error {
	app.msg.Printf("=== %s=%d for chip position %d across all modules ===", kind, value, pos)

	// target chips select the requested signal, every other chip
	// parks both mux lines on High-Z.
	monV, monI := value, yarr.MuxOff
	if kind == regmap.IMux {
		monV, monI = 1, value
	}

	var targets []yarr.Chip
	for _, chip := range at {
		if app.skip[chip.Path] {
			continue
		}
		app.msg.Printf("  [%s] setting %s: MonitorV=%d, MonitorI=%d", chip.Module, chip.Name, monV, monI)
		err := chip.SetMonitor(monV, monI)
		if err != nil {
			app.msg.Printf("warning: dropping chip %s from the run: %+v", chip.Name, err)
			app.skip[chip.Path] = true
			continue
		}
		targets = append(targets, chip)
	}
	if len(targets) == 0 {
		app.msg.Printf("warning: no usable chips left at position %d", pos)
		return nil
	}
	for _, chip := range others {
		if app.skip[chip.Path] {
			continue
		}
		err := chip.SetMonitor(yarr.MuxOff, yarr.MuxOff)
		if err != nil {
			app.msg.Printf("warning: dropping chip %s from the run: %+v", chip.Name, err)
			app.skip[chip.Path] = true
		}
	}

	var vals map[string]float64
	fetch := func() {
		if app.gcli == nil {
			return
		}
		v, err := app.gcli.FetchRegisterValues(ctx)
		if err != nil {
			app.msg.Printf("warning: could not fetch Grafana readback: %+v", err)
			return
		}
		app.msg.Printf("  [grafana] values: %v", v)
		vals = v
	}

	var (
		ts  time.Time
		err error
	)
	switch {
	case app.cfg.scan != "":
		ts, err = app.runner.Scan(ctx, app.cfg.conn, app.cfg.scan, fetch)
	default:
		ts, err = app.runner.Config(ctx, app.cfg.conn)
		if err == nil && app.gcli != nil {
			app.msg.Printf("waiting %v before Grafana readback...", app.cfg.settle)
			time.Sleep(app.cfg.settle)
			fetch()
		}
	}
	if err != nil {
		// the registers were programmed: keep the row, flag the scan.
		app.msg.Printf("warning: %+v (continuing with the next measurement)", err)
		app.alert(kind, value, err)
		ts = time.Now()
	}

	name := app.rmap.Name(kind, value)
	for _, chip := range targets {
		row := report.Row{
			Module:    chip.Module,
			Chip:      chip.Name,
			ChipNum:   chip.Pos,
			RegType:   string(kind),
			RegValue:  value,
			RegName:   name,
			Timestamp: ts,
		}
		if m, ok := app.modmap[chip.Module]; ok && vals != nil {
			if raw, ok := vals[m.Slot]; ok {
				cal := m.Calibrate(raw)
				row.Grafana = &raw
				row.Calibrated = &cal
			}
		}
		err := app.wrt.Write(row)
		if err != nil {
			return err
		}
		if app.db != nil {
			err := app.db.InsertMeasurement(ctx, row)
			if err != nil {
				app.msg.Printf("warning: could not archive measurement: %+v", err)
			}
		}
	}
	return nil
}

var (
	alertMailUsr  = os.Getenv("MAIL_USERNAME")
	alertMailPwd  = os.Getenv("MAIL_PASSWORD")
	alertMailSrv  = os.Getenv("MAIL_SERVER")
	alertMailPort = atoi(os.Getenv("MAIL_PORT"))
	alertMailTgts = strings.Split(os.Getenv("MAIL_TGTS"), ",")
)

// alert sends a mail notification about an exhausted scanConsole
// retry budget, when the MAIL_* environment is configured.
func (app *app) alert(kind regmap.Kind, value int, err error) {
	if alertMailUsr == "" || alertMailPwd == "" ||
		alertMailSrv == "" || alertMailPort == 0 ||
		len(alertMailTgts) == 0 || alertMailTgts[0] == "" {
		return
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", alertMailUsr)
	msg.SetHeader("Bcc", alertMailTgts...)
	msg.SetHeader("Subject", fmt.Sprintf("[mux-scan] scan failure: %s=%d", kind, value))
	msg.SetBody("text/plain", fmt.Sprintf("connectivity: %q\n%s=%d\nerror: %+v",
		app.cfg.conn, kind, value, err,
	))

	dial := mail.NewDialer(alertMailSrv, alertMailPort, alertMailUsr, alertMailPwd)
	derr := dial.DialAndSend(msg)
	if derr != nil {
		app.msg.Printf("could not send mail alert: %+v", derr)
	}
}

func atoi(s string) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}
