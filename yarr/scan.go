// Copyright 2025 The go-itk Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package yarr

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sbinet/pmon"
	"golang.org/x/sync/errgroup"
)

// Default locations of the external YARR tooling.
const (
	DefaultScanConsole   = "/YARR/bin/scanConsole"
	DefaultControllerCfg = "/configs/yarr/controller/controller_demi.json"
	DefaultScanCfgDir    = "/configs/yarr/scans/itkpixv2"
)

// scanFiles maps a scan type to its YARR scan configuration file.
var scanFiles = map[string]string{
	"digital":     "std_digitalscan.json",
	"analog":      "std_analogscan.json",
	"noise":       "std_noisescan.json",
	"random":      "randomtrigger_sourcescan.json",
	"selftrigger": "selftrigger_source.json",
}

// ScanTypes returns the sorted list of known scan types.
func ScanTypes() []string {
	types := make([]string, 0, len(scanFiles))
	for typ := range scanFiles {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

// Runner drives the external scanConsole program.
type Runner struct {
	bin   string // scanConsole binary
	ctl   string // controller configuration file
	scans string // directory holding scan configurations

	retries int           // attempts per invocation
	backoff time.Duration // delay between attempts
	grace   time.Duration // delay between scan start and the readback hook

	mon     bool // monitor scanConsole with pmon
	monDir  string
	monFreq time.Duration

	msg *log.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithScanConsole sets the path of the scanConsole binary.
func WithScanConsole(bin string) Option {
	return func(run *Runner) { run.bin = bin }
}

// WithControllerCfg sets the YARR controller configuration file.
func WithControllerCfg(ctl string) Option {
	return func(run *Runner) { run.ctl = ctl }
}

// WithScanCfgDir sets the directory holding the YARR scan configurations.
func WithScanCfgDir(dir string) Option {
	return func(run *Runner) { run.scans = dir }
}

// WithRetries sets the number of attempts per scanConsole invocation.
func WithRetries(n int) Option {
	return func(run *Runner) { run.retries = n }
}

// WithBackoff sets the delay between scanConsole attempts.
func WithBackoff(d time.Duration) Option {
	return func(run *Runner) { run.backoff = d }
}

// WithGrace sets the delay between scan-start detection and the
// invocation of the readback hook.
func WithGrace(d time.Duration) Option {
	return func(run *Runner) { run.grace = d }
}

// WithMonitor enables pmon monitoring of each scanConsole process,
// with logs under dir.
func WithMonitor(dir string, freq time.Duration) Option {
	return func(run *Runner) {
		run.mon = true
		run.monDir = dir
		run.monFreq = freq
	}
}

// WithLogger sets the logger used by the Runner.
func WithLogger(msg *log.Logger) Option {
	return func(run *Runner) { run.msg = msg }
}

// NewRunner creates a Runner with the default YARR locations, 3
// attempts per invocation and a 5s readback grace delay.
func NewRunner(opts ...Option) *Runner {
	run := &Runner{
		bin:     DefaultScanConsole,
		ctl:     DefaultControllerCfg,
		scans:   DefaultScanCfgDir,
		retries: 3,
		backoff: 2 * time.Second,
		grace:   5 * time.Second,
		monFreq: 1 * time.Second,
	}
	for _, opt := range opts {
		opt(run)
	}
	if run.msg == nil {
		run.msg = log.New(os.Stdout, "yarr: ", 0)
	}
	return run
}

// Config runs scanConsole in configure-only mode for the given
// connectivity file and returns the completion time.
func (run *Runner) Config(ctx context.Context, conn string) (time.Time, error) {
	args := []string{"-r", run.ctl, "-c", conn, "-o", os.DevNull}
	return run.invoke(ctx, "config", args, nil)
}

// Scan runs scanConsole with the named scan for the given connectivity
// file and returns the completion time.
//
// While the scan runs, stdout is watched for the "Run Scan" marker:
// once it shows up and the grace delay has elapsed, onStarted is
// invoked (if non-nil). This is the window where the mux outputs are
// live and monitoring readback is meaningful.
func (run *Runner) Scan(ctx context.Context, conn, typ string, onStarted func()) (time.Time, error) {
	scan, ok := scanFiles[typ]
	if !ok {
		return time.Time{}, fmt.Errorf("yarr: unknown scan type %q (want one of %s)",
			typ, strings.Join(ScanTypes(), ", "),
		)
	}
	args := []string{
		"-r", run.ctl,
		"-c", conn,
		"-s", filepath.Join(run.scans, scan),
		"-o", os.DevNull,
	}
	return run.invoke(ctx, typ+" scan", args, onStarted)
}

func (run *Runner) invoke(ctx context.Context, what string, args []string, onStarted func()) (time.Time, error) {
	var err error
	for attempt := 1; attempt <= run.retries; attempt++ {
		run.msg.Printf("running %s (attempt %d/%d): %s %s",
			what, attempt, run.retries, run.bin, strings.Join(args, " "),
		)
		err = run.attempt(ctx, args, onStarted)
		if err == nil {
			ts := time.Now()
			run.msg.Printf("%s completed at %s", what, ts.Format("2006-01-02 15:04:05"))
			return ts, nil
		}
		run.msg.Printf("attempt %d/%d failed: %+v", attempt, run.retries, err)
		if attempt < run.retries {
			time.Sleep(run.backoff)
		}
	}
	return time.Time{}, fmt.Errorf("yarr: %s failed after %d attempts: %w", what, run.retries, err)
}

func (run *Runner) attempt(ctx context.Context, args []string, onStarted func()) error {
	cmd := exec.CommandContext(ctx, run.bin, args...)

	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("yarr: could not create output pipe: %w", err)
	}
	defer pr.Close()
	cmd.Stdout = pw
	cmd.Stderr = pw

	var (
		buf bytes.Buffer
		grp errgroup.Group
	)
	grp.Go(func() error {
		started := false
		sc := bufio.NewScanner(pr)
		for sc.Scan() {
			line := sc.Text()
			buf.WriteString(line)
			buf.WriteString("\n")
			if !started && strings.Contains(line, "Run Scan") {
				started = true
				if onStarted != nil {
					time.Sleep(run.grace)
					onStarted()
				}
			}
		}
		return sc.Err()
	})

	err = cmd.Start()
	if err != nil {
		pw.Close()
		return fmt.Errorf("yarr: could not start %q: %w", run.bin, err)
	}

	if run.mon {
		stop, err := run.monitor(cmd.Process.Pid)
		if err != nil {
			run.msg.Printf("could not monitor scanConsole: %+v", err)
		} else {
			defer stop()
		}
	}

	werr := cmd.Wait()
	pw.Close()
	rerr := grp.Wait()

	switch {
	case werr != nil:
		return fmt.Errorf("yarr: could not run %q: %w", run.bin, werr)
	case rerr != nil:
		return fmt.Errorf("yarr: could not read scanConsole output: %w", rerr)
	}

	if bytes.Contains(bytes.ToLower(buf.Bytes()), []byte("[critical]")) {
		return fmt.Errorf("yarr: scanConsole reported a critical error")
	}
	return nil
}

func (run *Runner) monitor(pid int) (stop func(), err error) {
	p, err := pmon.Monitor(pid)
	if err != nil {
		return nil, fmt.Errorf("yarr: could not monitor pid=%d: %w", pid, err)
	}
	f, err := os.OpenFile(
		filepath.Join(run.monDir, "scanConsole-pmon.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644,
	)
	if err != nil {
		return nil, fmt.Errorf("yarr: could not create pmon log file: %w", err)
	}
	p.W = f
	p.Freq = run.monFreq

	go func() {
		err := p.Run()
		if err != nil {
			run.msg.Printf("could not run pmon for pid=%d: %+v", pid, err)
		}
	}()

	return func() {
		err := p.Kill()
		if err != nil {
			run.msg.Printf("could not stop pmon for pid=%d: %+v", pid, err)
		}
		f.Close()
	}, nil
}
