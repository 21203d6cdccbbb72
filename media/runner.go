package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"mediabatch/config"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// stderrTail bounds how much process output is quoted in errors.
const stderrTail = 512

// Result captures one external command invocation.
type Result struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exitCode"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
}

// Runner executes engine subprocesses in their own process group, after
// checking that the host has enough idle resources.
type Runner struct {
	throttleCPU     float64
	throttleFreeMem int64
	minFreeDisk     int64
	workDir         string
	killGrace       time.Duration

	cpuPercent   func() (float64, error)
	availableMem func() (uint64, error)
	freeDisk     func(path string) (uint64, error)
}

func NewRunner(cfg *config.Config) *Runner {
	workDir := os.TempDir()
	return &Runner{
		throttleCPU:     cfg.ThrottleCPU,
		throttleFreeMem: cfg.ThrottleFreeMem,
		minFreeDisk:     cfg.CacheMinFreeDisk,
		workDir:         workDir,
		killGrace:       5 * time.Second,
		cpuPercent: func() (float64, error) {
			p, err := cpu.Percent(time.Second, false)
			if err != nil || len(p) == 0 {
				return 0, err
			}
			return p[0], nil
		},
		availableMem: func() (uint64, error) {
			vm, err := mem.VirtualMemory()
			if err != nil {
				return 0, err
			}
			return vm.Available, nil
		},
		freeDisk: func(path string) (uint64, error) {
			d, err := disk.Usage(path)
			if err != nil {
				return 0, err
			}
			return d.Free, nil
		},
	}
}

// Run executes args[0] with args[1:]. Every output line, from stdout and
// stderr, is passed to onLine as it arrives; stdout is also returned in full.
// When ctx is done the whole process group is killed.
func (r *Runner) Run(ctx context.Context, args []string, onLine func(string)) (Result, error) {
	if len(args) == 0 {
		return Result{}, errors.New("empty command")
	}
	if err := r.checkResources(); err != nil {
		return Result{}, fmt.Errorf("insufficient system resources: %w", err)
	}
	bin, err := exec.LookPath(args[0])
	if err != nil {
		return Result{}, fmt.Errorf("binary not found or not in PATH: %s", args[0])
	}

	cmd := exec.CommandContext(ctx, bin, args[1:]...)
	setProcessGroup(cmd)
	cmd.WaitDelay = r.killGrace

	var stdout, stderr bytes.Buffer
	lines := &lineWriter{fn: onLine}
	errLines := &lineWriter{fn: onLine}
	cmd.Stdout = io.MultiWriter(&stdout, lines)
	cmd.Stderr = io.MultiWriter(&stderr, errLines)

	name := filepath.Base(bin)
	log.Printf("[media] executing: %s %s", name, strings.Join(args[1:], " "))

	err = cmd.Run()
	lines.Flush()
	errLines.Flush()

	res := Result{
		Command: name,
		Args:    args[1:],
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}
	if err != nil {
		res.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, fmt.Errorf("%s stopped: %w", name, ctxErr)
		}
		return res, fmt.Errorf("%s exited with code %d: %s", name, res.ExitCode, tail(res.Stderr, stderrTail))
	}
	return res, nil
}

// checkResources verifies that the system has enough free resources to start a new job.
func (r *Runner) checkResources() error {
	// CPU
	if r.throttleCPU > 0 && r.cpuPercent != nil {
		p, err := r.cpuPercent()
		if err != nil {
			log.Printf("[media] warning: could not get CPU usage: %v", err)
		} else if p > 100.0-r.throttleCPU {
			return fmt.Errorf("not enough idle CPU. Current usage: %.2f%%, Idle threshold: %.2f%%", p, r.throttleCPU)
		}
	}

	// Memory
	if r.throttleFreeMem > 0 && r.availableMem != nil {
		avail, err := r.availableMem()
		if err != nil {
			log.Printf("[media] warning: could not get memory usage: %v", err)
		} else if avail < uint64(r.throttleFreeMem) {
			return fmt.Errorf("not enough free memory. Available: %d, Required: %d", avail, r.throttleFreeMem)
		}
	}

	// Disk
	if r.minFreeDisk > 0 && r.freeDisk != nil {
		free, err := r.freeDisk(r.workDir)
		if err != nil {
			log.Printf("[media] warning: could not get disk usage for %s: %v", r.workDir, err)
		} else if free < uint64(r.minFreeDisk) {
			return fmt.Errorf("not enough free disk space. Available: %d, Required: %d", free, r.minFreeDisk)
		}
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// lineWriter calls fn for every complete line written to it. Both \n and \r
// end a line so carriage-return progress bars are seen as they update.
type lineWriter struct {
	mu  sync.Mutex
	fn  func(string)
	buf []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	if w.fn == nil {
		return len(p), nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, b := range p {
		if b == '\n' || b == '\r' {
			w.emitLocked()
			continue
		}
		w.buf = append(w.buf, b)
	}
	return len(p), nil
}

// Flush emits a trailing partial line.
func (w *lineWriter) Flush() {
	if w.fn == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.emitLocked()
}

func (w *lineWriter) emitLocked() {
	if len(w.buf) == 0 {
		return
	}
	line := string(w.buf)
	w.buf = w.buf[:0]
	w.fn(line)
}
