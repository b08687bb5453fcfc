// Package capability probes the host once at startup for the interpreters
// and services tools depend on.
package capability

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// Capabilities is the result of a probe. It is computed once and passed to
// the components that need it.
type Capabilities struct {
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	CPUs      int    `json:"cpus"`
	Python    string `json:"python,omitempty"`
	Node      string `json:"node,omitempty"`
	Engine    bool   `json:"engine"`
	OutputDir string `json:"output_dir,omitempty"`
	// OutputWritable reports whether files can be exported to OutputDir.
	OutputWritable bool `json:"output_writable"`
}

func (c Capabilities) HasPython() bool { return c.Python != "" }
func (c Capabilities) HasNode() bool   { return c.Node != "" }

// Pinger reports whether the inference engine is reachable.
type Pinger interface {
	IsRunning(ctx context.Context) bool
}

// Prober runs the checks. LookPath is replaceable for tests.
type Prober struct {
	LookPath  func(file string) (string, error)
	Engine    Pinger
	OutputDir string
	Logger    *slog.Logger
}

var (
	pythonCandidates = []string{"python3", "python"}
	nodeCandidates   = []string{"node", "nodejs"}
)

// Probe inspects the host. Missing pieces are reported, never returned as
// errors.
func (p Prober) Probe(ctx context.Context) Capabilities {
	lookPath := p.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := Capabilities{
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		CPUs:      runtime.NumCPU(),
		Python:    firstOnPath(lookPath, pythonCandidates),
		Node:      firstOnPath(lookPath, nodeCandidates),
		OutputDir: p.OutputDir,
	}
	if p.Engine != nil {
		c.Engine = p.Engine.IsRunning(ctx)
	}
	if p.OutputDir != "" {
		c.OutputWritable = writable(p.OutputDir)
	}

	logger.Info("capabilities probed",
		"python", c.Python,
		"node", c.Node,
		"engine", c.Engine,
		"output_writable", c.OutputWritable)
	if !c.HasPython() {
		logger.Warn("no python interpreter found, python steps will return code only")
	}
	return c
}

func firstOnPath(lookPath func(string) (string, error), names []string) string {
	for _, n := range names {
		if path, err := lookPath(n); err == nil {
			return path
		}
	}
	return ""
}

// writable creates dir if needed and checks a file can be written in it.
func writable(dir string) bool {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false
	}
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return false
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return true
}

// DefaultOutputDir is where exported files go when none is configured.
func DefaultOutputDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "taskmind")
	}
	return filepath.Join(home, "taskmind", "output")
}
