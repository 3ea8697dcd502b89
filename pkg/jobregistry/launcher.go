package jobregistry

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Launch records a detached batch run.
type Launch struct {
	RunID        string    `json:"run_id"`
	ManifestPath string    `json:"manifest_path"`
	PID          int       `json:"pid"`
	Args         []string  `json:"args"`
	StartedAt    time.Time `json:"started_at"`
	StdoutPath   string    `json:"stdout_path"`
	StderrPath   string    `json:"stderr_path"`
}

// Launcher starts `pcrbatch run` as a detached child process so a long wait
// survives the terminal that started it.
//
// Directory layout:
//
//	<root>/<run_id>/launch.json
//	<root>/<run_id>/stdout.log
//	<root>/<run_id>/stderr.log
type Launcher struct {
	root string

	// Executable overrides the binary to run; defaults to os.Executable.
	Executable string
}

func NewLauncher(root string) *Launcher {
	return &Launcher{root: strings.TrimSpace(root)}
}

func (l *Launcher) RunDir(runID string) string {
	return filepath.Join(l.root, runID)
}

func (l *Launcher) StdoutPath(runID string) string {
	return filepath.Join(l.RunDir(runID), "stdout.log")
}

func (l *Launcher) StderrPath(runID string) string {
	return filepath.Join(l.RunDir(runID), "stderr.log")
}

// StartRunBackground spawns:
//
//	pcrbatch run <manifest> [extraArgs...]
//
// with stdout and stderr captured to per-run log files. It returns after the
// child successfully starts.
func (l *Launcher) StartRunBackground(manifestPath string, extraArgs []string) (*Launch, error) {
	if l == nil || strings.TrimSpace(l.root) == "" {
		return nil, fmt.Errorf("launcher is not initialized")
	}

	absManifest, err := filepath.Abs(strings.TrimSpace(manifestPath))
	if err != nil {
		return nil, fmt.Errorf("resolve manifest path: %w", err)
	}
	if _, err := os.Stat(absManifest); err != nil {
		return nil, fmt.Errorf("manifest not found: %s", absManifest)
	}

	exe := l.Executable
	if exe == "" {
		exe, err = os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
	}

	runID := uuid.New().String()
	if err := os.MkdirAll(l.RunDir(runID), 0755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}

	stdoutFile, err := os.Create(l.StdoutPath(runID))
	if err != nil {
		return nil, fmt.Errorf("create stdout log: %w", err)
	}
	defer func() { _ = stdoutFile.Close() }()
	stderrFile, err := os.Create(l.StderrPath(runID))
	if err != nil {
		return nil, fmt.Errorf("create stderr log: %w", err)
	}
	defer func() { _ = stderrFile.Close() }()

	args := append([]string{"run", absManifest}, extraArgs...)
	cmd := exec.Command(exe, args...)
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start background run: %w", err)
	}

	launch := &Launch{
		RunID:        runID,
		ManifestPath: absManifest,
		PID:          cmd.Process.Pid,
		Args:         args,
		StartedAt:    time.Now().UTC(),
		StdoutPath:   l.StdoutPath(runID),
		StderrPath:   l.StderrPath(runID),
	}
	if err := writeJSONAtomic(filepath.Join(l.RunDir(runID), "launch.json"), launch); err != nil {
		return nil, err
	}

	// The child is not waited on; release it so it outlives this process.
	_ = cmd.Process.Release()

	return launch, nil
}
