package model

import (
	"embed"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/shlex"
	"github.com/sirupsen/logrus"

	"vocalscribe/config"
	"vocalscribe/logger"
)

//go:embed assets/*.py
var helperScripts embed.FS

var scriptNames = map[Slot]string{
	SlotSeparator:   "separate_vocals.py",
	SlotTranscriber: "transcribe.py",
}

const stopGrace = 5 * time.Second

// ProcessLauncher runs the embedded Python helpers.
type ProcessLauncher struct {
	python  []string
	scripts map[Slot]string
	log     *logger.Logger
}

// NewProcessLauncher writes the helper scripts to HELPER_DIR (a temp dir by default).
func NewProcessLauncher(cfg *config.Config, log *logger.Logger) (*ProcessLauncher, error) {
	python, err := shlex.Split(cfg.PythonCmd)
	if err != nil {
		return nil, fmt.Errorf("invalid PYTHON_CMD: %w", err)
	}
	if len(python) == 0 {
		return nil, fmt.Errorf("PYTHON_CMD is empty")
	}
	if _, err := exec.LookPath(python[0]); err != nil {
		return nil, fmt.Errorf("python interpreter not found or not in PATH: %s", python[0])
	}

	dir := cfg.HelperDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "vocalscribe-helpers")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create helper dir: %w", err)
	}

	scripts := make(map[Slot]string, len(scriptNames))
	for slot, name := range scriptNames {
		body, err := helperScripts.ReadFile("assets/" + name)
		if err != nil {
			return nil, err
		}
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, body, 0o644); err != nil {
			return nil, fmt.Errorf("write helper script: %w", err)
		}
		scripts[slot] = path
	}
	log.WithField("dir", dir).Debug("helper scripts installed")

	return &ProcessLauncher{python: python, scripts: scripts, log: log}, nil
}

func (l *ProcessLauncher) Launch(profile Profile) (Conn, error) {
	script, ok := l.scripts[profile.Slot]
	if !ok {
		return nil, fmt.Errorf("no helper for slot %s", profile.Slot)
	}

	args := append([]string{}, l.python[1:]...)
	args = append(args, script, "--model", profile.Name, "--device", profile.Device)
	if profile.ComputeType != "" {
		args = append(args, "--compute-type", profile.ComputeType)
	}

	// Not CommandContext: the helper outlives the request that triggered the load.
	cmd := exec.Command(l.python[0], args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr := l.log.WithField("helper", string(profile.Slot)).WriterLevel(logrus.DebugLevel)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		stderr.Close()
		return nil, fmt.Errorf("start helper: %w", err)
	}
	l.log.WithField("helper", string(profile.Slot)).WithField("pid", cmd.Process.Pid).Debug("helper started")

	return &processConn{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type processConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.Closer

	once sync.Once
	err  error
}

func (p *processConn) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *processConn) Write(b []byte) (int, error) { return p.stdin.Write(b) }

// Close lets the helper exit on EOF and kills it if it does not within stopGrace.
func (p *processConn) Close() error {
	p.once.Do(func() {
		p.stdin.Close()
		done := make(chan error, 1)
		go func() { done <- p.cmd.Wait() }()
		select {
		case <-done:
		case <-time.After(stopGrace):
			p.cmd.Process.Kill()
			<-done
		}
		p.err = p.stderr.Close()
	})
	return p.err
}
