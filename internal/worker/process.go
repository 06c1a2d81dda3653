package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Spec describes one worker process launch: the agent command plus the
// per-namespace isolation contract (working directory, session state,
// mailbox).
type Spec struct {
	Command    []string
	Namespace  string
	WorkDir    string
	SessionDir string
	MailboxDir string
	Env        map[string]string
}

// BuildSpec lays out the isolation directories for a namespace under the
// configured roots.
func BuildSpec(command []string, namespace, workspaceRoot, sessionRoot, mailboxRoot string) Spec {
	return Spec{
		Command:    command,
		Namespace:  namespace,
		WorkDir:    filepath.Join(workspaceRoot, namespace),
		SessionDir: filepath.Join(sessionRoot, namespace),
		MailboxDir: filepath.Join(mailboxRoot, namespace),
	}
}

// Handle is a live worker process speaking newline-delimited JSON over
// stdin/stdout.
type Handle struct {
	spec   Spec
	cmd    *exec.Cmd
	stdin  *json.Encoder
	lines  chan string
	done   chan struct{}
	logger *zap.Logger

	mu      sync.Mutex
	exitErr error
	exited  bool
}

// Adapter spawns worker processes.
type Adapter struct {
	logger *zap.Logger
}

func NewAdapter(logger *zap.Logger) *Adapter {
	return &Adapter{logger: logger}
}

// Spawn starts the worker described by spec. The process is placed in its
// own process group so termination reaches any children it forks. The
// returned handle's Lines channel closes when stdout does.
func (a *Adapter) Spawn(ctx context.Context, spec Spec) (*Handle, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("spawn %s: empty worker command", spec.Namespace)
	}
	for _, dir := range []string{spec.WorkDir, spec.SessionDir, spec.MailboxDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("spawn %s: create %s: %w", spec.Namespace, dir, err)
		}
	}

	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	env := os.Environ()
	env = append(env,
		"COURIER_NAMESPACE="+spec.Namespace,
		"COURIER_SESSION_DIR="+spec.SessionDir,
		"COURIER_MAILBOX_DIR="+spec.MailboxDir,
	)
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: stdin pipe: %w", spec.Namespace, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: stdout pipe: %w", spec.Namespace, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: stderr pipe: %w", spec.Namespace, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: start %s: %w", spec.Namespace, spec.Command[0], err)
	}

	h := &Handle{
		spec:   spec,
		cmd:    cmd,
		stdin:  json.NewEncoder(stdin),
		lines:  make(chan string, 64),
		done:   make(chan struct{}),
		logger: a.logger.With(zap.String("namespace", spec.Namespace), zap.Int("pid", cmd.Process.Pid)),
	}

	var pipes sync.WaitGroup
	pipes.Add(2)
	go func() {
		defer pipes.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			h.lines <- scanner.Text()
		}
		close(h.lines)
	}()
	go func() {
		defer pipes.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			h.logger.Debug("worker stderr", zap.String("line", scanner.Text()))
		}
	}()
	go func() {
		// Wait closes the pipe read ends, so it must not run until
		// both scanners hit EOF or a fast worker's final output is
		// lost mid-pipe.
		pipes.Wait()
		err := cmd.Wait()
		h.mu.Lock()
		h.exitErr = err
		h.exited = true
		h.mu.Unlock()
		close(h.done)
	}()

	return h, nil
}

// SendLine writes one JSON object followed by a newline to the worker's
// stdin.
func (h *Handle) SendLine(v any) error {
	if err := h.stdin.Encode(v); err != nil {
		return fmt.Errorf("send to worker %s: %w", h.spec.Namespace, err)
	}
	return nil
}

// Lines is the worker's stdout, one line per receive. Closed on EOF.
func (h *Handle) Lines() <-chan string {
	return h.lines
}

// Done closes once the process has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitErr reports the process exit error, valid once Done is closed.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

func (h *Handle) Namespace() string {
	return h.spec.Namespace
}

// Terminate asks the process group to stop, waits up to grace, then kills.
// Safe to call after exit.
func (h *Handle) Terminate(grace time.Duration) {
	h.mu.Lock()
	exited := h.exited
	h.mu.Unlock()
	if exited {
		return
	}
	pgid := -h.cmd.Process.Pid
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
		h.logger.Debug("terminate signal failed", zap.Error(err))
	}
	// The exit goroutine is gated on stdout EOF; drain whatever output
	// the caller stopped reading so it can get there.
	go func() {
		for range h.lines {
		}
	}()
	select {
	case <-h.done:
		return
	case <-time.After(grace):
	}
	if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil {
		h.logger.Debug("kill signal failed", zap.Error(err))
	}
	<-h.done
}
