package royale

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// ProcessState is the lifecycle state of a managed process.
type ProcessState int

const (
	ProcessStarting ProcessState = iota
	ProcessReady
	ProcessCrashed
	ProcessStopped
	ProcessTimedOut
)

func (s ProcessState) String() string {
	switch s {
	case ProcessStarting:
		return "starting"
	case ProcessReady:
		return "ready"
	case ProcessCrashed:
		return "crashed"
	case ProcessStopped:
		return "stopped"
	case ProcessTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// ReadyProbe checks whether a process is ready to accept work. A nil probe
// marks the process ready as soon as it has started.
type ReadyProbe func(ctx context.Context) error

// TCPReadyProbe reports readiness once the address accepts connections.
func TCPReadyProbe(addr string) ReadyProbe {
	return func(ctx context.Context) error {
		d := net.Dialer{Timeout: 500 * time.Millisecond}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		conn.Close()
		return nil
	}
}

// FileReadyProbe reports readiness once the path exists, used for the
// display socket of the virtual framebuffer.
func FileReadyProbe(path string) ReadyProbe {
	return func(ctx context.Context) error {
		_, err := os.Stat(path)
		return err
	}
}

// ProcessSpec describes one process to launch and how to probe it.
type ProcessSpec struct {
	Name  string
	Path  string
	Args  []string
	Dir   string
	Env   []string
	Ready ReadyProbe
	// ReadyTimeout bounds the readiness wait, zero uses the supervisor default
	ReadyTimeout time.Duration
}

// ProcessHandle tracks one managed process. State transitions are owned by
// the supervisor and the internal reaper goroutine.
type ProcessHandle struct {
	ID   string
	Name string

	spec    ProcessSpec
	process *exec.Cmd
	cancel  context.CancelFunc
	stdout  *bytes.Buffer
	stderr  *bytes.Buffer

	mu       sync.Mutex
	state    ProcessState
	stopping bool
	waitErr  error
	waitCh   chan struct{}
}

func (h *ProcessHandle) State() ProcessState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *ProcessHandle) setState(s ProcessState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = s
}

// Exited reports whether the underlying process has terminated.
func (h *ProcessHandle) Exited() bool {
	select {
	case <-h.waitCh:
		return true
	default:
		return false
	}
}

// PID of the underlying process, -1 when it never started.
func (h *ProcessHandle) PID() int {
	if h.process == nil || h.process.Process == nil {
		return -1
	}
	return h.process.Process.Pid
}

// Logs returns the captured stdout and stderr.
func (h *ProcessHandle) Logs() (string, string) {
	return h.stdout.String(), h.stderr.String()
}

// Supervisor launches and tears down the external processes of one
// environment instance: virtual display, game server, gui and bots. It is
// the sole owner of their lifecycle.
type Supervisor struct {
	name         string
	workDir      string
	readyTimeout time.Duration
	stopGrace    time.Duration
	logger       *log.Logger

	mu      sync.Mutex
	handles []*ProcessHandle
}

func NewSupervisor(name, workDir string, readyTimeout, stopGrace time.Duration, logger *log.Logger) *Supervisor {
	if readyTimeout == 0 {
		readyTimeout = 20 * time.Second
	}
	if stopGrace == 0 {
		stopGrace = 2 * time.Second
	}
	os.MkdirAll(workDir, 0777)
	return &Supervisor{
		name:         name,
		workDir:      workDir,
		readyTimeout: readyTimeout,
		stopGrace:    stopGrace,
		logger:       logger,
		handles:      make([]*ProcessHandle, 0),
	}
}

// WorkDir is the scratch directory of this instance.
func (s *Supervisor) WorkDir() string {
	return s.workDir
}

// Start launches the process described by the spec. The returned handle is
// in the starting state, use AwaitReady to wait for the readiness probe.
func (s *Supervisor) Start(spec ProcessSpec) (*ProcessHandle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &ProcessHandle{
		ID:     uuid.New().String()[0:8],
		Name:   spec.Name,
		spec:   spec,
		cancel: cancel,
		stdout: new(bytes.Buffer),
		stderr: new(bytes.Buffer),
		state:  ProcessStarting,
		waitCh: make(chan struct{}),
	}

	h.process = exec.CommandContext(ctx, spec.Path, spec.Args...)
	h.process.Stdout = h.stdout
	h.process.Stderr = h.stderr
	if spec.Dir != "" {
		h.process.Dir = spec.Dir
	}
	if len(spec.Env) > 0 {
		h.process.Env = append(os.Environ(), spec.Env...)
	}
	// own process group so children such as the jvm's forks die with it
	h.process.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := h.process.Start(); err != nil {
		cancel()
		h.setState(ProcessCrashed)
		close(h.waitCh)
		return h, fmt.Errorf("(royale:process.go:Supervisor:Start:1) could not start %s: %s", spec.Name, err)
	}
	s.logger.Printf("started %s (pid %d)", spec.Name, h.process.Process.Pid)

	go func() {
		err := h.process.Wait()
		h.mu.Lock()
		h.waitErr = err
		if h.stopping {
			h.state = ProcessStopped
		} else {
			h.state = ProcessCrashed
		}
		h.mu.Unlock()
		close(h.waitCh)
	}()

	s.mu.Lock()
	s.handles = append(s.handles, h)
	s.mu.Unlock()
	return h, nil
}

// AwaitReady polls the readiness probe until it succeeds, the process dies
// or the timeout elapses, and returns the resulting state.
func (s *Supervisor) AwaitReady(ctx context.Context, h *ProcessHandle) ProcessState {
	if h.spec.Ready == nil {
		if h.Exited() {
			return h.State()
		}
		h.setState(ProcessReady)
		return ProcessReady
	}

	timeout := h.spec.ReadyTimeout
	if timeout == 0 {
		timeout = s.readyTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		if h.Exited() {
			stdout, stderr := h.Logs()
			s.logger.Printf("%s exited while waiting for readiness, stdout: %s, stderr: %s", h.Name, stdout, stderr)
			return h.State()
		}
		probeCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		err := h.spec.Ready(probeCtx)
		cancel()
		if err == nil {
			h.setState(ProcessReady)
			return ProcessReady
		}
		if time.Now().After(deadline) {
			h.setState(ProcessTimedOut)
			return ProcessTimedOut
		}
		select {
		case <-ctx.Done():
			h.setState(ProcessTimedOut)
			return ProcessTimedOut
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// IsAlive reports whether the process is running.
func (s *Supervisor) IsAlive(h *ProcessHandle) bool {
	if h == nil {
		return false
	}
	if h.Exited() {
		return false
	}
	state := h.State()
	return state == ProcessStarting || state == ProcessReady
}

// Stop terminates one process, escalating from the termination signal to a
// kill after the grace period, and removes it from the supervised set.
// Stopping an already dead process is not an error.
func (s *Supervisor) Stop(h *ProcessHandle) error {
	if h == nil {
		return nil
	}

	s.mu.Lock()
	for i, other := range s.handles {
		if other == h {
			s.handles = append(s.handles[:i], s.handles[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if h.Exited() {
		h.cancel()
		return nil
	}

	h.mu.Lock()
	h.stopping = true
	h.mu.Unlock()

	// signal the whole process group first, fall back to the process itself
	if pid := h.PID(); pid > 0 {
		if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
			h.process.Process.Signal(syscall.SIGTERM)
		}
	}

	select {
	case <-h.waitCh:
	case <-time.After(s.stopGrace):
		h.cancel()
		if pid := h.PID(); pid > 0 {
			syscall.Kill(-pid, syscall.SIGKILL)
		}
		<-h.waitCh
	}
	h.cancel()

	h.mu.Lock()
	err := h.waitErr
	h.mu.Unlock()
	if err != nil && !strings.Contains(err.Error(), "signal:") {
		return fmt.Errorf("(royale:process.go:Supervisor:Stop:1) error stopping %s: %s", h.Name, err)
	}
	return nil
}

// StopAll terminates every supervised process in reverse start order and
// removes the scratch directory. Safe to call more than once.
func (s *Supervisor) StopAll() error {
	s.mu.Lock()
	handles := make([]*ProcessHandle, len(s.handles))
	copy(handles, s.handles)
	s.handles = make([]*ProcessHandle, 0)
	s.mu.Unlock()

	var firstErr error
	for i := len(handles) - 1; i >= 0; i-- {
		if err := s.Stop(handles[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := os.RemoveAll(s.workDir); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("(royale:process.go:Supervisor:StopAll:1) error cleaning workdir: %s", err)
	}
	return firstErr
}

// Handles returns a snapshot of the currently supervised processes.
func (s *Supervisor) Handles() []*ProcessHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ProcessHandle, len(s.handles))
	copy(out, s.handles)
	return out
}
