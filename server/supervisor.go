package server

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/matgreaves/warden/bus"
	"github.com/matgreaves/warden/proc"
)

// child tracks a live process: the exec handle, the cancel signal shared by
// its watchers, and the termination mode flags the exit watcher consults.
type child struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{} // closed after the terminal transition is published

	mu        sync.Mutex
	graceful  bool // a graceful stop signalled SIGTERM
	escalated bool // the graceful timeout fired and SIGKILL was sent
}

func (c *child) markGraceful() {
	c.mu.Lock()
	c.graceful = true
	c.mu.Unlock()
}

func (c *child) markEscalated() {
	c.mu.Lock()
	c.escalated = true
	c.mu.Unlock()
}

func (c *child) stopMode() (graceful, escalated bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.graceful, c.escalated
}

// signal delivers sig to the child's process group, reaching any
// grandchildren it spawned.
func (c *child) signal(sig syscall.Signal) error {
	return syscall.Kill(-c.cmd.Process.Pid, sig)
}

// Supervisor spawns child processes, observes them with three watchers
// apiece (stdout reader, stderr reader, exit watcher), enforces the record
// state machine, and terminates children with graceful escalation.
//
// The exit watcher is the only code path that performs terminal transitions
// for a live child; the stop path transitions to stopping, signals, and
// waits. Transition+publish pairs are serialized per id so each state
// change emits exactly one stateChanged event, in order.
type Supervisor struct {
	registry *Registry
	bus      *bus.Bus
	log      logrus.FieldLogger
	clock    clockwork.Clock

	gracefulTimeout time.Duration
	shutdownTimeout time.Duration

	mu       sync.Mutex
	children map[string]*child
	locks    map[string]*sync.Mutex
	stopping bool
	shutdown chan struct{}
}

// NewSupervisor wires a supervisor to its registry, bus, and clock.
// Timeouts fall back to the option defaults when non-positive.
func NewSupervisor(registry *Registry, eb *bus.Bus, log logrus.FieldLogger, opts Options) *Supervisor {
	if opts.GracefulTimeout <= 0 {
		opts.GracefulTimeout = DefaultGracefulTimeout
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Supervisor{
		registry:        registry,
		bus:             eb,
		log:             log.WithField("component", "supervisor"),
		clock:           clock,
		gracefulTimeout: opts.GracefulTimeout,
		shutdownTimeout: opts.ShutdownTimeout,
		children:        make(map[string]*child),
		locks:           make(map[string]*sync.Mutex),
		shutdown:        make(chan struct{}),
	}
}

// Spawn validates the request, creates the record, starts the child with
// stdout/stderr piped and stdin null, and launches the watchers. On spawn
// failure the record transitions starting -> failed and the returned error
// wraps the reason; the failed record snapshot is still returned so callers
// have the id.
func (s *Supervisor) Spawn(req proc.StartRequest) (proc.Record, error) {
	if err := req.Validate(); err != nil {
		return proc.Record{}, err
	}
	select {
	case <-s.shutdown:
		return proc.Record{}, ErrShuttingDown
	default:
	}

	id := generateID()
	rec := proc.Record{
		ID:        id,
		Title:     req.Title,
		Name:      req.Name,
		Command:   req.Argv(),
		Status:    proc.StatusStarting,
		StartTime: time.Now(),
		Metadata:  map[string]any{"originalRequest": req},
	}
	if err := s.registry.Add(rec); err != nil {
		return proc.Record{}, err
	}
	s.appendLog(id, proc.LogSystem, "created with command: "+strings.Join(rec.Command, " "))

	cmd := exec.Command(rec.Command[0], rec.Command[1:]...)
	cmd.Dir = req.Dir
	cmd.Env = mergedEnv(req.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return s.spawnFailed(id, fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdout.Close()
		return s.spawnFailed(id, fmt.Errorf("stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		return s.spawnFailed(id, err)
	}

	pid := cmd.Process.Pid
	s.registry.SetPID(id, pid)
	s.appendLog(id, proc.LogSystem, fmt.Sprintf("started with pid %d", pid))

	snap, err := s.transition(id, proc.StatusRunning, "")
	if err != nil {
		// The record vanished out from under us (explicit Remove); reap
		// the child rather than leaking it.
		s.log.WithField("proc_id", id).WithError(err).Error("transition to running failed")
		syscall.Kill(-pid, syscall.SIGKILL)
		cmd.Wait()
		return proc.Record{}, err
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	c := &child{cmd: cmd, cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.children[id] = c
	s.mu.Unlock()

	go s.watch(watchCtx, id, c, stdout, stderr)

	s.log.WithFields(logrus.Fields{"proc_id": id, "pid": pid}).Debug("process started")
	return snap, nil
}

// spawnFailed records the failure, transitions starting -> failed, and
// returns the failed snapshot alongside the error.
func (s *Supervisor) spawnFailed(id string, cause error) (proc.Record, error) {
	s.appendLog(id, proc.LogSystem, "failed to start: "+cause.Error())
	snap, terr := s.transition(id, proc.StatusFailed, cause.Error())
	if terr != nil {
		s.log.WithField("proc_id", id).WithError(terr).Error("transition to failed rejected")
	}
	return snap, fmt.Errorf("spawn %s: %w", id, cause)
}

// watch runs on the exit watcher's goroutine. It starts both stream
// readers, waits for them to drain (exec.Cmd.Wait must not run before pipe
// reads finish), reaps the child, then decides and publishes the terminal
// state.
func (s *Supervisor) watch(ctx context.Context, id string, c *child, stdout, stderr io.ReadCloser) {
	var readers sync.WaitGroup
	readers.Add(2)
	go s.readStream(ctx, &readers, id, proc.LogStdout, stdout)
	go s.readStream(ctx, &readers, id, proc.LogStderr, stderr)
	readers.Wait()

	err := c.cmd.Wait()

	code := 0
	signal := ""
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				signal = unix.SignalName(ws.Signal())
			}
			code = exitErr.ExitCode()
		} else {
			// Wait itself failed; treat as a monitor error.
			code = -1
			s.appendLog(id, proc.LogSystem, "wait failed: "+err.Error())
		}
	}
	s.registry.SetExit(id, code, signal)

	msg := fmt.Sprintf("exited with code %d", code)
	if signal != "" {
		msg += fmt.Sprintf(" (signal: %s)", signal)
	}
	s.appendLog(id, proc.LogSystem, msg)

	graceful, escalated := c.stopMode()
	target := proc.StatusStopped
	reason := ""
	switch {
	case signal == "SIGTERM" && graceful && !escalated:
		// Died from the graceful signal itself: counts as a clean stop.
	case signal != "" || code != 0:
		target = proc.StatusFailed
		reason = msg
	}

	if _, terr := s.transition(id, target, reason); terr != nil && !errors.Is(terr, ErrInvalidTransition) {
		s.log.WithField("proc_id", id).WithError(terr).Error("terminal transition failed")
	}

	c.cancel()
	s.mu.Lock()
	delete(s.children, id)
	s.mu.Unlock()
	close(c.done)
}

// readStream pumps one pipe through the line reader into the record's ring.
// A read error with the watcher still live becomes a single system entry.
func (s *Supervisor) readStream(ctx context.Context, wg *sync.WaitGroup, id string, kind proc.LogKind, rc io.ReadCloser) {
	defer wg.Done()
	err := readLines(ctx, rc, func(line string) {
		s.appendLog(id, kind, line)
	})
	if err != nil && ctx.Err() == nil {
		s.appendLog(id, proc.LogSystem, fmt.Sprintf("%s read error: %v", kind, err))
	}
}

// Stop terminates one process. Defaults: graceful SIGTERM with the
// configured timeout, then SIGKILL escalation. Stopping an already terminal
// record is a no-op success. The exit watcher performs the terminal
// transition; Stop returns once it has.
func (s *Supervisor) Stop(ctx context.Context, req proc.StopRequest) error {
	rec, err := s.registry.Get(req.ID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return nil
	}

	s.mu.Lock()
	c := s.children[req.ID]
	s.mu.Unlock()

	if c == nil {
		// No live handle. Records adopted in this state (spawn never
		// completed) move straight to stopped when the machine allows it.
		if rec.Status.CanTransitionTo(proc.StatusStopped) {
			_, err := s.transition(req.ID, proc.StatusStopped, "")
			return err
		}
		return nil
	}

	if _, err := s.transition(req.ID, proc.StatusStopping, ""); err != nil {
		// The child may have exited between the status check and here;
		// that race is a no-op success, not a rejection.
		if cur, gerr := s.registry.Get(req.ID); gerr == nil && cur.Status.Terminal() {
			return nil
		}
		s.appendLog(req.ID, proc.LogSystem, "stop rejected: "+err.Error())
		return err
	}

	if req.Force {
		if err := c.signal(syscall.SIGKILL); err != nil {
			return s.signalFailed(req.ID, err)
		}
		return s.awaitExit(ctx, c)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.gracefulTimeout
	}

	c.markGraceful()
	if err := c.signal(syscall.SIGTERM); err != nil {
		return s.signalFailed(req.ID, err)
	}

	timer := s.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.done:
		return nil
	case <-timer.Chan():
		s.appendLog(req.ID, proc.LogSystem,
			fmt.Sprintf("Graceful termination timed out after %v, escalating to SIGKILL", timeout))
		c.markEscalated()
		if err := c.signal(syscall.SIGKILL); err != nil {
			return s.signalFailed(req.ID, err)
		}
		return s.awaitExit(ctx, c)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// awaitExit blocks until the exit watcher finishes or ctx fires.
func (s *Supervisor) awaitExit(ctx context.Context, c *child) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// signalFailed handles a failed signal delivery: the record is left in
// stopping, so apply the follow-on stopping -> failed transition and
// surface the error. The exit watcher's later attempt at a terminal
// transition is rejected by the state machine and stays silent.
func (s *Supervisor) signalFailed(id string, cause error) error {
	s.appendLog(id, proc.LogSystem, "failed to signal process: "+cause.Error())
	if _, err := s.transition(id, proc.StatusFailed, cause.Error()); err != nil {
		s.log.WithField("proc_id", id).WithError(err).Error("stopping -> failed rejected")
	}
	return fmt.Errorf("signal %s: %w", id, cause)
}

// Shutdown stops every non-terminal process in parallel, each with half the
// shutdown budget as its graceful timeout, then force-kills stragglers and
// cancels their watchers. Safe to call more than once; later calls return
// nil immediately.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	close(s.shutdown)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()

	perStop := s.shutdownTimeout / 2

	var g errgroup.Group
	for _, rec := range s.registry.NonTerminal() {
		id := rec.ID
		g.Go(func() error {
			if err := s.Stop(ctx, proc.StopRequest{ID: id, Timeout: perStop}); err != nil {
				return fmt.Errorf("stop %s: %w", id, err)
			}
			return nil
		})
	}
	err := g.Wait()

	// Anything still tracked ignored SIGKILL delivery or never got one.
	s.mu.Lock()
	for _, c := range s.children {
		c.signal(syscall.SIGKILL)
		c.cancel()
	}
	s.mu.Unlock()

	return err
}

// transition applies a status change through the registry and publishes
// process.stateChanged followed by the lifecycle event the new status
// implies, all under the record's per-id lock.
func (s *Supervisor) transition(id string, to proc.Status, reason string) (proc.Record, error) {
	lk := s.lockFor(id)
	lk.Lock()
	defer lk.Unlock()

	from, snap, err := s.registry.Transition(id, to)
	if err != nil {
		return proc.Record{}, err
	}

	s.bus.Publish(bus.Event{
		Topic: bus.ProcessStateChanged,
		Proc:  &bus.ProcEvent{ID: id, From: from, To: to},
	})

	switch to {
	case proc.StatusRunning:
		s.bus.Publish(bus.Event{
			Topic: bus.ProcessStarted,
			Proc:  &bus.ProcEvent{ID: id, Record: &snap},
		})
	case proc.StatusStopped:
		s.bus.Publish(bus.Event{
			Topic: bus.ProcessStopped,
			Proc:  &bus.ProcEvent{ID: id, Record: &snap},
		})
	case proc.StatusFailed:
		s.bus.Publish(bus.Event{
			Topic: bus.ProcessFailed,
			Proc:  &bus.ProcEvent{ID: id, Record: &snap, Reason: reason},
		})
	}

	s.log.WithFields(logrus.Fields{"proc_id": id, "from": from, "to": to}).Debug("state changed")
	return snap, nil
}

// appendLog stores one entry in the record's ring and publishes
// process.log, under the per-id lock so bus order matches ring order.
func (s *Supervisor) appendLog(id string, kind proc.LogKind, content string) {
	lk := s.lockFor(id)
	lk.Lock()
	defer lk.Unlock()

	entry, err := s.registry.AppendLog(id, proc.LogEntry{Kind: kind, Content: content})
	if err != nil {
		s.log.WithField("proc_id", id).WithError(err).Debug("append to removed record dropped")
		return
	}
	s.bus.Publish(bus.Event{
		Topic: bus.ProcessLog,
		Log:   &bus.LogEvent{ID: id, Entry: entry},
	})
}

// lockFor returns the mutex serializing transitions and log appends for one
// record, creating it on first use. Locks are never deleted; they are tiny
// and records persist for postmortem reads anyway.
func (s *Supervisor) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lk, ok := s.locks[id]
	if !ok {
		lk = &sync.Mutex{}
		s.locks[id] = lk
	}
	return lk
}

// mergedEnv layers request overrides onto the server's environment. A nil
// result lets exec inherit the parent environment untouched.
func mergedEnv(overrides map[string]string) []string {
	if len(overrides) == 0 {
		return nil
	}
	env := os.Environ()
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

func generateID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}
