package decoder

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"autorx/gps"
	"autorx/telemetry"
)

// State is the externally observable supervisor state. Starting and Running
// are transient; the rest are terminal exit reasons.
type State string

const (
	StateStarting  State = "Starting"
	StateRunning   State = "Running"
	StateTimedOut  State = "Timeout"
	StateEncrypted State = "Encrypted"
	StateStopped   State = "Stopped"
	StateFaulted   State = "Faulted"
)

// terminal reports whether the state ends the decode session.
func (s State) terminal() bool {
	return s != StateStarting && s != StateRunning
}

// killGraceDelay separates the process-group signal from the direct kill
// during teardown. Shortened in tests.
const killGraceDelay = 1 * time.Second

// Supervisor owns one decode chain: the child process group, the line
// source reading its stdout, the normalizer, and the staleness clock. All
// state transitions happen on the supervisor's own goroutine; Start, Stop,
// Running and ExitState are safe from any other goroutine.
type Supervisor struct {
	cfg        Config
	pipeline   *Pipeline
	norm       *Normalizer
	dispatcher *telemetry.Dispatcher

	mu      sync.Mutex
	state   State
	started bool
	cmds    []*exec.Cmd
	source  *LineSource

	shutdown chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	frames atomic.Uint64
	grace  time.Duration
}

// NewSupervisor validates the configuration and builds the decode pipeline.
// Configuration errors (unsupported family, missing ephemeris, nil
// dispatcher) surface here; after construction succeeds, failures are only
// ever observable as terminal states.
func NewSupervisor(cfg Config, dispatcher *telemetry.Dispatcher, eph gps.Provider) (*Supervisor, error) {
	cfg.normalize()
	if dispatcher == nil {
		return nil, errors.New("decoder: dispatcher must not be nil")
	}
	pipeline, err := BuildPipeline(cfg, eph)
	if err != nil {
		return nil, err
	}
	return &Supervisor{
		cfg:        cfg,
		pipeline:   pipeline,
		norm:       NewNormalizer(cfg),
		dispatcher: dispatcher,
		state:      StateStarting,
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
		grace:      killGraceDelay,
	}, nil
}

// Start launches the decode pipeline and the control loop. Idempotent: a
// second call on a running supervisor is a no-op. Starting after Stop, or
// after a failed launch, is an error. The shutdown check happens under the
// same lock Stop takes, so Stop returning implies no child will launch
// afterwards.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.shutdown:
		return errors.New("decoder: supervisor already stopped")
	default:
	}
	if s.started {
		return nil
	}
	if s.state.terminal() {
		return fmt.Errorf("decoder: supervisor already %s, cannot restart", s.state)
	}
	if err := s.spawnLocked(); err != nil {
		s.state = StateFaulted
		close(s.done)
		return err
	}
	s.started = true
	s.state = StateRunning

	s.logInfo("starting decoder subprocess: %s", s.pipeline)
	go s.run()
	return nil
}

// spawnLocked wires the pipeline stages stdout-to-stdin, starts every stage
// in its own process group, and binds the line source to the final stage.
func (s *Supervisor) spawnLocked() error {
	cmds := make([]*exec.Cmd, 0, len(s.pipeline.Stages))
	for _, stage := range s.pipeline.Stages {
		cmd := exec.Command(stage[0], stage[1:]...)
		// The decode tools write progress chatter to stderr; discard it the
		// way the original pipeline redirected every stage to /dev/null.
		cmd.Stderr = io.Discard
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		cmds = append(cmds, cmd)
	}
	for i := 1; i < len(cmds); i++ {
		out, err := cmds[i-1].StdoutPipe()
		if err != nil {
			return fmt.Errorf("decoder: pipe stage %d: %w", i-1, err)
		}
		cmds[i].Stdin = out
	}
	last := cmds[len(cmds)-1]
	stdout, err := last.StdoutPipe()
	if err != nil {
		return fmt.Errorf("decoder: stdout pipe: %w", err)
	}

	for i, cmd := range cmds {
		if err := cmd.Start(); err != nil {
			// Unwind anything already running.
			for _, prev := range cmds[:i] {
				if prev.Process != nil {
					_ = prev.Process.Kill()
					_ = prev.Wait()
				}
			}
			return fmt.Errorf("decoder: start %q: %w", cmd.Path, err)
		}
	}

	s.cmds = cmds
	s.source = NewLineSource(stdout)
	s.source.Start()
	return nil
}

// run is the supervisor control loop. It polls the line source, feeds lines
// to the normalizer, resets the staleness clock on accepted frames, and
// decides the terminal state. time.Since on lastFrame uses the monotonic
// clock, so system clock jumps cannot fake a timeout.
func (s *Supervisor) run() {
	exit := StateStopped
	lastFrame := time.Now()

loop:
	for {
		select {
		case <-s.shutdown:
			break loop
		case <-time.After(s.cfg.PollInterval):
		}

		for _, line := range s.source.Drain() {
			rec, rej := s.norm.Normalize(line)
			if rej != nil {
				if rej.Fatal() {
					s.logError("sonde %s has encrypted telemetry, cannot decode, closing decoder", rej.Field)
					exit = StateEncrypted
					break loop
				}
				if !rej.Silent() {
					s.logDebug("rejected line: %s", rej)
				}
				continue
			}
			lastFrame = time.Now()
			s.frames.Add(1)
			s.dispatcher.Dispatch(rec)
		}

		if s.source.AtEnd() {
			s.logInfo("decoder subprocess closed its output")
			break loop
		}
		if time.Since(lastFrame) > s.cfg.Timeout {
			s.logError("RX timed out after %s without valid telemetry", s.cfg.Timeout)
			exit = StateTimedOut
			break loop
		}
	}

	s.teardown()
	s.setState(exit)
	s.logInfo("closed decoder subprocess (%s)", exit)
	close(s.done)
}

// teardown stops the reader and kills the child pipeline in two phases:
// process-group signal first, then a direct kill after a short grace delay.
// Both phases run unconditionally; killing an already-dead process is
// logged, never escalated.
func (s *Supervisor) teardown() {
	s.source.Stop()

	for _, cmd := range s.cmds {
		if cmd.Process == nil {
			continue
		}
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
			s.logDebug("process group kill for pid %d failed: %v", cmd.Process.Pid, err)
		}
	}

	time.Sleep(s.grace)

	for _, cmd := range s.cmds {
		if cmd.Process == nil {
			continue
		}
		if err := cmd.Process.Kill(); err != nil {
			s.logDebug("direct kill for pid %d failed: %v", cmd.Process.Pid, err)
		}
	}
	for _, cmd := range s.cmds {
		_ = cmd.Wait()
	}

	s.source.Join()
}

// Stop requests termination and blocks until the subprocess is dead and the
// reader has joined. Safe to call from any goroutine, any number of times.
func (s *Supervisor) Stop() {
	// Closing under the lock serializes against Start: either Start errors
	// out without spawning, or Stop observes started and waits for the full
	// teardown.
	s.mu.Lock()
	s.stopOnce.Do(func() {
		close(s.shutdown)
	})
	started := s.started
	if !started && !s.state.terminal() {
		// Never launched: nothing to tear down.
		s.state = StateStopped
	}
	s.mu.Unlock()

	if started {
		<-s.done
	}
}

// Running reports whether the decode session is still alive.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.state.terminal()
}

// ExitState returns the current (possibly terminal) state.
func (s *Supervisor) ExitState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the control loop has fully torn down. Only valid
// after a successful Start.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Frames returns the number of accepted telemetry frames so far.
func (s *Supervisor) Frames() uint64 {
	return s.frames.Load()
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Log helpers prefix every message with the channel identity, matching the
// heading format operators grep for.
func (s *Supervisor) logInfo(format string, args ...any) {
	log.Printf("Decoder #%s %s %.3f - %s", s.cfg.Device, s.cfg.Type, s.cfg.Freq/1e6, fmt.Sprintf(format, args...))
}

func (s *Supervisor) logError(format string, args ...any) {
	log.Printf("Decoder #%s %s %.3f - ERROR: %s", s.cfg.Device, s.cfg.Type, s.cfg.Freq/1e6, fmt.Sprintf(format, args...))
}

func (s *Supervisor) logDebug(format string, args ...any) {
	if !s.cfg.Verbose {
		return
	}
	log.Printf("Decoder #%s %s %.3f - DEBUG: %s", s.cfg.Device, s.cfg.Type, s.cfg.Freq/1e6, fmt.Sprintf(format, args...))
}
