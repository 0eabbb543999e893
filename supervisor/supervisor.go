// Package supervisor implements the Payload Supervisor (§4.8): it spawns
// a child process, relays its stdout/stderr line by line as events, and
// reports exactly one FINISHED(exit_code) on exit. AppEventProxy lets a
// child publish its own events without being trusted to speak the Event
// Fabric wire format directly.
package supervisor

import (
	"bufio"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/ddoucette/apphost/cmn/nlog"
	pkgerrors "github.com/pkg/errors"
)

func terminateSignal() os.Signal { return syscall.SIGTERM }

// SystemJars are appended to the classpath of every JVM payload command
// alongside the loaded artefact (§4.8).
var SystemJars = []string{"AppHostController-1.0-SNAPSHOT.jar"}

// Owner receives the supervisor's relayed events; exactly one Finished
// call is made per Run.
type Owner interface {
	Stdout(line string)
	Stderr(line string)
	Finished(exitCode int)
}

// Supervisor runs and monitors one child process.
type Supervisor struct {
	owner       Owner
	gracePeriod time.Duration

	mu      sync.Mutex
	cmd     *exec.Cmd
	running bool
}

// New builds a Supervisor that escalates Stop to Kill if the child has not
// exited within gracePeriod (§4.8 stop/kill).
func New(owner Owner, gracePeriod time.Duration) *Supervisor {
	return &Supervisor{owner: owner, gracePeriod: gracePeriod}
}

// JavaCommand builds a JVM invocation for a loaded artefact: the loaded
// jar plus the fixed system artefacts on the classpath, then the main
// class and its arguments (§4.8).
func JavaCommand(jarFile, mainClass string, args []string) []string {
	classpath := jarFile
	for _, j := range SystemJars {
		classpath += ":" + j
	}
	cmdline := []string{"java", "-classpath", classpath, mainClass}
	return append(cmdline, args...)
}

// Run spawns command[0] with command[1:] as arguments in cwd, wires up
// stdout/stderr pipes, and starts the monitor goroutine. It returns once
// the process has started (or failed to).
func (s *Supervisor) Run(command []string, cwd string) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return pkgerrors.New("supervisor: already running a command")
	}
	s.mu.Unlock()

	if len(command) == 0 {
		return pkgerrors.New("supervisor: empty command")
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = cwd

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return pkgerrors.Wrap(err, "supervisor: stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return pkgerrors.Wrap(err, "supervisor: stderr pipe")
	}

	nlog.Infof("supervisor: executing %v", command)
	if err := cmd.Start(); err != nil {
		return pkgerrors.Wrapf(err, "supervisor: start %v", command)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.running = true
	s.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go s.relay(stdout, s.owner.Stdout, &wg)
	go s.relay(stderr, s.owner.Stderr, &wg)

	go func() {
		wg.Wait()
		exitCode := s.wait(cmd)
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		s.owner.Finished(exitCode)
	}()

	return nil
}

func (s *Supervisor) relay(r io.Reader, deliver func(string), wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		deliver(line)
	}
}

func (s *Supervisor) wait(cmd *exec.Cmd) int {
	err := cmd.Wait()
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	nlog.Warningf("supervisor: wait failed: %v", err)
	return -1
}

// IsRunning reports whether the child is believed to still be alive.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stop requests graceful termination (SIGTERM on Unix) and escalates to
// Kill if the child is still running after gracePeriod (§4.8).
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Signal(terminateSignal()); err != nil {
		return pkgerrors.Wrap(err, "supervisor: stop")
	}
	time.AfterFunc(s.gracePeriod, func() {
		if !s.IsRunning() {
			return
		}
		nlog.Warningf("supervisor: child still running %s after SIGTERM, escalating to kill", s.gracePeriod)
		if err := s.Kill(); err != nil {
			nlog.Warningf("supervisor: escalation kill failed: %v", err)
		}
	})
	return nil
}

func (s *Supervisor) Kill() error {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return pkgerrors.Wrap(cmd.Process.Kill(), "supervisor: kill")
}
