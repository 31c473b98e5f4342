package interceptor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/tether/internal/event"
)

const (
	readBufferSize = 32 * 1024
	stopGrace      = 5 * time.Second
)

// ProcessOptions describes the agent process to spawn.
type ProcessOptions struct {
	SessionID string
	Command   string
	Args      []string
	Dir       string
	Env       []string
	Metadata  map[string]string
}

// Process runs an agent under an Interceptor.
type Process struct {
	opts ProcessOptions
	sink Sink
	icpt *Interceptor
	cmd  *exec.Cmd

	stopOnce sync.Once
	done     chan struct{}
	exitCode int
}

// Start spawns the agent and begins streaming its output. A spawn failure
// emits status{state:"error"} and is returned.
func Start(opts ProcessOptions, sink Sink, icptOpts ...Option) (*Process, error) {
	if opts.Command == "" {
		sink.Emit(event.Status{State: event.StateError, Message: "no command"})
		return nil, errors.New("interceptor.Start: empty command")
	}

	cmd := exec.Command(opts.Command, opts.Args...) //nolint:gosec // command is chosen by the local user
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		sink.Emit(event.Status{State: event.StateError, Message: err.Error()})
		return nil, fmt.Errorf("interceptor.Start: stdin: %w", err)
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		sink.Emit(event.Status{State: event.StateError, Message: err.Error()})
		return nil, fmt.Errorf("interceptor.Start: pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = outW

	if err := cmd.Start(); err != nil {
		_ = outR.Close()
		_ = outW.Close()
		sink.Emit(event.Status{State: event.StateError, Message: err.Error()})
		return nil, fmt.Errorf("interceptor.Start: %w", err)
	}
	_ = outW.Close()

	p := &Process{
		opts: opts,
		sink: sink,
		icpt: New(opts.SessionID, stdin, sink, icptOpts...),
		cmd:  cmd,
		done: make(chan struct{}),
	}

	metadata := make(map[string]string, len(opts.Metadata)+2)
	maps.Copy(metadata, opts.Metadata)
	metadata["pid"] = strconv.Itoa(cmd.Process.Pid)
	metadata["command"] = opts.Command
	sink.Emit(event.SessionStart{Metadata: metadata})

	go p.run(outR)

	return p, nil
}

// Interceptor returns the interceptor parsing this process's output.
func (p *Process) Interceptor() *Interceptor {
	return p.icpt
}

// PID returns the agent's process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited and session-stop was emitted.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitCode is valid after Done is closed.
func (p *Process) ExitCode() int {
	<-p.done
	return p.exitCode
}

// Stop terminates the agent: SIGTERM to its process group, SIGKILL after a
// grace period. It returns once session-stop has been emitted, or when ctx
// ends first. Stopping a stopped process is a no-op.
func (p *Process) Stop(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}

		p.icpt.Close()

		if sigErr := signalGroup(p.cmd.Process.Pid, syscall.SIGTERM); sigErr != nil {
			log.Debug().Err(sigErr).Str("session_id", p.opts.SessionID).Msg("interceptor.Process.Stop: sigterm")
		}

		timer := time.NewTimer(stopGrace)
		defer timer.Stop()

		select {
		case <-p.done:
			return
		case <-timer.C:
			if killErr := signalGroup(p.cmd.Process.Pid, syscall.SIGKILL); killErr != nil {
				err = fmt.Errorf("interceptor.Process.Stop: kill: %w", killErr)
				return
			}
		case <-ctx.Done():
			_ = signalGroup(p.cmd.Process.Pid, syscall.SIGKILL)
			err = fmt.Errorf("interceptor.Process.Stop: %w", ctx.Err())
			return
		}

		// session-stop is emitted before done closes.
		select {
		case <-p.done:
		case <-ctx.Done():
			err = fmt.Errorf("interceptor.Process.Stop: %w", ctx.Err())
		}
	})
	return err
}

func (p *Process) run(out io.ReadCloser) {
	defer close(p.done)

	buf := make([]byte, readBufferSize)
	for {
		n, readErr := out.Read(buf)
		if n > 0 {
			p.icpt.Feed(buf[:n])
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) && !errors.Is(readErr, os.ErrClosed) {
				log.Debug().Err(readErr).Str("session_id", p.opts.SessionID).Msg("interceptor.Process: read output")
			}
			break
		}
	}
	_ = out.Close()
	p.icpt.Flush()

	waitErr := p.cmd.Wait()
	p.exitCode = p.cmd.ProcessState.ExitCode()
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			log.Warn().Err(waitErr).Str("session_id", p.opts.SessionID).Msg("interceptor.Process: wait")
		}
	}

	p.icpt.Close()
	p.sink.Emit(event.SessionStop{Reason: fmt.Sprintf("exited with code %d", p.exitCode)})
}

func signalGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err != nil {
		return fmt.Errorf("signal %s to group %d: %w", sig, pid, err)
	}
	return nil
}
