package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/pkg/errors"
)

// Status of a subprocess as observed by Poll
type Status int

const (
	Pending Status = iota
	Succeeded
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Process is a started subprocess whose completion is observed by polling.
// Its output goes to a log file next to the artefacts it writes.
type Process struct {
	Name    string
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	logFile *os.File
	started time.Time

	done chan struct{}
	err  error
}

// StartProcess launches bin with args, stdout and stderr are appended to logPath
func StartProcess(ctx context.Context, name, logPath, bin string, args ...string) (*Process, error) {
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s log", name)
	}

	pctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(pctx, bin, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		cancel()
		logFile.Close()
		return nil, errors.Wrapf(ErrSubprocess, "starting %s (%s): %s", name, bin, err)
	}

	p := &Process{
		Name:    name,
		cmd:     cmd,
		cancel:  cancel,
		logFile: logFile,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.logFile.Close()
	if err != nil {
		p.err = errors.Wrapf(ErrSubprocess, "%s: %s", p.Name, err)
	}
	p.cancel()
	close(p.done)
}

// Poll never blocks
func (p *Process) Poll() (Status, error) {
	select {
	case <-p.done:
		if p.err != nil {
			return Failed, p.err
		}
		return Succeeded, nil
	default:
		return Pending, nil
	}
}

// Wait blocks until the process exits
func (p *Process) Wait() error {
	<-p.done
	return p.err
}

// Kill terminates the process, it is a no-op once the process exited
func (p *Process) Kill() {
	p.cancel()
}

func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *Process) Elapsed() time.Duration {
	return time.Since(p.started)
}
