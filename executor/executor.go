package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/svlpsu/crete-cluster/testcase"
	"github.com/svlpsu/crete-cluster/trace"
)

var (
	// ErrInvalidState is returned when an operation is called out of phase order
	ErrInvalidState = errors.New("invalid executor state")
	// ErrSubprocess wraps abnormal exits of the concolic or symbolic tool
	ErrSubprocess = errors.New("subprocess failed")
	// ErrTimeout is used by the caller when a phase overran its budget
	ErrTimeout = errors.New("subprocess timed out")
	// ErrTerminated marks executors killed before finishing
	ErrTerminated = errors.New("terminated")
)

// State of one trace going through the two phases
type State int

const (
	Constructed State = iota
	ConcolicRunning
	ConcolicFinished
	SymbolicRunning
	SymbolicFinished
	Errored
)

func (s State) String() string {
	switch s {
	case Constructed:
		return "constructed"
	case ConcolicRunning:
		return "concolic-running"
	case ConcolicFinished:
		return "concolic-done"
	case SymbolicRunning:
		return "symbolic-running"
	case SymbolicFinished:
		return "symbolic-done"
	case Errored:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Tools describes how the two external engines are invoked.
// Arguments may contain {trace}, {workdir}, {concolic} and {symbolic}.
type Tools struct {
	ConcolicPath string   `yaml:"concolic_path"`
	ConcolicArgs []string `yaml:"concolic_args"`
	SymbolicPath string   `yaml:"symbolic_path"`
	SymbolicArgs []string `yaml:"symbolic_args"`
}

func (t *Tools) SetDefaults() {
	if len(t.ConcolicArgs) == 0 {
		t.ConcolicArgs = []string{"{trace}", "{concolic}"}
	}
	if len(t.SymbolicArgs) == 0 {
		t.SymbolicArgs = []string{"{concolic}", "{symbolic}"}
	}
}

// TraceExecutor runs one trace through concolic replay and then symbolic exploration
// and collects the test cases the symbolic engine wrote.
type TraceExecutor struct {
	trace   *trace.Trace
	workDir string
	tools   Tools

	state        State
	concolicDone bool
	concolic     *Process
	symbolic     *Process
	err          error

	retrieved bool
	testCases []testcase.TestCase
	corrupt   []string
}

// New does not touch the filesystem, nothing happens until ExecuteConcolic
func New(tr *trace.Trace, workDir string, tools Tools) *TraceExecutor {
	tools.SetDefaults()
	return &TraceExecutor{
		trace:     tr,
		workDir:   workDir,
		tools:     tools,
		state:     Constructed,
		testCases: make([]testcase.TestCase, 0),
		corrupt:   make([]string, 0),
	}
}

func (e *TraceExecutor) Trace() *trace.Trace {
	return e.trace
}

func (e *TraceExecutor) WorkDir() string {
	return e.workDir
}

func (e *TraceExecutor) TraceDir() string {
	return filepath.Join(e.workDir, "trace")
}

func (e *TraceExecutor) ConcolicDir() string {
	return filepath.Join(e.workDir, "concolic")
}

func (e *TraceExecutor) SymbolicDir() string {
	return filepath.Join(e.workDir, "symbolic")
}

func (e *TraceExecutor) expand(args []string, tracePath string) []string {
	r := strings.NewReplacer(
		"{trace}", tracePath,
		"{workdir}", e.workDir,
		"{concolic}", e.ConcolicDir(),
		"{symbolic}", e.SymbolicDir(),
	)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}

// ExecuteConcolic can only be called once per executor
func (e *TraceExecutor) ExecuteConcolic(ctx context.Context) error {
	if e.state != Constructed {
		return errors.Wrapf(ErrInvalidState, "concolic execution requested in state %s", e.state)
	}
	tracePath, err := e.trace.WriteDir(e.TraceDir())
	if err != nil {
		return e.fail(err)
	}
	if err := os.MkdirAll(e.ConcolicDir(), 0755); err != nil {
		return e.fail(errors.Wrap(err, "creating concolic dir"))
	}
	p, err := StartProcess(ctx, "concolic", filepath.Join(e.workDir, "concolic.log"),
		e.tools.ConcolicPath, e.expand(e.tools.ConcolicArgs, tracePath)...)
	if err != nil {
		return e.fail(err)
	}
	e.concolic = p
	e.state = ConcolicRunning
	return nil
}

func (e *TraceExecutor) IsConcolicStarted() bool {
	return e.concolic != nil
}

// IsConcolicFinished polls the concolic process, true only on a clean exit
func (e *TraceExecutor) IsConcolicFinished() bool {
	e.Poll()
	return e.concolicDone
}

func (e *TraceExecutor) ExecuteSymbolic(ctx context.Context) error {
	if !e.IsConcolicFinished() {
		return errors.Wrapf(ErrInvalidState, "symbolic execution requested in state %s", e.state)
	}
	if e.symbolic != nil {
		return errors.Wrap(ErrInvalidState, "symbolic execution already started")
	}
	if err := os.MkdirAll(e.SymbolicDir(), 0755); err != nil {
		return e.fail(errors.Wrap(err, "creating symbolic dir"))
	}
	p, err := StartProcess(ctx, "symbolic", filepath.Join(e.workDir, "symbolic.log"),
		e.tools.SymbolicPath, e.expand(e.tools.SymbolicArgs, filepath.Join(e.TraceDir(), trace.FileName))...)
	if err != nil {
		return e.fail(err)
	}
	e.symbolic = p
	e.state = SymbolicRunning
	return nil
}

func (e *TraceExecutor) IsSymbolicStarted() bool {
	return e.symbolic != nil
}

func (e *TraceExecutor) IsSymbolicFinished() bool {
	e.Poll()
	return e.symbolic != nil && e.state == SymbolicFinished
}

// Poll advances the state from whatever the running process reports and returns it
func (e *TraceExecutor) Poll() State {
	var p *Process
	switch e.state {
	case ConcolicRunning:
		p = e.concolic
	case SymbolicRunning:
		p = e.symbolic
	default:
		return e.state
	}
	status, err := p.Poll()
	switch status {
	case Succeeded:
		if e.state == ConcolicRunning {
			e.concolicDone = true
		}
		e.state++
	case Failed:
		e.fail(err)
	}
	return e.state
}

// Running returns the process of the current phase, nil when none is live
func (e *TraceExecutor) Running() *Process {
	switch e.state {
	case ConcolicRunning:
		return e.concolic
	case SymbolicRunning:
		return e.symbolic
	}
	return nil
}

// RetrieveResult parses what the symbolic engine wrote. Files ending in .ktest are read as
// ktest, files below symbolic/test-case in the native format. Corrupted files are skipped
// and listed by Corrupt.
func (e *TraceExecutor) RetrieveResult() error {
	if !e.IsSymbolicFinished() {
		return errors.Wrapf(ErrInvalidState, "results requested in state %s", e.state)
	}
	if e.retrieved {
		return nil
	}
	paths, err := resultFiles(e.SymbolicDir())
	if err != nil {
		return errors.Wrap(err, "listing symbolic output")
	}
	for _, p := range paths {
		tc, err := testcase.ReadAnyFile(p)
		if err != nil {
			if errors.Is(err, testcase.ErrCorrupt) {
				e.corrupt = append(e.corrupt, p)
				continue
			}
			return errors.Wrapf(err, "reading %s", p)
		}
		e.testCases = append(e.testCases, tc)
	}
	e.retrieved = true
	return nil
}

func resultFiles(dir string) ([]string, error) {
	paths := make([]string, 0)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, en := range entries {
		if en.Type().IsRegular() && strings.HasSuffix(en.Name(), ".ktest") {
			paths = append(paths, filepath.Join(dir, en.Name()))
		}
	}
	native := filepath.Join(dir, "test-case")
	entries, err = os.ReadDir(native)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, en := range entries {
		if en.Type().IsRegular() && !strings.HasPrefix(en.Name(), ".") {
			paths = append(paths, filepath.Join(native, en.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// TestCases is empty until RetrieveResult succeeded
func (e *TraceExecutor) TestCases() []testcase.TestCase {
	out := make([]testcase.TestCase, len(e.testCases))
	copy(out, e.testCases)
	return out
}

func (e *TraceExecutor) Corrupt() []string {
	return e.corrupt
}

func (e *TraceExecutor) State() State {
	return e.state
}

func (e *TraceExecutor) Err() error {
	return e.err
}

// Terminate kills the live process, if any, and moves the executor to the failed state
func (e *TraceExecutor) Terminate(cause error) {
	if p := e.Running(); p != nil {
		p.Kill()
		p.Wait()
	}
	if e.state == SymbolicFinished || e.state == Errored {
		return
	}
	if cause == nil {
		cause = ErrTerminated
	}
	e.fail(cause)
}

func (e *TraceExecutor) fail(err error) error {
	e.state = Errored
	e.err = err
	return err
}
