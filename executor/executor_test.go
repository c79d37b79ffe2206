package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/svlpsu/crete-cluster/testcase"
	"github.com/svlpsu/crete-cluster/trace"
)

const (
	concolicScript = "mkdir -p \"$2\" && cp \"$1\" \"$2/trace.log\"\n"
	symbolicScript = "mkdir -p \"$2/test-case\" && cp \"$1/trace.log\" \"$2/test-case/0\"\n"
)

func script(t *testing.T, name, body string) string {
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0644))
	return p
}

// shTools runs the given shell snippets through /bin/sh
func shTools(t *testing.T, concolic, symbolic string) Tools {
	return Tools{
		ConcolicPath: "/bin/sh",
		ConcolicArgs: []string{script(t, "concolic.sh", concolic), "{trace}", "{concolic}"},
		SymbolicPath: "/bin/sh",
		SymbolicArgs: []string{script(t, "symbolic.sh", symbolic), "{concolic}", "{symbolic}"},
	}
}

func sampleTrace() (*trace.Trace, testcase.TestCase) {
	tc := testcase.New(testcase.NewElement("stdin", []byte("hello")))
	return trace.New("t1", tc.Bytes()), tc
}

func waitFor(t *testing.T, cond func() bool) {
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTwoPhaseExecution(t *testing.T) {
	tr, expected := sampleTrace()
	e := New(tr, t.TempDir(), shTools(t, concolicScript, symbolicScript))
	ctx := context.Background()

	assert.False(t, e.IsConcolicStarted())
	assert.Empty(t, e.TestCases())

	require.NoError(t, e.ExecuteConcolic(ctx))
	assert.True(t, e.IsConcolicStarted())
	waitFor(t, e.IsConcolicFinished)
	assert.Equal(t, ConcolicFinished, e.State())

	require.NoError(t, e.ExecuteSymbolic(ctx))
	assert.True(t, e.IsSymbolicStarted())
	waitFor(t, e.IsSymbolicFinished)

	assert.Empty(t, e.TestCases())
	require.NoError(t, e.RetrieveResult())
	require.Len(t, e.TestCases(), 1)
	assert.True(t, expected.Equal(e.TestCases()[0]))

	// a second retrieval is a no-op
	require.NoError(t, e.RetrieveResult())
	assert.Len(t, e.TestCases(), 1)
	assert.True(t, e.IsConcolicFinished())
}

func TestConcolicTwiceRejected(t *testing.T) {
	tr, _ := sampleTrace()
	e := New(tr, t.TempDir(), shTools(t, concolicScript, symbolicScript))
	require.NoError(t, e.ExecuteConcolic(context.Background()))
	err := e.ExecuteConcolic(context.Background())
	assert.True(t, errors.Is(err, ErrInvalidState))
}

func TestSymbolicBeforeConcolicRejected(t *testing.T) {
	tr, _ := sampleTrace()
	dir := t.TempDir()
	e := New(tr, dir, shTools(t, concolicScript, symbolicScript))

	err := e.ExecuteSymbolic(context.Background())
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.False(t, e.IsSymbolicStarted())

	// still running concolic
	e = New(tr, dir, shTools(t, "sleep 2\n", symbolicScript))
	require.NoError(t, e.ExecuteConcolic(context.Background()))
	err = e.ExecuteSymbolic(context.Background())
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.False(t, e.IsSymbolicStarted())
	e.Terminate(nil)
}

func TestRetrieveBeforeSymbolicRejected(t *testing.T) {
	tr, _ := sampleTrace()
	e := New(tr, t.TempDir(), shTools(t, concolicScript, symbolicScript))
	assert.True(t, errors.Is(e.RetrieveResult(), ErrInvalidState))
}

func TestConcolicFailure(t *testing.T) {
	tr, _ := sampleTrace()
	e := New(tr, t.TempDir(), shTools(t, "echo broken >&2; exit 3\n", symbolicScript))
	require.NoError(t, e.ExecuteConcolic(context.Background()))
	waitFor(t, func() bool { return e.Poll() == Errored })

	assert.False(t, e.IsConcolicFinished())
	assert.True(t, errors.Is(e.Err(), ErrSubprocess))

	log, err := os.ReadFile(filepath.Join(e.WorkDir(), "concolic.log"))
	require.NoError(t, err)
	assert.Contains(t, string(log), "broken")
}

func TestSymbolicFailure(t *testing.T) {
	tr, _ := sampleTrace()
	e := New(tr, t.TempDir(), shTools(t, concolicScript, "exit 1\n"))
	require.NoError(t, e.ExecuteConcolic(context.Background()))
	waitFor(t, e.IsConcolicFinished)
	require.NoError(t, e.ExecuteSymbolic(context.Background()))
	waitFor(t, func() bool { return e.Poll() == Errored })
	assert.False(t, e.IsSymbolicFinished())
	assert.True(t, errors.Is(e.Err(), ErrSubprocess))
}

func TestMissingBinary(t *testing.T) {
	tr, _ := sampleTrace()
	e := New(tr, t.TempDir(), Tools{ConcolicPath: "/nonexistent/concolic"})
	err := e.ExecuteConcolic(context.Background())
	assert.True(t, errors.Is(err, ErrSubprocess))
	assert.Equal(t, Errored, e.State())
}

func TestTerminate(t *testing.T) {
	tr, _ := sampleTrace()
	e := New(tr, t.TempDir(), shTools(t, "sleep 30\n", symbolicScript))
	require.NoError(t, e.ExecuteConcolic(context.Background()))
	start := time.Now()
	e.Terminate(ErrTimeout)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, Errored, e.State())
	assert.True(t, errors.Is(e.Err(), ErrTimeout))
}

func TestRetrieveSkipsCorrupt(t *testing.T) {
	tr, expected := sampleTrace()
	symbolic := "mkdir -p \"$2/test-case\" && cp \"$1/trace.log\" \"$2/test-case/0\" && printf 'junk' > \"$2/test-case/1\" && printf 'x' > \"$2/info\"\n"
	e := New(tr, t.TempDir(), shTools(t, concolicScript, symbolic))
	require.NoError(t, e.ExecuteConcolic(context.Background()))
	waitFor(t, e.IsConcolicFinished)
	require.NoError(t, e.ExecuteSymbolic(context.Background()))
	waitFor(t, e.IsSymbolicFinished)
	require.NoError(t, e.RetrieveResult())

	require.Len(t, e.TestCases(), 1)
	assert.True(t, expected.Equal(e.TestCases()[0]))
	assert.Len(t, e.Corrupt(), 1)
}

func TestProcessPoll(t *testing.T) {
	dir := t.TempDir()
	p, err := StartProcess(context.Background(), "true", filepath.Join(dir, "log"), "/bin/sh", "-c", "exit 0")
	require.NoError(t, err)
	assert.NotZero(t, p.Pid())
	require.NoError(t, p.Wait())
	status, err := p.Poll()
	assert.Equal(t, Succeeded, status)
	assert.NoError(t, err)
}
