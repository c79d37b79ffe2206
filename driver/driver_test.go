package driver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/svlpsu/crete-cluster/config"
	"github.com/svlpsu/crete-cluster/executor"
	"github.com/svlpsu/crete-cluster/master"
	"github.com/svlpsu/crete-cluster/node"
	"github.com/svlpsu/crete-cluster/testcase"
	"github.com/svlpsu/crete-cluster/trace"
)

const (
	concolicScript = "mkdir -p \"$2\" && cp \"$1\" \"$2/trace.log\"\n"
	symbolicScript = "mkdir -p \"$2/test-case\" && cp \"$1/trace.log\" \"$2/test-case/0\"\n"
)

func startMaster(t *testing.T) (*master.Master, *httptest.Server) {
	cfg := config.DefaultMasterConfig()
	cfg.Root = t.TempDir()
	cfg.LongPoll = 100 * time.Millisecond
	cfg.SetDefaults()
	m, err := master.New(cfg, nil, nil)
	require.NoError(t, err)
	srv := httptest.NewServer(m.Handler())
	t.Cleanup(srv.Close)
	return m, srv
}

func nodeConfig(t *testing.T, addr string, capacity int, concolic string) *config.NodeConfig {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0644))
		return p
	}
	cfg := config.DefaultNodeConfig()
	cfg.ID = "n1"
	cfg.Master = addr
	cfg.Root = t.TempDir()
	cfg.Capacity = capacity
	cfg.PollInterval = 20 * time.Millisecond
	cfg.LongPoll = 100 * time.Millisecond
	cfg.RetryBudget = 2
	cfg.RetryInterval = 10 * time.Millisecond
	cfg.Tools = executor.Tools{
		ConcolicPath: "/bin/sh",
		ConcolicArgs: []string{write("concolic.sh", concolic), "{trace}", "{concolic}"},
		SymbolicPath: "/bin/sh",
		SymbolicArgs: []string{write("symbolic.sh", symbolicScript), "{concolic}", "{symbolic}"},
	}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

func clientFor(cfg *config.NodeConfig) *Client {
	return NewClient(ClientConfig{
		Master:        cfg.Master,
		NodeID:        cfg.ID,
		RetryBudget:   cfg.RetryBudget,
		RetryInterval: cfg.RetryInterval,
		LongPoll:      cfg.LongPoll,
	}, nil)
}

func newDriver(t *testing.T, cfg *config.NodeConfig) *Driver {
	n, err := node.New(cfg, nil, nil)
	require.NoError(t, err)
	return New(n, clientFor(cfg), cfg.Capacity, cfg.PollInterval, nil)
}

func traceOf(id, input string) *trace.Trace {
	return trace.New(id, testcase.New(testcase.NewElement("stdin", []byte(input))).Bytes())
}

func waitFor(t *testing.T, cond func() bool) {
	deadline := time.Now().Add(20 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestDriverEndToEnd(t *testing.T) {
	m, srv := startMaster(t)
	// t3 produces the same test case as t1
	m.Submit(traceOf("t1", "a"), traceOf("t2", "b"), traceOf("t3", "a"))

	d := newDriver(t, nodeConfig(t, srv.URL, 2, concolicScript))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	waitFor(t, func() bool {
		st := m.Status()
		return st.TracesQueued == 0 && len(st.Nodes) == 1 && st.Nodes[0].Served == 3 && st.PoolAll == 2
	})
	cancel()
	require.NoError(t, <-done)

	st := m.Status()
	assert.Equal(t, 2, st.PoolAll)
	assert.Equal(t, 2, st.Received)
	assert.Equal(t, 0, st.Nodes[0].Returned)
}

func TestDriverFailStopReturnsTraces(t *testing.T) {
	m, srv := startMaster(t)
	m.Submit(traceOf("f1", "1"), traceOf("f2", "2"), traceOf("f3", "3"), traceOf("f4", "4"))

	d := newDriver(t, nodeConfig(t, srv.URL, 1, "exit 1\n"))
	err := d.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, node.ErrSlotFailures))

	st := m.Status()
	assert.Equal(t, 3, st.Nodes[0].Returned)
	// f4 plus the three returned ones
	assert.Equal(t, 4, st.TracesQueued)
}

func TestClientRetriesThenGivesUp(t *testing.T) {
	var calls int32
	r := gin.New()
	r.POST("/nodes", func(c *gin.Context) {
		atomic.AddInt32(&calls, 1)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "busy"})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	c := NewClient(ClientConfig{Master: srv.URL, NodeID: "n", RetryBudget: 3, RetryInterval: time.Millisecond}, nil)
	err := c.Register(context.Background(), 1)
	assert.True(t, errors.Is(err, ErrProtocol))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	_, srv := startMaster(t)
	c := NewClient(ClientConfig{Master: srv.URL, NodeID: "ghost", RetryBudget: 5, RetryInterval: time.Second}, nil)
	start := time.Now()
	_, err := c.RequestTrace(context.Background())
	assert.True(t, errors.Is(err, ErrProtocol))
	assert.Less(t, time.Since(start), time.Second)
}

func TestClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.Listener.Addr().String()
	srv.Close()

	c := NewClient(ClientConfig{Master: addr, NodeID: "n", RetryBudget: 2, RetryInterval: time.Millisecond}, nil)
	err := c.Register(context.Background(), 1)
	assert.True(t, errors.Is(err, ErrProtocol))
}

func TestClientSubmitAndStatus(t *testing.T) {
	_, srv := startMaster(t)
	c := NewClient(ClientConfig{Master: srv.URL, NodeID: "n", RetryBudget: 1}, nil)
	ctx := context.Background()

	id, err := c.Submit(ctx, trace.New("", []byte("x")))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	require.NoError(t, c.Register(ctx, 1))
	tr, err := c.RequestTrace(ctx)
	require.NoError(t, err)
	require.NotNil(t, tr)
	assert.Equal(t, id, tr.ID)

	res, err := c.SendReport(ctx, []testcase.TestCase{testcase.New(testcase.NewElement("a", nil))})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Accepted)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.PoolAll)
}
