// Package master dispatches traces to nodes and merges the test cases they report
// into one global pool.
package master

import (
	"context"
	"net"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/svlpsu/crete-cluster/config"
	"github.com/svlpsu/crete-cluster/guard"
	"github.com/svlpsu/crete-cluster/metrics"
	"github.com/svlpsu/crete-cluster/pool"
	"github.com/svlpsu/crete-cluster/report"
	"github.com/svlpsu/crete-cluster/testcase"
	"github.com/svlpsu/crete-cluster/trace"
)

const (
	// ReportDir is where the pool growth report is written at shutdown
	ReportDir      = "report"
	brokerInterval = time.Second
	sampleInterval = 5 * time.Second
)

type Master struct {
	cfg     *config.MasterConfig
	logger  log.Logger
	metrics *metrics.Master
	broker  Broker

	traces  *traceQueue
	pool    *guard.Guard[pool.TestPool]
	history *report.History

	lock     *sync.Mutex
	nodes    map[string]*NodeStatus
	received int

	router *gin.Engine
}

// New creates the master pool under cfg.Root, broker may be nil
func New(cfg *config.MasterConfig, logger log.Logger, broker Broker) (*Master, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	p, err := pool.New(cfg.Root)
	if err != nil {
		return nil, err
	}
	m := &Master{
		cfg:     cfg,
		logger:  log.With(logger, "component", "master"),
		metrics: metrics.NewMaster(nil),
		broker:  broker,
		traces:  newTraceQueue(),
		pool:    guard.New(*p),
		history: report.NewHistory(),
		lock:    new(sync.Mutex),
		nodes:   make(map[string]*NodeStatus),
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.POST("/nodes", m.handleRegister)
	r.GET("/nodes/:id/trace", m.handleTrace)
	r.POST("/nodes/:id/tests", m.handleTests)
	r.POST("/nodes/:id/reject", m.handleReject)
	r.POST("/traces", m.handleSubmit)
	r.GET("/tests/next", m.handleNextTests)
	r.GET("/status", m.handleStatus)
	r.POST("/reset", m.handleReset)
	r.GET("/metrics", gin.WrapH(m.metrics.Handler()))
	m.router = r
	return m, nil
}

func (m *Master) Handler() http.Handler {
	return m.router
}

// Submit queues traces for the nodes
func (m *Master) Submit(trs ...*trace.Trace) {
	m.traces.Push(trs...)
	m.metrics.TracesQueued.Set(float64(m.traces.Len()))
}

// Run serves until ctx is done, then writes the report if enabled
func (m *Master) Run(ctx context.Context) error {
	if m.cfg.TraceDir != "" {
		trs, err := trace.LoadDir(m.cfg.TraceDir)
		if err != nil {
			return errors.Wrapf(err, "loading traces from %s", m.cfg.TraceDir)
		}
		m.Submit(trs...)
		level.Info(m.logger).Log("msg", "loaded traces", "dir", m.cfg.TraceDir, "count", len(trs))
	}

	listener, err := net.Listen("tcp", m.cfg.Listen)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", m.cfg.Listen)
	}
	server := &http.Server{Handler: m.router}
	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			level.Error(m.logger).Log("msg", "server stopped", "err", err)
		}
	}()
	level.Info(m.logger).Log("msg", "master listening", "addr", listener.Addr())

	brokerTick := time.NewTicker(brokerInterval)
	defer brokerTick.Stop()
	sampleTick := time.NewTicker(sampleInterval)
	defer sampleTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return m.shutdown(server)
		case <-brokerTick.C:
			m.pullTraces(ctx)
		case <-sampleTick.C:
			m.sample()
		}
	}
}

func (m *Master) shutdown(server *http.Server) error {
	sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	server.Shutdown(sctx)

	if m.broker != nil {
		m.broker.Close()
	}
	if !m.cfg.Report {
		return nil
	}
	m.sample()
	dir := filepath.Join(m.cfg.Root, ReportDir)
	if err := m.history.Save(dir); err != nil {
		return errors.Wrap(err, "saving report")
	}
	level.Info(m.logger).Log("msg", "report written", "dir", dir)
	return nil
}

func (m *Master) pullTraces(ctx context.Context) {
	if m.broker == nil {
		return
	}
	for {
		tr, err := m.broker.PopTrace(ctx)
		if err != nil {
			level.Warn(m.logger).Log("msg", "pulling traces", "err", err)
			return
		}
		if tr == nil {
			return
		}
		m.Submit(tr)
	}
}

func (m *Master) sample() {
	all, _ := m.poolSize()
	m.lock.Lock()
	received := m.received
	m.lock.Unlock()
	m.history.Record(all, received)
}

func (m *Master) poolSize() (int, int) {
	type sizes struct{ all, next int }
	s := guard.With(m.pool, func(p *pool.TestPool) sizes {
		return sizes{p.CountAll(), p.CountNext()}
	})
	return s.all, s.next
}

func (m *Master) node(c *gin.Context) (*NodeStatus, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	n, ok := m.nodes[c.Param("id")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown node"})
	}
	return n, ok
}

func (m *Master) handleRegister(c *gin.Context) {
	req := Register{}
	if err := c.ShouldBindJSON(&req); err != nil || req.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to unmarshal request"})
		return
	}
	m.lock.Lock()
	if n, ok := m.nodes[req.ID]; ok {
		n.Capacity = req.Capacity
	} else {
		m.nodes[req.ID] = &NodeStatus{ID: req.ID, Capacity: req.Capacity}
	}
	m.metrics.Nodes.Set(float64(len(m.nodes)))
	m.lock.Unlock()

	level.Info(m.logger).Log("msg", "node registered", "node", req.ID, "capacity", req.Capacity)
	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}

// handleTrace holds the request until a trace is queued or the wait elapses
func (m *Master) handleTrace(c *gin.Context) {
	n, ok := m.node(c)
	if !ok {
		return
	}
	wait := m.cfg.LongPoll
	if w := c.Query("wait"); w != "" {
		d, err := time.ParseDuration(w)
		if err != nil || d < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad wait"})
			return
		}
		if d < wait {
			wait = d
		}
	}
	tr := m.traces.Pop(c.Request.Context(), wait)
	if tr == nil {
		c.Status(http.StatusNoContent)
		return
	}
	m.lock.Lock()
	n.Served++
	m.lock.Unlock()
	m.metrics.TracesServed.Inc()
	m.metrics.TracesQueued.Set(float64(m.traces.Len()))
	level.Debug(m.logger).Log("msg", "trace served", "node", n.ID, "trace", tr.ID)
	c.JSON(http.StatusOK, tr)
}

func (m *Master) handleTests(c *gin.Context) {
	n, ok := m.node(c)
	if !ok {
		return
	}
	req := Tests{}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to unmarshal request"})
		return
	}
	tcs := make([]testcase.TestCase, len(req.Tests))
	for i, bs := range req.Tests {
		tc, err := testcase.Unmarshal(bs)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "test case " + strconv.Itoa(i) + ": " + err.Error()})
			return
		}
		tcs[i] = tc
	}

	fresh := make([]testcase.TestCase, 0)
	err := m.pool.Do(func(p *pool.TestPool) error {
		for _, tc := range tcs {
			ok, err := p.Insert(tc)
			if err != nil {
				return err
			}
			if ok {
				fresh = append(fresh, tc)
			}
		}
		return nil
	})

	m.lock.Lock()
	n.Reported += len(tcs)
	m.received += len(tcs)
	m.lock.Unlock()
	m.metrics.TestsReceived.Add(float64(len(tcs)))
	m.metrics.TestsAdmitted.Add(float64(len(fresh)))
	all, _ := m.poolSize()
	m.metrics.PoolSize.Set(float64(all))

	if err != nil {
		level.Error(m.logger).Log("msg", "storing test cases", "node", n.ID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if m.broker != nil && len(fresh) > 0 {
		if err := m.broker.PublishTests(c.Request.Context(), fresh); err != nil {
			level.Warn(m.logger).Log("msg", "publishing test cases", "err", err)
		}
	}
	level.Info(m.logger).Log("msg", "test cases reported", "node", n.ID, "received", len(tcs), "new", len(fresh), "pool", all)
	c.JSON(http.StatusOK, TestsAccepted{Received: len(tcs), Accepted: len(fresh)})
}

func (m *Master) handleReject(c *gin.Context) {
	n, ok := m.node(c)
	if !ok {
		return
	}
	tr := &trace.Trace{}
	if err := c.ShouldBindJSON(tr); err != nil || tr.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to unmarshal request"})
		return
	}
	m.lock.Lock()
	n.Returned++
	m.lock.Unlock()
	m.metrics.TracesReturned.Inc()
	m.Submit(tr)
	level.Info(m.logger).Log("msg", "trace returned", "node", n.ID, "trace", tr.ID)
	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}

func (m *Master) handleSubmit(c *gin.Context) {
	req := &trace.Trace{}
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to unmarshal request"})
		return
	}
	tr := trace.New(req.ID, req.Data)
	m.Submit(tr)
	c.JSON(http.StatusOK, gin.H{"id": tr.ID})
}

// handleNextTests hands queued test cases to whoever turns them into traces
func (m *Master) handleNextTests(c *gin.Context) {
	limit := 100
	if s := c.Query("max"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad max"})
			return
		}
		limit = v
	}
	out := guard.With(m.pool, func(p *pool.TestPool) [][]byte {
		batch := make([][]byte, 0)
		for len(batch) < limit {
			tc, ok := p.Next()
			if !ok {
				break
			}
			batch = append(batch, tc.Bytes())
		}
		return batch
	})
	c.JSON(http.StatusOK, Tests{Tests: out})
}

func (m *Master) Status() Status {
	all, next := m.poolSize()
	m.lock.Lock()
	defer m.lock.Unlock()
	nodes := make([]NodeStatus, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodes = append(nodes, *n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return Status{
		Nodes:        nodes,
		TracesQueued: m.traces.Len(),
		PoolAll:      all,
		PoolNext:     next,
		Received:     m.received,
	}
}

func (m *Master) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, m.Status())
}

// handleReset starts a new round, test cases on disk are kept
func (m *Master) handleReset(c *gin.Context) {
	m.pool.Do(func(p *pool.TestPool) error {
		p.Clear()
		return nil
	})
	m.traces.Reset()
	m.lock.Lock()
	m.received = 0
	m.lock.Unlock()
	m.metrics.PoolSize.Set(0)
	m.metrics.TracesQueued.Set(0)
	level.Info(m.logger).Log("msg", "master reset")
	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}
