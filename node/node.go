package node

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/svlpsu/crete-cluster/config"
	"github.com/svlpsu/crete-cluster/executor"
	"github.com/svlpsu/crete-cluster/guard"
	"github.com/svlpsu/crete-cluster/metrics"
	"github.com/svlpsu/crete-cluster/pool"
	"github.com/svlpsu/crete-cluster/testcase"
	"github.com/svlpsu/crete-cluster/trace"
	"github.com/svlpsu/crete-cluster/util"
)

const (
	// ExecDir holds one working directory per dispatched trace
	ExecDir = "exec"
	// AbandonedLog lists the traces given up on, one line each
	AbandonedLog = "abandoned.log"
)

// runtime is the state behind the slot guard
type runtime struct {
	machine   Machine
	executors []*executor.TraceExecutor
	phaseAt   []time.Time
	seq       int
}

// Node runs the slot machine against real executors. Effects that talk to the master
// are published on Effects, everything else is carried out inside Handle.
type Node struct {
	cfg     *config.NodeConfig
	logger  log.Logger
	metrics *metrics.Node

	state *guard.Guard[runtime]
	pool  *guard.Guard[pool.TestPool]

	ctx     context.Context
	cancel  context.CancelFunc
	effects chan Effect
}

func New(cfg *config.NodeConfig, logger log.Logger, m *metrics.Node) (*Node, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if m == nil {
		m = metrics.NewNode(nil)
	}
	p, err := pool.New(cfg.Root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(cfg.Root, ExecDir), 0755); err != nil {
		return nil, errors.Wrap(err, "creating exec dir")
	}
	ctx, cancel := context.WithCancel(context.Background())
	machine := NewMachine(cfg.Capacity, cfg.MaxSlotErrors)
	return &Node{
		cfg:     cfg,
		logger:  log.With(logger, "component", "node", "node", cfg.ID),
		metrics: m,
		state: guard.New(runtime{
			machine:   machine,
			executors: make([]*executor.TraceExecutor, cfg.Capacity),
			phaseAt:   make([]time.Time, cfg.Capacity),
		}),
		pool:    guard.New(*p),
		ctx:     ctx,
		cancel:  cancel,
		effects: make(chan Effect, 4*machine.Window()+4),
	}, nil
}

// Effects delivers RequestTrace, SendReport, RejectTrace and Terminate
func (n *Node) Effects() <-chan Effect {
	return n.effects
}

// Handle feeds ev and every follow-up event of the effects it causes to the machine
func (n *Node) Handle(ctx context.Context, ev Event) error {
	external := make([]Effect, 0)
	err := n.state.DoContext(ctx, func(rt *runtime) error {
		queue := []Event{ev}
		for len(queue) > 0 {
			next, effects := rt.machine.Step(queue[0])
			rt.machine = next
			queue = queue[1:]
			for _, eff := range effects {
				follow, ext := n.apply(rt, eff)
				queue = append(queue, follow...)
				if ext {
					external = append(external, eff)
				}
			}
		}
		n.metrics.SlotsBusy.Set(float64(rt.machine.Busy()))
		return nil
	})
	if err != nil {
		return err
	}
	for _, eff := range external {
		select {
		case n.effects <- eff:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// apply runs an internal effect and returns the events it produced, ext is true for
// effects the driver has to carry out
func (n *Node) apply(rt *runtime, eff Effect) (events []Event, ext bool) {
	switch e := eff.(type) {
	case StartConcolic:
		return n.startConcolic(rt, e), false
	case StartSymbolic:
		return n.startSymbolic(rt, e.Slot), false
	case PollSlot:
		return n.pollSlot(rt, e.Slot), false
	case Drain:
		return n.drain(rt, e.Slot), false
	case Abandon:
		n.abandon(rt, e)
		return nil, false
	case Terminate:
		level.Error(n.logger).Log("msg", "node stopped", "err", e.Err)
		n.killAll(rt)
		return nil, true
	case RejectTrace:
		n.metrics.TracesRejected.Inc()
		return nil, true
	}
	return nil, true
}

func (n *Node) slotLogger(slot int, tr *trace.Trace) log.Logger {
	return log.With(n.logger, "slot", slot, "trace", tr.ID)
}

func (n *Node) startConcolic(rt *runtime, e StartConcolic) []Event {
	dir := filepath.Join(n.cfg.Root, ExecDir, strconv.Itoa(rt.seq))
	rt.seq++
	ex := executor.New(e.Trace, dir, n.cfg.Tools)
	rt.executors[e.Slot] = ex
	rt.phaseAt[e.Slot] = time.Now()
	if err := ex.ExecuteConcolic(n.ctx); err != nil {
		return []Event{SlotFailed{Slot: e.Slot, Err: err}}
	}
	n.metrics.TracesStarted.Inc()
	level.Debug(n.slotLogger(e.Slot, e.Trace)).Log("msg", "concolic started", "dir", dir)
	return []Event{Dispatched{Slot: e.Slot}}
}

func (n *Node) startSymbolic(rt *runtime, slot int) []Event {
	ex := rt.executors[slot]
	if ex == nil {
		return []Event{SlotFailed{Slot: slot, Err: errors.Wrap(executor.ErrInvalidState, "no executor")}}
	}
	n.observePhase(rt, slot, "concolic")
	if err := ex.ExecuteSymbolic(n.ctx); err != nil {
		return []Event{SlotFailed{Slot: slot, Err: err}}
	}
	level.Debug(n.slotLogger(slot, ex.Trace())).Log("msg", "symbolic started")
	return nil
}

func (n *Node) observePhase(rt *runtime, slot int, phase string) {
	n.metrics.PhaseSeconds.WithLabelValues(phase).Observe(time.Since(rt.phaseAt[slot]).Seconds())
	rt.phaseAt[slot] = time.Now()
}

func (n *Node) pollSlot(rt *runtime, slot int) []Event {
	ex := rt.executors[slot]
	if ex == nil {
		return nil
	}
	if p := ex.Running(); p != nil && n.cfg.PhaseTimeout > 0 && p.Elapsed() > n.cfg.PhaseTimeout {
		err := errors.Wrapf(executor.ErrTimeout, "%s phase ran for %s", p.Name, p.Elapsed().Round(time.Second))
		ex.Terminate(err)
		return []Event{SlotFailed{Slot: slot, Err: err}}
	}
	switch rt.machine.Slots[slot].Phase {
	case SlotConcolic:
		if ex.IsConcolicFinished() {
			return []Event{ConcolicDone{Slot: slot}}
		}
	case SlotSymbolic:
		if ex.IsSymbolicFinished() {
			n.observePhase(rt, slot, "symbolic")
			return []Event{SymbolicDone{Slot: slot}}
		}
	}
	if ex.State() == executor.Errored {
		return []Event{SlotFailed{Slot: slot, Err: ex.Err()}}
	}
	return nil
}

func (n *Node) drain(rt *runtime, slot int) []Event {
	ex := rt.executors[slot]
	if ex == nil {
		return []Event{SlotFailed{Slot: slot, Err: errors.Wrap(executor.ErrInvalidState, "no executor")}}
	}
	logger := n.slotLogger(slot, ex.Trace())
	if err := ex.RetrieveResult(); err != nil {
		return []Event{SlotFailed{Slot: slot, Err: err}}
	}
	for _, p := range ex.Corrupt() {
		level.Warn(logger).Log("msg", "skipping corrupt test case", "file", p)
	}
	tcs := ex.TestCases()
	admitted := 0
	err := n.pool.Do(func(p *pool.TestPool) error {
		var err error
		admitted, err = p.InsertAll(tcs)
		return err
	})
	n.metrics.TestsAdmitted.Add(float64(admitted))
	if err != nil {
		return []Event{SlotFailed{Slot: slot, Err: err}}
	}
	n.metrics.TestsDuplicate.Add(float64(len(tcs) - admitted))
	n.metrics.TracesCompleted.Inc()
	level.Info(logger).Log("msg", "trace done", "test_cases", len(tcs), "new", admitted)

	rt.executors[slot] = nil
	if err := os.RemoveAll(ex.WorkDir()); err != nil {
		level.Warn(logger).Log("msg", "removing work dir", "err", err)
	}
	events := []Event{Drained{Slot: slot}}
	if admitted > 0 {
		events = append(events, TestsQueued{N: admitted})
	}
	return events
}

func (n *Node) abandon(rt *runtime, e Abandon) {
	logger := n.slotLogger(e.Slot, e.Trace)
	if ex := rt.executors[e.Slot]; ex != nil {
		ex.Terminate(e.Err)
		rt.executors[e.Slot] = nil
	}
	cause := "error"
	switch {
	case errors.Is(e.Err, executor.ErrTimeout):
		cause = "timeout"
	case errors.Is(e.Err, executor.ErrSubprocess):
		cause = "subprocess"
	case errors.Is(e.Err, pool.ErrPersist):
		cause = "persist"
	}
	n.metrics.SlotFailures.WithLabelValues(cause).Inc()
	level.Warn(logger).Log("msg", "trace abandoned", "err", e.Err)

	line := fmt.Sprintf("%s\t%s\t%d\t%s", time.Now().UTC().Format(time.RFC3339), e.Trace.ID, e.Slot, e.Err)
	if err := util.AppendToFile(filepath.Join(n.cfg.Root, AbandonedLog), line); err != nil {
		level.Warn(logger).Log("msg", "recording abandoned trace", "err", err)
	}
}

func (n *Node) killAll(rt *runtime) {
	for i, ex := range rt.executors {
		if ex != nil {
			ex.Terminate(executor.ErrTerminated)
			rt.executors[i] = nil
		}
	}
}

// TakeReport pops every undistributed test case of the local pool
func (n *Node) TakeReport() []testcase.TestCase {
	return guard.With(n.pool, func(p *pool.TestPool) []testcase.TestCase {
		return p.Drain()
	})
}

// Reported counts test cases the master has acknowledged
func (n *Node) Reported(count int) {
	n.metrics.TestsReported.Add(float64(count))
}

func (n *Node) Machine() Machine {
	return guard.With(n.state, func(rt *runtime) Machine {
		return rt.machine.clone()
	})
}

// PoolSize returns the number of distinct and of undistributed test cases
func (n *Node) PoolSize() (int, int) {
	type sizes struct{ all, next int }
	s := guard.With(n.pool, func(p *pool.TestPool) sizes {
		return sizes{p.CountAll(), p.CountNext()}
	})
	return s.all, s.next
}

// SlotStatus is a snapshot of one slot for display
type SlotStatus struct {
	Slot    int           `json:"slot"`
	Phase   SlotPhase     `json:"phase"`
	TraceID string        `json:"trace,omitempty"`
	Errors  int           `json:"errors"`
	Elapsed time.Duration `json:"elapsed_ns"`
}

func (n *Node) Status() []SlotStatus {
	return guard.With(n.state, func(rt *runtime) []SlotStatus {
		out := make([]SlotStatus, len(rt.machine.Slots))
		for i, s := range rt.machine.Slots {
			out[i] = SlotStatus{Slot: i, Phase: s.Phase, Errors: s.Errors}
			if s.Trace != nil {
				out[i].TraceID = s.Trace.ID
			}
			if s.Busy() && !rt.phaseAt[i].IsZero() {
				out[i].Elapsed = time.Since(rt.phaseAt[i])
			}
		}
		return out
	})
}

// Close kills every live subprocess
func (n *Node) Close() {
	n.cancel()
	n.state.Do(func(rt *runtime) error {
		n.killAll(rt)
		return nil
	})
}
