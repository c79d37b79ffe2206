package node

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/svlpsu/crete-cluster/trace"
)

// ErrSlotFailures is the cause of a stop after too many consecutive failures of one slot
var ErrSlotFailures = errors.New("too many consecutive slot failures")

// Phase of the node as a whole, derived from its slots and the report in flight
type Phase int

const (
	Idle Phase = iota
	AwaitingTrace
	Dispatching
	Executing
	ReportingResults
	Error
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case AwaitingTrace:
		return "awaiting-trace"
	case Dispatching:
		return "dispatching"
	case Executing:
		return "executing"
	case ReportingResults:
		return "reporting"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

type SlotPhase int

const (
	SlotFree SlotPhase = iota
	SlotDispatching
	SlotConcolic
	SlotSymbolic
	SlotDraining
)

func (p SlotPhase) String() string {
	switch p {
	case SlotFree:
		return "free"
	case SlotDispatching:
		return "dispatching"
	case SlotConcolic:
		return "concolic"
	case SlotSymbolic:
		return "symbolic"
	case SlotDraining:
		return "draining"
	default:
		return fmt.Sprintf("slot(%d)", int(p))
	}
}

func (p SlotPhase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Slot is one execution slot, Errors counts its consecutive failures
type Slot struct {
	Phase  SlotPhase
	Trace  *trace.Trace
	Errors int
}

func (s Slot) Busy() bool {
	return s.Phase != SlotFree
}

// Event is an input of the machine
type Event interface {
	isEvent()
}

type (
	Start     struct{}
	NextTrace struct{ Trace *trace.Trace }
	NoTrace   struct{}
	// Dispatched confirms the concolic process of the slot is running
	Dispatched   struct{ Slot int }
	Poll         struct{}
	ConcolicDone struct{ Slot int }
	SymbolicDone struct{ Slot int }
	// Drained means the results of the slot are in the pool
	Drained    struct{ Slot int }
	SlotFailed struct {
		Slot int
		Err  error
	}
	TestsQueued struct{ N int }
	TestsReady  struct{}
	// ProtocolError is raised once the master can no longer be reached
	ProtocolError struct{ Err error }
)

func (Start) isEvent()         {}
func (NextTrace) isEvent()     {}
func (NoTrace) isEvent()       {}
func (Dispatched) isEvent()    {}
func (Poll) isEvent()          {}
func (ConcolicDone) isEvent()  {}
func (SymbolicDone) isEvent()  {}
func (Drained) isEvent()       {}
func (SlotFailed) isEvent()    {}
func (TestsQueued) isEvent()   {}
func (TestsReady) isEvent()    {}
func (ProtocolError) isEvent() {}

// Effect is an output of the machine, executed by the runtime or the driver
type Effect interface {
	isEffect()
}

type (
	RequestTrace  struct{}
	StartConcolic struct {
		Slot  int
		Trace *trace.Trace
	}
	PollSlot      struct{ Slot int }
	StartSymbolic struct{ Slot int }
	Drain         struct{ Slot int }
	SendReport    struct{}
	Abandon       struct {
		Slot  int
		Trace *trace.Trace
		Err   error
	}
	RejectTrace struct{ Trace *trace.Trace }
	Terminate   struct{ Err error }
)

func (RequestTrace) isEffect()  {}
func (StartConcolic) isEffect() {}
func (PollSlot) isEffect()      {}
func (StartSymbolic) isEffect() {}
func (Drain) isEffect()         {}
func (SendReport) isEffect()    {}
func (Abandon) isEffect()       {}
func (RejectTrace) isEffect()   {}
func (Terminate) isEffect()     {}

// Machine is the node state. It is a value, Step never mutates its receiver.
type Machine struct {
	Phase     Phase
	Capacity  int
	MaxErrors int
	Slots     []Slot
	// traces received while every slot was busy, oldest first
	Queue []*trace.Trace
	// trace requests sent and not answered yet
	Outstanding int
	Reporting   bool
	// tests queued while a report was in flight
	PendingTests int
	Err          error
}

func NewMachine(capacity, maxErrors int) Machine {
	if capacity < 1 {
		capacity = 1
	}
	if maxErrors < 1 {
		maxErrors = 1
	}
	return Machine{
		Phase:     Idle,
		Capacity:  capacity,
		MaxErrors: maxErrors,
		Slots:     make([]Slot, capacity),
		Queue:     make([]*trace.Trace, 0),
	}
}

// QueueBound is the number of traces the node holds without a slot
func (m Machine) QueueBound() int {
	return m.Capacity - 1
}

// Window is the number of traces the node may have in flight,
// running, queued or requested
func (m Machine) Window() int {
	return m.Capacity + m.QueueBound()
}

func (m Machine) Busy() int {
	n := 0
	for _, s := range m.Slots {
		if s.Busy() {
			n++
		}
	}
	return n
}

func (m Machine) InFlight() int {
	return m.Busy() + len(m.Queue) + m.Outstanding
}

func (m Machine) clone() Machine {
	c := m
	c.Slots = make([]Slot, len(m.Slots))
	copy(c.Slots, m.Slots)
	c.Queue = make([]*trace.Trace, len(m.Queue))
	copy(c.Queue, m.Queue)
	return c
}

// Step applies ev and returns the next machine with the effects to run, in order
func (m Machine) Step(ev Event) (Machine, []Effect) {
	n := m.clone()
	effects := make([]Effect, 0)

	if n.Phase == Error {
		// absorbing, traces that still arrive go back to the master
		if nt, ok := ev.(NextTrace); ok {
			effects = append(effects, RejectTrace{Trace: nt.Trace})
		}
		return n, effects
	}
	if n.Phase == Idle {
		switch e := ev.(type) {
		case Start:
			effects = n.fill(effects)
		case NextTrace:
			effects = append(effects, RejectTrace{Trace: e.Trace})
		case ProtocolError:
			effects = n.halt(e.Err, effects)
		}
		return n.settle(), effects
	}

	switch e := ev.(type) {
	case NextTrace:
		if n.Outstanding > 0 {
			n.Outstanding--
		}
		effects = n.accept(e.Trace, effects)
	case NoTrace:
		// the next poll asks again
		if n.Outstanding > 0 {
			n.Outstanding--
		}
	case Dispatched:
		if n.slotIs(e.Slot, SlotDispatching) {
			n.Slots[e.Slot].Phase = SlotConcolic
		}
	case Poll:
		for i, s := range n.Slots {
			if s.Phase == SlotConcolic || s.Phase == SlotSymbolic {
				effects = append(effects, PollSlot{Slot: i})
			}
		}
		effects = n.fill(effects)
	case ConcolicDone:
		if n.slotIs(e.Slot, SlotConcolic) {
			n.Slots[e.Slot].Phase = SlotSymbolic
			effects = append(effects, StartSymbolic{Slot: e.Slot})
		}
	case SymbolicDone:
		if n.slotIs(e.Slot, SlotSymbolic) {
			n.Slots[e.Slot].Phase = SlotDraining
			effects = append(effects, Drain{Slot: e.Slot})
		}
	case Drained:
		if n.slotIs(e.Slot, SlotDraining) {
			n.Slots[e.Slot] = Slot{Phase: SlotFree}
			effects = n.dispatchQueued(effects)
			effects = n.fill(effects)
		}
	case SlotFailed:
		if e.Slot < 0 || e.Slot >= len(n.Slots) || !n.Slots[e.Slot].Busy() {
			break
		}
		s := n.Slots[e.Slot]
		effects = append(effects, Abandon{Slot: e.Slot, Trace: s.Trace, Err: e.Err}, RejectTrace{Trace: s.Trace})
		n.Slots[e.Slot] = Slot{Phase: SlotFree, Errors: s.Errors + 1}
		if s.Errors+1 >= n.MaxErrors {
			err := errors.Wrapf(ErrSlotFailures, "slot %d failed %d times, last: %s", e.Slot, s.Errors+1, e.Err)
			effects = n.halt(err, effects)
			return n.settle(), effects
		}
		effects = n.dispatchQueued(effects)
		effects = n.fill(effects)
	case TestsQueued:
		if e.N <= 0 {
			break
		}
		if n.Reporting {
			n.PendingTests += e.N
			break
		}
		n.Reporting = true
		effects = append(effects, SendReport{})
	case TestsReady:
		n.Reporting = false
		if n.PendingTests > 0 {
			n.PendingTests = 0
			n.Reporting = true
			effects = append(effects, SendReport{})
		}
	case ProtocolError:
		effects = n.halt(e.Err, effects)
	}
	return n.settle(), effects
}

func (m *Machine) slotIs(i int, p SlotPhase) bool {
	return i >= 0 && i < len(m.Slots) && m.Slots[i].Phase == p
}

func (m *Machine) freeSlot() int {
	for i, s := range m.Slots {
		if !s.Busy() {
			return i
		}
	}
	return -1
}

func (m *Machine) accept(tr *trace.Trace, effects []Effect) []Effect {
	if i := m.freeSlot(); i >= 0 {
		return m.dispatch(i, tr, effects)
	}
	if len(m.Queue) < m.QueueBound() {
		m.Queue = append(m.Queue, tr)
		return effects
	}
	return append(effects, RejectTrace{Trace: tr})
}

func (m *Machine) dispatch(i int, tr *trace.Trace, effects []Effect) []Effect {
	m.Slots[i].Phase = SlotDispatching
	m.Slots[i].Trace = tr
	return append(effects, StartConcolic{Slot: i, Trace: tr})
}

func (m *Machine) dispatchQueued(effects []Effect) []Effect {
	for len(m.Queue) > 0 {
		i := m.freeSlot()
		if i < 0 {
			break
		}
		tr := m.Queue[0]
		m.Queue = m.Queue[1:]
		effects = m.dispatch(i, tr, effects)
	}
	return effects
}

// fill requests traces until the window is full
func (m *Machine) fill(effects []Effect) []Effect {
	for m.InFlight() < m.Window() {
		m.Outstanding++
		effects = append(effects, RequestTrace{})
	}
	return effects
}

// halt gives every held trace back and stops the node
func (m *Machine) halt(err error, effects []Effect) []Effect {
	for i, s := range m.Slots {
		if s.Busy() {
			effects = append(effects, Abandon{Slot: i, Trace: s.Trace, Err: err}, RejectTrace{Trace: s.Trace})
			m.Slots[i] = Slot{Phase: SlotFree, Errors: s.Errors}
		}
	}
	for _, tr := range m.Queue {
		effects = append(effects, RejectTrace{Trace: tr})
	}
	m.Queue = m.Queue[:0]
	m.Err = err
	m.Phase = Error
	return append(effects, Terminate{Err: err})
}

func (m Machine) settle() Machine {
	if m.Phase == Error || m.Phase == Idle && m.Outstanding == 0 && m.Busy() == 0 {
		return m
	}
	dispatching, busy := false, false
	for _, s := range m.Slots {
		switch s.Phase {
		case SlotDispatching:
			dispatching = true
		case SlotFree:
		default:
			busy = true
		}
	}
	switch {
	case m.Reporting:
		m.Phase = ReportingResults
	case dispatching:
		m.Phase = Dispatching
	case busy:
		m.Phase = Executing
	default:
		m.Phase = AwaitingTrace
	}
	return m
}
