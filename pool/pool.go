package pool

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/svlpsu/crete-cluster/testcase"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// Dir is the sub directory of the pool root holding the persisted test cases
const Dir = "test-case"

// ErrPersist is the file-I/O error kind of the pool
var ErrPersist = errors.New("test pool persistence failed")

type Option func(*TestPool)

// WithRandomSelection makes Next draw a queued test case at random, weighted by priority + 1,
// instead of popping the newest one. Off by default so that runs are reproducible.
func WithRandomSelection(src rand.Source) Option {
	return func(p *TestPool) {
		if src == nil {
			src = rand.NewSource(uint64(time.Now().UnixNano()))
		}
		p.rand = src
	}
}

// TestPool deduplicates test cases by their canonical bytes, persists the admitted ones
// under <root>/test-case/<N> and queues them for redistribution.
// A TestPool is not safe for concurrent use, share it through a guard.Guard.
type TestPool struct {
	root string
	all  map[string]struct{}
	next []testcase.TestCase
	// index of the next file to write, survives Clear so no file is written twice
	written int
	rand    rand.Source
}

func New(root string, opts ...Option) (*TestPool, error) {
	p := &TestPool{
		root: root,
		all:  make(map[string]struct{}),
		next: make([]testcase.TestCase, 0),
	}
	for _, o := range opts {
		o(p)
	}
	if err := os.MkdirAll(p.Dir(), 0755); err != nil {
		return nil, errors.Wrapf(ErrPersist, "creating %s: %s", p.Dir(), err)
	}
	return p, nil
}

func (p *TestPool) Dir() string {
	return filepath.Join(p.root, Dir)
}

// Insert admits tc if no byte identical test case is known. The admitted test case
// is on disk when Insert returns.
func (p *TestPool) Insert(tc testcase.TestCase) (bool, error) {
	key := tc.Key()
	if _, ok := p.all[key]; ok {
		return false, nil
	}
	path := filepath.Join(p.Dir(), strconv.Itoa(p.written))
	if err := os.MkdirAll(p.Dir(), 0755); err != nil {
		return false, errors.Wrapf(ErrPersist, "creating %s: %s", p.Dir(), err)
	}
	if err := tc.WriteFile(path); err != nil {
		return false, errors.Wrapf(ErrPersist, "writing %s: %s", path, err)
	}
	p.written++
	p.all[key] = struct{}{}
	p.next = append(p.next, tc)
	return true, nil
}

// InsertAll inserts in order and returns how many were admitted.
// It stops at the first persistence error.
func (p *TestPool) InsertAll(tcs []testcase.TestCase) (int, error) {
	admitted := 0
	for _, tc := range tcs {
		ok, err := p.Insert(tc)
		if err != nil {
			return admitted, err
		}
		if ok {
			admitted++
		}
	}
	return admitted, nil
}

// Next removes and returns the newest test case that was not handed out yet
func (p *TestPool) Next() (testcase.TestCase, bool) {
	if len(p.next) == 0 {
		return testcase.TestCase{}, false
	}
	i := len(p.next) - 1
	if p.rand != nil {
		i = p.pick()
	}
	tc := p.next[i]
	p.next = append(p.next[:i], p.next[i+1:]...)
	return tc, true
}

func (p *TestPool) pick() int {
	weights := make([]float64, len(p.next))
	for i, tc := range p.next {
		w := float64(tc.Priority + 1)
		if w <= 0 {
			w = 1
		}
		weights[i] = w
	}
	i, ok := sampleuv.NewWeighted(weights, p.rand).Take()
	if !ok {
		return len(p.next) - 1
	}
	return i
}

// Drain pops every queued test case, newest first
func (p *TestPool) Drain() []testcase.TestCase {
	out := make([]testcase.TestCase, 0, len(p.next))
	for {
		tc, ok := p.Next()
		if !ok {
			return out
		}
		out = append(out, tc)
	}
}

func (p *TestPool) CountAll() int {
	return len(p.all)
}

func (p *TestPool) CountNext() int {
	return len(p.next)
}

// Clear forgets both views. Files already on disk are kept.
func (p *TestPool) Clear() {
	p.all = make(map[string]struct{})
	p.next = make([]testcase.TestCase, 0)
}
