package status

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/svlpsu/crete-cluster/node"
)

type fixed struct {
	slots []node.SlotStatus
}

func (f fixed) Status() []node.SlotStatus { return f.slots }
func (f fixed) PoolSize() (int, int)      { return 7, 2 }

func TestLine(t *testing.T) {
	assert.Equal(t, "slot 0: free       ", Line(node.SlotStatus{Slot: 0, Phase: node.SlotFree}))
	l := Line(node.SlotStatus{Slot: 1, Phase: node.SlotSymbolic, TraceID: "t9", Errors: 2, Elapsed: 3 * time.Second})
	assert.Contains(t, l, "symbolic")
	assert.Contains(t, l, "trace=t9 elapsed=3s")
	assert.Contains(t, l, "errors=2")
}

func TestPrinter(t *testing.T) {
	src := fixed{slots: []node.SlotStatus{
		{Slot: 0, Phase: node.SlotConcolic, TraceID: "a"},
		{Slot: 1, Phase: node.SlotFree},
	}}
	var out bytes.Buffer
	p := NewPrinter(src, &out, 10*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	p.Run(ctx)

	s := out.String()
	assert.Contains(t, s, "pool: 7 distinct, 2 to report")
	assert.Contains(t, s, "trace=a")
	assert.Contains(t, s, "slot 1: free")
}
