// Package driver connects a node to the master.
package driver

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/svlpsu/crete-cluster/node"
)

// rejectTimeout bounds the hand back of traces once the node stopped
const rejectTimeout = 10 * time.Second

// Driver carries out the effects of a node that involve the master and turns
// the answers into events
type Driver struct {
	node         *node.Node
	client       *Client
	capacity     int
	pollInterval time.Duration
	logger       log.Logger

	rejects *sync.WaitGroup
}

func New(n *node.Node, client *Client, capacity int, pollInterval time.Duration, logger log.Logger) *Driver {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Driver{
		node:         n,
		client:       client,
		capacity:     capacity,
		pollInterval: pollInterval,
		logger:       log.With(logger, "component", "driver"),
		rejects:      new(sync.WaitGroup),
	}
}

// Run registers the node and drives it until ctx is done, which returns nil,
// or until the node stops, which returns the cause
func (d *Driver) Run(parent context.Context) error {
	if err := d.client.Register(parent, d.capacity); err != nil {
		return err
	}
	level.Info(d.logger).Log("msg", "registered with master", "capacity", d.capacity)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer d.node.Close()

	go d.poll(ctx)
	if err := d.node.Handle(ctx, node.Start{}); err != nil {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case eff := <-d.node.Effects():
			if err := d.apply(ctx, eff); err != nil {
				return err
			}
		}
	}
}

func (d *Driver) poll(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.node.Handle(ctx, node.Poll{})
		}
	}
}

func (d *Driver) fail(ctx context.Context, err error) {
	level.Error(d.logger).Log("msg", "master unreachable", "err", err)
	d.node.Handle(ctx, node.ProtocolError{Err: err})
}

func (d *Driver) apply(ctx context.Context, eff node.Effect) error {
	switch e := eff.(type) {
	case node.RequestTrace:
		go func() {
			tr, err := d.client.RequestTrace(ctx)
			switch {
			case ctx.Err() != nil:
			case err != nil:
				d.fail(ctx, err)
			case tr == nil:
				d.node.Handle(ctx, node.NoTrace{})
			default:
				level.Debug(d.logger).Log("msg", "trace received", "trace", tr.ID)
				d.node.Handle(ctx, node.NextTrace{Trace: tr})
			}
		}()
	case node.SendReport:
		go func() {
			batch := d.node.TakeReport()
			if len(batch) > 0 {
				res, err := d.client.SendReport(ctx, batch)
				if ctx.Err() != nil {
					return
				}
				if err != nil {
					d.fail(ctx, err)
					return
				}
				d.node.Reported(len(batch))
				level.Info(d.logger).Log("msg", "test cases reported", "sent", res.Received, "new", res.Accepted)
			}
			d.node.Handle(ctx, node.TestsReady{})
		}()
	case node.RejectTrace:
		// not bound to ctx, traces go back to the master even while stopping
		d.rejects.Add(1)
		go func() {
			defer d.rejects.Done()
			rctx, cancel := context.WithTimeout(context.Background(), rejectTimeout)
			defer cancel()
			if err := d.client.RejectTrace(rctx, e.Trace); err != nil {
				level.Warn(d.logger).Log("msg", "trace not returned", "trace", e.Trace.ID, "err", err)
			}
		}()
	case node.Terminate:
		d.rejects.Wait()
		return errors.Wrap(e.Err, "node stopped")
	}
	return nil
}
