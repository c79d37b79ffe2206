package master

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/svlpsu/crete-cluster/config"
	"github.com/svlpsu/crete-cluster/testcase"
	"github.com/svlpsu/crete-cluster/trace"
)

// Broker connects the master to the translation layer that turns test cases into traces
type Broker interface {
	// PopTrace returns nil, nil when no trace is waiting
	PopTrace(ctx context.Context) (*trace.Trace, error)
	PublishTests(ctx context.Context, tcs []testcase.TestCase) error
	Close() error
}

// RedisBroker pops JSON encoded traces from one list and pushes the canonical bytes
// of every new test case onto another
type RedisBroker struct {
	client   *redis.Client
	traceKey string
	testKey  string
}

func NewRedisBroker(cfg config.RedisConfig) *RedisBroker {
	return &RedisBroker{
		client: redis.NewClient(&redis.Options{
			Addr:        cfg.Addr,
			DB:          cfg.DB,
			DialTimeout: 2 * time.Second,
		}),
		traceKey: cfg.TraceKey,
		testKey:  cfg.TestKey,
	}
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroker) PopTrace(ctx context.Context) (*trace.Trace, error) {
	data, err := b.client.LPop(ctx, b.traceKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "popping %s", b.traceKey)
	}
	return decodeTrace(data)
}

func (b *RedisBroker) PublishTests(ctx context.Context, tcs []testcase.TestCase) error {
	if len(tcs) == 0 {
		return nil
	}
	values := make([]interface{}, len(tcs))
	for i, tc := range tcs {
		values[i] = tc.Bytes()
	}
	return errors.Wrapf(b.client.RPush(ctx, b.testKey, values...).Err(), "pushing to %s", b.testKey)
}

// PushTrace queues a trace for any master reading the same list
func (b *RedisBroker) PushTrace(ctx context.Context, tr *trace.Trace) error {
	data, err := encodeTrace(tr)
	if err != nil {
		return err
	}
	return errors.Wrapf(b.client.RPush(ctx, b.traceKey, data).Err(), "pushing to %s", b.traceKey)
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

func encodeTrace(tr *trace.Trace) ([]byte, error) {
	return json.Marshal(tr)
}

func decodeTrace(data []byte) (*trace.Trace, error) {
	tr := &trace.Trace{}
	if err := json.Unmarshal(data, tr); err != nil {
		return nil, errors.Wrap(err, "decoding trace")
	}
	return trace.New(tr.ID, tr.Data), nil
}
