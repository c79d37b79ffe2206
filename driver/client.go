package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/svlpsu/crete-cluster/master"
	"github.com/svlpsu/crete-cluster/testcase"
	"github.com/svlpsu/crete-cluster/trace"
)

// ErrProtocol is returned once the master cannot be talked to within the retry budget
// or answers something the node does not understand
var ErrProtocol = errors.New("master protocol error")

// permanent errors are not retried
type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }

// Client talks JSON over HTTP to the master
type Client struct {
	base     string
	nodeID   string
	nodePath string
	http     *http.Client
	budget   int
	interval time.Duration
	longPoll time.Duration
	logger   log.Logger
}

type ClientConfig struct {
	Master        string
	NodeID        string
	RetryBudget   int
	RetryInterval time.Duration
	LongPoll      time.Duration
}

func NewClient(cfg ClientConfig, logger log.Logger) *Client {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cfg.RetryBudget < 1 {
		cfg.RetryBudget = 1
	}
	base := cfg.Master
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		base:     strings.TrimSuffix(base, "/"),
		nodeID:   cfg.NodeID,
		nodePath: "/nodes/" + url.PathEscape(cfg.NodeID),
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 5 * time.Second,
				// trace requests are held by the master for up to LongPoll
				ResponseHeaderTimeout: cfg.LongPoll + 5*time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
		budget:   cfg.RetryBudget,
		interval: cfg.RetryInterval,
		longPoll: cfg.LongPoll,
		logger:   log.With(logger, "component", "client"),
	}
}

// do sends one request and decodes a 200 body into out, it returns the status code
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		bs, err := json.Marshal(body)
		if err != nil {
			return 0, permanent{errors.Wrap(err, "encoding request")}
		}
		reader = bytes.NewReader(bs)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return 0, permanent{err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	bs, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		if out != nil {
			if err := json.Unmarshal(bs, out); err != nil {
				return resp.StatusCode, permanent{errors.Wrap(err, "decoding response")}
			}
		}
		return resp.StatusCode, nil
	case resp.StatusCode == http.StatusNoContent:
		return resp.StatusCode, nil
	case resp.StatusCode >= 500:
		return resp.StatusCode, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(bs))
	default:
		return resp.StatusCode, permanent{fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(bs))}
	}
}

// retry runs fn until it succeeds, fails permanently or the budget is spent
func (c *Client) retry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= c.budget; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var p permanent
		if errors.As(err, &p) {
			return errors.Wrapf(ErrProtocol, "%s: %s", op, p.err)
		}
		level.Warn(c.logger).Log("msg", "master request failed", "op", op, "attempt", attempt, "err", err)
		if attempt == c.budget {
			break
		}
		select {
		case <-time.After(c.interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.Wrapf(ErrProtocol, "%s: giving up after %d attempts: %s", op, c.budget, err)
}

func (c *Client) Register(ctx context.Context, capacity int) error {
	req := master.Register{ID: c.nodeID, Capacity: capacity}
	return c.retry(ctx, "register", func() error {
		_, err := c.do(ctx, http.MethodPost, "/nodes", req, nil)
		return err
	})
}

// RequestTrace returns nil, nil when the master had nothing within the long poll
func (c *Client) RequestTrace(ctx context.Context) (*trace.Trace, error) {
	var tr *trace.Trace
	path := c.nodePath + "/trace?wait=" + c.longPoll.String()
	err := c.retry(ctx, "request trace", func() error {
		out := &trace.Trace{}
		status, err := c.do(ctx, http.MethodGet, path, nil, out)
		if err != nil {
			return err
		}
		if status == http.StatusOK {
			tr = trace.New(out.ID, out.Data)
		}
		return nil
	})
	return tr, err
}

func (c *Client) SendReport(ctx context.Context, tcs []testcase.TestCase) (master.TestsAccepted, error) {
	req := master.Tests{Tests: make([][]byte, len(tcs))}
	for i, tc := range tcs {
		req.Tests[i] = tc.Bytes()
	}
	res := master.TestsAccepted{}
	err := c.retry(ctx, "send report", func() error {
		_, err := c.do(ctx, http.MethodPost, c.nodePath+"/tests", req, &res)
		return err
	})
	return res, err
}

func (c *Client) RejectTrace(ctx context.Context, tr *trace.Trace) error {
	return c.retry(ctx, "reject trace", func() error {
		_, err := c.do(ctx, http.MethodPost, c.nodePath+"/reject", tr, nil)
		return err
	})
}

// Submit queues a trace on the master and returns its id
func (c *Client) Submit(ctx context.Context, tr *trace.Trace) (string, error) {
	res := struct {
		ID string `json:"id"`
	}{}
	err := c.retry(ctx, "submit", func() error {
		_, err := c.do(ctx, http.MethodPost, "/traces", tr, &res)
		return err
	})
	return res.ID, err
}

func (c *Client) Status(ctx context.Context) (master.Status, error) {
	st := master.Status{}
	err := c.retry(ctx, "status", func() error {
		_, err := c.do(ctx, http.MethodGet, "/status", nil, &st)
		return err
	})
	return st, err
}
