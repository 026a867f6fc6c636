package control

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"clustersched/internal/cluster"
	"clustersched/internal/task"
	"clustersched/internal/task/engine"
)

type ClientConfig struct {
	// Timeout bounds every control call; Execute is bounded by its context
	// only.
	Timeout time.Duration
	// Principal is sent on member-to-member calls (dispatch).
	Principal string
	// BreakerFailures consecutive transport failures open the breaker.
	BreakerFailures uint32
	BreakerCooldown time.Duration
	HTTPClient      *http.Client
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	return c
}

// Client is the Controller of a remote member, spoken over its Server.
type Client struct {
	member string
	base   string
	cfg    ClientConfig
	cb     *gobreaker.CircuitBreaker
}

func NewClient(m cluster.Member, cfg ClientConfig) *Client {
	cfg = cfg.withDefaults()
	trip := cfg.BreakerFailures
	return &Client{
		member: m.Name,
		base:   strings.TrimRight(m.Addr, "/"),
		cfg:    cfg,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "control:" + m.Name,
			MaxRequests: 1,
			Timeout:     cfg.BreakerCooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= trip },
			// Explicit answers mean the member is up.
			IsSuccessful: func(err error) bool {
				var re *RemoteError
				return err == nil || (errors.As(err, &re) && re.Status < http.StatusInternalServerError)
			},
		}),
	}
}

func (c *Client) Member() string { return c.member }

func (c *Client) call(ctx context.Context, method, path, principal string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	return c.do(ctx, method, path, principal, in, out)
}

func (c *Client) do(ctx context.Context, method, path, principal string, in, out any) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, method, path, principal, in, out)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%s: %w", c.member, err)
	case isTimeout(err):
		return fmt.Errorf("%s %s %s: %w", c.member, method, path, ErrUnknownOutcome)
	}
	return err
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (c *Client) roundTrip(ctx context.Context, method, path, principal string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if principal != "" {
		req.Header.Set(PrincipalHeader, principal)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var er errorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err := json.Unmarshal(raw, &er); err != nil || er.Error == "" {
			er = errorResponse{Code: codeInternal, Error: strings.TrimSpace(string(raw))}
		}
		return &RemoteError{Member: c.member, Status: resp.StatusCode, Code: er.Code, Message: er.Error}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) Start(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/v1/start", c.cfg.Principal, nil, nil)
}

func (c *Client) Stop(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/v1/stop", c.cfg.Principal, nil, nil)
}

func (c *Client) RunNow(ctx context.Context, id task.ID, principal string) (string, error) {
	var out runResponse
	err := c.call(ctx, http.MethodPost, "/v1/tasks/run", principal, idRequest{ID: id}, &out)
	return out.RunID, err
}

func (c *Client) StopNow(ctx context.Context, id task.ID, principal string) error {
	return c.call(ctx, http.MethodPost, "/v1/tasks/stop", principal, idRequest{ID: id}, nil)
}

func (c *Client) AddTask(ctx context.Context, def task.Definition, principal string) (bool, error) {
	var out addResponse
	err := c.call(ctx, http.MethodPut, "/v1/tasks", principal, def, &out)
	return out.Added, err
}

func (c *Client) RemoveTask(ctx context.Context, id task.ID, principal string) error {
	return c.call(ctx, http.MethodPost, "/v1/tasks/remove", principal, idRequest{ID: id}, nil)
}

func (c *Client) ScheduleActivities(ctx context.Context) ([]task.Activity, error) {
	var out []task.Activity
	err := c.call(ctx, http.MethodGet, "/v1/activities", c.cfg.Principal, nil, &out)
	return out, err
}

func (c *Client) StartTime(ctx context.Context) (time.Time, error) {
	var out startTimeResponse
	err := c.call(ctx, http.MethodGet, "/v1/start-time", c.cfg.Principal, nil, &out)
	return out.Started, err
}

func (c *Client) Ping(ctx context.Context) (bool, error) {
	var out pingResponse
	if err := c.call(ctx, http.MethodGet, "/v1/ping", c.cfg.Principal, nil, &out); err != nil {
		return false, err
	}
	if out.State == StateFailed {
		return false, &StartError{Message: out.StartError}
	}
	return out.Running, nil
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	err := c.call(ctx, http.MethodGet, "/v1/health", c.cfg.Principal, nil, &out)
	return out, err
}

func (c *Client) ServerMetrics(ctx context.Context, prev *ServerMetrics, ts time.Time) (ServerMetrics, error) {
	var out ServerMetrics
	err := c.call(ctx, http.MethodPost, "/v1/metrics", c.cfg.Principal, metricsRequest{Previous: prev, Timestamp: ts}, &out)
	return out, err
}

func (c *Client) Viewsheets(ctx context.Context, principal string) ([]string, error) {
	var out namesResponse
	err := c.call(ctx, http.MethodGet, "/v1/viewsheets", principal, nil, &out)
	return out.Names, err
}

func (c *Client) Queries(ctx context.Context, principal string) ([]string, error) {
	var out namesResponse
	err := c.call(ctx, http.MethodGet, "/v1/queries", principal, nil, &out)
	return out.Names, err
}

// IsCluster is always true: a Client only exists for another member.
func (c *Client) IsCluster() bool { return true }

// Execute runs def on the member and returns once the run finished there.
// A failure the member marks as permanent is returned as engine.NoRetry.
func (c *Client) Execute(ctx context.Context, def task.Definition, runID, principal string) error {
	err := c.do(ctx, http.MethodPost, "/v1/execute", c.cfg.Principal, executeRequest{Task: def, RunID: runID, Principal: principal}, nil)
	var re *RemoteError
	if errors.As(err, &re) && (re.Code == codeNoRetry || re.Code == codeForbidden || re.Code == codeBadRequest) {
		return engine.NoRetry(err)
	}
	return err
}

// Pool hands out one Client per member and dispatches task runs to
// members by name.
type Pool struct {
	members cluster.Membership
	cfg     ClientConfig

	mu      sync.Mutex
	clients map[string]*Client
}

func NewPool(members cluster.Membership, cfg ClientConfig) *Pool {
	return &Pool{members: members, cfg: cfg.withDefaults(), clients: map[string]*Client{}}
}

func (p *Pool) For(m cluster.Member) (*Client, error) {
	if strings.TrimSpace(m.Addr) == "" {
		return nil, fmt.Errorf("member %s has no control address", m.Name)
	}
	key := strings.ToLower(m.Name)
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.clients[key]
	if c == nil || c.base != strings.TrimRight(m.Addr, "/") {
		c = NewClient(m, p.cfg)
		p.clients[key] = c
	}
	return c, nil
}

// Dispatch implements scheduler.Dispatcher.
func (p *Pool) Dispatch(ctx context.Context, node string, def task.Definition, runID, principal string) error {
	ms, err := p.members.Members(ctx)
	if err != nil {
		return fmt.Errorf("dispatch %s: members: %w", def.ID, err)
	}
	for _, m := range ms {
		if strings.EqualFold(m.Name, node) {
			c, err := p.For(m)
			if err != nil {
				return engine.NoRetry(err)
			}
			return c.Execute(ctx, def, runID, principal)
		}
	}
	return fmt.Errorf("dispatch %s: member %s is not live", def.ID, node)
}
