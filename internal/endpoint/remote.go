package endpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/benaskins/modharness/internal/module"
	"github.com/benaskins/modharness/internal/wait"
)

// StartLevelBody is the JSON body of the start level resource.
type StartLevelBody struct {
	Level int `json:"level"`
}

// ErrorBody is the JSON body of every non-2xx management response.
type ErrorBody struct {
	Error string `json:"error"`
}

// Remote is an endpoint reached over the HTTP management protocol.
type Remote struct {
	base          *url.URL
	username      string
	password      string
	client        *http.Client
	limiter       *rate.Limiter
	retryInterval time.Duration
	logger        *slog.Logger
}

// RemoteOption configures a Remote.
type RemoteOption func(*Remote)

// WithCredentials sets HTTP basic auth credentials.
func WithCredentials(username, password string) RemoteOption {
	return func(r *Remote) {
		r.username = username
		r.password = password
	}
}

func WithHTTPClient(c *http.Client) RemoteOption {
	return func(r *Remote) { r.client = c }
}

// WithRequestRate limits management requests per second. Zero means unlimited.
func WithRequestRate(perSecond float64) RemoteOption {
	return func(r *Remote) {
		if perSecond > 0 {
			r.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithRetryInterval sets the pause between connection attempts.
func WithRetryInterval(d time.Duration) RemoteOption {
	return func(r *Remote) { r.retryInterval = d }
}

func WithLogger(l *slog.Logger) RemoteOption {
	return func(r *Remote) { r.logger = l }
}

// NewRemote creates an endpoint for the management URL address.
func NewRemote(address string, opts ...RemoteOption) (*Remote, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("parsing management address: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("management address %q must be an http(s) URL", address)
	}
	r := &Remote{
		base:          u,
		client:        &http.Client{},
		limiter:       rate.NewLimiter(rate.Inf, 1),
		retryInterval: wait.DefaultInterval,
		logger:        slog.With("component", "endpoint"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Remote) Address() string { return r.base.String() }

// Connect polls the health resource until it answers. Refused connections and
// server errors are retried; rejected credentials end the attempt at once.
func (r *Remote) Connect(ctx context.Context, timeout time.Duration) (Conn, error) {
	conn := &remoteConn{r: r}
	attempts := 0
	err := wait.Poll(ctx, wait.Options{
		Phase:    module.PhaseConnect,
		Awaiting: "management endpoint " + r.Address(),
		Timeout:  timeout,
		Interval: r.retryInterval,
	}, func(ctx context.Context) (bool, string, error) {
		attempts++
		if err := conn.do(ctx, http.MethodGet, "/v1/health", nil, nil, "", nil); err != nil {
			if errors.Is(err, ErrUnauthorized) {
				return false, "", wait.Abort(err)
			}
			return false, "unreachable", err
		}
		return true, "reachable", nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Debug("connected to management endpoint", "address", r.Address(), "attempts", attempts)
	return conn, nil
}

type remoteConn struct {
	r      *Remote
	mu     sync.Mutex // serializes mutating requests
	closed atomic.Bool
}

var _ Conn = (*remoteConn)(nil)

func (c *remoteConn) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string, out any) error {
	if c.closed.Load() {
		return fmt.Errorf("%w: connection closed", module.ErrConnectionLost)
	}
	if err := c.r.limiter.Wait(ctx); err != nil {
		return err
	}

	u := c.r.base.JoinPath(path)
	u.RawQuery = query.Encode()
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	id := CorrelationID(ctx)
	if id == "" {
		id = uuid.NewString()
	}
	req.Header.Set(HeaderCorrelationID, id)
	if c.r.username != "" || c.r.password != "" {
		req.SetBasicAuth(c.r.username, c.r.password)
	}

	resp, err := c.r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s %s: %w", method, path, context.Cause(ctx))
		}
		return &module.ConnectionError{Address: c.r.Address(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(method, path, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decoding response: %w", method, path, err)
	}
	return nil
}

func statusError(method, path string, resp *http.Response) error {
	msg := resp.Status
	var body ErrorBody
	if data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024)); err == nil {
		if json.Unmarshal(data, &body) == nil && body.Error != "" {
			msg = body.Error
		} else if s := strings.TrimSpace(string(data)); s != "" {
			msg = s
		}
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", module.ErrNotFound, msg)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		if method == http.MethodPost && path == "/v1/modules" {
			return fmt.Errorf("%w: %s", module.ErrInvalidArtifact, msg)
		}
	}
	return fmt.Errorf("%s %s: %s", method, path, msg)
}

func modulePath(h module.Handle, suffix string) string {
	return "/v1/modules/" + strconv.FormatInt(h.ID(), 10) + suffix
}

func (c *remoteConn) Install(ctx context.Context, location string, artifact io.Reader) (module.Handle, error) {
	data, err := io.ReadAll(artifact)
	if err != nil {
		return module.Handle{}, fmt.Errorf("reading artifact: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	var info module.Info
	q := url.Values{"location": {location}}
	if err := c.do(ctx, http.MethodPost, "/v1/modules", q, bytes.NewReader(data), "application/octet-stream", &info); err != nil {
		return module.Handle{}, err
	}
	return module.HandleOf(info), nil
}

func (c *remoteConn) Uninstall(ctx context.Context, h module.Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.do(ctx, http.MethodDelete, modulePath(h, ""), nil, nil, "", nil)
}

func (c *remoteConn) Start(ctx context.Context, h module.Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.do(ctx, http.MethodPost, modulePath(h, "/start"), nil, nil, "", nil)
}

func (c *remoteConn) Stop(ctx context.Context, h module.Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.do(ctx, http.MethodPost, modulePath(h, "/stop"), nil, nil, "", nil)
}

func (c *remoteConn) State(ctx context.Context, h module.Handle) (module.State, error) {
	var info module.Info
	if err := c.do(ctx, http.MethodGet, modulePath(h, ""), nil, nil, "", &info); err != nil {
		return "", err
	}
	if !sameInstance(info, h) {
		return "", fmt.Errorf("%w: %s", module.ErrNotFound, h)
	}
	return module.ParseState(string(info.State))
}

func (c *remoteConn) Modules(ctx context.Context, symbolicName string) ([]module.Info, error) {
	var q url.Values
	if symbolicName != "" {
		q = url.Values{"symbolic_name": {symbolicName}}
	}
	var infos []module.Info
	if err := c.do(ctx, http.MethodGet, "/v1/modules", q, nil, "", &infos); err != nil {
		return nil, err
	}
	return filterModules(infos, symbolicName), nil
}

func (c *remoteConn) StartLevel(ctx context.Context) (int, error) {
	var body StartLevelBody
	if err := c.do(ctx, http.MethodGet, "/v1/startlevel", nil, nil, "", &body); err != nil {
		return 0, err
	}
	return body.Level, nil
}

func (c *remoteConn) SetStartLevel(ctx context.Context, level int) error {
	data, err := json.Marshal(StartLevelBody{Level: level})
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.do(ctx, http.MethodPut, "/v1/startlevel", nil, bytes.NewReader(data), "application/json", nil)
}

func (c *remoteConn) SetModuleStartLevel(ctx context.Context, h module.Handle, level int) error {
	data, err := json.Marshal(StartLevelBody{Level: level})
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.do(ctx, http.MethodPut, modulePath(h, "/startlevel"), nil, bytes.NewReader(data), "application/json", nil)
}

func (c *remoteConn) FindCapability(ctx context.Context, name string) ([]module.Capability, error) {
	var caps []module.Capability
	if err := c.do(ctx, http.MethodGet, "/v1/capabilities", url.Values{"name": {name}}, nil, "", &caps); err != nil {
		return nil, err
	}
	return caps, nil
}

func (c *remoteConn) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.do(ctx, http.MethodPost, "/v1/refresh", nil, nil, "", nil)
}

// Close ends the session. Idle transport connections are released; the
// session cannot be used afterwards.
func (c *remoteConn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.r.client.CloseIdleConnections()
	}
	return nil
}
