package endpoint

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/benaskins/modharness/internal/module"
)

// Local is an endpoint backed by an in-process framework.
type Local struct {
	fw module.Framework
}

// NewLocal wraps fw.
func NewLocal(fw module.Framework) *Local {
	return &Local{fw: fw}
}

func (l *Local) Address() string { return "embedded" }

// Connect succeeds immediately; an in-process framework is always reachable.
func (l *Local) Connect(ctx context.Context, _ time.Duration) (Conn, error) {
	if l.fw == nil {
		return nil, fmt.Errorf("embedded endpoint has no framework")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &localConn{fw: l.fw}, nil
}

type localConn struct {
	fw     module.Framework
	closed atomic.Bool
}

var (
	_ Conn       = (*localConn)(nil)
	_ Subscriber = (*localConn)(nil)
)

func (c *localConn) check(ctx context.Context) error {
	if c.closed.Load() {
		return fmt.Errorf("%w: connection closed", module.ErrConnectionLost)
	}
	return ctx.Err()
}

func (c *localConn) Install(ctx context.Context, location string, artifact io.Reader) (module.Handle, error) {
	if err := c.check(ctx); err != nil {
		return module.Handle{}, err
	}
	info, err := c.fw.Install(location, artifact)
	if err != nil {
		return module.Handle{}, err
	}
	return module.HandleOf(info), nil
}

func (c *localConn) Uninstall(ctx context.Context, h module.Handle) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	return c.fw.Uninstall(h.ID())
}

func (c *localConn) Start(ctx context.Context, h module.Handle) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	return c.fw.Start(h.ID())
}

func (c *localConn) Stop(ctx context.Context, h module.Handle) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	return c.fw.Stop(h.ID())
}

func (c *localConn) State(ctx context.Context, h module.Handle) (module.State, error) {
	if err := c.check(ctx); err != nil {
		return "", err
	}
	info, err := c.fw.Module(h.ID())
	if err != nil {
		return "", err
	}
	if !sameInstance(info, h) {
		return "", fmt.Errorf("%w: %s", module.ErrNotFound, h)
	}
	return info.State, nil
}

func (c *localConn) Modules(ctx context.Context, symbolicName string) ([]module.Info, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return filterModules(c.fw.Modules(), symbolicName), nil
}

func (c *localConn) StartLevel(ctx context.Context) (int, error) {
	if err := c.check(ctx); err != nil {
		return 0, err
	}
	return c.fw.StartLevel(), nil
}

func (c *localConn) SetStartLevel(ctx context.Context, level int) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	return c.fw.SetStartLevel(level)
}

func (c *localConn) SetModuleStartLevel(ctx context.Context, h module.Handle, level int) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	return c.fw.SetModuleStartLevel(h.ID(), level)
}

func (c *localConn) FindCapability(ctx context.Context, name string) ([]module.Capability, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	return c.fw.Capabilities(name), nil
}

func (c *localConn) Refresh(ctx context.Context) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	return c.fw.Refresh()
}

func (c *localConn) Subscribe(fn func(module.Event)) func() {
	return c.fw.Subscribe(fn)
}

func (c *localConn) Close() error {
	c.closed.Store(true)
	return nil
}

// sameInstance reports whether info still describes the module h was issued
// for. Ids are only meaningful together with the install location.
func sameInstance(info module.Info, h module.Handle) bool {
	return h.Location() == "" || info.Location == "" || info.Location == h.Location()
}

func filterModules(all []module.Info, symbolicName string) []module.Info {
	if symbolicName == "" {
		return all
	}
	var out []module.Info
	for _, info := range all {
		if info.SymbolicName == symbolicName {
			out = append(out, info)
		}
	}
	return out
}
