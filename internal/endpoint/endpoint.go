// Package endpoint connects the harness to a runtime's management surface.
//
// Local talks to a module.Framework living in the same process and can push
// runtime events. Remote speaks the HTTP management protocol served by
// internal/api and only supports polling.
package endpoint

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/benaskins/modharness/internal/module"
)

// HeaderCorrelationID carries the correlation id of a management request.
const HeaderCorrelationID = "X-Correlation-ID"

// ErrUnauthorized is returned when the endpoint rejects the credentials.
var ErrUnauthorized = errors.New("management endpoint rejected credentials")

// Endpoint establishes management sessions.
type Endpoint interface {
	// Connect retries until a session is established or timeout elapses,
	// returning a *module.TimeoutError with phase connect in the latter case.
	Connect(ctx context.Context, timeout time.Duration) (Conn, error)
	// Address describes where the endpoint lives, for logs and errors.
	Address() string
}

// Conn is an established management session. Operations on handles the
// runtime no longer knows return module.ErrNotFound.
type Conn interface {
	Install(ctx context.Context, location string, artifact io.Reader) (module.Handle, error)
	Uninstall(ctx context.Context, h module.Handle) error
	Start(ctx context.Context, h module.Handle) error
	Stop(ctx context.Context, h module.Handle) error
	State(ctx context.Context, h module.Handle) (module.State, error)

	// Modules lists installed modules, filtered by symbolic name when non-empty.
	Modules(ctx context.Context, symbolicName string) ([]module.Info, error)

	StartLevel(ctx context.Context) (int, error)
	SetStartLevel(ctx context.Context, level int) error
	SetModuleStartLevel(ctx context.Context, h module.Handle, level int) error
	FindCapability(ctx context.Context, name string) ([]module.Capability, error)
	Refresh(ctx context.Context) error
	Close() error
}

// Subscriber is implemented by connections that can push runtime events.
type Subscriber interface {
	Subscribe(fn func(module.Event)) (cancel func())
}

type correlationKey struct{}

// WithCorrelationID tags ctx so management requests made with it carry id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the id attached by WithCorrelationID, if any.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
