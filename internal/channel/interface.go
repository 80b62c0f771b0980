package channel

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"
)

// Channel is a runtime adapter between nudge and one transport. Dispatch and
// health monitoring only depend on SendMessage and HealthCheck; the rest is
// lifecycle and inbound wiring.
type Channel interface {
	// ID returns the unique configured channel identifier.
	ID() string

	// Type returns the channel provider type.
	Type() Type

	// Start begins the channel receive loop and should block until the context
	// is canceled or a fatal error occurs.
	Start(ctx context.Context) error

	// Stop gracefully shuts down channel resources.
	Stop(ctx context.Context) error

	// SendMessage sends text content to the destination. destination is
	// provider-specific (chat id, open id, webhook chat key).
	SendMessage(ctx context.Context, destination string, content string) error

	// HealthCheck probes connectivity. A nil error means healthy.
	HealthCheck(ctx context.Context) error

	// RegisterMessageHandler registers the inbound message callback.
	RegisterMessageHandler(handler func(ctx context.Context, msg *Message) error) error
}

// Reconnector is implemented by channels that can rebuild their underlying
// client after repeated health failures.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// Route is an HTTP endpoint a channel mounts on the service server.
type Route struct {
	Method  string
	Path    string
	Handler app.HandlerFunc
}

// RouteProvider is implemented by channels that receive inbound traffic over
// the shared hertz server instead of their own connection.
type RouteProvider interface {
	Routes() []Route
}
