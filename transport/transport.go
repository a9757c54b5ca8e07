// Package transport defines a common interface for establishing
// network connections to site-to-site peers.
package transport

import (
	"context"
	"net"

	"github.com/zrepl/sitetosite/logger"
)

// A Wire is a bidirectional byte stream to a single peer.
type Wire = net.Conn

type Connecter interface {
	// Connect establishes a Wire.
	// Implementations must honor ctx's deadline for the whole
	// connection establishment, including security handshakes.
	Connect(ctx context.Context) (Wire, error)
	// The address the Connecter dials, for logging and error messages.
	Address() string
}

type contextKey int

const contextKeyLog contextKey = 0

type Logger = logger.Logger

func WithLogger(ctx context.Context, log Logger) context.Context {
	return context.WithValue(ctx, contextKeyLog, log)
}

func GetLogger(ctx context.Context) Logger {
	if log, ok := ctx.Value(contextKeyLog).(Logger); ok {
		return log
	}
	return logger.NewNullLogger()
}
