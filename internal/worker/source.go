// ============================================================================
// Dispatcher Link Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Abstraction of the duplex message connection between a calculation
//          node and the dispatcher.
//
//   - Production: a gRPC bidirectional stream (internal/transport.Dial).
//   - Tests: an in-memory pair of channels.
//
// ============================================================================

package worker

import (
	"context"

	"github.com/ChuLiYu/calcnode/internal/protocol"
)

// Link is one established connection to the dispatcher.
type Link interface {
	// Send ships one message. It must be safe for concurrent use, results are
	// sent from pool goroutines while Recv runs in the node loop.
	Send(msg protocol.Message) error

	// Recv blocks for the next inbound message. Any error ends the link.
	Recv() (protocol.Message, error)

	// Close releases the link and unblocks Recv.
	Close() error
}

// Dialer establishes a new Link.
type Dialer func(ctx context.Context) (Link, error)
