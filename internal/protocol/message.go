// Package protocol defines the messages exchanged between the dispatcher and
// the calculation nodes, and their binary encoding.
//
// Four roles exist:
//
//	Ready            node -> dispatcher   advertised capacity (and optional capabilities)
//	Execute          dispatcher -> node   one job: specification plus ordered items
//	Result           node -> dispatcher   one job result, optionally carrying a Ready
//	ConnectionState  transport -> invoker Failed / Reset notifications
//
// Message is a closed sum type: only the types in this package implement it,
// and receivers dispatch on it with a type switch.
package protocol

import (
	"github.com/ChuLiYu/calcnode/pkg/types"
)

// Message is implemented by Ready, Execute, Result and ConnectionState.
type Message interface {
	Kind() Kind
	isMessage()
}

// Kind tags a Message on the wire.
type Kind uint8

const (
	KindReady           Kind = 1
	KindExecute         Kind = 2
	KindResult          Kind = 3
	KindConnectionState Kind = 4
)

func (k Kind) String() string {
	switch k {
	case KindReady:
		return "ready"
	case KindExecute:
		return "execute"
	case KindResult:
		return "result"
	case KindConnectionState:
		return "connection-state"
	default:
		return "unknown"
	}
}

// Ready advertises how many jobs a node can run concurrently.
type Ready struct {
	Capacity  int32
	NodeID    string
	Functions []string // empty means the node accepts any function
}

// Execute ships one job to a node.
type Execute struct {
	Job types.Job
}

// Result returns one job result. Ready, when set, is applied by the invoker
// before the result itself.
type Result struct {
	Result types.JobResult
	Ready  *Ready
}

// State is the connection lifecycle event carried by ConnectionState.
type State uint8

const (
	StateFailed State = 1 // connection is gone, in-flight jobs will never complete
	StateReset  State = 2 // peer reset the connection; listening side has nothing to do
)

func (s State) String() string {
	switch s {
	case StateFailed:
		return "failed"
	case StateReset:
		return "reset"
	default:
		return "unknown"
	}
}

// ConnectionState is produced by the transport layer, never by a peer.
type ConnectionState struct {
	State State
	Cause string
}

func (*Ready) Kind() Kind           { return KindReady }
func (*Execute) Kind() Kind         { return KindExecute }
func (*Result) Kind() Kind          { return KindResult }
func (*ConnectionState) Kind() Kind { return KindConnectionState }

func (*Ready) isMessage()           {}
func (*Execute) isMessage()         {}
func (*Result) isMessage()          {}
func (*ConnectionState) isMessage() {}

// Handler consumes inbound messages for one connection.
type Handler interface {
	Receive(msg Message)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(msg Message)

func (f HandlerFunc) Receive(msg Message) { f(msg) }
