package transport

import (
	"time"

	"github.com/perch-labs/perch/cluster"
	"github.com/perch-labs/perch/version"
)

// HandshakeActionName is the action inbound handshake requests are routed under by the dispatch layer.
const HandshakeActionName = "internal:tcp/handshake"

// Channel is the handshaker's view of an open connection.
type Channel interface {
	// AddCloseListener registers f to be called at most once when the channel closes for any reason.
	AddCloseListener(f func())
}

// ReplyChannel sends the response to an inbound handshake request back to the peer.
type ReplyChannel interface {
	SendResponse(resp *HandshakeResponse) error
}

// Scheduler arms one-shot timers. It is an interface so tests can drive time manually.
type Scheduler interface {
	Schedule(f func(), delay time.Duration)
}

// HandshakeRequestSender serialises and dispatches a handshake request on the given channel. It may fail
// synchronously, in which case the handshake completes with a send failure.
type HandshakeRequestSender func(node *cluster.Node, channel Channel, requestID uint64, minCompatVersion version.Version) error

// Connection is a client connection to another node. Connections are handed out only after a successful
// handshake, so every RPC on one is framed with the negotiated version.
type Connection interface {
	SendRPC(action string, request []byte) ([]byte, error)
	SendOneway(action string, request []byte) error
	NegotiatedVersion() version.Version
	Close() error
}

type ConnectionFactory func(node *cluster.Node) (Connection, error)

// ConnectionContext carries server side information about the connection a request arrived on.
type ConnectionContext struct {
	ConnectionID int
}

// RequestHandler handles a server side request routed by action name. responseBuff is a buffer the handler can
// append its response to, to avoid an allocation - it already contains the response header bytes.
type RequestHandler func(ctx *ConnectionContext, request []byte, responseBuff []byte, responseWriter ResponseWriter) error

// ResponseWriter is called by a RequestHandler, possibly from another goroutine, with the response or error to
// send back.
type ResponseWriter func(response []byte, err error) error
