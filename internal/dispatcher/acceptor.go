package dispatcher

import (
	"github.com/ChuLiYu/calcnode/internal/invoker"
	"github.com/ChuLiYu/calcnode/internal/protocol"
	"github.com/ChuLiYu/calcnode/internal/transport"
)

var _ transport.Acceptor = (*Dispatcher)(nil)

// Accept turns a node connection into a RemoteInvoker in the pool. The
// invoker itself receives every later message of the connection.
func (d *Dispatcher) Accept(conn transport.Conn, ready *protocol.Ready) (protocol.Handler, error) {
	if d.stopped.Load() {
		return nil, ErrStopped
	}
	inv := invoker.NewRemoteInvoker(conn, ready, invoker.RemoteConfig{
		Priority: d.cfg.RemotePriority,
		Logger:   d.logger,
	})
	if err := d.AddInvoker(inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// Release removes the connection's invoker. By then the invoker has seen the
// Failed state and resolved its in-flight jobs.
func (d *Dispatcher) Release(conn transport.Conn) {
	d.RemoveInvoker(conn.ID())
}
