package relay

import (
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-pluto/cosync/comm"
	"github.com/go-pluto/cosync/crdt"
)

// Structs

// Peer carries everything specific to one client
// connection attached to a document on this relay.
// Frames for the client pass through a bounded queue
// drained by a dedicated writer goroutine.
type Peer struct {
	ID         crdt.PeerID
	User       crdt.PeerID
	DocumentID string
	conn       comm.Conn
	queue      chan comm.Frame
	done       chan struct{}
	closeOnce  sync.Once
	logger     log.Logger
}

// Functions

func newPeer(logger log.Logger, conn comm.Conn, id crdt.PeerID, user crdt.PeerID, documentID string, queueSize int) *Peer {

	p := &Peer{
		ID:         id,
		User:       user,
		DocumentID: documentID,
		conn:       conn,
		queue:      make(chan comm.Frame, queueSize),
		done:       make(chan struct{}),
		logger:     log.With(logger, "peer", id, "document", documentID),
	}

	go p.write()

	return p
}

// Send queues f for the client without blocking. A client
// too slow to keep up loses presence frames silently. If
// any other frame does not fit, the connection is closed:
// the client reconnects and resumes from its version.
func (p *Peer) Send(f comm.Frame) bool {

	select {
	case <-p.done:
		return false
	default:
	}

	select {
	case p.queue <- f:
		return true
	default:
	}

	if f.Type == comm.FramePresence {
		return false
	}

	level.Warn(p.logger).Log(
		"msg", "outbound queue full, dropping connection",
		"frame", f.Type,
	)
	p.Close()

	return false
}

// Close stops the writer and closes the connection,
// which in turn ends the reading side.
func (p *Peer) Close() {

	p.closeOnce.Do(func() {
		close(p.done)
		p.conn.Close()
	})
}

// write forwards queued frames to the connection
// until the peer is closed or a write fails.
func (p *Peer) write() {

	for {

		select {
		case <-p.done:
			return
		case f := <-p.queue:

			if err := p.conn.WriteFrame(f); err != nil {

				level.Debug(p.logger).Log(
					"msg", "failed to write to client",
					"err", err,
				)
				p.Close()

				return
			}
		}
	}
}
