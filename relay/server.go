package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-pluto/cosync/comm"
	"github.com/go-pluto/cosync/storage"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Structs

// Server accepts WebSocket connections and runs the
// handshake and read loop of each against a Service.
type Server struct {
	logger           log.Logger
	service          Service
	upgrader         *websocket.Upgrader
	handshakeTimeout time.Duration
	readTimeout      time.Duration
}

// Functions

// NewServer returns a server handing connections to service.
// A zero handshakeTimeout selects ten seconds. Connections
// silent for longer than readTimeout are dropped; clients
// ping often enough to stay below it.
func NewServer(logger log.Logger, service Service, upgrader *websocket.Upgrader, handshakeTimeout time.Duration, readTimeout time.Duration) *Server {

	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}

	return &Server{
		logger:           logger,
		service:          service,
		upgrader:         upgrader,
		handshakeTimeout: handshakeTimeout,
		readTimeout:      readTimeout,
	}
}

// Handler returns the routes of a relay: the WebSocket
// endpoint at /ws and a health check at /up.
func (s *Server) Handler() http.Handler {

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})

	return mux
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {

	conn, err := comm.Upgrade(s.upgrader, w, r, s.readTimeout)
	if err != nil {
		level.Info(s.logger).Log(
			"msg", "rejected connection",
			"remote", r.RemoteAddr,
			"err", err,
		)
		return
	}

	s.handleConnection(conn, r.RemoteAddr)
}

// handleConnection performs the handshake on a fresh
// connection and then dispatches every frame the client
// sends to the service until the connection ends.
func (s *Server) handleConnection(conn comm.Conn, clientAddr string) {

	// Clients not saying hello in time are dropped.
	timer := time.AfterFunc(s.handshakeTimeout, func() {
		conn.Close()
	})

	f, err := conn.ReadFrame()
	if err != nil {
		timer.Stop()
		conn.Close()
		return
	}

	var hello comm.HelloPayload
	if f.Type != comm.FrameHello || f.DocumentID == "" {
		err = errors.Wrapf(comm.ErrMalformedFrame, "expected hello, got %s", f.Type)
	} else {
		err = f.Decode(&hello)
	}

	if err != nil {
		timer.Stop()
		s.refuse(conn, f.DocumentID, comm.CodeProtocol, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.handshakeTimeout)
	p, err := s.service.Join(ctx, conn, f.DocumentID, hello)
	cancel()
	timer.Stop()

	if err != nil {
		s.refuse(conn, f.DocumentID, errorCode(err), err)
		return
	}

	level.Debug(s.logger).Log(
		"msg", "peer joined",
		"peer", p.ID,
		"document", p.DocumentID,
		"remote", clientAddr,
	)

	s.serve(p, conn)
	s.service.Leave(p)

	level.Debug(s.logger).Log(
		"msg", "peer left",
		"peer", p.ID,
		"document", p.DocumentID,
		"remote", clientAddr,
	)
}

// serve reads frames of an attached peer.
func (s *Server) serve(p *Peer, conn comm.Conn) {

	for {

		f, err := conn.ReadFrame()
		if errors.Is(err, comm.ErrMalformedFrame) {
			p.Send(comm.NewErrorFrame(p.DocumentID, comm.CodeProtocol, err.Error()))
			continue
		}

		if err != nil {
			return
		}

		if f.DocumentID != p.DocumentID {
			p.Send(comm.NewErrorFrame(f.DocumentID, comm.CodeProtocol, "connection is bound to "+p.DocumentID))
			continue
		}

		switch f.Type {

		case comm.FrameOp:

			op, err := f.Operation()
			if err != nil {
				p.Send(comm.NewErrorFrame(p.DocumentID, comm.CodeProtocol, err.Error()))
				continue
			}
			s.service.Submit(p, op)

		case comm.FrameResyncRequest:

			var req comm.ResyncPayload
			if len(f.Payload) > 0 {
				if err := f.Decode(&req); err != nil {
					p.Send(comm.NewErrorFrame(p.DocumentID, comm.CodeProtocol, err.Error()))
					continue
				}
			}
			s.service.Resync(p, req)

		case comm.FramePresence:

			var cur comm.PresencePayload
			if err := f.Decode(&cur); err != nil {
				continue
			}
			s.service.Presence(p, cur)

		case comm.FrameLeave:
			return

		default:
			p.Send(comm.NewErrorFrame(p.DocumentID, comm.CodeProtocol, "unexpected frame type "+string(f.Type)))
		}
	}
}

// refuse tells the client why the handshake failed
// and closes the connection.
func (s *Server) refuse(conn comm.Conn, documentID string, code string, err error) {

	msg := err.Error()
	if code == comm.CodeInternal {
		msg = "internal error"
	}

	conn.WriteFrame(comm.NewErrorFrame(documentID, code, msg))
	conn.Close()
}

func errorCode(err error) string {

	switch {
	case errors.Is(err, ErrUnauthorized):
		return comm.CodeAuth
	case errors.Is(err, ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return comm.CodeNotFound
	default:
		return comm.CodeInternal
	}
}
