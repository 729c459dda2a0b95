package comm

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Structs

// Conn is one established, bidirectional frame stream.
// One goroutine may read while another one writes; Ping
// and Close may be called from anywhere.
type Conn interface {
	ReadFrame() (Frame, error)
	WriteFrame(f Frame) error
	Ping(deadline time.Time) error
	SetPongHandler(h func())
	Close() error
}

// Dialer establishes new connections to a relay.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebSocketDialer dials a relay's WebSocket endpoint.
type WebSocketDialer struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
}

// wsConn adapts a gorilla connection to Conn.
type wsConn struct {
	ws          *websocket.Conn
	readTimeout time.Duration
	closeOnce   sync.Once
}

// Functions

// NewWebSocketConn wraps ws. With a positive readTimeout every
// read fails once the peer stayed silent for that long; pings
// of the peer count as activity.
func NewWebSocketConn(ws *websocket.Conn, readTimeout time.Duration) Conn {

	c := &wsConn{
		ws:          ws,
		readTimeout: readTimeout,
	}

	ws.SetReadLimit(maxFrameSize)

	if readTimeout > 0 {

		ws.SetPingHandler(func(data string) error {

			ws.SetReadDeadline(time.Now().Add(readTimeout))

			err := ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
			if err == websocket.ErrCloseSent {
				return nil
			}

			return err
		})
	}

	return c
}

// Dial connects to d.URL. A missing Dialer selects
// websocket.DefaultDialer.
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	ws, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {

		if resp != nil {
			return nil, errors.Wrapf(err, "dialing %s failed with status %d", d.URL, resp.StatusCode)
		}

		return nil, errors.Wrapf(err, "dialing %s failed", d.URL)
	}

	return NewWebSocketConn(ws, 0), nil
}

// Upgrade turns an incoming HTTP request into a Conn.
func Upgrade(upgrader *websocket.Upgrader, w http.ResponseWriter, r *http.Request, readTimeout time.Duration) (Conn, error) {

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, errors.Wrap(err, "websocket upgrade failed")
	}

	return NewWebSocketConn(ws, readTimeout), nil
}

func (c *wsConn) ReadFrame() (Frame, error) {

	if c.readTimeout > 0 {
		c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
	}

	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return Frame{}, err
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, errors.Wrap(ErrMalformedFrame, err.Error())
	}

	return f, nil
}

func (c *wsConn) WriteFrame(f Frame) error {

	data, err := json.Marshal(f)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal %s frame", f.Type)
	}

	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))

	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Ping(deadline time.Time) error {
	return c.ws.WriteControl(websocket.PingMessage, nil, deadline)
}

func (c *wsConn) SetPongHandler(h func()) {

	c.ws.SetPongHandler(func(string) error {
		h()
		return nil
	})
}

func (c *wsConn) Close() error {

	err := websocket.ErrCloseSent

	c.closeOnce.Do(func() {

		// Best effort goodbye, the peer may already be gone.
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))

		err = c.ws.Close()
	})

	return err
}
