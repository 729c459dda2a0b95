package comm

import (
	"net/http"
	"net/url"
	"time"

	"crypto/tls"

	"github.com/gorilla/websocket"
)

// Set the maximum number of bytes a frame is allowed to
// carry to 16 MiB. Snapshots of large documents are the
// only frames getting close to it.
var maxFrameSize int64 = 16 * 1024 * 1024

// Writes on a connection that do not finish within this
// time count as a failed connection.
var writeTimeout = 10 * time.Second

// DialerOptions returns the WebSocket dialer clients use to
// reach a relay. A nil tlsConfig uses the system roots.
func DialerOptions(tlsConfig *tls.Config) *websocket.Dialer {

	return &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  tlsConfig,
		ReadBufferSize:   16 * 1024,
		WriteBufferSize:  16 * 1024,
		// Let the server decide on per-message deflate.
		EnableCompression: true,
	}
}

// UpgraderOptions returns the upgrader relays accept
// sessions with. If allowedOrigins is empty, any browser
// origin is accepted.
func UpgraderOptions(allowedOrigins []string) *websocket.Upgrader {

	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}

	return &websocket.Upgrader{
		HandshakeTimeout:  10 * time.Second,
		ReadBufferSize:    16 * 1024,
		WriteBufferSize:   16 * 1024,
		EnableCompression: true,
		CheckOrigin: func(r *http.Request) bool {

			if len(allowed) == 0 {
				return true
			}

			origin := r.Header.Get("Origin")
			if origin == "" {
				// Non-browser clients do not send one.
				return true
			}

			u, err := url.Parse(origin)
			if err != nil {
				return false
			}

			_, ok := allowed[u.Host]

			return ok
		},
	}
}
