package transport

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one live transport handle. Receive blocks until a payload arrives
// or the transport breaks; within one handle, receive order is preserved.
type Conn interface {
	Send(payload []byte) error
	Receive() ([]byte, error)
	Close() error
}

// Dialer establishes new connections. The Reconnection Supervisor is the
// only component that replaces a live handle.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// TCPDialer dials the raw bidirectional-stream variant of the bridge link,
// which speaks length-prefixed JSON frames.
type TCPDialer struct {
	Addr    string
	Timeout time.Duration
}

func (d *TCPDialer) Dial(ctx context.Context) (Conn, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	c, err := nd.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return nil, err
	}
	return &tcpConn{conn: c}, nil
}

type tcpConn struct {
	wmu  sync.Mutex
	conn net.Conn
}

func (t *tcpConn) Send(payload []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	return WriteFrame(t.conn, payload)
}

func (t *tcpConn) Receive() ([]byte, error) {
	return ReadFrame(t.conn)
}

func (t *tcpConn) Close() error {
	return t.conn.Close()
}

// WSDialer dials the remote realtime endpoint over WebSocket with
// bearer-token auth headers.
type WSDialer struct {
	URL    string
	Header http.Header
}

// NewRealtimeDialer builds the dialer for the remote backend's /realtime
// endpoint from the configured API host and key.
func NewRealtimeDialer(apiHost, apiKey string) *WSDialer {
	return &WSDialer{
		URL: RealtimeURL(apiHost),
		Header: http.Header{
			"Proxy-Authorization": []string{"Bearer " + apiKey},
			"OpenAI-Beta":         []string{"realtime=v1"},
		},
	}
}

// RealtimeURL appends the /realtime path to the API host, defaulting the
// scheme to wss.
func RealtimeURL(apiHost string) string {
	if !strings.HasPrefix(apiHost, "wss://") && !strings.HasPrefix(apiHost, "ws://") {
		apiHost = "wss://" + apiHost
	}
	u, err := url.Parse(apiHost)
	if err != nil {
		return apiHost + "/realtime"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/realtime"
	return u.String()
}

func (d *WSDialer) Dial(ctx context.Context) (Conn, error) {
	c, resp, err := websocket.DefaultDialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	return &wsConn{conn: c}, nil
}

type wsConn struct {
	wmu  sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) Send(payload []byte) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}

func (w *wsConn) Receive() ([]byte, error) {
	// Text and binary messages both carry UTF-8 JSON.
	_, payload, err := w.conn.ReadMessage()
	return payload, err
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}
