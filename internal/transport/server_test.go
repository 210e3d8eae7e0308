package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"agentbridge/internal/logger"
)

func startTestServer(t *testing.T, onPayload func([]byte)) *Server {
	t.Helper()
	srv := NewServer(0, onPayload, logger.Nop())
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return srv
}

func serverHostPort(t *testing.T, srv *Server) string {
	t.Helper()
	_, port, err := net.SplitHostPort(srv.Addr())
	if err != nil {
		t.Fatalf("split %q: %v", srv.Addr(), err)
	}
	return net.JoinHostPort("127.0.0.1", port)
}

func dialTestServer(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+serverHostPort(t, srv)+"/realtime", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServerReceivesPayloads(t *testing.T) {
	var mu sync.Mutex
	var got []string
	srv := startTestServer(t, func(p []byte) {
		mu.Lock()
		got = append(got, string(p))
		mu.Unlock()
	})

	conn := dialTestServer(t, srv)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`)); err != nil {
		t.Fatalf("write text: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte(`{"type":"message"}`)); err != nil {
		t.Fatalf("write binary: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != `{"type":"heartbeat"}` || got[1] != `{"type":"message"}` {
		t.Fatalf("payloads = %q", got)
	}
}

func TestServerBroadcast(t *testing.T) {
	srv := startTestServer(t, nil)

	if srv.Broadcast([]byte("nobody home")) {
		t.Fatal("Broadcast with no peers reported success")
	}

	a := dialTestServer(t, srv)
	b := dialTestServer(t, srv)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && srv.ConnectionCount() < 2 {
		time.Sleep(5 * time.Millisecond)
	}

	if !srv.Broadcast([]byte(`{"type":"health.status"}`)) {
		t.Fatal("Broadcast reported failure")
	}
	for _, conn := range []*websocket.Conn{a, b} {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(payload) != `{"type":"health.status"}` {
			t.Fatalf("payload = %q", payload)
		}
	}
}

func TestServerBroadcastConcurrent(t *testing.T) {
	srv := startTestServer(t, nil)
	conn := dialTestServer(t, srv)

	// Drain the peer so large writes never stall on a full socket buffer.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	payload := bytes.Repeat([]byte("x"), 64<<10)
	const workers = 8
	const rounds = 200

	var wg sync.WaitGroup
	var failed atomic.Int32
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				if !srv.Broadcast(payload) {
					failed.Add(1)
					return
				}
			}
		}()
	}
	wg.Wait()

	if n := failed.Load(); n != 0 {
		t.Fatalf("%d workers lost the peer mid-broadcast", n)
	}

	conn.Close()
	<-readerDone
}

func TestServerHealthEndpoint(t *testing.T) {
	srv := startTestServer(t, nil)

	resp, err := http.Get("http://" + serverHostPort(t, srv) + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "ok") {
		t.Fatalf("body = %q", body)
	}
}

func TestServerPortConflict(t *testing.T) {
	srv := startTestServer(t, nil)
	_, portStr, err := net.SplitHostPort(srv.Addr())
	if err != nil {
		t.Fatalf("split %q: %v", srv.Addr(), err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port %q: %v", portStr, err)
	}

	dup := NewServer(port, nil, logger.Nop())
	err = dup.Start()
	if !errors.Is(err, ErrAddrInUse) {
		t.Fatalf("err = %v, want ErrAddrInUse", err)
	}
}
