package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestWebSocketRoundTrip(t *testing.T) {
	var serverPeer Peer
	var mu sync.Mutex
	ready := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := AcceptPeer(w, r)
		if err != nil {
			t.Errorf("AcceptPeer: %v", err)
			return
		}
		mu.Lock()
		serverPeer = p
		mu.Unlock()
		close(ready)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	f := NewFactory()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientPeer, err := f.NewPeer(ctx, Config{Addr: wsURL, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}
	defer clientPeer.Close()

	<-ready
	mu.Lock()
	sp := serverPeer
	mu.Unlock()
	defer sp.Close()

	if err := clientPeer.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected: %v", err)
	}

	received := make(chan []byte, 1)
	sp.OnMessage(func(data []byte) { received <- data })

	if err := clientPeer.Send(ctx, []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case data := <-received:
		if string(data) != "hello" {
			t.Errorf("got %q, want hello", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestWebSocketOnClose(t *testing.T) {
	closed := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := AcceptPeer(w, r)
		if err != nil {
			return
		}
		p.OnClose(func() { close(closed) })
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	f := NewFactory()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientPeer, err := f.NewPeer(ctx, Config{Addr: wsURL, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewPeer: %v", err)
	}

	if err := clientPeer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("server peer's on_close handler never fired")
	}
}
