package wstransport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAcceptDialByteStreamRoundTrip(t *testing.T) {
	serverConnCh := make(chan *Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := Accept(w, r)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		serverConnCh <- c
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := Dial(context.Background(), wsURL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	server := <-serverConnCh
	defer server.Close()

	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 2)
	n, err := server.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "he" {
		t.Fatalf("got %q, want partial read \"he\"", buf[:n])
	}
	n2, err := server.Read(buf)
	if err != nil {
		t.Fatalf("read 2: %v", err)
	}
	if string(buf[:n2]) != "ll" {
		t.Fatalf("got %q", buf[:n2])
	}
}
