package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestServerServesAndShutsDown(t *testing.T) {
	addr := freeAddr(t)
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "ok")
	})

	srv := New(Config{ListenAddress: addr, ShutdownTimeout: time.Second}, handler, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() { errChan <- srv.Start(ctx) }()

	url := fmt.Sprintf("http://%s/", addr)
	var resp *http.Response
	var err error
	for i := 0; i < 50; i++ {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never came up: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ok" {
		t.Errorf("body = %q, want ok", body)
	}
	if !srv.IsRunning() {
		t.Error("IsRunning = false while serving")
	}

	cancel()
	select {
	case err := <-errChan:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	if srv.IsRunning() {
		t.Error("IsRunning = true after shutdown")
	}
}

func TestServerRejectsDoubleStart(t *testing.T) {
	addr := freeAddr(t)
	srv := New(Config{ListenAddress: addr}, http.NewServeMux(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for !srv.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if err := srv.Start(ctx); err == nil {
		t.Error("second Start succeeded")
	}
}
