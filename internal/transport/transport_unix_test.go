//go:build !windows

package transport

import (
	"bufio"
	"path/filepath"
	"testing"
	"time"
)

func TestBindConnectRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.sock")

	ln, err := Bind(path)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer ln.Close()

	accepted := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		line, _ := r.ReadString('\n')
		if line != "ping\n" {
			t.Errorf("server got %q", line)
		}
		_, _ = conn.Write([]byte("pong\n"))
		close(accepted)
	}()

	conn, err := Connect(path, time.Second)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil || line != "pong\n" {
		t.Fatalf("client got %q, err %v", line, err)
	}
	<-accepted
}

func TestSocketAliveFalseForMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nope.sock")
	if SocketAlive(path) {
		t.Fatal("expected SocketAlive to be false for a nonexistent socket")
	}
}

func TestSocketAliveTrueWhileBound(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alive.sock")
	ln, err := Bind(path)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	if !SocketAlive(path) {
		t.Fatal("expected SocketAlive to be true for a bound listener")
	}
}
