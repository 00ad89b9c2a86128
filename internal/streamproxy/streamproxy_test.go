package streamproxy

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/kestrelproxy/kestrel/internal/upstream"
)

func TestTCPProxySplicesBidirectionally(t *testing.T) {
	backendLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer backendLn.Close()

	go func() {
		conn, err := backendLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		line, _ := reader.ReadString('\n')
		conn.Write([]byte("echo:" + line))
	}()

	server := upstream.NewServer(backendLn.Addr().String(), 1)
	server.RecordSuccess(1)
	group := upstream.NewGroup("g", "round_robin", "", []*upstream.Server{server})

	p := NewTCP(group, TCPConfig{ConnectTimeout: time.Second}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	p.listener = ln
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go p.handle(ctx, conn)
		}
	}()
	defer p.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()

	client.Write([]byte("hello\n"))
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(client)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if line != "echo:hello\n" {
		t.Fatalf("unexpected echoed line: %q", line)
	}
}

func TestUDPProxyForwardsPackets(t *testing.T) {
	backendAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	backendConn, err := net.ListenUDP("udp", backendAddr)
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer backendConn.Close()

	go func() {
		buf := make([]byte, 1024)
		for {
			n, addr, err := backendConn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			backendConn.WriteToUDP(append([]byte("echo:"), buf[:n]...), addr)
		}
	}()

	server := upstream.NewServer(backendConn.LocalAddr().String(), 1)
	server.RecordSuccess(1)
	group := upstream.NewGroup("g", "round_robin", "", []*upstream.Server{server})

	p := NewUDP(group, UDPConfig{IdleTimeout: time.Minute}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	frontAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	frontConn, err := net.ListenUDP("udp", frontAddr)
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	p.conn = frontConn
	go func() {
		buf := make([]byte, p.cfg.BufferSize)
		for {
			n, clientAddr, err := frontConn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			p.forward(ctx, clientAddr, buf[:n])
		}
	}()
	defer frontConn.Close()

	client, err := net.DialUDP("udp", nil, frontConn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()

	client.Write([]byte("ping"))
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(buf[:n]) != "echo:ping" {
		t.Fatalf("unexpected response: %q", buf[:n])
	}
}

func TestUDPProxyEvictsIdleSessions(t *testing.T) {
	server := upstream.NewServer("127.0.0.1:1", 1)
	group := upstream.NewGroup("g", "round_robin", "", []*upstream.Server{server})
	p := NewUDP(group, UDPConfig{IdleTimeout: time.Minute}, nil)

	conn, _ := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1})
	p.byClient["1.2.3.4:5"] = &udpSession{backendConn: conn, server: server, lastSeen: time.Now().Add(-time.Hour)}

	p.evictIdle()

	if _, ok := p.byClient["1.2.3.4:5"]; ok {
		t.Fatal("expected idle session evicted")
	}
}
