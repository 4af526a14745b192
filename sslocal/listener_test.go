/*
 * Copyright (c) 2026, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package sslocal

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/transport/shadowsocks"
	"github.com/Psiphon-Labs/shadowsocks-local/sslocal/common/log"
	"github.com/shadowsocks/go-shadowsocks2/socks"
)

const (
	testMethod   = "chacha20-ietf-poly1305"
	testPassword = "test-password"
)

func init() {
	log.Init(io.Discard, false)
}

// testRelayServer is a minimal shadowsocks upstream: it decrypts the
// stream, records the address header, and echoes all subsequent payload
// bytes back, encrypted.
type testRelayServer struct {
	listener        net.Listener
	key             *shadowsocks.EncryptionKey
	targets         chan socks.Addr
	connectionCount int32
	waitGroup       *sync.WaitGroup
	stopped         chan struct{}
}

func startTestRelayServer(t *testing.T) *testRelayServer {

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen failed: %v", err)
	}

	key, err := shadowsocks.NewEncryptionKey(testMethod, testPassword)
	if err != nil {
		t.Fatalf("shadowsocks.NewEncryptionKey failed: %v", err)
	}

	server := &testRelayServer{
		listener:  listener,
		key:       key,
		targets:   make(chan socks.Addr, 16),
		waitGroup: new(sync.WaitGroup),
		stopped:   make(chan struct{}),
	}

	server.waitGroup.Add(1)
	go func() {
		defer server.waitGroup.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			atomic.AddInt32(&server.connectionCount, 1)
			server.waitGroup.Add(1)
			go func() {
				defer server.waitGroup.Done()
				server.serveConn(conn)
			}()
		}
	}()

	return server
}

func (server *testRelayServer) serveConn(conn net.Conn) {

	defer conn.Close()

	// stop closes every accepted conn, so that the proxy sees EOF on its
	// upstream half.
	go func() {
		<-server.stopped
		conn.Close()
	}()

	ssr := shadowsocks.NewReader(conn, server.key)
	ssw := shadowsocks.NewWriter(conn, server.key)

	target, err := socks.ReadAddr(ssr)
	if err != nil {
		return
	}
	server.targets <- target

	buffer := make([]byte, 4096)
	for {
		n, err := ssr.Read(buffer)
		if n > 0 {
			_, werr := ssw.Write(buffer[:n])
			if werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (server *testRelayServer) port() int {
	return server.listener.Addr().(*net.TCPAddr).Port
}

func (server *testRelayServer) stop() {
	server.listener.Close()
	close(server.stopped)
	server.waitGroup.Wait()
}

// testProxy runs a Listener for one test.
type testProxy struct {
	listener  *Listener
	stop      context.CancelFunc
	waitGroup *sync.WaitGroup
	runErr    chan error
}

func startTestProxy(
	t *testing.T, relayPort int, modify func(*Config)) *testProxy {

	config := &Config{
		Servers:      []ServerAddress{{Host: "127.0.0.1", Port: relayPort}},
		LocalAddress: "127.0.0.1",
		LocalPort:    0,
		Password:     testPassword,
		Method:       testMethod,
		Timeout:      5,
	}
	if modify != nil {
		modify(config)
	}

	err := config.Commit()
	if err != nil {
		t.Fatalf("config.Commit failed: %v", err)
	}

	listener, err := NewListener(config)
	if err != nil {
		t.Fatalf("NewListener failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	proxy := &testProxy{
		listener:  listener,
		stop:      cancel,
		waitGroup: new(sync.WaitGroup),
		runErr:    make(chan error, 1),
	}

	proxy.waitGroup.Add(1)
	go func() {
		defer proxy.waitGroup.Done()
		proxy.runErr <- listener.Run(ctx)
	}()

	return proxy
}

func (proxy *testProxy) addr() string {
	return proxy.listener.Addr().String()
}

func (proxy *testProxy) shutdown(t *testing.T) {
	proxy.stop()
	proxy.waitGroup.Wait()
	err := <-proxy.runErr
	if err != nil {
		t.Fatalf("listener.Run failed: %v", err)
	}
}

func dialTestProxy(t *testing.T, proxy *testProxy) net.Conn {
	conn, err := net.Dial("tcp", proxy.addr())
	if err != nil {
		t.Fatalf("net.Dial failed: %v", err)
	}
	return conn
}

// negotiateMethod performs the SOCKS5 method select exchange.
func negotiateMethod(t *testing.T, conn net.Conn) {
	_, err := conn.Write([]byte{0x05, 0x01, 0x00})
	if err != nil {
		t.Fatalf("conn.Write failed: %v", err)
	}
	reply := make([]byte, 2)
	_, err = io.ReadFull(conn, reply)
	if err != nil {
		t.Fatalf("conn.Read failed: %v", err)
	}
	if reply[0] != 0x05 || reply[1] != 0x00 {
		t.Fatalf("unexpected method select reply: %x", reply)
	}
}

func readConnectReply(t *testing.T, conn net.Conn) []byte {
	reply := make([]byte, 10)
	_, err := io.ReadFull(conn, reply)
	if err != nil {
		t.Fatalf("conn.Read failed: %v", err)
	}
	return reply
}

func expectBytes(t *testing.T, got, want []byte, what string) {
	if len(got) != len(want) {
		t.Fatalf("unexpected %s: got %x want %x", what, got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("unexpected %s: got %x want %x", what, got, want)
		}
	}
}

func TestConnectIPv4(t *testing.T) {

	relay := startTestRelayServer(t)
	defer relay.stop()

	proxy := startTestProxy(t, relay.port(), nil)
	defer proxy.shutdown(t)

	conn := dialTestProxy(t, proxy)
	defer conn.Close()

	negotiateMethod(t, conn)

	// CONNECT 127.0.0.1:8080
	request := []byte{
		0x05, 0x01, 0x00, 0x01, 0x7F, 0x00, 0x00, 0x01, 0x1F, 0x90}
	_, err := conn.Write(request)
	if err != nil {
		t.Fatalf("conn.Write failed: %v", err)
	}

	reply := readConnectReply(t, conn)
	expectBytes(t, reply,
		[]byte{0x05, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
		"connect reply")

	// The upstream stream must begin with the shadowsocks address
	// header, byte-identical to the request address.
	target := <-relay.targets
	expectBytes(t, target,
		[]byte{0x01, 0x7F, 0x00, 0x00, 0x01, 0x1F, 0x90}, "address header")

	// Payload round trip through the echoing relay.
	payload := []byte("hello world")
	_, err = conn.Write(payload)
	if err != nil {
		t.Fatalf("conn.Write failed: %v", err)
	}
	echo := make([]byte, len(payload))
	_, err = io.ReadFull(conn, echo)
	if err != nil {
		t.Fatalf("conn.Read failed: %v", err)
	}
	expectBytes(t, echo, payload, "echo")
}

func TestConnectDomainWithCoalescedPayload(t *testing.T) {

	relay := startTestRelayServer(t)
	defer relay.stop()

	proxy := startTestProxy(t, relay.port(), nil)
	defer proxy.shutdown(t)

	conn := dialTestProxy(t, proxy)
	defer conn.Close()

	negotiateMethod(t, conn)

	// CONNECT localhost:80 with the first application bytes coalesced
	// with the request.
	request := []byte{
		0x05, 0x01, 0x00, 0x03, 0x09,
		'l', 'o', 'c', 'a', 'l', 'h', 'o', 's', 't',
		0x00, 0x50,
		'G', 'E', 'T', ' ', '/'}
	_, err := conn.Write(request)
	if err != nil {
		t.Fatalf("conn.Write failed: %v", err)
	}

	_ = readConnectReply(t, conn)

	target := <-relay.targets
	expectBytes(t, target,
		[]byte{0x03, 0x09,
			'l', 'o', 'c', 'a', 'l', 'h', 'o', 's', 't', 0x00, 0x50},
		"address header")

	// The coalesced payload follows the header on the upstream stream
	// and comes back from the echoing relay.
	echo := make([]byte, 5)
	_, err = io.ReadFull(conn, echo)
	if err != nil {
		t.Fatalf("conn.Read failed: %v", err)
	}
	expectBytes(t, echo, []byte("GET /"), "coalesced payload")
}

func TestUnsupportedCommand(t *testing.T) {

	relay := startTestRelayServer(t)
	defer relay.stop()

	proxy := startTestProxy(t, relay.port(), nil)
	defer proxy.shutdown(t)

	conn := dialTestProxy(t, proxy)
	defer conn.Close()

	negotiateMethod(t, conn)

	// BIND
	request := []byte{
		0x05, 0x02, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x50}
	_, err := conn.Write(request)
	if err != nil {
		t.Fatalf("conn.Write failed: %v", err)
	}

	reply := make([]byte, 4)
	_, err = io.ReadFull(conn, reply)
	if err != nil {
		t.Fatalf("conn.Read failed: %v", err)
	}
	expectBytes(t, reply, []byte{0x05, 0x07, 0x00, 0x01}, "error reply")

	// The session is closed after the error reply.
	one := make([]byte, 1)
	_, err = conn.Read(one)
	if err == nil {
		t.Fatal("expected closed connection")
	}
}

func TestUDPAssociateStub(t *testing.T) {

	relay := startTestRelayServer(t)
	defer relay.stop()

	proxy := startTestProxy(t, relay.port(), func(config *Config) {
		config.UDPRelay = true
	})
	defer proxy.shutdown(t)

	conn := dialTestProxy(t, proxy)
	defer conn.Close()

	negotiateMethod(t, conn)

	request := []byte{
		0x05, 0x03, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	_, err := conn.Write(request)
	if err != nil {
		t.Fatalf("conn.Write failed: %v", err)
	}

	reply := readConnectReply(t, conn)
	if reply[0] != 0x05 || reply[1] != 0x00 || reply[3] != 0x01 {
		t.Fatalf("unexpected reply: %x", reply)
	}

	// The reported address is the bound local address of the client
	// socket, which, from this side, is the conn's remote address.
	proxyAddr := conn.RemoteAddr().(*net.TCPAddr)
	expectBytes(t, reply[4:8], proxyAddr.IP.To4(), "bound address")
	gotPort := int(reply[8])<<8 | int(reply[9])
	if gotPort != proxyAddr.Port {
		t.Fatalf("unexpected bound port: got %d want %d",
			gotPort, proxyAddr.Port)
	}

	one := make([]byte, 1)
	_, err = conn.Read(one)
	if err == nil {
		t.Fatal("expected closed connection")
	}
}

func TestShutdownClosesSessions(t *testing.T) {

	relay := startTestRelayServer(t)
	defer relay.stop()

	proxy := startTestProxy(t, relay.port(), nil)

	// Establish several streaming sessions.
	conns := make([]net.Conn, 3)
	for i := range conns {
		conn := dialTestProxy(t, proxy)
		defer conn.Close()
		negotiateMethod(t, conn)
		_, err := conn.Write([]byte{
			0x05, 0x01, 0x00, 0x01, 0x7F, 0x00, 0x00, 0x01, 0x1F, 0x90})
		if err != nil {
			t.Fatalf("conn.Write failed: %v", err)
		}
		_ = readConnectReply(t, conn)
		<-relay.targets
		conns[i] = conn
	}

	if proxy.listener.registry.len() != len(conns) {
		t.Fatalf("expected %d registered sessions, got %d",
			len(conns), proxy.listener.registry.len())
	}

	proxy.shutdown(t)

	if proxy.listener.registry.len() != 0 {
		t.Fatalf("expected empty registry, got %d",
			proxy.listener.registry.len())
	}

	// Every client sees its connection closed.
	for _, conn := range conns {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		one := make([]byte, 1)
		_, err := conn.Read(one)
		if err == nil {
			t.Fatal("expected closed connection")
		}
	}
}

func TestIdleTimeout(t *testing.T) {

	relay := startTestRelayServer(t)
	defer relay.stop()

	proxy := startTestProxy(t, relay.port(), func(config *Config) {
		config.idleTimeoutOverride = 500 * time.Millisecond
	})
	defer proxy.shutdown(t)

	conn := dialTestProxy(t, proxy)
	defer conn.Close()

	negotiateMethod(t, conn)
	_, err := conn.Write([]byte{
		0x05, 0x01, 0x00, 0x01, 0x7F, 0x00, 0x00, 0x01, 0x1F, 0x90})
	if err != nil {
		t.Fatalf("conn.Write failed: %v", err)
	}
	_ = readConnectReply(t, conn)
	<-relay.targets

	// Activity within the window keeps the session alive: each received
	// byte resets the idle timer.
	for i := 0; i < 3; i++ {
		time.Sleep(300 * time.Millisecond)
		_, err = conn.Write([]byte("ping"))
		if err != nil {
			t.Fatalf("conn.Write failed: %v", err)
		}
		echo := make([]byte, 4)
		_, err = io.ReadFull(conn, echo)
		if err != nil {
			t.Fatalf("conn.Read failed: %v", err)
		}
	}

	// No upstream bytes for a full window: the session is torn down.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	one := make([]byte, 1)
	_, err = conn.Read(one)
	if err == nil {
		t.Fatal("expected closed connection")
	}
}

func TestMaxSessions(t *testing.T) {

	relay := startTestRelayServer(t)
	defer relay.stop()

	proxy := startTestProxy(t, relay.port(), func(config *Config) {
		config.MaxSessions = 1
	})
	defer proxy.shutdown(t)

	first := dialTestProxy(t, proxy)
	defer first.Close()
	negotiateMethod(t, first)
	_, err := first.Write([]byte{
		0x05, 0x01, 0x00, 0x01, 0x7F, 0x00, 0x00, 0x01, 0x1F, 0x90})
	if err != nil {
		t.Fatalf("conn.Write failed: %v", err)
	}
	_ = readConnectReply(t, first)
	<-relay.targets

	// The second session is refused while the first is live.
	second := dialTestProxy(t, proxy)
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	one := make([]byte, 1)
	_, err = second.Read(one)
	if err == nil {
		t.Fatal("expected refused connection")
	}

	// Closing the first session frees its slot.
	first.Close()
	var third net.Conn
	for i := 0; i < 50; i++ {
		third = dialTestProxy(t, proxy)
		third.SetReadDeadline(time.Now().Add(1 * time.Second))
		_, err = third.Write([]byte{0x05, 0x01, 0x00})
		if err == nil {
			reply := make([]byte, 2)
			_, err = io.ReadFull(third, reply)
			if err == nil {
				third.Close()
				return
			}
		}
		third.Close()
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("expected a new session after slot release")
}
