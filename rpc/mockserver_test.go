// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/atelier-collab/atelier/lib/codec"
)

// mockServer is an in-process coordination server: it upgrades
// websocket connections, serves the hello handshake, and hands each
// authenticated connection to the test for scripting.
type mockServer struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu             sync.Mutex
	hellos         int
	rejectHello    *ServerError
	refuseUpgrades int

	// conns receives each connection that completes the handshake.
	conns chan *mockConn
}

func newMockServer(t *testing.T) *mockServer {
	t.Helper()
	ms := &mockServer{
		t:     t,
		conns: make(chan *mockConn, 4),
	}
	ms.server = httptest.NewServer(http.HandlerFunc(ms.handle))
	t.Cleanup(ms.server.Close)
	return ms
}

// url returns the websocket endpoint of the mock.
func (ms *mockServer) url() string {
	return "ws" + strings.TrimPrefix(ms.server.URL, "http")
}

// rejectNextHello makes the next handshake fail with a server error.
func (ms *mockServer) rejectNextHello(code, message string) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.rejectHello = &ServerError{Code: code, Message: message}
}

// refuseNextUpgrade makes the next HTTP request fail before the
// websocket upgrade, simulating a server that is down.
func (ms *mockServer) refuseNextUpgrade() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.refuseUpgrades++
}

// helloCount returns how many handshakes have been attempted.
func (ms *mockServer) helloCount() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.hellos
}

func (ms *mockServer) handle(w http.ResponseWriter, r *http.Request) {
	ms.mu.Lock()
	if ms.refuseUpgrades > 0 {
		ms.refuseUpgrades--
		ms.mu.Unlock()
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	ms.mu.Unlock()

	ws, err := ms.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	mc := &mockConn{server: ms, ws: ws, requests: make(chan *envelope, 32)}
	if !mc.serveHello() {
		ws.Close()
		return
	}

	select {
	case ms.conns <- mc:
	default:
		ms.t.Error("mock: connection backlog full")
	}
	go mc.readLoop()
}

// mockConn is one authenticated server-side connection.
type mockConn struct {
	server  *mockServer
	ws      *websocket.Conn
	writeMu sync.Mutex

	// requests receives every non-hello envelope from the client.
	requests chan *envelope
}

// serveHello reads and answers the handshake. Returns false when the
// connection should be dropped.
func (mc *mockConn) serveHello() bool {
	_, frame, err := mc.ws.ReadMessage()
	if err != nil {
		return false
	}
	env, err := decodeFrame(frame)
	if err != nil {
		mc.server.t.Errorf("mock: undecodable first frame: %v", err)
		return false
	}
	if env.Type != MsgHello {
		mc.server.t.Errorf("mock: first message type = %q, want %q", env.Type, MsgHello)
		return false
	}

	payload, err := env.decodePayload()
	if err != nil {
		mc.server.t.Errorf("mock: hello payload: %v", err)
		return false
	}
	var hello HelloRequest
	if err := codec.Unmarshal(payload, &hello); err != nil {
		mc.server.t.Errorf("mock: decoding hello: %v", err)
		return false
	}
	if hello.Token == "" {
		mc.server.t.Error("mock: hello carried no token")
		return false
	}
	if hello.InstanceID == "" {
		mc.server.t.Error("mock: hello carried no instance ID")
		return false
	}

	ms := mc.server
	ms.mu.Lock()
	ms.hellos++
	reject := ms.rejectHello
	ms.rejectHello = nil
	ms.mu.Unlock()

	if reject != nil {
		mc.writeEnvelope(&envelope{ReplyTo: env.ID, Error: reject})
		return false
	}

	mc.respond(env.ID, HelloResponse{AgentID: "agent-7", ServerVersion: "mock"})
	return true
}

func (mc *mockConn) readLoop() {
	for {
		_, frame, err := mc.ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := decodeFrame(frame)
		if err != nil {
			mc.server.t.Errorf("mock: undecodable frame: %v", err)
			continue
		}
		select {
		case mc.requests <- env:
		default:
			mc.server.t.Error("mock: request backlog full")
		}
	}
}

// respond answers a request with the given body.
func (mc *mockConn) respond(id uint64, body any) {
	frame, err := encodeFrame(0, id, "", body, 1<<30)
	if err != nil {
		mc.server.t.Errorf("mock: encoding response: %v", err)
		return
	}
	mc.write(frame)
}

// respondError answers a request with a server error.
func (mc *mockConn) respondError(id uint64, code, message string) {
	mc.writeEnvelope(&envelope{ReplyTo: id, Error: &ServerError{Code: code, Message: message}})
}

// push sends a one-way message to the client.
func (mc *mockConn) push(msgType string, body any) {
	frame, err := encodeFrame(0, 0, msgType, body, 1<<30)
	if err != nil {
		mc.server.t.Errorf("mock: encoding push: %v", err)
		return
	}
	mc.write(frame)
}

// pushCompressed sends a push with a floor low enough that any
// reasonable body gets compressed.
func (mc *mockConn) pushCompressed(msgType string, body any) {
	frame, err := encodeFrame(0, 0, msgType, body, 64)
	if err != nil {
		mc.server.t.Errorf("mock: encoding push: %v", err)
		return
	}
	mc.write(frame)
}

func (mc *mockConn) writeEnvelope(env *envelope) {
	frame, err := codec.Marshal(env)
	if err != nil {
		mc.server.t.Errorf("mock: encoding envelope: %v", err)
		return
	}
	mc.write(frame)
}

func (mc *mockConn) write(frame []byte) {
	mc.writeMu.Lock()
	defer mc.writeMu.Unlock()
	if err := mc.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		// The client may have gone away mid-test; that is the
		// client's test to fail, not ours.
		mc.server.t.Logf("mock: write: %v", err)
	}
}

// drop severs the connection, simulating a network failure.
func (mc *mockConn) drop() {
	mc.ws.Close()
}

// requestPayload decodes the body of a captured request envelope.
func requestPayload(t *testing.T, env *envelope, out any) {
	t.Helper()
	payload, err := env.decodePayload()
	if err != nil {
		t.Fatalf("decoding request payload: %v", err)
	}
	if err := codec.Unmarshal(payload, out); err != nil {
		t.Fatalf("unmarshaling request payload: %v", err)
	}
}
