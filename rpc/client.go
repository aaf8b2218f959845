// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

// Package rpc implements the agent's session with the coordination
// server: one websocket carrying CBOR envelopes in both directions.
//
// A Client speaks three kinds of traffic over that single socket:
// request/response RPCs correlated by envelope ID, one-way notifies,
// and server pushes fanned out to per-type subscriber channels. The
// client owns reconnection — when the link drops it redials with
// exponential backoff and replays the hello handshake — and reports
// connectivity through a status stream so callers can react to
// disconnect/reconnect edges without ever dialing themselves.
//
// Consumers subscribe to pushes before calling Connect, so nothing
// sent during session establishment is lost.
package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/atelier-collab/atelier/lib/clock"
	"github.com/atelier-collab/atelier/lib/codec"
	"github.com/atelier-collab/atelier/lib/secret"
)

const (
	// writeWait bounds a single websocket write.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may be silent before the read
	// loop declares it dead. Must exceed pingPeriod.
	pongWait = 60 * time.Second

	// pingPeriod is the keepalive interval.
	pingPeriod = (pongWait * 9) / 10

	// subscribeBuffer is the depth of each push subscriber channel.
	// When a subscriber lags the oldest push is dropped — safe
	// because every push carries a full snapshot.
	subscribeBuffer = 16

	// statusBuffer is the depth of the status transition channel.
	statusBuffer = 16

	defaultCompressionFloor = 512
	defaultMinBackoff       = time.Second
	defaultMaxBackoff       = 30 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
)

// Config holds the parameters for creating a Client.
type Config struct {
	// ServerURL is the websocket endpoint of the coordination server,
	// e.g. "wss://collab.example.com/agent/v1/session". Required.
	ServerURL string

	// Token is the access token presented in the hello handshake.
	// Required. The client borrows the buffer; the caller keeps
	// ownership and closes it after the client is closed.
	Token *secret.Buffer

	// AgentVersion is sent in the hello handshake for server logs.
	AgentVersion string

	// Logger is used for structured logging. If nil, slog.Default().
	Logger *slog.Logger

	// Clock drives backoff and keepalive timing. If nil, the real
	// clock. Tests inject a fake to step through reconnects.
	Clock clock.Clock

	// CompressionFloor is the encoded-payload size in bytes below
	// which compression is never attempted. Zero means 512.
	CompressionFloor int

	// MinBackoff and MaxBackoff bound the reconnect backoff. Zero
	// means 1s and 30s.
	MinBackoff time.Duration
	MaxBackoff time.Duration

	// HandshakeTimeout bounds the dial plus hello exchange. Zero
	// means 10s.
	HandshakeTimeout time.Duration
}

// Client is a session with the coordination server. Create with
// NewClient, establish with Connect, tear down with Close.
//
// Client is safe for concurrent use.
type Client struct {
	serverURL        string
	token            *secret.Buffer
	agentVersion     string
	instanceID       string
	logger           *slog.Logger
	clock            clock.Clock
	compressionFloor int
	minBackoff       time.Duration
	maxBackoff       time.Duration
	handshakeTimeout time.Duration

	// nextID correlates requests to responses. Never reset, so IDs
	// stay unique across reconnects.
	nextID atomic.Uint64

	// writeMu serializes websocket writes (gorilla permits only one
	// concurrent writer; control frames are exempt).
	writeMu sync.Mutex

	mu          sync.Mutex
	conn        *websocket.Conn
	status      Status
	statusCh    chan Status
	pending     map[uint64]chan requestResult
	subscribers map[string]chan codec.RawMessage
	identity    *HelloResponse
	closed      bool
	runActive   bool
	cancelRun   context.CancelFunc

	// done closes when the background session loop has fully exited.
	done chan struct{}
}

// requestResult is what the read loop delivers to a waiting Request
// call: the decompressed CBOR payload or an error (server-sent or
// transport-level).
type requestResult struct {
	payload codec.RawMessage
	err     error
}

// NewClient creates a client for the given server. It does not dial;
// call Connect for that.
func NewClient(cfg Config) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("rpc: ServerURL is required")
	}
	parsed, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("rpc: invalid ServerURL %q: %w", cfg.ServerURL, err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return nil, fmt.Errorf("rpc: ServerURL scheme must be ws or wss, got %q", parsed.Scheme)
	}
	if cfg.Token == nil {
		return nil, fmt.Errorf("rpc: Token is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	floor := cfg.CompressionFloor
	if floor <= 0 {
		floor = defaultCompressionFloor
	}
	minBackoff := cfg.MinBackoff
	if minBackoff <= 0 {
		minBackoff = defaultMinBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}
	handshakeTimeout := cfg.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}

	return &Client{
		serverURL:        cfg.ServerURL,
		token:            cfg.Token,
		agentVersion:     cfg.AgentVersion,
		instanceID:       ulid.Make().String(),
		logger:           logger,
		clock:            clk,
		compressionFloor: floor,
		minBackoff:       minBackoff,
		maxBackoff:       maxBackoff,
		handshakeTimeout: handshakeTimeout,
		status:           StatusDisconnected,
		statusCh:         make(chan Status, statusBuffer),
		pending:          make(map[uint64]chan requestResult),
		subscribers:      make(map[string]chan codec.RawMessage),
		done:             make(chan struct{}),
	}, nil
}

// InstanceID returns the per-process instance identifier sent in the
// hello handshake.
func (c *Client) InstanceID() string {
	return c.instanceID
}

// Identity returns the identity confirmed by the most recent
// successful handshake, or nil before the first Connect.
func (c *Client) Identity() *HelloResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Status returns the current connectivity.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// StatusUpdates returns the status transition channel. It is buffered;
// when the consumer lags, the oldest transition is dropped. The
// channel closes after StatusClosed is delivered — a closed channel
// means the session is permanently over.
//
// There is one channel: StatusUpdates is meant for a single consumer.
func (c *Client) StatusUpdates() <-chan Status {
	return c.statusCh
}

// Subscribe returns the channel receiving pushes of the given message
// type. Calling Subscribe again with the same type returns the same
// channel. Subscribe before Connect to guarantee no push is missed.
//
// The channel is buffered; when the subscriber lags, the oldest push
// is dropped with a warning. It closes when the session ends.
func (c *Client) Subscribe(msgType string) <-chan codec.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.subscribers[msgType]; ok {
		return ch
	}
	ch := make(chan codec.RawMessage, subscribeBuffer)
	c.subscribers[msgType] = ch
	return ch
}
