// Copyright 2026 The Atelier Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atelier-collab/atelier/lib/codec"
)

// Connect dials the server, runs the hello handshake, and starts the
// background session loop that reads frames and reconnects after
// drops. The context bounds only this initial attempt; the session
// itself lives until Close or a terminal auth rejection.
//
// A failed Connect leaves the client reusable; a rejected token is
// reported as a *ServerError.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.runActive {
		c.mu.Unlock()
		return fmt.Errorf("rpc: already connected")
	}
	c.mu.Unlock()

	c.transition(StatusConnecting)
	conn, identity, err := c.dial(ctx)
	if err != nil {
		c.transition(StatusDisconnected)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.identity = identity
	c.cancelRun = cancel
	c.runActive = true
	c.mu.Unlock()

	c.transition(StatusConnected)
	c.logger.Info("session established",
		"server", c.serverURL,
		"agent_id", identity.AgentID,
		"instance_id", c.instanceID,
	)

	go c.run(runCtx)
	return nil
}

// Close shuts the session down: in-flight requests fail, the status
// channel delivers StatusClosed and closes, subscriber channels
// close. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	cancel := c.cancelRun
	runActive := c.runActive
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		// Unblocks the read loop.
		conn.Close()
	}

	if runActive {
		<-c.done
	} else {
		c.teardown()
	}
	return nil
}

// Request sends a correlated request and decodes the response payload
// into out (which may be nil to discard it). Server-sent errors come
// back as *ServerError. If there is no usable link, Request fails
// immediately with ErrNotConnected rather than queueing.
func (c *Client) Request(ctx context.Context, msgType string, in, out any) error {
	id := c.nextID.Add(1)
	frame, err := encodeFrame(id, 0, msgType, in, c.compressionFloor)
	if err != nil {
		return err
	}

	waiter := make(chan requestResult, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	conn := c.conn
	if conn == nil || c.status != StatusConnected {
		c.mu.Unlock()
		return fmt.Errorf("rpc: %s: %w", msgType, ErrNotConnected)
	}
	c.pending[id] = waiter
	c.mu.Unlock()

	if err := c.writeFrame(conn, frame); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("rpc: sending %s: %w", msgType, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case result := <-waiter:
		if result.err != nil {
			return fmt.Errorf("rpc: %s: %w", msgType, result.err)
		}
		if out != nil && len(result.payload) > 0 {
			if err := codec.Unmarshal(result.payload, out); err != nil {
				return fmt.Errorf("rpc: decoding %s response: %w", msgType, err)
			}
		}
		return nil
	}
}

// Notify sends a one-way message. No response is expected and none is
// waited for.
func (c *Client) Notify(ctx context.Context, msgType string, in any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	frame, err := encodeFrame(0, 0, msgType, in, c.compressionFloor)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	conn := c.conn
	if conn == nil || c.status != StatusConnected {
		c.mu.Unlock()
		return fmt.Errorf("rpc: %s: %w", msgType, ErrNotConnected)
	}
	c.mu.Unlock()

	if err := c.writeFrame(conn, frame); err != nil {
		return fmt.Errorf("rpc: sending %s: %w", msgType, err)
	}
	return nil
}

// run is the background session loop: read the established connection
// until it fails, then reconnect with backoff, forever — until the
// context is cancelled (Close) or the server rejects the credentials.
// Exactly one run goroutine exists per connected client; it owns all
// status transitions after Connect and performs the final teardown.
func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	defer c.teardown()

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		err := c.serve(conn)
		c.handleDrop(err)

		if ctx.Err() != nil || c.isClosed() {
			return
		}
		if !c.reconnect(ctx) {
			return
		}
	}
}

// serve reads frames from one connection until it fails, keeping the
// keepalive pinger running for the connection's lifetime.
func (c *Client) serve(conn *websocket.Conn) error {
	stopPing := make(chan struct{})
	pingDone := make(chan struct{})
	go c.pingLoop(conn, stopPing, pingDone)
	defer func() {
		close(stopPing)
		<-pingDone
	}()

	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return err
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.route(frame)
	}
}

// pingLoop sends keepalive pings until stopped or the connection
// rejects a write. WriteControl is safe concurrently with the data
// writes in writeFrame.
func (c *Client) pingLoop(conn *websocket.Conn, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := c.clock.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// route dispatches one incoming frame: responses to their waiting
// request, pushes to their subscriber.
func (c *Client) route(frame []byte) {
	env, err := decodeFrame(frame)
	if err != nil {
		c.logger.Warn("dropping undecodable frame", "error", err)
		return
	}

	switch {
	case env.ReplyTo != 0:
		c.mu.Lock()
		waiter, ok := c.pending[env.ReplyTo]
		if ok {
			delete(c.pending, env.ReplyTo)
		}
		c.mu.Unlock()
		if !ok {
			// The request was cancelled or failed over a reconnect.
			c.logger.Debug("response with no waiting request", "reply_to", env.ReplyTo)
			return
		}
		if env.Error != nil {
			waiter <- requestResult{err: env.Error}
			return
		}
		payload, err := env.decodePayload()
		if err != nil {
			waiter <- requestResult{err: err}
			return
		}
		waiter <- requestResult{payload: payload}

	case env.Type != "":
		c.deliverPush(env)

	default:
		c.logger.Warn("dropping unroutable frame")
	}
}

// deliverPush hands a server push to its subscriber channel. When the
// channel is full the oldest entry is dropped: pushes are full
// snapshots, so the newest always supersedes.
func (c *Client) deliverPush(env *envelope) {
	payload, err := env.decodePayload()
	if err != nil {
		c.logger.Warn("dropping undecodable push", "type", env.Type, "error", err)
		return
	}

	c.mu.Lock()
	ch, ok := c.subscribers[env.Type]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("push with no subscriber", "type", env.Type)
		return
	}

	select {
	case ch <- payload:
	default:
		select {
		case <-ch:
			c.logger.Warn("push subscriber lagging, dropped oldest", "type", env.Type)
		default:
		}
		select {
		case ch <- payload:
		default:
		}
	}
}

// handleDrop cleans up after a connection failure: the dead conn is
// released, every pending request fails fast, and the status moves to
// Disconnected unless the client is closing anyway.
func (c *Client) handleDrop(cause error) {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	waiters := c.pending
	c.pending = make(map[uint64]chan requestResult)
	closing := c.closed
	c.mu.Unlock()

	for _, waiter := range waiters {
		waiter <- requestResult{err: ErrNotConnected}
	}

	if closing {
		return
	}
	c.logger.Warn("connection lost", "error", cause)
	c.transition(StatusDisconnected)
}

// reconnect redials with exponential backoff until a handshake
// succeeds. Returns false when the session should end instead: the
// context was cancelled, the client closed, or the server rejected
// the credentials (retrying an invalid token is pointless).
func (c *Client) reconnect(ctx context.Context) bool {
	c.transition(StatusConnecting)

	for attempt := 0; ; attempt++ {
		backoff := c.backoffFor(attempt)
		select {
		case <-ctx.Done():
			return false
		case <-c.clock.After(backoff):
		}
		if c.isClosed() {
			return false
		}

		conn, identity, err := c.dial(ctx)
		if err != nil {
			if isAuthError(err) {
				c.logger.Error("credentials rejected during reconnect, ending session", "error", err)
				return false
			}
			if ctx.Err() != nil {
				return false
			}
			c.logger.Warn("reconnect attempt failed",
				"attempt", attempt+1,
				"backoff", backoff,
				"error", err,
			)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return false
		}
		c.conn = conn
		c.identity = identity
		c.mu.Unlock()

		c.transition(StatusConnected)
		c.logger.Info("session reestablished",
			"agent_id", identity.AgentID,
			"attempts", attempt+1,
		)
		return true
	}
}

// backoffFor doubles from the minimum, capped at the maximum.
func (c *Client) backoffFor(attempt int) time.Duration {
	backoff := c.minBackoff
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= c.maxBackoff {
			return c.maxBackoff
		}
	}
	if backoff > c.maxBackoff {
		return c.maxBackoff
	}
	return backoff
}

// dial establishes one connection: websocket dial, then the hello
// exchange, both bounded by the handshake timeout. The returned
// connection has no read deadline; serve installs the keepalive
// deadline.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, *HelloResponse, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.serverURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("rpc: dialing %s: %w", c.serverURL, err)
	}
	conn.SetReadLimit(maxFrameSize)

	identity, err := c.hello(conn)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, identity, nil
}

// hello runs the authentication exchange on a fresh connection.
func (c *Client) hello(conn *websocket.Conn) (*HelloResponse, error) {
	// The token is converted to string at the serialization boundary.
	// The heap copy exists only for the duration of the handshake.
	request := HelloRequest{
		Token:           c.token.String(),
		InstanceID:      c.instanceID,
		AgentVersion:    c.agentVersion,
		ProtocolVersion: ProtocolVersion,
	}

	id := c.nextID.Add(1)
	frame, err := encodeFrame(id, 0, MsgHello, request, c.compressionFloor)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.handshakeTimeout)
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return nil, fmt.Errorf("rpc: hello: %w", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return nil, fmt.Errorf("rpc: sending hello: %w", err)
	}

	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("rpc: hello: %w", err)
	}
	_, response, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("rpc: awaiting hello response: %w", err)
	}

	env, err := decodeFrame(response)
	if err != nil {
		return nil, err
	}
	if env.Error != nil {
		return nil, fmt.Errorf("rpc: hello rejected: %w", env.Error)
	}
	if env.ReplyTo != id {
		return nil, fmt.Errorf("rpc: hello response correlates to %d, want %d", env.ReplyTo, id)
	}

	payload, err := env.decodePayload()
	if err != nil {
		return nil, err
	}
	var identity HelloResponse
	if err := codec.Unmarshal(payload, &identity); err != nil {
		return nil, fmt.Errorf("rpc: decoding hello response: %w", err)
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("rpc: hello: %w", err)
	}
	return &identity, nil
}

// writeFrame performs one serialized websocket write with a deadline.
func (c *Client) writeFrame(conn *websocket.Conn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}

// transition records a status change and delivers it to the status
// channel, dropping the oldest buffered transition if the consumer
// lags. No-op when the status is unchanged or the client has closed:
// a concurrent Close tears the status channel down, and the send must
// never race past that. The non-blocking sends happen under the lock
// so teardown cannot close the channel between the check and the send.
func (c *Client) transition(next Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.status == next {
		return
	}
	c.status = next

	select {
	case c.statusCh <- next:
	default:
		select {
		case <-c.statusCh:
			c.logger.Warn("status consumer lagging, dropped oldest transition")
		default:
		}
		select {
		case c.statusCh <- next:
		default:
		}
	}
}

// teardown finalizes the session: fails pending requests, delivers
// StatusClosed, and closes the status and subscriber channels. Runs
// exactly once, from the run goroutine's exit or from Close when no
// run goroutine was ever started — never from both.
func (c *Client) teardown() {
	c.mu.Lock()
	c.closed = true
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	waiters := c.pending
	c.pending = make(map[uint64]chan requestResult)
	c.status = StatusClosed
	subscribers := c.subscribers
	c.subscribers = make(map[string]chan codec.RawMessage)

	// Deliver the terminal status and close the channel while still
	// holding the lock: transition checks c.closed under the same lock,
	// so no concurrent sender can reach the channel after this close.
	select {
	case c.statusCh <- StatusClosed:
	default:
		select {
		case <-c.statusCh:
		default:
		}
		select {
		case c.statusCh <- StatusClosed:
		default:
		}
	}
	close(c.statusCh)
	c.mu.Unlock()

	for _, waiter := range waiters {
		waiter <- requestResult{err: ErrClosed}
	}

	for _, ch := range subscribers {
		close(ch)
	}

	c.logger.Info("session closed")
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
