package client

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/go-groupchat/internal/protocol"
	"github.com/npezzotti/go-groupchat/internal/types"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateReconnecting is a disconnected state that recovers on its own.
	StateReconnecting
	// StateFailed is the terminal disconnected state reached once the
	// reconnect budget is spent. Only an explicit Connect leaves it.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type Options struct {
	// AckTimeout bounds how long Send waits for the server's response.
	AckTimeout     time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxAttempts is the number of reconnect attempts after a drop.
	MaxAttempts int
}

var DefaultOptions = Options{
	AckTimeout:     10 * time.Second,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     15 * time.Second,
	MaxAttempts:    8,
}

func (o Options) withDefaults() Options {
	if o.AckTimeout <= 0 {
		o.AckTimeout = DefaultOptions.AckTimeout
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = DefaultOptions.InitialBackoff
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = max(DefaultOptions.MaxBackoff, o.InitialBackoff)
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultOptions.MaxAttempts
	}
	return o
}

type result struct {
	resp *protocol.Response
	err  error
}

type handlers struct {
	message      []func(types.Message)
	typing       []func(protocol.TypingUpdate)
	receipt      []func(protocol.Receipt)
	presence     []func(protocol.Presence)
	notification []func(types.Notification)
	state        []func(State)
}

// Connection owns the single transport session of the local participant.
// Inbound events and state changes are delivered to the registered handlers
// one at a time, in arrival order, on a dedicated goroutine.
type Connection struct {
	transport Transport
	log       *log.Logger
	opts      Options

	mu      sync.Mutex
	state   State
	conn    Conn
	epoch   int
	nextId  int
	pending map[int]chan result
	cancel  context.CancelFunc

	handlersMu sync.RWMutex
	handlers   handlers

	events *eventQueue
}

func NewConnection(transport Transport, logger *log.Logger, opts Options) *Connection {
	c := &Connection{
		transport: transport,
		log:       logger,
		opts:      opts.withDefaults(),
		pending:   make(map[int]chan result),
		events:    newEventQueue(),
	}
	go c.events.run()
	return c
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Epoch identifies the current transport session. It increases on every
// transition into StateConnected.
func (c *Connection) Epoch() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Connect establishes the transport session. It is a no-op while a session
// is active or being established.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateConnected, StateReconnecting:
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	conn, err := c.transport.Dial(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnecting {
		if conn != nil {
			conn.Close()
		}
		return ErrDisconnected
	}
	if err != nil {
		c.setStateLocked(StateDisconnected)
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	c.attachLocked(conn)
	return nil
}

// Disconnect closes the session and stops reconnecting. Pending requests
// resolve with ErrDisconnected.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.conn
	c.conn = nil
	c.failPendingLocked(ErrDisconnected)
	if c.state != StateDisconnected {
		c.setStateLocked(StateDisconnected)
	}
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Close disconnects and stops handler delivery.
func (c *Connection) Close() {
	c.Disconnect()
	c.events.stop()
}

// Send writes msg and waits for its acknowledgment. It resolves exactly once:
// with the server's response, with ErrUnknownOutcome when no response arrived
// within the ack timeout, or with ctx's error when the caller gave up.
// A 409 response is returned without an error.
func (c *Connection) Send(ctx context.Context, msg *protocol.ClientMessage) (*protocol.Response, error) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil, ErrDisconnected
	}
	c.nextId++
	id := c.nextId
	msg.Id = id
	msg.Timestamp = protocol.Now()
	ch := make(chan result, 1)
	c.pending[id] = ch
	conn := c.conn
	c.mu.Unlock()

	if err := conn.Write(msg); err != nil {
		if c.abandon(id) {
			return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
		}
		return unpack(<-ch)
	}

	timer := time.NewTimer(c.opts.AckTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return unpack(r)
	case <-timer.C:
		if c.abandon(id) {
			c.log.Printf("connection: no ack for %s request %d", msg.Event(), id)
			return nil, ErrUnknownOutcome
		}
	case <-ctx.Done():
		if c.abandon(id) {
			return nil, ctx.Err()
		}
	}

	// resolved concurrently with the timeout, the result is already buffered
	return unpack(<-ch)
}

func unpack(r result) (*protocol.Response, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.resp, r.resp.Err()
}

// Notify writes msg without waiting for an acknowledgment.
func (c *Connection) Notify(msg *protocol.ClientMessage) error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return ErrDisconnected
	}
	conn := c.conn
	c.mu.Unlock()

	msg.Id = 0
	msg.Timestamp = protocol.Now()
	if err := conn.Write(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

func (c *Connection) OnMessage(h func(types.Message)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers.message = append(c.handlers.message, h)
}

func (c *Connection) OnTyping(h func(protocol.TypingUpdate)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers.typing = append(c.handlers.typing, h)
}

func (c *Connection) OnReceipt(h func(protocol.Receipt)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers.receipt = append(c.handlers.receipt, h)
}

func (c *Connection) OnPresence(h func(protocol.Presence)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers.presence = append(c.handlers.presence, h)
}

func (c *Connection) OnNotification(h func(types.Notification)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers.notification = append(c.handlers.notification, h)
}

func (c *Connection) OnStateChange(h func(State)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers.state = append(c.handlers.state, h)
}

func (c *Connection) snapshotHandlers() handlers {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	return c.handlers
}

func (c *Connection) setStateLocked(s State) {
	c.state = s
	c.events.push(func() {
		for _, h := range c.snapshotHandlers().state {
			h(s)
		}
	})
}

func (c *Connection) attachLocked(conn Conn) {
	c.conn = conn
	c.epoch++
	c.setStateLocked(StateConnected)
	go c.readLoop(conn)
}

func (c *Connection) abandon(id int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	delete(c.pending, id)
	return ok
}

func (c *Connection) resolve(id int, resp *protocol.Response) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if !ok {
		c.log.Printf("connection: late response for request %d", id)
		return
	}
	ch <- result{resp: resp}
}

func (c *Connection) failPendingLocked(err error) {
	for id, ch := range c.pending {
		ch <- result{err: err}
		delete(c.pending, id)
	}
}

func (c *Connection) readLoop(conn Conn) {
	for {
		msg, err := conn.Read()
		if err != nil {
			c.handleDrop(conn, err)
			return
		}
		c.dispatch(msg)
	}
}

func (c *Connection) dispatch(msg *protocol.ServerMessage) {
	if msg.Response != nil {
		if msg.Id > 0 {
			c.resolve(msg.Id, msg.Response)
		} else {
			c.log.Printf("connection: unsolicited response %d: %s", msg.Response.ResponseCode, msg.Response.Error)
		}
		return
	}

	c.events.push(func() {
		h := c.snapshotHandlers()
		switch {
		case msg.Message != nil:
			for _, fn := range h.message {
				fn(*msg.Message)
			}
		case msg.Typing != nil:
			for _, fn := range h.typing {
				fn(*msg.Typing)
			}
		case msg.Receipt != nil:
			for _, fn := range h.receipt {
				fn(*msg.Receipt)
			}
		case msg.Presence != nil:
			for _, fn := range h.presence {
				fn(*msg.Presence)
			}
		case msg.Notification != nil:
			for _, fn := range h.notification {
				fn(*msg.Notification)
			}
		}
	})
}

// handleDrop reacts to a transport failure on conn. Requests in flight may
// have been applied, so they resolve with ErrUnknownOutcome.
func (c *Connection) handleDrop(conn Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// closed by Disconnect or already replaced
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.failPendingLocked(ErrUnknownOutcome)
	c.setStateLocked(StateReconnecting)
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	conn.Close()
	c.log.Printf("connection: transport dropped: %v", err)
	go c.reconnect(ctx)
}

func (c *Connection) reconnect(ctx context.Context) {
	backoff := c.opts.InitialBackoff
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}

		conn, err := c.transport.Dial(ctx)

		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			if conn != nil {
				conn.Close()
			}
			return
		}
		if err == nil {
			c.cancel = nil
			c.attachLocked(conn)
			c.mu.Unlock()
			c.log.Printf("connection: reconnected after %d attempt(s)", attempt)
			return
		}
		c.mu.Unlock()

		c.log.Printf("connection: reconnect attempt %d/%d: %v", attempt, c.opts.MaxAttempts, err)
		backoff = min(backoff*2, c.opts.MaxBackoff)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() == nil {
		c.cancel = nil
		c.setStateLocked(StateFailed)
	}
}

// eventQueue runs pushed functions sequentially on one goroutine. push
// never blocks.
type eventQueue struct {
	mu     sync.Mutex
	items  []func()
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (q *eventQueue) push(fn func()) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run() {
	for {
		select {
		case <-q.signal:
			for {
				q.mu.Lock()
				if len(q.items) == 0 {
					q.mu.Unlock()
					break
				}
				fn := q.items[0]
				q.items = q.items[1:]
				q.mu.Unlock()

				fn()
			}
		case <-q.done:
			return
		}
	}
}

func (q *eventQueue) stop() {
	q.once.Do(func() { close(q.done) })
}
