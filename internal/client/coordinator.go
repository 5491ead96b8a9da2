package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/npezzotti/go-groupchat/internal/protocol"
)

type JoinStatus int

const (
	Joined JoinStatus = iota + 1
	AlreadyJoined
)

func (s JoinStatus) String() string {
	switch s {
	case Joined:
		return "joined"
	case AlreadyJoined:
		return "already joined"
	default:
		return "none"
	}
}

// sender is the part of Connection the other components depend on.
type sender interface {
	Send(ctx context.Context, msg *protocol.ClientMessage) (*protocol.Response, error)
	Notify(msg *protocol.ClientMessage) error
	Epoch() int
	State() State
}

type joinCall struct {
	done chan struct{}
	err  error
}

// Coordinator tracks which groups are subscribed on the current transport
// session and subscribes again to every known group after a reconnect.
type Coordinator struct {
	conn    sender
	store   *Store
	log     *log.Logger
	stagger time.Duration
	// onJoined runs after a fresh subscription, before Join returns.
	onJoined func(ctx context.Context, groupId string, res protocol.JoinResult)

	mu       sync.Mutex
	known    []string
	joined   map[string]int
	inflight map[string]*joinCall

	ctx    context.Context
	cancel context.CancelFunc
}

func NewCoordinator(conn sender, store *Store, logger *log.Logger, stagger time.Duration) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		conn:     conn,
		store:    store,
		log:      logger,
		stagger:  stagger,
		joined:   make(map[string]int),
		inflight: make(map[string]*joinCall),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Join subscribes the current session to the group. Joining a group that
// is already subscribed, or being subscribed, does not send a second
// request.
func (c *Coordinator) Join(ctx context.Context, groupId string) (JoinStatus, error) {
	if groupId == "" {
		return 0, fmt.Errorf("%w: missing group id", ErrValidation)
	}

	c.mu.Lock()
	epoch := c.conn.Epoch()
	if c.conn.State() == StateConnected && c.joined[groupId] == epoch {
		c.mu.Unlock()
		return AlreadyJoined, nil
	}

	if call, ok := c.inflight[groupId]; ok {
		c.mu.Unlock()
		select {
		case <-call.done:
			if call.err != nil {
				return 0, call.err
			}
			return AlreadyJoined, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	call := &joinCall{done: make(chan struct{})}
	c.inflight[groupId] = call
	if !slices.Contains(c.known, groupId) {
		c.known = append(c.known, groupId)
	}
	c.mu.Unlock()

	status, err := c.join(ctx, groupId, epoch)

	c.mu.Lock()
	delete(c.inflight, groupId)
	call.err = err
	close(call.done)
	c.mu.Unlock()

	return status, err
}

func (c *Coordinator) join(ctx context.Context, groupId string, epoch int) (JoinStatus, error) {
	resp, err := c.conn.Send(ctx, &protocol.ClientMessage{Join: &protocol.Join{GroupId: groupId}})
	if err != nil {
		// unknown outcomes and transient failures stay known and are
		// retried on the next reconnect
		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrValidation) {
			c.forget(groupId)
			c.store.RemoveGroup(groupId)
		}
		return 0, err
	}

	var res protocol.JoinResult
	if err := resp.Decode(&res); err != nil {
		return 0, fmt.Errorf("decode join result: %w", err)
	}
	if res.Group.ExternalId == "" {
		res.Group.ExternalId = groupId
	}
	c.store.ApplyJoin(res)

	c.mu.Lock()
	c.joined[groupId] = epoch
	c.mu.Unlock()

	if res.AlreadyJoined {
		return AlreadyJoined, nil
	}
	if c.onJoined != nil {
		c.onJoined(ctx, groupId, res)
	}
	return Joined, nil
}

// Leave drops the subscription locally and tells the server on a best
// effort basis.
func (c *Coordinator) Leave(ctx context.Context, groupId string) {
	c.forget(groupId)

	if c.conn.State() != StateConnected {
		return
	}
	if _, err := c.conn.Send(ctx, &protocol.ClientMessage{Leave: &protocol.Leave{GroupId: groupId}}); err != nil {
		c.log.Printf("coordinator: leave %q: %v", groupId, err)
	}
}

// Invalidate marks the group as no longer subscribed while keeping it
// known, e.g. after the server unloaded it.
func (c *Coordinator) Invalidate(groupId string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.joined, groupId)
}

// Rejoin invalidates the subscription and joins the group again in the
// background.
func (c *Coordinator) Rejoin(groupId string) {
	c.Invalidate(groupId)
	go func() {
		if _, err := c.Join(c.ctx, groupId); err != nil {
			c.log.Printf("coordinator: rejoin %q: %v", groupId, err)
		}
	}()
}

func (c *Coordinator) forget(groupId string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.joined, groupId)
	c.known = slices.DeleteFunc(c.known, func(id string) bool { return id == groupId })
}

// AddKnown registers groups the participant belongs to so they are joined
// on the next connect.
func (c *Coordinator) AddKnown(groupIds ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range groupIds {
		if id != "" && !slices.Contains(c.known, id) {
			c.known = append(c.known, id)
		}
	}
}

func (c *Coordinator) Known() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.known)
}

// Joined reports whether the group is subscribed on the current session.
func (c *Coordinator) Joined(groupId string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	epoch, ok := c.joined[groupId]
	return ok && epoch == c.conn.Epoch() && c.conn.State() == StateConnected
}

// HandleState rejoins every known group whenever a session is established.
func (c *Coordinator) HandleState(s State) {
	if s != StateConnected {
		return
	}
	go c.rejoin(c.conn.Epoch())
}

func (c *Coordinator) rejoin(epoch int) {
	for i, id := range c.Known() {
		if i > 0 && c.stagger > 0 {
			timer := time.NewTimer(c.stagger)
			select {
			case <-timer.C:
			case <-c.ctx.Done():
				timer.Stop()
				return
			}
		}

		if c.conn.Epoch() != epoch || c.conn.State() != StateConnected {
			return
		}
		if _, err := c.Join(c.ctx, id); err != nil {
			c.log.Printf("coordinator: rejoin %q: %v", id, err)
		}
	}
}

func (c *Coordinator) Close() {
	c.cancel()
}
