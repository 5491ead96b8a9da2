// Package client is the participant side of the group chat: a reconnecting
// websocket session, group subscriptions, message submission and history,
// typing indicators, read receipts and notifications, all feeding one
// read model.
package client

import (
	"context"
	"log"
	"time"

	"github.com/npezzotti/go-groupchat/internal/protocol"
	"github.com/npezzotti/go-groupchat/internal/types"
)

const defaultJoinStagger = 100 * time.Millisecond

type Config struct {
	User      types.User
	Transport Transport
	History   HistoryFetcher
	Logger    *log.Logger
	Options   Options

	JoinStagger time.Duration
	TypingQuiet time.Duration
	TypingTTL   time.Duration
	ReadDwell   time.Duration
	PageSize    int
}

// Chat wires the client components around one Connection and one Store.
type Chat struct {
	conn          *Connection
	store         *Store
	coordinator   *Coordinator
	pipeline      *Pipeline
	typing        *TypingTracker
	receipts      *Receipts
	notifications *Notifications
	log           *log.Logger
}

func New(cfg Config) *Chat {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	stagger := cfg.JoinStagger
	if stagger <= 0 {
		stagger = defaultJoinStagger
	}

	conn := NewConnection(cfg.Transport, logger, cfg.Options)
	store := NewStore(cfg.User.Id)

	c := &Chat{
		conn:          conn,
		store:         store,
		coordinator:   NewCoordinator(conn, store, logger, stagger),
		pipeline:      NewPipeline(conn, store, cfg.History, logger, cfg.PageSize),
		typing:        NewTypingTracker(conn, store, logger, cfg.TypingQuiet, cfg.TypingTTL),
		receipts:      NewReceipts(conn, store, logger, cfg.ReadDwell),
		notifications: NewNotifications(conn, store, logger),
		log:           logger,
	}

	c.coordinator.onJoined = c.pipeline.HandleJoined
	c.pipeline.beforeSubmit = c.typing.Stop
	c.pipeline.onNotJoined = c.coordinator.Rejoin
	c.pipeline.onLoaded = c.receipts.Schedule

	conn.OnStateChange(c.coordinator.HandleState)
	conn.OnMessage(func(m types.Message) {
		c.pipeline.HandleMessage(m)
		c.typing.HandleMessage(m)
		c.notifications.HandleMessage(m)
		c.receipts.HandleMessage(m)
	})
	conn.OnTyping(c.typing.Handle)
	conn.OnReceipt(c.receipts.Handle)
	conn.OnNotification(c.notifications.Handle)
	conn.OnPresence(c.handlePresence)

	return c
}

func (c *Chat) handlePresence(p protocol.Presence) {
	if p.UserId != 0 {
		c.store.SetOnline(p.GroupId, p.UserId, p.Present)
		return
	}
	// group level: the server unloaded the group and dropped our subscription
	if !p.Present {
		c.coordinator.Invalidate(p.GroupId)
	}
}

func (c *Chat) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

func (c *Chat) Disconnect() {
	c.conn.Disconnect()
}

func (c *Chat) State() State {
	return c.conn.State()
}

// OnStateChange registers a handler for connection state transitions.
func (c *Chat) OnStateChange(h func(State)) {
	c.conn.OnStateChange(h)
}

func (c *Chat) OnMessage(h func(types.Message)) {
	c.conn.OnMessage(h)
}

func (c *Chat) OnNotification(h func(types.Notification)) {
	c.conn.OnNotification(h)
}

func (c *Chat) Store() *Store {
	return c.store
}

// AddGroups registers the participant's groups so they are joined on
// every connect.
func (c *Chat) AddGroups(groupIds ...string) {
	c.coordinator.AddKnown(groupIds...)
}

func (c *Chat) Join(ctx context.Context, groupId string) (JoinStatus, error) {
	return c.coordinator.Join(ctx, groupId)
}

func (c *Chat) Leave(ctx context.Context, groupId string) {
	if c.store.Active() == groupId {
		c.receipts.SetActive("")
	}
	c.typing.Stop(groupId)
	c.coordinator.Leave(ctx, groupId)
}

// Open makes groupId the viewed group, joining it first when needed. An
// empty groupId closes the current view.
func (c *Chat) Open(ctx context.Context, groupId string) error {
	if groupId != "" && !c.coordinator.Joined(groupId) {
		if _, err := c.coordinator.Join(ctx, groupId); err != nil {
			return err
		}
	}
	c.receipts.SetActive(groupId)
	return nil
}

// Submit sends content to a known group, subscribing the session to it
// first when the subscription was lost.
func (c *Chat) Submit(ctx context.Context, groupId, content string) (types.Message, error) {
	if err := c.ensureJoined(ctx, groupId); err != nil {
		return types.Message{}, err
	}
	return c.pipeline.Submit(ctx, groupId, content)
}

func (c *Chat) Resend(ctx context.Context, groupId, token string) (types.Message, error) {
	if err := c.ensureJoined(ctx, groupId); err != nil {
		return types.Message{}, err
	}
	return c.pipeline.Resend(ctx, groupId, token)
}

func (c *Chat) ensureJoined(ctx context.Context, groupId string) error {
	if !c.store.HasGroup(groupId) || c.conn.State() != StateConnected || c.coordinator.Joined(groupId) {
		return nil
	}
	_, err := c.coordinator.Join(ctx, groupId)
	return err
}

func (c *Chat) LoadOlder(ctx context.Context, groupId string) (int, error) {
	return c.pipeline.LoadOlder(ctx, groupId)
}

func (c *Chat) NotifyTyping(groupId string, isTyping bool) {
	c.typing.NotifyTyping(groupId, isTyping)
}

func (c *Chat) MarkRead(ctx context.Context, groupId string, ids []string) ([]string, error) {
	return c.receipts.MarkRead(ctx, groupId, ids)
}

func (c *Chat) MarkNotificationRead(ctx context.Context, id int) (int, error) {
	return c.notifications.MarkRead(ctx, id)
}

func (c *Chat) MarkAllNotificationsRead(ctx context.Context) (int, error) {
	return c.notifications.MarkAllRead(ctx)
}

func (c *Chat) UnreadNotifications() int {
	return c.notifications.UnreadCount()
}

func (c *Chat) Unread(groupId string) int {
	return c.notifications.GroupUnread(groupId)
}

// Close stops every timer and closes the connection.
func (c *Chat) Close() {
	c.typing.Close()
	c.receipts.Close()
	c.coordinator.Close()
	c.pipeline.Close()
	c.conn.Close()
}
