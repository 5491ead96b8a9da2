package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-groupchat/internal/protocol"
	"github.com/npezzotti/go-groupchat/internal/types"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
)

// Client is one websocket session of an authenticated participant.
type Client struct {
	id         string
	conn       *websocket.Conn
	chatServer *ChatServer
	log        *log.Logger
	user       types.User
	send       chan *ServerMessage
	groups     map[string]*Group
	groupsLock sync.RWMutex
	limiter    *rate.Limiter
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, cs *ChatServer, l *log.Logger) *Client {
	return &Client{
		id:         uuid.NewString(),
		conn:       conn,
		chatServer: cs,
		log:        l,
		user:       user,
		send:       make(chan *ServerMessage, 256),
		groups:     make(map[string]*Group),
		limiter:    cs.newLimiter(),
		stop:       make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Printf("client %s: write exiting", c.id)
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Printf("client %s: read exiting", c.id)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}

		c.dispatch(&msg)
	}
}

// dispatch routes an inbound envelope to the hub, a joined group or the
// notification store.
func (c *Client) dispatch(msg *ClientMessage) {
	msg.client = c
	msg.UserId = c.user.Id
	msg.Timestamp = Now()

	switch {
	case msg.Join != nil:
		if msg.Join.GroupId == "" {
			c.queueMessage(ErrInvalidMessage(msg.Id))
			return
		}
		c.joinGroup(msg)
	case msg.Leave != nil:
		c.leaveGroup(msg)
	case msg.Publish != nil:
		if !c.limiter.Allow() {
			c.queueMessage(ErrRateLimited(msg.Id))
			return
		}
		c.routeToGroup(msg.Publish.GroupId, msg)
	case msg.Typing != nil:
		// typing is best effort, excess signals are dropped
		if !c.limiter.Allow() {
			return
		}
		c.routeToGroup(msg.Typing.GroupId, msg)
	case msg.Read != nil:
		c.routeToGroup(msg.Read.GroupId, msg)
	case msg.NotificationRead != nil:
		c.readNotifications(msg)
	default:
		c.queueMessage(ErrInvalidMessage(msg.Id))
	}
}

func (c *Client) routeToGroup(groupId string, msg *ClientMessage) {
	g := c.getGroup(groupId)
	if g == nil {
		if msg.Typing == nil {
			c.queueMessage(ErrGroupNotJoined(msg.Id))
		}
		return
	}

	select {
	case g.clientMsgChan <- msg:
	default:
		c.log.Printf("clientMsgChan full for group %q", g.externalId)
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) readNotifications(msg *ClientMessage) {
	db := c.chatServer.db
	req := msg.NotificationRead

	var err error
	switch {
	case req.All:
		err = db.MarkAllNotificationsRead(c.user.Id)
	case req.NotificationId > 0:
		err = db.MarkNotificationRead(c.user.Id, req.NotificationId)
	default:
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.queueMessage(ErrNotFound(msg.Id))
			return
		}
		c.log.Println("mark notification read:", err)
		c.queueMessage(ErrInternalError(msg.Id))
		return
	}

	count, err := db.CountUnreadNotifications(c.user.Id)
	if err != nil {
		c.log.Println("CountUnreadNotifications:", err)
		c.queueMessage(ErrInternalError(msg.Id))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, protocol.NotificationReadResult{UnreadCount: count}))
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Printf("client %s: send channel is full, dropping message", c.id)
		return false
	}

	return true
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	c.chatServer.DeRegisterClient(c)
	c.leaveAllGroups()
	c.stopClient()
}

func (c *Client) leaveAllGroups() {
	c.groupsLock.RLock()
	groups := make([]*Group, 0, len(c.groups))
	for _, g := range c.groups {
		groups = append(groups, g)
	}
	c.groupsLock.RUnlock()

	for _, g := range groups {
		leave := &ClientMessage{UserId: c.user.Id, client: c}
		leave.Leave = &protocol.Leave{GroupId: g.externalId}
		g.leaveChan <- leave
	}
}

func (c *Client) joinGroup(msg *ClientMessage) {
	select {
	case c.chatServer.joinChan <- msg:
	default:
		c.log.Printf("joinChan full")
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

// leaveGroup is idempotent: leaving a group the session has not joined is
// acknowledged as a success.
func (c *Client) leaveGroup(msg *ClientMessage) {
	g := c.getGroup(msg.Leave.GroupId)
	if g == nil {
		c.queueMessage(NoErrOK(msg.Id, nil))
		return
	}

	select {
	case g.leaveChan <- msg:
	default:
		c.log.Printf("leaveChan full for group %q", g.externalId)
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) delGroup(id string) {
	c.groupsLock.Lock()
	defer c.groupsLock.Unlock()

	delete(c.groups, id)
}

func (c *Client) addGroup(g *Group) {
	c.groupsLock.Lock()
	defer c.groupsLock.Unlock()

	c.groups[g.externalId] = g
}

func (c *Client) getGroup(id string) *Group {
	c.groupsLock.RLock()
	defer c.groupsLock.RUnlock()

	return c.groups[id]
}
