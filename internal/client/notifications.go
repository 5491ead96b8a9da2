package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/npezzotti/go-groupchat/internal/protocol"
	"github.com/npezzotti/go-groupchat/internal/types"
)

// Notifications keeps the participant's notification list and the per
// group unread counters. Notifications arrive on the participant's own
// channel whether or not the group is subscribed.
type Notifications struct {
	conn  sender
	store *Store
	log   *log.Logger
}

func NewNotifications(conn sender, store *Store, logger *log.Logger) *Notifications {
	return &Notifications{conn: conn, store: store, log: logger}
}

// HandleMessage counts an inbound message toward its group's unread counter
// unless the group is being viewed.
func (n *Notifications) HandleMessage(m types.Message) {
	if m.UserId == n.store.Self() {
		return
	}
	n.store.CountUnread(m.GroupId, m.Id)
}

func (n *Notifications) Handle(notif types.Notification) {
	if !n.store.AddNotification(notif) {
		return
	}

	if notif.Type != types.NotificationNewMessage {
		return
	}

	var data types.NewMessageData
	if err := json.Unmarshal(notif.Data, &data); err != nil {
		n.log.Printf("notifications: decode %d: %v", notif.Id, err)
		return
	}
	if data.SenderId != n.store.Self() && data.MessageId != "" {
		n.store.CountUnread(data.GroupId, data.MessageId)
	}
}

// MarkRead marks one notification read and returns the remaining unread
// count reported by the server.
func (n *Notifications) MarkRead(ctx context.Context, id int) (int, error) {
	if id <= 0 {
		return 0, fmt.Errorf("%w: invalid notification id", ErrValidation)
	}
	count, err := n.send(ctx, &protocol.NotificationRead{NotificationId: id})
	if err != nil {
		return 0, err
	}
	n.store.MarkNotificationRead(id)
	return count, nil
}

func (n *Notifications) MarkAllRead(ctx context.Context) (int, error) {
	count, err := n.send(ctx, &protocol.NotificationRead{All: true})
	if err != nil {
		return 0, err
	}
	n.store.MarkAllNotificationsRead()
	return count, nil
}

func (n *Notifications) send(ctx context.Context, req *protocol.NotificationRead) (int, error) {
	resp, err := n.conn.Send(ctx, &protocol.ClientMessage{NotificationRead: req})
	if err != nil {
		return 0, err
	}

	var res protocol.NotificationReadResult
	if err := resp.Decode(&res); err != nil {
		return 0, fmt.Errorf("decode notification result: %w", err)
	}
	return res.UnreadCount, nil
}

// UnreadCount returns the number of unread notifications known locally.
func (n *Notifications) UnreadCount() int {
	return n.store.UnreadNotifications()
}

func (n *Notifications) GroupUnread(groupId string) int {
	return n.store.Unread(groupId)
}
