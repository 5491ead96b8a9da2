// Package protocol defines the websocket envelope exchanged between the chat
// server and its clients on the /ws endpoint.
//
// A ClientMessage carries exactly one request kind. Requests that expect an
// acknowledgment set Id; the server answers with a ServerMessage carrying the
// same Id and a Response. Unsolicited server events (new messages, typing,
// receipts, presence, notifications) carry no Id.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/npezzotti/go-groupchat/internal/types"
)

// Event names, used for logging and for the client handler registry.
const (
	EventJoinGroup        = "join:group"
	EventLeaveGroup       = "leave:group"
	EventSendMessage      = "message:send"
	EventTyping           = "typing"
	EventReadMessages     = "messages:read"
	EventReadNotification = "notification:read"

	EventNewMessage      = "message:new"
	EventTypingUpdate    = "typing:update"
	EventReadUpdate      = "messages:read:update"
	EventNewNotification = "notification:new"
	EventPresence        = "presence"
	EventResponse        = "response"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Join             *Join             `json:"join,omitempty"`
	Leave            *Leave            `json:"leave,omitempty"`
	Publish          *Publish          `json:"publish,omitempty"`
	Typing           *Typing           `json:"typing,omitempty"`
	Read             *Read             `json:"read,omitempty"`
	NotificationRead *NotificationRead `json:"notification_read,omitempty"`
}

// Event returns the name of the request kind carried by the message.
func (cm *ClientMessage) Event() string {
	switch {
	case cm.Join != nil:
		return EventJoinGroup
	case cm.Leave != nil:
		return EventLeaveGroup
	case cm.Publish != nil:
		return EventSendMessage
	case cm.Typing != nil:
		return EventTyping
	case cm.Read != nil:
		return EventReadMessages
	case cm.NotificationRead != nil:
		return EventReadNotification
	default:
		return ""
	}
}

type Join struct {
	GroupId string `json:"group_id"`
}

type Leave struct {
	GroupId string `json:"group_id"`
}

type Publish struct {
	GroupId string `json:"group_id"`
	Content string `json:"content"`
	// Token is generated by the sender and deduplicates retried submissions.
	Token string `json:"token,omitempty"`
}

type Typing struct {
	GroupId  string `json:"group_id"`
	IsTyping bool   `json:"is_typing"`
}

type Read struct {
	GroupId    string   `json:"group_id"`
	MessageIds []string `json:"message_ids"`
}

type NotificationRead struct {
	NotificationId int  `json:"notification_id,omitempty"`
	All            bool `json:"all,omitempty"`
}

type ServerMessage struct {
	BaseMessage
	Response     *Response           `json:"response,omitempty"`
	Message      *types.Message      `json:"message,omitempty"`
	Typing       *TypingUpdate       `json:"typing,omitempty"`
	Receipt      *Receipt            `json:"receipt,omitempty"`
	Presence     *Presence           `json:"presence,omitempty"`
	Notification *types.Notification `json:"notification,omitempty"`
}

// Event returns the name of the event carried by the message.
func (sm *ServerMessage) Event() string {
	switch {
	case sm.Response != nil:
		return EventResponse
	case sm.Message != nil:
		return EventNewMessage
	case sm.Typing != nil:
		return EventTypingUpdate
	case sm.Receipt != nil:
		return EventReadUpdate
	case sm.Presence != nil:
		return EventPresence
	case sm.Notification != nil:
		return EventNewNotification
	default:
		return ""
	}
}

type Response struct {
	ResponseCode int             `json:"response_code"`
	Error        string          `json:"error,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the response payload into v.
func (r *Response) Decode(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

type TypingUpdate struct {
	UserId    int       `json:"user_id"`
	GroupId   string    `json:"group_id"`
	IsTyping  bool      `json:"is_typing"`
	Timestamp time.Time `json:"timestamp"`
}

// Receipt announces a status transition for a set of messages in a group.
type Receipt struct {
	GroupId    string              `json:"group_id"`
	MessageIds []string            `json:"message_ids"`
	Status     types.MessageStatus `json:"status"`
	ReadBy     int                 `json:"read_by,omitempty"`
}

type Presence struct {
	Present bool   `json:"present"`
	UserId  int    `json:"user_id,omitempty"`
	GroupId string `json:"group_id"`
}

type JoinResult struct {
	Group         types.Group `json:"group"`
	AlreadyJoined bool        `json:"already_joined,omitempty"`
	LastReadSeqId int         `json:"last_read_seq_id"`
	UnreadCount   int         `json:"unread_count"`
}

type PublishResult struct {
	Message types.Message `json:"message"`
}

type ReadResult struct {
	MessageIds []string `json:"message_ids"`
}

type NotificationReadResult struct {
	UnreadCount int `json:"unread_count"`
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
