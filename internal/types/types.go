package types

import (
	"encoding/json"
	"fmt"
	"time"
)

type User struct {
	Id        int       `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Member is a participant of a group with the display data needed to render it.
type Member struct {
	UserId    int    `json:"user_id"`
	Username  string `json:"username"`
	IsPresent bool   `json:"is_present,omitempty"`
}

type Group struct {
	Id         int       `json:"id"`
	ExternalId string    `json:"external_id"`
	Name       string    `json:"name"`
	Subject    string    `json:"subject,omitempty"`
	SeqId      int       `json:"seq_id"`
	Members    []Member  `json:"members,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

// HasMember reports whether the user belongs to the group.
func (g Group) HasMember(userId int) bool {
	for _, m := range g.Members {
		if m.UserId == userId {
			return true
		}
	}
	return false
}

type Membership struct {
	Group         Group `json:"group"`
	LastReadSeqId int   `json:"last_read_seq_id"`
	UnreadCount   int   `json:"unread_count"`
}

// MessageStatus only ever moves forward: SENT -> DELIVERED -> READ.
type MessageStatus int

const (
	StatusUnknown MessageStatus = iota
	StatusSent
	StatusDelivered
	StatusRead
)

func (s MessageStatus) String() string {
	switch s {
	case StatusSent:
		return "SENT"
	case StatusDelivered:
		return "DELIVERED"
	case StatusRead:
		return "READ"
	default:
		return "UNKNOWN"
	}
}

func ParseMessageStatus(s string) (MessageStatus, error) {
	switch s {
	case "SENT":
		return StatusSent, nil
	case "DELIVERED":
		return StatusDelivered, nil
	case "READ":
		return StatusRead, nil
	default:
		return StatusUnknown, fmt.Errorf("invalid message status %q", s)
	}
}

func (s MessageStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *MessageStatus) UnmarshalText(b []byte) error {
	v, err := ParseMessageStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Advance returns the status that results from applying next. Backward
// transitions are ignored and report false.
func (s MessageStatus) Advance(next MessageStatus) (MessageStatus, bool) {
	if next > s {
		return next, true
	}
	return s, false
}

type Message struct {
	Id        string        `json:"id"`
	SeqId     int           `json:"seq_id"`
	GroupId   string        `json:"group_id"`
	UserId    int           `json:"user_id"`
	Content   string        `json:"content"`
	Token     string        `json:"token,omitempty"`
	Status    MessageStatus `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
}

const (
	NotificationNewMessage = "new_message"
	NotificationGroupMatch = "group_match"
	NotificationReminder   = "reminder"
)

type Notification struct {
	Id        int             `json:"id"`
	UserId    int             `json:"user_id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Read      bool            `json:"read"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewMessageData is the payload of a new_message notification.
type NewMessageData struct {
	GroupId   string `json:"group_id"`
	MessageId string `json:"message_id"`
	SeqId     int    `json:"seq_id"`
	SenderId  int    `json:"sender_id"`
	Preview   string `json:"preview"`
}

// GroupMatchData is the payload of a group_match notification.
type GroupMatchData struct {
	GroupId string `json:"group_id"`
	Name    string `json:"name"`
	Subject string `json:"subject,omitempty"`
}
