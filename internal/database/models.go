package database

import (
	"encoding/json"
	"time"

	"github.com/npezzotti/go-groupchat/internal/types"
)

type User struct {
	Id        int
	Username  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Group struct {
	Id         int
	ExternalId string
	Name       string
	Subject    string
	SeqId      int
	Members    []Member
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Member struct {
	GroupId       int
	AccountId     int
	Username      string
	LastReadSeqId int
	CreatedAt     time.Time
}

type Membership struct {
	Group         Group
	LastReadSeqId int
	UnreadCount   int
}

type Message struct {
	Id        string
	SeqId     int
	GroupId   int
	UserId    int
	Content   string
	Token     string
	Status    types.MessageStatus
	CreatedAt time.Time
}

type Notification struct {
	Id        int
	UserId    int
	Type      string
	Data      json.RawMessage
	Read      bool
	CreatedAt time.Time
}

type CreateGroupParams struct {
	Name       string
	Subject    string
	ExternalId string
	MemberIds  []int
}

type CreateNotificationParams struct {
	UserId int
	Type   string
	Data   json.RawMessage
}

// MarkReadResult describes the outcome of a read marking request.
type MarkReadResult struct {
	// Updated holds the ids whose status moved forward to READ.
	Updated []string
	// MaxSeqId is the highest sequence id among the eligible messages.
	MaxSeqId int
}

func (u User) ToType() types.User {
	return types.User{
		Id:        u.Id,
		Username:  u.Username,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

func (g Group) ToType() types.Group {
	tg := types.Group{
		Id:         g.Id,
		ExternalId: g.ExternalId,
		Name:       g.Name,
		Subject:    g.Subject,
		SeqId:      g.SeqId,
		CreatedAt:  g.CreatedAt,
		UpdatedAt:  g.UpdatedAt,
	}
	for _, m := range g.Members {
		tg.Members = append(tg.Members, types.Member{
			UserId:   m.AccountId,
			Username: m.Username,
		})
	}
	return tg
}

// ToType converts the stored message using the external id of its group.
func (m Message) ToType(groupExternalId string) types.Message {
	return types.Message{
		Id:        m.Id,
		SeqId:     m.SeqId,
		GroupId:   groupExternalId,
		UserId:    m.UserId,
		Content:   m.Content,
		Token:     m.Token,
		Status:    m.Status,
		Timestamp: m.CreatedAt,
	}
}

func (n Notification) ToType() types.Notification {
	return types.Notification{
		Id:        n.Id,
		UserId:    n.UserId,
		Type:      n.Type,
		Data:      n.Data,
		Read:      n.Read,
		CreatedAt: n.CreatedAt,
	}
}
