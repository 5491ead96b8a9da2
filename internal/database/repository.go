package database

import "github.com/npezzotti/go-groupchat/internal/types"

// GoChatRepository is the durable store behind the chat server. Lookups that
// find nothing return sql.ErrNoRows.
type GoChatRepository interface {
	Ping() error
	GetAccountById(accountId int) (User, error)
	GetGroupByExternalId(externalId string) (Group, error)
	GetGroupWithMembers(groupId int) (*Group, error)
	CreateGroup(params CreateGroupParams) (Group, error)
	ListMemberships(accountId int) ([]Membership, error)
	GetMembership(accountId, groupId int) (Membership, error)
	UpdateLastReadSeqId(accountId, groupId, seqId int) error
	CreateMessage(msg Message) error
	GetMessageByToken(groupId, userId int, token string) (Message, error)
	GetMessages(groupId, before, limit int) ([]Message, error)
	UpdateMessageStatus(groupId int, ids []string, status types.MessageStatus) ([]string, error)
	MarkMessagesRead(groupId, readerId int, ids []string) (MarkReadResult, error)
	CreateNotification(params CreateNotificationParams) (Notification, error)
	ListNotifications(accountId, before, limit int) ([]Notification, error)
	CountUnreadNotifications(accountId int) (int, error)
	MarkNotificationRead(accountId, notificationId int) error
	MarkAllNotificationsRead(accountId int) error
	DeleteNotification(accountId, notificationId int) error
}
