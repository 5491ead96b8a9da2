package database

import (
	"github.com/npezzotti/go-groupchat/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockGoChatRepository struct {
	mock.Mock
}

func (m *MockGoChatRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockGoChatRepository) GetAccountById(accountId int) (User, error) {
	args := m.Called(accountId)
	return args.Get(0).(User), args.Error(1)
}
func (m *MockGoChatRepository) GetGroupByExternalId(externalId string) (Group, error) {
	args := m.Called(externalId)
	return args.Get(0).(Group), args.Error(1)
}
func (m *MockGoChatRepository) GetGroupWithMembers(groupId int) (*Group, error) {
	args := m.Called(groupId)
	if group, ok := args.Get(0).(*Group); ok {
		return group, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockGoChatRepository) CreateGroup(params CreateGroupParams) (Group, error) {
	args := m.Called(params)
	return args.Get(0).(Group), args.Error(1)
}
func (m *MockGoChatRepository) ListMemberships(accountId int) ([]Membership, error) {
	args := m.Called(accountId)
	return args.Get(0).([]Membership), args.Error(1)
}
func (m *MockGoChatRepository) GetMembership(accountId, groupId int) (Membership, error) {
	args := m.Called(accountId, groupId)
	return args.Get(0).(Membership), args.Error(1)
}
func (m *MockGoChatRepository) UpdateLastReadSeqId(accountId, groupId, seqId int) error {
	args := m.Called(accountId, groupId, seqId)
	return args.Error(0)
}
func (m *MockGoChatRepository) CreateMessage(msg Message) error {
	args := m.Called(msg)
	return args.Error(0)
}
func (m *MockGoChatRepository) GetMessageByToken(groupId, userId int, token string) (Message, error) {
	args := m.Called(groupId, userId, token)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockGoChatRepository) GetMessages(groupId, before, limit int) ([]Message, error) {
	args := m.Called(groupId, before, limit)
	return args.Get(0).([]Message), args.Error(1)
}
func (m *MockGoChatRepository) UpdateMessageStatus(groupId int, ids []string, status types.MessageStatus) ([]string, error) {
	args := m.Called(groupId, ids, status)
	return args.Get(0).([]string), args.Error(1)
}
func (m *MockGoChatRepository) MarkMessagesRead(groupId, readerId int, ids []string) (MarkReadResult, error) {
	args := m.Called(groupId, readerId, ids)
	return args.Get(0).(MarkReadResult), args.Error(1)
}
func (m *MockGoChatRepository) CreateNotification(params CreateNotificationParams) (Notification, error) {
	args := m.Called(params)
	return args.Get(0).(Notification), args.Error(1)
}
func (m *MockGoChatRepository) ListNotifications(accountId, before, limit int) ([]Notification, error) {
	args := m.Called(accountId, before, limit)
	return args.Get(0).([]Notification), args.Error(1)
}
func (m *MockGoChatRepository) CountUnreadNotifications(accountId int) (int, error) {
	args := m.Called(accountId)
	return args.Int(0), args.Error(1)
}
func (m *MockGoChatRepository) MarkNotificationRead(accountId, notificationId int) error {
	args := m.Called(accountId, notificationId)
	return args.Error(0)
}
func (m *MockGoChatRepository) MarkAllNotificationsRead(accountId int) error {
	args := m.Called(accountId)
	return args.Error(0)
}
func (m *MockGoChatRepository) DeleteNotification(accountId, notificationId int) error {
	args := m.Called(accountId, notificationId)
	return args.Error(0)
}
