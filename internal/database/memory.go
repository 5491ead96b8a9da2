package database

import (
	"database/sql"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/npezzotti/go-groupchat/internal/types"
)

// MemoryRepository is a GoChatRepository kept entirely in process memory. It
// backs local development and tests.
type MemoryRepository struct {
	mu            sync.RWMutex
	accounts      map[int]User
	groups        map[int]*Group
	messages      map[int][]Message
	notifications map[int][]Notification
	nextGroupId   int
	nextNotifId   int
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts:      make(map[int]User),
		groups:        make(map[int]*Group),
		messages:      make(map[int][]Message),
		notifications: make(map[int][]Notification),
	}
}

// AddAccount registers an identity. Accounts are owned by the external
// identity system so this is only used to seed the store.
func (m *MemoryRepository) AddAccount(id int, username string) User {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	u := User{Id: id, Username: username, CreatedAt: now, UpdatedAt: now}
	m.accounts[id] = u
	return u
}

func (m *MemoryRepository) Ping() error {
	return nil
}

func (m *MemoryRepository) GetAccountById(accountId int) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.accounts[accountId]
	if !ok {
		return User{}, sql.ErrNoRows
	}
	return u, nil
}

func (m *MemoryRepository) GetGroupByExternalId(externalId string) (Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, g := range m.groups {
		if g.ExternalId == externalId {
			return m.copyGroup(g, false), nil
		}
	}
	return Group{}, sql.ErrNoRows
}

func (m *MemoryRepository) GetGroupWithMembers(groupId int) (*Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.groups[groupId]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := m.copyGroup(g, true)
	return &cp, nil
}

func (m *MemoryRepository) copyGroup(g *Group, withMembers bool) Group {
	cp := *g
	cp.Members = nil
	if withMembers {
		cp.Members = make([]Member, 0, len(g.Members))
		for _, mem := range g.Members {
			mem.Username = m.accounts[mem.AccountId].Username
			cp.Members = append(cp.Members, mem)
		}
	}
	return cp
}

func (m *MemoryRepository) CreateGroup(params CreateGroupParams) (Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, g := range m.groups {
		if g.ExternalId == params.ExternalId {
			return Group{}, fmt.Errorf("group %q already exists", params.ExternalId)
		}
	}

	m.nextGroupId++
	now := time.Now().UTC()
	g := &Group{
		Id:         m.nextGroupId,
		ExternalId: params.ExternalId,
		Name:       params.Name,
		Subject:    params.Subject,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, id := range params.MemberIds {
		if slices.ContainsFunc(g.Members, func(mem Member) bool { return mem.AccountId == id }) {
			continue
		}
		g.Members = append(g.Members, Member{GroupId: g.Id, AccountId: id, CreatedAt: now})
	}
	m.groups[g.Id] = g

	return m.copyGroup(g, false), nil
}

func (m *MemoryRepository) member(accountId, groupId int) (*Member, bool) {
	g, ok := m.groups[groupId]
	if !ok {
		return nil, false
	}
	for i := range g.Members {
		if g.Members[i].AccountId == accountId {
			return &g.Members[i], true
		}
	}
	return nil, false
}

func (m *MemoryRepository) unread(mem *Member) int {
	count := 0
	for _, msg := range m.messages[mem.GroupId] {
		if msg.SeqId > mem.LastReadSeqId && msg.UserId != mem.AccountId {
			count++
		}
	}
	return count
}

func (m *MemoryRepository) ListMemberships(accountId int) ([]Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	memberships := make([]Membership, 0)
	for id, g := range m.groups {
		mem, ok := m.member(accountId, id)
		if !ok {
			continue
		}
		memberships = append(memberships, Membership{
			Group:         m.copyGroup(g, false),
			LastReadSeqId: mem.LastReadSeqId,
			UnreadCount:   m.unread(mem),
		})
	}

	sort.Slice(memberships, func(i, j int) bool {
		return memberships[i].Group.Id < memberships[j].Group.Id
	})
	return memberships, nil
}

func (m *MemoryRepository) GetMembership(accountId, groupId int) (Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mem, ok := m.member(accountId, groupId)
	if !ok {
		return Membership{}, sql.ErrNoRows
	}
	return Membership{
		Group:         Group{Id: groupId},
		LastReadSeqId: mem.LastReadSeqId,
		UnreadCount:   m.unread(mem),
	}, nil
}

func (m *MemoryRepository) UpdateLastReadSeqId(accountId, groupId, seqId int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem, ok := m.member(accountId, groupId)
	if !ok {
		return sql.ErrNoRows
	}
	if seqId > mem.LastReadSeqId {
		mem.LastReadSeqId = seqId
	}
	return nil
}

func (m *MemoryRepository) CreateMessage(msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[msg.GroupId]
	if !ok {
		return sql.ErrNoRows
	}
	for _, existing := range m.messages[msg.GroupId] {
		if existing.SeqId == msg.SeqId {
			return fmt.Errorf("duplicate seq_id %d in group %d", msg.SeqId, msg.GroupId)
		}
		if msg.Token != "" && existing.UserId == msg.UserId && existing.Token == msg.Token {
			return fmt.Errorf("duplicate token %q in group %d", msg.Token, msg.GroupId)
		}
	}

	m.messages[msg.GroupId] = append(m.messages[msg.GroupId], msg)
	if msg.SeqId > g.SeqId {
		g.SeqId = msg.SeqId
		g.UpdatedAt = msg.CreatedAt
	}
	return nil
}

func (m *MemoryRepository) GetMessageByToken(groupId, userId int, token string) (Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, msg := range m.messages[groupId] {
		if msg.UserId == userId && msg.Token == token {
			return msg, nil
		}
	}
	return Message{}, sql.ErrNoRows
}

func (m *MemoryRepository) GetMessages(groupId, before, limit int) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = defaultPageSize
	}

	msgs := m.messages[groupId]
	page := make([]Message, 0, limit)
	for i := len(msgs) - 1; i >= 0 && len(page) < limit; i-- {
		if before > 0 && msgs[i].SeqId >= before {
			continue
		}
		page = append(page, msgs[i])
	}
	return page, nil
}

func (m *MemoryRepository) UpdateMessageStatus(groupId int, ids []string, status types.MessageStatus) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	updated := make([]string, 0, len(ids))
	msgs := m.messages[groupId]
	for i := range msgs {
		if !slices.Contains(ids, msgs[i].Id) {
			continue
		}
		if next, ok := msgs[i].Status.Advance(status); ok {
			msgs[i].Status = next
			updated = append(updated, msgs[i].Id)
		}
	}
	return updated, nil
}

func (m *MemoryRepository) MarkMessagesRead(groupId, readerId int, ids []string) (MarkReadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := MarkReadResult{Updated: make([]string, 0, len(ids))}
	msgs := m.messages[groupId]
	for i := range msgs {
		if msgs[i].UserId == readerId || !slices.Contains(ids, msgs[i].Id) {
			continue
		}
		if msgs[i].SeqId > res.MaxSeqId {
			res.MaxSeqId = msgs[i].SeqId
		}
		if next, ok := msgs[i].Status.Advance(types.StatusRead); ok {
			msgs[i].Status = next
			res.Updated = append(res.Updated, msgs[i].Id)
		}
	}
	return res, nil
}

func (m *MemoryRepository) CreateNotification(params CreateNotificationParams) (Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextNotifId++
	n := Notification{
		Id:        m.nextNotifId,
		UserId:    params.UserId,
		Type:      params.Type,
		Data:      params.Data,
		CreatedAt: time.Now().UTC(),
	}
	m.notifications[params.UserId] = append(m.notifications[params.UserId], n)
	return n, nil
}

func (m *MemoryRepository) ListNotifications(accountId, before, limit int) ([]Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = defaultPageSize
	}

	all := m.notifications[accountId]
	page := make([]Notification, 0, limit)
	for i := len(all) - 1; i >= 0 && len(page) < limit; i-- {
		if before > 0 && all[i].Id >= before {
			continue
		}
		page = append(page, all[i])
	}
	return page, nil
}

func (m *MemoryRepository) CountUnreadNotifications(accountId int) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, n := range m.notifications[accountId] {
		if !n.Read {
			count++
		}
	}
	return count, nil
}

func (m *MemoryRepository) MarkNotificationRead(accountId, notificationId int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.notifications[accountId]
	for i := range all {
		if all[i].Id == notificationId {
			all[i].Read = true
			return nil
		}
	}
	return sql.ErrNoRows
}

func (m *MemoryRepository) MarkAllNotificationsRead(accountId int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.notifications[accountId]
	for i := range all {
		all[i].Read = true
	}
	return nil
}

func (m *MemoryRepository) DeleteNotification(accountId, notificationId int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.notifications[accountId]
	for i := range all {
		if all[i].Id == notificationId {
			m.notifications[accountId] = slices.Delete(all, i, i+1)
			return nil
		}
	}
	return sql.ErrNoRows
}
