package client

import (
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/npezzotti/go-groupchat/internal/protocol"
	"github.com/npezzotti/go-groupchat/internal/types"
)

type PendingState int

const (
	// PendingSending is an optimistic entry awaiting the server's confirmation.
	PendingSending PendingState = iota
	// PendingFailed is an entry whose confirmation never arrived. It stays
	// visible until it is resent or discarded.
	PendingFailed
)

func (s PendingState) String() string {
	if s == PendingFailed {
		return "failed"
	}
	return "sending"
}

// PendingMessage is a local submission that has no server identity yet.
type PendingMessage struct {
	Token     string
	GroupId   string
	Content   string
	State     PendingState
	CreatedAt time.Time
}

// GroupView is a point in time copy of one group's client state.
type GroupView struct {
	Group         types.Group
	Messages      []types.Message
	Pending       []PendingMessage
	Typing        []int
	Online        []int
	Unread        int
	LastReadSeqId int
	Exhausted     bool
}

type groupState struct {
	info      types.Group
	messages  []types.Message
	ids       map[string]struct{}
	pending   map[string]*PendingMessage
	order     []string
	typing    map[int]time.Time
	online    map[int]struct{}
	unread    int
	counted   map[string]struct{}
	lastRead  int
	exhausted bool
	// receipts seen before the message they refer to
	receipts map[string]types.MessageStatus
}

func newGroupState(g types.Group) *groupState {
	return &groupState{
		info:     g,
		ids:      make(map[string]struct{}),
		pending:  make(map[string]*PendingMessage),
		typing:   make(map[int]time.Time),
		online:   make(map[int]struct{}),
		counted:  make(map[string]struct{}),
		receipts: make(map[string]types.MessageStatus),
	}
}

// Store is the client's read model. Every method applies one event
// atomically; readers get copies.
type Store struct {
	mu            sync.Mutex
	self          int
	groups        map[string]*groupState
	active        string
	notifications []types.Notification
}

func NewStore(self int) *Store {
	return &Store{
		self:   self,
		groups: make(map[string]*groupState),
	}
}

func (s *Store) Self() int {
	return s.self
}

func (s *Store) group(id string) *groupState {
	g, ok := s.groups[id]
	if !ok {
		g = newGroupState(types.Group{ExternalId: id})
		s.groups[id] = g
	}
	return g
}

// ApplyJoin records the group metadata and the server's read watermark
// returned by a successful join.
func (s *Store) ApplyJoin(res protocol.JoinResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.group(res.Group.ExternalId)
	g.info = res.Group
	g.lastRead = max(g.lastRead, res.LastReadSeqId)
	if !res.AlreadyJoined {
		g.unread = res.UnreadCount
	}

	for _, m := range res.Group.Members {
		if m.IsPresent {
			g.online[m.UserId] = struct{}{}
		} else {
			delete(g.online, m.UserId)
		}
	}
}

func (s *Store) HasGroup(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.groups[id]
	return ok
}

func (s *Store) RemoveGroup(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, id)
	if s.active == id {
		s.active = ""
	}
}

func (s *Store) Group(id string) (GroupView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[id]
	if !ok {
		return GroupView{}, false
	}
	return g.view(), true
}

// Groups returns every known group ordered by external id.
func (s *Store) Groups() []GroupView {
	s.mu.Lock()
	defer s.mu.Unlock()

	views := make([]GroupView, 0, len(s.groups))
	for _, g := range s.groups {
		views = append(views, g.view())
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].Group.ExternalId < views[j].Group.ExternalId
	})
	return views
}

func (g *groupState) view() GroupView {
	v := GroupView{
		Group:         g.info,
		Messages:      slices.Clone(g.messages),
		Pending:       make([]PendingMessage, 0, len(g.order)),
		Unread:        g.unread,
		LastReadSeqId: g.lastRead,
		Exhausted:     g.exhausted,
	}
	for _, token := range g.order {
		v.Pending = append(v.Pending, *g.pending[token])
	}
	for id := range g.typing {
		v.Typing = append(v.Typing, id)
	}
	sort.Ints(v.Typing)
	for id := range g.online {
		v.Online = append(v.Online, id)
	}
	sort.Ints(v.Online)
	return v
}

// InsertMessages adds confirmed messages in sequence order, skipping ones
// already present. A message carrying the token of a local pending entry
// replaces that entry. It returns the messages actually added.
func (s *Store) InsertMessages(groupId string, msgs ...types.Message) []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.group(groupId)
	added := make([]types.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.UserId == s.self && m.Token != "" {
			g.removePending(m.Token)
		}
		if _, dup := g.ids[m.Id]; dup {
			continue
		}

		if status, ok := g.receipts[m.Id]; ok {
			m.Status, _ = m.Status.Advance(status)
			delete(g.receipts, m.Id)
		}

		i := sort.Search(len(g.messages), func(i int) bool {
			return g.messages[i].SeqId >= m.SeqId
		})
		g.messages = slices.Insert(g.messages, i, m)
		g.ids[m.Id] = struct{}{}
		if m.SeqId > g.info.SeqId {
			g.info.SeqId = m.SeqId
		}
		added = append(added, m)
	}
	return added
}

// MaxSeq returns the highest sequence id loaded for the group.
func (s *Store) MaxSeq(groupId string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupId]
	if !ok || len(g.messages) == 0 {
		return 0
	}
	return g.messages[len(g.messages)-1].SeqId
}

// OldestSeq returns the lowest sequence id loaded for the group.
func (s *Store) OldestSeq(groupId string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupId]
	if !ok || len(g.messages) == 0 {
		return 0
	}
	return g.messages[0].SeqId
}

func (s *Store) SetExhausted(groupId string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.group(groupId).exhausted = true
}

func (s *Store) Exhausted(groupId string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupId]
	return ok && g.exhausted
}

// AddPending records an optimistic submission, or moves an existing entry
// with the same token back to the sending state.
func (s *Store) AddPending(p PendingMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.group(p.GroupId)
	if existing, ok := g.pending[p.Token]; ok {
		existing.State = PendingSending
		return
	}
	p.State = PendingSending
	g.pending[p.Token] = &p
	g.order = append(g.order, p.Token)
}

func (s *Store) Pending(groupId, token string) (PendingMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupId]
	if !ok {
		return PendingMessage{}, false
	}
	p, ok := g.pending[token]
	if !ok {
		return PendingMessage{}, false
	}
	return *p, true
}

func (s *Store) FailPending(groupId, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g, ok := s.groups[groupId]; ok {
		if p, ok := g.pending[token]; ok {
			p.State = PendingFailed
		}
	}
}

func (s *Store) RemovePending(groupId, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g, ok := s.groups[groupId]; ok {
		g.removePending(token)
	}
}

func (g *groupState) removePending(token string) {
	if _, ok := g.pending[token]; !ok {
		return
	}
	delete(g.pending, token)
	g.order = slices.DeleteFunc(g.order, func(t string) bool { return t == token })
}

// ApplyStatus moves the given messages forward to status. Updates for
// messages not loaded yet are kept and applied when they arrive. It returns
// the ids whose status changed.
func (s *Store) ApplyStatus(groupId string, ids []string, status types.MessageStatus) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.group(groupId)
	changed := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := g.ids[id]; !ok {
			g.receipts[id], _ = g.receipts[id].Advance(status)
			continue
		}

		i := slices.IndexFunc(g.messages, func(m types.Message) bool { return m.Id == id })
		if next, ok := g.messages[i].Status.Advance(status); ok {
			g.messages[i].Status = next
			changed = append(changed, id)
		}
	}
	return changed
}

// InboundUnread returns the ids of loaded messages written by others that
// are not READ yet, in sequence order.
func (s *Store) InboundUnread(groupId string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupId]
	if !ok {
		return nil
	}

	var ids []string
	for _, m := range g.messages {
		if m.UserId != s.self && m.Status < types.StatusRead {
			ids = append(ids, m.Id)
		}
	}
	return ids
}

// Inbound filters ids down to loaded messages written by someone else.
func (s *Store) Inbound(groupId string, ids []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupId]
	if !ok {
		return nil
	}

	var out []string
	for _, m := range g.messages {
		if m.UserId != s.self && slices.Contains(ids, m.Id) {
			out = append(out, m.Id)
		}
	}
	return out
}

// RaiseLastRead moves the group's read watermark forward to the highest
// sequence id among ids.
func (s *Store) RaiseLastRead(groupId string, ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[groupId]
	if !ok {
		return
	}
	for _, m := range g.messages {
		if slices.Contains(ids, m.Id) && m.SeqId > g.lastRead {
			g.lastRead = m.SeqId
		}
	}
}

func (s *Store) SetTyping(groupId string, userId int, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.group(groupId).typing[userId] = at
}

func (s *Store) ClearTyping(groupId string, userId int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.groups[groupId]; ok {
		delete(g.typing, userId)
	}
}

func (s *Store) SetOnline(groupId string, userId int, online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.group(groupId)
	if online {
		g.online[userId] = struct{}{}
	} else {
		delete(g.online, userId)
	}
}

func (s *Store) SetActive(groupId string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = groupId
}

func (s *Store) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// CountUnread counts messageId toward the group's unread counter unless it
// was counted before or the group is being viewed.
func (s *Store) CountUnread(groupId, messageId string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == groupId {
		return false
	}
	g := s.group(groupId)
	if _, ok := g.counted[messageId]; ok {
		return false
	}
	g.counted[messageId] = struct{}{}
	g.unread++
	return true
}

func (s *Store) ResetUnread(groupId string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.groups[groupId]; ok {
		g.unread = 0
	}
}

func (s *Store) Unread(groupId string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.groups[groupId]; ok {
		return g.unread
	}
	return 0
}

// AddNotification stores n unless a notification with the same id is
// already known.
func (s *Store) AddNotification(n types.Notification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slices.ContainsFunc(s.notifications, func(x types.Notification) bool { return x.Id == n.Id }) {
		return false
	}
	s.notifications = append(s.notifications, n)
	return true
}

func (s *Store) MarkNotificationRead(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.notifications {
		if s.notifications[i].Id == id {
			s.notifications[i].Read = true
		}
	}
}

func (s *Store) MarkAllNotificationsRead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.notifications {
		s.notifications[i].Read = true
	}
}

func (s *Store) Notifications() []types.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.notifications)
}

func (s *Store) UnreadNotifications() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, n := range s.notifications {
		if !n.Read {
			count++
		}
	}
	return count
}
