package client

import (
	"testing"
	"time"

	"github.com/npezzotti/go-groupchat/internal/protocol"
	"github.com/npezzotti/go-groupchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage(seq, userId int) types.Message {
	return types.Message{
		Id:      "g1-" + string(rune('a'+seq)),
		SeqId:   seq,
		GroupId: "g1",
		UserId:  userId,
		Content: "message",
		Status:  types.StatusSent,
	}
}

func TestStore_ApplyJoin(t *testing.T) {
	s := NewStore(selfId)

	s.ApplyJoin(protocol.JoinResult{
		Group: types.Group{
			ExternalId: "g1",
			Name:       "general",
			SeqId:      9,
			Members: []types.Member{
				{UserId: 1, IsPresent: true},
				{UserId: 2, IsPresent: true},
				{UserId: 3},
			},
		},
		LastReadSeqId: 6,
		UnreadCount:   3,
	})

	v, ok := s.Group("g1")
	require.True(t, ok)
	assert.Equal(t, "general", v.Group.Name)
	assert.Equal(t, 6, v.LastReadSeqId)
	assert.Equal(t, 3, v.Unread)
	assert.Equal(t, []int{1, 2}, v.Online)

	// a repeated join keeps the live counter
	s.ApplyJoin(protocol.JoinResult{Group: types.Group{ExternalId: "g1"}, AlreadyJoined: true, UnreadCount: 0})
	assert.Equal(t, 3, s.Unread("g1"))
}

func TestStore_InsertMessages(t *testing.T) {
	s := NewStore(selfId)

	added := s.InsertMessages("g1", testMessage(3, 2), testMessage(1, 2))
	assert.Len(t, added, 2)

	added = s.InsertMessages("g1", testMessage(2, 2), testMessage(3, 2))
	require.Len(t, added, 1)
	assert.Equal(t, 2, added[0].SeqId)

	v, _ := s.Group("g1")
	assert.Equal(t, []int{1, 2, 3}, messageSeqs(v))
	assert.Equal(t, 3, v.Group.SeqId)
	assert.Equal(t, 1, s.OldestSeq("g1"))
	assert.Equal(t, 3, s.MaxSeq("g1"))
	assert.Equal(t, 0, s.MaxSeq("missing"))
}

func TestStore_Pending(t *testing.T) {
	s := NewStore(selfId)
	s.AddPending(PendingMessage{Token: "t1", GroupId: "g1", Content: "first", CreatedAt: time.Now()})
	s.AddPending(PendingMessage{Token: "t2", GroupId: "g1", Content: "second", CreatedAt: time.Now()})

	s.FailPending("g1", "t1")
	p, ok := s.Pending("g1", "t1")
	require.True(t, ok)
	assert.Equal(t, PendingFailed, p.State)
	assert.Equal(t, "failed", p.State.String())

	// resending moves the entry back to sending without duplicating it
	s.AddPending(PendingMessage{Token: "t1", GroupId: "g1", Content: "first"})
	v, _ := s.Group("g1")
	require.Len(t, v.Pending, 2)
	assert.Equal(t, "t1", v.Pending[0].Token)
	assert.Equal(t, PendingSending, v.Pending[0].State)

	// the confirmed message replaces its pending entry
	confirmed := testMessage(1, selfId)
	confirmed.Token = "t1"
	s.InsertMessages("g1", confirmed)

	v, _ = s.Group("g1")
	require.Len(t, v.Pending, 1)
	assert.Equal(t, "t2", v.Pending[0].Token)
	assert.Len(t, v.Messages, 1)

	s.RemovePending("g1", "t2")
	_, ok = s.Pending("g1", "t2")
	assert.False(t, ok)
}

func TestStore_ApplyStatus(t *testing.T) {
	s := NewStore(selfId)
	m := testMessage(1, selfId)
	s.InsertMessages("g1", m)

	changed := s.ApplyStatus("g1", []string{m.Id}, types.StatusRead)
	assert.Equal(t, []string{m.Id}, changed)

	changed = s.ApplyStatus("g1", []string{m.Id}, types.StatusDelivered)
	assert.Empty(t, changed)

	v, _ := s.Group("g1")
	assert.Equal(t, types.StatusRead, v.Messages[0].Status)

	t.Run("buffered until the message arrives", func(t *testing.T) {
		late := testMessage(2, selfId)
		s.ApplyStatus("g1", []string{late.Id}, types.StatusDelivered)
		s.InsertMessages("g1", late)

		v, _ := s.Group("g1")
		assert.Equal(t, types.StatusDelivered, v.Messages[1].Status)
	})
}

func TestStore_Inbound(t *testing.T) {
	s := NewStore(selfId)
	own := testMessage(1, selfId)
	other := testMessage(2, 2)
	read := testMessage(3, 3)
	read.Status = types.StatusRead
	s.InsertMessages("g1", own, other, read)

	assert.Equal(t, []string{other.Id}, s.InboundUnread("g1"))
	assert.Equal(t, []string{other.Id, read.Id}, s.Inbound("g1", []string{own.Id, other.Id, read.Id, "unknown"}))
	assert.Nil(t, s.Inbound("missing", []string{other.Id}))

	s.RaiseLastRead("g1", []string{other.Id})
	v, _ := s.Group("g1")
	assert.Equal(t, 2, v.LastReadSeqId)

	s.RaiseLastRead("g1", []string{own.Id})
	v, _ = s.Group("g1")
	assert.Equal(t, 2, v.LastReadSeqId)
}

func TestStore_CountUnread(t *testing.T) {
	s := NewStore(selfId)

	assert.True(t, s.CountUnread("g1", "m1"))
	assert.False(t, s.CountUnread("g1", "m1"))
	assert.True(t, s.CountUnread("g1", "m2"))
	assert.Equal(t, 2, s.Unread("g1"))

	s.SetActive("g1")
	assert.False(t, s.CountUnread("g1", "m3"))
	assert.Equal(t, 2, s.Unread("g1"))

	s.ResetUnread("g1")
	assert.Equal(t, 0, s.Unread("g1"))
	assert.Equal(t, 0, s.Unread("missing"))
}

func TestStore_TypingAndPresence(t *testing.T) {
	s := NewStore(selfId)

	s.SetTyping("g1", 3, time.Now())
	s.SetTyping("g1", 2, time.Now())
	s.SetOnline("g1", 2, true)

	v, _ := s.Group("g1")
	assert.Equal(t, []int{2, 3}, v.Typing)
	assert.Equal(t, []int{2}, v.Online)

	s.ClearTyping("g1", 3)
	s.SetOnline("g1", 2, false)

	v, _ = s.Group("g1")
	assert.Equal(t, []int{2}, v.Typing)
	assert.Empty(t, v.Online)
}

func TestStore_Groups(t *testing.T) {
	s := NewStore(selfId)
	s.InsertMessages("zeta", testMessage(1, 2))
	s.InsertMessages("alpha", testMessage(1, 2))
	s.SetActive("alpha")

	groups := s.Groups()
	require.Len(t, groups, 2)
	assert.Equal(t, "alpha", groups[0].Group.ExternalId)
	assert.Equal(t, "zeta", groups[1].Group.ExternalId)

	s.RemoveGroup("alpha")
	assert.False(t, s.HasGroup("alpha"))
	assert.Equal(t, "", s.Active())

	// views are copies
	v, _ := s.Group("zeta")
	v.Messages[0].Content = "changed"
	again, _ := s.Group("zeta")
	assert.Equal(t, "message", again.Messages[0].Content)
}

func TestStore_Notifications(t *testing.T) {
	s := NewStore(selfId)

	assert.True(t, s.AddNotification(types.Notification{Id: 1, Type: types.NotificationGroupMatch}))
	assert.False(t, s.AddNotification(types.Notification{Id: 1, Type: types.NotificationGroupMatch}))
	assert.True(t, s.AddNotification(types.Notification{Id: 2, Type: types.NotificationReminder}))
	assert.Equal(t, 2, s.UnreadNotifications())

	s.MarkNotificationRead(1)
	assert.Equal(t, 1, s.UnreadNotifications())

	s.MarkAllNotificationsRead()
	assert.Equal(t, 0, s.UnreadNotifications())
	assert.Len(t, s.Notifications(), 2)
}

func TestStore_Exhausted(t *testing.T) {
	s := NewStore(selfId)
	assert.False(t, s.Exhausted("g1"))
	s.SetExhausted("g1")
	assert.True(t, s.Exhausted("g1"))
}
