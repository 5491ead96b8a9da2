package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/npezzotti/go-groupchat/internal/database"
	"github.com/npezzotti/go-groupchat/internal/protocol"
	"github.com/npezzotti/go-groupchat/internal/types"
)

const (
	idleGroupTimeout = time.Second * 30
	maxContentLength = 4096
	previewLength    = 80
	tokenCacheSize   = 1024
	sideEffectWait   = 5 * time.Second
)

type exitReq struct {
	deleted bool
	done    chan struct{}
}

// Group is the single writer for one chat group. Every mutation of the
// group's ordering state happens on the goroutine running start, so
// concurrent submissions receive strictly increasing sequence ids.
type Group struct {
	id            int
	externalId    string
	name          string
	subject       string
	members       []database.Member
	cs            *ChatServer
	joinChan      chan *ClientMessage
	leaveChan     chan *ClientMessage
	clientMsgChan chan *ClientMessage
	seqId         int
	tokens        *tokenCache
	clients       map[*Client]struct{}
	userMap       map[int]map[*Client]struct{}
	clientLock    sync.RWMutex
	log           *log.Logger
	// killTimer unloads the group once it has no sessions
	killTimer *time.Timer
	exit      chan exitReq
}

func newGroup(cs *ChatServer, g *database.Group) *Group {
	return &Group{
		id:            g.Id,
		externalId:    g.ExternalId,
		name:          g.Name,
		subject:       g.Subject,
		members:       g.Members,
		cs:            cs,
		joinChan:      make(chan *ClientMessage, 256),
		leaveChan:     make(chan *ClientMessage, 256),
		clientMsgChan: make(chan *ClientMessage, 256),
		seqId:         g.SeqId,
		tokens:        newTokenCache(tokenCacheSize),
		clients:       make(map[*Client]struct{}),
		userMap:       make(map[int]map[*Client]struct{}),
		log:           cs.log,
		exit:          make(chan exitReq, 1),
	}
}

func (g *Group) start() {
	g.log.Printf("starting group %q", g.externalId)
	g.killTimer = time.NewTimer(idleGroupTimeout)
	g.killTimer.Stop()

	for {
		select {
		case join := <-g.joinChan:
			g.handleJoin(join)
		case leave := <-g.leaveChan:
			g.handleLeave(leave)
		case msg := <-g.clientMsgChan:
			switch {
			case msg.Publish != nil:
				g.handlePublish(msg)
			case msg.Typing != nil:
				g.handleTyping(msg)
			case msg.Read != nil:
				g.handleRead(msg)
			}
		case <-g.killTimer.C:
			if g.handleTimeout() {
				return
			}
		case e := <-g.exit:
			g.handleExit(e)
			return
		}
	}
}

func (g *Group) isMember(userId int) bool {
	for _, m := range g.members {
		if m.AccountId == userId {
			return true
		}
	}
	return false
}

// handleTimeout asks the hub to unload the group. It reports whether the
// group exited while waiting.
func (g *Group) handleTimeout() bool {
	g.log.Printf("group %q timed out", g.externalId)
	select {
	case g.cs.unloadGroupChan <- unloadReq{id: g.externalId}:
		return false
	case e := <-g.exit:
		g.handleExit(e)
		return true
	}
}

func (g *Group) handleExit(e exitReq) {
	g.log.Printf("group %q is exiting", g.externalId)

	// joins already routed here will be served by a fresh actor on retry
	for len(g.joinChan) > 0 {
		join := <-g.joinChan
		join.client.queueMessage(ErrServiceUnavailable(join.Id))
	}

	g.clientLock.Lock()
	for c := range g.clients {
		c.delGroup(g.externalId)
		if e.deleted {
			msg := &ServerMessage{}
			msg.Timestamp = Now()
			msg.Presence = &protocol.Presence{Present: false, GroupId: g.externalId}
			c.queueMessage(msg)
		}
	}
	g.clientLock.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), sideEffectWait)
	defer cancel()
	for userId := range g.userMap {
		if err := g.cs.presence.Remove(ctx, g.externalId, userId); err != nil {
			g.log.Printf("presence remove: %v", err)
		}
	}

	if e.done != nil {
		close(e.done)
	}
}

func (g *Group) info() types.Group {
	tg := types.Group{
		Id:         g.id,
		ExternalId: g.externalId,
		Name:       g.name,
		Subject:    g.subject,
		SeqId:      g.seqId,
		Members:    make([]types.Member, 0, len(g.members)),
	}

	g.clientLock.RLock()
	defer g.clientLock.RUnlock()
	for _, m := range g.members {
		tg.Members = append(tg.Members, types.Member{
			UserId:    m.AccountId,
			Username:  m.Username,
			IsPresent: g.userMap[m.AccountId] != nil,
		})
	}
	return tg
}

func (g *Group) handleJoin(join *ClientMessage) {
	g.killTimer.Stop()

	c := join.client
	if !g.isMember(join.UserId) {
		g.log.Printf("user %d is not a member of group %q", join.UserId, g.externalId)
		g.resetTimerIfIdle()
		c.queueMessage(ErrNotMember(join.Id))
		return
	}

	g.clientLock.RLock()
	_, joined := g.clients[c]
	g.clientLock.RUnlock()

	if joined {
		c.queueMessage(NoErrOK(join.Id, protocol.JoinResult{
			Group:         g.info(),
			AlreadyJoined: true,
		}))
		return
	}

	ms, err := g.cs.db.GetMembership(join.UserId, g.id)
	if err != nil {
		g.log.Println("GetMembership:", err)
		g.resetTimerIfIdle()
		c.queueMessage(ErrInternalError(join.Id))
		return
	}

	firstSession := g.addClient(c)

	if firstSession {
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectWait)
		if err := g.cs.presence.Add(ctx, g.externalId, join.UserId); err != nil {
			g.log.Printf("presence add: %v", err)
		}
		cancel()
	}

	c.queueMessage(NoErrOK(join.Id, protocol.JoinResult{
		Group:         g.info(),
		LastReadSeqId: ms.LastReadSeqId,
		UnreadCount:   ms.UnreadCount,
	}))

	if firstSession {
		g.broadcastPresence(join.UserId, true, c)
	}
}

func (g *Group) handleLeave(leave *ClientMessage) {
	c := leave.client
	lastSession, ok := g.removeClient(c)

	if leave.Id > 0 {
		c.queueMessage(NoErrOK(leave.Id, nil))
	}

	if ok && lastSession {
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectWait)
		if err := g.cs.presence.Remove(ctx, g.externalId, c.user.Id); err != nil {
			g.log.Printf("presence remove: %v", err)
		}
		cancel()

		g.broadcastPresence(c.user.Id, false, c)
	}
}

func (g *Group) broadcastPresence(userId int, present bool, skip *Client) {
	msg := &ServerMessage{SkipClient: skip}
	msg.Timestamp = Now()
	msg.Presence = &protocol.Presence{
		Present: present,
		UserId:  userId,
		GroupId: g.externalId,
	}
	g.broadcast(msg)
}

// handlePublish assigns the next sequence id to a submission, persists it and
// fans it out. Retried submissions carrying an already applied token are
// answered with the stored message instead of creating a new one.
func (g *Group) handlePublish(msg *ClientMessage) {
	c := msg.client
	content := strings.TrimSpace(msg.Publish.Content)
	if content == "" || utf8.RuneCountInString(content) > maxContentLength {
		c.queueMessage(ErrEmptyMessage(msg.Id))
		return
	}

	token := msg.Publish.Token
	if token != "" {
		if existing, ok := g.tokens.get(msg.UserId, token); ok {
			g.handleDuplicate(msg, existing)
			return
		}

		stored, err := g.cs.db.GetMessageByToken(g.id, msg.UserId, token)
		if err == nil {
			existing := stored.ToType(g.externalId)
			g.tokens.put(msg.UserId, token, existing)
			g.handleDuplicate(msg, existing)
			return
		}
		if !errors.Is(err, sql.ErrNoRows) {
			g.log.Println("GetMessageByToken:", err)
			c.queueMessage(ErrInternalError(msg.Id))
			return
		}
	}

	dbMsg := database.Message{
		Id:        uuid.NewString(),
		SeqId:     g.seqId + 1,
		GroupId:   g.id,
		UserId:    msg.UserId,
		Content:   content,
		Token:     token,
		Status:    types.StatusSent,
		CreatedAt: msg.Timestamp,
	}
	if err := g.cs.db.CreateMessage(dbMsg); err != nil {
		g.log.Println("CreateMessage:", err)
		c.queueMessage(ErrInternalError(msg.Id))
		return
	}

	// the sequence id only advances once the message is durable
	g.seqId++
	m := dbMsg.ToType(g.externalId)
	if token != "" {
		g.tokens.put(msg.UserId, token, m)
	}
	g.cs.stats.Incr(metricMessagesPublished)

	c.queueMessage(NoErrOK(msg.Id, protocol.PublishResult{Message: m}))

	g.broadcastMessage(m)

	g.markDelivered(m)
	g.notifyAbsentMembers(m)

	ctx, cancel := context.WithTimeout(context.Background(), sideEffectWait)
	defer cancel()
	if err := g.cs.events.PublishMessage(ctx, m); err != nil {
		g.log.Printf("publish message event: %v", err)
	}
}

func (g *Group) handleDuplicate(msg *ClientMessage, existing types.Message) {
	g.log.Printf("duplicate submission %q from user %d in group %q", msg.Publish.Token, msg.UserId, g.externalId)
	g.cs.stats.Incr(metricDuplicates)
	msg.client.queueMessage(ErrDuplicate(msg.Id, protocol.PublishResult{Message: existing}))
}

// markDelivered moves the message to DELIVERED when a session of another
// member received the fan-out.
func (g *Group) markDelivered(m types.Message) {
	g.clientLock.RLock()
	delivered := false
	for userId := range g.userMap {
		if userId != m.UserId {
			delivered = true
			break
		}
	}
	g.clientLock.RUnlock()

	if !delivered {
		return
	}

	updated, err := g.cs.db.UpdateMessageStatus(g.id, []string{m.Id}, types.StatusDelivered)
	if err != nil {
		g.log.Println("UpdateMessageStatus:", err)
		return
	}
	if len(updated) == 0 {
		return
	}

	receipt := &ServerMessage{}
	receipt.Timestamp = Now()
	receipt.Receipt = &protocol.Receipt{
		GroupId:    g.externalId,
		MessageIds: updated,
		Status:     types.StatusDelivered,
	}
	g.broadcast(receipt)
}

// notifyAbsentMembers routes a new_message notification to every other member
// without a session in the group.
func (g *Group) notifyAbsentMembers(m types.Message) {
	preview := m.Content
	if utf8.RuneCountInString(preview) > previewLength {
		preview = string([]rune(preview)[:previewLength])
	}

	data, err := json.Marshal(types.NewMessageData{
		GroupId:   g.externalId,
		MessageId: m.Id,
		SeqId:     m.SeqId,
		SenderId:  m.UserId,
		Preview:   preview,
	})
	if err != nil {
		g.log.Printf("marshal notification data: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sideEffectWait)
	defer cancel()

	for _, member := range g.members {
		if member.AccountId == m.UserId {
			continue
		}

		g.clientLock.RLock()
		present := g.userMap[member.AccountId] != nil
		g.clientLock.RUnlock()
		if present {
			continue
		}

		if _, err := g.cs.Notify(ctx, member.AccountId, types.NotificationNewMessage, data); err != nil {
			g.log.Printf("notify user %d: %v", member.AccountId, err)
		}
	}
}

// handleTyping relays typing signals to everyone in the group except the
// typing user's own sessions.
func (g *Group) handleTyping(msg *ClientMessage) {
	out := &ServerMessage{}
	out.Timestamp = msg.Timestamp
	out.Typing = &protocol.TypingUpdate{
		UserId:    msg.UserId,
		GroupId:   g.externalId,
		IsTyping:  msg.Typing.IsTyping,
		Timestamp: msg.Timestamp,
	}

	g.clientLock.RLock()
	defer g.clientLock.RUnlock()
	for c := range g.clients {
		if c.user.Id == msg.UserId {
			continue
		}
		c.queueMessage(out)
	}
}

func (g *Group) handleRead(msg *ClientMessage) {
	c := msg.client
	if len(msg.Read.MessageIds) == 0 {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	res, err := g.cs.db.MarkMessagesRead(g.id, msg.UserId, msg.Read.MessageIds)
	if err != nil {
		g.log.Println("MarkMessagesRead:", err)
		c.queueMessage(ErrInternalError(msg.Id))
		return
	}

	if res.MaxSeqId > 0 {
		if err := g.cs.db.UpdateLastReadSeqId(msg.UserId, g.id, res.MaxSeqId); err != nil {
			g.log.Println("UpdateLastReadSeqId:", err)
			c.queueMessage(ErrInternalError(msg.Id))
			return
		}
	}

	c.queueMessage(NoErrOK(msg.Id, protocol.ReadResult{MessageIds: res.Updated}))

	if len(res.Updated) == 0 {
		return
	}

	receipt := &ServerMessage{}
	receipt.Timestamp = Now()
	receipt.Receipt = &protocol.Receipt{
		GroupId:    g.externalId,
		MessageIds: res.Updated,
		Status:     types.StatusRead,
		ReadBy:     msg.UserId,
	}
	g.broadcast(receipt)
}

// addClient reports whether c is the user's first session in the group.
func (g *Group) addClient(c *Client) bool {
	g.clientLock.Lock()
	defer g.clientLock.Unlock()

	g.clients[c] = struct{}{}
	first := g.userMap[c.user.Id] == nil
	if first {
		g.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	g.userMap[c.user.Id][c] = struct{}{}

	c.addGroup(g)
	return first
}

// removeClient reports whether c was the user's last session in the group.
func (g *Group) removeClient(c *Client) (last bool, ok bool) {
	g.clientLock.Lock()
	defer g.clientLock.Unlock()

	if _, found := g.clients[c]; !found {
		return false, false
	}

	g.log.Printf("removing client %q from group %q", c.user.Username, g.externalId)
	delete(g.clients, c)
	c.delGroup(g.externalId)

	if userClients, found := g.userMap[c.user.Id]; found {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(g.userMap, c.user.Id)
			last = true
		}
	}

	if len(g.clients) == 0 {
		g.log.Printf("no clients in %q, starting kill timer", g.externalId)
		g.killTimer.Reset(idleGroupTimeout)
	}

	return last, true
}

func (g *Group) resetTimerIfIdle() {
	g.clientLock.RLock()
	defer g.clientLock.RUnlock()
	if len(g.clients) == 0 {
		g.killTimer.Reset(idleGroupTimeout)
	}
}

func (g *Group) broadcast(msg *ServerMessage) {
	g.clientLock.RLock()
	defer g.clientLock.RUnlock()

	for c := range g.clients {
		if c == msg.SkipClient {
			continue
		}
		c.queueMessage(msg)
	}
}

// broadcastMessage fans m out to every session. The idempotency token is only
// sent to the author's own sessions.
func (g *Group) broadcastMessage(m types.Message) {
	own := &ServerMessage{}
	own.Timestamp = m.Timestamp
	own.Message = &m

	public := m
	public.Token = ""
	others := &ServerMessage{}
	others.Timestamp = m.Timestamp
	others.Message = &public

	g.clientLock.RLock()
	defer g.clientLock.RUnlock()

	for c := range g.clients {
		if c.user.Id == m.UserId {
			c.queueMessage(own)
		} else {
			c.queueMessage(others)
		}
	}
}

type tokenKey struct {
	userId int
	token  string
}

// tokenCache remembers recently applied idempotency tokens so retries are
// answered without a store lookup. Oldest entries are evicted first.
type tokenCache struct {
	size    int
	entries map[tokenKey]types.Message
	order   []tokenKey
}

func newTokenCache(size int) *tokenCache {
	return &tokenCache{
		size:    size,
		entries: make(map[tokenKey]types.Message, size),
		order:   make([]tokenKey, 0, size),
	}
}

func (tc *tokenCache) get(userId int, token string) (types.Message, bool) {
	m, ok := tc.entries[tokenKey{userId, token}]
	return m, ok
}

func (tc *tokenCache) put(userId int, token string, m types.Message) {
	k := tokenKey{userId, token}
	if _, ok := tc.entries[k]; ok {
		tc.entries[k] = m
		return
	}

	if len(tc.order) >= tc.size {
		oldest := tc.order[0]
		tc.order = tc.order[1:]
		delete(tc.entries, oldest)
	}

	tc.entries[k] = m
	tc.order = append(tc.order, k)
}
