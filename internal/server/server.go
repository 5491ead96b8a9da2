package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/npezzotti/go-groupchat/internal/database"
	"github.com/npezzotti/go-groupchat/internal/events"
	"github.com/npezzotti/go-groupchat/internal/presence"
	"github.com/npezzotti/go-groupchat/internal/protocol"
	"github.com/npezzotti/go-groupchat/internal/stats"
	"github.com/npezzotti/go-groupchat/internal/types"
	"golang.org/x/time/rate"
)

const (
	metricActiveGroups      = "NumActiveGroups"
	metricActiveClients     = "NumActiveClients"
	metricMessagesPublished = "MessagesPublished"
	metricDuplicates        = "DuplicateSubmissions"
	metricNotificationsSent = "NotificationsSent"
)

var metrics = []string{
	metricActiveGroups,
	metricActiveClients,
	metricMessagesPublished,
	metricDuplicates,
	metricNotificationsSent,
}

type stopReq struct {
	done chan struct{}
}

type unloadReq struct {
	id      string
	deleted bool
	done    chan struct{}
}

// RateLimit bounds how fast a single session may publish or signal typing.
type RateLimit struct {
	PerSecond float64
	Burst     int
}

var defaultRateLimit = RateLimit{PerSecond: 5, Burst: 10}

type Option func(*ChatServer)

func WithPresence(r presence.Registry) Option {
	return func(cs *ChatServer) { cs.presence = r }
}

func WithPublisher(p events.Publisher) Option {
	return func(cs *ChatServer) { cs.events = p }
}

func WithRateLimit(l RateLimit) Option {
	return func(cs *ChatServer) {
		if l.PerSecond > 0 && l.Burst > 0 {
			cs.limit = l
		}
	}
}

type ChatServer struct {
	log             *log.Logger
	db              database.GoChatRepository
	stats           stats.StatsProvider
	presence        presence.Registry
	events          events.Publisher
	limit           RateLimit
	groupsMap       sync.Map
	numGroups       int
	clients         map[*Client]struct{}
	userMap         map[int]map[*Client]struct{}
	clientsLock     sync.RWMutex
	joinChan        chan *ClientMessage
	unloadGroupChan chan unloadReq
	stop            chan stopReq
}

func NewChatServer(logger *log.Logger, db database.GoChatRepository, su stats.StatsProvider, opts ...Option) (*ChatServer, error) {
	cs := &ChatServer{
		log:             logger,
		db:              db,
		stats:           su,
		presence:        presence.NewMemoryRegistry(),
		events:          events.NopPublisher{},
		limit:           defaultRateLimit,
		clients:         make(map[*Client]struct{}),
		userMap:         make(map[int]map[*Client]struct{}),
		joinChan:        make(chan *ClientMessage, 256),
		unloadGroupChan: make(chan unloadReq),
		stop:            make(chan stopReq),
	}

	for _, opt := range opts {
		opt(cs)
	}

	for _, m := range metrics {
		su.RegisterMetric(m)
	}

	return cs, nil
}

func (cs *ChatServer) Run() {
	for {
		select {
		case joinMsg := <-cs.joinChan:
			cs.handleJoin(joinMsg)
		case req := <-cs.unloadGroupChan:
			cs.handleUnload(req)
		case req := <-cs.stop:
			cs.log.Println("shutting down groups")
			cs.unloadAllGroups()

			for _, c := range cs.allClients() {
				c.stopClient()
			}

			close(req.done)
			return
		}
	}
}

// handleJoin routes a join request to the group actor, loading the group
// from the store on first use.
func (cs *ChatServer) handleJoin(joinMsg *ClientMessage) {
	groupId := joinMsg.Join.GroupId
	g, ok := cs.getGroup(groupId)
	if !ok {
		var err error
		g, err = cs.loadGroup(groupId)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				joinMsg.client.queueMessage(ErrGroupNotFound(joinMsg.Id))
			} else {
				cs.log.Printf("load group %q: %v", groupId, err)
				joinMsg.client.queueMessage(ErrInternalError(joinMsg.Id))
			}
			return
		}

		cs.addGroup(groupId, g)
		go g.start()
	}

	select {
	case g.joinChan <- joinMsg:
	default:
		cs.log.Printf("join channel full on group %q", groupId)
		joinMsg.client.queueMessage(ErrServiceUnavailable(joinMsg.Id))
	}
}

func (cs *ChatServer) loadGroup(externalId string) (*Group, error) {
	dbGroup, err := cs.db.GetGroupByExternalId(externalId)
	if err != nil {
		return nil, err
	}

	full, err := cs.db.GetGroupWithMembers(dbGroup.Id)
	if err != nil {
		return nil, fmt.Errorf("get members: %w", err)
	}

	return newGroup(cs, full), nil
}

func (cs *ChatServer) handleUnload(req unloadReq) {
	g, ok := cs.getGroup(req.id)
	if ok {
		cs.removeGroup(req.id)
		done := make(chan struct{})
		g.exit <- exitReq{deleted: req.deleted, done: done}
		<-done
	}

	if req.done != nil {
		close(req.done)
	}
}

func (cs *ChatServer) unloadAllGroups() {
	cs.groupsMap.Range(func(key, value any) bool {
		g := value.(*Group)
		cs.log.Printf("shutting down group %q", g.externalId)
		done := make(chan struct{})
		g.exit <- exitReq{done: done}
		<-done
		cs.removeGroup(key.(string))
		return true
	})
}

func (cs *ChatServer) addGroup(id string, g *Group) {
	cs.groupsMap.Store(id, g)
	cs.numGroups++
	cs.stats.Incr(metricActiveGroups)
}

func (cs *ChatServer) getGroup(id string) (*Group, bool) {
	g, ok := cs.groupsMap.Load(id)
	if !ok {
		return nil, false
	}
	return g.(*Group), true
}

func (cs *ChatServer) removeGroup(id string) {
	if _, ok := cs.groupsMap.LoadAndDelete(id); ok {
		cs.log.Printf("removed group %q", id)
		cs.numGroups--
		cs.stats.Decr(metricActiveGroups)
	}
}

// UnloadGroup stops the group's actor. When deleted is true, connected
// sessions are told the group is gone.
func (cs *ChatServer) UnloadGroup(ctx context.Context, id string, deleted bool) error {
	done := make(chan struct{})
	select {
	case cs.unloadGroupChan <- unloadReq{id: id, deleted: deleted, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterClient makes the session reachable on its participant scoped
// channel and tells it which of its groups are currently active.
func (cs *ChatServer) RegisterClient(c *Client) {
	cs.log.Printf("adding connection from %q", c.user.Username)
	cs.addClient(c)

	memberships, err := cs.db.ListMemberships(c.user.Id)
	if err != nil {
		cs.log.Printf("ListMemberships: %v", err)
		return
	}

	for _, m := range memberships {
		if _, ok := cs.getGroup(m.Group.ExternalId); !ok {
			continue
		}

		msg := &ServerMessage{}
		msg.Timestamp = Now()
		msg.Presence = &protocol.Presence{Present: true, GroupId: m.Group.ExternalId}
		c.queueMessage(msg)
	}
}

func (cs *ChatServer) DeRegisterClient(c *Client) {
	cs.log.Printf("removing connection from %q", c.user.Username)
	cs.removeClient(c)
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	cs.clients[c] = struct{}{}
	if cs.userMap[c.user.Id] == nil {
		cs.userMap[c.user.Id] = make(map[*Client]struct{})
	}
	cs.userMap[c.user.Id][c] = struct{}{}
	cs.stats.Incr(metricActiveClients)
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return
	}

	delete(cs.clients, c)
	if userClients, ok := cs.userMap[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(cs.userMap, c.user.Id)
		}
	}
	cs.stats.Decr(metricActiveClients)
}

func (cs *ChatServer) getClients(userId int) []*Client {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	clients := make([]*Client, 0, len(cs.userMap[userId]))
	for c := range cs.userMap[userId] {
		clients = append(clients, c)
	}
	return clients
}

func (cs *ChatServer) allClients() []*Client {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	clients := make([]*Client, 0, len(cs.clients))
	for c := range cs.clients {
		clients = append(clients, c)
	}
	return clients
}

// handleBroadcast delivers a participant scoped message to every session of
// msg.UserId.
func (cs *ChatServer) handleBroadcast(msg *ServerMessage) {
	for _, c := range cs.getClients(msg.UserId) {
		if c == msg.SkipClient {
			continue
		}
		c.queueMessage(msg)
	}
}

// NotifyUser is the participant scoped channel. It reaches the user's
// sessions regardless of which groups they joined.
func (cs *ChatServer) NotifyUser(userId int, msg *ServerMessage) {
	msg.UserId = userId
	cs.handleBroadcast(msg)
}

// Notify persists a notification for userId and pushes it to the user's
// live sessions.
func (cs *ChatServer) Notify(ctx context.Context, userId int, typ string, data json.RawMessage) (types.Notification, error) {
	if err := ctx.Err(); err != nil {
		return types.Notification{}, err
	}

	n, err := cs.db.CreateNotification(database.CreateNotificationParams{
		UserId: userId,
		Type:   typ,
		Data:   data,
	})
	if err != nil {
		return types.Notification{}, fmt.Errorf("create notification: %w", err)
	}

	tn := n.ToType()
	msg := &ServerMessage{}
	msg.Timestamp = Now()
	msg.Notification = &tn
	cs.NotifyUser(userId, msg)
	cs.stats.Incr(metricNotificationsSent)

	return tn, nil
}

// OnlineMembers returns the ids of the group's members with a live session.
func (cs *ChatServer) OnlineMembers(ctx context.Context, groupId string) ([]int, error) {
	return cs.presence.Members(ctx, groupId)
}

func (cs *ChatServer) newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(cs.limit.PerSecond), cs.limit.Burst)
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")

	done := make(chan struct{})
	select {
	case cs.stop <- stopReq{done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
