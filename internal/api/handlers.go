package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-groupchat/internal/database"
	"github.com/npezzotti/go-groupchat/internal/server"
	"github.com/npezzotti/go-groupchat/internal/types"
	"github.com/teris-io/shortid"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

type CreateGroupRequest struct {
	Name      string `json:"name"`
	Subject   string `json:"subject"`
	MemberIds []int  `json:"member_ids"`
}

type PresenceResponse struct {
	GroupId string `json:"group_id"`
	Online  []int  `json:"online"`
}

type UnreadResponse struct {
	UnreadCount int `json:"unread_count"`
}

func (s *GoChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *GoChatApp) writeError(w http.ResponseWriter, e *ApiError) {
	if e.StatusCode >= http.StatusInternalServerError && e.Err != nil {
		s.log.Println(e.Error())
	}
	s.writeJson(w, e.StatusCode, e)
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}

	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, NewBadRequestError()
	}
	return v, nil
}

func (s *GoChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.log.Printf("health check: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *GoChatApp) listGroups(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	dbMemberships, err := s.db.ListMemberships(userId)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	memberships := make([]types.Membership, 0, len(dbMemberships))
	for _, m := range dbMemberships {
		memberships = append(memberships, types.Membership{
			Group:         m.Group.ToType(),
			LastReadSeqId: m.LastReadSeqId,
			UnreadCount:   m.UnreadCount,
		})
	}

	s.writeJson(w, http.StatusOK, memberships)
}

func (s *GoChatApp) createGroup(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	var req CreateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	memberIds := []int{userId}
	for _, id := range req.MemberIds {
		if id <= 0 || slices.Contains(memberIds, id) {
			continue
		}
		if _, err := s.db.GetAccountById(id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				errResp := NewBadRequestError()
				errResp.Message = "unknown member " + strconv.Itoa(id)
				s.writeError(w, errResp)
				return
			}
			s.writeError(w, NewInternalServerError(err))
			return
		}
		memberIds = append(memberIds, id)
	}

	if len(memberIds) < 2 {
		s.writeError(w, NewBadRequestError())
		return
	}

	externalId, err := shortid.Generate()
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	created, err := s.db.CreateGroup(database.CreateGroupParams{
		Name:       req.Name,
		Subject:    req.Subject,
		ExternalId: externalId,
		MemberIds:  memberIds,
	})
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	group, err := s.db.GetGroupWithMembers(created.Id)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	if s.stats != nil {
		s.stats.Incr(metricGroupsCreated)
	}

	data, _ := json.Marshal(types.GroupMatchData{
		GroupId: group.ExternalId,
		Name:    group.Name,
		Subject: group.Subject,
	})
	for _, id := range memberIds {
		if _, err := s.cs.Notify(r.Context(), id, types.NotificationGroupMatch, data); err != nil {
			s.log.Printf("notify user %d of group %s: %v", id, group.ExternalId, err)
		}
	}

	s.writeJson(w, http.StatusCreated, group.ToType())
}

// memberGroup resolves the group named by the group_id query parameter and
// checks that the caller belongs to it.
func (s *GoChatApp) memberGroup(r *http.Request) (database.Group, *ApiError) {
	userId, ok := UserId(r.Context())
	if !ok {
		return database.Group{}, NewUnauthorizedError()
	}

	externalId := r.URL.Query().Get("group_id")
	if externalId == "" {
		return database.Group{}, NewBadRequestError()
	}

	group, err := s.db.GetGroupByExternalId(externalId)
	if err != nil {
		return database.Group{}, lookupError(err)
	}

	if _, err := s.db.GetMembership(userId, group.Id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return database.Group{}, NewForbiddenError()
		}
		return database.Group{}, NewInternalServerError(err)
	}

	return group, nil
}

func (s *GoChatApp) groupPresence(w http.ResponseWriter, r *http.Request) {
	group, apiErr := s.memberGroup(r)
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	online, err := s.cs.OnlineMembers(r.Context(), group.ExternalId)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}
	if online == nil {
		online = []int{}
	}

	s.writeJson(w, http.StatusOK, PresenceResponse{GroupId: group.ExternalId, Online: online})
}

func (s *GoChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	before, err := queryInt(r, "before")
	if err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}
	if limit == 0 {
		limit = defaultHistoryLimit
	}
	// a silently shortened page would read as the end of history
	if limit > maxHistoryLimit {
		s.writeError(w, NewBadRequestError())
		return
	}

	group, apiErr := s.memberGroup(r)
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	dbMessages, err := s.db.GetMessages(group.Id, before, limit)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	userId, _ := UserId(r.Context())
	messages := make([]types.Message, 0, len(dbMessages))
	for i := len(dbMessages) - 1; i >= 0; i-- {
		m := dbMessages[i].ToType(group.ExternalId)
		if m.UserId != userId {
			m.Token = ""
		}
		messages = append(messages, m)
	}

	s.writeJson(w, http.StatusOK, messages)
}

func (s *GoChatApp) listNotifications(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	before, err := queryInt(r, "before")
	if err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}
	if limit == 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)

	dbNotifications, err := s.db.ListNotifications(userId, before, limit)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	notifications := make([]types.Notification, 0, len(dbNotifications))
	for _, n := range dbNotifications {
		notifications = append(notifications, n.ToType())
	}

	s.writeJson(w, http.StatusOK, notifications)
}

func (s *GoChatApp) unreadNotifications(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	count, err := s.db.CountUnreadNotifications(userId)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, UnreadResponse{UnreadCount: count})
}

func (s *GoChatApp) readNotifications(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	q := r.URL.Query()
	switch {
	case q.Get("all") == "true":
		if err := s.db.MarkAllNotificationsRead(userId); err != nil {
			s.writeError(w, NewInternalServerError(err))
			return
		}
	case q.Get("id") != "":
		id, err := strconv.Atoi(q.Get("id"))
		if err != nil || id <= 0 {
			s.writeError(w, NewBadRequestError())
			return
		}
		if err := s.db.MarkNotificationRead(userId, id); err != nil {
			s.writeError(w, lookupError(err))
			return
		}
	default:
		s.writeError(w, NewBadRequestError())
		return
	}

	count, err := s.db.CountUnreadNotifications(userId)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, UnreadResponse{UnreadCount: count})
}

func (s *GoChatApp) deleteNotification(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	id, err := strconv.Atoi(r.URL.Query().Get("id"))
	if err != nil || id <= 0 {
		s.writeError(w, NewBadRequestError())
		return
	}

	if err := s.db.DeleteNotification(userId, id); err != nil {
		s.writeError(w, lookupError(err))
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *GoChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	id, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	user, err := s.db.GetAccountById(id)
	if err != nil {
		s.writeError(w, lookupError(err))
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(user.ToType(), conn, s.cs, s.log)

	s.cs.RegisterClient(client)
	go client.Write()
	go client.Read()
}
